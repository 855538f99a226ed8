// Package index extracts typed search-parameter values from parsed FHIR
// resources and persists them into the normalized, multi-tenant search
// schema. Extraction is driven by compiled SearchParameter definitions held
// in a Registry; the extracted values form a tagged union (one variant per
// FHIR search parameter type) consumed exhaustively by the persistence
// writer, the remote-index message builder, and the search SQL compiler.
package index

import (
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/apd/v3"
)

// ParameterType identifies the FHIR search parameter type of a definition or
// an extracted value.
type ParameterType int

const (
	TypeString ParameterType = iota
	TypeToken
	TypeDate
	TypeNumber
	TypeQuantity
	TypeReference
	TypeURI
	TypeComposite
	TypeProfile  // token-like, stored against common canonical values
	TypeSecurity // token-like, _security
	TypeTag      // token-like, _tag
)

// String returns the FHIR name of the parameter type.
func (t ParameterType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeToken:
		return "token"
	case TypeDate:
		return "date"
	case TypeNumber:
		return "number"
	case TypeQuantity:
		return "quantity"
	case TypeReference:
		return "reference"
	case TypeURI:
		return "uri"
	case TypeComposite:
		return "composite"
	case TypeProfile:
		return "profile"
	case TypeSecurity:
		return "security"
	case TypeTag:
		return "tag"
	}
	return fmt.Sprintf("ParameterType(%d)", int(t))
}

// DefaultTokenSystem is the sentinel code-system name used when a token value
// carries no system at all. Encoding the absent system as a real dictionary
// row keeps join and equality semantics total (no NULLs in the token tables).
const DefaultTokenSystem = "default-token-system"

// ParamTable returns the parameter-value table name for a resource type and
// parameter type, e.g. ("Patient", TypeString) -> "patient_str_values".
// Whole-system rows live in the same tables without the resource-type prefix.
func ParamTable(resourceType string, t ParameterType) string {
	prefix := ""
	if resourceType != "" {
		prefix = strings.ToLower(resourceType) + "_"
	}
	switch t {
	case TypeString, TypeURI:
		return prefix + "str_values"
	case TypeDate:
		return prefix + "date_values"
	case TypeNumber:
		return prefix + "number_values"
	case TypeQuantity:
		return prefix + "quantity_values"
	case TypeToken, TypeSecurity, TypeTag:
		return prefix + "resource_token_refs"
	case TypeReference:
		return prefix + "ref_values"
	case TypeProfile:
		return prefix + "profiles"
	}
	return prefix + "str_values"
}

// ComponentCode is the synthetic parameter name a composite component's rows
// are stored under, e.g. ("code-value-quantity", "value-quantity") ->
// "code-value-quantity$value-quantity". Keeping components under distinct
// names lets the query side address each component individually even when two
// components share a parameter type.
func ComponentCode(compositeCode, componentCode string) string {
	return compositeCode + "$" + componentCode
}

// ParameterValue is the tagged union of extracted search-parameter values.
// Exactly one variant exists per parameter type; consumers switch on the
// concrete type and must handle every variant.
type ParameterValue interface {
	// Code is the search parameter code this value was extracted for.
	Code() string
	// Type is the parameter type of the concrete variant.
	Type() ParameterType
	// CompositeID groups sibling component values extracted from the same
	// underlying element of a composite parameter; nil for non-components.
	CompositeID() *int
	// WholeSystem reports whether the value also participates in
	// whole-system search (e.g. _lastUpdated, _tag, _security, _profile).
	WholeSystem() bool

	isParameterValue()
}

// Base carries the fields shared by every ParameterValue variant.
type Base struct {
	ParamCode string
	Composite *int
	System    bool // whole-system flag
}

func (b Base) Code() string      { return b.ParamCode }
func (b Base) CompositeID() *int { return b.Composite }
func (b Base) WholeSystem() bool { return b.System }
func (b Base) isParameterValue() {}

// StringValue is an extracted string parameter value. Value has already been
// truncated to the configured byte budget; ValueLower is its lower-cased form
// used for the default case-insensitive match.
type StringValue struct {
	Base
	Value      string
	ValueLower string
}

func (StringValue) Type() ParameterType { return TypeString }

// URIValue is an extracted uri parameter value (matched exactly).
type URIValue struct {
	Base
	Value string
}

func (URIValue) Type() ParameterType { return TypeURI }

// DateValue is an extracted date/period value stored as a half-open
// [Start, End) instant range so that partial dates and periods share one
// comparison model.
type DateValue struct {
	Base
	Start time.Time
	End   time.Time
}

func (DateValue) Type() ParameterType { return TypeDate }

// NumberValue is an extracted number value with its implicit-precision
// [Low, High) range.
type NumberValue struct {
	Base
	Value *apd.Decimal
	Low   *apd.Decimal
	High  *apd.Decimal
}

func (NumberValue) Type() ParameterType { return TypeNumber }

// QuantityValue is an extracted quantity: a number range plus its unit
// (code system + code).
type QuantityValue struct {
	Base
	CodeSystem string // unit system; DefaultTokenSystem when absent
	UnitCode   string
	Value      *apd.Decimal
	Low        *apd.Decimal
	High       *apd.Decimal
}

func (QuantityValue) Type() ParameterType { return TypeQuantity }

// TokenKind distinguishes plain tokens from the token-like _security and
// _tag parameters, which are stored in the same tables but additionally
// mirrored for whole-system search.
type TokenKind int

const (
	TokenPlain TokenKind = iota
	TokenSecurity
	TokenTag
)

// TokenValue is an extracted token value. TokenSystem distinguishes three
// cases the FHIR match semantics care about: a real system URI, an explicit
// empty-string system, and no system at all (DefaultTokenSystem).
type TokenValue struct {
	Base
	Kind        TokenKind
	TokenSystem string
	TokenValue  string
}

func (v TokenValue) Type() ParameterType {
	switch v.Kind {
	case TokenSecurity:
		return TypeSecurity
	case TokenTag:
		return TypeTag
	}
	return TypeToken
}

// ReferenceValue is an extracted resource reference.
type ReferenceValue struct {
	Base
	TargetType    string
	TargetID      string
	TargetVersion *int
}

func (ReferenceValue) Type() ParameterType { return TypeReference }

// ProfileValue is an extracted canonical profile reference, split into its
// url, version and fragment parts.
type ProfileValue struct {
	Base
	URL      string
	Version  string
	Fragment string
}

func (ProfileValue) Type() ParameterType { return TypeProfile }

// ParseCanonical splits a canonical reference of the form
// "url|version#fragment" into its parts. Version and fragment are optional.
func ParseCanonical(canonical string) (url, version, fragment string) {
	url = canonical
	if i := strings.Index(url, "#"); i >= 0 {
		fragment = url[i+1:]
		url = url[:i]
	}
	if i := strings.Index(url, "|"); i >= 0 {
		version = url[i+1:]
		url = url[:i]
	}
	return url, version, fragment
}
