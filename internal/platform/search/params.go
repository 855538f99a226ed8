// Package search turns FHIR search request parameters into the typed query
// parameter model and compiles that model into SQL WHERE fragments over the
// normalized search-parameter tables.
package search

import (
	"fmt"
	"time"

	"github.com/cockroachdb/apd/v3"

	"github.com/LinuxForHealth/FHIR-sub122/internal/platform/index"
)

// Prefix is a FHIR search prefix for ordered values.
type Prefix string

const (
	PrefixEq Prefix = "eq"
	PrefixNe Prefix = "ne"
	PrefixGt Prefix = "gt"
	PrefixLt Prefix = "lt"
	PrefixGe Prefix = "ge"
	PrefixLe Prefix = "le"
	PrefixSa Prefix = "sa" // starts after
	PrefixEb Prefix = "eb" // ends before
	PrefixAp Prefix = "ap" // approximately
)

// Modifier is a FHIR search modifier. Reference-type modifiers naming a
// resource type (":Patient") are carried in Parameter.TargetType instead.
type Modifier string

const (
	ModifierNone     Modifier = ""
	ModifierExact    Modifier = "exact"
	ModifierContains Modifier = "contains"
	ModifierMissing  Modifier = "missing"
	ModifierNot      Modifier = "not"
	ModifierAbove    Modifier = "above"
	ModifierBelow    Modifier = "below"
	ModifierType     Modifier = "type"
)

// Handling selects how unknown or unsupported parameters are treated.
type Handling int

const (
	// HandlingLenient drops the offending parameter and records an
	// advisory issue on the result context.
	HandlingLenient Handling = iota
	// HandlingStrict rejects the whole search.
	HandlingStrict
)

// Options configures a parse.
type Options struct {
	Handling        Handling
	DefaultPageSize int // 0 selects DefaultPageSize
	MaxPageSize     int // 0 selects MaxPageSize
}

// Default pagination bounds applied when Options leaves them zero.
const (
	DefaultPageSize = 10
	MaxPageSize     = 1000
)

// Value is one OR'd search value. Raw preserves the original text for
// self-link reconstruction; the typed fields are populated per parameter
// type.
type Value struct {
	Prefix Prefix
	Raw    string

	// Token and quantity: nil System means unconstrained, a non-nil empty
	// System means "no system" (the default-token-system sentinel).
	System *string
	Code   string

	// String, uri and reference text.
	Text string

	// Reference target type parsed from a "Type/id" value.
	TargetType string

	// Date range, half-open [DateStart, DateEnd).
	DateStart time.Time
	DateEnd   time.Time

	// Number and quantity implicit range.
	Number     *apd.Decimal
	NumberLow  *apd.Decimal
	NumberHigh *apd.Decimal

	// Canonical version/fragment for profile values.
	Version  string
	Fragment string

	// Composite component values, parallel to Parameter.Components.
	Components []Value
}

// HasLink is one reverse-chain hop: resources of TargetType referencing the
// current set through RefParam.
type HasLink struct {
	TargetType string
	RefParam   string
}

// Parameter is one AND'd search predicate: a parameter code with its OR'd
// values, or a :missing test, or the head of a chain.
type Parameter struct {
	Code       string
	Type       index.ParameterType
	Modifier   Modifier
	TargetType string // reference type qualifier (":Patient" or chain hop)
	Values     []Value
	Missing    *bool // non-nil for :missing; Values is empty then

	// Components mirrors the composite definition's component list.
	Components []index.Component

	// Chain is the next hop when this parameter is a reference chain head.
	Chain *Parameter

	// Has holds reverse-chain hops, outermost first. When set, Code/Type/
	// Values describe the leaf parameter on the innermost target type.
	Has []HasLink
}

// SortKey is one _sort segment.
type SortKey struct {
	Code       string
	Descending bool
}

// Inclusion is one _include or _revinclude directive.
type Inclusion struct {
	SourceType string
	Param      string
	TargetType string // optional
}

// Issue is an advisory recorded during lenient parsing.
type Issue struct {
	Severity    string // "warning" or "error"
	Code        string // "not-supported" or "invalid"
	Diagnostics string
}

// Context is the parsed form of one search request.
type Context struct {
	ResourceType string // empty for whole-system search
	Handling     Handling
	Parameters   []Parameter

	Count       int
	Page        int
	Total       string
	Summary     string
	Elements    []string
	Sort        []SortKey
	Includes    []Inclusion
	RevIncludes []Inclusion

	Issues []Issue
}

// InvalidParameterError reports a parameter rejected under strict handling.
type InvalidParameterError struct {
	ResourceType string
	Name         string
	Reason       string
}

func (e *InvalidParameterError) Error() string {
	rt := e.ResourceType
	if rt == "" {
		rt = "Resource"
	}
	return fmt.Sprintf("search parameter %q on %s: %s", e.Name, rt, e.Reason)
}

// ParseValuePrefix splits a FHIR ordered-value prefix off the raw text:
// "gt2023-01-01" -> (gt, "2023-01-01"); no prefix defaults to eq.
func ParseValuePrefix(raw string) (Prefix, string) {
	if len(raw) >= 2 {
		switch p := Prefix(raw[:2]); p {
		case PrefixEq, PrefixNe, PrefixGt, PrefixLt, PrefixGe, PrefixLe, PrefixSa, PrefixEb, PrefixAp:
			return p, raw[2:]
		}
	}
	return PrefixEq, raw
}
