package index

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// Extractor walks a parsed resource under the direction of the compiled
// search parameter definitions for its type and produces the flat list of
// typed parameter values to be indexed.
type Extractor struct {
	registry       *Registry
	eval           Evaluator
	maxStringBytes int
	log            zerolog.Logger
}

// NewExtractor creates an Extractor. maxStringBytes bounds the UTF-8 byte
// length of indexed string values; zero selects DefaultMaxStringBytes.
func NewExtractor(registry *Registry, eval Evaluator, maxStringBytes int, log zerolog.Logger) *Extractor {
	if maxStringBytes <= 0 {
		maxStringBytes = DefaultMaxStringBytes
	}
	return &Extractor{
		registry:       registry,
		eval:           eval,
		maxStringBytes: maxStringBytes,
		log:            log,
	}
}

// Extract evaluates every registered definition for the resource's type and
// returns one ParameterValue per matched element. Each expression match
// becomes its own value so repeated elements keep OR semantics at query time.
// A failing expression is logged and skipped unless the definition is
// mandatory, in which case the error aborts the whole extraction.
func (e *Extractor) Extract(ctx context.Context, res Resource) ([]ParameterValue, error) {
	defs := e.registry.ForResourceType(res.ResourceType())
	sort.Slice(defs, func(i, j int) bool { return defs[i].Code < defs[j].Code })

	var out []ParameterValue
	nextComposite := 1

	for _, def := range defs {
		nodes, err := e.eval.Evaluate(ctx, res, def.Expression)
		if err != nil {
			if def.Mandatory {
				return nil, &ExtractionError{ResourceType: res.ResourceType(), Code: def.Code, Mandatory: true, Err: err}
			}
			e.log.Warn().
				Str("resourceType", res.ResourceType()).
				Str("logicalId", res.LogicalID()).
				Str("parameter", def.Code).
				Err(err).
				Msg("search parameter extraction failed, skipping parameter")
			continue
		}

		for _, node := range nodes {
			var vals []ParameterValue
			var convErr error
			if def.Type == TypeComposite {
				vals, nextComposite, convErr = e.convertComposite(def, node, nextComposite)
			} else {
				var v ParameterValue
				v, convErr = e.convertNode(def.Code, def.Type, def.WholeSystem, node, nil)
				if v != nil {
					vals = []ParameterValue{v}
				}
			}
			if convErr != nil {
				if def.Mandatory {
					return nil, &ExtractionError{ResourceType: res.ResourceType(), Code: def.Code, Mandatory: true, Err: convErr}
				}
				e.log.Warn().
					Str("resourceType", res.ResourceType()).
					Str("parameter", def.Code).
					Err(convErr).
					Msg("search parameter value skipped")
				continue
			}
			out = append(out, vals...)
		}
	}
	return out, nil
}

// convertComposite turns one composite match (a GroupNode) into the component
// values sharing a fresh composite id. The shared id is what lets the query
// compiler enforce same-element AND semantics across components.
func (e *Extractor) convertComposite(def Definition, node Node, nextComposite int) ([]ParameterValue, int, error) {
	group, ok := node.(GroupNode)
	if !ok {
		return nil, nextComposite, fmt.Errorf("composite parameter %q: expected group match, got %T", def.Code, node)
	}

	id := nextComposite
	compositeID := &id
	var vals []ParameterValue
	for _, comp := range def.Components {
		parts := group.Parts[comp.Code]
		if len(parts) == 0 {
			// A match missing any component is not indexable as a composite.
			return nil, nextComposite, fmt.Errorf("composite parameter %q: missing component %q", def.Code, comp.Code)
		}
		for _, part := range parts {
			// Component rows are stored under a synthetic per-component
			// parameter name so same-typed components stay distinguishable.
			v, err := e.convertNode(ComponentCode(def.Code, comp.Code), comp.Type, def.WholeSystem, part, compositeID)
			if err != nil {
				return nil, nextComposite, err
			}
			vals = append(vals, v)
		}
	}
	return vals, nextComposite + 1, nil
}

func (e *Extractor) convertNode(code string, typ ParameterType, wholeSystem bool, node Node, compositeID *int) (ParameterValue, error) {
	base := Base{ParamCode: code, Composite: compositeID, System: wholeSystem}

	switch typ {
	case TypeString:
		n, ok := node.(StringNode)
		if !ok {
			return nil, typeMismatch(code, "string", node)
		}
		v := TruncateString(n.Value, e.maxStringBytes)
		return StringValue{Base: base, Value: v, ValueLower: strings.ToLower(v)}, nil

	case TypeURI:
		n, ok := node.(StringNode)
		if !ok {
			return nil, typeMismatch(code, "uri", node)
		}
		return URIValue{Base: base, Value: TruncateString(n.Value, e.maxStringBytes)}, nil

	case TypeToken, TypeSecurity, TypeTag:
		n, ok := node.(CodingNode)
		if !ok {
			return nil, typeMismatch(code, "token", node)
		}
		system := DefaultTokenSystem
		if n.System != nil {
			system = *n.System
		}
		kind := TokenPlain
		switch typ {
		case TypeSecurity:
			kind = TokenSecurity
		case TypeTag:
			kind = TokenTag
		}
		return TokenValue{Base: base, Kind: kind, TokenSystem: system, TokenValue: n.Code}, nil

	case TypeDate:
		n, ok := node.(DateNode)
		if !ok {
			return nil, typeMismatch(code, "date", node)
		}
		return DateValue{Base: base, Start: n.Start.UTC(), End: n.End.UTC()}, nil

	case TypeNumber:
		n, ok := node.(NumberNode)
		if !ok {
			return nil, typeMismatch(code, "number", node)
		}
		value, low, high, err := DecimalRange(n.Value)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", code, err)
		}
		return NumberValue{Base: base, Value: value, Low: low, High: high}, nil

	case TypeQuantity:
		n, ok := node.(QuantityNode)
		if !ok {
			return nil, typeMismatch(code, "quantity", node)
		}
		value, low, high, err := DecimalRange(n.Value)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", code, err)
		}
		system := DefaultTokenSystem
		if n.System != nil {
			system = *n.System
		}
		return QuantityValue{Base: base, CodeSystem: system, UnitCode: n.Code, Value: value, Low: low, High: high}, nil

	case TypeReference:
		n, ok := node.(ReferenceNode)
		if !ok {
			return nil, typeMismatch(code, "reference", node)
		}
		return ReferenceValue{Base: base, TargetType: n.TargetType, TargetID: n.TargetID, TargetVersion: n.Version}, nil

	case TypeProfile:
		n, ok := node.(StringNode)
		if !ok {
			return nil, typeMismatch(code, "profile", node)
		}
		url, version, fragment := ParseCanonical(n.Value)
		return ProfileValue{Base: base, URL: url, Version: version, Fragment: fragment}, nil
	}

	return nil, fmt.Errorf("parameter %q: unsupported parameter type %s", code, typ)
}

func typeMismatch(code, want string, node Node) error {
	return fmt.Errorf("parameter %q: expected %s-compatible element, got %T", code, want, node)
}
