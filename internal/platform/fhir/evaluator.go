package fhir

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/LinuxForHealth/FHIR-sub122/internal/platform/index"
)

// PathEvaluator is the built-in expression evaluator: dotted element paths
// over the resource's JSON tree, with an optional "as <type>" cast and a
// component form for composite parameters. It covers the element shapes the
// common search parameters index; a full FHIRPath engine replaces it by
// implementing index.Evaluator.
//
// Supported forms:
//
//	name.family
//	birthDate as date
//	{code=code as token;value=valueQuantity as quantity}
//
// The composite form evaluates each "component=expr" pair against the nodes
// the (optional) leading root path selects.
type PathEvaluator struct{}

type payloadCarrier interface {
	PayloadJSON() []byte
}

// Evaluate implements index.Evaluator.
func (PathEvaluator) Evaluate(_ context.Context, res index.Resource, expression string) ([]index.Node, error) {
	pc, ok := res.(payloadCarrier)
	if !ok {
		return nil, fmt.Errorf("resource %T carries no payload", res)
	}
	payload := pc.PayloadJSON()
	if len(payload) == 0 {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var root any
	if err := dec.Decode(&root); err != nil {
		return nil, fmt.Errorf("decode resource payload: %w", err)
	}
	return evalExpr(root, expression)
}

func evalExpr(root any, expression string) ([]index.Node, error) {
	expression = strings.TrimSpace(expression)

	if i := strings.Index(expression, "{"); i >= 0 && strings.HasSuffix(expression, "}") {
		return evalComposite(root, strings.TrimSpace(expression[:i]), expression[i+1:len(expression)-1])
	}

	path, cast := splitCast(expression)
	var nodes []index.Node
	for _, leaf := range walkPath(root, path) {
		ns, err := leafNodes(leaf, cast)
		if err != nil {
			return nil, fmt.Errorf("path %q: %w", path, err)
		}
		nodes = append(nodes, ns...)
	}
	return nodes, nil
}

func evalComposite(root any, rootPath, body string) ([]index.Node, error) {
	var nodes []index.Node
	for _, match := range walkPath(root, rootPath) {
		group := index.GroupNode{Parts: make(map[string][]index.Node)}
		for _, pair := range strings.Split(body, ";") {
			code, sub, ok := strings.Cut(pair, "=")
			if !ok {
				return nil, fmt.Errorf("component %q: expected code=expression", pair)
			}
			parts, err := evalExpr(match, sub)
			if err != nil {
				return nil, err
			}
			group.Parts[strings.TrimSpace(code)] = parts
		}
		nodes = append(nodes, group)
	}
	return nodes, nil
}

func splitCast(expression string) (path, cast string) {
	if i := strings.LastIndex(expression, " as "); i >= 0 {
		return strings.TrimSpace(expression[:i]), strings.TrimSpace(expression[i+4:])
	}
	return expression, ""
}

// walkPath descends the dotted path, flattening arrays at every step. An
// empty path selects the node itself.
func walkPath(node any, path string) []any {
	current := flatten(node)
	if path == "" {
		return current
	}
	for _, step := range strings.Split(path, ".") {
		var next []any
		for _, n := range current {
			obj, ok := n.(map[string]any)
			if !ok {
				continue
			}
			if v, ok := obj[step]; ok {
				next = append(next, flatten(v)...)
			}
		}
		current = next
	}
	return current
}

func flatten(v any) []any {
	if arr, ok := v.([]any); ok {
		var out []any
		for _, e := range arr {
			out = append(out, flatten(e)...)
		}
		return out
	}
	if v == nil {
		return nil
	}
	return []any{v}
}

// leafNodes converts one matched JSON value into extraction nodes, honoring
// the cast when present and inferring from the element shape otherwise.
func leafNodes(leaf any, cast string) ([]index.Node, error) {
	switch cast {
	case "date":
		return dateNodes(leaf)
	case "number":
		s, err := numberText(leaf)
		if err != nil {
			return nil, err
		}
		return []index.Node{index.NumberNode{Value: s}}, nil
	case "token":
		return tokenNodes(leaf)
	case "quantity":
		return quantityNodes(leaf)
	case "reference":
		return referenceNodes(leaf)
	case "string", "uri", "":
		// fall through to shape inference
	default:
		return nil, fmt.Errorf("unsupported cast %q", cast)
	}

	switch v := leaf.(type) {
	case string:
		return []index.Node{index.StringNode{Value: v}}, nil
	case json.Number:
		return []index.Node{index.NumberNode{Value: v.String()}}, nil
	case bool:
		return []index.Node{index.CodingNode{Code: fmt.Sprintf("%t", v)}}, nil
	case map[string]any:
		switch {
		case hasKey(v, "reference"):
			return referenceNodes(v)
		case hasKey(v, "coding") || (hasKey(v, "system") && hasKey(v, "code")):
			return tokenNodes(v)
		case hasKey(v, "value") && (hasKey(v, "code") || hasKey(v, "unit")):
			return quantityNodes(v)
		case hasKey(v, "system") && hasKey(v, "value"):
			return tokenNodes(v)
		case hasKey(v, "start") || hasKey(v, "end"):
			return dateNodes(v)
		}
		return nil, fmt.Errorf("cannot infer element type from keys %v", keysOf(v))
	}
	return nil, fmt.Errorf("cannot index element of type %T", leaf)
}

func dateNodes(leaf any) ([]index.Node, error) {
	switch v := leaf.(type) {
	case string:
		start, end, err := index.ParseDateRange(v)
		if err != nil {
			return nil, err
		}
		return []index.Node{index.DateNode{Start: start, End: end}}, nil
	case map[string]any:
		// Period: each bound widened like a standalone partial date, the
		// range spanning from the start's low edge to the end's high edge.
		// An absent bound leaves that side of the range open.
		startStr, endStr := stringKey(v, "start"), stringKey(v, "end")
		if startStr == "" && endStr == "" {
			return nil, fmt.Errorf("period has neither start nor end")
		}
		start := time.Date(1, time.January, 1, 0, 0, 0, 0, time.UTC)
		end := time.Date(10000, time.January, 1, 0, 0, 0, 0, time.UTC)
		if startStr != "" {
			s, _, err := index.ParseDateRange(startStr)
			if err != nil {
				return nil, fmt.Errorf("period start: %w", err)
			}
			start = s
		}
		if endStr != "" {
			_, e, err := index.ParseDateRange(endStr)
			if err != nil {
				return nil, fmt.Errorf("period end: %w", err)
			}
			end = e
		}
		return []index.Node{index.DateNode{Start: start, End: end}}, nil
	}
	return nil, fmt.Errorf("expected date string or Period, got %T", leaf)
}

func tokenNodes(leaf any) ([]index.Node, error) {
	switch v := leaf.(type) {
	case string:
		return []index.Node{index.CodingNode{Code: v}}, nil
	case bool:
		return []index.Node{index.CodingNode{Code: fmt.Sprintf("%t", v)}}, nil
	case map[string]any:
		if codings, ok := v["coding"]; ok {
			var nodes []index.Node
			for _, c := range flatten(codings) {
				ns, err := tokenNodes(c)
				if err != nil {
					return nil, err
				}
				nodes = append(nodes, ns...)
			}
			return nodes, nil
		}
		code := stringKey(v, "code")
		if code == "" {
			// Identifier and ContactPoint carry the token in "value".
			code = stringKey(v, "value")
		}
		node := index.CodingNode{Code: code}
		if sys, ok := v["system"].(string); ok {
			node.System = &sys
		}
		return []index.Node{node}, nil
	}
	return nil, fmt.Errorf("expected code, Coding, CodeableConcept or Identifier, got %T", leaf)
}

func quantityNodes(leaf any) ([]index.Node, error) {
	v, ok := leaf.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected Quantity, got %T", leaf)
	}
	value, err := numberText(v["value"])
	if err != nil {
		return nil, fmt.Errorf("quantity value: %w", err)
	}
	code := stringKey(v, "code")
	if code == "" {
		code = stringKey(v, "unit")
	}
	node := index.QuantityNode{Value: value, Code: code}
	if sys, ok := v["system"].(string); ok {
		node.System = &sys
	}
	return []index.Node{node}, nil
}

func referenceNodes(leaf any) ([]index.Node, error) {
	ref := ""
	switch v := leaf.(type) {
	case string:
		ref = v
	case map[string]any:
		ref = stringKey(v, "reference")
	}
	if ref == "" {
		return nil, fmt.Errorf("expected reference string or Reference, got %T", leaf)
	}

	node := index.ReferenceNode{}
	if i := strings.Index(ref, "/_history/"); i >= 0 {
		var version int
		if _, err := fmt.Sscanf(ref[i+len("/_history/"):], "%d", &version); err == nil {
			node.Version = &version
		}
		ref = ref[:i]
	}
	targetType, targetID, ok := strings.Cut(ref, "/")
	if !ok {
		return nil, fmt.Errorf("reference %q is not Type/id", ref)
	}
	node.TargetType, node.TargetID = targetType, targetID
	return []index.Node{node}, nil
}

func numberText(v any) (string, error) {
	switch n := v.(type) {
	case json.Number:
		return n.String(), nil
	case string:
		return n, nil
	}
	return "", fmt.Errorf("expected number, got %T", v)
}

func hasKey(m map[string]any, k string) bool { _, ok := m[k]; return ok }

func stringKey(m map[string]any, k string) string {
	s, _ := m[k].(string)
	return s
}

func keysOf(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
