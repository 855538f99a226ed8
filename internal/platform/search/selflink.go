package search

import (
	"net/url"
	"strconv"
	"strings"
)

// BuildSelfLink renders the canonical self link for a parsed search: the
// query string a client could replay to get the same page. _count always
// comes first and _page always last; everything between follows the parsed
// parameter order, with dropped parameters (lenient handling) absent.
func BuildSelfLink(sctx *Context, basePath string) string {
	var qs []string
	add := func(name, value string) {
		qs = append(qs, name+"="+value)
	}

	add("_count", strconv.Itoa(sctx.Count))

	for i := range sctx.Parameters {
		p := &sctx.Parameters[i]
		add(serializeName(p), serializeValues(p))
	}

	if len(sctx.Sort) > 0 {
		keys := make([]string, len(sctx.Sort))
		for i, k := range sctx.Sort {
			keys[i] = k.Code
			if k.Descending {
				keys[i] = "-" + k.Code
			}
		}
		add("_sort", url.QueryEscape(strings.Join(keys, ",")))
	}
	for _, inc := range sctx.Includes {
		add("_include", url.QueryEscape(serializeInclusion(inc)))
	}
	for _, inc := range sctx.RevIncludes {
		add("_revinclude", url.QueryEscape(serializeInclusion(inc)))
	}
	if len(sctx.Elements) > 0 {
		add("_elements", url.QueryEscape(strings.Join(sctx.Elements, ",")))
	}
	if sctx.Summary != "" {
		add("_summary", url.QueryEscape(sctx.Summary))
	}
	if sctx.Total != "" {
		add("_total", url.QueryEscape(sctx.Total))
	}

	add("_page", strconv.Itoa(sctx.Page))

	return basePath + "?" + strings.Join(qs, "&")
}

// serializeName rebuilds the parameter name with _has hops, chain segments
// and modifier suffix.
func serializeName(p *Parameter) string {
	var sb strings.Builder
	for _, hop := range p.Has {
		sb.WriteString("_has:")
		sb.WriteString(hop.TargetType)
		sb.WriteString(":")
		sb.WriteString(hop.RefParam)
		sb.WriteString(":")
	}
	sb.WriteString(serializeLeafName(p))
	return sb.String()
}

func serializeLeafName(p *Parameter) string {
	if p.Chain != nil {
		return p.Code + ":" + p.TargetType + "." + serializeLeafName(p.Chain)
	}
	name := p.Code
	switch {
	case p.Missing != nil:
		name += ":" + string(ModifierMissing)
	case p.Modifier == ModifierType:
		name += ":" + p.TargetType
	case p.Modifier != ModifierNone:
		name += ":" + string(p.Modifier)
	}
	return name
}

func serializeValues(p *Parameter) string {
	leaf := p
	for leaf.Chain != nil {
		leaf = leaf.Chain
	}
	if leaf.Missing != nil {
		return strconv.FormatBool(*leaf.Missing)
	}
	parts := make([]string, len(leaf.Values))
	for i := range leaf.Values {
		parts[i] = url.QueryEscape(leaf.Values[i].Raw)
	}
	return strings.Join(parts, ",")
}

func serializeInclusion(inc Inclusion) string {
	if inc.TargetType != "" {
		return inc.SourceType + ":" + inc.Param + ":" + inc.TargetType
	}
	return inc.SourceType + ":" + inc.Param
}
