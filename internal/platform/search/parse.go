package search

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/LinuxForHealth/FHIR-sub122/internal/platform/index"
)

// maxChainDepth bounds chain and _has recursion.
const maxChainDepth = 5

// builtinDefs are the parameters every resource type supports without a
// registered SearchParameter definition.
var builtinDefs = map[string]index.Definition{
	"_id":          {Code: "_id", Type: index.TypeToken},
	"_lastUpdated": {Code: "_lastUpdated", Type: index.TypeDate},
	"_tag":         {Code: "_tag", Type: index.TypeTag, WholeSystem: true},
	"_security":    {Code: "_security", Type: index.TypeSecurity, WholeSystem: true},
	"_profile":     {Code: "_profile", Type: index.TypeProfile, WholeSystem: true},
}

// Parser turns raw request query values into a Context, resolving parameter
// codes against the compiled definition registry.
type Parser struct {
	reg *index.Registry
}

// NewParser creates a Parser over the registry.
func NewParser(reg *index.Registry) *Parser { return &Parser{reg: reg} }

// Parse is a convenience wrapper around NewParser(reg).Parse.
func Parse(reg *index.Registry, resourceType string, query url.Values, opts Options) (*Context, error) {
	return NewParser(reg).Parse(resourceType, query, opts)
}

// Parse builds the query parameter model for one search request. An empty
// resourceType parses a whole-system search, where only the builtin
// parameters are valid. Under strict handling the first unusable parameter
// returns an *InvalidParameterError; under lenient handling it is dropped
// and recorded as an issue on the returned Context.
func (p *Parser) Parse(resourceType string, query url.Values, opts Options) (*Context, error) {
	defaultPage := opts.DefaultPageSize
	if defaultPage <= 0 {
		defaultPage = DefaultPageSize
	}
	maxPage := opts.MaxPageSize
	if maxPage <= 0 {
		maxPage = MaxPageSize
	}

	sctx := &Context{
		ResourceType: resourceType,
		Handling:     opts.Handling,
		Count:        defaultPage,
		Page:         1,
	}

	// Deterministic parameter order keeps compiled SQL and self links
	// stable for identical requests.
	names := make([]string, 0, len(query))
	for name := range query {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		for _, raw := range query[name] {
			if err := p.parseOne(sctx, name, raw, maxPage); err != nil {
				return nil, err
			}
		}
	}
	return sctx, nil
}

func (p *Parser) parseOne(sctx *Context, name, raw string, maxPage int) error {
	switch name {
	case "_count":
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return p.reject(sctx, name, "invalid", fmt.Sprintf("_count value %q is not a non-negative integer", raw))
		}
		if n > maxPage {
			n = maxPage
		}
		sctx.Count = n
		return nil
	case "_page":
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return p.reject(sctx, name, "invalid", fmt.Sprintf("_page value %q is not a positive integer", raw))
		}
		sctx.Page = n
		return nil
	case "_sort":
		return p.parseSort(sctx, raw)
	case "_total":
		sctx.Total = raw
		return nil
	case "_summary":
		sctx.Summary = raw
		return nil
	case "_elements":
		for _, e := range strings.Split(raw, ",") {
			if e = strings.TrimSpace(e); e != "" {
				sctx.Elements = append(sctx.Elements, e)
			}
		}
		return nil
	case "_include":
		return p.parseInclude(sctx, name, raw, false)
	case "_revinclude":
		return p.parseInclude(sctx, name, raw, true)
	}

	param, err := p.buildParameter(sctx.ResourceType, name, raw, 0)
	if err != nil {
		return p.reject(sctx, name, "not-supported", err.Error())
	}
	sctx.Parameters = append(sctx.Parameters, *param)
	return nil
}

// reject applies the context's handling preference to a bad parameter.
func (p *Parser) reject(sctx *Context, name, issueCode, reason string) error {
	if sctx.Handling == HandlingStrict {
		return &InvalidParameterError{ResourceType: sctx.ResourceType, Name: name, Reason: reason}
	}
	sctx.Issues = append(sctx.Issues, Issue{
		Severity:    "warning",
		Code:        issueCode,
		Diagnostics: fmt.Sprintf("search parameter %q ignored: %s", name, reason),
	})
	return nil
}

func (p *Parser) parseSort(sctx *Context, raw string) error {
	for _, seg := range strings.Split(raw, ",") {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		key := SortKey{Code: seg}
		if strings.HasPrefix(seg, "-") {
			key = SortKey{Code: seg[1:], Descending: true}
		}
		if _, ok := p.lookup(sctx.ResourceType, key.Code); !ok {
			if err := p.reject(sctx, "_sort", "not-supported", fmt.Sprintf("unknown sort parameter %q", key.Code)); err != nil {
				return err
			}
			continue
		}
		sctx.Sort = append(sctx.Sort, key)
	}
	return nil
}

func (p *Parser) parseInclude(sctx *Context, name, raw string, reverse bool) error {
	parts := strings.Split(raw, ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return p.reject(sctx, name, "invalid", fmt.Sprintf("value %q is not Type:param or Type:param:target", raw))
	}
	def, ok := p.lookup(parts[0], parts[1])
	if !ok || def.Type != index.TypeReference {
		return p.reject(sctx, name, "not-supported", fmt.Sprintf("%q is not a reference parameter on %s", parts[1], parts[0]))
	}
	inc := Inclusion{SourceType: parts[0], Param: parts[1]}
	if len(parts) == 3 {
		inc.TargetType = parts[2]
	}
	if reverse {
		sctx.RevIncludes = append(sctx.RevIncludes, inc)
	} else {
		sctx.Includes = append(sctx.Includes, inc)
	}
	return nil
}

// lookup resolves a parameter code: registered definitions first, then the
// builtin whole-system parameters.
func (p *Parser) lookup(resourceType, code string) (index.Definition, bool) {
	if resourceType != "" {
		if def, ok := p.reg.Lookup(resourceType, code); ok {
			return def, true
		}
	}
	def, ok := builtinDefs[code]
	return def, ok
}

// buildParameter parses one name=value pair against resourceType, following
// chain dots and _has hops recursively.
func (p *Parser) buildParameter(resourceType, name, raw string, depth int) (*Parameter, error) {
	if depth > maxChainDepth {
		return nil, fmt.Errorf("chain exceeds %d hops", maxChainDepth)
	}

	if strings.HasPrefix(name, "_has:") {
		return p.buildHas(resourceType, name, raw, depth)
	}
	if i := strings.Index(name, "."); i >= 0 {
		return p.buildChain(resourceType, name[:i], name[i+1:], raw, depth)
	}

	code, modRaw := name, ""
	if i := strings.Index(name, ":"); i >= 0 {
		code, modRaw = name[:i], name[i+1:]
	}
	def, ok := p.lookup(resourceType, code)
	if !ok {
		return nil, fmt.Errorf("unknown parameter %q", code)
	}

	param := &Parameter{Code: code, Type: def.Type, Components: def.Components}

	mod, targetType, err := parseModifier(def, modRaw)
	if err != nil {
		return nil, err
	}
	param.Modifier = mod
	param.TargetType = targetType

	if mod == ModifierMissing {
		switch raw {
		case "true", "false":
			missing := raw == "true"
			param.Missing = &missing
			return param, nil
		}
		return nil, fmt.Errorf(":missing value %q is not true or false", raw)
	}

	seen := make(map[string]bool)
	for _, part := range splitOnUnescaped(raw, ',') {
		if seen[part] {
			continue // duplicate OR values are redundant
		}
		seen[part] = true
		v, err := parseValue(def, part)
		if err != nil {
			return nil, err
		}
		param.Values = append(param.Values, v)
	}
	if len(param.Values) == 0 {
		return nil, fmt.Errorf("no usable value in %q", raw)
	}
	return param, nil
}

// buildChain parses head.rest where head is a reference parameter, possibly
// qualified as "param:TargetType".
func (p *Parser) buildChain(resourceType, head, rest, raw string, depth int) (*Parameter, error) {
	code, qualifier := head, ""
	if i := strings.Index(head, ":"); i >= 0 {
		code, qualifier = head[:i], head[i+1:]
	}
	def, ok := p.lookup(resourceType, code)
	if !ok {
		return nil, fmt.Errorf("unknown parameter %q", code)
	}
	if def.Type != index.TypeReference {
		return nil, fmt.Errorf("parameter %q is not a reference, cannot chain", code)
	}
	target, err := resolveTarget(def, qualifier)
	if err != nil {
		return nil, err
	}
	inner, err := p.buildParameter(target, rest, raw, depth+1)
	if err != nil {
		return nil, err
	}
	return &Parameter{
		Code:       code,
		Type:       index.TypeReference,
		TargetType: target,
		Chain:      inner,
	}, nil
}

// buildHas parses "_has:TargetType:refParam:rest"; rest may itself be a
// nested _has expression or a plain leaf parameter on TargetType.
func (p *Parser) buildHas(resourceType, name, raw string, depth int) (*Parameter, error) {
	parts := strings.SplitN(name, ":", 4)
	if len(parts) != 4 || parts[1] == "" || parts[2] == "" || parts[3] == "" {
		return nil, fmt.Errorf("malformed _has parameter %q", name)
	}
	targetType, refParam, rest := parts[1], parts[2], parts[3]

	refDef, ok := p.lookup(targetType, refParam)
	if !ok || refDef.Type != index.TypeReference {
		return nil, fmt.Errorf("_has reference %q is not a reference parameter on %s", refParam, targetType)
	}
	if len(refDef.Targets) > 0 && !contains(refDef.Targets, resourceType) {
		return nil, fmt.Errorf("_has reference %q on %s cannot target %s", refParam, targetType, resourceType)
	}

	inner, err := p.buildParameter(targetType, rest, raw, depth+1)
	if err != nil {
		return nil, err
	}
	inner.Has = append([]HasLink{{TargetType: targetType, RefParam: refParam}}, inner.Has...)
	return inner, nil
}

func resolveTarget(def index.Definition, qualifier string) (string, error) {
	if qualifier != "" {
		if len(def.Targets) > 0 && !contains(def.Targets, qualifier) {
			return "", fmt.Errorf("parameter %q cannot target %s", def.Code, qualifier)
		}
		return qualifier, nil
	}
	if len(def.Targets) == 1 {
		return def.Targets[0], nil
	}
	return "", fmt.Errorf("parameter %q needs a type qualifier to chain", def.Code)
}

// parseModifier validates the modifier against the parameter type. A
// reference modifier naming a resource type is returned as the target type.
func parseModifier(def index.Definition, modRaw string) (Modifier, string, error) {
	if modRaw == "" {
		return ModifierNone, "", nil
	}
	if modRaw == string(ModifierMissing) {
		return ModifierMissing, "", nil
	}

	if def.Type == index.TypeReference {
		if modRaw[0] >= 'A' && modRaw[0] <= 'Z' {
			if len(def.Targets) > 0 && !contains(def.Targets, modRaw) {
				return "", "", fmt.Errorf("parameter %q cannot target %s", def.Code, modRaw)
			}
			return ModifierType, modRaw, nil
		}
		return "", "", fmt.Errorf("modifier %q not supported on reference parameter %q", modRaw, def.Code)
	}

	mod := Modifier(modRaw)
	allowed := map[index.ParameterType][]Modifier{
		index.TypeString:   {ModifierExact, ModifierContains},
		index.TypeURI:      {ModifierAbove, ModifierBelow},
		index.TypeToken:    {ModifierNot},
		index.TypeSecurity: {ModifierNot},
		index.TypeTag:      {ModifierNot},
	}
	for _, m := range allowed[def.Type] {
		if mod == m {
			return mod, "", nil
		}
	}
	return "", "", fmt.Errorf("modifier %q not supported on %s parameter %q", modRaw, def.Type, def.Code)
}

// parseValue parses one OR branch of raw text per the definition's type.
func parseValue(def index.Definition, raw string) (Value, error) {
	return parseTypedValue(def.Type, def.Components, raw)
}

func parseTypedValue(typ index.ParameterType, components []index.Component, raw string) (Value, error) {
	v := Value{Prefix: PrefixEq, Raw: raw}

	switch typ {
	case index.TypeString:
		v.Text = unescape(raw)

	case index.TypeURI:
		v.Text = unescape(raw)

	case index.TypeToken, index.TypeSecurity, index.TypeTag:
		parts := splitEscaped(raw, '|')
		switch len(parts) {
		case 1:
			v.Code = parts[0]
		case 2:
			system := parts[0]
			v.System = &system
			v.Code = parts[1]
		default:
			return v, fmt.Errorf("token value %q has more than one unescaped |", raw)
		}
		if v.System == nil && v.Code == "" {
			return v, fmt.Errorf("empty token value")
		}

	case index.TypeDate:
		prefix, rest := ParseValuePrefix(raw)
		start, end, err := index.ParseDateRange(rest)
		if err != nil {
			return v, err
		}
		v.Prefix, v.DateStart, v.DateEnd = prefix, start, end

	case index.TypeNumber:
		prefix, rest := ParseValuePrefix(raw)
		value, low, high, err := index.DecimalRange(rest)
		if err != nil {
			return v, err
		}
		v.Prefix, v.Number, v.NumberLow, v.NumberHigh = prefix, value, low, high

	case index.TypeQuantity:
		prefix, rest := ParseValuePrefix(raw)
		parts := splitEscaped(rest, '|')
		if len(parts) > 3 || parts[0] == "" {
			return v, fmt.Errorf("quantity value %q is not value[|system[|code]]", raw)
		}
		value, low, high, err := index.DecimalRange(parts[0])
		if err != nil {
			return v, err
		}
		v.Prefix, v.Number, v.NumberLow, v.NumberHigh = prefix, value, low, high
		if len(parts) >= 2 {
			system := parts[1]
			v.System = &system
		}
		if len(parts) == 3 {
			v.Code = parts[2]
		}

	case index.TypeReference:
		text := unescape(raw)
		if i := strings.LastIndex(text, "/"); i >= 0 {
			v.TargetType, v.Text = text[:i], text[i+1:]
			// Strip any base URL ahead of the type segment.
			if j := strings.LastIndex(v.TargetType, "/"); j >= 0 {
				v.TargetType = v.TargetType[j+1:]
			}
		} else {
			v.Text = text
		}
		if v.Text == "" {
			return v, fmt.Errorf("empty reference value")
		}

	case index.TypeProfile:
		url, version, fragment := index.ParseCanonical(unescape(raw))
		if url == "" {
			return v, fmt.Errorf("empty canonical value")
		}
		v.Text, v.Version, v.Fragment = url, version, fragment

	case index.TypeComposite:
		parts := splitOnUnescaped(raw, '$')
		if len(parts) != len(components) {
			return v, fmt.Errorf("composite value %q has %d components, need %d", raw, len(parts), len(components))
		}
		for i, part := range parts {
			cv, err := parseTypedValue(components[i].Type, nil, part)
			if err != nil {
				return v, fmt.Errorf("component %q: %w", components[i].Code, err)
			}
			v.Components = append(v.Components, cv)
		}

	default:
		return v, fmt.Errorf("unsupported parameter type %s", typ)
	}
	return v, nil
}

// splitOnUnescaped splits on an unescaped separator, keeping escape
// sequences intact so nested value syntax can be parsed afterwards.
func splitOnUnescaped(s string, sep byte) []string {
	var out []string
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '\\' && i+1 < len(s):
			sb.WriteByte(s[i])
			sb.WriteByte(s[i+1])
			i++
		case s[i] == sep:
			out = append(out, sb.String())
			sb.Reset()
		default:
			sb.WriteByte(s[i])
		}
	}
	return append(out, sb.String())
}

// splitEscaped splits on an unescaped separator; backslash escapes the next
// byte. Each piece is returned unescaped.
func splitEscaped(s string, sep byte) []string {
	var out []string
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '\\' && i+1 < len(s):
			sb.WriteByte(s[i+1])
			i++
		case s[i] == sep:
			out = append(out, sb.String())
			sb.Reset()
		default:
			sb.WriteByte(s[i])
		}
	}
	return append(out, sb.String())
}

func unescape(s string) string {
	if !strings.Contains(s, "\\") {
		return s
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		sb.WriteByte(s[i])
	}
	return sb.String()
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
