package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/cockroachdb/apd/v3"

	"github.com/LinuxForHealth/FHIR-sub122/internal/platform/index"
	"github.com/LinuxForHealth/FHIR-sub122/internal/platform/index/dictionary"
)

// IDLookup resolves dictionary natural keys to surrogate ids without
// creating rows. *dictionary.Dictionary satisfies it.
type IDLookup interface {
	LookupAll(ctx context.Context, q dictionary.Querier, tenant string, kind dictionary.Kind, keys []dictionary.Key) (map[dictionary.Key]int64, error)
}

// missingID is bound where a dictionary key does not exist. No stored row
// carries it, so equality never matches while NOT EXISTS tests stay correct;
// binding a real value instead of NULL keeps three-valued logic out of the
// compiled SQL.
const missingID = int64(-1)

// Query is the compiled WHERE fragment over logical_resources aliased "lr".
// The caller wraps it in its own SELECT, ordering and pagination; NextIdx is
// the first free placeholder index after the fragment's binds.
type Query struct {
	Where   string
	Args    []any
	NextIdx int
}

// Compiler translates a parsed search Context into SQL against the
// normalized parameter tables of one dialect.
type Compiler struct {
	dict IDLookup
	tr   dictionary.Translator
}

// NewCompiler creates a Compiler using dict for id resolution and tr for
// placeholder syntax.
func NewCompiler(dict IDLookup, tr dictionary.Translator) *Compiler {
	return &Compiler{dict: dict, tr: tr}
}

// Compile compiles sctx with placeholder numbering starting at 1.
func (c *Compiler) Compile(ctx context.Context, q dictionary.Querier, tenant string, sctx *Context) (*Query, error) {
	return c.CompileFrom(ctx, q, tenant, sctx, 1)
}

// CompileFrom compiles sctx with placeholder numbering starting at startIdx,
// so the fragment can be appended to a statement that already binds values.
func (c *Compiler) CompileFrom(ctx context.Context, q dictionary.Querier, tenant string, sctx *Context, startIdx int) (*Query, error) {
	b := &builder{c: c, ctx: ctx, q: q, tenant: tenant, idx: startIdx}

	var clauses []string
	if sctx.ResourceType != "" {
		clauses = append(clauses, "lr.resource_type = "+b.ph(sctx.ResourceType))
	}
	clauses = append(clauses, "lr.is_deleted = 'N'")

	for i := range sctx.Parameters {
		clause, err := b.paramClause("lr", sctx.ResourceType, &sctx.Parameters[i])
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, clause)
	}
	return &Query{Where: strings.Join(clauses, " AND "), Args: b.args, NextIdx: b.idx}, nil
}

// builder accumulates binds while clauses are emitted, keeping placeholder
// order and argument order aligned.
type builder struct {
	c      *Compiler
	ctx    context.Context
	q      dictionary.Querier
	tenant string

	idx    int
	args   []any
	aliasN int
}

// ph binds one argument and returns its placeholder.
func (b *builder) ph(arg any) string {
	s := b.c.tr.Placeholder(b.idx)
	b.idx++
	b.args = append(b.args, arg)
	return s
}

func (b *builder) alias(prefix string) string {
	b.aliasN++
	return fmt.Sprintf("%s%d", prefix, b.aliasN)
}

func (b *builder) lookupID(kind dictionary.Kind, key dictionary.Key) (int64, error) {
	ids, err := b.c.dict.LookupAll(b.ctx, b.q, b.tenant, kind, []dictionary.Key{key})
	if err != nil {
		return 0, err
	}
	if id, ok := ids[key]; ok {
		return id, nil
	}
	return missingID, nil
}

// paramClause emits the predicate for one parameter against the
// logical_resources alias lrAlias of resourceType.
func (b *builder) paramClause(lrAlias, resourceType string, p *Parameter) (string, error) {
	if len(p.Has) > 0 {
		return b.hasClause(lrAlias, resourceType, p)
	}
	if p.Chain != nil {
		return b.chainClause(lrAlias, resourceType, p)
	}
	if p.Type == index.TypeComposite {
		return b.compositeClause(lrAlias, resourceType, p)
	}

	nameID, err := b.lookupID(dictionary.KindParameterName, dictionary.NameKey(p.Code))
	if err != nil {
		return "", err
	}
	table := index.ParamTable(resourceType, p.Type)
	al := b.alias("pv")

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT 1 FROM %s AS %s WHERE %s.logical_resource_id = %s.logical_resource_id AND %s.parameter_name_id = %s",
		table, al, al, lrAlias, al, b.ph(nameID))

	if p.Missing != nil {
		if *p.Missing {
			return "NOT EXISTS (" + sb.String() + ")", nil
		}
		return "EXISTS (" + sb.String() + ")", nil
	}

	branches := make([]string, 0, len(p.Values))
	for i := range p.Values {
		branch, err := b.valueClause(al, p.Type, p.Modifier, p.TargetType, &p.Values[i])
		if err != nil {
			return "", err
		}
		branches = append(branches, branch)
	}
	fmt.Fprintf(&sb, " AND (%s)", strings.Join(branches, " OR "))

	if p.Modifier == ModifierNot {
		return "NOT EXISTS (" + sb.String() + ")", nil
	}
	return "EXISTS (" + sb.String() + ")", nil
}

// compositeClause joins the component tables on a shared composite_id so
// every component matches within the same source element.
func (b *builder) compositeClause(lrAlias, resourceType string, p *Parameter) (string, error) {
	if len(p.Components) == 0 {
		return "", fmt.Errorf("composite parameter %q has no components", p.Code)
	}

	aliases := make([]string, len(p.Components))
	var sb strings.Builder
	for i, comp := range p.Components {
		aliases[i] = b.alias("cc")
		table := index.ParamTable(resourceType, comp.Type)
		if i == 0 {
			fmt.Fprintf(&sb, "SELECT 1 FROM %s AS %s", table, aliases[0])
			continue
		}
		fmt.Fprintf(&sb, " JOIN %s AS %s ON %s.logical_resource_id = %s.logical_resource_id AND %s.composite_id = %s.composite_id",
			table, aliases[i], aliases[i], aliases[0], aliases[i], aliases[0])
	}

	fmt.Fprintf(&sb, " WHERE %s.logical_resource_id = %s.logical_resource_id", aliases[0], lrAlias)
	for i, comp := range p.Components {
		nameID, err := b.lookupID(dictionary.KindParameterName, dictionary.NameKey(index.ComponentCode(p.Code, comp.Code)))
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&sb, " AND %s.parameter_name_id = %s", aliases[i], b.ph(nameID))
	}

	// :missing tests for the presence of the joined component rows; no
	// value branches apply.
	if p.Missing != nil {
		if *p.Missing {
			return "NOT EXISTS (" + sb.String() + ")", nil
		}
		return "EXISTS (" + sb.String() + ")", nil
	}

	branches := make([]string, 0, len(p.Values))
	for vi := range p.Values {
		v := &p.Values[vi]
		if len(v.Components) != len(p.Components) {
			return "", fmt.Errorf("composite parameter %q: value has %d components, need %d", p.Code, len(v.Components), len(p.Components))
		}
		parts := make([]string, len(p.Components))
		for i, comp := range p.Components {
			part, err := b.valueClause(aliases[i], comp.Type, ModifierNone, "", &v.Components[i])
			if err != nil {
				return "", err
			}
			parts[i] = part
		}
		branches = append(branches, "("+strings.Join(parts, " AND ")+")")
	}
	fmt.Fprintf(&sb, " AND (%s)", strings.Join(branches, " OR "))

	return "EXISTS (" + sb.String() + ")", nil
}

// chainClause follows one reference hop into the target type's logical
// resources and applies the rest of the chain there.
func (b *builder) chainClause(lrAlias, resourceType string, p *Parameter) (string, error) {
	nameID, err := b.lookupID(dictionary.KindParameterName, dictionary.NameKey(p.Code))
	if err != nil {
		return "", err
	}
	table := index.ParamTable(resourceType, index.TypeReference)
	rv := b.alias("rv")
	clr := b.alias("clr")

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT 1 FROM %s AS %s JOIN logical_resources AS %s ON %s.logical_id = %s.target_logical_id AND %s.resource_type = %s",
		table, rv, clr, clr, rv, clr, b.ph(p.TargetType))
	fmt.Fprintf(&sb, " WHERE %s.logical_resource_id = %s.logical_resource_id", rv, lrAlias)
	fmt.Fprintf(&sb, " AND %s.parameter_name_id = %s", rv, b.ph(nameID))
	fmt.Fprintf(&sb, " AND %s.target_resource_type = %s", rv, b.ph(p.TargetType))
	fmt.Fprintf(&sb, " AND %s.is_deleted = 'N'", clr)

	inner, err := b.paramClause(clr, p.TargetType, p.Chain)
	if err != nil {
		return "", err
	}
	fmt.Fprintf(&sb, " AND %s", inner)

	return "EXISTS (" + sb.String() + ")", nil
}

// hasClause reverses one _has hop: resources of the hop's target type whose
// reference parameter points back at the current set.
func (b *builder) hasClause(lrAlias, resourceType string, p *Parameter) (string, error) {
	hop := p.Has[0]
	rest := *p
	rest.Has = p.Has[1:]

	refNameID, err := b.lookupID(dictionary.KindParameterName, dictionary.NameKey(hop.RefParam))
	if err != nil {
		return "", err
	}
	table := index.ParamTable(hop.TargetType, index.TypeReference)
	rv := b.alias("rv")
	hlr := b.alias("hlr")

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT 1 FROM %s AS %s JOIN logical_resources AS %s ON %s.logical_resource_id = %s.logical_resource_id AND %s.is_deleted = 'N'",
		table, rv, hlr, hlr, rv, hlr)
	fmt.Fprintf(&sb, " WHERE %s.target_logical_id = %s.logical_id", rv, lrAlias)
	if resourceType != "" {
		fmt.Fprintf(&sb, " AND %s.target_resource_type = %s", rv, b.ph(resourceType))
	}
	fmt.Fprintf(&sb, " AND %s.parameter_name_id = %s", rv, b.ph(refNameID))

	inner, err := b.paramClause(hlr, hop.TargetType, &rest)
	if err != nil {
		return "", err
	}
	fmt.Fprintf(&sb, " AND %s", inner)

	return "EXISTS (" + sb.String() + ")", nil
}

// valueClause emits one OR branch for a single value against alias al.
func (b *builder) valueClause(al string, typ index.ParameterType, mod Modifier, targetType string, v *Value) (string, error) {
	switch typ {
	case index.TypeString:
		return b.stringClause(al, mod, v), nil
	case index.TypeURI:
		return b.uriClause(al, mod, v), nil
	case index.TypeToken, index.TypeSecurity, index.TypeTag:
		return b.tokenClause(al, v)
	case index.TypeDate:
		return b.dateClause(al, v)
	case index.TypeNumber:
		return b.rangeClause(al, "number_value", v)
	case index.TypeQuantity:
		return b.quantityClause(al, v)
	case index.TypeReference:
		return b.referenceClause(al, targetType, v), nil
	case index.TypeProfile:
		return b.profileClause(al, v)
	}
	return "", fmt.Errorf("cannot compile parameter type %s", typ)
}

const likeEscape = `ESCAPE '\'`

// escapeLike protects LIKE metacharacters in user-supplied text.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}

func (b *builder) stringClause(al string, mod Modifier, v *Value) string {
	switch mod {
	case ModifierExact:
		return fmt.Sprintf("%s.str_value = %s", al, b.ph(v.Text))
	case ModifierContains:
		pattern := "%" + escapeLike(strings.ToLower(v.Text)) + "%"
		return fmt.Sprintf("%s.str_value_lcase LIKE %s %s", al, b.ph(pattern), likeEscape)
	default:
		// Default string search is a case-insensitive left-anchored match.
		pattern := escapeLike(strings.ToLower(v.Text)) + "%"
		return fmt.Sprintf("%s.str_value_lcase LIKE %s %s", al, b.ph(pattern), likeEscape)
	}
}

func (b *builder) uriClause(al string, mod Modifier, v *Value) string {
	switch mod {
	case ModifierBelow:
		pattern := escapeLike(v.Text) + "%"
		return fmt.Sprintf("%s.str_value LIKE %s %s", al, b.ph(pattern), likeEscape)
	case ModifierAbove:
		// Matches when a stored uri is a prefix of the queried one.
		return fmt.Sprintf("%s LIKE %s.str_value || '%%'", b.ph(v.Text), al)
	default:
		return fmt.Sprintf("%s.str_value = %s", al, b.ph(v.Text))
	}
}

func (b *builder) tokenClause(al string, v *Value) (string, error) {
	if v.System == nil {
		// Any system: match on the code alone.
		return fmt.Sprintf("%s.common_token_value_id IN (SELECT ctv.common_token_value_id FROM common_token_values AS ctv WHERE ctv.token_value = %s)",
			al, b.ph(v.Code)), nil
	}

	system := *v.System
	if system == "" {
		system = index.DefaultTokenSystem
	}

	if v.Code == "" {
		// "system|": every code of the system.
		sysID, err := b.lookupID(dictionary.KindCodeSystem, dictionary.SystemKey(system))
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s.common_token_value_id IN (SELECT ctv.common_token_value_id FROM common_token_values AS ctv WHERE ctv.code_system_id = %s)",
			al, b.ph(sysID)), nil
	}

	id, err := b.lookupID(dictionary.KindTokenValue, dictionary.TokenKey(system, v.Code))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s.common_token_value_id = %s", al, b.ph(id)), nil
}

// dateClause compares the stored half-open [date_start, date_end) range with
// the query's range per prefix. eq requires the stored range to fall inside
// the query range; a resource dated 2020-06 matches eq2020 but not eq2019.
func (b *builder) dateClause(al string, v *Value) (string, error) {
	s := v.DateStart.UnixMicro()
	e := v.DateEnd.UnixMicro()

	switch v.Prefix {
	case PrefixEq:
		return fmt.Sprintf("(%s.date_start >= %s AND %s.date_end <= %s)", al, b.ph(s), al, b.ph(e)), nil
	case PrefixNe:
		return fmt.Sprintf("(%s.date_start < %s OR %s.date_end > %s)", al, b.ph(s), al, b.ph(e)), nil
	case PrefixGt:
		return fmt.Sprintf("%s.date_end > %s", al, b.ph(e)), nil
	case PrefixLt:
		return fmt.Sprintf("%s.date_start < %s", al, b.ph(s)), nil
	case PrefixGe:
		return fmt.Sprintf("%s.date_end > %s", al, b.ph(s)), nil
	case PrefixLe:
		return fmt.Sprintf("%s.date_start < %s", al, b.ph(e)), nil
	case PrefixSa:
		return fmt.Sprintf("%s.date_start >= %s", al, b.ph(e)), nil
	case PrefixEb:
		return fmt.Sprintf("%s.date_end <= %s", al, b.ph(s)), nil
	case PrefixAp:
		delta := (e - s) / 10
		if day := int64(24 * 60 * 60 * 1000000); delta < day {
			delta = day
		}
		return fmt.Sprintf("(%s.date_start <= %s AND %s.date_end >= %s)", al, b.ph(e+delta), al, b.ph(s-delta)), nil
	}
	return "", fmt.Errorf("unsupported date prefix %q", v.Prefix)
}

// rangeClause compares the stored implicit range columns (<col>_low,
// <col>_high) with the query value per prefix.
func (b *builder) rangeClause(al, col string, v *Value) (string, error) {
	lowCol := fmt.Sprintf("%s.%s_low", al, col)
	highCol := fmt.Sprintf("%s.%s_high", al, col)

	switch v.Prefix {
	case PrefixEq:
		return fmt.Sprintf("(%s >= %s AND %s <= %s)", lowCol, b.ph(v.NumberLow.Text('f')), highCol, b.ph(v.NumberHigh.Text('f'))), nil
	case PrefixNe:
		return fmt.Sprintf("(%s < %s OR %s > %s)", lowCol, b.ph(v.NumberLow.Text('f')), highCol, b.ph(v.NumberHigh.Text('f'))), nil
	case PrefixGt:
		return fmt.Sprintf("%s > %s", highCol, b.ph(v.Number.Text('f'))), nil
	case PrefixLt:
		return fmt.Sprintf("%s < %s", lowCol, b.ph(v.Number.Text('f'))), nil
	case PrefixGe:
		return fmt.Sprintf("%s >= %s", highCol, b.ph(v.Number.Text('f'))), nil
	case PrefixLe:
		return fmt.Sprintf("%s <= %s", lowCol, b.ph(v.Number.Text('f'))), nil
	case PrefixSa:
		return fmt.Sprintf("%s > %s", lowCol, b.ph(v.Number.Text('f'))), nil
	case PrefixEb:
		return fmt.Sprintf("%s < %s", highCol, b.ph(v.Number.Text('f'))), nil
	case PrefixAp:
		apLow, apHigh, err := approxBounds(v.Number)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("(%s <= %s AND %s >= %s)", lowCol, b.ph(apHigh.Text('f')), highCol, b.ph(apLow.Text('f'))), nil
	}
	return "", fmt.Errorf("unsupported number prefix %q", v.Prefix)
}

func (b *builder) quantityClause(al string, v *Value) (string, error) {
	clause, err := b.rangeClause(al, "quantity_value", v)
	if err != nil {
		return "", err
	}
	parts := []string{clause}

	if v.Code != "" {
		parts = append(parts, fmt.Sprintf("%s.code = %s", al, b.ph(v.Code)))
	}
	if v.System != nil {
		// An explicit empty system selects unitless values stored under
		// the sentinel system, same as tokens.
		system := *v.System
		if system == "" {
			system = index.DefaultTokenSystem
		}
		sysID, err := b.lookupID(dictionary.KindCodeSystem, dictionary.SystemKey(system))
		if err != nil {
			return "", err
		}
		parts = append(parts, fmt.Sprintf("%s.code_system_id = %s", al, b.ph(sysID)))
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return "(" + strings.Join(parts, " AND ") + ")", nil
}

func (b *builder) referenceClause(al, paramTarget string, v *Value) string {
	target := v.TargetType
	if target == "" {
		target = paramTarget
	}
	if target == "" {
		return fmt.Sprintf("%s.target_logical_id = %s", al, b.ph(v.Text))
	}
	return fmt.Sprintf("(%s.target_logical_id = %s AND %s.target_resource_type = %s)",
		al, b.ph(v.Text), al, b.ph(target))
}

func (b *builder) profileClause(al string, v *Value) (string, error) {
	canonID, err := b.lookupID(dictionary.KindCanonical, dictionary.CanonicalKey(v.Text))
	if err != nil {
		return "", err
	}
	parts := []string{fmt.Sprintf("%s.canonical_id = %s", al, b.ph(canonID))}
	if v.Version != "" {
		parts = append(parts, fmt.Sprintf("%s.version = %s", al, b.ph(v.Version)))
	}
	if v.Fragment != "" {
		parts = append(parts, fmt.Sprintf("%s.fragment = %s", al, b.ph(v.Fragment)))
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return "(" + strings.Join(parts, " AND ") + ")", nil
}

// approxBounds widens a value by ten percent on each side for the ap prefix.
func approxBounds(v *apd.Decimal) (*apd.Decimal, *apd.Decimal, error) {
	dctx := apd.BaseContext.WithPrecision(34)
	delta := new(apd.Decimal)
	if _, err := dctx.Mul(delta, v, apd.New(1, -1)); err != nil {
		return nil, nil, fmt.Errorf("approximate bounds: %w", err)
	}
	delta.Abs(delta)

	low := new(apd.Decimal)
	if _, err := dctx.Sub(low, v, delta); err != nil {
		return nil, nil, fmt.Errorf("approximate bounds: %w", err)
	}
	high := new(apd.Decimal)
	if _, err := dctx.Add(high, v, delta); err != nil {
		return nil, nil, fmt.Errorf("approximate bounds: %w", err)
	}
	return low, high, nil
}
