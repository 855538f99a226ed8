// Package writer persists extracted search-parameter values into the
// normalized per-resource-type parameter tables, replacing whatever rows the
// previous version of the logical resource had. It always runs inside the
// caller's transaction so the parameter rows and the resource version commit
// or roll back together.
package writer

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/cockroachdb/apd/v3"
	"github.com/rs/zerolog"

	"github.com/LinuxForHealth/FHIR-sub122/internal/platform/index"
	"github.com/LinuxForHealth/FHIR-sub122/internal/platform/index/dictionary"
)

// Querier is the transaction-or-connection handle the writer operates on.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DefaultBatchSize bounds the number of rows per insert statement.
const DefaultBatchSize = 100

// Writer replaces the searchable parameter rows of one logical resource.
type Writer struct {
	dict      *dictionary.Dictionary
	batchSize int
	log       zerolog.Logger
}

// New creates a Writer. batchSize <= 0 selects DefaultBatchSize.
func New(dict *dictionary.Dictionary, batchSize int, log zerolog.Logger) *Writer {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Writer{dict: dict, batchSize: batchSize, log: log}
}

// ReplaceParameters deletes the parameter rows of the logical resource's
// prior version and inserts the rows for the new value set. The dictionary
// resolve phase runs first (batched per kind) so every inserted row's
// foreign keys resolve within the same transaction.
func (w *Writer) ReplaceParameters(ctx context.Context, q Querier, tenant string, logicalResourceID int64, resourceType string, values []index.ParameterValue) error {
	ids, err := w.resolveDictionary(ctx, q, tenant, values)
	if err != nil {
		return err
	}

	if err := w.deletePrior(ctx, q, logicalResourceID, resourceType); err != nil {
		return err
	}

	rowsByTable := make(map[string]*tableRows)
	for _, v := range values {
		w.appendRows(rowsByTable, resourceType, logicalResourceID, v, ids)
	}

	// Deterministic table order keeps lock acquisition stable across
	// concurrent writers of the same resource type.
	tables := make([]string, 0, len(rowsByTable))
	for t := range rowsByTable {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	for _, table := range tables {
		tr := rowsByTable[table]
		if err := w.insertBatched(ctx, q, table, tr.columns, tr.rows); err != nil {
			return err
		}
	}
	return nil
}

// resolvedIDs holds the surrogate ids looked up for one replace call.
type resolvedIDs struct {
	names      map[dictionary.Key]int64
	systems    map[dictionary.Key]int64
	tokens     map[dictionary.Key]int64
	canonicals map[dictionary.Key]int64
}

func (w *Writer) resolveDictionary(ctx context.Context, q Querier, tenant string, values []index.ParameterValue) (*resolvedIDs, error) {
	var nameKeys, sysKeys, tokenKeys, canonicalKeys []dictionary.Key
	for _, v := range values {
		nameKeys = append(nameKeys, dictionary.NameKey(v.Code()))
		switch tv := v.(type) {
		case index.TokenValue:
			tokenKeys = append(tokenKeys, dictionary.TokenKey(tv.TokenSystem, tv.TokenValue))
		case index.QuantityValue:
			sysKeys = append(sysKeys, dictionary.SystemKey(tv.CodeSystem))
		case index.ProfileValue:
			canonicalKeys = append(canonicalKeys, dictionary.CanonicalKey(tv.URL))
		}
	}

	ids := &resolvedIDs{}
	var err error
	if ids.names, err = w.dict.ResolveOrCreateAll(ctx, q, tenant, dictionary.KindParameterName, nameKeys); err != nil {
		return nil, err
	}
	if ids.systems, err = w.dict.ResolveOrCreateAll(ctx, q, tenant, dictionary.KindCodeSystem, sysKeys); err != nil {
		return nil, err
	}
	if ids.tokens, err = w.dict.ResolveOrCreateAll(ctx, q, tenant, dictionary.KindTokenValue, tokenKeys); err != nil {
		return nil, err
	}
	if ids.canonicals, err = w.dict.ResolveOrCreateAll(ctx, q, tenant, dictionary.KindCanonical, canonicalKeys); err != nil {
		return nil, err
	}
	return ids, nil
}

// deletePrior removes every parameter row belonging to the logical resource,
// in the per-type tables and the whole-system tables.
func (w *Writer) deletePrior(ctx context.Context, q Querier, logicalResourceID int64, resourceType string) error {
	tr := w.dict.Translator()
	prefix := strings.ToLower(resourceType) + "_"
	tables := []string{
		prefix + "str_values",
		prefix + "date_values",
		prefix + "number_values",
		prefix + "quantity_values",
		prefix + "resource_token_refs",
		prefix + "ref_values",
		prefix + "profiles",
		"str_values",
		"date_values",
		"resource_token_refs",
		"profiles",
	}
	for _, table := range tables {
		stmt := fmt.Sprintf("DELETE FROM %s WHERE logical_resource_id = %s", table, tr.Placeholder(1))
		if _, err := q.ExecContext(ctx, stmt, logicalResourceID); err != nil {
			return &index.DataAccessError{Op: "delete " + table, Err: err}
		}
	}
	return nil
}

type tableRows struct {
	columns []string
	rows    [][]any
}

func (w *Writer) appendRows(byTable map[string]*tableRows, resourceType string, logicalResourceID int64, v index.ParameterValue, ids *resolvedIDs) {
	nameID := ids.names[dictionary.NameKey(v.Code())]

	add := func(table string, columns []string, row []any) {
		tr, ok := byTable[table]
		if !ok {
			tr = &tableRows{columns: columns}
			byTable[table] = tr
		}
		tr.rows = append(tr.rows, row)
	}

	// Whole-system values are mirrored into the unprefixed tables.
	targets := []string{resourceType}
	if v.WholeSystem() {
		targets = append(targets, "")
	}

	for _, target := range targets {
		table := index.ParamTable(target, v.Type())
		switch pv := v.(type) {
		case index.StringValue:
			add(table,
				[]string{"parameter_name_id", "str_value", "str_value_lcase", "logical_resource_id", "composite_id"},
				[]any{nameID, pv.Value, pv.ValueLower, logicalResourceID, compositeArg(pv)})
		case index.URIValue:
			add(table,
				[]string{"parameter_name_id", "str_value", "str_value_lcase", "logical_resource_id", "composite_id"},
				[]any{nameID, pv.Value, strings.ToLower(pv.Value), logicalResourceID, compositeArg(pv)})
		case index.DateValue:
			add(table,
				[]string{"parameter_name_id", "date_start", "date_end", "logical_resource_id", "composite_id"},
				[]any{nameID, pv.Start.UnixMicro(), pv.End.UnixMicro(), logicalResourceID, compositeArg(pv)})
		case index.NumberValue:
			add(table,
				[]string{"parameter_name_id", "number_value", "number_value_low", "number_value_high", "logical_resource_id", "composite_id"},
				[]any{nameID, decimalArg(pv.Value), decimalArg(pv.Low), decimalArg(pv.High), logicalResourceID, compositeArg(pv)})
		case index.QuantityValue:
			add(table,
				[]string{"parameter_name_id", "code_system_id", "code", "quantity_value", "quantity_value_low", "quantity_value_high", "logical_resource_id", "composite_id"},
				[]any{nameID, ids.systems[dictionary.SystemKey(pv.CodeSystem)], pv.UnitCode,
					decimalArg(pv.Value), decimalArg(pv.Low), decimalArg(pv.High), logicalResourceID, compositeArg(pv)})
		case index.TokenValue:
			add(table,
				[]string{"parameter_name_id", "common_token_value_id", "logical_resource_id", "composite_id"},
				[]any{nameID, ids.tokens[dictionary.TokenKey(pv.TokenSystem, pv.TokenValue)], logicalResourceID, compositeArg(pv)})
		case index.ReferenceValue:
			add(table,
				[]string{"parameter_name_id", "target_resource_type", "target_logical_id", "target_version", "logical_resource_id", "composite_id"},
				[]any{nameID, pv.TargetType, pv.TargetID, intArg(pv.TargetVersion), logicalResourceID, compositeArg(pv)})
		case index.ProfileValue:
			add(table,
				[]string{"parameter_name_id", "canonical_id", "version", "fragment", "logical_resource_id"},
				[]any{nameID, ids.canonicals[dictionary.CanonicalKey(pv.URL)], pv.Version, pv.Fragment, logicalResourceID})
		}
	}
}

func (w *Writer) insertBatched(ctx context.Context, q Querier, table string, columns []string, rows [][]any) error {
	tr := w.dict.Translator()
	for start := 0; start < len(rows); start += w.batchSize {
		end := start + w.batchSize
		if end > len(rows) {
			end = len(rows)
		}
		batch := rows[start:end]

		var sb strings.Builder
		fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES ", table, strings.Join(columns, ", "))
		args := make([]any, 0, len(batch)*len(columns))
		idx := 1
		for r, row := range batch {
			if r > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("(")
			for c := range columns {
				if c > 0 {
					sb.WriteString(", ")
				}
				sb.WriteString(tr.Placeholder(idx))
				idx++
				args = append(args, row[c])
			}
			sb.WriteString(")")
		}
		if _, err := q.ExecContext(ctx, sb.String(), args...); err != nil {
			return &index.DataAccessError{Op: "insert " + table, Err: err}
		}
	}
	return nil
}

func compositeArg(v index.ParameterValue) any {
	if id := v.CompositeID(); id != nil {
		return *id
	}
	return nil
}

func intArg(v *int) any {
	if v != nil {
		return *v
	}
	return nil
}

// decimalArg binds a decimal as its plain-text form so NUMERIC columns keep
// full precision in every dialect.
func decimalArg(d *apd.Decimal) any {
	if d == nil {
		return nil
	}
	return d.Text('f')
}
