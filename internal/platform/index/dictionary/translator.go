// Package dictionary resolves the shared, append-only reference tables of
// the search schema (parameter names, code systems, common token values,
// canonical urls) to their surrogate ids, with a bounded in-process cache in
// front of race-safe insert-if-absent database access.
package dictionary

import (
	"fmt"
	"strings"
)

// Translator abstracts the SQL dialect differences the dictionary and the
// search compiler care about. Each dialect renders its own idiom for
// placeholders and insert-if-absent; the observable contract (exactly one
// row per natural key, identical WHERE semantics) is the same everywhere.
type Translator interface {
	// Name identifies the dialect ("postgres", "sqlite").
	Name() string
	// Placeholder renders the bind-variable marker for 1-based position i.
	// Callers must consume placeholders strictly in order.
	Placeholder(i int) string
	// InsertIgnore renders a multi-row insert that silently skips rows whose
	// unique natural key already exists.
	InsertIgnore(table string, columns []string, rows int) string
	// SerialPrimaryKey renders the column definition for an
	// auto-assigned surrogate id primary key.
	SerialPrimaryKey() string
	// NumericType renders the column type for decimal parameter values.
	NumericType() string
	// BlobType renders the column type for serialized resource payloads.
	BlobType() string
}

// PostgresTranslator renders PostgreSQL syntax. It is the production
// dialect; the server registers the pgx stdlib driver for it.
type PostgresTranslator struct{}

func (PostgresTranslator) Name() string { return "postgres" }

func (PostgresTranslator) Placeholder(i int) string { return fmt.Sprintf("$%d", i) }

func (PostgresTranslator) InsertIgnore(table string, columns []string, rows int) string {
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES %s ON CONFLICT DO NOTHING",
		table, strings.Join(columns, ", "), valuesList(PostgresTranslator{}, len(columns), rows))
}

func (PostgresTranslator) SerialPrimaryKey() string { return "BIGSERIAL PRIMARY KEY" }

func (PostgresTranslator) NumericType() string { return "NUMERIC(27,9)" }

func (PostgresTranslator) BlobType() string { return "BYTEA" }

// SQLiteTranslator renders SQLite syntax. It backs the test suites and
// small single-node deployments.
type SQLiteTranslator struct{}

func (SQLiteTranslator) Name() string { return "sqlite" }

// SQLite binds strictly positional "?" markers, which match the in-order
// placeholder contract.
func (SQLiteTranslator) Placeholder(int) string { return "?" }

func (SQLiteTranslator) InsertIgnore(table string, columns []string, rows int) string {
	return fmt.Sprintf("INSERT OR IGNORE INTO %s (%s) VALUES %s",
		table, strings.Join(columns, ", "), valuesList(SQLiteTranslator{}, len(columns), rows))
}

func (SQLiteTranslator) SerialPrimaryKey() string { return "INTEGER PRIMARY KEY AUTOINCREMENT" }

func (SQLiteTranslator) NumericType() string { return "NUMERIC" }

func (SQLiteTranslator) BlobType() string { return "BLOB" }

// valuesList renders "(p1, p2), (p3, p4), ..." for rows x cols placeholders.
func valuesList(tr Translator, cols, rows int) string {
	var sb strings.Builder
	idx := 1
	for r := 0; r < rows; r++ {
		if r > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for c := 0; c < cols; c++ {
			if c > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(tr.Placeholder(idx))
			idx++
		}
		sb.WriteString(")")
	}
	return sb.String()
}
