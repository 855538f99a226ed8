package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/LinuxForHealth/FHIR-sub122/internal/platform/index/dictionary"
)

// EnsureSearchSchema applies the generated search schema inside the given
// Postgres schema: dictionary tables, logical resource tables, and the
// per-resource-type parameter value tables. Every statement is guarded with
// IF NOT EXISTS, so repeated startup runs and newly configured resource
// types are both safe. The whole run is a single transaction.
func EnsureSearchSchema(ctx context.Context, pool *pgxpool.Pool, schema string, resourceTypes []string) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin schema transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, fmt.Sprintf("SET search_path TO %s, shared, public", schema)); err != nil {
		return fmt.Errorf("set search_path: %w", err)
	}

	for _, stmt := range SearchSchemaDDL(dictionary.PostgresTranslator{}, resourceTypes) {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply search schema to %s: %w", schema, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit schema transaction: %w", err)
	}
	return nil
}
