package dictionary

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/LinuxForHealth/FHIR-sub122/internal/platform/index"
)

// Kind selects one of the dictionary tables.
type Kind int

const (
	KindParameterName Kind = iota
	KindCodeSystem
	KindTokenValue
	KindCanonical
)

func (k Kind) String() string {
	switch k {
	case KindParameterName:
		return "parameter_names"
	case KindCodeSystem:
		return "code_systems"
	case KindTokenValue:
		return "common_token_values"
	case KindCanonical:
		return "common_canonical_values"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Key is the natural key of a dictionary row. System is only meaningful for
// KindTokenValue, where the key is the (code system, token value) pair.
type Key struct {
	System string
	Value  string
}

// NameKey builds the key for a parameter name.
func NameKey(name string) Key { return Key{Value: name} }

// SystemKey builds the key for a code system.
func SystemKey(system string) Key { return Key{Value: system} }

// TokenKey builds the key for a common token value.
func TokenKey(system, value string) Key { return Key{System: system, Value: value} }

// CanonicalKey builds the key for a canonical url.
func CanonicalKey(url string) Key { return Key{Value: url} }

// Querier is the subset of database/sql needed by the dictionary. It is
// satisfied by *sql.DB, *sql.Conn and *sql.Tx, so resolution can run inside
// the caller's transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// selectChunk bounds the number of natural keys matched per SELECT, and the
// number of rows per insert-if-absent statement.
const selectChunk = 100

// Dictionary provides read-through cached resolution of dictionary natural
// keys to surrogate ids, creating missing rows with a race-safe
// insert-if-absent. Rows are append-only and immutable, so cached ids can
// never go stale.
type Dictionary struct {
	tr    Translator
	cache *Cache
	log   zerolog.Logger
}

// New creates a Dictionary for the given dialect with a cache bounded to
// cacheSize entries.
func New(tr Translator, cacheSize int, log zerolog.Logger) *Dictionary {
	return &Dictionary{tr: tr, cache: NewCache(cacheSize), log: log}
}

// Translator returns the dialect translator the dictionary was built with.
func (d *Dictionary) Translator() Translator { return d.tr }

// ResolveOrCreate resolves a single natural key, creating the row if absent.
func (d *Dictionary) ResolveOrCreate(ctx context.Context, q Querier, tenant string, kind Kind, key Key) (int64, error) {
	ids, err := d.ResolveOrCreateAll(ctx, q, tenant, kind, []Key{key})
	if err != nil {
		return 0, err
	}
	id, ok := ids[key]
	if !ok {
		return 0, &index.DataAccessError{Op: kind.String(), Err: fmt.Errorf("key %q/%q did not resolve", key.System, key.Value)}
	}
	return id, nil
}

// ResolveOrCreateAll resolves a batch of natural keys of one kind, creating
// any that do not yet exist. Two writers racing on the same key converge on
// the same surrogate id: the insert silently skips existing rows and the
// follow-up read returns whichever row won.
func (d *Dictionary) ResolveOrCreateAll(ctx context.Context, q Querier, tenant string, kind Kind, keys []Key) (map[Key]int64, error) {
	return d.resolveAll(ctx, q, tenant, kind, keys, true)
}

// LookupAll resolves a batch of natural keys without creating missing rows.
// Keys with no row are absent from the returned map; the search compiler
// maps them to its not-match sentinel.
func (d *Dictionary) LookupAll(ctx context.Context, q Querier, tenant string, kind Kind, keys []Key) (map[Key]int64, error) {
	return d.resolveAll(ctx, q, tenant, kind, keys, false)
}

func (d *Dictionary) resolveAll(ctx context.Context, q Querier, tenant string, kind Kind, keys []Key, create bool) (map[Key]int64, error) {
	result := make(map[Key]int64, len(keys))
	if len(keys) == 0 {
		return result, nil
	}

	// Token values reference code systems; resolve those first so the pair
	// key can be rewritten as (code_system_id, token_value).
	var sysIDs map[Key]int64
	if kind == KindTokenValue {
		sysKeys := make([]Key, 0)
		seen := make(map[string]bool)
		for _, k := range keys {
			if !seen[k.System] {
				seen[k.System] = true
				sysKeys = append(sysKeys, SystemKey(k.System))
			}
		}
		var err error
		sysIDs, err = d.resolveAll(ctx, q, tenant, KindCodeSystem, sysKeys, create)
		if err != nil {
			return nil, err
		}
	}

	// Cache pass.
	var misses []Key
	for _, k := range keys {
		if _, dup := result[k]; dup {
			continue
		}
		if kind == KindTokenValue {
			if _, ok := sysIDs[SystemKey(k.System)]; !ok {
				continue // system itself unresolved (lookup-only mode)
			}
		}
		if id, ok := d.cache.Get(tenant, kind, k); ok {
			result[k] = id
		} else {
			misses = append(misses, k)
		}
	}
	misses = dedupeKeys(misses)
	if len(misses) == 0 {
		return result, nil
	}

	// Read pass: batched SELECT for all misses.
	found, err := d.selectIDs(ctx, q, kind, misses, sysIDs)
	if err != nil {
		return nil, &index.DataAccessError{Op: "select " + kind.String(), Err: err}
	}
	var unresolved []Key
	for _, k := range misses {
		if id, ok := found[k]; ok {
			result[k] = id
			d.cache.Put(tenant, kind, k, id)
		} else {
			unresolved = append(unresolved, k)
		}
	}
	if len(unresolved) == 0 || !create {
		return result, nil
	}

	// Write pass: insert rows whose key is still absent, sorted
	// deterministically to reduce lock contention between concurrent
	// writers, then re-read to pick up whichever row won any race.
	sort.Slice(unresolved, func(i, j int) bool {
		if unresolved[i].System != unresolved[j].System {
			return unresolved[i].System < unresolved[j].System
		}
		return unresolved[i].Value < unresolved[j].Value
	})
	if err := d.insertMissing(ctx, q, kind, unresolved, sysIDs); err != nil {
		return nil, &index.DataAccessError{Op: "insert " + kind.String(), Err: err}
	}
	found, err = d.selectIDs(ctx, q, kind, unresolved, sysIDs)
	if err != nil {
		return nil, &index.DataAccessError{Op: "reselect " + kind.String(), Err: err}
	}
	for _, k := range unresolved {
		id, ok := found[k]
		if !ok {
			return nil, &index.DataAccessError{Op: kind.String(), Err: fmt.Errorf("key %q/%q missing after insert", k.System, k.Value)}
		}
		result[k] = id
		d.cache.Put(tenant, kind, k, id)
	}
	return result, nil
}

// Prewarm loads every parameter name and code system into the cache. Remote
// index consumers call this at startup so steady-state messages resolve
// without read round-trips.
func (d *Dictionary) Prewarm(ctx context.Context, q Querier, tenant string) error {
	load := func(kind Kind, query string) error {
		rows, err := q.QueryContext(ctx, query)
		if err != nil {
			return &index.DataAccessError{Op: "prewarm " + kind.String(), Err: err}
		}
		defer rows.Close()
		n := 0
		for rows.Next() {
			var value string
			var id int64
			if err := rows.Scan(&value, &id); err != nil {
				return &index.DataAccessError{Op: "prewarm " + kind.String(), Err: err}
			}
			d.cache.Put(tenant, kind, Key{Value: value}, id)
			n++
		}
		if err := rows.Err(); err != nil {
			return &index.DataAccessError{Op: "prewarm " + kind.String(), Err: err}
		}
		d.log.Debug().Str("kind", kind.String()).Int("entries", n).Msg("dictionary cache prewarmed")
		return nil
	}
	if err := load(KindParameterName, "SELECT parameter_name, parameter_name_id FROM parameter_names"); err != nil {
		return err
	}
	return load(KindCodeSystem, "SELECT code_system_name, code_system_id FROM code_systems")
}

func (d *Dictionary) selectIDs(ctx context.Context, q Querier, kind Kind, keys []Key, sysIDs map[Key]int64) (map[Key]int64, error) {
	found := make(map[Key]int64, len(keys))
	for start := 0; start < len(keys); start += selectChunk {
		end := start + selectChunk
		if end > len(keys) {
			end = len(keys)
		}
		chunk := keys[start:end]

		query, args, bySystemID := d.selectQuery(kind, chunk, sysIDs)
		rows, err := q.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		if err := func() error {
			defer rows.Close()
			for rows.Next() {
				switch kind {
				case KindTokenValue:
					var sysID int64
					var value string
					var id int64
					if err := rows.Scan(&sysID, &value, &id); err != nil {
						return err
					}
					if k, ok := bySystemID[tokenRow{sysID, value}]; ok {
						found[k] = id
					}
				default:
					var value string
					var id int64
					if err := rows.Scan(&value, &id); err != nil {
						return err
					}
					found[Key{Value: value}] = id
				}
			}
			return rows.Err()
		}(); err != nil {
			return nil, err
		}
	}
	return found, nil
}

type tokenRow struct {
	systemID int64
	value    string
}

// selectQuery builds the batched natural-key lookup for one chunk. Pair keys
// use an OR chain of per-row equality predicates, which both dialects plan as
// an index union on the unique key.
func (d *Dictionary) selectQuery(kind Kind, chunk []Key, sysIDs map[Key]int64) (string, []any, map[tokenRow]Key) {
	var sb strings.Builder
	var args []any
	idx := 1

	switch kind {
	case KindTokenValue:
		bySystemID := make(map[tokenRow]Key, len(chunk))
		sb.WriteString("SELECT code_system_id, token_value, common_token_value_id FROM common_token_values WHERE ")
		for i, k := range chunk {
			sysID := sysIDs[SystemKey(k.System)]
			bySystemID[tokenRow{sysID, k.Value}] = k
			if i > 0 {
				sb.WriteString(" OR ")
			}
			fmt.Fprintf(&sb, "(code_system_id = %s AND token_value = %s)",
				d.tr.Placeholder(idx), d.tr.Placeholder(idx+1))
			args = append(args, sysID, k.Value)
			idx += 2
		}
		return sb.String(), args, bySystemID

	default:
		table, idCol, keyCol := kindColumns(kind)
		fmt.Fprintf(&sb, "SELECT %s, %s FROM %s WHERE %s IN (", keyCol, idCol, table, keyCol)
		for i, k := range chunk {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(d.tr.Placeholder(idx))
			args = append(args, k.Value)
			idx++
		}
		sb.WriteString(")")
		return sb.String(), args, nil
	}
}

func (d *Dictionary) insertMissing(ctx context.Context, q Querier, kind Kind, keys []Key, sysIDs map[Key]int64) error {
	for start := 0; start < len(keys); start += selectChunk {
		end := start + selectChunk
		if end > len(keys) {
			end = len(keys)
		}
		chunk := keys[start:end]

		var stmt string
		var args []any
		switch kind {
		case KindTokenValue:
			stmt = d.tr.InsertIgnore("common_token_values", []string{"code_system_id", "token_value"}, len(chunk))
			for _, k := range chunk {
				args = append(args, sysIDs[SystemKey(k.System)], k.Value)
			}
		default:
			table, _, keyCol := kindColumns(kind)
			stmt = d.tr.InsertIgnore(table, []string{keyCol}, len(chunk))
			for _, k := range chunk {
				args = append(args, k.Value)
			}
		}
		if _, err := q.ExecContext(ctx, stmt, args...); err != nil {
			return err
		}
	}
	return nil
}

func kindColumns(kind Kind) (table, idCol, keyCol string) {
	switch kind {
	case KindParameterName:
		return "parameter_names", "parameter_name_id", "parameter_name"
	case KindCodeSystem:
		return "code_systems", "code_system_id", "code_system_name"
	case KindCanonical:
		return "common_canonical_values", "canonical_id", "url"
	}
	return "", "", ""
}

func dedupeKeys(keys []Key) []Key {
	seen := make(map[Key]bool, len(keys))
	out := keys[:0]
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}
