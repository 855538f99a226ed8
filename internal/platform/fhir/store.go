package fhir

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/LinuxForHealth/FHIR-sub122/internal/platform/index"
	"github.com/LinuxForHealth/FHIR-sub122/internal/platform/index/dictionary"
	"github.com/LinuxForHealth/FHIR-sub122/internal/platform/index/writer"
)

// ErrNotFound reports a logical resource that does not exist or is deleted.
var ErrNotFound = errors.New("resource not found")

// Store persists logical resources and their immutable version rows.
// Parameter rows are owned by the writer; the two always run in the same
// transaction.
type Store struct {
	tr  dictionary.Translator
	log zerolog.Logger
}

// NewStore creates a Store for the given dialect.
func NewStore(tr dictionary.Translator, log zerolog.Logger) *Store {
	return &Store{tr: tr, log: log}
}

// SaveVersion records a new version of the logical resource: it creates or
// revives the logical_resources row, assigns the next version number to res,
// and appends the immutable resource_versions row. It returns the logical
// resource id and the parameter hash stored by the previous version (empty
// for a new resource).
func (s *Store) SaveVersion(ctx context.Context, q writer.Querier, res *StoredResource) (int64, string, error) {
	var (
		lrID      int64
		version   int
		priorHash sql.NullString
	)
	row := q.QueryRowContext(ctx,
		fmt.Sprintf("SELECT logical_resource_id, current_version, parameter_hash FROM logical_resources WHERE resource_type = %s AND logical_id = %s",
			s.tr.Placeholder(1), s.tr.Placeholder(2)),
		res.Type, res.ID)
	err := row.Scan(&lrID, &version, &priorHash)
	switch {
	case err == sql.ErrNoRows:
		res.Version = 1
		if _, err := q.ExecContext(ctx,
			fmt.Sprintf("INSERT INTO logical_resources (resource_type, logical_id, current_version, last_updated, is_deleted) VALUES (%s, %s, %s, %s, 'N')",
				s.tr.Placeholder(1), s.tr.Placeholder(2), s.tr.Placeholder(3), s.tr.Placeholder(4)),
			res.Type, res.ID, res.Version, res.Updated.UnixMicro()); err != nil {
			return 0, "", &index.DataAccessError{Op: "insert logical_resources", Err: err}
		}
		// Re-read instead of RETURNING so both dialects take the same path,
		// matching how the dictionary recovers generated ids.
		row = q.QueryRowContext(ctx,
			fmt.Sprintf("SELECT logical_resource_id FROM logical_resources WHERE resource_type = %s AND logical_id = %s",
				s.tr.Placeholder(1), s.tr.Placeholder(2)),
			res.Type, res.ID)
		if err := row.Scan(&lrID); err != nil {
			return 0, "", &index.DataAccessError{Op: "select logical_resources", Err: err}
		}
	case err != nil:
		return 0, "", &index.DataAccessError{Op: "select logical_resources", Err: err}
	default:
		res.Version = version + 1
		if _, err := q.ExecContext(ctx,
			fmt.Sprintf("UPDATE logical_resources SET current_version = %s, last_updated = %s, is_deleted = 'N' WHERE logical_resource_id = %s",
				s.tr.Placeholder(1), s.tr.Placeholder(2), s.tr.Placeholder(3)),
			res.Version, res.Updated.UnixMicro(), lrID); err != nil {
			return 0, "", &index.DataAccessError{Op: "update logical_resources", Err: err}
		}
	}

	if _, err := q.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO resource_versions (logical_resource_id, version_id, last_updated, payload, is_deleted) VALUES (%s, %s, %s, %s, 'N')",
			s.tr.Placeholder(1), s.tr.Placeholder(2), s.tr.Placeholder(3), s.tr.Placeholder(4)),
		lrID, res.Version, res.Updated.UnixMicro(), res.Payload); err != nil {
		return 0, "", &index.DataAccessError{Op: "insert resource_versions", Err: err}
	}
	return lrID, priorHash.String, nil
}

// SetParameterHash records the digest of the indexed parameter set so an
// unchanged update can skip reindexing.
func (s *Store) SetParameterHash(ctx context.Context, q writer.Querier, logicalResourceID int64, hash string) error {
	if _, err := q.ExecContext(ctx,
		fmt.Sprintf("UPDATE logical_resources SET parameter_hash = %s WHERE logical_resource_id = %s",
			s.tr.Placeholder(1), s.tr.Placeholder(2)),
		hash, logicalResourceID); err != nil {
		return &index.DataAccessError{Op: "update parameter_hash", Err: err}
	}
	return nil
}

// MarkDeleted soft-deletes the logical resource and appends a deletion
// version. Deleted resources never match searches.
func (s *Store) MarkDeleted(ctx context.Context, q writer.Querier, resourceType, logicalID string, updated int64) error {
	var (
		lrID    int64
		version int
	)
	row := q.QueryRowContext(ctx,
		fmt.Sprintf("SELECT logical_resource_id, current_version FROM logical_resources WHERE resource_type = %s AND logical_id = %s AND is_deleted = 'N'",
			s.tr.Placeholder(1), s.tr.Placeholder(2)),
		resourceType, logicalID)
	if err := row.Scan(&lrID, &version); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return &index.DataAccessError{Op: "select logical_resources", Err: err}
	}

	version++
	if _, err := q.ExecContext(ctx,
		fmt.Sprintf("UPDATE logical_resources SET current_version = %s, last_updated = %s, is_deleted = 'Y' WHERE logical_resource_id = %s",
			s.tr.Placeholder(1), s.tr.Placeholder(2), s.tr.Placeholder(3)),
		version, updated, lrID); err != nil {
		return &index.DataAccessError{Op: "update logical_resources", Err: err}
	}
	if _, err := q.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO resource_versions (logical_resource_id, version_id, last_updated, payload, is_deleted) VALUES (%s, %s, %s, NULL, 'Y')",
			s.tr.Placeholder(1), s.tr.Placeholder(2), s.tr.Placeholder(3)),
		lrID, version, updated); err != nil {
		return &index.DataAccessError{Op: "insert resource_versions", Err: err}
	}
	return nil
}
