package fhir

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/LinuxForHealth/FHIR-sub122/internal/platform/index"
	"github.com/LinuxForHealth/FHIR-sub122/internal/platform/index/dictionary"
	"github.com/LinuxForHealth/FHIR-sub122/internal/platform/index/remote"
	"github.com/LinuxForHealth/FHIR-sub122/internal/platform/index/writer"
	"github.com/LinuxForHealth/FHIR-sub122/internal/platform/search"
)

// IndexService drives the write path: store a resource version, extract its
// search parameter values, and either persist them locally in the caller's
// transaction or hand them to the remote index sender.
type IndexService struct {
	store     *Store
	extractor *index.Extractor
	writer    *writer.Writer
	sender    remote.Sender // nil selects local indexing
	log       zerolog.Logger
}

// NewIndexService creates an IndexService. A nil sender selects local
// indexing through the writer.
func NewIndexService(store *Store, extractor *index.Extractor, w *writer.Writer, sender remote.Sender, log zerolog.Logger) *IndexService {
	return &IndexService{store: store, extractor: extractor, writer: w, sender: sender, log: log}
}

// IndexResource saves res as the next version of its logical resource and
// reindexes its search parameters. When the extracted parameter set hashes
// identically to the previous version's, the parameter rows are left
// untouched. Extraction runs before any write so a mandatory-parameter
// failure aborts the version insert too.
func (s *IndexService) IndexResource(ctx context.Context, q writer.Querier, tenant string, res *StoredResource) (int64, error) {
	values, err := s.extractor.Extract(ctx, res)
	if err != nil {
		return 0, err
	}

	lrID, priorHash, err := s.store.SaveVersion(ctx, q, res)
	if err != nil {
		return 0, err
	}

	hash := remote.ParameterHash(values)
	if hash == priorHash {
		s.log.Debug().
			Str("resourceType", res.Type).
			Str("logicalId", res.ID).
			Int("version", res.Version).
			Msg("parameter set unchanged, skipping reindex")
		return lrID, nil
	}

	if s.sender != nil {
		msg := remote.BuildMessage(tenant, res, lrID, "", values)
		if err := s.sender.Send(ctx, msg); err != nil {
			return 0, fmt.Errorf("submit remote index message: %w", err)
		}
	} else {
		if err := s.writer.ReplaceParameters(ctx, q, tenant, lrID, res.Type, values); err != nil {
			return 0, err
		}
	}

	if err := s.store.SetParameterHash(ctx, q, lrID, hash); err != nil {
		return 0, err
	}
	return lrID, nil
}

// DeleteResource soft-deletes the logical resource. Its parameter rows stay
// in place; the compiled is_deleted filter excludes them from every search.
func (s *IndexService) DeleteResource(ctx context.Context, q writer.Querier, resourceType, logicalID string) error {
	return s.store.MarkDeleted(ctx, q, resourceType, logicalID, time.Now().UTC().UnixMicro())
}

// Match is one search hit: the identity columns of the logical resource plus
// the current version's payload.
type Match struct {
	LogicalResourceID int64
	ResourceType      string
	LogicalID         string
	VersionID         int
	LastUpdated       time.Time
	Payload           []byte
}

// Result is the outcome of one search execution.
type Result struct {
	Matches  []Match
	Total    *int
	SelfLink string
	Issues   []search.Issue
}

// SearchService executes parsed and compiled searches against the parameter
// tables and shapes the results for the HTTP surface.
type SearchService struct {
	parser   *search.Parser
	compiler *search.Compiler
	tr       dictionary.Translator
	opts     search.Options
	log      zerolog.Logger
}

// NewSearchService creates a SearchService over the registry's parameter
// definitions and the dictionary's dialect.
func NewSearchService(reg *index.Registry, dict *dictionary.Dictionary, opts search.Options, log zerolog.Logger) *SearchService {
	return &SearchService{
		parser:   search.NewParser(reg),
		compiler: search.NewCompiler(dict, dict.Translator()),
		tr:       dict.Translator(),
		opts:     opts,
		log:      log,
	}
}

// Search parses query for resourceType, compiles it, and runs it on q.
// basePath is the request path the self link is rebuilt from. Strict
// handling surfaces *search.InvalidParameterError; lenient handling returns
// dropped-parameter issues on the Result.
func (s *SearchService) Search(ctx context.Context, q writer.Querier, tenant, resourceType string, query url.Values, basePath string) (*Result, error) {
	sctx, err := s.parser.Parse(resourceType, query, s.opts)
	if err != nil {
		return nil, err
	}

	cq, err := s.compiler.Compile(ctx, q, tenant, sctx)
	if err != nil {
		return nil, err
	}

	result := &Result{
		SelfLink: search.BuildSelfLink(sctx, basePath),
		Issues:   sctx.Issues,
	}

	wantTotal := sctx.Total == "accurate" || sctx.Total == "estimate" || sctx.Summary == "count"
	if wantTotal {
		var total int
		row := q.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM logical_resources AS lr WHERE "+cq.Where, cq.Args...)
		if err := row.Scan(&total); err != nil {
			return nil, &index.DataAccessError{Op: "count search results", Err: err}
		}
		result.Total = &total
	}
	if sctx.Summary == "count" || sctx.Count == 0 {
		return result, nil
	}

	stmt := fmt.Sprintf(`SELECT lr.logical_resource_id, lr.resource_type, lr.logical_id, lr.current_version, lr.last_updated, rv.payload
FROM logical_resources AS lr
LEFT JOIN resource_versions AS rv ON rv.logical_resource_id = lr.logical_resource_id AND rv.version_id = lr.current_version
WHERE %s ORDER BY %s LIMIT %s OFFSET %s`,
		cq.Where, s.orderBy(sctx, result),
		s.tr.Placeholder(cq.NextIdx), s.tr.Placeholder(cq.NextIdx+1))
	args := append(cq.Args, sctx.Count, (sctx.Page-1)*sctx.Count)

	rows, err := q.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, &index.DataAccessError{Op: "execute search", Err: err}
	}
	defer rows.Close()

	for rows.Next() {
		var (
			m       Match
			updated int64
			payload []byte
		)
		if err := rows.Scan(&m.LogicalResourceID, &m.ResourceType, &m.LogicalID, &m.VersionID, &updated, &payload); err != nil {
			return nil, &index.DataAccessError{Op: "scan search row", Err: err}
		}
		m.LastUpdated = time.UnixMicro(updated).UTC()
		m.Payload = payload
		result.Matches = append(result.Matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, &index.DataAccessError{Op: "iterate search rows", Err: err}
	}
	return result, nil
}

// orderBy renders the ORDER BY column list. Sorting runs over the logical
// resource columns; value-table sort parameters are accepted by the parser
// but downgraded to an advisory issue here. The surrogate id is always the
// final key so pagination is stable.
func (s *SearchService) orderBy(sctx *search.Context, result *Result) string {
	var cols []string
	for _, key := range sctx.Sort {
		var col string
		switch key.Code {
		case "_id":
			col = "lr.logical_id"
		case "_lastUpdated":
			col = "lr.last_updated"
		default:
			result.Issues = append(result.Issues, search.Issue{
				Severity:    "warning",
				Code:        "not-supported",
				Diagnostics: fmt.Sprintf("sort parameter %q is not supported and was ignored", key.Code),
			})
			continue
		}
		if key.Descending {
			col += " DESC"
		}
		cols = append(cols, col)
	}
	cols = append(cols, "lr.logical_resource_id")
	return strings.Join(cols, ", ")
}
