package fhir

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/LinuxForHealth/FHIR-sub122/internal/platform/db"
	"github.com/LinuxForHealth/FHIR-sub122/internal/platform/index"
	"github.com/LinuxForHealth/FHIR-sub122/internal/platform/index/dictionary"
	"github.com/LinuxForHealth/FHIR-sub122/internal/platform/search"
)

// Handler exposes the resource write and search endpoints. It owns a
// database/sql handle (the pgx stdlib driver in production, SQLite in tests)
// and pins each request's connection to the tenant schema before delegating
// to the services.
type Handler struct {
	dbh           *sql.DB
	tr            dictionary.Translator
	indexer       *IndexService
	searcher      *SearchService
	defaultTenant string
	log           zerolog.Logger
}

// NewHandler creates a Handler.
func NewHandler(dbh *sql.DB, tr dictionary.Translator, indexer *IndexService, searcher *SearchService, defaultTenant string, log zerolog.Logger) *Handler {
	return &Handler{
		dbh:           dbh,
		tr:            tr,
		indexer:       indexer,
		searcher:      searcher,
		defaultTenant: defaultTenant,
		log:           log,
	}
}

// RegisterRoutes registers the resource endpoints on the group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/:type", h.Search)
	g.POST("/:type/_search", h.SearchPost)
	g.POST("/:type", h.Create)
	g.PUT("/:type/:id", h.Update)
	g.DELETE("/:type/:id", h.Delete)
}

// tenant resolves the request's tenant: the tenant middleware's context value
// when present, the configured default otherwise.
func (h *Handler) tenant(ctx context.Context) string {
	if t := db.TenantFromContext(ctx); t != "" {
		return t
	}
	return h.defaultTenant
}

// acquire pins one pooled connection and, on Postgres, points its
// search_path at the tenant schema. The caller must Close the connection.
func (h *Handler) acquire(ctx context.Context, tenant string) (*sql.Conn, error) {
	conn, err := h.dbh.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	if h.tr.Name() == "postgres" {
		if _, err := conn.ExecContext(ctx, fmt.Sprintf("SET search_path TO tenant_%s, shared, public", tenant)); err != nil {
			conn.Close()
			return nil, fmt.Errorf("set search_path: %w", err)
		}
	}
	return conn, nil
}

// Search handles GET /:type with search parameters in the query string.
func (h *Handler) Search(c echo.Context) error {
	return h.search(c, c.QueryParams())
}

// SearchPost handles POST /:type/_search with parameters in a form body,
// merged with any query-string parameters.
func (h *Handler) SearchPost(c echo.Context) error {
	params, err := c.FormParams()
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorOutcome("invalid form body: "+err.Error()))
	}
	return h.search(c, params)
}

func (h *Handler) search(c echo.Context, params url.Values) error {
	ctx := c.Request().Context()
	resourceType := c.Param("type")
	tenant := h.tenant(ctx)

	conn, err := h.acquire(ctx, tenant)
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, ErrorOutcome(err.Error()))
	}
	defer conn.Close()

	basePath := strings.TrimSuffix(c.Request().URL.Path, "/_search")
	result, err := h.searcher.Search(ctx, conn, tenant, resourceType, params, basePath)
	if err != nil {
		var invalid *search.InvalidParameterError
		if errors.As(err, &invalid) {
			return c.JSON(http.StatusBadRequest, NewOperationOutcome("error", "invalid", invalid.Error()))
		}
		h.log.Error().Str("resourceType", resourceType).Err(err).Msg("search failed")
		return c.JSON(http.StatusInternalServerError, ErrorOutcome("search failed"))
	}

	baseURL := strings.TrimSuffix(basePath, "/"+resourceType)
	bundle := NewSearchSetBundle(result, baseURL)
	for _, issue := range result.Issues {
		outcome, _ := json.Marshal(NewOperationOutcome(issue.Severity, issue.Code, issue.Diagnostics))
		bundle.Entry = append(bundle.Entry, BundleEntry{
			Resource: outcome,
			Search:   &BundleEntrySearch{Mode: "outcome"},
		})
	}
	return c.JSON(http.StatusOK, bundle)
}

// Create handles POST /:type. A missing resource id is assigned server-side.
func (h *Handler) Create(c echo.Context) error {
	res, status, outcome := h.readResource(c, "")
	if outcome != nil {
		return c.JSON(status, outcome)
	}
	if ok, err := h.ingest(c, res); !ok {
		return err
	}
	c.Response().Header().Set("Location", fmt.Sprintf("%s/%s", res.Type, res.ID))
	return c.JSONBlob(http.StatusCreated, res.Payload)
}

// Update handles PUT /:type/:id, creating the resource if it does not exist.
func (h *Handler) Update(c echo.Context) error {
	res, status, outcome := h.readResource(c, c.Param("id"))
	if outcome != nil {
		return c.JSON(status, outcome)
	}
	if ok, err := h.ingest(c, res); !ok {
		return err
	}
	return c.JSONBlob(http.StatusOK, res.Payload)
}

// Delete handles DELETE /:type/:id with a soft delete.
func (h *Handler) Delete(c echo.Context) error {
	ctx := c.Request().Context()
	resourceType, id := c.Param("type"), c.Param("id")
	tenant := h.tenant(ctx)

	conn, err := h.acquire(ctx, tenant)
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, ErrorOutcome(err.Error()))
	}
	defer conn.Close()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, ErrorOutcome("begin transaction: "+err.Error()))
	}
	defer tx.Rollback()

	if err := h.indexer.DeleteResource(ctx, tx, resourceType, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return c.JSON(http.StatusNotFound, NotFoundOutcome(resourceType, id))
		}
		h.log.Error().Str("resourceType", resourceType).Str("logicalId", id).Err(err).Msg("delete failed")
		return c.JSON(http.StatusInternalServerError, ErrorOutcome("delete failed"))
	}
	if err := tx.Commit(); err != nil {
		return c.JSON(http.StatusInternalServerError, ErrorOutcome("commit failed: "+err.Error()))
	}
	return c.NoContent(http.StatusNoContent)
}

// readResource decodes and validates the request body. forceID, when set,
// overrides the payload id (PUT semantics); otherwise a missing id is
// assigned a fresh uuid and written back into the payload.
func (h *Handler) readResource(c echo.Context, forceID string) (*StoredResource, int, *OperationOutcome) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, http.StatusBadRequest, ErrorOutcome("read request body: " + err.Error())
	}

	var envelope Resource
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, http.StatusBadRequest, ErrorOutcome("invalid resource JSON: " + err.Error())
	}
	resourceType := c.Param("type")
	if envelope.ResourceType != resourceType {
		return nil, http.StatusBadRequest, NewOperationOutcome("error", "invalid",
			fmt.Sprintf("body resourceType %q does not match URL type %q", envelope.ResourceType, resourceType))
	}

	id := envelope.ID
	switch {
	case forceID != "":
		id = forceID
	case id == "":
		id = uuid.NewString()
	}
	if id != envelope.ID {
		if body, err = setPayloadID(body, id); err != nil {
			return nil, http.StatusBadRequest, ErrorOutcome(err.Error())
		}
	}

	return &StoredResource{
		Type:    resourceType,
		ID:      id,
		Updated: time.Now().UTC(),
		Payload: body,
	}, 0, nil
}

// ingest runs the index write path in one transaction. ok reports whether
// the write succeeded; when it is false an error response has already been
// rendered and its result is returned.
func (h *Handler) ingest(c echo.Context, res *StoredResource) (ok bool, err error) {
	ctx := c.Request().Context()
	tenant := h.tenant(ctx)

	conn, err := h.acquire(ctx, tenant)
	if err != nil {
		return false, c.JSON(http.StatusServiceUnavailable, ErrorOutcome(err.Error()))
	}
	defer conn.Close()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return false, c.JSON(http.StatusInternalServerError, ErrorOutcome("begin transaction: "+err.Error()))
	}
	defer tx.Rollback()

	if _, err := h.indexer.IndexResource(ctx, tx, tenant, res); err != nil {
		var extraction *index.ExtractionError
		if errors.As(err, &extraction) {
			return false, c.JSON(http.StatusBadRequest, NewOperationOutcome("error", "invalid", extraction.Error()))
		}
		h.log.Error().Str("resourceType", res.Type).Str("logicalId", res.ID).Err(err).Msg("resource write failed")
		return false, c.JSON(http.StatusInternalServerError, ErrorOutcome("resource write failed"))
	}
	if err := tx.Commit(); err != nil {
		return false, c.JSON(http.StatusInternalServerError, ErrorOutcome("commit failed: "+err.Error()))
	}
	return true, nil
}

func setPayloadID(body []byte, id string) ([]byte, error) {
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("invalid resource JSON: %w", err)
	}
	m["id"] = id
	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("re-encode resource: %w", err)
	}
	return out, nil
}
