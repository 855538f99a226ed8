package fhir

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/LinuxForHealth/FHIR-sub122/internal/platform/db"
	"github.com/LinuxForHealth/FHIR-sub122/internal/platform/index"
	"github.com/LinuxForHealth/FHIR-sub122/internal/platform/index/dictionary"
	"github.com/LinuxForHealth/FHIR-sub122/internal/platform/index/writer"
	"github.com/LinuxForHealth/FHIR-sub122/internal/platform/search"
)

type testEnv struct {
	db       *sql.DB
	reg      *index.Registry
	indexer  *IndexService
	searcher *SearchService
	handler  *Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { conn.Close() })

	tr := dictionary.SQLiteTranslator{}
	for _, stmt := range db.SearchSchemaDDL(tr, []string{"Patient", "Observation", "Organization"}) {
		if _, err := conn.Exec(stmt); err != nil {
			t.Fatalf("ddl: %v", err)
		}
	}

	reg := index.NewRegistry()
	defs := []struct {
		rt  string
		def index.Definition
	}{
		{"Patient", index.Definition{Code: "family", Type: index.TypeString, Expression: "name.family"}},
		{"Patient", index.Definition{Code: "given", Type: index.TypeString, Expression: "name.given"}},
		{"Patient", index.Definition{Code: "birthdate", Type: index.TypeDate, Expression: "birthDate as date"}},
		{"Patient", index.Definition{Code: "identifier", Type: index.TypeToken, Expression: "identifier as token"}},
		{"Patient", index.Definition{Code: "organization", Type: index.TypeReference, Expression: "managingOrganization as reference", Targets: []string{"Organization"}}},
		{"Observation", index.Definition{Code: "code", Type: index.TypeToken, Expression: "code as token"}},
		{"Observation", index.Definition{Code: "value-quantity", Type: index.TypeQuantity, Expression: "valueQuantity as quantity"}},
		{"Observation", index.Definition{
			Code:       "code-value-quantity",
			Type:       index.TypeComposite,
			Expression: "{code=code as token;value-quantity=valueQuantity as quantity}",
			Components: []index.Component{
				{Code: "code", Type: index.TypeToken},
				{Code: "value-quantity", Type: index.TypeQuantity},
			},
		}},
	}
	for _, d := range defs {
		if err := reg.Register(d.rt, d.def); err != nil {
			t.Fatalf("register %s/%s: %v", d.rt, d.def.Code, err)
		}
	}

	dict := dictionary.New(tr, 0, zerolog.Nop())
	extractor := index.NewExtractor(reg, PathEvaluator{}, 0, zerolog.Nop())
	store := NewStore(tr, zerolog.Nop())
	indexer := NewIndexService(store, extractor, writer.New(dict, 0, zerolog.Nop()), nil, zerolog.Nop())
	searcher := NewSearchService(reg, dict, search.Options{Handling: search.HandlingStrict}, zerolog.Nop())

	return &testEnv{
		db:       conn,
		reg:      reg,
		indexer:  indexer,
		searcher: searcher,
		handler:  NewHandler(conn, tr, indexer, searcher, "default", zerolog.Nop()),
	}
}

func (e *testEnv) ingest(t *testing.T, payload string) *StoredResource {
	t.Helper()
	var envelope Resource
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
		t.Fatalf("payload: %v", err)
	}
	res := &StoredResource{
		Type:    envelope.ResourceType,
		ID:      envelope.ID,
		Updated: time.Now().UTC(),
		Payload: []byte(payload),
	}
	if _, err := e.indexer.IndexResource(context.Background(), e.db, "default", res); err != nil {
		t.Fatalf("index %s/%s: %v", res.Type, res.ID, err)
	}
	return res
}

func (e *testEnv) search(t *testing.T, resourceType, rawQuery string) []string {
	t.Helper()
	q, err := url.ParseQuery(rawQuery)
	if err != nil {
		t.Fatalf("query %q: %v", rawQuery, err)
	}
	result, err := e.searcher.Search(context.Background(), e.db, "default", resourceType, q, "/fhir/"+resourceType)
	if err != nil {
		t.Fatalf("search %s?%s: %v", resourceType, rawQuery, err)
	}
	ids := make([]string, 0, len(result.Matches))
	for _, m := range result.Matches {
		ids = append(ids, m.LogicalID)
	}
	return ids
}

func expectIDs(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestSearch_StringModifiersEndToEnd(t *testing.T) {
	e := newTestEnv(t)
	e.ingest(t, `{"resourceType":"Patient","id":"p1","name":[{"family":"Doe","given":["John"]}]}`)
	e.ingest(t, `{"resourceType":"Patient","id":"p2","name":[{"family":"Doering","given":["Jane"]}]}`)
	e.ingest(t, `{"resourceType":"Patient","id":"p3","name":[{"family":"Smith"}]}`)

	expectIDs(t, e.search(t, "Patient", "family=Doe"), []string{"p1", "p2"})
	expectIDs(t, e.search(t, "Patient", "family=doe"), []string{"p1", "p2"})
	expectIDs(t, e.search(t, "Patient", "family:exact=doe"), nil)
	expectIDs(t, e.search(t, "Patient", "family:exact=Doe"), []string{"p1"})
	expectIDs(t, e.search(t, "Patient", "family:contains=oe"), []string{"p1", "p2"})
	expectIDs(t, e.search(t, "Patient", "family=Doe&given=Jane"), []string{"p2"})
}

func TestSearch_DateTokenAndReference(t *testing.T) {
	e := newTestEnv(t)
	e.ingest(t, `{"resourceType":"Organization","id":"org1","name":"General"}`)
	e.ingest(t, `{"resourceType":"Patient","id":"p1","birthDate":"1980-05-17",
		"identifier":[{"system":"http://example.org/mrn","value":"12345"}],
		"managingOrganization":{"reference":"Organization/org1"}}`)
	e.ingest(t, `{"resourceType":"Patient","id":"p2","birthDate":"1990-01-02",
		"identifier":[{"system":"http://example.org/mrn","value":"99999"}]}`)

	expectIDs(t, e.search(t, "Patient", "birthdate=1980-05-17"), []string{"p1"})
	expectIDs(t, e.search(t, "Patient", "birthdate=ge1985"), []string{"p2"})
	expectIDs(t, e.search(t, "Patient", "birthdate=1980"), []string{"p1"}) // partial date widens to the year
	expectIDs(t, e.search(t, "Patient", "identifier=12345"), []string{"p1"})
	expectIDs(t, e.search(t, "Patient", "identifier="+url.QueryEscape("http://example.org/mrn|12345")), []string{"p1"})
	expectIDs(t, e.search(t, "Patient", "organization="+url.QueryEscape("Organization/org1")), []string{"p1"})
	expectIDs(t, e.search(t, "Patient", "identifier:missing=true"), nil)
}

func TestSearch_CompositeEndToEnd(t *testing.T) {
	e := newTestEnv(t)
	e.ingest(t, `{"resourceType":"Observation","id":"obs1",
		"code":{"coding":[{"system":"http://loinc.org","code":"8480-6"}]},
		"valueQuantity":{"value":100,"unit":"mmHg","system":"http://unitsofmeasure.org","code":"mm[Hg]"}}`)
	e.ingest(t, `{"resourceType":"Observation","id":"obs2",
		"code":{"coding":[{"system":"http://loinc.org","code":"8480-6"}]},
		"valueQuantity":{"value":50,"unit":"mmHg","system":"http://unitsofmeasure.org","code":"mm[Hg]"}}`)

	expectIDs(t, e.search(t, "Observation", "code-value-quantity="+url.QueryEscape("8480-6$100")), []string{"obs1"})
	expectIDs(t, e.search(t, "Observation", "code-value-quantity="+url.QueryEscape("8480-6$gt60")), []string{"obs1"})
	expectIDs(t, e.search(t, "Observation", "code-value-quantity="+url.QueryEscape("9999-9$100")), nil)
}

func TestSearch_CompositeMissingEndToEnd(t *testing.T) {
	e := newTestEnv(t)
	e.ingest(t, `{"resourceType":"Observation","id":"obs1",
		"code":{"coding":[{"system":"http://loinc.org","code":"8480-6"}]},
		"valueQuantity":{"value":100,"unit":"mmHg","system":"http://unitsofmeasure.org","code":"mm[Hg]"}}`)
	e.ingest(t, `{"resourceType":"Observation","id":"obs2",
		"code":{"coding":[{"system":"http://loinc.org","code":"8480-6"}]}}`)

	expectIDs(t, e.search(t, "Observation", "code-value-quantity:missing=false"), []string{"obs1"})
	expectIDs(t, e.search(t, "Observation", "code-value-quantity:missing=true"), []string{"obs2"})
}

func TestIndexResource_SkipsReindexWhenHashUnchanged(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	payload := `{"resourceType":"Patient","id":"p1","name":[{"family":"Doe"}]}`
	e.ingest(t, payload)

	// A sentinel mutation in the parameter rows survives an update whose
	// extracted parameter set hashes identically, proving the skip.
	if _, err := e.db.Exec("UPDATE patient_str_values SET str_value_lcase = 'sentinel'"); err != nil {
		t.Fatal(err)
	}
	res := e.ingest(t, payload)
	if res.Version != 2 {
		t.Fatalf("expected version 2, got %d", res.Version)
	}

	var lcase string
	if err := e.db.QueryRowContext(ctx, "SELECT str_value_lcase FROM patient_str_values").Scan(&lcase); err != nil {
		t.Fatal(err)
	}
	if lcase != "sentinel" {
		t.Errorf("unchanged parameter set must not be rewritten, got %q", lcase)
	}

	// A real change rewrites the rows.
	e.ingest(t, `{"resourceType":"Patient","id":"p1","name":[{"family":"Smith"}]}`)
	if err := e.db.QueryRowContext(ctx, "SELECT str_value_lcase FROM patient_str_values").Scan(&lcase); err != nil {
		t.Fatal(err)
	}
	if lcase != "smith" {
		t.Errorf("changed parameter set must be rewritten, got %q", lcase)
	}
}

func TestDeleteResource_ExcludedFromSearch(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.ingest(t, `{"resourceType":"Patient","id":"p1","name":[{"family":"Doe"}]}`)

	expectIDs(t, e.search(t, "Patient", "family=Doe"), []string{"p1"})
	if err := e.indexer.DeleteResource(ctx, e.db, "Patient", "p1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	expectIDs(t, e.search(t, "Patient", "family=Doe"), nil)

	var deleted string
	var version int
	if err := e.db.QueryRowContext(ctx,
		"SELECT is_deleted, current_version FROM logical_resources WHERE logical_id = 'p1'").Scan(&deleted, &version); err != nil {
		t.Fatal(err)
	}
	if deleted != "Y" || version != 2 {
		t.Errorf("expected deleted version 2, got %s v%d", deleted, version)
	}

	if err := e.indexer.DeleteResource(ctx, e.db, "Patient", "p1"); err != ErrNotFound {
		t.Errorf("second delete: expected ErrNotFound, got %v", err)
	}
}

func TestSearch_PaginationAndTotal(t *testing.T) {
	e := newTestEnv(t)
	for i := 1; i <= 5; i++ {
		e.ingest(t, fmt.Sprintf(`{"resourceType":"Patient","id":"p%d","name":[{"family":"Doe"}]}`, i))
	}

	q, _ := url.ParseQuery("family=Doe&_count=2&_page=2&_total=accurate")
	result, err := e.searcher.Search(context.Background(), e.db, "default", "Patient", q, "/fhir/Patient")
	if err != nil {
		t.Fatal(err)
	}
	if result.Total == nil || *result.Total != 5 {
		t.Errorf("total: got %v, want 5", result.Total)
	}
	if len(result.Matches) != 2 {
		t.Fatalf("page size: got %d matches", len(result.Matches))
	}
	if result.Matches[0].LogicalID != "p3" || result.Matches[1].LogicalID != "p4" {
		t.Errorf("page 2 contents: %s, %s", result.Matches[0].LogicalID, result.Matches[1].LogicalID)
	}
	if result.SelfLink == "" {
		t.Error("self link missing")
	}
}

func TestSearch_MatchCarriesPayloadAndVersion(t *testing.T) {
	e := newTestEnv(t)
	e.ingest(t, `{"resourceType":"Patient","id":"p1","name":[{"family":"Doe"}]}`)
	e.ingest(t, `{"resourceType":"Patient","id":"p1","name":[{"family":"Doe","given":["John"]}]}`)

	q, _ := url.ParseQuery("family=Doe")
	result, err := e.searcher.Search(context.Background(), e.db, "default", "Patient", q, "/fhir/Patient")
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Matches) != 1 {
		t.Fatalf("matches: %d", len(result.Matches))
	}
	m := result.Matches[0]
	if m.VersionID != 2 {
		t.Errorf("version: got %d, want 2", m.VersionID)
	}
	var decoded Resource
	if err := json.Unmarshal(m.Payload, &decoded); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if decoded.ID != "p1" {
		t.Errorf("payload id: %s", decoded.ID)
	}
}

func TestSearch_StrictRejectsUnknownParameter(t *testing.T) {
	e := newTestEnv(t)
	q, _ := url.ParseQuery("bogus=1")
	_, err := e.searcher.Search(context.Background(), e.db, "default", "Patient", q, "/fhir/Patient")
	var invalid *search.InvalidParameterError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidParameterError, got %v", err)
	}
}
