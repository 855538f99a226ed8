package writer

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/LinuxForHealth/FHIR-sub122/internal/platform/db"
	"github.com/LinuxForHealth/FHIR-sub122/internal/platform/index"
	"github.com/LinuxForHealth/FHIR-sub122/internal/platform/index/dictionary"
)

func openWriterDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { conn.Close() })

	for _, stmt := range db.SearchSchemaDDL(dictionary.SQLiteTranslator{}, []string{"Patient"}) {
		if _, err := conn.Exec(stmt); err != nil {
			t.Fatalf("ddl: %v", err)
		}
	}
	return conn
}

func newWriter(batchSize int) *Writer {
	return New(dictionary.New(dictionary.SQLiteTranslator{}, 0, zerolog.Nop()), batchSize, zerolog.Nop())
}

func countWhere(t *testing.T, conn *sql.DB, table, where string, args ...any) int {
	t.Helper()
	var n int
	query := "SELECT COUNT(*) FROM " + table
	if where != "" {
		query += " WHERE " + where
	}
	if err := conn.QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func strValue(code, v, lower string) index.StringValue {
	return index.StringValue{Base: index.Base{ParamCode: code}, Value: v, ValueLower: lower}
}

func TestReplaceParameters_ReplacesOnUpdate(t *testing.T) {
	conn := openWriterDB(t)
	w := newWriter(0)
	ctx := context.Background()

	if err := w.ReplaceParameters(ctx, conn, "t1", 7, "Patient", []index.ParameterValue{
		strValue("family", "Doe", "doe"),
		strValue("family", "Doering", "doering"),
	}); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if n := countWhere(t, conn, "patient_str_values", "logical_resource_id = 7"); n != 2 {
		t.Fatalf("expected 2 rows after first write, got %d", n)
	}

	if err := w.ReplaceParameters(ctx, conn, "t1", 7, "Patient", []index.ParameterValue{
		strValue("family", "Smith", "smith"),
	}); err != nil {
		t.Fatalf("second write: %v", err)
	}
	if n := countWhere(t, conn, "patient_str_values", "logical_resource_id = 7"); n != 1 {
		t.Fatalf("prior version rows must be replaced, got %d", n)
	}
	if n := countWhere(t, conn, "patient_str_values", "str_value = 'Smith'"); n != 1 {
		t.Error("new value missing after replace")
	}
	if n := countWhere(t, conn, "patient_str_values", "str_value = 'Doe'"); n != 0 {
		t.Error("old value survived the replace")
	}
}

func TestReplaceParameters_IsolatesLogicalResources(t *testing.T) {
	conn := openWriterDB(t)
	w := newWriter(0)
	ctx := context.Background()

	if err := w.ReplaceParameters(ctx, conn, "t1", 1, "Patient", []index.ParameterValue{strValue("family", "Doe", "doe")}); err != nil {
		t.Fatal(err)
	}
	if err := w.ReplaceParameters(ctx, conn, "t1", 2, "Patient", []index.ParameterValue{strValue("family", "Smith", "smith")}); err != nil {
		t.Fatal(err)
	}
	// Rewriting resource 1 must not disturb resource 2.
	if err := w.ReplaceParameters(ctx, conn, "t1", 1, "Patient", nil); err != nil {
		t.Fatal(err)
	}
	if n := countWhere(t, conn, "patient_str_values", "logical_resource_id = 1"); n != 0 {
		t.Errorf("resource 1 rows not removed: %d", n)
	}
	if n := countWhere(t, conn, "patient_str_values", "logical_resource_id = 2"); n != 1 {
		t.Errorf("resource 2 rows disturbed: %d", n)
	}
}

func TestReplaceParameters_AllValueTypes(t *testing.T) {
	conn := openWriterDB(t)
	w := newWriter(0)
	ctx := context.Background()

	start, end, err := index.ParseDateRange("2020-06-01")
	if err != nil {
		t.Fatal(err)
	}
	numValue, numLow, numHigh, err := index.DecimalRange("100")
	if err != nil {
		t.Fatal(err)
	}
	version := 2
	values := []index.ParameterValue{
		strValue("family", "Doe", "doe"),
		index.URIValue{Base: index.Base{ParamCode: "url"}, Value: "http://example.org/x"},
		index.DateValue{Base: index.Base{ParamCode: "birthdate"}, Start: start, End: end},
		index.NumberValue{Base: index.Base{ParamCode: "probability"}, Value: numValue, Low: numLow, High: numHigh},
		index.QuantityValue{Base: index.Base{ParamCode: "value-quantity"},
			CodeSystem: "http://unitsofmeasure.org", UnitCode: "mg",
			Value: numValue, Low: numLow, High: numHigh},
		index.TokenValue{Base: index.Base{ParamCode: "identifier"}, Kind: index.TokenPlain,
			TokenSystem: "http://example.org/mrn", TokenValue: "12345"},
		index.ReferenceValue{Base: index.Base{ParamCode: "organization"},
			TargetType: "Organization", TargetID: "org1", TargetVersion: &version},
		index.ProfileValue{Base: index.Base{ParamCode: "_profile", System: true},
			URL: "http://example.org/StructureDefinition/p", Version: "1.0"},
	}
	if err := w.ReplaceParameters(ctx, conn, "t1", 5, "Patient", values); err != nil {
		t.Fatalf("write: %v", err)
	}

	for table, want := range map[string]int{
		"patient_str_values":          2, // string + uri
		"patient_date_values":         1,
		"patient_number_values":       1,
		"patient_quantity_values":     1,
		"patient_resource_token_refs": 1,
		"patient_ref_values":          1,
		"patient_profiles":            1,
	} {
		if n := countWhere(t, conn, table, "logical_resource_id = 5"); n != want {
			t.Errorf("%s: got %d rows, want %d", table, n, want)
		}
	}

	// The date range round-trips as microseconds.
	if n := countWhere(t, conn, "patient_date_values", "date_start = ? AND date_end = ?", start.UnixMicro(), end.UnixMicro()); n != 1 {
		t.Error("date bounds not stored as expected")
	}
	// Decimal bounds keep their plain-text precision.
	if n := countWhere(t, conn, "patient_number_values", "number_value_low = 99.5 AND number_value_high = 100.5"); n != 1 {
		t.Error("implicit number range not stored as expected")
	}
}

func TestReplaceParameters_WholeSystemMirroring(t *testing.T) {
	conn := openWriterDB(t)
	w := newWriter(0)
	ctx := context.Background()

	values := []index.ParameterValue{
		index.TokenValue{Base: index.Base{ParamCode: "_tag", System: true}, Kind: index.TokenTag,
			TokenSystem: "http://example.org/tags", TokenValue: "test"},
		strValue("family", "Doe", "doe"), // not whole-system
	}
	if err := w.ReplaceParameters(ctx, conn, "t1", 9, "Patient", values); err != nil {
		t.Fatalf("write: %v", err)
	}

	if n := countWhere(t, conn, "patient_resource_token_refs", "logical_resource_id = 9"); n != 1 {
		t.Errorf("typed token row: got %d", n)
	}
	if n := countWhere(t, conn, "resource_token_refs", "logical_resource_id = 9"); n != 1 {
		t.Errorf("whole-system mirror row: got %d", n)
	}
	if n := countWhere(t, conn, "str_values", "logical_resource_id = 9"); n != 0 {
		t.Errorf("non-whole-system value must not be mirrored: got %d", n)
	}
}

func TestReplaceParameters_Batching(t *testing.T) {
	conn := openWriterDB(t)
	w := newWriter(10)
	ctx := context.Background()

	var values []index.ParameterValue
	for i := 0; i < 105; i++ {
		values = append(values, strValue("given", fmt.Sprintf("name-%03d", i), fmt.Sprintf("name-%03d", i)))
	}
	if err := w.ReplaceParameters(ctx, conn, "t1", 3, "Patient", values); err != nil {
		t.Fatalf("write: %v", err)
	}
	if n := countWhere(t, conn, "patient_str_values", "logical_resource_id = 3"); n != 105 {
		t.Errorf("expected 105 rows across batches, got %d", n)
	}
}
