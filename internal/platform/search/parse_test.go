package search

import (
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/LinuxForHealth/FHIR-sub122/internal/platform/index"
)

func testRegistry(t *testing.T) *index.Registry {
	t.Helper()
	reg := index.NewRegistry()
	register := func(rt string, def index.Definition) {
		if err := reg.Register(rt, def); err != nil {
			t.Fatalf("register %s/%s: %v", rt, def.Code, err)
		}
	}

	register("Patient", index.Definition{Code: "family", Type: index.TypeString, Expression: "Patient.name.family"})
	register("Patient", index.Definition{Code: "given", Type: index.TypeString, Expression: "Patient.name.given"})
	register("Patient", index.Definition{Code: "birthdate", Type: index.TypeDate, Expression: "Patient.birthDate"})
	register("Patient", index.Definition{Code: "identifier", Type: index.TypeToken, Expression: "Patient.identifier"})
	register("Patient", index.Definition{
		Code: "general-practitioner", Type: index.TypeReference,
		Expression: "Patient.generalPractitioner",
		Targets:    []string{"Practitioner", "Organization"},
	})
	register("Patient", index.Definition{
		Code: "organization", Type: index.TypeReference,
		Expression: "Patient.managingOrganization",
		Targets:    []string{"Organization"},
	})

	register("Observation", index.Definition{Code: "code", Type: index.TypeToken, Expression: "Observation.code"})
	register("Observation", index.Definition{Code: "probability", Type: index.TypeNumber, Expression: "Observation.probability"})
	register("Observation", index.Definition{Code: "value-quantity", Type: index.TypeQuantity, Expression: "Observation.valueQuantity"})
	register("Observation", index.Definition{
		Code: "subject", Type: index.TypeReference,
		Expression: "Observation.subject",
		Targets:    []string{"Patient"},
	})
	register("Observation", index.Definition{
		Code: "code-value-quantity", Type: index.TypeComposite,
		Expression: "Observation",
		Components: []index.Component{
			{Code: "code", Type: index.TypeToken},
			{Code: "value-quantity", Type: index.TypeQuantity},
		},
	})

	register("Practitioner", index.Definition{Code: "name", Type: index.TypeString, Expression: "Practitioner.name"})
	return reg
}

func mustParse(t *testing.T, reg *index.Registry, resourceType, rawQuery string, opts Options) *Context {
	t.Helper()
	query, err := url.ParseQuery(rawQuery)
	if err != nil {
		t.Fatalf("bad query %q: %v", rawQuery, err)
	}
	sctx, err := Parse(reg, resourceType, query, opts)
	if err != nil {
		t.Fatalf("parse %q: %v", rawQuery, err)
	}
	return sctx
}

func TestParse_AndOrStructure(t *testing.T) {
	reg := testRegistry(t)
	sctx := mustParse(t, reg, "Patient", "family=Doe&given=John,Jane,John", Options{})

	if len(sctx.Parameters) != 2 {
		t.Fatalf("expected 2 AND parameters, got %d", len(sctx.Parameters))
	}
	// Sorted parameter names: family before given.
	if sctx.Parameters[0].Code != "family" || len(sctx.Parameters[0].Values) != 1 {
		t.Errorf("family: %+v", sctx.Parameters[0])
	}
	given := sctx.Parameters[1]
	if given.Code != "given" {
		t.Fatalf("expected given second, got %q", given.Code)
	}
	if len(given.Values) != 2 {
		t.Errorf("duplicate OR values must collapse: got %d values", len(given.Values))
	}
}

func TestParse_UnknownParameterHandling(t *testing.T) {
	reg := testRegistry(t)
	query := url.Values{"nosuch": []string{"x"}}

	_, err := Parse(reg, "Patient", query, Options{Handling: HandlingStrict})
	var invalid *InvalidParameterError
	if !errors.As(err, &invalid) {
		t.Fatalf("strict handling must reject: got %v", err)
	}
	if invalid.Name != "nosuch" {
		t.Errorf("error names %q", invalid.Name)
	}

	sctx, err := Parse(reg, "Patient", query, Options{Handling: HandlingLenient})
	if err != nil {
		t.Fatalf("lenient handling must not fail: %v", err)
	}
	if len(sctx.Parameters) != 0 {
		t.Error("lenient handling must drop the parameter")
	}
	if len(sctx.Issues) != 1 {
		t.Fatalf("expected 1 advisory issue, got %d", len(sctx.Issues))
	}
}

func TestParse_Modifiers(t *testing.T) {
	reg := testRegistry(t)

	sctx := mustParse(t, reg, "Patient", "family:exact=Doe", Options{Handling: HandlingStrict})
	if sctx.Parameters[0].Modifier != ModifierExact {
		t.Errorf("modifier: got %q", sctx.Parameters[0].Modifier)
	}

	// :contains is a string modifier; rejecting it on a token is strict-fatal.
	query := url.Values{"identifier:contains": []string{"x"}}
	if _, err := Parse(reg, "Patient", query, Options{Handling: HandlingStrict}); err == nil {
		t.Error("token parameter must not accept :contains")
	}

	// Reference type modifier becomes the target type.
	sctx = mustParse(t, reg, "Patient", "general-practitioner:Practitioner=abc", Options{Handling: HandlingStrict})
	p := sctx.Parameters[0]
	if p.Modifier != ModifierType || p.TargetType != "Practitioner" {
		t.Errorf("type modifier: %+v", p)
	}
	if _, err := Parse(reg, "Patient", url.Values{"general-practitioner:Device": []string{"d1"}}, Options{Handling: HandlingStrict}); err == nil {
		t.Error("disallowed target type must be rejected")
	}
}

func TestParse_MissingModifier(t *testing.T) {
	reg := testRegistry(t)

	sctx := mustParse(t, reg, "Patient", "birthdate:missing=true", Options{Handling: HandlingStrict})
	p := sctx.Parameters[0]
	if p.Missing == nil || !*p.Missing {
		t.Fatalf("expected missing=true, got %+v", p)
	}
	if len(p.Values) != 0 {
		t.Error(":missing must not carry values")
	}

	if _, err := Parse(reg, "Patient", url.Values{"birthdate:missing": []string{"maybe"}}, Options{Handling: HandlingStrict}); err == nil {
		t.Error("non-boolean :missing value must be rejected")
	}
}

func TestParse_TokenPipeForms(t *testing.T) {
	reg := testRegistry(t)
	sctx := mustParse(t, reg, "Observation",
		"code=a,http://loinc.org|b,|c,http://loinc.org|", Options{Handling: HandlingStrict})

	vals := sctx.Parameters[0].Values
	if len(vals) != 4 {
		t.Fatalf("expected 4 OR values, got %d", len(vals))
	}
	if vals[0].System != nil || vals[0].Code != "a" {
		t.Errorf("bare code: %+v", vals[0])
	}
	if vals[1].System == nil || *vals[1].System != "http://loinc.org" || vals[1].Code != "b" {
		t.Errorf("system|code: %+v", vals[1])
	}
	if vals[2].System == nil || *vals[2].System != "" || vals[2].Code != "c" {
		t.Errorf("|code must keep an explicit empty system: %+v", vals[2])
	}
	if vals[3].System == nil || vals[3].Code != "" {
		t.Errorf("system|: %+v", vals[3])
	}
}

func TestParse_DatePrefixAndRange(t *testing.T) {
	reg := testRegistry(t)
	sctx := mustParse(t, reg, "Patient", "birthdate=ge2020", Options{Handling: HandlingStrict})

	v := sctx.Parameters[0].Values[0]
	if v.Prefix != PrefixGe {
		t.Errorf("prefix: got %q", v.Prefix)
	}
	wantStart := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	wantEnd := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	if !v.DateStart.Equal(wantStart) || !v.DateEnd.Equal(wantEnd) {
		t.Errorf("partial year must expand to [%v, %v), got [%v, %v)", wantStart, wantEnd, v.DateStart, v.DateEnd)
	}

	if _, err := Parse(reg, "Patient", url.Values{"birthdate": []string{"notadate"}}, Options{Handling: HandlingStrict}); err == nil {
		t.Error("unparseable date must be rejected")
	}
}

func TestParse_Chain(t *testing.T) {
	reg := testRegistry(t)
	sctx := mustParse(t, reg, "Observation", "subject:Patient.family=Doe", Options{Handling: HandlingStrict})

	p := sctx.Parameters[0]
	if p.Code != "subject" || p.TargetType != "Patient" || p.Chain == nil {
		t.Fatalf("chain head: %+v", p)
	}
	if p.Chain.Code != "family" || p.Chain.Type != index.TypeString {
		t.Errorf("chain leaf: %+v", p.Chain)
	}

	// Single-target references chain without a qualifier.
	sctx = mustParse(t, reg, "Observation", "subject.family=Doe", Options{Handling: HandlingStrict})
	if sctx.Parameters[0].TargetType != "Patient" {
		t.Errorf("implicit target: %+v", sctx.Parameters[0])
	}

	// Multi-target references require one.
	if _, err := Parse(reg, "Patient", url.Values{"general-practitioner.name": []string{"x"}}, Options{Handling: HandlingStrict}); err == nil {
		t.Error("ambiguous chain must be rejected")
	}
}

func TestParse_Has(t *testing.T) {
	reg := testRegistry(t)
	sctx := mustParse(t, reg, "Patient", "_has:Observation:subject:code=1234", Options{Handling: HandlingStrict})

	p := sctx.Parameters[0]
	if len(p.Has) != 1 || p.Has[0].TargetType != "Observation" || p.Has[0].RefParam != "subject" {
		t.Fatalf("has hops: %+v", p.Has)
	}
	if p.Code != "code" || p.Type != index.TypeToken || len(p.Values) != 1 {
		t.Errorf("has leaf: %+v", p)
	}

	if _, err := Parse(reg, "Patient", url.Values{"_has:Observation:code:code": []string{"x"}}, Options{Handling: HandlingStrict}); err == nil {
		t.Error("_has through a non-reference parameter must be rejected")
	}
}

func TestParse_CompositeValue(t *testing.T) {
	reg := testRegistry(t)
	sctx := mustParse(t, reg, "Observation",
		"code-value-quantity=http://loinc.org|8480-6$gt100", Options{Handling: HandlingStrict})

	p := sctx.Parameters[0]
	if len(p.Components) != 2 {
		t.Fatalf("components: %+v", p.Components)
	}
	v := p.Values[0]
	if len(v.Components) != 2 {
		t.Fatalf("component values: %+v", v.Components)
	}
	if v.Components[0].System == nil || v.Components[0].Code != "8480-6" {
		t.Errorf("token component: %+v", v.Components[0])
	}
	if v.Components[1].Prefix != PrefixGt {
		t.Errorf("quantity component prefix: %+v", v.Components[1])
	}

	if _, err := Parse(reg, "Observation", url.Values{"code-value-quantity": []string{"onlyone"}}, Options{Handling: HandlingStrict}); err == nil {
		t.Error("component count mismatch must be rejected")
	}
}

func TestParse_ControlParameters(t *testing.T) {
	reg := testRegistry(t)
	sctx := mustParse(t, reg, "Patient",
		"_count=500&_page=3&_sort=-birthdate,family&_include=Patient:organization&_elements=name,birthDate",
		Options{MaxPageSize: 100})

	if sctx.Count != 100 {
		t.Errorf("_count must clamp to the max page size, got %d", sctx.Count)
	}
	if sctx.Page != 3 {
		t.Errorf("page: got %d", sctx.Page)
	}
	if len(sctx.Sort) != 2 || !sctx.Sort[0].Descending || sctx.Sort[0].Code != "birthdate" {
		t.Errorf("sort: %+v", sctx.Sort)
	}
	if len(sctx.Includes) != 1 || sctx.Includes[0].Param != "organization" {
		t.Errorf("include: %+v", sctx.Includes)
	}
	if len(sctx.Elements) != 2 {
		t.Errorf("elements: %+v", sctx.Elements)
	}
	if len(sctx.Parameters) != 0 {
		t.Errorf("control parameters must not become search predicates: %+v", sctx.Parameters)
	}
}

func TestParse_EscapedValues(t *testing.T) {
	reg := testRegistry(t)
	sctx := mustParse(t, reg, "Patient", url.Values{
		"family": []string{`Doe\,Jr,Smith`},
	}.Encode(), Options{Handling: HandlingStrict})

	vals := sctx.Parameters[0].Values
	if len(vals) != 2 {
		t.Fatalf("escaped comma must not split: %+v", vals)
	}
	if vals[0].Text != "Doe,Jr" {
		t.Errorf("unescaped text: %q", vals[0].Text)
	}
}
