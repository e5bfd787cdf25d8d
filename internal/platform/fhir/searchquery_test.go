package fhir

import (
	"net/url"
	"testing"

	"github.com/rs/zerolog"
)

func parse(t *testing.T, resourceType, rawQuery string) ([]Predicate, ResultParams) {
	t.Helper()
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		t.Fatalf("bad query %q: %v", rawQuery, err)
	}
	return ParseQuery(resourceType, values, zerolog.Nop())
}

func onePred(t *testing.T, resourceType, rawQuery string) Predicate {
	t.Helper()
	preds, _ := parse(t, resourceType, rawQuery)
	if len(preds) != 1 {
		t.Fatalf("expected 1 predicate for %q, got %d", rawQuery, len(preds))
	}
	return preds[0]
}

func TestParseQuery_TokenForms(t *testing.T) {
	p := onePred(t, "Observation", "code=http://loinc.org|8867-4")
	v := p.Values[0]
	if v.System == nil || *v.System != "http://loinc.org" || v.Code == nil || *v.Code != "8867-4" {
		t.Errorf("system|code: %+v", v)
	}

	p = onePred(t, "Observation", "code=|8867-4")
	v = p.Values[0]
	if v.System == nil || *v.System != "" || *v.Code != "8867-4" {
		t.Errorf("|code: %+v", v)
	}

	p = onePred(t, "Observation", "code=8867-4")
	v = p.Values[0]
	if v.System != nil || *v.Code != "8867-4" {
		t.Errorf("bare code: %+v", v)
	}

	p = onePred(t, "Observation", "code=http://loinc.org|")
	v = p.Values[0]
	if v.System == nil || *v.System != "http://loinc.org" || v.Code != nil {
		t.Errorf("system|: %+v", v)
	}
}

func TestParseQuery_CommaDisjunction(t *testing.T) {
	p := onePred(t, "Observation", "code=8867-4,8480-6")
	if len(p.Values) != 2 {
		t.Fatalf("expected 2 values, got %d", len(p.Values))
	}
}

func TestParseQuery_DatePrefixes(t *testing.T) {
	p := onePred(t, "Observation", "date=ge2024-02-01")
	if p.Values[0].Prefix != "ge" || p.Values[0].DatePrecision != PrecisionDay {
		t.Errorf("ge prefix: %+v", p.Values[0])
	}

	// No prefix defaults to eq.
	p = onePred(t, "Observation", "date=2024-02-01")
	if p.Values[0].Prefix != "eq" {
		t.Errorf("default prefix: %+v", p.Values[0])
	}

	// Prefix-looking literal that isn't a valid date drops the predicate.
	preds, _ := parse(t, "Observation", "date=gequux")
	if len(preds) != 0 {
		t.Errorf("invalid date should drop predicate: %+v", preds)
	}
}

func TestParseQuery_Modifiers(t *testing.T) {
	p := onePred(t, "Patient", "name:exact=Smith")
	if p.Modifier != "exact" {
		t.Errorf("exact modifier: %+v", p)
	}

	p = onePred(t, "Observation", "code:not=8867-4")
	if p.Modifier != "not" {
		t.Errorf("not modifier: %+v", p)
	}

	// Invalid modifier for the type drops the predicate.
	preds, _ := parse(t, "Patient", "name:above=Smith")
	if len(preds) != 0 {
		t.Errorf("invalid modifier should drop predicate: %+v", preds)
	}

	// Reference type restriction.
	p = onePred(t, "Observation", "subject:Patient=p1")
	if p.Modifier != "Patient" {
		t.Errorf("type modifier: %+v", p)
	}
}

func TestParseQuery_UnknownParamDropped(t *testing.T) {
	preds, _ := parse(t, "Patient", "frobnicate=yes&name=Smith")
	if len(preds) != 1 || preds[0].Name != "name" {
		t.Errorf("unknown param must drop silently: %+v", preds)
	}
}

func TestParseQuery_Chains(t *testing.T) {
	p := onePred(t, "Patient", "general-practitioner.family=House")
	if len(p.Chain) != 1 || p.Chain[0] != "family" || p.Name != "general-practitioner" {
		t.Errorf("simple chain: %+v", p)
	}

	p = onePred(t, "Observation", "subject:Patient.birthdate=1980-04-02")
	if p.Modifier != "Patient" || len(p.Chain) != 1 || p.Chain[0] != "birthdate" {
		t.Errorf("typed chain: %+v", p)
	}

	p = onePred(t, "Patient", "organization.partof.name=General")
	if len(p.Chain) != 2 || p.Chain[0] != "partof" || p.Chain[1] != "name" {
		t.Errorf("multi-level chain: %+v", p)
	}
}

func TestParseQuery_Has(t *testing.T) {
	p := onePred(t, "Patient", "_has:Observation:patient:code=8867-4")
	if p.Has == nil {
		t.Fatal("expected parsed _has")
	}
	if p.Has.RefType != "Observation" || p.Has.RefParam != "patient" || p.Has.Param != "code" {
		t.Errorf("has spec: %+v", p.Has)
	}

	p = onePred(t, "Patient", "_has:Observation:patient:_has:DiagnosticReport:result:status=final")
	if p.Has == nil || p.Has.Nested == nil {
		t.Fatal("expected nested _has")
	}
	if p.Has.Nested.RefType != "DiagnosticReport" || p.Has.Nested.Param != "status" {
		t.Errorf("nested has spec: %+v", p.Has.Nested)
	}

	preds, _ := parse(t, "Patient", "_has:Observation=broken")
	if len(preds) != 0 {
		t.Errorf("malformed _has must drop: %+v", preds)
	}
}

func TestParseQuery_Composite(t *testing.T) {
	p := onePred(t, "Observation", "code-value-quantity=http://loinc.org|8480-6$gt140")
	if p.Type != SearchParamComposite || len(p.RawValues) != 1 {
		t.Errorf("composite: %+v", p)
	}
}

func TestParseQuery_ResultParams(t *testing.T) {
	_, rp := parse(t, "Patient", "_count=20&_offset=40&_sort=-birthdate,family&_include=Patient:general-practitioner&_revinclude=Observation:patient&_summary=true&_elements=name,birthDate")
	if rp.Count != 20 || rp.Offset != 40 {
		t.Errorf("count/offset: %+v", rp)
	}
	if len(rp.Sorts) != 2 || !rp.Sorts[0].Desc || rp.Sorts[0].Param != "birthdate" || rp.Sorts[1].Param != "family" {
		t.Errorf("sorts: %+v", rp.Sorts)
	}
	if len(rp.Includes) != 1 || rp.Includes[0].SourceType != "Patient" || rp.Includes[0].SearchParam != "general-practitioner" {
		t.Errorf("includes: %+v", rp.Includes)
	}
	if len(rp.RevIncludes) != 1 || rp.RevIncludes[0].SourceType != "Observation" {
		t.Errorf("revincludes: %+v", rp.RevIncludes)
	}
	if rp.Summary != "true" || len(rp.Elements) != 2 {
		t.Errorf("summary/elements: %+v", rp)
	}
}

func TestParseQuery_UnparseableCountFallsBack(t *testing.T) {
	_, rp := parse(t, "Patient", "_count=lots")
	if rp.Count != 0 {
		t.Errorf("unparseable _count should stay zero for the default: %d", rp.Count)
	}
}

func TestParseQuery_ReferenceValueForms(t *testing.T) {
	p := onePred(t, "Observation", "subject=Patient/p1")
	if p.Values[0].RefType != "Patient" || p.Values[0].RefID != "p1" {
		t.Errorf("typed ref: %+v", p.Values[0])
	}

	p = onePred(t, "Observation", "subject=p1")
	if p.Values[0].RefType != "" || p.Values[0].RefID != "p1" {
		t.Errorf("bare ref: %+v", p.Values[0])
	}
}
