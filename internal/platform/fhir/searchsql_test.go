package fhir

import (
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func compile(t *testing.T, resourceType, rawQuery string) SearchQuery {
	t.Helper()
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		t.Fatalf("bad query: %v", err)
	}
	preds, rp := ParseQuery(resourceType, values, zerolog.Nop())
	rp.Count = resolveCount(rp.Count)
	return BuildSearchQuery(resourceType, preds, rp)
}

func TestBuildSearchQuery_Base(t *testing.T) {
	q := compile(t, "Patient", "")
	if !strings.Contains(q.SQL, "r.resource_type = $1") {
		t.Errorf("missing type filter:\n%s", q.SQL)
	}
	if !strings.Contains(q.SQL, "r.deleted = false") {
		t.Errorf("missing tombstone filter:\n%s", q.SQL)
	}
	if q.Args[0] != "Patient" {
		t.Errorf("first arg should be the type: %v", q.Args)
	}
	if !strings.Contains(q.SQL, "ORDER BY r.last_updated DESC") {
		t.Errorf("missing default order:\n%s", q.SQL)
	}
	// Count query carries no limit/offset binds.
	if len(q.CountArgs) != len(q.Args)-2 {
		t.Errorf("count args mismatch: %d vs %d", len(q.CountArgs), len(q.Args))
	}
}

func TestBuildSearchQuery_IDClause(t *testing.T) {
	q := compile(t, "Patient", "_id=p1")
	if !strings.Contains(q.SQL, "r.fhir_id = $2") {
		t.Errorf("_id should compile against the resource table:\n%s", q.SQL)
	}
	if strings.Contains(q.SQL, "LEFT JOIN") {
		t.Errorf("_id must not join the index:\n%s", q.SQL)
	}
}

func TestBuildSearchQuery_TokenJoin(t *testing.T) {
	q := compile(t, "Observation", "code=http://loinc.org|8867-4")
	if !strings.Contains(q.SQL, "LEFT JOIN fhir.search_params sp1 ON sp1.resource_id = r.id") {
		t.Errorf("expected index join:\n%s", q.SQL)
	}
	if !strings.Contains(q.SQL, "sp1.value_token_system = $") || !strings.Contains(q.SQL, "sp1.value_token_code = $") {
		t.Errorf("expected system+code match:\n%s", q.SQL)
	}

	// Empty system means IS NULL.
	q = compile(t, "Observation", "code=%7C8867-4")
	if !strings.Contains(q.SQL, "value_token_system IS NULL") {
		t.Errorf("|code should require null system:\n%s", q.SQL)
	}

	// :not inverts the disjunction.
	q = compile(t, "Observation", "code:not=8867-4")
	if !strings.Contains(q.SQL, "NOT (") {
		t.Errorf(":not should invert:\n%s", q.SQL)
	}
}

func TestBuildSearchQuery_DateHalfOpen(t *testing.T) {
	q := compile(t, "Observation", "date=2024-02")
	if !strings.Contains(q.SQL, "value_date >= $") || !strings.Contains(q.SQL, "value_date < $") {
		t.Errorf("eq should compile to half-open interval:\n%s", q.SQL)
	}
	var start, end time.Time
	for _, a := range q.Args {
		if tv, ok := a.(time.Time); ok {
			if start.IsZero() {
				start = tv
			} else {
				end = tv
			}
		}
	}
	if start.Month() != 2 || end.Month() != 3 {
		t.Errorf("month interval wrong: %v .. %v", start, end)
	}

	q = compile(t, "Observation", "date=ge2024-02-01&date=lt2024-03-01")
	if strings.Count(q.SQL, "value_date") < 2 {
		t.Errorf("two date predicates should conjoin:\n%s", q.SQL)
	}
}

func TestBuildSearchQuery_ReferenceForms(t *testing.T) {
	q := compile(t, "Observation", "patient=p1")
	for _, want := range []string{"value_reference = $", "value_string = $"} {
		if !strings.Contains(q.SQL, want) {
			t.Errorf("missing %q:\n%s", want, q.SQL)
		}
	}
	hasURN := false
	for _, a := range q.Args {
		if s, ok := a.(string); ok && s == "urn:uuid:p1" {
			hasURN = true
		}
	}
	if !hasURN {
		t.Errorf("reference search must cover urn form: %v", q.Args)
	}
}

func TestBuildSearchQuery_TypedReferenceEnforcesPrefix(t *testing.T) {
	for _, query := range []string{"subject=Patient/123", "subject:Patient=123"} {
		q := compile(t, "Observation", query)
		hasTyped, hasURN, hasBare := false, false, false
		for _, a := range q.Args {
			switch a {
			case "Patient/123":
				hasTyped = true
			case "urn:uuid:123":
				hasURN = true
			case "123":
				hasBare = true
			}
		}
		if !hasTyped || !hasURN {
			t.Errorf("%s: typed search must bind the full forms: %v", query, q.Args)
		}
		// The bare id in value_reference is type-less; a typed query
		// binding it would match same-id references to other types.
		if hasBare {
			t.Errorf("%s: typed search must not bind the bare id: %v", query, q.Args)
		}
		if strings.Contains(q.SQL, "value_reference = $") {
			t.Errorf("%s: typed search must not touch value_reference:\n%s", query, q.SQL)
		}
	}
}

func TestBuildSearchQuery_QuantityUsesJSON(t *testing.T) {
	q := compile(t, "Observation", "value-quantity=gt140")
	if !strings.Contains(q.SQL, "r.resource->'valueQuantity'->>'value'") {
		t.Errorf("quantity must compare the JSON path:\n%s", q.SQL)
	}
	if !strings.Contains(q.SQL, "::numeric >") {
		t.Errorf("gt prefix lost:\n%s", q.SQL)
	}
}

func TestBuildSearchQuery_Chain(t *testing.T) {
	q := compile(t, "Patient", "general-practitioner.family=House")
	if !strings.Contains(q.SQL, "EXISTS (SELECT 1 FROM fhir.resources") {
		t.Errorf("chain should nest EXISTS:\n%s", q.SQL)
	}
	hasTarget := false
	for _, a := range q.Args {
		if a == "Practitioner" {
			hasTarget = true
		}
	}
	if !hasTarget {
		t.Errorf("chain target type missing from args: %v", q.Args)
	}
}

func TestBuildSearchQuery_MultiLevelChain(t *testing.T) {
	q := compile(t, "Patient", "organization.partof.name=General")
	if strings.Count(q.SQL, "EXISTS (SELECT 1 FROM fhir.resources") < 2 {
		t.Errorf("two-level chain should nest two resource subqueries:\n%s", q.SQL)
	}
}

func TestBuildSearchQuery_Has(t *testing.T) {
	q := compile(t, "Patient", "_has:Observation:patient:code=8867-4")
	if !strings.Contains(q.SQL, "EXISTS (SELECT 1 FROM fhir.resources") {
		t.Errorf("_has should nest EXISTS:\n%s", q.SQL)
	}
	if !strings.Contains(q.SQL, "r.resource_type || '/' || r.fhir_id") {
		t.Errorf("_has back-reference condition missing:\n%s", q.SQL)
	}
}

func TestBuildSearchQuery_Composite(t *testing.T) {
	q := compile(t, "Observation", "code-value-quantity=http://loinc.org|8480-6$gt140")
	if !strings.Contains(q.SQL, "r.resource->'code'->'coding'") {
		t.Errorf("composite code side missing:\n%s", q.SQL)
	}
	if !strings.Contains(q.SQL, "r.resource->'valueQuantity'->>'value'") {
		t.Errorf("composite quantity side missing:\n%s", q.SQL)
	}
	if !strings.Contains(q.SQL, " AND ") {
		t.Errorf("composite parts must conjoin:\n%s", q.SQL)
	}
}

func TestBuildSearchQuery_Sort(t *testing.T) {
	q := compile(t, "Patient", "_sort=-birthdate")
	if !strings.Contains(q.SQL, "MAX(sv.value_date)") {
		t.Errorf("descending date sort should take MAX:\n%s", q.SQL)
	}
	if !strings.Contains(q.SQL, "DESC NULLS LAST") {
		t.Errorf("sort direction missing:\n%s", q.SQL)
	}
	// Ties still break on last_updated.
	if !strings.Contains(q.SQL, "r.last_updated DESC") {
		t.Errorf("tie-break missing:\n%s", q.SQL)
	}
	// The count query ignores sort and stays valid.
	if strings.Contains(q.CountSQL, "sortv") {
		t.Errorf("count query must not reference sort columns:\n%s", q.CountSQL)
	}
}

func TestBuildSearchQuery_UnknownSortDegrades(t *testing.T) {
	q := compile(t, "Patient", "_sort=frobnicate")
	if strings.Contains(q.SQL, "frobnicate") {
		t.Errorf("unknown sort param should degrade to default order:\n%s", q.SQL)
	}
}

func TestBuildSearchQuery_Missing(t *testing.T) {
	q := compile(t, "Patient", "birthdate:missing=true")
	if !strings.Contains(q.SQL, "NOT EXISTS (SELECT 1 FROM fhir.search_params") {
		t.Errorf(":missing=true should compile NOT EXISTS:\n%s", q.SQL)
	}
}

func TestBuildSearchQuery_Near(t *testing.T) {
	q := compile(t, "Location", "near=42.36|-71.06|10|km")
	if !strings.Contains(q.SQL, "ASIN(SQRT(") {
		t.Errorf("near should compile the Haversine distance:\n%s", q.SQL)
	}

	q = compile(t, "Location", "near=garbage")
	if !strings.Contains(q.SQL, "1=0") {
		t.Errorf("unusable near value should match nothing:\n%s", q.SQL)
	}
}

func TestBuildSearchQuery_PagingBinds(t *testing.T) {
	q := compile(t, "Patient", "_count=10&_offset=20")
	last := q.Args[len(q.Args)-1]
	secondLast := q.Args[len(q.Args)-2]
	if secondLast != 10 || last != 20 {
		t.Errorf("limit/offset binds wrong: %v %v", secondLast, last)
	}
}
