package fhir

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// IndexRow is one typed entry of the search index. Exactly the value
// columns matching ParamType are set; the rest stay NULL.
type IndexRow struct {
	ParamName      string
	ParamType      SearchParamType
	ValueString    *string
	ValueNumber    *float64
	ValueDate      *time.Time
	TokenSystem    *string
	TokenCode      *string
	ValueReference *string
}

// Indexer walks resources and emits the index rows covering each resource
// type's declared parameter set. It is the single source of truth for a
// type's search semantics; searchparams.go declares what it emits.
type Indexer struct {
	log zerolog.Logger
}

func NewIndexer(log zerolog.Logger) *Indexer {
	return &Indexer{log: log}
}

// Extract produces the full row set for one resource. The caller replaces
// the previous row set atomically with the blob write; Extract never
// merges. Unparseable field values are logged and skipped, never fatal.
func (ix *Indexer) Extract(resourceType string, res map[string]interface{}) []IndexRow {
	rs := &rowSet{log: ix.log, resourceType: resourceType}

	// Common parameters carried by every resource.
	rs.token("_id", "", stringValue(res, "id"))
	if meta := mapValue(res, "meta"); meta != nil {
		rs.date("_lastUpdated", stringValue(meta, "lastUpdated"))
		for _, p := range sliceValue(meta, "profile") {
			if s, ok := p.(string); ok {
				rs.str("_profile", s)
			}
		}
	}

	if fn, ok := extractors[resourceType]; ok {
		fn(rs, res)
	}
	return rs.rows
}

// rowSet accumulates rows; its methods silently drop empty values so the
// extractors read as straight-line field lists.
type rowSet struct {
	log          zerolog.Logger
	resourceType string
	rows         []IndexRow
}

func (rs *rowSet) str(name, value string) {
	if value == "" {
		return
	}
	v := value
	rs.rows = append(rs.rows, IndexRow{ParamName: name, ParamType: SearchParamString, ValueString: &v})
}

func (rs *rowSet) token(name, system, code string) {
	if code == "" && system == "" {
		return
	}
	row := IndexRow{ParamName: name, ParamType: SearchParamToken}
	if system != "" {
		s := system
		row.TokenSystem = &s
	}
	if code != "" {
		c := code
		row.TokenCode = &c
	}
	rs.rows = append(rs.rows, row)
}

// concept emits one token row per coding of a CodeableConcept (or a
// bare code string). A lone text does not index.
func (rs *rowSet) concept(name string, value interface{}) {
	switch v := value.(type) {
	case string:
		rs.token(name, "", v)
	case map[string]interface{}:
		for _, c := range sliceValue(v, "coding") {
			if coding, ok := c.(map[string]interface{}); ok {
				rs.token(name, stringValue(coding, "system"), stringValue(coding, "code"))
			}
		}
	case []interface{}:
		for _, item := range v {
			rs.concept(name, item)
		}
	}
}

func (rs *rowSet) date(name, raw string) {
	if raw == "" {
		return
	}
	t, _, err := ParseFHIRDate(raw)
	if err != nil {
		rs.log.Warn().Str("resource_type", rs.resourceType).Str("param", name).Str("value", raw).
			Msg("skipping unparseable date")
		return
	}
	rs.rows = append(rs.rows, IndexRow{ParamName: name, ParamType: SearchParamDate, ValueDate: &t})
}

// datePoint indexes the first present of a dateTime field or a period's
// start, covering the effective[x]/performed[x]/onset[x] patterns.
func (rs *rowSet) datePoint(name string, res map[string]interface{}, fields ...string) {
	for _, f := range fields {
		if s := stringValue(res, f); s != "" {
			rs.date(name, s)
			return
		}
		if p := mapValue(res, f); p != nil {
			if s := stringValue(p, "start"); s != "" {
				rs.date(name, s)
				return
			}
		}
	}
}

// reference emits the dual rows for one reference value: the bare id in
// value_reference and the full Type/id or urn:uuid form in value_string,
// under each of the given parameter names.
func (rs *rowSet) reference(value, field string, names ...string) {
	if value == "" || strings.HasPrefix(value, "#") {
		return
	}
	ref := ParseReference(value, field)
	if ref.ID == "" {
		return
	}
	full := value
	if ref.Kind == RefURL {
		full = ref.Type + "/" + ref.ID
	}
	for _, name := range names {
		id := ref.ID
		f := full
		rs.rows = append(rs.rows, IndexRow{
			ParamName:      name,
			ParamType:      SearchParamReference,
			ValueReference: &id,
			ValueString:    &f,
		})
	}
}

// refField indexes a Reference-typed field (single or array) under the
// given parameter names.
func (rs *rowSet) refField(res map[string]interface{}, field string, names ...string) {
	switch v := res[field].(type) {
	case map[string]interface{}:
		rs.reference(stringValue(v, "reference"), field, names...)
	case []interface{}:
		for _, item := range v {
			if obj, ok := item.(map[string]interface{}); ok {
				rs.reference(stringValue(obj, "reference"), field, names...)
			}
		}
	}
}

// subjectRef indexes subject under both "subject" and "patient" when the
// target is (or is inferred to be) a Patient, so urn-form Synthea
// references match patient searches.
func (rs *rowSet) subjectRef(res map[string]interface{}) {
	subject := mapValue(res, "subject")
	if subject == nil {
		return
	}
	value := stringValue(subject, "reference")
	ref := ParseReference(value, "subject")
	if ref.Type == "Patient" {
		rs.reference(value, "subject", "subject", "patient")
		return
	}
	rs.reference(value, "subject", "subject")
}

func (rs *rowSet) number(name string, value float64) {
	v := value
	rs.rows = append(rs.rows, IndexRow{ParamName: name, ParamType: SearchParamNumber, ValueNumber: &v})
}

func (rs *rowSet) quantity(name string, q map[string]interface{}) {
	if q == nil {
		return
	}
	value, ok := numberValue(q, "value")
	if !ok {
		return
	}
	v := value
	row := IndexRow{ParamName: name, ParamType: SearchParamQuantity, ValueNumber: &v}
	if unit := stringValue(q, "unit"); unit != "" {
		u := unit
		row.ValueString = &u
	}
	if system := stringValue(q, "system"); system != "" {
		s := system
		row.TokenSystem = &s
	}
	if code := stringValue(q, "code"); code != "" {
		c := code
		row.TokenCode = &c
	}
	rs.rows = append(rs.rows, row)
}

func (rs *rowSet) identifiers(res map[string]interface{}) {
	for _, item := range sliceValue(res, "identifier") {
		if id, ok := item.(map[string]interface{}); ok {
			rs.token("identifier", stringValue(id, "system"), stringValue(id, "value"))
		}
	}
}

func (rs *rowSet) telecom(res map[string]interface{}) {
	for _, item := range sliceValue(res, "telecom") {
		cp, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		switch stringValue(cp, "system") {
		case "phone":
			rs.token("phone", "", stringValue(cp, "value"))
		case "email":
			rs.token("email", "", stringValue(cp, "value"))
		}
	}
}

func (rs *rowSet) humanNames(res map[string]interface{}) {
	for _, item := range sliceValue(res, "name") {
		name, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		family := stringValue(name, "family")
		rs.str("family", family)
		var givens []string
		for _, g := range sliceValue(name, "given") {
			if s, ok := g.(string); ok {
				rs.str("given", s)
				givens = append(givens, s)
			}
		}
		if text := stringValue(name, "text"); text != "" {
			rs.str("name", text)
		} else if family != "" || len(givens) > 0 {
			rs.str("name", strings.TrimSpace(strings.Join(append(givens, family), " ")))
		}
	}
}

func (rs *rowSet) addresses(res map[string]interface{}) {
	for _, item := range sliceValue(res, "address") {
		addr, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		var parts []string
		for _, l := range sliceValue(addr, "line") {
			if s, ok := l.(string); ok {
				parts = append(parts, s)
			}
		}
		for _, f := range []string{"city", "state", "postalCode", "country"} {
			if s := stringValue(addr, f); s != "" {
				parts = append(parts, s)
			}
		}
		rs.str("address", strings.Join(parts, " "))
		rs.str("address-city", stringValue(addr, "city"))
	}
}

// extractors dispatches per resource type; each function is a flat list
// of the type's declared parameters.
var extractors = map[string]func(*rowSet, map[string]interface{}){
	"Patient":                  extractPatient,
	"Practitioner":             extractPractitioner,
	"Organization":             extractOrganization,
	"PractitionerRole":         extractPractitionerRole,
	"Location":                 extractLocation,
	"Encounter":                extractEncounter,
	"Observation":              extractObservation,
	"Condition":                extractCondition,
	"Procedure":                extractProcedure,
	"Medication":               extractMedication,
	"MedicationRequest":        extractMedicationRequest,
	"MedicationAdministration": extractMedicationAdministration,
	"MedicationDispense":       extractMedicationDispense,
	"AllergyIntolerance":       extractAllergyIntolerance,
	"Immunization":             extractImmunization,
	"DiagnosticReport":         extractDiagnosticReport,
	"ImagingStudy":             extractImagingStudy,
	"DocumentReference":        extractDocumentReference,
	"ServiceRequest":           extractServiceRequest,
	"CarePlan":                 extractCarePlan,
	"CareTeam":                 extractCareTeam,
	"Device":                   extractDevice,
	"Coverage":                 extractCoverage,
	"Claim":                    extractClaim,
	"ExplanationOfBenefit":     extractExplanationOfBenefit,
	"SupplyDelivery":           extractSupplyDelivery,
	"Provenance":               extractProvenance,
	"Goal":                     extractGoal,
}

func extractPatient(rs *rowSet, res map[string]interface{}) {
	rs.identifiers(res)
	rs.humanNames(res)
	rs.addresses(res)
	rs.telecom(res)
	rs.token("gender", "", stringValue(res, "gender"))
	rs.date("birthdate", stringValue(res, "birthDate"))
	rs.refField(res, "generalPractitioner", "general-practitioner")
	rs.refField(res, "managingOrganization", "organization")
}

func extractPractitioner(rs *rowSet, res map[string]interface{}) {
	rs.identifiers(res)
	rs.humanNames(res)
	rs.addresses(res)
	rs.telecom(res)
	rs.token("gender", "", stringValue(res, "gender"))
	if active, ok := res["active"].(bool); ok {
		rs.token("active", "", fmt.Sprintf("%t", active))
	}
}

func extractOrganization(rs *rowSet, res map[string]interface{}) {
	rs.identifiers(res)
	rs.str("name", stringValue(res, "name"))
	rs.addresses(res)
	rs.concept("type", res["type"])
	if active, ok := res["active"].(bool); ok {
		rs.token("active", "", fmt.Sprintf("%t", active))
	}
	rs.refField(res, "partOf", "partof")
}

func extractPractitionerRole(rs *rowSet, res map[string]interface{}) {
	rs.identifiers(res)
	rs.refField(res, "practitioner", "practitioner")
	rs.refField(res, "organization", "organization")
	rs.refField(res, "location", "location")
	rs.concept("specialty", res["specialty"])
	rs.concept("role", res["code"])
	if active, ok := res["active"].(bool); ok {
		rs.token("active", "", fmt.Sprintf("%t", active))
	}
}

func extractLocation(rs *rowSet, res map[string]interface{}) {
	rs.identifiers(res)
	rs.str("name", stringValue(res, "name"))
	rs.token("status", "", stringValue(res, "status"))
	rs.concept("type", res["type"])
	rs.refField(res, "managingOrganization", "organization")
	rs.refField(res, "partOf", "partof")
	if addr := mapValue(res, "address"); addr != nil {
		var parts []string
		for _, l := range sliceValue(addr, "line") {
			if s, ok := l.(string); ok {
				parts = append(parts, s)
			}
		}
		for _, f := range []string{"city", "state", "postalCode", "country"} {
			if s := stringValue(addr, f); s != "" {
				parts = append(parts, s)
			}
		}
		rs.str("address", strings.Join(parts, " "))
		rs.str("address-city", stringValue(addr, "city"))
	}
	// Location.near rows hold "lat,lon"; the compiler applies the
	// Haversine distance at query time.
	if pos := mapValue(res, "position"); pos != nil {
		lat, okLat := numberValue(pos, "latitude")
		lon, okLon := numberValue(pos, "longitude")
		if okLat && okLon {
			v := fmt.Sprintf("%g,%g", lat, lon)
			rs.rows = append(rs.rows, IndexRow{ParamName: "near", ParamType: SearchParamSpecial, ValueString: &v})
		}
	}
}

func extractEncounter(rs *rowSet, res map[string]interface{}) {
	rs.identifiers(res)
	rs.token("status", "", stringValue(res, "status"))
	rs.concept("class", res["class"])
	rs.concept("type", res["type"])
	rs.subjectRef(res)
	for _, item := range sliceValue(res, "participant") {
		if p, ok := item.(map[string]interface{}); ok {
			if actor := mapValue(p, "actor"); actor != nil {
				rs.reference(stringValue(actor, "reference"), "actor", "participant", "practitioner")
			}
		}
	}
	rs.refField(res, "serviceProvider", "service-provider")
	rs.datePoint("date", res, "actualPeriod", "period")
}

func extractObservation(rs *rowSet, res map[string]interface{}) {
	rs.identifiers(res)
	rs.token("status", "", stringValue(res, "status"))
	rs.concept("code", res["code"])
	rs.concept("category", res["category"])
	rs.subjectRef(res)
	rs.refField(res, "encounter", "encounter")
	rs.refField(res, "performer", "performer")
	rs.refField(res, "basedOn", "based-on")
	rs.datePoint("date", res, "effectiveDateTime", "effectivePeriod", "issued")
	rs.quantity("value-quantity", mapValue(res, "valueQuantity"))
}

func extractCondition(rs *rowSet, res map[string]interface{}) {
	rs.identifiers(res)
	rs.concept("code", res["code"])
	rs.concept("category", res["category"])
	rs.concept("clinical-status", res["clinicalStatus"])
	rs.concept("verification-status", res["verificationStatus"])
	rs.concept("severity", res["severity"])
	rs.subjectRef(res)
	rs.refField(res, "encounter", "encounter")
	rs.datePoint("onset-date", res, "onsetDateTime", "onsetPeriod")
	rs.date("recorded-date", stringValue(res, "recordedDate"))
}

func extractProcedure(rs *rowSet, res map[string]interface{}) {
	rs.identifiers(res)
	rs.token("status", "", stringValue(res, "status"))
	rs.concept("code", res["code"])
	rs.subjectRef(res)
	rs.refField(res, "encounter", "encounter")
	for _, item := range sliceValue(res, "performer") {
		if p, ok := item.(map[string]interface{}); ok {
			if actor := mapValue(p, "actor"); actor != nil {
				rs.reference(stringValue(actor, "reference"), "actor", "performer")
			}
		}
	}
	rs.datePoint("date", res, "occurrenceDateTime", "occurrencePeriod", "performedDateTime", "performedPeriod")
}

func extractMedication(rs *rowSet, res map[string]interface{}) {
	rs.concept("code", res["code"])
	rs.token("status", "", stringValue(res, "status"))
	rs.concept("form", res["form"])
}

// medicationConcept indexes the collapsed medication[x] forms under both
// the R4 "medication" name and the legacy "code" name.
func medicationConcept(rs *rowSet, res map[string]interface{}) {
	if cc := mapValue(res, "medicationCodeableConcept"); cc != nil {
		rs.concept("medication", cc)
		rs.concept("code", cc)
	}
	if med := mapValue(res, "medication"); med != nil {
		if cc := mapValue(med, "concept"); cc != nil {
			rs.concept("medication", cc)
			rs.concept("code", cc)
		}
	}
}

func extractMedicationRequest(rs *rowSet, res map[string]interface{}) {
	rs.identifiers(res)
	rs.token("status", "", stringValue(res, "status"))
	rs.token("intent", "", stringValue(res, "intent"))
	medicationConcept(rs, res)
	rs.subjectRef(res)
	rs.refField(res, "encounter", "encounter")
	rs.refField(res, "requester", "requester")
	rs.date("authoredon", stringValue(res, "authoredOn"))
}

func extractMedicationAdministration(rs *rowSet, res map[string]interface{}) {
	rs.identifiers(res)
	rs.token("status", "", stringValue(res, "status"))
	medicationConcept(rs, res)
	rs.subjectRef(res)
	rs.refField(res, "encounter", "encounter")
	rs.refField(res, "request", "request")
	// The canonical form keeps the library spelling "occurence".
	rs.datePoint("effective-time", res, "occurenceDateTime", "occurencePeriod", "effectiveDateTime", "effectivePeriod")
}

func extractMedicationDispense(rs *rowSet, res map[string]interface{}) {
	rs.identifiers(res)
	rs.token("status", "", stringValue(res, "status"))
	medicationConcept(rs, res)
	rs.subjectRef(res)
	rs.refField(res, "authorizingPrescription", "prescription")
	rs.date("whenhandedover", stringValue(res, "whenHandedOver"))
}

func extractAllergyIntolerance(rs *rowSet, res map[string]interface{}) {
	rs.identifiers(res)
	rs.concept("code", res["code"])
	rs.concept("clinical-status", res["clinicalStatus"])
	rs.token("criticality", "", stringValue(res, "criticality"))
	rs.concept("type", res["type"])
	for _, c := range sliceValue(res, "category") {
		if s, ok := c.(string); ok {
			rs.token("category", "", s)
		}
	}
	rs.refField(res, "patient", "patient")
	rs.datePoint("date", res, "recordedDate", "onsetDateTime")
}

func extractImmunization(rs *rowSet, res map[string]interface{}) {
	rs.identifiers(res)
	rs.token("status", "", stringValue(res, "status"))
	rs.concept("vaccine-code", res["vaccineCode"])
	rs.refField(res, "patient", "patient")
	rs.refField(res, "encounter", "encounter")
	for _, item := range sliceValue(res, "performer") {
		if p, ok := item.(map[string]interface{}); ok {
			if actor := mapValue(p, "actor"); actor != nil {
				rs.reference(stringValue(actor, "reference"), "actor", "performer")
			}
		}
	}
	rs.datePoint("date", res, "occurrenceDateTime")
}

func extractDiagnosticReport(rs *rowSet, res map[string]interface{}) {
	rs.identifiers(res)
	rs.token("status", "", stringValue(res, "status"))
	rs.concept("code", res["code"])
	rs.concept("category", res["category"])
	rs.subjectRef(res)
	rs.refField(res, "encounter", "encounter")
	rs.refField(res, "performer", "performer")
	rs.refField(res, "result", "result")
	rs.datePoint("date", res, "effectiveDateTime", "effectivePeriod")
	rs.date("issued", stringValue(res, "issued"))
}

func extractImagingStudy(rs *rowSet, res map[string]interface{}) {
	rs.identifiers(res)
	rs.token("status", "", stringValue(res, "status"))
	rs.subjectRef(res)
	rs.refField(res, "encounter", "encounter")
	rs.date("started", stringValue(res, "started"))
	for _, item := range sliceValue(res, "series") {
		if s, ok := item.(map[string]interface{}); ok {
			rs.concept("modality", s["modality"])
		}
	}
}

func extractDocumentReference(rs *rowSet, res map[string]interface{}) {
	rs.identifiers(res)
	rs.token("status", "", stringValue(res, "status"))
	rs.concept("type", res["type"])
	rs.concept("category", res["category"])
	rs.subjectRef(res)
	rs.refField(res, "context", "encounter")
	rs.refField(res, "author", "author")
	rs.refField(res, "custodian", "custodian")
	rs.date("date", stringValue(res, "date"))
}

func extractServiceRequest(rs *rowSet, res map[string]interface{}) {
	rs.identifiers(res)
	rs.token("status", "", stringValue(res, "status"))
	rs.token("intent", "", stringValue(res, "intent"))
	rs.concept("code", res["code"])
	rs.concept("category", res["category"])
	rs.subjectRef(res)
	rs.refField(res, "encounter", "encounter")
	rs.refField(res, "requester", "requester")
	rs.date("authored", stringValue(res, "authoredOn"))
}

func extractCarePlan(rs *rowSet, res map[string]interface{}) {
	rs.identifiers(res)
	rs.token("status", "", stringValue(res, "status"))
	rs.token("intent", "", stringValue(res, "intent"))
	rs.concept("category", res["category"])
	rs.subjectRef(res)
	rs.refField(res, "encounter", "encounter")
	rs.datePoint("date", res, "period")
}

func extractCareTeam(rs *rowSet, res map[string]interface{}) {
	rs.identifiers(res)
	rs.token("status", "", stringValue(res, "status"))
	rs.subjectRef(res)
	for _, item := range sliceValue(res, "participant") {
		if p, ok := item.(map[string]interface{}); ok {
			if member := mapValue(p, "member"); member != nil {
				rs.reference(stringValue(member, "reference"), "member", "participant")
			}
		}
	}
}

func extractDevice(rs *rowSet, res map[string]interface{}) {
	rs.identifiers(res)
	rs.token("status", "", stringValue(res, "status"))
	rs.concept("type", res["type"])
	rs.refField(res, "patient", "patient")
	rs.refField(res, "owner", "organization")
}

func extractCoverage(rs *rowSet, res map[string]interface{}) {
	rs.identifiers(res)
	rs.token("status", "", stringValue(res, "status"))
	rs.concept("type", res["type"])
	if b := mapValue(res, "beneficiary"); b != nil {
		rs.reference(stringValue(b, "reference"), "beneficiary", "beneficiary", "patient")
	}
	rs.refField(res, "payor", "payor")
	rs.refField(res, "insurer", "payor")
}

func extractClaim(rs *rowSet, res map[string]interface{}) {
	rs.identifiers(res)
	rs.token("status", "", stringValue(res, "status"))
	rs.token("use", "", stringValue(res, "use"))
	rs.refField(res, "patient", "patient")
	rs.refField(res, "provider", "provider")
	for _, it := range sliceValue(res, "item") {
		if item, ok := it.(map[string]interface{}); ok {
			rs.refField(item, "encounter", "encounter")
		}
	}
	rs.date("created", stringValue(res, "created"))
}

func extractExplanationOfBenefit(rs *rowSet, res map[string]interface{}) {
	rs.identifiers(res)
	rs.token("status", "", stringValue(res, "status"))
	rs.refField(res, "patient", "patient")
	rs.refField(res, "provider", "provider")
	rs.date("created", stringValue(res, "created"))
}

func extractSupplyDelivery(rs *rowSet, res map[string]interface{}) {
	rs.identifiers(res)
	rs.token("status", "", stringValue(res, "status"))
	rs.refField(res, "patient", "patient")
	rs.refField(res, "supplier", "supplier")
}

func extractProvenance(rs *rowSet, res map[string]interface{}) {
	rs.refField(res, "target", "target")
	for _, item := range sliceValue(res, "agent") {
		if a, ok := item.(map[string]interface{}); ok {
			if who := mapValue(a, "who"); who != nil {
				rs.reference(stringValue(who, "reference"), "who", "agent")
			}
		}
	}
	rs.date("when", stringValue(res, "recorded"))
}

func extractGoal(rs *rowSet, res map[string]interface{}) {
	rs.identifiers(res)
	rs.token("lifecycle-status", "", stringValue(res, "lifecycleStatus"))
	rs.concept("category", res["category"])
	rs.subjectRef(res)
}
