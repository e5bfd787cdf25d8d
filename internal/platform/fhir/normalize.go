package fhir

import (
	"strconv"
	"strings"
)

// ProfileHandler recognizes a source profile and applies its
// source-specific repairs before the shared canonicalization runs.
type ProfileHandler interface {
	CanHandle(res map[string]interface{}) bool
	Transform(res map[string]interface{}) map[string]interface{}
	ProfileURL() string
}

// Transformer converts incoming resources of known source profiles to the
// single canonical R4 shape the rest of the core stores and indexes.
// Detection applies an ordered handler list; first match wins. Unmatched
// resources pass through with only the common cleanup, and normalizing an
// already-canonical resource is a fixed point.
type Transformer struct {
	handlers []ProfileHandler
}

func NewTransformer() *Transformer {
	return &Transformer{
		handlers: []ProfileHandler{
			&SyntheaHandler{},
			&USCoreHandler{},
		},
	}
}

// Detect returns the first handler claiming the resource, or nil.
func (t *Transformer) Detect(res map[string]interface{}) ProfileHandler {
	for _, h := range t.handlers {
		if h.CanHandle(res) {
			return h
		}
	}
	return nil
}

// TransformResource canonicalizes one resource. The input is copied, never
// mutated. profileURL, when non-empty, is recorded in meta.profile
// idempotently.
func (t *Transformer) TransformResource(res map[string]interface{}, profileURL string) map[string]interface{} {
	if res == nil {
		return nil
	}
	out, _ := deepCopyValue(res).(map[string]interface{})

	if handler := t.Detect(out); handler != nil {
		out = handler.Transform(out)
		if profileURL == "" {
			profileURL = handler.ProfileURL()
		}
	}
	out = canonicalize(out)

	if profileURL != "" {
		addProfile(out, profileURL)
	}
	return out
}

// TransformBundle normalizes each entry resource under the handler chosen
// for the bundle as a whole.
func (t *Transformer) TransformBundle(bundle map[string]interface{}) map[string]interface{} {
	out, _ := deepCopyValue(bundle).(map[string]interface{})
	handler := t.Detect(out)
	for _, e := range sliceValue(out, "entry") {
		entry, ok := e.(map[string]interface{})
		if !ok {
			continue
		}
		res := mapValue(entry, "resource")
		if res == nil || stringValue(res, "resourceType") == "" {
			continue
		}
		if handler != nil {
			res = handler.Transform(res)
			entry["resource"] = canonicalize(res)
			addProfile(entry["resource"].(map[string]interface{}), handler.ProfileURL())
		} else {
			entry["resource"] = t.TransformResource(res, "")
		}
	}
	return out
}

// canonicalize applies the shared per-type rules and the common
// post-steps. The per-type rules live in exactly one place — the
// typeTransforms dispatch table — regardless of which profile handler
// (if any) claimed the resource.
func canonicalize(res map[string]interface{}) map[string]interface{} {
	resourceType := stringValue(res, "resourceType")
	if fn, ok := typeTransforms[resourceType]; ok {
		fn(res)
	}
	ensureCommonArrays(res)
	normalizeReferences(res)
	cleanResource(res)
	return res
}

func addProfile(res map[string]interface{}, profileURL string) {
	if profileURL == "" {
		return
	}
	meta := mapValue(res, "meta")
	if meta == nil {
		meta = map[string]interface{}{}
		res["meta"] = meta
	}
	profiles := sliceValue(meta, "profile")
	for _, p := range profiles {
		if s, ok := p.(string); ok && s == profileURL {
			return
		}
	}
	meta["profile"] = append(profiles, profileURL)
}

// ---------------------------------------------------------------------------
// Per-type canonicalization rules
// ---------------------------------------------------------------------------

// typeTransforms dispatches resourceType to its canonical-shape rules.
// Each function mutates the (already copied) resource in place.
var typeTransforms = map[string]func(map[string]interface{}){
	"Encounter":                canonEncounter,
	"Procedure":                canonProcedure,
	"MedicationRequest":        canonMedicationRequest,
	"MedicationAdministration": canonMedicationAdministration,
	"Observation":              canonObservation,
	"Condition":                canonCondition,
	"AllergyIntolerance":       canonAllergyIntolerance,
	"DocumentReference":        canonDocumentReference,
	"Device":                   canonDevice,
	"CarePlan":                 canonCarePlan,
	"CareTeam":                 canonCareTeam,
	"Patient":                  canonPatient,
	"Practitioner":             canonPractitioner,
	"Organization":             canonOrganization,
	"Location":                 canonLocation,
	"Claim":                    canonClaim,
	"ExplanationOfBenefit":     canonExplanationOfBenefit,
	"ImagingStudy":             canonImagingStudy,
	"Immunization":             canonImmunization,
	"SupplyDelivery":           canonSupplyDelivery,
}

func canonEncounter(res map[string]interface{}) {
	// class is an array of CodeableConcept: wrap a bare Coding, wrap a
	// single value into a list.
	if class, ok := res["class"]; ok {
		var items []interface{}
		switch v := class.(type) {
		case []interface{}:
			items = v
		default:
			items = []interface{}{v}
		}
		out := make([]interface{}, 0, len(items))
		for _, item := range items {
			if obj, ok := item.(map[string]interface{}); ok {
				out = append(out, cleanCodeableConcept(toCodeableConcept(obj)))
			} else {
				out = append(out, item)
			}
		}
		res["class"] = out
	}

	if period, ok := res["period"]; ok {
		delete(res, "period")
		if p, ok := period.(map[string]interface{}); ok {
			res["actualPeriod"] = cleanPeriod(p)
		} else {
			res["actualPeriod"] = period
		}
	}

	if participants := sliceValue(res, "participant"); participants != nil {
		cleaned := make([]interface{}, 0, len(participants))
		for _, item := range participants {
			p, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			cleanFields(p, "id", "extension", "modifierExtension", "type", "period", "individual", "actor")
			if individual, ok := p["individual"]; ok {
				delete(p, "individual")
				p["actor"] = individual
			}
			if actor := mapValue(p, "actor"); actor != nil {
				p["actor"] = cleanReference(actor)
			}
			if types := sliceValue(p, "type"); types != nil {
				out := make([]interface{}, 0, len(types))
				for _, t := range types {
					if cc, ok := t.(map[string]interface{}); ok {
						out = append(out, cleanCodeableConcept(cc))
					}
				}
				p["type"] = out
			}
			cleaned = append(cleaned, p)
		}
		res["participant"] = cleaned
	}

	// reasonCode[] -> reason[].use[]
	if reasonCodes, ok := res["reasonCode"]; ok {
		delete(res, "reasonCode")
		var reasons []interface{}
		for _, rc := range asSlice(reasonCodes) {
			if cc, ok := rc.(map[string]interface{}); ok {
				reasons = append(reasons, map[string]interface{}{
					"use": []interface{}{cleanCodeableConcept(cc)},
				})
			}
		}
		if reasons != nil {
			res["reason"] = reasons
		}
	}

	if hosp := mapValue(res, "hospitalization"); hosp != nil {
		cleanFields(hosp,
			"id", "extension", "modifierExtension", "preAdmissionIdentifier",
			"origin", "admitSource", "reAdmission", "dietPreference",
			"specialCourtesy", "specialArrangement", "destination",
			"dischargeDisposition")
	}
}

func canonProcedure(res map[string]interface{}) {
	// performed[x] -> occurrence[x]
	for _, suffix := range []string{"DateTime", "Period", "String", "Age", "Range"} {
		if v, ok := res["performed"+suffix]; ok {
			delete(res, "performed"+suffix)
			res["occurrence"+suffix] = v
		}
	}
	if p := mapValue(res, "occurrencePeriod"); p != nil {
		res["occurrencePeriod"] = cleanPeriod(p)
	}

	delete(res, "reasonCode")
	delete(res, "reasonReference")

	if reasons := sliceValue(res, "reason"); reasons != nil {
		cleaned := make([]interface{}, 0, len(reasons))
		for _, item := range reasons {
			r, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			cleanFields(r, "id", "extension", "concept", "reference")
			if ref := mapValue(r, "reference"); ref != nil {
				r["reference"] = cleanReference(ref)
			}
			if concept := mapValue(r, "concept"); concept != nil {
				r["concept"] = cleanCodeableConcept(concept)
			}
			cleaned = append(cleaned, r)
		}
		res["reason"] = cleaned
	}

	if performers := sliceValue(res, "performer"); performers != nil {
		cleaned := make([]interface{}, 0, len(performers))
		for _, item := range performers {
			p, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			cleanFields(p, "id", "extension", "modifierExtension", "function", "actor", "onBehalfOf")
			for _, rf := range []string{"actor", "onBehalfOf"} {
				if ref := mapValue(p, rf); ref != nil {
					p[rf] = cleanReference(ref)
				}
			}
			if fn := mapValue(p, "function"); fn != nil {
				p["function"] = cleanCodeableConcept(fn)
			}
			cleaned = append(cleaned, p)
		}
		res["performer"] = cleaned
	}
}

func canonMedicationRequest(res map[string]interface{}) {
	collapseMedication(res)
	delete(res, "reasonReference")

	if dosages := sliceValue(res, "dosageInstruction"); dosages != nil {
		cleaned := make([]interface{}, 0, len(dosages))
		for _, item := range dosages {
			d, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			if v, ok := d["asNeededBoolean"]; ok {
				delete(d, "asNeededBoolean")
				d["asNeeded"] = v
			}
			cleanFields(d,
				"id", "extension", "modifierExtension", "sequence", "text",
				"additionalInstruction", "patientInstruction", "timing",
				"asNeeded", "asNeededFor", "site", "route", "method",
				"doseAndRate", "maxDosePerPeriod", "maxDosePerAdministration",
				"maxDosePerLifetime")
			if timing := mapValue(d, "timing"); timing != nil {
				cleanFields(timing, "id", "extension", "modifierExtension", "event", "repeat", "code")
				if repeat := mapValue(timing, "repeat"); repeat != nil {
					cleanFields(repeat,
						"id", "extension", "boundsDuration", "boundsRange", "boundsPeriod",
						"count", "countMax", "duration", "durationMax", "durationUnit",
						"frequency", "frequencyMax", "period", "periodMax", "periodUnit",
						"dayOfWeek", "timeOfDay", "when", "offset")
				}
			}
			cleaned = append(cleaned, d)
		}
		res["dosageInstruction"] = cleaned
	}
}

// collapseMedication folds the medicationCodeableConcept /
// medicationReference / medication.concept / medication.reference forms
// into the canonical medicationCodeableConcept or medicationReference.
func collapseMedication(res map[string]interface{}) {
	if med := mapValue(res, "medication"); med != nil {
		delete(res, "medication")
		switch {
		case med["coding"] != nil || med["text"] != nil:
			res["medicationCodeableConcept"] = cleanCodeableConcept(med)
		case med["reference"] != nil:
			res["medicationReference"] = cleanReference(med)
		case mapValue(med, "concept") != nil:
			res["medicationCodeableConcept"] = cleanCodeableConcept(mapValue(med, "concept"))
		case mapValue(med, "reference") != nil:
			res["medicationReference"] = cleanReference(mapValue(med, "reference"))
		}
	}
	if cc := mapValue(res, "medicationCodeableConcept"); cc != nil {
		res["medicationCodeableConcept"] = cleanCodeableConcept(cc)
	}
	if ref := mapValue(res, "medicationReference"); ref != nil {
		res["medicationReference"] = cleanReference(ref)
	}
}

func canonMedicationAdministration(res map[string]interface{}) {
	// effective[x]/occurrence[x] -> occurence[x]. The library spelling is
	// deliberate and kept at the API; see DESIGN.md.
	for from, to := range map[string]string{
		"effectiveDateTime":  "occurenceDateTime",
		"effectivePeriod":    "occurencePeriod",
		"occurrenceDateTime": "occurenceDateTime",
		"occurrencePeriod":   "occurencePeriod",
	} {
		if v, ok := res[from]; ok {
			delete(res, from)
			res[to] = v
		}
	}

	// medication wrapped as CodeableReference.
	if cc := mapValue(res, "medicationCodeableConcept"); cc != nil {
		delete(res, "medicationCodeableConcept")
		res["medication"] = map[string]interface{}{"concept": cleanCodeableConcept(cc)}
	} else if ref := mapValue(res, "medicationReference"); ref != nil {
		delete(res, "medicationReference")
		res["medication"] = map[string]interface{}{"reference": cleanReference(ref)}
	} else if med := mapValue(res, "medication"); med != nil {
		switch {
		case med["coding"] != nil || med["text"] != nil:
			// A bare CodeableConcept under medication.
			res["medication"] = map[string]interface{}{"concept": cleanCodeableConcept(med)}
		case med["reference"] != nil && mapValue(med, "reference") == nil:
			// A bare Reference under medication; the CodeableReference
			// needs it as an object.
			res["medication"] = map[string]interface{}{"reference": cleanReference(med)}
		}
	}

	delete(res, "context")
	delete(res, "reasonCode")
	delete(res, "reasonReference")
}

func canonObservation(res map[string]interface{}) {
	if components := sliceValue(res, "component"); components != nil {
		cleaned := make([]interface{}, 0, len(components))
		for _, item := range components {
			comp, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			cleanFields(comp,
				"id", "extension", "modifierExtension", "code",
				"valueQuantity", "valueCodeableConcept", "valueString",
				"valueBoolean", "valueInteger", "valueRange", "valueRatio",
				"valueSampledData", "valueTime", "valueDateTime", "valuePeriod",
				"dataAbsentReason", "interpretation", "referenceRange")
			if code := mapValue(comp, "code"); code != nil {
				comp["code"] = cleanCodeableConcept(code)
			}
			if q := mapValue(comp, "valueQuantity"); q != nil {
				comp["valueQuantity"] = cleanQuantity(q)
			}
			cleaned = append(cleaned, comp)
		}
		res["component"] = cleaned
	}

	if q := mapValue(res, "valueQuantity"); q != nil {
		res["valueQuantity"] = cleanQuantity(q)
	}

	// interpretation is an array of CodeableConcept.
	if interp, ok := res["interpretation"]; ok {
		var out []interface{}
		for _, item := range asSlice(interp) {
			if obj, ok := item.(map[string]interface{}); ok {
				out = append(out, cleanCodeableConcept(toCodeableConcept(obj)))
			}
		}
		if out != nil {
			res["interpretation"] = out
		} else {
			delete(res, "interpretation")
		}
	}

	if ranges := sliceValue(res, "referenceRange"); ranges != nil {
		cleaned := make([]interface{}, 0, len(ranges))
		for _, item := range ranges {
			rr, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			cleanFields(rr,
				"id", "extension", "modifierExtension", "low", "high",
				"normalValue", "type", "appliesTo", "age", "text")
			for _, qf := range []string{"low", "high"} {
				if q := mapValue(rr, qf); q != nil {
					rr[qf] = cleanQuantity(q)
				}
			}
			cleaned = append(cleaned, rr)
		}
		res["referenceRange"] = cleaned
	}
}

func canonCondition(res map[string]interface{}) {
	for _, field := range []string{"category", "bodySite", "evidence"} {
		if v, ok := res[field]; ok {
			res[field] = asSlice(v)
		}
	}
	for _, field := range []string{"category", "bodySite"} {
		if items := sliceValue(res, field); items != nil {
			out := make([]interface{}, 0, len(items))
			for _, item := range items {
				if cc, ok := item.(map[string]interface{}); ok {
					out = append(out, cleanCodeableConcept(toCodeableConcept(cc)))
				}
			}
			res[field] = out
		}
	}
}

func canonAllergyIntolerance(res map[string]interface{}) {
	// type promoted from string to CodeableConcept.
	if t, ok := res["type"].(string); ok {
		display := map[string]string{"allergy": "Allergy", "intolerance": "Intolerance"}[t]
		if display != "" {
			res["type"] = map[string]interface{}{
				"coding": []interface{}{
					map[string]interface{}{
						"system":  "http://hl7.org/fhir/allergy-intolerance-type",
						"code":    t,
						"display": display,
					},
				},
			}
		}
	}

	if reactions := sliceValue(res, "reaction"); reactions != nil {
		cleaned := make([]interface{}, 0, len(reactions))
		for _, item := range reactions {
			r, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			cleanFields(r,
				"id", "extension", "substance", "manifestation",
				"description", "onset", "severity", "exposureRoute", "note")
			// manifestation wrapped as CodeableReference with concept.
			if manifest, ok := r["manifestation"]; ok {
				var out []interface{}
				for _, m := range asSlice(manifest) {
					obj, ok := m.(map[string]interface{})
					if !ok {
						continue
					}
					if mapValue(obj, "concept") != nil {
						out = append(out, obj)
						continue
					}
					concept := map[string]interface{}{}
					if coding := sliceValue(obj, "coding"); coding != nil {
						concept["coding"] = coding
					}
					if text := stringValue(obj, "text"); text != "" {
						concept["text"] = text
					}
					out = append(out, map[string]interface{}{"concept": concept})
				}
				r["manifestation"] = out
			}
			cleaned = append(cleaned, r)
		}
		res["reaction"] = cleaned
	}
}

func canonDocumentReference(res map[string]interface{}) {
	// type is singular.
	if types, ok := res["type"].([]interface{}); ok {
		if len(types) > 0 {
			res["type"] = types[0]
		} else {
			delete(res, "type")
		}
	}
	if custodians, ok := res["custodian"].([]interface{}); ok {
		if len(custodians) > 0 {
			res["custodian"] = custodians[0]
		} else {
			delete(res, "custodian")
		}
	}

	// context reduced to an Encounter reference.
	if ctx, ok := res["context"]; ok {
		switch v := ctx.(type) {
		case []interface{}:
			if len(v) > 0 {
				if obj, ok := v[0].(map[string]interface{}); ok {
					if enc := contextEncounter(obj); enc != nil {
						res["context"] = enc
					} else {
						res["context"] = obj
					}
				}
			} else {
				delete(res, "context")
			}
		case map[string]interface{}:
			if enc := contextEncounter(v); enc != nil {
				res["context"] = enc
			}
		}
	}

	// drop format from content.
	for _, item := range sliceValue(res, "content") {
		if content, ok := item.(map[string]interface{}); ok {
			delete(content, "format")
		}
	}
}

func contextEncounter(ctx map[string]interface{}) interface{} {
	switch enc := ctx["encounter"].(type) {
	case []interface{}:
		if len(enc) > 0 {
			return enc[0]
		}
	case map[string]interface{}:
		return enc
	}
	return nil
}

func canonDevice(res map[string]interface{}) {
	if t, ok := res["type"]; ok {
		var out []interface{}
		for _, item := range asSlice(t) {
			if obj, ok := item.(map[string]interface{}); ok {
				out = append(out, toCodeableConcept(obj))
			}
		}
		if out != nil {
			res["type"] = out
		}
	}

	// Synthetic issuer when a UDI carrier omits the required field.
	for _, item := range sliceValue(res, "udiCarrier") {
		if carrier, ok := item.(map[string]interface{}); ok {
			if carrier["deviceIdentifier"] != nil && carrier["issuer"] == nil {
				carrier["issuer"] = "Unknown"
			}
		}
	}

	if m, ok := res["manufacturer"].([]interface{}); ok {
		if len(m) > 0 {
			res["manufacturer"] = m[0]
		} else {
			delete(res, "manufacturer")
		}
	}
	delete(res, "distinctIdentifier")
}

func canonCarePlan(res map[string]interface{}) {
	if activities := sliceValue(res, "activity"); activities != nil {
		rebuilt := make([]interface{}, 0, len(activities))
		for _, item := range activities {
			activity, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			out := map[string]interface{}{}
			for _, f := range []string{"id", "extension", "modifierExtension", "progress"} {
				if v, ok := activity[f]; ok {
					out[f] = v
				}
			}
			switch {
			case mapValue(activity, "detail") != nil:
				detail := mapValue(activity, "detail")
				if code := mapValue(detail, "code"); code != nil {
					if codings := sliceValue(code, "coding"); len(codings) > 0 {
						if first, ok := codings[0].(map[string]interface{}); ok {
							display := stringValue(first, "display")
							if display == "" {
								display = stringValue(code, "text")
							}
							codeVal := stringValue(first, "code")
							if codeVal == "" {
								codeVal = "unknown"
							}
							out["plannedActivityReference"] = map[string]interface{}{
								"reference": "ServiceRequest/" + codeVal,
								"display":   display,
							}
						}
					}
				}
			case activity["reference"] != nil:
				out["plannedActivityReference"] = activity["reference"]
			case activity["outcomeCodeableConcept"] != nil:
				out["performedActivity"] = map[string]interface{}{"concept": activity["outcomeCodeableConcept"]}
			case activity["outcomeReference"] != nil:
				out["performedActivity"] = map[string]interface{}{"reference": activity["outcomeReference"]}
			case activity["plannedActivityReference"] != nil:
				out["plannedActivityReference"] = activity["plannedActivityReference"]
			case activity["performedActivity"] != nil:
				out["performedActivity"] = activity["performedActivity"]
			}
			if out["plannedActivityReference"] != nil || out["performedActivity"] != nil {
				rebuilt = append(rebuilt, out)
			}
		}
		res["activity"] = rebuilt
	}

	// addresses wrapped as CodeableReference.
	if addrs := sliceValue(res, "addresses"); addrs != nil {
		fixed := make([]interface{}, 0, len(addrs))
		for _, item := range addrs {
			switch a := item.(type) {
			case string:
				fixed = append(fixed, map[string]interface{}{
					"reference": map[string]interface{}{"reference": a},
				})
			case map[string]interface{}:
				switch {
				case a["concept"] != nil:
					fixed = append(fixed, a)
				case a["reference"] != nil && mapValue(a, "reference") == nil:
					fixed = append(fixed, map[string]interface{}{"reference": a})
				case a["coding"] != nil:
					fixed = append(fixed, map[string]interface{}{"concept": a})
				case a["display"] != nil:
					fixed = append(fixed, map[string]interface{}{
						"concept": map[string]interface{}{"text": a["display"]},
					})
				default:
					fixed = append(fixed, a)
				}
			}
		}
		res["addresses"] = fixed
	}
}

func canonCareTeam(res map[string]interface{}) {
	// participant.role is singular.
	for _, item := range sliceValue(res, "participant") {
		if p, ok := item.(map[string]interface{}); ok {
			if roles, ok := p["role"].([]interface{}); ok && len(roles) > 0 {
				p["role"] = roles[0]
			}
		}
	}
	delete(res, "encounter")
	delete(res, "reasonCode")
}

func canonPatient(res map[string]interface{}) {
	cleanTelecomAddress(res)
	if ids := sliceValue(res, "identifier"); ids != nil {
		cleaned := make([]interface{}, 0, len(ids))
		for _, item := range ids {
			if id, ok := item.(map[string]interface{}); ok {
				cleanFields(id, "id", "extension", "use", "type", "system", "value", "period", "assigner")
				if t := mapValue(id, "type"); t != nil {
					id["type"] = cleanCodeableConcept(t)
				}
				cleaned = append(cleaned, id)
			}
		}
		res["identifier"] = cleaned
	}
}

func canonPractitioner(res map[string]interface{}) {
	cleanTelecomAddress(res)
	if names := sliceValue(res, "name"); names != nil {
		cleaned := make([]interface{}, 0, len(names))
		for _, item := range names {
			if n, ok := item.(map[string]interface{}); ok {
				cleanFields(n, "id", "extension", "use", "text", "family", "given", "prefix", "suffix", "period")
				cleaned = append(cleaned, n)
			}
		}
		res["name"] = cleaned
	}
	if quals := sliceValue(res, "qualification"); quals != nil {
		cleaned := make([]interface{}, 0, len(quals))
		for _, item := range quals {
			if q, ok := item.(map[string]interface{}); ok {
				cleanFields(q, "id", "extension", "identifier", "code", "period", "issuer")
				if code := mapValue(q, "code"); code != nil {
					q["code"] = cleanCodeableConcept(code)
				}
				cleaned = append(cleaned, q)
			}
		}
		res["qualification"] = cleaned
	}
}

func canonOrganization(res map[string]interface{}) {
	cleanTelecomAddress(res)
	if types := sliceValue(res, "type"); types != nil {
		out := make([]interface{}, 0, len(types))
		for _, item := range types {
			if cc, ok := item.(map[string]interface{}); ok {
				out = append(out, cleanCodeableConcept(cc))
			}
		}
		res["type"] = out
	}
}

func canonLocation(res map[string]interface{}) {
	// Location.address is singular.
	if addrs, ok := res["address"].([]interface{}); ok {
		if len(addrs) > 0 {
			res["address"] = addrs[0]
		} else {
			delete(res, "address")
		}
	}
	if addr := mapValue(res, "address"); addr != nil {
		res["address"] = cleanAddress(addr)
	}
	if mo, ok := res["managingOrganization"].([]interface{}); ok {
		if len(mo) > 0 {
			res["managingOrganization"] = mo[0]
		} else {
			delete(res, "managingOrganization")
		}
	}
	if pos := mapValue(res, "position"); pos != nil {
		cleanFields(pos, "id", "extension", "longitude", "latitude", "altitude")
		for _, f := range []string{"latitude", "longitude"} {
			if _, ok := pos[f].(float64); !ok {
				delete(pos, f)
			}
		}
	}
	delete(res, "physicalType")
}

func canonClaim(res map[string]interface{}) {
	singularize(res, "total")
	singularize(res, "type")
	if total := mapValue(res, "total"); total != nil {
		cleanFields(total, "id", "extension", "value", "currency")
	}
	fixContainedCoverage(res)
}

func canonExplanationOfBenefit(res map[string]interface{}) {
	singularize(res, "type")
	singularize(res, "payment")
	singularize(res, "total")
	fixContainedCoverage(res)
}

// fixContainedCoverage gives contained Coverage resources the required
// kind and the insurer field name.
func fixContainedCoverage(res map[string]interface{}) {
	for _, item := range sliceValue(res, "contained") {
		contained, ok := item.(map[string]interface{})
		if !ok || stringValue(contained, "resourceType") != "Coverage" {
			continue
		}
		if contained["kind"] == nil {
			contained["kind"] = "insurance"
		}
		if payor, ok := contained["payor"]; ok {
			delete(contained, "payor")
			if arr, ok := payor.([]interface{}); ok && len(arr) > 0 {
				contained["insurer"] = arr[0]
			} else {
				contained["insurer"] = payor
			}
		}
	}
}

func canonImagingStudy(res map[string]interface{}) {
	for _, item := range sliceValue(res, "series") {
		series, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if modality := mapValue(series, "modality"); modality != nil {
			series["modality"] = toCodeableConcept(modality)
		}
		if bodySite := mapValue(series, "bodySite"); bodySite != nil {
			if bodySite["concept"] == nil {
				series["bodySite"] = map[string]interface{}{"concept": toCodeableConcept(bodySite)}
			}
		}
	}
	delete(res, "procedureCode")
}

func canonImmunization(res map[string]interface{}) {
	if performers := sliceValue(res, "performer"); performers != nil {
		cleaned := make([]interface{}, 0, len(performers))
		for _, item := range performers {
			if p, ok := item.(map[string]interface{}); ok {
				cleanFields(p, "id", "extension", "function", "actor")
				if fn := mapValue(p, "function"); fn != nil {
					p["function"] = cleanCodeableConcept(fn)
				}
				if actor := mapValue(p, "actor"); actor != nil {
					p["actor"] = cleanReference(actor)
				}
				cleaned = append(cleaned, p)
			}
		}
		res["performer"] = cleaned
	}
}

func canonSupplyDelivery(res map[string]interface{}) {
	if v, ok := res["suppliedItem"]; ok {
		res["suppliedItem"] = asSlice(v)
	}
	for _, item := range sliceValue(res, "suppliedItem") {
		if si, ok := item.(map[string]interface{}); ok {
			if si["quantity"] == nil && si["itemCodeableConcept"] != nil {
				si["quantity"] = map[string]interface{}{"value": float64(1)}
			}
		}
	}
}

func cleanTelecomAddress(res map[string]interface{}) {
	if telecoms := sliceValue(res, "telecom"); telecoms != nil {
		cleaned := make([]interface{}, 0, len(telecoms))
		for _, item := range telecoms {
			if t, ok := item.(map[string]interface{}); ok {
				cleaned = append(cleaned, cleanContactPoint(t))
			}
		}
		res["telecom"] = cleaned
	}
	if addrs := sliceValue(res, "address"); addrs != nil {
		cleaned := make([]interface{}, 0, len(addrs))
		for _, item := range addrs {
			if a, ok := item.(map[string]interface{}); ok {
				cleaned = append(cleaned, cleanAddress(a))
			}
		}
		res["address"] = cleaned
	}
}

func singularize(res map[string]interface{}, field string) {
	if arr, ok := res[field].([]interface{}); ok {
		if len(arr) > 0 {
			res[field] = arr[0]
		} else {
			delete(res, field)
		}
	}
}

func asSlice(v interface{}) []interface{} {
	if arr, ok := v.([]interface{}); ok {
		return arr
	}
	return []interface{}{v}
}

// ---------------------------------------------------------------------------
// Common post-steps
// ---------------------------------------------------------------------------

// commonArrayFields are forced to arrays on every resource type, except
// where singularExceptions says otherwise.
var commonArrayFields = []string{
	"identifier", "name", "telecom", "address", "photo",
	"contact", "communication", "generalPractitioner", "link",
	"category", "performer", "author", "note",
	"dosageInstruction", "basedOn", "partOf", "reasonCode", "reasonReference",
	"bodySite", "statusHistory", "qualification", "endpoint",
	"severity", "stage", "evidence", "reaction", "protocolApplied",
	"instantiatesCanonical", "instantiatesUri", "replaces",
	"careTeam", "addresses", "supportingInfo", "goal", "activity",
	"diagnosis", "procedure", "insurance", "item", "addItem", "processNote",
	"benefitBalance", "contained", "extension", "modifierExtension",
	"specimen", "result", "imagingStudy", "media", "presentedForm", "account",
	"managingOrganization",
}

// singularExceptions lists fields that stay singular for a resource type
// even though the common list would array them.
var singularExceptions = map[string]map[string]bool{
	"DocumentReference":    {"custodian": true, "type": true, "context": true},
	"Device":               {"manufacturer": true},
	"ExplanationOfBenefit": {"type": true, "payment": true, "total": true},
	"Claim":                {"type": true, "total": true},
	"Organization":         {"name": true},
	"Location":             {"name": true, "address": true, "managingOrganization": true},
}

// resourceArrayFields adds per-type fields beyond the common list.
var resourceArrayFields = map[string][]string{
	"Encounter":          {"type", "diagnosis", "account", "statusHistory", "episodeOfCare", "basedOn", "classHistory", "class", "participant", "location", "appointment"},
	"Device":             {"type", "safety", "property", "version", "udiCarrier", "deviceName", "contact", "note"},
	"DocumentReference":  {"category", "author", "relatesTo", "securityLabel", "content"},
	"SupplyDelivery":     {"suppliedItem"},
	"Observation":        {"interpretation", "referenceRange", "component", "focus", "hasMember", "derivedFrom"},
	"MedicationRequest":  {"detectedIssue", "eventHistory", "supportingInformation"},
	"Procedure":          {"focalDevice", "usedReference", "usedCode", "complication", "followUp", "report"},
	"DiagnosticReport":   {"resultsInterpreter"},
	"ImagingStudy":       {"series", "modality", "interpreter", "procedureReference"},
	"Immunization":       {"statusReason", "education", "programEligibility"},
	"CareTeam":           {"participant"},
	"CarePlan":           {"contributor"},
	"AllergyIntolerance": {},
	"Claim":              {"related"},
	"Bundle":             {"entry"},
}

func ensureCommonArrays(res map[string]interface{}) {
	resourceType := stringValue(res, "resourceType")
	exceptions := singularExceptions[resourceType]

	makeArray := func(field string) {
		if exceptions != nil {
			if singular, ok := exceptions[field]; ok && singular {
				return
			}
		}
		if v, ok := res[field]; ok {
			if _, isArr := v.([]interface{}); !isArr {
				res[field] = []interface{}{v}
			}
		}
	}

	for _, field := range resourceArrayFields[resourceType] {
		makeArray(field)
	}
	for _, field := range commonArrayFields {
		makeArray(field)
	}
}

// normalizeReferences repairs every embedded reference string (canonical
// urn:uuid hyphenation) and prunes Reference objects to the allowed
// fields.
func normalizeReferences(res map[string]interface{}) {
	resourceType := stringValue(res, "resourceType")
	walkObjects(res, "", func(path string, obj map[string]interface{}) {
		value, ok := obj["reference"].(string)
		if !ok {
			return
		}
		// CodeableReference wrappers hold an object under "reference";
		// the string case here is a plain Reference.
		if strings.HasPrefix(value, "urn:uuid:") {
			obj["reference"] = "urn:uuid:" + RepairUUID(strings.TrimPrefix(value, "urn:uuid:"))
		}
		// CarePlan.addresses and MedicationAdministration.medication hold
		// CodeableReference shapes whose outer object must keep its
		// concept sibling; cleanReference is safe for both since concept
		// is not among Reference's fields only when the object IS the
		// CodeableReference. Skip those wrappers.
		if obj["concept"] != nil {
			return
		}
		if resourceType != "" {
			cleanReference(obj)
		}
	})
}

// ---------------------------------------------------------------------------
// Field cleaning
// ---------------------------------------------------------------------------

func cleanFields(obj map[string]interface{}, allowed ...string) map[string]interface{} {
	allowedSet := make(map[string]bool, len(allowed))
	for _, f := range allowed {
		allowedSet[f] = true
	}
	for k := range obj {
		if !allowedSet[k] {
			delete(obj, k)
		}
	}
	return obj
}

func cleanReference(ref map[string]interface{}) map[string]interface{} {
	return cleanFields(ref, "id", "extension", "reference", "type", "identifier", "display")
}

func cleanCodeableConcept(cc map[string]interface{}) map[string]interface{} {
	cleanFields(cc, "id", "extension", "coding", "text")
	if codings := sliceValue(cc, "coding"); codings != nil {
		cleaned := make([]interface{}, 0, len(codings))
		for _, item := range codings {
			if c, ok := item.(map[string]interface{}); ok {
				cleaned = append(cleaned, cleanFields(c, "id", "extension", "system", "version", "code", "display", "userSelected"))
			}
		}
		cc["coding"] = cleaned
	}
	return cc
}

func cleanQuantity(q map[string]interface{}) map[string]interface{} {
	cleanFields(q, "id", "extension", "value", "comparator", "unit", "system", "code")
	// Values forced numeric: numeric strings are converted, anything else
	// unparseable is left for validation to flag.
	if s, ok := q["value"].(string); ok {
		if f, err := parseFloat(s); err == nil {
			q["value"] = f
		}
	}
	return q
}

func cleanPeriod(p map[string]interface{}) map[string]interface{} {
	return cleanFields(p, "id", "extension", "start", "end")
}

func cleanAddress(a map[string]interface{}) map[string]interface{} {
	return cleanFields(a, "id", "extension", "use", "type", "text", "line",
		"city", "district", "state", "postalCode", "country", "period")
}

func cleanContactPoint(cp map[string]interface{}) map[string]interface{} {
	return cleanFields(cp, "id", "extension", "system", "value", "use", "rank", "period")
}

// toCodeableConcept wraps a bare Coding ({system, code}) into
// {coding: [...]}; an object already holding coding passes through.
func toCodeableConcept(obj map[string]interface{}) map[string]interface{} {
	if obj["coding"] != nil {
		return obj
	}
	if obj["code"] != nil {
		return map[string]interface{}{"coding": []interface{}{obj}}
	}
	return obj
}

// cleanResource removes top-level fields outside the known set for
// resource types the normalizer understands. Unknown types pass through
// untouched.
func cleanResource(res map[string]interface{}) {
	resourceType := stringValue(res, "resourceType")
	allowed, ok := topLevelFields[resourceType]
	if !ok {
		return
	}
	for k := range res {
		if baseResourceFields[k] || allowed[k] {
			continue
		}
		delete(res, k)
	}
}

var baseResourceFields = map[string]bool{
	"resourceType": true, "id": true, "meta": true, "implicitRules": true,
	"language": true, "text": true, "contained": true,
	"extension": true, "modifierExtension": true, "identifier": true,
}

func fieldSet(fields ...string) map[string]bool {
	m := make(map[string]bool, len(fields))
	for _, f := range fields {
		m[f] = true
	}
	return m
}

var topLevelFields = map[string]map[string]bool{
	"Patient": fieldSet("active", "name", "telecom", "gender", "birthDate",
		"deceasedBoolean", "deceasedDateTime", "address", "maritalStatus",
		"multipleBirthBoolean", "multipleBirthInteger", "photo", "contact",
		"communication", "generalPractitioner", "managingOrganization", "link"),
	"Practitioner": fieldSet("active", "name", "telecom", "address", "gender",
		"birthDate", "photo", "qualification", "communication"),
	"Organization": fieldSet("active", "type", "name", "alias", "telecom",
		"address", "partOf", "contact", "endpoint"),
	"Location": fieldSet("status", "operationalStatus", "name", "alias",
		"description", "mode", "type", "telecom", "address",
		"position", "managingOrganization", "partOf", "hoursOfOperation",
		"availabilityExceptions", "endpoint"),
	"Encounter": fieldSet("status", "statusHistory", "class", "classHistory",
		"type", "serviceType", "priority", "subject", "episodeOfCare",
		"basedOn", "participant", "appointment", "actualPeriod", "length",
		"reason", "diagnosis", "account", "hospitalization", "admission",
		"location", "serviceProvider", "partOf"),
	"Observation": fieldSet("basedOn", "partOf", "status", "category", "code",
		"subject", "focus", "encounter", "effectiveDateTime", "effectivePeriod",
		"effectiveTiming", "effectiveInstant", "issued", "performer",
		"valueQuantity", "valueCodeableConcept", "valueString", "valueBoolean",
		"valueInteger", "valueRange", "valueRatio", "valueSampledData",
		"valueTime", "valueDateTime", "valuePeriod", "dataAbsentReason",
		"interpretation", "note", "bodySite", "method", "specimen", "device",
		"referenceRange", "hasMember", "derivedFrom", "component"),
	"Condition": fieldSet("clinicalStatus", "verificationStatus", "category",
		"severity", "code", "bodySite", "subject", "encounter",
		"onsetDateTime", "onsetAge", "onsetPeriod", "onsetRange", "onsetString",
		"abatementDateTime", "abatementAge", "abatementPeriod", "abatementRange",
		"abatementString", "recordedDate", "recorder", "asserter", "stage",
		"evidence", "note"),
	"Procedure": fieldSet("instantiatesCanonical", "instantiatesUri", "basedOn",
		"partOf", "status", "statusReason", "category", "code", "subject",
		"encounter", "occurrenceDateTime", "occurrencePeriod", "occurrenceString",
		"occurrenceAge", "occurrenceRange", "recorded", "recorder", "asserter",
		"performer", "location", "reason", "bodySite", "outcome", "report",
		"complication", "complicationDetail", "followUp", "note", "focalDevice",
		"usedReference", "usedCode"),
	"MedicationRequest": fieldSet("status", "statusReason", "intent", "category",
		"priority", "doNotPerform", "reportedBoolean", "reportedReference",
		"medicationCodeableConcept", "medicationReference", "subject", "encounter",
		"supportingInformation", "authoredOn", "requester", "performer",
		"performerType", "recorder", "reasonCode", "reason", "basedOn",
		"groupIdentifier", "courseOfTherapyType", "insurance", "note",
		"dosageInstruction", "dispenseRequest", "substitution", "priorPrescription",
		"detectedIssue", "eventHistory"),
	"MedicationAdministration": fieldSet("instantiates", "basedOn", "partOf",
		"status", "statusReason", "category", "medication", "subject",
		"encounter", "supportingInformation", "occurenceDateTime",
		"occurencePeriod", "recorded", "performer", "reason", "request",
		"device", "note", "dosage", "eventHistory"),
	"AllergyIntolerance": fieldSet("clinicalStatus", "verificationStatus",
		"type", "category", "criticality", "code", "patient", "encounter",
		"onsetDateTime", "onsetAge", "onsetPeriod", "onsetRange", "onsetString",
		"recordedDate", "recorder", "asserter", "lastOccurrence", "note",
		"reaction"),
	"Immunization": fieldSet("status", "statusReason", "vaccineCode", "patient",
		"encounter", "occurrenceDateTime", "occurrenceString", "recorded",
		"primarySource", "reportOrigin", "location", "manufacturer",
		"lotNumber", "expirationDate", "site", "route", "doseQuantity",
		"performer", "note", "reasonCode", "reasonReference", "isSubpotent",
		"subpotentReason", "education", "programEligibility", "fundingSource",
		"reaction", "protocolApplied"),
	"DiagnosticReport": fieldSet("basedOn", "status", "category", "code",
		"subject", "encounter", "effectiveDateTime", "effectivePeriod",
		"issued", "performer", "resultsInterpreter", "specimen", "result",
		"imagingStudy", "media", "conclusion", "conclusionCode", "presentedForm"),
	"DocumentReference": fieldSet("masterIdentifier", "status", "docStatus",
		"type", "category", "subject", "date", "author", "authenticator",
		"custodian", "relatesTo", "description", "securityLabel", "content",
		"context"),
	"Device": fieldSet("definition", "udiCarrier", "status", "statusReason",
		"deviceName", "modelNumber", "partNumber", "type", "specialization",
		"version", "property", "patient", "owner", "contact", "location",
		"url", "note", "safety", "parent", "manufacturer", "manufactureDate",
		"expirationDate", "lotNumber", "serialNumber"),
	"CarePlan": fieldSet("instantiatesCanonical", "instantiatesUri", "basedOn",
		"replaces", "partOf", "status", "intent", "category", "title",
		"description", "subject", "encounter", "period", "created", "author",
		"contributor", "careTeam", "addresses", "supportingInfo", "goal",
		"activity", "note"),
	"CareTeam": fieldSet("status", "category", "name", "subject", "period",
		"participant", "reason", "managingOrganization", "telecom", "note"),
	"Claim": fieldSet("status", "type", "subType", "use", "patient",
		"billablePeriod", "created", "enterer", "insurer", "provider",
		"priority", "fundsReserve", "related", "prescription",
		"originalPrescription", "payee", "referral", "facility", "careTeam",
		"supportingInfo", "diagnosis", "procedure", "insurance", "accident",
		"item", "total"),
	"ExplanationOfBenefit": fieldSet("status", "type", "subType", "use",
		"patient", "billablePeriod", "created", "enterer", "insurer",
		"provider", "priority", "fundsReserveRequested", "fundsReserve",
		"related", "prescription", "originalPrescription", "payee", "referral",
		"facility", "claim", "claimResponse", "outcome", "disposition",
		"preAuthRef", "preAuthRefPeriod", "careTeam", "supportingInfo",
		"diagnosis", "procedure", "precedence", "insurance", "accident",
		"item", "addItem", "adjudication", "total", "payment", "formCode",
		"form", "processNote", "benefitPeriod", "benefitBalance"),
	"ImagingStudy": fieldSet("status", "modality", "subject", "encounter",
		"started", "basedOn", "referrer", "interpreter", "endpoint",
		"numberOfSeries", "numberOfInstances", "procedureReference",
		"location", "reasonCode", "reasonReference", "note", "description",
		"series"),
	"SupplyDelivery": fieldSet("basedOn", "partOf", "status", "patient",
		"type", "suppliedItem", "occurrenceDateTime", "occurrencePeriod",
		"occurrenceTiming", "supplier", "destination", "receiver"),
}

func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

func deepCopyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, child := range val {
			out[k] = deepCopyValue(child)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, child := range val {
			out[i] = deepCopyValue(child)
		}
		return out
	default:
		return v
	}
}
