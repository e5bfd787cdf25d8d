package fhir

import (
	"reflect"
	"testing"
)

func transform(res map[string]interface{}) map[string]interface{} {
	return NewTransformer().TransformResource(res, "")
}

func TestNormalize_EncounterClassAndPeriod(t *testing.T) {
	out := transform(map[string]interface{}{
		"resourceType": "Encounter",
		"id":           "e1",
		"status":       "finished",
		"class":        map[string]interface{}{"system": "http://terminology.hl7.org/CodeSystem/v3-ActCode", "code": "AMB"},
		"period":       map[string]interface{}{"start": "2024-01-10T09:00:00Z"},
		"participant": []interface{}{
			map[string]interface{}{
				"individual": map[string]interface{}{"reference": "Practitioner/dr-1"},
			},
		},
		"reasonCode": map[string]interface{}{
			"coding": []interface{}{map[string]interface{}{"code": "185347001"}},
		},
	})

	classes, ok := out["class"].([]interface{})
	if !ok || len(classes) != 1 {
		t.Fatalf("class should be an array: %+v", out["class"])
	}
	first := classes[0].(map[string]interface{})
	if first["coding"] == nil {
		t.Errorf("bare Coding should be wrapped: %+v", first)
	}

	if out["period"] != nil {
		t.Error("period should be renamed")
	}
	if mapValue(out, "actualPeriod") == nil {
		t.Error("actualPeriod missing")
	}

	participants := out["participant"].([]interface{})
	p := participants[0].(map[string]interface{})
	if p["individual"] != nil || mapValue(p, "actor") == nil {
		t.Errorf("participant.individual should become actor: %+v", p)
	}

	if out["reasonCode"] != nil {
		t.Error("reasonCode should be rewritten")
	}
	reasons := out["reason"].([]interface{})
	use := reasons[0].(map[string]interface{})["use"].([]interface{})
	if len(use) != 1 {
		t.Errorf("reason[].use[] missing: %+v", reasons)
	}
}

func TestNormalize_MedicationRequestCollapse(t *testing.T) {
	// Synthea-style CodeableConcept under medication.
	out := transform(map[string]interface{}{
		"resourceType": "MedicationRequest",
		"id":           "m1",
		"status":       "active",
		"medication": map[string]interface{}{
			"coding": []interface{}{map[string]interface{}{"code": "197361"}},
		},
		"dosageInstruction": []interface{}{
			map[string]interface{}{"asNeededBoolean": true, "text": "as needed"},
		},
	})
	if out["medication"] != nil {
		t.Error("medication wrapper should be collapsed")
	}
	if mapValue(out, "medicationCodeableConcept") == nil {
		t.Errorf("expected medicationCodeableConcept, got %+v", out)
	}
	dosage := out["dosageInstruction"].([]interface{})[0].(map[string]interface{})
	if dosage["asNeededBoolean"] != nil || dosage["asNeeded"] != true {
		t.Errorf("asNeededBoolean should become asNeeded: %+v", dosage)
	}

	// CodeableReference form.
	out = transform(map[string]interface{}{
		"resourceType": "MedicationRequest",
		"id":           "m2",
		"medication": map[string]interface{}{
			"concept": map[string]interface{}{
				"coding": []interface{}{map[string]interface{}{"code": "197361"}},
			},
		},
	})
	if mapValue(out, "medicationCodeableConcept") == nil {
		t.Errorf("concept form should collapse: %+v", out)
	}

	// Reference form.
	out = transform(map[string]interface{}{
		"resourceType": "MedicationRequest",
		"id":           "m3",
		"medication":   map[string]interface{}{"reference": "Medication/med-1"},
	})
	if mapValue(out, "medicationReference") == nil {
		t.Errorf("reference form should collapse: %+v", out)
	}
}

func TestNormalize_MedicationAdministrationOccurence(t *testing.T) {
	out := transform(map[string]interface{}{
		"resourceType":      "MedicationAdministration",
		"id":                "ma1",
		"status":            "completed",
		"effectiveDateTime": "2024-02-01T10:00:00Z",
		"medicationCodeableConcept": map[string]interface{}{
			"coding": []interface{}{map[string]interface{}{"code": "197361"}},
		},
	})
	// The library spelling is kept.
	if out["occurenceDateTime"] != "2024-02-01T10:00:00Z" {
		t.Errorf("expected occurenceDateTime, got %+v", out)
	}
	if out["effectiveDateTime"] != nil || out["occurrenceDateTime"] != nil {
		t.Error("source spellings should be gone")
	}
	med := mapValue(out, "medication")
	if med == nil || mapValue(med, "concept") == nil {
		t.Errorf("medication should be a CodeableReference: %+v", out["medication"])
	}
}

func TestNormalize_AllergyIntolerance(t *testing.T) {
	out := transform(map[string]interface{}{
		"resourceType": "AllergyIntolerance",
		"id":           "a1",
		"type":         "allergy",
		"patient":      map[string]interface{}{"reference": "Patient/p1"},
		"reaction": []interface{}{
			map[string]interface{}{
				"manifestation": []interface{}{
					map[string]interface{}{
						"coding": []interface{}{map[string]interface{}{"code": "271807003"}},
						"text":   "Rash",
					},
				},
			},
		},
	})

	typeField := mapValue(out, "type")
	if typeField == nil || typeField["coding"] == nil {
		t.Errorf("type should be promoted to CodeableConcept: %+v", out["type"])
	}

	reaction := out["reaction"].([]interface{})[0].(map[string]interface{})
	manifest := reaction["manifestation"].([]interface{})[0].(map[string]interface{})
	concept := mapValue(manifest, "concept")
	if concept == nil || concept["coding"] == nil || concept["text"] != "Rash" {
		t.Errorf("manifestation should be a CodeableReference: %+v", manifest)
	}
}

func TestNormalize_DocumentReference(t *testing.T) {
	out := transform(map[string]interface{}{
		"resourceType": "DocumentReference",
		"id":           "d1",
		"status":       "current",
		"type": []interface{}{
			map[string]interface{}{"coding": []interface{}{map[string]interface{}{"code": "34133-9"}}},
		},
		"context": map[string]interface{}{
			"encounter": []interface{}{map[string]interface{}{"reference": "Encounter/e1"}},
		},
		"content": []interface{}{
			map[string]interface{}{
				"attachment": map[string]interface{}{"contentType": "text/plain"},
				"format":     map[string]interface{}{"code": "urn:ihe:iti:xds:2017:mimeTypeSufficient"},
			},
		},
	})

	if _, isArr := out["type"].([]interface{}); isArr {
		t.Errorf("type should be singular: %+v", out["type"])
	}
	ctx := mapValue(out, "context")
	if ctx == nil || ctx["reference"] != "Encounter/e1" {
		t.Errorf("context should reduce to the encounter reference: %+v", out["context"])
	}
	content := out["content"].([]interface{})[0].(map[string]interface{})
	if content["format"] != nil {
		t.Errorf("content.format should be dropped: %+v", content)
	}
}

func TestNormalize_DeviceUDIIssuer(t *testing.T) {
	out := transform(map[string]interface{}{
		"resourceType": "Device",
		"id":           "dev1",
		"type":         map[string]interface{}{"coding": []interface{}{map[string]interface{}{"code": "25062003"}}},
		"udiCarrier": []interface{}{
			map[string]interface{}{"deviceIdentifier": "00844588003288"},
		},
		"manufacturer": []interface{}{"Acme Devices"},
	})

	if _, isArr := out["type"].([]interface{}); !isArr {
		t.Errorf("Device.type should be an array: %+v", out["type"])
	}
	carrier := out["udiCarrier"].([]interface{})[0].(map[string]interface{})
	if carrier["issuer"] != "Unknown" {
		t.Errorf("missing issuer should be synthesized: %+v", carrier)
	}
	if out["manufacturer"] != "Acme Devices" {
		t.Errorf("manufacturer should be singular: %+v", out["manufacturer"])
	}
}

func TestNormalize_CarePlanActivity(t *testing.T) {
	out := transform(map[string]interface{}{
		"resourceType": "CarePlan",
		"id":           "cp1",
		"status":       "active",
		"intent":       "plan",
		"activity": []interface{}{
			map[string]interface{}{
				"detail": map[string]interface{}{
					"code": map[string]interface{}{
						"coding": []interface{}{
							map[string]interface{}{"code": "409002", "display": "Food allergy diet"},
						},
					},
				},
			},
			map[string]interface{}{
				"outcomeCodeableConcept": map[string]interface{}{
					"coding": []interface{}{map[string]interface{}{"code": "finished"}},
				},
			},
		},
		"addresses": []interface{}{
			map[string]interface{}{"reference": "Condition/c1"},
		},
	})

	activities := out["activity"].([]interface{})
	if len(activities) != 2 {
		t.Fatalf("expected 2 rebuilt activities, got %d", len(activities))
	}
	planned := mapValue(activities[0].(map[string]interface{}), "plannedActivityReference")
	if planned == nil || planned["reference"] != "ServiceRequest/409002" {
		t.Errorf("detail should become a synthetic ServiceRequest reference: %+v", activities[0])
	}
	performed := mapValue(activities[1].(map[string]interface{}), "performedActivity")
	if performed == nil || performed["concept"] == nil {
		t.Errorf("outcome should become performedActivity: %+v", activities[1])
	}

	addr := out["addresses"].([]interface{})[0].(map[string]interface{})
	if mapValue(addr, "reference") == nil {
		t.Errorf("addresses should be CodeableReference-wrapped: %+v", addr)
	}
}

func TestNormalize_CareTeamRoleSingular(t *testing.T) {
	out := transform(map[string]interface{}{
		"resourceType": "CareTeam",
		"id":           "ct1",
		"participant": []interface{}{
			map[string]interface{}{
				"role": []interface{}{
					map[string]interface{}{"coding": []interface{}{map[string]interface{}{"code": "doctor"}}},
				},
			},
		},
	})
	p := out["participant"].([]interface{})[0].(map[string]interface{})
	if _, isArr := p["role"].([]interface{}); isArr {
		t.Errorf("participant.role should be singular: %+v", p["role"])
	}
}

func TestNormalize_ClaimAndEOB(t *testing.T) {
	out := transform(map[string]interface{}{
		"resourceType": "Claim",
		"id":           "cl1",
		"total": []interface{}{
			map[string]interface{}{"value": 100.0, "currency": "USD"},
		},
	})
	if _, isArr := out["total"].([]interface{}); isArr {
		t.Errorf("Claim.total should be singular: %+v", out["total"])
	}

	out = transform(map[string]interface{}{
		"resourceType": "ExplanationOfBenefit",
		"id":           "eob1",
		"contained": []interface{}{
			map[string]interface{}{
				"resourceType": "Coverage",
				"id":           "coverage-1",
				"payor":        []interface{}{map[string]interface{}{"reference": "Organization/ins-1"}},
			},
		},
	})
	contained := out["contained"].([]interface{})[0].(map[string]interface{})
	if contained["kind"] != "insurance" {
		t.Errorf("contained Coverage should gain kind: %+v", contained)
	}
	if contained["payor"] != nil || mapValue(contained, "insurer") == nil {
		t.Errorf("payor should become insurer: %+v", contained)
	}
}

func TestNormalize_ObservationComponentsAndQuantity(t *testing.T) {
	out := transform(map[string]interface{}{
		"resourceType": "Observation",
		"id":           "o1",
		"status":       "final",
		"code":         map[string]interface{}{"coding": []interface{}{map[string]interface{}{"code": "85354-9"}}},
		"valueQuantity": map[string]interface{}{
			"value": "120", "unit": "mmHg", "bogus": "x",
		},
		"interpretation": map[string]interface{}{
			"coding": []interface{}{map[string]interface{}{"code": "H"}},
		},
		"component": map[string]interface{}{
			"code":          map[string]interface{}{"coding": []interface{}{map[string]interface{}{"code": "8480-6"}}},
			"valueQuantity": map[string]interface{}{"value": 120.0},
			"junkField":     "drop me",
		},
	})

	q := mapValue(out, "valueQuantity")
	if q["value"] != 120.0 {
		t.Errorf("quantity value should be forced numeric: %+v", q)
	}
	if q["bogus"] != nil {
		t.Errorf("unknown quantity fields should be dropped: %+v", q)
	}

	if _, isArr := out["interpretation"].([]interface{}); !isArr {
		t.Errorf("interpretation should be an array: %+v", out["interpretation"])
	}

	comps := out["component"].([]interface{})
	comp := comps[0].(map[string]interface{})
	if comp["junkField"] != nil {
		t.Errorf("component fields should be whitelisted: %+v", comp)
	}
}

func TestNormalize_ReferenceRepair(t *testing.T) {
	out := transform(map[string]interface{}{
		"resourceType": "Observation",
		"id":           "o1",
		"subject": map[string]interface{}{
			"reference": "urn:uuid:11111111222233334444555555555555",
			"garbage":   true,
		},
	})
	subject := mapValue(out, "subject")
	if subject["reference"] != "urn:uuid:11111111-2222-3333-4444-555555555555" {
		t.Errorf("malformed urn should be repaired: %+v", subject)
	}
	if subject["garbage"] != nil {
		t.Errorf("reference object should be cleaned: %+v", subject)
	}
}

func TestNormalize_UnknownTypePassesThrough(t *testing.T) {
	in := map[string]interface{}{
		"resourceType": "Basic",
		"id":           "b1",
		"anything":     "stays",
	}
	out := transform(in)
	if out["anything"] != "stays" {
		t.Errorf("unknown types should pass through: %+v", out)
	}
}

func TestNormalize_CanonicalIsFixedPoint(t *testing.T) {
	canonical := []map[string]interface{}{
		{
			"resourceType": "Patient",
			"id":           "p1",
			"name": []interface{}{
				map[string]interface{}{"family": "Smith", "given": []interface{}{"Ann"}},
			},
			"gender":    "female",
			"birthDate": "1980-04-02",
		},
		{
			"resourceType": "Observation",
			"id":           "o1",
			"status":       "final",
			"code": map[string]interface{}{
				"coding": []interface{}{map[string]interface{}{"system": "http://loinc.org", "code": "8867-4"}},
			},
			"subject":           map[string]interface{}{"reference": "Patient/p1"},
			"effectiveDateTime": "2024-02-20T08:00:00Z",
			"valueQuantity":     map[string]interface{}{"value": 72.0, "unit": "/min"},
		},
		{
			"resourceType": "Encounter",
			"id":           "e1",
			"status":       "finished",
			"class": []interface{}{
				map[string]interface{}{"coding": []interface{}{map[string]interface{}{"code": "AMB"}}},
			},
			"subject":      map[string]interface{}{"reference": "Patient/p1"},
			"actualPeriod": map[string]interface{}{"start": "2024-01-10T09:00:00Z"},
		},
	}
	for _, res := range canonical {
		once := transform(res)
		twice := transform(once)
		if !reflect.DeepEqual(once, twice) {
			t.Errorf("normalization is not a fixed point for %s:\nonce:  %+v\ntwice: %+v",
				res["resourceType"], once, twice)
		}
	}
}

func TestNormalize_ProfileInsertedIdempotently(t *testing.T) {
	tr := NewTransformer()
	res := map[string]interface{}{"resourceType": "Patient", "id": "p1"}
	out := tr.TransformResource(res, "http://example.org/profile")
	out = tr.TransformResource(out, "http://example.org/profile")
	profiles := sliceValue(mapValue(out, "meta"), "profile")
	if len(profiles) != 1 {
		t.Errorf("profile should be inserted once: %+v", profiles)
	}
}

func TestNormalize_InputNotMutated(t *testing.T) {
	in := map[string]interface{}{
		"resourceType": "Encounter",
		"id":           "e1",
		"period":       map[string]interface{}{"start": "2024-01-10T09:00:00Z"},
	}
	transform(in)
	if in["period"] == nil {
		t.Error("transformer must not mutate its input")
	}
}
