package fhir

import "strings"

// SyntheaHandler recognizes Synthea-generated data. Synthea bundles lean
// on urn:uuid references and a handful of pre-R4 field shapes; detection
// is heuristic, the reshapes themselves live in the shared
// canonicalization table.
type SyntheaHandler struct{}

func (h *SyntheaHandler) ProfileURL() string {
	return "http://synthea.mitre.org/fhir/StructureDefinition/"
}

func (h *SyntheaHandler) CanHandle(res map[string]interface{}) bool {
	if res == nil {
		return false
	}

	if meta := mapValue(res, "meta"); meta != nil {
		for _, p := range sliceValue(meta, "profile") {
			if s, ok := p.(string); ok && strings.Contains(strings.ToLower(s), "synthea") {
				return true
			}
		}
	}

	for _, item := range sliceValue(res, "identifier") {
		if id, ok := item.(map[string]interface{}); ok {
			if strings.Contains(strings.ToLower(stringValue(id, "system")), "synthea") {
				return true
			}
		}
	}

	// Synthea output wires resources together with urn:uuid references.
	switch stringValue(res, "resourceType") {
	case "Encounter", "Patient", "Condition", "Observation":
		if hasURNReference(res) {
			return true
		}
	}

	// Synthea encounters carry a bare-Coding class and participant.individual.
	if stringValue(res, "resourceType") == "Encounter" {
		class := mapValue(res, "class")
		if class != nil && class["coding"] == nil {
			for _, item := range sliceValue(res, "participant") {
				if p, ok := item.(map[string]interface{}); ok && p["individual"] != nil {
					return true
				}
			}
		}
	}

	if stringValue(res, "resourceType") == "Bundle" {
		entries := sliceValue(res, "entry")
		limit := 5
		if len(entries) < limit {
			limit = len(entries)
		}
		for _, item := range entries[:limit] {
			if entry, ok := item.(map[string]interface{}); ok {
				if h.CanHandle(mapValue(entry, "resource")) {
					return true
				}
			}
		}
	}

	return false
}

func hasURNReference(res map[string]interface{}) bool {
	found := false
	walkObjects(res, "", func(_ string, obj map[string]interface{}) {
		if found {
			return
		}
		if s, ok := obj["reference"].(string); ok && strings.HasPrefix(s, "urn:uuid:") {
			found = true
		}
	})
	return found
}

// Transform applies the repairs only Synthea data needs; the shared
// per-type canonicalization follows in the transformer.
func (h *SyntheaHandler) Transform(res map[string]interface{}) map[string]interface{} {
	switch stringValue(res, "resourceType") {
	case "Device":
		// Synthea emits deviceName as a bare string.
		if name, ok := res["deviceName"].(string); ok {
			res["deviceName"] = []interface{}{
				map[string]interface{}{"name": name, "type": "user-friendly-name"},
			}
		}

	case "ExplanationOfBenefit":
		// Contained resources occasionally arrive without a resourceType.
		for _, item := range sliceValue(res, "contained") {
			contained, ok := item.(map[string]interface{})
			if !ok || contained["resourceType"] != nil {
				continue
			}
			switch {
			case contained["kind"] != nil:
				contained["resourceType"] = contained["kind"]
				delete(contained, "kind")
			case contained["name"] != nil && contained["telecom"] != nil:
				contained["resourceType"] = "Organization"
			case contained["name"] != nil:
				contained["resourceType"] = "Practitioner"
			}
		}

	case "Bundle":
		// Entries are normalized by the transformer's bundle walk.
	}
	return res
}
