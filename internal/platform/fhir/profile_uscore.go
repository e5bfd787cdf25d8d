package fhir

import "strings"

// usCoreProfiles is the URL set US Core detection matches against.
var usCoreProfiles = map[string]bool{
	"http://hl7.org/fhir/us/core/StructureDefinition/us-core-patient":               true,
	"http://hl7.org/fhir/us/core/StructureDefinition/us-core-practitioner":          true,
	"http://hl7.org/fhir/us/core/StructureDefinition/us-core-encounter":             true,
	"http://hl7.org/fhir/us/core/StructureDefinition/us-core-condition":             true,
	"http://hl7.org/fhir/us/core/StructureDefinition/us-core-observation-lab":       true,
	"http://hl7.org/fhir/us/core/StructureDefinition/us-core-medicationrequest":     true,
	"http://hl7.org/fhir/us/core/StructureDefinition/us-core-careteam":              true,
	"http://hl7.org/fhir/us/core/StructureDefinition/us-core-careplan":              true,
	"http://hl7.org/fhir/us/core/StructureDefinition/us-core-diagnosticreport-note": true,
	"http://hl7.org/fhir/us/core/StructureDefinition/us-core-documentreference":     true,
	"http://hl7.org/fhir/us/core/StructureDefinition/us-core-allergyintolerance":    true,
	"http://hl7.org/fhir/us/core/StructureDefinition/us-core-procedure":             true,
	"http://hl7.org/fhir/us/core/StructureDefinition/us-core-organization":          true,
	"http://hl7.org/fhir/us/core/StructureDefinition/us-core-location":              true,
	"http://hl7.org/fhir/us/core/StructureDefinition/us-core-immunization":          true,
	"http://hl7.org/fhir/us/core/StructureDefinition/us-core-device":                true,
}

// USCoreHandler recognizes US Core profiled data by meta.profile URL.
// US Core is close to plain R4, so the handler's own work is small.
type USCoreHandler struct{}

func (h *USCoreHandler) ProfileURL() string {
	return "http://hl7.org/fhir/us/core/StructureDefinition/"
}

func (h *USCoreHandler) CanHandle(res map[string]interface{}) bool {
	meta := mapValue(res, "meta")
	if meta == nil {
		return false
	}
	for _, p := range sliceValue(meta, "profile") {
		if s, ok := p.(string); ok && usCoreProfiles[s] {
			return true
		}
	}
	return false
}

func (h *USCoreHandler) Transform(res map[string]interface{}) map[string]interface{} {
	if stringValue(res, "resourceType") == "Patient" {
		// US Core requires name.family or name.given; split a lone text.
		for _, item := range sliceValue(res, "name") {
			name, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			text := stringValue(name, "text")
			if text == "" || name["family"] != nil || name["given"] != nil {
				continue
			}
			parts := strings.Fields(text)
			if len(parts) >= 2 {
				given := make([]interface{}, 0, len(parts)-1)
				for _, g := range parts[:len(parts)-1] {
					given = append(given, g)
				}
				name["given"] = given
				name["family"] = parts[len(parts)-1]
			}
		}
	}
	return res
}
