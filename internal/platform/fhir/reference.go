package fhir

import (
	"strings"

	"github.com/google/uuid"
)

// RefKind classifies the syntactic form of a reference string.
type RefKind int

const (
	RefTypeID      RefKind = iota // "Patient/123"
	RefURN                        // "urn:uuid:<uuid>"
	RefURL                        // absolute URL ending in /Type/id
	RefConditional                // "Patient?identifier=..."
	RefContained                  // "#local"
	RefOpaque                     // anything else; kept verbatim
)

// ParsedRef is the resolver's result. Type may be inferred from the
// containing field name for urn:uuid references.
type ParsedRef struct {
	Kind     RefKind
	Type     string
	ID       string
	Criteria string // search criteria of a conditional reference
}

// referenceTargetTypes maps common FHIR reference field names to the
// resource type a urn:uuid value in that field points at. Unknown fields
// fall back to "Resource".
var referenceTargetTypes = map[string]string{
	"subject":                 "Patient",
	"patient":                 "Patient",
	"member":                  "Patient",
	"receiver":                "Patient",
	"beneficiary":             "Patient",
	"encounter":               "Encounter",
	"context":                 "Encounter",
	"author":                  "Practitioner",
	"performer":               "Practitioner",
	"requester":               "Practitioner",
	"practitioner":            "Practitioner",
	"responsibleparty":        "Practitioner",
	"generalPractitioner":     "Practitioner",
	"organization":            "Organization",
	"managingOrganization":    "Organization",
	"serviceProvider":         "Organization",
	"payor":                   "Organization",
	"insurer":                 "Organization",
	"location":                "Location",
	"destination":             "Location",
	"medication":              "Medication",
	"medicationReference":     "Medication",
	"basedOn":                 "ServiceRequest",
	"partOf":                  "Procedure",
	"reasonReference":         "Condition",
	"specimen":                "Specimen",
	"device":                  "Device",
	"derivedFrom":             "Observation",
	"hasMember":               "Observation",
	"prescription":            "MedicationRequest",
	"authorizingPrescription": "MedicationRequest",
	"request":                 "MedicationRequest",
	"coverage":                "Coverage",
	"eventHistory":            "Provenance",
}

// InferTargetType resolves a reference field name to the resource type a
// bare urn:uuid value in that field most likely points at.
func InferTargetType(field string) string {
	if t, ok := referenceTargetTypes[field]; ok {
		return t
	}
	return "Resource"
}

// ParseReference classifies a reference string. field is the name of the
// JSON field holding the Reference object; it drives target-type
// inference for urn:uuid values.
func ParseReference(value, field string) ParsedRef {
	switch {
	case strings.HasPrefix(value, "#"):
		return ParsedRef{Kind: RefContained, ID: strings.TrimPrefix(value, "#")}

	case strings.HasPrefix(value, "urn:uuid:"):
		id := RepairUUID(strings.TrimPrefix(value, "urn:uuid:"))
		return ParsedRef{Kind: RefURN, Type: InferTargetType(field), ID: id}

	case strings.HasPrefix(value, "http://"), strings.HasPrefix(value, "https://"):
		// Absolute URL: the trailing Type/id is what matters.
		parts := strings.Split(strings.TrimRight(value, "/"), "/")
		if len(parts) >= 2 {
			return ParsedRef{Kind: RefURL, Type: parts[len(parts)-2], ID: parts[len(parts)-1]}
		}
		return ParsedRef{Kind: RefOpaque}

	case strings.Contains(value, "?"):
		// Conditional reference, resolved at insert time by the bundle
		// processor.
		parts := strings.SplitN(value, "?", 2)
		return ParsedRef{Kind: RefConditional, Type: parts[0], Criteria: parts[1]}

	case strings.Contains(value, "/"):
		parts := strings.SplitN(value, "/", 2)
		return ParsedRef{Kind: RefTypeID, Type: parts[0], ID: parts[1]}
	}
	return ParsedRef{Kind: RefOpaque, ID: value}
}

// RepairUUID returns the canonical hyphenated form of a malformed uuid
// when the hex content allows it; otherwise the input is retained.
func RepairUUID(s string) string {
	if u, err := uuid.Parse(s); err == nil {
		return u.String()
	}
	hex := strings.ReplaceAll(strings.ToLower(s), "-", "")
	if len(hex) != 32 {
		return s
	}
	candidate := hex[0:8] + "-" + hex[8:12] + "-" + hex[12:16] + "-" + hex[16:20] + "-" + hex[20:32]
	if _, err := uuid.Parse(candidate); err != nil {
		return s
	}
	return candidate
}
