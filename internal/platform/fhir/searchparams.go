package fhir

import "sort"

// SearchParamType enumerates the FHIR search parameter value types the
// index understands. The typed value columns of fhir.search_params are
// chosen by this type.
type SearchParamType string

const (
	SearchParamString    SearchParamType = "string"
	SearchParamToken     SearchParamType = "token"
	SearchParamDate      SearchParamType = "date"
	SearchParamNumber    SearchParamType = "number"
	SearchParamQuantity  SearchParamType = "quantity"
	SearchParamReference SearchParamType = "reference"
	SearchParamURI       SearchParamType = "uri"
	SearchParamComposite SearchParamType = "composite"
	SearchParamSpecial   SearchParamType = "special"
)

// commonParams apply to every resource type.
var commonParams = map[string]SearchParamType{
	"_id":          SearchParamToken,
	"_lastUpdated": SearchParamDate,
	"_profile":     SearchParamURI,
	"_tag":         SearchParamToken,
	"_security":    SearchParamToken,
}

// searchParamDefs declares, per resource type, the parameter set the
// extractor emits. The extractor and this table are the two halves of one
// contract: a parameter declared here must be populated by the matching
// extractor in extract.go, and vice versa.
var searchParamDefs = map[string]map[string]SearchParamType{
	"Patient": {
		"identifier":           SearchParamToken,
		"name":                 SearchParamString,
		"family":               SearchParamString,
		"given":                SearchParamString,
		"gender":               SearchParamToken,
		"birthdate":            SearchParamDate,
		"address":              SearchParamString,
		"phone":                SearchParamToken,
		"email":                SearchParamToken,
		"general-practitioner": SearchParamReference,
		"organization":         SearchParamReference,
	},
	"Practitioner": {
		"identifier": SearchParamToken,
		"name":       SearchParamString,
		"family":     SearchParamString,
		"given":      SearchParamString,
		"gender":     SearchParamToken,
		"active":     SearchParamToken,
		"email":      SearchParamToken,
		"phone":      SearchParamToken,
		"address":    SearchParamString,
	},
	"Organization": {
		"identifier": SearchParamToken,
		"name":       SearchParamString,
		"type":       SearchParamToken,
		"active":     SearchParamToken,
		"partof":     SearchParamReference,
		"address":    SearchParamString,
	},
	"PractitionerRole": {
		"identifier":   SearchParamToken,
		"practitioner": SearchParamReference,
		"organization": SearchParamReference,
		"location":     SearchParamReference,
		"specialty":    SearchParamToken,
		"role":         SearchParamToken,
		"active":       SearchParamToken,
	},
	"Location": {
		"identifier":   SearchParamToken,
		"name":         SearchParamString,
		"address":      SearchParamString,
		"address-city": SearchParamString,
		"status":       SearchParamToken,
		"type":         SearchParamToken,
		"organization": SearchParamReference,
		"partof":       SearchParamReference,
		"near":         SearchParamSpecial,
	},
	"Encounter": {
		"identifier":       SearchParamToken,
		"status":           SearchParamToken,
		"class":            SearchParamToken,
		"type":             SearchParamToken,
		"subject":          SearchParamReference,
		"patient":          SearchParamReference,
		"participant":      SearchParamReference,
		"practitioner":     SearchParamReference,
		"service-provider": SearchParamReference,
		"date":             SearchParamDate,
	},
	"Observation": {
		"identifier":                    SearchParamToken,
		"code":                          SearchParamToken,
		"category":                      SearchParamToken,
		"status":                        SearchParamToken,
		"value-quantity":                SearchParamQuantity,
		"date":                          SearchParamDate,
		"subject":                       SearchParamReference,
		"patient":                       SearchParamReference,
		"encounter":                     SearchParamReference,
		"performer":                     SearchParamReference,
		"based-on":                      SearchParamReference,
		"code-value-quantity":           SearchParamComposite,
		"component-code-value-quantity": SearchParamComposite,
	},
	"Condition": {
		"identifier":          SearchParamToken,
		"code":                SearchParamToken,
		"category":            SearchParamToken,
		"clinical-status":     SearchParamToken,
		"verification-status": SearchParamToken,
		"severity":            SearchParamToken,
		"onset-date":          SearchParamDate,
		"recorded-date":       SearchParamDate,
		"subject":             SearchParamReference,
		"patient":             SearchParamReference,
		"encounter":           SearchParamReference,
	},
	"Procedure": {
		"identifier": SearchParamToken,
		"code":       SearchParamToken,
		"status":     SearchParamToken,
		"subject":    SearchParamReference,
		"patient":    SearchParamReference,
		"encounter":  SearchParamReference,
		"performer":  SearchParamReference,
		"date":       SearchParamDate,
	},
	"Medication": {
		"code":   SearchParamToken,
		"status": SearchParamToken,
		"form":   SearchParamToken,
	},
	"MedicationRequest": {
		"identifier": SearchParamToken,
		"code":       SearchParamToken,
		"medication": SearchParamToken,
		"status":     SearchParamToken,
		"intent":     SearchParamToken,
		"subject":    SearchParamReference,
		"patient":    SearchParamReference,
		"encounter":  SearchParamReference,
		"requester":  SearchParamReference,
		"authoredon": SearchParamDate,
	},
	"MedicationAdministration": {
		"identifier":     SearchParamToken,
		"status":         SearchParamToken,
		"code":           SearchParamToken,
		"medication":     SearchParamToken,
		"subject":        SearchParamReference,
		"patient":        SearchParamReference,
		"encounter":      SearchParamReference,
		"request":        SearchParamReference,
		"effective-time": SearchParamDate,
	},
	"MedicationDispense": {
		"identifier":     SearchParamToken,
		"status":         SearchParamToken,
		"code":           SearchParamToken,
		"medication":     SearchParamToken,
		"subject":        SearchParamReference,
		"patient":        SearchParamReference,
		"prescription":   SearchParamReference,
		"whenhandedover": SearchParamDate,
	},
	"AllergyIntolerance": {
		"identifier":      SearchParamToken,
		"code":            SearchParamToken,
		"clinical-status": SearchParamToken,
		"criticality":     SearchParamToken,
		"category":        SearchParamToken,
		"type":            SearchParamToken,
		"patient":         SearchParamReference,
		"date":            SearchParamDate,
	},
	"Immunization": {
		"identifier":   SearchParamToken,
		"vaccine-code": SearchParamToken,
		"status":       SearchParamToken,
		"patient":      SearchParamReference,
		"performer":    SearchParamReference,
		"encounter":    SearchParamReference,
		"date":         SearchParamDate,
	},
	"DiagnosticReport": {
		"identifier": SearchParamToken,
		"code":       SearchParamToken,
		"category":   SearchParamToken,
		"status":     SearchParamToken,
		"subject":    SearchParamReference,
		"patient":    SearchParamReference,
		"encounter":  SearchParamReference,
		"performer":  SearchParamReference,
		"result":     SearchParamReference,
		"date":       SearchParamDate,
		"issued":     SearchParamDate,
	},
	"ImagingStudy": {
		"identifier": SearchParamToken,
		"status":     SearchParamToken,
		"modality":   SearchParamToken,
		"subject":    SearchParamReference,
		"patient":    SearchParamReference,
		"encounter":  SearchParamReference,
		"started":    SearchParamDate,
	},
	"DocumentReference": {
		"identifier": SearchParamToken,
		"type":       SearchParamToken,
		"category":   SearchParamToken,
		"status":     SearchParamToken,
		"subject":    SearchParamReference,
		"patient":    SearchParamReference,
		"encounter":  SearchParamReference,
		"author":     SearchParamReference,
		"custodian":  SearchParamReference,
		"date":       SearchParamDate,
	},
	"ServiceRequest": {
		"identifier": SearchParamToken,
		"code":       SearchParamToken,
		"category":   SearchParamToken,
		"status":     SearchParamToken,
		"intent":     SearchParamToken,
		"subject":    SearchParamReference,
		"patient":    SearchParamReference,
		"encounter":  SearchParamReference,
		"requester":  SearchParamReference,
		"authored":   SearchParamDate,
	},
	"CarePlan": {
		"identifier": SearchParamToken,
		"category":   SearchParamToken,
		"status":     SearchParamToken,
		"intent":     SearchParamToken,
		"subject":    SearchParamReference,
		"patient":    SearchParamReference,
		"encounter":  SearchParamReference,
		"date":       SearchParamDate,
	},
	"CareTeam": {
		"identifier":  SearchParamToken,
		"status":      SearchParamToken,
		"subject":     SearchParamReference,
		"patient":     SearchParamReference,
		"participant": SearchParamReference,
	},
	"Device": {
		"identifier":   SearchParamToken,
		"type":         SearchParamToken,
		"status":       SearchParamToken,
		"patient":      SearchParamReference,
		"organization": SearchParamReference,
	},
	"Coverage": {
		"identifier":  SearchParamToken,
		"status":      SearchParamToken,
		"type":        SearchParamToken,
		"beneficiary": SearchParamReference,
		"patient":     SearchParamReference,
		"payor":       SearchParamReference,
	},
	"Claim": {
		"identifier": SearchParamToken,
		"status":     SearchParamToken,
		"use":        SearchParamToken,
		"patient":    SearchParamReference,
		"encounter":  SearchParamReference,
		"provider":   SearchParamReference,
		"created":    SearchParamDate,
	},
	"ExplanationOfBenefit": {
		"identifier": SearchParamToken,
		"status":     SearchParamToken,
		"patient":    SearchParamReference,
		"encounter":  SearchParamReference,
		"provider":   SearchParamReference,
		"created":    SearchParamDate,
	},
	"SupplyDelivery": {
		"identifier": SearchParamToken,
		"status":     SearchParamToken,
		"patient":    SearchParamReference,
		"supplier":   SearchParamReference,
	},
	"Provenance": {
		"target": SearchParamReference,
		"agent":  SearchParamReference,
		"when":   SearchParamDate,
	},
	"Goal": {
		"identifier":       SearchParamToken,
		"lifecycle-status": SearchParamToken,
		"category":         SearchParamToken,
		"subject":          SearchParamReference,
		"patient":          SearchParamReference,
	},
}

// compositeComponents describes how a declared composite parameter splits
// into its component checks. Components are matched positionally against
// the $-separated value.
var compositeComponents = map[string][]string{
	"code-value-quantity":           {"code", "value-quantity"},
	"component-code-value-quantity": {"component-code", "component-value-quantity"},
}

// ParamType resolves a search parameter name for a resource type.
func ParamType(resourceType, name string) (SearchParamType, bool) {
	if t, ok := commonParams[name]; ok {
		return t, true
	}
	if defs, ok := searchParamDefs[resourceType]; ok {
		if t, ok := defs[name]; ok {
			return t, true
		}
	}
	return "", false
}

// IsSupportedType reports whether the server indexes the resource type.
// Unknown types are still stored and readable; they just carry only the
// common parameters.
func IsSupportedType(resourceType string) bool {
	_, ok := searchParamDefs[resourceType]
	return ok
}

// SupportedTypes returns the indexed resource types in sorted order,
// used by the capability statement.
func SupportedTypes() []string {
	types := make([]string, 0, len(searchParamDefs))
	for t := range searchParamDefs {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// ParamsFor returns the declared parameter names for a resource type in
// sorted order.
func ParamsFor(resourceType string) []string {
	defs := searchParamDefs[resourceType]
	names := make([]string, 0, len(defs))
	for n := range defs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
