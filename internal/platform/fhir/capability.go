package fhir

import "time"

// NewCapabilityStatement describes the server's REST surface, generated
// from the search parameter registry so the statement and the index
// cannot drift apart.
func NewCapabilityStatement(baseURL, version string) map[string]interface{} {
	var resources []interface{}
	for _, resourceType := range SupportedTypes() {
		var searchParams []interface{}
		for _, name := range ParamsFor(resourceType) {
			paramType, _ := ParamType(resourceType, name)
			searchParams = append(searchParams, map[string]interface{}{
				"name": name,
				"type": string(paramType),
			})
		}
		resources = append(resources, map[string]interface{}{
			"type": resourceType,
			"interaction": []interface{}{
				map[string]interface{}{"code": "read"},
				map[string]interface{}{"code": "vread"},
				map[string]interface{}{"code": "update"},
				map[string]interface{}{"code": "delete"},
				map[string]interface{}{"code": "create"},
				map[string]interface{}{"code": "search-type"},
				map[string]interface{}{"code": "history-instance"},
				map[string]interface{}{"code": "history-type"},
			},
			"conditionalCreate": true,
			"searchParam":       searchParams,
			"searchInclude":     []interface{}{"*"},
			"searchRevInclude":  []interface{}{"*"},
		})
	}

	return map[string]interface{}{
		"resourceType": "CapabilityStatement",
		"status":       "active",
		"date":         time.Now().UTC().Format(time.RFC3339),
		"kind":         "instance",
		"fhirVersion":  "4.0.1",
		"format":       []interface{}{"json"},
		"software": map[string]interface{}{
			"name":    "fhird",
			"version": version,
		},
		"implementation": map[string]interface{}{
			"description": "FHIR R4 resource server",
			"url":         baseURL,
		},
		"rest": []interface{}{
			map[string]interface{}{
				"mode":        "server",
				"resource":    resources,
				"interaction": []interface{}{map[string]interface{}{"code": "transaction"}, map[string]interface{}{"code": "batch"}, map[string]interface{}{"code": "history-system"}},
			},
		},
	}
}
