package fhir

import (
	"fmt"
	"time"
)

// NewHistoryBundle renders version events as a FHIR history bundle,
// newest first, with the request/response scaffolding clients use to
// replay operations.
func NewHistoryBundle(baseURL string, entries []HistoryEntry) map[string]interface{} {
	entryMaps := make([]interface{}, 0, len(entries))
	for _, e := range entries {
		var method, reqURL, status string
		switch e.Operation {
		case "create":
			method, reqURL, status = "POST", e.ResourceType, "201"
		case "delete":
			method, reqURL, status = "DELETE", e.ResourceType+"/"+e.ID, "204"
		default:
			method, reqURL, status = "PUT", e.ResourceType+"/"+e.ID, "200"
		}
		entry := map[string]interface{}{
			"fullUrl": fmt.Sprintf("%s/%s/%s", baseURL, e.ResourceType, e.ID),
			"request": map[string]interface{}{
				"method": method,
				"url":    reqURL,
			},
			"response": map[string]interface{}{
				"status":       status,
				"lastModified": e.Time.UTC().Format(time.RFC3339Nano),
				"etag":         fmt.Sprintf(`W/"%d"`, e.VersionID),
			},
		}
		if e.Operation != "delete" && e.Resource != nil {
			entry["resource"] = e.Resource
		}
		entryMaps = append(entryMaps, entry)
	}

	return map[string]interface{}{
		"resourceType": "Bundle",
		"type":         "history",
		"total":        float64(len(entryMaps)),
		"entry":        entryMaps,
	}
}
