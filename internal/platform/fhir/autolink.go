package fhir

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fhird/fhird/internal/platform/db"
)

const autoLinkWindow = 7 * 24 * time.Hour

// autoLinkObservation links a freshly created Observation without basedOn
// to the best-matching active laboratory ServiceRequest: same patient,
// overlapping LOINC code, authored within seven days before the
// observation's effective time. On a match the observation gains
// basedOn=[ServiceRequest/<id>] and an active ServiceRequest flips to
// completed. Runs inside the create transaction; the caller treats any
// error as non-fatal.
func (s *PGStore) autoLinkObservation(ctx context.Context, q db.Querier, obsKey int64, obs map[string]interface{}) error {
	patientRef := ""
	if subject := mapValue(obs, "subject"); subject != nil {
		patientRef = stringValue(subject, "reference")
	}
	if patientRef == "" {
		return nil
	}

	obsCodes := loincCodes(obs)
	if len(obsCodes) == 0 {
		return nil
	}

	obsTimeStr := stringValue(obs, "effectiveDateTime")
	if obsTimeStr == "" {
		obsTimeStr = stringValue(obs, "issued")
	}
	if obsTimeStr == "" {
		return nil
	}
	obsTime, _, err := ParseFHIRDate(obsTimeStr)
	if err != nil {
		return nil
	}

	minDate := obsTime.Add(-autoLinkWindow).Format(time.RFC3339)
	rows, err := q.Query(ctx, `
		SELECT r.fhir_id, r.resource
		FROM fhir.resources r
		WHERE r.resource_type = 'ServiceRequest'
		AND r.deleted = false
		AND r.resource->>'status' IN ('active', 'completed')
		AND r.resource->'subject'->>'reference' = $1
		AND (
			r.resource->'category' @> '[{"coding": [{"code": "laboratory"}]}]'::jsonb
			OR r.resource->'category' @> '[{"coding": [{"system": "http://snomed.info/sct", "code": "108252007"}]}]'::jsonb
		)
		AND COALESCE(r.resource->>'authoredOn', r.resource->>'occurrenceDateTime') >= $2
		ORDER BY r.last_updated DESC`,
		patientRef, minDate,
	)
	if err != nil {
		return fmt.Errorf("query service requests: %w", err)
	}
	defer rows.Close()

	var candidates []serviceRequestCandidate
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return fmt.Errorf("scan service request: %w", err)
		}
		var res map[string]interface{}
		if err := json.Unmarshal(blob, &res); err != nil {
			continue
		}
		candidates = append(candidates, serviceRequestCandidate{ID: id, Resource: res})
	}
	if err := rows.Err(); err != nil {
		return err
	}

	best, ok := bestServiceRequestMatch(obsTime, obsCodes, candidates)
	if !ok {
		return nil
	}

	obs["basedOn"] = []interface{}{
		map[string]interface{}{
			"reference": "ServiceRequest/" + best,
			"type":      "ServiceRequest",
		},
	}
	blob, err := json.Marshal(obs)
	if err != nil {
		return fmt.Errorf("encode linked observation: %w", err)
	}
	if _, err := q.Exec(ctx, `
		UPDATE fhir.resources SET resource = $2 WHERE id = $1`,
		obsKey, blob,
	); err != nil {
		return fmt.Errorf("write basedOn link: %w", err)
	}

	if _, err := q.Exec(ctx, `
		UPDATE fhir.resources
		SET resource = jsonb_set(resource, '{status}', '"completed"'::jsonb),
		    last_updated = NOW(),
		    version_id = version_id + 1
		WHERE resource_type = 'ServiceRequest'
		AND fhir_id = $1
		AND resource->>'status' = 'active'`,
		best,
	); err != nil {
		return fmt.Errorf("complete service request: %w", err)
	}

	s.log.Info().Str("observation", stringValue(obs, "id")).Str("service_request", best).
		Msg("auto-linked observation to service request")
	return nil
}

type serviceRequestCandidate struct {
	ID       string
	Resource map[string]interface{}
}

// bestServiceRequestMatch picks the candidate with the smallest positive
// time difference to the observation among those sharing a LOINC code.
func bestServiceRequestMatch(obsTime time.Time, obsCodes []string, candidates []serviceRequestCandidate) (string, bool) {
	bestDiff := autoLinkWindow
	best := ""
	for _, c := range candidates {
		srTimeStr := stringValue(c.Resource, "authoredOn")
		if srTimeStr == "" {
			srTimeStr = stringValue(c.Resource, "occurrenceDateTime")
		}
		if srTimeStr == "" {
			continue
		}
		srTime, _, err := ParseFHIRDate(srTimeStr)
		if err != nil {
			continue
		}
		// The result must come after the order.
		if obsTime.Before(srTime) {
			continue
		}
		if !codesOverlap(obsCodes, loincCodes(c.Resource)) {
			continue
		}
		if diff := obsTime.Sub(srTime); diff < bestDiff {
			bestDiff = diff
			best = c.ID
		}
	}
	return best, best != ""
}

func loincCodes(res map[string]interface{}) []string {
	var codes []string
	if code := mapValue(res, "code"); code != nil {
		for _, c := range sliceValue(code, "coding") {
			if coding, ok := c.(map[string]interface{}); ok {
				if stringValue(coding, "system") == "http://loinc.org" {
					if v := stringValue(coding, "code"); v != "" {
						codes = append(codes, v)
					}
				}
			}
		}
	}
	return codes
}

func codesOverlap(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
