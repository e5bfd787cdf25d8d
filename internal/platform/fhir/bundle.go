package fhir

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TxRunner scopes fn to one storage transaction. The production runner
// opens a pgx transaction and places it in the context so every store
// call inside joins it; tests pass PassthroughTx.
type TxRunner func(ctx context.Context, fn func(ctx context.Context) error) error

// PassthroughTx runs fn without transaction management, for stores whose
// operations are individually atomic.
func PassthroughTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

var validBundleTypes = map[string]bool{
	"transaction": true, "batch": true, "collection": true,
	"searchset": true, "history": true, "document": true,
}

var validEntryMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true, "PATCH": true,
}

// BundleProcessor executes transaction bundles atomically and batch
// bundles entry by entry. Collection, searchset, history, and document
// bundles are echoed without mutation.
type BundleProcessor struct {
	store Store
	runTx TxRunner
	log   zerolog.Logger
}

func NewBundleProcessor(store Store, runTx TxRunner, log zerolog.Logger) *BundleProcessor {
	if runTx == nil {
		runTx = PassthroughTx
	}
	return &BundleProcessor{store: store, runTx: runTx, log: log}
}

// Process dispatches one bundle. Structural problems return a
// ValidationError; a failed transaction returns the underlying error and
// persists nothing.
func (p *BundleProcessor) Process(ctx context.Context, bundle map[string]interface{}) (map[string]interface{}, error) {
	if stringValue(bundle, "resourceType") != "Bundle" {
		return nil, &ValidationError{Diagnostics: "invalid Bundle resource structure", Expression: []string{"Bundle"}}
	}
	bundleType := stringValue(bundle, "type")
	if bundleType == "" {
		return nil, &ValidationError{Diagnostics: "Bundle.type is required", Expression: []string{"Bundle.type"}}
	}
	if !validBundleTypes[bundleType] {
		return nil, &ValidationError{
			Diagnostics: fmt.Sprintf("invalid Bundle type %q", bundleType),
			Expression:  []string{"Bundle.type"},
		}
	}

	entries := sliceValue(bundle, "entry")
	responseType := bundleType
	if bundleType == "transaction" || bundleType == "batch" {
		responseType = bundleType + "-response"
	}
	response := map[string]interface{}{
		"resourceType": "Bundle",
		"type":         responseType,
		"entry":        []interface{}{},
	}
	if id := stringValue(bundle, "id"); id != "" {
		response["id"] = id
	}

	start := time.Now()
	processed, errored := 0, 0

	switch bundleType {
	case "transaction":
		if err := validateTransactionEntries(entries); err != nil {
			return nil, err
		}
		resolveLocalReferences(entries)
		var responses []interface{}
		err := p.runTx(ctx, func(ctx context.Context) error {
			for i, item := range entries {
				entry, _ := item.(map[string]interface{})
				re, err := p.processEntry(ctx, entry)
				if err != nil {
					return fmt.Errorf("entry %d: %w", i, err)
				}
				responses = append(responses, re)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		response["entry"] = responses
		processed = len(entries)

	case "batch":
		var responses []interface{}
		for i, item := range entries {
			entry, _ := item.(map[string]interface{})
			var re map[string]interface{}
			err := p.runTx(ctx, func(ctx context.Context) error {
				var inner error
				re, inner = p.processEntry(ctx, entry)
				return inner
			})
			if err != nil {
				errored++
				p.log.Warn().Err(err).Int("entry", i).Msg("batch entry failed")
				re = map[string]interface{}{
					"response": map[string]interface{}{
						"status":  statusForError(err),
						"outcome": outcomeMap(outcomeForError(err)),
					},
				}
			} else {
				processed++
			}
			responses = append(responses, re)
		}
		response["entry"] = responses

	case "collection":
		var echoed []interface{}
		for _, item := range entries {
			if entry, ok := item.(map[string]interface{}); ok {
				if res := mapValue(entry, "resource"); res != nil {
					echoed = append(echoed, map[string]interface{}{"resource": res})
				}
			}
		}
		response["entry"] = echoed
		processed = len(echoed)

	default: // searchset, history, document: echo as-is
		response["entry"] = entries
		response["total"] = float64(len(entries))
		processed = len(entries)
	}

	response["meta"] = map[string]interface{}{
		"lastUpdated": time.Now().UTC().Format(time.RFC3339Nano),
		"extension": []interface{}{
			map[string]interface{}{
				"url": "http://fhird.dev/fhir/StructureDefinition/bundle-processing-info",
				"extension": []interface{}{
					map[string]interface{}{"url": "processedCount", "valueInteger": float64(processed)},
					map[string]interface{}{"url": "errorCount", "valueInteger": float64(errored)},
					map[string]interface{}{"url": "processingTimeMs", "valueDecimal": float64(time.Since(start).Microseconds()) / 1000},
				},
			},
		},
	}
	return response, nil
}

// validateTransactionEntries pre-validates every entry so a structurally
// bad bundle fails before any write happens.
func validateTransactionEntries(entries []interface{}) error {
	fullURLs := map[string]bool{}
	for i, item := range entries {
		entry, ok := item.(map[string]interface{})
		if !ok {
			return &ValidationError{
				Diagnostics: fmt.Sprintf("bundle entry %d is not an object", i),
				Expression:  []string{fmt.Sprintf("Bundle.entry[%d]", i)},
			}
		}
		request := mapValue(entry, "request")
		if request == nil {
			return &ValidationError{
				Diagnostics: fmt.Sprintf("bundle entry %d missing required request element", i),
				Expression:  []string{fmt.Sprintf("Bundle.entry[%d].request", i)},
			}
		}
		method := stringValue(request, "method")
		if method == "" || stringValue(request, "url") == "" {
			return &ValidationError{
				Diagnostics: fmt.Sprintf("bundle entry %d request missing method or url", i),
				Expression:  []string{fmt.Sprintf("Bundle.entry[%d].request", i)},
			}
		}
		if !validEntryMethods[method] {
			return &ValidationError{
				Diagnostics: fmt.Sprintf("bundle entry %d has invalid HTTP method %q", i, method),
				Expression:  []string{fmt.Sprintf("Bundle.entry[%d].request.method", i)},
			}
		}
		if (method == "POST" || method == "PUT" || method == "PATCH") && mapValue(entry, "resource") == nil {
			return &ValidationError{
				Diagnostics: fmt.Sprintf("bundle entry %d with method %s missing resource", i, method),
				Expression:  []string{fmt.Sprintf("Bundle.entry[%d].resource", i)},
			}
		}
		if fullURL := stringValue(entry, "fullUrl"); fullURL != "" {
			if fullURLs[fullURL] {
				return &ValidationError{Diagnostics: "bundle contains duplicate fullUrl values"}
			}
			fullURLs[fullURL] = true
		}
	}
	return nil
}

// resolveLocalReferences pre-assigns ids to POST entries addressed by
// urn:uuid fullUrls and rewrites every reference to a fullUrl so stored
// references resolve to the assigned Type/id.
func resolveLocalReferences(entries []interface{}) {
	assigned := map[string]string{} // fullUrl -> Type/id
	for _, item := range entries {
		entry, _ := item.(map[string]interface{})
		if entry == nil {
			continue
		}
		fullURL := stringValue(entry, "fullUrl")
		if !strings.HasPrefix(fullURL, "urn:uuid:") {
			continue
		}
		request := mapValue(entry, "request")
		res := mapValue(entry, "resource")
		if request == nil || res == nil || stringValue(request, "method") != "POST" {
			continue
		}
		resourceType := stringValue(res, "resourceType")
		if resourceType == "" {
			continue
		}
		id := stringValue(res, "id")
		if id == "" {
			candidate := RepairUUID(strings.TrimPrefix(fullURL, "urn:uuid:"))
			if _, err := uuid.Parse(candidate); err == nil {
				id = candidate
			} else {
				id = uuid.New().String()
			}
			res["id"] = id
		}
		assigned[fullURL] = resourceType + "/" + id
	}
	if len(assigned) == 0 {
		return
	}
	for _, item := range entries {
		entry, _ := item.(map[string]interface{})
		if entry == nil {
			continue
		}
		res := mapValue(entry, "resource")
		if res == nil {
			continue
		}
		walkObjects(res, "", func(_ string, obj map[string]interface{}) {
			if s, ok := obj["reference"].(string); ok {
				if target, hit := assigned[s]; hit {
					obj["reference"] = target
				}
			}
		})
	}
}

// processEntry dispatches one entry through the store and returns the
// response entry.
func (p *BundleProcessor) processEntry(ctx context.Context, entry map[string]interface{}) (map[string]interface{}, error) {
	if entry == nil {
		return nil, &ValidationError{Diagnostics: "bundle entry is not an object"}
	}
	request := mapValue(entry, "request")
	if request == nil {
		return nil, &ValidationError{Diagnostics: "bundle entry missing request"}
	}
	method := stringValue(request, "method")
	rawURL := stringValue(request, "url")
	res := mapValue(entry, "resource")

	pathPart, queryPart, _ := strings.Cut(rawURL, "?")
	segments := strings.Split(strings.Trim(pathPart, "/"), "/")
	resourceType := segments[0]
	id := ""
	if len(segments) > 1 {
		id = segments[1]
	}

	switch method {
	case "POST":
		result, err := p.store.Create(ctx, resourceType, res, stringValue(request, "ifNoneExist"))
		if err != nil {
			return nil, err
		}
		status := "201"
		if result.Existing {
			status = "200"
		}
		return map[string]interface{}{
			"response": map[string]interface{}{
				"status":       status,
				"location":     fmt.Sprintf("%s/%s/_history/%d", resourceType, result.ID, result.VersionID),
				"lastModified": result.LastUpdated.Format(time.RFC3339Nano),
			},
		}, nil

	case "PUT":
		if id == "" {
			return nil, &ValidationError{Diagnostics: fmt.Sprintf("PUT url %q missing resource id", rawURL)}
		}
		result, err := p.store.Update(ctx, resourceType, id, res, stringValue(request, "ifMatch"))
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"response": map[string]interface{}{
				"status":       "200",
				"location":     fmt.Sprintf("%s/%s/_history/%d", resourceType, id, result.VersionID),
				"lastModified": result.LastUpdated.Format(time.RFC3339Nano),
			},
		}, nil

	case "DELETE":
		if id == "" {
			return nil, &ValidationError{Diagnostics: fmt.Sprintf("DELETE url %q missing resource id", rawURL)}
		}
		deleted, err := p.store.Delete(ctx, resourceType, id)
		if err != nil {
			return nil, err
		}
		status := "204"
		if !deleted {
			status = "404"
		}
		return map[string]interface{}{
			"response": map[string]interface{}{"status": status},
		}, nil

	case "GET":
		if queryPart != "" || id == "" {
			return p.searchEntry(ctx, resourceType, queryPart)
		}
		resource, err := p.store.Read(ctx, resourceType, id, 0)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return map[string]interface{}{
					"response": map[string]interface{}{"status": "404"},
				}, nil
			}
			return nil, err
		}
		return map[string]interface{}{
			"resource": resource,
			"response": map[string]interface{}{"status": "200"},
		}, nil

	case "PATCH":
		return nil, &ValidationError{Diagnostics: "PATCH bundle entries are not supported"}
	}
	return nil, &ValidationError{Diagnostics: fmt.Sprintf("unsupported bundle entry method %q", method)}
}

// searchEntry executes an embedded GET search and wraps the searchset.
func (p *BundleProcessor) searchEntry(ctx context.Context, resourceType, rawQuery string) (map[string]interface{}, error) {
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return nil, &ValidationError{Diagnostics: fmt.Sprintf("invalid search query %q", rawQuery)}
	}
	preds, rp := ParseQuery(resourceType, values, p.log)
	result, err := p.store.Search(ctx, resourceType, preds, rp)
	if err != nil {
		return nil, err
	}

	var matchEntries []interface{}
	for _, res := range result.Resources {
		matchEntries = append(matchEntries, map[string]interface{}{
			"fullUrl":  resourceType + "/" + stringValue(res, "id"),
			"resource": res,
			"search":   map[string]interface{}{"mode": "match"},
		})
	}
	return map[string]interface{}{
		"resource": map[string]interface{}{
			"resourceType": "Bundle",
			"type":         "searchset",
			"total":        float64(result.Total),
			"entry":        matchEntries,
		},
		"response": map[string]interface{}{"status": "200"},
	}, nil
}

// statusForError maps the error taxonomy to per-entry HTTP statuses.
func statusForError(err error) string {
	var precondition *PreconditionError
	var validation *ValidationError
	switch {
	case errors.Is(err, ErrNotFound):
		return "404"
	case errors.As(err, &precondition):
		return "412"
	case errors.As(err, &validation):
		return "400"
	default:
		return "500"
	}
}

func outcomeForError(err error) *OperationOutcome {
	var precondition *PreconditionError
	var validation *ValidationError
	switch {
	case errors.Is(err, ErrNotFound):
		return NewOperationOutcome("error", "not-found", err.Error())
	case errors.As(err, &precondition):
		return ConflictOutcome(err.Error())
	case errors.As(err, &validation):
		return OutcomeAt("error", "invalid", validation.Diagnostics, validation.Expression...)
	default:
		return NewOperationOutcome("error", "exception", err.Error())
	}
}
