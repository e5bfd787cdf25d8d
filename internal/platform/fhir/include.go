package fhir

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/rs/zerolog"
)

// BundleEntry is one assembled searchset entry before serialization.
type BundleEntry struct {
	FullURL  string
	Resource map[string]interface{}
	Mode     string // match, include, outcome
}

// ExpandIncludes loads the resources referenced by each match at the
// include specs' parameters. Reference values are resolved through the
// same extractor that populates the index, so the two stay consistent.
// Broken references yield no entry and no error; duplicates are the
// caller's to drop via dedupeEntries.
func ExpandIncludes(ctx context.Context, store Store, resourceType string, matches []map[string]interface{}, includes []IncludeSpec, log zerolog.Logger) []BundleEntry {
	indexer := NewIndexer(zerolog.Nop())
	var entries []BundleEntry

	for _, spec := range includes {
		if spec.SourceType != resourceType {
			continue
		}
		for _, match := range matches {
			for _, row := range indexer.Extract(resourceType, match) {
				if row.ParamName != spec.SearchParam || row.ParamType != SearchParamReference || row.ValueString == nil {
					continue
				}
				ref := ParseReference(*row.ValueString, spec.SearchParam)
				targetType := ref.Type
				if spec.TargetType != "" {
					targetType = spec.TargetType
				}
				if targetType == "" || targetType == "Resource" || ref.ID == "" {
					continue
				}
				target, err := store.Read(ctx, targetType, ref.ID, 0)
				if err != nil {
					if !errors.Is(err, ErrNotFound) {
						log.Warn().Err(err).Str("reference", *row.ValueString).Msg("include resolution failed")
					}
					continue
				}
				entries = append(entries, BundleEntry{
					FullURL:  targetType + "/" + ref.ID,
					Resource: target,
					Mode:     "include",
				})
			}
		}
	}
	return entries
}

// ExpandRevIncludes searches each spec's referencing type for resources
// whose reference parameter points at a match resource. Semantics mirror
// ExpandIncludes.
func ExpandRevIncludes(ctx context.Context, store Store, resourceType string, matches []map[string]interface{}, revIncludes []IncludeSpec, log zerolog.Logger) []BundleEntry {
	var entries []BundleEntry
	for _, spec := range revIncludes {
		for _, match := range matches {
			id := stringValue(match, "id")
			if id == "" {
				continue
			}
			pred := Predicate{
				Name:   spec.SearchParam,
				Type:   SearchParamReference,
				Values: []SearchValue{{RefType: resourceType, RefID: id}},
			}
			result, err := store.Search(ctx, spec.SourceType, []Predicate{pred}, ResultParams{Count: DefaultSearchCount})
			if err != nil {
				log.Warn().Err(err).Str("type", spec.SourceType).Str("param", spec.SearchParam).
					Msg("revinclude search failed")
				continue
			}
			for _, res := range result.Resources {
				entries = append(entries, BundleEntry{
					FullURL:  spec.SourceType + "/" + stringValue(res, "id"),
					Resource: res,
					Mode:     "include",
				})
			}
		}
	}
	return entries
}

// dedupeEntries drops later entries sharing a (Type, id) with an earlier
// one; match entries are appended first so they win over includes.
func dedupeEntries(entries []BundleEntry) []BundleEntry {
	seen := map[string]bool{}
	out := make([]BundleEntry, 0, len(entries))
	for _, e := range entries {
		key := stringValue(e.Resource, "resourceType") + "/" + stringValue(e.Resource, "id")
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, e)
	}
	return out
}

// NewSearchSetBundle assembles the searchset response: match entries,
// deduped include entries, total, and self/next links under offset
// paging.
func NewSearchSetBundle(baseURL, resourceType string, rawQuery url.Values, matches []map[string]interface{}, includes []BundleEntry, total int, rp ResultParams) map[string]interface{} {
	entries := make([]BundleEntry, 0, len(matches)+len(includes))
	for _, res := range matches {
		entries = append(entries, BundleEntry{
			FullURL:  baseURL + "/" + resourceType + "/" + stringValue(res, "id"),
			Resource: res,
			Mode:     "match",
		})
	}
	entries = append(entries, includes...)
	entries = dedupeEntries(entries)

	entryMaps := make([]interface{}, 0, len(entries))
	for _, e := range entries {
		entryMaps = append(entryMaps, map[string]interface{}{
			"fullUrl":  e.FullURL,
			"resource": e.Resource,
			"search":   map[string]interface{}{"mode": e.Mode},
		})
	}

	bundle := map[string]interface{}{
		"resourceType": "Bundle",
		"type":         "searchset",
		"total":        float64(total),
		"entry":        entryMaps,
	}

	links := []interface{}{
		map[string]interface{}{
			"relation": "self",
			"url":      searchURL(baseURL, resourceType, rawQuery, rp.Offset),
		},
	}
	if rp.Offset+len(matches) < total {
		links = append(links, map[string]interface{}{
			"relation": "next",
			"url":      searchURL(baseURL, resourceType, rawQuery, rp.Offset+resolveCount(rp.Count)),
		})
	}
	bundle["link"] = links
	return bundle
}

func searchURL(baseURL, resourceType string, rawQuery url.Values, offset int) string {
	q := url.Values{}
	for k, vs := range rawQuery {
		if k == "_offset" {
			continue
		}
		q[k] = vs
	}
	if offset > 0 {
		q.Set("_offset", fmt.Sprintf("%d", offset))
	}
	u := baseURL + "/" + resourceType
	if encoded := q.Encode(); encoded != "" {
		u += "?" + encoded
	}
	return u
}
