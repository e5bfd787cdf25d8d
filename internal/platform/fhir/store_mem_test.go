package fhir

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// memStore is the in-memory Store implementation the bundle, handler,
// and include tests swap in. It honors the same contract as PGStore:
// normalization on write, monotonic versions, full history, tombstones,
// conditional create, and index-backed search for the predicate shapes
// the tests exercise (_id, token, string, date, number, reference).
type memStore struct {
	mu          sync.Mutex
	transformer *Transformer
	indexer     *Indexer
	records     map[string]*memRecord // "Type/id"
	events      []Event
}

type memRecord struct {
	resourceType string
	id           string
	version      int
	deleted      bool
	resource     map[string]interface{}
	history      []HistoryEntry
}

func newMemStore() *memStore {
	return &memStore{
		transformer: NewTransformer(),
		indexer:     NewIndexer(zerolog.Nop()),
		records:     map[string]*memRecord{},
	}
}

func (s *memStore) key(resourceType, id string) string { return resourceType + "/" + id }

func (s *memStore) Create(ctx context.Context, resourceType string, res map[string]interface{}, ifNoneExist string) (CreateResult, error) {
	res = s.transformer.TransformResource(res, "")
	if err := validateShape(resourceType, res); err != nil {
		return CreateResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if ifNoneExist != "" {
		values, err := url.ParseQuery(ifNoneExist)
		if err != nil {
			return CreateResult{}, &ValidationError{Diagnostics: "invalid If-None-Exist criteria"}
		}
		preds, _ := ParseQuery(resourceType, values, zerolog.Nop())
		matches := s.matchLocked(resourceType, preds)
		switch len(matches) {
		case 0:
		case 1:
			rec := matches[0]
			return CreateResult{ID: rec.id, VersionID: rec.version, Existing: true}, nil
		default:
			return CreateResult{}, &PreconditionError{Diagnostics: "If-None-Exist matched multiple resources"}
		}
	}

	id := stringValue(res, "id")
	if id == "" {
		id = uuid.New().String()
	}
	if rec, exists := s.records[s.key(resourceType, id)]; exists && !rec.deleted {
		return CreateResult{}, &PreconditionError{Diagnostics: fmt.Sprintf("%s/%s already exists", resourceType, id)}
	}

	now := time.Now().UTC()
	stampMeta(res, resourceType, id, 1, now)
	rec := &memRecord{resourceType: resourceType, id: id, version: 1, resource: res}
	rec.history = append(rec.history, HistoryEntry{
		ResourceType: resourceType, ID: id, VersionID: 1, Operation: "create", Time: now,
		Resource: deepCopyValue(res).(map[string]interface{}),
	})
	s.records[s.key(resourceType, id)] = rec
	s.events = append(s.events, Event{Action: "created", ResourceType: resourceType, ID: id})
	return CreateResult{ID: id, VersionID: 1, LastUpdated: now}, nil
}

func (s *memStore) Read(_ context.Context, resourceType, id string, versionID int) (map[string]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[s.key(resourceType, id)]
	if !ok {
		return nil, ErrNotFound
	}
	if versionID > 0 {
		for _, h := range rec.history {
			if h.VersionID == versionID {
				return deepCopyValue(h.Resource).(map[string]interface{}), nil
			}
		}
		return nil, ErrNotFound
	}
	if rec.deleted {
		return nil, ErrNotFound
	}
	return deepCopyValue(rec.resource).(map[string]interface{}), nil
}

func (s *memStore) Update(_ context.Context, resourceType, id string, res map[string]interface{}, ifMatch string) (UpdateResult, error) {
	res = s.transformer.TransformResource(res, "")
	if err := validateShape(resourceType, res); err != nil {
		return UpdateResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[s.key(resourceType, id)]
	if !ok || rec.deleted {
		return UpdateResult{}, ErrNotFound
	}
	if ifMatch != "" {
		m := etagPattern.FindStringSubmatch(ifMatch)
		if m == nil {
			return UpdateResult{}, &ValidationError{Diagnostics: "invalid If-Match header"}
		}
		if m[1] != fmt.Sprintf("%d", rec.version) {
			return UpdateResult{}, &PreconditionError{
				Diagnostics: fmt.Sprintf("version mismatch: current version is %d, If-Match specified %s", rec.version, m[1]),
			}
		}
	}

	rec.version++
	now := time.Now().UTC()
	stampMeta(res, resourceType, id, rec.version, now)
	rec.resource = res
	rec.history = append(rec.history, HistoryEntry{
		ResourceType: resourceType, ID: id, VersionID: rec.version, Operation: "update", Time: now,
		Resource: deepCopyValue(res).(map[string]interface{}),
	})
	s.events = append(s.events, Event{Action: "updated", ResourceType: resourceType, ID: id})
	return UpdateResult{VersionID: rec.version, LastUpdated: now}, nil
}

func (s *memStore) Delete(_ context.Context, resourceType, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[s.key(resourceType, id)]
	if !ok || rec.deleted {
		return false, nil
	}
	rec.version++
	rec.deleted = true
	rec.history = append(rec.history, HistoryEntry{
		ResourceType: resourceType, ID: id, VersionID: rec.version, Operation: "delete", Time: time.Now().UTC(),
		Resource: deepCopyValue(rec.resource).(map[string]interface{}),
	})
	s.events = append(s.events, Event{Action: "deleted", ResourceType: resourceType, ID: id})
	return true, nil
}

func (s *memStore) Search(_ context.Context, resourceType string, preds []Predicate, rp ResultParams) (SearchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matches := s.matchLocked(resourceType, preds)
	sort.Slice(matches, func(i, j int) bool { return matches[i].id < matches[j].id })

	total := len(matches)
	count := resolveCount(rp.Count)
	start := rp.Offset
	if start > total {
		start = total
	}
	end := start + count
	if end > total {
		end = total
	}

	result := SearchResult{Total: total}
	for _, rec := range matches[start:end] {
		result.Resources = append(result.Resources, deepCopyValue(rec.resource).(map[string]interface{}))
	}
	return result, nil
}

func (s *memStore) History(_ context.Context, q HistoryQuery) ([]HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var entries []HistoryEntry
	for _, rec := range s.records {
		if q.ResourceType != "" && rec.resourceType != q.ResourceType {
			continue
		}
		if q.ID != "" && rec.id != q.ID {
			continue
		}
		entries = append(entries, rec.history...)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Time.Equal(entries[j].Time) {
			return entries[i].VersionID > entries[j].VersionID
		}
		return entries[i].Time.After(entries[j].Time)
	})
	return entries, nil
}

func (s *memStore) matchLocked(resourceType string, preds []Predicate) []*memRecord {
	var out []*memRecord
	for _, rec := range s.records {
		if rec.resourceType != resourceType || rec.deleted {
			continue
		}
		rows := s.indexer.Extract(resourceType, rec.resource)
		matched := true
		for _, p := range preds {
			if !matchPredicate(rec, rows, p) {
				matched = false
				break
			}
		}
		if matched {
			out = append(out, rec)
		}
	}
	return out
}

// matchPredicate evaluates one predicate against a record's index rows,
// mirroring the SQL compiler's semantics for the simple predicate types.
func matchPredicate(rec *memRecord, rows []IndexRow, p Predicate) bool {
	if p.Name == "_id" {
		for _, v := range p.Values {
			if v.Code != nil && rec.id == *v.Code {
				return true
			}
		}
		return false
	}

	var paramRows []IndexRow
	for _, r := range rows {
		if r.ParamName == p.Name {
			paramRows = append(paramRows, r)
		}
	}

	for _, v := range p.Values {
		for _, r := range paramRows {
			if matchRowValue(r, p, v) {
				return true
			}
		}
	}
	return false
}

func matchRowValue(r IndexRow, p Predicate, v SearchValue) bool {
	switch p.Type {
	case SearchParamString:
		if r.ValueString == nil {
			return false
		}
		if p.Modifier == "exact" {
			return *r.ValueString == v.String
		}
		return strings.Contains(strings.ToLower(*r.ValueString), strings.ToLower(v.String))

	case SearchParamToken:
		codeMatch := v.Code == nil || (r.TokenCode != nil && *r.TokenCode == *v.Code)
		systemMatch := v.System == nil ||
			(*v.System == "" && r.TokenSystem == nil) ||
			(r.TokenSystem != nil && *r.TokenSystem == *v.System)
		matched := codeMatch && systemMatch
		if p.Modifier == "not" {
			return !matched
		}
		return matched

	case SearchParamDate:
		if r.ValueDate == nil {
			return false
		}
		start, end := dateRange(v.Date, v.DatePrecision)
		d := *r.ValueDate
		switch v.Prefix {
		case "eq", "ap":
			return !d.Before(start) && d.Before(end)
		case "ne":
			return d.Before(start) || !d.Before(end)
		case "lt", "eb":
			return d.Before(start)
		case "le":
			return d.Before(end)
		case "gt", "sa":
			return !d.Before(end)
		case "ge":
			return !d.Before(start)
		}
		return false

	case SearchParamNumber, SearchParamQuantity:
		if r.ValueNumber == nil {
			return false
		}
		n := *r.ValueNumber
		switch v.Prefix {
		case "ne":
			return n != v.Number
		case "lt":
			return n < v.Number
		case "le":
			return n <= v.Number
		case "gt":
			return n > v.Number
		case "ge":
			return n >= v.Number
		default:
			return n == v.Number
		}

	case SearchParamReference:
		refType := v.RefType
		if refType == "" && isTypeName(p.Modifier) {
			refType = p.Modifier
		}
		if r.ValueString != nil {
			if *r.ValueString == "urn:uuid:"+v.RefID {
				return true
			}
			if refType != "" && *r.ValueString == refType+"/"+v.RefID {
				return true
			}
			if refType == "" && *r.ValueString == "Patient/"+v.RefID {
				return true
			}
		}
		// The bare id carries no type; a typed query must not match it.
		if refType == "" && r.ValueReference != nil && *r.ValueReference == v.RefID {
			return true
		}
		return false
	}
	return false
}

func (s *memStore) eventCount(action string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Action == action {
			n++
		}
	}
	return n
}
