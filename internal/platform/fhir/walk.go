package fhir

import (
	"fmt"
	"strings"
)

// walkObjects visits every JSON object in a resource tree depth-first.
// The callback receives the dotted path of the object's containing key
// (array elements carry an index suffix, e.g. "name[0]") and the object
// itself. The walker is shared by the reference indexer and the
// normalizer's reference cleanup.
func walkObjects(value interface{}, path string, fn func(path string, obj map[string]interface{})) {
	switch v := value.(type) {
	case map[string]interface{}:
		fn(path, v)
		for key, child := range v {
			childPath := key
			if path != "" {
				childPath = path + "." + key
			}
			walkObjects(child, childPath, fn)
		}
	case []interface{}:
		for i, item := range v {
			walkObjects(item, fmt.Sprintf("%s[%d]", path, i), fn)
		}
	}
}

// mapValue returns the child object at key, or nil when absent or not
// an object.
func mapValue(obj map[string]interface{}, key string) map[string]interface{} {
	m, _ := obj[key].(map[string]interface{})
	return m
}

// sliceValue returns the child array at key. A single object is wrapped
// so callers can treat 0..* fields uniformly.
func sliceValue(obj map[string]interface{}, key string) []interface{} {
	switch v := obj[key].(type) {
	case []interface{}:
		return v
	case map[string]interface{}:
		return []interface{}{v}
	}
	return nil
}

// stringValue returns the string at key, or "".
func stringValue(obj map[string]interface{}, key string) string {
	s, _ := obj[key].(string)
	return s
}

// numberValue returns the numeric value at key. JSON numbers decode as
// float64; numeric strings are not accepted here.
func numberValue(obj map[string]interface{}, key string) (float64, bool) {
	f, ok := obj[key].(float64)
	return f, ok
}

// lastPathElement strips array indexes and returns the final key of a
// dotted walker path ("contact[0].organization" -> "organization").
func lastPathElement(path string) string {
	last := path
	if i := strings.LastIndex(path, "."); i >= 0 {
		last = path[i+1:]
	}
	if i := strings.IndexByte(last, '['); i >= 0 {
		last = last[:i]
	}
	return last
}
