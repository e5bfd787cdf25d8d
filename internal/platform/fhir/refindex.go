package fhir

// ReferenceRow is one occurrence of a reference field anywhere in a
// resource blob. Rows power _revinclude and integrity queries; contained
// (#) references are skipped.
type ReferenceRow struct {
	SourceType     string
	TargetType     string
	TargetID       string
	ReferencePath  string
	ReferenceValue string
}

// ExtractReferences walks the blob and emits one row per reference
// occurrence. Target type is inferred from the containing field name when
// the value is a urn:uuid.
func ExtractReferences(resourceType string, res map[string]interface{}) []ReferenceRow {
	var rows []ReferenceRow
	walkObjects(res, "", func(path string, obj map[string]interface{}) {
		value, ok := obj["reference"].(string)
		if !ok || value == "" {
			return
		}
		ref := ParseReference(value, lastPathElement(path))
		switch ref.Kind {
		case RefContained, RefConditional, RefOpaque:
			return
		}
		if ref.Type == "" || ref.ID == "" {
			return
		}
		rows = append(rows, ReferenceRow{
			SourceType:     resourceType,
			TargetType:     ref.Type,
			TargetID:       ref.ID,
			ReferencePath:  path,
			ReferenceValue: value,
		})
	})
	return rows
}
