package fhir

// OperationOutcome is the FHIR resource used to convey errors and
// diagnostics on non-2xx responses and per-entry bundle failures.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string           `json:"severity"`
	Code        string           `json:"code"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
	Expression  []string         `json:"expression,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{
				Severity:    severity,
				Code:        code,
				Diagnostics: diagnostics,
			},
		},
	}
}

// OutcomeAt adds the failing field paths to a new outcome.
func OutcomeAt(severity, code, diagnostics string, expression ...string) *OperationOutcome {
	oo := NewOperationOutcome(severity, code, diagnostics)
	oo.Issue[0].Expression = expression
	return oo
}

func ErrorOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome("error", "processing", diagnostics)
}

func InvalidOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome("error", "invalid", diagnostics)
}

func NotFoundOutcome(resourceType, id string) *OperationOutcome {
	return NewOperationOutcome("error", "not-found", resourceType+"/"+id+" not found")
}

func ConflictOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome("error", "conflict", diagnostics)
}

// outcomeMap renders an outcome as a generic resource map for embedding
// in bundle entries.
func outcomeMap(oo *OperationOutcome) map[string]interface{} {
	issues := make([]interface{}, 0, len(oo.Issue))
	for _, is := range oo.Issue {
		issue := map[string]interface{}{
			"severity": is.Severity,
			"code":     is.Code,
		}
		if is.Diagnostics != "" {
			issue["diagnostics"] = is.Diagnostics
		}
		if len(is.Expression) > 0 {
			expr := make([]interface{}, len(is.Expression))
			for i, e := range is.Expression {
				expr[i] = e
			}
			issue["expression"] = expr
		}
		issues = append(issues, issue)
	}
	return map[string]interface{}{
		"resourceType": "OperationOutcome",
		"issue":        issues,
	}
}
