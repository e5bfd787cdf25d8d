package fhir

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// SearchValue is one parsed value of a predicate. Which fields are
// meaningful depends on the predicate's type.
type SearchValue struct {
	Raw           string
	Prefix        string // eq ne lt le gt ge sa eb ap
	String        string
	System        *string // nil: unspecified; empty: explicit "|code"
	Code          *string
	Date          time.Time
	DatePrecision DatePrecision
	Number        float64
	RefType       string
	RefID         string
}

// HasSpec is a parsed _has parameter, possibly nested.
type HasSpec struct {
	RefType  string // referencing resource type
	RefParam string // reference field pointing back at the current type
	Param    string // search parameter on the referencing type
	Nested   *HasSpec
}

// Predicate is one typed search condition.
type Predicate struct {
	Name      string
	Type      SearchParamType
	Modifier  string   // param-type modifier, or target type for references
	Chain     []string // chained parameter names after the base reference
	Values    []SearchValue
	RawValues []string // composite / special / chain values, kept verbatim
	Has       *HasSpec
}

// SortSpec is one _sort entry.
type SortSpec struct {
	Param string
	Desc  bool
}

// IncludeSpec is one parsed _include / _revinclude value.
type IncludeSpec struct {
	SourceType  string
	SearchParam string
	TargetType  string
}

// ResultParams carries the parameters that shape the response rather than
// filter it.
type ResultParams struct {
	Count       int
	Offset      int
	Sorts       []SortSpec
	Includes    []IncludeSpec
	RevIncludes []IncludeSpec
	Summary     string
	Elements    []string
}

// resultParamNames are recognized and routed to ResultParams; everything
// else starting with "_" that is not a common parameter is dropped.
var resultParamNames = map[string]bool{
	"_sort": true, "_count": true, "_offset": true, "_include": true,
	"_revinclude": true, "_summary": true, "_elements": true,
	"_format": true, "_contained": true, "_containedType": true,
}

// ParseQuery splits raw query parameters into typed predicates and result
// parameters. It is strict about structural form and permissive about
// unknown names: an unrecognized or malformed parameter is logged and
// dropped, never an error, so search always returns a valid bundle.
func ParseQuery(resourceType string, raw url.Values, log zerolog.Logger) ([]Predicate, ResultParams) {
	var preds []Predicate
	rp := ResultParams{}

	for name, values := range raw {
		base := name
		if i := strings.IndexByte(base, ':'); i >= 0 && !strings.HasPrefix(base, "_has:") {
			base = base[:i]
		}

		switch {
		case resultParamNames[base]:
			parseResultParam(&rp, base, values)

		case strings.HasPrefix(name, "_has:"):
			if p, ok := parseHasParam(name, values); ok {
				preds = append(preds, p)
			} else {
				log.Debug().Str("param", name).Msg("dropping malformed _has parameter")
			}

		case strings.Contains(name, "."):
			if p, ok := parseChainParam(resourceType, name, values); ok {
				preds = append(preds, p)
			} else {
				log.Debug().Str("param", name).Msg("dropping malformed chained parameter")
			}

		default:
			// Repeated parameters conjoin; commas inside one value disjoin.
			for _, value := range values {
				if p, ok := parseParam(resourceType, name, []string{value}); ok {
					preds = append(preds, p)
				} else {
					log.Debug().Str("resource_type", resourceType).Str("param", name).
						Msg("dropping unknown or malformed search parameter")
				}
			}
		}
	}

	return preds, rp
}

func parseResultParam(rp *ResultParams, name string, values []string) {
	switch name {
	case "_count":
		if n, err := strconv.Atoi(values[0]); err == nil && n >= 0 {
			rp.Count = n
		}
	case "_offset":
		if n, err := strconv.Atoi(values[0]); err == nil && n >= 0 {
			rp.Offset = n
		}
	case "_sort":
		for _, v := range values {
			for _, part := range strings.Split(v, ",") {
				part = strings.TrimSpace(part)
				if part == "" {
					continue
				}
				if strings.HasPrefix(part, "-") {
					rp.Sorts = append(rp.Sorts, SortSpec{Param: part[1:], Desc: true})
				} else {
					rp.Sorts = append(rp.Sorts, SortSpec{Param: part})
				}
			}
		}
	case "_include":
		rp.Includes = append(rp.Includes, parseIncludeValues(values)...)
	case "_revinclude":
		rp.RevIncludes = append(rp.RevIncludes, parseIncludeValues(values)...)
	case "_summary":
		rp.Summary = values[0]
	case "_elements":
		for _, v := range values {
			for _, e := range strings.Split(v, ",") {
				if e = strings.TrimSpace(e); e != "" {
					rp.Elements = append(rp.Elements, e)
				}
			}
		}
	}
}

func parseIncludeValues(values []string) []IncludeSpec {
	var specs []IncludeSpec
	for _, v := range values {
		parts := strings.Split(v, ":")
		switch len(parts) {
		case 2:
			specs = append(specs, IncludeSpec{SourceType: parts[0], SearchParam: parts[1]})
		case 3:
			specs = append(specs, IncludeSpec{SourceType: parts[0], SearchParam: parts[1], TargetType: parts[2]})
		}
	}
	return specs
}

// parseHasParam parses "_has:Type:refField:param" names, nesting on a
// trailing "_has:".
func parseHasParam(name string, values []string) (Predicate, bool) {
	spec, ok := parseHasSpec(name)
	if !ok {
		return Predicate{}, false
	}
	return Predicate{Name: name, Type: "_has", Has: spec, RawValues: splitValues(values)}, true
}

func parseHasSpec(name string) (*HasSpec, bool) {
	rest, ok := strings.CutPrefix(name, "_has:")
	if !ok {
		return nil, false
	}
	parts := strings.SplitN(rest, ":", 3)
	if len(parts) < 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return nil, false
	}
	spec := &HasSpec{RefType: parts[0], RefParam: parts[1], Param: parts[2]}
	if strings.HasPrefix(parts[2], "_has:") {
		nested, ok := parseHasSpec(parts[2])
		if !ok {
			return nil, false
		}
		spec.Param = ""
		spec.Nested = nested
	}
	return spec, true
}

// parseChainParam parses "ref.param", "ref:Type.param" and deeper chains
// like "organization.partof.name".
func parseChainParam(resourceType, name string, values []string) (Predicate, bool) {
	typeModifier := ""
	head := name
	if colon := strings.IndexByte(name, ':'); colon >= 0 && colon < strings.IndexByte(name, '.') {
		head = name[:colon] + name[strings.IndexByte(name, '.'):]
		typeModifier = name[colon+1 : strings.IndexByte(name, '.')]
	}
	parts := strings.Split(head, ".")
	if len(parts) < 2 {
		return Predicate{}, false
	}
	for _, p := range parts {
		if p == "" {
			return Predicate{}, false
		}
	}
	baseType, ok := ParamType(resourceType, parts[0])
	if ok && baseType != SearchParamReference {
		return Predicate{}, false
	}
	return Predicate{
		Name:      parts[0],
		Type:      SearchParamReference,
		Modifier:  typeModifier,
		Chain:     parts[1:],
		RawValues: splitValues(values),
	}, true
}

var validModifiers = map[SearchParamType]map[string]bool{
	SearchParamString:    {"exact": true, "contains": true, "missing": true},
	SearchParamToken:     {"text": true, "not": true, "above": true, "below": true, "in": true, "not-in": true, "missing": true},
	SearchParamDate:      {"missing": true},
	SearchParamNumber:    {"missing": true},
	SearchParamQuantity:  {"missing": true},
	SearchParamURI:       {"missing": true},
	SearchParamReference: {"missing": true, "type": true, "identifier": true},
}

func parseParam(resourceType, name string, values []string) (Predicate, bool) {
	base, modifier := name, ""
	if i := strings.IndexByte(name, ':'); i >= 0 {
		base, modifier = name[:i], name[i+1:]
	}

	paramType, ok := ParamType(resourceType, base)
	if !ok {
		return Predicate{}, false
	}

	if paramType == SearchParamComposite {
		return Predicate{Name: base, Type: paramType, Modifier: modifier, RawValues: splitValues(values)}, true
	}
	if paramType == SearchParamSpecial {
		return Predicate{Name: base, Type: paramType, RawValues: splitValues(values)}, true
	}

	if modifier != "" {
		allowed := validModifiers[paramType][modifier]
		// A capitalized reference modifier restricts the target type.
		if !allowed && paramType == SearchParamReference && isTypeName(modifier) {
			allowed = true
		}
		if !allowed {
			return Predicate{}, false
		}
	}

	if modifier == "missing" {
		return Predicate{Name: base, Type: paramType, Modifier: modifier, RawValues: splitValues(values)}, true
	}

	var parsed []SearchValue
	for _, raw := range splitValues(values) {
		if v, ok := parseValue(paramType, raw); ok {
			parsed = append(parsed, v)
		}
	}
	if len(parsed) == 0 {
		return Predicate{}, false
	}
	return Predicate{Name: base, Type: paramType, Modifier: modifier, Values: parsed}, true
}

// splitValues expands repeated parameters and comma-separated OR lists.
func splitValues(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func isTypeName(s string) bool {
	return s != "" && s[0] >= 'A' && s[0] <= 'Z' && !strings.ContainsAny(s, "|$,")
}

var comparatorPrefixes = []string{"eq", "ne", "lt", "le", "gt", "ge", "sa", "eb", "ap"}

// splitPrefix detects a leading two-letter comparator when it is followed
// by a literal; otherwise the whole value is the literal and the prefix
// defaults to eq.
func splitPrefix(raw string) (string, string) {
	for _, p := range comparatorPrefixes {
		if strings.HasPrefix(raw, p) && len(raw) > 2 {
			return p, raw[2:]
		}
	}
	return "eq", raw
}

func parseValue(paramType SearchParamType, raw string) (SearchValue, bool) {
	v := SearchValue{Raw: raw}
	switch paramType {
	case SearchParamString, SearchParamURI:
		v.String = raw
		return v, true

	case SearchParamToken:
		if i := strings.IndexByte(raw, '|'); i >= 0 {
			system, code := raw[:i], raw[i+1:]
			v.System = &system
			if code != "" {
				v.Code = &code
			}
		} else {
			code := raw
			v.Code = &code
		}
		return v, true

	case SearchParamDate:
		prefix, lit := splitPrefix(raw)
		t, prec, err := ParseFHIRDate(lit)
		if err != nil {
			return v, false
		}
		v.Prefix, v.Date, v.DatePrecision = prefix, t, prec
		return v, true

	case SearchParamNumber, SearchParamQuantity:
		prefix, lit := splitPrefix(raw)
		// Quantity values may carry |system|code after the number.
		if i := strings.IndexByte(lit, '|'); i >= 0 {
			lit = lit[:i]
		}
		n, err := strconv.ParseFloat(lit, 64)
		if err != nil {
			return v, false
		}
		v.Prefix, v.Number = prefix, n
		return v, true

	case SearchParamReference:
		if i := strings.IndexByte(raw, '/'); i >= 0 {
			v.RefType, v.RefID = raw[:i], raw[i+1:]
		} else {
			v.RefID = strings.TrimPrefix(raw, "urn:uuid:")
		}
		return v, v.RefID != ""
	}
	return v, false
}
