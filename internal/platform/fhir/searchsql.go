package fhir

import (
	"fmt"
	"strconv"
	"strings"
)

// SearchQuery is a compiled search: the page query, the pre-page count
// query, and their positional arguments. CountArgs is the prefix of Args
// shared by the count query, which carries no sort or paging binds.
type SearchQuery struct {
	SQL       string
	CountSQL  string
	Args      []interface{}
	CountArgs []interface{}
}

// chainTargetTypes resolves a reference search parameter to the resource
// type a chain through it lands on, when no :Type modifier was given.
var chainTargetTypes = map[string]string{
	"subject":              "Patient",
	"patient":              "Patient",
	"beneficiary":          "Patient",
	"performer":            "Practitioner",
	"requester":            "Practitioner",
	"author":               "Practitioner",
	"general-practitioner": "Practitioner",
	"participant":          "Practitioner",
	"practitioner":         "Practitioner",
	"organization":         "Organization",
	"partof":               "Organization",
	"service-provider":     "Organization",
	"custodian":            "Organization",
	"payor":                "Organization",
	"provider":             "Organization",
	"encounter":            "Encounter",
	"location":             "Location",
	"based-on":             "ServiceRequest",
	"medication":           "Medication",
	"prescription":         "MedicationRequest",
	"request":              "MedicationRequest",
	"result":               "Observation",
}

func chainTarget(refParam, typeModifier string) string {
	if typeModifier != "" {
		return typeModifier
	}
	if t, ok := chainTargetTypes[refParam]; ok {
		return t
	}
	return "Resource"
}

type queryBuilder struct {
	args    []interface{}
	aliasN  int
	joins   []string
	wheres  []string
	sortSel []string
	orderBy []string
}

func (b *queryBuilder) bind(v interface{}) string {
	b.args = append(b.args, v)
	return fmt.Sprintf("$%d", len(b.args))
}

func (b *queryBuilder) alias(prefix string) string {
	b.aliasN++
	return fmt.Sprintf("%s%d", prefix, b.aliasN)
}

// BuildSearchQuery compiles the predicate list into one query over
// fhir.resources joined to fhir.search_params once per indexed predicate
// (_id, :missing, quantity and composite clauses do not join it), with EXISTS
// subqueries for chains and _has. Comma-separated values disjoin inside a
// clause; clauses conjoin.
func BuildSearchQuery(resourceType string, preds []Predicate, rp ResultParams) SearchQuery {
	b := &queryBuilder{}
	b.wheres = append(b.wheres,
		"r.resource_type = "+b.bind(resourceType),
		"r.deleted = false",
	)

	for _, p := range preds {
		if clause := b.predicateClause(resourceType, p); clause != "" {
			b.wheres = append(b.wheres, clause)
		}
	}
	whereArgs := len(b.args)

	b.buildSort(resourceType, rp.Sorts)

	where := strings.Join(b.wheres, "\n  AND ")
	joins := ""
	if len(b.joins) > 0 {
		joins = "\n" + strings.Join(b.joins, "\n")
	}

	selectCols := "r.id, r.resource, r.version_id, r.last_updated"
	if len(b.sortSel) > 0 {
		selectCols += ", " + strings.Join(b.sortSel, ", ")
	}

	order := append([]string{}, b.orderBy...)
	order = append(order, "r.last_updated DESC", "r.id DESC")

	countSQL := fmt.Sprintf("SELECT COUNT(DISTINCT r.id) FROM fhir.resources r%s\nWHERE %s", joins, where)

	sql := fmt.Sprintf("SELECT DISTINCT %s FROM fhir.resources r%s\nWHERE %s\nORDER BY %s",
		selectCols, joins, where, strings.Join(order, ", "))
	sql += "\nLIMIT " + b.bind(rp.Count) + " OFFSET " + b.bind(rp.Offset)

	return SearchQuery{SQL: sql, CountSQL: countSQL, Args: b.args, CountArgs: b.args[:whereArgs]}
}

func (b *queryBuilder) predicateClause(resourceType string, p Predicate) string {
	switch {
	case p.Has != nil:
		return b.hasClause("r", p.Has, p.RawValues)
	case len(p.Chain) > 0:
		return b.chainClause("r", resourceType, p, p.Chain)
	case p.Name == "_id":
		return b.idClause(p)
	case p.Modifier == "missing":
		return b.missingClause(p)
	case p.Type == SearchParamQuantity:
		return b.quantityClause(p)
	case p.Type == SearchParamComposite:
		return b.compositeClause(resourceType, p)
	case p.Type == SearchParamSpecial:
		return b.specialClause(p)
	default:
		return b.indexedClause(p)
	}
}

// indexedClause joins a fresh search_params alias and matches the typed
// columns for the predicate.
func (b *queryBuilder) indexedClause(p Predicate) string {
	alias := b.alias("sp")
	b.joins = append(b.joins, fmt.Sprintf("LEFT JOIN fhir.search_params %s ON %s.resource_id = r.id", alias, alias))

	var conds []string
	for _, v := range p.Values {
		if c := b.valueCondition(alias, p, v); c != "" {
			conds = append(conds, c)
		}
	}
	if len(conds) == 0 {
		return ""
	}
	disj := "(" + strings.Join(conds, " OR ") + ")"
	if p.Type == SearchParamToken && p.Modifier == "not" {
		disj = "NOT " + disj
	}
	return fmt.Sprintf("(%s.param_name = %s AND %s)", alias, b.bind(p.Name), disj)
}

func (b *queryBuilder) valueCondition(alias string, p Predicate, v SearchValue) string {
	switch p.Type {
	case SearchParamString:
		if p.Modifier == "exact" {
			return fmt.Sprintf("%s.value_string = %s", alias, b.bind(v.String))
		}
		return fmt.Sprintf("%s.value_string ILIKE %s", alias, b.bind("%"+v.String+"%"))

	case SearchParamURI:
		return fmt.Sprintf("%s.value_string = %s", alias, b.bind(v.String))

	case SearchParamToken:
		return b.tokenCondition(alias, v)

	case SearchParamDate:
		return b.dateCondition(alias+".value_date", v)

	case SearchParamNumber:
		return fmt.Sprintf("%s.value_number %s %s", alias, comparatorOp(v.Prefix), b.bind(v.Number))

	case SearchParamReference:
		return b.referenceCondition(alias, p.Modifier, v)
	}
	return ""
}

func (b *queryBuilder) tokenCondition(alias string, v SearchValue) string {
	switch {
	case v.System != nil && v.Code != nil:
		if *v.System == "" {
			return fmt.Sprintf("(%s.value_token_system IS NULL AND %s.value_token_code = %s)",
				alias, alias, b.bind(*v.Code))
		}
		return fmt.Sprintf("(%s.value_token_system = %s AND %s.value_token_code = %s)",
			alias, b.bind(*v.System), alias, b.bind(*v.Code))
	case v.Code != nil:
		return fmt.Sprintf("%s.value_token_code = %s", alias, b.bind(*v.Code))
	case v.System != nil:
		if *v.System == "" {
			return fmt.Sprintf("%s.value_token_system IS NULL", alias)
		}
		return fmt.Sprintf("%s.value_token_system = %s", alias, b.bind(*v.System))
	}
	return ""
}

func (b *queryBuilder) dateCondition(col string, v SearchValue) string {
	start, end := dateRange(v.Date, v.DatePrecision)
	switch v.Prefix {
	case "eq", "ap":
		return fmt.Sprintf("(%s >= %s AND %s < %s)", col, b.bind(start), col, b.bind(end))
	case "ne":
		return fmt.Sprintf("(%s < %s OR %s >= %s)", col, b.bind(start), col, b.bind(end))
	case "lt", "eb":
		return fmt.Sprintf("%s < %s", col, b.bind(start))
	case "le":
		return fmt.Sprintf("%s < %s", col, b.bind(end))
	case "gt", "sa":
		return fmt.Sprintf("%s >= %s", col, b.bind(end))
	case "ge":
		return fmt.Sprintf("%s >= %s", col, b.bind(start))
	}
	return ""
}

// referenceCondition ORs the storage forms a reference may take. With a
// known target type — a :Type modifier or a typed value — the Type/
// prefix is enforced: only the full value_string forms can match, since
// the bare id in value_reference carries no type and would collide with
// same-id references to other types. Only a fully untyped query falls
// back to the bare-id column.
func (b *queryBuilder) referenceCondition(alias, typeModifier string, v SearchValue) string {
	refType := v.RefType
	if typeModifier != "" && isTypeName(typeModifier) {
		refType = typeModifier
	}
	var parts []string
	if refType != "" {
		parts = append(parts, fmt.Sprintf("%s.value_string = %s", alias, b.bind(refType+"/"+v.RefID)))
		parts = append(parts, fmt.Sprintf("%s.value_string = %s", alias, b.bind("urn:uuid:"+v.RefID)))
	} else {
		parts = append(parts, fmt.Sprintf("%s.value_reference = %s", alias, b.bind(v.RefID)))
		parts = append(parts, fmt.Sprintf("%s.value_string = %s", alias, b.bind("urn:uuid:"+v.RefID)))
		parts = append(parts, fmt.Sprintf("%s.value_string = %s", alias, b.bind("Patient/"+v.RefID)))
	}
	return "(" + strings.Join(parts, " OR ") + ")"
}

// idClause compiles _id directly against the resource table.
func (b *queryBuilder) idClause(p Predicate) string {
	var conds []string
	for _, v := range p.Values {
		if v.Code != nil {
			conds = append(conds, "r.fhir_id = "+b.bind(*v.Code))
		}
	}
	if len(conds) == 0 {
		return ""
	}
	return "(" + strings.Join(conds, " OR ") + ")"
}

func (b *queryBuilder) missingClause(p Predicate) string {
	missing := true
	if len(p.Values) > 0 {
		missing = p.Values[0].Raw != "false"
	} else if len(p.RawValues) > 0 {
		missing = p.RawValues[0] != "false"
	}
	sub := fmt.Sprintf("EXISTS (SELECT 1 FROM fhir.search_params m WHERE m.resource_id = r.id AND m.param_name = %s)",
		b.bind(p.Name))
	if missing {
		return "NOT " + sub
	}
	return sub
}

// quantityClause compares the JSON-held quantity value; quantities are
// not indexed flat because the unit dimension matters.
func (b *queryBuilder) quantityClause(p Predicate) string {
	path := "r.resource->'valueQuantity'->>'value'"
	if p.Name != "value-quantity" {
		path = fmt.Sprintf("r.resource->'%s'->>'value'", p.Name)
	}
	var conds []string
	for _, v := range p.Values {
		conds = append(conds, fmt.Sprintf("(%s)::numeric %s %s", path, comparatorOp(v.Prefix), b.bind(v.Number)))
	}
	if len(conds) == 0 {
		return ""
	}
	return "(" + strings.Join(conds, " OR ") + ")"
}

// compositeClause expands a $-joined composite value into a conjunction
// over sibling JSON paths.
func (b *queryBuilder) compositeClause(resourceType string, p Predicate) string {
	var conds []string
	for _, raw := range p.RawValues {
		parts := strings.Split(raw, "$")
		if len(parts) != 2 {
			continue
		}
		switch p.Name {
		case "code-value-quantity":
			code := b.codingMatch("r.resource->'code'->'coding'", parts[0])
			cmp, ok := b.quantityCompare("r.resource->'valueQuantity'->>'value'", parts[1])
			if !ok {
				continue
			}
			conds = append(conds, "("+code+" AND "+cmp+")")
		case "component-code-value-quantity":
			compAlias := b.alias("comp")
			inner := b.codingMatch(compAlias+"->'code'->'coding'", parts[0])
			cmp, ok := b.quantityCompare(compAlias+"->'valueQuantity'->>'value'", parts[1])
			if !ok {
				continue
			}
			conds = append(conds, fmt.Sprintf(
				"EXISTS (SELECT 1 FROM jsonb_array_elements(r.resource->'component') %s WHERE %s AND %s)",
				compAlias, inner, cmp))
		}
	}
	if len(conds) == 0 {
		return ""
	}
	return "(" + strings.Join(conds, " OR ") + ")"
}

// codingMatch matches one token literal against a coding array path.
func (b *queryBuilder) codingMatch(codingPath, token string) string {
	alias := b.alias("c")
	if i := strings.IndexByte(token, '|'); i >= 0 {
		system, code := token[:i], token[i+1:]
		if system != "" && code != "" {
			return fmt.Sprintf(
				"EXISTS (SELECT 1 FROM jsonb_array_elements(%s) %s WHERE %s->>'system' = %s AND %s->>'code' = %s)",
				codingPath, alias, alias, b.bind(system), alias, b.bind(code))
		}
		if code != "" {
			token = code
		} else {
			return fmt.Sprintf(
				"EXISTS (SELECT 1 FROM jsonb_array_elements(%s) %s WHERE %s->>'system' = %s)",
				codingPath, alias, alias, b.bind(system))
		}
	}
	return fmt.Sprintf(
		"EXISTS (SELECT 1 FROM jsonb_array_elements(%s) %s WHERE %s->>'code' = %s)",
		codingPath, alias, alias, b.bind(token))
}

func (b *queryBuilder) quantityCompare(path, expr string) (string, bool) {
	prefix, lit := splitPrefix(expr)
	n, err := strconv.ParseFloat(lit, 64)
	if err != nil {
		return "", false
	}
	return fmt.Sprintf("(%s)::numeric %s %s", path, comparatorOp(prefix), b.bind(n)), true
}

// specialClause handles Location.near: rows store "lat,lon"; the query
// value is lat|lon[|distance[|units]] with a 50 km default radius.
func (b *queryBuilder) specialClause(p Predicate) string {
	if p.Name != "near" {
		return ""
	}
	alias := b.alias("sp")
	b.joins = append(b.joins, fmt.Sprintf("LEFT JOIN fhir.search_params %s ON %s.resource_id = r.id", alias, alias))

	var conds []string
	for _, raw := range p.RawValues {
		parts := strings.Split(raw, "|")
		if len(parts) < 2 {
			continue
		}
		lat, errLat := strconv.ParseFloat(parts[0], 64)
		lon, errLon := strconv.ParseFloat(parts[1], 64)
		if errLat != nil || errLon != nil {
			continue
		}
		distKM := 50.0
		if len(parts) >= 3 {
			if d, err := strconv.ParseFloat(parts[2], 64); err == nil {
				distKM = d
			}
			if len(parts) >= 4 {
				switch strings.ToLower(parts[3]) {
				case "mi", "mile", "miles", "[mi_us]":
					distKM *= 1.60934
				}
			}
		}
		latArg, lonArg := b.bind(lat), b.bind(lon)
		haversine := fmt.Sprintf(
			"6371 * 2 * ASIN(SQRT(POWER(SIN(RADIANS(%s - CAST(SPLIT_PART(%s.value_string, ',', 1) AS FLOAT)) / 2), 2)"+
				" + COS(RADIANS(CAST(SPLIT_PART(%s.value_string, ',', 1) AS FLOAT))) * COS(RADIANS(%s))"+
				" * POWER(SIN(RADIANS(%s - CAST(SPLIT_PART(%s.value_string, ',', 2) AS FLOAT)) / 2), 2)))",
			latArg, alias, alias, latArg, lonArg, alias)
		conds = append(conds, fmt.Sprintf(
			"(%s.param_name = 'near' AND %s.value_string IS NOT NULL AND %s <= %s)",
			alias, alias, haversine, b.bind(distKM)))
	}
	if len(conds) == 0 {
		return "1=0"
	}
	return "(" + strings.Join(conds, " OR ") + ")"
}

// chainClause compiles ref.param[...] chains as nested EXISTS subqueries;
// each level joins by reference string through the source's indexed
// reference rows. Deeper chains recurse.
func (b *queryBuilder) chainClause(srcAlias, srcType string, p Predicate, chain []string) string {
	targetType := chainTarget(p.Name, p.Modifier)
	var conds []string
	for _, raw := range p.RawValues {
		if c := b.chainLevel(srcAlias, p.Name, targetType, chain, raw); c != "" {
			conds = append(conds, c)
		}
	}
	if len(conds) == 0 {
		return ""
	}
	return "(" + strings.Join(conds, " OR ") + ")"
}

func (b *queryBuilder) chainLevel(srcAlias, refParam, targetType string, chain []string, raw string) string {
	tAlias := b.alias("ct")
	refAlias := b.alias("cr")

	var targetCond string
	if len(chain) == 1 {
		targetCond = b.paramMatch(tAlias, targetType, chain[0], raw)
	} else {
		nextType := chainTarget(chain[0], "")
		targetCond = b.chainLevel(tAlias, chain[0], nextType, chain[1:], raw)
	}
	if targetCond == "" {
		return ""
	}

	linkage := fmt.Sprintf(
		"EXISTS (SELECT 1 FROM fhir.search_params %s WHERE %s.resource_id = %s.id AND %s.param_name = %s"+
			" AND (%s.value_reference = %s.fhir_id OR %s.value_string = %s || %s.fhir_id OR %s.value_string = 'urn:uuid:' || %s.fhir_id))",
		refAlias, refAlias, srcAlias, refAlias, b.bind(refParam),
		refAlias, tAlias, refAlias, b.bind(targetType+"/"), tAlias, refAlias, tAlias)

	return fmt.Sprintf(
		"EXISTS (SELECT 1 FROM fhir.resources %s WHERE %s.resource_type = %s AND %s.deleted = false AND %s AND %s)",
		tAlias, tAlias, b.bind(targetType), tAlias, targetCond, linkage)
}

// paramMatch builds the terminal condition of a chain or _has: one search
// parameter of the aliased resource matched against a raw value, through
// that resource's own index rows.
func (b *queryBuilder) paramMatch(alias, resourceType, param, raw string) string {
	if param == "_id" {
		return fmt.Sprintf("%s.fhir_id = %s", alias, b.bind(raw))
	}
	paramType, ok := ParamType(resourceType, param)
	if !ok {
		// Unknown target parameter: fall back to a substring match over
		// the target's string rows.
		paramType = SearchParamString
	}
	spAlias := b.alias("tp")
	v, okVal := parseValue(paramType, raw)
	if !okVal {
		return ""
	}
	inner := b.valueCondition(spAlias, Predicate{Name: param, Type: paramType}, v)
	if inner == "" {
		return ""
	}
	return fmt.Sprintf(
		"EXISTS (SELECT 1 FROM fhir.search_params %s WHERE %s.resource_id = %s.id AND %s.param_name = %s AND %s)",
		spAlias, spAlias, alias, spAlias, b.bind(param), inner)
}

// hasClause compiles reverse chains: a referencing resource of the given
// type exists whose reference field points at the current row and whose
// search parameter matches. Nested _has recurses on the referencing
// resource.
func (b *queryBuilder) hasClause(curAlias string, spec *HasSpec, values []string) string {
	hAlias := b.alias("h")
	hrAlias := b.alias("hr")

	backRef := fmt.Sprintf(
		"EXISTS (SELECT 1 FROM fhir.search_params %s WHERE %s.resource_id = %s.id AND %s.param_name = %s"+
			" AND (%s.value_reference = %s.fhir_id OR %s.value_string = %s.resource_type || '/' || %s.fhir_id OR %s.value_string = 'urn:uuid:' || %s.fhir_id))",
		hrAlias, hrAlias, hAlias, hrAlias, b.bind(spec.RefParam),
		hrAlias, curAlias, hrAlias, curAlias, curAlias, hrAlias, curAlias)

	var searchCond string
	if spec.Nested != nil {
		searchCond = b.hasClause(hAlias, spec.Nested, values)
	} else {
		var conds []string
		for _, raw := range values {
			if c := b.paramMatch(hAlias, spec.RefType, spec.Param, raw); c != "" {
				conds = append(conds, c)
			}
		}
		if len(conds) == 0 {
			return ""
		}
		searchCond = "(" + strings.Join(conds, " OR ") + ")"
	}
	if searchCond == "" {
		return ""
	}

	return fmt.Sprintf(
		"EXISTS (SELECT 1 FROM fhir.resources %s WHERE %s.resource_type = %s AND %s.deleted = false AND %s AND %s)",
		hAlias, hAlias, b.bind(spec.RefType), hAlias, searchCond, backRef)
}

// buildSort adds one scalar subselect per sort parameter; ties break on
// last_updated DESC. Unknown sort params degrade to the default order.
func (b *queryBuilder) buildSort(resourceType string, sorts []SortSpec) {
	for _, s := range sorts {
		paramType, ok := ParamType(resourceType, s.Param)
		if !ok {
			continue
		}
		col := sortColumn(paramType)
		if col == "" {
			continue
		}
		agg := "MIN"
		dir := "ASC"
		if s.Desc {
			agg, dir = "MAX", "DESC"
		}
		selAlias := b.alias("sortv")
		b.sortSel = append(b.sortSel, fmt.Sprintf(
			"(SELECT %s(sv.%s) FROM fhir.search_params sv WHERE sv.resource_id = r.id AND sv.param_name = %s) AS %s",
			agg, col, b.bind(s.Param), selAlias))
		b.orderBy = append(b.orderBy, fmt.Sprintf("%s %s NULLS LAST", selAlias, dir))
	}
}

func sortColumn(t SearchParamType) string {
	switch t {
	case SearchParamString, SearchParamURI:
		return "value_string"
	case SearchParamToken:
		return "value_token_code"
	case SearchParamDate:
		return "value_date"
	case SearchParamNumber, SearchParamQuantity:
		return "value_number"
	case SearchParamReference:
		return "value_reference"
	}
	return ""
}

func comparatorOp(prefix string) string {
	switch prefix {
	case "ne":
		return "!="
	case "lt", "eb":
		return "<"
	case "le":
		return "<="
	case "gt", "sa":
		return ">"
	case "ge":
		return ">="
	default:
		return "="
	}
}
