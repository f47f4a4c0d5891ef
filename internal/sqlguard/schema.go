package sqlguard

import "strings"

// tableRef is one table source of a statement. Sources that are not base
// tables (subqueries, table functions, CTE references, file scans) are kept
// with checked=false so their alias still resolves.
type tableRef struct {
	name    string
	alias   string
	checked bool
	start   int
	end     int
}

// aliasStop lists words that may directly follow a table source and are
// therefore never an implicit alias.
var aliasStop = map[string]struct{}{
	"WHERE": {}, "GROUP": {}, "ORDER": {}, "HAVING": {}, "LIMIT": {}, "OFFSET": {},
	"UNION": {}, "EXCEPT": {}, "INTERSECT": {}, "JOIN": {}, "INNER": {}, "LEFT": {},
	"RIGHT": {}, "FULL": {}, "OUTER": {}, "CROSS": {}, "NATURAL": {}, "ON": {},
	"USING": {}, "WINDOW": {}, "QUALIFY": {}, "SET": {}, "VALUES": {}, "SELECT": {},
	"RETURNING": {}, "FETCH": {}, "FOR": {}, "TABLESAMPLE": {}, "SAMPLE": {},
	"POSITIONAL": {}, "ASOF": {}, "ANTI": {}, "SEMI": {}, "LATERAL": {}, "PIVOT": {},
	"UNPIVOT": {}, "DEFAULT": {}, "WITH": {}, "AS": {}, "AND": {}, "OR": {}, "NOT": {},
}

var subqueryStart = map[string]struct{}{
	"SELECT": {}, "WITH": {}, "VALUES": {}, "FROM": {},
}

func checkSchema(stmt statement, catalog Catalog) Verdict {
	ctes := cteNames(stmt)
	refs := tableRefs(stmt)

	bindings := make(map[string]*tableRef)
	consumed := make(map[int]struct{})
	for i := range refs {
		ref := &refs[i]
		if ref.checked {
			if _, isCTE := ctes[strings.ToLower(ref.name)]; isCTE {
				ref.checked = false
			}
		}
		if ref.checked && !catalog.HasTable(ref.name) {
			return invalidVerdict(ReasonSchema, "unknown table %q", ref.name)
		}
		if ref.alias != "" {
			bindings[strings.ToLower(ref.alias)] = ref
		}
		if ref.name != "" {
			if _, taken := bindings[strings.ToLower(ref.name)]; !taken {
				bindings[strings.ToLower(ref.name)] = ref
			}
		}
		for j := ref.start; j <= ref.end && ref.name != ""; j++ {
			consumed[j] = struct{}{}
		}
	}

	for i := 0; i+2 < len(stmt); i++ {
		if _, skip := consumed[i]; skip {
			continue
		}
		qualifier, dot, column := stmt[i], stmt[i+1], stmt[i+2]
		if !qualifier.isIdent() || !dot.is(".") {
			continue
		}
		if i > 0 && stmt[i-1].is(".") {
			continue
		}
		if i+3 < len(stmt) && (stmt[i+3].is(".") || stmt[i+3].is("(")) {
			continue
		}
		if column.is("*") || !column.isIdent() {
			continue
		}
		ref := bindings[strings.ToLower(qualifier.text)]
		if ref == nil || !ref.checked {
			continue
		}
		if !catalog.HasColumn(ref.name, column.text) {
			return invalidVerdict(ReasonSchema, "unknown column %q on table %q", column.text, ref.name)
		}
		i += 2
	}
	return validVerdict()
}

// cteNames collects the names defined by WITH clauses anywhere in stmt.
func cteNames(stmt statement) map[string]struct{} {
	names := make(map[string]struct{})
	for i := 1; i < len(stmt); i++ {
		tok := stmt[i]
		if !tok.isIdent() {
			continue
		}
		prev := stmt[i-1]
		if !prev.isWord("WITH") && !prev.isWord("RECURSIVE") && !prev.is(",") {
			continue
		}
		j := i + 1
		if j < len(stmt) && stmt[j].is("(") {
			j = matching(stmt, j) + 1
		}
		if j+1 < len(stmt) && stmt[j].isWord("AS") &&
			(stmt[j+1].is("(") || stmt[j+1].isWord("MATERIALIZED") || stmt[j+1].isWord("NOT")) {
			names[strings.ToLower(tok.text)] = struct{}{}
		}
	}
	return names
}

func tableRefs(stmt statement) []tableRef {
	var refs []tableRef
	for i, tok := range stmt {
		if tok.kind != tokWord {
			continue
		}
		switch tok.upper {
		case "FROM":
			if insideFunctionCall(stmt, i) || isDistinctFrom(stmt, i) {
				continue
			}
			next := i + 1
			for {
				ref, after, ok := readTableRef(stmt, next, false)
				if ok {
					refs = append(refs, ref)
				}
				if after >= len(stmt) || !stmt[after].is(",") {
					break
				}
				next = after + 1
			}
		case "JOIN":
			if ref, _, ok := readTableRef(stmt, i+1, false); ok {
				refs = append(refs, ref)
			}
		case "INTO", "UPDATE":
			if i > 0 && (stmt[i-1].isWord("DO") || stmt[i-1].isWord("FOR")) {
				continue
			}
			if ref, _, ok := readTableRef(stmt, i+1, true); ok {
				refs = append(refs, ref)
			}
		}
	}
	return refs
}

// readTableRef parses one table source starting at i. target is set for
// INTO/UPDATE, where a parenthesis after the name is a column list rather
// than a table function call.
func readTableRef(stmt statement, i int, target bool) (tableRef, int, bool) {
	if i < len(stmt) && stmt[i].isWord("LATERAL") {
		i++
	}
	if i >= len(stmt) {
		return tableRef{}, i, false
	}
	tok := stmt[i]
	switch {
	case tok.is("("):
		alias, next := readAlias(stmt, matching(stmt, i)+1)
		return tableRef{alias: alias}, next, true
	case tok.kind == tokString:
		alias, next := readAlias(stmt, i+1)
		return tableRef{alias: alias}, next, true
	case !tok.isIdent():
		return tableRef{}, i, false
	}

	end := i
	for end+2 < len(stmt) && stmt[end+1].is(".") && stmt[end+2].isIdent() {
		end += 2
	}
	name := stmt[end].text
	if !target && end+1 < len(stmt) && stmt[end+1].is("(") {
		alias, next := readAlias(stmt, matching(stmt, end+1)+1)
		return tableRef{alias: alias}, next, true
	}
	alias, next := readAlias(stmt, end+1)
	return tableRef{name: name, alias: alias, checked: true, start: i, end: end}, next, true
}

func readAlias(stmt statement, i int) (string, int) {
	if i >= len(stmt) {
		return "", i
	}
	if stmt[i].isWord("AS") {
		if i+1 < len(stmt) && stmt[i+1].isIdent() {
			return stmt[i+1].text, i + 2
		}
		return "", i + 1
	}
	tok := stmt[i]
	if tok.kind == tokQuoted {
		return tok.text, i + 1
	}
	if tok.kind == tokWord {
		if _, stop := aliasStop[tok.upper]; !stop {
			return tok.text, i + 1
		}
	}
	return "", i
}

// insideFunctionCall reports whether the token at i sits directly inside the
// argument list of a function, as FROM does in EXTRACT(year FROM d).
func insideFunctionCall(stmt statement, i int) bool {
	depth := 0
	for p := i - 1; p >= 0; p-- {
		switch {
		case stmt[p].is(")"):
			depth++
		case stmt[p].is("("):
			if depth > 0 {
				depth--
				continue
			}
			if p+1 < len(stmt) && stmt[p+1].kind == tokWord {
				if _, ok := subqueryStart[stmt[p+1].upper]; ok {
					return false
				}
			}
			return p > 0 && stmt[p-1].kind == tokWord
		}
	}
	return false
}

func isDistinctFrom(stmt statement, i int) bool {
	return i >= 2 && stmt[i-1].isWord("DISTINCT") && (stmt[i-2].isWord("IS") || stmt[i-2].isWord("NOT"))
}
