package sqlguard

import "fmt"

// operandKeywords must be followed by an expression, a name or a
// parenthesized group.
var operandKeywords = map[string]struct{}{
	"SELECT": {}, "FROM": {}, "WHERE": {}, "BY": {}, "ON": {}, "HAVING": {},
	"JOIN": {}, "LIMIT": {}, "OFFSET": {}, "USING": {}, "SET": {}, "INTO": {},
	"AND": {}, "OR": {}, "NOT": {}, "UNION": {}, "INTERSECT": {}, "EXCEPT": {},
	"QUALIFY": {}, "LIKE": {}, "ILIKE": {}, "IN": {}, "IS": {}, "BETWEEN": {},
}

// clauseKeywords open a new clause and can never be the operand of an
// operandKeywords entry.
var clauseKeywords = map[string]struct{}{
	"FROM": {}, "WHERE": {}, "GROUP": {}, "ORDER": {}, "HAVING": {}, "LIMIT": {},
	"OFFSET": {}, "JOIN": {}, "ON": {}, "UNION": {}, "INTERSECT": {}, "EXCEPT": {},
	"WINDOW": {}, "QUALIFY": {}, "AND": {}, "OR": {},
}

var trailingPunct = map[string]struct{}{
	"=": {}, "<": {}, ">": {}, "+": {}, "-": {}, "/": {}, "%": {}, "|": {},
	"^": {}, "!": {}, ".": {}, ",": {},
}

// checkStructure rejects statements that lex cleanly but are cut short:
// a dangling operator, a clause keyword without its operand, or an empty
// select list.
func checkStructure(stmt statement) error {
	for i, tok := range stmt {
		var next *token
		if i+1 < len(stmt) {
			next = &stmt[i+1]
		}

		if tok.kind == tokPunct {
			if _, ok := trailingPunct[tok.text]; ok {
				if next == nil {
					return fmt.Errorf("statement ends with %q", tok.text)
				}
				if next.is(")") && tok.text != "," {
					return fmt.Errorf("%q before ')'", tok.text)
				}
			}
			continue
		}
		if tok.kind != tokWord {
			continue
		}
		if _, ok := operandKeywords[tok.upper]; !ok {
			continue
		}
		if tok.upper == "NOT" && next != nil && next.kind == tokWord {
			// NOT IN, NOT LIKE, NOT BETWEEN are checked at the next keyword
			continue
		}
		switch {
		case next == nil:
			return fmt.Errorf("statement ends with %s", tok.upper)
		case next.is(")") || next.is(","):
			return fmt.Errorf("%s is missing its operand", tok.upper)
		case next.kind == tokWord:
			if _, clause := clauseKeywords[next.upper]; clause {
				if tok.upper == "SELECT" {
					return fmt.Errorf("empty select list before %s", next.upper)
				}
				return fmt.Errorf("%s directly followed by %s", tok.upper, next.upper)
			}
		}
	}
	return nil
}

// selectInto reports whether a statement that is not an insert or merge
// writes its result into a new table.
func selectInto(stmt statement) bool {
	for _, op := range operations(stmt) {
		switch op {
		case "INSERT", "MERGE", "REPLACE":
			return false
		}
	}
	for _, tok := range stmt {
		if tok.isWord("INTO") {
			return true
		}
	}
	return false
}
