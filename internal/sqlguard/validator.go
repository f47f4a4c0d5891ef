// Package sqlguard checks generated SQL before it reaches a database. It never
// executes anything.
package sqlguard

import (
	"errors"
	"fmt"
	"strings"
)

type Reason string

const (
	ReasonSyntax    Reason = "syntax-error"
	ReasonForbidden Reason = "forbidden-operation"
	ReasonSchema    Reason = "schema-mismatch"
)

type Verdict struct {
	Valid  bool   `json:"valid"`
	Reason Reason `json:"reason,omitempty"`
	Detail string `json:"detail,omitempty"`
}

func (v Verdict) String() string {
	if v.Valid {
		return "valid"
	}
	return fmt.Sprintf("%s: %s", v.Reason, v.Detail)
}

func validVerdict() Verdict {
	return Verdict{Valid: true}
}

func invalidVerdict(reason Reason, format string, args ...any) Verdict {
	return Verdict{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Catalog answers existence questions for the schema check. Lookups are
// expected to be case-insensitive.
type Catalog interface {
	HasTable(name string) bool
	HasColumn(table, column string) bool
}

var DefaultForbidden = []string{
	"DROP", "DELETE", "UPDATE", "ALTER", "TRUNCATE", "GRANT", "REVOKE", "INSERT",
	"CREATE", "REPLACE", "MERGE", "ATTACH", "DETACH", "COPY", "EXEC", "EXECUTE",
}

var readKeywords = []string{
	"SELECT", "WITH", "VALUES", "FROM", "TABLE", "EXPLAIN", "SHOW", "DESCRIBE", "SUMMARIZE",
}

type Validator struct {
	forbidden map[string]struct{}
	known     map[string]struct{}
}

// New returns a validator rejecting the given root operations. With no
// arguments DefaultForbidden is used.
func New(forbidden ...string) *Validator {
	if len(forbidden) == 0 {
		forbidden = DefaultForbidden
	}
	v := &Validator{
		forbidden: make(map[string]struct{}, len(forbidden)),
		known:     make(map[string]struct{}),
	}
	for _, op := range forbidden {
		op = strings.ToUpper(strings.TrimSpace(op))
		if op == "" {
			continue
		}
		v.forbidden[op] = struct{}{}
		v.known[op] = struct{}{}
	}
	for _, op := range DefaultForbidden {
		v.known[op] = struct{}{}
	}
	for _, op := range readKeywords {
		v.known[op] = struct{}{}
	}
	return v
}

// Validate runs the syntax, operation and schema checks in that order and
// stops at the first failure. allowMutating disables the operation check,
// including the single-statement rule. A nil catalog skips the schema check.
func (v *Validator) Validate(sql string, catalog Catalog, allowMutating bool) Verdict {
	statements, verdict := v.parse(sql)
	if !verdict.Valid {
		return verdict
	}
	if !allowMutating {
		if verdict := v.checkOperations(statements); !verdict.Valid {
			return verdict
		}
	}
	if catalog != nil {
		for _, stmt := range statements {
			if verdict := checkSchema(stmt, catalog); !verdict.Valid {
				return verdict
			}
		}
	}
	return validVerdict()
}

type statement []token

func (v *Validator) parse(sql string) ([]statement, Verdict) {
	tokens, err := lex(sql)
	if err != nil {
		return nil, invalidVerdict(ReasonSyntax, "%v", err)
	}

	var statements []statement
	var current statement
	for _, tok := range tokens {
		if tok.is(";") {
			if len(current) > 0 {
				statements = append(statements, current)
			}
			current = nil
			continue
		}
		current = append(current, tok)
	}
	if len(current) > 0 {
		statements = append(statements, current)
	}
	if len(statements) == 0 {
		return nil, invalidVerdict(ReasonSyntax, "empty statement")
	}

	for _, stmt := range statements {
		if err := checkParens(stmt); err != nil {
			return nil, invalidVerdict(ReasonSyntax, "%v", err)
		}
		keyword, _ := leadingKeyword(stmt)
		if keyword == "" {
			return nil, invalidVerdict(ReasonSyntax, "statement does not start with a keyword")
		}
		if _, ok := v.known[keyword]; !ok {
			return nil, invalidVerdict(ReasonSyntax, "unrecognized statement %q", keyword)
		}
		if err := checkStructure(stmt); err != nil {
			return nil, invalidVerdict(ReasonSyntax, "%v", err)
		}
	}
	return statements, validVerdict()
}

func (v *Validator) checkOperations(statements []statement) Verdict {
	if len(statements) > 1 {
		return invalidVerdict(ReasonForbidden, "multiple statements are not permitted")
	}
	stmt := statements[0]
	for _, op := range operations(stmt) {
		if _, ok := v.forbidden[op]; ok {
			return invalidVerdict(ReasonForbidden, "%s is not permitted", op)
		}
	}
	// SELECT ... INTO creates a table.
	if _, ok := v.forbidden["CREATE"]; ok && selectInto(stmt) {
		return invalidVerdict(ReasonForbidden, "SELECT INTO is not permitted")
	}
	for i, tok := range stmt {
		if !tok.is("(") {
			continue
		}
		inner := stmt[i+1 : matching(stmt, i)]
		if len(inner) == 0 || inner[0].kind != tokWord {
			continue
		}
		if len(inner) > 1 && inner[1].is("(") {
			// function call such as replace(...)
			continue
		}
		for _, op := range operations(inner) {
			if _, ok := v.forbidden[op]; ok {
				return invalidVerdict(ReasonForbidden, "%s is not permitted in a sub-statement", op)
			}
		}
	}
	return validVerdict()
}

// operations lists the root keyword of stmt and, for WITH and EXPLAIN, the
// keyword of the statement they wrap.
func operations(stmt []token) []string {
	keyword, idx := leadingKeyword(stmt)
	if keyword == "" {
		return nil
	}
	ops := []string{keyword}
	switch keyword {
	case "WITH":
		if main := cteMainKeyword(stmt[idx+1:]); main != "" {
			ops = append(ops, main)
		}
	case "EXPLAIN":
		rest := stmt[idx+1:]
		for len(rest) > 0 && (rest[0].isWord("ANALYZE") || rest[0].isWord("VERBOSE")) {
			rest = rest[1:]
		}
		ops = append(ops, operations(rest)...)
	}
	return ops
}

func leadingKeyword(stmt []token) (string, int) {
	for i, tok := range stmt {
		if tok.is("(") {
			continue
		}
		if tok.kind == tokWord {
			return tok.upper, i
		}
		return "", -1
	}
	return "", -1
}

// cteMainKeyword finds the statement keyword following the common table
// expressions of a WITH clause.
func cteMainKeyword(tokens []token) string {
	depth := 0
	closed := false
	for _, tok := range tokens {
		switch {
		case tok.is("("):
			depth++
		case tok.is(")"):
			depth--
			if depth == 0 {
				closed = true
			}
		case depth > 0:
		case tok.is(","):
			closed = false
		case closed && tok.kind == tokWord:
			switch tok.upper {
			case "AS", "NOT", "MATERIALIZED":
				closed = false
			default:
				return tok.upper
			}
		}
	}
	return ""
}

func checkParens(stmt statement) error {
	depth := 0
	for _, tok := range stmt {
		switch {
		case tok.is("("):
			depth++
		case tok.is(")"):
			depth--
			if depth < 0 {
				return errors.New("unbalanced parentheses: unexpected ')'")
			}
		}
	}
	if depth != 0 {
		return errors.New("unbalanced parentheses: missing ')'")
	}
	return nil
}

// matching returns the index of the parenthesis closing the one at open. The
// statement is known to be balanced.
func matching(tokens []token, open int) int {
	depth := 0
	for i := open; i < len(tokens); i++ {
		switch {
		case tokens[i].is("("):
			depth++
		case tokens[i].is(")"):
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return len(tokens) - 1
}
