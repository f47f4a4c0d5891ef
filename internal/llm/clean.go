package llm

import (
	"strings"
)

var statementKeywords = map[string]struct{}{
	"SELECT": {}, "WITH": {}, "VALUES": {}, "FROM": {}, "TABLE": {},
	"INSERT": {}, "UPDATE": {}, "DELETE": {}, "MERGE": {},
	"CREATE": {}, "ALTER": {}, "DROP": {}, "TRUNCATE": {},
	"EXPLAIN": {}, "SHOW": {}, "DESCRIBE": {},
}

// CleanSQL extracts the query from a model reply: markdown fences, a leading
// "SQL:" label, trailing bracketed notes and trailing semicolons are removed.
func CleanSQL(reply string) string {
	sql := strings.TrimSpace(reply)
	if start := strings.Index(sql, "```"); start >= 0 {
		body := sql[start+3:]
		if end := strings.Index(body, "```"); end >= 0 {
			body = body[:end]
		}
		if newline := strings.IndexByte(body, '\n'); newline >= 0 && isFenceLanguage(body[:newline]) {
			body = body[newline+1:]
		}
		sql = strings.TrimSpace(body)
	}
	if len(sql) >= 4 && strings.EqualFold(sql[:4], "sql:") {
		sql = strings.TrimSpace(sql[4:])
	}
	if idx := strings.Index(sql, "\n["); idx >= 0 {
		sql = sql[:idx]
	}
	sql = strings.TrimSpace(sql)
	for strings.HasSuffix(sql, ";") {
		sql = strings.TrimSpace(strings.TrimSuffix(sql, ";"))
	}
	return sql
}

// LooksLikeSQL reports whether text starts with a statement keyword.
func LooksLikeSQL(text string) bool {
	trimmed := strings.TrimLeft(strings.TrimSpace(text), "(")
	word := trimmed
	if idx := strings.IndexFunc(trimmed, func(r rune) bool {
		return r == ' ' || r == '\n' || r == '\t' || r == '\r' || r == '('
	}); idx >= 0 {
		word = trimmed[:idx]
	}
	_, ok := statementKeywords[strings.ToUpper(word)]
	return ok
}

func isFenceLanguage(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return true
	}
	return !strings.ContainsAny(line, " \t") && !LooksLikeSQL(line)
}

func clarificationRequest(reply string) (string, bool) {
	trimmed := strings.TrimSpace(reply)
	const prefix = "CLARIFY:"
	if len(trimmed) < len(prefix) || !strings.EqualFold(trimmed[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(trimmed[len(prefix):]), true
}
