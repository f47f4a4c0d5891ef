package sqlguard

import (
	"errors"
	"strings"
)

type tokenKind int

const (
	tokWord tokenKind = iota
	tokQuoted
	tokString
	tokNumber
	tokParam
	tokPunct
)

type token struct {
	kind  tokenKind
	text  string
	upper string
}

func (t token) is(punct string) bool {
	return t.kind == tokPunct && t.text == punct
}

func (t token) isWord(keyword string) bool {
	return t.kind == tokWord && t.upper == keyword
}

func (t token) isIdent() bool {
	return t.kind == tokWord || t.kind == tokQuoted
}

var (
	errUnterminatedString  = errors.New("unterminated string literal")
	errUnterminatedQuoted  = errors.New("unterminated quoted identifier")
	errUnterminatedComment = errors.New("unterminated block comment")
	errUnterminatedDollar  = errors.New("unterminated dollar-quoted string")
)

// lex splits sql into tokens, dropping whitespace and comments.
func lex(sql string) ([]token, error) {
	var tokens []token
	n := len(sql)
	for i := 0; i < n; {
		c := sql[i]
		switch {
		case isSpace(c):
			i++
		case c == '-' && i+1 < n && sql[i+1] == '-':
			for i < n && sql[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < n && sql[i+1] == '*':
			end := strings.Index(sql[i+2:], "*/")
			if end < 0 {
				return nil, errUnterminatedComment
			}
			i += end + 4
		case c == '\'':
			end, ok := scanQuoted(sql, i, c)
			if !ok {
				return nil, errUnterminatedString
			}
			tokens = append(tokens, token{kind: tokString, text: sql[i:end]})
			i = end
		case c == '"' || c == '`':
			end, ok := scanQuoted(sql, i, c)
			if !ok {
				return nil, errUnterminatedQuoted
			}
			quote := string(c)
			text := strings.ReplaceAll(sql[i+1:end-1], quote+quote, quote)
			tokens = append(tokens, token{kind: tokQuoted, text: text, upper: strings.ToUpper(text)})
			i = end
		case c == '$' && i+1 < n && isDigit(sql[i+1]):
			j := i + 1
			for j < n && isDigit(sql[j]) {
				j++
			}
			tokens = append(tokens, token{kind: tokParam, text: sql[i:j]})
			i = j
		case c == '$' && dollarTag(sql, i) != "":
			tag := dollarTag(sql, i)
			body := strings.Index(sql[i+len(tag):], tag)
			if body < 0 {
				return nil, errUnterminatedDollar
			}
			end := i + len(tag) + body + len(tag)
			tokens = append(tokens, token{kind: tokString, text: sql[i:end]})
			i = end
		case c == '?':
			tokens = append(tokens, token{kind: tokParam, text: "?"})
			i++
		case isIdentStart(c):
			j := i + 1
			for j < n && isIdentPart(sql[j]) {
				j++
			}
			word := sql[i:j]
			tokens = append(tokens, token{kind: tokWord, text: word, upper: strings.ToUpper(word)})
			i = j
		case isDigit(c) || (c == '.' && i+1 < n && isDigit(sql[i+1])):
			j := scanNumber(sql, i)
			tokens = append(tokens, token{kind: tokNumber, text: sql[i:j]})
			i = j
		default:
			tokens = append(tokens, token{kind: tokPunct, text: string(c)})
			i++
		}
	}
	return tokens, nil
}

// scanQuoted returns the index just past the closing quote. A doubled quote
// character is an escaped quote.
func scanQuoted(sql string, start int, quote byte) (int, bool) {
	for j := start + 1; j < len(sql); j++ {
		if sql[j] != quote {
			continue
		}
		if j+1 < len(sql) && sql[j+1] == quote {
			j++
			continue
		}
		return j + 1, true
	}
	return 0, false
}

// dollarTag returns the opening tag of a dollar-quoted string ($$ or $name$)
// starting at i, or "" when there is none.
func dollarTag(sql string, i int) string {
	j := i + 1
	for j < len(sql) && (isLetter(sql[j]) || sql[j] == '_') {
		j++
	}
	if j < len(sql) && sql[j] == '$' {
		return sql[i : j+1]
	}
	return ""
}

func scanNumber(sql string, i int) int {
	n := len(sql)
	for i < n && isDigit(sql[i]) {
		i++
	}
	if i < n && sql[i] == '.' {
		i++
		for i < n && isDigit(sql[i]) {
			i++
		}
	}
	if i < n && (sql[i] == 'e' || sql[i] == 'E') {
		j := i + 1
		if j < n && (sql[j] == '+' || sql[j] == '-') {
			j++
		}
		if j < n && isDigit(sql[j]) {
			for j < n && isDigit(sql[j]) {
				j++
			}
			i = j
		}
	}
	return i
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v'
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentStart(c byte) bool {
	return isLetter(c) || c == '_' || c >= 0x80
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || isDigit(c) || c == '$'
}
