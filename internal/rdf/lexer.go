package rdf

import (
	"fmt"
	"strings"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokTerm
	tokWord
	tokPunct
)

type token struct {
	kind tokenKind
	text string
	line int
}

func (t token) is(punct string) bool {
	return t.kind == tokPunct && t.text == punct
}

func (t token) keyword(kw string) bool {
	return t.kind == tokWord && strings.EqualFold(t.text, kw)
}

func (t token) isDirective() bool {
	return t.keyword("@prefix") || t.keyword("prefix") || t.keyword("@base") || t.keyword("base")
}

// SyntaxError reports malformed update or query text.
type SyntaxError struct {
	Line int
	Msg  string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error at line %d: %s", e.Line, e.Msg)
}

func syntaxErr(line int, format string, args ...any) error {
	return &SyntaxError{Line: line, Msg: fmt.Sprintf(format, args...)}
}

func tokenize(src string) ([]token, error) {
	var toks []token
	line := 1
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == '\n':
			line++
			i++
		case c == ' ' || c == '\t' || c == '\r':
			i++
		case c == '#':
			for i < len(src) && src[i] != '\n' {
				i++
			}
		case c == '<':
			end := strings.IndexByte(src[i:], '>')
			if end < 0 {
				return nil, syntaxErr(line, "unterminated IRI")
			}
			toks = append(toks, token{kind: tokTerm, text: src[i : i+end+1], line: line})
			i += end + 1
		case c == '"' || c == '\'':
			end, err := scanLiteral(src, i, line)
			if err != nil {
				return nil, err
			}
			line += strings.Count(src[i:end], "\n")
			toks = append(toks, token{kind: tokTerm, text: src[i:end], line: line})
			i = end
		case strings.IndexByte("{}.;,*()", c) >= 0:
			toks = append(toks, token{kind: tokPunct, text: string(c), line: line})
			i++
		default:
			start := i
			for i < len(src) && isWordByte(src[i]) {
				i++
			}
			// A dot inside a name belongs to it; a trailing dot ends the statement.
			for i+1 < len(src) && src[i] == '.' && isWordByte(src[i+1]) {
				i++
				for i < len(src) && isWordByte(src[i]) {
					i++
				}
			}
			if i == start {
				return nil, syntaxErr(line, "unexpected character %q", c)
			}
			word := src[start:i]
			kind := tokWord
			if word[0] == '?' || word[0] == '$' || strings.Contains(word, ":") {
				kind = tokTerm
			}
			toks = append(toks, token{kind: kind, text: word, line: line})
		}
	}
	toks = append(toks, token{kind: tokEOF, line: line})
	return toks, nil
}

func isWordByte(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '_', c == '-', c == ':', c == '?', c == '$', c == '@', c == '+', c == '%':
		return true
	}
	return c >= 0x80
}

// scanLiteral returns the offset just past a quoted literal starting at i,
// including any @lang or ^^datatype suffix.
func scanLiteral(src string, i, line int) (int, error) {
	quote := src[i]
	j := i + 1
	for {
		if j >= len(src) {
			return 0, syntaxErr(line, "unterminated literal")
		}
		if src[j] == '\\' {
			j += 2
			continue
		}
		if src[j] == quote {
			j++
			break
		}
		j++
	}
	switch {
	case j < len(src) && src[j] == '@':
		j++
		for j < len(src) && (isWordByte(src[j]) && src[j] != ':') {
			j++
		}
	case strings.HasPrefix(src[j:], "^^"):
		j += 2
		if j < len(src) && src[j] == '<' {
			end := strings.IndexByte(src[j:], '>')
			if end < 0 {
				return 0, syntaxErr(line, "unterminated datatype IRI")
			}
			j += end + 1
		} else {
			for j < len(src) && isWordByte(src[j]) {
				j++
			}
		}
	}
	return j, nil
}
