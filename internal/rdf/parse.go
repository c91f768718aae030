package rdf

import (
	"strconv"
	"strings"
)

type parser struct {
	toks []token
	pos  int
	// Prefix declarations seen so far. Names are never expanded.
	prefixes map[string]string
}

func newParser(src string) (*parser, error) {
	toks, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	return &parser{toks: toks, prefixes: map[string]string{}}, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) expect(punct string) error {
	t := p.next()
	if !t.is(punct) {
		return syntaxErr(t.line, "expected %q, got %q", punct, t.text)
	}
	return nil
}

// prologue consumes any run of @prefix / PREFIX / @base / BASE declarations.
func (p *parser) prologue() error {
	for {
		t := p.peek()
		switch {
		case t.keyword("@prefix"), t.keyword("prefix"):
			p.next()
			name := p.next()
			iri := p.next()
			if !strings.HasSuffix(name.text, ":") || !strings.HasPrefix(iri.text, "<") {
				return syntaxErr(t.line, "malformed prefix declaration")
			}
			p.prefixes[strings.TrimSuffix(name.text, ":")] = iri.text
			if t.text[0] == '@' {
				if err := p.expect("."); err != nil {
					return err
				}
			}
		case t.keyword("@base"), t.keyword("base"):
			p.next()
			p.next()
			if t.text[0] == '@' {
				if err := p.expect("."); err != nil {
					return err
				}
			}
		default:
			return nil
		}
	}
}

func (p *parser) term(allowVars bool) (Term, error) {
	t := p.next()
	switch t.kind {
	case tokTerm:
		if !allowVars && (t.text[0] == '?' || t.text[0] == '$') {
			return "", syntaxErr(t.line, "variable %s not allowed here", t.text)
		}
		return Term(t.text), nil
	case tokWord:
		if t.text == "a" {
			return RDFType, nil
		}
		if t.text == "true" || t.text == "false" {
			return Term(t.text), nil
		}
		if _, err := strconv.ParseFloat(t.text, 64); err == nil {
			return Term(t.text), nil
		}
	}
	return "", syntaxErr(t.line, "expected term, got %q", t.text)
}

// triples parses "subject verb object (, object)* (; verb object ...)* ." runs
// until a closing brace (inBlock) or end of input.
func (p *parser) triples(allowVars, inBlock bool) ([]Triple, error) {
	var out []Triple
	for {
		t := p.peek()
		if t.kind == tokEOF {
			if inBlock {
				return nil, syntaxErr(t.line, "unterminated block")
			}
			return out, nil
		}
		if inBlock && t.is("}") {
			return out, nil
		}
		if !inBlock && t.isDirective() {
			return out, nil
		}
		if t.is(".") {
			p.next()
			continue
		}

		subj, err := p.term(allowVars)
		if err != nil {
			return nil, err
		}
		for {
			pred, err := p.term(allowVars)
			if err != nil {
				return nil, err
			}
			for {
				obj, err := p.term(allowVars)
				if err != nil {
					return nil, err
				}
				out = append(out, Triple{Subject: subj, Predicate: pred, Object: obj})
				if !p.peek().is(",") {
					break
				}
				p.next()
			}
			if !p.peek().is(";") {
				break
			}
			p.next()
			// "; ." and "; }" are legal trailing separators.
			if nt := p.peek(); nt.is(".") || nt.is("}") {
				break
			}
		}

		nt := p.peek()
		switch {
		case nt.is("."):
			p.next()
		case inBlock && nt.is("}"):
		case nt.kind == tokEOF && !inBlock:
		default:
			return nil, syntaxErr(nt.line, "expected '.', got %q", nt.text)
		}
	}
}

// ParseTriples parses a Turtle-style document.
func ParseTriples(src string) ([]Triple, error) {
	p, err := newParser(src)
	if err != nil {
		return nil, err
	}
	var out []Triple
	for {
		if err := p.prologue(); err != nil {
			return nil, err
		}
		if p.peek().kind == tokEOF {
			return out, nil
		}
		ts, err := p.triples(false, false)
		if err != nil {
			return nil, err
		}
		out = append(out, ts...)
	}
}

// ParseUpdate parses a batch update: any sequence of INSERT DATA { },
// INSERT { } [WHERE { }], DELETE DATA { } operations separated by ';', or a
// bare Turtle document which is treated as an insert.
func ParseUpdate(src string) ([]Statement, error) {
	p, err := newParser(src)
	if err != nil {
		return nil, err
	}
	if err := p.prologue(); err != nil {
		return nil, err
	}
	first := p.peek()
	if !first.keyword("insert") && !first.keyword("delete") {
		ts, err := ParseTriples(src)
		if err != nil {
			return nil, err
		}
		return statements(OpInsert, ts), nil
	}

	var out []Statement
	for {
		if err := p.prologue(); err != nil {
			return nil, err
		}
		t := p.next()
		if t.kind == tokEOF {
			return out, nil
		}
		if t.is(";") {
			continue
		}
		var op Op
		switch {
		case t.keyword("insert"):
			op = OpInsert
		case t.keyword("delete"):
			op = OpDelete
		default:
			return nil, syntaxErr(t.line, "expected INSERT or DELETE, got %q", t.text)
		}
		if p.peek().keyword("data") {
			p.next()
		}
		if err := p.expect("{"); err != nil {
			return nil, err
		}
		ts, err := p.triples(false, true)
		if err != nil {
			return nil, err
		}
		if err := p.expect("}"); err != nil {
			return nil, err
		}
		// An empty WHERE clause is accepted and ignored.
		if p.peek().keyword("where") {
			p.next()
			if err := p.expect("{"); err != nil {
				return nil, err
			}
			if err := p.expect("}"); err != nil {
				return nil, syntaxErr(t.line, "only empty WHERE clauses are supported in updates")
			}
		}
		out = append(out, statements(op, ts)...)
	}
}

func statements(op Op, ts []Triple) []Statement {
	out := make([]Statement, len(ts))
	for i, t := range ts {
		out[i] = Statement{Op: op, Triple: t}
	}
	return out
}

// CountStatements counts statements the way the bulk loader chunks files:
// lines that end with a '.' once trailing whitespace is removed, ignoring
// prefix declarations and comments.
func CountStatements(src string) int {
	n := 0
	for _, line := range strings.Split(src, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "@prefix") {
			continue
		}
		if strings.HasSuffix(line, ".") {
			n++
		}
	}
	return n
}
