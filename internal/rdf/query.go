package rdf

import (
	"context"
	"errors"
	"strconv"
	"strings"
)

// Query is a parsed SELECT over a basic graph pattern.
type Query struct {
	Vars     []string // projected variable names, in order
	Distinct bool
	Patterns []Triple
	Limit    int // 0 means unlimited
}

// Rows is a query result table.
type Rows struct {
	Vars []string `json:"vars"`
	Rows [][]Term `json:"rows"`
}

// Len returns the number of result rows.
func (r *Rows) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Rows)
}

// ParseQuery parses
//
//	[PREFIX p: <iri>]* SELECT [DISTINCT] (?v+ | *) [WHERE] { patterns } [LIMIT n]
func ParseQuery(src string) (*Query, error) {
	p, err := newParser(src)
	if err != nil {
		return nil, err
	}
	if err := p.prologue(); err != nil {
		return nil, err
	}
	t := p.next()
	if !t.keyword("select") {
		return nil, syntaxErr(t.line, "expected SELECT, got %q", t.text)
	}
	q := &Query{}
	if p.peek().keyword("distinct") {
		p.next()
		q.Distinct = true
	}
	star := false
	for {
		t := p.peek()
		if t.is("*") {
			p.next()
			star = true
			continue
		}
		if t.kind == tokTerm && Term(t.text).IsVariable() {
			p.next()
			q.Vars = append(q.Vars, Term(t.text).VarName())
			continue
		}
		break
	}
	if star == (len(q.Vars) > 0) {
		return nil, syntaxErr(t.line, "SELECT needs either * or a variable list")
	}
	if p.peek().keyword("where") {
		p.next()
	}
	if err := p.expect("{"); err != nil {
		return nil, err
	}
	q.Patterns, err = p.triples(true, true)
	if err != nil {
		return nil, err
	}
	if err := p.expect("}"); err != nil {
		return nil, err
	}
	if len(q.Patterns) == 0 {
		return nil, syntaxErr(t.line, "empty graph pattern")
	}
	if p.peek().keyword("limit") {
		p.next()
		lt := p.next()
		n, err := strconv.Atoi(lt.text)
		if err != nil || n < 0 {
			return nil, syntaxErr(lt.line, "invalid LIMIT %q", lt.text)
		}
		q.Limit = n
	}
	if end := p.next(); end.kind != tokEOF {
		return nil, syntaxErr(end.line, "unexpected %q after query", end.text)
	}

	seen := map[string]bool{}
	for _, pat := range q.Patterns {
		for _, term := range []Term{pat.Subject, pat.Predicate, pat.Object} {
			if term.IsVariable() && !seen[term.VarName()] {
				seen[term.VarName()] = true
				if star {
					q.Vars = append(q.Vars, term.VarName())
				}
			}
		}
	}
	for _, v := range q.Vars {
		if !seen[v] {
			return nil, syntaxErr(t.line, "variable ?%s is not bound by the pattern", v)
		}
	}
	return q, nil
}

// Matcher enumerates stored triples matching a pattern. Empty terms are
// wildcards. Returning an error from fn stops the scan with that error.
type Matcher interface {
	Match(ctx context.Context, pattern Triple, fn func(Triple) error) error
}

var errLimitReached = errors.New("limit reached")

// Evaluate runs q against m by joining its patterns left to right.
func Evaluate(ctx context.Context, q *Query, m Matcher) (*Rows, error) {
	out := &Rows{Vars: q.Vars, Rows: [][]Term{}}
	seen := map[string]bool{}

	var join func(i int, binding map[string]Term) error
	join = func(i int, binding map[string]Term) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if i == len(q.Patterns) {
			row := make([]Term, len(q.Vars))
			for j, v := range q.Vars {
				row[j] = binding[v]
			}
			if q.Distinct {
				key := rowKey(row)
				if seen[key] {
					return nil
				}
				seen[key] = true
			}
			out.Rows = append(out.Rows, row)
			if q.Limit > 0 && len(out.Rows) >= q.Limit {
				return errLimitReached
			}
			return nil
		}

		pat := q.Patterns[i]
		bound := Triple{
			Subject:   resolve(pat.Subject, binding),
			Predicate: resolve(pat.Predicate, binding),
			Object:    resolve(pat.Object, binding),
		}
		return m.Match(ctx, bound, func(t Triple) error {
			next, ok := extend(binding, pat, t)
			if !ok {
				return nil
			}
			return join(i+1, next)
		})
	}

	if err := join(0, map[string]Term{}); err != nil && !errors.Is(err, errLimitReached) {
		return nil, err
	}
	return out, nil
}

// resolve substitutes a bound variable, or returns "" for an unbound one.
func resolve(t Term, binding map[string]Term) Term {
	if !t.IsVariable() {
		return t
	}
	return binding[t.VarName()]
}

func extend(binding map[string]Term, pat, t Triple) (map[string]Term, bool) {
	next := make(map[string]Term, len(binding)+3)
	for k, v := range binding {
		next[k] = v
	}
	pairs := [3][2]Term{{pat.Subject, t.Subject}, {pat.Predicate, t.Predicate}, {pat.Object, t.Object}}
	for _, pr := range pairs {
		if !pr[0].IsVariable() {
			continue
		}
		name := pr[0].VarName()
		if prev, ok := next[name]; ok && prev != pr[1] {
			return nil, false
		}
		next[name] = pr[1]
	}
	return next, true
}

func rowKey(row []Term) string {
	var b strings.Builder
	for _, t := range row {
		b.WriteString(string(t))
		b.WriteByte(0)
	}
	return b.String()
}
