package rdf

import "strings"

// Term is an RDF term kept in the lexical form it was written in:
// <iri>, prefix:local, _:blank, "literal", "literal"@lang or "literal"^^type.
// Prefixed names are not expanded; documents and queries are expected to
// share their prefix declarations.
type Term string

// RDFType is what the keyword "a" abbreviates.
const RDFType Term = "rdf:type"

// IsVariable reports whether t is a query variable (?x or $x).
func (t Term) IsVariable() bool {
	return len(t) > 1 && (t[0] == '?' || t[0] == '$')
}

// VarName returns the variable name without its sigil.
func (t Term) VarName() string {
	if !t.IsVariable() {
		return ""
	}
	return string(t[1:])
}

// IsLiteral reports whether t is a quoted literal or a bare number/boolean.
func (t Term) IsLiteral() bool {
	if t == "" {
		return false
	}
	switch t[0] {
	case '"', '\'':
		return true
	case '<', '_', '?', '$':
		return false
	}
	return !strings.Contains(string(t), ":")
}

// Triple is a single subject/predicate/object statement. An empty term in a
// pattern position matches anything.
type Triple struct {
	Subject   Term
	Predicate Term
	Object    Term
}

func (t Triple) String() string {
	return string(t.Subject) + " " + string(t.Predicate) + " " + string(t.Object) + " ."
}

// Op is the mutation a statement performs.
type Op uint8

const (
	OpInsert Op = iota
	OpDelete
)

func (o Op) String() string {
	if o == OpDelete {
		return "delete"
	}
	return "insert"
}

// Statement is one mutation inside a batch update.
type Statement struct {
	Op Op
	Triple
}
