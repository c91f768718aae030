package store

import (
	"context"
	"fmt"

	"github.com/user/tripled/internal/kv"
	"github.com/user/tripled/internal/rdf"
)

// prefixScanner visits every key starting with prefix in key order.
type prefixScanner func(prefix []byte, visit func(key []byte) error) error

// kvMatcher answers triple patterns from the spo/pos/osp index keys written
// by the key-value engines.
type kvMatcher struct {
	scan prefixScanner
}

func (m kvMatcher) Match(ctx context.Context, p rdf.Triple, fn func(rdf.Triple) error) error {
	prefix := kv.ScanPrefix(string(p.Subject), string(p.Predicate), string(p.Object))

	// Collect first: fn may start nested scans and iterators are not reentrant
	// on every backend.
	var found []rdf.Triple
	err := m.scan(prefix, func(key []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		s, pr, o, err := kv.DecodeTripleKey(key)
		if err != nil {
			return fmt.Errorf("decode key: %w", err)
		}
		t := rdf.Triple{Subject: rdf.Term(s), Predicate: rdf.Term(pr), Object: rdf.Term(o)}
		if matches(p, t) {
			found = append(found, t)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, t := range found {
		if err := fn(t); err != nil {
			return err
		}
	}
	return nil
}

func matches(p, t rdf.Triple) bool {
	return (p.Subject == "" || p.Subject == t.Subject) &&
		(p.Predicate == "" || p.Predicate == t.Predicate) &&
		(p.Object == "" || p.Object == t.Object)
}

// statementKeys returns the index keys a statement touches.
func statementKeys(st rdf.Statement) [][]byte {
	return kv.TripleKeys(string(st.Subject), string(st.Predicate), string(st.Object))
}
