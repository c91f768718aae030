package batch

import (
	"fmt"
	"strings"
	"testing"

	"github.com/user/tripled/internal/rdf"
)

func statements(n int) []rdf.Statement {
	out := make([]rdf.Statement, n)
	for i := range out {
		out[i] = rdf.Statement{Op: rdf.OpInsert, Triple: rdf.Triple{
			Subject:   rdf.Term(fmt.Sprintf("<urn:s:%d>", i)),
			Predicate: "nie:title",
			Object:    rdf.Term(fmt.Sprintf("%q", fmt.Sprint(i))),
		}}
	}
	return out
}

func TestSplitGroupCount(t *testing.T) {
	for _, n := range []int{0, 1, 2, 2999, 3000, 3001, 6000, 7500} {
		for _, threshold := range []int{1, 7, 3000} {
			groups := Split(statements(n), threshold)
			want := (n + threshold - 1) / threshold
			if len(groups) != want {
				t.Errorf("Split(%d, %d) = %d groups, want %d", n, threshold, len(groups), want)
			}
			if got := Groups(n, threshold); got != want {
				t.Errorf("Groups(%d, %d) = %d, want %d", n, threshold, got, want)
			}
			total := 0
			for i, g := range groups {
				if len(g) == 0 || len(g) > threshold {
					t.Errorf("Split(%d, %d) group %d has %d statements", n, threshold, i, len(g))
				}
				total += len(g)
			}
			if total != n {
				t.Errorf("Split(%d, %d) covers %d statements", n, threshold, total)
			}
		}
	}
}

func TestSplitPreservesOrder(t *testing.T) {
	in := statements(10)
	groups := Split(in, 4)
	var flat []rdf.Statement
	for _, g := range groups {
		flat = append(flat, g...)
	}
	for i := range in {
		if flat[i] != in[i] {
			t.Fatalf("statement %d = %v, want %v", i, flat[i], in[i])
		}
	}

	// Appending to a group must not overwrite its neighbour.
	_ = append(groups[0], rdf.Statement{})
	if groups[1][0] != in[4] {
		t.Errorf("group 1 clobbered by append to group 0")
	}
}

func TestSplitDefaultThreshold(t *testing.T) {
	if got := len(Split(statements(DefaultThreshold+1), 0)); got != 2 {
		t.Errorf("groups = %d, want 2", got)
	}
}

func TestSplitUpdate(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 5; i++ {
		fmt.Fprintf(&b, "<urn:uuid:%d> a nie:InformationElement ; nie:title \"t%d\" .\n", i, i)
	}
	groups, n, err := SplitUpdate("PREFIX nie: <http://tracker.api.gnome.org/ontology/v3/nie#>\nINSERT DATA { "+b.String()+" }", 4)
	if err != nil {
		t.Fatalf("SplitUpdate: %v", err)
	}
	if n != 10 {
		t.Errorf("statements = %d, want 10", n)
	}
	if len(groups) != 3 {
		t.Errorf("groups = %d, want 3", len(groups))
	}

	if _, _, err := SplitUpdate("INSERT DATA { <urn:a> ", 4); err == nil {
		t.Error("expected parse error")
	}
}
