// Package batch partitions update payloads into bounded statement groups.
package batch

import (
	"fmt"

	"github.com/user/tripled/internal/rdf"
)

// DefaultThreshold is the statement count per group used when none is
// configured.
const DefaultThreshold = 3000

// Split partitions statements into consecutive groups of at most threshold
// statements, preserving order. It returns ceil(len(statements)/threshold)
// groups; an empty input yields no groups. A threshold <= 0 selects
// DefaultThreshold.
func Split(statements []rdf.Statement, threshold int) [][]rdf.Statement {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if len(statements) == 0 {
		return nil
	}
	groups := make([][]rdf.Statement, 0, Groups(len(statements), threshold))
	for start := 0; start < len(statements); start += threshold {
		end := min(start+threshold, len(statements))
		// Full slice expression so appending to one group never clobbers the next.
		groups = append(groups, statements[start:end:end])
	}
	return groups
}

// Groups returns how many groups Split produces for n statements.
func Groups(n, threshold int) int {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if n <= 0 {
		return 0
	}
	return (n + threshold - 1) / threshold
}

// SplitUpdate parses update text and splits the resulting statements.
func SplitUpdate(update string, threshold int) ([][]rdf.Statement, int, error) {
	stmts, err := rdf.ParseUpdate(update)
	if err != nil {
		return nil, 0, fmt.Errorf("parse update: %w", err)
	}
	return Split(stmts, threshold), len(stmts), nil
}
