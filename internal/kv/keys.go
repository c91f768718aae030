package kv

import (
	"bytes"
	"fmt"
)

// Index names one of the three orderings each triple is stored under.
type Index string

// Key prefixes. Each prefix ends with '|' as a separator.
const (
	IndexSPO Index = "spo|" // spo|{s}{p}{o}
	IndexPOS Index = "pos|" // pos|{p}{o}{s}
	IndexOSP Index = "osp|" // osp|{o}{s}{p}
)

// Indexes lists every index a triple is written to.
var Indexes = []Index{IndexSPO, IndexPOS, IndexOSP}

// order maps index component positions to subject(0)/predicate(1)/object(2).
func (ix Index) order() [3]int {
	switch ix {
	case IndexPOS:
		return [3]int{1, 2, 0}
	case IndexOSP:
		return [3]int{2, 0, 1}
	default:
		return [3]int{0, 1, 2}
	}
}

// TripleKey returns the key for (s, p, o) under index ix. Components are
// length-prefixed strings in the index's order.
func TripleKey(ix Index, s, p, o string) []byte {
	spo := [3]string{s, p, o}
	k := []byte(ix)
	for _, pos := range ix.order() {
		k = PutString(k, spo[pos])
	}
	return k
}

// TripleKeys returns the keys for (s, p, o) under every index.
func TripleKeys(s, p, o string) [][]byte {
	out := make([][]byte, len(Indexes))
	for i, ix := range Indexes {
		out[i] = TripleKey(ix, s, p, o)
	}
	return out
}

// DecodeTripleKey reverses TripleKey, returning components in s, p, o order.
func DecodeTripleKey(k []byte) (s, p, o string, err error) {
	var ix Index
	for _, cand := range Indexes {
		if bytes.HasPrefix(k, []byte(cand)) {
			ix = cand
			break
		}
	}
	if ix == "" {
		return "", "", "", fmt.Errorf("kv: unknown index prefix in key %q", k)
	}
	rest := k[len(ix):]
	var spo [3]string
	for _, pos := range ix.order() {
		spo[pos], rest, err = GetString(rest)
		if err != nil {
			return "", "", "", err
		}
	}
	if len(rest) != 0 {
		return "", "", "", fmt.Errorf("kv: %d trailing bytes in key", len(rest))
	}
	return spo[0], spo[1], spo[2], nil
}

// ScanPrefix picks the index that turns the bound components of a pattern
// into the longest key prefix. Empty strings are unbound. The returned prefix
// may still cover triples that do not match when the bound components are not
// contiguous in any index; callers must filter.
func ScanPrefix(s, p, o string) []byte {
	bound := [3]bool{s != "", p != "", o != ""}
	spo := [3]string{s, p, o}

	var ix Index
	switch {
	case bound[0] && bound[1]:
		ix = IndexSPO
	case bound[1] && bound[2]:
		ix = IndexPOS
	case bound[2] && bound[0]:
		ix = IndexOSP
	case bound[0]:
		ix = IndexSPO
	case bound[1]:
		ix = IndexPOS
	case bound[2]:
		ix = IndexOSP
	default:
		ix = IndexSPO
	}

	k := []byte(ix)
	for _, pos := range ix.order() {
		if !bound[pos] {
			break
		}
		k = PutString(k, spo[pos])
	}
	return k
}

// PrefixUpperBound returns the smallest key greater than every key with the
// given prefix, or nil when no such key exists.
func PrefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
