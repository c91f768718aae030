package kv

import (
	"encoding/binary"
	"errors"
)

// ErrShortKey is returned when a key ends before a length-prefixed field does.
var ErrShortKey = errors.New("kv: short key")

// PutUint32BE appends a big-endian uint32 to dst (4 bytes).
func PutUint32BE(dst []byte, v uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return append(dst, buf[:]...)
}

// GetUint32BE reads a big-endian uint32 from b.
func GetUint32BE(b []byte) uint32 {
	return binary.BigEndian.Uint32(b)
}

// PutString appends s to dst prefixed with its 4-byte big-endian length.
// Length prefixes keep terms containing separator bytes unambiguous.
func PutString(dst []byte, s string) []byte {
	dst = PutUint32BE(dst, uint32(len(s)))
	return append(dst, s...)
}

// GetString reads a length-prefixed string from b and returns the rest.
func GetString(b []byte) (string, []byte, error) {
	if len(b) < 4 {
		return "", nil, ErrShortKey
	}
	n := int(GetUint32BE(b))
	b = b[4:]
	if len(b) < n {
		return "", nil, ErrShortKey
	}
	return string(b[:n]), b[n:], nil
}
