package store

import "errors"

var (
	// ErrHandleMisuse is returned when an engine's connection is used in a way
	// its concurrency contract forbids: a read while a write transaction is
	// open on a shared connection, or a second write transaction.
	ErrHandleMisuse = errors.New("store: handle misuse")

	// ErrTxDone is returned by operations on a committed or rolled back Tx.
	ErrTxDone = errors.New("store: transaction already finished")

	ErrInvalidQuery   = errors.New("store: invalid query")
	ErrUnknownBackend = errors.New("store: unknown backend")
)

// IsHandleMisuse reports whether err is or wraps ErrHandleMisuse.
func IsHandleMisuse(err error) bool {
	return errors.Is(err, ErrHandleMisuse)
}
