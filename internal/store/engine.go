package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/user/tripled/internal/rdf"
)

// Engine is the embedded triple store the coordinator drives. Implementations
// are not required to be safe for arbitrary concurrent use: callers must hold
// a lease from internal/lease before touching one.
type Engine interface {
	// Name identifies the backend in logs and stats.
	Name() string
	// BeginWrite opens the single write transaction.
	BeginWrite(ctx context.Context) (Tx, error)
	// RunQuery parses and evaluates a SELECT query.
	RunQuery(ctx context.Context, text string) (*rdf.Rows, error)
	// SupportsConcurrentReadsDuringWrite reports whether RunQuery may run
	// while a write transaction is open.
	SupportsConcurrentReadsDuringWrite() bool
	Close() error
}

// Tx is an open write transaction. ApplyStatements may be called any number
// of times; nothing is visible to readers until Commit. Exactly one of Commit
// or Rollback ends the transaction.
type Tx interface {
	ApplyStatements(ctx context.Context, group []rdf.Statement) error
	Commit() error
	Rollback() error
}

// Backend names.
const (
	BackendSQLite = "sqlite"
	BackendPebble = "pebble"
	BackendBadger = "badger"
)

// Config selects and configures an engine.
type Config struct {
	Backend string
	DataDir string
	// SharedConnection makes the sqlite backend use one physical connection
	// for reads and writes. Such an engine cannot serve reads while a write
	// transaction is open.
	SharedConnection bool
	// NoSync disables fsync on commit for the key-value backends.
	NoSync bool
}

// Open creates or opens the engine named by cfg.Backend.
func Open(cfg Config) (Engine, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendSQLite:
		return OpenSQLite(cfg.DataDir, cfg.SharedConnection)
	case BackendPebble:
		return OpenPebble(cfg.DataDir, cfg.NoSync)
	case BackendBadger:
		return OpenBadger(cfg.DataDir, cfg.NoSync)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}

// parseQuery wraps rdf parse errors so callers can tell them from engine
// failures.
func parseQuery(text string) (*rdf.Query, error) {
	q, err := rdf.ParseQuery(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidQuery, err)
	}
	return q, nil
}
