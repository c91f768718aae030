package store

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/user/tripled/internal/kv"
	"github.com/user/tripled/internal/rdf"
)

// Pebble stores each triple under three index keys. Writes accumulate in a
// pebble.Batch and become visible atomically on commit; reads run against a
// snapshot, so they never observe a partially applied group.
type Pebble struct {
	db      *pebble.DB
	noSync  bool
	writing atomic.Bool
}

// OpenPebble opens dataDir/pebble.
func OpenPebble(dataDir string, noSync bool) (*Pebble, error) {
	path := filepath.Join(dataDir, "pebble")
	db, err := pebble.Open(path, &pebble.Options{
		MemTableSize:          16 << 20, // 16MB
		L0CompactionThreshold: 8,
		MaxConcurrentCompactions: func() int {
			return 2
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open pebble store: %w", err)
	}
	slog.Info("database opened", "backend", BackendPebble, "path", path, "nosync", noSync)
	return &Pebble{db: db, noSync: noSync}, nil
}

func (e *Pebble) Name() string { return BackendPebble }

func (e *Pebble) SupportsConcurrentReadsDuringWrite() bool { return true }

func (e *Pebble) syncOpt() *pebble.WriteOptions {
	if e.noSync {
		return pebble.NoSync
	}
	return pebble.Sync
}

func (e *Pebble) BeginWrite(ctx context.Context) (Tx, error) {
	if !e.writing.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: write transaction already open", ErrHandleMisuse)
	}
	return &pebbleTx{e: e, b: e.db.NewBatch()}, nil
}

func (e *Pebble) RunQuery(ctx context.Context, text string) (*rdf.Rows, error) {
	q, err := parseQuery(text)
	if err != nil {
		return nil, err
	}
	snap := e.db.NewSnapshot()
	defer func() { _ = snap.Close() }()

	scan := func(prefix []byte, visit func([]byte) error) error {
		iter, err := snap.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: kv.PrefixUpperBound(prefix)})
		if err != nil {
			return err
		}
		defer func() { _ = iter.Close() }()
		for iter.First(); iter.Valid(); iter.Next() {
			if err := visit(iter.Key()); err != nil {
				return err
			}
		}
		return iter.Error()
	}
	return rdf.Evaluate(ctx, q, kvMatcher{scan: scan})
}

func (e *Pebble) Close() error {
	return e.db.Close()
}

type pebbleTx struct {
	e    *Pebble
	b    *pebble.Batch
	done bool
}

func (t *pebbleTx) ApplyStatements(ctx context.Context, group []rdf.Statement) error {
	if t.done {
		return ErrTxDone
	}
	for i, st := range group {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, k := range statementKeys(st) {
			var err error
			if st.Op == rdf.OpDelete {
				err = t.b.Delete(k, nil)
			} else {
				err = t.b.Set(k, nil, nil)
			}
			if err != nil {
				return fmt.Errorf("statement %d (%s): %w", i, st.Op, err)
			}
		}
	}
	return nil
}

func (t *pebbleTx) Commit() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	defer t.e.writing.Store(false)
	defer func() { _ = t.b.Close() }()
	if err := t.b.Commit(t.e.syncOpt()); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (t *pebbleTx) Rollback() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	defer t.e.writing.Store(false)
	return t.b.Close()
}
