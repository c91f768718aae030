package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/user/tripled/internal/rdf"
)

// Badger stores triples like Pebble but relies on badger's MVCC transactions:
// a read-only View sees the last committed state while an update is open.
type Badger struct {
	db      *badger.DB
	writing atomic.Bool
}

// OpenBadger opens dataDir/badger.
func OpenBadger(dataDir string, noSync bool) (*Badger, error) {
	path := filepath.Join(dataDir, "badger")
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	opts.SyncWrites = !noSync
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}
	slog.Info("database opened", "backend", BackendBadger, "path", path, "nosync", noSync)
	return &Badger{db: db}, nil
}

func (e *Badger) Name() string { return BackendBadger }

func (e *Badger) SupportsConcurrentReadsDuringWrite() bool { return true }

func (e *Badger) BeginWrite(ctx context.Context) (Tx, error) {
	if !e.writing.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: write transaction already open", ErrHandleMisuse)
	}
	return &badgerTx{e: e, txn: e.db.NewTransaction(true)}, nil
}

func (e *Badger) RunQuery(ctx context.Context, text string) (*rdf.Rows, error) {
	q, err := parseQuery(text)
	if err != nil {
		return nil, err
	}
	var rows *rdf.Rows
	err = e.db.View(func(txn *badger.Txn) error {
		scan := func(prefix []byte, visit func([]byte) error) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			opts.Prefix = prefix
			it := txn.NewIterator(opts)
			defer it.Close()
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				if err := visit(it.Item().KeyCopy(nil)); err != nil {
					return err
				}
			}
			return nil
		}
		var err error
		rows, err = rdf.Evaluate(ctx, q, kvMatcher{scan: scan})
		return err
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (e *Badger) Close() error {
	return e.db.Close()
}

type badgerTx struct {
	e    *Badger
	txn  *badger.Txn
	done bool
}

func (t *badgerTx) ApplyStatements(ctx context.Context, group []rdf.Statement) error {
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
				err = t.txn.Delete(k)
			} else {
				err = t.txn.Set(k, []byte{})
			}
			if errors.Is(err, badger.ErrTxnTooBig) {
				return fmt.Errorf("statement %d: group too large for one badger transaction: %w", i, err)
			}
			if err != nil {
				return fmt.Errorf("statement %d (%s): %w", i, st.Op, err)
			}
		}
	}
	return nil
}

func (t *badgerTx) Commit() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	defer t.e.writing.Store(false)
	if err := t.txn.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (t *badgerTx) Rollback() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	defer t.e.writing.Store(false)
	t.txn.Discard()
	return nil
}
