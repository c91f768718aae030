package lease

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/user/tripled/internal/rdf"
)

type lease struct {
	h         *Handle
	kind      Kind
	id        uint64
	grantedAt time.Time
	released  atomic.Bool
}

func (l *lease) release() {
	if !l.released.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("lease: %s lease %d released twice", l.kind, l.id))
	}
	l.h.release(l)
}

func (l *lease) mustHold() {
	if l.released.Load() {
		panic(fmt.Sprintf("lease: %s lease %d used after release", l.kind, l.id))
	}
}

// ID is unique per handle and increases with grant order.
func (l *lease) ID() uint64 { return l.id }

// WriteLease grants the exclusive right to open a write transaction.
type WriteLease struct{ *lease }

// ApplyGroup runs one all-or-nothing transaction: begin, apply every
// statement, commit. Any failure rolls the transaction back.
func (l *WriteLease) ApplyGroup(ctx context.Context, group []rdf.Statement) error {
	l.mustHold()
	tx, err := l.h.engine.BeginWrite(ctx)
	if err != nil {
		return err
	}
	if err := tx.ApplyStatements(ctx, group); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return nil
}

// Release returns the lease to the handle. It must be called exactly once.
func (l *WriteLease) Release() { l.release() }

// ReadLease grants the right to run queries.
type ReadLease struct{ *lease }

// Query runs a SELECT against the engine.
func (l *ReadLease) Query(ctx context.Context, text string) (*rdf.Rows, error) {
	l.mustHold()
	return l.h.engine.RunQuery(ctx, text)
}

// Release returns the lease to the handle. It must be called exactly once.
func (l *ReadLease) Release() { l.release() }
