package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/user/tripled/internal/lease"
	"github.com/user/tripled/internal/store"
)

// ReadGate runs each query on its own goroutine under a read lease. The
// query's deadline bounds only the lease wait; a query that never gets a
// lease is reported as LEASE_TIMEOUT. Once granted, execution is bounded by
// the gate's execution timeout.
type ReadGate struct {
	handle      *lease.Handle
	dispatch    *Dispatcher
	tracer      trace.Tracer
	execTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	active atomic.Int32
}

// NewReadGate creates a gate. execTimeout bounds the execution of every
// granted query.
func NewReadGate(h *lease.Handle, d *Dispatcher, execTimeout time.Duration) *ReadGate {
	ctx, cancel := context.WithCancel(context.Background())
	return &ReadGate{
		handle:      h,
		dispatch:    d,
		tracer:      otel.Tracer("github.com/user/tripled/internal/coordinator"),
		execTimeout: execTimeout,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Submit starts q. It never blocks.
func (g *ReadGate) Submit(q *ReadQuery) {
	g.wg.Add(1)
	g.active.Add(1)
	go func() {
		defer g.wg.Done()
		defer g.active.Add(-1)
		g.run(q)
	}()
}

// Active returns the number of queries waiting for or holding a lease.
func (g *ReadGate) Active() int { return int(g.active.Load()) }

// Close waits for submitted queries to finish. If ctx ends first, waiting
// and running queries are canceled and reported as CLOSED.
func (g *ReadGate) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		g.cancel()
		return nil
	case <-ctx.Done():
		g.cancel()
		return ctx.Err()
	}
}

func (g *ReadGate) run(q *ReadQuery) {
	ctx, span := g.tracer.Start(g.ctx, "coordinator.read_query", trace.WithAttributes(
		attribute.Int64("query.id", int64(q.ID)),
		attribute.Int64("query.timeout_ms", q.Timeout.Milliseconds()),
	))
	defer span.End()
	fail := func(err *Error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if g.dispatch.Notify(q, err) {
			slog.Debug("query failed", "query_id", q.ID, "code", err.Code, "error", err)
		}
	}

	waitCtx, cancelWait := context.WithDeadline(ctx, q.Deadline)
	defer cancelWait()
	rl, err := g.handle.AcquireRead(waitCtx)
	if err != nil {
		if g.ctx.Err() != nil {
			fail(newError(CodeClosed, q.ID, err, "query %d canceled by shutdown", q.ID))
			return
		}
		fail(newError(CodeLeaseTimeout, q.ID, err, "query %d not granted a read lease within %s", q.ID, q.Timeout))
		return
	}
	defer rl.Release()

	if !q.markRunning() {
		// Abandoned while waiting.
		return
	}
	execCtx, cancelExec := context.WithTimeout(ctx, g.execTimeout)
	defer cancelExec()
	rows, err := rl.Query(execCtx, q.Text)
	if err != nil {
		code := CodeQueryFailure
		if g.ctx.Err() != nil && errors.Is(err, context.Canceled) {
			code = CodeClosed
		}
		fail(newError(code, q.ID, err, "query %d", q.ID))
		return
	}
	q.setRows(rows)
	span.SetAttributes(attribute.Int("query.rows", rows.Len()))
	g.dispatch.Notify(q, nil)
}

// IsInvalidQuery reports whether a query failure was caused by unparsable
// query text rather than the store.
func IsInvalidQuery(err error) bool { return errors.Is(err, store.ErrInvalidQuery) }
