package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/user/tripled/internal/lease"
	"github.com/user/tripled/internal/rdf"
)

var errJobSettled = errors.New("job already settled")

// WriteSerializer applies batch jobs one group at a time, in submission
// order, from a single goroutine. Each group is its own transaction under
// its own write lease, so readers can be served between groups.
type WriteSerializer struct {
	handle   *lease.Handle
	dispatch *Dispatcher
	tracer   trace.Tracer

	mu     sync.Mutex
	queue  []*BatchJob
	closed bool
	wake   chan struct{}
	stop   chan struct{}
	done   chan struct{}

	// ctx is canceled only when Close gives up on the in-flight group.
	ctx    context.Context
	cancel context.CancelFunc

	pendingJobs  atomic.Int64 // queued plus in flight
	transactions atomic.Uint64
	failures     atomic.Uint64
}

func NewWriteSerializer(h *lease.Handle, d *Dispatcher) *WriteSerializer {
	ctx, cancel := context.WithCancel(context.Background())
	w := &WriteSerializer{
		handle:   h,
		dispatch: d,
		tracer:   otel.Tracer("github.com/user/tripled/internal/coordinator"),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	go w.loop()
	return w
}

// Submit queues j behind every previously submitted job.
func (w *WriteSerializer) Submit(j *BatchJob) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	w.queue = append(w.queue, j)
	w.pendingJobs.Add(1)
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
	return nil
}

// QueueLen returns the number of jobs waiting behind the one being applied.
func (w *WriteSerializer) QueueLen() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// Busy reports whether any job is queued or being applied.
func (w *WriteSerializer) Busy() bool { return w.pendingJobs.Load() > 0 }

// Transactions returns how many group transactions have been committed.
func (w *WriteSerializer) Transactions() uint64 { return w.transactions.Load() }

// Close fails every queued job with CLOSED and waits for the job being
// applied to finish its current group. If ctx ends first, the in-flight
// group is interrupted.
func (w *WriteSerializer) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		select {
		case <-w.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	w.closed = true
	queued := w.queue
	w.queue = nil
	w.mu.Unlock()

	w.pendingJobs.Add(-int64(len(queued)))
	for _, j := range queued {
		w.dispatch.Notify(j, newError(CodeClosed, j.ID, nil, "batch %d not started before shutdown", j.ID))
	}
	close(w.stop)

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.cancel()
		return ctx.Err()
	}
}

func (w *WriteSerializer) loop() {
	defer close(w.done)
	defer w.cancel()
	for {
		j := w.next()
		if j == nil {
			return
		}
		w.run(j)
		w.pendingJobs.Add(-1)
	}
}

// next blocks until a job is queued or the serializer is closed.
func (w *WriteSerializer) next() *BatchJob {
	for {
		w.mu.Lock()
		if len(w.queue) > 0 {
			j := w.queue[0]
			w.queue[0] = nil
			w.queue = w.queue[1:]
			w.mu.Unlock()
			return j
		}
		closed := w.closed
		w.mu.Unlock()
		if closed {
			return nil
		}
		select {
		case <-w.wake:
		case <-w.stop:
		}
	}
}

func (w *WriteSerializer) run(j *BatchJob) {
	if j.State().Terminal() {
		return
	}
	if len(j.groups) == 0 {
		w.dispatch.Notify(j, nil)
		return
	}
	start := time.Now()
	for i, group := range j.groups {
		err := w.applyGroup(j, i, group)
		if errors.Is(err, errJobSettled) {
			slog.Info("batch settled elsewhere, skipping remaining groups", "job_id", j.ID, "state", j.State(), "groups_done", i, "groups", len(j.groups))
			return
		}
		if err != nil {
			w.failures.Add(1)
			code := CodeTransactionFailure
			if w.ctx.Err() != nil {
				code = CodeClosed
			}
			cerr := newError(code, j.ID, err, "batch %d group %d/%d", j.ID, i+1, len(j.groups))
			if w.dispatch.Notify(j, cerr) {
				slog.Warn("batch failed", "job_id", j.ID, "group", i+1, "groups", len(j.groups), "error", err)
			}
			return
		}
		p := j.groupCommitted()
		if cb := j.cb.OnProgress; cb != nil {
			w.dispatch.Post(j, func() { cb(p) })
		}
	}
	if w.dispatch.Notify(j, nil) {
		slog.Debug("batch succeeded", "job_id", j.ID, "groups", len(j.groups), "statements", j.statements, "elapsed", time.Since(start))
	}
}

func (w *WriteSerializer) applyGroup(j *BatchJob, i int, group []rdf.Statement) (err error) {
	ctx, span := w.tracer.Start(w.ctx, "coordinator.write_group", trace.WithAttributes(
		attribute.Int64("job.id", int64(j.ID)),
		attribute.Int("group.index", i),
		attribute.Int("group.statements", len(group)),
	))
	defer func() {
		if err != nil && !errors.Is(err, errJobSettled) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	wl, err := w.handle.AcquireWrite(ctx)
	if err != nil {
		return fmt.Errorf("acquire write lease: %w", err)
	}
	defer wl.Release()

	// Checked under the lease so an abandoned job never starts another group.
	if !j.markApplying() {
		return errJobSettled
	}
	if err := wl.ApplyGroup(ctx, group); err != nil {
		return err
	}
	w.transactions.Add(1)
	slog.Debug("group committed", "job_id", j.ID, "group", i+1, "groups", len(j.groups), "statements", len(group), "lease_id", wl.ID())
	return nil
}
