// Package coordinator serializes batched writes against a store that allows
// one writer at a time, runs concurrent read queries under the lease rules of
// package lease, and reports every outcome exactly once through callbacks.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/user/tripled/internal/batch"
	"github.com/user/tripled/internal/lease"
	"github.com/user/tripled/internal/rdf"
)

// Config holds coordinator configuration.
type Config struct {
	BatchThreshold int           // statements per transaction
	CycleTimeout   time.Duration // safety bound of a run cycle
	QueryTimeout   time.Duration // lease wait for queries submitted with a negative timeout
}

// MaxQueryTimeoutMillis caps a query's lease wait. Larger requests are
// clamped to it.
const MaxQueryTimeoutMillis = 24 * 60 * 60 * 1000

// DefaultConfig returns the defaults used by the daemon.
func DefaultConfig() Config {
	return Config{
		BatchThreshold: batch.DefaultThreshold,
		CycleTimeout:   60 * time.Second,
		QueryTimeout:   20 * time.Second,
	}
}

// Coordinator is the inbound interface: SubmitBatch and SubmitQuery.
type Coordinator struct {
	cfg      Config
	handle   *lease.Handle
	dispatch *Dispatcher
	writer   *WriteSerializer
	reader   *ReadGate

	jobSeq   atomic.Uint64
	querySeq atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

// New creates a coordinator driving h. Zero config fields take defaults.
func New(h *lease.Handle, cfg Config) *Coordinator {
	def := DefaultConfig()
	if cfg.BatchThreshold <= 0 {
		cfg.BatchThreshold = def.BatchThreshold
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = def.CycleTimeout
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = def.QueryTimeout
	}
	d := NewDispatcher(cfg.CycleTimeout)
	c := &Coordinator{
		cfg:      cfg,
		handle:   h,
		dispatch: d,
		writer:   NewWriteSerializer(h, d),
		reader:   NewReadGate(h, d, cfg.QueryTimeout),
	}
	slog.Info("coordinator started",
		"engine", h.EngineName(),
		"concurrent_reads", h.ConcurrentReads(),
		"batch_threshold", cfg.BatchThreshold,
		"cycle_timeout", cfg.CycleTimeout,
	)
	return c
}

func (c *Coordinator) Config() Config { return c.cfg }

// SubmitBatch parses update, splits it into groups of at most
// BatchThreshold statements and queues it. Unparsable updates are rejected
// synchronously and never become jobs.
func (c *Coordinator) SubmitBatch(update string, cb BatchCallbacks) (uint64, error) {
	groups, n, err := batch.SplitUpdate(update, c.cfg.BatchThreshold)
	if err != nil {
		return 0, err
	}
	return c.submitGroups(groups, n, cb)
}

// SubmitStatements queues already parsed statements as one batch job.
func (c *Coordinator) SubmitStatements(stmts []rdf.Statement, cb BatchCallbacks) (uint64, error) {
	return c.submitGroups(batch.Split(stmts, c.cfg.BatchThreshold), len(stmts), cb)
}

func (c *Coordinator) submitGroups(groups [][]rdf.Statement, n int, cb BatchCallbacks) (uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return 0, ErrClosed
	}
	j := newBatchJob(c.jobSeq.Add(1), groups, n, cb)
	cycle := c.dispatch.Register(j)
	if err := c.writer.Submit(j); err != nil {
		c.dispatch.Notify(j, err)
		return j.ID, err
	}
	slog.Debug("batch submitted", "job_id", j.ID, "statements", n, "groups", len(groups), "cycle_id", cycle.ID)
	return j.ID, nil
}

// SubmitQuery queues a read query. timeoutMillis < 0 selects the configured
// query timeout, 0 runs the query only if a read lease is available at once,
// and > 0 bounds the wait for a lease, up to MaxQueryTimeoutMillis.
func (c *Coordinator) SubmitQuery(text string, timeoutMillis int, cb QueryCallbacks) (uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return 0, ErrClosed
	}
	timeout := c.cfg.QueryTimeout
	if timeoutMillis >= 0 {
		timeout = time.Duration(min(timeoutMillis, MaxQueryTimeoutMillis)) * time.Millisecond
	}
	q := newReadQuery(c.querySeq.Add(1), text, timeout, cb)
	c.dispatch.Register(q)
	c.reader.Submit(q)
	return q.ID, nil
}

// StartCycle begins an explicit cycle. Work submitted until Seal belongs to
// it. timeout <= 0 selects the configured cycle timeout.
func (c *Coordinator) StartCycle(timeout time.Duration) (*Cycle, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}
	return c.dispatch.StartCycle(timeout)
}

// CurrentCycle returns the active cycle or nil.
func (c *Coordinator) CurrentCycle() *Cycle { return c.dispatch.CurrentCycle() }

// Busy reports whether any batch is queued or being applied.
func (c *Coordinator) Busy() bool { return c.writer.Busy() }

// Flush blocks until every callback produced so far has been delivered.
func (c *Coordinator) Flush() { c.dispatch.Flush() }

// Stats is a point-in-time view of the coordinator.
type Stats struct {
	Lease         lease.Stats  `json:"lease"`
	QueuedJobs    int          `json:"queued_jobs"`
	ActiveQueries int          `json:"active_queries"`
	Outstanding   int          `json:"outstanding"`
	Transactions  uint64       `json:"transactions"`
	Totals        Totals       `json:"totals"`
	CurrentCycle  *CycleReport `json:"current_cycle,omitempty"`
	LastCycle     *CycleReport `json:"last_cycle,omitempty"`
}

func (c *Coordinator) Stats() Stats {
	s := Stats{
		Lease:         c.handle.Stats(),
		QueuedJobs:    c.writer.QueueLen(),
		ActiveQueries: c.reader.Active(),
		Outstanding:   c.dispatch.Outstanding(),
		Transactions:  c.writer.Transactions(),
		Totals:        c.dispatch.Totals(),
		LastCycle:     c.dispatch.LastCycle(),
	}
	if cy := c.dispatch.CurrentCycle(); cy != nil {
		r := cy.Report()
		s.CurrentCycle = &r
	}
	return s
}

// Close stops accepting work, fails queued batches with CLOSED, waits for the
// in-flight group and outstanding queries, and delivers remaining callbacks.
// If ctx ends first, in-flight work is canceled and ctx's error returned.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	var errs []error
	if err := c.writer.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := c.reader.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	c.dispatch.Stop()
	slog.Info("coordinator stopped", "outstanding", c.dispatch.Outstanding())
	return errors.Join(errs...)
}
