package cycle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/user/tripled/internal/coordinator"
	"github.com/user/tripled/internal/scheduler"
)

// DefaultQuery is issued after every batch and on every probe tick.
const DefaultQuery = "SELECT ?u ?title WHERE { ?u a nie:InformationElement; nie:title ?title. }"

// Coordinator is the part of *coordinator.Coordinator a cycle drives.
type Coordinator interface {
	scheduler.Target
	SubmitBatch(update string, cb coordinator.BatchCallbacks) (uint64, error)
	StartCycle(timeout time.Duration) (*coordinator.Cycle, error)
}

type Options struct {
	Timeout       time.Duration // safety bound of the whole cycle (default 60s)
	ProbeInterval time.Duration // query cadence while batches are outstanding (default 2s)
	Query         string
	QueryTimeout  time.Duration // lease wait per query (default 20s)
}

func (o *Options) defaults() {
	if o.Timeout <= 0 {
		o.Timeout = 60 * time.Second
	}
	if o.ProbeInterval <= 0 {
		o.ProbeInterval = 2 * time.Second
	}
	if o.Query == "" {
		o.Query = DefaultQuery
	}
	if o.QueryTimeout <= 0 {
		o.QueryTimeout = 20 * time.Second
	}
}

// Report is the outcome of one exercise cycle.
type Report struct {
	coordinator.CycleReport
	Batches     int      `json:"batches"`
	Statements  int      `json:"statements"`
	Probes      uint64   `json:"probes"`
	Rejected    int      `json:"rejected"`
	BatchErrors []string `json:"batch_errors,omitempty"`
	QueryErrors []string `json:"query_errors,omitempty"`
}

// OK reports whether every batch succeeded before the cycle ended.
func (r *Report) OK() bool {
	return r.Rejected == 0 && r.JobsSucceeded == r.Batches
}

type collector struct {
	mu          sync.Mutex
	remaining   int
	batchesDone chan struct{}
	report      *Report
}

func (c *collector) batchFinished(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.report.BatchErrors = append(c.report.BatchErrors, err.Error())
	}
	c.remaining--
	if c.remaining == 0 {
		close(c.batchesDone)
	}
}

func (c *collector) queryFailed(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.report.QueryErrors = append(c.report.QueryErrors, err.Error())
}

// Run submits updates in order inside one explicit cycle, issuing a query
// after each and every ProbeInterval until the last batch reports. It
// returns when the cycle ends, or with ctx's error if ctx ends first.
func Run(ctx context.Context, c Coordinator, updates []Update, opts Options) (*Report, error) {
	opts.defaults()
	cy, err := c.StartCycle(opts.Timeout)
	if err != nil {
		return nil, err
	}
	report := &Report{}
	col := &collector{remaining: len(updates), batchesDone: make(chan struct{}), report: report}
	if len(updates) == 0 {
		close(col.batchesDone)
	}
	queryTimeoutMs := int(opts.QueryTimeout.Milliseconds())
	queryCallbacks := coordinator.QueryCallbacks{
		OnSuccess: func(q coordinator.QuerySnapshot) {
			slog.Debug("query replied", "query_id", q.ID, "rows", q.Rows.Len())
		},
		OnError: func(q coordinator.QuerySnapshot, err error) {
			slog.Warn("query failed", "query_id", q.ID, "error", err)
			col.queryFailed(err)
		},
	}

	sched := scheduler.New(c, nil, scheduler.Config{
		ProbeInterval: opts.ProbeInterval,
		ProbeQuery:    opts.Query,
		ProbeTimeout:  opts.QueryTimeout,
		StatsInterval: opts.Timeout,
	})
	probeCtx, stopProbes := context.WithCancel(ctx)
	defer stopProbes()

	g, gctx := errgroup.WithContext(probeCtx)
	g.Go(func() error {
		sched.Run(gctx)
		return nil
	})
	g.Go(func() error {
		select {
		case <-col.batchesDone:
			slog.Info("last batch reported")
		case <-cy.Done():
		case <-gctx.Done():
		}
		stopProbes()
		return nil
	})

	for _, u := range updates {
		_, err := c.SubmitBatch(u.Text, coordinator.BatchCallbacks{
			OnSuccess: func(j coordinator.JobSnapshot) {
				slog.Info("batch succeeded", "job_id", j.ID, "source", u.Source, "statements", j.Statements, "groups", j.Groups)
				col.batchFinished(nil)
			},
			OnError: func(j coordinator.JobSnapshot, err error) {
				slog.Warn("batch failed", "job_id", j.ID, "source", u.Source, "error", err)
				col.batchFinished(err)
			},
		})
		if err != nil {
			slog.Error("batch rejected", "source", u.Source, "error", err)
			report.Rejected++
			col.batchFinished(err)
			continue
		}
		report.Batches++
		report.Statements += u.Statements
		if _, err := c.SubmitQuery(opts.Query, queryTimeoutMs, queryCallbacks); err != nil {
			slog.Error("submit query", "error", err)
		}
	}
	cy.Seal()

	rep, waitErr := cy.Wait(ctx)
	stopProbes()
	g.Wait()

	col.mu.Lock()
	report.CycleReport = rep
	report.Probes, _, _ = sched.Counts()
	col.mu.Unlock()
	if waitErr != nil {
		return report, waitErr
	}
	if rep.TimedOut {
		slog.Warn("forced timeout", "after", opts.Timeout, "batches_succeeded", rep.JobsSucceeded, "batches", report.Batches)
	}
	return report, nil
}
