package coordinator

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Cycle is one bounded run from first submission to quiescence or forced
// timeout. Implicit cycles are sealed from the start and end as soon as
// nothing they registered is outstanding. Explicit cycles end only after
// Seal.
type Cycle struct {
	ID      string
	Timeout time.Duration

	d       *Dispatcher
	jobs     *JobTracker
	queries *JobTracker
	timer   *time.Timer
	done    chan struct{}

	// Guarded by d.mu.
	sealed bool
	ended  bool
	report CycleReport
}

// CycleReport summarises a cycle.
type CycleReport struct {
	ID                string        `json:"id"`
	StartedAt         time.Time     `json:"started_at"`
	EndedAt           time.Time     `json:"ended_at,omitzero"`
	Duration          time.Duration `json:"duration_ns"`
	Explicit          bool          `json:"explicit"`
	TimedOut          bool          `json:"timed_out"`
	Quiescent         bool          `json:"quiescent"`
	JobsRegistered    int           `json:"jobs_registered"`
	JobsSucceeded     int           `json:"jobs_succeeded"`
	JobsFailed        int           `json:"jobs_failed"`
	JobsAbandoned     int           `json:"jobs_abandoned"`
	QueriesRegistered int           `json:"queries_registered"`
	QueriesCompleted  int           `json:"queries_completed"`
	QueriesFailed     int           `json:"queries_failed"`
	QueriesAbandoned  int           `json:"queries_abandoned"`
	LeaseTimeouts     int           `json:"lease_timeouts"`
}

func (r *CycleReport) add(kind itemKind, err error) {
	switch {
	case kind == kindJob && err == nil:
		r.JobsSucceeded++
	case kind == kindJob && IsCycleTimeout(err):
		r.JobsAbandoned++
	case kind == kindJob:
		r.JobsFailed++
	case err == nil:
		r.QueriesCompleted++
	case IsCycleTimeout(err):
		r.QueriesAbandoned++
	default:
		r.QueriesFailed++
		if IsLeaseTimeout(err) {
			r.LeaseTimeouts++
		}
	}
}

func newCycle(d *Dispatcher, timeout time.Duration, explicit bool) *Cycle {
	c := &Cycle{
		ID:      uuid.NewString(),
		Timeout: timeout,
		d:       d,
		jobs:    NewJobTracker(),
		queries: NewJobTracker(),
		done:    make(chan struct{}),
		sealed:  !explicit,
	}
	c.report = CycleReport{ID: c.ID, StartedAt: time.Now(), Explicit: explicit}
	return c
}

// Seal marks that no more work will be submitted to an explicit cycle.
func (c *Cycle) Seal() { c.d.seal(c) }

// Done is closed once the cycle has ended and every callback it produced has
// been delivered.
func (c *Cycle) Done() <-chan struct{} { return c.done }

// Wait blocks until the cycle ends or ctx is done.
func (c *Cycle) Wait(ctx context.Context) (CycleReport, error) {
	select {
	case <-c.done:
		return c.Report(), nil
	case <-ctx.Done():
		return c.Report(), ctx.Err()
	}
}

// Report returns the cycle's counters so far.
func (c *Cycle) Report() CycleReport {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	r := c.report
	r.JobsRegistered, _ = c.jobs.Counts()
	r.QueriesRegistered, _ = c.queries.Counts()
	if !c.ended {
		r.Quiescent = c.quiescent()
	}
	return r
}

// IsQuiescent reports whether every job and query registered so far is
// terminal.
func (c *Cycle) IsQuiescent() bool { return c.quiescent() }

func (c *Cycle) quiescent() bool {
	return c.jobs.IsQuiescent() && c.queries.IsQuiescent()
}
