package scheduler

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/user/tripled/internal/coordinator"
)

// DefaultProbeQuery counts nothing in particular; it only needs a read lease.
const DefaultProbeQuery = "SELECT ?u ?title WHERE { ?u a nie:InformationElement; nie:title ?title. } LIMIT 1"

// Config holds scheduler configuration.
type Config struct {
	Interval      time.Duration // base tick cadence (default 250ms)
	ProbeInterval time.Duration // submit a read probe (default 2s)
	StatsInterval time.Duration // log coordinator stats (default 30s)
	ProbeQuery    string
	ProbeTimeout  time.Duration // lease wait for a probe; 0 means only if free
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:      250 * time.Millisecond,
		ProbeInterval: 2 * time.Second,
		StatsInterval: 30 * time.Second,
		ProbeQuery:    DefaultProbeQuery,
		ProbeTimeout:  20 * time.Second,
	}
}

// Target is the coordinator surface the scheduler drives.
type Target interface {
	SubmitQuery(text string, timeoutMillis int, cb coordinator.QueryCallbacks) (uint64, error)
	Stats() coordinator.Stats
}

// ActivityCheck is an optional interface that, if provided, restricts read
// probes to periods when writes are outstanding.
type ActivityCheck interface {
	Busy() bool
}

// Scheduler submits periodic read probes so reads keep being exercised while
// batches are applied.
type Scheduler struct {
	target    Target
	activity  ActivityCheck
	config    Config
	lastProbe time.Time
	lastStats time.Time

	submitted atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
}

// New creates a new Scheduler. If activity is nil, probes always run.
func New(t Target, activity ActivityCheck, config Config) *Scheduler {
	def := DefaultConfig()
	if config.Interval == 0 {
		config.Interval = def.Interval
	}
	if config.ProbeInterval == 0 {
		config.ProbeInterval = def.ProbeInterval
	}
	if config.StatsInterval == 0 {
		config.StatsInterval = def.StatsInterval
	}
	if config.ProbeQuery == "" {
		config.ProbeQuery = def.ProbeQuery
	}
	if config.ProbeTimeout < 0 {
		config.ProbeTimeout = def.ProbeTimeout
	}
	if config.Interval > config.ProbeInterval {
		config.Interval = config.ProbeInterval
	}
	return &Scheduler{target: t, activity: activity, config: config}
}

// Run starts the scheduler loop. It blocks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	slog.Info("scheduler started", "probe_interval", s.config.ProbeInterval)
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped", "probes", s.submitted.Load(), "succeeded", s.succeeded.Load(), "failed", s.failed.Load())
			return
		case <-ticker.C:
			s.tick(false)
		}
	}
}

func (s *Scheduler) tick(force bool) {
	now := time.Now()

	if force || now.Sub(s.lastProbe) >= s.config.ProbeInterval {
		if s.activity == nil || s.activity.Busy() || force {
			s.probe()
		}
		s.lastProbe = now
	}
	if !force && now.Sub(s.lastStats) >= s.config.StatsInterval {
		st := s.target.Stats()
		slog.Info("coordinator stats",
			"queued_jobs", st.QueuedJobs,
			"active_queries", st.ActiveQueries,
			"transactions", st.Transactions,
			"jobs_succeeded", st.Totals.JobsSucceeded,
			"jobs_failed", st.Totals.JobsFailed,
			"lease_timeouts", st.Totals.LeaseTimeouts,
		)
		s.lastStats = now
	}
}

func (s *Scheduler) probe() {
	_, err := s.target.SubmitQuery(s.config.ProbeQuery, int(s.config.ProbeTimeout.Milliseconds()), coordinator.QueryCallbacks{
		OnSuccess: func(q coordinator.QuerySnapshot) {
			s.succeeded.Add(1)
			slog.Debug("read probe completed", "query_id", q.ID, "rows", q.Rows.Len())
		},
		OnError: func(q coordinator.QuerySnapshot, err error) {
			s.failed.Add(1)
			slog.Warn("read probe failed", "query_id", q.ID, "code", coordinator.CodeOf(err), "error", err)
		},
	})
	if err != nil {
		slog.Error("submit read probe", "error", err)
		return
	}
	s.submitted.Add(1)
}

// RunOnce submits a single probe regardless of activity. Useful for testing.
func (s *Scheduler) RunOnce() {
	s.tick(true)
}

// Counts returns probes submitted, succeeded and failed.
func (s *Scheduler) Counts() (submitted, succeeded, failed uint64) {
	return s.submitted.Load(), s.succeeded.Load(), s.failed.Load()
}
