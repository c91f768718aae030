package coordinator

import (
	"log/slog"
	"sync"
	"time"
)

// Totals counts terminal outcomes since the dispatcher started.
type Totals struct {
	JobsSucceeded    uint64 `json:"jobs_succeeded"`
	JobsFailed       uint64 `json:"jobs_failed"`
	JobsAbandoned    uint64 `json:"jobs_abandoned"`
	QueriesCompleted uint64 `json:"queries_completed"`
	QueriesFailed    uint64 `json:"queries_failed"`
	QueriesAbandoned uint64 `json:"queries_abandoned"`
	LeaseTimeouts    uint64 `json:"lease_timeouts"`
	Cycles           uint64 `json:"cycles"`
	CycleTimeouts    uint64 `json:"cycle_timeouts"`
}

func (t *Totals) add(kind itemKind, err error) {
	switch {
	case kind == kindJob && err == nil:
		t.JobsSucceeded++
	case kind == kindJob && IsCycleTimeout(err):
		t.JobsAbandoned++
	case kind == kindJob:
		t.JobsFailed++
	case err == nil:
		t.QueriesCompleted++
	case IsCycleTimeout(err):
		t.QueriesAbandoned++
	default:
		t.QueriesFailed++
		if IsLeaseTimeout(err) {
			t.LeaseTimeouts++
		}
	}
}

type registration struct {
	item  tracked
	cycle *Cycle
}

// Dispatcher is the single completion point for jobs and queries. Notify
// settles an item at most once and queues its callback; a dedicated
// goroutine delivers queued callbacks in order, so Notify never blocks on
// caller code. The dispatcher also owns the run cycles and their safety
// timers.
type Dispatcher struct {
	mu             sync.Mutex
	deliverMu      sync.Mutex // serializes delivery
	pending        map[itemKey]*registration
	queue          []func()
	wake           chan struct{}
	stop           chan struct{}
	done           chan struct{}
	stopped        bool
	defaultTimeout time.Duration

	cycle     *Cycle
	lastCycle *CycleReport
	totals    Totals
}

// NewDispatcher starts a dispatcher whose implicit cycles time out after
// cycleTimeout.
func NewDispatcher(cycleTimeout time.Duration) *Dispatcher {
	if cycleTimeout <= 0 {
		cycleTimeout = DefaultConfig().CycleTimeout
	}
	d := &Dispatcher{
		pending:        make(map[itemKey]*registration),
		wake:           make(chan struct{}, 1),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
		defaultTimeout: cycleTimeout,
	}
	go d.loop()
	return d
}

// Register starts tracking item in the current cycle, starting an implicit
// cycle if none is active.
func (d *Dispatcher) Register(item tracked) *Cycle {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := d.cycle
	if c == nil {
		c = d.startCycleLocked(d.defaultTimeout, false)
	}
	key := item.key()
	d.pending[key] = &registration{item: item, cycle: c}
	if key.kind == kindJob {
		c.jobs.Register(key.id)
	} else {
		c.queries.Register(key.id)
	}
	return c
}

// Notify settles item with err (nil for success). Only the first call for an
// item has any effect; it reports whether this call settled it.
func (d *Dispatcher) Notify(item tracked, err error) bool {
	d.mu.Lock()
	key := item.key()
	reg, ok := d.pending[key]
	if !ok {
		d.mu.Unlock()
		return false
	}
	d.settleLocked(key, reg, err)
	if c := reg.cycle; c.sealed && c.quiescent() {
		d.endCycleLocked(c, false)
	}
	d.mu.Unlock()
	d.signal()
	return true
}

// Post queues fn for delivery if item has not been settled yet.
func (d *Dispatcher) Post(item tracked, fn func()) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.pending[item.key()]; !ok {
		return false
	}
	d.enqueueLocked(fn)
	return true
}

func (d *Dispatcher) settleLocked(key itemKey, reg *registration, err error) {
	delete(d.pending, key)
	d.totals.add(key.kind, err)
	reg.cycle.report.add(key.kind, err)
	if key.kind == kindJob {
		reg.cycle.jobs.Complete(key.id)
	} else {
		reg.cycle.queries.Complete(key.id)
	}
	d.enqueueLocked(reg.item.settle(err, time.Now()))
}

func (d *Dispatcher) enqueueLocked(fn func()) {
	d.queue = append(d.queue, fn)
	if d.stopped {
		// No loop left to run it.
		go d.deliverAll()
	}
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// StartCycle begins an explicit cycle that lasts until it is sealed and
// quiescent, or until timeout elapses.
func (d *Dispatcher) StartCycle(timeout time.Duration) (*Cycle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cycle != nil {
		return nil, ErrCycleActive
	}
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}
	return d.startCycleLocked(timeout, true), nil
}

// CurrentCycle returns the active cycle or nil.
func (d *Dispatcher) CurrentCycle() *Cycle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cycle
}

func (d *Dispatcher) startCycleLocked(timeout time.Duration, explicit bool) *Cycle {
	c := newCycle(d, timeout, explicit)
	d.cycle = c
	d.totals.Cycles++
	c.timer = time.AfterFunc(timeout, func() { d.expire(c) })
	slog.Debug("cycle started", "cycle_id", c.ID, "timeout", timeout, "explicit", explicit)
	return c
}

func (d *Dispatcher) seal(c *Cycle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c.sealed {
		return
	}
	c.sealed = true
	if c.quiescent() {
		d.endCycleLocked(c, false)
		d.signal()
	}
}

// expire abandons everything still outstanding in c.
func (d *Dispatcher) expire(c *Cycle) {
	d.mu.Lock()
	if c.ended {
		d.mu.Unlock()
		return
	}
	abandoned := 0
	for key, reg := range d.pending {
		if reg.cycle != c {
			continue
		}
		d.settleLocked(key, reg, newError(CodeCycleTimeout, key.id, nil, "abandoned after cycle timeout of %s", c.Timeout))
		abandoned++
	}
	d.totals.CycleTimeouts++
	slog.Warn("cycle timed out", "cycle_id", c.ID, "timeout", c.Timeout, "abandoned", abandoned)
	d.endCycleLocked(c, true)
	d.mu.Unlock()
	d.signal()
}

func (d *Dispatcher) endCycleLocked(c *Cycle, timedOut bool) {
	if c.ended {
		return
	}
	c.ended = true
	c.timer.Stop()
	if d.cycle == c {
		d.cycle = nil
	}
	c.report.TimedOut = timedOut
	c.report.EndedAt = time.Now()
	c.report.Duration = c.report.EndedAt.Sub(c.report.StartedAt)
	c.report.Quiescent = c.quiescent()
	c.report.JobsRegistered, _ = c.jobs.Counts()
	c.report.QueriesRegistered, _ = c.queries.Counts()
	rep := c.report
	d.lastCycle = &rep
	slog.Debug("cycle ended", "cycle_id", c.ID, "timed_out", timedOut, "jobs", rep.JobsRegistered, "queries", rep.QueriesRegistered)
	// Delivered after every callback of the cycle already queued.
	d.enqueueLocked(func() { close(c.done) })
}

// Totals returns the outcome counters.
func (d *Dispatcher) Totals() Totals {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.totals
}

// Outstanding returns the number of registered items not yet settled.
func (d *Dispatcher) Outstanding() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// LastCycle returns the report of the most recently ended cycle.
func (d *Dispatcher) LastCycle() *CycleReport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastCycle
}

// Flush blocks until every callback queued before the call has run.
func (d *Dispatcher) Flush() {
	done := make(chan struct{})
	d.mu.Lock()
	d.enqueueLocked(func() { close(done) })
	d.mu.Unlock()
	d.signal()
	<-done
}

// Stop delivers any queued callbacks and ends the delivery goroutine.
// Callbacks queued later run on their own goroutine.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.mu.Unlock()
	close(d.stop)
	<-d.done
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for {
		select {
		case <-d.wake:
			d.deliverAll()
		case <-d.stop:
			d.deliverAll()
			return
		}
	}
}

func (d *Dispatcher) deliverAll() {
	d.deliverMu.Lock()
	defer d.deliverMu.Unlock()
	for {
		d.mu.Lock()
		batch := d.queue
		d.queue = nil
		d.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, fn := range batch {
			d.deliver(fn)
		}
	}
}

func (d *Dispatcher) deliver(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("completion callback panicked", "panic", r)
		}
	}()
	fn()
}
