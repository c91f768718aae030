package coordinator

import (
	"sync"
	"time"

	"github.com/user/tripled/internal/rdf"
)

type JobState string

const (
	JobQueued    JobState = "queued"
	JobApplying  JobState = "applying"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
	JobAbandoned JobState = "abandoned"
)

func (s JobState) Terminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobAbandoned
}

var allowedJobTransitions = map[JobState]map[JobState]struct{}{
	JobQueued: {
		JobApplying:  {},
		JobSucceeded: {}, // Empty update.
		JobFailed:    {},
		JobAbandoned: {},
	},
	JobApplying: {
		JobSucceeded: {},
		JobFailed:    {},
		JobAbandoned: {},
	},
}

type QueryState string

const (
	QueryQueued    QueryState = "queued"
	QueryRunning   QueryState = "running"
	QueryCompleted QueryState = "completed"
	QueryFailed    QueryState = "failed"
	QueryAbandoned QueryState = "abandoned"
)

func (s QueryState) Terminal() bool {
	return s == QueryCompleted || s == QueryFailed || s == QueryAbandoned
}

var allowedQueryTransitions = map[QueryState]map[QueryState]struct{}{
	QueryQueued: {
		QueryRunning:   {},
		QueryFailed:    {},
		QueryAbandoned: {},
	},
	QueryRunning: {
		QueryCompleted: {},
		QueryFailed:    {},
		QueryAbandoned: {},
	},
}

func canTransition[S comparable](table map[S]map[S]struct{}, from, to S) bool {
	next, ok := table[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// BatchCallbacks receive a batch job's outcome. Exactly one of OnSuccess and
// OnError is called. OnProgress is called after each committed group, before
// the terminal callback. Nil fields are skipped.
type BatchCallbacks struct {
	OnSuccess  func(JobSnapshot)
	OnError    func(JobSnapshot, error)
	OnProgress func(Progress)
}

// QueryCallbacks receive a read query's outcome. Exactly one is called.
type QueryCallbacks struct {
	OnSuccess func(QuerySnapshot)
	OnError   func(QuerySnapshot, error)
}

type itemKind uint8

const (
	kindJob itemKind = iota
	kindQuery
)

type itemKey struct {
	kind itemKind
	id   uint64
}

// tracked is implemented by BatchJob and ReadQuery. settle moves the item to
// the terminal state implied by err and returns the callback to deliver.
type tracked interface {
	key() itemKey
	settle(err error, at time.Time) func()
}

// BatchJob is one submitted update, split into statement groups that are
// applied as separate transactions.
type BatchJob struct {
	ID         uint64
	groups     [][]rdf.Statement
	statements int
	submitted  time.Time
	cb         BatchCallbacks

	mu         sync.Mutex
	state      JobState
	groupsDone int
	started    time.Time
	finished   time.Time
	err        error
}

func newBatchJob(id uint64, groups [][]rdf.Statement, statements int, cb BatchCallbacks) *BatchJob {
	return &BatchJob{
		ID:         id,
		groups:     groups,
		statements: statements,
		submitted:  time.Now(),
		cb:         cb,
		state:      JobQueued,
	}
}

func (j *BatchJob) key() itemKey { return itemKey{kindJob, j.ID} }

func (j *BatchJob) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// markApplying reports false if the job already reached a terminal state.
func (j *BatchJob) markApplying() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state == JobApplying {
		return true
	}
	if !canTransition(allowedJobTransitions, j.state, JobApplying) {
		return false
	}
	j.state = JobApplying
	j.started = time.Now()
	return true
}

func (j *BatchJob) groupCommitted() Progress {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.groupsDone++
	applied := 0
	for _, g := range j.groups[:j.groupsDone] {
		applied += len(g)
	}
	return Progress{JobID: j.ID, GroupsDone: j.groupsDone, Groups: len(j.groups), StatementsApplied: applied, Statements: j.statements}
}

func (j *BatchJob) settle(err error, at time.Time) func() {
	to := JobSucceeded
	switch {
	case err == nil:
	case IsCycleTimeout(err):
		to = JobAbandoned
	default:
		to = JobFailed
	}
	j.mu.Lock()
	if !canTransition(allowedJobTransitions, j.state, to) {
		from := j.state
		j.mu.Unlock()
		panic("coordinator: job " + string(from) + " -> " + string(to))
	}
	j.state = to
	j.finished = at
	j.err = err
	snap := j.snapshotLocked()
	j.mu.Unlock()

	cb := j.cb
	return func() {
		if err == nil {
			if cb.OnSuccess != nil {
				cb.OnSuccess(snap)
			}
			return
		}
		if cb.OnError != nil {
			cb.OnError(snap, err)
		}
	}
}

// JobSnapshot is a point-in-time copy of a BatchJob.
type JobSnapshot struct {
	ID          uint64     `json:"id"`
	State       JobState   `json:"state"`
	Statements  int        `json:"statements"`
	Groups      int        `json:"groups"`
	GroupsDone  int        `json:"groups_done"`
	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Error       string     `json:"error,omitempty"`
	ErrorCode   ErrorCode  `json:"error_code,omitempty"`
}

func (j *BatchJob) Snapshot() JobSnapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.snapshotLocked()
}

func (j *BatchJob) snapshotLocked() JobSnapshot {
	s := JobSnapshot{
		ID:          j.ID,
		State:       j.state,
		Statements:  j.statements,
		Groups:      len(j.groups),
		GroupsDone:  j.groupsDone,
		SubmittedAt: j.submitted,
		StartedAt:   timePtr(j.started),
		FinishedAt:  timePtr(j.finished),
	}
	if j.err != nil {
		s.Error = j.err.Error()
		s.ErrorCode = CodeOf(j.err)
	}
	return s
}

// Progress reports a committed group of a batch job.
type Progress struct {
	JobID             uint64 `json:"job_id"`
	GroupsDone        int    `json:"groups_done"`
	Groups            int    `json:"groups"`
	StatementsApplied int    `json:"statements_applied"`
	Statements        int    `json:"statements"`
}

// ReadQuery is one submitted query. Deadline bounds the wait for a read
// lease; Timeout is zero when the query may only run if a lease is free.
type ReadQuery struct {
	ID       uint64
	Text     string
	Timeout  time.Duration
	Deadline time.Time
	cb       QueryCallbacks

	mu       sync.Mutex
	state    QueryState
	issued   time.Time
	started  time.Time
	finished time.Time
	rows     *rdf.Rows
	err      error
}

func newReadQuery(id uint64, text string, timeout time.Duration, cb QueryCallbacks) *ReadQuery {
	now := time.Now()
	return &ReadQuery{
		ID:       id,
		Text:     text,
		Timeout:  timeout,
		Deadline: now.Add(timeout),
		cb:       cb,
		state:    QueryQueued,
		issued:   now,
	}
}

func (q *ReadQuery) key() itemKey { return itemKey{kindQuery, q.ID} }

func (q *ReadQuery) State() QueryState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

func (q *ReadQuery) markRunning() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !canTransition(allowedQueryTransitions, q.state, QueryRunning) {
		return false
	}
	q.state = QueryRunning
	q.started = time.Now()
	return true
}

func (q *ReadQuery) setRows(rows *rdf.Rows) {
	q.mu.Lock()
	q.rows = rows
	q.mu.Unlock()
}

func (q *ReadQuery) settle(err error, at time.Time) func() {
	to := QueryCompleted
	switch {
	case err == nil:
	case IsCycleTimeout(err):
		to = QueryAbandoned
	default:
		to = QueryFailed
	}
	q.mu.Lock()
	if !canTransition(allowedQueryTransitions, q.state, to) {
		from := q.state
		q.mu.Unlock()
		panic("coordinator: query " + string(from) + " -> " + string(to))
	}
	q.state = to
	q.finished = at
	q.err = err
	if err != nil {
		q.rows = nil
	}
	snap := q.snapshotLocked()
	q.mu.Unlock()

	cb := q.cb
	return func() {
		if err == nil {
			if cb.OnSuccess != nil {
				cb.OnSuccess(snap)
			}
			return
		}
		if cb.OnError != nil {
			cb.OnError(snap, err)
		}
	}
}

// QuerySnapshot is a point-in-time copy of a ReadQuery.
type QuerySnapshot struct {
	ID         uint64     `json:"id"`
	State      QueryState `json:"state"`
	Text       string     `json:"query"`
	IssuedAt   time.Time  `json:"issued_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Rows       *rdf.Rows  `json:"results,omitempty"`
	Error      string     `json:"error,omitempty"`
	ErrorCode  ErrorCode  `json:"error_code,omitempty"`
}

func (q *ReadQuery) Snapshot() QuerySnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked()
}

func (q *ReadQuery) snapshotLocked() QuerySnapshot {
	s := QuerySnapshot{
		ID:         q.ID,
		State:      q.state,
		Text:       q.Text,
		IssuedAt:   q.issued,
		StartedAt:  timePtr(q.started),
		FinishedAt: timePtr(q.finished),
		Rows:       q.rows,
	}
	if q.err != nil {
		s.Error = q.err.Error()
		s.ErrorCode = CodeOf(q.err)
	}
	return s
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
