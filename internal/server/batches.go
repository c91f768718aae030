package server

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/user/tripled/internal/coordinator"
)

const (
	batchEventBuffer = 1024
	batchTaskTTL     = 10 * time.Minute
)

type batchTaskStatus string

const (
	batchTaskQueued    batchTaskStatus = "queued"
	batchTaskApplying  batchTaskStatus = "applying"
	batchTaskSucceeded batchTaskStatus = "succeeded"
	batchTaskFailed    batchTaskStatus = "failed"
	batchTaskAbandoned batchTaskStatus = "abandoned"
)

func (s batchTaskStatus) terminal() bool {
	return s == batchTaskSucceeded || s == batchTaskFailed || s == batchTaskAbandoned
}

type batchEvent struct {
	Type        string `json:"type"`
	TaskID      string `json:"task_id"`
	JobID       uint64 `json:"job_id"`
	Status      string `json:"status"`
	GroupsDone  int    `json:"groups_done"`
	Groups      int    `json:"groups"`
	Applied     int    `json:"statements_applied"`
	Statements  int    `json:"statements"`
	Error       string `json:"error,omitempty"`
	ErrorCode   string `json:"error_code,omitempty"`
	CreatedAtNs int64  `json:"created_at_ns"`
}

// batchTask is the HTTP view of one submitted batch job.
type batchTask struct {
	ID         string          `json:"id"`
	JobID      uint64          `json:"job_id"`
	Status     batchTaskStatus `json:"status"`
	Statements int             `json:"statements"`
	Groups     int             `json:"groups"`
	GroupsDone int             `json:"groups_done"`
	Applied    int             `json:"statements_applied"`
	Error      string          `json:"error,omitempty"`
	ErrorCode  string          `json:"error_code,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

type batchEntry struct {
	task *batchTask
	subs []chan batchEvent
	done chan struct{}
}

// batchRegistry tracks batches submitted over HTTP and fans their coordinator
// callbacks out to status readers and SSE subscribers.
type batchRegistry struct {
	mu    sync.RWMutex
	tasks map[string]*batchEntry
	ttl   time.Duration
}

func newBatchRegistry() *batchRegistry {
	return &batchRegistry{tasks: make(map[string]*batchEntry), ttl: batchTaskTTL}
}

// create registers a task and returns the callbacks that feed it. The task is
// registered before submission because callbacks may arrive before
// SubmitBatch returns.
func (m *batchRegistry) create() (string, coordinator.BatchCallbacks) {
	id := uuid.NewString()
	now := time.Now().UTC()
	m.mu.Lock()
	m.pruneLocked(now)
	m.tasks[id] = &batchEntry{
		task: &batchTask{ID: id, Status: batchTaskQueued, CreatedAt: now, UpdatedAt: now},
		done: make(chan struct{}),
	}
	m.mu.Unlock()

	cb := coordinator.BatchCallbacks{
		OnProgress: func(p coordinator.Progress) { m.progress(id, p) },
		OnSuccess:  func(snap coordinator.JobSnapshot) { m.finish(id, snap) },
		OnError:    func(snap coordinator.JobSnapshot, _ error) { m.finish(id, snap) },
	}
	return id, cb
}

// bind records the coordinator job id once SubmitBatch has returned.
func (m *batchRegistry) bind(id string, jobID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.tasks[id]; ok && e.task.JobID == 0 {
		e.task.JobID = jobID
	}
}

func (m *batchRegistry) remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.tasks[id]; ok {
		m.closeLocked(e)
		delete(m.tasks, id)
	}
}

func (m *batchRegistry) get(id string) (*batchTask, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.tasks[id]
	if !ok {
		return nil, false
	}
	return copyBatchTask(e.task), true
}

// wait blocks until the task is terminal or the timer fires.
func (m *batchRegistry) wait(id string, stop <-chan struct{}, d time.Duration) (*batchTask, bool) {
	m.mu.RLock()
	e, ok := m.tasks[id]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-e.done:
		case <-t.C:
		case <-stop:
		}
	}
	return m.get(id)
}

// subscribe returns a channel of events for id. The channel is closed once
// the task is terminal; ok is false for unknown tasks.
func (m *batchRegistry) subscribe(id string) (<-chan batchEvent, func(), bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.tasks[id]
	if !ok {
		return nil, nil, false
	}
	ch := make(chan batchEvent, batchEventBuffer)
	if e.task.Status.terminal() {
		close(ch)
		return ch, func() {}, true
	}
	e.subs = append(e.subs, ch)
	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, s := range e.subs {
			if s == ch {
				e.subs = append(e.subs[:i], e.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel, true
}

func (m *batchRegistry) progress(id string, p coordinator.Progress) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.tasks[id]
	if !ok || e.task.Status.terminal() {
		return
	}
	t := e.task
	t.JobID = p.JobID
	t.Status = batchTaskApplying
	t.Groups = p.Groups
	t.GroupsDone = p.GroupsDone
	t.Statements = p.Statements
	t.Applied = p.StatementsApplied
	t.UpdatedAt = time.Now().UTC()
	m.publishLocked(e, "batch.progress")
}

func (m *batchRegistry) finish(id string, snap coordinator.JobSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.tasks[id]
	if !ok || e.task.Status.terminal() {
		return
	}
	now := time.Now().UTC()
	t := e.task
	t.JobID = snap.ID
	t.Status = batchTaskStatus(snap.State)
	t.Groups = snap.Groups
	t.GroupsDone = snap.GroupsDone
	t.Statements = snap.Statements
	t.Error = snap.Error
	t.ErrorCode = string(snap.ErrorCode)
	if snap.State == coordinator.JobSucceeded {
		t.Applied = snap.Statements
	}
	t.UpdatedAt = now
	t.FinishedAt = &now
	m.publishLocked(e, "batch."+string(t.Status))
	m.closeLocked(e)
}

// publishLocked drops the event for subscribers whose buffer is full.
func (m *batchRegistry) publishLocked(e *batchEntry, typ string) {
	ev := eventFor(typ, e.task)
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (m *batchRegistry) closeLocked(e *batchEntry) {
	for _, ch := range e.subs {
		close(ch)
	}
	e.subs = nil
	select {
	case <-e.done:
	default:
		close(e.done)
	}
}

func (m *batchRegistry) pruneLocked(now time.Time) {
	cutoff := now.Add(-m.ttl)
	for id, e := range m.tasks {
		if f := e.task.FinishedAt; f != nil && f.Before(cutoff) {
			delete(m.tasks, id)
		}
	}
}

func (m *batchRegistry) counts() map[batchTaskStatus]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[batchTaskStatus]int)
	for _, e := range m.tasks {
		out[e.task.Status]++
	}
	return out
}

func eventFor(typ string, t *batchTask) batchEvent {
	return batchEvent{
		Type:        typ,
		TaskID:      t.ID,
		JobID:       t.JobID,
		Status:      string(t.Status),
		GroupsDone:  t.GroupsDone,
		Groups:      t.Groups,
		Applied:     t.Applied,
		Statements:  t.Statements,
		Error:       t.Error,
		ErrorCode:   t.ErrorCode,
		CreatedAtNs: time.Now().UnixNano(),
	}
}

func copyBatchTask(t *batchTask) *batchTask {
	cp := *t
	if t.FinishedAt != nil {
		f := *t.FinishedAt
		cp.FinishedAt = &f
	}
	return &cp
}
