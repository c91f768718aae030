package coordinator

import "sync"

// JobTracker counts outstanding items of one cycle.
type JobTracker struct {
	mu          sync.Mutex
	outstanding map[uint64]struct{}
	registered  int
	completed   int
}

func NewJobTracker() *JobTracker {
	t := &JobTracker{}
	t.Reset()
	return t
}

// Register adds id to the outstanding set.
func (t *JobTracker) Register(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.outstanding[id]; ok {
		return
	}
	t.outstanding[id] = struct{}{}
	t.registered++
}

// Complete removes id. It reports false if id was not outstanding.
func (t *JobTracker) Complete(id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.outstanding[id]; !ok {
		return false
	}
	delete(t.outstanding, id)
	t.completed++
	return true
}

// IsQuiescent reports whether every registered id has completed.
func (t *JobTracker) IsQuiescent() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.outstanding) == 0
}

func (t *JobTracker) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.outstanding)
}

// Counts returns how many ids were registered and completed since Reset.
func (t *JobTracker) Counts() (registered, completed int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.registered, t.completed
}

// Reset forgets all ids and counters.
func (t *JobTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.outstanding = make(map[uint64]struct{})
	t.registered = 0
	t.completed = 0
}
