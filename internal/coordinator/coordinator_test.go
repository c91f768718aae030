package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/tripled/internal/lease"
	"github.com/user/tripled/internal/rdf"
	"github.com/user/tripled/internal/store"
)

// stubEngine is an in-memory engine that records committed groups and flags
// access its capability forbids.
type stubEngine struct {
	concurrent  bool
	failOnBegin int           // 1-based BeginWrite call whose apply fails
	block       chan struct{} // when set, ApplyStatements waits for it or ctx
	started     chan struct{} // receives once per BeginWrite when set
	delay       time.Duration // RunQuery takes this long unless ctx ends first

	mu        sync.Mutex
	begins    int
	rollbacks int
	committed [][]rdf.Statement

	writers    atomic.Int32
	readers    atomic.Int32
	violations atomic.Int32
}

func (e *stubEngine) Name() string                             { return "stub" }
func (e *stubEngine) SupportsConcurrentReadsDuringWrite() bool { return e.concurrent }
func (e *stubEngine) Close() error                             { return nil }

func (e *stubEngine) BeginWrite(ctx context.Context) (store.Tx, error) {
	if e.writers.Add(1) > 1 || (!e.concurrent && e.readers.Load() > 0) {
		e.violations.Add(1)
	}
	e.mu.Lock()
	e.begins++
	n := e.begins
	e.mu.Unlock()
	if e.started != nil {
		e.started <- struct{}{}
	}
	return &stubTx{e: e, fail: n == e.failOnBegin}, nil
}

func (e *stubEngine) RunQuery(ctx context.Context, text string) (*rdf.Rows, error) {
	e.readers.Add(1)
	defer e.readers.Add(-1)
	if !e.concurrent && e.writers.Load() > 0 {
		e.violations.Add(1)
	}
	if text == "bad" {
		return nil, fmt.Errorf("%w: bad", store.ErrInvalidQuery)
	}
	if e.delay > 0 {
		select {
		case <-time.After(e.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	e.mu.Lock()
	n := len(e.committed)
	e.mu.Unlock()
	return &rdf.Rows{Vars: []string{"groups"}, Rows: [][]rdf.Term{{rdf.Term(fmt.Sprint(n))}}}, nil
}

func (e *stubEngine) Begins() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.begins
}

func (e *stubEngine) Committed() [][]rdf.Statement {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([][]rdf.Statement(nil), e.committed...)
}

type stubTx struct {
	e     *stubEngine
	fail  bool
	group []rdf.Statement
}

func (t *stubTx) ApplyStatements(ctx context.Context, group []rdf.Statement) error {
	if t.e.block != nil {
		select {
		case <-t.e.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if t.fail {
		return errors.New("disk full")
	}
	t.group = append(t.group, group...)
	return nil
}

func (t *stubTx) Commit() error {
	t.e.writers.Add(-1)
	t.e.mu.Lock()
	t.e.committed = append(t.e.committed, t.group)
	t.e.mu.Unlock()
	return nil
}

func (t *stubTx) Rollback() error {
	t.e.writers.Add(-1)
	t.e.mu.Lock()
	t.e.rollbacks++
	t.e.mu.Unlock()
	return nil
}

func newTestCoordinator(t *testing.T, eng store.Engine, cfg Config) *Coordinator {
	t.Helper()
	c := New(lease.New(eng), cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		c.Close(ctx)
	})
	return c
}

func stmts(prefix string, n int) []rdf.Statement {
	out := make([]rdf.Statement, n)
	for i := range out {
		out[i] = rdf.Statement{Op: rdf.OpInsert, Triple: rdf.Triple{
			Subject:   rdf.Term(fmt.Sprintf("<urn:%s:%d>", prefix, i)),
			Predicate: "nie:title",
			Object:    rdf.Term(fmt.Sprintf("%q", prefix)),
		}}
	}
	return out
}

// recorder collects callbacks keyed by id.
type recorder struct {
	mu        sync.Mutex
	successes map[uint64]int
	failures  map[uint64][]error
	progress  map[uint64][]Progress
	rows      map[uint64]*rdf.Rows
	order     []string
}

func newRecorder() *recorder {
	return &recorder{
		successes: make(map[uint64]int),
		failures:  make(map[uint64][]error),
		progress:  make(map[uint64][]Progress),
		rows:      make(map[uint64]*rdf.Rows),
	}
}

func (r *recorder) batch() BatchCallbacks {
	return BatchCallbacks{
		OnSuccess: func(s JobSnapshot) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.successes[s.ID]++
			r.order = append(r.order, fmt.Sprintf("success %d", s.ID))
		},
		OnError: func(s JobSnapshot, err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.failures[s.ID] = append(r.failures[s.ID], err)
			r.order = append(r.order, fmt.Sprintf("error %d", s.ID))
		},
		OnProgress: func(p Progress) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.progress[p.JobID] = append(r.progress[p.JobID], p)
			r.order = append(r.order, fmt.Sprintf("progress %d", p.JobID))
		},
	}
}

func (r *recorder) query() QueryCallbacks {
	return QueryCallbacks{
		OnSuccess: func(s QuerySnapshot) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.successes[s.ID]++
			r.rows[s.ID] = s.Rows
		},
		OnError: func(s QuerySnapshot, err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.failures[s.ID] = append(r.failures[s.ID], err)
		},
	}
}

func (r *recorder) outcomes(id uint64) (int, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.successes[id], append([]error(nil), r.failures[id]...)
}

func (r *recorder) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, v := range r.successes {
		n += v
	}
	for _, v := range r.failures {
		n += len(v)
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestBatchSplitsIntoTransactions(t *testing.T) {
	eng := &stubEngine{}
	c := newTestCoordinator(t, eng, Config{BatchThreshold: 3})
	rec := newRecorder()

	id, err := c.SubmitStatements(stmts("a", 7), rec.batch())
	if err != nil {
		t.Fatalf("SubmitStatements: %v", err)
	}
	waitFor(t, "batch callback", func() bool { return rec.total() == 1 })
	c.Flush()

	if ok, errs := rec.outcomes(id); ok != 1 || len(errs) != 0 {
		t.Fatalf("outcomes = %d successes, %v errors", ok, errs)
	}
	committed := eng.Committed()
	if len(committed) != 3 {
		t.Fatalf("transactions = %d, want 3", len(committed))
	}
	for i, want := range []int{3, 3, 1} {
		if len(committed[i]) != want {
			t.Errorf("group %d size = %d, want %d", i, len(committed[i]), want)
		}
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if got := len(rec.progress[id]); got != 3 {
		t.Errorf("progress events = %d, want 3", got)
	}
	if last := rec.order[len(rec.order)-1]; last != fmt.Sprintf("success %d", id) {
		t.Errorf("last callback = %q, want terminal success", last)
	}
	if p := rec.progress[id][2]; p.GroupsDone != 3 || p.StatementsApplied != 7 {
		t.Errorf("final progress = %+v", p)
	}
}

func TestTransactionFailureIsNotRetried(t *testing.T) {
	eng := &stubEngine{failOnBegin: 2}
	c := newTestCoordinator(t, eng, Config{BatchThreshold: 2})
	rec := newRecorder()

	id, err := c.SubmitStatements(stmts("a", 6), rec.batch())
	if err != nil {
		t.Fatalf("SubmitStatements: %v", err)
	}
	waitFor(t, "batch callback", func() bool { return rec.total() == 1 })
	c.Flush()

	ok, errs := rec.outcomes(id)
	if ok != 0 || len(errs) != 1 {
		t.Fatalf("outcomes = %d successes, %d errors, want one error", ok, len(errs))
	}
	if code := CodeOf(errs[0]); code != CodeTransactionFailure {
		t.Errorf("code = %q, want %q", code, CodeTransactionFailure)
	}
	if eng.Begins() != 2 {
		t.Errorf("transactions begun = %d, want 2", eng.Begins())
	}
	if got := len(eng.Committed()); got != 1 {
		t.Errorf("committed groups = %d, want 1", got)
	}
	if eng.rollbacks != 1 {
		t.Errorf("rollbacks = %d, want 1", eng.rollbacks)
	}
	if tot := c.Stats().Totals; tot.JobsFailed != 1 {
		t.Errorf("totals = %+v", tot)
	}
}

func TestBatchesAppliedInSubmissionOrder(t *testing.T) {
	eng := &stubEngine{}
	c := newTestCoordinator(t, eng, Config{BatchThreshold: 10})
	rec := newRecorder()

	const n = 20
	for i := 0; i < n; i++ {
		if _, err := c.SubmitStatements(stmts(fmt.Sprint(i), 1), rec.batch()); err != nil {
			t.Fatalf("SubmitStatements: %v", err)
		}
	}
	waitFor(t, "all batches", func() bool { return rec.total() == n })

	for i, g := range eng.Committed() {
		want := rdf.Term(fmt.Sprintf("<urn:%d:0>", i))
		if g[0].Subject != want {
			t.Fatalf("transaction %d applied %s, want %s", i, g[0].Subject, want)
		}
	}
}

func TestEmptyBatchSucceeds(t *testing.T) {
	eng := &stubEngine{}
	c := newTestCoordinator(t, eng, Config{})
	rec := newRecorder()
	id, err := c.SubmitBatch("INSERT DATA { }", rec.batch())
	if err != nil {
		t.Fatalf("SubmitBatch: %v", err)
	}
	waitFor(t, "callback", func() bool { return rec.total() == 1 })
	if ok, _ := rec.outcomes(id); ok != 1 {
		t.Error("empty batch did not succeed")
	}
	if eng.Begins() != 0 {
		t.Errorf("transactions = %d, want 0", eng.Begins())
	}
}

func TestSubmitBatchSplitsUpdateText(t *testing.T) {
	eng := &stubEngine{}
	c := newTestCoordinator(t, eng, Config{BatchThreshold: 2})
	rec := newRecorder()
	id, err := c.SubmitBatch("INSERT DATA { <urn:a> <urn:p> <urn:1> . <urn:b> <urn:p> <urn:2> . <urn:c> <urn:p> <urn:3> . }", rec.batch())
	if err != nil {
		t.Fatalf("SubmitBatch: %v", err)
	}
	waitFor(t, "callback", func() bool { return rec.total() == 1 })
	c.Flush()
	if ok, errs := rec.outcomes(id); ok != 1 {
		t.Fatalf("batch errors = %v", errs)
	}
	committed := eng.Committed()
	if len(committed) != 2 || len(committed[0]) != 2 || len(committed[1]) != 1 {
		t.Errorf("committed groups = %v, want sizes 2 and 1", committed)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if p := rec.progress[id]; len(p) != 2 || p[1].StatementsApplied != 3 {
		t.Errorf("progress = %+v", p)
	}
}

func TestSubmitBatchRejectsSyntaxErrors(t *testing.T) {
	c := newTestCoordinator(t, &stubEngine{}, Config{})
	_, err := c.SubmitBatch("INSERT DATA { <urn:a> <urn:b> ", BatchCallbacks{})
	var se *rdf.SyntaxError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *rdf.SyntaxError", err)
	}
	if c.dispatch.Outstanding() != 0 {
		t.Error("rejected batch was registered")
	}
}

func TestZeroTimeoutQueryDuringWrite(t *testing.T) {
	for _, concurrent := range []bool{false, true} {
		t.Run(fmt.Sprintf("concurrent=%v", concurrent), func(t *testing.T) {
			eng := &stubEngine{concurrent: concurrent, block: make(chan struct{}), started: make(chan struct{}, 1)}
			c := newTestCoordinator(t, eng, Config{})
			rec := newRecorder()

			if _, err := c.SubmitStatements(stmts("a", 1), rec.batch()); err != nil {
				t.Fatalf("SubmitStatements: %v", err)
			}
			<-eng.started

			qrec := newRecorder()
			qid, err := c.SubmitQuery("SELECT * WHERE { ?s ?p ?o }", 0, qrec.query())
			if err != nil {
				t.Fatalf("SubmitQuery: %v", err)
			}
			waitFor(t, "query callback", func() bool { return qrec.total() == 1 })
			ok, errs := qrec.outcomes(qid)
			if concurrent {
				if ok != 1 {
					t.Errorf("query on concurrent engine failed: %v", errs)
				}
			} else {
				if len(errs) != 1 || !IsLeaseTimeout(errs[0]) {
					t.Errorf("query errors = %v, want one LEASE_TIMEOUT", errs)
				}
				if ls := c.Stats().Lease; ls.WaitingReaders != 0 {
					t.Errorf("timed out reader still queued: %+v", ls)
				}
			}

			close(eng.block)
			waitFor(t, "batch callback", func() bool { return rec.total() == 1 })
			if v := eng.violations.Load(); v != 0 {
				t.Errorf("violations = %d", v)
			}
		})
	}
}

func TestQueuedQueryRunsAfterWriteCommits(t *testing.T) {
	eng := &stubEngine{block: make(chan struct{}), started: make(chan struct{}, 1)}
	c := newTestCoordinator(t, eng, Config{})
	rec := newRecorder()

	if _, err := c.SubmitStatements(stmts("a", 1), rec.batch()); err != nil {
		t.Fatalf("SubmitStatements: %v", err)
	}
	<-eng.started
	qid, _ := c.SubmitQuery("SELECT * WHERE { ?s ?p ?o }", 5000, rec.query())
	waitFor(t, "reader to queue", func() bool { return c.Stats().Lease.WaitingReaders == 1 })
	close(eng.block)

	waitFor(t, "query callback", func() bool { ok, errs := rec.outcomes(qid); return ok+len(errs) == 1 })
	ok, errs := rec.outcomes(qid)
	if ok != 1 {
		t.Fatalf("query failed: %v", errs)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if got := rec.rows[qid].Rows[0][0]; got != "1" {
		t.Errorf("query saw %s committed groups, want 1", got)
	}
}

func TestQueryExecutionOutlivesLeaseTimeout(t *testing.T) {
	eng := &stubEngine{concurrent: true, delay: 150 * time.Millisecond}
	c := newTestCoordinator(t, eng, Config{})
	rec := newRecorder()

	qid, err := c.SubmitQuery("SELECT * WHERE { ?s ?p ?o }", 50, rec.query())
	if err != nil {
		t.Fatalf("SubmitQuery: %v", err)
	}
	waitFor(t, "query callback", func() bool { return rec.total() == 1 })
	if ok, errs := rec.outcomes(qid); ok != 1 {
		t.Errorf("query errors = %v, want success", errs)
	}
}

func TestHugeQueryTimeoutIsClamped(t *testing.T) {
	eng := &stubEngine{block: make(chan struct{}), started: make(chan struct{}, 1)}
	c := newTestCoordinator(t, eng, Config{})
	rec := newRecorder()

	if _, err := c.SubmitStatements(stmts("a", 1), rec.batch()); err != nil {
		t.Fatalf("SubmitStatements: %v", err)
	}
	<-eng.started
	qid, err := c.SubmitQuery("SELECT * WHERE { ?s ?p ?o }", 10_000_000_000_000, rec.query())
	if err != nil {
		t.Fatalf("SubmitQuery: %v", err)
	}
	waitFor(t, "reader to queue", func() bool { return c.Stats().Lease.WaitingReaders == 1 })
	time.Sleep(100 * time.Millisecond)
	if ok, errs := rec.outcomes(qid); ok+len(errs) != 0 {
		t.Fatalf("query finished while the write was open: %d successes, errors %v", ok, errs)
	}

	close(eng.block)
	waitFor(t, "query callback", func() bool { ok, errs := rec.outcomes(qid); return ok+len(errs) == 1 })
	if ok, errs := rec.outcomes(qid); ok != 1 {
		t.Errorf("query errors = %v, want success", errs)
	}
}

func TestQueryFailureReported(t *testing.T) {
	c := newTestCoordinator(t, &stubEngine{}, Config{})
	rec := newRecorder()
	id, _ := c.SubmitQuery("bad", -1, rec.query())
	waitFor(t, "query callback", func() bool { return rec.total() == 1 })
	_, errs := rec.outcomes(id)
	if len(errs) != 1 || CodeOf(errs[0]) != CodeQueryFailure || !IsInvalidQuery(errs[0]) {
		t.Errorf("errors = %v, want one invalid QUERY_FAILURE", errs)
	}
}

func TestCycleTimeoutAbandonsOutstanding(t *testing.T) {
	// Writes never complete on their own.
	eng := &stubEngine{block: make(chan struct{})}
	c := newTestCoordinator(t, eng, Config{BatchThreshold: 2})
	jobs, queries := newRecorder(), newRecorder()

	const timeout = 150 * time.Millisecond
	start := time.Now()
	cycle, err := c.StartCycle(timeout)
	if err != nil {
		t.Fatalf("StartCycle: %v", err)
	}
	j1, _ := c.SubmitStatements(stmts("a", 4), jobs.batch())
	j2, _ := c.SubmitStatements(stmts("b", 4), jobs.batch())
	q1, _ := c.SubmitQuery("SELECT * WHERE { ?s ?p ?o }", -1, queries.query())
	cycle.Seal()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rep, err := cycle.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < timeout {
		t.Errorf("cycle ended after %s, before its timeout", elapsed)
	}
	if !rep.TimedOut || !rep.Quiescent {
		t.Errorf("report = %+v, want timed out and quiescent", rep)
	}
	if rep.JobsAbandoned != 2 || rep.QueriesAbandoned != 1 || rep.JobsRegistered != 2 || rep.QueriesRegistered != 1 {
		t.Errorf("report = %+v", rep)
	}
	for _, id := range []uint64{j1, j2} {
		ok, errs := jobs.outcomes(id)
		if ok != 0 || len(errs) != 1 || !IsCycleTimeout(errs[0]) {
			t.Errorf("job %d outcomes = %d, %v; want one CYCLE_TIMEOUT", id, ok, errs)
		}
	}
	if _, errs := queries.outcomes(q1); len(errs) != 1 || !IsCycleTimeout(errs[0]) {
		t.Errorf("query outcomes = %v; want one CYCLE_TIMEOUT", errs)
	}

	// Unblocking the stuck write must not produce a second callback.
	close(eng.block)
	waitFor(t, "writer idle", func() bool { s := c.Stats().Lease; return !s.WriteHeld && s.WaitingReaders == 0 })
	c.Flush()
	if jobs.total() != 2 || queries.total() != 1 {
		t.Errorf("callbacks after unblock = %d jobs, %d queries", jobs.total(), queries.total())
	}
	if got := len(eng.Committed()); got != 1 {
		t.Errorf("committed groups = %d, want only the in-flight one", got)
	}
	if tot := c.Stats().Totals; tot.CycleTimeouts != 1 || tot.JobsAbandoned != 2 {
		t.Errorf("totals = %+v", tot)
	}
}

func TestExplicitCycleEndsOnQuiescence(t *testing.T) {
	c := newTestCoordinator(t, &stubEngine{}, Config{BatchThreshold: 5})
	rec := newRecorder()
	cycle, err := c.StartCycle(time.Minute)
	if err != nil {
		t.Fatalf("StartCycle: %v", err)
	}
	if _, err := c.StartCycle(time.Minute); !errors.Is(err, ErrCycleActive) {
		t.Errorf("second StartCycle = %v, want ErrCycleActive", err)
	}
	for i := 0; i < 3; i++ {
		c.SubmitStatements(stmts(fmt.Sprint(i), 12), rec.batch())
		c.SubmitQuery("SELECT * WHERE { ?s ?p ?o }", -1, rec.query())
	}
	// Not sealed yet: the cycle outlives its work.
	waitFor(t, "callbacks", func() bool { return rec.total() == 6 })
	select {
	case <-cycle.Done():
		t.Fatal("unsealed cycle ended")
	case <-time.After(20 * time.Millisecond):
	}
	cycle.Seal()
	rep, err := cycle.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if rep.TimedOut || !rep.Quiescent || !rep.Explicit || rep.JobsSucceeded != 3 || rep.QueriesCompleted != 3 {
		t.Errorf("report = %+v", rep)
	}
	if c.CurrentCycle() != nil {
		t.Error("cycle still current after it ended")
	}
	if last := c.Stats().LastCycle; last == nil || last.ID != cycle.ID {
		t.Errorf("last cycle = %+v", last)
	}

	// Work submitted outside an explicit cycle opens an implicit one.
	c.SubmitStatements(stmts("implicit", 1), rec.batch())
	waitFor(t, "implicit cycle to end", func() bool {
		last := c.Stats().LastCycle
		return last != nil && last.ID != cycle.ID
	})
	if last := c.Stats().LastCycle; last.Explicit || last.JobsSucceeded != 1 {
		t.Errorf("implicit cycle report = %+v", last)
	}
}

func TestCloseFailsQueuedJobs(t *testing.T) {
	eng := &stubEngine{block: make(chan struct{}), started: make(chan struct{}, 1)}
	c := New(lease.New(eng), Config{})
	rec := newRecorder()

	first, _ := c.SubmitStatements(stmts("a", 1), rec.batch())
	<-eng.started
	second, _ := c.SubmitStatements(stmts("b", 1), rec.batch())
	third, _ := c.SubmitStatements(stmts("c", 1), rec.batch())

	closed := make(chan error)
	go func() { closed <- c.Close(context.Background()) }()
	waitFor(t, "queued jobs failed", func() bool { return rec.total() == 2 })
	close(eng.block)
	if err := <-closed; err != nil {
		t.Fatalf("Close: %v", err)
	}

	if ok, _ := rec.outcomes(first); ok != 1 {
		t.Error("in-flight batch did not finish")
	}
	for _, id := range []uint64{second, third} {
		if _, errs := rec.outcomes(id); len(errs) != 1 || CodeOf(errs[0]) != CodeClosed {
			t.Errorf("job %d errors = %v, want CLOSED", id, errs)
		}
	}
	if _, err := c.SubmitStatements(stmts("d", 1), rec.batch()); CodeOf(err) != CodeClosed {
		t.Errorf("submit after close = %v", err)
	}
	if _, err := c.SubmitQuery("SELECT * WHERE { ?s ?p ?o }", 0, rec.query()); CodeOf(err) != CodeClosed {
		t.Errorf("query after close = %v", err)
	}
}

func TestCloseInterruptsStuckWrite(t *testing.T) {
	eng := &stubEngine{block: make(chan struct{}), started: make(chan struct{}, 1)}
	c := New(lease.New(eng), Config{})
	rec := newRecorder()
	id, _ := c.SubmitStatements(stmts("a", 1), rec.batch())
	<-eng.started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := c.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Close = %v, want DeadlineExceeded", err)
	}
	waitFor(t, "job callback", func() bool { return rec.total() == 1 })
	if _, errs := rec.outcomes(id); len(errs) != 1 || CodeOf(errs[0]) != CodeClosed {
		t.Errorf("errors = %v, want CLOSED", errs)
	}
}

// TestRandomWorkloadDeliversExactlyOnce submits a seeded mix of batches and
// queries with short timeouts and checks every id gets one terminal callback
// and the engine never saw forbidden overlap.
func TestRandomWorkloadDeliversExactlyOnce(t *testing.T) {
	for _, concurrent := range []bool{false, true} {
		t.Run(fmt.Sprintf("concurrent=%v", concurrent), func(t *testing.T) {
			eng := &stubEngine{concurrent: concurrent}
			c := newTestCoordinator(t, eng, Config{BatchThreshold: 4, QueryTimeout: 5 * time.Second})
			jobs, queries := newRecorder(), newRecorder()
			rng := rand.New(rand.NewPCG(7, 11))

			var jobIDs, queryIDs []uint64
			for i := 0; i < 400; i++ {
				if rng.IntN(2) == 0 {
					id, err := c.SubmitStatements(stmts(fmt.Sprint(i), rng.IntN(13)), jobs.batch())
					if err != nil {
						t.Fatalf("SubmitStatements: %v", err)
					}
					jobIDs = append(jobIDs, id)
					continue
				}
				id, err := c.SubmitQuery("SELECT * WHERE { ?s ?p ?o }", rng.IntN(4)-1, queries.query())
				if err != nil {
					t.Fatalf("SubmitQuery: %v", err)
				}
				queryIDs = append(queryIDs, id)
			}

			waitFor(t, "all callbacks", func() bool {
				return jobs.total() == len(jobIDs) && queries.total() == len(queryIDs)
			})
			c.Flush()

			for _, id := range jobIDs {
				ok, errs := jobs.outcomes(id)
				if ok != 1 || len(errs) != 0 {
					t.Errorf("job %d: %d successes, errors %v", id, ok, errs)
				}
			}
			for _, id := range queryIDs {
				ok, errs := queries.outcomes(id)
				if ok+len(errs) != 1 {
					t.Errorf("query %d: %d successes, %d errors", id, ok, len(errs))
				}
				for _, err := range errs {
					if !IsLeaseTimeout(err) {
						t.Errorf("query %d: unexpected error %v", id, err)
					}
				}
			}
			if v := eng.violations.Load(); v != 0 {
				t.Errorf("violations = %d", v)
			}
			if s := c.Stats(); s.Outstanding != 0 || s.QueuedJobs != 0 {
				t.Errorf("stats after drain = %+v", s)
			}
		})
	}
}

func TestJobTracker(t *testing.T) {
	tr := NewJobTracker()
	if !tr.IsQuiescent() {
		t.Fatal("new tracker not quiescent")
	}
	tr.Register(1)
	tr.Register(2)
	tr.Register(2)
	if tr.IsQuiescent() || tr.Outstanding() != 2 {
		t.Fatalf("outstanding = %d", tr.Outstanding())
	}
	if !tr.Complete(1) || tr.Complete(1) {
		t.Error("Complete should succeed once")
	}
	if tr.Complete(42) {
		t.Error("Complete of unknown id succeeded")
	}
	if tr.IsQuiescent() {
		t.Fatal("quiescent before all completed")
	}
	tr.Complete(2)
	if !tr.IsQuiescent() {
		t.Fatal("not quiescent after all completed")
	}
	if reg, done := tr.Counts(); reg != 2 || done != 2 {
		t.Errorf("counts = %d/%d", reg, done)
	}
	tr.Reset()
	if reg, _ := tr.Counts(); reg != 0 {
		t.Errorf("registered after Reset = %d", reg)
	}
}

func TestDispatcherNotifyOnce(t *testing.T) {
	d := NewDispatcher(time.Minute)
	defer d.Stop()
	var calls atomic.Int32
	j := newBatchJob(1, nil, 0, BatchCallbacks{
		OnSuccess: func(JobSnapshot) { calls.Add(1) },
		OnError:   func(JobSnapshot, error) { calls.Add(1) },
	})
	d.Register(j)
	if !d.Notify(j, nil) {
		t.Fatal("first Notify returned false")
	}
	if d.Notify(j, errors.New("late")) {
		t.Fatal("second Notify returned true")
	}
	if d.Post(j, func() { calls.Add(1) }) {
		t.Fatal("Post after settle returned true")
	}
	d.Flush()
	if calls.Load() != 1 {
		t.Errorf("callbacks = %d, want 1", calls.Load())
	}
	if j.State() != JobSucceeded {
		t.Errorf("state = %s", j.State())
	}
	if d.CurrentCycle() != nil {
		t.Error("implicit cycle still active after its only job settled")
	}
}

func TestSealEmptyCycle(t *testing.T) {
	d := NewDispatcher(time.Minute)
	defer d.Stop()
	c, err := d.StartCycle(0)
	if err != nil {
		t.Fatalf("StartCycle: %v", err)
	}
	if c.Timeout != time.Minute {
		t.Errorf("timeout = %s, want default", c.Timeout)
	}
	c.Seal()
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("empty sealed cycle did not end")
	}
	if rep := c.Report(); rep.TimedOut || !rep.Quiescent {
		t.Errorf("report = %+v", rep)
	}
}
