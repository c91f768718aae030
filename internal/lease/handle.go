// Package lease mediates every access to the store engine.
//
// A Handle owns the engine. Callers obtain a WriteLease or ReadLease, use the
// engine only through it, and release it exactly once. At most one write
// lease exists at a time. When the engine cannot serve reads during a write
// transaction, read and write leases are never outstanding together; once a
// writer is waiting, new readers queue behind it.
package lease

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/user/tripled/internal/store"
)

// Kind distinguishes read and write leases.
type Kind uint8

const (
	Read Kind = iota
	Write
)

func (k Kind) String() string {
	if k == Write {
		return "write"
	}
	return "read"
}

type waiter struct {
	kind  Kind
	ready chan struct{} // closed when granted
	lease *lease        // set under Handle.mu when granted
}

// Handle is the single shared resource wrapping the engine.
type Handle struct {
	engine     store.Engine
	concurrent bool

	mu        sync.Mutex
	seq       uint64
	writeHeld bool
	readers   int
	writeQ    []*waiter
	readQ     []*waiter

	writeGrants uint64
	readGrants  uint64
	timeouts    uint64
}

// New wraps engine. The engine's concurrency capability is sampled once.
func New(engine store.Engine) *Handle {
	return &Handle{
		engine:     engine,
		concurrent: engine.SupportsConcurrentReadsDuringWrite(),
	}
}

// ConcurrentReads reports whether read leases may coexist with a write lease.
func (h *Handle) ConcurrentReads() bool { return h.concurrent }

// EngineName returns the wrapped engine's name.
func (h *Handle) EngineName() string { return h.engine.Name() }

// AcquireWrite blocks until the write lease is granted or ctx is done.
// Waiting writers are granted in FIFO order.
func (h *Handle) AcquireWrite(ctx context.Context) (*WriteLease, error) {
	l, err := h.acquire(ctx, Write)
	if err != nil {
		return nil, err
	}
	return &WriteLease{l}, nil
}

// AcquireRead blocks until a read lease is granted or ctx is done. A lease
// that can be granted immediately is granted even if ctx has already
// expired, so a zero timeout means "only if available right now".
func (h *Handle) AcquireRead(ctx context.Context) (*ReadLease, error) {
	l, err := h.acquire(ctx, Read)
	if err != nil {
		return nil, err
	}
	return &ReadLease{l}, nil
}

func (h *Handle) acquire(ctx context.Context, kind Kind) (*lease, error) {
	h.mu.Lock()
	if h.grantableLocked(kind) {
		l := h.grantLocked(kind)
		h.mu.Unlock()
		return l, nil
	}
	if err := ctx.Err(); err != nil {
		h.timeouts++
		h.mu.Unlock()
		return nil, err
	}
	w := &waiter{kind: kind, ready: make(chan struct{})}
	if kind == Write {
		h.writeQ = append(h.writeQ, w)
	} else {
		h.readQ = append(h.readQ, w)
	}
	h.mu.Unlock()

	select {
	case <-w.ready:
		return w.lease, nil
	case <-ctx.Done():
	}

	h.mu.Lock()
	if w.lease != nil {
		// Granted while we were giving up; hand it back.
		h.timeouts++
		h.mu.Unlock()
		w.lease.release()
		return nil, ctx.Err()
	}
	if kind == Write {
		h.writeQ = removeWaiter(h.writeQ, w)
	} else {
		h.readQ = removeWaiter(h.readQ, w)
	}
	h.timeouts++
	// A writer leaving the queue may unblock readers held back for it.
	h.dispatchLocked()
	h.mu.Unlock()
	return nil, ctx.Err()
}

// grantableLocked reports whether a new request of kind can be granted
// without overtaking anyone already waiting.
func (h *Handle) grantableLocked(kind Kind) bool {
	if kind == Write {
		return len(h.writeQ) == 0 && h.writeFreeLocked()
	}
	if h.concurrent {
		return true
	}
	return !h.writeHeld && len(h.writeQ) == 0 && len(h.readQ) == 0
}

func (h *Handle) writeFreeLocked() bool {
	return !h.writeHeld && (h.concurrent || h.readers == 0)
}

func (h *Handle) grantLocked(kind Kind) *lease {
	h.seq++
	l := &lease{h: h, kind: kind, id: h.seq, grantedAt: time.Now()}
	if kind == Write {
		if h.writeHeld {
			panic("lease: invariant violated: second write lease granted")
		}
		h.writeHeld = true
		h.writeGrants++
	} else {
		h.readers++
		h.readGrants++
	}
	if !h.concurrent && h.writeHeld && h.readers > 0 {
		panic(fmt.Sprintf("lease: invariant violated: write lease granted with %d readers on an engine without concurrent reads", h.readers))
	}
	slog.Debug("lease granted", "kind", kind, "lease_id", l.id, "readers", h.readers, "write_held", h.writeHeld)
	return l
}

// dispatchLocked wakes every waiter that has become compatible: first the
// head writer, then, if no writer holds or awaits the handle (or the engine
// allows concurrent reads), all queued readers in FIFO order.
func (h *Handle) dispatchLocked() {
	if len(h.writeQ) > 0 && h.writeFreeLocked() {
		w := h.writeQ[0]
		h.writeQ = h.writeQ[1:]
		w.lease = h.grantLocked(Write)
		close(w.ready)
	}
	if h.concurrent || (!h.writeHeld && len(h.writeQ) == 0) {
		for _, w := range h.readQ {
			w.lease = h.grantLocked(Read)
			close(w.ready)
		}
		h.readQ = nil
	}
}

func (h *Handle) release(l *lease) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if l.kind == Write {
		if !h.writeHeld {
			panic("lease: invariant violated: write lease released while not held")
		}
		h.writeHeld = false
	} else {
		if h.readers <= 0 {
			panic("lease: invariant violated: read lease released with no readers")
		}
		h.readers--
	}
	slog.Debug("lease released", "kind", l.kind, "lease_id", l.id, "held_for", time.Since(l.grantedAt))
	h.dispatchLocked()
}

// Stats is a point-in-time view of the handle.
type Stats struct {
	Engine          string `json:"engine"`
	ConcurrentReads bool   `json:"concurrent_reads"`
	WriteHeld       bool   `json:"write_held"`
	ActiveReaders   int    `json:"active_readers"`
	WaitingWriters  int    `json:"waiting_writers"`
	WaitingReaders  int    `json:"waiting_readers"`
	WriteGrants     uint64 `json:"write_grants"`
	ReadGrants      uint64 `json:"read_grants"`
	Timeouts        uint64 `json:"timeouts"`
}

// Stats returns the current lease counters.
func (h *Handle) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{
		Engine:          h.engine.Name(),
		ConcurrentReads: h.concurrent,
		WriteHeld:       h.writeHeld,
		ActiveReaders:   h.readers,
		WaitingWriters:  len(h.writeQ),
		WaitingReaders:  len(h.readQ),
		WriteGrants:     h.writeGrants,
		ReadGrants:      h.readGrants,
		Timeouts:        h.timeouts,
	}
}

func removeWaiter(q []*waiter, w *waiter) []*waiter {
	if i := slices.Index(q, w); i >= 0 {
		return slices.Delete(q, i, i+1)
	}
	return q
}
