package server

import (
	"fmt"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type requestMetricKey struct {
	Method string
	Route  string
}

type requestMetricCounter struct {
	total    atomic.Uint64
	errors   atomic.Uint64
	sumNanos atomic.Uint64
}

// requestMetrics counts requests per method and chi route pattern.
type requestMetrics struct {
	mu    sync.RWMutex
	byKey map[requestMetricKey]*requestMetricCounter
}

func newRequestMetrics() *requestMetrics {
	return &requestMetrics{byKey: map[requestMetricKey]*requestMetricCounter{}}
}

func (m *requestMetrics) counter(method, route string) *requestMetricCounter {
	key := requestMetricKey{Method: method, Route: route}
	m.mu.RLock()
	c := m.byKey[key]
	m.mu.RUnlock()
	if c != nil {
		return c
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c = m.byKey[key]; c == nil {
		c = &requestMetricCounter{}
		m.byKey[key] = c
	}
	return c
}

func (m *requestMetrics) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		c := m.counter(r.Method, route)
		c.total.Add(1)
		if ww.Status() >= 400 {
			c.errors.Add(1)
		}
		c.sumNanos.Add(uint64(time.Since(start)))
	})
}

type requestMetricSnapshot struct {
	requestMetricKey
	Total      uint64
	Errors     uint64
	SumSeconds float64
}

func (m *requestMetrics) snapshot() []requestMetricSnapshot {
	m.mu.RLock()
	out := make([]requestMetricSnapshot, 0, len(m.byKey))
	for k, c := range m.byKey {
		out = append(out, requestMetricSnapshot{
			requestMetricKey: k,
			Total:            c.total.Load(),
			Errors:           c.errors.Load(),
			SumSeconds:       float64(c.sumNanos.Load()) / float64(time.Second),
		})
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b requestMetricSnapshot) int {
		if a.Route != b.Route {
			if a.Route < b.Route {
				return -1
			}
			return 1
		}
		if a.Method < b.Method {
			return -1
		}
		if a.Method > b.Method {
			return 1
		}
		return 0
	})
	return out
}

func promBool(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *Server) handlePrometheusMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)

	st := s.coord.Stats()

	// --- Lease ---
	fmt.Fprintln(w, "# HELP tripled_lease_write_held 1 while the write lease is held.")
	fmt.Fprintln(w, "# TYPE tripled_lease_write_held gauge")
	fmt.Fprintf(w, "tripled_lease_write_held{engine=%q} %d\n", st.Lease.Engine, promBool(st.Lease.WriteHeld))
	fmt.Fprintln(w, "# HELP tripled_lease_active_readers Read leases currently held.")
	fmt.Fprintln(w, "# TYPE tripled_lease_active_readers gauge")
	fmt.Fprintf(w, "tripled_lease_active_readers %d\n", st.Lease.ActiveReaders)
	fmt.Fprintln(w, "# HELP tripled_lease_waiting Lease requests waiting, by kind.")
	fmt.Fprintln(w, "# TYPE tripled_lease_waiting gauge")
	fmt.Fprintf(w, "tripled_lease_waiting{kind=\"write\"} %d\n", st.Lease.WaitingWriters)
	fmt.Fprintf(w, "tripled_lease_waiting{kind=\"read\"} %d\n", st.Lease.WaitingReaders)
	fmt.Fprintln(w, "# HELP tripled_lease_grants_total Leases granted, by kind.")
	fmt.Fprintln(w, "# TYPE tripled_lease_grants_total counter")
	fmt.Fprintf(w, "tripled_lease_grants_total{kind=\"write\"} %d\n", st.Lease.WriteGrants)
	fmt.Fprintf(w, "tripled_lease_grants_total{kind=\"read\"} %d\n", st.Lease.ReadGrants)
	fmt.Fprintln(w, "# HELP tripled_lease_timeouts_total Lease requests that gave up before a grant.")
	fmt.Fprintln(w, "# TYPE tripled_lease_timeouts_total counter")
	fmt.Fprintf(w, "tripled_lease_timeouts_total %d\n", st.Lease.Timeouts)

	// --- Coordinator ---
	fmt.Fprintln(w, "# HELP tripled_jobs_queued Batch jobs waiting for the write serializer.")
	fmt.Fprintln(w, "# TYPE tripled_jobs_queued gauge")
	fmt.Fprintf(w, "tripled_jobs_queued %d\n", st.QueuedJobs)
	fmt.Fprintln(w, "# HELP tripled_queries_active Queries waiting for or holding a read lease.")
	fmt.Fprintln(w, "# TYPE tripled_queries_active gauge")
	fmt.Fprintf(w, "tripled_queries_active %d\n", st.ActiveQueries)
	fmt.Fprintln(w, "# HELP tripled_outstanding Jobs and queries without a terminal outcome.")
	fmt.Fprintln(w, "# TYPE tripled_outstanding gauge")
	fmt.Fprintf(w, "tripled_outstanding %d\n", st.Outstanding)
	fmt.Fprintln(w, "# HELP tripled_transactions_total Write transactions committed.")
	fmt.Fprintln(w, "# TYPE tripled_transactions_total counter")
	fmt.Fprintf(w, "tripled_transactions_total %d\n", st.Transactions)

	t := st.Totals
	fmt.Fprintln(w, "# HELP tripled_jobs_total Batch jobs by terminal outcome.")
	fmt.Fprintln(w, "# TYPE tripled_jobs_total counter")
	fmt.Fprintf(w, "tripled_jobs_total{outcome=\"succeeded\"} %d\n", t.JobsSucceeded)
	fmt.Fprintf(w, "tripled_jobs_total{outcome=\"failed\"} %d\n", t.JobsFailed)
	fmt.Fprintf(w, "tripled_jobs_total{outcome=\"abandoned\"} %d\n", t.JobsAbandoned)
	fmt.Fprintln(w, "# HELP tripled_queries_total Queries by terminal outcome.")
	fmt.Fprintln(w, "# TYPE tripled_queries_total counter")
	fmt.Fprintf(w, "tripled_queries_total{outcome=\"completed\"} %d\n", t.QueriesCompleted)
	fmt.Fprintf(w, "tripled_queries_total{outcome=\"failed\"} %d\n", t.QueriesFailed)
	fmt.Fprintf(w, "tripled_queries_total{outcome=\"abandoned\"} %d\n", t.QueriesAbandoned)
	fmt.Fprintln(w, "# HELP tripled_query_lease_timeouts_total Failed queries whose deadline passed before a read lease.")
	fmt.Fprintln(w, "# TYPE tripled_query_lease_timeouts_total counter")
	fmt.Fprintf(w, "tripled_query_lease_timeouts_total %d\n", t.LeaseTimeouts)
	fmt.Fprintln(w, "# HELP tripled_cycles_total Cycles ended, by how they ended.")
	fmt.Fprintln(w, "# TYPE tripled_cycles_total counter")
	fmt.Fprintf(w, "tripled_cycles_total{result=\"quiescent\"} %d\n", t.Cycles-t.CycleTimeouts)
	fmt.Fprintf(w, "tripled_cycles_total{result=\"timeout\"} %d\n", t.CycleTimeouts)

	// --- HTTP ---
	fmt.Fprintln(w, "# HELP tripled_http_requests_total HTTP requests by route.")
	fmt.Fprintln(w, "# TYPE tripled_http_requests_total counter")
	reqs := s.reqMetrics.snapshot()
	for _, m := range reqs {
		fmt.Fprintf(w, "tripled_http_requests_total{method=%q,route=%q} %d\n", m.Method, m.Route, m.Total)
	}
	fmt.Fprintln(w, "# HELP tripled_http_request_errors_total HTTP responses with status >= 400.")
	fmt.Fprintln(w, "# TYPE tripled_http_request_errors_total counter")
	for _, m := range reqs {
		fmt.Fprintf(w, "tripled_http_request_errors_total{method=%q,route=%q} %d\n", m.Method, m.Route, m.Errors)
	}
	fmt.Fprintln(w, "# HELP tripled_http_request_duration_seconds_sum Time spent serving requests.")
	fmt.Fprintln(w, "# TYPE tripled_http_request_duration_seconds_sum counter")
	for _, m := range reqs {
		fmt.Fprintf(w, "tripled_http_request_duration_seconds_sum{method=%q,route=%q} %g\n", m.Method, m.Route, m.SumSeconds)
	}
	fmt.Fprintln(w, "# HELP tripled_uptime_seconds Seconds since the server started.")
	fmt.Fprintln(w, "# TYPE tripled_uptime_seconds gauge")
	fmt.Fprintf(w, "tripled_uptime_seconds %d\n", int64(time.Since(s.started).Seconds()))
}
