// Package server exposes the coordinator over HTTP: batch submission with
// status and progress streaming, synchronous queries, stats and metrics.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/user/tripled/internal/config"
	"github.com/user/tripled/internal/coordinator"
)

// Server is the HTTP server for the tripled API.
type Server struct {
	coord      *coordinator.Coordinator
	batches    *batchRegistry
	limiter    *rateLimiter
	reqMetrics *requestMetrics
	started    time.Time
	httpServer *http.Server
	router     chi.Router
}

// New creates a server for c listening on bindAddr. Rate limiting applies
// only when limits.Enabled is set.
func New(c *coordinator.Coordinator, bindAddr string, limits config.RateLimitConfig) *Server {
	s := &Server{
		coord:      c,
		batches:    newBatchRegistry(),
		reqMetrics: newRequestMetrics(),
		started:    time.Now(),
	}
	if limits.Enabled {
		s.limiter = newRateLimiter(limits)
	}
	s.router = s.buildRouter()
	s.httpServer = &http.Server{
		Addr:              bindAddr,
		Handler:           h2c.NewHandler(s.router, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(structuredLogger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)
	r.Use(s.reqMetrics.middleware)
	if s.limiter != nil {
		r.Use(s.limiter.middleware)
	}

	r.Get("/healthz", s.handleHealthz)
	r.Get("/metrics", s.handlePrometheusMetrics)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/batches", s.handleSubmitBatch)
		r.Get("/batches/{id}", s.handleBatchStatus)
		r.Get("/batches/{id}/events", s.handleBatchEvents)
		r.Post("/query", s.handleQuery)
		r.Get("/stats", s.handleStats)
	})

	return r
}

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	slog.Info("starting HTTP server", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown stops the listener and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("shutting down HTTP server")
	if s.limiter != nil {
		s.limiter.close()
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the root handler, which also accepts cleartext HTTP/2.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statsResponse{
		Stats:         s.coord.Stats(),
		Batches:       s.batches.counts(),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	})
}

type statsResponse struct {
	coordinator.Stats
	Batches       map[batchTaskStatus]int `json:"batches"`
	UptimeSeconds int64                   `json:"uptime_seconds"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, code string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}

// writeCoordinatorError maps a coordinator failure to an HTTP status.
func writeCoordinatorError(w http.ResponseWriter, err error) {
	code := coordinator.CodeOf(err)
	status := http.StatusInternalServerError
	switch {
	case coordinator.IsInvalidQuery(err):
		status = http.StatusBadRequest
	case code == coordinator.CodeLeaseTimeout:
		status = http.StatusGatewayTimeout
	case code == coordinator.CodeCycleTimeout, code == coordinator.CodeClosed:
		status = http.StatusServiceUnavailable
	}
	if code == "" {
		code = "INTERNAL"
	}
	writeError(w, status, err.Error(), string(code))
}

// Middleware

func structuredLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"request_id", middleware.GetReqID(r.Context()),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
