package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/user/tripled/internal/rdf"
)

const maxBatchWait = time.Minute

type submitBatchRequest struct {
	Update string `json:"update"`
}

func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req submitBatchRequest
	if err := decodeJSON(r, submitBatchSchema, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_REQUEST")
		return
	}

	id, cb := s.batches.create()
	jobID, err := s.coord.SubmitBatch(req.Update, cb)
	if err != nil {
		s.batches.remove(id)
		var syn *rdf.SyntaxError
		if errors.As(err, &syn) {
			writeError(w, http.StatusBadRequest, err.Error(), "INVALID_UPDATE")
			return
		}
		writeCoordinatorError(w, err)
		return
	}
	s.batches.bind(id, jobID)

	task, _ := s.batches.get(id)
	w.Header().Set("Location", "/api/v1/batches/"+id)
	writeJSON(w, http.StatusAccepted, task)
}

// handleBatchStatus returns the batch task. With ?wait=<duration> it blocks
// until the batch is terminal or the wait elapses.
func (s *Server) handleBatchStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var wait time.Duration
	if raw := r.URL.Query().Get("wait"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "wait must be a non-negative duration", "INVALID_REQUEST")
			return
		}
		wait = min(d, maxBatchWait)
	}
	task, ok := s.batches.wait(id, r.Context().Done(), wait)
	if !ok {
		writeError(w, http.StatusNotFound, "batch not found", "NOT_FOUND")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleBatchEvents streams batch.progress events followed by one terminal
// event: batch.succeeded, batch.failed or batch.abandoned.
func (s *Server) handleBatchEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ch, cancel, ok := s.batches.subscribe(id)
	if !ok {
		writeError(w, http.StatusNotFound, "batch not found", "NOT_FOUND")
		return
	}
	defer cancel()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported", "SSE_UNSUPPORTED")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			_, _ = fmt.Fprint(w, ":keepalive\n\n")
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				// The terminal event comes from the registry so a full
				// buffer cannot lose it.
				if latest, found := s.batches.get(id); found && latest.Status.terminal() {
					writeSSE(w, eventFor("batch."+string(latest.Status), latest))
					flusher.Flush()
				}
				return
			}
			if ev.Type != "batch.progress" {
				continue
			}
			writeSSE(w, ev)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev batchEvent) {
	body, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, body)
}
