package server

import (
	"net/http"

	"github.com/user/tripled/internal/coordinator"
)

type queryRequest struct {
	Query     string `json:"query"`
	TimeoutMs *int   `json:"timeout_ms,omitempty"`
}

type queryOutcome struct {
	snap coordinator.QuerySnapshot
	err  error
}

// handleQuery submits a read query and waits for its callback. timeout_ms
// follows SubmitQuery: omitted or -1 selects the server default, 0 runs only
// if a read lease is free right now.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decodeJSON(r, querySchema, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_REQUEST")
		return
	}
	timeout := -1
	if req.TimeoutMs != nil {
		timeout = *req.TimeoutMs
	}

	done := make(chan queryOutcome, 1)
	_, err := s.coord.SubmitQuery(req.Query, timeout, coordinator.QueryCallbacks{
		OnSuccess: func(snap coordinator.QuerySnapshot) { done <- queryOutcome{snap: snap} },
		OnError:   func(snap coordinator.QuerySnapshot, err error) { done <- queryOutcome{snap: snap, err: err} },
	})
	if err != nil {
		writeCoordinatorError(w, err)
		return
	}

	select {
	case out := <-done:
		if out.err != nil {
			writeCoordinatorError(w, out.err)
			return
		}
		writeJSON(w, http.StatusOK, out.snap)
	case <-r.Context().Done():
	}
}
