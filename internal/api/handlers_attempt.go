package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/ox/substrate/internal/agents"
	"github.com/ox/substrate/internal/database"
	"github.com/ox/substrate/internal/engine"
)

// handleAttempt is the hot path: one admission attempt per request. The
// x-idempotency-key header makes replays byte-identical.
func (s *Server) handleAttempt(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["id"]

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	var req engine.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.IdempotencyKey = r.Header.Get("x-idempotency-key")

	result, err := s.engine.Attempt(r.Context(), agentID, req, CorrelationID(r.Context()))
	if err != nil {
		s.attemptError(w, r, err)
		return
	}
	// Denials are part of the economy: 200 with accepted=false.
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) attemptError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, engine.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, agents.ErrNotFound):
		writeError(w, http.StatusNotFound, "agent not found")
	case errors.Is(err, engine.ErrUnavailable):
		writeError(w, http.StatusConflict, "agent is not active")
	case errors.Is(err, database.ErrIdempotencyConflict):
		writeError(w, http.StatusConflict, "idempotency key conflict")
	default:
		s.internalError(w, r, err)
	}
}
