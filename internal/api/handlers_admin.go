package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/ox/substrate/internal/environment"
	"github.com/ox/substrate/internal/locality"
)

func (s *Server) handleSetEnvironment(w http.ResponseWriter, r *http.Request) {
	target := mux.Vars(r)["target"]
	var body struct {
		CognitionAvailability  string     `json:"cognition_availability"`
		MaxThroughputPerMinute *int       `json:"max_throughput_per_minute"`
		ThrottleFactor         float64    `json:"throttle_factor"`
		ActiveWindowStart      *time.Time `json:"active_window_start"`
		ActiveWindowEnd        *time.Time `json:"active_window_end"`
		Reason                 string     `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.CognitionAvailability == "" {
		body.CognitionAvailability = environment.AvailabilityFull
	}
	switch body.CognitionAvailability {
	case environment.AvailabilityFull, environment.AvailabilityDegraded, environment.AvailabilityUnavailable:
	default:
		writeError(w, http.StatusBadRequest, "invalid cognition_availability")
		return
	}

	st := environment.State{
		DeploymentTarget:       target,
		CognitionAvailability:  body.CognitionAvailability,
		MaxThroughputPerMinute: body.MaxThroughputPerMinute,
		ThrottleFactor:         body.ThrottleFactor,
		ActiveWindowStart:      body.ActiveWindowStart,
		ActiveWindowEnd:        body.ActiveWindowEnd,
		Reason:                 body.Reason,
	}
	if err := s.environment.Set(r.Context(), st, CorrelationID(r.Context())); err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleGetEnvironment(w http.ResponseWriter, r *http.Request) {
	st, err := s.environment.Get(r.Context(), mux.Vars(r)["target"])
	if err != nil {
		if errors.Is(err, environment.ErrNotFound) {
			writeError(w, http.StatusNotFound, "environment state not found")
			return
		}
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRemoveEnvironment(w http.ResponseWriter, r *http.Request) {
	err := s.environment.Remove(r.Context(), mux.Vars(r)["target"], CorrelationID(r.Context()))
	if err != nil {
		if errors.Is(err, environment.ErrNotFound) {
			writeError(w, http.StatusNotFound, "environment state not found")
			return
		}
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handleCreateLocality(w http.ResponseWriter, r *http.Request) {
	var body locality.Locality
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.DeploymentTarget == "" || body.Name == "" {
		writeError(w, http.StatusBadRequest, "deployment_target and name are required")
		return
	}
	created, err := s.localities.Create(r.Context(), body)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListLocalities(w http.ResponseWriter, r *http.Request) {
	deployment := r.URL.Query().Get("deployment")
	if deployment == "" {
		writeError(w, http.StatusBadRequest, "deployment query parameter is required")
		return
	}
	localities, err := s.localities.ListByDeployment(r.Context(), deployment)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"localities": localities})
}

func (s *Server) handleDeactivateLocality(w http.ResponseWriter, r *http.Request) {
	if err := s.localities.Deactivate(r.Context(), mux.Vars(r)["id"]); err != nil {
		if errors.Is(err, locality.ErrNotFound) {
			writeError(w, http.StatusNotFound, "locality not found")
			return
		}
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

func (s *Server) handleJoinLocality(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentID string  `json:"agent_id"`
		Weight  float64 `json:"weight"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.AgentID == "" {
		writeError(w, http.StatusBadRequest, "agent_id is required")
		return
	}
	if body.Weight == 0 {
		body.Weight = 1
	}
	if err := s.localities.Join(r.Context(), body.AgentID, mux.Vars(r)["id"], body.Weight); err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "joined"})
}

func (s *Server) handleLeaveLocality(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.localities.Leave(r.Context(), vars["agent"], vars["id"]); err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "left"})
}

func (s *Server) handleListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := s.localities.Members(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"members": members})
}
