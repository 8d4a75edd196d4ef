package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/ox/substrate/internal/agents"
)

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentID           string `json:"agent_id"`
		DeploymentTarget  string `json:"deployment_target"`
		SponsorID         string `json:"sponsor_id"`
		CognitionProvider string `json:"cognition_provider"`
		ThrottleProfile   string `json:"throttle_profile"`
		MaxBalance        int64  `json:"max_balance"`
		InitialBalance    int64  `json:"initial_balance"`
		RegenPerHour      int64  `json:"regen_per_hour"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.DeploymentTarget == "" || body.SponsorID == "" {
		writeError(w, http.StatusBadRequest, "deployment_target and sponsor_id are required")
		return
	}

	agent, err := s.agents.Create(r.Context(), agents.CreateParams{
		AgentID:           body.AgentID,
		DeploymentTarget:  body.DeploymentTarget,
		SponsorID:         body.SponsorID,
		CognitionProvider: body.CognitionProvider,
		ThrottleProfile:   body.ThrottleProfile,
		MaxBalance:        body.MaxBalance,
		InitialBalance:    body.InitialBalance,
		RegenPerHour:      body.RegenPerHour,
	})
	if err != nil {
		if errors.Is(err, agents.ErrBadProfile) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.agents.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.agentError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleArchiveAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.agents.Archive(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.agentError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "archived"})
}

func (s *Server) handleRedeploy(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DeploymentTarget string `json:"deployment_target"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DeploymentTarget == "" {
		writeError(w, http.StatusBadRequest, "deployment_target is required")
		return
	}
	if err := s.agents.Redeploy(r.Context(), mux.Vars(r)["id"], body.DeploymentTarget); err != nil {
		s.agentError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "redeployed", "deployment_target": body.DeploymentTarget})
}

func (s *Server) handleReassignSponsor(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SponsorID string `json:"sponsor_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.SponsorID == "" {
		writeError(w, http.StatusBadRequest, "sponsor_id is required")
		return
	}
	if err := s.agents.ReassignSponsor(r.Context(), mux.Vars(r)["id"], body.SponsorID); err != nil {
		s.agentError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reassigned"})
}

func (s *Server) handleSetProvider(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SponsorID string `json:"sponsor_id"`
		Provider  string `json:"cognition_provider"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Provider == "" {
		writeError(w, http.StatusBadRequest, "cognition_provider is required")
		return
	}
	if err := s.agents.SetProvider(r.Context(), mux.Vars(r)["id"], body.SponsorID, body.Provider); err != nil {
		s.agentError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleSetProfile(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SponsorID string `json:"sponsor_id"`
		Profile   string `json:"throttle_profile"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Profile == "" {
		writeError(w, http.StatusBadRequest, "throttle_profile is required")
		return
	}
	if err := s.agents.SetProfile(r.Context(), mux.Vars(r)["id"], body.SponsorID, body.Profile); err != nil {
		s.agentError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.agents.GetConfig(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.agentError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Bias            map[string]float64     `json:"bias"`
		ThrottleConfig  map[string]interface{} `json:"throttle_config"`
		CognitionConfig map[string]interface{} `json:"cognition_config"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cfg, err := s.agents.UpdateConfig(r.Context(), mux.Vars(r)["id"], body.Bias, body.ThrottleConfig, body.CognitionConfig)
	if err != nil {
		if errors.Is(err, agents.ErrBiasOutOfRange) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.agentError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleAllocateCapacity(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Amount int64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}
	capacity, err := s.agents.AllocateCapacity(r.Context(), mux.Vars(r)["id"], body.Amount)
	if err != nil {
		s.agentError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, capacity)
}

// agentError maps the agent sentinel errors onto the HTTP taxonomy.
func (s *Server) agentError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, agents.ErrNotFound):
		writeError(w, http.StatusNotFound, "agent not found")
	case errors.Is(err, agents.ErrArchived):
		writeError(w, http.StatusConflict, "agent is archived")
	case errors.Is(err, agents.ErrNotSponsor):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, agents.ErrBadProfile):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.internalError(w, r, err)
	}
}
