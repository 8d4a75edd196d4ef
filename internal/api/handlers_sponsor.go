package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/ox/substrate/internal/database"
	"github.com/ox/substrate/internal/sponsor"
)

// readIdempotent pulls the raw body (for fingerprinting) and the key header.
// The method and path are folded into the fingerprinted bytes so one key
// cannot silently span two endpoints.
func readIdempotent(r *http.Request) (key string, fingerprinted []byte, body []byte, err error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return "", nil, nil, err
	}
	key = r.Header.Get("x-idempotency-key")
	fingerprinted = append([]byte(r.Method+" "+r.URL.Path+"\n"), raw...)
	return key, fingerprinted, raw, nil
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	key, fingerprinted, raw, err := readIdempotent(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	var body struct {
		Amount int64 `json:"amount"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, _, err := database.WithIdempotency(r.Context(), s.db, key, fingerprinted, func(tx *sql.Tx) ([]byte, error) {
		balance, err := sponsor.PurchaseTx(r.Context(), tx, mux.Vars(r)["s"], body.Amount, key)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]interface{}{"balance": balance})
	})
	if err != nil {
		s.sponsorError(w, r, err)
		return
	}
	writeRawJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWalletBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := s.wallets.WalletBalance(r.Context(), mux.Vars(r)["s"])
	if err != nil {
		s.sponsorError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"balance": balance})
}

func (s *Server) handleAllocateCredits(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	key, fingerprinted, raw, err := readIdempotent(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	var body struct {
		Amount int64 `json:"amount"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, _, err := database.WithIdempotency(r.Context(), s.db, key, fingerprinted, func(tx *sql.Tx) ([]byte, error) {
		if err := sponsor.AllocateTx(r.Context(), tx, vars["s"], vars["a"], body.Amount, key); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{"status": "allocated"})
	})
	if err != nil {
		s.sponsorError(w, r, err)
		return
	}
	writeRawJSON(w, http.StatusOK, resp)
}

func (s *Server) handleIssuePressure(w http.ResponseWriter, r *http.Request) {
	key, fingerprinted, raw, err := readIdempotent(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	var body struct {
		TargetDeployment string  `json:"target_deployment"`
		TargetAgentID    string  `json:"target_agent_id"`
		Type             string  `json:"pressure_type"`
		Magnitude        float64 `json:"magnitude"`
		HalfLifeSeconds  int64   `json:"half_life_seconds"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, _, err := database.WithIdempotency(r.Context(), s.db, key, fingerprinted, func(tx *sql.Tx) ([]byte, error) {
		pressure, err := s.pressures.IssueTx(r.Context(), tx, sponsor.IssueParams{
			SponsorID:        mux.Vars(r)["s"],
			TargetDeployment: body.TargetDeployment,
			TargetAgentID:    body.TargetAgentID,
			Type:             body.Type,
			Magnitude:        body.Magnitude,
			HalfLifeSeconds:  body.HalfLifeSeconds,
			CorrelationID:    CorrelationID(r.Context()),
			IdempotencyKey:   key,
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal(pressure)
	})
	if err != nil {
		s.sponsorError(w, r, err)
		return
	}
	writeRawJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleCancelPressure(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.pressures.Cancel(r.Context(), vars["id"], vars["s"]); err != nil {
		s.sponsorError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PolicyType     string         `json:"policy_type"`
		Rules          []sponsor.Rule `json:"rules"`
		CadenceSeconds int64          `json:"cadence_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(body.Rules) == 0 {
		writeError(w, http.StatusBadRequest, "rules are required")
		return
	}
	policy, err := s.policies.Create(r.Context(), mux.Vars(r)["s"], body.PolicyType, body.Rules, body.CadenceSeconds)
	if err != nil {
		s.sponsorError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, policy)
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := s.policies.List(r.Context(), mux.Vars(r)["s"])
	if err != nil {
		s.sponsorError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"policies": policies})
}

func (s *Server) handlePolicyActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		if err := s.policies.SetActive(r.Context(), vars["id"], vars["s"], active); err != nil {
			s.sponsorError(w, r, err)
			return
		}
		status := "deactivated"
		if active {
			status = "activated"
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": status})
	}
}

func (s *Server) handlePolicyRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.policies.RunLog(r.Context(), mux.Vars(r)["id"], 0)
	if err != nil {
		s.sponsorError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

// sponsorError maps sponsor-side sentinels. Explicit transfers fail with 400,
// unlike action admission which reports denial in-band.
func (s *Server) sponsorError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, database.ErrIdempotencyConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, sponsor.ErrAmountNotPositive):
		writeError(w, http.StatusBadRequest, "amount must be positive")
	case errors.Is(err, sponsor.ErrInsufficientCredits):
		writeError(w, http.StatusBadRequest, "sponsor_credit_insufficient")
	case errors.Is(err, sponsor.ErrSponsorNotFound):
		writeError(w, http.StatusNotFound, "sponsor not found")
	case errors.Is(err, sponsor.ErrPressureNotFound):
		writeError(w, http.StatusNotFound, "pressure not found")
	case errors.Is(err, sponsor.ErrPolicyNotFound):
		writeError(w, http.StatusNotFound, "policy not found")
	case errors.Is(err, sponsor.ErrBadPressure):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.internalError(w, r, err)
	}
}
