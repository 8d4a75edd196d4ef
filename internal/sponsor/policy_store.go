package sponsor

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"
)

// PolicyStore is the CRUD surface behind the sponsor policy endpoints.
type PolicyStore struct {
	db *sql.DB
}

func NewPolicyStore(db *sql.DB) *PolicyStore {
	return &PolicyStore{db: db}
}

func (s *PolicyStore) Create(ctx context.Context, sponsorID, policyType string, rules []Rule, cadenceSeconds int64) (*Policy, error) {
	if cadenceSeconds < 60 {
		cadenceSeconds = 60
	}
	rulesJSON, err := json.Marshal(rules)
	if err != nil {
		return nil, err
	}

	p := &Policy{
		ID:             uuid.NewString(),
		SponsorID:      sponsorID,
		Type:           policyType,
		Rules:          rules,
		CadenceSeconds: cadenceSeconds,
		Active:         true,
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sponsor_policies (id, sponsor_id, policy_type, rules, cadence_seconds, active)
		 VALUES ($1, $2, $3, $4, $5, true)`,
		p.ID, sponsorID, policyType, rulesJSON, cadenceSeconds)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *PolicyStore) SetActive(ctx context.Context, policyID, sponsorID string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sponsor_policies SET active = $3 WHERE id = $1 AND sponsor_id = $2`,
		policyID, sponsorID, active)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrPolicyNotFound
	}
	return nil
}

func (s *PolicyStore) List(ctx context.Context, sponsorID string) ([]Policy, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sponsor_id, policy_type, rules, cadence_seconds, active, last_run_at
		 FROM sponsor_policies WHERE sponsor_id = $1 ORDER BY created_at`, sponsorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Policy
	for rows.Next() {
		var p Policy
		var rules []byte
		var lastRun sql.NullTime
		if err := rows.Scan(&p.ID, &p.SponsorID, &p.Type, &rules, &p.CadenceSeconds, &p.Active, &lastRun); err != nil {
			return nil, err
		}
		json.Unmarshal(rules, &p.Rules)
		if lastRun.Valid {
			p.LastRunAt = &lastRun.Time
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RunLog lists recorded runs for one policy, newest first.
func (s *PolicyStore) RunLog(ctx context.Context, policyID string, limit int) ([]map[string]interface{}, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT tick_id, agent_id, outcome, COALESCE(reason, ''), applied, diff, created_at
		 FROM policy_runs WHERE policy_id = $1 ORDER BY created_at DESC LIMIT $2`,
		policyID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []map[string]interface{}
	for rows.Next() {
		var tickID, agentID, outcome, reason string
		var applied bool
		var diff []byte
		var createdAt sql.NullTime
		if err := rows.Scan(&tickID, &agentID, &outcome, &reason, &applied, &diff, &createdAt); err != nil {
			return nil, err
		}
		entry := map[string]interface{}{
			"tick_id":  tickID,
			"agent_id": agentID,
			"outcome":  outcome,
			"reason":   reason,
			"applied":  applied,
		}
		if len(diff) > 0 {
			var d map[string]interface{}
			if json.Unmarshal(diff, &d) == nil {
				entry["diff"] = d
			}
		}
		if createdAt.Valid {
			entry["created_at"] = createdAt.Time
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}
