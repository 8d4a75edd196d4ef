package sponsor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/ox/substrate/internal/database"
	"github.com/ox/substrate/internal/environment"
	"github.com/ox/substrate/internal/events"
	"github.com/ox/substrate/internal/monitoring"
)

// Sweeper runs due sponsor policies. Replicas may sweep concurrently: due
// policies are claimed with SKIP LOCKED and each application is idempotent
// on (policy_id, tick_id, agent_id).
type Sweeper struct {
	db         *sql.DB
	agentTopic string
	logger     *log.Logger
}

func NewSweeper(db *sql.DB, agentTopic string) *Sweeper {
	return &Sweeper{
		db:         db,
		agentTopic: agentTopic,
		logger:     log.New(log.Writer(), "[POLICY] ", log.LstdFlags),
	}
}

// Sweep claims and runs every policy whose last successful run is older
// than its cadence.
func (s *Sweeper) Sweep(ctx context.Context) error {
	now := time.Now().UTC()

	var due []Policy
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT id, sponsor_id, policy_type, rules, cadence_seconds, last_run_at
			 FROM sponsor_policies
			 WHERE active
			   AND (last_run_at IS NULL OR last_run_at + cadence_seconds * interval '1 second' <= $1)
			 FOR UPDATE SKIP LOCKED`, now)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var p Policy
			var rules []byte
			var lastRun sql.NullTime
			if err := rows.Scan(&p.ID, &p.SponsorID, &p.Type, &rules, &p.CadenceSeconds, &lastRun); err != nil {
				return err
			}
			if err := json.Unmarshal(rules, &p.Rules); err != nil {
				s.logger.Printf("⚠️ policy %s has unparseable rules: %v", p.ID, err)
				continue
			}
			if lastRun.Valid {
				p.LastRunAt = &lastRun.Time
			}
			due = append(due, p)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, p := range due {
			if _, err := tx.ExecContext(ctx,
				`UPDATE sponsor_policies SET last_run_at = $2 WHERE id = $1`, p.ID, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("claim due policies: %w", err)
	}

	for _, p := range due {
		tickID := strconv.FormatInt(now.Unix()/p.CadenceSeconds, 10)
		if err := s.runPolicy(ctx, p, tickID); err != nil {
			s.logger.Printf("❌ policy %s run failed: %v", p.ID, err)
		}
	}
	return nil
}

// runPolicy evaluates one policy against each of the sponsor's agents,
// atomically per agent.
func (s *Sweeper) runPolicy(ctx context.Context, p Policy, tickID string) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_id FROM agents WHERE sponsor_id = $1`, p.SponsorID)
	if err != nil {
		return err
	}
	var agentIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		agentIDs = append(agentIDs, id)
	}
	rows.Close()

	for _, agentID := range agentIDs {
		if err := s.runForAgent(ctx, p, tickID, agentID); err != nil {
			s.logger.Printf("❌ policy %s on agent %s: %v", p.ID, agentID, err)
		}
	}
	return nil
}

func (s *Sweeper) runForAgent(ctx context.Context, p Policy, tickID, agentID string) error {
	return database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		// Claim the (policy, tick, agent) slot; a concurrent replica that
		// got here first wins and we bail silently.
		res, err := tx.ExecContext(ctx,
			`INSERT INTO policy_runs (policy_id, tick_id, agent_id, outcome)
			 VALUES ($1, $2, $3, 'pending')
			 ON CONFLICT (policy_id, tick_id, agent_id) DO NOTHING`,
			p.ID, tickID, agentID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}

		evalCtx, err := s.buildContext(ctx, tx, agentID)
		if err != nil {
			return err
		}

		rule, idx := Match(p.Rules, evalCtx)
		if rule == nil {
			monitoring.PolicyRuns.WithLabelValues("skipped").Inc()
			return s.finishRun(ctx, tx, p, tickID, agentID, "skipped", "no rule matched", false, nil)
		}

		diff, applyErr := s.applyAction(ctx, tx, p, agentID, rule.Action)
		if applyErr != nil {
			monitoring.PolicyRuns.WithLabelValues("failed").Inc()
			return s.finishRun(ctx, tx, p, tickID, agentID, "failed", applyErr.Error(), false, nil)
		}
		monitoring.PolicyRuns.WithLabelValues("applied").Inc()
		reason := fmt.Sprintf("rule %d matched", idx)
		return s.finishRun(ctx, tx, p, tickID, agentID, "applied", reason, true, diff)
	})
}

func (s *Sweeper) buildContext(ctx context.Context, tx *sql.Tx, agentID string) (EvalContext, error) {
	var status, provider, profile, deployment string
	err := tx.QueryRowContext(ctx,
		`SELECT status, cognition_provider, throttle_profile, deployment_target
		 FROM agents WHERE agent_id = $1`, agentID).
		Scan(&status, &provider, &profile, &deployment)
	if err != nil {
		return nil, err
	}

	var balance int64
	err = tx.QueryRowContext(ctx,
		`SELECT balance FROM agent_capacity WHERE agent_id = $1`, agentID).Scan(&balance)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}

	evalCtx := EvalContext{
		"agent.status":   status,
		"agent.balance":  balance,
		"agent.provider": provider,
		"agent.profile":  profile,
	}

	envState, err := environment.GetTx(ctx, tx, deployment)
	if err != nil {
		return nil, err
	}
	if envState != nil {
		evalCtx["env.cognition_availability"] = envState.CognitionAvailability
		evalCtx["env.throttle_factor"] = envState.ThrottleFactor
	} else {
		evalCtx["env.cognition_availability"] = environment.AvailabilityFull
		evalCtx["env.throttle_factor"] = 1.0
	}
	return evalCtx, nil
}

func (s *Sweeper) applyAction(ctx context.Context, tx *sql.Tx, p Policy, agentID string, action PolicyAction) (map[string]interface{}, error) {
	switch action.Type {
	case ActionAllocateDelta:
		idemKey := fmt.Sprintf("policy:%s:%s", p.ID, agentID)
		if err := AllocateTx(ctx, tx, p.SponsorID, agentID, action.Amount, idemKey); err != nil {
			return nil, err
		}
		return map[string]interface{}{"allocated": action.Amount}, nil
	case ActionSetProvider:
		_, err := tx.ExecContext(ctx,
			`UPDATE agents SET cognition_provider = $2 WHERE agent_id = $1`, agentID, action.Provider)
		return map[string]interface{}{"cognition_provider": action.Provider}, err
	case ActionSetProfile:
		_, err := tx.ExecContext(ctx,
			`UPDATE agents SET throttle_profile = $2 WHERE agent_id = $1`, agentID, action.Profile)
		return map[string]interface{}{"throttle_profile": action.Profile}, err
	case ActionRedeploy:
		_, err := tx.ExecContext(ctx,
			`UPDATE agents SET deployment_target = $2, status = 'active', archived_at = NULL
			 WHERE agent_id = $1`, agentID, action.Target)
		return map[string]interface{}{"deployment_target": action.Target}, err
	}
	return nil, fmt.Errorf("unknown policy action %q", action.Type)
}

func (s *Sweeper) finishRun(ctx context.Context, tx *sql.Tx, p Policy, tickID, agentID, outcome, reason string, applied bool, diff map[string]interface{}) error {
	var diffJSON []byte
	if diff != nil {
		diffJSON, _ = json.Marshal(diff)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE policy_runs SET outcome = $4, reason = $5, applied = $6, diff = $7
		 WHERE policy_id = $1 AND tick_id = $2 AND agent_id = $3`,
		p.ID, tickID, agentID, outcome, reason, applied, nullableBytes(diffJSON)); err != nil {
		return err
	}

	eventType := events.TypePolicySkipped
	if applied {
		eventType = events.TypePolicyApplied
	}
	env := events.Build(eventType, map[string]interface{}{
		"policy_id": p.ID,
		"tick_id":   tickID,
		"agent_id":  agentID,
		"outcome":   outcome,
		"reason":    reason,
		"diff":      diff,
	}, events.Meta{ActorID: agentID})
	return events.Persist(ctx, tx, env, s.agentTopic)
}

func nullableBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
