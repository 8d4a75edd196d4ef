package engine

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"time"

	"github.com/ox/substrate/internal/agents"
	"github.com/ox/substrate/internal/cognition"
	"github.com/ox/substrate/internal/database"
	"github.com/ox/substrate/internal/environment"
	"github.com/ox/substrate/internal/events"
	"github.com/ox/substrate/internal/monitoring"
)

// Engine is the single entry point for action admission. All mutual
// exclusion comes from row locks on the capacity row, never from process
// locks: replicas share nothing but the database.
type Engine struct {
	db                *sql.DB
	registry          *cognition.Registry
	agentTopic        string
	txBudget          time.Duration
	cognitionTimeout  time.Duration
	maxCostMultiplier int64
	logger            *log.Logger
}

type Options struct {
	AgentTopic        string
	TxBudget          time.Duration
	CognitionTimeout  time.Duration
	MaxCostMultiplier int64
}

func New(db *sql.DB, registry *cognition.Registry, opts Options) *Engine {
	if opts.AgentTopic == "" {
		opts.AgentTopic = "events.agents.v1"
	}
	if opts.TxBudget <= 0 {
		opts.TxBudget = 2 * time.Second
	}
	if opts.CognitionTimeout <= 0 {
		opts.CognitionTimeout = 2 * time.Second
	}
	if opts.MaxCostMultiplier <= 0 {
		opts.MaxCostMultiplier = 2
	}
	return &Engine{
		db:                db,
		registry:          registry,
		agentTopic:        opts.AgentTopic,
		txBudget:          opts.TxBudget,
		cognitionTimeout:  opts.CognitionTimeout,
		maxCostMultiplier: opts.MaxCostMultiplier,
		logger:            log.New(log.Writer(), "[ENGINE] ", log.LstdFlags),
	}
}

// Attempt admits or rejects one agent action inside a single serializable
// transaction bounded by the wall-clock budget. Database errors roll the
// whole attempt back; cognition failures never do.
func (e *Engine) Attempt(ctx context.Context, agentID string, req Request, correlationID string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.txBudget)
	defer cancel()

	start := time.Now()
	var result *Result
	err := database.WithTx(ctx, e.db, func(tx *sql.Tx) error {
		var err error
		result, err = e.attemptTx(ctx, tx, agentID, req, correlationID)
		return err
	})
	monitoring.AdmissionLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	outcome := "accepted"
	if !result.Accepted {
		outcome = result.Reason
	}
	monitoring.Admissions.WithLabelValues(outcome).Inc()
	return result, nil
}

func (e *Engine) attemptTx(ctx context.Context, tx *sql.Tx, agentID string, req Request, correlationID string) (*Result, error) {
	now := time.Now().UTC()

	// 1. Validate shape.
	req, err := ValidateRequest(req)
	if err != nil {
		return nil, err
	}

	// 2. Load agent.
	agent, err := agents.GetTx(ctx, tx, agentID)
	if err != nil {
		return nil, err
	}
	if agent.Status != agents.StatusActive {
		return nil, ErrUnavailable
	}

	// 3. Idempotency short-circuit against the action log. This survives
	// process restarts: the log row and its event are the durable record.
	if req.IdempotencyKey != "" {
		if replay, err := e.replay(ctx, tx, agentID, req.IdempotencyKey); err != nil {
			return nil, err
		} else if replay != nil {
			return replay, nil
		}
	}

	meta := events.Meta{
		ActorID:        agentID,
		CorrelationID:  correlationID,
		IdempotencyKey: req.IdempotencyKey,
		Context: map[string]interface{}{
			"deployment_target": agent.DeploymentTarget,
		},
	}

	// 4. Environment gate. The deployment target is stamped from the agent
	// row, not the request. Rejections return without touching capacity.
	envState, err := environment.GetTx(ctx, tx, agent.DeploymentTarget)
	if err != nil {
		return nil, err
	}
	minuteCount, err := environment.ThroughputTx(ctx, tx, agent.DeploymentTarget, now)
	if err != nil {
		return nil, err
	}
	if reason, ok := environment.Evaluate(envState, minuteCount, now); !ok {
		env := events.Build(events.TypeActionRejectedEnv, map[string]interface{}{
			"action_type":       req.ActionType,
			"reason":            reason,
			"deployment_target": agent.DeploymentTarget,
		}, meta)
		if err := events.Persist(ctx, tx, env, e.agentTopic); err != nil {
			return nil, err
		}
		if err := e.logAction(ctx, tx, agentID, req, false, reason, 0, env.EventID); err != nil {
			return nil, err
		}
		balance, err := e.peekBalance(ctx, tx, agentID)
		if err != nil {
			return nil, err
		}
		return &Result{
			Reason:                reason,
			EnvironmentConstraint: true,
			RemainingBalance:      balance,
			Event:                 env,
		}, nil
	}

	// 5. Lock and reconcile capacity.
	capacity, err := agents.CapacityForUpdate(ctx, tx, agentID, now)
	if err != nil {
		return nil, err
	}
	balanceBefore := capacity.Balance

	// 6. Cost composition.
	provider, hasProvider := e.registry.Lookup(agent.CognitionProvider)
	var estimated int64
	cogReq := cognition.Request{
		AgentID:    agentID,
		ActionType: req.ActionType,
		Payload:    req.Payload,
	}
	if hasProvider {
		estimated = provider.EstimateCost(cogReq)
	}
	totalRequired := req.RequestedCost + estimated

	// 7. Throttle check.
	if agent.ThrottleProfile == agents.ProfilePaused {
		return e.reject(ctx, tx, agentID, req, meta, ReasonThrottlePaused, balanceBefore)
	}

	// 8. Admission.
	if capacity.Balance < totalRequired {
		return e.reject(ctx, tx, agentID, req, meta, ReasonInsufficientCapacity, balanceBefore)
	}

	// 9. Cognition execution. Bounded, no retries. A paused provider flips
	// the attempt to rejected without deduction; any other failure degrades
	// to base cost only.
	deduction := req.RequestedCost
	var cogResult *cognition.Result
	if hasProvider {
		cogCtx, cancel := context.WithTimeout(ctx, e.cognitionTimeout)
		res, cogErr := provider.Execute(cogCtx, cogReq)
		cancel()
		switch {
		case errors.Is(cogErr, cognition.ErrPaused):
			return e.reject(ctx, tx, agentID, req, meta, ReasonCognitionPaused, balanceBefore)
		case cogErr != nil:
			e.logger.Printf("⚠️ cognition failure for %s (%s): %v", agentID, provider.Name(), cogErr)
			monitoring.CognitionFailures.Inc()
		default:
			if ceiling := estimated * e.maxCostMultiplier; res.ActualCost > ceiling {
				e.logger.Printf("⚠️ provider %s reported cost %d over cap %d; clamping",
					provider.Name(), res.ActualCost, ceiling)
				res.ActualCost = ceiling
			}
			deduction += res.ActualCost
			cogResult = res
		}
	}

	// 10. Persist: capacity, event, action log, artifact events.
	balanceAfter := balanceBefore - deduction
	if balanceAfter < 0 {
		// Clamped cognition cost can still not exceed the admitted total.
		balanceAfter = 0
	}
	if err := agents.SaveBalance(ctx, tx, agentID, balanceAfter); err != nil {
		return nil, err
	}

	payload := map[string]interface{}{
		"action_type":       req.ActionType,
		"requested_cost":    req.RequestedCost,
		"total_cost":        deduction,
		"balance_before":    balanceBefore,
		"balance_after":     balanceAfter,
		"deployment_target": agent.DeploymentTarget,
	}
	if req.SubjectAgentID != "" {
		payload["subject_agent_id"] = req.SubjectAgentID
	}
	if len(req.Payload) > 0 {
		payload["body"] = req.Payload
	}
	if cogResult != nil {
		payload["cognition"] = map[string]interface{}{
			"provider":    cogResult.Provider,
			"actual_cost": cogResult.ActualCost,
			"tokens_used": cogResult.TokensUsed,
			"latency_ms":  cogResult.LatencyMs,
		}
	}

	env := events.Build(events.TypeActionAccepted, payload, meta)
	if err := events.Persist(ctx, tx, env, e.agentTopic); err != nil {
		return nil, err
	}
	if err := e.logAction(ctx, tx, agentID, req, true, "", deduction, env.EventID); err != nil {
		return nil, err
	}

	if IsImplicating(req.ActionType) {
		// Subject existence is deliberately not verified; observers may see
		// a dangling reference.
		issued := events.Build(events.TypeArtifactIssued, map[string]interface{}{
			"action_event_id":   env.EventID,
			"action_type":       req.ActionType,
			"agent_id":          agentID,
			"subject_agent_id":  req.SubjectAgentID,
			"deployment_target": agent.DeploymentTarget,
		}, meta)
		if err := events.Persist(ctx, tx, issued, e.agentTopic); err != nil {
			return nil, err
		}
		implicates := events.Build(events.TypeArtifactImplicates, map[string]interface{}{
			"action_event_id":  env.EventID,
			"artifact_event_id": issued.EventID,
			"implication_type": req.ActionType,
			"issuing_agent_id": agentID,
			"subject_agent_id": req.SubjectAgentID,
		}, meta)
		if err := events.Persist(ctx, tx, implicates, e.agentTopic); err != nil {
			return nil, err
		}
	}

	// 11. Throughput counter.
	if err := environment.BumpThroughputTx(ctx, tx, agent.DeploymentTarget, now); err != nil {
		return nil, err
	}

	return &Result{
		Accepted:         true,
		RemainingBalance: balanceAfter,
		Event:            env,
		Cognition:        cogResult,
	}, nil
}

// reject records a non-environment refusal: event, action log, no deduction.
func (e *Engine) reject(ctx context.Context, tx *sql.Tx, agentID string, req Request, meta events.Meta, reason string, balance int64) (*Result, error) {
	env := events.Build(events.TypeActionRejected, map[string]interface{}{
		"action_type":    req.ActionType,
		"reason":         reason,
		"requested_cost": req.RequestedCost,
	}, meta)
	if err := events.Persist(ctx, tx, env, e.agentTopic); err != nil {
		return nil, err
	}
	if err := e.logAction(ctx, tx, agentID, req, false, reason, 0, env.EventID); err != nil {
		return nil, err
	}
	return &Result{
		Reason:           reason,
		RemainingBalance: balance,
		Event:            env,
	}, nil
}

func (e *Engine) logAction(ctx context.Context, tx *sql.Tx, agentID string, req Request, accepted bool, reason string, cost int64, eventID string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO action_log (agent_id, action_type, cost, accepted, reason, idempotency_key, event_id)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7)`,
		agentID, req.ActionType, cost, accepted, reason, req.IdempotencyKey, eventID)
	return err
}

// replay returns the original outcome for a key already present in the
// action log, or nil when the key is fresh.
func (e *Engine) replay(ctx context.Context, tx *sql.Tx, agentID, key string) (*Result, error) {
	var accepted bool
	var reason sql.NullString
	var eventID string
	err := tx.QueryRowContext(ctx,
		`SELECT accepted, reason, event_id FROM action_log
		 WHERE idempotency_key = $1 AND agent_id = $2`, key, agentID).
		Scan(&accepted, &reason, &eventID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	env, err := events.Load(ctx, tx, eventID)
	if err != nil {
		return nil, err
	}
	balance, err := e.peekBalance(ctx, tx, agentID)
	if err != nil {
		return nil, err
	}

	return &Result{
		Accepted:              accepted,
		Reason:                reason.String,
		Idempotent:            true,
		EnvironmentConstraint: env.EventType == events.TypeActionRejectedEnv,
		RemainingBalance:      balance,
		Event:                 env,
	}, nil
}

func (e *Engine) peekBalance(ctx context.Context, tx *sql.Tx, agentID string) (int64, error) {
	var balance int64
	err := tx.QueryRowContext(ctx,
		`SELECT balance FROM agent_capacity WHERE agent_id = $1`, agentID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return balance, err
}
