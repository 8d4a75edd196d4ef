// Package materializer consumes the event streams and maintains the read-side
// projections. Every write is keyed on source_event_id with ON CONFLICT DO
// NOTHING, so redelivery of an envelope is harmless.
package materializer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/ox/substrate/internal/database"
	"github.com/ox/substrate/internal/events"
	"github.com/ox/substrate/internal/monitoring"
)

// Projector applies one envelope to the projection store.
type Projector struct {
	db            *sql.DB
	sessionWindow time.Duration
	logger        *log.Logger
}

func NewProjector(db *sql.DB, sessionWindow time.Duration) *Projector {
	if sessionWindow <= 0 {
		sessionWindow = 5 * time.Minute
	}
	return &Projector{
		db:            db,
		sessionWindow: sessionWindow,
		logger:        log.New(log.Writer(), "[MATERIALIZER] ", log.LstdFlags),
	}
}

// Apply routes an envelope to its projection writers inside one transaction.
// Unknown event types are logged and ignored.
func (p *Projector) Apply(ctx context.Context, env *events.Envelope) error {
	return database.WithTx(ctx, p.db, func(tx *sql.Tx) error {
		if err := p.liveEvent(ctx, tx, env); err != nil {
			return err
		}

		switch env.EventType {
		case events.TypeActionAccepted:
			if err := p.capacityTimeline(ctx, tx, env); err != nil {
				return err
			}
			if err := p.applySession(ctx, tx, env); err != nil {
				return err
			}
			if err := p.updatePattern(ctx, tx, env, true); err != nil {
				return err
			}
			return p.deriveArtifact(ctx, tx, env)
		case events.TypeActionRejected:
			return p.updatePattern(ctx, tx, env, false)
		case events.TypeActionRejectedEnv:
			if err := p.environmentRejection(ctx, tx, env); err != nil {
				return err
			}
			return p.updatePattern(ctx, tx, env, false)
		case events.TypeEnvironmentChanged, events.TypeEnvironmentRemoved:
			return p.environmentHistory(ctx, tx, env)
		case events.TypeArtifactImplicates:
			return p.artifactImplication(ctx, tx, env)
		case events.TypeArtifactIssued,
			events.TypePressureIssued,
			events.TypePolicyApplied,
			events.TypePolicySkipped,
			events.TypePhysicsBraid,
			events.TypePhysicsInterference:
			// Live feed only.
			return nil
		default:
			p.logger.Printf("⚠️  Unknown event type %s (%s), ignoring", env.EventType, env.EventID)
			return nil
		}
	})
}

func (p *Projector) liveEvent(ctx context.Context, tx *sql.Tx, env *events.Envelope) error {
	payload, err := json.Marshal(env.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO live_events (source_event_id, event_type, occurred_at, actor_id, deployment, summary, payload)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (source_event_id) DO NOTHING`,
		env.EventID, env.EventType, env.OccurredAt, env.ActorID,
		payloadString(env, "deployment_target"), Summarize(env), payload)
	if err != nil {
		return fmt.Errorf("live event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		monitoring.ProjectionConflicts.Inc()
	}
	return nil
}

func (p *Projector) capacityTimeline(ctx context.Context, tx *sql.Tx, env *events.Envelope) error {
	breakdown, _ := json.Marshal(map[string]interface{}{
		"requested_cost": env.Payload["requested_cost"],
		"total_cost":     env.Payload["total_cost"],
		"cognition":      env.Payload["cognition"],
	})
	_, err := tx.ExecContext(ctx,
		`INSERT INTO capacity_timeline (source_event_id, agent_id, ts, balance_before, balance_after, cost_breakdown)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (source_event_id) DO NOTHING`,
		env.EventID, env.ActorID, env.OccurredAt,
		payloadInt(env, "balance_before"), payloadInt(env, "balance_after"), breakdown)
	return err
}

func (p *Projector) environmentHistory(ctx context.Context, tx *sql.Tx, env *events.Envelope) error {
	changeType := "changed"
	if env.EventType == events.TypeEnvironmentRemoved {
		changeType = "removed"
	}
	state, _ := json.Marshal(env.Payload["state"])
	if state == nil || string(state) == "null" {
		state = []byte(`{}`)
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO environment_history (source_event_id, deployment_target, change_type, state, ts)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (source_event_id) DO NOTHING`,
		env.EventID, payloadString(env, "deployment_target"), changeType, state, env.OccurredAt)
	return err
}

func (p *Projector) environmentRejection(ctx context.Context, tx *sql.Tx, env *events.Envelope) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO environment_rejections (source_event_id, deployment_target, agent_id, reason, ts)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (source_event_id) DO NOTHING`,
		env.EventID, payloadString(env, "deployment_target"), env.ActorID,
		payloadString(env, "reason"), env.OccurredAt)
	return err
}

func (p *Projector) artifactImplication(ctx context.Context, tx *sql.Tx, env *events.Envelope) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO artifact_implications (source_event_id, artifact_id, issuing_agent_id, subject_agent_id, implication_type, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (source_event_id) DO NOTHING`,
		env.EventID, payloadString(env, "artifact_event_id"), env.ActorID,
		payloadString(env, "subject_agent_id"), payloadString(env, "implication_type"), env.OccurredAt)
	return err
}

// Summarize builds the one-line description shown on the live feed.
func Summarize(env *events.Envelope) string {
	switch env.EventType {
	case events.TypeActionAccepted:
		return fmt.Sprintf("%s performed %s (cost %v)", env.ActorID, payloadString(env, "action_type"), env.Payload["total_cost"])
	case events.TypeActionRejected:
		return fmt.Sprintf("%s denied %s: %s", env.ActorID, payloadString(env, "action_type"), payloadString(env, "reason"))
	case events.TypeActionRejectedEnv:
		return fmt.Sprintf("%s blocked by environment: %s", env.ActorID, payloadString(env, "reason"))
	case events.TypeArtifactIssued:
		return fmt.Sprintf("artifact issued by %s (%s)", env.ActorID, payloadString(env, "action_type"))
	case events.TypeArtifactImplicates:
		return fmt.Sprintf("%s implicates %s", env.ActorID, payloadString(env, "subject_agent_id"))
	case events.TypePressureIssued:
		return fmt.Sprintf("pressure %s on %s", payloadString(env, "pressure_type"), payloadString(env, "target_deployment"))
	case events.TypePolicyApplied:
		return fmt.Sprintf("policy applied to %s", payloadString(env, "agent_id"))
	case events.TypePolicySkipped:
		return fmt.Sprintf("policy skipped for %s", payloadString(env, "agent_id"))
	case events.TypeEnvironmentChanged:
		return fmt.Sprintf("environment changed for %s", payloadString(env, "deployment_target"))
	case events.TypeEnvironmentRemoved:
		return fmt.Sprintf("environment cleared for %s", payloadString(env, "deployment_target"))
	case events.TypePhysicsBraid:
		return fmt.Sprintf("braid computed for %s", payloadString(env, "deployment"))
	default:
		return env.EventType
	}
}

func payloadString(env *events.Envelope, key string) string {
	if v, ok := env.Payload[key].(string); ok {
		return v
	}
	return ""
}

func payloadInt(env *events.Envelope, key string) int64 {
	switch v := env.Payload[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	}
	return 0
}
