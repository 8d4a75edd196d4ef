package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// Persist appends the envelope to the event log and enqueues an outbox row
// in the same transaction. The event table is the durable truth; the outbox
// keeps at-least-once delivery honest when the broker is unreachable at
// commit time.
func Persist(ctx context.Context, tx *sql.Tx, env *Envelope, topic string) error {
	payload, err := json.Marshal(env.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	var evctx []byte
	if env.Context != nil {
		evctx, err = json.Marshal(env.Context)
		if err != nil {
			return fmt.Errorf("marshal context: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (event_id, event_type, occurred_at, actor_id, correlation_id, idempotency_key, payload, context)
		 VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), $7, $8)`,
		env.EventID, env.EventType, env.OccurredAt, env.ActorID,
		env.CorrelationID, env.IdempotencyKey, payload, nullableJSON(evctx))
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	wire, err := env.JSON()
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO outbox (event_id, topic, payload) VALUES ($1, $2, $3)`,
		env.EventID, topic, wire)
	if err != nil {
		return fmt.Errorf("insert outbox row: %w", err)
	}
	return nil
}

// Load reads a persisted envelope back by id.
func Load(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}, eventID string) (*Envelope, error) {
	var env Envelope
	var actor, corr, idem sql.NullString
	var payload, evctx []byte

	err := q.QueryRowContext(ctx,
		`SELECT event_id, event_type, occurred_at, actor_id, correlation_id, idempotency_key, payload, context
		 FROM events WHERE event_id = $1`, eventID).
		Scan(&env.EventID, &env.EventType, &env.OccurredAt, &actor, &corr, &idem, &payload, &evctx)
	if err != nil {
		return nil, err
	}

	env.ActorID = actor.String
	env.CorrelationID = corr.String
	env.IdempotencyKey = idem.String
	if err := json.Unmarshal(payload, &env.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	if len(evctx) > 0 {
		if err := json.Unmarshal(evctx, &env.Context); err != nil {
			return nil, fmt.Errorf("unmarshal context: %w", err)
		}
	}
	return &env, nil
}

func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
