package materializer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ox/substrate/internal/events"
)

// patternWindow is the rolling observation span per agent.
const patternWindow = 24 * time.Hour

type observation struct {
	PerType       map[string]*typeStats `json:"per_type"`
	Collaborators []string              `json:"collaborators"`
}

type typeStats struct {
	Total    int64 `json:"total"`
	Accepted int64 `json:"accepted"`
	Rejected int64 `json:"rejected"`
}

// updatePattern folds one action event into the agent's 24-hour observation.
// The window is aligned to the UTC day of the event so replicas agree on
// window_start without coordination.
func (p *Projector) updatePattern(ctx context.Context, tx *sql.Tx, env *events.Envelope, accepted bool) error {
	actionType := payloadString(env, "action_type")
	if actionType == "" || env.ActorID == "" {
		return nil
	}

	windowStart := env.OccurredAt.UTC().Truncate(patternWindow)
	windowEnd := windowStart.Add(patternWindow)

	var raw []byte
	err := tx.QueryRowContext(ctx,
		`SELECT observation FROM agent_patterns WHERE agent_id = $1 AND window_start = $2 FOR UPDATE`,
		env.ActorID, windowStart).Scan(&raw)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("load pattern: %w", err)
	}

	obs := observation{PerType: map[string]*typeStats{}}
	if len(raw) > 0 {
		json.Unmarshal(raw, &obs)
		if obs.PerType == nil {
			obs.PerType = map[string]*typeStats{}
		}
	}

	stats := obs.PerType[actionType]
	if stats == nil {
		stats = &typeStats{}
		obs.PerType[actionType] = stats
	}
	stats.Total++
	if accepted {
		stats.Accepted++
	} else {
		stats.Rejected++
	}

	if accepted {
		collaborators, err := p.coActors(ctx, tx, env)
		if err != nil {
			return err
		}
		obs.Collaborators = mergeSet(obs.Collaborators, collaborators)
	}

	updated, err := json.Marshal(obs)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO agent_patterns (agent_id, window_start, window_end, observation, updated_at)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (agent_id, window_start) DO UPDATE SET
		   observation = EXCLUDED.observation, updated_at = now()`,
		env.ActorID, windowStart, windowEnd, updated)
	if err != nil {
		return fmt.Errorf("upsert pattern: %w", err)
	}
	return nil
}

// coActors finds distinct agents who acted within ±30 s of this event on the
// same deployment.
func (p *Projector) coActors(ctx context.Context, tx *sql.Tx, env *events.Envelope) ([]string, error) {
	deployment := payloadString(env, "deployment_target")
	if deployment == "" {
		return nil, nil
	}
	rows, err := tx.QueryContext(ctx,
		`SELECT DISTINCT actor_id FROM live_events
		 WHERE deployment = $1 AND event_type = $2 AND actor_id <> $3
		   AND occurred_at BETWEEN $4 AND $5`,
		deployment, events.TypeActionAccepted, env.ActorID,
		env.OccurredAt.Add(-coPresenceWindow), env.OccurredAt.Add(coPresenceWindow))
	if err != nil {
		return nil, fmt.Errorf("co-actors: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func mergeSet(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing))
	out := existing
	for _, id := range existing {
		seen[id] = true
	}
	for _, id := range incoming {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
