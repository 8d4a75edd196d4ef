package materializer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ox/substrate/internal/engine"
	"github.com/ox/substrate/internal/events"
)

// coPresenceWindow bounds how recently another agent must have acted on the
// same deployment for this action to join (or bootstrap) a session.
const coPresenceWindow = 30 * time.Second

type sessionRow struct {
	ID           string
	Participants []string
	EventCount   int64
	ActionCounts map[string]int64
}

// applySession folds one accepted action into the session projection:
// lazily close stale sessions, join an active one when the agent belongs or
// co-presence holds, otherwise bootstrap a session on co-presence or
// escalation.
func (p *Projector) applySession(ctx context.Context, tx *sql.Tx, env *events.Envelope) error {
	deployment := payloadString(env, "deployment_target")
	actionType := payloadString(env, "action_type")
	if deployment == "" || actionType == "" {
		return nil
	}
	ts := env.OccurredAt

	if err := p.closeStale(ctx, tx, deployment, ts); err != nil {
		return err
	}

	sess, err := p.findJoinable(ctx, tx, deployment, env.ActorID, ts)
	if err != nil {
		return err
	}

	if sess == nil {
		others, err := p.recentOtherAgents(ctx, tx, deployment, env.ActorID, ts)
		if err != nil {
			return err
		}
		escalation := actionType == engine.ActionConflict || actionType == engine.ActionWithdraw
		if len(others) == 0 && !escalation {
			return nil
		}
		sess, err = p.createSession(ctx, tx, deployment, env.ActorID, others, ts)
		if err != nil {
			return err
		}
	}

	return p.recordSessionEvent(ctx, tx, sess, env, actionType, ts)
}

func (p *Projector) closeStale(ctx context.Context, tx *sql.Tx, deployment string, now time.Time) error {
	rows, err := tx.QueryContext(ctx,
		`UPDATE sessions SET is_active = false, end_ts = last_event_ts
		 WHERE deployment = $1 AND is_active AND last_event_ts < $2
		 RETURNING id, deployment, derived_topic, participating_agent_ids, event_count, start_ts, last_event_ts`,
		deployment, now.Add(-p.sessionWindow))
	if err != nil {
		return fmt.Errorf("close stale sessions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, dep, topic string
		var participants pq.StringArray
		var eventCount int64
		var startTs, lastTs time.Time
		if err := rows.Scan(&id, &dep, &topic, &participants, &eventCount, &startTs, &lastTs); err != nil {
			return err
		}
		// One narrative frame per closed session, keyed by the session id.
		_, err := tx.ExecContext(ctx,
			`INSERT INTO narrative_frames (source_event_id, session_id, deployment, topic, participants, event_count, span_seconds, created_at)
			 VALUES ($1, $1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (source_event_id) DO NOTHING`,
			id, dep, topic, participants, eventCount,
			int64(lastTs.Sub(startTs).Seconds()), now)
		if err != nil {
			return fmt.Errorf("narrative frame: %w", err)
		}
	}
	return rows.Err()
}

// findJoinable locks the candidate session row so concurrent consumers do not
// fork the participant set.
func (p *Projector) findJoinable(ctx context.Context, tx *sql.Tx, deployment, agentID string, ts time.Time) (*sessionRow, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT id, participating_agent_ids, event_count, action_counts
		 FROM sessions
		 WHERE deployment = $1 AND is_active AND last_event_ts >= $2
		 ORDER BY last_event_ts DESC
		 FOR UPDATE`,
		deployment, ts.Add(-p.sessionWindow))
	if err != nil {
		return nil, fmt.Errorf("find sessions: %w", err)
	}
	defer rows.Close()

	type candidate struct {
		row        sessionRow
		includes   bool
		lastOther  bool
		rawCounts  []byte
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		var participants pq.StringArray
		if err := rows.Scan(&c.row.ID, &participants, &c.row.EventCount, &c.rawCounts); err != nil {
			return nil, err
		}
		c.row.Participants = participants
		for _, id := range participants {
			if id == agentID {
				c.includes = true
			}
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range candidates {
		c := &candidates[i]
		if !c.includes {
			var n int
			err := tx.QueryRowContext(ctx,
				`SELECT count(*) FROM session_events
				 WHERE session_id = $1 AND agent_id <> $2 AND ts >= $3`,
				c.row.ID, agentID, ts.Add(-coPresenceWindow)).Scan(&n)
			if err != nil {
				return nil, err
			}
			c.lastOther = n > 0
		}
		if c.includes || c.lastOther {
			c.row.ActionCounts = map[string]int64{}
			if len(c.rawCounts) > 0 {
				json.Unmarshal(c.rawCounts, &c.row.ActionCounts)
			}
			return &c.row, nil
		}
	}
	return nil, nil
}

func (p *Projector) recentOtherAgents(ctx context.Context, tx *sql.Tx, deployment, agentID string, ts time.Time) ([]string, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT DISTINCT actor_id FROM live_events
		 WHERE deployment = $1 AND event_type = $2 AND actor_id <> $3 AND occurred_at >= $4`,
		deployment, events.TypeActionAccepted, agentID, ts.Add(-coPresenceWindow))
	if err != nil {
		return nil, fmt.Errorf("recent agents: %w", err)
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

func (p *Projector) createSession(ctx context.Context, tx *sql.Tx, deployment, agentID string, others []string, ts time.Time) (*sessionRow, error) {
	participants := append([]string{agentID}, others...)
	sess := &sessionRow{
		ID:           uuid.NewString(),
		Participants: participants,
		ActionCounts: map[string]int64{},
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (id, deployment, participating_agent_ids, start_ts, last_event_ts, is_active, derived_topic, action_counts, event_count)
		 VALUES ($1, $2, $3, $4, $4, true, 'general_activity', '{}', 0)`,
		sess.ID, deployment, pq.StringArray(participants), ts)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if len(others) > 0 {
		if err := p.backfillCoPresent(ctx, tx, sess, deployment, others, ts); err != nil {
			return nil, err
		}
	}
	return sess, nil
}

// backfillCoPresent attaches the co-present agents' accepted events to a
// freshly bootstrapped session. Those events arrived before any session
// existed, so without the backfill the session would start mid-scene and
// undercount.
func (p *Projector) backfillCoPresent(ctx context.Context, tx *sql.Tx, sess *sessionRow, deployment string, others []string, ts time.Time) error {
	rows, err := tx.QueryContext(ctx,
		`SELECT source_event_id, actor_id, COALESCE(payload->>'action_type', ''), occurred_at
		 FROM live_events
		 WHERE deployment = $1 AND event_type = $2 AND actor_id = ANY($3) AND occurred_at >= $4`,
		deployment, events.TypeActionAccepted, pq.StringArray(others), ts.Add(-coPresenceWindow))
	if err != nil {
		return fmt.Errorf("backfill query: %w", err)
	}

	type pastEvent struct {
		eventID    string
		agentID    string
		actionType string
		ts         time.Time
	}
	var past []pastEvent
	for rows.Next() {
		var e pastEvent
		if err := rows.Scan(&e.eventID, &e.agentID, &e.actionType, &e.ts); err != nil {
			rows.Close()
			return err
		}
		past = append(past, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if len(past) == 0 {
		return nil
	}

	earliest := ts
	for _, e := range past {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO session_events (source_event_id, session_id, agent_id, action_type, ts)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (source_event_id) DO NOTHING`,
			e.eventID, sess.ID, e.agentID, e.actionType, e.ts)
		if err != nil {
			return fmt.Errorf("backfill session event: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Already attached elsewhere.
			continue
		}
		sess.EventCount++
		if e.actionType != "" {
			sess.ActionCounts[e.actionType]++
		}
		if e.ts.Before(earliest) {
			earliest = e.ts
		}
	}
	if sess.EventCount == 0 {
		return nil
	}

	counts, _ := json.Marshal(sess.ActionCounts)
	_, err = tx.ExecContext(ctx,
		`UPDATE sessions
		 SET start_ts = LEAST(start_ts, $2), event_count = $3, action_counts = $4, derived_topic = $5
		 WHERE id = $1`,
		sess.ID, earliest, sess.EventCount, counts, DeriveTopic(sess.ActionCounts))
	if err != nil {
		return fmt.Errorf("backfill session update: %w", err)
	}
	return nil
}

func (p *Projector) recordSessionEvent(ctx context.Context, tx *sql.Tx, sess *sessionRow, env *events.Envelope, actionType string, ts time.Time) error {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO session_events (source_event_id, session_id, agent_id, action_type, ts)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (source_event_id) DO NOTHING`,
		env.EventID, sess.ID, env.ActorID, actionType, ts)
	if err != nil {
		return fmt.Errorf("session event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Redelivery: the session already counted this event.
		return nil
	}

	present := false
	for _, id := range sess.Participants {
		if id == env.ActorID {
			present = true
			break
		}
	}
	if !present {
		sess.Participants = append(sess.Participants, env.ActorID)
	}
	sess.ActionCounts[actionType]++
	counts, _ := json.Marshal(sess.ActionCounts)

	_, err = tx.ExecContext(ctx,
		`UPDATE sessions
		 SET participating_agent_ids = $2, event_count = event_count + 1,
		     last_event_ts = GREATEST(last_event_ts, $3), action_counts = $4, derived_topic = $5
		 WHERE id = $1`,
		sess.ID, pq.StringArray(sess.Participants), ts, counts, DeriveTopic(sess.ActionCounts))
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

// DeriveTopic recomputes the session topic from the multiset of action types
// seen so far. Conflict dominates; collaboration requires both communication
// and creation.
func DeriveTopic(counts map[string]int64) string {
	switch {
	case counts[engine.ActionConflict] > 0:
		return "conflict_scene"
	case counts[engine.ActionExchange] > 0:
		return "exchange_scene"
	case counts[engine.ActionAssociate] > 0:
		return "association_scene"
	case counts[engine.ActionCommunicate] > 0 && counts[engine.ActionCreate] > 0:
		return "collaborative_scene"
	case counts[engine.ActionCommunicate] > 0:
		return "communication_scene"
	case counts[engine.ActionCreate] > 0:
		return "creation_scene"
	default:
		return "general_activity"
	}
}
