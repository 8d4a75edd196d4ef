package environment

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ox/substrate/internal/database"
	"github.com/ox/substrate/internal/events"
)

var ErrNotFound = errors.New("environment state not found")

// Store serves the admin surface: impose, read, and remove constraints.
// Every change is recorded on the event stream so projections keep history.
type Store struct {
	db         *sql.DB
	agentTopic string
}

func NewStore(db *sql.DB, agentTopic string) *Store {
	return &Store{db: db, agentTopic: agentTopic}
}

func (s *Store) Get(ctx context.Context, target string) (*State, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	st, err := GetTx(ctx, tx, target)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, ErrNotFound
	}
	return st, tx.Commit()
}

// Set upserts the constraint row for a target and emits
// environment.state_changed in the same transaction.
func (s *Store) Set(ctx context.Context, st State, correlationID string) error {
	return database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO environment_states
			   (deployment_target, cognition_availability, max_throughput_per_minute,
			    throttle_factor, active_window_start, active_window_end, reason, imposed_at)
			 VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), now())
			 ON CONFLICT (deployment_target) DO UPDATE SET
			   cognition_availability = EXCLUDED.cognition_availability,
			   max_throughput_per_minute = EXCLUDED.max_throughput_per_minute,
			   throttle_factor = EXCLUDED.throttle_factor,
			   active_window_start = EXCLUDED.active_window_start,
			   active_window_end = EXCLUDED.active_window_end,
			   reason = EXCLUDED.reason,
			   imposed_at = now()`,
			st.DeploymentTarget, st.CognitionAvailability, st.MaxThroughputPerMinute,
			st.ThrottleFactor, st.ActiveWindowStart, st.ActiveWindowEnd, st.Reason)
		if err != nil {
			return fmt.Errorf("upsert environment state: %w", err)
		}

		var snapshot map[string]interface{}
		raw, _ := json.Marshal(st)
		json.Unmarshal(raw, &snapshot)

		env := events.Build(events.TypeEnvironmentChanged, map[string]interface{}{
			"deployment_target": st.DeploymentTarget,
			"state":             snapshot,
		}, events.Meta{ActorID: st.DeploymentTarget, CorrelationID: correlationID})
		return events.Persist(ctx, tx, env, s.agentTopic)
	})
}

func (s *Store) Remove(ctx context.Context, target, correlationID string) error {
	return database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM environment_states WHERE deployment_target = $1`, target)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		env := events.Build(events.TypeEnvironmentRemoved, map[string]interface{}{
			"deployment_target": target,
		}, events.Meta{ActorID: target, CorrelationID: correlationID})
		return events.Persist(ctx, tx, env, s.agentTopic)
	})
}
