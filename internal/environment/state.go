// Package environment holds per-deployment physics constraints and the gate
// the action engine consults before touching capacity.
package environment

import (
	"context"
	"database/sql"
	"time"
)

// Cognition availability levels.
const (
	AvailabilityFull        = "full"
	AvailabilityDegraded    = "degraded"
	AvailabilityUnavailable = "unavailable"
)

// Gate rejection reasons, in evaluation order.
const (
	ReasonOutsideWindow      = "environment_outside_active_window"
	ReasonCognitionDown      = "environment_cognition_unavailable"
	ReasonThroughputExceeded = "environment_throughput_exceeded"
)

// State is the imposed constraint set for one deployment target.
type State struct {
	DeploymentTarget       string     `json:"deployment_target"`
	CognitionAvailability  string     `json:"cognition_availability"`
	MaxThroughputPerMinute *int       `json:"max_throughput_per_minute,omitempty"`
	ThrottleFactor         float64    `json:"throttle_factor"`
	ActiveWindowStart      *time.Time `json:"active_window_start,omitempty"`
	ActiveWindowEnd        *time.Time `json:"active_window_end,omitempty"`
	Reason                 string     `json:"reason,omitempty"`
	ImposedAt              time.Time  `json:"imposed_at"`
}

// Evaluate applies the gate in a fixed order: active window first,
// then cognition availability, then the per-minute throughput cap. Returns
// ("", true) when the action may proceed.
func Evaluate(st *State, currentMinuteCount int64, now time.Time) (reason string, ok bool) {
	if st == nil {
		return "", true
	}
	if st.ActiveWindowStart != nil && st.ActiveWindowEnd != nil {
		if now.Before(*st.ActiveWindowStart) || !now.Before(*st.ActiveWindowEnd) {
			return ReasonOutsideWindow, false
		}
	}
	if st.CognitionAvailability == AvailabilityUnavailable {
		return ReasonCognitionDown, false
	}
	if st.MaxThroughputPerMinute != nil && currentMinuteCount >= int64(*st.MaxThroughputPerMinute) {
		return ReasonThroughputExceeded, false
	}
	return "", true
}

// GetTx reads the state for a target inside the admission transaction.
// No row means no constraints.
func GetTx(ctx context.Context, tx *sql.Tx, target string) (*State, error) {
	var st State
	var maxTp sql.NullInt64
	var winStart, winEnd sql.NullTime
	var reason sql.NullString

	err := tx.QueryRowContext(ctx,
		`SELECT deployment_target, cognition_availability, max_throughput_per_minute,
		        throttle_factor, active_window_start, active_window_end, reason, imposed_at
		 FROM environment_states WHERE deployment_target = $1`, target).
		Scan(&st.DeploymentTarget, &st.CognitionAvailability, &maxTp, &st.ThrottleFactor,
			&winStart, &winEnd, &reason, &st.ImposedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if maxTp.Valid {
		v := int(maxTp.Int64)
		st.MaxThroughputPerMinute = &v
	}
	if winStart.Valid {
		st.ActiveWindowStart = &winStart.Time
	}
	if winEnd.Valid {
		st.ActiveWindowEnd = &winEnd.Time
	}
	st.Reason = reason.String
	return &st, nil
}

// MinuteBucket truncates to the throughput bucketing granularity.
func MinuteBucket(t time.Time) time.Time {
	return t.UTC().Truncate(time.Minute)
}

// ThroughputTx reads the action count for the target's current minute.
func ThroughputTx(ctx context.Context, tx *sql.Tx, target string, now time.Time) (int64, error) {
	var count int64
	err := tx.QueryRowContext(ctx,
		`SELECT action_count FROM deployment_throughput
		 WHERE deployment_target = $1 AND minute_bucket = $2`,
		target, MinuteBucket(now)).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return count, err
}

// BumpThroughputTx upserts the current-minute counter for an accepted action.
func BumpThroughputTx(ctx context.Context, tx *sql.Tx, target string, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO deployment_throughput (deployment_target, minute_bucket, action_count)
		 VALUES ($1, $2, 1)
		 ON CONFLICT (deployment_target, minute_bucket)
		 DO UPDATE SET action_count = deployment_throughput.action_count + 1`,
		target, MinuteBucket(now))
	return err
}
