package sponsor

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/ox/substrate/internal/database"
	"github.com/ox/substrate/internal/events"
)

// Pressure types; each maps to one component of the braid vector.
const (
	PressureCapacity     = "capacity"
	PressureThrottle     = "throttle"
	PressureCognition    = "cognition"
	PressureRedeployBias = "redeploy_bias"
)

var validPressureTypes = map[string]bool{
	PressureCapacity:     true,
	PressureThrottle:     true,
	PressureCognition:    true,
	PressureRedeployBias: true,
}

// ExpiryHalfLives: a pressure expires after this many half-lives, leaving
// about 0.1% of its initial intensity.
const ExpiryHalfLives = 10

var (
	ErrPressureNotFound = errors.New("pressure not found")
	ErrBadPressure      = errors.New("invalid pressure parameters")
)

// Pressure is a credit-backed, exponentially decaying influence against a
// deployment (optionally narrowed to one agent).
type Pressure struct {
	ID               string     `json:"id"`
	SponsorID        string     `json:"sponsor_id"`
	TargetDeployment string     `json:"target_deployment"`
	TargetAgentID    string     `json:"target_agent_id,omitempty"`
	Type             string     `json:"type"`
	Magnitude        float64    `json:"magnitude"`
	HalfLifeSeconds  int64      `json:"half_life_seconds"`
	CreatedAt        time.Time  `json:"created_at"`
	ExpiresAt        time.Time  `json:"expires_at"`
	CancelledAt      *time.Time `json:"cancelled_at,omitempty"`
	CreditCost       int64      `json:"credit_cost"`
}

// PressureCost is the wallet debit for issuing: ceil(10 * |magnitude|).
func PressureCost(magnitude float64) int64 {
	return int64(math.Ceil(10 * math.Abs(magnitude)))
}

// CurrentMagnitude evaluates the decay curve at t. Cancellation does not
// stop decay; it only excludes the pressure from future braids.
func (p Pressure) CurrentMagnitude(t time.Time) float64 {
	elapsed := t.Sub(p.CreatedAt).Seconds()
	if elapsed <= 0 {
		return p.Magnitude
	}
	return p.Magnitude * math.Pow(0.5, elapsed/float64(p.HalfLifeSeconds))
}

// ActiveAt reports whether the pressure participates in a braid at t.
func (p Pressure) ActiveAt(t time.Time) bool {
	return p.CancelledAt == nil && t.Before(p.ExpiresAt)
}

// Pressures issues, cancels, and lists pressures.
type Pressures struct {
	db         *sql.DB
	agentTopic string
}

func NewPressures(db *sql.DB, agentTopic string) *Pressures {
	return &Pressures{db: db, agentTopic: agentTopic}
}

// IssueParams names everything a sponsor supplies.
type IssueParams struct {
	SponsorID        string
	TargetDeployment string
	TargetAgentID    string
	Type             string
	Magnitude        float64
	HalfLifeSeconds  int64
	CorrelationID    string
	IdempotencyKey   string
}

// Issue deducts the credit cost and stores the pressure atomically, then
// emits sponsor.pressure_issued through the outbox.
func (ps *Pressures) Issue(ctx context.Context, p IssueParams) (*Pressure, error) {
	var pressure *Pressure
	err := database.WithTx(ctx, ps.db, func(tx *sql.Tx) error {
		var err error
		pressure, err = ps.IssueTx(ctx, tx, p)
		return err
	})
	if err != nil {
		return nil, err
	}
	return pressure, nil
}

// IssueTx is the transactional body of Issue, shared with the idempotency
// wrapper on the issue endpoint.
func (ps *Pressures) IssueTx(ctx context.Context, tx *sql.Tx, p IssueParams) (*Pressure, error) {
	if !validPressureTypes[p.Type] || p.Magnitude < -100 || p.Magnitude > 100 || p.HalfLifeSeconds < 60 {
		return nil, ErrBadPressure
	}

	cost := PressureCost(p.Magnitude)
	now := time.Now().UTC()
	pressure := &Pressure{
		ID:               uuid.NewString(),
		SponsorID:        p.SponsorID,
		TargetDeployment: p.TargetDeployment,
		TargetAgentID:    p.TargetAgentID,
		Type:             p.Type,
		Magnitude:        p.Magnitude,
		HalfLifeSeconds:  p.HalfLifeSeconds,
		CreatedAt:        now,
		ExpiresAt:        now.Add(time.Duration(ExpiryHalfLives*p.HalfLifeSeconds) * time.Second),
		CreditCost:       cost,
	}

	var balance int64
	err := tx.QueryRowContext(ctx,
		`SELECT balance FROM sponsor_wallets WHERE sponsor_id = $1 FOR UPDATE`,
		p.SponsorID).Scan(&balance)
	if err == sql.ErrNoRows {
		return nil, ErrSponsorNotFound
	}
	if err != nil {
		return nil, err
	}
	if balance < cost {
		return nil, ErrInsufficientCredits
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE sponsor_wallets SET balance = balance - $2 WHERE sponsor_id = $1`,
		p.SponsorID, cost); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO credit_transactions (sponsor_id, tx_type, amount, idempotency_key)
		 VALUES ($1, 'pressure_debit', $2, NULLIF($3, ''))`,
		p.SponsorID, cost, p.IdempotencyKey); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO pressures (id, sponsor_id, target_deployment, target_agent_id, pressure_type,
		    magnitude, half_life_seconds, created_at, expires_at, credit_cost)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10)`,
		pressure.ID, pressure.SponsorID, pressure.TargetDeployment, pressure.TargetAgentID,
		pressure.Type, pressure.Magnitude, pressure.HalfLifeSeconds,
		pressure.CreatedAt, pressure.ExpiresAt, cost); err != nil {
		return nil, err
	}

	env := events.Build(events.TypePressureIssued, map[string]interface{}{
		"pressure_id":       pressure.ID,
		"sponsor_id":        pressure.SponsorID,
		"target_deployment": pressure.TargetDeployment,
		"pressure_type":     pressure.Type,
		"magnitude":         pressure.Magnitude,
		"half_life_seconds": pressure.HalfLifeSeconds,
		"credit_cost":       cost,
		"expires_at":        pressure.ExpiresAt,
	}, events.Meta{
		ActorID:        p.SponsorID,
		CorrelationID:  p.CorrelationID,
		IdempotencyKey: p.IdempotencyKey,
	})
	if err := events.Persist(ctx, tx, env, ps.agentTopic); err != nil {
		return nil, err
	}
	return pressure, nil
}

// Cancel marks a pressure user-terminated. No refund, decay untouched.
func (ps *Pressures) Cancel(ctx context.Context, pressureID, sponsorID string) error {
	res, err := ps.db.ExecContext(ctx,
		`UPDATE pressures SET cancelled_at = now()
		 WHERE id = $1 AND sponsor_id = $2 AND cancelled_at IS NULL`,
		pressureID, sponsorID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrPressureNotFound
	}
	return nil
}

// ActiveForDeployment lists pressures eligible for the next braid.
func (ps *Pressures) ActiveForDeployment(ctx context.Context, deployment string, now time.Time) ([]Pressure, error) {
	rows, err := ps.db.QueryContext(ctx,
		`SELECT id, sponsor_id, target_deployment, COALESCE(target_agent_id, ''), pressure_type,
		        magnitude, half_life_seconds, created_at, expires_at, cancelled_at, credit_cost
		 FROM pressures
		 WHERE target_deployment = $1 AND cancelled_at IS NULL AND expires_at > $2`,
		deployment, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Pressure
	for rows.Next() {
		var p Pressure
		var cancelled sql.NullTime
		if err := rows.Scan(&p.ID, &p.SponsorID, &p.TargetDeployment, &p.TargetAgentID, &p.Type,
			&p.Magnitude, &p.HalfLifeSeconds, &p.CreatedAt, &p.ExpiresAt, &cancelled, &p.CreditCost); err != nil {
			return nil, err
		}
		if cancelled.Valid {
			p.CancelledAt = &cancelled.Time
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Deployments returns every deployment with at least one braid-eligible
// pressure, for the physics tick to iterate.
func (ps *Pressures) Deployments(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := ps.db.QueryContext(ctx,
		`SELECT DISTINCT target_deployment FROM pressures
		 WHERE cancelled_at IS NULL AND expires_at > $1`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
