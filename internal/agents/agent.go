package agents

import (
	"errors"
	"time"
)

// Lifecycle states. Archive is one-way within a version; redeploy
// reactivates with a new target.
const (
	StatusActive   = "active"
	StatusArchived = "archived"
)

// Throttle profiles.
const (
	ProfileNormal       = "normal"
	ProfileConservative = "conservative"
	ProfileAggressive   = "aggressive"
	ProfilePaused       = "paused"
)

var validProfiles = map[string]bool{
	ProfileNormal:       true,
	ProfileConservative: true,
	ProfileAggressive:   true,
	ProfilePaused:       true,
}

var (
	ErrNotFound      = errors.New("agent not found")
	ErrArchived      = errors.New("agent is archived")
	ErrNotSponsor    = errors.New("caller is not the owning sponsor")
	ErrBadProfile    = errors.New("unknown throttle profile")
	ErrBiasOutOfRange = errors.New("bias values must be within [-1, 1]")
)

// Agent is the single row of truth for an agent's identity and knobs.
type Agent struct {
	AgentID           string     `json:"agent_id"`
	Status            string     `json:"status"`
	DeploymentTarget  string     `json:"deployment_target"`
	SponsorID         string     `json:"sponsor_id,omitempty"`
	CognitionProvider string     `json:"cognition_provider"`
	ThrottleProfile   string     `json:"throttle_profile"`
	CreatedAt         time.Time  `json:"created_at"`
	ArchivedAt        *time.Time `json:"archived_at,omitempty"`
}

// Capacity is the agent's spendable action budget.
type Capacity struct {
	AgentID          string    `json:"agent_id"`
	Balance          int64     `json:"balance"`
	MaxBalance       int64     `json:"max_balance"`
	RegenPerHour     int64     `json:"regen_per_hour"`
	LastReconciledAt time.Time `json:"last_reconciled_at"`
}

// Reconcile lazily regenerates the balance:
// min(max, balance + floor(hours_elapsed * regen)). The product is floored,
// not the hours, so frequent touches still accrue fractional-hour regen;
// the clock never runs backwards past last_reconciled_at.
func Reconcile(c Capacity, now time.Time) Capacity {
	elapsed := now.Sub(c.LastReconciledAt)
	if elapsed <= 0 || c.RegenPerHour <= 0 {
		c.LastReconciledAt = now
		return c
	}

	gained := int64(elapsed.Hours() * float64(c.RegenPerHour))
	c.Balance += gained
	if c.Balance > c.MaxBalance {
		c.Balance = c.MaxBalance
	}
	c.LastReconciledAt = now
	return c
}

// Config holds the per-agent tuning surface. Version is monotonic.
type Config struct {
	AgentID         string                 `json:"agent_id"`
	Version         int64                  `json:"version"`
	Bias            map[string]float64     `json:"bias"`
	ThrottleConfig  map[string]interface{} `json:"throttle_config"`
	CognitionConfig map[string]interface{} `json:"cognition_config"`
	PortableConfig  map[string]interface{} `json:"portable_config"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// ValidateBias rejects any weight outside [-1, 1].
func ValidateBias(bias map[string]float64) error {
	for _, v := range bias {
		if v < -1 || v > 1 {
			return ErrBiasOutOfRange
		}
	}
	return nil
}
