package agents

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/ox/substrate/internal/database"
)

// Store owns the agent, capacity, and config tables on the core handle.
type Store struct {
	db     *sql.DB
	logger *log.Logger
}

func NewStore(db *sql.DB) *Store {
	return &Store{
		db:     db,
		logger: log.New(log.Writer(), "[AGENTS] ", log.LstdFlags),
	}
}

// CreateParams seeds a new agent and its capacity row together.
type CreateParams struct {
	AgentID           string
	DeploymentTarget  string
	SponsorID         string
	CognitionProvider string
	ThrottleProfile   string
	MaxBalance        int64
	InitialBalance    int64
	RegenPerHour      int64
}

func (s *Store) Create(ctx context.Context, p CreateParams) (*Agent, error) {
	if p.ThrottleProfile == "" {
		p.ThrottleProfile = ProfileNormal
	}
	if !validProfiles[p.ThrottleProfile] {
		return nil, ErrBadProfile
	}
	if p.CognitionProvider == "" {
		p.CognitionProvider = "none"
	}
	if p.InitialBalance > p.MaxBalance {
		p.InitialBalance = p.MaxBalance
	}

	var agent *Agent
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`INSERT INTO agents (agent_id, deployment_target, sponsor_id, cognition_provider, throttle_profile)
			 VALUES ($1, $2, NULLIF($3, ''), $4, $5)
			 RETURNING agent_id, status, deployment_target, COALESCE(sponsor_id, ''), cognition_provider, throttle_profile, created_at`,
			p.AgentID, p.DeploymentTarget, p.SponsorID, p.CognitionProvider, p.ThrottleProfile)

		var a Agent
		if err := row.Scan(&a.AgentID, &a.Status, &a.DeploymentTarget, &a.SponsorID,
			&a.CognitionProvider, &a.ThrottleProfile, &a.CreatedAt); err != nil {
			return fmt.Errorf("insert agent: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO agent_capacity (agent_id, balance, max_balance, regen_per_hour)
			 VALUES ($1, $2, $3, $4)`,
			p.AgentID, p.InitialBalance, p.MaxBalance, p.RegenPerHour); err != nil {
			return fmt.Errorf("insert capacity: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO agent_configs (agent_id) VALUES ($1)`, p.AgentID); err != nil {
			return fmt.Errorf("insert config: %w", err)
		}

		agent = &a
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Printf("created agent %s (deployment=%s)", agent.AgentID, agent.DeploymentTarget)
	return agent, nil
}

func (s *Store) Get(ctx context.Context, agentID string) (*Agent, error) {
	return scanAgent(s.db.QueryRowContext(ctx,
		`SELECT agent_id, status, deployment_target, COALESCE(sponsor_id, ''), cognition_provider, throttle_profile, created_at, archived_at
		 FROM agents WHERE agent_id = $1`, agentID))
}

// GetTx reads the agent row inside an admission transaction.
func GetTx(ctx context.Context, tx *sql.Tx, agentID string) (*Agent, error) {
	return scanAgent(tx.QueryRowContext(ctx,
		`SELECT agent_id, status, deployment_target, COALESCE(sponsor_id, ''), cognition_provider, throttle_profile, created_at, archived_at
		 FROM agents WHERE agent_id = $1`, agentID))
}

func scanAgent(row *sql.Row) (*Agent, error) {
	var a Agent
	var archived sql.NullTime
	err := row.Scan(&a.AgentID, &a.Status, &a.DeploymentTarget, &a.SponsorID,
		&a.CognitionProvider, &a.ThrottleProfile, &a.CreatedAt, &archived)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if archived.Valid {
		a.ArchivedAt = &archived.Time
	}
	return &a, nil
}

// Archive is one-way: there is no unarchive, only Redeploy.
func (s *Store) Archive(ctx context.Context, agentID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET status = $2, archived_at = now()
		 WHERE agent_id = $1 AND status = $3`,
		agentID, StatusArchived, StatusActive)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// Redeploy swaps the deployment target and reactivates the agent.
func (s *Store) Redeploy(ctx context.Context, agentID, target string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET deployment_target = $2, status = $3, archived_at = NULL
		 WHERE agent_id = $1`,
		agentID, target, StatusActive)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) ReassignSponsor(ctx context.Context, agentID, sponsorID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET sponsor_id = NULLIF($2, '') WHERE agent_id = $1`,
		agentID, sponsorID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// SetProvider changes the cognition provider. Only the owning sponsor may.
func (s *Store) SetProvider(ctx context.Context, agentID, sponsorID, provider string) error {
	return s.sponsorGated(ctx, agentID, sponsorID,
		`UPDATE agents SET cognition_provider = $2 WHERE agent_id = $1`, provider)
}

// SetProfile changes the throttle profile. Only the owning sponsor may.
func (s *Store) SetProfile(ctx context.Context, agentID, sponsorID, profile string) error {
	if !validProfiles[profile] {
		return ErrBadProfile
	}
	return s.sponsorGated(ctx, agentID, sponsorID,
		`UPDATE agents SET throttle_profile = $2 WHERE agent_id = $1`, profile)
}

func (s *Store) sponsorGated(ctx context.Context, agentID, sponsorID, query string, arg interface{}) error {
	return database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var owner sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT sponsor_id FROM agents WHERE agent_id = $1 FOR UPDATE`, agentID).Scan(&owner)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if !owner.Valid || owner.String != sponsorID {
			return ErrNotSponsor
		}
		_, err = tx.ExecContext(ctx, query, agentID, arg)
		return err
	})
}

// CapacityForUpdate locks and reconciles the capacity row inside the
// caller's transaction. The reconciled balance is written back so the lazy
// regen invariant holds on every touch.
func CapacityForUpdate(ctx context.Context, tx *sql.Tx, agentID string, now time.Time) (Capacity, error) {
	var c Capacity
	err := tx.QueryRowContext(ctx,
		`SELECT agent_id, balance, max_balance, regen_per_hour, last_reconciled_at
		 FROM agent_capacity WHERE agent_id = $1 FOR UPDATE`, agentID).
		Scan(&c.AgentID, &c.Balance, &c.MaxBalance, &c.RegenPerHour, &c.LastReconciledAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}

	c = Reconcile(c, now)
	_, err = tx.ExecContext(ctx,
		`UPDATE agent_capacity SET balance = $2, last_reconciled_at = $3 WHERE agent_id = $1`,
		agentID, c.Balance, c.LastReconciledAt)
	return c, err
}

// SaveBalance persists a post-deduction balance.
func SaveBalance(ctx context.Context, tx *sql.Tx, agentID string, balance int64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE agent_capacity SET balance = $2 WHERE agent_id = $1`, agentID, balance)
	return err
}

// AllocateCapacity grants capacity, clamped at max_balance, reconciling
// first so the grant lands on a fresh balance.
func (s *Store) AllocateCapacity(ctx context.Context, agentID string, amount int64) (Capacity, error) {
	var out Capacity
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		c, err := CapacityForUpdate(ctx, tx, agentID, time.Now().UTC())
		if err != nil {
			return err
		}
		c.Balance += amount
		if c.Balance > c.MaxBalance {
			c.Balance = c.MaxBalance
		}
		if err := SaveBalance(ctx, tx, agentID, c.Balance); err != nil {
			return err
		}
		out = c
		return nil
	})
	return out, err
}

// GetConfig returns the current config version.
func (s *Store) GetConfig(ctx context.Context, agentID string) (*Config, error) {
	var c Config
	var bias, throttle, cog, portable []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT agent_id, version, bias, throttle_config, cognition_config, portable_config, updated_at
		 FROM agent_configs WHERE agent_id = $1`, agentID).
		Scan(&c.AgentID, &c.Version, &bias, &throttle, &cog, &portable, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	json.Unmarshal(bias, &c.Bias)
	json.Unmarshal(throttle, &c.ThrottleConfig)
	json.Unmarshal(cog, &c.CognitionConfig)
	json.Unmarshal(portable, &c.PortableConfig)
	return &c, nil
}

// UpdateConfig validates the bias map, bumps the version, and refreshes the
// portable snapshot used for export.
func (s *Store) UpdateConfig(ctx context.Context, agentID string, bias map[string]float64, throttle, cog map[string]interface{}) (*Config, error) {
	if err := ValidateBias(bias); err != nil {
		return nil, err
	}

	portable := map[string]interface{}{
		"bias":             bias,
		"throttle_config":  throttle,
		"cognition_config": cog,
	}

	biasJSON, _ := json.Marshal(bias)
	throttleJSON, _ := json.Marshal(throttle)
	cogJSON, _ := json.Marshal(cog)
	portableJSON, _ := json.Marshal(portable)

	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_configs
		 SET version = version + 1, bias = $2, throttle_config = $3,
		     cognition_config = $4, portable_config = $5, updated_at = now()
		 WHERE agent_id = $1`,
		agentID, biasJSON, throttleJSON, cogJSON, portableJSON)
	if err != nil {
		return nil, err
	}
	if err := requireRow(res); err != nil {
		return nil, err
	}
	return s.GetConfig(ctx, agentID)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
