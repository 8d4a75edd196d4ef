package locality

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("locality not found")

// Locality is a spatial grouping of agents within a deployment. Density and
// visibility feed the perception queries; evidence half-life bounds how long
// an artifact stays perceivable inside the locality.
type Locality struct {
	ID                   string  `json:"id"`
	DeploymentTarget     string  `json:"deployment_target"`
	Name                 string  `json:"name"`
	Density              float64 `json:"density"`
	InterferenceDensity  float64 `json:"interference_density"`
	VisibilityRadius     float64 `json:"visibility_radius"`
	EvidenceHalfLifeSecs int64   `json:"evidence_half_life_seconds"`
	Active               bool    `json:"active"`
}

// Membership ties an agent to a locality with a perception weight.
type Membership struct {
	AgentID    string  `json:"agent_id"`
	LocalityID string  `json:"locality_id"`
	Weight     float64 `json:"weight"`
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Create(ctx context.Context, l Locality) (*Locality, error) {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.EvidenceHalfLifeSecs <= 0 {
		l.EvidenceHalfLifeSecs = 3600
	}
	l.Active = true
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO localities (id, deployment_target, name, density, interference_density, visibility_radius, evidence_half_life, active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, true)`,
		l.ID, l.DeploymentTarget, l.Name, l.Density, l.InterferenceDensity, l.VisibilityRadius, l.EvidenceHalfLifeSecs)
	if err != nil {
		return nil, fmt.Errorf("create locality: %w", err)
	}
	return &l, nil
}

func (s *Store) Get(ctx context.Context, id string) (*Locality, error) {
	var l Locality
	err := s.db.QueryRowContext(ctx,
		`SELECT id, deployment_target, name, density, interference_density, visibility_radius, evidence_half_life, active
		 FROM localities WHERE id = $1`, id).
		Scan(&l.ID, &l.DeploymentTarget, &l.Name, &l.Density, &l.InterferenceDensity, &l.VisibilityRadius, &l.EvidenceHalfLifeSecs, &l.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *Store) ListByDeployment(ctx context.Context, deployment string) ([]Locality, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, deployment_target, name, density, interference_density, visibility_radius, evidence_half_life, active
		 FROM localities WHERE deployment_target = $1 ORDER BY name`, deployment)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Locality
	for rows.Next() {
		var l Locality
		if err := rows.Scan(&l.ID, &l.DeploymentTarget, &l.Name, &l.Density, &l.InterferenceDensity, &l.VisibilityRadius, &l.EvidenceHalfLifeSecs, &l.Active); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) Deactivate(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE localities SET active = false WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Join upserts an agent's membership weight. Weight is clamped to [0, 1].
func (s *Store) Join(ctx context.Context, agentID, localityID string, weight float64) error {
	if weight < 0 {
		weight = 0
	}
	if weight > 1 {
		weight = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO locality_memberships (agent_id, locality_id, weight)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (agent_id, locality_id) DO UPDATE SET weight = EXCLUDED.weight`,
		agentID, localityID, weight)
	if err != nil {
		return fmt.Errorf("join locality: %w", err)
	}
	return nil
}

func (s *Store) Leave(ctx context.Context, agentID, localityID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM locality_memberships WHERE agent_id = $1 AND locality_id = $2`,
		agentID, localityID)
	return err
}

func (s *Store) Members(ctx context.Context, localityID string) ([]Membership, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_id, locality_id, weight FROM locality_memberships WHERE locality_id = $1`, localityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Membership
	for rows.Next() {
		var m Membership
		if err := rows.Scan(&m.AgentID, &m.LocalityID, &m.Weight); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
