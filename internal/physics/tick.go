package physics

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/ox/substrate/internal/database"
	"github.com/ox/substrate/internal/events"
	"github.com/ox/substrate/internal/sponsor"
)

// Ticker recomputes the pressure braid for every deployment that has live
// pressures, records interference pairs, and publishes the resulting
// modulation vector on the physics stream.
type Ticker struct {
	db           *sql.DB
	pressures    *sponsor.Pressures
	physicsTopic string
	logger       *log.Logger
}

func NewTicker(db *sql.DB, pressures *sponsor.Pressures, physicsTopic string) *Ticker {
	return &Ticker{
		db:           db,
		pressures:    pressures,
		physicsTopic: physicsTopic,
		logger:       log.New(log.Writer(), "[PHYSICS] ", log.LstdFlags),
	}
}

// Tick runs one physics pass over every deployment with at least one
// braid-eligible pressure. Once the last pressure on a deployment expires or
// is cancelled, the deployment drops out of the pass and its modulation reads
// as neutral by absence.
func (t *Ticker) Tick(ctx context.Context) error {
	now := time.Now().UTC()
	tickID := fmt.Sprintf("physics-%d", now.Unix())

	deployments, err := t.pressures.Deployments(ctx, now)
	if err != nil {
		return fmt.Errorf("list deployments: %w", err)
	}

	for _, dep := range deployments {
		if err := t.tickDeployment(ctx, tickID, dep, now); err != nil {
			t.logger.Printf("❌ Braid tick failed for %s: %v", dep, err)
		}
	}
	return nil
}

func (t *Ticker) tickDeployment(ctx context.Context, tickID, deployment string, now time.Time) error {
	active, err := t.pressures.ActiveForDeployment(ctx, deployment, now)
	if err != nil {
		return err
	}

	braid, interferences := sponsor.Compose(active, now)

	return database.WithTx(ctx, t.db, func(tx *sql.Tx) error {
		// Claim the (tick, deployment) slot; a replica that ticked the same
		// second already emitted these rows and events.
		res, err := tx.ExecContext(ctx,
			`INSERT INTO physics_ticks (tick_id, deployment)
			 VALUES ($1, $2)
			 ON CONFLICT (tick_id, deployment) DO NOTHING`,
			tickID, deployment)
		if err != nil {
			return fmt.Errorf("claim tick: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}

		for _, inf := range interferences {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO pressure_interference
				   (tick_id, deployment, pressure_a, pressure_b, probability, reduction, recorded_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7)
				 ON CONFLICT (tick_id, deployment, pressure_a, pressure_b) DO NOTHING`,
				tickID, deployment, inf.PressureA, inf.PressureB, inf.Probability, inf.Reduction, now)
			if err != nil {
				return fmt.Errorf("record interference: %w", err)
			}
		}

		payload := map[string]interface{}{
			"tick_id":          tickID,
			"deployment":       deployment,
			"braid":            braid,
			"active_pressures": len(active),
			"interference":     len(interferences),
		}
		env := events.Build(events.TypePhysicsBraid, payload, events.Meta{
			ActorID:       deployment,
			CorrelationID: tickID,
		})
		if err := events.Persist(ctx, tx, env, t.physicsTopic); err != nil {
			return fmt.Errorf("persist braid event: %w", err)
		}

		for _, inf := range interferences {
			ienv := events.Build(events.TypePhysicsInterference, map[string]interface{}{
				"tick_id":     tickID,
				"deployment":  deployment,
				"pressure_a":  inf.PressureA,
				"pressure_b":  inf.PressureB,
				"type":        inf.Type,
				"probability": inf.Probability,
				"reduction":   inf.Reduction,
			}, events.Meta{ActorID: deployment, CorrelationID: tickID})
			if err := events.Persist(ctx, tx, ienv, t.physicsTopic); err != nil {
				return fmt.Errorf("persist interference event: %w", err)
			}
		}
		return nil
	})
}
