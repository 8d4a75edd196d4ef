package physics

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ox/substrate/internal/sponsor"
)

var pressureColumns = []string{
	"id", "sponsor_id", "target_deployment", "target_agent_id", "pressure_type",
	"magnitude", "half_life_seconds", "created_at", "expires_at", "cancelled_at", "credit_cost",
}

func TestTickDeploymentSkipsWhenAlreadyClaimed(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT id, sponsor_id, target_deployment").
		WillReturnRows(sqlmock.NewRows(pressureColumns))
	mock.ExpectBegin()
	// A concurrent replica already holds this (tick, deployment) slot:
	// nothing else may be written or emitted.
	mock.ExpectExec("INSERT INTO physics_ticks").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	ticker := NewTicker(db, sponsor.NewPressures(db, "events.agents.v1"), "events.ox-physics.v1")
	if err := ticker.tickDeployment(context.Background(), "physics-100", "grid-1", time.Now().UTC()); err != nil {
		t.Fatalf("tickDeployment: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestTickDeploymentClaimsAndEmitsOnce(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT id, sponsor_id, target_deployment").
		WillReturnRows(sqlmock.NewRows(pressureColumns))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO physics_ticks").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO events").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO outbox").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ticker := NewTicker(db, sponsor.NewPressures(db, "events.agents.v1"), "events.ox-physics.v1")
	if err := ticker.tickDeployment(context.Background(), "physics-100", "grid-1", time.Now().UTC()); err != nil {
		t.Fatalf("tickDeployment: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
