package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ox/substrate/internal/cognition"
	"github.com/ox/substrate/internal/events"
)

var agentColumns = []string{
	"agent_id", "status", "deployment_target", "sponsor_id",
	"cognition_provider", "throttle_profile", "created_at", "archived_at",
}

var envColumns = []string{
	"deployment_target", "cognition_availability", "max_throughput_per_minute",
	"throttle_factor", "active_window_start", "active_window_end", "reason", "imposed_at",
}

func TestAttemptReplaysStoredOutcome(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	occurred := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	storedPayload := []byte(`{"action_type":"communicate","total_cost":7,"balance_after":42}`)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT agent_id, status, deployment_target").
		WithArgs("agent-1").
		WillReturnRows(sqlmock.NewRows(agentColumns).
			AddRow("agent-1", "active", "grid-1", "", "none", "normal", occurred, nil))
	mock.ExpectQuery("SELECT accepted, reason, event_id FROM action_log").
		WithArgs("key-1", "agent-1").
		WillReturnRows(sqlmock.NewRows([]string{"accepted", "reason", "event_id"}).
			AddRow(true, nil, "evt-1"))
	mock.ExpectQuery("SELECT event_id, event_type, occurred_at").
		WithArgs("evt-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"event_id", "event_type", "occurred_at", "actor_id",
			"correlation_id", "idempotency_key", "payload", "context",
		}).AddRow("evt-1", events.TypeActionAccepted, occurred, "agent-1", nil, "key-1", storedPayload, nil))
	mock.ExpectQuery("SELECT balance FROM agent_capacity").
		WithArgs("agent-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(int64(42)))
	mock.ExpectCommit()

	eng := New(db, cognition.NewRegistry(), Options{})
	result, err := eng.Attempt(context.Background(), "agent-1",
		Request{ActionType: "communicate", RequestedCost: 5, IdempotencyKey: "key-1"}, "corr-1")
	if err != nil {
		t.Fatalf("Attempt: %v", err)
	}

	if !result.Accepted || !result.Idempotent {
		t.Errorf("accepted=%v idempotent=%v, want both true", result.Accepted, result.Idempotent)
	}
	if result.RemainingBalance != 42 {
		t.Errorf("balance = %d, want 42", result.RemainingBalance)
	}
	if result.Event == nil || result.Event.EventID != "evt-1" {
		t.Fatalf("event = %+v, want stored evt-1", result.Event)
	}
	if result.Event.Payload["action_type"] != "communicate" {
		t.Errorf("payload = %v, want original action payload", result.Event.Payload)
	}
	// No capacity lock, no deduction, no new events: the expectation list
	// above is exhaustive.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

type pausedProvider struct{ wrap bool }

func (p *pausedProvider) Name() string                        { return "flaky" }
func (p *pausedProvider) EstimateCost(cognition.Request) int64 { return 3 }
func (p *pausedProvider) Execute(context.Context, cognition.Request) (*cognition.Result, error) {
	if p.wrap {
		return nil, fmt.Errorf("upstream: %w", cognition.ErrPaused)
	}
	return nil, cognition.ErrPaused
}

func TestAttemptWrappedPauseRejectsWithoutDeduction(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	created := time.Date(2026, 8, 26, 11, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT agent_id, status, deployment_target").
		WithArgs("agent-1").
		WillReturnRows(sqlmock.NewRows(agentColumns).
			AddRow("agent-1", "active", "grid-1", "", "flaky", "normal", created, nil))
	mock.ExpectQuery("SELECT deployment_target, cognition_availability").
		WithArgs("grid-1").
		WillReturnRows(sqlmock.NewRows(envColumns))
	mock.ExpectQuery("SELECT action_count FROM deployment_throughput").
		WillReturnRows(sqlmock.NewRows([]string{"action_count"}))
	mock.ExpectQuery("SELECT agent_id, balance, max_balance").
		WithArgs("agent-1").
		WillReturnRows(sqlmock.NewRows([]string{"agent_id", "balance", "max_balance", "regen_per_hour", "last_reconciled_at"}).
			AddRow("agent-1", int64(100), int64(100), int64(10), time.Now().UTC()))
	mock.ExpectExec("UPDATE agent_capacity SET balance").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO events").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO outbox").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO action_log").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	registry := cognition.NewRegistry()
	registry.Register(&pausedProvider{wrap: true})

	eng := New(db, registry, Options{})
	result, err := eng.Attempt(context.Background(), "agent-1",
		Request{ActionType: "communicate", RequestedCost: 5}, "corr-1")
	if err != nil {
		t.Fatalf("Attempt: %v", err)
	}

	if result.Accepted {
		t.Error("wrapped pause signal was admitted")
	}
	if result.Reason != ReasonCognitionPaused {
		t.Errorf("reason = %s, want %s", result.Reason, ReasonCognitionPaused)
	}
	if result.RemainingBalance != 100 {
		t.Errorf("balance = %d, want untouched 100", result.RemainingBalance)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
