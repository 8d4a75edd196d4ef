package materializer

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ox/substrate/internal/events"
)

func TestArtifactImplicationStoresImplicationType(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	occurred := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	env := &events.Envelope{
		EventID:    "evt-impl-1",
		EventType:  events.TypeArtifactImplicates,
		OccurredAt: occurred,
		ActorID:    "agent-a",
		Payload: map[string]interface{}{
			"action_event_id":   "evt-action-1",
			"artifact_event_id": "evt-art-1",
			"implication_type":  "critique",
			"issuing_agent_id":  "agent-a",
			"subject_agent_id":  "agent-b",
		},
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO live_events").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO artifact_implications").
		WithArgs("evt-impl-1", "evt-art-1", "agent-a", "agent-b", "critique", occurred).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	p := NewProjector(db, 0)
	if err := p.Apply(context.Background(), env); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestBackfillCoPresentAttachesEarlierEvents(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	now := time.Date(2026, 8, 26, 12, 0, 10, 0, time.UTC)
	earlier := now.Add(-10 * time.Second)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT source_event_id, actor_id").
		WillReturnRows(sqlmock.NewRows([]string{"source_event_id", "actor_id", "action_type", "occurred_at"}).
			AddRow("evt-a-1", "agent-a", "communicate", earlier))
	mock.ExpectExec("INSERT INTO session_events").
		WithArgs("evt-a-1", "sess-1", "agent-a", "communicate", earlier).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE sessions").
		WithArgs("sess-1", earlier, int64(1), []byte(`{"communicate":1}`), "communication_scene").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := db.Begin()
	if err != nil {
		t.Fatal(err)
	}
	p := NewProjector(db, 0)
	sess := &sessionRow{ID: "sess-1", Participants: []string{"agent-b", "agent-a"}, ActionCounts: map[string]int64{}}
	if err := p.backfillCoPresent(context.Background(), tx, sess, "grid-1", []string{"agent-a"}, now); err != nil {
		t.Fatalf("backfill: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	if sess.EventCount != 1 {
		t.Errorf("event count = %d, want 1", sess.EventCount)
	}
	if sess.ActionCounts["communicate"] != 1 {
		t.Errorf("action counts = %v", sess.ActionCounts)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
