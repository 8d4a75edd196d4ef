package events

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestBuildStampsIdentityAndTime(t *testing.T) {
	env := Build(TypeActionAccepted, map[string]interface{}{"k": "v"}, Meta{
		ActorID:       "agent-1",
		CorrelationID: "corr-1",
	})

	if env.EventID == "" {
		t.Error("expected a minted event id")
	}
	if env.EventType != TypeActionAccepted {
		t.Errorf("event type = %s", env.EventType)
	}
	if env.OccurredAt.Location().String() != "UTC" {
		t.Errorf("occurred_at not UTC: %v", env.OccurredAt.Location())
	}
	if env.ActorID != "agent-1" || env.CorrelationID != "corr-1" {
		t.Errorf("meta not stamped: %+v", env)
	}
}

func TestBuildMintsUniqueIDs(t *testing.T) {
	a := Build(TypeActionAccepted, nil, Meta{})
	b := Build(TypeActionAccepted, nil, Meta{})
	if a.EventID == b.EventID {
		t.Error("two envelopes shared an event id")
	}
}

func TestTruncatePayloadUnderCap(t *testing.T) {
	payload := map[string]interface{}{"message": "hello"}
	out := TruncatePayload(payload)
	if out["message"] != "hello" {
		t.Errorf("small payload was altered: %v", out)
	}
	if _, ok := out["truncated"]; ok {
		t.Error("small payload was tagged as truncated")
	}
}

func TestTruncatePayloadExactlyAtCap(t *testing.T) {
	// {"m":"<filler>"} serializes to exactly MaxPayloadBytes.
	filler := strings.Repeat("a", MaxPayloadBytes-len(`{"m":""}`))
	payload := map[string]interface{}{"m": filler}
	raw, _ := json.Marshal(payload)
	if len(raw) != MaxPayloadBytes {
		t.Fatalf("fixture is %d bytes, want %d", len(raw), MaxPayloadBytes)
	}

	out := TruncatePayload(payload)
	if _, ok := out["truncated"]; ok {
		t.Error("payload at exactly the cap was truncated")
	}
}

func TestTruncatePayloadOneByteOver(t *testing.T) {
	filler := strings.Repeat("a", MaxPayloadBytes-len(`{"m":""}`)+1)
	payload := map[string]interface{}{"m": filler}

	out := TruncatePayload(payload)
	if out["truncated"] != true {
		t.Fatal("oversize payload was not tagged")
	}
	raw, ok := out["raw"].(string)
	if !ok {
		t.Fatal("raw field missing")
	}
	if !strings.HasSuffix(raw, TruncationMarker) {
		t.Errorf("raw does not end with marker: ...%s", raw[len(raw)-30:])
	}
	if len(raw) != MaxPayloadBytes {
		t.Errorf("raw is %d bytes, want %d", len(raw), MaxPayloadBytes)
	}
}

func TestBusFanOut(t *testing.T) {
	bus := NewBus()
	all := bus.Subscribe()
	typed := bus.Subscribe(TypeActionRejected)

	bus.Publish(Build(TypeActionAccepted, nil, Meta{ActorID: "a1"}))

	select {
	case env := <-all:
		if env.ActorID != "a1" {
			t.Errorf("wrong envelope: %+v", env)
		}
	default:
		t.Fatal("all-subscriber did not receive")
	}
	select {
	case <-typed:
		t.Fatal("typed subscriber received a non-matching type")
	default:
	}

	bus.Unsubscribe(all)
	bus.Unsubscribe(typed)
	if bus.SubscriberCount() != 0 {
		t.Errorf("subscriber count = %d after unsubscribe", bus.SubscriberCount())
	}
}
