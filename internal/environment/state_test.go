package environment

import (
	"testing"
	"time"
)

func TestEvaluateNoState(t *testing.T) {
	if reason, ok := Evaluate(nil, 100, time.Now()); !ok || reason != "" {
		t.Errorf("nil state gated the action: %q", reason)
	}
}

func TestEvaluateWindowFirst(t *testing.T) {
	now := time.Now().UTC()
	start := now.Add(time.Hour)
	end := now.Add(2 * time.Hour)
	limit := 0
	st := &State{
		CognitionAvailability:  AvailabilityUnavailable,
		MaxThroughputPerMinute: &limit,
		ActiveWindowStart:      &start,
		ActiveWindowEnd:        &end,
	}

	// Outside the window, the window reason wins over every later check.
	reason, ok := Evaluate(st, 100, now)
	if ok || reason != ReasonOutsideWindow {
		t.Errorf("reason = %q, want %q", reason, ReasonOutsideWindow)
	}
}

func TestEvaluateWindowEndExclusive(t *testing.T) {
	now := time.Now().UTC()
	start := now.Add(-time.Hour)
	st := &State{
		CognitionAvailability: AvailabilityFull,
		ActiveWindowStart:     &start,
		ActiveWindowEnd:       &now,
	}
	if reason, ok := Evaluate(st, 0, now); ok || reason != ReasonOutsideWindow {
		t.Errorf("window end not exclusive: ok=%v reason=%q", ok, reason)
	}
}

func TestEvaluateCognitionBeforeThroughput(t *testing.T) {
	limit := 0
	st := &State{
		CognitionAvailability:  AvailabilityUnavailable,
		MaxThroughputPerMinute: &limit,
	}
	reason, ok := Evaluate(st, 100, time.Now())
	if ok || reason != ReasonCognitionDown {
		t.Errorf("reason = %q, want %q", reason, ReasonCognitionDown)
	}
}

func TestEvaluateThroughputCap(t *testing.T) {
	limit := 5
	st := &State{
		CognitionAvailability:  AvailabilityFull,
		MaxThroughputPerMinute: &limit,
	}
	if reason, ok := Evaluate(st, 5, time.Now()); ok || reason != ReasonThroughputExceeded {
		t.Errorf("at-cap minute count passed: ok=%v reason=%q", ok, reason)
	}
	if _, ok := Evaluate(st, 4, time.Now()); !ok {
		t.Error("below-cap minute count rejected")
	}
}

func TestEvaluateDegradedPasses(t *testing.T) {
	st := &State{CognitionAvailability: AvailabilityDegraded}
	if _, ok := Evaluate(st, 0, time.Now()); !ok {
		t.Error("degraded availability gated the action")
	}
}

func TestMinuteBucket(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 30, 45, 999, time.UTC)
	got := MinuteBucket(ts)
	want := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("MinuteBucket = %v, want %v", got, want)
	}
}
