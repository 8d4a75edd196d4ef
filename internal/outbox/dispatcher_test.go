package outbox

import (
	"testing"
	"time"
)

func TestBackoffGrowsExponentially(t *testing.T) {
	max := 10 * time.Minute
	prevCeiling := time.Duration(0)
	for attempts := 1; attempts <= 6; attempts++ {
		nominal := 5 * time.Second << uint(attempts-1)
		if nominal > max {
			nominal = max
		}
		// ±20% jitter around the nominal delay, floored at 1s.
		lo := nominal - nominal/5
		if lo < time.Second {
			lo = time.Second
		}
		hi := nominal + nominal/5
		if hi > max {
			hi = max
		}
		for i := 0; i < 50; i++ {
			got := Backoff(attempts, max)
			if got < lo || got > hi {
				t.Fatalf("attempt %d: backoff %v outside [%v, %v]", attempts, got, lo, hi)
			}
		}
		if nominal < prevCeiling {
			t.Fatalf("attempt %d: nominal delay shrank", attempts)
		}
		prevCeiling = nominal
	}
}

func TestBackoffCapped(t *testing.T) {
	max := 10 * time.Minute
	for i := 0; i < 100; i++ {
		if got := Backoff(30, max); got > max {
			t.Fatalf("backoff %v exceeds cap %v", got, max)
		}
	}
}

func TestBackoffFloor(t *testing.T) {
	for i := 0; i < 100; i++ {
		if got := Backoff(0, 10*time.Minute); got < time.Second {
			t.Fatalf("backoff %v below 1s floor", got)
		}
	}
}
