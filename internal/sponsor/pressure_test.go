package sponsor

import (
	"math"
	"testing"
	"time"
)

func TestPressureCost(t *testing.T) {
	cases := []struct {
		magnitude float64
		want      int64
	}{
		{40, 400},
		{-40, 400},
		{0.1, 1},
		{33.33, 334},
		{0, 0},
	}
	for _, c := range cases {
		if got := PressureCost(c.magnitude); got != c.want {
			t.Errorf("PressureCost(%v) = %d, want %d", c.magnitude, got, c.want)
		}
	}
}

func TestCurrentMagnitudeHalves(t *testing.T) {
	created := time.Now().UTC()
	p := Pressure{Magnitude: 40, HalfLifeSeconds: 600, CreatedAt: created}

	if got := p.CurrentMagnitude(created); got != 40 {
		t.Errorf("magnitude at t=0 is %v", got)
	}
	got := p.CurrentMagnitude(created.Add(600 * time.Second))
	if math.Abs(got-20) > 1e-9 {
		t.Errorf("magnitude after one half-life = %v, want 20", got)
	}
	got = p.CurrentMagnitude(created.Add(1200 * time.Second))
	if math.Abs(got-10) > 1e-9 {
		t.Errorf("magnitude after two half-lives = %v, want 10", got)
	}
}

func TestCurrentMagnitudeNegative(t *testing.T) {
	created := time.Now().UTC()
	p := Pressure{Magnitude: -80, HalfLifeSeconds: 300, CreatedAt: created}
	got := p.CurrentMagnitude(created.Add(300 * time.Second))
	if math.Abs(got+40) > 1e-9 {
		t.Errorf("decayed negative magnitude = %v, want -40", got)
	}
}

func TestActiveAtExpiryAndCancel(t *testing.T) {
	created := time.Now().UTC()
	p := Pressure{
		Magnitude:       40,
		HalfLifeSeconds: 600,
		CreatedAt:       created,
		ExpiresAt:       created.Add(6000 * time.Second),
	}

	if !p.ActiveAt(created.Add(time.Minute)) {
		t.Error("fresh pressure not active")
	}
	if p.ActiveAt(created.Add(6000 * time.Second)) {
		t.Error("pressure active at its expiry instant")
	}

	cancelled := created.Add(time.Minute)
	p.CancelledAt = &cancelled
	if p.ActiveAt(created.Add(2 * time.Minute)) {
		t.Error("cancelled pressure still active")
	}
}
