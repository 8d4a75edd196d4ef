package sponsor

import (
	"math"
	"testing"
	"time"
)

func pressureAt(id, ptype string, magnitude float64, created time.Time) Pressure {
	return Pressure{
		ID:              id,
		Type:            ptype,
		Magnitude:       magnitude,
		HalfLifeSeconds: 3600,
		CreatedAt:       created,
		ExpiresAt:       created.Add(36000 * time.Second),
	}
}

func TestComposeSumsPerType(t *testing.T) {
	now := time.Now().UTC()
	braid, interferences := Compose([]Pressure{
		pressureAt("p1", PressureCapacity, 30, now),
		pressureAt("p2", PressureCapacity, 20, now),
		pressureAt("p3", PressureThrottle, -10, now),
	}, now)

	if math.Abs(braid.Capacity-50) > 1e-9 {
		t.Errorf("capacity = %v, want 50", braid.Capacity)
	}
	if math.Abs(braid.Throttle+10) > 1e-9 {
		t.Errorf("throttle = %v, want -10", braid.Throttle)
	}
	if len(interferences) != 0 {
		t.Errorf("same-sign pressures interfered: %+v", interferences)
	}
}

func TestComposeOppositeSignInterference(t *testing.T) {
	now := time.Now().UTC()
	braid, interferences := Compose([]Pressure{
		pressureAt("a", PressureCapacity, 50, now),
		pressureAt("b", PressureCapacity, -40, now),
	}, now)

	if len(interferences) != 1 {
		t.Fatalf("interference count = %d, want 1", len(interferences))
	}
	inf := interferences[0]
	wantProb := 50.0 * 40.0 / 10000.0 // 0.2
	if math.Abs(inf.Probability-wantProb) > 1e-9 {
		t.Errorf("probability = %v, want %v", inf.Probability, wantProb)
	}
	// Both members scaled by 1-p before the sum: (50-40)*0.8 = 8.
	if math.Abs(braid.Capacity-8) > 1e-9 {
		t.Errorf("capacity = %v, want 8", braid.Capacity)
	}
}

func TestComposeProbabilityClamped(t *testing.T) {
	now := time.Now().UTC()
	_, interferences := Compose([]Pressure{
		pressureAt("a", PressureCognition, 100, now),
		pressureAt("b", PressureCognition, -100, now),
	}, now)
	if len(interferences) != 1 {
		t.Fatalf("interference count = %d", len(interferences))
	}
	if interferences[0].Probability != 1 {
		t.Errorf("probability = %v, want clamp to 1", interferences[0].Probability)
	}
}

func TestComposeSkipsInactive(t *testing.T) {
	now := time.Now().UTC()
	expired := pressureAt("old", PressureCapacity, 30, now.Add(-20*time.Hour))
	expired.ExpiresAt = now.Add(-time.Hour)

	braid, _ := Compose([]Pressure{expired}, now)
	if braid.Capacity != 0 {
		t.Errorf("expired pressure contributed %v", braid.Capacity)
	}
}

func TestComposeDecaysBeforeSumming(t *testing.T) {
	now := time.Now().UTC()
	p := pressureAt("d", PressureRedeployBias, 40, now.Add(-3600*time.Second))
	braid, _ := Compose([]Pressure{p}, now)
	if math.Abs(braid.RedeployBias-20) > 1e-6 {
		t.Errorf("redeploy_bias = %v, want 20 after one half-life", braid.RedeployBias)
	}
}
