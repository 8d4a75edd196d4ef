package agents

import (
	"testing"
	"time"
)

func TestReconcileFloorsProductNotHours(t *testing.T) {
	now := time.Now().UTC()
	c := Capacity{
		Balance:          10,
		MaxBalance:       100,
		RegenPerHour:     4,
		LastReconciledAt: now.Add(-150 * time.Minute), // floor(2.5h * 4) = 10
	}

	got := Reconcile(c, now)
	if got.Balance != 20 {
		t.Errorf("balance = %d, want 20", got.Balance)
	}
	if !got.LastReconciledAt.Equal(now) {
		t.Error("last_reconciled_at not advanced")
	}
}

func TestReconcileFractionalHour(t *testing.T) {
	now := time.Now().UTC()
	c := Capacity{
		Balance:          50,
		MaxBalance:       100,
		RegenPerHour:     10,
		LastReconciledAt: now.Add(-30 * time.Minute),
	}
	if got := Reconcile(c, now); got.Balance != 55 {
		t.Errorf("balance = %d, want 55", got.Balance)
	}
}

func TestReconcileRepeatedTouches(t *testing.T) {
	// Touching the row more often than hourly must not starve regen.
	start := time.Now().UTC()
	c := Capacity{
		Balance:          0,
		MaxBalance:       100,
		RegenPerHour:     10,
		LastReconciledAt: start,
	}
	for i := 1; i <= 4; i++ {
		c = Reconcile(c, start.Add(time.Duration(i)*30*time.Minute))
	}
	if c.Balance != 20 {
		t.Errorf("balance after four half-hour touches = %d, want 20", c.Balance)
	}
}

func TestReconcileClampsToMax(t *testing.T) {
	now := time.Now().UTC()
	c := Capacity{
		Balance:          90,
		MaxBalance:       100,
		RegenPerHour:     50,
		LastReconciledAt: now.Add(-3 * time.Hour),
	}
	if got := Reconcile(c, now); got.Balance != 100 {
		t.Errorf("balance = %d, want clamp to 100", got.Balance)
	}
}

func TestReconcileNoElapsedTime(t *testing.T) {
	now := time.Now().UTC()
	c := Capacity{Balance: 10, MaxBalance: 100, RegenPerHour: 5, LastReconciledAt: now}
	if got := Reconcile(c, now); got.Balance != 10 {
		t.Errorf("balance changed with no elapsed time: %d", got.Balance)
	}
}

func TestReconcileZeroRegen(t *testing.T) {
	now := time.Now().UTC()
	c := Capacity{Balance: 10, MaxBalance: 100, RegenPerHour: 0, LastReconciledAt: now.Add(-24 * time.Hour)}
	if got := Reconcile(c, now); got.Balance != 10 {
		t.Errorf("paused regen still accrued: %d", got.Balance)
	}
}

func TestValidateBias(t *testing.T) {
	if err := ValidateBias(map[string]float64{"explore": 0.5, "retreat": -1}); err != nil {
		t.Errorf("valid bias rejected: %v", err)
	}
	if err := ValidateBias(map[string]float64{"explore": 1.01}); err == nil {
		t.Error("bias above 1 accepted")
	}
	if err := ValidateBias(map[string]float64{"retreat": -1.5}); err == nil {
		t.Error("bias below -1 accepted")
	}
}
