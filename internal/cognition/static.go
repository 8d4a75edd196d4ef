package cognition

import (
	"context"
	"encoding/json"
	"time"
)

// StaticProvider prices actions by payload weight with a flat floor. It is
// the default registered provider and the one the tests drive.
type StaticProvider struct {
	ProviderName string
	CostPerKB    int64
	Floor        int64
	Paused       bool
}

func NewStaticProvider(name string) *StaticProvider {
	return &StaticProvider{ProviderName: name, CostPerKB: 2, Floor: 1}
}

func (p *StaticProvider) Name() string { return p.ProviderName }

// EstimateCost is a pure function of the payload: floor + cost-per-KiB of
// its serialized form.
func (p *StaticProvider) EstimateCost(req Request) int64 {
	raw, err := json.Marshal(req.Payload)
	if err != nil {
		return p.Floor
	}
	return p.Floor + int64(len(raw)/1024)*p.CostPerKB
}

func (p *StaticProvider) Execute(ctx context.Context, req Request) (*Result, error) {
	if p.Paused {
		return nil, ErrPaused
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	start := time.Now()
	cost := p.EstimateCost(req)
	return &Result{
		TokensUsed: int(cost * 10),
		ActualCost: cost,
		LatencyMs:  time.Since(start).Milliseconds(),
		Provider:   p.ProviderName,
	}, nil
}
