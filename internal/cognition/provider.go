// Package cognition abstracts the model provider that prices and executes
// the thinking half of an agent action. The substrate never does inference
// itself; it only couples the provider's reported cost to capacity.
package cognition

import (
	"context"
	"errors"
	"sync"
)

// ErrPaused signals that the provider refuses work right now. The engine
// flips the attempt to rejected without deducting capacity.
var ErrPaused = errors.New("cognition provider paused")

// None is the sentinel provider name that short-circuits both operations.
const None = "none"

// Request carries what the provider needs to price or run a single action.
type Request struct {
	AgentID     string
	ActionType  string
	Payload     map[string]interface{}
	BiasProfile map[string]float64
}

// Result is the provider's account of an executed action.
type Result struct {
	TokensUsed int    `json:"tokens_used"`
	ActualCost int64  `json:"actual_cost"`
	LatencyMs  int64  `json:"latency_ms"`
	Provider   string `json:"provider"`
}

// Provider estimates cost as a pure function of the request and executes
// the action within a bounded deadline. Implementations must not retry.
type Provider interface {
	Name() string
	EstimateCost(req Request) int64
	Execute(ctx context.Context, req Request) (*Result, error)
}

// Registry maps provider name -> implementation, per process. Read-mostly.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Lookup returns (nil, false) for the none sentinel and unknown names; the
// engine treats both as "no cognition".
func (r *Registry) Lookup(name string) (Provider, bool) {
	if name == "" || name == None {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}
