package sponsor

import (
	"errors"
	"fmt"
	"time"
)

// Predicate operators.
const (
	OpEq    = "eq"
	OpNeq   = "neq"
	OpGt    = "gt"
	OpGte   = "gte"
	OpLt    = "lt"
	OpLte   = "lte"
	OpIn    = "in"
	OpNotIn = "not_in"
)

var ErrPolicyNotFound = errors.New("policy not found")

// Policy actions.
const (
	ActionAllocateDelta = "allocate_delta"
	ActionSetProvider   = "set_provider"
	ActionSetProfile    = "set_profile"
	ActionRedeploy      = "redeploy"
)

// Predicate compares a dotted field path in the evaluation context against
// a literal.
type Predicate struct {
	Field string      `json:"field"`
	Op    string      `json:"op"`
	Value interface{} `json:"value"`
}

// PolicyAction is what the first matching rule applies.
type PolicyAction struct {
	Type     string `json:"type"`
	Amount   int64  `json:"amount,omitempty"`
	Provider string `json:"provider,omitempty"`
	Profile  string `json:"profile,omitempty"`
	Target   string `json:"target,omitempty"`
}

// Rule pairs predicates (AND-ed) with an action.
type Rule struct {
	Predicates []Predicate  `json:"predicates"`
	Action     PolicyAction `json:"action"`
}

// Policy is a sponsor's standing instruction, swept on its cadence.
type Policy struct {
	ID             string     `json:"id"`
	SponsorID      string     `json:"sponsor_id"`
	Type           string     `json:"type"`
	Rules          []Rule     `json:"rules"`
	CadenceSeconds int64      `json:"cadence_seconds"`
	Active         bool       `json:"active"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
}

// EvalContext is the flattened {agent, env} view a policy sees. Fields:
// agent.status, agent.balance, agent.provider, agent.profile,
// env.cognition_availability, env.throttle_factor.
type EvalContext map[string]interface{}

// Match evaluates the rule list in order and returns the first rule whose
// predicates all hold, or (nil, -1).
func Match(rules []Rule, ctx EvalContext) (*Rule, int) {
	for i := range rules {
		if matchesAll(rules[i].Predicates, ctx) {
			return &rules[i], i
		}
	}
	return nil, -1
}

func matchesAll(preds []Predicate, ctx EvalContext) bool {
	for _, p := range preds {
		if !Evaluate(p, ctx) {
			return false
		}
	}
	return true
}

// Evaluate applies one predicate. Unknown fields never match; numeric
// comparisons coerce both sides to float64.
func Evaluate(p Predicate, ctx EvalContext) bool {
	actual, ok := ctx[p.Field]
	if !ok {
		return false
	}

	switch p.Op {
	case OpEq:
		return equal(actual, p.Value)
	case OpNeq:
		return !equal(actual, p.Value)
	case OpGt, OpGte, OpLt, OpLte:
		a, aok := toFloat(actual)
		b, bok := toFloat(p.Value)
		if !aok || !bok {
			return false
		}
		switch p.Op {
		case OpGt:
			return a > b
		case OpGte:
			return a >= b
		case OpLt:
			return a < b
		default:
			return a <= b
		}
	case OpIn, OpNotIn:
		list, ok := p.Value.([]interface{})
		if !ok {
			return false
		}
		found := false
		for _, v := range list {
			if equal(actual, v) {
				found = true
				break
			}
		}
		if p.Op == OpIn {
			return found
		}
		return !found
	}
	return false
}

func equal(a, b interface{}) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}
