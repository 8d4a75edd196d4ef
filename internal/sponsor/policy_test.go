package sponsor

import "testing"

func evalCtx() EvalContext {
	return EvalContext{
		"agent.status":               "active",
		"agent.balance":              int64(42),
		"agent.provider":             "static",
		"agent.profile":              "normal",
		"env.cognition_availability": "full",
		"env.throttle_factor":        0.5,
	}
}

func TestEvaluateComparisons(t *testing.T) {
	ctx := evalCtx()
	cases := []struct {
		pred Predicate
		want bool
	}{
		{Predicate{"agent.status", OpEq, "active"}, true},
		{Predicate{"agent.status", OpNeq, "archived"}, true},
		{Predicate{"agent.balance", OpGt, 40}, true},
		{Predicate{"agent.balance", OpGt, 42}, false},
		{Predicate{"agent.balance", OpGte, 42}, true},
		{Predicate{"agent.balance", OpLt, 100}, true},
		{Predicate{"agent.balance", OpLte, 41}, false},
		{Predicate{"env.throttle_factor", OpLt, 0.6}, true},
		{Predicate{"agent.balance", OpEq, float64(42)}, true},
	}
	for _, c := range cases {
		if got := Evaluate(c.pred, ctx); got != c.want {
			t.Errorf("Evaluate(%+v) = %v, want %v", c.pred, got, c.want)
		}
	}
}

func TestEvaluateInOperators(t *testing.T) {
	ctx := evalCtx()
	in := Predicate{"agent.profile", OpIn, []interface{}{"normal", "conservative"}}
	if !Evaluate(in, ctx) {
		t.Error("in did not match listed value")
	}
	notIn := Predicate{"agent.profile", OpNotIn, []interface{}{"aggressive", "paused"}}
	if !Evaluate(notIn, ctx) {
		t.Error("not_in rejected an absent value")
	}
	notIn.Value = []interface{}{"normal"}
	if Evaluate(notIn, ctx) {
		t.Error("not_in matched a listed value")
	}
}

func TestEvaluateUnknownFieldNeverMatches(t *testing.T) {
	ctx := evalCtx()
	for _, op := range []string{OpEq, OpNeq, OpGt, OpIn, OpNotIn} {
		if Evaluate(Predicate{"agent.nonexistent", op, "x"}, ctx) {
			t.Errorf("unknown field matched with op %s", op)
		}
	}
}

func TestMatchFirstRuleWins(t *testing.T) {
	rules := []Rule{
		{
			Predicates: []Predicate{{"agent.balance", OpLt, 10}},
			Action:     PolicyAction{Type: ActionAllocateDelta, Amount: 100},
		},
		{
			Predicates: []Predicate{{"agent.status", OpEq, "active"}},
			Action:     PolicyAction{Type: ActionSetProfile, Profile: "conservative"},
		},
		{
			Predicates: []Predicate{{"agent.status", OpEq, "active"}},
			Action:     PolicyAction{Type: ActionRedeploy, Target: "elsewhere"},
		},
	}

	rule, idx := Match(rules, evalCtx())
	if rule == nil || idx != 1 {
		t.Fatalf("matched rule %d, want 1", idx)
	}
	if rule.Action.Type != ActionSetProfile {
		t.Errorf("action = %s", rule.Action.Type)
	}
}

func TestMatchAllPredicatesAnded(t *testing.T) {
	rules := []Rule{{
		Predicates: []Predicate{
			{"agent.status", OpEq, "active"},
			{"agent.balance", OpGt, 100},
		},
		Action: PolicyAction{Type: ActionAllocateDelta, Amount: 5},
	}}
	if rule, _ := Match(rules, evalCtx()); rule != nil {
		t.Error("rule matched with one failing predicate")
	}
}

func TestMatchNoRules(t *testing.T) {
	if rule, idx := Match(nil, evalCtx()); rule != nil || idx != -1 {
		t.Errorf("empty rules matched: %v, %d", rule, idx)
	}
}
