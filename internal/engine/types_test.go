package engine

import (
	"errors"
	"testing"
)

func TestNormalizeActionType(t *testing.T) {
	cases := map[string]string{
		"  Communicate ": "communicate",
		"CONFLICT":       "conflict",
		"counter_model":  "counter_model",
	}
	for in, want := range cases {
		if got := NormalizeActionType(in); got != want {
			t.Errorf("NormalizeActionType(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestValidateRequestUnknownType(t *testing.T) {
	_, err := ValidateRequest(Request{ActionType: "dance", RequestedCost: 1})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("unknown type error = %v, want ErrInvalidArgument", err)
	}
}

func TestValidateRequestNegativeCost(t *testing.T) {
	_, err := ValidateRequest(Request{ActionType: "communicate", RequestedCost: -1})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("negative cost error = %v, want ErrInvalidArgument", err)
	}
}

func TestValidateRequestNormalizesInPlace(t *testing.T) {
	req, err := ValidateRequest(Request{ActionType: " EXCHANGE ", RequestedCost: 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.ActionType != ActionExchange {
		t.Errorf("action type = %q", req.ActionType)
	}
}

func TestValidateRequestImplicatingNeedsSubject(t *testing.T) {
	for _, action := range []string{ActionCritique, ActionCounterModel, ActionRefusal, ActionRederivation} {
		_, err := ValidateRequest(Request{ActionType: action, RequestedCost: 1})
		if !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("%s without subject: err = %v", action, err)
		}
		_, err = ValidateRequest(Request{ActionType: action, RequestedCost: 1, SubjectAgentID: "other"})
		if err != nil {
			t.Errorf("%s with subject rejected: %v", action, err)
		}
	}
}

func TestIsImplicating(t *testing.T) {
	if IsImplicating(ActionCommunicate) {
		t.Error("communicate marked implicating")
	}
	if !IsImplicating(ActionRederivation) {
		t.Error("rederivation not marked implicating")
	}
}
