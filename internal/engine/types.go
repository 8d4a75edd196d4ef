package engine

import (
	"errors"
	"strings"

	"github.com/ox/substrate/internal/cognition"
	"github.com/ox/substrate/internal/events"
)

// Validated action types.
const (
	ActionCommunicate  = "communicate"
	ActionAssociate    = "associate"
	ActionCreate       = "create"
	ActionExchange     = "exchange"
	ActionConflict     = "conflict"
	ActionWithdraw     = "withdraw"
	ActionCritique     = "critique"
	ActionCounterModel = "counter_model"
	ActionRefusal      = "refusal"
	ActionRederivation = "rederivation"
)

var validActions = map[string]bool{
	ActionCommunicate:  true,
	ActionAssociate:    true,
	ActionCreate:       true,
	ActionExchange:     true,
	ActionConflict:     true,
	ActionWithdraw:     true,
	ActionCritique:     true,
	ActionCounterModel: true,
	ActionRefusal:      true,
	ActionRederivation: true,
}

// Implicating actions name a second agent and emit an artifact implication
// linking issuer to subject.
var implicatingActions = map[string]bool{
	ActionCritique:     true,
	ActionCounterModel: true,
	ActionRefusal:      true,
	ActionRederivation: true,
}

// Rejection reasons owned by the engine (environment reasons live in the
// environment package).
const (
	ReasonThrottlePaused       = "throttle_paused"
	ReasonInsufficientCapacity = "insufficient_capacity"
	ReasonCognitionPaused      = "cognition_paused"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrUnavailable     = errors.New("agent unavailable")
)

// Request is the admission body for POST /agents/{id}/attempt.
type Request struct {
	ActionType     string                 `json:"action_type"`
	RequestedCost  int64                  `json:"requested_cost"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
	SubjectAgentID string                 `json:"subject_agent_id,omitempty"`
}

// Result is the admission response. Capacity and environment refusals are a
// normal part of the economy: they come back 200 with Accepted=false.
type Result struct {
	Accepted              bool              `json:"accepted"`
	Reason                string            `json:"reason,omitempty"`
	Idempotent            bool              `json:"idempotent,omitempty"`
	EnvironmentConstraint bool              `json:"environment_constraint,omitempty"`
	RemainingBalance      int64             `json:"remaining_balance"`
	Event                 *events.Envelope  `json:"event,omitempty"`
	Cognition             *cognition.Result `json:"cognition,omitempty"`
}

// NormalizeActionType lowercases and trims before validation.
func NormalizeActionType(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// ValidateRequest checks type and cost shape. The returned request has a
// normalized action type.
func ValidateRequest(req Request) (Request, error) {
	req.ActionType = NormalizeActionType(req.ActionType)
	if !validActions[req.ActionType] {
		return req, errInvalid("invalid_action_type")
	}
	if req.RequestedCost < 0 {
		return req, errInvalid("requested_cost must be a non-negative number")
	}
	if implicatingActions[req.ActionType] && req.SubjectAgentID == "" {
		return req, errInvalid("subject_agent_id is required for implicating actions")
	}
	return req, nil
}

// IsImplicating reports whether the (normalized) type names a subject agent.
func IsImplicating(actionType string) bool {
	return implicatingActions[actionType]
}

func errInvalid(msg string) error {
	return &invalidError{msg: msg}
}

type invalidError struct{ msg string }

func (e *invalidError) Error() string { return e.msg }

func (e *invalidError) Is(target error) bool { return target == ErrInvalidArgument }
