package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event type taxonomy. Consumers rely on the accepted/rejected split being
// encoded in the type, not just the payload.
const (
	TypeActionAccepted       = "agent.action_accepted"
	TypeActionRejected       = "agent.action_rejected"
	TypeActionRejectedEnv    = "agent.action_rejected.environment"
	TypeArtifactIssued       = "ox.artifact.issued"
	TypeArtifactImplicates   = "ox.artifact.implicates_agent"
	TypePressureIssued       = "sponsor.pressure_issued"
	TypePolicyApplied        = "agent.sponsor_policy_applied"
	TypePolicySkipped        = "agent.sponsor_policy_skipped"
	TypeEnvironmentChanged   = "environment.state_changed"
	TypeEnvironmentRemoved   = "environment.state_removed"
	TypePhysicsBraid         = "ox.physics.braid_computed"
	TypePhysicsInterference  = "ox.physics.interference_recorded"
)

// MaxPayloadBytes is the hard cap on a serialized payload. Oversize payloads
// are truncated so a single action cannot become a self-DoS vector.
const MaxPayloadBytes = 16 * 1024

// TruncationMarker trails every truncated payload.
const TruncationMarker = "...[TRUNCATED]"

// Envelope is the wire shape for every event on the agent and physics topics.
type Envelope struct {
	EventID         string                 `json:"event_id"`
	EventType       string                 `json:"event_type"`
	OccurredAt      time.Time              `json:"occurred_at"`
	ActorID         string                 `json:"actor_id,omitempty"`
	ActorGeneration int                    `json:"actor_generation,omitempty"`
	CorrelationID   string                 `json:"correlation_id,omitempty"`
	IdempotencyKey  string                 `json:"idempotency_key,omitempty"`
	Payload         map[string]interface{} `json:"payload"`
	Context         map[string]interface{} `json:"context,omitempty"`
}

// Meta carries the correlation fields stamped onto a built envelope.
type Meta struct {
	ActorID        string
	CorrelationID  string
	IdempotencyKey string
	Context        map[string]interface{}
}

// Build mints an envelope with a fresh 128-bit id and the current UTC
// instant. The payload is truncated to MaxPayloadBytes before it is attached.
func Build(eventType string, payload map[string]interface{}, meta Meta) *Envelope {
	return &Envelope{
		EventID:        uuid.NewString(),
		EventType:      eventType,
		OccurredAt:     time.Now().UTC(),
		ActorID:        meta.ActorID,
		CorrelationID:  meta.CorrelationID,
		IdempotencyKey: meta.IdempotencyKey,
		Payload:        TruncatePayload(payload),
		Context:        meta.Context,
	}
}

// JSON serializes the envelope.
func (e *Envelope) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// TruncatePayload enforces the 16 KiB cap. A payload of exactly the cap
// passes untouched; one byte over is replaced with a tagged prefix carrying
// the truncation marker.
func TruncatePayload(payload map[string]interface{}) map[string]interface{} {
	if payload == nil {
		return map[string]interface{}{}
	}

	raw, err := json.Marshal(payload)
	if err != nil || len(raw) <= MaxPayloadBytes {
		return payload
	}

	keep := MaxPayloadBytes - len(TruncationMarker)
	return map[string]interface{}{
		"truncated": true,
		"raw":       string(raw[:keep]) + TruncationMarker,
	}
}
