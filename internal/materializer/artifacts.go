package materializer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/ox/substrate/internal/engine"
	"github.com/ox/substrate/internal/events"
)

// deriveArtifact materializes an artifact row from an accepted action,
// following the action_type + payload-hint table. Non-artifact actions
// (associate, conflict, withdraw) produce nothing.
func (p *Projector) deriveArtifact(ctx context.Context, tx *sql.Tx, env *events.Envelope) error {
	actionType := payloadString(env, "action_type")
	body, _ := env.Payload["body"].(map[string]interface{})

	var artifactType, title, summary string
	switch actionType {
	case engine.ActionCommunicate:
		artifactType = "message"
		title = "Communication"
		summary = clip(bodyString(body, "message"), 200)
	case engine.ActionCreate:
		switch bodyString(body, "type") {
		case "proposal":
			artifactType = "proposal"
			title = bodyString(body, "title")
			summary = clip(bodyString(body, "summary"), 200)
		case "diagram":
			artifactType = "diagram"
			title = bodyString(body, "title")
		case "dataset":
			artifactType = "dataset"
			title = bodyString(body, "title")
		default:
			return nil
		}
	case engine.ActionExchange:
		artifactType = "message"
		title = "Exchange"
		summary = "Exchange between agents"
	case engine.ActionCritique, engine.ActionCounterModel, engine.ActionRefusal, engine.ActionRederivation:
		artifactType = actionType
		title = fixedTitle(actionType)
		summary = clip(bodyString(body, "summary"), 200)
		if summary == "" {
			summary = clip(bodyString(body, "reason"), 200)
		}
	default:
		return nil
	}
	if title == "" {
		title = artifactType
	}

	metadata, _ := json.Marshal(map[string]interface{}{
		"action_type":       actionType,
		"deployment_target": payloadString(env, "deployment_target"),
		"correlation_id":    env.CorrelationID,
	})

	var subject interface{}
	if s := payloadString(env, "subject_agent_id"); s != "" {
		subject = s
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO artifacts (id, source_event_id, artifact_type, agent_id, subject_agent_id, title, content_summary, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (source_event_id) DO NOTHING`,
		uuid.NewString(), env.EventID, artifactType, env.ActorID, subject,
		title, summary, metadata, env.OccurredAt)
	if err != nil {
		return fmt.Errorf("derive artifact: %w", err)
	}
	return nil
}

func fixedTitle(actionType string) string {
	switch actionType {
	case engine.ActionCritique:
		return "Critique"
	case engine.ActionCounterModel:
		return "Counter-model"
	case engine.ActionRefusal:
		return "Refusal"
	case engine.ActionRederivation:
		return "Rederivation"
	}
	return actionType
}

func bodyString(body map[string]interface{}, key string) string {
	if body == nil {
		return ""
	}
	if v, ok := body[key].(string); ok {
		return v
	}
	return ""
}

// clip truncates to at most n bytes without splitting a UTF-8 rune.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
