package database

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema is applied by cmd/migrate and by EnsureSchema in tests. Every
// statement is idempotent so replicas can race on startup.
var coreSchema = []string{
	`CREATE TABLE IF NOT EXISTS agents (
		agent_id           TEXT PRIMARY KEY,
		status             TEXT NOT NULL DEFAULT 'active',
		deployment_target  TEXT NOT NULL,
		sponsor_id         TEXT,
		cognition_provider TEXT NOT NULL DEFAULT 'none',
		throttle_profile   TEXT NOT NULL DEFAULT 'normal',
		created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
		archived_at        TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS agent_capacity (
		agent_id           TEXT PRIMARY KEY REFERENCES agents(agent_id),
		balance            BIGINT NOT NULL CHECK (balance >= 0),
		max_balance        BIGINT NOT NULL,
		regen_per_hour     BIGINT NOT NULL DEFAULT 0,
		last_reconciled_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS agent_configs (
		agent_id        TEXT PRIMARY KEY REFERENCES agents(agent_id),
		version         BIGINT NOT NULL DEFAULT 1,
		bias            JSONB NOT NULL DEFAULT '{}',
		throttle_config JSONB NOT NULL DEFAULT '{}',
		cognition_config JSONB NOT NULL DEFAULT '{}',
		portable_config JSONB NOT NULL DEFAULT '{}',
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS idempotency_keys (
		idempotency_key TEXT PRIMARY KEY,
		fingerprint     TEXT NOT NULL DEFAULT '',
		status          TEXT NOT NULL DEFAULT 'pending',
		response        BYTEA,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		seq             BIGSERIAL PRIMARY KEY,
		event_id        TEXT NOT NULL UNIQUE,
		event_type      TEXT NOT NULL,
		occurred_at     TIMESTAMPTZ NOT NULL,
		actor_id        TEXT,
		correlation_id  TEXT,
		idempotency_key TEXT,
		payload         JSONB NOT NULL DEFAULT '{}',
		context         JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_occurred_at ON events (occurred_at)`,
	`CREATE INDEX IF NOT EXISTS idx_events_actor ON events (actor_id, occurred_at)`,
	`CREATE TABLE IF NOT EXISTS outbox (
		event_id        TEXT PRIMARY KEY REFERENCES events(event_id),
		topic           TEXT NOT NULL,
		payload         BYTEA NOT NULL,
		attempts        INT NOT NULL DEFAULT 0,
		next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_error      TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_next_attempt ON outbox (next_attempt_at)`,
	`CREATE TABLE IF NOT EXISTS action_log (
		id              BIGSERIAL PRIMARY KEY,
		agent_id        TEXT NOT NULL,
		action_type     TEXT NOT NULL,
		cost            BIGINT NOT NULL DEFAULT 0,
		accepted        BOOLEAN NOT NULL,
		reason          TEXT,
		idempotency_key TEXT,
		event_id        TEXT,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_action_log_idem
		ON action_log (idempotency_key) WHERE idempotency_key IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS sponsor_wallets (
		sponsor_id TEXT PRIMARY KEY,
		balance    BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0)
	)`,
	`CREATE TABLE IF NOT EXISTS agent_credit_balances (
		agent_id TEXT PRIMARY KEY,
		balance  BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0)
	)`,
	`CREATE TABLE IF NOT EXISTS credit_transactions (
		id              BIGSERIAL PRIMARY KEY,
		sponsor_id      TEXT,
		agent_id        TEXT,
		tx_type         TEXT NOT NULL,
		amount          BIGINT NOT NULL,
		idempotency_key TEXT,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS pressures (
		id                TEXT PRIMARY KEY,
		sponsor_id        TEXT NOT NULL,
		target_deployment TEXT NOT NULL,
		target_agent_id   TEXT,
		pressure_type     TEXT NOT NULL,
		magnitude         DOUBLE PRECISION NOT NULL,
		half_life_seconds BIGINT NOT NULL,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
		expires_at        TIMESTAMPTZ NOT NULL,
		cancelled_at      TIMESTAMPTZ,
		credit_cost       BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pressures_deployment
		ON pressures (target_deployment, expires_at)`,
	`CREATE TABLE IF NOT EXISTS pressure_interference (
		id           BIGSERIAL PRIMARY KEY,
		tick_id      TEXT NOT NULL,
		deployment   TEXT NOT NULL,
		pressure_a   TEXT NOT NULL,
		pressure_b   TEXT NOT NULL,
		probability  DOUBLE PRECISION NOT NULL,
		reduction    DOUBLE PRECISION NOT NULL,
		recorded_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_interference_tick_pair
		ON pressure_interference (tick_id, deployment, pressure_a, pressure_b)`,
	`CREATE TABLE IF NOT EXISTS physics_ticks (
		tick_id    TEXT NOT NULL,
		deployment TEXT NOT NULL,
		ticked_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (tick_id, deployment)
	)`,
	`CREATE TABLE IF NOT EXISTS sponsor_policies (
		id              TEXT PRIMARY KEY,
		sponsor_id      TEXT NOT NULL,
		policy_type     TEXT NOT NULL,
		rules           JSONB NOT NULL DEFAULT '[]',
		cadence_seconds BIGINT NOT NULL CHECK (cadence_seconds >= 60),
		active          BOOLEAN NOT NULL DEFAULT true,
		last_run_at     TIMESTAMPTZ,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS policy_runs (
		policy_id  TEXT NOT NULL,
		tick_id    TEXT NOT NULL,
		agent_id   TEXT NOT NULL,
		outcome    TEXT NOT NULL,
		reason     TEXT,
		applied    BOOLEAN NOT NULL DEFAULT false,
		diff       JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (policy_id, tick_id, agent_id)
	)`,
	`CREATE TABLE IF NOT EXISTS environment_states (
		deployment_target          TEXT PRIMARY KEY,
		cognition_availability     TEXT NOT NULL DEFAULT 'full',
		max_throughput_per_minute  INT,
		throttle_factor            DOUBLE PRECISION NOT NULL DEFAULT 1.0,
		active_window_start        TIMESTAMPTZ,
		active_window_end          TIMESTAMPTZ,
		reason                     TEXT,
		imposed_at                 TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS deployment_throughput (
		deployment_target TEXT NOT NULL,
		minute_bucket     TIMESTAMPTZ NOT NULL,
		action_count      BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (deployment_target, minute_bucket)
	)`,
	`CREATE TABLE IF NOT EXISTS localities (
		id                 TEXT PRIMARY KEY,
		deployment_target  TEXT NOT NULL,
		name               TEXT NOT NULL,
		density            DOUBLE PRECISION NOT NULL DEFAULT 0,
		interference_density DOUBLE PRECISION NOT NULL DEFAULT 0,
		visibility_radius  DOUBLE PRECISION NOT NULL DEFAULT 0,
		evidence_half_life BIGINT NOT NULL DEFAULT 3600,
		active             BOOLEAN NOT NULL DEFAULT true
	)`,
	`CREATE TABLE IF NOT EXISTS locality_memberships (
		agent_id    TEXT NOT NULL,
		locality_id TEXT NOT NULL REFERENCES localities(id),
		weight      DOUBLE PRECISION NOT NULL DEFAULT 1.0,
		PRIMARY KEY (agent_id, locality_id)
	)`,
}

var projectionSchema = []string{
	`CREATE TABLE IF NOT EXISTS live_events (
		source_event_id TEXT PRIMARY KEY,
		event_type      TEXT NOT NULL,
		occurred_at     TIMESTAMPTZ NOT NULL,
		actor_id        TEXT,
		deployment      TEXT,
		summary         TEXT NOT NULL,
		payload         JSONB NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_live_events_occurred ON live_events (occurred_at DESC)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id                      TEXT PRIMARY KEY,
		deployment              TEXT NOT NULL,
		participating_agent_ids TEXT[] NOT NULL,
		start_ts                TIMESTAMPTZ NOT NULL,
		end_ts                  TIMESTAMPTZ,
		last_event_ts           TIMESTAMPTZ NOT NULL,
		is_active               BOOLEAN NOT NULL DEFAULT true,
		derived_topic           TEXT NOT NULL DEFAULT 'general_activity',
		action_counts           JSONB NOT NULL DEFAULT '{}',
		event_count             BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_active ON sessions (deployment, is_active, last_event_ts)`,
	`CREATE TABLE IF NOT EXISTS session_events (
		source_event_id TEXT PRIMARY KEY,
		session_id      TEXT NOT NULL REFERENCES sessions(id),
		agent_id        TEXT NOT NULL,
		action_type     TEXT NOT NULL,
		ts              TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS agent_patterns (
		agent_id     TEXT NOT NULL,
		window_start TIMESTAMPTZ NOT NULL,
		window_end   TIMESTAMPTZ NOT NULL,
		observation  JSONB NOT NULL DEFAULT '{}',
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (agent_id, window_start)
	)`,
	`CREATE TABLE IF NOT EXISTS artifacts (
		id               TEXT PRIMARY KEY,
		source_event_id  TEXT NOT NULL UNIQUE,
		artifact_type    TEXT NOT NULL,
		agent_id         TEXT NOT NULL,
		subject_agent_id TEXT,
		title            TEXT NOT NULL,
		content_summary  TEXT NOT NULL,
		metadata         JSONB NOT NULL DEFAULT '{}',
		created_at       TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS artifact_implications (
		source_event_id  TEXT PRIMARY KEY,
		artifact_id      TEXT NOT NULL,
		issuing_agent_id TEXT NOT NULL,
		subject_agent_id TEXT NOT NULL,
		implication_type TEXT NOT NULL,
		created_at       TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_implications_subject
		ON artifact_implications (subject_agent_id)`,
	`CREATE TABLE IF NOT EXISTS capacity_timeline (
		source_event_id TEXT PRIMARY KEY,
		agent_id        TEXT NOT NULL,
		ts              TIMESTAMPTZ NOT NULL,
		balance_before  BIGINT NOT NULL,
		balance_after   BIGINT NOT NULL,
		cost_breakdown  JSONB NOT NULL DEFAULT '{}'
	)`,
	`CREATE TABLE IF NOT EXISTS environment_history (
		source_event_id   TEXT PRIMARY KEY,
		deployment_target TEXT NOT NULL,
		change_type       TEXT NOT NULL,
		state             JSONB NOT NULL DEFAULT '{}',
		ts                TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS environment_rejections (
		source_event_id   TEXT PRIMARY KEY,
		deployment_target TEXT NOT NULL,
		agent_id          TEXT NOT NULL,
		reason            TEXT NOT NULL,
		ts                TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS narrative_frames (
		source_event_id TEXT PRIMARY KEY,
		session_id      TEXT NOT NULL,
		deployment      TEXT NOT NULL,
		topic           TEXT NOT NULL,
		participants    TEXT[] NOT NULL,
		event_count     BIGINT NOT NULL,
		span_seconds    BIGINT NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS observer_access_log (
		id             BIGSERIAL PRIMARY KEY,
		observer_id    TEXT NOT NULL,
		observer_role  TEXT NOT NULL,
		endpoint       TEXT NOT NULL,
		query_params   TEXT,
		response_count INT NOT NULL DEFAULT 0,
		accessed_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS error_inbox (
		fingerprint   TEXT PRIMARY KEY,
		occurrences   BIGINT NOT NULL DEFAULT 1,
		latest_sample TEXT NOT NULL,
		last_seen_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS dead_letters (
		event_id    TEXT PRIMARY KEY,
		event_type  TEXT NOT NULL,
		payload     BYTEA NOT NULL,
		attempts    INT NOT NULL,
		last_error  TEXT,
		parked_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// EnsureSchema applies the write-path DDL to the named handle.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	return apply(ctx, db, coreSchema)
}

// EnsureProjectionSchema applies the read-model DDL.
func EnsureProjectionSchema(ctx context.Context, db *sql.DB) error {
	return apply(ctx, db, projectionSchema)
}

func apply(ctx context.Context, db *sql.DB, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
