package readapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/lib/pq"

	"github.com/ox/substrate/internal/config"
	"github.com/ox/substrate/internal/events"
	"github.com/ox/substrate/internal/monitoring"
)

// Server mounts the /ox read surface. All queries hit the projection store,
// never the write-side tables.
type Server struct {
	db      *sql.DB
	limiter *Limiter
	bus     *events.Bus
	limits  config.ReadAPIConfig
	logger  *log.Logger
}

func NewServer(db *sql.DB, limiter *Limiter, bus *events.Bus, limits config.ReadAPIConfig) *Server {
	return &Server{
		db:      db,
		limiter: limiter,
		bus:     bus,
		limits:  limits,
		logger:  log.New(log.Writer(), "[READAPI] ", log.LstdFlags),
	}
}

// Mount registers the read endpoints on the router.
func (s *Server) Mount(r *mux.Router) {
	r.HandleFunc("/ox/live", s.gated("/ox/live", RoleViewer, s.limits.LivePerMinute, s.handleLive)).Methods("GET")
	r.HandleFunc("/ox/sessions", s.gated("/ox/sessions", RoleViewer, s.limits.SessionsPerMinute, s.handleSessions)).Methods("GET")
	r.HandleFunc("/ox/artifacts", s.gated("/ox/artifacts", RoleAnalyst, s.limits.ArtifactsPerMinute, s.handleArtifacts)).Methods("GET")
	r.HandleFunc("/ox/observe", s.gated("/ox/observe", RoleAnalyst, s.limits.ObservePerMinute, s.handleObserve)).Methods("GET")
	r.HandleFunc("/ox/agents/{id}/perceived-by", s.gated("/ox/agents/perceived-by", RoleAnalyst, s.limits.ObservePerMinute, s.handlePerceivedBy)).Methods("GET")
	r.HandleFunc("/ox/stream", s.handleStream).Methods("GET")
}

type gatedHandler func(w http.ResponseWriter, r *http.Request, obs Observer) int

// gated wraps a handler with role resolution, rate limiting, and the access
// log write. The handler returns how many rows it served.
func (s *Server) gated(endpoint, minRole string, perMinute int, h gatedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		obs := ResolveObserver(r)
		if !obs.Allows(minRole) {
			s.audit(r.Context(), obs, endpoint, r.URL.RawQuery, 0)
			writeError(w, http.StatusForbidden, "insufficient observer role")
			return
		}
		if !s.limiter.Allow(r.Context(), endpoint, obs.ID, perMinute) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		count := h(w, r, obs)
		monitoring.ObserverReads.WithLabelValues(endpoint, obs.Role).Inc()
		s.audit(r.Context(), obs, endpoint, r.URL.RawQuery, count)
	}
}

// audit writes the access-log row. Never queried on the hot path; a failed
// write is logged, not surfaced.
func (s *Server) audit(ctx context.Context, obs Observer, endpoint, query string, count int) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO observer_access_log (observer_id, observer_role, endpoint, query_params, response_count)
		 VALUES ($1, $2, $3, $4, $5)`,
		obs.ID, obs.Role, endpoint, query, count)
	if err != nil {
		s.logger.Printf("⚠️  Access log write failed: %v", err)
	}
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request, obs Observer) int {
	limit := queryLimit(r, 50, 200)
	rows, err := s.db.QueryContext(r.Context(),
		`SELECT source_event_id, event_type, occurred_at, COALESCE(actor_id, ''), COALESCE(deployment, ''), summary, payload
		 FROM live_events ORDER BY occurred_at DESC LIMIT $1`, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error")
		return 0
	}
	defer rows.Close()

	var out []map[string]interface{}
	for rows.Next() {
		var id, eventType, actor, deployment, summary string
		var occurredAt time.Time
		var payload []byte
		if err := rows.Scan(&id, &eventType, &occurredAt, &actor, &deployment, &summary, &payload); err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error")
			return 0
		}
		entry := map[string]interface{}{
			"event_type":  eventType,
			"occurred_at": occurredAt,
			"summary":     summary,
		}
		if obs.Allows(RoleAnalyst) {
			entry["actor_id"] = actor
			entry["deployment"] = deployment
			var p map[string]interface{}
			if json.Unmarshal(payload, &p) == nil {
				entry["payload"] = filterPayload(p, obs)
			}
		}
		if obs.Allows(RoleAuditor) {
			entry["source_event_id"] = id
		}
		out = append(out, entry)
	}
	writeJSON(w, map[string]interface{}{"events": out, "count": len(out)})
	return len(out)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request, obs Observer) int {
	limit := queryLimit(r, 20, 100)
	rows, err := s.db.QueryContext(r.Context(),
		`SELECT id, deployment, participating_agent_ids, start_ts, end_ts, is_active, derived_topic, event_count
		 FROM sessions ORDER BY last_event_ts DESC LIMIT $1`, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error")
		return 0
	}
	defer rows.Close()

	var out []map[string]interface{}
	for rows.Next() {
		var id, deployment, topic string
		var participants pq.StringArray
		var startTs time.Time
		var endTs sql.NullTime
		var active bool
		var eventCount int64
		if err := rows.Scan(&id, &deployment, &participants, &startTs, &endTs, &active, &topic, &eventCount); err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error")
			return 0
		}
		entry := map[string]interface{}{
			"deployment":    deployment,
			"derived_topic": topic,
			"is_active":     active,
			"start_ts":      startTs,
			"event_count":   eventCount,
			"participants":  len(participants),
		}
		if endTs.Valid {
			entry["end_ts"] = endTs.Time
		}
		if obs.Allows(RoleAnalyst) {
			entry["participating_agent_ids"] = []string(participants)
		}
		if obs.Allows(RoleAuditor) {
			entry["id"] = id
		}
		out = append(out, entry)
	}
	writeJSON(w, map[string]interface{}{"sessions": out, "count": len(out)})
	return len(out)
}

func (s *Server) handleArtifacts(w http.ResponseWriter, r *http.Request, obs Observer) int {
	limit := queryLimit(r, 20, 100)
	rows, err := s.db.QueryContext(r.Context(),
		`SELECT id, source_event_id, artifact_type, agent_id, COALESCE(subject_agent_id, ''), title, content_summary, metadata, created_at
		 FROM artifacts ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error")
		return 0
	}
	defer rows.Close()

	var out []map[string]interface{}
	for rows.Next() {
		var id, sourceID, artifactType, agentID, subject, title, summary string
		var metadata []byte
		var createdAt time.Time
		if err := rows.Scan(&id, &sourceID, &artifactType, &agentID, &subject, &title, &summary, &metadata, &createdAt); err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error")
			return 0
		}
		entry := map[string]interface{}{
			"id":              id,
			"artifact_type":   artifactType,
			"agent_id":        agentID,
			"title":           title,
			"content_summary": summary,
			"created_at":      createdAt,
		}
		if subject != "" {
			entry["subject_agent_id"] = subject
		}
		var m map[string]interface{}
		if json.Unmarshal(metadata, &m) == nil {
			entry["metadata"] = filterPayload(m, obs)
		}
		if obs.Allows(RoleAuditor) {
			entry["source_event_id"] = sourceID
		}
		out = append(out, entry)
	}
	writeJSON(w, map[string]interface{}{"artifacts": out, "count": len(out)})
	return len(out)
}

// handleObserve serves the rolling behavioral observation per agent. The
// response carries as_of so consumers can detect projection staleness.
func (s *Server) handleObserve(w http.ResponseWriter, r *http.Request, obs Observer) int {
	agentID := r.URL.Query().Get("agent_id")
	q := `SELECT agent_id, window_start, window_end, observation, updated_at
	      FROM agent_patterns`
	args := []interface{}{}
	if agentID != "" {
		q += ` WHERE agent_id = $1`
		args = append(args, agentID)
	}
	q += ` ORDER BY updated_at DESC LIMIT 100`

	rows, err := s.db.QueryContext(r.Context(), q, args...)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error")
		return 0
	}
	defer rows.Close()

	var out []map[string]interface{}
	for rows.Next() {
		var id string
		var windowStart, windowEnd, updatedAt time.Time
		var observation []byte
		if err := rows.Scan(&id, &windowStart, &windowEnd, &observation, &updatedAt); err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error")
			return 0
		}
		var o map[string]interface{}
		json.Unmarshal(observation, &o)
		out = append(out, map[string]interface{}{
			"agent_id":     id,
			"window_start": windowStart,
			"window_end":   windowEnd,
			"observation":  o,
			"updated_at":   updatedAt,
		})
	}
	writeJSON(w, map[string]interface{}{
		"patterns": out,
		"count":    len(out),
		"as_of":    time.Now().UTC(),
	})
	return len(out)
}

// handlePerceivedBy lists implications pointing at an agent: who has accused,
// countered, or refused them.
func (s *Server) handlePerceivedBy(w http.ResponseWriter, r *http.Request, obs Observer) int {
	agentID := mux.Vars(r)["id"]
	rows, err := s.db.QueryContext(r.Context(),
		`SELECT source_event_id, artifact_id, issuing_agent_id, implication_type, created_at
		 FROM artifact_implications WHERE subject_agent_id = $1 ORDER BY created_at DESC LIMIT 100`,
		agentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error")
		return 0
	}
	defer rows.Close()

	var out []map[string]interface{}
	for rows.Next() {
		var sourceID, artifactID, issuer, implicationType string
		var createdAt time.Time
		if err := rows.Scan(&sourceID, &artifactID, &issuer, &implicationType, &createdAt); err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error")
			return 0
		}
		entry := map[string]interface{}{
			"issuing_agent_id": issuer,
			"implication_type": implicationType,
			"created_at":       createdAt,
		}
		if obs.Allows(RoleAuditor) {
			entry["artifact_id"] = artifactID
			entry["source_event_id"] = sourceID
		}
		out = append(out, entry)
	}
	writeJSON(w, map[string]interface{}{
		"agent_id":     agentID,
		"implications": out,
		"count":        len(out),
	})
	return len(out)
}

// filterPayload hides sponsor attribution from everyone below auditor.
func filterPayload(p map[string]interface{}, obs Observer) map[string]interface{} {
	if obs.Allows(RoleAuditor) {
		return p
	}
	out := make(map[string]interface{}, len(p))
	for k, v := range p {
		if k == "sponsor_id" || k == "owner_sponsor_id" {
			continue
		}
		out[k] = v
	}
	return out
}

func queryLimit(r *http.Request, def, max int) int {
	limit := def
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > max {
		limit = max
	}
	return limit
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
