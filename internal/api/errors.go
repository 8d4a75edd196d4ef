package api

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"log"
	"net/http"
	"regexp"
)

var pathIDs = regexp.MustCompile(`/[0-9a-fA-F-]{8,}`)

// ErrorInbox aggregates internal errors by fingerprint. Only counters and
// the most recent sample are retained.
type ErrorInbox struct {
	db     *sql.DB
	logger *log.Logger
}

func NewErrorInbox(db *sql.DB) *ErrorInbox {
	return &ErrorInbox{
		db:     db,
		logger: log.New(log.Writer(), "[ERRORS] ", log.LstdFlags),
	}
}

// Record fingerprints the failure as method + normalized path + first 200
// chars of the message and bumps the counter.
func (e *ErrorInbox) Record(ctx context.Context, method, path, message string) {
	if e == nil || e.db == nil {
		return
	}
	sample := message
	if len(sample) > 200 {
		sample = sample[:200]
	}
	normalized := pathIDs.ReplaceAllString(path, "/:id")
	sum := sha256.Sum256([]byte(method + " " + normalized + " " + sample))
	fingerprint := hex.EncodeToString(sum[:16])

	_, err := e.db.ExecContext(ctx,
		`INSERT INTO error_inbox (fingerprint, occurrences, latest_sample, last_seen_at)
		 VALUES ($1, 1, $2, now())
		 ON CONFLICT (fingerprint) DO UPDATE SET
		   occurrences = error_inbox.occurrences + 1,
		   latest_sample = EXCLUDED.latest_sample,
		   last_seen_at = now()`,
		fingerprint, method+" "+normalized+": "+sample)
	if err != nil {
		e.logger.Printf("⚠️  Error inbox write failed: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeRawJSON serves pre-serialized bytes, used for idempotent replays so
// the response stays byte-identical to the first one.
func writeRawJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}
