package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"math/rand"
	"time"

	"github.com/ox/substrate/internal/database"
	"github.com/ox/substrate/internal/events"
	"github.com/ox/substrate/internal/monitoring"
)

const baseBackoff = 5 * time.Second

// Dispatcher drains pending outbox rows on a fixed cadence. Rows are deleted
// on successful publish and rescheduled with capped exponential backoff
// otherwise. Safe to run on every replica: claims use SKIP LOCKED.
type Dispatcher struct {
	db         *sql.DB
	pub        events.Publisher
	interval   time.Duration
	maxBackoff time.Duration
	batchSize  int
	logger     *log.Logger
}

func NewDispatcher(db *sql.DB, pub events.Publisher, interval, maxBackoff time.Duration, batchSize int) *Dispatcher {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if maxBackoff <= 0 {
		maxBackoff = 10 * time.Minute
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Dispatcher{
		db:         db,
		pub:        pub,
		interval:   interval,
		maxBackoff: maxBackoff,
		batchSize:  batchSize,
		logger:     log.New(log.Writer(), "[OUTBOX] ", log.LstdFlags),
	}
}

// Run ticks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.logger.Printf("dispatcher started (interval=%s, max_backoff=%s)", d.interval, d.maxBackoff)
	for {
		select {
		case <-ticker.C:
			published, failed, err := d.Tick(ctx)
			if err != nil {
				d.logger.Printf("❌ tick failed: %v", err)
			} else if published > 0 || failed > 0 {
				d.logger.Printf("tick: published=%d failed=%d", published, failed)
			}
		case <-ctx.Done():
			d.logger.Println("dispatcher stopped")
			return
		}
	}
}

type row struct {
	eventID  string
	topic    string
	payload  []byte
	attempts int
}

// Tick drains one batch of due rows. Exported so tests and cmd/migrate-style
// tools can drive it directly.
func (d *Dispatcher) Tick(ctx context.Context) (published, failed int, err error) {
	err = database.WithTx(ctx, d.db, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT event_id, topic, payload, attempts FROM outbox
			 WHERE next_attempt_at <= now()
			 ORDER BY next_attempt_at
			 LIMIT $1
			 FOR UPDATE SKIP LOCKED`, d.batchSize)
		if err != nil {
			return err
		}

		var batch []row
		for rows.Next() {
			var r row
			if err := rows.Scan(&r.eventID, &r.topic, &r.payload, &r.attempts); err != nil {
				rows.Close()
				return err
			}
			batch = append(batch, r)
		}
		if err := rows.Close(); err != nil {
			return err
		}

		for _, r := range batch {
			var env events.Envelope
			if err := json.Unmarshal(r.payload, &env); err != nil {
				// Unparseable row: park it permanently via max backoff.
				d.reschedule(ctx, tx, r, err)
				failed++
				continue
			}

			if err := d.pub.Publish(ctx, r.topic, &env); err != nil {
				d.reschedule(ctx, tx, r, err)
				failed++
				monitoring.OutboxFailures.Inc()
				continue
			}

			if _, err := tx.ExecContext(ctx, `DELETE FROM outbox WHERE event_id = $1`, r.eventID); err != nil {
				return err
			}
			published++
			monitoring.OutboxPublished.Inc()
		}
		return nil
	})
	return published, failed, err
}

func (d *Dispatcher) reschedule(ctx context.Context, tx *sql.Tx, r row, cause error) {
	delay := Backoff(r.attempts+1, d.maxBackoff)
	msg := cause.Error()
	if len(msg) > 500 {
		msg = msg[:500]
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE outbox
		 SET attempts = attempts + 1, next_attempt_at = now() + $2 * interval '1 millisecond', last_error = $3
		 WHERE event_id = $1`,
		r.eventID, delay.Milliseconds(), msg); err != nil {
		d.logger.Printf("❌ reschedule %s: %v", r.eventID, err)
	}
}

// Backoff returns the capped exponential delay for the nth attempt with
// ±20% jitter.
func Backoff(attempts int, max time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := baseBackoff << uint(attempts-1)
	if delay > max || delay <= 0 {
		delay = max
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/5+1)) - delay/10
	delay += jitter
	if delay > max {
		delay = max
	}
	if delay < time.Second {
		delay = time.Second
	}
	return delay
}
