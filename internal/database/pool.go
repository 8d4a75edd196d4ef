package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/lib/pq" // Postgres driver
)

// Handles yields per-logical-database connections keyed by a short name
// ("core", "projections"). Both names may resolve to the same physical
// database; callers never see the DSN.
type Handles struct {
	mu   sync.Mutex
	dsns map[string]string
	open map[string]*sql.DB
}

func NewHandles(dsns map[string]string) *Handles {
	return &Handles{
		dsns: dsns,
		open: make(map[string]*sql.DB),
	}
}

// Get opens (or reuses) the handle for the named logical database.
func (h *Handles) Get(name string) (*sql.DB, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if db, ok := h.open[name]; ok {
		return db, nil
	}

	dsn, ok := h.dsns[name]
	if !ok || dsn == "" {
		return nil, fmt.Errorf("no DSN configured for database %q", name)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", name, err)
	}

	slog.Info("database connected", "name", name)
	h.open[name] = db
	return db, nil
}

// Close closes every open handle. Last error wins.
func (h *Handles) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var last error
	for name, db := range h.open {
		if err := db.Close(); err != nil {
			last = err
		}
		delete(h.open, name)
	}
	return last
}
