package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/ox/substrate/internal/config"
	"github.com/ox/substrate/internal/database"
)

// migrate applies the idempotent DDL to both stores and exits.
func main() {
	_ = godotenv.Load()

	cfg := config.Default()
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Databases.Core = v
	}
	if v := os.Getenv("PROJECTIONS_DATABASE_URL"); v != "" {
		cfg.Databases.Projections = v
	}
	if cfg.Databases.Projections == "" {
		cfg.Databases.Projections = cfg.Databases.Core
	}
	if cfg.Databases.Core == "" {
		log.Fatal("❌ DATABASE_URL is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	handles := database.NewHandles(map[string]string{
		"core":        cfg.Databases.Core,
		"projections": cfg.Databases.Projections,
	})
	defer handles.Close()

	coreDB, err := handles.Get("core")
	if err != nil {
		log.Fatalf("❌ Core database: %v", err)
	}
	if err := database.EnsureSchema(ctx, coreDB); err != nil {
		log.Fatalf("❌ Core schema: %v", err)
	}
	log.Println("✅ Core schema applied")

	projDB, err := handles.Get("projections")
	if err != nil {
		log.Fatalf("❌ Projections database: %v", err)
	}
	if err := database.EnsureProjectionSchema(ctx, projDB); err != nil {
		log.Fatalf("❌ Projection schema: %v", err)
	}
	log.Println("✅ Projection schema applied")
}
