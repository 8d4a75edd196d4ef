package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ox/substrate/internal/config"
	"github.com/ox/substrate/internal/database"
	"github.com/ox/substrate/internal/materializer"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Default()
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		loaded, err := config.LoadConfig(path)
		if err != nil {
			log.Fatalf("❌ Config: %v", err)
		}
		cfg = loaded
	}
	if v := os.Getenv("PROJECTIONS_DATABASE_URL"); v != "" {
		cfg.Databases.Projections = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" && cfg.Databases.Projections == "" {
		cfg.Databases.Projections = v
	}
	if v := os.Getenv("PUBSUB_PROJECT"); v != "" {
		cfg.Broker.ProjectID = v
	}
	if cfg.Broker.ProjectID == "" {
		log.Fatal("❌ PUBSUB_PROJECT is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handles := database.NewHandles(map[string]string{
		"projections": cfg.Databases.Projections,
	})
	defer handles.Close()

	db, err := handles.Get("projections")
	if err != nil {
		log.Fatalf("❌ Projections database: %v", err)
	}
	if err := database.EnsureProjectionSchema(ctx, db); err != nil {
		log.Fatalf("❌ Projection schema: %v", err)
	}

	projector := materializer.NewProjector(db,
		time.Duration(cfg.Materializer.SessionWindowMinutes)*time.Minute)
	consumer, err := materializer.NewConsumer(ctx, cfg.Broker.ProjectID, db, projector, nil, cfg.Materializer.MaxAttempts)
	if err != nil {
		log.Fatalf("❌ Consumer: %v", err)
	}
	defer consumer.Close()

	// Health and metrics for the orchestrator.
	go func() {
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok"}`))
		})
		mux.Handle("/metrics", promhttp.Handler())
		port := os.Getenv("PORT")
		if port == "" {
			port = "8081"
		}
		log.Printf("🩺 Materializer health on :%s", port)
		http.ListenAndServe(":"+port, mux)
	}()

	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		<-stop
		log.Println("🛑 Shutting down materializer...")
		cancel()
	}()

	log.Printf("📥 Consuming %s and %s", cfg.Broker.AgentTopic, cfg.Broker.PhysicsTopic)
	if err := consumer.Run(ctx, cfg.Broker.Subscription, cfg.Broker.AgentTopic, cfg.Broker.PhysicsTopic); err != nil {
		log.Fatalf("❌ Consumer: %v", err)
	}
	log.Println("✅ Materializer stopped")
}
