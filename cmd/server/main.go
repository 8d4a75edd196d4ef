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
	"github.com/redis/go-redis/v9"

	"github.com/ox/substrate/internal/agents"
	"github.com/ox/substrate/internal/api"
	"github.com/ox/substrate/internal/cognition"
	"github.com/ox/substrate/internal/config"
	"github.com/ox/substrate/internal/database"
	"github.com/ox/substrate/internal/engine"
	"github.com/ox/substrate/internal/environment"
	"github.com/ox/substrate/internal/events"
	"github.com/ox/substrate/internal/locality"
	"github.com/ox/substrate/internal/outbox"
	"github.com/ox/substrate/internal/physics"
	"github.com/ox/substrate/internal/readapi"
	"github.com/ox/substrate/internal/scheduler"
	"github.com/ox/substrate/internal/sponsor"
)

func main() {
	// Local development convenience; in production env vars arrive directly.
	_ = godotenv.Load()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("❌ Config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
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
	projDB, err := handles.Get("projections")
	if err != nil {
		log.Fatalf("❌ Projections database: %v", err)
	}
	if err := database.EnsureSchema(ctx, coreDB); err != nil {
		log.Fatalf("❌ Schema: %v", err)
	}
	if err := database.EnsureProjectionSchema(ctx, projDB); err != nil {
		log.Fatalf("❌ Projection schema: %v", err)
	}

	bus := events.NewBus()

	var publisher events.Publisher
	if cfg.Broker.ProjectID != "" {
		ps, err := events.NewPubSubPublisher(ctx, cfg.Broker.ProjectID)
		if err != nil {
			log.Fatalf("❌ Pub/Sub: %v", err)
		}
		defer ps.Close()
		publisher = &events.TeePublisher{Primary: ps, Bus: bus}
	} else {
		log.Println("⚠️  No broker project configured, using in-process bus only")
		publisher = &events.BusPublisher{Bus: bus}
	}

	registry := cognition.NewRegistry()
	registry.Register(cognition.NewStaticProvider("static"))

	agentStore := agents.NewStore(coreDB)
	eng := engine.New(coreDB, registry, engine.Options{
		AgentTopic:        cfg.Broker.AgentTopic,
		TxBudget:          time.Duration(cfg.Engine.TxBudgetMs) * time.Millisecond,
		CognitionTimeout:  time.Duration(cfg.Engine.CognitionTimeoutMs) * time.Millisecond,
		MaxCostMultiplier: int64(cfg.Engine.MaxCostMultiplier),
	})
	wallets := sponsor.NewWallets(coreDB)
	pressures := sponsor.NewPressures(coreDB, cfg.Broker.AgentTopic)
	policies := sponsor.NewPolicyStore(coreDB)
	envStore := environment.NewStore(coreDB, cfg.Broker.AgentTopic)
	localities := locality.NewStore(coreDB)

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
	}

	readServer := readapi.NewServer(projDB, readapi.NewLimiter(redisClient), bus, cfg.ReadAPI)

	server := api.NewServer(api.Deps{
		DB:          coreDB,
		Agents:      agentStore,
		Engine:      eng,
		Wallets:     wallets,
		Pressures:   pressures,
		Policies:    policies,
		Environment: envStore,
		Localities:  localities,
		Inbox:       api.NewErrorInbox(projDB),
		ReadAPI:     readServer,
	})

	// Background tasks share one scheduler; all are replica-safe.
	dispatcher := outbox.NewDispatcher(coreDB, publisher,
		time.Duration(cfg.Outbox.IntervalSeconds)*time.Second,
		time.Duration(cfg.Outbox.MaxBackoffSeconds)*time.Second,
		cfg.Outbox.BatchSize)
	sweeper := sponsor.NewSweeper(coreDB, cfg.Broker.AgentTopic)
	physicsTick := physics.NewTicker(coreDB, pressures, cfg.Broker.PhysicsTopic)

	sched := scheduler.New()
	sched.Register(scheduler.Task{
		Name:     "outbox",
		Interval: time.Duration(cfg.Outbox.IntervalSeconds) * time.Second,
		Run: func(ctx context.Context) error {
			_, _, err := dispatcher.Tick(ctx)
			return err
		},
	})
	sched.Register(scheduler.Task{
		Name:     "policy-sweep",
		Interval: time.Duration(cfg.Sponsor.PolicySweepSeconds) * time.Second,
		Run:      sweeper.Sweep,
	})
	sched.Register(scheduler.Task{
		Name:     "physics",
		Interval: time.Duration(cfg.Physics.TickSeconds) * time.Second,
		Run:      physicsTick.Tick,
	})
	sched.Start(ctx)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("🚀 Substrate server listening on :%s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("🛑 Shutting down...")
	sched.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️  Shutdown: %v", err)
	}
	log.Println("✅ Server stopped")
}

// loadConfig reads config.yaml when present and applies env overrides.
func loadConfig() (*config.Config, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}

	var cfg *config.Config
	if _, err := os.Stat(path); err == nil {
		cfg, err = config.LoadConfig(path)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.Default()
	}

	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Databases.Core = v
	}
	if v := os.Getenv("PROJECTIONS_DATABASE_URL"); v != "" {
		cfg.Databases.Projections = v
	}
	if cfg.Databases.Projections == "" {
		cfg.Databases.Projections = cfg.Databases.Core
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("PUBSUB_PROJECT"); v != "" {
		cfg.Broker.ProjectID = v
	}
	return cfg, nil
}
