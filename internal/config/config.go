package config

import (
	"os"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Databases    DatabasesConfig    `yaml:"databases"`
	Broker       BrokerConfig       `yaml:"broker"`
	Redis        RedisConfig        `yaml:"redis"`
	Engine       EngineConfig       `yaml:"engine"`
	Outbox       OutboxConfig       `yaml:"outbox"`
	Sponsor      SponsorConfig      `yaml:"sponsor"`
	Physics      PhysicsConfig      `yaml:"physics"`
	Materializer MaterializerConfig `yaml:"materializer"`
	ReadAPI      ReadAPIConfig      `yaml:"read_api"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

// DatabasesConfig maps short logical names (core, projections) to DSNs.
// Both names may point at the same physical database.
type DatabasesConfig struct {
	Core        string `yaml:"core"`
	Projections string `yaml:"projections"`
}

type BrokerConfig struct {
	ProjectID    string `yaml:"project_id"`
	AgentTopic   string `yaml:"agent_topic"`
	PhysicsTopic string `yaml:"physics_topic"`
	Subscription string `yaml:"subscription"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type EngineConfig struct {
	TxBudgetMs         int `yaml:"tx_budget_ms"`
	CognitionTimeoutMs int `yaml:"cognition_timeout_ms"`
	MaxCostMultiplier  int `yaml:"max_cost_multiplier"`
}

type OutboxConfig struct {
	IntervalSeconds   int `yaml:"interval_seconds"`
	MaxBackoffSeconds int `yaml:"max_backoff_seconds"`
	BatchSize         int `yaml:"batch_size"`
}

type SponsorConfig struct {
	PolicySweepSeconds int `yaml:"policy_sweep_seconds"`
}

type PhysicsConfig struct {
	TickSeconds int `yaml:"tick_seconds"`
}

type MaterializerConfig struct {
	MaxAttempts          int `yaml:"max_attempts"`
	SessionWindowMinutes int `yaml:"session_window_minutes"`
}

type ReadAPIConfig struct {
	LivePerMinute      int `yaml:"live_per_minute"`
	ArtifactsPerMinute int `yaml:"artifacts_per_minute"`
	SessionsPerMinute  int `yaml:"sessions_per_minute"`
	ObservePerMinute   int `yaml:"observe_per_minute"`
}

func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a config usable without a file on disk; env vars in main
// still override the connection strings.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Broker.AgentTopic == "" {
		c.Broker.AgentTopic = "events.agents.v1"
	}
	if c.Broker.PhysicsTopic == "" {
		c.Broker.PhysicsTopic = "events.ox-physics.v1"
	}
	if c.Broker.Subscription == "" {
		c.Broker.Subscription = "ox-materializer"
	}
	if c.Engine.TxBudgetMs == 0 {
		c.Engine.TxBudgetMs = 2000
	}
	if c.Engine.CognitionTimeoutMs == 0 {
		c.Engine.CognitionTimeoutMs = 2000
	}
	if c.Engine.MaxCostMultiplier == 0 {
		c.Engine.MaxCostMultiplier = 2
	}
	if c.Outbox.IntervalSeconds == 0 {
		c.Outbox.IntervalSeconds = 10
	}
	if c.Outbox.MaxBackoffSeconds == 0 {
		c.Outbox.MaxBackoffSeconds = 600
	}
	if c.Outbox.BatchSize == 0 {
		c.Outbox.BatchSize = 100
	}
	if c.Sponsor.PolicySweepSeconds < 60 {
		c.Sponsor.PolicySweepSeconds = 60
	}
	if c.Physics.TickSeconds == 0 {
		c.Physics.TickSeconds = 30
	}
	if c.Materializer.MaxAttempts == 0 {
		c.Materializer.MaxAttempts = 5
	}
	if c.Materializer.SessionWindowMinutes == 0 {
		c.Materializer.SessionWindowMinutes = 5
	}
	if c.ReadAPI.LivePerMinute == 0 {
		c.ReadAPI.LivePerMinute = 60
	}
	if c.ReadAPI.ArtifactsPerMinute == 0 {
		c.ReadAPI.ArtifactsPerMinute = 30
	}
	if c.ReadAPI.SessionsPerMinute == 0 {
		c.ReadAPI.SessionsPerMinute = 30
	}
	if c.ReadAPI.ObservePerMinute == 0 {
		c.ReadAPI.ObservePerMinute = 20
	}
}
