package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "events.agents.v1", cfg.Broker.AgentTopic)
	assert.Equal(t, "events.ox-physics.v1", cfg.Broker.PhysicsTopic)
	assert.Equal(t, 2000, cfg.Engine.TxBudgetMs)
	assert.Equal(t, 10, cfg.Outbox.IntervalSeconds)
	assert.Equal(t, 600, cfg.Outbox.MaxBackoffSeconds)
	assert.GreaterOrEqual(t, cfg.Sponsor.PolicySweepSeconds, 60)
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  port: "9090"
databases:
  core: "postgres://localhost/core"
sponsor:
  policy_sweep_seconds: 10
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "postgres://localhost/core", cfg.Databases.Core)
	// Sub-minimum sweep cadence is raised to the floor.
	assert.Equal(t, 60, cfg.Sponsor.PolicySweepSeconds)
	assert.Equal(t, "events.agents.v1", cfg.Broker.AgentTopic)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/config.yaml")
	assert.Error(t, err)
}
