package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCoreConfig(t *testing.T) {
	cfg := DefaultCoreConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 3, cfg.Bus.MaxDeliveryAttempts)
	assert.Equal(t, 1000, cfg.Bus.HistorySize)
	assert.Equal(t, 30*time.Second, cfg.Consensus.DefaultTimeout)
	assert.Equal(t, 1.0, cfg.Consensus.DefaultQuorum)
	assert.False(t, cfg.Router.RejectPartial)
	assert.Equal(t, 4, cfg.Router.MaxDecomposition)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "weave.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
bus:
  max_delivery_attempts: 5
  history_size: 50
consensus:
  default_quorum: 0.67
  default_timeout: 10s
router:
  reject_partial: true
logging:
  level: debug
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Bus.MaxDeliveryAttempts)
	assert.Equal(t, 50, cfg.Bus.HistorySize)
	assert.Equal(t, 0.67, cfg.Consensus.DefaultQuorum)
	assert.Equal(t, 10*time.Second, cfg.Consensus.DefaultTimeout)
	assert.True(t, cfg.Router.RejectPartial)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Unset fields keep their defaults.
	assert.Equal(t, 256, cfg.Bus.QueueDepth)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultCoreConfig().Bus.MaxDeliveryAttempts, cfg.Bus.MaxDeliveryAttempts)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("WEAVE_LOG_LEVEL", "warn")
	t.Setenv("WEAVE_BUS_MAX_ATTEMPTS", "7")
	t.Setenv("WEAVE_CONSENSUS_QUORUM", "0.5")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, 7, cfg.Bus.MaxDeliveryAttempts)
	assert.Equal(t, 0.5, cfg.Consensus.DefaultQuorum)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*CoreConfig)
	}{
		{"zero delivery attempts", func(c *CoreConfig) { c.Bus.MaxDeliveryAttempts = 0 }},
		{"zero history size", func(c *CoreConfig) { c.Bus.HistorySize = 0 }},
		{"zero queue depth", func(c *CoreConfig) { c.Bus.QueueDepth = 0 }},
		{"quorum above one", func(c *CoreConfig) { c.Consensus.DefaultQuorum = 1.5 }},
		{"zero quorum", func(c *CoreConfig) { c.Consensus.DefaultQuorum = 0 }},
		{"negative timeout", func(c *CoreConfig) { c.Consensus.DefaultTimeout = -time.Second }},
		{"zero decomposition", func(c *CoreConfig) { c.Router.MaxDecomposition = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultCoreConfig()
			tc.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
