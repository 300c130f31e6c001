package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// CoreConfig holds construction-time configuration for the coordination
// core. It is always passed explicitly; nothing reads ambient state.
type CoreConfig struct {
	Bus       BusConfig       `yaml:"bus"`
	Consensus ConsensusConfig `yaml:"consensus"`
	Router    RouterConfig    `yaml:"router"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// BusConfig configures message delivery
type BusConfig struct {
	MaxDeliveryAttempts int             `yaml:"max_delivery_attempts"`
	Backoff             []time.Duration `yaml:"backoff"`
	HistorySize         int             `yaml:"history_size"`
	QueueDepth          int             `yaml:"queue_depth"`
}

// ConsensusConfig configures the voting engine
type ConsensusConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	DefaultQuorum  float64       `yaml:"default_quorum"`
}

// RouterConfig configures task routing
type RouterConfig struct {
	// RejectPartial makes Route fail when a decomposition cannot cover
	// every required capability, instead of degrading to a fallback
	// assignment.
	RejectPartial    bool `yaml:"reject_partial"`
	MaxDecomposition int  `yaml:"max_decomposition"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig holds metrics exposure configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// DefaultCoreConfig returns the default configuration
func DefaultCoreConfig() CoreConfig {
	return CoreConfig{
		Bus: BusConfig{
			MaxDeliveryAttempts: 3,
			Backoff: []time.Duration{
				10 * time.Millisecond,
				50 * time.Millisecond,
				250 * time.Millisecond,
			},
			HistorySize: 1000,
			QueueDepth:  256,
		},
		Consensus: ConsensusConfig{
			DefaultTimeout: 30 * time.Second,
			DefaultQuorum:  1.0,
		},
		Router: RouterConfig{
			RejectPartial:    false,
			MaxDecomposition: 4,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: ":9090",
		},
	}
}

// Load reads configuration from a YAML file, starting from defaults and
// applying WEAVE_* environment overrides last.
func Load(path string) (*CoreConfig, error) {
	cfg := DefaultCoreConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks configuration invariants
func (c *CoreConfig) Validate() error {
	if c.Bus.MaxDeliveryAttempts < 1 {
		return fmt.Errorf("bus.max_delivery_attempts must be >= 1, got %d", c.Bus.MaxDeliveryAttempts)
	}
	if c.Bus.HistorySize < 1 {
		return fmt.Errorf("bus.history_size must be >= 1, got %d", c.Bus.HistorySize)
	}
	if c.Bus.QueueDepth < 1 {
		return fmt.Errorf("bus.queue_depth must be >= 1, got %d", c.Bus.QueueDepth)
	}
	if c.Consensus.DefaultQuorum <= 0 || c.Consensus.DefaultQuorum > 1 {
		return fmt.Errorf("consensus.default_quorum must be in (0,1], got %f", c.Consensus.DefaultQuorum)
	}
	if c.Consensus.DefaultTimeout <= 0 {
		return fmt.Errorf("consensus.default_timeout must be positive")
	}
	if c.Router.MaxDecomposition < 1 {
		return fmt.Errorf("router.max_decomposition must be >= 1, got %d", c.Router.MaxDecomposition)
	}
	return nil
}

func applyEnv(cfg *CoreConfig) {
	if v := os.Getenv("WEAVE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("WEAVE_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("WEAVE_METRICS_ADDRESS"); v != "" {
		cfg.Metrics.Address = v
	}
	if v := os.Getenv("WEAVE_BUS_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Bus.MaxDeliveryAttempts = n
		}
	}
	if v := os.Getenv("WEAVE_CONSENSUS_QUORUM"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Consensus.DefaultQuorum = f
		}
	}
}

// GetEnv retrieves an environment variable with a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
