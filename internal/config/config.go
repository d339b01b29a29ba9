package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Server holds the HTTP/WebSocket server configuration.
type Server struct {
	Port int `envconfig:"AGENTLAB_PORT" default:"8080"`
}

// Registry holds the model registry client configuration.
type Registry struct {
	Host           string        `envconfig:"AGENTLAB_REGISTRY_HOST" default:"http://localhost:11434"`
	MaxConcurrent  int           `envconfig:"AGENTLAB_REGISTRY_MAX_CONCURRENT" default:"4"`
	CacheTTL       time.Duration `envconfig:"AGENTLAB_REGISTRY_CACHE_TTL" default:"5s"`
	RequestTimeout time.Duration `envconfig:"AGENTLAB_REGISTRY_TIMEOUT" default:"30s"`
}

// Pull holds the background download manager configuration.
type Pull struct {
	ThrottleInterval   time.Duration `envconfig:"AGENTLAB_PULL_THROTTLE_INTERVAL" default:"1s"`
	PercentDelta       float64       `envconfig:"AGENTLAB_PULL_PERCENT_DELTA" default:"1.0"`
	MaxAttempts        int           `envconfig:"AGENTLAB_PULL_MAX_ATTEMPTS" default:"5"`
	BackoffCap         time.Duration `envconfig:"AGENTLAB_PULL_BACKOFF_CAP" default:"60s"`
	StaleAfter         time.Duration `envconfig:"AGENTLAB_PULL_STALE_AFTER" default:"5m"`
	RetainCompleted    time.Duration `envconfig:"AGENTLAB_PULL_RETAIN_COMPLETED" default:"10m"`
	RetainError        time.Duration `envconfig:"AGENTLAB_PULL_RETAIN_ERROR" default:"30m"`
	RetainCancelled    time.Duration `envconfig:"AGENTLAB_PULL_RETAIN_CANCELLED" default:"5m"`
	JanitorInterval    time.Duration `envconfig:"AGENTLAB_PULL_JANITOR_INTERVAL" default:"1m"`
	ErrorCleanupDelay  time.Duration `envconfig:"AGENTLAB_PULL_ERROR_CLEANUP_DELAY" default:"5s"`
}

// Experiment holds the iteration driver configuration.
type Experiment struct {
	Timeout          time.Duration `envconfig:"AGENTLAB_EXPERIMENT_TIMEOUT" default:"1h"`
	IterationTimeout time.Duration `envconfig:"AGENTLAB_ITERATION_TIMEOUT" default:"10m"`
	EventQueueSize   int           `envconfig:"AGENTLAB_EVENT_QUEUE_SIZE" default:"256"`
}

// Config is the full server configuration, loaded from environment
// variables with sensible local defaults.
type Config struct {
	DataDir    string `envconfig:"AGENTLAB_DATA_DIR"`
	Server     Server
	Registry   Registry
	Pull       Pull
	Experiment Experiment
}

// Load reads configuration from the environment. DataDir falls back to the
// XDG data directory when unset.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.DataDir == "" {
		dir, err := defaultDataDir()
		if err != nil {
			return nil, err
		}
		cfg.DataDir = dir
	}
	return &cfg, nil
}

// defaultDataDir resolves the XDG data directory for agentlab.
// It respects XDG_DATA_HOME if set, otherwise falls back to
// ~/.local/share/agentlab.
func defaultDataDir() (string, error) {
	if dataHome := os.Getenv("XDG_DATA_HOME"); dataHome != "" {
		return filepath.Join(dataHome, "agentlab"), nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	return filepath.Join(homeDir, ".local", "share", "agentlab"), nil
}
