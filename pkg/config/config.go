// Package config loads and validates the process configuration: the
// deliberation engine's tunables, the gateway and quota collaborator
// settings, and the council model tables. Configuration is read once at
// process start and passed explicitly into the components that need it;
// there is no module-level mutable state.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/quorumhq/quorum/pkg/models"
)

// Config is the fully resolved process configuration.
type Config struct {
	configDir string

	Gateway  *GatewayConfig
	Quota    *QuotaConfig
	Timeouts *TimeoutConfig
	Stream   *StreamConfig
	Stages   *StageConfig
	Pool     *PoolConfig
	Context  *ContextConfig

	// Council holds the model tables: global defaults plus per-company
	// overlays, keyed by purpose.
	Council *CouncilConfig
}

// GatewayConfig describes the LLM gateway collaborator.
type GatewayConfig struct {
	// BaseURL of the OpenAI-compatible gateway.
	BaseURL string

	// PlatformKeyEnv names the environment variable holding the platform
	// key. A caller-supplied BYOK key overrides it per session.
	PlatformKeyEnv string

	// RetryAttempts is R: retries per call on transient failures.
	RetryAttempts int

	// RetryBase is the backoff base; attempt k waits base * 2^k ± 25%.
	RetryBase time.Duration
}

// QuotaConfig describes the quota service collaborator.
type QuotaConfig struct {
	BaseURL  string
	CacheTTL time.Duration
	Timeout  time.Duration
}

// TimeoutConfig groups the deliberation timeouts.
type TimeoutConfig struct {
	// WorkerSoft bounds each gateway attempt; an attempt that exceeds it
	// is retried like any transient failure, up to the gateway's retry
	// count and within WorkerHard.
	WorkerSoft time.Duration

	// WorkerHard forces the worker to error.
	WorkerHard time.Duration

	// StageHard forces the stage to degraded if policy allows, else failed.
	StageHard time.Duration

	// SessionHard forces the session to stopped.
	SessionHard time.Duration

	// StopGrace bounds cancellation: after a stop, outstanding workers
	// are fabricated as cancelled once the grace expires.
	StopGrace time.Duration
}

// StreamConfig tunes the per-session event stream.
type StreamConfig struct {
	// HeartbeatInterval is H: a heartbeat is emitted after this much
	// idle time on the stream.
	HeartbeatInterval time.Duration

	// BufferSize is B_evt: events buffered before worker.token events
	// start coalescing.
	BufferSize int
}

// StageConfig tunes stage completion policies.
type StageConfig struct {
	// MinWorkers is the AllOrDegraded minimum for stages 1 and 2.
	MinWorkers int `yaml:"min_workers"`
}

// PoolConfig tunes the global worker slot pool.
type PoolConfig struct {
	// MaxConcurrentWorkers caps concurrently executing workers across
	// all sessions. Sessions queue FIFO at the stage boundary.
	MaxConcurrentWorkers int `yaml:"max_concurrent_workers"`
}

// ContextConfig tunes context bundle assembly.
type ContextConfig struct {
	// MaxBundleBytes caps the total assembled size; lowest-precedence
	// fragments are dropped first when exceeded.
	MaxBundleBytes int `yaml:"max_bundle_bytes"`

	// MaxFragmentBytes caps one fragment; larger bodies are truncated
	// at a paragraph boundary.
	MaxFragmentBytes int `yaml:"max_fragment_bytes"`
}

// CouncilConfig holds the model tables read by the registry.
type CouncilConfig struct {
	Defaults  PurposeTable            `yaml:"defaults"`
	Companies map[string]PurposeTable `yaml:"companies,omitempty"`
}

// PurposeTable maps a purpose to its ordered model choices.
type PurposeTable map[models.Purpose][]models.ModelChoice

// Stats summarises loaded configuration for the health endpoint.
type Stats struct {
	DefaultModels int
	Companies     int
}

// Stats returns configuration statistics.
func (c *Config) Stats() Stats {
	n := 0
	for _, choices := range c.Council.Defaults {
		n += len(choices)
	}
	return Stats{DefaultModels: n, Companies: len(c.Council.Companies)}
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
func Initialize(configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"default_models", stats.DefaultModels,
		"companies", stats.Companies)

	return cfg, nil
}
