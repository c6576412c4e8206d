package config

import "time"

// Built-in defaults. User YAML values are merged on top; any unset
// field keeps the default below.

// DefaultGatewayConfig returns the built-in gateway defaults.
func DefaultGatewayConfig() *GatewayConfig {
	return &GatewayConfig{
		PlatformKeyEnv: "GATEWAY_API_KEY",
		RetryAttempts:  3,
		RetryBase:      500 * time.Millisecond,
	}
}

// DefaultQuotaConfig returns the built-in quota client defaults.
func DefaultQuotaConfig() *QuotaConfig {
	return &QuotaConfig{
		CacheTTL: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// DefaultTimeoutConfig returns the built-in deliberation timeouts.
func DefaultTimeoutConfig() *TimeoutConfig {
	return &TimeoutConfig{
		WorkerSoft:  90 * time.Second,
		WorkerHard:  150 * time.Second,
		StageHard:   240 * time.Second,
		SessionHard: 600 * time.Second,
		StopGrace:   5 * time.Second,
	}
}

// DefaultStreamConfig returns the built-in event stream tunables.
func DefaultStreamConfig() *StreamConfig {
	return &StreamConfig{
		HeartbeatInterval: 15 * time.Second,
		BufferSize:        256,
	}
}

// DefaultStageConfig returns the built-in stage policy tunables.
func DefaultStageConfig() *StageConfig {
	return &StageConfig{MinWorkers: 3}
}

// DefaultPoolConfig returns the built-in worker pool tunables.
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{MaxConcurrentWorkers: 32}
}

// DefaultContextConfig returns the built-in context assembly caps.
func DefaultContextConfig() *ContextConfig {
	return &ContextConfig{
		MaxBundleBytes:   96 * 1024,
		MaxFragmentBytes: 8 * 1024,
	}
}
