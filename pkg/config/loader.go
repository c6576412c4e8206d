package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// YAML mirror structs. Durations arrive as strings ("90s", "500ms")
// and are parsed onto the typed config during resolution.

type quorumYAML struct {
	Gateway  *gatewayYAML   `yaml:"gateway"`
	Quota    *quotaYAML     `yaml:"quota"`
	Timeouts *timeoutsYAML  `yaml:"timeouts"`
	Stream   *streamYAML    `yaml:"stream"`
	Stages   *StageConfig   `yaml:"stages"`
	Pool     *PoolConfig    `yaml:"pool"`
	Context  *ContextConfig `yaml:"context"`
}

type gatewayYAML struct {
	BaseURL        string `yaml:"base_url"`
	PlatformKeyEnv string `yaml:"platform_key_env"`
	RetryAttempts  *int   `yaml:"retry_attempts"`
	RetryBase      string `yaml:"retry_base"`
}

type quotaYAML struct {
	BaseURL  string `yaml:"base_url"`
	CacheTTL string `yaml:"cache_ttl"`
	Timeout  string `yaml:"timeout"`
}

type timeoutsYAML struct {
	WorkerSoft  string `yaml:"worker_soft"`
	WorkerHard  string `yaml:"worker_hard"`
	StageHard   string `yaml:"stage_hard"`
	SessionHard string `yaml:"session_hard"`
	StopGrace   string `yaml:"stop_grace"`
}

type streamYAML struct {
	HeartbeatInterval string `yaml:"heartbeat_interval"`
	BufferSize        *int   `yaml:"buffer_size"`
}

// modelsYAML mirrors the models.yaml file structure.
type modelsYAML struct {
	Council *CouncilConfig `yaml:"council"`
}

type configLoader struct {
	configDir string
}

// load reads quorum.yaml and models.yaml from configDir, expands
// environment variables, and resolves user values over built-in
// defaults.
func load(configDir string) (*Config, error) {
	loader := &configLoader{configDir: configDir}

	main, err := loader.loadQuorumYAML()
	if err != nil {
		return nil, NewLoadError("quorum.yaml", err)
	}

	council, err := loader.loadModelsYAML()
	if err != nil {
		return nil, NewLoadError("models.yaml", err)
	}

	cfg := &Config{
		configDir: configDir,
		Gateway:   DefaultGatewayConfig(),
		Quota:     DefaultQuotaConfig(),
		Timeouts:  DefaultTimeoutConfig(),
		Stream:    DefaultStreamConfig(),
		Stages:    DefaultStageConfig(),
		Pool:      DefaultPoolConfig(),
		Context:   DefaultContextConfig(),
		Council:   council,
	}

	if err := resolveGateway(cfg.Gateway, main.Gateway); err != nil {
		return nil, err
	}
	if err := resolveQuota(cfg.Quota, main.Quota); err != nil {
		return nil, err
	}
	if err := resolveTimeouts(cfg.Timeouts, main.Timeouts); err != nil {
		return nil, err
	}
	if err := resolveStream(cfg.Stream, main.Stream); err != nil {
		return nil, err
	}

	// Duration-free sections merge directly (non-zero values override).
	if main.Stages != nil {
		if err := mergo.Merge(cfg.Stages, main.Stages, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge stages config: %w", err)
		}
	}
	if main.Pool != nil {
		if err := mergo.Merge(cfg.Pool, main.Pool, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge pool config: %w", err)
		}
	}
	if main.Context != nil {
		if err := mergo.Merge(cfg.Context, main.Context, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge context config: %w", err)
		}
	}

	return cfg, nil
}

func resolveGateway(dst *GatewayConfig, src *gatewayYAML) error {
	if src == nil {
		return nil
	}
	if src.BaseURL != "" {
		dst.BaseURL = src.BaseURL
	}
	if src.PlatformKeyEnv != "" {
		dst.PlatformKeyEnv = src.PlatformKeyEnv
	}
	if src.RetryAttempts != nil {
		dst.RetryAttempts = *src.RetryAttempts
	}
	return setDuration(&dst.RetryBase, src.RetryBase, "gateway.retry_base")
}

func resolveQuota(dst *QuotaConfig, src *quotaYAML) error {
	if src == nil {
		return nil
	}
	if src.BaseURL != "" {
		dst.BaseURL = src.BaseURL
	}
	if err := setDuration(&dst.CacheTTL, src.CacheTTL, "quota.cache_ttl"); err != nil {
		return err
	}
	return setDuration(&dst.Timeout, src.Timeout, "quota.timeout")
}

func resolveTimeouts(dst *TimeoutConfig, src *timeoutsYAML) error {
	if src == nil {
		return nil
	}
	fields := []struct {
		dst  *time.Duration
		raw  string
		name string
	}{
		{&dst.WorkerSoft, src.WorkerSoft, "timeouts.worker_soft"},
		{&dst.WorkerHard, src.WorkerHard, "timeouts.worker_hard"},
		{&dst.StageHard, src.StageHard, "timeouts.stage_hard"},
		{&dst.SessionHard, src.SessionHard, "timeouts.session_hard"},
		{&dst.StopGrace, src.StopGrace, "timeouts.stop_grace"},
	}
	for _, f := range fields {
		if err := setDuration(f.dst, f.raw, f.name); err != nil {
			return err
		}
	}
	return nil
}

func resolveStream(dst *StreamConfig, src *streamYAML) error {
	if src == nil {
		return nil
	}
	if src.BufferSize != nil {
		dst.BufferSize = *src.BufferSize
	}
	return setDuration(&dst.HeartbeatInterval, src.HeartbeatInterval, "stream.heartbeat_interval")
}

// setDuration parses a duration string onto dst; empty keeps the
// default already there.
func setDuration(dst *time.Duration, raw, name string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q: %w", name, raw, err)
	}
	*dst = d
	return nil
}

func (l *configLoader) loadQuorumYAML() (*quorumYAML, error) {
	data, err := l.readFile("quorum.yaml")
	if err != nil {
		return nil, err
	}
	var cfg quorumYAML
	if err := yaml.Unmarshal(ExpandEnv(data), &cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidYAML, err)
	}
	return &cfg, nil
}

func (l *configLoader) loadModelsYAML() (*CouncilConfig, error) {
	data, err := l.readFile("models.yaml")
	if err != nil {
		return nil, err
	}
	var cfg modelsYAML
	if err := yaml.Unmarshal(ExpandEnv(data), &cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidYAML, err)
	}
	if cfg.Council == nil {
		return nil, fmt.Errorf("models.yaml has no council section")
	}
	return cfg.Council, nil
}

func (l *configLoader) readFile(name string) ([]byte, error) {
	path := filepath.Join(l.configDir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, err
	}
	return data, nil
}
