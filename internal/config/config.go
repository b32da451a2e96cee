package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains all runtime settings for the resource switching service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	DataDir            string
	DatabaseURL        string
	TenantRegistryPath string

	OverlayCacheMaxBytes   int64
	OverlayCacheMaxEntries int
	IndexCacheMaxBytes     int64
	IndexCacheMaxEntries   int
	ResourceLoadTimeout    time.Duration

	// SwitchFastPathSLO is the latency bound a fully cached switch is expected
	// to meet; it drives the switch_cached p95 target on the perf endpoint.
	SwitchFastPathSLO time.Duration

	// EmbeddingDim, when non-zero, rejects index files built with a different
	// embedding model.
	EmbeddingDim int

	ContextMaxMessages int
	ContextCacheSize   int
	CheckpointInterval time.Duration
}

// fileConfig mirrors Config for the optional YAML file. Environment variables
// override file values; the file overrides built-in defaults.
type fileConfig struct {
	BindAddr         string `yaml:"bind_addr"`
	ShutdownTimeout  string `yaml:"shutdown_timeout"`
	MetricsNamespace string `yaml:"metrics_namespace"`
	AllowAnyOrigin   *bool  `yaml:"allow_any_origin"`

	DataDir            string `yaml:"data_dir"`
	DatabaseURL        string `yaml:"database_url"`
	TenantRegistryPath string `yaml:"tenant_registry_path"`

	OverlayCacheMaxBytes   int64  `yaml:"overlay_cache_max_bytes"`
	OverlayCacheMaxEntries int    `yaml:"overlay_cache_max_entries"`
	IndexCacheMaxBytes     int64  `yaml:"index_cache_max_bytes"`
	IndexCacheMaxEntries   int    `yaml:"index_cache_max_entries"`
	ResourceLoadTimeout    string `yaml:"resource_load_timeout"`
	SwitchFastPathSLO      string `yaml:"switch_fast_path_slo"`

	EmbeddingDim int `yaml:"embedding_dim"`

	ContextMaxMessages int    `yaml:"context_max_messages"`
	ContextCacheSize   int    `yaml:"context_cache_size"`
	CheckpointInterval string `yaml:"checkpoint_interval"`
}

// Load reads the optional YAML file named by APP_CONFIG_PATH, then environment
// variables, and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:               ":8080",
		ShutdownTimeout:        15 * time.Second,
		MetricsNamespace:       "switchyard",
		AllowAnyOrigin:         false,
		DataDir:                "data",
		TenantRegistryPath:     "data/tenants.json",
		OverlayCacheMaxBytes:   512 << 20,
		OverlayCacheMaxEntries: 8,
		IndexCacheMaxBytes:     256 << 20,
		IndexCacheMaxEntries:   8,
		ResourceLoadTimeout:    30 * time.Second,
		SwitchFastPathSLO:      50 * time.Millisecond,
		EmbeddingDim:           0,
		ContextMaxMessages:     200,
		ContextCacheSize:       4,
		CheckpointInterval:     30 * time.Second,
	}

	if path := envTrimmed("APP_CONFIG_PATH"); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	cfg.BindAddr = envOrDefault("APP_BIND_ADDR", cfg.BindAddr)
	cfg.MetricsNamespace = envOrDefault("APP_METRICS_NAMESPACE", cfg.MetricsNamespace)
	cfg.DataDir = envOrDefault("APP_DATA_DIR", cfg.DataDir)
	if v := envTrimmed("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	cfg.TenantRegistryPath = envOrDefault("TENANT_REGISTRY_PATH", cfg.TenantRegistryPath)

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.OverlayCacheMaxBytes, err = int64FromEnv("OVERLAY_CACHE_MAX_BYTES", cfg.OverlayCacheMaxBytes)
	if err != nil {
		return Config{}, err
	}
	cfg.OverlayCacheMaxEntries, err = intFromEnv("OVERLAY_CACHE_MAX_ENTRIES", cfg.OverlayCacheMaxEntries)
	if err != nil {
		return Config{}, err
	}
	cfg.IndexCacheMaxBytes, err = int64FromEnv("INDEX_CACHE_MAX_BYTES", cfg.IndexCacheMaxBytes)
	if err != nil {
		return Config{}, err
	}
	cfg.IndexCacheMaxEntries, err = intFromEnv("INDEX_CACHE_MAX_ENTRIES", cfg.IndexCacheMaxEntries)
	if err != nil {
		return Config{}, err
	}
	cfg.ResourceLoadTimeout, err = durationFromEnv("RESOURCE_LOAD_TIMEOUT", cfg.ResourceLoadTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SwitchFastPathSLO, err = durationFromEnv("SWITCH_FAST_PATH_SLO", cfg.SwitchFastPathSLO)
	if err != nil {
		return Config{}, err
	}
	cfg.EmbeddingDim, err = intFromEnv("EMBEDDING_DIM", cfg.EmbeddingDim)
	if err != nil {
		return Config{}, err
	}
	cfg.ContextMaxMessages, err = intFromEnv("CONTEXT_MAX_MESSAGES", cfg.ContextMaxMessages)
	if err != nil {
		return Config{}, err
	}
	cfg.ContextCacheSize, err = intFromEnv("CONTEXT_CACHE_SIZE", cfg.ContextCacheSize)
	if err != nil {
		return Config{}, err
	}
	cfg.CheckpointInterval, err = durationFromEnv("CONTEXT_CHECKPOINT_INTERVAL", cfg.CheckpointInterval)
	if err != nil {
		return Config{}, err
	}

	if cfg.OverlayCacheMaxBytes <= 0 {
		return Config{}, fmt.Errorf("OVERLAY_CACHE_MAX_BYTES must be positive")
	}
	if cfg.OverlayCacheMaxEntries <= 0 {
		return Config{}, fmt.Errorf("OVERLAY_CACHE_MAX_ENTRIES must be positive")
	}
	if cfg.IndexCacheMaxBytes <= 0 {
		return Config{}, fmt.Errorf("INDEX_CACHE_MAX_BYTES must be positive")
	}
	if cfg.IndexCacheMaxEntries <= 0 {
		return Config{}, fmt.Errorf("INDEX_CACHE_MAX_ENTRIES must be positive")
	}
	if cfg.ResourceLoadTimeout < time.Second {
		return Config{}, fmt.Errorf("RESOURCE_LOAD_TIMEOUT must be at least 1s")
	}
	if cfg.SwitchFastPathSLO <= 0 {
		return Config{}, fmt.Errorf("SWITCH_FAST_PATH_SLO must be positive")
	}
	if cfg.EmbeddingDim < 0 {
		return Config{}, fmt.Errorf("EMBEDDING_DIM must be >= 0")
	}
	if cfg.ContextMaxMessages <= 0 {
		return Config{}, fmt.Errorf("CONTEXT_MAX_MESSAGES must be positive")
	}
	if cfg.ContextCacheSize <= 0 {
		return Config{}, fmt.Errorf("CONTEXT_CACHE_SIZE must be positive")
	}

	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if fc.BindAddr != "" {
		cfg.BindAddr = fc.BindAddr
	}
	if fc.MetricsNamespace != "" {
		cfg.MetricsNamespace = fc.MetricsNamespace
	}
	if fc.AllowAnyOrigin != nil {
		cfg.AllowAnyOrigin = *fc.AllowAnyOrigin
	}
	if fc.DataDir != "" {
		cfg.DataDir = fc.DataDir
	}
	if fc.DatabaseURL != "" {
		cfg.DatabaseURL = fc.DatabaseURL
	}
	if fc.TenantRegistryPath != "" {
		cfg.TenantRegistryPath = fc.TenantRegistryPath
	}
	if fc.OverlayCacheMaxBytes != 0 {
		cfg.OverlayCacheMaxBytes = fc.OverlayCacheMaxBytes
	}
	if fc.OverlayCacheMaxEntries != 0 {
		cfg.OverlayCacheMaxEntries = fc.OverlayCacheMaxEntries
	}
	if fc.IndexCacheMaxBytes != 0 {
		cfg.IndexCacheMaxBytes = fc.IndexCacheMaxBytes
	}
	if fc.IndexCacheMaxEntries != 0 {
		cfg.IndexCacheMaxEntries = fc.IndexCacheMaxEntries
	}
	if fc.EmbeddingDim != 0 {
		cfg.EmbeddingDim = fc.EmbeddingDim
	}
	if fc.ContextMaxMessages != 0 {
		cfg.ContextMaxMessages = fc.ContextMaxMessages
	}
	if fc.ContextCacheSize != 0 {
		cfg.ContextCacheSize = fc.ContextCacheSize
	}

	for _, d := range []struct {
		raw string
		dst *time.Duration
		key string
	}{
		{fc.ShutdownTimeout, &cfg.ShutdownTimeout, "shutdown_timeout"},
		{fc.ResourceLoadTimeout, &cfg.ResourceLoadTimeout, "resource_load_timeout"},
		{fc.SwitchFastPathSLO, &cfg.SwitchFastPathSLO, "switch_fast_path_slo"},
		{fc.CheckpointInterval, &cfg.CheckpointInterval, "checkpoint_interval"},
	} {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("config file %s: %s: %w", path, d.key, err)
		}
		*d.dst = parsed
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func envTrimmed(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func int64FromEnv(key string, fallback int64) (int64, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(envTrimmed(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
