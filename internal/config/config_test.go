package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_CONFIG_PATH",
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"APP_DATA_DIR",
		"DATABASE_URL",
		"TENANT_REGISTRY_PATH",
		"OVERLAY_CACHE_MAX_BYTES",
		"OVERLAY_CACHE_MAX_ENTRIES",
		"INDEX_CACHE_MAX_BYTES",
		"INDEX_CACHE_MAX_ENTRIES",
		"RESOURCE_LOAD_TIMEOUT",
		"SWITCH_FAST_PATH_SLO",
		"EMBEDDING_DIM",
		"CONTEXT_MAX_MESSAGES",
		"CONTEXT_CACHE_SIZE",
		"CONTEXT_CHECKPOINT_INTERVAL",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want :8080", cfg.BindAddr)
	}
	if cfg.OverlayCacheMaxBytes != 512<<20 {
		t.Fatalf("OverlayCacheMaxBytes = %d, want 512MiB", cfg.OverlayCacheMaxBytes)
	}
	if cfg.ContextCacheSize != 4 {
		t.Fatalf("ContextCacheSize = %d, want 4", cfg.ContextCacheSize)
	}
	if cfg.SwitchFastPathSLO != 50*time.Millisecond {
		t.Fatalf("SwitchFastPathSLO = %v, want 50ms", cfg.SwitchFastPathSLO)
	}
	if cfg.DatabaseURL != "" {
		t.Fatalf("DatabaseURL = %q, want empty default", cfg.DatabaseURL)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9090")
	t.Setenv("OVERLAY_CACHE_MAX_BYTES", "1048576")
	t.Setenv("RESOURCE_LOAD_TIMEOUT", "5s")
	t.Setenv("SWITCH_FAST_PATH_SLO", "120ms")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9090" {
		t.Fatalf("BindAddr = %q, want :9090", cfg.BindAddr)
	}
	if cfg.SwitchFastPathSLO != 120*time.Millisecond {
		t.Fatalf("SwitchFastPathSLO = %v, want 120ms", cfg.SwitchFastPathSLO)
	}
	if cfg.OverlayCacheMaxBytes != 1<<20 {
		t.Fatalf("OverlayCacheMaxBytes = %d, want 1MiB", cfg.OverlayCacheMaxBytes)
	}
	if cfg.ResourceLoadTimeout != 5*time.Second {
		t.Fatalf("ResourceLoadTimeout = %v, want 5s", cfg.ResourceLoadTimeout)
	}
}

func TestLoadFileThenEnvPrecedence(t *testing.T) {
	setCoreEnvEmpty(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "switchyard.yaml")
	body := "bind_addr: \":7070\"\noverlay_cache_max_entries: 16\nresource_load_timeout: 10s\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv("APP_CONFIG_PATH", path)
	t.Setenv("APP_BIND_ADDR", ":6060")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":6060" {
		t.Fatalf("BindAddr = %q, env must override file", cfg.BindAddr)
	}
	if cfg.OverlayCacheMaxEntries != 16 {
		t.Fatalf("OverlayCacheMaxEntries = %d, want 16 from file", cfg.OverlayCacheMaxEntries)
	}
	if cfg.ResourceLoadTimeout != 10*time.Second {
		t.Fatalf("ResourceLoadTimeout = %v, want 10s from file", cfg.ResourceLoadTimeout)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("OVERLAY_CACHE_MAX_BYTES", "-1")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() should reject a negative cache budget")
	}

	setCoreEnvEmpty(t)
	t.Setenv("RESOURCE_LOAD_TIMEOUT", "500ms")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() should reject a sub-second load timeout")
	}

	setCoreEnvEmpty(t)
	t.Setenv("CONTEXT_CACHE_SIZE", "not-a-number")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() should reject a non-numeric cache size")
	}

	setCoreEnvEmpty(t)
	t.Setenv("SWITCH_FAST_PATH_SLO", "0")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() should reject a zero fast-path bound")
	}
}
