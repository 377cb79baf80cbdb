package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadFromFile_YAML(t *testing.T) {
	yamlContent := `
db_path: /var/lib/zibridge/data.db
http_addr: ":9000"
capture_batch_size: 250
ignore_fields:
  - notes_last_updated
  - hs_analytics_num_visits
redis_addr: localhost:6379
`
	configFile := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configFile, []byte(yamlContent), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(configFile)
	if err != nil {
		t.Fatalf("failed to load YAML config: %v", err)
	}
	if cfg.DBPath != "/var/lib/zibridge/data.db" {
		t.Errorf("expected db_path from file, got %s", cfg.DBPath)
	}
	if cfg.HTTPAddr != ":9000" {
		t.Errorf("expected http_addr :9000, got %s", cfg.HTTPAddr)
	}
	if cfg.CaptureBatchSize != 250 {
		t.Errorf("expected capture_batch_size 250, got %d", cfg.CaptureBatchSize)
	}
	if len(cfg.IgnoreFields) != 2 || cfg.IgnoreFields[0] != "notes_last_updated" {
		t.Errorf("unexpected ignore_fields: %v", cfg.IgnoreFields)
	}
	if cfg.RedisAddr != "localhost:6379" {
		t.Errorf("expected redis_addr, got %s", cfg.RedisAddr)
	}
	if cfg.WarnUpdatesThreshold != 50 || cfg.WarnCreatesThreshold != 100 {
		t.Errorf("warning thresholds not defaulted: %d/%d", cfg.WarnUpdatesThreshold, cfg.WarnCreatesThreshold)
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	jsonContent := `{"db_path": "z.db", "log_level": "debug", "snapshot_cache_size": 4}`
	configFile := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(configFile, []byte(jsonContent), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(configFile)
	if err != nil {
		t.Fatalf("failed to load JSON config: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("expected log_level debug, got %s", cfg.LogLevel)
	}
	if cfg.SnapshotCacheSize != 4 {
		t.Errorf("expected snapshot_cache_size 4, got %d", cfg.SnapshotCacheSize)
	}
}

func TestLoadFromFile_UnsupportedFormat(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(configFile, []byte("db_path = 'x'"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFromFile(configFile); err == nil || !strings.Contains(err.Error(), "unsupported") {
		t.Fatalf("expected unsupported format error, got %v", err)
	}
}

func TestSetDefaults(t *testing.T) {
	cfg := Default()

	if cfg.DBPath != "zibridge.db" {
		t.Errorf("expected default db_path, got %s", cfg.DBPath)
	}
	if cfg.CaptureBatchSize != 500 {
		t.Errorf("expected default capture_batch_size 500, got %d", cfg.CaptureBatchSize)
	}
	if len(cfg.SystemFields) != 5 || cfg.SystemFields[1] != "hs_object_id" {
		t.Errorf("unexpected default system_fields: %v", cfg.SystemFields)
	}
	if cfg.HubSpotBaseURL != "https://api.hubapi.com" {
		t.Errorf("unexpected hubspot base url %s", cfg.HubSpotBaseURL)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"empty db path", func(c *Config) { c.DBPath = " " }, "db_path"},
		{"zero batch", func(c *Config) { c.CaptureBatchSize = 0 }, "capture_batch_size"},
		{"negative threshold", func(c *Config) { c.WarnUpdatesThreshold = -1 }, "thresholds"},
		{"plain api key", func(c *Config) { c.APIKeys = []string{"secret"} }, "api_keys"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadFromEnvAndFlags(t *testing.T) {
	t.Setenv("ZIBRIDGE_DB", "env.db")
	t.Setenv("ZIBRIDGE_IGNORE_FIELDS", "a, b,,c")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")

	cfg := Default()
	cfg.LoadFromEnv()
	if cfg.DBPath != "env.db" {
		t.Errorf("expected env db path, got %s", cfg.DBPath)
	}
	if len(cfg.IgnoreFields) != 3 || cfg.IgnoreFields[2] != "c" {
		t.Errorf("unexpected ignore fields from env: %v", cfg.IgnoreFields)
	}
	if cfg.RedisAddr != "redis:6379" || cfg.OTELEndpoint != "collector:4318" {
		t.Errorf("conventional env vars not applied: %+v", cfg)
	}

	cfg.MergeWithFlags(map[string]any{"db": "flag.db", "addr": "", "capture_batch_size": 10})
	if cfg.DBPath != "flag.db" {
		t.Errorf("flag must override env, got %s", cfg.DBPath)
	}
	if cfg.HTTPAddr != ":8000" {
		t.Errorf("empty flag must not override, got %s", cfg.HTTPAddr)
	}
	if cfg.CaptureBatchSize != 10 {
		t.Errorf("expected capture_batch_size 10, got %d", cfg.CaptureBatchSize)
	}
}
