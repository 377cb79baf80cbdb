package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the server configuration. File values are overridden by the
// environment and then by command-line flags.
type Config struct {
	// Storage
	DBPath string `yaml:"db_path" json:"db_path"`

	// Listeners
	HTTPAddr   string `yaml:"http_addr" json:"http_addr"`
	SocketPath string `yaml:"socket_path" json:"socket_path"`

	// API keys accepted on /api routes, stored as sha256 hex.
	APIKeys []string `yaml:"api_keys" json:"api_keys"`

	// Engine
	CaptureBatchSize     int      `yaml:"capture_batch_size" json:"capture_batch_size"`
	IgnoreFields         []string `yaml:"ignore_fields" json:"ignore_fields"`
	SystemFields         []string `yaml:"system_fields" json:"system_fields"`
	WarnUpdatesThreshold int      `yaml:"warn_updates_threshold" json:"warn_updates_threshold"`
	WarnCreatesThreshold int      `yaml:"warn_creates_threshold" json:"warn_creates_threshold"`
	SnapshotCacheSize    int      `yaml:"snapshot_cache_size" json:"snapshot_cache_size"`
	SnapshotCacheTTLSec  int      `yaml:"snapshot_cache_ttl_sec" json:"snapshot_cache_ttl_sec"`
	UploadMaxBytes       int64    `yaml:"upload_max_bytes" json:"upload_max_bytes"`

	// Connectors
	HubSpotBaseURL    string  `yaml:"hubspot_base_url" json:"hubspot_base_url"`
	ConnectorRPS      float64 `yaml:"connector_rps" json:"connector_rps"`
	ConnectorBurst    int     `yaml:"connector_burst" json:"connector_burst"`
	ConnectorRetrySec int     `yaml:"connector_retry_sec" json:"connector_retry_sec"`

	// Observability
	LogLevel     string `yaml:"log_level" json:"log_level"`
	OTELEndpoint string `yaml:"otel_endpoint" json:"otel_endpoint"`
	OTELInsecure bool   `yaml:"otel_insecure" json:"otel_insecure"`
	OTELService  string `yaml:"otel_service" json:"otel_service"`

	// Redis, used for the distributed capture lock when set.
	RedisAddr    string `yaml:"redis_addr" json:"redis_addr"`
	LockTTLSec   int    `yaml:"lock_ttl_sec" json:"lock_ttl_sec"`
	LockWaitSec  int    `yaml:"lock_wait_sec" json:"lock_wait_sec"`
	LockKeyspace string `yaml:"lock_keyspace" json:"lock_keyspace"`
}

var defaultSystemFields = []string{"id", "hs_object_id", "createdate", "lastmodifieddate", "hs_lastmodifieddate"}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.SetDefaults()
	return c
}

// SetDefaults fills zero values.
func (c *Config) SetDefaults() {
	if c.DBPath == "" {
		c.DBPath = "zibridge.db"
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8000"
	}
	if c.SocketPath == "" {
		c.SocketPath = "zibridge.sock"
	}
	if c.CaptureBatchSize == 0 {
		c.CaptureBatchSize = 500
	}
	if len(c.SystemFields) == 0 {
		c.SystemFields = append([]string(nil), defaultSystemFields...)
	}
	if c.WarnUpdatesThreshold == 0 {
		c.WarnUpdatesThreshold = 50
	}
	if c.WarnCreatesThreshold == 0 {
		c.WarnCreatesThreshold = 100
	}
	if c.SnapshotCacheSize == 0 {
		c.SnapshotCacheSize = 16
	}
	if c.SnapshotCacheTTLSec == 0 {
		c.SnapshotCacheTTLSec = 600
	}
	if c.UploadMaxBytes == 0 {
		c.UploadMaxBytes = 32 << 20
	}
	if c.HubSpotBaseURL == "" {
		c.HubSpotBaseURL = "https://api.hubapi.com"
	}
	if c.ConnectorRPS == 0 {
		c.ConnectorRPS = 9
	}
	if c.ConnectorBurst == 0 {
		c.ConnectorBurst = 1
	}
	if c.ConnectorRetrySec == 0 {
		c.ConnectorRetrySec = 30
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.OTELService == "" {
		c.OTELService = "zibridge"
	}
	if c.LockTTLSec == 0 {
		c.LockTTLSec = 600
	}
	if c.LockWaitSec == 0 {
		c.LockWaitSec = 30
	}
	if c.LockKeyspace == "" {
		c.LockKeyspace = "zibridge:lock:"
	}
}

// Validate checks the configuration after defaults are applied.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DBPath) == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.CaptureBatchSize < 1 {
		return fmt.Errorf("capture_batch_size must be at least 1")
	}
	if c.WarnUpdatesThreshold < 0 || c.WarnCreatesThreshold < 0 {
		return fmt.Errorf("warning thresholds must not be negative")
	}
	if c.SnapshotCacheSize < 0 {
		return fmt.Errorf("snapshot_cache_size must not be negative")
	}
	if c.ConnectorRPS < 0 {
		return fmt.Errorf("connector_rps must not be negative")
	}
	if c.ConnectorBurst < 1 {
		return fmt.Errorf("connector_burst must be at least 1")
	}
	if c.LockTTLSec < 1 {
		return fmt.Errorf("lock_ttl_sec must be at least 1")
	}
	for _, k := range c.APIKeys {
		if len(k) != 64 {
			return fmt.Errorf("api_keys must be sha256 hex digests")
		}
	}
	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (use .yaml, .yml, or .json)", ext)
	}

	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &config, nil
}

// MergeWithFlags applies command-line values. Flags take precedence over the
// file and the environment.
func (c *Config) MergeWithFlags(flags map[string]any) {
	if v, ok := flags["db"].(string); ok && v != "" {
		c.DBPath = v
	}
	if v, ok := flags["addr"].(string); ok && v != "" {
		c.HTTPAddr = v
	}
	if v, ok := flags["socket"].(string); ok && v != "" {
		c.SocketPath = v
	}
	if v, ok := flags["log_level"].(string); ok && v != "" {
		c.LogLevel = v
	}
	if v, ok := flags["redis_addr"].(string); ok && v != "" {
		c.RedisAddr = v
	}
	if v, ok := flags["otel_endpoint"].(string); ok && v != "" {
		c.OTELEndpoint = v
	}
	if v, ok := flags["otel_insecure"].(bool); ok && v {
		c.OTELInsecure = v
	}
	if v, ok := flags["capture_batch_size"].(int); ok && v > 0 {
		c.CaptureBatchSize = v
	}
	if v, ok := flags["ignore_fields"].([]string); ok && len(v) > 0 {
		c.IgnoreFields = v
	}
}

// LoadFromEnv applies ZIBRIDGE_* variables plus the conventional REDIS_ADDR
// and OTEL_EXPORTER_OTLP_ENDPOINT.
func (c *Config) LoadFromEnv() {
	if v := os.Getenv("ZIBRIDGE_DB"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("ZIBRIDGE_ADDR"); v != "" {
		c.HTTPAddr = v
	}
	if v := os.Getenv("ZIBRIDGE_SOCKET"); v != "" {
		c.SocketPath = v
	}
	if v := os.Getenv("ZIBRIDGE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("ZIBRIDGE_API_KEYS"); v != "" {
		c.APIKeys = splitList(v)
	}
	if v := os.Getenv("ZIBRIDGE_IGNORE_FIELDS"); v != "" {
		c.IgnoreFields = splitList(v)
	}
	if v := os.Getenv("ZIBRIDGE_HUBSPOT_BASE_URL"); v != "" {
		c.HubSpotBaseURL = v
	}
	if v := os.Getenv("ZIBRIDGE_CAPTURE_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.CaptureBatchSize = n
		}
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.OTELEndpoint = v
	}
}

func splitList(raw string) []string {
	out := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
