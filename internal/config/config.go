package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/artemis/pullhub/internal/observability"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable the hub reads at startup. Field names
// mirror the environment variable names in spec §6.4 (via struct tags)
// so JSON, YAML and env layers agree on the same keys.
type Config struct {
	HTTPPort int    `json:"http_port" yaml:"http_port"`
	WSPort   int    `json:"ws_port" yaml:"ws_port"`

	DownloadDir string `json:"download_dir" yaml:"download_dir"`

	ChunkSize int `json:"chunk_size" yaml:"chunk_size"`

	MaxChunkRetryAttempts int `json:"max_chunk_retry_attempts" yaml:"max_chunk_retry_attempts"`
	ChunkRetryBaseDelayMs int `json:"chunk_retry_base_delay_ms" yaml:"chunk_retry_base_delay_ms"`
	ChunkArrivalTimeoutMs int `json:"chunk_arrival_timeout_ms" yaml:"chunk_arrival_timeout_ms"`

	HeartbeatIntervalMs int `json:"heartbeat_interval_ms" yaml:"heartbeat_interval_ms"`
	StaleTimeoutMs      int `json:"stale_timeout_ms" yaml:"stale_timeout_ms"`

	DeleteScratchOnFailure bool `json:"delete_scratch_on_failure" yaml:"delete_scratch_on_failure"`
	RetentionWindowHours   int  `json:"retention_window_hours" yaml:"retention_window_hours"`

	LogLevel string `json:"log_level" yaml:"log_level"`

	JaegerEndpoint string `json:"jaeger_endpoint" yaml:"jaeger_endpoint"`

	mu sync.RWMutex
}

// DefaultConfig returns a configuration carrying every default named
// in spec §6.4.
func DefaultConfig() *Config {
	return &Config{
		HTTPPort:               3000,
		WSPort:                 8080,
		DownloadDir:            "./downloads",
		ChunkSize:              1048576,
		MaxChunkRetryAttempts:  3,
		ChunkRetryBaseDelayMs:  1000,
		ChunkArrivalTimeoutMs:  30000,
		HeartbeatIntervalMs:    30000,
		StaleTimeoutMs:         90000,
		DeleteScratchOnFailure: false,
		RetentionWindowHours:   24,
		LogLevel:               "info",
	}
}

// LoadConfig loads configuration from path (JSON or YAML, chosen by
// extension), falling back to defaults if path is empty or missing,
// then applies environment variable overrides per spec §6.4.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(homeDir, ".pullhub", "config.json")
		}
	}

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		switch filepath.Ext(path) {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse yaml config file: %w", err)
			}
		default:
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse json config file: %w", err)
			}
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := envInt("HTTP_PORT"); ok {
		cfg.HTTPPort = v
	}
	if v, ok := envInt("WS_PORT"); ok {
		cfg.WSPort = v
	}
	if v, ok := os.LookupEnv("DOWNLOAD_DIR"); ok && v != "" {
		cfg.DownloadDir = v
	}
	if v, ok := envInt("CHUNK_SIZE"); ok {
		cfg.ChunkSize = v
	}
	if v, ok := envInt("MAX_CHUNK_RETRY_ATTEMPTS"); ok {
		cfg.MaxChunkRetryAttempts = v
	}
	if v, ok := envInt("CHUNK_RETRY_BASE_DELAY_MS"); ok {
		cfg.ChunkRetryBaseDelayMs = v
	}
	if v, ok := envInt("CHUNK_ARRIVAL_TIMEOUT_MS"); ok {
		cfg.ChunkArrivalTimeoutMs = v
	}
	if v, ok := envInt("HEARTBEAT_INTERVAL_MS"); ok {
		cfg.HeartbeatIntervalMs = v
	}
	if v, ok := envInt("STALE_TIMEOUT_MS"); ok {
		cfg.StaleTimeoutMs = v
	}
	if v, ok := os.LookupEnv("LOG_LEVEL"); ok && v != "" {
		cfg.LogLevel = v
	}
}

func envInt(name string) (int, bool) {
	raw, ok := os.LookupEnv(name)
	if !ok || raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Save writes the configuration to path as JSON, atomically (write-tmp,
// rename), creating the parent directory if needed.
func (c *Config) Save(path string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if path == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, ".pullhub", "config.json")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename config file: %w", err)
	}

	return nil
}

// HeartbeatInterval is HeartbeatIntervalMs as a time.Duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

// StaleTimeout is StaleTimeoutMs as a time.Duration.
func (c *Config) StaleTimeout() time.Duration {
	return time.Duration(c.StaleTimeoutMs) * time.Millisecond
}

// ChunkArrivalTimeout is ChunkArrivalTimeoutMs as a time.Duration.
func (c *Config) ChunkArrivalTimeout() time.Duration {
	return time.Duration(c.ChunkArrivalTimeoutMs) * time.Millisecond
}

// ChunkRetryBaseDelay is ChunkRetryBaseDelayMs as a time.Duration.
func (c *Config) ChunkRetryBaseDelay() time.Duration {
	return time.Duration(c.ChunkRetryBaseDelayMs) * time.Millisecond
}

// RetentionWindow is RetentionWindowHours as a time.Duration.
func (c *Config) RetentionWindow() time.Duration {
	return time.Duration(c.RetentionWindowHours) * time.Hour
}

// Redact returns a loggable copy of the config. Nothing here is
// currently secret-shaped, but the hook matches the teacher's pattern
// and covers any future credential field (e.g. a TLS key path).
func (c *Config) Redact() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return map[string]interface{}{
		"http_port":                c.HTTPPort,
		"ws_port":                  c.WSPort,
		"download_dir":             observability.RedactString(c.DownloadDir),
		"chunk_size":               c.ChunkSize,
		"max_chunk_retry_attempts": c.MaxChunkRetryAttempts,
		"heartbeat_interval_ms":    c.HeartbeatIntervalMs,
		"stale_timeout_ms":         c.StaleTimeoutMs,
		"log_level":                c.LogLevel,
	}
}
