// Package config provides hierarchical configuration management.
// Priority: defaults < system < user < project < --config file < env < flags
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Source kinds.
const (
	SourceDuckDB = "duckdb"
	SourceJSONL  = "jsonl"
	SourceRedis  = "redis"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TRAINWATCH_"

// Config holds all trainwatch configuration.
type Config struct {
	Version int `yaml:"version"`

	Server    ServerConfig    `yaml:"server"`
	Client    ClientConfig    `yaml:"client"`
	Hub       HubConfig       `yaml:"hub"`
	Poller    PollerConfig    `yaml:"poller"`
	Source    SourceConfig    `yaml:"source"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig for the HTTP server.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	CORSOrigin   string        `yaml:"cors_origin"` // empty disables CORS headers
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ClientConfig for the stream consumer.
type ClientConfig struct {
	URL                 string        `yaml:"url"`
	SeriesCap           int           `yaml:"series_cap"`
	RejectStaleVersions bool          `yaml:"reject_stale_versions"`
	RetryFloor          time.Duration `yaml:"retry_floor"`
	RetryCeiling        time.Duration `yaml:"retry_ceiling"`
	Tab                 string        `yaml:"tab"`
	RefreshInterval     time.Duration `yaml:"refresh_interval"`
	Runs                []string      `yaml:"runs"`  // empty keeps auto-selection
	Range               string        `yaml:"range"` // 1d, 3d, 1w or all
}

// HubConfig for the server-side cache.
type HubConfig struct {
	SeriesCap int `yaml:"series_cap"`
}

// PollerConfig for the source poll loops.
type PollerConfig struct {
	Interval         time.Duration `yaml:"interval"`
	RunsMetaInterval time.Duration `yaml:"runs_meta_interval"`
	ActiveWindow     time.Duration `yaml:"active_window"`
}

// SourceConfig selects and configures the point source.
type SourceConfig struct {
	Kind   string       `yaml:"kind"` // duckdb | jsonl | redis
	DuckDB DuckDBConfig `yaml:"duckdb"`
	JSONL  JSONLConfig  `yaml:"jsonl"`
	Redis  RedisConfig  `yaml:"redis"`
}

// DuckDBConfig for the SQL source.
type DuckDBConfig struct {
	Path  string `yaml:"path"`
	Table string `yaml:"table"`
}

// JSONLConfig for the file source.
type JSONLConfig struct {
	Path     string        `yaml:"path"`
	Debounce time.Duration `yaml:"debounce"`
}

// RedisConfig for the stream source.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	Database int    `yaml:"database"`
	Stream   string `yaml:"stream"`
}

// LoggingConfig for zap.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // console | json
}

// TelemetryConfig for OTLP tracing.
type TelemetryConfig struct {
	Enabled       bool    `yaml:"enabled"`
	Endpoint      string  `yaml:"endpoint"`
	ServiceName   string  `yaml:"service_name"`
	Insecure      bool    `yaml:"insecure"`
	SamplingRatio float64 `yaml:"sampling_ratio"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Version: 1,
		Server: ServerConfig{
			Host:         "localhost",
			Port:         8000,
			CORSOrigin:   "*",
			DrainTimeout: 10 * time.Second,
		},
		Client: ClientConfig{
			URL:             "http://localhost:8000/stream",
			SeriesCap:       4000,
			RetryFloor:      time.Second,
			RetryCeiling:    30 * time.Second,
			Tab:             "training",
			RefreshInterval: 2 * time.Second,
			Range:           "all",
		},
		Hub: HubConfig{
			SeriesCap: 2000,
		},
		Poller: PollerConfig{
			Interval:         5 * time.Second,
			RunsMetaInterval: 30 * time.Second,
			ActiveWindow:     5 * time.Minute,
		},
		Source: SourceConfig{
			Kind: SourceDuckDB,
			DuckDB: DuckDBConfig{
				Path:  "metrics.duckdb",
				Table: "metric_points",
			},
			JSONL: JSONLConfig{
				Path:     "metrics.jsonl",
				Debounce: 200 * time.Millisecond,
			},
			Redis: RedisConfig{
				Address: "localhost:6379",
				Stream:  "trainwatch:metrics",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Telemetry: TelemetryConfig{
			Enabled:       false,
			Endpoint:      "localhost:4317",
			ServiceName:   "trainwatch",
			Insecure:      true,
			SamplingRatio: 1.0,
		},
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Source.Kind {
	case SourceDuckDB, SourceJSONL, SourceRedis:
	default:
		return fmt.Errorf("unknown source kind %q", c.Source.Kind)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Poller.Interval <= 0 {
		return errors.New("poller interval must be positive")
	}
	if c.Client.RetryCeiling < c.Client.RetryFloor {
		return errors.New("client retry ceiling is below the floor")
	}
	switch c.Client.Range {
	case "1d", "3d", "1w", "all":
	default:
		return fmt.Errorf("unknown time range %q", c.Client.Range)
	}
	if r := c.Telemetry.SamplingRatio; r < 0 || r > 1 {
		return fmt.Errorf("sampling ratio %v is outside [0, 1]", r)
	}
	return nil
}

// Manager handles configuration loading and merging.
type Manager struct {
	mu     sync.RWMutex
	config *Config
	paths  []string // Paths that were loaded

	searchPaths []string
	getenv      func(string) string
}

// NewManager creates a new configuration manager.
func NewManager() *Manager {
	return &Manager{
		config:      Default(),
		searchPaths: defaultPaths(),
		getenv:      os.Getenv,
	}
}

// Load loads configuration from all sources in priority order. Missing
// search-path files are skipped; an explicit file must exist.
func (m *Manager) Load(explicit string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Start with defaults
	m.config = Default()
	m.paths = nil

	for _, path := range m.searchPaths {
		if err := m.loadFile(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return err
		}
		m.paths = append(m.paths, path)
	}

	if explicit != "" {
		if err := m.loadFile(explicit); err != nil {
			return err
		}
		m.paths = append(m.paths, explicit)
	}

	// Override with environment variables
	if err := m.loadEnv(); err != nil {
		return err
	}

	return m.config.Validate()
}

// defaultPaths returns config file paths in priority order.
func defaultPaths() []string {
	var paths []string

	// System config
	if runtime.GOOS != "windows" {
		paths = append(paths, "/etc/trainwatch/config.yaml")
	}

	// User config
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".trainwatch", "config.yaml"))
	}

	// Project config (current directory)
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, ".trainwatch.yaml"))
	}

	return paths
}

// loadFile decodes a single config file over the current values. Keys
// absent from the file keep their current value.
func (m *Manager) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	if err := yaml.Unmarshal(data, m.config); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

// loadEnv loads configuration from TRAINWATCH_* environment variables.
func (m *Manager) loadEnv() error {
	c := m.config

	strs := map[string]*string{
		"HOST":           &c.Server.Host,
		"CORS_ORIGIN":    &c.Server.CORSOrigin,
		"URL":            &c.Client.URL,
		"RANGE":          &c.Client.Range,
		"SOURCE":         &c.Source.Kind,
		"DUCKDB_PATH":    &c.Source.DuckDB.Path,
		"DUCKDB_TABLE":   &c.Source.DuckDB.Table,
		"JSONL_PATH":     &c.Source.JSONL.Path,
		"REDIS_ADDRESS":  &c.Source.Redis.Address,
		"REDIS_PASSWORD": &c.Source.Redis.Password,
		"REDIS_STREAM":   &c.Source.Redis.Stream,
		"LOG_LEVEL":      &c.Logging.Level,
		"LOG_FORMAT":     &c.Logging.Format,
		"OTLP_ENDPOINT":  &c.Telemetry.Endpoint,
	}
	for key, dst := range strs {
		if v := m.getenv(EnvPrefix + key); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"PORT":           &c.Server.Port,
		"SERIES_CAP":     &c.Client.SeriesCap,
		"HUB_SERIES_CAP": &c.Hub.SeriesCap,
		"REDIS_DB":       &c.Source.Redis.Database,
	}
	for key, dst := range ints {
		v := m.getenv(EnvPrefix + key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
		}
		*dst = n
	}

	durations := map[string]*time.Duration{
		"POLL_INTERVAL":      &c.Poller.Interval,
		"RUNS_META_INTERVAL": &c.Poller.RunsMetaInterval,
		"ACTIVE_WINDOW":      &c.Poller.ActiveWindow,
	}
	for key, dst := range durations {
		v := m.getenv(EnvPrefix + key)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
		}
		*dst = d
	}

	bools := map[string]*bool{
		"REJECT_STALE_VERSIONS": &c.Client.RejectStaleVersions,
		"TELEMETRY_ENABLED":     &c.Telemetry.Enabled,
	}
	for key, dst := range bools {
		v := m.getenv(EnvPrefix + key)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
		}
		*dst = b
	}

	return nil
}

// Get returns the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// GetPaths returns the paths that were loaded.
func (m *Manager) GetPaths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paths
}
