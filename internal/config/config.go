// Package config loads the pipeline configuration from a YAML file and
// environment overrides. Every MARKETPIPE_* variable overrides the
// corresponding file setting, so deployments can keep credentials out of
// the config file entirely.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/imancn/marketpipe/internal/logging"
	"github.com/shirou/gopsutil/v3/mem"
	"gopkg.in/yaml.v3"
)

// TargetConfig holds target database connection settings.
type TargetConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"` // disable, prefer, require, verify-ca, verify-full (default: prefer)
	MaxConns int    `yaml:"max_conns"`
}

// SourceConfig holds the market data API settings.
type SourceConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// PipelineConfig holds extraction and load tuning.
type PipelineConfig struct {
	BatchSize       int           `yaml:"batch_size"`        // 0 = size from available memory
	PageSize        int           `yaml:"page_size"`         // rows per extraction page
	PageDelay       time.Duration `yaml:"page_delay"`        // pause between pages
	MaxRetries      int           `yaml:"max_retries"`       // transient write retries
	RetryDelay      time.Duration `yaml:"retry_delay"`       // initial retry backoff
	JobTimeout      time.Duration `yaml:"job_timeout"`       // per-run ceiling, 0 = none
	DefaultLookback time.Duration `yaml:"default_lookback"`  // incremental window with no watermark
}

// LoggingConfig holds log level and format.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// Config is the full application configuration.
type Config struct {
	Target    TargetConfig   `yaml:"target"`
	Source    SourceConfig   `yaml:"source"`
	StatePath string         `yaml:"state_path"`
	Pipeline  PipelineConfig `yaml:"pipeline"`
	Logging   LoggingConfig  `yaml:"logging"`
}

// Load reads the config file at path (missing file is not an error; env
// and defaults still apply), applies MARKETPIPE_* overrides, fills
// defaults, and validates.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
			logging.Debug("Config file %s not found, using environment and defaults", path)
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envStr("MARKETPIPE_PG_HOST", &c.Target.Host)
	envInt("MARKETPIPE_PG_PORT", &c.Target.Port)
	envStr("MARKETPIPE_PG_DATABASE", &c.Target.Database)
	envStr("MARKETPIPE_PG_USER", &c.Target.User)
	envStr("MARKETPIPE_PG_PASSWORD", &c.Target.Password)
	envStr("MARKETPIPE_PG_SSLMODE", &c.Target.SSLMode)
	envInt("MARKETPIPE_PG_MAX_CONNS", &c.Target.MaxConns)

	envStr("MARKETPIPE_SOURCE_URL", &c.Source.BaseURL)
	envStr("MARKETPIPE_SOURCE_API_KEY", &c.Source.APIKey)

	envStr("MARKETPIPE_STATE_PATH", &c.StatePath)

	envInt("MARKETPIPE_BATCH_SIZE", &c.Pipeline.BatchSize)
	envInt("MARKETPIPE_PAGE_SIZE", &c.Pipeline.PageSize)
	envDur("MARKETPIPE_PAGE_DELAY", &c.Pipeline.PageDelay)
	envInt("MARKETPIPE_MAX_RETRIES", &c.Pipeline.MaxRetries)
	envDur("MARKETPIPE_RETRY_DELAY", &c.Pipeline.RetryDelay)
	envDur("MARKETPIPE_JOB_TIMEOUT", &c.Pipeline.JobTimeout)
	envDur("MARKETPIPE_DEFAULT_LOOKBACK", &c.Pipeline.DefaultLookback)

	envStr("MARKETPIPE_LOG_LEVEL", &c.Logging.Level)
	envStr("MARKETPIPE_LOG_FORMAT", &c.Logging.Format)
}

func (c *Config) applyDefaults() {
	if c.Target.Port == 0 {
		c.Target.Port = 5432
	}
	if c.Target.SSLMode == "" {
		c.Target.SSLMode = "prefer"
	}
	if c.Target.MaxConns == 0 {
		c.Target.MaxConns = 4
	}
	if c.StatePath == "" {
		c.StatePath = "marketpipe.db"
	}
	if c.Pipeline.BatchSize == 0 {
		c.Pipeline.BatchSize = defaultBatchSize()
	}
	if c.Pipeline.PageSize == 0 {
		c.Pipeline.PageSize = 2000
	}
	if c.Pipeline.PageDelay == 0 {
		c.Pipeline.PageDelay = 100 * time.Millisecond
	}
	if c.Pipeline.MaxRetries == 0 {
		c.Pipeline.MaxRetries = 3
	}
	if c.Pipeline.RetryDelay == 0 {
		c.Pipeline.RetryDelay = time.Second
	}
	if c.Pipeline.DefaultLookback == 0 {
		c.Pipeline.DefaultLookback = time.Hour
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that required settings are present and sane.
func (c *Config) Validate() error {
	if c.Target.Host == "" {
		return fmt.Errorf("target host is required")
	}
	if c.Target.Database == "" {
		return fmt.Errorf("target database is required")
	}
	if c.Target.User == "" {
		return fmt.Errorf("target user is required")
	}
	switch c.Target.SSLMode {
	case "disable", "allow", "prefer", "require", "verify-ca", "verify-full":
	default:
		return fmt.Errorf("invalid ssl_mode %q", c.Target.SSLMode)
	}
	if c.Pipeline.BatchSize < 0 {
		return fmt.Errorf("batch_size must be positive, got %d", c.Pipeline.BatchSize)
	}
	if c.Pipeline.PageSize < 0 {
		return fmt.Errorf("page_size must be positive, got %d", c.Pipeline.PageSize)
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q", c.Logging.Format)
	}
	return nil
}

// defaultBatchSize sizes load batches from available memory: roughly one
// row per 4KB of 1% of available memory, clamped to a sane range.
func defaultBatchSize() int {
	availMB := availableMemoryMB()
	size := int(availMB * 1024 / 4 / 100)
	if size < 500 {
		size = 500
	}
	if size > 10000 {
		size = 10000
	}
	return size
}

func availableMemoryMB() int64 {
	vm, err := mem.VirtualMemory()
	if err != nil || vm == nil {
		return 4096
	}
	return int64(vm.Available / (1024 * 1024))
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logging.Warn("Ignoring %s=%q: %v", key, v, err)
		return
	}
	*dst = n
}

func envDur(key string, dst *time.Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		logging.Warn("Ignoring %s=%q: %v", key, v, err)
		return
	}
	*dst = d
}
