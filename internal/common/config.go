package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Server      ServerConfig    `toml:"server"`
	Database    DatabaseConfig  `toml:"database"`
	Storage     StorageConfig   `toml:"storage"`
	Scheduler   SchedulerConfig `toml:"scheduler"`
	Limits      LimitsConfig    `toml:"limits"`
	CMR         CMRConfig       `toml:"cmr"`
	Logging     LoggingConfig   `toml:"logging"`
	Services    ServicesConfig  `toml:"services"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// DatabaseConfig holds SQLite settings for the relational store.
type DatabaseConfig struct {
	Path          string `toml:"path"`
	CacheSizeMB   int    `toml:"cache_size_mb"`
	BusyTimeoutMS int    `toml:"busy_timeout_ms"`
	WALMode       bool   `toml:"wal_mode"`
}

// StorageConfig selects and configures the object-store backend used for
// catalog fragments and stored query payloads.
type StorageConfig struct {
	Type string `toml:"type"` // "file" or "badger"
	Path string `toml:"path"`
}

// SchedulerConfig controls work item leasing, retry and reaping.
type SchedulerConfig struct {
	WorkItemRetryLimit int    `toml:"work_item_retry_limit"`
	VisibilityTimeout  string `toml:"visibility_timeout"` // e.g. "5m" - lease lifetime before the reaper reclaims an item
	ReaperInterval     string `toml:"reaper_interval"`    // e.g. "1m"
	// SyncPriority decides how synchronous jobs are favoured: "owner"
	// prefers sync jobs only among one owner's jobs, "global" serves owners
	// with ready synchronous work before any asynchronous work.
	SyncPriority           string `toml:"sync_priority"`
	SyncPollIntervalMS     int    `toml:"sync_poll_interval_ms"`
	PreviewThreshold       int    `toml:"preview_threshold"` // async jobs above this granule count start in previewing
	QueryTaskImage         string `toml:"query_task_image"`  // worker image of the catalog-query step
}

// LimitsConfig bounds request sizes and aggregation pages.
type LimitsConfig struct {
	MaxGranuleLimit                 int `toml:"max_granule_limit"`
	AggregateStacCatalogMaxPageSize int `toml:"aggregate_stac_catalog_max_page_size"`
}

// CMRConfig configures the catalog metadata client and its cache.
type CMRConfig struct {
	Endpoint       string `toml:"endpoint"`
	MaxPageSize    int    `toml:"max_page_size"`
	CacheTTL       string `toml:"cache_ttl"`        // e.g. "10m"
	CacheSizeBytes int64  `toml:"cache_size_bytes"` // byte cap for cached responses
	RequestTimeout string `toml:"request_timeout"`
	RateLimit      string `toml:"rate_limit"` // minimum spacing between upstream calls, e.g. "100ms"
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Format     string   `toml:"format"`      // "json" or "text"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs (default: "15:04:05.000")
}

// ServicesConfig locates the service chain definitions.
type ServicesConfig struct {
	DefinitionsFile string `toml:"definitions_file"`
}

// NewDefaultConfig creates a configuration with default values.
// Technical parameters are hardcoded here for production stability; only
// user-facing settings need to appear in ordino.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Database: DatabaseConfig{
			Path:          "./data/ordino.db",
			CacheSizeMB:   64,
			BusyTimeoutMS: 5000,
			WALMode:       true,
		},
		Storage: StorageConfig{
			Type: "file",
			Path: "./data/artifacts",
		},
		Scheduler: SchedulerConfig{
			WorkItemRetryLimit: 3,
			VisibilityTimeout:  "5m",
			ReaperInterval:     "1m",
			SyncPriority:       "owner",
			SyncPollIntervalMS: 500,
			PreviewThreshold:   1000,
			QueryTaskImage:     "ordino/query-cmr:latest",
		},
		Limits: LimitsConfig{
			MaxGranuleLimit:                 10000,
			AggregateStacCatalogMaxPageSize: 2000,
		},
		CMR: CMRConfig{
			Endpoint:       "https://cmr.earthdata.nasa.gov",
			MaxPageSize:    2000,
			CacheTTL:       "10m",
			CacheSizeBytes: 64 * 1024 * 1024,
			RequestTimeout: "30s",
			RateLimit:      "100ms",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: []string{"stdout", "file"},
		},
		Services: ServicesConfig{
			DefinitionsFile: "./services.toml",
		},
	}
}

// LoadFromFiles loads configuration from multiple files with priority:
// defaults -> file1 -> file2 -> ... -> env. Later files override earlier
// files; environment variables override all files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks the ranges the scheduler depends on.
func (c *Config) Validate() error {
	if c.Scheduler.WorkItemRetryLimit < 0 {
		return fmt.Errorf("scheduler.work_item_retry_limit must be >= 0")
	}
	if c.Limits.AggregateStacCatalogMaxPageSize < 1 {
		return fmt.Errorf("limits.aggregate_stac_catalog_max_page_size must be >= 1")
	}
	if c.Limits.MaxGranuleLimit < 1 {
		return fmt.Errorf("limits.max_granule_limit must be >= 1")
	}
	if c.CMR.MaxPageSize < 1 {
		return fmt.Errorf("cmr.max_page_size must be >= 1")
	}
	if c.Scheduler.SyncPollIntervalMS < 1 {
		return fmt.Errorf("scheduler.sync_poll_interval_ms must be >= 1")
	}
	if c.Scheduler.SyncPriority != "owner" && c.Scheduler.SyncPriority != "global" {
		return fmt.Errorf("scheduler.sync_priority must be \"owner\" or \"global\"")
	}
	if _, err := c.VisibilityTimeout(); err != nil {
		return fmt.Errorf("scheduler.visibility_timeout: %w", err)
	}
	if _, err := c.ReaperInterval(); err != nil {
		return fmt.Errorf("scheduler.reaper_interval: %w", err)
	}
	return nil
}

// VisibilityTimeout parses the lease lifetime.
func (c *Config) VisibilityTimeout() (time.Duration, error) {
	return time.ParseDuration(c.Scheduler.VisibilityTimeout)
}

// ReaperInterval parses the reaper period.
func (c *Config) ReaperInterval() (time.Duration, error) {
	return time.ParseDuration(c.Scheduler.ReaperInterval)
}

// CMRCacheTTL parses the metadata cache TTL.
func (c *Config) CMRCacheTTL() (time.Duration, error) {
	return time.ParseDuration(c.CMR.CacheTTL)
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("ORDINO_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	if port := os.Getenv("ORDINO_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("ORDINO_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if path := os.Getenv("ORDINO_DATABASE_PATH"); path != "" {
		config.Database.Path = path
	}
	if typ := os.Getenv("ORDINO_STORAGE_TYPE"); typ != "" {
		config.Storage.Type = typ
	}
	if path := os.Getenv("ORDINO_STORAGE_PATH"); path != "" {
		config.Storage.Path = path
	}
	if v := os.Getenv("ORDINO_WORK_ITEM_RETRY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Scheduler.WorkItemRetryLimit = n
		}
	}
	if v := os.Getenv("ORDINO_VISIBILITY_TIMEOUT"); v != "" {
		config.Scheduler.VisibilityTimeout = v
	}
	if v := os.Getenv("ORDINO_REAPER_INTERVAL"); v != "" {
		config.Scheduler.ReaperInterval = v
	}
	if v := os.Getenv("ORDINO_SYNC_PRIORITY"); v != "" {
		config.Scheduler.SyncPriority = v
	}
	if v := os.Getenv("ORDINO_MAX_GRANULE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Limits.MaxGranuleLimit = n
		}
	}
	if v := os.Getenv("ORDINO_AGGREGATE_STAC_CATALOG_MAX_PAGE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Limits.AggregateStacCatalogMaxPageSize = n
		}
	}
	if v := os.Getenv("ORDINO_CMR_ENDPOINT"); v != "" {
		config.CMR.Endpoint = v
	}
	if v := os.Getenv("ORDINO_CMR_MAX_PAGE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.CMR.MaxPageSize = n
		}
	}
	if v := os.Getenv("ORDINO_CMR_CACHE_TTL"); v != "" {
		config.CMR.CacheTTL = v
	}
	if v := os.Getenv("ORDINO_CMR_CACHE_SIZE_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			config.CMR.CacheSizeBytes = n
		}
	}
	if v := os.Getenv("ORDINO_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	if v := os.Getenv("ORDINO_SERVICES_FILE"); v != "" {
		config.Services.DefinitionsFile = v
	}
}
