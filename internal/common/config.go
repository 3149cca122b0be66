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
	Storage     StorageConfig   `toml:"storage"`
	Queue       QueueConfig     `toml:"queue"`
	Scheduler   SchedulerConfig `toml:"scheduler"`
	Failer      FailerConfig    `toml:"failer"`
	Reaper      ReaperConfig    `toml:"reaper"`
	Jobs        JobsConfig      `toml:"jobs"`
	Services    ServicesConfig  `toml:"services"`
	Logging     LoggingConfig   `toml:"logging"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

type StorageConfig struct {
	SQLite SQLiteConfig `toml:"sqlite"`
}

// SQLiteConfig represents SQLite-specific configuration
type SQLiteConfig struct {
	Path          string `toml:"path"`            // Database file path, ":memory:" for tests
	CacheSizeMB   int    `toml:"cache_size_mb"`   // Page cache size
	BusyTimeoutMS int    `toml:"busy_timeout_ms"` // Lock wait before SQLITE_BUSY
	WALMode       bool   `toml:"wal_mode"`        // Write-ahead logging
}

type QueueConfig struct {
	UseServiceQueues  bool   `toml:"use_service_queues"` // false = workers poll the database directly
	VisibilityTimeout string `toml:"visibility_timeout"` // e.g. "5m" - message redelivery window
	LongPollWait      string `toml:"long_poll_wait"`     // e.g. "20s" - max receive wait
	MaxReceive        int    `toml:"max_receive"`        // receives before a message is dropped
}

// SchedulerConfig drives work-size calculation and fair selection
type SchedulerConfig struct {
	BatchSizeCoefficient     float64 `toml:"batch_size_coefficient"`      // scaleFactor for normal services
	FastBatchSizeCoefficient float64 `toml:"fast_batch_size_coefficient"` // scaleFactor for the granule-discovery service
	QueueMaxBatchSize        int     `toml:"queue_max_batch_size"`        // scheduler queue read cap per call
	QueueMaxGetRequests      int     `toml:"queue_max_get_requests"`      // short-poll rounds per cycle
	SelectorBatchSize        int     `toml:"selector_batch_size"`         // inner fair-selector chunk size
	MaxItemsOnUpdateQueue    int     `toml:"max_items_on_update_queue"`   // back-pressure threshold, -1 disables
	LargeUpdateMaxBatchSize  int     `toml:"large_update_max_batch_size"` // batch cap for heavy aggregation updates
	PodCountCacheTTL         string  `toml:"pod_count_cache_ttl"`         // e.g. "5s"
	PodCounts                map[string]int `toml:"pod_counts"`           // static pod counts per serviceID
}

type FailerConfig struct {
	PeriodSec          int `toml:"period_sec"`            // interval between failer loops
	FailableAgeMinutes int `toml:"failable_age_minutes"`  // min RUNNING age considered for stall
}

type ReaperConfig struct {
	PeriodSec          int `toml:"period_sec"`           // interval between reaper loops
	ReapableAgeMinutes int `toml:"reapable_age_minutes"` // min age of terminal job before deletion
	BatchSize          int `toml:"batch_size"`           // max rows deleted per batch
}

// JobsConfig contains job-level limits
type JobsConfig struct {
	MaxErrorsForJob int `toml:"max_errors_for_job"` // error tolerance when ignoreErrors is set
}

// ServicesConfig points at the service-chain registry file
type ServicesConfig struct {
	RegistryPath string `toml:"registry_path"` // services.yaml
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // default "15:04:05.000"
}

// NewDefaultConfig returns the built-in defaults, applied before any file or
// environment override.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8090,
			Host: "localhost",
		},
		Storage: StorageConfig{
			SQLite: SQLiteConfig{
				Path:          "./data/stratus.db",
				CacheSizeMB:   64,
				BusyTimeoutMS: 5000,
				WALMode:       true,
			},
		},
		Queue: QueueConfig{
			UseServiceQueues:  true,
			VisibilityTimeout: "5m",
			LongPollWait:      "20s",
			MaxReceive:        5,
		},
		Scheduler: SchedulerConfig{
			BatchSizeCoefficient:     1.1,
			FastBatchSizeCoefficient: 2.0,
			QueueMaxBatchSize:        10,
			QueueMaxGetRequests:      10,
			SelectorBatchSize:        100,
			MaxItemsOnUpdateQueue:    -1,
			LargeUpdateMaxBatchSize:  10,
			PodCountCacheTTL:         "5s",
			PodCounts:                map[string]int{},
		},
		Failer: FailerConfig{
			PeriodSec:          60,
			FailableAgeMinutes: 10,
		},
		Reaper: ReaperConfig{
			PeriodSec:          360,
			ReapableAgeMinutes: 4320,
			BatchSize:          2000,
		},
		Jobs: JobsConfig{
			MaxErrorsForJob: 100,
		},
		Services: ServicesConfig{
			RegistryPath: "./services.yaml",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"stdout"},
			TimeFormat: "15:04:05.000",
		},
	}
}

// LoadFromFile loads configuration from a TOML file and applies environment
// overrides on top. A missing path returns defaults plus env overrides.
func LoadFromFile(path string) (*Config, error) {
	config := NewDefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)
	return config, nil
}

// applyEnvOverrides maps recognized environment variables onto the config.
// Environment always wins over the file.
func applyEnvOverrides(config *Config) {
	setInt := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				*dst = parsed
			}
		}
	}
	setFloat := func(name string, dst *float64) {
		if v := os.Getenv(name); v != "" {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = parsed
			}
		}
	}
	setBool := func(name string, dst *bool) {
		if v := os.Getenv(name); v != "" {
			if parsed, err := strconv.ParseBool(v); err == nil {
				*dst = parsed
			}
		}
	}

	setInt("WORK_FAILER_PERIOD_SEC", &config.Failer.PeriodSec)
	setInt("FAILABLE_WORK_AGE_MINUTES", &config.Failer.FailableAgeMinutes)
	setInt("WORK_REAPER_PERIOD_SEC", &config.Reaper.PeriodSec)
	setInt("REAPABLE_WORK_AGE_MINUTES", &config.Reaper.ReapableAgeMinutes)
	setInt("WORK_REAPER_BATCH_SIZE", &config.Reaper.BatchSize)
	setFloat("SERVICE_QUEUE_BATCH_SIZE_COEFFICIENT", &config.Scheduler.BatchSizeCoefficient)
	setFloat("FAST_SERVICE_QUEUE_BATCH_SIZE_COEFFICIENT", &config.Scheduler.FastBatchSizeCoefficient)
	setInt("WORK_ITEM_SCHEDULER_QUEUE_MAX_BATCH_SIZE", &config.Scheduler.QueueMaxBatchSize)
	setInt("WORK_ITEM_SCHEDULER_QUEUE_MAX_GET_MESSAGE_REQUESTS", &config.Scheduler.QueueMaxGetRequests)
	setInt("WORK_ITEM_SCHEDULER_BATCH_SIZE", &config.Scheduler.SelectorBatchSize)
	setInt("MAX_WORK_ITEMS_ON_UPDATE_QUEUE", &config.Scheduler.MaxItemsOnUpdateQueue)
	setInt("LARGE_WORK_ITEM_UPDATE_QUEUE_MAX_BATCH_SIZE", &config.Scheduler.LargeUpdateMaxBatchSize)
	setInt("MAX_ERRORS_FOR_JOB", &config.Jobs.MaxErrorsForJob)
	setBool("USE_SERVICE_QUEUES", &config.Queue.UseServiceQueues)

	if v := os.Getenv("POD_COUNT_CACHE_TTL"); v != "" {
		if _, err := time.ParseDuration(v); err == nil {
			config.Scheduler.PodCountCacheTTL = v
		} else if secs, err := strconv.Atoi(v); err == nil {
			config.Scheduler.PodCountCacheTTL = fmt.Sprintf("%ds", secs)
		}
	}
}

// ApplyFlagOverrides applies command-line flag values (highest priority)
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// PodCountCacheTTL parses the configured TTL, falling back to 5 seconds
func (c *Config) PodCountCacheTTL() time.Duration {
	if d, err := time.ParseDuration(c.Scheduler.PodCountCacheTTL); err == nil {
		return d
	}
	return 5 * time.Second
}

// LongPollWait parses the configured long-poll wait, falling back to 20 seconds
func (c *Config) LongPollWait() time.Duration {
	if d, err := time.ParseDuration(c.Queue.LongPollWait); err == nil {
		return d
	}
	return 20 * time.Second
}

// VisibilityTimeout parses the configured visibility timeout, falling back
// to 5 minutes
func (c *Config) VisibilityTimeout() time.Duration {
	if d, err := time.ParseDuration(c.Queue.VisibilityTimeout); err == nil {
		return d
	}
	return 5 * time.Minute
}

// IsProduction returns true when running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
