package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"fixturesync/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App         AppConfig        `yaml:"app"`
	Database    DatabaseConfig   `yaml:"database"`
	Redis       RedisConfig      `yaml:"redis"`
	Backup      BackupConfig     `yaml:"backup"`
	Monitoring  MonitoringConfig `yaml:"monitoring"`
	Logging     LoggingConfig    `yaml:"logging"`
	API         APIConfig        `yaml:"api"`
	Sync        SyncConfig       `yaml:"sync"`
	Scheduler   SchedulerConfig  `yaml:"scheduler"`
	Provider    ProviderConfig   `yaml:"provider"`
	Notify      NotifyConfig     `yaml:"notify"`
	Exports     ExportConfig     `yaml:"exports"`
	Sources     []models.Source  `yaml:"sources"`
	SourcesFile string           `yaml:"sources_file"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
	QueueKey string `yaml:"queue_key"`
}

type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	RetentionDays int    `yaml:"retention_days"`
	StoragePath   string `yaml:"storage_path"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	HTTP      APIHTTPConfig      `yaml:"http"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIHTTPConfig struct {
	Port int `yaml:"port"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// SyncConfig controls job planning and execution.
type SyncConfig struct {
	ChunkSizeDays  int           `yaml:"chunk_size_days"`
	MaxSpanDays    int           `yaml:"max_span_days"`
	Concurrency    int           `yaml:"concurrency"`
	ChunkDelay     time.Duration `yaml:"chunk_delay"`
	ChunkTimeout   time.Duration `yaml:"chunk_timeout"`
	PerChunkBudget time.Duration `yaml:"per_chunk_budget"`
	Retry          RetryConfig   `yaml:"retry"`
	RetentionDays  int           `yaml:"retention_days"`
}

// RetryConfig is the backoff applied to a failing chunk fetch.
type RetryConfig struct {
	MaxRetries    int           `yaml:"max_retries"`
	InitialDelay  time.Duration `yaml:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
}

type SchedulerConfig struct {
	Enabled              bool          `yaml:"enabled"`
	Schedule             string        `yaml:"schedule"`
	KickoffDelay         time.Duration `yaml:"kickoff_delay"`
	SourceDelay          time.Duration `yaml:"source_delay"`
	HousekeepingSchedule string        `yaml:"housekeeping_schedule"`
}

type ProviderConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
	RPS     float64       `yaml:"rps"`
	Burst   int           `yaml:"burst"`
}

type NotifyConfig struct {
	TelegramToken string  `yaml:"telegram_token"`
	ChatIDs       []int64 `yaml:"chat_ids"`
	Debug         bool    `yaml:"debug"`
}

type ExportConfig struct {
	Path string `yaml:"path"`
}

// Load reads the YAML config, expanding ${VAR} references from the
// environment and an optional .env file.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	if c.Provider.BaseURL == "" {
		return errors.New("provider base_url is required")
	}
	if c.Sync.Concurrency < 1 {
		return fmt.Errorf("sync concurrency must be positive, got %d", c.Sync.Concurrency)
	}
	if c.Sync.Retry.BackoffFactor < 1 {
		return fmt.Errorf("sync retry backoff_factor must be >= 1, got %v", c.Sync.Retry.BackoffFactor)
	}
	if c.API.Enabled && c.API.Auth.Enabled && len(c.API.Auth.APIKeys) == 0 {
		return errors.New("api auth is enabled but no api_keys are configured")
	}
	if c.Notify.TelegramToken != "" && len(c.Notify.ChatIDs) == 0 {
		return errors.New("notify telegram_token is set but chat_ids is empty")
	}

	return ValidateSources(c.Sources)
}

// ValidateSources checks keys are present and unique, tiers are known and
// refresh windows are not empty.
func ValidateSources(sources []models.Source) error {
	keys := make(map[string]bool)
	for _, src := range sources {
		if src.Key == "" {
			return fmt.Errorf("source '%s' has empty key", src.Name)
		}
		if keys[src.Key] {
			return fmt.Errorf("duplicate source key found: %s", src.Key)
		}
		keys[src.Key] = true
		if src.Tier < models.TierPrimary || src.Tier > models.TierTertiary {
			return fmt.Errorf("source %s has invalid tier %d", src.Key, src.Tier)
		}
		if src.PastDays < 0 || src.FutureDays < 0 {
			return fmt.Errorf("source %s has negative refresh window", src.Key)
		}
		if src.PastDays+src.FutureDays == 0 {
			return fmt.Errorf("source %s has empty refresh window", src.Key)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "fixturesync"
	}
	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.Redis.QueueKey == "" {
		c.Redis.QueueKey = models.DefaultRedisQueueKey
	}

	// Sync defaults
	if c.Sync.ChunkSizeDays <= 0 {
		c.Sync.ChunkSizeDays = models.DefaultChunkSizeDays
	}
	if c.Sync.MaxSpanDays <= 0 {
		c.Sync.MaxSpanDays = models.DefaultMaxSpanDays
	}
	if c.Sync.Concurrency == 0 {
		c.Sync.Concurrency = models.DefaultConcurrency
	}
	if c.Sync.ChunkDelay == 0 {
		c.Sync.ChunkDelay = models.DefaultChunkDelay
	}
	if c.Sync.ChunkTimeout == 0 {
		c.Sync.ChunkTimeout = models.DefaultChunkTimeout
	}
	if c.Sync.PerChunkBudget == 0 {
		c.Sync.PerChunkBudget = models.DefaultPerChunkBudget
	}
	if c.Sync.Retry.InitialDelay == 0 {
		c.Sync.Retry.InitialDelay = 2 * time.Second
	}
	if c.Sync.Retry.MaxDelay == 0 {
		c.Sync.Retry.MaxDelay = 30 * time.Second
	}
	if c.Sync.Retry.BackoffFactor == 0 {
		c.Sync.Retry.BackoffFactor = 2
	}
	if c.Sync.RetentionDays == 0 {
		c.Sync.RetentionDays = models.DefaultRetentionDays
	}

	// Scheduler defaults
	if c.Scheduler.Schedule == "" {
		c.Scheduler.Schedule = models.DefaultRefreshSchedule
	}
	if c.Scheduler.KickoffDelay == 0 {
		c.Scheduler.KickoffDelay = models.DefaultKickoffDelay
	}
	if c.Scheduler.HousekeepingSchedule == "" {
		c.Scheduler.HousekeepingSchedule = models.DefaultHousekeepingSchedule
	}

	if c.Provider.Timeout == 0 {
		c.Provider.Timeout = 30 * time.Second
	}
	if c.Provider.RPS == 0 {
		c.Provider.RPS = 2
	}
	if c.Provider.Burst == 0 {
		c.Provider.Burst = 1
	}

	if c.Backup.StoragePath == "" {
		c.Backup.StoragePath = "backups"
	}
	if c.Exports.Path == "" {
		c.Exports.Path = "exports"
	}
}
