// Package config manages application configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"ytdash/internal/retry"
)

// EnvPrefix prefixes every environment override, e.g. YTDASH_QUOTA_DAILY_LIMIT.
const EnvPrefix = "YTDASH"

// FileName is the config file searched for without an explicit path.
const FileName = "ytdash"

// Config holds all application configuration.
type Config struct {
	// OwnerID is the dashboard user the synced videos belong to.
	OwnerID string `mapstructure:"owner_id" yaml:"owner_id"`
	// Channel is a channel ID, handle or URL.
	Channel string `mapstructure:"channel" yaml:"channel"`

	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	YouTube   YouTubeConfig   `mapstructure:"youtube" yaml:"youtube"`
	Quota     QuotaConfig     `mapstructure:"quota" yaml:"quota"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
	Retry     RetryConfig     `mapstructure:"retry" yaml:"retry"`
	Sync      SyncConfig      `mapstructure:"sync" yaml:"sync"`
	Schedule  ScheduleConfig  `mapstructure:"schedule" yaml:"schedule"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

// StorageConfig selects the storage backend.
type StorageConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"` // sqlite or json
	Path   string `mapstructure:"path" yaml:"path"`
}

// YouTubeConfig holds API credentials. OAuth wins over APIKey when both are set.
type YouTubeConfig struct {
	APIKey       string `mapstructure:"api_key" yaml:"api_key"`
	ClientID     string `mapstructure:"client_id" yaml:"client_id"`
	ClientSecret string `mapstructure:"client_secret" yaml:"client_secret"`
	RedirectURL  string `mapstructure:"redirect_url" yaml:"redirect_url"`
	TokenFile    string `mapstructure:"token_file" yaml:"token_file"`
}

// QuotaConfig is the daily request budget.
type QuotaConfig struct {
	DailyLimit int    `mapstructure:"daily_limit" yaml:"daily_limit"`
	Timezone   string `mapstructure:"timezone" yaml:"timezone"`
}

// RateLimitConfig bounds request bursts and spacing.
type RateLimitConfig struct {
	MaxRequests int           `mapstructure:"max_requests" yaml:"max_requests"`
	Window      time.Duration `mapstructure:"window" yaml:"window"`
	MinInterval time.Duration `mapstructure:"min_interval" yaml:"min_interval"`
}

// RetryConfig is the per-page retry schedule.
type RetryConfig struct {
	MaxAttempts int             `mapstructure:"max_attempts" yaml:"max_attempts"`
	Schedule    []time.Duration `mapstructure:"schedule" yaml:"schedule"`
}

// SyncConfig holds batch defaults; CLI flags override them.
type SyncConfig struct {
	Mode                     string        `mapstructure:"mode" yaml:"mode"`
	IncludeRegular           bool          `mapstructure:"include_regular" yaml:"include_regular"`
	IncludeShorts            bool          `mapstructure:"include_shorts" yaml:"include_shorts"`
	SyncMetadata             bool          `mapstructure:"sync_metadata" yaml:"sync_metadata"`
	PageSize                 int           `mapstructure:"page_size" yaml:"page_size"`
	DeepScan                 bool          `mapstructure:"deep_scan" yaml:"deep_scan"`
	MaxConsecutiveEmptyPages int           `mapstructure:"max_consecutive_empty_pages" yaml:"max_consecutive_empty_pages"`
	MaxPages                 int           `mapstructure:"max_pages" yaml:"max_pages"`
	MaxVideos                int           `mapstructure:"max_videos" yaml:"max_videos"`
	PollInterval             time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	DelayFloor               time.Duration `mapstructure:"delay_floor" yaml:"delay_floor"`
	DelayCeiling             time.Duration `mapstructure:"delay_ceiling" yaml:"delay_ceiling"`
	ReferenceSpeed           float64       `mapstructure:"reference_speed" yaml:"reference_speed"`
	// CacheTTL enables the page result cache when positive.
	CacheTTL time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
}

// ScheduleConfig drives the schedule command.
type ScheduleConfig struct {
	Cron        string `mapstructure:"cron" yaml:"cron"`
	MetricsAddr string `mapstructure:"metrics_addr" yaml:"metrics_addr"`
}

// LogConfig selects the log level and output format.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"` // console or json
}

// DefaultConfig returns configuration with safe defaults.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   "ytdash.db",
		},
		YouTube: YouTubeConfig{
			RedirectURL: "http://localhost:8085/callback",
			TokenFile:   filepath.Join(configDir(), "tokens.json"),
		},
		Quota: QuotaConfig{
			DailyLimit: 10000,
			Timezone:   "America/Los_Angeles",
		},
		RateLimit: RateLimitConfig{
			MaxRequests: 10,
			Window:      time.Minute,
			MinInterval: 30 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			Schedule:    []time.Duration{30 * time.Second, 2 * time.Minute, 5 * time.Minute},
		},
		Sync: SyncConfig{
			Mode:                     "full",
			IncludeRegular:           true,
			IncludeShorts:            true,
			SyncMetadata:             true,
			PageSize:                 50,
			MaxConsecutiveEmptyPages: 3,
			MaxPages:                 5,
			MaxVideos:                250,
			PollInterval:             time.Second,
			DelayFloor:               2 * time.Second,
			DelayCeiling:             15 * time.Second,
			ReferenceSpeed:           100,
			CacheTTL:                 0,
		},
		Schedule: ScheduleConfig{
			Cron:        "@every 6h",
			MetricsAddr: ":9090",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads configuration from the file at path, or from ytdash.yaml in the
// working directory or ~/.config/ytdash when path is empty, then applies
// YTDASH_* environment overrides.
// Priority: env vars > config file > defaults
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(configDir())
	}

	if err := v.ReadInConfig(); err != nil {
		// The config file is optional unless named explicitly.
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("owner_id", d.OwnerID)
	v.SetDefault("channel", d.Channel)

	v.SetDefault("storage.driver", d.Storage.Driver)
	v.SetDefault("storage.path", d.Storage.Path)

	v.SetDefault("youtube.api_key", d.YouTube.APIKey)
	v.SetDefault("youtube.client_id", d.YouTube.ClientID)
	v.SetDefault("youtube.client_secret", d.YouTube.ClientSecret)
	v.SetDefault("youtube.redirect_url", d.YouTube.RedirectURL)
	v.SetDefault("youtube.token_file", d.YouTube.TokenFile)

	v.SetDefault("quota.daily_limit", d.Quota.DailyLimit)
	v.SetDefault("quota.timezone", d.Quota.Timezone)

	v.SetDefault("rate_limit.max_requests", d.RateLimit.MaxRequests)
	v.SetDefault("rate_limit.window", d.RateLimit.Window)
	v.SetDefault("rate_limit.min_interval", d.RateLimit.MinInterval)

	v.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)
	v.SetDefault("retry.schedule", d.Retry.Schedule)

	v.SetDefault("sync.mode", d.Sync.Mode)
	v.SetDefault("sync.include_regular", d.Sync.IncludeRegular)
	v.SetDefault("sync.include_shorts", d.Sync.IncludeShorts)
	v.SetDefault("sync.sync_metadata", d.Sync.SyncMetadata)
	v.SetDefault("sync.page_size", d.Sync.PageSize)
	v.SetDefault("sync.deep_scan", d.Sync.DeepScan)
	v.SetDefault("sync.max_consecutive_empty_pages", d.Sync.MaxConsecutiveEmptyPages)
	v.SetDefault("sync.max_pages", d.Sync.MaxPages)
	v.SetDefault("sync.max_videos", d.Sync.MaxVideos)
	v.SetDefault("sync.poll_interval", d.Sync.PollInterval)
	v.SetDefault("sync.delay_floor", d.Sync.DelayFloor)
	v.SetDefault("sync.delay_ceiling", d.Sync.DelayCeiling)
	v.SetDefault("sync.reference_speed", d.Sync.ReferenceSpeed)
	v.SetDefault("sync.cache_ttl", d.Sync.CacheTTL)

	v.SetDefault("schedule.cron", d.Schedule.Cron)
	v.SetDefault("schedule.metrics_addr", d.Schedule.MetricsAddr)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

func configDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "ytdash")
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite", "json":
	default:
		return fmt.Errorf("storage.driver must be sqlite or json, got %q", c.Storage.Driver)
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if c.Quota.DailyLimit <= 0 {
		return fmt.Errorf("quota.daily_limit must be positive")
	}
	if c.RateLimit.MaxRequests <= 0 {
		return fmt.Errorf("rate_limit.max_requests must be positive")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit.window must be positive")
	}
	if c.RateLimit.MinInterval < 0 {
		return fmt.Errorf("rate_limit.min_interval must be non-negative")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	for _, d := range c.Retry.Schedule {
		if d < 0 {
			return fmt.Errorf("retry.schedule entries must be non-negative")
		}
	}
	switch c.Sync.Mode {
	case "full", "incremental":
	default:
		return fmt.Errorf("sync.mode must be full or incremental, got %q", c.Sync.Mode)
	}
	if !c.Sync.IncludeRegular && !c.Sync.IncludeShorts {
		return fmt.Errorf("sync must include regular videos, shorts or both")
	}
	if c.Sync.PageSize < 1 || c.Sync.PageSize > 50 {
		return fmt.Errorf("sync.page_size must be between 1 and 50")
	}
	if c.Sync.MaxConsecutiveEmptyPages < 1 {
		return fmt.Errorf("sync.max_consecutive_empty_pages must be at least 1")
	}
	if c.Sync.MaxPages < 0 || c.Sync.MaxVideos < 0 {
		return fmt.Errorf("sync.max_pages and sync.max_videos must be non-negative")
	}
	if c.Sync.PollInterval <= 0 {
		return fmt.Errorf("sync.poll_interval must be positive")
	}
	if c.Sync.DelayFloor < 0 || c.Sync.DelayCeiling < c.Sync.DelayFloor {
		return fmt.Errorf("sync.delay_ceiling must be >= sync.delay_floor >= 0")
	}
	if c.Sync.ReferenceSpeed <= 0 {
		return fmt.Errorf("sync.reference_speed must be positive")
	}
	if c.Sync.CacheTTL < 0 {
		return fmt.Errorf("sync.cache_ttl must be non-negative")
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	return nil
}

// RetryPolicy converts the retry section for the executor.
func (c *Config) RetryPolicy() retry.Config {
	p := retry.DefaultConfig()
	p.MaxAttempts = c.Retry.MaxAttempts
	if len(c.Retry.Schedule) > 0 {
		p.Schedule = append([]time.Duration(nil), c.Retry.Schedule...)
	}
	return p
}

// UsesOAuth reports whether OAuth client credentials are configured.
func (c *Config) UsesOAuth() bool {
	return c.YouTube.ClientID != "" && c.YouTube.ClientSecret != ""
}

// Redacted returns a copy safe to print.
func (c *Config) Redacted() *Config {
	cp := *c
	cp.Retry.Schedule = append([]time.Duration(nil), c.Retry.Schedule...)
	if cp.YouTube.APIKey != "" {
		cp.YouTube.APIKey = "********"
	}
	if cp.YouTube.ClientSecret != "" {
		cp.YouTube.ClientSecret = "********"
	}
	return &cp
}
