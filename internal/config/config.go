// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Quota    QuotaConfig    `mapstructure:"quota"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Scraper  ScraperConfig  `mapstructure:"scraper"`
	Ranker   RankerConfig   `mapstructure:"ranker"`
	Scorer   ScorerConfig   `mapstructure:"scorer"`
	Stream   StreamConfig   `mapstructure:"stream"`
	DB       DBConfig       `mapstructure:"db"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// QuotaConfig sets daily scan allowances per identity tier.
type QuotaConfig struct {
	UserDaily   int `mapstructure:"user_daily"`
	DeviceDaily int `mapstructure:"device_daily"`
	IPDaily     int `mapstructure:"ip_daily"`
}

// PipelineConfig governs worker and stage behavior.
type PipelineConfig struct {
	Workers           int `mapstructure:"workers"`
	MaxRetries        int `mapstructure:"max_retries"`
	BackoffInitialMs  int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs      int `mapstructure:"backoff_max_ms"`
	MaxDiscoveryPages int `mapstructure:"max_discovery_pages"`
	TargetPages       int `mapstructure:"target_pages"`
	VerifyAttempts    int `mapstructure:"verify_attempts"`
	VerifyBaseMs      int `mapstructure:"verify_base_ms"`
	AnalysisParallel  int `mapstructure:"analysis_parallel"`
}

// ScraperConfig configures the headless page loader.
type ScraperConfig struct {
	NavTimeoutSec int    `mapstructure:"nav_timeout_seconds"`
	MaxParallel   int    `mapstructure:"max_parallel"`
	UserAgent     string `mapstructure:"user_agent"`
}

// RankerConfig points at the page ranking service.
type RankerConfig struct {
	Endpoint   string `mapstructure:"endpoint"`
	APIKey     string `mapstructure:"api_key"`
	TimeoutSec int    `mapstructure:"timeout_seconds"`
}

// ScorerConfig points at the page scoring service.
type ScorerConfig struct {
	Endpoint   string `mapstructure:"endpoint"`
	APIKey     string `mapstructure:"api_key"`
	TimeoutSec int    `mapstructure:"timeout_seconds"`
}

// StreamConfig controls the progress stream endpoint.
type StreamConfig struct {
	HeartbeatSec int `mapstructure:"heartbeat_seconds"`
	MaxAgeSec    int `mapstructure:"max_age_seconds"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// PubSubConfig holds metadata for task dispatch over Pub/Sub.
type PubSubConfig struct {
	ProjectID    string `mapstructure:"project_id"`
	TopicName    string `mapstructure:"topic_name"`
	Subscription string `mapstructure:"subscription"`
	NoticesTopic string `mapstructure:"notices_topic"`
}

// StorageConfig sets paths and content types for snapshot persistence.
type StorageConfig struct {
	GCSBucket   string `mapstructure:"gcs_bucket"`
	LocalDir    string `mapstructure:"local_dir"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SITESCAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("quota.user_daily", 15)
	v.SetDefault("quota.device_daily", 5)
	v.SetDefault("quota.ip_daily", 3)
	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.max_retries", 3)
	v.SetDefault("pipeline.backoff_initial_ms", 250)
	v.SetDefault("pipeline.backoff_max_ms", 10000)
	v.SetDefault("pipeline.max_discovery_pages", 50)
	v.SetDefault("pipeline.target_pages", 7)
	v.SetDefault("pipeline.verify_attempts", 5)
	v.SetDefault("pipeline.verify_base_ms", 300)
	v.SetDefault("pipeline.analysis_parallel", 4)
	v.SetDefault("scraper.nav_timeout_seconds", 25)
	v.SetDefault("scraper.max_parallel", 2)
	v.SetDefault("scraper.user_agent", "sitescan-bot/0.1")
	v.SetDefault("ranker.timeout_seconds", 20)
	v.SetDefault("scorer.timeout_seconds", 45)
	v.SetDefault("stream.heartbeat_seconds", 30)
	v.SetDefault("stream.max_age_seconds", 300)
	v.SetDefault("storage.prefix", "snapshots")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("pipeline.workers must be > 0")
	}
	if c.Pipeline.MaxRetries < 0 {
		return fmt.Errorf("pipeline.max_retries must be >= 0")
	}
	if c.Pipeline.TargetPages <= 0 {
		return fmt.Errorf("pipeline.target_pages must be > 0")
	}
	if c.Quota.UserDaily <= 0 || c.Quota.DeviceDaily <= 0 || c.Quota.IPDaily <= 0 {
		return fmt.Errorf("quota tiers must all be > 0")
	}
	if c.Scraper.NavTimeoutSec <= 0 {
		return fmt.Errorf("scraper.nav_timeout_seconds must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// VerifyBase returns the initial delay for the write verification loop.
func (c Config) VerifyBase() time.Duration {
	return time.Duration(c.Pipeline.VerifyBaseMs) * time.Millisecond
}

// StreamHeartbeat returns the SSE heartbeat cadence.
func (c Config) StreamHeartbeat() time.Duration {
	return time.Duration(c.Stream.HeartbeatSec) * time.Second
}

// StreamMaxAge returns the SSE connection ceiling.
func (c Config) StreamMaxAge() time.Duration {
	return time.Duration(c.Stream.MaxAgeSec) * time.Second
}
