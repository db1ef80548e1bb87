// Package config loads and validates archiver configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/post-archiver/internal/archive"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Site     SiteConfig     `mapstructure:"site"`
	Crawler  CrawlerConfig  `mapstructure:"crawler"`
	Download DownloadConfig `mapstructure:"download"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Storage  StorageConfig  `mapstructure:"storage"`
	DB       DBConfig       `mapstructure:"db"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// SiteConfig identifies the creator being archived and the session used to reach it.
type SiteConfig struct {
	BaseURL     string `mapstructure:"base_url"`
	CreatorID   int64  `mapstructure:"creator_id"`
	CreatorName string `mapstructure:"creator_name"`
	Cookie      string `mapstructure:"cookie"`
}

// CrawlerConfig governs listing traversal.
type CrawlerConfig struct {
	// PageURL is a template; {page}, {creator_id} and {creator_name} are substituted.
	PageURL                 string            `mapstructure:"page_url"`
	StartPage               int               `mapstructure:"start_page"`
	MaxPages                int               `mapstructure:"max_pages"`
	RateLimitBackoffSeconds int               `mapstructure:"rate_limit_backoff_seconds"`
	MaxRateLimitRetries     int               `mapstructure:"max_rate_limit_retries"`
	MaxConsecutiveFailures  int               `mapstructure:"max_consecutive_failures"`
	FilenamePatterns        map[string]string `mapstructure:"filename_patterns"`
}

// DownloadConfig governs the download scheduler.
type DownloadConfig struct {
	Concurrency       int  `mapstructure:"concurrency"`
	MaxAttempts       int  `mapstructure:"max_attempts"`
	RequeueErrors     bool `mapstructure:"requeue_errors"`
	ResetStale        bool `mapstructure:"reset_stale"`
	StaleAfterSeconds int  `mapstructure:"stale_after_seconds"`
}

// HTTPConfig configures the HTTP client shared by crawl and download.
type HTTPConfig struct {
	UserAgent         string  `mapstructure:"user_agent"`
	TimeoutSeconds    int     `mapstructure:"timeout_seconds"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
	MaxBodyBytes      int     `mapstructure:"max_body_bytes"`
	BackoffInitialMs  int     `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs      int     `mapstructure:"backoff_max_ms"`
}

// StorageConfig selects where downloaded media is written.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	Dir       string `mapstructure:"dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	GCSPrefix string `mapstructure:"gcs_prefix"`
}

// DBConfig selects the progress database.
type DBConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// PubSubConfig holds metadata for archive notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ServerConfig controls the status HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ARCHIVER")
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
	v.SetDefault("site.base_url", "https://hutt.co")
	v.SetDefault("site.creator_id", 0)
	v.SetDefault("site.creator_name", "")
	v.SetDefault("site.cookie", "")
	v.SetDefault("crawler.page_url", "https://hutt.co/hutts/ajax-posts?page={page}&view=view&id={creator_id}")
	v.SetDefault("crawler.start_page", 0)
	v.SetDefault("crawler.max_pages", 0)
	v.SetDefault("crawler.rate_limit_backoff_seconds", 120)
	v.SetDefault("crawler.max_rate_limit_retries", 5)
	v.SetDefault("crawler.max_consecutive_failures", 5)
	v.SetDefault("crawler.filename_patterns", map[string]string{
		"image":   "{type}/{post_id} - {title}/{link_id}",
		"gallery": "{type}/{post_id} - {title}/{link_id}",
		"video":   "{type}/{post_id} - {title} - {index}",
	})
	v.SetDefault("download.concurrency", 4)
	v.SetDefault("download.max_attempts", 3)
	v.SetDefault("download.requeue_errors", true)
	v.SetDefault("download.reset_stale", true)
	v.SetDefault("download.stale_after_seconds", 0)
	v.SetDefault("http.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 "+
		"(KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36")
	v.SetDefault("http.timeout_seconds", 60)
	v.SetDefault("http.requests_per_second", 2.0)
	v.SetDefault("http.burst", 2)
	v.SetDefault("http.max_body_bytes", 0)
	v.SetDefault("http.backoff_initial_ms", 500)
	v.SetDefault("http.backoff_max_ms", 10000)
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.dir", "downloads")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.gcs_prefix", "")
	v.SetDefault("db.driver", "sqlite")
	v.SetDefault("db.path", "archive.sqlite3")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Download.Concurrency <= 0 {
		return fmt.Errorf("download.concurrency must be > 0")
	}
	if c.Download.MaxAttempts <= 0 {
		return fmt.Errorf("download.max_attempts must be > 0")
	}
	if c.Download.StaleAfterSeconds < 0 {
		return fmt.Errorf("download.stale_after_seconds must be >= 0")
	}
	if c.Crawler.MaxConsecutiveFailures < 0 {
		return fmt.Errorf("crawler.max_consecutive_failures must be >= 0")
	}
	if c.Crawler.MaxPages < 0 {
		return fmt.Errorf("crawler.max_pages must be >= 0")
	}
	if !strings.Contains(c.Crawler.PageURL, "{page}") {
		return fmt.Errorf("crawler.page_url must contain a {page} placeholder")
	}
	for postType, pattern := range c.Crawler.FilenamePatterns {
		if _, err := archive.ParsePostType(postType); err != nil {
			return fmt.Errorf("crawler.filename_patterns: %w", err)
		}
		if !uniquePattern(pattern) {
			return fmt.Errorf("crawler.filename_patterns.%s must contain {link_id} or both {post_id} and {index}", postType)
		}
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.RequestsPerSecond < 0 {
		return fmt.Errorf("http.requests_per_second must be >= 0")
	}
	switch c.Storage.Backend {
	case "local":
		if strings.TrimSpace(c.Storage.Dir) == "" {
			return fmt.Errorf("storage.dir must be set for the local backend")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	switch c.DB.Driver {
	case "sqlite":
		if c.DB.Path == "" {
			return fmt.Errorf("db.path must be set for the sqlite driver")
		}
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set for the postgres driver")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown db.driver %q", c.DB.Driver)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	return nil
}

// Patterns converts the configured filename patterns to post-type keys.
// Keys are checked by Validate.
func (c Config) Patterns() map[archive.PostType]string {
	out := make(map[archive.PostType]string, len(c.Crawler.FilenamePatterns))
	for key, pattern := range c.Crawler.FilenamePatterns {
		if postType, err := archive.ParsePostType(key); err == nil {
			out[postType] = pattern
		}
	}
	return out
}

// RequestTimeout converts the HTTP timeout into a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// StaleAfter is the minimum claim age treated as abandoned.
func (c Config) StaleAfter() time.Duration {
	return time.Duration(c.Download.StaleAfterSeconds) * time.Second
}

// RateLimitBackoff is how long the crawler sleeps after an HTTP 429.
func (c Config) RateLimitBackoff() time.Duration {
	return time.Duration(c.Crawler.RateLimitBackoffSeconds) * time.Second
}

func uniquePattern(pattern string) bool {
	if strings.Contains(pattern, "{link_id}") {
		return true
	}
	return strings.Contains(pattern, "{post_id}") && strings.Contains(pattern, "{index}")
}
