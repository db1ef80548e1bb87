package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/JakeFAU/post-archiver/internal/archive"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Download.Concurrency != 4 {
		t.Fatalf("expected default concurrency 4, got %d", cfg.Download.Concurrency)
	}
	if cfg.DB.Driver != "sqlite" || cfg.Storage.Backend != "local" {
		t.Fatalf("unexpected default backends: %+v %+v", cfg.DB, cfg.Storage)
	}
	if !cfg.Download.RequeueErrors || !cfg.Download.ResetStale {
		t.Fatalf("expected requeue and reset defaults to be enabled")
	}
	if got := cfg.RateLimitBackoff(); got != 120*time.Second {
		t.Fatalf("expected 120s backoff, got %v", got)
	}
	if _, ok := cfg.Crawler.FilenamePatterns["video"]; !ok {
		t.Fatalf("expected default video pattern: %+v", cfg.Crawler.FilenamePatterns)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
site:
  creator_id: 543321
  creator_name: someone
  cookie: "session=abc"
crawler:
  start_page: 2
  max_pages: 10
  filename_patterns:
    image: "{creator}/{post_id}/{link_id}"
download:
  concurrency: 8
  requeue_errors: false
  stale_after_seconds: 300
http:
  timeout_seconds: 15
storage:
  backend: gcs
  gcs_bucket: archive-bucket
db:
  driver: postgres
  dsn: postgres://localhost/archive
logging:
  development: false
  level: debug
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Site.CreatorID != 543321 || cfg.Site.Cookie != "session=abc" {
		t.Fatalf("expected site overrides: %+v", cfg.Site)
	}
	if cfg.Crawler.StartPage != 2 || cfg.Crawler.MaxPages != 10 {
		t.Fatalf("expected crawler overrides: %+v", cfg.Crawler)
	}
	if got := cfg.Crawler.FilenamePatterns["image"]; got != "{creator}/{post_id}/{link_id}" {
		t.Fatalf("unexpected image pattern %q", got)
	}
	if cfg.Download.Concurrency != 8 || cfg.Download.RequeueErrors {
		t.Fatalf("expected download overrides: %+v", cfg.Download)
	}
	if got := cfg.StaleAfter(); got != 5*time.Minute {
		t.Fatalf("expected 5m stale threshold, got %v", got)
	}
	if got := cfg.RequestTimeout(); got != 15*time.Second {
		t.Fatalf("expected 15s timeout, got %v", got)
	}
	if cfg.Storage.GCSBucket != "archive-bucket" || cfg.DB.DSN == "" {
		t.Fatalf("expected storage and db overrides")
	}
	if cfg.Logging.Development || cfg.Logging.Level != "debug" {
		t.Fatalf("expected logging overrides: %+v", cfg.Logging)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("ARCHIVER_DOWNLOAD_CONCURRENCY", "2")
	t.Setenv("ARCHIVER_SITE_CREATOR_ID", "99")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Download.Concurrency != 2 || cfg.Site.CreatorID != 99 {
		t.Fatalf("expected env overrides, got %+v %+v", cfg.Download, cfg.Site)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() Config {
		return Config{
			Crawler: CrawlerConfig{
				PageURL:                "https://example.com/?page={page}",
				FilenamePatterns:       map[string]string{"image": "{type}/{link_id}"},
				MaxConsecutiveFailures: 1,
			},
			Download: DownloadConfig{Concurrency: 1, MaxAttempts: 1},
			HTTP:     HTTPConfig{TimeoutSeconds: 1},
			Storage:  StorageConfig{Backend: "local", Dir: "out"},
			DB:       DBConfig{Driver: "memory"},
		}
	}
	if err := valid().Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero concurrency", func(c *Config) { c.Download.Concurrency = 0 }},
		{"zero attempts", func(c *Config) { c.Download.MaxAttempts = 0 }},
		{"page placeholder", func(c *Config) { c.Crawler.PageURL = "https://example.com" }},
		{"colliding pattern", func(c *Config) { c.Crawler.FilenamePatterns["video"] = "{type}/{title}" }},
		{"index without post", func(c *Config) { c.Crawler.FilenamePatterns["video"] = "{type}/{index}" }},
		{"unknown post type", func(c *Config) { c.Crawler.FilenamePatterns["audio"] = "{link_id}" }},
		{"failure guard", func(c *Config) { c.Crawler.MaxConsecutiveFailures = -1 }},
		{"gcs bucket", func(c *Config) { c.Storage = StorageConfig{Backend: "gcs"} }},
		{"unknown storage", func(c *Config) { c.Storage.Backend = "ftp" }},
		{"postgres dsn", func(c *Config) { c.DB = DBConfig{Driver: "postgres"} }},
		{"unknown driver", func(c *Config) { c.DB.Driver = "mysql" }},
		{"pubsub project", func(c *Config) { c.PubSub.TopicName = "archived" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestPatternsKeyedByPostType(t *testing.T) {
	t.Parallel()

	cfg := Config{Crawler: CrawlerConfig{FilenamePatterns: map[string]string{
		"Image": "{link_id}",
		"video": "{post_id} - {index}",
	}}}
	got := cfg.Patterns()
	if got[archive.PostTypeImage] != "{link_id}" || got[archive.PostTypeVideo] != "{post_id} - {index}" {
		t.Fatalf("unexpected patterns: %+v", got)
	}
	if _, ok := got[archive.PostTypeGallery]; ok {
		t.Fatalf("gallery should fall back to defaults, got %+v", got)
	}
}
