// Package app builds the archiver's long-lived services from configuration and
// hands them to commands. It owns their shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	gpubsub "cloud.google.com/go/pubsub"
	gstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/post-archiver/internal/api"
	"github.com/JakeFAU/post-archiver/internal/archive"
	"github.com/JakeFAU/post-archiver/internal/clock/system"
	"github.com/JakeFAU/post-archiver/internal/config"
	"github.com/JakeFAU/post-archiver/internal/crawler"
	"github.com/JakeFAU/post-archiver/internal/downloader"
	"github.com/JakeFAU/post-archiver/internal/extractor"
	collyfetcher "github.com/JakeFAU/post-archiver/internal/fetcher/colly"
	"github.com/JakeFAU/post-archiver/internal/id/uuid"
	"github.com/JakeFAU/post-archiver/internal/metrics"
	"github.com/JakeFAU/post-archiver/internal/policy/ratelimit"
	"github.com/JakeFAU/post-archiver/internal/policy/retry"
	"github.com/JakeFAU/post-archiver/internal/publisher/pubsub"
	"github.com/JakeFAU/post-archiver/internal/rename"
	"github.com/JakeFAU/post-archiver/internal/storage/gcs"
	"github.com/JakeFAU/post-archiver/internal/storage/local"
	"github.com/JakeFAU/post-archiver/internal/storage/memory"
	"github.com/JakeFAU/post-archiver/internal/storage/postgres"
	"github.com/JakeFAU/post-archiver/internal/storage/sqlite"
)

// ErrBackupUnsupported is returned by Backup for stores without an online backup.
var ErrBackupUnsupported = errors.New("backup is only supported by the sqlite driver")

// Sink is a download sink whose files can be relocated by rename.
type Sink interface {
	archive.Sink
	rename.Mover
}

type backuper interface {
	Backup(ctx context.Context, dest string) error
}

// App holds the shared services for one command invocation.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	store     archive.Store
	sink      Sink
	fetcher   archive.Fetcher
	limiter   archive.Limiter
	publisher archive.Publisher
	closers   []func() error
}

// New opens the store and wires every dependency named by cfg. The sink and
// publisher are created lazily because only some commands need them.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	a := &App{
		cfg:    cfg,
		logger: logger,
		fetcher: collyfetcher.New(collyfetcher.Config{
			UserAgent:   cfg.HTTP.UserAgent,
			Cookie:      cfg.Site.Cookie,
			Referer:     cfg.Site.BaseURL,
			Timeout:     cfg.RequestTimeout(),
			MaxBodySize: cfg.HTTP.MaxBodyBytes,
		}, logger.Named("fetcher")),
		limiter: ratelimit.New(ratelimit.Config{RPS: cfg.HTTP.RequestsPerSecond, Burst: cfg.HTTP.Burst}),
	}

	store, err := openStore(ctx, cfg.DB, logger.Named("store"))
	if err != nil {
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, store.Close)
	logger.Info("store opened", zap.String("driver", cfg.DB.Driver))
	return a, nil
}

func openStore(ctx context.Context, cfg config.DBConfig, logger *zap.Logger) (archive.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		store, err := sqlite.Open(ctx, sqlite.Config{Path: cfg.Path, BusyTimeout: 5 * time.Second}, logger)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, nil
	case "postgres":
		store, err := postgres.New(ctx, postgres.Config{DSN: cfg.DSN, MaxConns: cfg.MaxConns}, logger)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return store, nil
	case "memory":
		return memory.NewStore(), nil
	default:
		return nil, fmt.Errorf("unknown db driver %q", cfg.Driver)
	}
}

// Config returns the configuration the app was built from.
func (a *App) Config() config.Config {
	return a.cfg
}

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Store returns the open store.
func (a *App) Store() archive.Store {
	return a.store
}

// Sink returns the configured download sink, creating it on first use.
func (a *App) Sink(ctx context.Context) (Sink, error) {
	if a.sink != nil {
		return a.sink, nil
	}
	switch a.cfg.Storage.Backend {
	case "local":
		sink, err := local.New(local.Config{BaseDir: a.cfg.Storage.Dir})
		if err != nil {
			return nil, fmt.Errorf("open local sink: %w", err)
		}
		a.sink = sink
	case "gcs":
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create GCS client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		sink, err := gcs.New(client, gcs.Config{Bucket: a.cfg.Storage.GCSBucket, Prefix: a.cfg.Storage.GCSPrefix},
			a.logger.Named("gcs"))
		if err != nil {
			return nil, fmt.Errorf("open gcs sink: %w", err)
		}
		a.sink = sink
	default:
		return nil, fmt.Errorf("unknown storage backend %q", a.cfg.Storage.Backend)
	}
	a.logger.Info("sink ready", zap.String("backend", a.cfg.Storage.Backend))
	return a.sink, nil
}

// Publisher returns the notification publisher, or nil when no topic is configured.
func (a *App) Publisher(ctx context.Context) (archive.Publisher, error) {
	if a.publisher != nil || a.cfg.PubSub.TopicName == "" {
		return a.publisher, nil
	}
	client, err := gpubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	pub := pubsub.New(client, a.logger.Named("pubsub"))
	a.closers = append(a.closers, func() error {
		pub.Close()
		return client.Close()
	})
	a.publisher = pub
	return pub, nil
}

// Crawler builds a crawler for the configured creator. Overrides adjust a
// copy of the crawler settings for this run only.
func (a *App) Crawler(overrides ...func(*config.CrawlerConfig)) (*crawler.Crawler, error) {
	crawlCfg := a.cfg.Crawler
	for _, o := range overrides {
		o(&crawlCfg)
	}
	ex, err := extractor.New(extractor.Config{
		BaseURL: a.cfg.Site.BaseURL,
		Creator: a.cfg.Site.CreatorName,
	}, a.logger.Named("extractor"))
	if err != nil {
		return nil, fmt.Errorf("build extractor: %w", err)
	}
	c, err := crawler.New(crawler.Config{
		PageURL:                crawlCfg.PageURL,
		CreatorID:              a.cfg.Site.CreatorID,
		CreatorName:            a.cfg.Site.CreatorName,
		StartPage:              crawlCfg.StartPage,
		MaxPages:               crawlCfg.MaxPages,
		Patterns:               a.cfg.Patterns(),
		RateLimitBackoff:       a.cfg.RateLimitBackoff(),
		MaxRateLimitRetries:    crawlCfg.MaxRateLimitRetries,
		MaxConsecutiveFailures: crawlCfg.MaxConsecutiveFailures,
	}, a.store, a.fetcher, ex, a.limiter, a.retryPolicy(), a.logger.Named("crawler"))
	if err != nil {
		return nil, fmt.Errorf("build crawler: %w", err)
	}
	return c, nil
}

// Downloader builds a downloader writing to the configured sink.
func (a *App) Downloader(ctx context.Context) (*downloader.Downloader, error) {
	sink, err := a.Sink(ctx)
	if err != nil {
		return nil, err
	}
	pub, err := a.Publisher(ctx)
	if err != nil {
		return nil, err
	}
	d, err := downloader.New(downloader.Config{
		Concurrency:   a.cfg.Download.Concurrency,
		RequeueErrors: a.cfg.Download.RequeueErrors,
		ResetStale:    a.cfg.Download.ResetStale,
		StaleAfter:    a.cfg.StaleAfter(),
		Topic:         a.cfg.PubSub.TopicName,
	}, a.store, a.fetcher, sink, a.limiter, a.retryPolicy(), pub, uuid.New(), system.New(),
		a.logger.Named("downloader"))
	if err != nil {
		return nil, fmt.Errorf("build downloader: %w", err)
	}
	return d, nil
}

// Renamer builds a renamer over the configured sink.
func (a *App) Renamer(ctx context.Context) (*rename.Renamer, error) {
	sink, err := a.Sink(ctx)
	if err != nil {
		return nil, err
	}
	return rename.New(a.store, sink, a.cfg.Patterns(), a.logger.Named("rename")), nil
}

// Server builds the status API.
func (a *App) Server() *api.Server {
	return api.NewServer(a.store, a.logger.Named("api"))
}

// Backup copies the database to dest while it stays online.
func (a *App) Backup(ctx context.Context, dest string) error {
	b, ok := a.store.(backuper)
	if !ok {
		return ErrBackupUnsupported
	}
	if err := b.Backup(ctx, dest); err != nil {
		return fmt.Errorf("backup store: %w", err)
	}
	return nil
}

// Close releases every service in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("close services: %w", err)
	}
	return nil
}

func (a *App) retryPolicy() archive.RetryPolicy {
	return retry.NewExponential(retry.Config{
		MaxAttempts: a.cfg.Download.MaxAttempts,
		BaseDelay:   time.Duration(a.cfg.HTTP.BackoffInitialMs) * time.Millisecond,
		MaxDelay:    time.Duration(a.cfg.HTTP.BackoffMaxMs) * time.Millisecond,
	})
}
