// Package downloader drains the store's pending links into the sink.
//
// Links are claimed in batches of at most Concurrency. A batch is claimed
// one link at a time through MarkDownloading, then fetched and written
// concurrently. The next batch is drawn only after every link of the current
// batch has reached success or error, so a link is never claimed twice.
package downloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/post-archiver/internal/archive"
	"github.com/JakeFAU/post-archiver/internal/clock/system"
	"github.com/JakeFAU/post-archiver/internal/filename"
	"github.com/JakeFAU/post-archiver/internal/metrics"
	"github.com/JakeFAU/post-archiver/internal/policy/retry"
)

// Config controls a download run.
type Config struct {
	// Concurrency is both the batch size and the number of parallel downloads.
	Concurrency int
	// RequeueErrors moves every error link back to pending before the first batch.
	RequeueErrors bool
	// ResetStale releases downloading claims left by earlier runs.
	ResetStale bool
	// StaleAfter is the minimum claim age for ResetStale. Zero releases every
	// claim not held by this run.
	StaleAfter time.Duration
	// Topic receives one notification per archived link when a publisher is set.
	Topic string
}

// Result totals a run.
type Result struct {
	RunID     string
	Succeeded int
	Failed    int
	Skipped   int
	Batches   int
	Bytes     int64
	Requeued  int64
	Reset     int64
}

// Planned describes where a pending link would be written.
type Planned struct {
	LinkID int64
	PostID int64
	URL    string
	Path   string
	Exists bool
	Err    error
}

// Notification is published after a link is archived.
type Notification struct {
	RunID    string `json:"run_id"`
	LinkID   int64  `json:"link_id"`
	PostID   int64  `json:"post_id"`
	URL      string `json:"url"`
	Path     string `json:"path"`
	Location string `json:"location"`
	Bytes    int64  `json:"bytes"`
}

type outcome int

const (
	outcomeSucceeded outcome = iota
	outcomeFailed
	outcomeSkipped
	outcomeAbandoned
)

// Downloader runs the claim, fetch and write loop.
type Downloader struct {
	cfg       Config
	store     archive.Store
	fetcher   archive.Fetcher
	sink      archive.Sink
	limiter   archive.Limiter
	retry     archive.RetryPolicy
	publisher archive.Publisher
	ids       archive.IDGenerator
	clock     archive.Clock
	reporters []archive.Reporter
	logger    *zap.Logger
	sleep     func(context.Context, time.Duration) error
}

// New constructs a Downloader. limiter, policy, publisher and clock may be nil.
func New(
	cfg Config,
	store archive.Store,
	fetcher archive.Fetcher,
	sink archive.Sink,
	limiter archive.Limiter,
	policy archive.RetryPolicy,
	publisher archive.Publisher,
	ids archive.IDGenerator,
	clock archive.Clock,
	logger *zap.Logger,
) (*Downloader, error) {
	if store == nil || fetcher == nil || sink == nil || ids == nil {
		return nil, fmt.Errorf("downloader requires a store, fetcher, sink and id generator")
	}
	if cfg.Concurrency <= 0 {
		return nil, fmt.Errorf("concurrency must be positive, got %d", cfg.Concurrency)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy == nil {
		policy = retry.None{}
	}
	if clock == nil {
		clock = system.New()
	}
	return &Downloader{
		cfg:       cfg,
		store:     store,
		fetcher:   fetcher,
		sink:      sink,
		limiter:   limiter,
		retry:     policy,
		publisher: publisher,
		ids:       ids,
		clock:     clock,
		logger:    logger,
		sleep:     retry.Sleep,
	}, nil
}

// AddReporter registers a reporter that receives a BatchReport after every batch.
func (d *Downloader) AddReporter(r archive.Reporter) {
	if r != nil {
		d.reporters = append(d.reporters, r)
	}
}

// Run downloads until no pending links remain or ctx is done.
func (d *Downloader) Run(ctx context.Context) (Result, error) {
	runID, err := d.ids.NewID()
	if err != nil {
		return Result{}, fmt.Errorf("generate run id: %w", err)
	}
	result := Result{RunID: runID}
	logger := d.logger.With(zap.String("run_id", runID))

	if d.cfg.ResetStale {
		reset, err := d.store.ResetStale(ctx, runID, d.clock.Now().Add(-d.cfg.StaleAfter))
		if err != nil {
			return result, fmt.Errorf("reset stale claims: %w", err)
		}
		result.Reset = reset
		if reset > 0 {
			logger.Info("released stale claims", zap.Int64("links", reset))
		}
	}
	if d.cfg.RequeueErrors {
		requeued, err := d.store.RequeueErrors(ctx)
		if err != nil {
			return result, fmt.Errorf("requeue errors: %w", err)
		}
		result.Requeued = requeued
		if requeued > 0 {
			logger.Info("requeued failed links", zap.Int64("links", requeued))
		}
	}

	logger.Info("download started", zap.Int("concurrency", d.cfg.Concurrency))
	for {
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("download canceled: %w", err)
		}
		tasks, err := d.store.FetchPendingLinks(ctx, d.cfg.Concurrency)
		if err != nil {
			return result, fmt.Errorf("fetch pending links: %w", err)
		}
		if len(tasks) == 0 {
			break
		}

		claimed, err := d.claim(ctx, runID, tasks, logger)
		if len(claimed) == 0 {
			if err != nil {
				return result, fmt.Errorf("claim batch: %w", err)
			}
			// Every candidate was taken by another worker; draw again.
			continue
		}

		result.Batches++
		report := d.runBatch(ctx, runID, claimed, logger)
		report.Batch = result.Batches
		result.Succeeded += report.Succeeded
		result.Failed += report.Failed
		result.Skipped += report.Skipped
		result.Bytes += report.Bytes

		counts, err := d.store.Summary(ctx)
		if err != nil {
			logger.Warn("summary failed", zap.Error(err))
		} else {
			report.Remaining = counts.Pending
			metrics.SetLinkCounts(counts)
		}
		d.report(report)
	}

	logger.Info("download finished",
		zap.Int("batches", result.Batches),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed),
		zap.Int("skipped", result.Skipped),
		zap.Int64("bytes", result.Bytes),
	)
	return result, nil
}

// Plan resolves the destination of every pending link without claiming anything.
func (d *Downloader) Plan(ctx context.Context) ([]Planned, error) {
	tasks, err := d.store.FetchPendingLinks(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("fetch pending links: %w", err)
	}
	plan := make([]Planned, 0, len(tasks))
	for _, task := range tasks {
		item := Planned{LinkID: task.Link.ID, PostID: task.Post.ID, URL: task.Link.URL}
		item.Path, item.Err = Destination(task)
		if item.Err == nil {
			item.Exists, item.Err = d.sink.Exists(ctx, item.Path)
		}
		plan = append(plan, item)
	}
	return plan, nil
}

// Destination expands the link's filename pattern, falling back to the
// default pattern for its post type when none was recorded.
func Destination(task archive.Task) (string, error) {
	pattern := task.Link.FilePathPattern
	if pattern == "" {
		pattern = filename.DefaultPatterns()[task.Post.Type]
	}
	return filename.Path(pattern, task.Post, task.Link)
}

// claim marks each task downloading under runID. Links lost to another worker
// are dropped silently; the first store failure is returned alongside
// whatever was claimed.
func (d *Downloader) claim(
	ctx context.Context,
	runID string,
	tasks []archive.Task,
	logger *zap.Logger,
) ([]archive.Task, error) {
	var firstErr error
	claimed := make([]archive.Task, 0, len(tasks))
	for _, task := range tasks {
		err := d.store.MarkDownloading(ctx, task.Link.ID, runID)
		switch {
		case err == nil:
			claimed = append(claimed, task)
		case errors.Is(err, archive.ErrNotClaimable):
			logger.Debug("link already claimed", zap.Int64("link_id", task.Link.ID))
		default:
			logger.Error("claim failed", zap.Int64("link_id", task.Link.ID), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return claimed, firstErr
}

func (d *Downloader) runBatch(ctx context.Context, runID string, tasks []archive.Task, logger *zap.Logger) archive.BatchReport {
	outcomes := make([]outcome, len(tasks))
	sizes := make([]int64, len(tasks))

	// Workers never return errors so one failure cannot cancel its siblings.
	var g errgroup.Group
	g.SetLimit(d.cfg.Concurrency)
	for i, task := range tasks {
		g.Go(func() error {
			metrics.IncActiveDownloads()
			defer metrics.DecActiveDownloads()
			outcomes[i], sizes[i] = d.process(ctx, runID, task, logger)
			return nil
		})
	}
	_ = g.Wait()

	var report archive.BatchReport
	for i, o := range outcomes {
		switch o {
		case outcomeSucceeded:
			report.Succeeded++
			report.Bytes += sizes[i]
		case outcomeFailed:
			report.Failed++
		case outcomeSkipped:
			report.Skipped++
		}
	}
	return report
}

func (d *Downloader) process(ctx context.Context, runID string, task archive.Task, logger *zap.Logger) (outcome, int64) {
	link := task.Link
	logger = logger.With(zap.Int64("link_id", link.ID), zap.Int64("post_id", task.Post.ID))

	dest, err := Destination(task)
	if err != nil {
		return d.fail(ctx, link, fmt.Errorf("resolve destination: %w", err), logger), 0
	}

	exists, err := d.sink.Exists(ctx, dest)
	if err != nil {
		return d.fail(ctx, link, &archive.IOError{Path: dest, Err: err}, logger), 0
	}
	if exists {
		if err := d.store.MarkSuccess(ctx, link.ID, dest); err != nil {
			logger.Error("mark success failed", zap.String("path", dest), zap.Error(err))
			return outcomeFailed, 0
		}
		metrics.ObserveDownload("skipped", 0)
		logger.Debug("already on disk", zap.String("path", dest))
		return outcomeSkipped, 0
	}

	resp, err := d.fetch(ctx, link.URL)
	if err != nil {
		return d.fail(ctx, link, err, logger), 0
	}

	contentType := string(link.ContentType)
	if contentType == "" {
		contentType = resp.ContentType
	}
	location, err := d.sink.Write(ctx, dest, contentType, bytes.NewReader(resp.Body))
	if err != nil {
		return d.fail(ctx, link, &archive.IOError{Path: dest, Err: err}, logger), 0
	}
	size := int64(len(resp.Body))

	if err := d.store.MarkSuccess(ctx, link.ID, dest); err != nil {
		// The file is in place; the next run finds it and marks success without fetching.
		logger.Error("mark success failed", zap.String("path", dest), zap.Error(err))
		return outcomeFailed, 0
	}
	metrics.ObserveDownload("success", size)
	logger.Info("link archived",
		zap.String("url", link.URL),
		zap.String("location", location),
		zap.Int64("bytes", size),
		zap.Duration("fetch", resp.Duration),
	)
	d.publish(ctx, Notification{
		RunID:    runID,
		LinkID:   link.ID,
		PostID:   task.Post.ID,
		URL:      link.URL,
		Path:     dest,
		Location: location,
		Bytes:    size,
	}, logger)
	return outcomeSucceeded, size
}

func (d *Downloader) fetch(ctx context.Context, url string) (archive.FetchResponse, error) {
	for attempt := 1; ; attempt++ {
		resp, err := d.fetchOnce(ctx, url)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil || !d.retry.ShouldRetry(err, attempt) {
			return archive.FetchResponse{}, err
		}
		backoff := d.retry.Backoff(attempt)
		d.logger.Debug("retrying download",
			zap.String("url", url), zap.Int("attempt", attempt), zap.Duration("backoff", backoff), zap.Error(err))
		if err := d.sleep(ctx, backoff); err != nil {
			return archive.FetchResponse{}, err
		}
	}
}

func (d *Downloader) fetchOnce(ctx context.Context, url string) (archive.FetchResponse, error) {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx, url); err != nil {
			return archive.FetchResponse{}, err
		}
	}
	resp, err := d.fetcher.Fetch(ctx, archive.FetchRequest{URL: url})
	if err != nil {
		return archive.FetchResponse{}, err
	}
	if err := archive.CheckStatus(resp); err != nil {
		return archive.FetchResponse{}, err
	}
	return resp, nil
}

// fail records cause on the link. A link interrupted by cancellation keeps its
// claim and is released by the next run's stale reset.
func (d *Downloader) fail(ctx context.Context, link archive.Link, cause error, logger *zap.Logger) outcome {
	if ctx.Err() != nil {
		logger.Warn("download interrupted", zap.String("url", link.URL), zap.Error(cause))
		return outcomeAbandoned
	}
	metrics.ObserveDownload("error", 0)
	logger.Warn("download failed", zap.String("url", link.URL), zap.Error(cause))
	if err := d.store.MarkError(ctx, link.ID, cause.Error()); err != nil {
		logger.Error("mark error failed", zap.Error(err))
	}
	return outcomeFailed
}

func (d *Downloader) publish(ctx context.Context, note Notification, logger *zap.Logger) {
	if d.publisher == nil || d.cfg.Topic == "" {
		return
	}
	if _, err := d.publisher.Publish(ctx, d.cfg.Topic, note); err != nil {
		logger.Warn("publish notification failed", zap.String("topic", d.cfg.Topic), zap.Error(err))
	}
}

func (d *Downloader) report(report archive.BatchReport) {
	for _, r := range d.reporters {
		r.Report(report)
	}
}
