// Package crawler walks a creator's paginated listing and records every
// discovered post and link in the store.
//
// Crawling is best-effort discovery: a page that cannot be fetched or parsed
// is logged and skipped, and a post or link that cannot be stored is logged
// and the crawl moves on. Re-crawling unchanged pages creates no rows.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/post-archiver/internal/archive"
	"github.com/JakeFAU/post-archiver/internal/filename"
	"github.com/JakeFAU/post-archiver/internal/metrics"
	"github.com/JakeFAU/post-archiver/internal/policy/retry"
)

// Config controls a crawl.
type Config struct {
	// PageURL is the listing URL template. {page} is replaced with the page
	// number; {creator_id} and {creator_name} with the creator identity.
	PageURL     string
	CreatorID   int64
	CreatorName string
	StartPage   int
	// MaxPages bounds the number of pages requested. Zero means until the end of the listing.
	MaxPages int
	// Patterns maps post types to filename patterns recorded on new links.
	Patterns map[archive.PostType]string
	// RateLimitBackoff is the pause after an HTTP 429 before the same page is retried.
	RateLimitBackoff    time.Duration
	MaxRateLimitRetries int
	// MaxConsecutiveFailures aborts an unbounded crawl after this many failed
	// pages in a row. Zero disables the guard; bounded crawls never abort on
	// page failures.
	MaxConsecutiveFailures int
}

// Stats summarizes a crawl.
type Stats struct {
	Pages        int
	PagesFailed  int
	PostsSeen    int
	PostsCreated int
	LinksSeen    int
	LinksCreated int
}

// ErrTooManyFailures is returned when consecutive page failures exceed the configured bound.
var ErrTooManyFailures = errors.New("too many consecutive page failures")

// Crawler fetches listing pages and feeds the store.
type Crawler struct {
	cfg       Config
	store     archive.Store
	fetcher   archive.Fetcher
	extractor archive.Extractor
	limiter   archive.Limiter
	retry     archive.RetryPolicy
	logger    *zap.Logger
	sleep     func(context.Context, time.Duration) error
}

// New constructs a Crawler. limiter and policy may be nil.
func New(
	cfg Config,
	store archive.Store,
	fetcher archive.Fetcher,
	extractor archive.Extractor,
	limiter archive.Limiter,
	policy archive.RetryPolicy,
	logger *zap.Logger,
) (*Crawler, error) {
	if store == nil || fetcher == nil || extractor == nil {
		return nil, fmt.Errorf("crawler requires a store, fetcher and extractor")
	}
	if !strings.Contains(cfg.PageURL, "{page}") {
		return nil, fmt.Errorf("page url %q has no {page} placeholder", cfg.PageURL)
	}
	if cfg.MaxConsecutiveFailures < 0 {
		return nil, fmt.Errorf("max consecutive failures must be >= 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy == nil {
		policy = retry.None{}
	}
	patterns := filename.DefaultPatterns()
	for postType, pattern := range cfg.Patterns {
		patterns[postType] = pattern
	}
	cfg.Patterns = patterns
	return &Crawler{
		cfg:       cfg,
		store:     store,
		fetcher:   fetcher,
		extractor: extractor,
		limiter:   limiter,
		retry:     policy,
		logger:    logger,
		sleep:     retry.Sleep,
	}, nil
}

// PageURL renders the listing URL for page.
func (c *Crawler) PageURL(page int) string {
	return strings.NewReplacer(
		"{page}", strconv.Itoa(page),
		"{creator_id}", strconv.FormatInt(c.cfg.CreatorID, 10),
		"{creator_name}", c.cfg.CreatorName,
	).Replace(c.cfg.PageURL)
}

// Run crawls from the start page until the listing ends, the page bound is
// reached, or ctx is done.
func (c *Crawler) Run(ctx context.Context) (Stats, error) {
	var (
		stats    Stats
		failures int
	)
	c.logger.Info("crawl started",
		zap.String("creator", c.cfg.CreatorName),
		zap.Int64("creator_id", c.cfg.CreatorID),
		zap.Int("start_page", c.cfg.StartPage),
		zap.Int("max_pages", c.cfg.MaxPages),
	)

	for page := c.cfg.StartPage; c.cfg.MaxPages == 0 || page < c.cfg.StartPage+c.cfg.MaxPages; page++ {
		if err := ctx.Err(); err != nil {
			return stats, fmt.Errorf("crawl canceled: %w", err)
		}

		pageURL := c.PageURL(page)
		stats.Pages++
		result, err := c.fetchPage(ctx, pageURL)
		if err != nil {
			if ctx.Err() != nil {
				return stats, fmt.Errorf("crawl canceled: %w", ctx.Err())
			}
			stats.PagesFailed++
			failures++
			metrics.ObservePage("failed")
			c.logger.Warn("page skipped", zap.Int("page", page), zap.String("url", pageURL), zap.Error(err))
			if c.abortOnFailures() && failures >= c.cfg.MaxConsecutiveFailures {
				return stats, fmt.Errorf("%w: last page %d", ErrTooManyFailures, page)
			}
			continue
		}
		failures = 0
		metrics.ObservePage("ok")

		if result.Last {
			c.logger.Info("end of listing", zap.Int("page", page))
			break
		}
		c.record(ctx, result.Candidates, &stats)
		c.logger.Info("page crawled",
			zap.Int("page", page),
			zap.Int("posts", len(result.Candidates)),
			zap.Int("posts_created", stats.PostsCreated),
			zap.Int("links_created", stats.LinksCreated),
		)
	}

	c.logger.Info("crawl finished",
		zap.Int("pages", stats.Pages),
		zap.Int("pages_failed", stats.PagesFailed),
		zap.Int("posts_seen", stats.PostsSeen),
		zap.Int("posts_created", stats.PostsCreated),
		zap.Int("links_seen", stats.LinksSeen),
		zap.Int("links_created", stats.LinksCreated),
	)
	return stats, nil
}

// abortOnFailures reports whether consecutive page failures end the crawl.
// Only an unbounded crawl needs the guard: with an expired session every page
// fails and the end-of-listing page is never seen.
func (c *Crawler) abortOnFailures() bool {
	return c.cfg.MaxPages == 0 && c.cfg.MaxConsecutiveFailures > 0
}

// fetchPage fetches and extracts one page, waiting out 429s and retrying
// transient failures.
func (c *Crawler) fetchPage(ctx context.Context, pageURL string) (archive.ExtractResult, error) {
	rateLimited := 0
	for attempt := 1; ; attempt++ {
		resp, err := c.fetch(ctx, pageURL)
		if err == nil {
			return c.extractor.Extract(pageURL, resp.Body)
		}

		var transportErr *archive.TransportError
		if errors.As(err, &transportErr) && transportErr.RateLimited() {
			metrics.ObservePage("rate_limited")
			if rateLimited >= c.cfg.MaxRateLimitRetries {
				return archive.ExtractResult{}, err
			}
			rateLimited++
			attempt--
			c.logger.Warn("rate limited, backing off",
				zap.String("url", pageURL),
				zap.Duration("backoff", c.cfg.RateLimitBackoff),
				zap.Int("retry", rateLimited),
			)
			if err := c.sleep(ctx, c.cfg.RateLimitBackoff); err != nil {
				return archive.ExtractResult{}, err
			}
			continue
		}

		if !c.retry.ShouldRetry(err, attempt) {
			return archive.ExtractResult{}, err
		}
		backoff := c.retry.Backoff(attempt)
		c.logger.Debug("retrying page", zap.String("url", pageURL), zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff), zap.Error(err))
		if err := c.sleep(ctx, backoff); err != nil {
			return archive.ExtractResult{}, err
		}
	}
}

func (c *Crawler) fetch(ctx context.Context, pageURL string) (archive.FetchResponse, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, pageURL); err != nil {
			return archive.FetchResponse{}, err
		}
	}
	return c.fetcher.Fetch(ctx, archive.FetchRequest{URL: pageURL})
}

func (c *Crawler) record(ctx context.Context, candidates []archive.Candidate, stats *Stats) {
	for _, candidate := range candidates {
		post := candidate.Post
		stats.PostsSeen++
		_, created, err := c.store.UpsertPost(ctx, post)
		if err != nil {
			c.logger.Error("store post failed", zap.Int64("post_id", post.ID), zap.Error(err))
			continue
		}
		metrics.ObserveDiscovered("post", created)
		if created {
			stats.PostsCreated++
		}

		pattern := c.cfg.Patterns[post.Type]
		for _, link := range candidate.Links {
			stats.LinksSeen++
			link.PostID = post.ID
			link.FilePathPattern = pattern
			_, created, err := c.store.UpsertLink(ctx, link)
			if err != nil {
				c.logger.Error("store link failed",
					zap.Int64("post_id", post.ID), zap.String("url", link.URL), zap.Error(err))
				continue
			}
			metrics.ObserveDiscovered("link", created)
			if created {
				stats.LinksCreated++
			}
		}
	}
}
