package archive

import (
	"context"
	"io"
	"time"
)

// Store is the durable record of posts, links and download progress.
// Every mutation is transactional; MarkDownloading doubles as the claim lock.
type Store interface {
	UpsertPost(ctx context.Context, post Post) (int64, bool, error)
	UpsertLink(ctx context.Context, link Link) (int64, bool, error)
	FetchPendingLinks(ctx context.Context, limit int) ([]Task, error)
	MarkDownloading(ctx context.Context, linkID int64, runID string) error
	MarkSuccess(ctx context.Context, linkID int64, filePath string) error
	MarkError(ctx context.Context, linkID int64, errText string) error
	RequeueErrors(ctx context.Context) (int64, error)
	ResetStale(ctx context.Context, runID string, claimedBefore time.Time) (int64, error)
	ResetAll(ctx context.Context) (int64, error)
	UpdatePath(ctx context.Context, linkID int64, filePath string, pattern string) error
	GetPost(ctx context.Context, id int64) (PostWithLinks, error)
	ListPosts(ctx context.Context) ([]PostWithLinks, error)
	Summary(ctx context.Context) (StatusCounts, error)
	Close() error
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Extractor turns one listing page into candidate posts.
type Extractor interface {
	Extract(pageURL string, body []byte) (ExtractResult, error)
}

// Sink persists downloaded bytes. Writes are all-or-nothing under the final name.
type Sink interface {
	Exists(ctx context.Context, path string) (bool, error)
	Write(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher pushes archive notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// RetryPolicy decides whether and when a failed fetch is attempted again.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// Limiter throttles requests per host.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// Reporter receives progress after each download batch.
type Reporter interface {
	Report(report BatchReport)
}

// BatchReport summarizes one claimed batch.
type BatchReport struct {
	Batch     int
	Succeeded int
	Failed    int
	Skipped   int
	Bytes     int64
	Remaining int64
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
