// Package retry decides whether failed fetches are attempted again.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"net"
	"net/http"
	"time"

	"github.com/JakeFAU/post-archiver/internal/archive"
)

// Config tunes the exponential policy. Zero values fall back to defaults.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Exponential implements archive.RetryPolicy with jittered backoff.
type Exponential struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

var _ archive.RetryPolicy = (*Exponential)(nil)

// NewExponential builds a policy; attempts are counted from 1.
func NewExponential(cfg Config) *Exponential {
	p := &Exponential{
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
	}
	if p.maxAttempts <= 0 {
		p.maxAttempts = 3
	}
	if p.baseDelay <= 0 {
		p.baseDelay = 250 * time.Millisecond
	}
	if p.maxDelay <= 0 {
		p.maxDelay = 5 * time.Second
	}
	return p
}

// ShouldRetry reports whether attempt (the one that just failed) may be followed by another.
func (p *Exponential) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.maxAttempts {
		return false
	}
	return Retryable(err)
}

// Backoff returns the wait duration before the next attempt.
func (p *Exponential) Backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

// Retryable classifies errors. Timeouts, connection failures, 429 and 5xx
// responses are transient. Cancellation, unknown hosts, other statuses,
// extraction and write failures are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ioErr *archive.IOError
	if errors.As(err, &ioErr) {
		return false
	}
	var extractErr *archive.ExtractionError
	if errors.As(err, &extractErr) {
		return false
	}
	var transportErr *archive.TransportError
	if errors.As(err, &transportErr) && transportErr.StatusCode != 0 {
		return transportErr.StatusCode == http.StatusTooManyRequests || transportErr.StatusCode >= 500
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return false
	}
	// Refused, reset and unreachable connections surface as *net.OpError
	// without a timeout flag.
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return transportErr != nil
}

// None never retries.
type None struct{}

// ShouldRetry always returns false.
func (None) ShouldRetry(error, int) bool { return false }

// Backoff always returns zero.
func (None) Backoff(int) time.Duration { return 0 }

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
