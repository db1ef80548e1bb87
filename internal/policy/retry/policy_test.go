package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/post-archiver/internal/archive"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"rate limited", &archive.TransportError{URL: "u", StatusCode: http.StatusTooManyRequests}, true},
		{"server error", &archive.TransportError{URL: "u", StatusCode: http.StatusBadGateway}, true},
		{"not found", &archive.TransportError{URL: "u", StatusCode: http.StatusNotFound}, false},
		{"dial failure", &archive.TransportError{URL: "u", Err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}}, true},
		{"connection reset", &archive.TransportError{URL: "u", Err: &net.OpError{Op: "read", Net: "tcp", Err: errors.New("connection reset by peer")}}, true},
		{"unknown host", &archive.TransportError{URL: "u", Err: &net.OpError{Op: "dial", Net: "tcp", Err: &net.DNSError{Name: "nope.invalid", IsNotFound: true}}}, false},
		{"wrapped timeout", &archive.TransportError{URL: "u", Err: timeoutErr{}}, true},
		{"bare timeout", timeoutErr{}, true},
		{"write failure", &archive.IOError{Path: "p", Err: errors.New("disk full")}, false},
		{"extraction", &archive.ExtractionError{Page: "p", Err: errors.New("bad id")}, false},
		{"unknown", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Retryable(tt.err))
		})
	}
}

// closedAddr returns an address nothing listens on.
func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestRefusedConnectionIsRetried(t *testing.T) {
	t.Parallel()

	client := &http.Client{Timeout: 5 * time.Second}
	url := "http://" + closedAddr(t) + "/media.jpg"
	resp, err := client.Get(url) //nolint:noctx // test dial
	if resp != nil {
		resp.Body.Close() //nolint:errcheck // not expected
	}
	require.Error(t, err)

	wrapped := &archive.TransportError{URL: url, Err: err}
	assert.True(t, Retryable(wrapped), "refused dial: %v", err)
	p := NewExponential(Config{MaxAttempts: 3})
	assert.True(t, p.ShouldRetry(wrapped, 1))
	assert.False(t, p.ShouldRetry(wrapped, 3))
}

func TestShouldRetryHonorsMaxAttempts(t *testing.T) {
	t.Parallel()

	p := NewExponential(Config{MaxAttempts: 2})
	err := &archive.TransportError{URL: "u", StatusCode: http.StatusServiceUnavailable}
	assert.True(t, p.ShouldRetry(err, 1))
	assert.False(t, p.ShouldRetry(err, 2))
}

func TestBackoffIsBounded(t *testing.T) {
	t.Parallel()

	p := NewExponential(Config{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second})
	for attempt := 1; attempt <= 10; attempt++ {
		d := p.Backoff(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, time.Second)
	}
	first := p.Backoff(1)
	assert.GreaterOrEqual(t, first, 50*time.Millisecond)
	assert.LessOrEqual(t, first, 100*time.Millisecond)
}

func TestNoneNeverRetries(t *testing.T) {
	t.Parallel()

	assert.False(t, None{}.ShouldRetry(timeoutErr{}, 1))
	assert.Zero(t, None{}.Backoff(3))
}

func TestSleepStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	require.ErrorIs(t, Sleep(ctx, time.Minute), context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
	require.NoError(t, Sleep(context.Background(), time.Millisecond))
}
