package archive

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrNotClaimable is returned when a claim loses the race: the link is no longer pending.
	ErrNotClaimable = errors.New("link is not pending")
	// ErrInvalidTransition is returned when a status update does not follow the state machine.
	ErrInvalidTransition = errors.New("invalid link status transition")
	// ErrMissingPost is returned when a link references a post that was never recorded.
	ErrMissingPost = errors.New("owning post does not exist")
)

// TransportError is a failed fetch or a non-success HTTP response.
type TransportError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.Err != nil && e.StatusCode != 0:
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
	default:
		return fmt.Sprintf("fetch %s: unexpected status %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
	}
}

func (e *TransportError) Unwrap() error { return e.Err }

// RateLimited reports whether the remote asked us to slow down.
func (e *TransportError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// ExtractionError means a page did not match the expected markup.
type ExtractionError struct {
	Page string
	Err  error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s: %v", e.Page, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// IOError is a failed write to the sink.
type IOError struct {
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("write %s: %v", e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// StoreError is a failed store transaction or constraint.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// CheckStatus converts a non-2xx response into a TransportError.
func CheckStatus(resp FetchResponse) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &TransportError{URL: resp.URL, StatusCode: resp.StatusCode}
}
