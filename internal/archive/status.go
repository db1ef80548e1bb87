package archive

import (
	"fmt"
	"strings"
)

// LinkStatus is the lifecycle state of a link.
type LinkStatus string

// Link statuses persisted in post_links.status.
const (
	StatusPending     LinkStatus = "pending"
	StatusDownloading LinkStatus = "downloading"
	StatusSuccess     LinkStatus = "success"
	StatusError       LinkStatus = "error"
)

// ParseLinkStatus validates a stored status. Databases written by older releases
// used "downloaded" for success.
func ParseLinkStatus(raw string) (LinkStatus, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pending":
		return StatusPending, nil
	case "downloading":
		return StatusDownloading, nil
	case "success", "downloaded":
		return StatusSuccess, nil
	case "error":
		return StatusError, nil
	default:
		return "", fmt.Errorf("unknown link status %q", raw)
	}
}

// Terminal reports whether no automatic transition leaves the status.
func (s LinkStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusError
}

// CanTransition reports whether from -> to is an edge of the link state machine.
//
//	pending     -> downloading   claim
//	downloading -> success       fetched and persisted
//	downloading -> error         fetch or write failed
//	error       -> pending       explicit re-queue
//	downloading -> pending       stale claim reset at startup
func CanTransition(from, to LinkStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusDownloading
	case StatusDownloading:
		return to == StatusSuccess || to == StatusError || to == StatusPending
	case StatusError:
		return to == StatusPending
	default:
		return false
	}
}
