// Package core holds the domain types and error taxonomy shared by the
// browser, listing, and summarize packages.
package core

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for the failure classes callers are expected to branch on
// with errors.Is. Wrapped errors carry the underlying cause.
var (
	// ErrConnectionUnavailable means the remote debugging endpoint could not
	// be reached at all. Fatal to any fetch until the operator resolves it.
	ErrConnectionUnavailable = errors.New("browser connection unavailable")

	// ErrSessionEstablishFailed means the endpoint answered the probe but
	// attaching to the browser failed.
	ErrSessionEstablishFailed = errors.New("browser session establish failed")

	// ErrFetchFailed is a recoverable scrape error; the listing cache may
	// fall back to stale data.
	ErrFetchFailed = errors.New("listing fetch failed")

	// ErrSummarizeFailed is recorded on the summary request; never retried
	// automatically.
	ErrSummarizeFailed = errors.New("summarize failed")

	// ErrTimeout classifies deadline expiry distinctly from generic failure.
	ErrTimeout = errors.New("operation timed out")

	// ErrNotFound is returned for unknown summary request IDs, including
	// IDs evicted by the retention policy.
	ErrNotFound = errors.New("not found")
)

// ConnectionError wraps ErrConnectionUnavailable with the endpoint that was
// probed and the exact command an operator can run to fix it.
type ConnectionError struct {
	Endpoint    string
	Remediation string
	Err         error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("browser connection unavailable at %s: %v (remediation: %s)", e.Endpoint, e.Err, e.Remediation)
}

func (e *ConnectionError) Unwrap() error { return ErrConnectionUnavailable }

// NewConnectionError builds a ConnectionError for the given CDP endpoint.
func NewConnectionError(endpoint string, cause error) *ConnectionError {
	return &ConnectionError{
		Endpoint:    endpoint,
		Remediation: fmt.Sprintf("start Chrome with: google-chrome --remote-debugging-port=%s --user-data-dir=$HOME/.ytsum-chrome", portOf(endpoint)),
		Err:         cause,
	}
}

// IsTimeout reports whether err is deadline expiry, either our sentinel or a
// context/net deadline surfaced by a lower layer.
func IsTimeout(err error) bool {
	if errors.Is(err, ErrTimeout) {
		return true
	}
	var t interface{ Timeout() bool }
	if errors.As(err, &t) && t.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func portOf(endpoint string) string {
	for i := len(endpoint) - 1; i >= 0; i-- {
		c := endpoint[i]
		if c == ':' {
			return endpoint[i+1:]
		}
		if c < '0' || c > '9' {
			break
		}
	}
	return "9222"
}
