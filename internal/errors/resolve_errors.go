package errors

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrResolution  = errors.New("stream resolution failed")
	ErrLockTimeout = errors.New("timed out waiting for another process to resolve")
	ErrRateLimited = errors.New("rate limit exceeded")
)

// ResolutionError carries the truncated diagnostic from a failed resolver
// subprocess run. Matches ErrResolution via errors.Is.
type ResolutionError struct {
	MediaID string
	Detail  string
}

func (e *ResolutionError) Error() string {
	if e.MediaID == "" {
		return fmt.Sprintf("stream resolution failed: %s", e.Detail)
	}
	return fmt.Sprintf("stream resolution failed for %s: %s", e.MediaID, e.Detail)
}

func (e *ResolutionError) Unwrap() error { return ErrResolution }

// RateLimitError tells the caller how long to back off. Matches
// ErrRateLimited via errors.Is.
type RateLimitError struct {
	Limit      int
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded (%d per %s)", e.Limit, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }
