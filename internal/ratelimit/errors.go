package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

// ErrRateLimited matches every *LimitError.
var ErrRateLimited = errors.New("rate limit exceeded")

// LimitError is returned when a key has no token available.
type LimitError struct {
	// Tier is set when the check went through a MultiTier.
	Tier string
	// RetryAfter is the whole number of seconds until one token is available.
	RetryAfter int
	Limit      int
	Window     time.Duration
}

func (e *LimitError) Error() string {
	prefix := ErrRateLimited.Error()
	if e.Tier != "" {
		prefix = e.Tier + ": " + prefix
	}
	return fmt.Sprintf("%s: %d per %s, retry after %ds", prefix, e.Limit, e.Window, e.RetryAfter)
}

func (e *LimitError) Unwrap() error { return ErrRateLimited }

// RetryAfterDuration returns RetryAfter as a time.Duration.
func (e *LimitError) RetryAfterDuration() time.Duration {
	return time.Duration(e.RetryAfter) * time.Second
}
