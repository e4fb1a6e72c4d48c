package channels

import (
	"errors"
	"fmt"
	"time"
)

// ErrSessionInvalid is returned when the surface no longer accepts the
// stored credentials. Callers tear the session down and flag the account
// for re-authentication; the error is terminal for the current work item.
var ErrSessionInvalid = errors.New("channel session invalid")

// ErrUnsupported is returned by operations a channel's mode does not
// implement, e.g. FetchInbox on a push channel.
var ErrUnsupported = errors.New("operation not supported by channel")

// RateLimitedError signals the surface asked us to back off. RetryAfter
// is zero when the surface did not say for how long.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited by surface, retry after %s", e.RetryAfter)
	}
	return "rate limited by surface"
}

// IsRetryable reports whether a channel error is transient. Session
// invalidation is terminal; rate limits and everything else (network
// errors, 5xx) are worth another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSessionInvalid) || errors.Is(err, ErrUnsupported) {
		return false
	}
	return true
}
