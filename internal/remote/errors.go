package remote

import (
	"errors"
	"fmt"
	"time"
)

// TransientError marks a remote failure that retrying may resolve:
// timeouts, connection resets, 5xx responses and rate limiting.
type TransientError struct {
	// Status is the HTTP status code, or 0 for network-level failures.
	Status int

	// RetryAfter is the server's wait hint (from a Retry-After header),
	// or zero when the server gave none.
	RetryAfter time.Duration

	// Attempts is how many requests were made before giving up. Zero
	// means the error was classified but not yet retried.
	Attempts int

	Err error
}

func (e *TransientError) Error() string {
	switch {
	case e.Status == 429:
		return fmt.Sprintf("rate limited by remote (retry after %s): %v", e.RetryAfter, e.Err)
	case e.Status > 0:
		return fmt.Sprintf("transient remote failure (status %d, %d attempts): %v", e.Status, e.Attempts, e.Err)
	default:
		return fmt.Sprintf("transient network failure (%d attempts): %v", e.Attempts, e.Err)
	}
}

func (e *TransientError) Unwrap() error { return e.Err }

// RateLimited reports whether the failure was an explicit rate limit.
func (e *TransientError) RateLimited() bool { return e.Status == 429 }

// FatalError marks a remote failure that retrying cannot fix: client
// errors such as 401/403/404 and malformed response bodies.
type FatalError struct {
	Status int
	Table  string
	Offset int64
	Msg    string
}

func (e *FatalError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("fatal remote error on %s at offset %d: status %d: %s", e.Table, e.Offset, e.Status, e.Msg)
	}
	return fmt.Sprintf("fatal remote error on %s at offset %d: %s", e.Table, e.Offset, e.Msg)
}

// IsTransient reports whether err is (or wraps) a retryable remote
// failure.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsFatal reports whether err is (or wraps) a non-retryable remote
// failure.
func IsFatal(err error) bool {
	var f *FatalError
	return errors.As(err, &f)
}
