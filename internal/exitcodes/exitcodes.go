// Package exitcodes defines the CLI exit codes, kept stable so
// schedulers (Airflow, Kubernetes) can decide whether a failed run is
// worth retrying.
package exitcodes

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/kmcrae/tablefetch/internal/breaker"
	"github.com/kmcrae/tablefetch/internal/checkpoint"
	"github.com/kmcrae/tablefetch/internal/remote"
	"github.com/kmcrae/tablefetch/internal/store"
)

const (
	// Success - every table completed.
	Success = 0

	// ConfigError - configuration parsing or validation failed
	// (non-recoverable, don't retry).
	ConfigError = 1

	// RemoteError - the remote API was unreachable, rate limited or
	// circuit-open (recoverable).
	RemoteError = 2

	// FetchError - one or more tables failed fatally (non-recoverable).
	FetchError = 3

	// PoolError - local store pool exhausted or leases leaked.
	PoolError = 4

	// Cancelled - interrupted via SIGINT/SIGTERM (recoverable, the run
	// resumes from its checkpoints).
	Cancelled = 5

	// StateError - resume state corrupt or unreadable (needs operator
	// attention, don't retry blindly).
	StateError = 6

	// IOError - file I/O errors (recoverable).
	IOError = 7
)

// ExitError pins an explicit exit code to an error.
type ExitError struct {
	Err  error
	Code int
}

func (e *ExitError) Error() string { return e.Err.Error() }

func (e *ExitError) Unwrap() error { return e.Err }

// NewExitError wraps err with an explicit exit code.
func NewExitError(err error, code int) *ExitError {
	return &ExitError{Err: err, Code: code}
}

// FromError classifies an error into an exit code. Typed errors from
// this module decide directly; anything else falls back to message
// inspection.
func FromError(err error) int {
	if err == nil {
		return Success
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return Cancelled
	case errors.Is(err, checkpoint.ErrCorruptState):
		return StateError
	case errors.Is(err, store.ErrPoolExhausted), errors.Is(err, store.ErrLeakedLeases):
		return PoolError
	case remote.IsFatal(err):
		return FetchError
	case remote.IsTransient(err), breaker.IsOpen(err):
		return RemoteError
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return IOError
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case containsAny(errStr, []string{"no such file", "file not found", "permission denied", "is a directory"}):
		return IOError
	case containsAny(errStr, []string{"yaml:", "unmarshal", "parsing config", "is required", "must be"}):
		return ConfigError
	case containsAny(errStr, []string{"connection", "dial", "refused", "timeout", "unreachable", "no such host", "network"}):
		return RemoteError
	case containsAny(errStr, []string{"cancel", "interrupt"}):
		return Cancelled
	case containsAny(errStr, []string{"state", "checkpoint", "resume"}):
		return StateError
	default:
		return FetchError
	}
}

// IsRecoverable reports whether a retry of the whole run can succeed
// without operator intervention.
func IsRecoverable(code int) bool {
	switch code {
	case RemoteError, Cancelled, IOError, PoolError:
		return true
	default:
		return false
	}
}

// Description returns a short human-readable name for the code.
func Description(code int) string {
	switch code {
	case Success:
		return "success"
	case ConfigError:
		return "configuration error"
	case RemoteError:
		return "remote API error (recoverable)"
	case FetchError:
		return "fetch error"
	case PoolError:
		return "connection pool error (recoverable)"
	case Cancelled:
		return "cancelled (recoverable)"
	case StateError:
		return "resume state error"
	case IOError:
		return "I/O error (recoverable)"
	default:
		return "unknown error"
	}
}

func containsAny(s string, substrs []string) bool {
	for _, substr := range substrs {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}
