// Package breaker implements a circuit breaker guarding the remote
// dataset API. After a run of consecutive qualifying failures the
// breaker opens and short-circuits calls until a cooldown elapses; a
// single half-open trial then decides whether to close it again.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kmcrae/tablefetch/internal/logging"
)

// State is the breaker's position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// OpenError is returned when the breaker short-circuits a call.
type OpenError struct {
	// RetryAfter is how long until the next half-open trial is allowed.
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit open: retry in %s", e.RetryAfter)
}

// IsOpen reports whether err is an OpenError.
func IsOpen(err error) bool {
	_, ok := err.(*OpenError)
	return ok
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return systemClock{} }

// Config tunes a Breaker.
type Config struct {
	// FailureThreshold is how many consecutive qualifying failures open
	// the breaker.
	FailureThreshold int

	// Cooldown is the initial open duration. Each reopen without an
	// intervening success doubles it, up to MaxCooldown.
	Cooldown    time.Duration
	MaxCooldown time.Duration

	// IsFailure decides whether an error counts toward the threshold.
	// Nil means every non-nil error counts.
	IsFailure func(error) bool

	// Clock defaults to the system clock.
	Clock Clock
}

// Snapshot is a point-in-time view of the breaker for status reporting.
type Snapshot struct {
	State               State
	ConsecutiveFailures int
	Cooldown            time.Duration
	OpenedAt            time.Time
}

// Breaker is safe for concurrent use.
type Breaker struct {
	mu sync.Mutex

	state        State
	failures     int
	openedAt     time.Time
	cooldown     time.Duration
	trialPending bool

	cfg    Config
	logger zerolog.Logger
}

// New creates a closed Breaker.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.MaxCooldown <= 0 {
		cfg.MaxCooldown = 5 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
	return &Breaker{
		state:    StateClosed,
		cooldown: cfg.Cooldown,
		cfg:      cfg,
		logger:   logging.NewLogger("breaker"),
	}
}

// Do runs fn unless the breaker is open. While open, Do returns an
// *OpenError without calling fn. After the cooldown, exactly one caller
// gets a half-open trial; its outcome closes or reopens the breaker.
func (b *Breaker) Do(fn func() error) error {
	if err := b.allow(); err != nil {
		shortCircuitsTotal.Inc()
		return err
	}

	err := fn()
	switch {
	case err == nil:
		b.recordSuccess()
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		// The call was cut short by its context; the remote never
		// answered, so the outcome says nothing about its health.
		b.abandonTrial()
	case b.countsAsFailure(err):
		b.recordFailure()
	default:
		// Non-qualifying error (e.g. a fatal remote response): the
		// remote answered, so a half-open trial still resolves.
		b.resolveTrial()
	}
	return err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateHalfOpen:
		if b.trialPending {
			return &OpenError{RetryAfter: b.cooldown}
		}
		b.trialPending = true
		return nil
	default: // StateOpen
		elapsed := b.cfg.Clock.Now().Sub(b.openedAt)
		if elapsed < b.cooldown {
			return &OpenError{RetryAfter: b.cooldown - elapsed}
		}
		b.setState(StateHalfOpen)
		b.trialPending = true
		return nil
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		// Trial failed: reopen with a longer cooldown.
		b.trialPending = false
		b.cooldown *= 2
		if b.cooldown > b.cfg.MaxCooldown {
			b.cooldown = b.cfg.MaxCooldown
		}
		b.open()
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.open()
		}
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.trialPending = false
	b.cooldown = b.cfg.Cooldown
	if b.state != StateClosed {
		b.setState(StateClosed)
	}
}

// abandonTrial returns the half-open trial slot without moving the
// circuit, so the next caller gets a fresh trial.
func (b *Breaker) abandonTrial() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.trialPending = false
	}
}

// resolveTrial clears a half-open trial without changing the failure
// count in either direction.
func (b *Breaker) resolveTrial() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.trialPending = false
		b.setState(StateClosed)
	}
}

func (b *Breaker) open() {
	b.openedAt = b.cfg.Clock.Now()
	b.failures = 0
	b.setState(StateOpen)
}

// setState must be called with b.mu held.
func (b *Breaker) setState(s State) {
	b.logger.Warn().
		Str("from", b.state.String()).
		Str("to", s.String()).
		Dur("cooldown", b.cooldown).
		Msg("circuit breaker state change")
	transitionsTotal.WithLabelValues(s.String()).Inc()
	b.state = s
}

func (b *Breaker) countsAsFailure(err error) bool {
	if b.cfg.IsFailure == nil {
		return err != nil
	}
	return b.cfg.IsFailure(err)
}

// Snapshot returns the breaker's current state for status reporting.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:               b.state,
		ConsecutiveFailures: b.failures,
		Cooldown:            b.cooldown,
		OpenedAt:            b.openedAt,
	}
}
