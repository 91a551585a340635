// Package store manages the local SQLite analytical store: a leased
// connection pool with a hard ceiling and read/write separation, an
// idempotent row upsert writer, and run history bookkeeping.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/kmcrae/tablefetch/internal/logging"
)

var (
	// ErrPoolExhausted is returned when no connection lease is
	// available under the configured wait policy.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrLeaseReleased is returned when a lease is used after Release.
	ErrLeaseReleased = errors.New("lease already released")

	// ErrReadOnlyLease is returned when a write is attempted on a
	// read lease.
	ErrReadOnlyLease = errors.New("write attempted on read-only lease")

	// ErrLeakedLeases is returned by CheckLeaks when leases were never
	// released.
	ErrLeakedLeases = errors.New("connection leases leaked")
)

// Mode selects what a lease may do.
type Mode int

const (
	ModeRead Mode = iota
	ModeWrite
)

func (m Mode) String() string {
	if m == ModeWrite {
		return "write"
	}
	return "read"
}

// WaitPolicy controls Acquire behaviour when the pool is at its
// ceiling.
type WaitPolicy int

const (
	// PolicyBlock waits up to AcquireTimeout for a lease.
	PolicyBlock WaitPolicy = iota
	// PolicyFailFast returns ErrPoolExhausted immediately.
	PolicyFailFast
)

// Options tunes the connection pool.
type Options struct {
	MaxConnections int
	AcquireTimeout time.Duration
	Policy         WaitPolicy
}

// Manager owns the SQLite database and hands out scoped connection
// leases. All methods are safe for concurrent use.
type Manager struct {
	db   *sql.DB
	opts Options
	sem  chan struct{}

	mu     sync.Mutex
	leases map[uint64]*Lease
	nextID uint64

	logger zerolog.Logger
}

// Open opens (creating if needed) the SQLite store at path.
func Open(path string, opts Options) (*Manager, error) {
	if opts.MaxConnections < 2 {
		opts.MaxConnections = 2
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = 10 * time.Second
	}

	dsn := "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	// History bookkeeping uses pooled connections outside the lease
	// ledger, so leave a little headroom above the lease ceiling.
	db.SetMaxOpenConns(opts.MaxConnections + 2)

	m := &Manager{
		db:     db,
		opts:   opts,
		sem:    make(chan struct{}, opts.MaxConnections),
		leases: make(map[uint64]*Lease),
		logger: logging.NewLogger("store"),
	}
	if err := m.ensureHistorySchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

// Acquire takes a connection lease. The owner string names the holder
// for leak diagnostics. Read leases have PRAGMA query_only set so
// accidental writes fail at the database too, not only in this layer.
func (m *Manager) Acquire(ctx context.Context, mode Mode, owner string) (*Lease, error) {
	if err := m.reserve(ctx); err != nil {
		return nil, err
	}

	conn, err := m.db.Conn(ctx)
	if err != nil {
		<-m.sem
		return nil, fmt.Errorf("acquiring connection: %w", err)
	}
	if mode == ModeRead {
		if _, err := conn.ExecContext(ctx, "PRAGMA query_only = ON"); err != nil {
			conn.Close()
			<-m.sem
			return nil, fmt.Errorf("setting read-only mode: %w", err)
		}
	}

	m.mu.Lock()
	m.nextID++
	l := &Lease{
		id:         m.nextID,
		mode:       mode,
		owner:      owner,
		acquiredAt: time.Now(),
		conn:       conn,
		m:          m,
	}
	m.leases[l.id] = l
	m.mu.Unlock()

	leasesActive.WithLabelValues(mode.String()).Inc()
	return l, nil
}

func (m *Manager) reserve(ctx context.Context) error {
	switch m.opts.Policy {
	case PolicyFailFast:
		select {
		case m.sem <- struct{}{}:
			return nil
		default:
			poolExhaustedTotal.Inc()
			return fmt.Errorf("%w: all %d connections in use", ErrPoolExhausted, m.opts.MaxConnections)
		}
	default:
		timer := time.NewTimer(m.opts.AcquireTimeout)
		defer timer.Stop()
		select {
		case m.sem <- struct{}{}:
			return nil
		case <-timer.C:
			poolExhaustedTotal.Inc()
			return fmt.Errorf("%w: no connection freed within %s (%s)",
				ErrPoolExhausted, m.opts.AcquireTimeout, m.describeHolders())
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Manager) release(l *Lease) {
	m.mu.Lock()
	delete(m.leases, l.id)
	m.mu.Unlock()
	<-m.sem
	leasesActive.WithLabelValues(l.mode.String()).Dec()
}

// OutstandingLeases returns the number of leases not yet released.
func (m *Manager) OutstandingLeases() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.leases)
}

// CheckLeaks returns ErrLeakedLeases naming the holders of any
// unreleased leases. A clean run ends with zero outstanding leases.
func (m *Manager) CheckLeaks() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.leases) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %d outstanding (%s)", ErrLeakedLeases, len(m.leases), m.holdersLocked())
}

func (m *Manager) describeHolders() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return "holders: " + m.holdersLocked()
}

// holdersLocked must be called with m.mu held.
func (m *Manager) holdersLocked() string {
	if len(m.leases) == 0 {
		return "none"
	}
	parts := make([]string, 0, len(m.leases))
	for _, l := range m.leases {
		parts = append(parts, fmt.Sprintf("%s/%s held %s", l.owner, l.mode, time.Since(l.acquiredAt).Round(time.Millisecond)))
	}
	sort.Strings(parts)
	return strings.Join(parts, ", ")
}

// Close closes the underlying database. Outstanding leases are a bug
// in the caller; Close reports them and closes anyway.
func (m *Manager) Close() error {
	if err := m.CheckLeaks(); err != nil {
		m.logger.Error().Err(err).Msg("closing store with outstanding leases")
		m.db.Close()
		return err
	}
	return m.db.Close()
}

// Lease is a scoped hold on one pooled connection. Callers must
// Release it; Release is idempotent.
type Lease struct {
	id         uint64
	mode       Mode
	owner      string
	acquiredAt time.Time
	conn       *sql.Conn
	m          *Manager

	mu       sync.Mutex
	released bool
}

// Mode returns whether this is a read or write lease.
func (l *Lease) Mode() Mode { return l.mode }

// Release returns the connection to the pool. Safe to call more than
// once.
func (l *Lease) Release() error {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return nil
	}
	l.released = true
	l.mu.Unlock()

	// Clear the read-only pragma so the pooled connection is reusable
	// for writes.
	if l.mode == ModeRead {
		l.conn.ExecContext(context.Background(), "PRAGMA query_only = OFF")
	}
	err := l.conn.Close()
	l.m.release(l)
	return err
}

func (l *Lease) guard(write bool) error {
	l.mu.Lock()
	released := l.released
	l.mu.Unlock()
	if released {
		return ErrLeaseReleased
	}
	if write && l.mode != ModeWrite {
		return ErrReadOnlyLease
	}
	return nil
}

// ExecContext runs a statement. Requires a write lease.
func (l *Lease) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if err := l.guard(true); err != nil {
		return nil, err
	}
	return l.conn.ExecContext(ctx, query, args...)
}

// QueryContext runs a query on the leased connection.
func (l *Lease) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if err := l.guard(false); err != nil {
		return nil, err
	}
	return l.conn.QueryContext(ctx, query, args...)
}

// QueryRowContext runs a single-row query on the leased connection.
// The explicit error return keeps a released lease from surfacing as a
// closed-connection error at Scan time.
func (l *Lease) QueryRowContext(ctx context.Context, query string, args ...any) (*sql.Row, error) {
	if err := l.guard(false); err != nil {
		return nil, err
	}
	return l.conn.QueryRowContext(ctx, query, args...), nil
}

// BeginTx starts a transaction on the leased connection. Requires a
// write lease.
func (l *Lease) BeginTx(ctx context.Context) (*sql.Tx, error) {
	if err := l.guard(true); err != nil {
		return nil, err
	}
	return l.conn.BeginTx(ctx, nil)
}
