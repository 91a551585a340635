// Package progress reports fetch progress: a console bar for humans
// and throttled JSON lines for schedulers.
package progress

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/kmcrae/tablefetch/internal/logging"
)

// Tracker tracks rows fetched across all tables in a run.
type Tracker struct {
	bar       *progressbar.ProgressBar
	current   atomic.Int64
	startTime time.Time

	mu           sync.Mutex
	activeTables map[string]bool
}

// New creates a tracker. Call SetTotal before Add when row counts are
// known; without a total the tracker still counts, just without a bar.
func New() *Tracker {
	return &Tracker{
		startTime:    time.Now(),
		activeTables: make(map[string]bool),
	}
}

// SetTotal sets the expected row total and renders the progress bar.
func (t *Tracker) SetTotal(total int64) {
	if total <= 0 {
		return
	}
	t.bar = progressbar.NewOptions64(
		total,
		progressbar.OptionSetDescription("Fetching"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("rows"),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	)
}

// Add counts n more rows as fetched.
func (t *Tracker) Add(n int64) {
	t.current.Add(n)
	if t.bar != nil {
		t.bar.Add64(n)
	}
}

// StartTable marks a table as actively fetching.
func (t *Tracker) StartTable(table string) {
	t.mu.Lock()
	t.activeTables[table] = true
	t.describeLocked()
	t.mu.Unlock()
}

// EndTable marks a table as done.
func (t *Tracker) EndTable(table string) {
	t.mu.Lock()
	delete(t.activeTables, table)
	t.describeLocked()
	t.mu.Unlock()
}

// describeLocked must be called with t.mu held.
func (t *Tracker) describeLocked() {
	if t.bar == nil {
		return
	}
	switch len(t.activeTables) {
	case 0:
	case 1:
		for name := range t.activeTables {
			t.bar.Describe("Fetching " + name)
		}
	default:
		t.bar.Describe(fmt.Sprintf("Fetching (%d tables)", len(t.activeTables)))
	}
}

// Current returns the rows counted so far.
func (t *Tracker) Current() int64 {
	return t.current.Load()
}

// Finish completes the bar and logs a throughput summary.
func (t *Tracker) Finish() {
	if t.bar != nil {
		t.bar.Finish()
		fmt.Println()
	}

	elapsed := time.Since(t.startTime)
	rowsPerSec := float64(t.current.Load()) / elapsed.Seconds()
	logger := logging.NewLogger("progress")
	logger.Info().
		Int64("rows", t.current.Load()).
		Dur("elapsed", elapsed.Round(time.Second)).
		Float64("rows_per_sec", rowsPerSec).
		Msg("fetch complete")
}
