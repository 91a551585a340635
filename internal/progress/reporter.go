package progress

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/kmcrae/tablefetch/internal/logging"
)

// Update is one JSON progress line for automation (schedulers polling
// stderr).
type Update struct {
	Timestamp      string   `json:"timestamp"`
	Phase          string   `json:"phase"`
	TablesComplete int      `json:"tables_complete"`
	TablesFailed   int      `json:"tables_failed"`
	TablesDeferred int      `json:"tables_deferred"`
	TablesTotal    int      `json:"tables_total"`
	RowsFetched    int64    `json:"rows_fetched"`
	RowsTotal      int64    `json:"rows_total,omitempty"`
	ProgressPct    float64  `json:"progress_pct"`
	ActiveTables   []string `json:"active_tables,omitempty"`
	CircuitState   string   `json:"circuit_state,omitempty"`
}

// Reporter emits progress updates.
type Reporter interface {
	// Report emits an update, possibly throttled.
	Report(u Update)
	// ReportImmediate bypasses throttling, for state changes.
	ReportImmediate(u Update)
	Close()
}

// JSONReporter writes one JSON object per line, throttled to at most
// one update per interval.
type JSONReporter struct {
	writer     io.Writer
	mu         sync.Mutex
	interval   time.Duration
	lastReport time.Time
	closed     bool
}

// NewJSONReporter creates a reporter writing to w (default os.Stderr).
func NewJSONReporter(w io.Writer, interval time.Duration) *JSONReporter {
	if w == nil {
		w = os.Stderr
	}
	return &JSONReporter{writer: w, interval: interval}
}

func (r *JSONReporter) Report(u Update) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	now := time.Now()
	if r.interval > 0 && now.Sub(r.lastReport) < r.interval {
		return
	}
	r.lastReport = now
	r.emit(u, now)
}

func (r *JSONReporter) ReportImmediate(u Update) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	now := time.Now()
	r.lastReport = now
	r.emit(u, now)
}

// emit must be called with r.mu held.
func (r *JSONReporter) emit(u Update, now time.Time) {
	if u.Timestamp == "" {
		u.Timestamp = now.Format(time.RFC3339)
	}
	data, err := json.Marshal(u)
	if err != nil {
		logger := logging.NewLogger("progress")
		logger.Warn().Err(err).Msg("marshaling progress update")
		return
	}
	fmt.Fprintln(r.writer, string(data))
}

func (r *JSONReporter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

// NullReporter discards all updates.
type NullReporter struct{}

func (NullReporter) Report(Update) {}

func (NullReporter) ReportImmediate(Update) {}

func (NullReporter) Close() {}
