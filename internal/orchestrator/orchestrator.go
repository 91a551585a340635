// Package orchestrator drives a fetch run: a bounded pool of table
// workers, each pulling pages sequentially through a shared circuit
// breaker, writing them to the local store and advancing a durable
// checkpoint only after the write commits.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kmcrae/tablefetch/internal/breaker"
	"github.com/kmcrae/tablefetch/internal/checkpoint"
	"github.com/kmcrae/tablefetch/internal/config"
	"github.com/kmcrae/tablefetch/internal/logging"
	"github.com/kmcrae/tablefetch/internal/mirror"
	"github.com/kmcrae/tablefetch/internal/notify"
	"github.com/kmcrae/tablefetch/internal/progress"
	"github.com/kmcrae/tablefetch/internal/remote"
	"github.com/kmcrae/tablefetch/internal/store"
)

// PageFetcher is the slice of the remote client the orchestrator needs.
type PageFetcher interface {
	FetchPage(ctx context.Context, table string, offset, pageSize int64) (*remote.Page, error)
}

// Options wires an Orchestrator together.
type Options struct {
	Config   *config.Config
	Client   PageFetcher
	Store    *store.Manager
	Resume   *checkpoint.FileStore
	Reporter progress.Reporter
	Notifier *notify.Notifier
	Mirror   *mirror.Writer
	Listener StatusListener
	Clock    breaker.Clock
}

// Orchestrator runs fetches. One Orchestrator serves one run at a time.
type Orchestrator struct {
	cfg      *config.Config
	client   PageFetcher
	store    *store.Manager
	resume   *checkpoint.FileStore
	brk      *breaker.Breaker
	tracker  *progress.Tracker
	reporter progress.Reporter
	notifier *notify.Notifier
	mirror   *mirror.Writer
	listener StatusListener
	logger   zerolog.Logger

	mu   sync.Mutex
	live map[string]TableResult
}

// fetchContext carries run-scoped identity to every table worker.
type fetchContext struct {
	runID     string
	startedAt time.Time
}

// New builds an Orchestrator. The circuit breaker counts only
// transient remote failures: a fatal response means the remote is
// alive, just unhappy about the request.
func New(opts Options) *Orchestrator {
	rc := opts.Config.Remote
	brk := breaker.New(breaker.Config{
		FailureThreshold: rc.FailureThreshold,
		Cooldown:         rc.Cooldown,
		MaxCooldown:      rc.MaxCooldown,
		IsFailure:        remote.IsTransient,
		Clock:            opts.Clock,
	})
	reporter := opts.Reporter
	if reporter == nil {
		reporter = progress.NullReporter{}
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.New(config.NotifyConfig{})
	}
	return &Orchestrator{
		cfg:      opts.Config,
		client:   opts.Client,
		store:    opts.Store,
		resume:   opts.Resume,
		brk:      brk,
		tracker:  progress.New(),
		reporter: reporter,
		notifier: notifier,
		mirror:   opts.Mirror,
		listener: opts.Listener,
		logger:   logging.NewLogger("orchestrator"),
		live:     make(map[string]TableResult),
	}
}

// Run fetches all configured tables, or just one when only is set.
// Per-table failures land in the RunResult; the returned error is
// reserved for run-level faults: corrupt resume state, cancellation and
// leaked connection leases.
func (o *Orchestrator) Run(ctx context.Context, only string) (*RunResult, error) {
	fc := fetchContext{runID: uuid.NewString()[:8], startedAt: time.Now()}

	checkpoints, err := o.resume.Load()
	if err != nil {
		// Corrupt state halts the run rather than silently refetching
		// everything from zero.
		return nil, err
	}

	tables, err := o.selectTables(only)
	if err != nil {
		return nil, err
	}

	if err := o.store.RecordRunStart(ctx, fc.runID, fc.startedAt); err != nil {
		return nil, err
	}
	if err := o.notifier.RunStarted(fc.runID, o.cfg.Remote.BaseURL, len(tables)); err != nil {
		o.logger.Warn().Err(err).Msg("start notification failed")
	}

	var expected int64
	for _, tc := range tables {
		expected += tc.ExpectedRows
	}
	o.tracker.SetTotal(expected)
	for _, tc := range tables {
		o.setStatus(ctx, fc, tc.Name, StatusPending, checkpoints[tc.Name].Offset, checkpoints[tc.Name].RowsWritten, "")
	}
	o.reporter.ReportImmediate(o.update("started", len(tables)))

	o.logger.Info().
		Str("run_id", fc.runID).
		Int("tables", len(tables)).
		Int("workers", o.cfg.Fetch.MaxParallelTables).
		Msg("fetch run starting")

	sem := make(chan struct{}, o.cfg.Fetch.MaxParallelTables)
	var wg sync.WaitGroup
	results := make([]TableResult, len(tables))

	for i, tc := range tables {
		wg.Add(1)
		go func(i int, tc config.TableConfig) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[i] = TableResult{Table: tc.Name, Status: StatusDeferred, Reason: "run cancelled",
					Offset: checkpoints[tc.Name].Offset, Rows: checkpoints[tc.Name].RowsWritten}
				o.setStatus(context.Background(), fc, tc.Name, StatusDeferred, results[i].Offset, results[i].Rows, results[i].Reason)
				return
			}
			results[i] = o.fetchTable(ctx, fc, tc, checkpoints[tc.Name])
		}(i, tc)
	}
	wg.Wait()

	result := &RunResult{
		RunID:     fc.runID,
		StartedAt: fc.startedAt,
		Duration:  time.Since(fc.startedAt),
		Tables:    results,
	}

	runErr := ctx.Err()
	if runErr == nil {
		// Every worker released its leases; anything left is a bug.
		runErr = o.store.CheckLeaks()
	}
	if runErr == nil && o.mirror != nil {
		o.mirrorCompleted(ctx, result)
	}

	o.finishRun(result, runErr)
	return result, runErr
}

func (o *Orchestrator) selectTables(only string) ([]config.TableConfig, error) {
	if only == "" {
		return o.cfg.Fetch.Tables, nil
	}
	tc, ok := o.cfg.Table(only)
	if !ok {
		return nil, fmt.Errorf("table %q is not configured", only)
	}
	return []config.TableConfig{tc}, nil
}

// fetchTable pulls one table page by page from its checkpoint. Pages
// within a table are strictly sequential; parallelism lives across
// tables only.
func (o *Orchestrator) fetchTable(ctx context.Context, fc fetchContext, tc config.TableConfig, cp checkpoint.Checkpoint) TableResult {
	start := time.Now()
	logger := o.logger.With().Str("run_id", fc.runID).Str("table", tc.Name).Logger()

	offset := cp.Offset
	rows := cp.RowsWritten
	if offset > 0 {
		logger.Info().Int64("offset", offset).Int64("rows", rows).Msg("resuming from checkpoint")
	}

	o.tracker.StartTable(tc.Name)
	defer o.tracker.EndTable(tc.Name)
	o.setStatus(ctx, fc, tc.Name, StatusFetching, offset, rows, "")

	finish := func(status TableStatus, reason string) TableResult {
		res := TableResult{
			Table:    tc.Name,
			Status:   status,
			Offset:   offset,
			Rows:     rows,
			Reason:   reason,
			Duration: time.Since(start),
		}
		// Status still gets recorded when the run context is gone.
		o.setStatus(context.Background(), fc, tc.Name, status, offset, rows, reason)
		return res
	}

	deferrals := 0
	for {
		if ctx.Err() != nil {
			return finish(StatusDeferred, "run cancelled")
		}

		page, err := o.fetchPage(ctx, tc, offset)
		switch {
		case err == nil:

		case breaker.IsOpen(err):
			deferrals++
			if deferrals > o.cfg.Fetch.MaxDeferrals {
				logger.Warn().Int("deferrals", deferrals-1).Msg("deferral limit reached, giving up for this run")
				return finish(StatusDeferred, err.Error())
			}
			var oe *breaker.OpenError
			errors.As(err, &oe)
			wait := oe.RetryAfter
			if wait <= 0 {
				wait = time.Second
			}
			logger.Warn().Dur("wait", wait).Int("deferral", deferrals).Msg("circuit open, waiting before next attempt")
			if sleepErr := sleepCtx(ctx, wait); sleepErr != nil {
				return finish(StatusDeferred, "run cancelled")
			}
			continue

		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return finish(StatusDeferred, "run cancelled")

		case remote.IsFatal(err):
			logger.Error().Err(err).Int64("offset", offset).Msg("fatal remote error, abandoning table")
			return finish(StatusFailed, err.Error())

		default:
			logger.Error().Err(err).Int64("offset", offset).Msg("table fetch failed")
			return finish(StatusFailed, err.Error())
		}

		if len(page.Rows) > 0 {
			n, err := o.writePage(ctx, tc, page.Rows)
			if err != nil {
				if ctx.Err() != nil {
					return finish(StatusDeferred, "run cancelled")
				}
				logger.Error().Err(err).Int64("offset", offset).Msg("writing page failed")
				return finish(StatusFailed, err.Error())
			}
			rows += n
			o.tracker.Add(n)
		}

		// The checkpoint only advances after the page is durably in the
		// store, so a crash between write and commit replays the page
		// and the upsert absorbs the duplicates.
		err = o.resume.Commit(checkpoint.Checkpoint{
			Table:         tc.Name,
			Offset:        page.NextOffset,
			RowsWritten:   rows,
			LastSuccessAt: time.Now(),
			Completed:     !page.HasMore,
		})
		if err != nil {
			logger.Error().Err(err).Msg("committing checkpoint failed")
			return finish(StatusFailed, err.Error())
		}

		offset = page.NextOffset
		o.setStatus(ctx, fc, tc.Name, StatusFetching, offset, rows, "")
		o.reporter.Report(o.update("fetching", 0))

		if !page.HasMore {
			break
		}
	}

	logger.Info().Int64("rows", rows).Dur("elapsed", time.Since(start)).Msg("table completed")
	return finish(StatusCompleted, "")
}

func (o *Orchestrator) fetchPage(ctx context.Context, tc config.TableConfig, offset int64) (*remote.Page, error) {
	var page *remote.Page
	err := o.brk.Do(func() error {
		var err error
		page, err = o.client.FetchPage(ctx, tc.Name, offset, tc.PageSize)
		return err
	})
	return page, err
}

// writePage holds a write lease only for the duration of one page.
func (o *Orchestrator) writePage(ctx context.Context, tc config.TableConfig, rows []remote.Record) (int64, error) {
	lease, err := o.store.Acquire(ctx, store.ModeWrite, "fetch:"+tc.Name)
	if err != nil {
		return 0, err
	}
	defer lease.Release()
	return store.UpsertRows(ctx, lease, tc.Name, tc.KeyColumn, rows)
}

func (o *Orchestrator) mirrorCompleted(ctx context.Context, result *RunResult) {
	for _, t := range result.Tables {
		if t.Status != StatusCompleted {
			continue
		}
		if _, _, err := o.mirror.MirrorTable(ctx, o.store, t.Table); err != nil {
			o.logger.Warn().Err(err).Str("table", t.Table).Msg("mirroring failed")
		}
	}
}

func (o *Orchestrator) finishRun(result *RunResult, runErr error) {
	completed, failed, deferred := result.Counts()
	rows := result.TotalRows()
	status := "completed"
	errMsg := ""
	switch {
	case runErr != nil && errors.Is(runErr, context.Canceled):
		status = "cancelled"
	case runErr != nil:
		status = "failed"
		errMsg = runErr.Error()
	case failed > 0 || deferred > 0:
		status = "completed_with_errors"
	}

	if err := o.store.RecordRunEnd(context.Background(), result.RunID, status, errMsg); err != nil {
		o.logger.Warn().Err(err).Msg("recording run end failed")
	}

	o.tracker.Finish()
	o.reporter.ReportImmediate(o.update(status, len(result.Tables)))

	var notifyErr error
	switch {
	case runErr != nil:
		notifyErr = o.notifier.RunFailed(result.RunID, runErr, result.Duration)
	case result.Clean():
		notifyErr = o.notifier.RunCompleted(result.RunID, result.Duration, completed, rows)
	default:
		notifyErr = o.notifier.RunCompletedWithFailures(result.RunID, result.Duration, completed, failed, deferred, rows, result.Problems())
	}
	if notifyErr != nil {
		o.logger.Warn().Err(notifyErr).Msg("completion notification failed")
	}

	o.logger.Info().
		Str("run_id", result.RunID).
		Str("status", status).
		Int("completed", completed).
		Int("failed", failed).
		Int("deferred", deferred).
		Int64("rows", rows).
		Dur("elapsed", result.Duration).
		Msg("fetch run finished")
}

// setStatus updates the live view, the run history and the listener.
func (o *Orchestrator) setStatus(ctx context.Context, fc fetchContext, table string, status TableStatus, offset, rows int64, reason string) {
	o.mu.Lock()
	o.live[table] = TableResult{Table: table, Status: status, Offset: offset, Rows: rows, Reason: reason}
	o.mu.Unlock()

	if err := o.store.RecordTableStatus(ctx, store.TableRecord{
		RunID:  fc.runID,
		Table:  table,
		Status: string(status),
		Offset: offset,
		Rows:   rows,
		Reason: reason,
	}); err != nil && ctx.Err() == nil {
		o.logger.Warn().Err(err).Str("table", table).Msg("recording table status failed")
	}
	if o.listener != nil {
		o.listener(table, status, offset, rows, reason)
	}
}

// Snapshot returns the live per-table view, sorted by table name.
func (o *Orchestrator) Snapshot() []TableResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]TableResult, 0, len(o.live))
	for _, t := range o.live {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Table < out[j].Table })
	return out
}

// Breaker exposes the circuit breaker state for status output.
func (o *Orchestrator) Breaker() breaker.Snapshot {
	return o.brk.Snapshot()
}

func (o *Orchestrator) update(phase string, total int) progress.Update {
	snap := o.Snapshot()
	var completed, failed, deferred int
	var rows int64
	var active []string
	for _, t := range snap {
		rows += t.Rows
		switch t.Status {
		case StatusCompleted:
			completed++
		case StatusFailed:
			failed++
		case StatusDeferred:
			deferred++
		case StatusFetching:
			active = append(active, t.Table)
		}
	}
	if total == 0 {
		total = len(snap)
	}
	pct := 0.0
	if total > 0 {
		pct = float64(completed) / float64(total) * 100
	}
	return progress.Update{
		Phase:          phase,
		TablesComplete: completed,
		TablesFailed:   failed,
		TablesDeferred: deferred,
		TablesTotal:    total,
		RowsFetched:    rows,
		ProgressPct:    pct,
		ActiveTables:   active,
		CircuitState:   o.brk.Snapshot().State.String(),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
