package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kmcrae/tablefetch/internal/checkpoint"
	"github.com/kmcrae/tablefetch/internal/config"
	"github.com/kmcrae/tablefetch/internal/remote"
	"github.com/kmcrae/tablefetch/internal/store"
)

// serveTable writes a page of synthetic rows honouring $skip and $top.
func serveTable(w http.ResponseWriter, r *http.Request, table string, total int64) {
	skip, _ := strconv.ParseInt(r.URL.Query().Get("$skip"), 10, 64)
	top, _ := strconv.ParseInt(r.URL.Query().Get("$top"), 10, 64)
	fmt.Fprint(w, `{"value":[`)
	n := int64(0)
	for i := skip; i < total && n < top; i++ {
		if n > 0 {
			fmt.Fprint(w, ",")
		}
		fmt.Fprintf(w, `{"id":%d,"name":"%s %d"}`, i+1, table, i+1)
		n++
	}
	fmt.Fprint(w, `]}`)
}

type testEnv struct {
	cfg    *config.Config
	store  *store.Manager
	resume *checkpoint.FileStore
	orch   *Orchestrator

	mu          sync.Mutex
	checkpoints map[string][]int64
}

func newTestEnv(t *testing.T, baseURL string, tables ...config.TableConfig) *testEnv {
	t.Helper()
	dir := t.TempDir()

	cfg, err := config.LoadBytes([]byte(fmt.Sprintf(`
remote:
  base_url: %s
  max_retries: 4
  initial_backoff: 1ms
  max_backoff: 5ms
  failure_threshold: 5
  cooldown: 20ms
  max_cooldown: 100ms
fetch:
  max_parallel_tables: 2
  max_deferrals: 2
  tables:
    - name: placeholder
`, baseURL)))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	cfg.Fetch.Tables = tables
	for i := range cfg.Fetch.Tables {
		if cfg.Fetch.Tables[i].KeyColumn == "" {
			cfg.Fetch.Tables[i].KeyColumn = "id"
		}
		if cfg.Fetch.Tables[i].PageSize == 0 {
			cfg.Fetch.Tables[i].PageSize = 1000
		}
	}

	mgr, err := store.Open(filepath.Join(dir, "test.db"), store.Options{MaxConnections: 4})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { mgr.Close() })

	resume := checkpoint.NewFileStore(filepath.Join(dir, "resume_state.json"))

	env := &testEnv{cfg: cfg, store: mgr, resume: resume, checkpoints: make(map[string][]int64)}
	env.orch = New(Options{
		Config: cfg,
		Client: remote.NewClient(remote.Config{
			BaseURL:        cfg.Remote.BaseURL,
			RequestTimeout: 5 * time.Second,
			MaxRetries:     cfg.Remote.MaxRetries,
			InitialBackoff: cfg.Remote.InitialBackoff,
			MaxBackoff:     cfg.Remote.MaxBackoff,
		}, nil),
		Store:  mgr,
		Resume: resume,
		Listener: func(table string, status TableStatus, offset, rows int64, reason string) {
			env.mu.Lock()
			env.checkpoints[table] = append(env.checkpoints[table], offset)
			env.mu.Unlock()
		},
	})
	return env
}

func (e *testEnv) countRows(t *testing.T, table string) int64 {
	t.Helper()
	lease, err := e.store.Acquire(context.Background(), store.ModeRead, "test-count")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer lease.Release()
	row, err := lease.QueryRowContext(context.Background(), "SELECT count(*) FROM "+store.QuoteIdent(table))
	if err != nil {
		t.Fatalf("counting %s: %v", table, err)
	}
	var n int64
	if err := row.Scan(&n); err != nil {
		t.Fatalf("counting %s: %v", table, err)
	}
	return n
}

func tableResult(t *testing.T, res *RunResult, name string) TableResult {
	t.Helper()
	for _, tr := range res.Tables {
		if tr.Table == name {
			return tr
		}
	}
	t.Fatalf("no result for table %s", name)
	return TableResult{}
}

func TestRunFetchesAllPages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		serveTable(w, r, "orders", 2500)
	}))
	defer srv.Close()

	env := newTestEnv(t, srv.URL, config.TableConfig{Name: "orders"})
	res, err := env.orch.Run(context.Background(), "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	tr := tableResult(t, res, "orders")
	if tr.Status != StatusCompleted {
		t.Fatalf("status = %s (%s), want completed", tr.Status, tr.Reason)
	}
	if tr.Rows != 2500 {
		t.Errorf("rows = %d, want 2500", tr.Rows)
	}
	if got := env.countRows(t, "orders"); got != 2500 {
		t.Errorf("stored rows = %d, want 2500", got)
	}

	// Checkpoints advanced monotonically through the page boundaries.
	env.mu.Lock()
	offsets := env.checkpoints["orders"]
	env.mu.Unlock()
	last := int64(-1)
	for _, o := range offsets {
		if o < last {
			t.Fatalf("checkpoint offsets regressed: %v", offsets)
		}
		last = o
	}
	if last != 2500 {
		t.Errorf("final checkpoint offset = %d, want 2500", last)
	}

	cp, ok := env.resume.Get("orders")
	if !ok || cp.Offset != 2500 || !cp.Completed {
		t.Errorf("persisted checkpoint = %+v, want completed at 2500", cp)
	}
	if got := env.store.OutstandingLeases(); got != 0 {
		t.Errorf("outstanding leases = %d, want 0", got)
	}
}

func TestRunSurvivesTransientErrors(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		serveTable(w, r, "orders", 1500)
	}))
	defer srv.Close()

	env := newTestEnv(t, srv.URL, config.TableConfig{Name: "orders"})
	res, err := env.orch.Run(context.Background(), "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	tr := tableResult(t, res, "orders")
	if tr.Status != StatusCompleted {
		t.Fatalf("status = %s (%s), want completed after retries", tr.Status, tr.Reason)
	}
	if tr.Rows != 1500 {
		t.Errorf("rows = %d, want 1500", tr.Rows)
	}
	// Three transient failures never opened the breaker (threshold 5),
	// and the success reset the counter.
	snap := env.orch.Breaker()
	if snap.State.String() != "closed" {
		t.Errorf("breaker state = %s, want closed", snap.State)
	}
	if snap.ConsecutiveFailures != 0 {
		t.Errorf("consecutive failures = %d, want 0 after success", snap.ConsecutiveFailures)
	}
}

func TestFatalErrorFailsOneTableOthersComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		skip, _ := strconv.ParseInt(r.URL.Query().Get("$skip"), 10, 64)
		switch r.URL.Path {
		case "/orders":
			if skip >= 1000 {
				http.Error(w, "permission revoked", http.StatusForbidden)
				return
			}
			serveTable(w, r, "orders", 5000)
		case "/customers":
			serveTable(w, r, "customers", 800)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	env := newTestEnv(t, srv.URL,
		config.TableConfig{Name: "orders"},
		config.TableConfig{Name: "customers"},
	)
	res, err := env.orch.Run(context.Background(), "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	orders := tableResult(t, res, "orders")
	if orders.Status != StatusFailed {
		t.Fatalf("orders status = %s, want failed", orders.Status)
	}
	if orders.Offset != 1000 {
		t.Errorf("orders failed at offset %d, want 1000", orders.Offset)
	}

	customers := tableResult(t, res, "customers")
	if customers.Status != StatusCompleted {
		t.Fatalf("customers status = %s (%s), want completed", customers.Status, customers.Reason)
	}
	if got := env.countRows(t, "customers"); got != 800 {
		t.Errorf("customers rows = %d, want 800", got)
	}

	// The failed table keeps its last good checkpoint for later resume.
	cp, ok := env.resume.Get("orders")
	if !ok || cp.Offset != 1000 || cp.Completed {
		t.Errorf("orders checkpoint = %+v, want offset 1000 not completed", cp)
	}
	if got := env.store.OutstandingLeases(); got != 0 {
		t.Errorf("outstanding leases = %d, want 0", got)
	}
}

func TestCircuitOpenDefersTable(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		serveTable(w, r, "orders", 100)
	}))
	defer srv.Close()

	env := newTestEnv(t, srv.URL, config.TableConfig{Name: "orders"})
	// Spend the deferral budget immediately instead of waiting out
	// cooldowns in a test.
	env.cfg.Fetch.MaxDeferrals = 0
	env.cfg.Remote.Cooldown = time.Hour
	env.orch = New(Options{
		Config: env.cfg,
		Client: remote.NewClient(remote.Config{BaseURL: srv.URL, RequestTimeout: time.Second}, nil),
		Store:  env.store,
		Resume: env.resume,
	})

	// Failures on other tables opened the breaker before this table's
	// worker got scheduled.
	for i := 0; i < env.cfg.Remote.FailureThreshold; i++ {
		env.orch.brk.Do(func() error { return &remote.TransientError{Status: 503} })
	}

	res, err := env.orch.Run(context.Background(), "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	tr := tableResult(t, res, "orders")
	if tr.Status != StatusDeferred {
		t.Fatalf("status = %s (%s), want deferred", tr.Status, tr.Reason)
	}
	// The open circuit short-circuited the fetch entirely.
	if got := calls.Load(); got != 0 {
		t.Errorf("remote calls = %d, want 0 while circuit open", got)
	}
	// The table keeps no progress but also corrupts nothing.
	if got := env.store.OutstandingLeases(); got != 0 {
		t.Errorf("outstanding leases = %d, want 0", got)
	}
}

func TestTransientExhaustionFailsTable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down hard", http.StatusBadGateway)
	}))
	defer srv.Close()

	env := newTestEnv(t, srv.URL, config.TableConfig{Name: "orders"})
	res, err := env.orch.Run(context.Background(), "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	tr := tableResult(t, res, "orders")
	if tr.Status != StatusFailed {
		t.Fatalf("status = %s, want failed after retries exhausted", tr.Status)
	}
	if got := env.store.OutstandingLeases(); got != 0 {
		t.Errorf("outstanding leases = %d, want 0", got)
	}
}

func TestResumeFromCheckpoint(t *testing.T) {
	var minSkip atomic.Int64
	minSkip.Store(-1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		skip, _ := strconv.ParseInt(r.URL.Query().Get("$skip"), 10, 64)
		if v := minSkip.Load(); v == -1 || skip < v {
			minSkip.Store(skip)
		}
		serveTable(w, r, "orders", 2500)
	}))
	defer srv.Close()

	env := newTestEnv(t, srv.URL, config.TableConfig{Name: "orders"})

	// Simulate a crash after writing page two but before committing its
	// checkpoint: rows 1..2000 are in the store yet the checkpoint says
	// offset 1000.
	lease, err := env.store.Acquire(context.Background(), store.ModeWrite, "test-seed")
	if err != nil {
		t.Fatal(err)
	}
	seed := make([]map[string]any, 2000)
	for i := range seed {
		seed[i] = map[string]any{"id": float64(i + 1), "name": fmt.Sprintf("orders %d", i+1)}
	}
	if _, err := store.UpsertRows(context.Background(), lease, "orders", "id", seed); err != nil {
		t.Fatal(err)
	}
	lease.Release()

	if _, err := env.resume.Load(); err != nil {
		t.Fatal(err)
	}
	if err := env.resume.Commit(checkpoint.Checkpoint{Table: "orders", Offset: 1000, RowsWritten: 1000}); err != nil {
		t.Fatal(err)
	}

	res, err := env.orch.Run(context.Background(), "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	tr := tableResult(t, res, "orders")
	if tr.Status != StatusCompleted {
		t.Fatalf("status = %s (%s), want completed", tr.Status, tr.Reason)
	}

	// The run started from the checkpoint, not from zero.
	if got := minSkip.Load(); got != 1000 {
		t.Errorf("lowest requested offset = %d, want 1000", got)
	}
	// Replaying the already written page produced no duplicates.
	if got := env.countRows(t, "orders"); got != 2500 {
		t.Errorf("stored rows = %d, want 2500 distinct", got)
	}
}

func TestCancellationPreservesCheckpointAndLeases(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		skip, _ := strconv.ParseInt(r.URL.Query().Get("$skip"), 10, 64)
		if skip >= 1000 {
			// Signal that page one is done, then stall page two until
			// the test cancels the run.
			once.Do(func() { close(release) })
			<-r.Context().Done()
			return
		}
		serveTable(w, r, "orders", 5000)
	}))
	defer srv.Close()

	env := newTestEnv(t, srv.URL, config.TableConfig{Name: "orders"})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-release
		cancel()
	}()

	res, err := env.orch.Run(ctx, "")
	if err == nil {
		t.Fatal("cancelled run should return an error")
	}
	tr := tableResult(t, res, "orders")
	if tr.Status != StatusDeferred {
		t.Errorf("status = %s, want deferred", tr.Status)
	}

	// Page one committed before cancellation; nothing from page two.
	cp, ok := env.resume.Get("orders")
	if !ok || cp.Offset != 1000 {
		t.Errorf("checkpoint = %+v, want offset 1000", cp)
	}
	if got := env.countRows(t, "orders"); got != 1000 {
		t.Errorf("stored rows = %d, want 1000 (no partial page)", got)
	}
	if got := env.store.OutstandingLeases(); got != 0 {
		t.Errorf("outstanding leases = %d, want 0", got)
	}
}

func TestRunUnknownTable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		serveTable(w, r, "orders", 10)
	}))
	defer srv.Close()

	env := newTestEnv(t, srv.URL, config.TableConfig{Name: "orders"})
	if _, err := env.orch.Run(context.Background(), "nonexistent"); err == nil {
		t.Fatal("expected error for unconfigured table")
	}
}

func TestRunHaltsOnCorruptResumeState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		serveTable(w, r, "orders", 10)
	}))
	defer srv.Close()

	dir := t.TempDir()
	statePath := filepath.Join(dir, "resume_state.json")
	if err := os.WriteFile(statePath, []byte(`{"version": 1, "tables": {"broken`), 0o644); err != nil {
		t.Fatal(err)
	}

	env := newTestEnv(t, srv.URL, config.TableConfig{Name: "orders"})
	env.resume = checkpoint.NewFileStore(statePath)
	env.orch.resume = env.resume

	_, err := env.orch.Run(context.Background(), "")
	if err == nil {
		t.Fatal("run with corrupt resume state must not proceed")
	}
}
