package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, baseURL string, maxRetries int) *Client {
	t.Helper()
	c := NewClient(Config{
		BaseURL:        baseURL,
		UserAgent:      "tablefetch-test",
		RequestTimeout: 5 * time.Second,
		MaxRetries:     maxRetries,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
	}, nil)
	// No real waits in tests.
	c.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return c
}

// pagedHandler serves rows 0..total-1 honouring $skip and $top.
func pagedHandler(t *testing.T, total int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		skip, _ := strconv.ParseInt(r.URL.Query().Get("$skip"), 10, 64)
		top, _ := strconv.ParseInt(r.URL.Query().Get("$top"), 10, 64)
		if top <= 0 {
			t.Errorf("missing or bad $top: %q", r.URL.RawQuery)
		}
		fmt.Fprint(w, `{"value":[`)
		n := int64(0)
		for i := skip; i < total && n < top; i++ {
			if n > 0 {
				fmt.Fprint(w, ",")
			}
			fmt.Fprintf(w, `{"id":%d,"name":"row %d"}`, i, i)
			n++
		}
		fmt.Fprint(w, `]}`)
	}
}

func TestFetchPagePagination(t *testing.T) {
	srv := httptest.NewServer(pagedHandler(t, 2500))
	defer srv.Close()
	c := newTestClient(t, srv.URL, 0)

	var offset int64
	var pages int
	var rows int64
	for {
		page, err := c.FetchPage(context.Background(), "orders", offset, 1000)
		if err != nil {
			t.Fatalf("FetchPage at offset %d: %v", offset, err)
		}
		if page.NextOffset != offset+int64(len(page.Rows)) {
			t.Errorf("NextOffset = %d, want %d", page.NextOffset, offset+int64(len(page.Rows)))
		}
		pages++
		rows += int64(len(page.Rows))
		offset = page.NextOffset
		if !page.HasMore {
			break
		}
	}

	if pages != 3 {
		t.Errorf("pages = %d, want 3", pages)
	}
	if rows != 2500 {
		t.Errorf("rows = %d, want 2500", rows)
	}
	if offset != 2500 {
		t.Errorf("final offset = %d, want 2500", offset)
	}
}

func TestFetchPageExactMultipleNeedsExtraPage(t *testing.T) {
	srv := httptest.NewServer(pagedHandler(t, 2000))
	defer srv.Close()
	c := newTestClient(t, srv.URL, 0)

	page, err := c.FetchPage(context.Background(), "orders", 1000, 1000)
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	if !page.HasMore {
		t.Fatal("full page should report HasMore")
	}

	page, err = c.FetchPage(context.Background(), "orders", 2000, 1000)
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	if len(page.Rows) != 0 || page.HasMore {
		t.Errorf("trailing page: rows=%d HasMore=%v, want empty final page", len(page.Rows), page.HasMore)
	}
}

func TestFetchPageRetriesTransient(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 3 {
			http.Error(w, "upstream busy", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"value":[{"id":1}]}`)
	}))
	defer srv.Close()
	c := newTestClient(t, srv.URL, 4)

	page, err := c.FetchPage(context.Background(), "orders", 0, 1000)
	if err != nil {
		t.Fatalf("FetchPage after 3 transient failures: %v", err)
	}
	if len(page.Rows) != 1 {
		t.Errorf("rows = %d, want 1", len(page.Rows))
	}
	if got := calls.Load(); got != 4 {
		t.Errorf("requests = %d, want 4", got)
	}
}

func TestFetchPageRetriesExhausted(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()
	c := newTestClient(t, srv.URL, 2)

	_, err := c.FetchPage(context.Background(), "orders", 0, 1000)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	var te *TransientError
	if !errors.As(err, &te) {
		t.Fatalf("error = %T, want *TransientError", err)
	}
	if te.Status != http.StatusBadGateway {
		t.Errorf("Status = %d, want 502", te.Status)
	}
	if te.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", te.Attempts)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("requests = %d, want 3", got)
	}
}

func TestFetchPageFatalNotRetried(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "permission revoked", http.StatusForbidden)
	}))
	defer srv.Close()
	c := newTestClient(t, srv.URL, 4)

	_, err := c.FetchPage(context.Background(), "orders", 1000, 1000)
	var fe *FatalError
	if !errors.As(err, &fe) {
		t.Fatalf("error = %T (%v), want *FatalError", err, err)
	}
	if fe.Status != http.StatusForbidden {
		t.Errorf("Status = %d, want 403", fe.Status)
	}
	if fe.Offset != 1000 {
		t.Errorf("Offset = %d, want 1000", fe.Offset)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("requests = %d, want 1 (fatal must not retry)", got)
	}
}

func TestFetchPageRateLimitHint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()
	c := newTestClient(t, srv.URL, 0)

	_, err := c.FetchPage(context.Background(), "orders", 0, 1000)
	var te *TransientError
	if !errors.As(err, &te) {
		t.Fatalf("error = %T, want *TransientError", err)
	}
	if !te.RateLimited() {
		t.Error("expected RateLimited() to be true")
	}
	if te.RetryAfter != 7*time.Second {
		t.Errorf("RetryAfter = %v, want 7s", te.RetryAfter)
	}
}

func TestFetchPageMalformedBodyIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"value": [{"id": 1`)
	}))
	defer srv.Close()
	c := newTestClient(t, srv.URL, 4)

	_, err := c.FetchPage(context.Background(), "orders", 0, 1000)
	if !IsFatal(err) {
		t.Fatalf("error = %v, want fatal", err)
	}
}

func TestFetchPageBareArrayBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"id":1},{"id":2}]`)
	}))
	defer srv.Close()
	c := newTestClient(t, srv.URL, 0)

	page, err := c.FetchPage(context.Background(), "orders", 0, 1000)
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	if len(page.Rows) != 2 {
		t.Errorf("rows = %d, want 2", len(page.Rows))
	}
}

func TestFetchPageCancelledContext(t *testing.T) {
	srv := httptest.NewServer(pagedHandler(t, 100))
	defer srv.Close()
	c := newTestClient(t, srv.URL, 4)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.FetchPage(ctx, "orders", 0, 1000)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}

func TestBackoffForBounds(t *testing.T) {
	initial := 100 * time.Millisecond
	max := time.Second
	for attempt := 1; attempt <= 10; attempt++ {
		d := backoffFor(attempt, initial, max)
		if d < 0 || d > max {
			t.Errorf("backoffFor(%d) = %v, out of [0, %v]", attempt, d, max)
		}
	}
	// First attempt stays near the initial backoff despite jitter.
	if d := backoffFor(1, initial, max); d > 2*initial {
		t.Errorf("backoffFor(1) = %v, want near %v", d, initial)
	}
}
