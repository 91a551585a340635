// Package remote fetches paginated table data from the upstream
// dataset API, classifying failures as transient or fatal and retrying
// transient ones with exponential backoff.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/kmcrae/tablefetch/internal/logging"
)

// Record is one row of a remote table, keyed by column name.
type Record = map[string]any

// Page is one page of rows returned by FetchPage.
type Page struct {
	Rows []Record

	// NextOffset is the offset the next request should use.
	NextOffset int64

	// HasMore is false once the remote returned fewer rows than
	// requested, meaning the table is exhausted.
	HasMore bool
}

// Config tunes the remote client.
type Config struct {
	BaseURL        string
	APIKey         string
	UserAgent      string
	RequestTimeout time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Client fetches pages from the remote dataset API.
type Client struct {
	cfg    Config
	http   *http.Client
	logger zerolog.Logger

	// sleep is swappable in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates a remote client. The supplied http.Client may be
// nil, in which case a default one is used; per-request timeouts come
// from cfg.RequestTimeout, not the http.Client.
func NewClient(cfg Config, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{
		cfg:    cfg,
		http:   hc,
		logger: logging.NewLogger("remote"),
		sleep:  sleepCtx,
	}
}

// FetchPage requests up to pageSize rows of table starting at offset.
// Transient failures are retried up to MaxRetries times with jittered
// exponential backoff; the last transient error is returned once
// retries are exhausted. Fatal failures return immediately.
func (c *Client) FetchPage(ctx context.Context, table string, offset, pageSize int64) (*Page, error) {
	var lastErr *TransientError
	attempts := 0

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := backoffFor(attempt, c.cfg.InitialBackoff, c.cfg.MaxBackoff)
			if lastErr.RetryAfter > wait {
				wait = lastErr.RetryAfter
			}
			c.logger.Debug().
				Str("table", table).
				Int64("offset", offset).
				Int("attempt", attempt).
				Dur("wait", wait).
				Msg("retrying page fetch")
			if err := c.sleep(ctx, wait); err != nil {
				return nil, err
			}
		}

		attempts++
		page, err := c.fetchOnce(ctx, table, offset, pageSize)
		if err == nil {
			pagesTotal.WithLabelValues(table, "success").Inc()
			return page, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		var te *TransientError
		if errors.As(err, &te) {
			retriesTotal.WithLabelValues(table).Inc()
			lastErr = te
			continue
		}

		pagesTotal.WithLabelValues(table, "fatal").Inc()
		return nil, err
	}

	pagesTotal.WithLabelValues(table, "exhausted").Inc()
	lastErr.Attempts = attempts
	c.logger.Warn().
		Str("table", table).
		Int64("offset", offset).
		Int("attempts", attempts).
		Err(lastErr.Err).
		Msg("retries exhausted")
	return nil, lastErr
}

func (c *Client) fetchOnce(ctx context.Context, table string, offset, pageSize int64) (*Page, error) {
	reqCtx := ctx
	if c.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	u, err := c.pageURL(table, offset, pageSize)
	if err != nil {
		return nil, &FatalError{Table: table, Offset: offset, Msg: err.Error()}
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &FatalError{Table: table, Offset: offset, Msg: err.Error()}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	requestDuration.WithLabelValues(table).Observe(time.Since(start).Seconds())
	if err != nil {
		// Parent cancellation is not a remote failure.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifyNetErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp, table, offset)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransientError{Err: fmt.Errorf("reading response body: %w", err)}
	}

	rows, err := decodeRows(body)
	if err != nil {
		return nil, &FatalError{Status: resp.StatusCode, Table: table, Offset: offset, Msg: err.Error()}
	}

	return &Page{
		Rows:       rows,
		NextOffset: offset + int64(len(rows)),
		HasMore:    int64(len(rows)) == pageSize,
	}, nil
}

func (c *Client) pageURL(table string, offset, pageSize int64) (string, error) {
	base, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	base.Path, err = url.JoinPath(base.Path, table)
	if err != nil {
		return "", fmt.Errorf("invalid table path: %w", err)
	}
	q := base.Query()
	q.Set("$skip", strconv.FormatInt(offset, 10))
	q.Set("$top", strconv.FormatInt(pageSize, 10))
	base.RawQuery = q.Encode()
	return base.String(), nil
}

// decodeRows accepts either an OData-style {"value": [...]} envelope or
// a bare JSON array of row objects.
func decodeRows(body []byte) ([]Record, error) {
	var envelope struct {
		Value []Record `json:"value"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Value != nil {
		return envelope.Value, nil
	}

	var rows []Record
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("malformed response body: %w", err)
	}
	return rows, nil
}

func classifyStatus(resp *http.Response, table string, offset int64) error {
	// Drain so the connection can be reused.
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &TransientError{
			Status:     resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Err:        fmt.Errorf("remote returned 429: %s", snippet),
		}
	case resp.StatusCode >= 500:
		return &TransientError{
			Status: resp.StatusCode,
			Err:    fmt.Errorf("remote returned %d: %s", resp.StatusCode, snippet),
		}
	default:
		return &FatalError{
			Status: resp.StatusCode,
			Table:  table,
			Offset: offset,
			Msg:    string(snippet),
		}
	}
}

func classifyNetErr(err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &TransientError{Err: fmt.Errorf("request timed out: %w", err)}
	}
	return &TransientError{Err: fmt.Errorf("network failure: %w", err)}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
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
