package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/kmcrae/tablefetch/internal/checkpoint"
	"github.com/kmcrae/tablefetch/internal/config"
	"github.com/kmcrae/tablefetch/internal/exitcodes"
	"github.com/kmcrae/tablefetch/internal/logging"
	"github.com/kmcrae/tablefetch/internal/mirror"
	"github.com/kmcrae/tablefetch/internal/notify"
	"github.com/kmcrae/tablefetch/internal/orchestrator"
	"github.com/kmcrae/tablefetch/internal/progress"
	"github.com/kmcrae/tablefetch/internal/remote"
	"github.com/kmcrae/tablefetch/internal/store"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:    "tablefetch",
		Usage:   "Fault-tolerant fetch of remote datasets into a local analytical store",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "Path to configuration file",
			},
			&cli.StringFlag{
				Name:  "verbosity",
				Value: "info",
				Usage: "Log verbosity level (debug, info, warn, error)",
			},
			&cli.BoolFlag{
				Name:  "pretty",
				Usage: "Human-readable console logs instead of JSON",
			},
			&cli.BoolFlag{
				Name:  "output-json",
				Usage: "Output JSON result to stdout on completion (logs go to stderr)",
			},
			&cli.StringFlag{
				Name:  "output-file",
				Usage: "Write JSON result to file on completion",
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "Serve Prometheus metrics on this address (e.g. :9090)",
			},
		},
		Before: func(c *cli.Context) error {
			_, err := logging.Setup(logging.Config{
				Level:  c.String("verbosity"),
				Pretty: c.Bool("pretty"),
				Output: os.Stderr,
			})
			return err
		},
		Commands: []*cli.Command{
			{
				Name:   "fetch",
				Usage:  "Fetch all configured tables (or one with --table), resuming from checkpoints",
				Action: runFetch,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "table",
						Usage: "Fetch only this table",
					},
					&cli.IntFlag{
						Name:  "workers",
						Usage: "Override the number of parallel table workers",
					},
				},
			},
			{
				Name:   "status",
				Usage:  "Show per-table status of the latest run",
				Action: showStatus,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Output status as JSON",
					},
					&cli.StringFlag{
						Name:  "run",
						Usage: "Show a specific run ID instead of the latest",
					},
				},
			},
			{
				Name:   "history",
				Usage:  "List past fetch runs",
				Action: showHistory,
			},
			{
				Name:   "reset",
				Usage:  "Discard a table's checkpoint and local data so the next run refetches it",
				Action: resetTable,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "table",
						Required: true,
						Usage:    "Table to reset",
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitcodes.FromError(err))
	}
}

func runFetch(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if c.IsSet("workers") {
		cfg.Fetch.MaxParallelTables = c.Int("workers")
	}
	logger := logging.NewLogger("main")
	logger.Debug().Any("config", cfg.Sanitized()).Msg("configuration loaded")

	if addr := c.String("metrics-addr"); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Warn().Err(err).Str("addr", addr).Msg("metrics server stopped")
			}
		}()
	}

	mgr, err := store.Open(cfg.Store.Path, store.Options{
		MaxConnections: cfg.Store.MaxConnections,
		AcquireTimeout: cfg.Store.AcquireTimeout,
		Policy:         acquirePolicy(cfg.Store.AcquirePolicy),
	})
	if err != nil {
		return err
	}
	defer mgr.Close()

	var mirrorWriter *mirror.Writer
	if cfg.Mirror.Enabled {
		mirrorWriter, err = mirror.New(cfg.Mirror)
		if err != nil {
			return err
		}
	}

	var reporter progress.Reporter = progress.NullReporter{}
	if c.Bool("output-json") || c.String("output-file") != "" {
		reporter = progress.NewJSONReporter(os.Stderr, 5*time.Second)
		defer reporter.Close()
	}

	orch := orchestrator.New(orchestrator.Options{
		Config: cfg,
		Client: remote.NewClient(remote.Config{
			BaseURL:        cfg.Remote.BaseURL,
			APIKey:         cfg.Remote.APIKey,
			UserAgent:      cfg.Remote.UserAgent,
			RequestTimeout: cfg.Remote.RequestTimeout,
			MaxRetries:     cfg.Remote.MaxRetries,
			InitialBackoff: cfg.Remote.InitialBackoff,
			MaxBackoff:     cfg.Remote.MaxBackoff,
		}, nil),
		Store:    mgr,
		Resume:   checkpoint.NewFileStore(cfg.StatePath()),
		Reporter: reporter,
		Notifier: notify.New(cfg.Notify),
		Mirror:   mirrorWriter,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nInterrupted. Checkpoints are saved; rerun to resume.")
		cancel()
	}()

	result, runErr := orch.Run(ctx, c.String("table"))

	if result != nil && (c.Bool("output-json") || c.String("output-file") != "") {
		if err := outputJSON(c, result); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to output JSON: %v\n", err)
		}
	}
	if runErr != nil {
		return runErr
	}

	completed, failed, deferred := result.Counts()
	switch {
	case failed > 0:
		return exitcodes.NewExitError(
			fmt.Errorf("%d of %d tables failed", failed, len(result.Tables)), exitcodes.FetchError)
	case deferred > 0:
		return exitcodes.NewExitError(
			fmt.Errorf("%d of %d tables deferred; rerun to pick them up", deferred, len(result.Tables)), exitcodes.RemoteError)
	default:
		logger.Info().Int("tables", completed).Msg("all tables completed")
		return nil
	}
}

func showStatus(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	mgr, err := store.Open(cfg.Store.Path, store.Options{MaxConnections: cfg.Store.MaxConnections})
	if err != nil {
		return err
	}
	defer mgr.Close()

	runID := c.String("run")
	if runID == "" {
		runID, err = mgr.LatestRunID(context.Background())
		if err != nil {
			return err
		}
		if runID == "" {
			fmt.Println("No runs recorded yet")
			return nil
		}
	}

	tables, err := mgr.RunTables(context.Background(), runID)
	if err != nil {
		return err
	}

	if c.Bool("json") {
		data, err := json.MarshalIndent(map[string]any{"run_id": runID, "tables": tables}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	fmt.Printf("Run %s\n", runID)
	fmt.Printf("%-24s %-12s %12s %12s  %s\n", "Table", "Status", "Offset", "Rows", "Reason")
	for _, t := range tables {
		fmt.Printf("%-24s %-12s %12d %12d  %s\n", t.Table, t.Status, t.Offset, t.Rows, t.Reason)
	}
	return nil
}

func showHistory(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	mgr, err := store.Open(cfg.Store.Path, store.Options{MaxConnections: cfg.Store.MaxConnections})
	if err != nil {
		return err
	}
	defer mgr.Close()

	runs, err := mgr.RecentRuns(context.Background(), 20)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded yet")
		return nil
	}

	fmt.Printf("%-10s %-22s %-22s %-24s %s\n", "Run", "Started", "Finished", "Status", "Error")
	for _, r := range runs {
		finished := "-"
		if !r.FinishedAt.IsZero() {
			finished = r.FinishedAt.Format("2006-01-02 15:04:05")
		}
		fmt.Printf("%-10s %-22s %-22s %-24s %s\n",
			r.RunID, r.StartedAt.Format("2006-01-02 15:04:05"), finished, r.Status, r.Error)
	}
	return nil
}

func resetTable(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	table := c.String("table")
	if _, ok := cfg.Table(table); !ok {
		return fmt.Errorf("table %q is not configured", table)
	}

	resume := checkpoint.NewFileStore(cfg.StatePath())
	if err := resume.Reset(table); err != nil {
		return err
	}

	mgr, err := store.Open(cfg.Store.Path, store.Options{MaxConnections: cfg.Store.MaxConnections})
	if err != nil {
		return err
	}
	defer mgr.Close()

	lease, err := mgr.Acquire(context.Background(), store.ModeWrite, "reset")
	if err != nil {
		return err
	}
	defer lease.Release()
	if err := store.CheckIdent(table); err != nil {
		return err
	}
	if _, err := lease.ExecContext(context.Background(), "DROP TABLE IF EXISTS "+store.QuoteIdent(table)); err != nil {
		return fmt.Errorf("dropping local table %s: %w", table, err)
	}

	fmt.Printf("Reset %s: checkpoint and local data discarded\n", table)
	return nil
}

func acquirePolicy(name string) store.WaitPolicy {
	if name == "fail_fast" {
		return store.PolicyFailFast
	}
	return store.PolicyBlock
}

func outputJSON(c *cli.Context, result *orchestrator.RunResult) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	if c.Bool("output-json") {
		fmt.Println(string(data))
	}
	if outputFile := c.String("output-file"); outputFile != "" {
		if err := os.WriteFile(outputFile, data, 0o600); err != nil {
			return fmt.Errorf("failed to write output file: %w", err)
		}
	}
	return nil
}
