// Copyright 2025 James Ross
// searchjobs is the CLI entrypoint exposing the job lifecycle, batch
// coordinator, monitor, and health-check surfaces over the storage
// adapter, replacing the teacher's producer/worker/admin role dispatch
// with the subcommands this domain actually needs.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/scraper-job-queue/searchjobs/internal/admin"
	"github.com/scraper-job-queue/searchjobs/internal/budget"
	"github.com/scraper-job-queue/searchjobs/internal/config"
	"github.com/scraper-job-queue/searchjobs/internal/coordinator"
	"github.com/scraper-job-queue/searchjobs/internal/executor"
	"github.com/scraper-job-queue/searchjobs/internal/expander"
	"github.com/scraper-job-queue/searchjobs/internal/lifecycle"
	"github.com/scraper-job-queue/searchjobs/internal/obs"
	"github.com/scraper-job-queue/searchjobs/internal/queue"
	"github.com/scraper-job-queue/searchjobs/internal/reaper"
	"github.com/scraper-job-queue/searchjobs/internal/searchclient"
	"github.com/scraper-job-queue/searchjobs/internal/storage"
)

var version = "dev"

// Exit codes for create-job, per spec §6.
const (
	exitOK             = 0
	exitOtherFailure   = 1
	exitValidation     = 2
	exitBudgetExceeded = 3
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: searchjobs <create-job|process-batches|monitor-job|health-check> [flags]")
		os.Exit(exitOtherFailure)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "create-job":
		os.Exit(runCreateJob(args))
	case "process-batches":
		os.Exit(runProcessBatches(args))
	case "monitor-job":
		os.Exit(runMonitorJob(args))
	case "health-check":
		os.Exit(runHealthCheck(args))
	case "-version", "--version":
		fmt.Println(version)
		os.Exit(exitOK)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		os.Exit(exitOtherFailure)
	}
}

func newLogger(cfg *config.Config) *zap.Logger {
	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(exitOtherFailure)
	}
	return logger
}

func openStore(cfg *config.Config, logger *zap.Logger) *storage.Postgres {
	store, err := storage.Open(cfg.Store.DSN, cfg.Store.MaxOpenConns, cfg.Store.MaxIdleConns, cfg.Store.ConnMaxLifetime)
	if err != nil {
		logger.Fatal("failed to open store", obs.Err(err))
	}
	return store
}

func signalContext(logger *zap.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(exitOtherFailure)
		case <-time.After(5 * time.Second):
		}
	}()
	return ctx, cancel
}

func runCreateJob(args []string) int {
	var configPath, keyword, state string
	var pages, batchSize, concurrency int
	var dryRun bool
	fs := flag.NewFlagSet("create-job", flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "path to YAML config")
	fs.StringVar(&keyword, "keyword", "", "search keyword (required)")
	fs.StringVar(&state, "state", "", "2-letter USPS state code (required)")
	fs.IntVar(&pages, "pages", 1, "pages per zip")
	fs.IntVar(&batchSize, "batch-size", 0, "claim batch size (defaults to coordinator config)")
	fs.IntVar(&concurrency, "concurrency", 0, "fan-out concurrency (defaults to coordinator config)")
	fs.BoolVar(&dryRun, "dry-run", false, "validate and estimate cost without persisting")
	_ = fs.Parse(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return exitOtherFailure
	}
	logger := newLogger(cfg)
	defer logger.Sync()

	store := openStore(cfg, logger)
	defer store.Close()

	lister := expander.NewCSVZipLister(cfg.Expander.ZipTablePath)
	guard := budget.New(cfg.Budget, store)
	lc := lifecycle.New(store, lister, guard, logger)

	ctx := context.Background()
	job, err := lc.CreateJob(ctx, lifecycle.CreateParams{
		Keyword:     keyword,
		State:       state,
		Pages:       pages,
		BatchSize:   batchSize,
		Concurrency: concurrency,
		DryRun:      dryRun,
	}, lifecycle.Defaults{
		BatchSize:   cfg.Coordinator.DefaultBatchSize,
		Concurrency: cfg.Coordinator.DefaultConcurrency,
	})

	var verr *lifecycle.ValidationError
	if asValidationError(err, &verr) {
		fmt.Fprintf(os.Stderr, "validation error: %v\n", verr)
		return exitValidation
	}
	var bexc *budget.Exceeded
	if asBudgetExceeded(err, &bexc) {
		fmt.Fprintf(os.Stderr, "budget exceeded: %v\n", bexc)
		return exitBudgetExceeded
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "create-job failed: %v\n", err)
		return exitOtherFailure
	}

	out, _ := json.MarshalIndent(job, "", "  ")
	fmt.Println(string(out))
	return exitOK
}

func asValidationError(err error, out **lifecycle.ValidationError) bool {
	if err == nil {
		return false
	}
	if ve, ok := err.(*lifecycle.ValidationError); ok {
		*out = ve
		return true
	}
	return false
}

func asBudgetExceeded(err error, out **budget.Exceeded) bool {
	if err == nil {
		return false
	}
	if be, ok := err.(*budget.Exceeded); ok {
		*out = be
		return true
	}
	return false
}

func runProcessBatches(args []string) int {
	var configPath string
	fs := flag.NewFlagSet("process-batches", flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "path to YAML config")
	_ = fs.Parse(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return exitOtherFailure
	}
	logger := newLogger(cfg)
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = obs.TracerShutdown(context.Background(), tp) }()
	}

	store := openStore(cfg, logger)
	defer store.Close()

	search := searchclient.New(cfg, logger)
	exec := executor.New(store, search, cfg, logger)
	coord := coordinator.New(store, exec, cfg, logger)
	rep := reaper.New(cfg, store, logger)

	ctx, cancel := signalContext(logger)
	defer cancel()

	readyCheck := func(c context.Context) error { return store.Ping(c) }
	httpSrv := obs.StartHTTPServer(cfg, readyCheck)
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()

	obs.StartQueueDepthUpdater(ctx, cfg, store, logger)
	go rep.Run(ctx)

	// process-batches drains every currently-running job and exits 0,
	// per spec §6 — it does not run forever like the teacher's worker role.
	if err := coord.RunUntilIdle(ctx); err != nil && ctx.Err() == nil {
		logger.Error("process-batches failed", obs.Err(err))
		return exitOtherFailure
	}
	return exitOK
}

func runMonitorJob(args []string) int {
	var configPath string
	var interval time.Duration
	fs := flag.NewFlagSet("monitor-job", flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "path to YAML config")
	fs.DurationVar(&interval, "interval", 5*time.Second, "poll interval; polls until status=done")
	_ = fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: searchjobs monitor-job <job_id> [--interval S]")
		return exitOtherFailure
	}
	jobID := fs.Arg(0)
	_ = fs.Parse(fs.Args()[1:])

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return exitOtherFailure
	}
	logger := newLogger(cfg)
	defer logger.Sync()

	store := openStore(cfg, logger)
	defer store.Close()

	ctx := context.Background()
	for {
		snap, err := admin.Monitor(ctx, store, jobID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "monitor-job failed: %v\n", err)
			return exitOtherFailure
		}
		out, _ := json.MarshalIndent(snap, "", "  ")
		fmt.Println(string(out))

		if snap.Status == queue.JobDone {
			return exitOK
		}
		time.Sleep(interval)
	}
}

func runHealthCheck(args []string) int {
	var configPath string
	var asJSON bool
	fs := flag.NewFlagSet("health-check", flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "path to YAML config")
	fs.BoolVar(&asJSON, "json", false, "print the report as JSON instead of a human summary")
	_ = fs.Parse(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return exitOtherFailure
	}
	logger := newLogger(cfg)
	defer logger.Sync()

	store := openStore(cfg, logger)
	defer store.Close()

	search := searchclient.New(cfg, logger)

	ctx := context.Background()
	report := admin.HealthCheck(ctx, map[string]admin.Pinger{
		"storage":    store,
		"search_api": search,
	})

	if asJSON {
		out, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(out))
	} else {
		for _, c := range report.Checks {
			status := "OK"
			if !c.OK {
				status = "FAIL: " + c.Error
			}
			fmt.Printf("%-12s %-5dms %s\n", c.Name, c.LatencyMS, status)
		}
	}

	if !report.OK {
		return exitOtherFailure
	}
	return exitOK
}
