package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"tradeingest/internal/cache"
	"tradeingest/internal/config"
	"tradeingest/internal/logger"
	"tradeingest/internal/metrics"
	"tradeingest/internal/model"
	"tradeingest/internal/pipeline"
	"tradeingest/internal/planner"
	"tradeingest/internal/providers/comtrade"
	"tradeingest/internal/store"
	"tradeingest/internal/store/backend"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var (
		code int
		err  error
	)
	switch os.Args[1] {
	case "run":
		code, err = run(os.Args[2:], false)
	case "init-db":
		code, err = run(os.Args[2:], true)
	case "-h", "--help", "help":
		usage()
		return
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	os.Exit(code)
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: ingest run [options]")
	fmt.Fprintln(os.Stderr, "       ingest init-db [options]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "options:")
	fmt.Fprintln(os.Stderr, "  --countries      comma-separated ISO2 reporter codes or \"all\" (default: REPORTERS or all)")
	fmt.Fprintln(os.Stderr, "  --start-date     first period, YYYY-MM or YYYYMM")
	fmt.Fprintln(os.Stderr, "  --end-date       last period, YYYY-MM or YYYYMM (default: start date)")
	fmt.Fprintln(os.Stderr, "  --log-level      DEBUG, INFO, WARNING or ERROR (default: INFO)")
	fmt.Fprintln(os.Stderr, "  --verbose        shorthand for --log-level DEBUG")
	fmt.Fprintln(os.Stderr, "  --clear-cache    delete cached responses before the run")
	fmt.Fprintln(os.Stderr, "  --cache-days     with --clear-cache, only delete entries older than N days")
	fmt.Fprintln(os.Stderr, "  --db-init-only   apply database migrations and exit")
	fmt.Fprintln(os.Stderr, "  --resume-after   skip planned units up to and including this key, e.g. DE:202202")
	fmt.Fprintln(os.Stderr, "  --workers        reporters fetched concurrently (default: INGEST_WORKERS)")
	fmt.Fprintln(os.Stderr, "  --metrics-addr   address for the prometheus /metrics listener (empty disables)")
	fmt.Fprintln(os.Stderr, "  --dry-run        fetch and validate without writing to the database")
}

type runOptions struct {
	countries   string
	startDate   string
	endDate     string
	clearCache  bool
	cacheDays   int
	resumeAfter string
	workers     int
	metricsAddr string
	dryRun      bool
}

func run(args []string, initOnly bool) (int, error) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	fs.Usage = usage
	opts := runOptions{}
	fs.StringVar(&opts.countries, "countries", "", "comma-separated ISO2 reporter codes or \"all\"")
	fs.StringVar(&opts.startDate, "start-date", "", "first period, YYYY-MM or YYYYMM")
	fs.StringVar(&opts.endDate, "end-date", "", "last period, YYYY-MM or YYYYMM")
	logLevel := fs.String("log-level", "INFO", "log level")
	verbose := fs.Bool("verbose", false, "enable verbose (debug) logging")
	fs.BoolVar(&opts.clearCache, "clear-cache", false, "delete cached responses before the run")
	fs.IntVar(&opts.cacheDays, "cache-days", 0, "with --clear-cache, only delete entries older than N days")
	dbInitOnly := fs.Bool("db-init-only", initOnly, "apply database migrations and exit")
	fs.StringVar(&opts.resumeAfter, "resume-after", "", "skip planned units up to and including this key")
	fs.IntVar(&opts.workers, "workers", 0, "reporters fetched concurrently")
	fs.StringVar(&opts.metricsAddr, "metrics-addr", "", "address for the prometheus metrics listener")
	fs.BoolVar(&opts.dryRun, "dry-run", false, "fetch and validate without writing to the database")
	_ = fs.Parse(args)

	// godotenv does not override existing env vars.
	_ = godotenv.Load()

	level, err := logger.ParseLevel(*logLevel, *verbose)
	if err != nil {
		return 2, err
	}
	log := logger.New(level)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case sig := <-sigCh:
			log.Info("ingest: received signal, stopping after the current unit", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	if *dbInitOnly {
		return initDatabase(ctx, log)
	}
	return ingest(ctx, log, opts)
}

func initDatabase(ctx context.Context, log *slog.Logger) (int, error) {
	dbCfg, err := config.LoadDatabase()
	if err != nil {
		return 1, err
	}
	st, err := backend.Open(ctx, *dbCfg, log)
	if err != nil {
		return 1, err
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return 1, fmt.Errorf("failed to apply migrations: %w", err)
	}
	log.Info("ingest: database initialized", "driver", dbCfg.Driver)
	return 0, nil
}

func ingest(ctx context.Context, log *slog.Logger, opts runOptions) (int, error) {
	cfg, err := config.Load()
	if err != nil {
		return 1, err
	}
	if opts.workers > 0 {
		cfg.Ingest.Workers = opts.workers
	}

	start, end, err := parsePeriodRange(opts.startDate, opts.endDate)
	if err != nil {
		return 2, err
	}

	selector := opts.countries
	if strings.TrimSpace(selector) == "" {
		selector = cfg.Ingest.Reporters
	}
	reporters, unknown := model.ResolveReporters(selector)
	if len(unknown) > 0 {
		log.Warn("ingest: ignoring unknown reporter codes", "codes", strings.Join(unknown, ","))
	}

	var resume *planner.Cursor
	if opts.resumeAfter != "" {
		cursor, err := planner.ParseCursor(opts.resumeAfter)
		if err != nil {
			return 2, err
		}
		resume = &cursor
	}

	log.Info("ingest starting",
		"version", version,
		"commit", commit,
		"reporters", len(reporters),
		"start", start,
		"end", end,
		"workers", cfg.Ingest.Workers,
		"dry_run", opts.dryRun,
	)

	if opts.metricsAddr != "" {
		serveMetrics(log, opts.metricsAddr)
	}

	clock := clockwork.NewRealClock()
	responses, err := cache.NewFromConfig(ctx, cfg.Cache, clock, log)
	if err != nil {
		return 1, err
	}
	if opts.clearCache {
		if err := clearCache(ctx, log, responses, opts.cacheDays); err != nil {
			return 1, err
		}
	}
	if stats, err := responses.Stats(ctx); err != nil {
		log.Warn("cache: stats unavailable", "error", err)
	} else if responses.Enabled() {
		log.Info("cache: stats", "entries", stats.Entries, "bytes", stats.Bytes, "oldest", stats.Oldest, "newest", stats.Newest)
	}

	quota, err := comtrade.NewQuotaState(cfg.API.DailyLimit, clock, cfg.API.QuotaStatePath)
	if err != nil {
		return 1, err
	}
	gatewayCfg := comtrade.ConfigFromSettings(cfg.API, quota)
	gatewayCfg.UserAgent = "tradeingest/" + version
	gatewayCfg.Clock = clock
	gatewayCfg.Logger = log
	gateway, err := comtrade.New(gatewayCfg)
	if err != nil {
		return 1, err
	}
	log.Info("comtrade: quota", "remaining_calls", gateway.RemainingCalls(), "daily_limit", cfg.API.DailyLimit)

	st, err := openStore(ctx, log, cfg.Database, opts.dryRun)
	if err != nil {
		return 1, err
	}
	defer st.Close()

	subdivider, err := planner.NewSubdivider(cfg.Subdivide)
	if err != nil {
		return 1, err
	}

	orch, err := pipeline.New(pipeline.Config{
		Fetcher:    gateway,
		Cache:      responses,
		Store:      st,
		Subdivider: subdivider,
		Workers:    cfg.Ingest.Workers,
		Clock:      clock,
		Logger:     log,
	})
	if err != nil {
		return 1, err
	}

	result, err := orch.Run(ctx, pipeline.Request{
		Reporters:   reporters,
		Start:       start,
		End:         end,
		ResumeAfter: resume,
	})
	if err != nil {
		return 1, err
	}

	printSummary(os.Stdout, result)
	if result.Status != model.RunSuccess {
		return 1, nil
	}
	return 0, nil
}

func openStore(ctx context.Context, log *slog.Logger, cfg config.DatabaseConfig, dryRun bool) (store.Store, error) {
	if dryRun {
		log.Info("database: dry run, nothing is written")
		return &store.NopStore{}, nil
	}
	st, err := backend.Open(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}
	return st, nil
}

func clearCache(ctx context.Context, log *slog.Logger, responses *cache.Cache, days int) error {
	if days > 0 {
		removed, err := responses.ClearOlderThan(ctx, time.Duration(days)*24*time.Hour)
		if err != nil {
			return err
		}
		log.Info("cache: cleared old entries", "removed", removed, "older_than_days", days)
		return nil
	}
	removed, err := responses.Clear(ctx)
	if err != nil {
		return err
	}
	log.Info("cache: cleared", "removed", removed)
	return nil
}

func serveMetrics(log *slog.Logger, addr string) {
	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
	go func() {
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			log.Error("failed to start prometheus metrics server listener", "error", err)
			return
		}
		log.Info("prometheus metrics server listening", "address", listener.Addr().String())
		http.Handle("/metrics", promhttp.Handler())
		if err := http.Serve(listener, nil); err != nil {
			log.Error("failed to start prometheus metrics server", "error", err)
		}
	}()
}

// parsePeriodRange defaults the end to the start so a single month needs one flag.
func parsePeriodRange(startValue, endValue string) (model.Period, model.Period, error) {
	if strings.TrimSpace(startValue) == "" {
		return model.Period{}, model.Period{}, errors.New("--start-date is required")
	}
	start, err := model.ParsePeriod(startValue)
	if err != nil {
		return model.Period{}, model.Period{}, fmt.Errorf("invalid --start-date: %w", err)
	}
	if strings.TrimSpace(endValue) == "" {
		return start, start, nil
	}
	end, err := model.ParsePeriod(endValue)
	if err != nil {
		return model.Period{}, model.Period{}, fmt.Errorf("invalid --end-date: %w", err)
	}
	if end.Before(start) {
		return model.Period{}, model.Period{}, fmt.Errorf("--end-date %s is before --start-date %s", end, start)
	}
	return start, end, nil
}

func printSummary(w io.Writer, run *model.ImportRun) {
	fmt.Fprintf(w, "ingest run complete (run_id=%s status=%s duration=%s)\n",
		run.RunID, run.Status, run.Duration().Round(time.Millisecond))
	fmt.Fprintf(w, "reporters=%s periods=%s..%s\n", strings.Join(run.ReporterScope, ","), run.StartPeriod, run.EndPeriod)
	fmt.Fprintf(w, "units total=%d done=%d failed=%d\n", run.UnitsTotal, run.UnitsDone, run.UnitsFailed)
	fmt.Fprintf(w, "records processed=%d inserted=%d skipped=%d rejected=%d\n",
		run.Processed, run.Inserted, run.Skipped, run.Rejected)
	fmt.Fprintf(w, "api_calls=%d cache_hits=%d\n", run.APICalls, run.CacheHits)
	if run.ErrorMessage != "" {
		fmt.Fprintf(w, "error: %s\n", run.ErrorMessage)
	}
}
