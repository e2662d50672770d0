package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/webqx/vitalq/internal/admin"
	"github.com/webqx/vitalq/internal/batch"
	"github.com/webqx/vitalq/internal/dispatcher"
	"github.com/webqx/vitalq/internal/journal"
	"github.com/webqx/vitalq/internal/load"
	"github.com/webqx/vitalq/internal/queue"
	"github.com/webqx/vitalq/internal/timeout"
)

const (
	drainTimeout    = 15 * time.Second
	shutdownTimeout = 5 * time.Second
)

func run() int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	configPath := fs.String("config", "./vitalq.yaml", "path to config file")
	dbPath := fs.String("db", "./vitalq.db", "path to sqlite journal db file")
	postgresDSN := fs.String("postgres-dsn", "", "postgres journal DSN (overrides VITALQ_POSTGRES_DSN)")
	logLevel := fs.String("log-level", "info", "log level (debug|info|warn|error)")
	dotenvPath := fs.String("dotenv", "", "load environment variables from file (dev only)")
	watch := fs.Bool("watch", false, "watch config file for reload")
	if err := fs.Parse(os.Args[2:]); err != nil {
		return 2
	}

	baseLogger, err := newLogger(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 2
	}
	slog.SetDefault(baseLogger)

	if strings.TrimSpace(*dotenvPath) != "" {
		if err := loadDotenv(strings.TrimSpace(*dotenvPath)); err != nil {
			baseLogger.Error("dotenv_failed", slog.Any("err", err))
			return 1
		}
	}

	cfg, err := LoadConfigFile(*configPath)
	if err != nil {
		baseLogger.Error("read_config_failed", slog.Any("err", err))
		return 1
	}
	res := cfg.Validate()
	if !res.OK {
		baseLogger.Error("config_invalid", slog.String("detail", FormatValidationText(res)))
		return 1
	}
	for _, w := range res.Warnings {
		baseLogger.Warn("config_warning", slog.String("warning", w))
	}

	logger := baseLogger
	if cfg.Log.Level != "" && !strings.EqualFold(cfg.Log.Level, *logLevel) || cfg.Log.Output != "" {
		l, closer, err := newLoggerToSink(cfg.Log.Level, cfg.Log.Output, cfg.Log.Path)
		if err != nil {
			baseLogger.Error("log_sink_failed", slog.Any("err", err))
			return 1
		}
		logger = l
		if closer != nil {
			defer func() { _ = closer.Close() }()
		}
		slog.SetDefault(logger)
	}
	logger.Info("config_ok", slog.String("path", *configPath))

	var shutdownTracing func(context.Context) error
	if cfg.Tracing.Enabled {
		shutdownTracing, err = initTracing(context.Background(), cfg.Tracing, func(err error) {
			logger.Error("tracing_export_failed", slog.Any("err", err))
		})
		if err != nil {
			logger.Error("tracing_init_failed", slog.Any("err", err))
			return 1
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = shutdownTracing(ctx)
		}()
		logger.Info("tracing_enabled")
	}

	var accessLogger *slog.Logger
	if cfg.AccessLog.Enabled {
		l, closer, err := newLoggerToSink("info", cfg.AccessLog.Output, cfg.AccessLog.Path)
		if err != nil {
			logger.Error("access_log_failed", slog.Any("err", err))
			return 1
		}
		accessLogger = l
		if closer != nil {
			defer func() { _ = closer.Close() }()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, backend, err := newJournalStore(cfg.Journal, *dbPath, strings.TrimSpace(*postgresDSN))
	if err != nil {
		logger.Error("open_journal_failed", slog.Any("err", err))
		return 1
	}
	defer func() { _ = store.Close() }()
	logger.Info("journal_backend_selected", slog.String("backend", backend))

	q := queue.New(
		queue.WithMaxDepth(cfg.Queue.MaxDepth),
		queue.WithMaxAttempts(cfg.Queue.MaxAttempts),
		queue.WithJournal(store),
		queue.WithLogger(logger),
	)

	monitor := load.NewMonitor(
		load.WithWeights(cfg.Load.CPUWeight, cfg.Load.MemoryWeight),
		load.WithLogger(logger),
	)
	monitor.Start(ctx, cfg.Load.PollInterval.Duration)
	defer monitor.Stop()

	batches := batch.NewManager(monitor,
		batch.WithThresholds(cfg.Batch.LowLoadThreshold, cfg.Batch.HighLoadThreshold),
		batch.WithCooldown(cfg.Batch.Cooldown.Duration),
		batch.WithSizeBounds(cfg.Batch.MinSize, cfg.Batch.MaxSize),
		batch.WithLogger(logger),
	)
	for _, op := range cfg.Operations {
		batches.RegisterOperation(op.Name, op.DefaultBatchSize)
	}
	batches.Start()
	defer batches.Stop()

	timeouts := timeout.NewManager(
		timeout.WithBounds(cfg.Timeout.Min.Duration, cfg.Timeout.Max.Duration),
		timeout.WithMultiplier(cfg.Timeout.Multiplier),
		timeout.WithFallback(cfg.Timeout.Fallback.Duration),
		timeout.WithMaxSamples(cfg.Timeout.MaxSamples),
		timeout.WithLogger(logger),
	)

	state, err := newRuntimeState(cfg)
	if err != nil {
		logger.Error("auth_setup_failed", slog.Any("err", err))
		return 1
	}

	forwarder := dispatcher.NewHTTPForwarder(tracingHTTPClient(cfg.Tracing.Enabled), timeouts)
	forwarder.Logger = logger

	disp := &dispatcher.Dispatcher{
		Queue:        q,
		Handler:      connectorHandler(state, forwarder),
		Workers:      cfg.Dispatcher.Workers,
		PollInterval: cfg.Dispatcher.PollInterval.Duration,
		Logger:       logger,
	}
	disp.Start()
	defer func() {
		if ok := disp.Drain(drainTimeout); !ok {
			logger.Warn("dispatcher_drain_timeout", slog.Duration("timeout", drainTimeout))
		} else {
			logger.Info("dispatcher_drained")
		}
	}()
	logger.Info("dispatcher_started", slog.Int("workers", cfg.Dispatcher.Workers))

	spools := newSpoolSet(cfg.Operations)
	for _, op := range cfg.Operations {
		sp, _ := spools.spool(op.Name)
		feeder := &dispatcher.BatchFeeder{
			Operation: op.Name,
			Source:    sp,
			Sizes:     batches,
			Queue:     q,
			Interval:  op.Interval.Duration,
			Logger:    logger,
		}
		go feeder.Run(ctx)
	}

	adminSrv := admin.NewServer(q)
	adminSrv.Load = monitor
	adminSrv.Batches = batches
	adminSrv.Timeouts = timeouts
	adminSrv.Journal = store
	adminSrv.Authorize = state.authorize
	adminSrv.Version = version
	if len(cfg.Operations) > 0 {
		adminSrv.Defer = spools.Defer
	}

	var handler http.Handler = adminSrv
	handler = wrapTracingHandler(cfg.Tracing.Enabled, "admin", handler)
	if accessLogger != nil {
		handler = withAccessLog(accessLogger, handler)
	}

	var reloadMu sync.Mutex
	reloadNow := func(trigger string) {
		reloadMu.Lock()
		defer reloadMu.Unlock()
		reloadConfig(*configPath, state, batches, logger, trigger)
	}

	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	defer signal.Stop(hupCh)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hupCh:
				reloadNow("signal_sighup")
			}
		}
	}()
	if *watch {
		go watchConfig(ctx, *configPath, logger, func() {
			reloadNow("watch")
		})
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		logger.Error("listen_failed", slog.String("addr", cfg.Listen), slog.Any("err", err))
		return 1
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Info("admin_listening", slog.String("addr", ln.Addr().String()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if retention := cfg.Journal.Retention.Duration; retention > 0 {
		if pruner, ok := store.(journal.Pruner); ok {
			g.Go(func() error {
				runRetentionSweep(gctx, pruner, retention, logger)
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		logger.Error("server_error", slog.Any("err", err))
		return 1
	}
	return 0
}

const retentionSweepInterval = time.Hour

// runRetentionSweep prunes journal records older than maxAge until ctx is
// done. The first sweep happens immediately so a restart does not postpone
// cleanup by a full interval.
func runRetentionSweep(ctx context.Context, pruner journal.Pruner, maxAge time.Duration, logger *slog.Logger) {
	interval := retentionSweepInterval
	if maxAge < interval {
		interval = maxAge
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		dropped, err := pruner.PruneBefore(time.Now().Add(-maxAge))
		switch {
		case err != nil:
			logger.Warn("journal_prune_failed", slog.Any("err", err))
		case dropped > 0:
			logger.Info("journal_pruned",
				slog.Int64("dropped", dropped),
				slog.Duration("retention", maxAge),
			)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func newJournalStore(cfg JournalConfig, dbPath, dsnFlag string) (journal.Store, string, error) {
	switch cfg.Backend {
	case "", "memory":
		return journal.NewMemoryStore(journal.WithCapacity(cfg.Capacity)), "memory", nil
	case "sqlite":
		store, err := journal.OpenSQLite(dbPath)
		if err != nil {
			return nil, "", err
		}
		return store, "sqlite", nil
	case "postgres":
		dsn := dsnFlag
		if dsn == "" {
			dsn = strings.TrimSpace(os.Getenv("VITALQ_POSTGRES_DSN"))
		}
		if dsn == "" {
			return nil, "", errors.New("postgres journal requires --postgres-dsn or VITALQ_POSTGRES_DSN")
		}
		store, err := journal.OpenPostgres(dsn)
		if err != nil {
			return nil, "", err
		}
		return store, "postgres", nil
	default:
		return nil, "", fmt.Errorf("unknown journal backend %q", cfg.Backend)
	}
}
