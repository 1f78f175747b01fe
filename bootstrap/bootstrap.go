// Package bootstrap wires all dependencies and starts the application.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/artpar/meterd/adapters/clock"
	"github.com/artpar/meterd/adapters/memory"
	"github.com/artpar/meterd/adapters/metrics"
	"github.com/artpar/meterd/adapters/notify"
	"github.com/artpar/meterd/adapters/redis"
	"github.com/artpar/meterd/adapters/sqlite"
	"github.com/artpar/meterd/analytics"
	"github.com/artpar/meterd/app"
	"github.com/artpar/meterd/cache"
	"github.com/artpar/meterd/config"
	"github.com/artpar/meterd/ports"
	"github.com/artpar/meterd/store"
)

// App represents the running application.
type App struct {
	Logger     zerolog.Logger
	Config     *config.Config
	Holder     *config.Holder
	Metrics    *metrics.Collector
	HTTPServer *http.Server

	// Services
	Transactor *app.Transactor
	Worker     *app.Worker
	Exporter   *analytics.Exporter

	// Stores (exposed for CLI subcommands)
	Services *store.Services
	Apps     *store.Applications
	Users    *store.Users
	Names    *store.Metrics
	Limits   *store.Limits
	Counters *store.Counters

	// Adapters (for cleanup)
	kv      ports.KV
	redisKV *redis.KV
	db      *sqlite.DB
	queue   *memory.Queue
	stopCh  chan struct{}
}

// New creates and initializes the application.
func New(cfg *config.Config) (*App, error) {
	logger := setupLogger(cfg.Logging)

	logger.Info().Msg("initializing meterd")

	a := &App{
		Logger: logger,
		Config: cfg,
		stopCh: make(chan struct{}),
	}

	if cfg.Metrics.Enabled {
		a.Metrics = metrics.New()
		logger.Info().Msg("prometheus metrics enabled")
	} else {
		// Collector still feeds the services; it just isn't exposed.
		a.Metrics = metrics.NewWithRegistry(prometheus.NewRegistry())
	}

	if err := a.initStorage(); err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	if err := a.initServices(); err != nil {
		return nil, fmt.Errorf("init services: %w", err)
	}

	a.initHTTPServer()

	return a, nil
}

// NewWithHotReload creates the application with a config file watcher.
// Reloadable settings (log level, export cadence) take effect without
// restart; the rest requires one.
func NewWithHotReload(path string) (*App, error) {
	logger := setupLogger(config.LoggingConfig{Level: "info", Format: "json"})

	holder, err := config.NewHolder(path, logger)
	if err != nil {
		return nil, err
	}

	a, err := New(holder.Get())
	if err != nil {
		holder.Stop()
		return nil, err
	}
	a.Holder = holder

	holder.OnChange(func(cfg *config.Config) {
		a.Metrics.ConfigReloads.Inc()
		a.applyReloadable(cfg)
	})
	holder.OnReloadError(func(err error) {
		a.Metrics.ConfigReloadErrors.Inc()
	})

	if err := holder.WatchFile(); err != nil {
		a.Logger.Warn().Err(err).Msg("config file watch unavailable")
	}
	holder.WatchSignals()

	return a, nil
}

func (a *App) initStorage() error {
	cfg := a.Config

	switch cfg.Storage.Backend {
	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Storage.Redis.Timeout)
		defer cancel()

		kv, err := redis.New(ctx, redis.Config{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
			PoolSize: cfg.Storage.Redis.PoolSize,
		})
		if err != nil {
			return err
		}
		a.redisKV = kv
		a.kv = kv
		a.Logger.Info().Str("addr", cfg.Storage.Redis.Addr).Msg("redis storage initialized")
	default:
		a.kv = memory.NewKV()
		a.Logger.Info().Msg("in-memory storage initialized")
	}

	if cfg.Sink.Driver == "sqlite" {
		db, err := sqlite.Open(cfg.Sink.DSN)
		if err != nil {
			return fmt.Errorf("open sink database: %w", err)
		}
		a.db = db
		a.Logger.Info().Str("dsn", cfg.Sink.DSN).Msg("sink database initialized")
	}

	return nil
}

func (a *App) initServices() error {
	cfg := a.Config
	c := cache.New()

	// Token-credential resolution has no wire surface here; the store is
	// populated out of band (shared Redis in multi-node deployments).
	tokens := memory.NewTokenStore()

	a.Services = store.NewServices(a.kv, c)
	a.Apps = store.NewApplications(a.kv, c, tokens)
	a.Users = store.NewUsers(a.kv, c)
	a.Names = store.NewMetrics(a.kv, c)
	a.Limits = store.NewLimits(a.kv, c)

	var buckets *analytics.BucketStorage
	if cfg.Analytics.Enabled {
		buckets = analytics.NewBucketStorage(a.kv, cfg.Analytics.BucketInterval)
	}
	var appender store.BucketAppender
	if buckets != nil {
		appender = buckets
	}
	a.Counters = store.NewCounters(a.kv, a.Names, a.Limits, appender)

	a.queue = memory.NewQueue(cfg.Queue.Buffer)

	clk := clock.Real{}

	a.Transactor = app.NewTransactor(app.Deps{
		Services: a.Services,
		Apps:     a.Apps,
		Users:    a.Users,
		Metrics:  a.Names,
		Limits:   a.Limits,
		Counters: a.Counters,
		Queue:    a.queue,
		Clock:    clk,
		Log:      a.Logger,
		Obs:      a.Metrics,
	})

	a.Worker = app.NewWorker(app.WorkerDeps{
		Services: a.Services,
		Apps:     a.Apps,
		Users:    a.Users,
		Metrics:  a.Names,
		Counters: a.Counters,
		Clock:    clk,
		Log:      a.Logger,
		Obs:      a.Metrics,
	})

	if cfg.Analytics.Enabled {
		sink, err := sqlite.NewSink(a.db)
		if err != nil {
			return fmt.Errorf("create sink: %w", err)
		}

		a.Exporter = analytics.NewExporter(a.kv, buckets, sink, notify.NewLogger(a.Logger), a.Logger)
		a.Exporter.LeaseTTL = cfg.Analytics.LeaseTTL
		a.Exporter.MaxBuckets = cfg.Analytics.MaxBuckets
		a.Exporter.Obs = a.Metrics
		a.Logger.Info().
			Dur("bucket_interval", cfg.Analytics.BucketInterval).
			Dur("export_interval", cfg.Analytics.ExportInterval).
			Msg("analytics export enabled")
	}

	return nil
}

func (a *App) initHTTPServer() {
	cfg := a.Config

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	if cfg.Metrics.Enabled {
		r.Handle(cfg.Metrics.Path, promhttp.Handler())
	}

	addr := cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.Port)
	a.HTTPServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	a.Logger.Info().Str("addr", addr).Msg("http server configured")
}

// Run starts the workers, the exporter loop, and the HTTP server, and
// blocks until shutdown.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Background report/notify workers
	go a.queue.Run(ctx, a.Config.Queue.Workers, a.Worker.Handle)
	a.Logger.Info().Int("workers", a.Config.Queue.Workers).Msg("queue workers started")

	// Queue depth gauge
	go a.watchQueueDepth(ctx)

	// Periodic analytics export
	if a.Exporter != nil {
		go a.exportLoop(ctx)
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().Str("addr", a.HTTPServer.Addr).Msg("starting http server")
		if err := a.HTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		a.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	cancel()
	return a.Shutdown()
}

func (a *App) exportLoop(ctx context.Context) {
	ticker := time.NewTicker(a.Config.Analytics.ExportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := a.Exporter.Run(ctx, time.Now())
			if err != nil {
				a.Logger.Error().Err(err).Msg("export run failed")
				a.Metrics.ExportRuns.WithLabelValues("error").Inc()
				continue
			}
			a.Metrics.ExportRuns.WithLabelValues("ok").Inc()
			a.Metrics.ExportedEventsTotal.Add(float64(n))
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) watchQueueDepth(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.Metrics.QueueDepth.Set(float64(a.queue.Len()))
		case <-ctx.Done():
			return
		}
	}
}

// applyReloadable applies the settings that can change without restart.
func (a *App) applyReloadable(cfg *config.Config) {
	if level, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	if a.Exporter != nil {
		a.Exporter.LeaseTTL = cfg.Analytics.LeaseTTL
		a.Exporter.MaxBuckets = cfg.Analytics.MaxBuckets
	}
}

// Shutdown gracefully stops the application.
func (a *App) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if a.Holder != nil {
		a.Holder.Stop()
	}

	// Shutdown HTTP server
	if a.HTTPServer != nil {
		if err := a.HTTPServer.Shutdown(ctx); err != nil {
			a.Logger.Error().Err(err).Msg("http server shutdown error")
		}
	}

	// Stop accepting jobs and drain what is buffered
	if a.queue != nil {
		a.queue.Close()
		drained := a.queue.Drain(ctx, a.Worker.Handle)
		if drained > 0 {
			a.Logger.Info().Int("jobs", drained).Msg("drained queued jobs")
		}
	}

	// Final export so buffered buckets are not lost across restarts
	if a.Exporter != nil {
		if _, err := a.Exporter.Run(ctx, time.Now()); err != nil {
			a.Logger.Error().Err(err).Msg("final export failed")
		}
	}

	// Close redis
	if a.redisKV != nil {
		if err := a.redisKV.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("redis close error")
		}
	}

	// Close sink database
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("sink database close error")
		}
	}

	a.Logger.Info().Msg("shutdown complete")
	return nil
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		return zerolog.New(output).With().Timestamp().Logger()
	}

	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
