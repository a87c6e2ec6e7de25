// Package server builds the crawler engine from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sendrecord-crawler/internal/account"
	"github.com/JakeFAU/sendrecord-crawler/internal/api"
	"github.com/JakeFAU/sendrecord-crawler/internal/clock/system"
	"github.com/JakeFAU/sendrecord-crawler/internal/config"
	"github.com/JakeFAU/sendrecord-crawler/internal/crawler"
	"github.com/JakeFAU/sendrecord-crawler/internal/events"
	kafkasink "github.com/JakeFAU/sendrecord-crawler/internal/events/kafka"
	"github.com/JakeFAU/sendrecord-crawler/internal/events/sinks"
	"github.com/JakeFAU/sendrecord-crawler/internal/health"
	"github.com/JakeFAU/sendrecord-crawler/internal/job"
	"github.com/JakeFAU/sendrecord-crawler/internal/lease"
	"github.com/JakeFAU/sendrecord-crawler/internal/lease/redislease"
	"github.com/JakeFAU/sendrecord-crawler/internal/metrics"
	"github.com/JakeFAU/sendrecord-crawler/internal/pacing"
	"github.com/JakeFAU/sendrecord-crawler/internal/remote"
	"github.com/JakeFAU/sendrecord-crawler/internal/runner"
	"github.com/JakeFAU/sendrecord-crawler/internal/schedule"
	"github.com/JakeFAU/sendrecord-crawler/internal/storage/local"
	"github.com/JakeFAU/sendrecord-crawler/internal/storage/memory"
	"github.com/JakeFAU/sendrecord-crawler/internal/storage/postgres"
	"github.com/JakeFAU/sendrecord-crawler/internal/storage/sqlite"
)

const shutdownTimeout = 15 * time.Second

// App contains the engine's long-lived components.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  crawler.Clock

	accountStore crawler.AccountStore
	jobStore     crawler.JobStore
	closers      []func(context.Context) error

	pool      *account.Pool
	registry  *job.Registry
	monitor   *health.Monitor
	scheduler *schedule.Scheduler
	api       *api.Server
	hub       *events.Hub

	// monitorDone is closed once the monitor's sweep loop has returned.
	monitorDone chan struct{}
}

// Build creates the application's dependencies. Nothing is started until Run.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	app := &App{cfg: cfg, logger: logger, clock: system.New()}
	if err := app.build(ctx); err != nil {
		_ = app.Close(context.Background())
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	a.logger.Info("building application dependencies",
		zap.String("storage", a.cfg.Storage.Backend),
		zap.Int("port", a.cfg.Server.Port),
	)
	if err := a.setupStores(ctx); err != nil {
		return err
	}

	client, err := remote.New(remote.Config{
		BaseURL:           a.cfg.Remote.BaseURL,
		CountryCode:       a.cfg.Remote.CountryCode,
		PageSize:          a.cfg.Remote.PageSize,
		ProbePath:         a.cfg.Remote.ProbePath,
		Timeout:           a.cfg.Remote.Timeout,
		RequestsPerSecond: a.cfg.Remote.RequestsPerSecond,
		Burst:             a.cfg.Remote.Burst,
		Clock:             a.clock,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("remote client init failed: %w", err)
	}

	a.pool = account.New(a.accountStore, client, a.clock, a.logger)
	if err := a.pool.Load(ctx); err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}

	sink, err := local.New(local.Config{BaseDir: a.cfg.Runner.OutputDir})
	if err != nil {
		return fmt.Errorf("output sink init failed: %w", err)
	}

	pace, err := pacing.New(a.cfg.Runner.InterPageDelay)
	if err != nil {
		return fmt.Errorf("pacing init failed: %w", err)
	}

	publisher, err := a.setupEvents()
	if err != nil {
		return err
	}

	jobLease, err := a.setupLease(ctx)
	if err != nil {
		return err
	}

	run := runner.New(a.jobStore, a.pool, client, sink, pace, publisher, a.clock, runner.Config{
		NoAccountBackoff: a.cfg.Runner.NoAccountBackoff,
		TransientBackoff: a.cfg.Runner.TransientBackoff,
	}, a.logger)
	a.registry = job.New(a.jobStore, sink, run, pace, a.clock, job.Options{Lease: jobLease}, a.logger)

	if a.cfg.Health.Enabled {
		a.monitor = health.New(a.pool, a.cfg.Health.Interval, a.logger)
	}
	if a.cfg.Schedule.Enabled {
		a.scheduler, err = schedule.New(schedule.Config{
			Timezone: a.cfg.Schedule.Timezone,
			CreateAt: a.cfg.Schedule.CreateAt,
			StopAt:   a.cfg.Schedule.StopAt,
		}, a.registry, a.clock, a.logger)
		if err != nil {
			return fmt.Errorf("scheduler init failed: %w", err)
		}
	}

	a.api = api.NewServer(a.registry, a.pool, api.Options{
		APIKey:         a.cfg.Server.APIKey,
		RequestTimeout: a.cfg.Server.RequestTimeout,
	}, a.logger)
	return nil
}

func (a *App) setupStores(ctx context.Context) error {
	switch a.cfg.Storage.Backend {
	case config.BackendPostgres:
		a.logger.Info("using postgres storage backend")
		store, err := postgres.New(ctx, postgres.Config{
			DSN:             a.cfg.Database.DSN,
			MaxConns:        a.cfg.Database.MaxConns,
			MinConns:        a.cfg.Database.MinConns,
			MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
		})
		if err != nil {
			return fmt.Errorf("postgres store init failed: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error {
			store.Close()
			return nil
		})
		if err := store.Migrate(ctx); err != nil {
			return err
		}
		a.accountStore, a.jobStore = store, store
	case config.BackendSQLite:
		a.logger.Info("using sqlite storage backend", zap.String("path", a.cfg.Storage.SQLitePath))
		store, err := sqlite.Open(ctx, sqlite.Config{Path: a.cfg.Storage.SQLitePath})
		if err != nil {
			return fmt.Errorf("sqlite store init failed: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return store.Close() })
		a.accountStore, a.jobStore = store, store
	default:
		a.logger.Warn("using in-memory storage backend; jobs and accounts are lost on exit")
		a.accountStore, a.jobStore = memory.NewAccountStore(), memory.NewJobStore()
	}
	return nil
}

func (a *App) setupEvents() (crawler.Publisher, error) {
	var sinkList []events.Sink
	if len(a.cfg.Kafka.Brokers) > 0 {
		ks, err := kafkasink.New(kafkasink.Config{Brokers: a.cfg.Kafka.Brokers, Topic: a.cfg.Kafka.Topic})
		if err != nil {
			return nil, fmt.Errorf("kafka sink init failed: %w", err)
		}
		sinkList = append(sinkList, ks)
		a.logger.Info("kafka event sink enabled",
			zap.Strings("brokers", a.cfg.Kafka.Brokers),
			zap.String("topic", a.cfg.Kafka.Topic),
		)
	}
	if a.cfg.Logging.Development {
		sinkList = append(sinkList, sinks.NewLogSink(a.logger.Named("events")))
	}
	if len(sinkList) == 0 {
		a.logger.Info("job events disabled")
		return nil, nil
	}
	a.hub = events.NewHub(events.Config{}, a.logger.Named("event_hub"), sinkList...)
	return a.hub, nil
}

func (a *App) setupLease(ctx context.Context) (crawler.Lease, error) {
	if a.cfg.Redis.Addr == "" {
		return lease.Noop{}, nil
	}
	l, err := redislease.New(ctx, redislease.Config{
		Addr:   a.cfg.Redis.Addr,
		Prefix: a.cfg.Redis.Prefix,
		TTL:    a.cfg.Redis.LeaseTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("redis lease init failed: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return l.Close() })
	a.logger.Info("redis runner lease enabled", zap.String("addr", a.cfg.Redis.Addr))
	return l, nil
}

// Handler exposes the HTTP control surface.
func (a *App) Handler() http.Handler {
	return a.api.Handler()
}

// Registry exposes the job registry.
func (a *App) Registry() *job.Registry {
	return a.registry
}

// Run starts background components and the HTTP server and blocks until ctx is
// canceled or SIGINT/SIGTERM arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.cfg.Runner.ResumeOnStartup {
		n, err := a.registry.Resume(ctx)
		if err != nil {
			a.logger.Error("resume failed", zap.Error(err))
		} else {
			a.logger.Info("resumed jobs", zap.Int("count", n))
		}
	}
	if a.monitor != nil {
		done := make(chan struct{})
		a.monitorDone = done
		go func() {
			defer close(done)
			a.monitor.Run(ctx)
		}()
	}
	if a.scheduler != nil {
		if err := a.scheduler.Start(ctx); err != nil {
			return fmt.Errorf("scheduler start failed: %w", err)
		}
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	return a.Close(shutdownCtx)
}

// Close stops the scheduler, waits for the health sweep in progress, stops
// runners, flushes events and releases stores. Job stop flags are left
// untouched so resume_on_startup can pick them up.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.monitorDone != nil {
		select {
		case <-a.monitorDone:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("health monitor did not stop: %w", ctx.Err()))
		}
		a.monitorDone = nil
	}
	if a.registry != nil {
		if err := a.registry.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("registry shutdown: %w", err))
		}
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}
