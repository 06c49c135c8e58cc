package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/stepflow/internal/authz"
	"github.com/pitabwire/stepflow/internal/config"
	"github.com/pitabwire/stepflow/internal/definition"
	"github.com/pitabwire/stepflow/internal/observability"
	"github.com/pitabwire/stepflow/internal/steps"
	"github.com/pitabwire/stepflow/internal/transport"
	"github.com/pitabwire/stepflow/internal/workflow"
	"github.com/pitabwire/stepflow/model"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the admin API and yield scheduler",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if code := serve(*configPath); code != 0 {
				return fmt.Errorf("serve exited with code %d", code)
			}
			return nil
		},
	}
}

func serve(configPath string) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "stepflow", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	var metrics *observability.Metrics
	if cfg.Observability.Metrics.Enabled {
		metrics = observability.InitMetrics(prometheus.DefaultRegisterer)
	}

	// Steps registered here are the built-ins. Applications embedding the
	// engine register their own before building the validator.
	catalog := steps.NewRegistry()

	defs, err := definition.NewLoader().LoadAll(cfg.Definitions.Directories)
	if err != nil {
		logger.Error("definition loading failed", zap.Error(err))
		return 1
	}
	validator := definition.NewValidator(catalog)
	if verrs := validator.Validate(defs); len(verrs) > 0 {
		for _, ve := range verrs {
			logger.Error("definition validation error", zap.String("error", ve.Error()))
		}
		logger.Error("definition validation failed", zap.Int("errors", len(verrs)))
		return 1
	}
	metrics.SetDefinitionsLoaded(float64(len(defs)))

	st, err := buildStores(ctx, cfg, defs, validator, logger)
	if err != nil {
		logger.Error("store initialization failed", zap.Error(err))
		return 1
	}
	defer st.Close()

	locks, closeLocks, err := buildLocks(cfg.Lock, st, metrics, logger)
	if err != nil {
		logger.Error("lock initialization failed", zap.Error(err))
		return 1
	}
	defer closeLocks()

	replay, closeReplay, err := buildIdempotency(cfg.Idempotency, logger)
	if err != nil {
		logger.Error("idempotency initialization failed", zap.Error(err))
		return 1
	}
	defer closeReplay()

	engine := workflow.NewEngine(st.definitions, st.status, catalog, locks, st.uow, workflow.Options{
		MaxContinuations:     cfg.Engine.MaxContinuations,
		ChainBackoff:         cfg.Engine.ChainBackoff,
		ErrorDetailsMax:      cfg.Engine.ErrorDetailsMax,
		ForceWakeDefault:     cfg.Engine.ForceWakeDefault,
		FailureRetries:       cfg.Engine.FailureRetries,
		FailureRetryInterval: cfg.Engine.FailureRetryInterval,
		FailureTimeout:       cfg.Engine.FailureTimeout,
		Logger:               logger,
		Metrics:              metrics,
	})

	authenticate, err := transport.NewAuthenticator(cfg.Auth, logger)
	if err != nil {
		logger.Error("auth initialization failed", zap.Error(err))
		return 1
	}
	if authenticate == nil {
		logger.Warn("authentication disabled, tenant is taken from the " + transport.TenantHeader + " header")
	}

	var permissions model.PermissionResolver
	if cfg.Auth.PolicyFile != "" {
		policy, err := authz.NewStaticPolicy(cfg.Auth.PolicyFile)
		if err != nil {
			logger.Error("policy loading failed", zap.Error(err))
			return 1
		}
		permissions = authz.NewResolver(policy, cfg.Auth.PolicyCacheTTL)
		logger.Info("role policy loaded", zap.Int("roles", policy.Roles()))
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Engine:       engine,
		Definitions:  st.definitions,
		Authenticate: authenticate,
		Permissions:  permissions,
		Idempotency:  replay,
		Readiness: observability.ReadinessChecks{
			DefinitionsLoaded: st.loaded,
			StatusStore:       st.ping,
			LockBackend:       observability.CheckFunc(locks.Ping),
		},
		Metrics: metrics,
		Logger:  logger,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	schedulerDone := make(chan struct{})
	if cfg.Scheduler.Enabled {
		scheduler := workflow.NewScheduler(st.status, engine, workflow.SchedulerOptions{
			Interval:      cfg.Scheduler.Interval,
			BatchSize:     cfg.Scheduler.BatchSize,
			Concurrency:   cfg.Scheduler.Concurrency,
			IncludeFailed: cfg.Scheduler.IncludeFailed,
			Logger:        logger,
			Metrics:       metrics,
		})
		go func() {
			defer close(schedulerDone)
			scheduler.Start(bgCtx)
		}()
	} else {
		close(schedulerDone)
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("definitions", len(defs)),
		zap.String("store", cfg.Store.Driver),
		zap.String("lock", cfg.Lock.Driver),
		zap.Bool("scheduler", cfg.Scheduler.Enabled),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	exit := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		exit = 1
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Drain in-flight requests before stopping the scheduler so runs
	// already holding a lock finish and release it.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	bgCancel()
	select {
	case <-schedulerDone:
	case <-shutdownCtx.Done():
		logger.Warn("scheduler did not stop before shutdown timeout")
	}

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return exit
}
