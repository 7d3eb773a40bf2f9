package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/safar/marketplace-settlement/internal/audit"
	"github.com/safar/marketplace-settlement/internal/config"
	"github.com/safar/marketplace-settlement/internal/database"
	"github.com/safar/marketplace-settlement/internal/gateway"
	"github.com/safar/marketplace-settlement/internal/httpapi"
	"github.com/safar/marketplace-settlement/internal/logging"
	"github.com/safar/marketplace-settlement/internal/metrics"
	"github.com/safar/marketplace-settlement/internal/settlement"
	"github.com/safar/marketplace-settlement/internal/store"
	"github.com/safar/marketplace-settlement/internal/visibility"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	logger, err := logging.NewLogger(cfg.Service.Name, cfg.Service.Env, cfg.Service.LogLevel)
	if err != nil {
		log.Fatalf("Create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server_exit", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.NewConnection(ctx, &cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info("database_connected")

	limits := visibility.DefaultPlanLimits()
	if cfg.Plans.File != "" {
		if limits, err = visibility.LoadPlanLimits(cfg.Plans.File); err != nil {
			return err
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	txOpts := database.DefaultTxOptions()
	txOpts.MaxRetries = cfg.Database.MaxTxRetries
	repo := store.New(db, txOpts)

	auditLog := audit.New(repo, audit.Options{
		QueueSize:     cfg.Audit.QueueSize,
		Retention:     cfg.Audit.Retention,
		PurgeInterval: cfg.Audit.PurgeInterval,
		WriteTimeout:  cfg.Audit.WriteTimeout,
		Logger:        logger,
		Metrics:       m,
	})

	auditLog.Start(ctx)

	gw := gateway.New(gateway.Config{
		BaseURL:         cfg.Gateway.BaseURL,
		SecretKey:       cfg.Gateway.SecretKey,
		Timeout:         cfg.Gateway.Timeout,
		CallbackURL:     cfg.Gateway.CallbackURL,
		ReferencePrefix: cfg.Gateway.ReferencePrefix,
	}, auditLog, m, logger)

	svc := settlement.New(repo, gw, limits, settlement.Options{
		Recorder:        auditLog,
		Metrics:         m,
		Logger:          logger,
		ReferencePrefix: cfg.Gateway.ReferencePrefix,
		CallbackURL:     cfg.Gateway.CallbackURL,
		StaleAfter:      cfg.Reconcile.StaleAfter,
		ReconcileBatch:  cfg.Reconcile.BatchSize,
		DebitRetryAfter: cfg.Reconcile.DebitRetry,
	})

	api := httpapi.New(httpapi.Config{
		RateLimitRPS:   cfg.RateLimit.RPS,
		RateLimitBurst: cfg.RateLimit.Burst,
		TrustProxy:     cfg.RateLimit.TrustProxy,
	}, httpapi.Deps{
		Settlement: svc,
		Audit:      auditLog,
		Health:     repo,
		Recorder:   auditLog,
		Metrics:    m,
		Gatherer:   reg,
		Logger:     logger,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      api.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	reconcileDone := make(chan struct{})
	go func() {
		defer close(reconcileDone)
		svc.RunReconciler(ctx, cfg.Reconcile.Interval)
	}()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http_server_start", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			stop()
			<-reconcileDone
			return err
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http_server_shutdown_error", zap.Error(err))
	} else {
		logger.Info("http_server_stopped")
	}
	<-reconcileDone
	if err := auditLog.Stop(shutdownCtx); err != nil {
		logger.Warn("audit_stop_incomplete", zap.Error(err))
	}
	return nil
}
