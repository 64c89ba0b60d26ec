// Command mesd runs the MES/QMIB integration service: the resilient gateway
// client, the batch coordinator, the reconciliation scan, and the REST API.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	app "github.com/apexmfg/qmib-bridge/internal/app"
	"github.com/apexmfg/qmib-bridge/internal/app/httpapi"
	"github.com/apexmfg/qmib-bridge/internal/app/services/integration"
	"github.com/apexmfg/qmib-bridge/internal/app/storage/postgres"
	"github.com/apexmfg/qmib-bridge/internal/config"
	"github.com/apexmfg/qmib-bridge/internal/qmib"
	"github.com/apexmfg/qmib-bridge/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
	flag.Parse()

	log := logger.NewDefault("mesd")

	// Optional .env for local development; real deployments set env directly.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Error("configuration invalid")
		os.Exit(1)
	}

	gateway, err := qmib.New(qmib.Config{
		BaseURL:        cfg.QMIB.BaseURL,
		Username:       cfg.QMIB.Username,
		Password:       cfg.QMIB.Password,
		VerifyTLS:      cfg.QMIB.VerifyTLS,
		RequestTimeout: cfg.QMIB.RequestTimeout(),
		Retry: qmib.RetryConfig{
			MaxRetries:  cfg.QMIB.MaxRetries,
			BackoffBase: cfg.QMIB.BackoffBase(),
			MaxBackoff:  8 * time.Second,
			Multiplier:  2.0,
			Jitter:      0.2,
			MaxElapsed:  time.Minute,
		},
		Breaker: qmib.BreakerConfig{
			FailureThreshold: cfg.QMIB.BreakerFailureThreshold,
			Cooldown:         cfg.QMIB.BreakerCooldown(),
		},
		RequestsPerSecond: cfg.QMIB.RequestsPerSecond,
	}, log.WithField("service", "qmib"))
	if err != nil {
		log.WithError(err).Error("gateway client init failed")
		os.Exit(1)
	}

	var stores app.Stores
	if cfg.Database.URL != "" {
		db, err := sql.Open("postgres", cfg.Database.URL)
		if err != nil {
			log.WithError(err).Error("database open failed")
			os.Exit(1)
		}
		defer db.Close()
		pg := postgres.New(db)
		stores = app.Stores{Batches: pg, EventAcks: pg}
	}

	application := app.New(gateway, stores, integration.Options{
		LeaseTTL:     cfg.Reconcile.LeaseTTL(),
		PublishGrace: cfg.Reconcile.Grace(),
	}, log)

	reconciler := integration.NewReconciler(
		application.Integration,
		cfg.Reconcile.Schedule,
		cfg.Reconcile.RunTimeout(),
		log.WithField("service", "reconciler"),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := reconciler.Start(ctx); err != nil {
		log.WithError(err).Error("reconciler start failed")
		os.Exit(1)
	}

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           httpapi.NewHandler(application, cfg.HTTP.AuditLog),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.WithField("addr", cfg.HTTP.Addr).Info("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("http server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown incomplete")
	}
	if err := reconciler.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("reconciler shutdown incomplete")
	}
}
