package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/ngnpope/mellon/pkg/api"
	"github.com/ngnpope/mellon/pkg/audit"
	"github.com/ngnpope/mellon/pkg/config"
	"github.com/ngnpope/mellon/pkg/directory"
	"github.com/ngnpope/mellon/pkg/federation"
	"github.com/ngnpope/mellon/pkg/observability"
	"github.com/ngnpope/mellon/pkg/saml"
	"github.com/ngnpope/mellon/pkg/sessions"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		observability.NewLogger(observability.ErrorLevel, os.Stderr).
			WithError(err).Error("failed to load configuration")
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.Info("starting mellon service provider")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("service exited with error")
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *observability.Logger) error {
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return err
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxConns)
	db.SetMaxIdleConns(cfg.Database.MinConns)
	db.SetConnMaxLifetime(cfg.Database.MaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Database.Timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return err
	}

	if err := directory.RunMigrations(ctx, db); err != nil {
		return err
	}
	logger.Info("database migrations applied")

	store, err := sessions.NewStore(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer store.Close()

	providers, err := config.LoadProviders(cfg.ProvidersFile)
	if err != nil {
		return err
	}
	registry, err := saml.NewRegistry(cfg.SP, providers, logger)
	if err != nil {
		return err
	}
	logger.Infof("registered %d identity providers", len(registry.List()))

	stopWatch, err := config.WatchProviders(cfg.ProvidersFile, registry.Reload, logger)
	if err != nil {
		return err
	}
	defer stopWatch()

	dbRecorder, err := audit.NewDBRecorder(ctx, db)
	if err != nil {
		return err
	}
	recorder := audit.NewMultiRecorder(audit.NewLogRecorder(logger), dbRecorder)
	defer recorder.Close()

	metrics := observability.NewMetrics(nil)
	dir := directory.NewSQLDirectory(db)
	adapter := federation.NewDefaultAdapter(dir, dir, logger, recorder).WithMetrics(metrics)
	broker := federation.NewBroker(adapter, logger, metrics)

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.Server.MetadataRefreshSchedule, func() {
		registry.Refresh(ctx)
	}); err != nil {
		return err
	}
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      api.NewServer(registry, broker, store, logger, metrics, cfg.SP.BaseURL),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Infof("listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if err := group.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}
