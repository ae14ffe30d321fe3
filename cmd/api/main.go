package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Boe-Ventures/swipestats.io-sub000/internal/app"
	"github.com/Boe-Ventures/swipestats.io-sub000/internal/authpw"
	"github.com/Boe-Ventures/swipestats.io-sub000/internal/blob"
	"github.com/Boe-Ventures/swipestats.io-sub000/internal/config"
	"github.com/Boe-Ventures/swipestats.io-sub000/internal/logger"
	"github.com/Boe-Ventures/swipestats.io-sub000/internal/metrics"
	"github.com/Boe-Ventures/swipestats.io-sub000/internal/session"
	"github.com/Boe-Ventures/swipestats.io-sub000/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL, store.Pool{
		MaxOpenConns: cfg.DBMaxOpenConns,
		MaxIdleConns: cfg.DBMaxIdleConns,
	})
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	var migrations fs.FS = store.Migrations()
	if strings.TrimSpace(cfg.MigrationsDir) != "" {
		migrations = os.DirFS(cfg.MigrationsDir)
	}
	if err := store.ApplyMigrations(ctx, db, migrations); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	dataStore := store.NewPostgresStore(db)

	sessions, err := session.NewRedisStore(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis connection failed: %w", err)
	}
	defer sessions.Close()

	blobs, err := blob.New(cfg.Blob.Endpoint, cfg.Blob.AccessKey, cfg.Blob.SecretKey, cfg.Blob.Bucket, cfg.Blob.UseSSL, cfg.Blob.PublicURL)
	if err != nil {
		return err
	}
	if err := blobs.EnsureBucket(ctx); err != nil {
		return fmt.Errorf("blob store unavailable: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.New(cfg.MetricsEnabled, reg)
	var metricsHandler http.Handler
	if cfg.MetricsEnabled {
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	service := app.NewService(cfg, dataStore, sessions, blobs, authpw.NewService(dataStore), recorder, log)
	store.StartAnonymousReleaser(ctx, dataStore, cfg.AnonReleaseInterval, cfg.AnonRetention, log)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.NewHTTPServer(service, cfg.CORSOrigin, metricsHandler).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("SwipeStats API listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown error", zap.Error(err))
	}
	return nil
}
