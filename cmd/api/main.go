package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"pageperm/api/internal/app"
	"pageperm/api/internal/cache"
	"pageperm/api/internal/config"
	"pageperm/api/internal/observability"
	"pageperm/api/internal/store"
)

func main() {
	cfg := config.Load()
	logger := observability.NewLogger(cfg.LogLevel, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var ds app.DataStore
	switch cfg.StoreDriver {
	case "memory":
		logger.Warn("using in-memory store, data is lost on restart")
		ds = store.NewMemoryStore()
	case "postgres":
		db, err := store.Open(ctx, cfg.DatabaseURL, store.DefaultPoolOptions())
		if err != nil {
			logger.WithError(err).Fatal("database connection failed")
		}
		defer db.Close()

		applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir, logger)
		if err != nil {
			logger.WithError(err).Fatal("migrations failed")
		}
		logger.WithField("applied", len(applied)).Info("migrations up to date")
		ds = store.NewPostgresStore(db)
	default:
		logger.WithField("driver", cfg.StoreDriver).Fatal("unknown STORE_DRIVER")
	}

	// A nil *RedisCache stored in the interface would not compare equal to
	// nil, so the cache is only assigned when configured.
	var flagCache app.FlagCache
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisCache, err := cache.NewRedisCache(cfg.RedisURL, cfg.CacheTTL)
		if err != nil {
			logger.WithError(err).Fatal("redis connection failed")
		}
		defer redisCache.Close()
		flagCache = redisCache
		logger.WithField("ttl", cfg.CacheTTL.String()).Info("caching computed permissions in redis")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(registry)

	service := app.New(cfg, ds, flagCache, metrics, logger)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.WithField("addr", cfg.Addr).Info("pageperm API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server failed")
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown error")
	}
}
