package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/peakserve/adserver/internal/config"
	"github.com/peakserve/adserver/internal/database"
	"github.com/peakserve/adserver/internal/httpserver"
	"github.com/peakserve/adserver/internal/metrics"
	"github.com/peakserve/adserver/internal/rollup"
	"github.com/peakserve/adserver/internal/storage"
)

func main() {
	// A missing .env is fine; the environment itself wins anyway.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg)
	defer logger.Sync()

	logger.Info("starting ad server",
		zap.String("env", cfg.Server.Env),
		zap.String("addr", cfg.Server.Addr),
	)

	var db *database.PostgresDB
	var rdb *database.RedisDB

	db, err = database.NewPostgresDB(cfg.Database)
	if err != nil {
		logger.Warn("PostgreSQL not available, using in-memory storage", zap.Error(err))
		db = nil
	} else {
		defer db.Close()
		logger.Info("connected to PostgreSQL")
	}

	rdb, err = database.NewRedisDB(cfg.Redis)
	if err != nil {
		logger.Warn("Redis not available, serve-domain cursor is process-local", zap.Error(err))
		rdb = nil
	} else {
		defer rdb.Close()
		logger.Info("connected to Redis")
	}

	m := metrics.NewMetrics("adserver")

	var archive storage.EventArchive
	if cfg.ClickHouse.Enabled {
		ch, err := storage.NewClickHouseArchive(
			cfg.ClickHouse.Addr,
			cfg.ClickHouse.Database,
			cfg.ClickHouse.User,
			cfg.ClickHouse.Password,
			logger,
		)
		if err != nil {
			logger.Warn("ClickHouse not available, event archiving disabled", zap.Error(err))
		} else {
			defer ch.Close()
			archive = ch
			logger.Info("connected to ClickHouse")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Rollup.Enabled && db != nil {
		aggregator := rollup.NewAggregator(db.Pool, cfg.Rollup.WindowHours, m, logger)
		scheduler := rollup.NewScheduler(aggregator, cfg.Rollup.Interval, logger)
		if err := scheduler.Start(ctx); err != nil {
			logger.Error("rollup scheduler failed to start", zap.Error(err))
		}
	}

	deps := &httpserver.Dependencies{
		DB:      db,
		Redis:   rdb,
		Archive: archive,
		Config:  cfg,
		Logger:  logger,
		Metrics: m,
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      httpserver.NewServer(deps),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}

func setupLogger(cfg *config.Config) *zap.Logger {
	var zapCfg zap.Config

	if cfg.IsDevelopment() || cfg.Log.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	switch cfg.Log.Level {
	case "debug":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	}

	logger, err := zapCfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to create logger: %v", err))
	}

	return logger
}
