package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"qris-pos/internal/cache"
	"qris-pos/internal/config"
	"qris-pos/internal/database"
	"qris-pos/internal/event"
	"qris-pos/internal/gateway"
	transport "qris-pos/internal/http"
	"qris-pos/internal/http/middleware"
	"qris-pos/internal/repo"
	"qris-pos/internal/service"
	"qris-pos/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Env)

	if cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.Open(ctx, cfg.DBURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := database.EnsureSchema(ctx, db); err != nil {
		logger.Error("failed to ensure schema", "error", err)
		os.Exit(1)
	}

	gateways, err := gateway.FromConfig(cfg)
	if err != nil {
		logger.Error("failed to configure payment gateways", "error", err)
		os.Exit(1)
	}

	var publisher event.Publisher
	if cfg.KafkaBroker != "" {
		publisher, err = event.NewKafkaPublisher(cfg.KafkaBroker, cfg.PaidTopic)
		if err != nil {
			logger.Error("failed to connect kafka", "broker", cfg.KafkaBroker, "error", err)
			os.Exit(1)
		}
	} else {
		publisher = event.NewLogPublisher(logger)
	}

	statusCache, err := cache.New(cfg.RedisAddr, 24*time.Hour)
	if err != nil {
		logger.Error("failed to connect redis", "addr", cfg.RedisAddr, "error", err)
		os.Exit(1)
	}
	defer statusCache.Close()

	transactions := repo.NewTransactionRepo(db)
	txService := service.NewTransactionService(transactions, gateways, publisher, statusCache, logger, cfg.MinAmount)

	reconciler := worker.NewReconciliationWorker(
		transactions, gateways, txService, logger,
		cfg.ReconcileInterval, cfg.ReconcileStuckAfter, cfg.ReconcileExpireAfter,
	)
	go reconciler.Run(ctx)

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Transactions: txService,
		Gateways:     gateways,
		DB:           database.New(db),
		Logger:       logger,
		RateLimiter:  middleware.NewRateLimiter(cfg.RateLimitPerMinute),
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("http server starting",
			"addr", cfg.HTTPAddr, "env", cfg.Env, "provider", cfg.Provider, "sandbox", cfg.Sandbox())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErrors:
		logger.Error("http server stopped unexpectedly", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "error", err)
		os.Exit(1)
	}

	logger.Info("http server stopped")
}

func newLogger(env string) *slog.Logger {
	level := slog.LevelInfo
	if env != "prod" {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if env == "prod" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}

	return slog.New(handler)
}
