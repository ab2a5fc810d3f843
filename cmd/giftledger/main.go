// Package main запускает HTTP-сервер и фоновые задачи сервиса подарочных сертификатов.
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
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/giftcard-ledger/internal/catalog"
	"github.com/mmeshcher/giftcard-ledger/internal/config"
	"github.com/mmeshcher/giftcard-ledger/internal/handler"
	"github.com/mmeshcher/giftcard-ledger/internal/middleware"
	"github.com/mmeshcher/giftcard-ledger/internal/notify"
	"github.com/mmeshcher/giftcard-ledger/internal/repository"
	"github.com/mmeshcher/giftcard-ledger/internal/scheduler"
	"github.com/mmeshcher/giftcard-ledger/internal/service"
)

func main() {
	// .env нужен только при локальном запуске
	envErr := godotenv.Load()

	cfg, err := config.Parse()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(cfg.LogLevel)
	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger initialization error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	sugar := logger.Sugar()
	if envErr != nil {
		sugar.Debugw("no .env file loaded", "error", envErr.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}

	var offers service.OfferCatalog = repo
	if cfg.CatalogAddress != "" {
		offers = catalog.NewClient(cfg.CatalogAddress, logger)
		sugar.Infow("using remote offer catalog", "addr", cfg.CatalogAddress)
	}

	var notifier interface {
		service.Notifier
		Close() error
	} = notify.NewLogPublisher(logger)
	if cfg.AMQPURL != "" {
		publisher, err := notify.NewAMQPPublisher(cfg.AMQPURL)
		if err != nil {
			sugar.Fatalw("notification publisher initialization error", "error", err.Error())
		}
		notifier = publisher
	}
	defer notifier.Close()

	var limiter middleware.Limiter
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			sugar.Fatalw("invalid redis url", "error", err.Error())
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		limiter = middleware.NewRedisLimiter(rdb, "giftledger:rate_limit", time.Minute)
	}

	svc := service.NewService(repo, offers, notifier, logger, service.Options{
		CodeRetryBudget:       cfg.CodeRetryBudget,
		DefaultCommissionRate: cfg.DefaultCommissionRate,
	})
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.JWTSecret, cfg.WebhookSecret)
	if cfg.JWTSecret == "" || cfg.WebhookSecret == "" {
		sugar.Warn("JWT_SECRET or WEBHOOK_SECRET is empty, using a random per-process key")
	}

	h := handler.NewHandler(svc, logger, authMiddleware, handler.Options{
		RedeemRetries: cfg.RedeemRetries,
		Limiter:       limiter,
		ScanRateLimit: cfg.ScanRateLimit,
	})

	jobs := scheduler.NewJobs(svc, logger, cfg.JobTimeout)
	sched, err := scheduler.New(jobs, logger, scheduler.Schedules{
		Billing: cfg.BillingSchedule,
		Expiry:  cfg.ExpirySchedule,
	})
	if err != nil {
		sugar.Fatalw("scheduler initialization error", "error", err.Error())
	}

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Выставление счетов и истечение срока действия по расписанию
	g.Go(func() error {
		return sched.Run(ctx)
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting giftcard ledger server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
