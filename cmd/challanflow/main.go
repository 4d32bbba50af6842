package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"

	"github.com/challanflow/challanflow/internal/app"
	"github.com/challanflow/challanflow/internal/challan"
	"github.com/challanflow/challanflow/internal/notify"
	"github.com/challanflow/challanflow/internal/observability"
	"github.com/challanflow/challanflow/internal/platform/cache"
	"github.com/challanflow/challanflow/internal/platform/db"
	"github.com/challanflow/challanflow/internal/returns"
	"github.com/challanflow/challanflow/internal/shared"
	"github.com/challanflow/challanflow/internal/stock"
	"github.com/challanflow/challanflow/jobs"
	"github.com/challanflow/challanflow/report"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	asynqClient := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := asynqClient.Close(); err != nil {
			logger.Warn("asynq close", slog.Any("error", err))
		}
	}()

	sequences := shared.NewSequences(pool)
	auditLogger := shared.NewAuditLogger(pool)
	idemStore := shared.NewIdempotencyStore(pool)
	notifier := notify.NewPublisher(asynqClient, logger)
	otpStore := challan.NewOTPStore(redisClient, cfg.OTPTTL)

	stockRepo := stock.NewRepository(pool)
	stockService := stock.NewService(stockRepo, auditLogger, idemStore)

	challanRepo := challan.NewRepository(pool)
	challanService := challan.NewService(challanRepo, sequences, stockService, otpStore, notifier, auditLogger)

	returnsRepo := returns.NewRepository(pool)
	returnsService := returns.NewService(returnsRepo, challanRepo, sequences, stockService, notifier, auditLogger)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	reportClient := report.NewClient(cfg.GotenbergURL)

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		ChallanHandler: challan.NewHandler(logger, challanService),
		ReturnsHandler: returns.NewHandler(logger, returnsService),
		StockHandler:   stock.NewHandler(logger, stockService),
		JobHandler:     jobs.NewHandler(inspector, logger),
		ReportHandler:  report.NewHandler(reportClient, challanService, logger),
		Metrics:        metrics,
		Pool:           pool,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
