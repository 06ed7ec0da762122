package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"

	"github.com/d60-Lab/approval-gate/config"
	"github.com/d60-Lab/approval-gate/internal/api/handler"
	"github.com/d60-Lab/approval-gate/internal/api/router"
	"github.com/d60-Lab/approval-gate/internal/notify"
	"github.com/d60-Lab/approval-gate/internal/repository"
	"github.com/d60-Lab/approval-gate/internal/service"
	"github.com/d60-Lab/approval-gate/pkg/cache"
	"github.com/d60-Lab/approval-gate/pkg/database"
	"github.com/d60-Lab/approval-gate/pkg/logger"
	"github.com/d60-Lab/approval-gate/pkg/tracing"
)

// @title Approval Gate API
// @version 1.0
// @description 人工审批协调服务：Slack 交互回调与运维接口
// @BasePath /
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	if err := logger.Init(cfg.Log); err != nil {
		panic(fmt.Sprintf("failed to init logger: %v", err))
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Sentry.DSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.Sentry.DSN, Environment: cfg.Sentry.Environment}); err != nil {
			logger.Fatal("failed to init sentry", zap.Error(err))
		}
		defer sentry.Flush(2 * time.Second)
	}

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		logger.Fatal("failed to init tracing", zap.Error(err))
	}

	db, err := database.InitDB(cfg)
	if err != nil {
		logger.Fatal("failed to connect database", zap.Error(err))
	}
	repo := repository.NewApprovalRepository(db)
	if err := repo.InitSchema(); err != nil {
		logger.Fatal("failed to migrate schema", zap.Error(err))
	}
	defer repo.Close()

	var bus service.DecisionBus
	rdb, err := cache.NewRedis(ctx, cfg.Redis)
	if err != nil {
		logger.Fatal("failed to connect redis", zap.Error(err))
	}
	if rdb != nil {
		defer rdb.Close()
		bus = service.NewRedisDecisionBus(rdb)
	}

	// 没有 bot token 时仍可接收决定，只是不编辑原消息
	var updater *service.MessageUpdater
	stopUpdater := func(context.Context) error { return nil }
	if notifier, err := notify.NewSlackNotifier(cfg.Slack); err == nil {
		updater = service.NewMessageUpdater(notifier, cfg.Approval.UpdateQueueSize)
		stopUpdater = updater.Start(cfg.Approval.UpdateWorkers)
	} else {
		logger.Warn("slack notifier disabled, messages will not be edited", zap.Error(err))
	}
	if cfg.Slack.SigningSecret == "" {
		logger.Warn("decision callbacks will be rejected", zap.Error(config.ErrSigningSecretMissing))
	}

	h := handler.NewHandler(service.NewDecisionService(repo, updater, bus), cfg.JWT)
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router.Setup(cfg, h),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("server listening",
			zap.String("addr", srv.Addr),
			zap.String("decision_path", cfg.Approval.DecisionPath))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	if err := stopUpdater(shutdownCtx); err != nil {
		logger.Warn("message updates not drained", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown", zap.Error(err))
	}
}
