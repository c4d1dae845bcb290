package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/idp-studio/engine/pkg/config"
	"github.com/idp-studio/engine/pkg/database"
	"github.com/idp-studio/engine/pkg/logger"

	"github.com/idp-studio/engine/internal/notifier"
	"github.com/idp-studio/engine/internal/provider"
	"github.com/idp-studio/engine/internal/queue/tasks"
	"github.com/idp-studio/engine/internal/repository"
	"github.com/idp-studio/engine/internal/workflow"
	"github.com/idp-studio/engine/internal/workflow/activities"
)

func main() {
	cfg := config.MustLoad()
	log, err := logger.Init(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       0,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatal("redis connection failed", zap.Error(err))
	}

	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       0,
		},
		asynq.Config{
			Concurrency: cfg.AsynqConcurrency,
		},
	)

	ctx := context.Background()
	db, err := database.OpenPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.L().Fatal("failed to open database", zap.Error(err))
	}

	orgRepo := repository.NewOrganizationRepository(db)
	userRepo := repository.NewUserRepository(db)
	execRepo := repository.NewExecutionRepository(db)

	providerClient := provider.NewClient(provider.Options{
		BaseURL:   cfg.ProviderBaseURL,
		SecretKey: cfg.ProviderSecretKey,
	})

	acts := activities.New(activities.Options{
		Provider: providerClient,
		Orgs:     orgRepo,
		Users:    userRepo,
		Notifier: notifier.New(notifier.Options{URL: cfg.NotifierURL, Token: cfg.NotifierToken}),
		Timeout:  cfg.ActivityTimeout,
	})

	signalHub := workflow.NewRedisSignalHub(rdb)
	orgWorkflows := workflow.NewOrganizationWorkflows(acts, signalHub, cfg.SettleDelay, cfg.SignalWindow)
	userWorkflows := workflow.NewUserWorkflows(acts, signalHub, cfg.SettleDelay, cfg.SignalWindow)

	mux := asynq.NewServeMux()
	handler := tasks.NewLifecycleTaskHandler(execRepo, orgWorkflows, userWorkflows)
	handler.Register(mux)

	errCh := make(chan error, 1)
	go func() {
		logger.L().Info("asynq worker starting", zap.Int("concurrency", cfg.AsynqConcurrency))
		if err := srv.Run(mux); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.L().Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		logger.L().Error("worker stopped with error", zap.Error(err))
	}

	// Allow in-flight tasks to finish gracefully.
	srv.Shutdown()
}
