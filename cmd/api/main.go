package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/idp-studio/engine/internal/api"
	"github.com/idp-studio/engine/internal/api/handlers"
	"github.com/idp-studio/engine/internal/notifier"
	"github.com/idp-studio/engine/internal/provider"
	"github.com/idp-studio/engine/internal/repository"
	"github.com/idp-studio/engine/internal/services"
	"github.com/idp-studio/engine/internal/workflow"
	"github.com/idp-studio/engine/internal/workflow/activities"
	"github.com/idp-studio/engine/pkg/config"
	"github.com/idp-studio/engine/pkg/database"
	"github.com/idp-studio/engine/pkg/logger"
)

const awaitTimeout = 30 * time.Second

func main() {
	cfg := config.MustLoad()

	log, err := logger.Init(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	log.Info("starting identity lifecycle engine",
		zap.String("env", cfg.AppEnv),
		zap.String("addr", cfg.HTTPAddr),
	)

	ctx := context.Background()
	db, err := database.OpenPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       0,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis connection failed", zap.Error(err))
	}

	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       0,
	})
	defer asynqClient.Close()

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

	jwtSecret := []byte(cfg.JWTSecret)
	if len(jwtSecret) == 0 {
		log.Warn("JWT_SECRET not set, using default (INSECURE for production)")
		jwtSecret = []byte("change-me-in-production-please")
	}

	orchestrator := services.NewOrchestratorService(
		orgRepo, userRepo, execRepo,
		asynqClient, signalHub,
		services.NewWorkflowListRunner(orgWorkflows, userWorkflows),
	)
	authService := services.NewAuthService(cfg.AdminEmail, cfg.AdminPasswordHash, jwtSecret)

	router := api.NewRouter(api.Dependencies{
		HMACSecret:           jwtSecret,
		AuthHandler:          handlers.NewAuthHandler(authService),
		OrganizationsHandler: handlers.NewOrganizationsHandler(orchestrator, orgRepo, awaitTimeout),
		UsersHandler:         handlers.NewUsersHandler(orchestrator, userRepo, awaitTimeout),
		ExecutionsHandler:    handlers.NewExecutionsHandler(orchestrator, awaitTimeout),
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP server starting", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		log.Error("server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", zap.Error(err))
	} else {
		log.Info("server exited gracefully")
	}
}
