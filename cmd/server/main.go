package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/tgsuite/backend/internal/api"
	"github.com/tgsuite/backend/internal/config"
	"github.com/tgsuite/backend/internal/database"
	"github.com/tgsuite/backend/internal/engine"
	"github.com/tgsuite/backend/internal/health"
	"github.com/tgsuite/backend/internal/jobs"
	"github.com/tgsuite/backend/internal/logger"
	"github.com/tgsuite/backend/internal/queue"
	"github.com/tgsuite/backend/internal/registry"
	"github.com/tgsuite/backend/internal/services"
	"github.com/tgsuite/backend/internal/vault"
	"github.com/tgsuite/backend/internal/websocket"
)

func main() {
	// Missing .env is fine; production uses real env vars
	godotenv.Load()

	cfg := config.Load()

	logger.Init(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.Env == "development",
	})
	log := logger.Get()
	log.Info().Str("env", cfg.Env).Msg("starting tgsuite backend")

	validateConfig(cfg, log)

	key, err := cfg.EncryptionKeyBytes()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid ENCRYPTION_KEY")
	}
	sessionVault, err := vault.New(key)
	if err != nil {
		log.Fatal().Err(err).Msg("session vault init failed")
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}
	if err := database.Migrate(db); err != nil {
		log.Fatal().Err(err).Msg("database migration failed")
	}

	redisClient, err := database.ConnectRedis(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("redis connection failed")
	}

	healthChecker := health.NewChecker(db, redisClient)

	wsHub := websocket.NewHub(*log)
	go wsHub.Run()

	container := services.NewContainer(cfg, db, redisClient, wsHub, sessionVault)

	// Execution engine consumes the task queue
	accountRegistry := registry.New(container.Store, *log)
	engineCfg := engine.Config{
		MinDelay:         cfg.MinDelay,
		MaxDelay:         cfg.MaxDelay,
		MaxRetryAttempts: cfg.MaxRetryAttempts,
		RetryDelay:       cfg.RetryDelay,
		SoftTimeout:      cfg.SoftTimeout,
		LockTTL:          cfg.HardTimeout,
		LockWait:         5 * time.Second,
	}
	executor := engine.NewExecutor(
		container.Store,
		accountRegistry,
		sessionVault,
		container.Dialer,
		container.Locker,
		container.Audit,
		engineCfg,
		*log,
	)

	workerCfg := queue.DefaultWorkerConfig()
	workerCfg.Concurrency = cfg.WorkerConcurrency
	worker := queue.NewWorker(container.Queue, "worker-"+uuid.New().String()[:8], workerCfg, *log)
	worker.RegisterHandler(engine.JobTypeExecuteTask, executor.Handler(container.Queue))

	workerCtx, stopWorker := context.WithCancel(context.Background())
	if err := worker.Start(workerCtx); err != nil {
		log.Fatal().Err(err).Msg("queue worker failed to start")
	}

	// Maintenance cron: quota reset, health and proxy sweeps, reapers
	scheduler := jobs.NewScheduler(
		container.Store,
		accountRegistry,
		sessionVault,
		container.Dialer,
		container.Proxy.Prober(),
		container.AuditLog(),
		*log,
	)
	if err := scheduler.Start(); err != nil {
		log.Fatal().Err(err).Msg("maintenance scheduler failed to start")
	}

	server := api.NewServer(container, healthChecker)

	go func() {
		addr := ":" + cfg.Port
		log.Info().Str("addr", addr).Msg("http server listening")
		if err := server.Run(addr); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	healthChecker.SetReady(true)
	log.Info().Msg("service ready")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	healthChecker.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("http shutdown error")
	}

	scheduler.Stop()
	stopWorker()
	worker.Stop()
	container.Shutdown()

	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
	redisClient.Close()

	log.Info().Msg("shutdown complete")
}

func validateConfig(cfg *config.Config, log *zerolog.Logger) {
	problems := []string{}

	if cfg.DatabaseURL == "" {
		problems = append(problems, "DATABASE_URL is required")
	}
	if cfg.EncryptionKey == "" {
		problems = append(problems, "ENCRYPTION_KEY is required")
	}
	if cfg.JWTSecret == "" || cfg.JWTSecret == "dev-secret-change-in-production" {
		if cfg.Env != "development" {
			problems = append(problems, "JWT_SECRET must be set in production")
		} else {
			log.Warn().Msg("using default JWT_SECRET, not safe for production")
		}
	}

	if len(problems) > 0 {
		for _, p := range problems {
			log.Error().Msg(p)
		}
		log.Fatal().Msg("configuration validation failed")
	}
}
