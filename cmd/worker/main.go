package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/automation-engine/internal/api"
	"github.com/ignite/automation-engine/internal/automation"
	"github.com/ignite/automation-engine/internal/config"
	"github.com/ignite/automation-engine/internal/mailing"
	"github.com/ignite/automation-engine/internal/pkg/distlock"
	"github.com/ignite/automation-engine/internal/pkg/logger"
	"github.com/ignite/automation-engine/internal/repository/postgres"
	"github.com/ignite/automation-engine/internal/worker"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to YAML config (optional)")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	level, err := logger.ParseLevel(cfg.Logging.Level)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.SetLevel(level)
	logger.SetRedactPII(cfg.Logging.ShouldRedactPII())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := openDB(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	logger.Info("connected to database")

	redisClient := openRedis(ctx, cfg.Redis)
	if redisClient != nil {
		defer redisClient.Close()
	}

	notifier := worker.NewNotifier(redisClient, cfg.Redis.WakeupChannel)
	queue := worker.NewQueue(db, notifier, worker.QueueConfig{
		MaxAttempts: cfg.Jobs.MaxAttempts,
		BackoffBase: cfg.Jobs.BackoffBase(),
		BackoffMax:  cfg.Jobs.BackoffMax(),
	})
	store := postgres.New(db, queue)

	sender := mailing.NewRateLimitedSender(newSender(ctx, cfg.SES), redisClient, "ses", mailing.RateLimit{
		PerSecond: cfg.SES.MaxSendRate,
		PerDay:    cfg.SES.MaxDailySend,
	})
	registry := automation.NewRegistry(automation.Dependencies{Sender: sender})
	logger.Info("step runners registered", "subtypes", registry.Subtypes())
	coordinator := automation.NewCoordinator(store, registry)

	pool := worker.NewPool(queue, notifier, worker.PoolConfig{
		Workers:        cfg.Jobs.Workers,
		BatchSize:      cfg.Jobs.BatchSize,
		PollInterval:   cfg.Jobs.PollInterval(),
		AttemptTimeout: cfg.Jobs.AttemptTimeout(),
	})
	coordinator.Register(pool)
	if err := pool.Start(ctx); err != nil {
		log.Fatalf("Failed to start worker pool: %v", err)
	}
	logger.Info("worker pool started", "worker_id", pool.WorkerID(), "workers", cfg.Jobs.Workers)

	recovery := worker.NewQueueRecoveryWorkerWithConfig(db, cfg.Jobs.RecoveryInterval(), cfg.Jobs.StaleAfter())
	go recovery.Start(ctx)

	cleanup := worker.NewJobCleanupWorker(db, worker.CleanupConfig{
		CompletedRetention: cfg.Jobs.CompletedRetention(),
		FailedRetention:    cfg.Jobs.FailedRetention(),
	})
	go cleanup.Start(ctx)

	backpressure := worker.NewBackpressureMonitor(db, cfg.Jobs.MaxQueueDepth)
	go backpressure.Start(ctx)

	if cfg.Automation.ScanEnabled {
		lock := distlock.NewLock(redisClient, db, "automation:trigger-scan", cfg.Automation.LockTTL())
		scanner, err := automation.NewScanner(store, queue, lock, automation.ScannerConfig{
			Schedule:     cfg.Automation.ScanSchedule,
			BatchSize:    cfg.Automation.ScanBatchSize,
			Backpressure: backpressure,
		})
		if err != nil {
			log.Fatalf("Failed to create trigger scanner: %v", err)
		}
		if err := scanner.Start(ctx); err != nil {
			log.Fatalf("Failed to start trigger scanner: %v", err)
		}
		defer scanner.Stop()
	}

	server := api.NewServer(api.Options{
		DB:             db,
		Redis:          redisClient,
		Queue:          queue,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})
	go func() {
		if err := server.ListenAndServe(ctx, cfg.Server.Addr()); err != nil {
			logger.Error("ops server stopped", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down worker")
	pool.Stop()
	logger.Info("worker stopped", "stats", pool.Stats())
}

func openDB(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime())

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// openRedis returns nil when Redis is not configured or unreachable; the
// worker then polls, locks through Postgres and skips the count cache.
func openRedis(ctx context.Context, cfg config.RedisConfig) *redis.Client {
	if cfg.URL == "" {
		logger.Warn("redis not configured, workers will poll")
		return nil
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		logger.Error("invalid redis url, continuing without redis", "error", err)
		return nil
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Error("redis unreachable, continuing without redis", "error", err)
		client.Close()
		return nil
	}
	logger.Info("connected to redis")
	return client
}

// newSender returns the SES sender when enabled, otherwise a dry-run sender
// that logs instead of delivering.
func newSender(ctx context.Context, cfg config.SESConfig) mailing.Sender {
	if !cfg.Enabled {
		logger.Warn("ses disabled, emails will be logged only")
		return mailing.NewDryRunSender()
	}
	sender, err := mailing.NewSESSender(ctx, mailing.SESConfig{
		Region:           cfg.Region,
		AccessKey:        cfg.AccessKey,
		SecretKey:        cfg.SecretKey,
		ConfigurationSet: cfg.ConfigurationSet,
	})
	if err != nil {
		log.Fatalf("Failed to create SES sender: %v", err)
	}
	logger.Info("ses sender ready", "region", cfg.Region)
	return sender
}
