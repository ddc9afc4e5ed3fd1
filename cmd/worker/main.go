package main

import (
	"context"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"guidance/internal/audit"
	"guidance/internal/config"
	"guidance/internal/logging"
	"guidance/internal/queue"
	"guidance/internal/store"
)

// Worker drains lifecycle events from the Redis queue into the audit log.
func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()
	for _, w := range cfg.Warnings {
		logger.Warn("config: " + w)
	}

	if cfg.QueueBackend != "redis" {
		logger.Fatal("worker needs QUEUE_BACKEND=redis; the memory queue is consumed inside the api process")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer func() { _ = redisClient.Close() }()

	if !redisClient.Healthy(ctx) {
		logger.Warn("redis not reachable yet, consumer will keep retrying", zap.String("addr", cfg.RedisAddr))
	}

	q := queue.NewRedisQueue(redisClient.Client, "")
	if err := audit.New(q, logger).Run(ctx); err != nil {
		logger.Fatal("queue consume init failed", zap.Error(err))
	}
}
