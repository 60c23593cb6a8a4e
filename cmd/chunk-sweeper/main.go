package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/hou-li-xie/media-service/internal/config"
	"github.com/hou-li-xie/media-service/internal/upload"
	_ "github.com/joho/godotenv/autoload"
)

// The sweeper runs next to one or more media-service instances. It shares
// their Redis locks so it never removes fragments of an upload being merged.
func main() {
	// Load config
	cfg := config.MustLoad()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if !cfg.Redis.Enabled {
		log.Fatal("chunk-sweeper needs redis.enabled: locks must be shared with the service")
	}

	layout, err := cfg.Layout()
	if err != nil {
		log.Fatal("Failed to resolve storage layout:", err)
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatal("Failed to connect to Redis:", err)
	}
	slog.Info("Connected to Redis", "addr", cfg.Redis.Addr)

	sweeper := upload.NewSweeper(
		layout,
		upload.NewRedisLocker(redisClient, cfg.Upload.LockTTL),
		upload.NewRedisSessions(redisClient, cfg.Upload.ChunkExpireTime),
		cfg.Upload.ChunkExpireTime,
		cfg.Upload.SweepInterval,
		logger,
	)

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		slog.Info("Received shutdown signal")
		cancel()
	}()

	// Start the sweeper
	sweeper.Start(ctx)

	slog.Info("Chunk sweeper stopped")
}
