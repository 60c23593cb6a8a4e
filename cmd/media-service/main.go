package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	_ "github.com/hou-li-xie/media-service/docs"
	"github.com/hou-li-xie/media-service/internal/artifact"
	"github.com/hou-li-xie/media-service/internal/cache"
	"github.com/hou-li-xie/media-service/internal/config"
	"github.com/hou-li-xie/media-service/internal/events"
	mediaHandlers "github.com/hou-li-xie/media-service/internal/http/handlers/media"
	wsHandlers "github.com/hou-li-xie/media-service/internal/http/handlers/websocket"
	"github.com/hou-li-xie/media-service/internal/http/middleware"
	mediaService "github.com/hou-li-xie/media-service/internal/services/media"
	"github.com/hou-li-xie/media-service/internal/services/mirror"
	"github.com/hou-li-xie/media-service/internal/storage"
	"github.com/hou-li-xie/media-service/internal/storage/postgres"
	"github.com/hou-li-xie/media-service/internal/stream"
	"github.com/hou-li-xie/media-service/internal/upload"
	"github.com/hou-li-xie/media-service/internal/websocket"
	_ "github.com/joho/godotenv/autoload"
	httpSwagger "github.com/swaggo/http-swagger"
)

func newLogger(env string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if env == "production" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	opts.Level = slog.LevelDebug
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// @title Media Service API
// @version 1.0
// @description Chunked resumable uploads and byte-range streaming for videos and images.
// @BasePath /
func main() {
	// load config
	cfg := config.MustLoad()
	logger := newLogger(cfg.Env)
	slog.SetDefault(logger)

	layout, err := cfg.Layout()
	if err != nil {
		log.Fatal("Failed to resolve storage layout:", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// redis backs locks, sessions, listings and rate limits when enabled
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatal("Failed to connect to Redis:", err)
		}
		defer redisClient.Close()
		slog.Info("Connected to Redis", "addr", cfg.Redis.Addr)
	}

	var (
		locker   upload.Locker
		sessions upload.SessionTable
		listings mediaService.ListingCache
	)
	if redisClient != nil {
		locker = upload.NewRedisLocker(redisClient, cfg.Upload.LockTTL)
		sessions = upload.NewRedisSessions(redisClient, cfg.Upload.ChunkExpireTime)
		listings = cache.NewListingCache(redisClient, cfg.Cache.ListingTTL)
	} else {
		locker = upload.NewMemoryLocker()
		memSessions := upload.NewMemorySessions(cfg.Upload.ChunkExpireTime)
		defer memSessions.Close()
		sessions = memSessions
		slog.Warn("Redis disabled, locks and sessions are process-local")
	}

	var registry storage.Storage
	if cfg.PGSQL.Enabled {
		db, err := postgres.Open(cfg)
		if err != nil {
			log.Fatal("Failed to initialize database:", err)
		}
		defer db.Close()
		pg, err := postgres.New(db)
		if err != nil {
			log.Fatal("Failed to initialize database:", err)
		}
		registry = pg
		slog.Info("Connected to Postgres database")
	}

	var objectMirror mediaService.Mirror
	if cfg.MinIO.Enabled {
		m, err := mirror.NewService(cfg.MinIO)
		if err != nil {
			log.Fatal("Failed to initialize MinIO:", err)
		}
		objectMirror = m
		slog.Info("Mirroring artifacts to MinIO", "endpoint", cfg.MinIO.Endpoint, "bucket", cfg.MinIO.BucketName)
	}

	chunks := upload.NewChunkStore(layout, logger,
		upload.WithMaxChunkBytes(cfg.Upload.MaxChunkBytes),
		upload.WithVerification(cfg.Upload.EnableVerification),
	)
	artifacts, err := artifact.NewStore(layout, logger)
	if err != nil {
		log.Fatal("Failed to prepare storage directories:", err)
	}
	coordinator := upload.NewCoordinator(chunks, artifacts, locker, sessions, upload.CoordinatorConfig{
		MergeTimeout: cfg.Upload.MergeTimeout,
		CompletedTTL: cfg.Upload.CompletedTTL,
	}, logger)
	defer coordinator.Close()

	hub := websocket.NewHub()
	go hub.Run()
	defer hub.Stop()

	svc := mediaService.NewService(mediaService.Deps{
		Layout:      layout,
		Upload:      cfg.Upload,
		Chunks:      chunks,
		Artifacts:   artifacts,
		Coordinator: coordinator,
		Sessions:    sessions,
		Registry:    registry,
		Listings:    listings,
		Mirror:      objectMirror,
		Publisher:   events.NewEventPublisher(hub),
		Logger:      logger,
	})
	defer svc.Close()

	sweeper := upload.NewSweeper(layout, locker, sessions, cfg.Upload.ChunkExpireTime, cfg.Upload.SweepInterval, logger)
	go sweeper.Start(ctx)

	// setup router
	router := http.NewServeMux()
	handlers := mediaHandlers.NewMediaHandlers(svc, stream.NewStreamer(logger), cfg.Upload.MaxChunkBytes, logger)
	handlers.Register(router, middleware.NewRateLimitConfig(cfg.RateLimit, redisClient, logger))

	router.HandleFunc("GET /ws/uploads/{uploadId}", wsHandlers.UploadProgressHandler(hub))
	router.Handle("GET /swagger/", httpSwagger.WrapHandler)

	if redisClient != nil {
		router.HandleFunc("GET /admin/cache/stats", cache.GetCacheStats(redisClient))
		router.HandleFunc("POST /admin/cache/clear", cache.ClearCache(redisClient))
	}

	server := http.Server{
		Addr:              cfg.HTTPServer.Address,
		Handler:           middleware.Logging(logger)(router),
		ReadTimeout:       cfg.HTTPServer.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTPServer.ReadHeaderTimeout,
		WriteTimeout:      cfg.HTTPServer.WriteTimeout,
		IdleTimeout:       cfg.HTTPServer.IdleTimeout,
	}

	slog.Info("server started", "address", cfg.HTTPServer.Address, "env", cfg.Env)

	go func() {
		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("failed to start server: %s", err)
		}
	}()

	<-ctx.Done()

	slog.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPServer.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to gracefully shutdown server", slog.String("error", err.Error()))
		return
	}

	slog.Info("Server stopped")
}
