package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/opia-app/server/internal/api"
	"github.com/opia-app/server/internal/config"
	"github.com/opia-app/server/internal/db"
	"github.com/opia-app/server/internal/middleware"
	"github.com/opia-app/server/internal/observ"
	"github.com/opia-app/server/internal/presence"
	"github.com/opia-app/server/internal/realtime"
	"github.com/opia-app/server/internal/repository/postgres"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	// Startup has no request deadline; connect (with retry) and migrate
	// for as long as it takes.
	database, err := db.New(context.Background(), cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer database.Close()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse redis URL: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	pool := database.Pool()
	identityRepo := postgres.NewIdentityStore(pool)
	deviceRepo := postgres.NewDeviceStore(pool)
	linkRepo := postgres.NewDeviceLinkStore(pool)
	messageRepo := postgres.NewMessageStore(pool)
	receiptRepo := postgres.NewReceiptStore(pool)

	// The connection registry is process-local shared state; it is built
	// here once and handed to the transport and dispatch paths explicitly.
	registry := realtime.NewRegistry(logger)
	dispatcher := realtime.NewDispatcher(registry, messageRepo, logger)
	tracker := presence.NewTracker(rdb, cfg.PresenceTTL, logger)

	authHandler := api.NewAuthHandler(identityRepo, deviceRepo, linkRepo, cfg.JWTSecret, logger)
	deviceHandler := api.NewDeviceHandler(deviceRepo, logger)
	identityHandler := api.NewIdentityHandler(identityRepo, linkRepo, tracker, logger)
	messageHandler := api.NewMessageHandler(messageRepo, receiptRepo, dispatcher, logger)
	realtimeHandler := api.NewRealtimeHandler(registry, dispatcher, tracker, logger)

	srv := gin.New()
	srv.Use(gin.Logger(), gin.Recovery())

	// Public: health for load balancers, bootstrap for clients that don't
	// hold a session yet.
	srv.GET("/v1/health", func(c *gin.Context) {
		if err := database.Health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	srv.POST("/v1/identities", identityHandler.Create)
	srv.PUT("/v1/devices/:id", deviceHandler.Upsert)
	srv.POST("/v1/sessions", authHandler.Login)

	v1 := srv.Group("/v1")
	v1.Use(middleware.AuthMiddleware(cfg.JWTSecret))
	{
		v1.GET("/identities/:id", identityHandler.Get)
		v1.GET("/identities/:id/links", identityHandler.ListLinks)
		v1.GET("/identities/:id/presence", identityHandler.Presence)

		v1.POST("/messages", messageHandler.Submit)
		v1.GET("/messages/pending", messageHandler.Pending)
		v1.PUT("/messages/:id/receipt", messageHandler.Acknowledge)

		v1.GET("/rt", realtimeHandler.Connect)
	}

	logger.Info("starting server",
		zap.String("port", cfg.Port),
		zap.String("env", cfg.Env),
	)
	return srv.Run(":" + cfg.Port)
}
