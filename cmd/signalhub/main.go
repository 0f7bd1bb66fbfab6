package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/signalhub/signalhub/internal/authtoken"
	"github.com/signalhub/signalhub/internal/config"
	"github.com/signalhub/signalhub/internal/gateway"
	"github.com/signalhub/signalhub/internal/health"
	"github.com/signalhub/signalhub/internal/logging"
	"github.com/signalhub/signalhub/internal/ratelimit"
	"github.com/signalhub/signalhub/internal/registry"
)

func main() {
	for _, path := range []string{".env", "../../.env"} {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize logger:", err)
		os.Exit(1)
	}
	ctx := context.Background()
	logging.Info(ctx, "starting signalhub", zap.Bool("development_mode", cfg.DevelopmentMode))

	var redisClient *redis.Client
	if cfg.RedisEnabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logging.Error(ctx, "failed to connect to redis", zap.Error(err))
			os.Exit(1)
		}
	}

	verifier := authtoken.NewVerifier(cfg.JWTSecret, cfg.TokenTTL)

	limiter, err := ratelimit.New(ratelimit.Config{
		ConnectRate:          cfg.ConnectRateLimit,
		ConnectMaxConcurrent: cfg.ConnectMaxConcurrent,
		MessageCapacity:      cfg.MessageBucketCapacity,
		MessageWindow:        cfg.MessageBucketRefillFor,
		RedisClient:          redisClient,
	})
	if err != nil {
		logging.Error(ctx, "failed to construct rate limiter", zap.Error(err))
		os.Exit(1)
	}

	reg := registry.New()

	hub := gateway.New(gateway.Config{
		Verifier:           verifier,
		Limiter:            limiter,
		Registry:           reg,
		AllowedOrigins:     cfg.AllowedOrigins,
		DevelopmentMode:    cfg.DevelopmentMode,
		MaxFrameBytes:      cfg.MaxFrameBytes,
		HeartbeatInterval:  cfg.HeartbeatInterval,
		HeartbeatMaxMissed: cfg.HeartbeatMaxMissed,
	})

	healthHandler := health.NewHandler(redisClient, verifier, []health.ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
	})

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(gateway.CorrelationID())

	// Registered before the CORS middleware so the upgrade path is left to
	// the hub's own origin check.
	router.GET("/ws", hub.ServeWs)

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.AllowedOrigins
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)
	router.GET("/ice-servers", healthHandler.ICEServers)
	router.POST("/auth/token", healthHandler.IssueToken)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hub.Shutdown(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "server forced to shutdown", zap.Error(err))
	}

	logging.Info(ctx, "server exiting")
}
