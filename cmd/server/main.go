package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/stripe/stripe-go/v82"
	"go.uber.org/zap"

	"github.com/operatorkit/backend/internal/codes"
	"github.com/operatorkit/backend/internal/config"
	"github.com/operatorkit/backend/internal/database"
	"github.com/operatorkit/backend/internal/handlers"
	"github.com/operatorkit/backend/internal/logger"
	"github.com/operatorkit/backend/internal/metrics"
	"github.com/operatorkit/backend/internal/middleware"
	"github.com/operatorkit/backend/internal/repository"
	"github.com/operatorkit/backend/internal/routes"
	"github.com/operatorkit/backend/internal/services/affiliate"
	"github.com/operatorkit/backend/internal/services/email"
	"github.com/operatorkit/backend/internal/services/settlement"
	"github.com/operatorkit/backend/internal/services/webhook"
)

func main() {
	// Initialize configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zlog, err := logger.New(logger.Options{Level: cfg.LogLevel, Environment: cfg.Environment, File: cfg.LogFile})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = zlog.Sync() }()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	// Initialize database
	db, err := database.InitDB(cfg.Database, zlog)
	if err != nil {
		zlog.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer func() { _ = database.Close(db) }()
	store := repository.NewGormStore(db, repository.WithIsolation(sql.LevelRepeatableRead))

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	// Redis is optional; without it concurrent duplicates fall through to the ledger constraint
	var guard webhook.InFlightGuard = webhook.NoopGuard{}
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			zlog.Fatal("Invalid REDIS_URL", zap.Error(err))
		}
		redisClient := redis.NewClient(opts)
		defer func() { _ = redisClient.Close() }()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, err := redisClient.Ping(ctx).Result(); err != nil {
			zlog.Warn("Redis unreachable, in-flight guard degraded", zap.Error(err))
		}
		cancel()
		guard = webhook.NewRedisGuard(redisClient, webhook.DefaultInFlightTTL)
	}

	// Webhook verification needs only the signing secret. The API key is
	// validated at startup and set for any stripe-go client call.
	stripe.Key = cfg.Stripe.SecretKey

	// Initialize services
	issuer, err := codes.NewIssuer(cfg.Codes.Prefix)
	if err != nil {
		zlog.Fatal("Invalid code prefix", zap.Error(err))
	}
	hasher, err := codes.NewHasher(cfg.Codes.HashSecret)
	if err != nil {
		zlog.Fatal("Invalid code hash secret", zap.Error(err))
	}
	settlementPolicy, err := cfg.Settlement.Policy()
	if err != nil {
		zlog.Fatal("Invalid settlement policy", zap.Error(err))
	}

	affiliateService := affiliate.NewService(store, zlog.Named("affiliate"))
	emailService := email.NewEmailService(cfg.Email.APIURL, cfg.Email.APIKey, cfg.Email.From)
	settlementService := settlement.NewService(store, issuer, hasher, settlementPolicy,
		affiliateService, emailService, zlog.Named("settlement"), m)
	gateway := webhook.NewGateway(cfg.Stripe.WebhookSecret, settlementService, guard, zlog.Named("webhook"), m)

	rateLimiter := middleware.NewRateLimiter(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst)
	defer rateLimiter.Stop()

	router := routes.SetupRouter(routes.RouterDeps{
		Logger:         zlog.Named("http"),
		WebhookHandler: handlers.NewWebhookHandler(gateway, zlog.Named("webhook")),
		RateLimiter:    rateLimiter,
		Gatherer:       registry,
	})

	// Start server
	srv := startServer(router, cfg.Server, zlog)

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info("Shutting down server...")

	// Create a deadline to wait for
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		zlog.Error("Server forced to shutdown", zap.Error(err))
	}

	zlog.Info("Server exiting")
}

// startServer starts the HTTP server
func startServer(router *gin.Engine, cfg config.ServerConfig, zlog *zap.Logger) *http.Server {
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
	}

	// Start server in a goroutine
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	zlog.Info("Server started", zap.String("port", cfg.Port))
	return srv
}
