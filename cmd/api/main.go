package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"permitpay/internal/alert"
	"permitpay/internal/breaker"
	"permitpay/internal/cache"
	"permitpay/internal/config"
	"permitpay/internal/database"
	"permitpay/internal/metrics"
	"permitpay/internal/middleware"
	"permitpay/internal/modules/auth"
	"permitpay/internal/modules/gateway"
	"permitpay/internal/modules/recovery"
	"permitpay/internal/modules/stream"
	"permitpay/internal/modules/webhook"
	jwtsvc "permitpay/internal/pkg/jwt"
	"permitpay/internal/provider"
	"permitpay/internal/repository"
)

func main() {
	_ = godotenv.Load()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is empty")
	}

	cfg, err := config.LoadPaymentRuntimeConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	db, err := database.Connect(dsn)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		log.Fatalf("db migrate failed: %v", err)
	}

	store, window := buildCache(cfg)

	appRepo := repository.NewApplicationRepository(db)
	orderRepo := repository.NewPaymentOrderRepository(db)
	eventRepo := repository.NewWebhookEventRepository(db)
	attemptRepo := repository.NewRecoveryAttemptRepository(db)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	m := metrics.New(promReg)

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		Cooldown:         cfg.BreakerCooldown,
	})

	providerClient := provider.NewClient(cfg.ProviderAPIKey, cfg.ProviderBaseURL, &http.Client{
		Timeout: cfg.ProviderTimeout,
	})

	alerter := alert.LogAlerter{}
	hub := stream.NewHub()

	loggerf := log.Printf

	gatewayService := gateway.NewService(
		providerClient, appRepo, orderRepo, breakers,
		gateway.NewVelocityGuard(window, loggerf),
		gateway.NewSlidingWindowLimiter(window, cfg.RateLimitMax, cfg.RateLimitWindow, loggerf),
		m,
		gateway.Config{DefaultCurrency: "mxn", VelocityCheckEnabled: cfg.VelocityCheckEnabled},
		loggerf,
	)
	gatewayHandler := gateway.NewHandler(gatewayService, loggerf)

	scheduler := webhook.NewScheduler(eventRepo, alerter, m, webhook.SchedulerConfig{
		MaxRetries: cfg.WebhookMaxRetries,
		Delays:     cfg.WebhookRetryDelays,
	}, loggerf)
	webhookService := webhook.NewService(eventRepo, orderRepo, appRepo, breakers, scheduler, hub, m, loggerf)
	webhookHandler := webhook.NewHandler(webhookService, cfg.WebhookSecret, loggerf)

	recoveryService := recovery.NewService(
		orderRepo, appRepo, attemptRepo, providerClient, breakers, store, hub, m,
		recovery.Config{
			MaxAttempts: cfg.RecoveryMaxAttempts,
			BaseCheckIn: cfg.RecoveryBaseCheckIn,
			CacheTTL:    cfg.RecoveryCacheTTL,
		},
		loggerf,
	)
	recoveryHandler := recovery.NewHandler(recoveryService, breakers, scheduler, loggerf)

	j := jwtsvc.New(cfg.JWTSecret, cfg.JWTAccessTTL)
	authService := auth.NewService(j, cfg.AdminEmail, cfg.AdminPasswordHash, cfg.JWTAccessTTL, loggerf)
	authHandler := auth.NewHandler(authService, loggerf)

	streamHandler := stream.NewHandler(hub, loggerf)

	r := gin.New()
	r.Use(gin.Logger(), middleware.ErrorLogger(), middleware.CORS())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})))

	v1 := r.Group("/api/v1")
	{
		authHandler.RegisterRoutes(v1)
		webhookHandler.RegisterRoutes(v1)
		gatewayHandler.RegisterRoutes(v1)

		admin := v1.Group("/admin")
		admin.Use(middleware.JWTAuth(j), middleware.RequireOperator())
		{
			recoveryHandler.RegisterAdminRoutes(admin)
			streamHandler.RegisterRoutes(admin)
		}
	}

	internal := r.Group("/internal")
	internal.Use(middleware.InternalTokenAuth(cfg.InternalToken))
	{
		recoveryHandler.RegisterInternalRoutes(internal)
	}

	addr := ":" + getEnv("PORT", "8080")
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		log.Printf("level=info msg=api listening addr=%s env=%s", addr, cfg.AppEnv)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Printf("level=info msg=shutting down")
	scheduler.ClearAllRetries()
	recoveryService.Stop()
	hub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("level=error msg=shutdown failed err=%v", err)
	}
}

// buildCache prefers the shared redis instance; without one the process
// falls back to in-memory guards, which only hold within a single replica.
func buildCache(cfg *config.PaymentRuntimeConfig) (cache.Store, cache.Window) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Printf("level=warn msg=redis unavailable, using in-memory cache addr=%s err=%v", cfg.RedisAddr, err)
		return cache.NewMemoryStore(), cache.NewMemoryWindow()
	}
	return cache.NewRedisStore(rdb), cache.NewRedisWindow(rdb)
}

func getEnv(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}
