package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"permitpay/internal/breaker"
	"permitpay/internal/cache"
	"permitpay/internal/config"
	"permitpay/internal/database"
	"permitpay/internal/metrics"
	"permitpay/internal/modules/recovery"
	"permitpay/internal/provider"
	"permitpay/internal/repository"
)

// Scheduled job: one recovery pass over payment orders stuck in a
// non-terminal status. Run from cron; the API's internal sweep endpoint does
// the same work for ad-hoc runs.
func main() {
	_ = godotenv.Load()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is required")
	}

	cfg, err := config.LoadPaymentRuntimeConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	db, err := database.Connect(dsn)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}

	olderThan, err := time.ParseDuration(getEnv("SWEEP_OLDER_THAN", "30m"))
	if err != nil {
		log.Fatalf("SWEEP_OLDER_THAN: %v", err)
	}

	service := recovery.NewService(
		repository.NewPaymentOrderRepository(db),
		repository.NewApplicationRepository(db),
		repository.NewRecoveryAttemptRepository(db),
		provider.NewClient(cfg.ProviderAPIKey, cfg.ProviderBaseURL, &http.Client{Timeout: cfg.ProviderTimeout}),
		breaker.NewRegistry(breaker.Config{
			FailureThreshold: cfg.BreakerFailureThreshold,
			Cooldown:         cfg.BreakerCooldown,
		}),
		buildStore(cfg),
		nil,
		metrics.NewNop(),
		recovery.Config{
			MaxAttempts: cfg.RecoveryMaxAttempts,
			BaseCheckIn: cfg.RecoveryBaseCheckIn,
			CacheTTL:    cfg.RecoveryCacheTTL,
		},
		log.Printf,
	)
	defer service.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	n, err := service.SweepStuck(ctx, olderThan, 500)
	if err != nil {
		log.Fatalf("sweep failed: %v", err)
	}
	log.Printf("level=info msg=recovery sweep completed orders=%d older_than=%s", n, olderThan)
}

// buildStore shares the API's redis so the in-progress markers hold across
// the sweep and the live service. Without redis the markers are process-local.
func buildStore(cfg *config.PaymentRuntimeConfig) cache.Store {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Printf("level=warn msg=redis unavailable, using in-memory markers addr=%s err=%v", cfg.RedisAddr, err)
		return cache.NewMemoryStore()
	}
	return cache.NewRedisStore(rdb)
}

func getEnv(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}
