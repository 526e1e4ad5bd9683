package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultProviderBaseURL     = "https://api.pagos.dev/v1"
	defaultProviderTimeout     = "10s"
	defaultWebhookMaxRetries   = "3"
	defaultWebhookRetryDelays  = "60s,300s,900s"
	defaultBreakerThreshold    = "5"
	defaultBreakerCooldown     = "30s"
	defaultRecoveryMaxAttempts = "3"
	defaultRecoveryBaseCheckIn = "30s"
	defaultRecoveryCacheTTL    = "5m"
	defaultRateLimitMax        = "5"
	defaultRateLimitWindow     = "60s"
	defaultVelocityEnabled     = "true"
	defaultJWTAccessTTL        = "12h"
	defaultJWTSecret           = "change-me-jwt-secret"
)

type PaymentRuntimeConfig struct {
	AppEnv string

	ProviderAPIKey  string
	ProviderBaseURL string
	ProviderTimeout time.Duration

	// WebhookSecret signs inbound provider notifications. It is mandatory in
	// every environment; an empty value is a startup error, verification is
	// never skipped.
	WebhookSecret      string
	WebhookMaxRetries  int
	WebhookRetryDelays []time.Duration

	BreakerFailureThreshold int
	BreakerCooldown         time.Duration

	RecoveryMaxAttempts int
	RecoveryBaseCheckIn time.Duration
	RecoveryCacheTTL    time.Duration

	RateLimitMax    int
	RateLimitWindow time.Duration

	VelocityCheckEnabled bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	JWTSecret         string
	JWTAccessTTL      time.Duration
	AdminEmail        string
	AdminPasswordHash string
	InternalToken     string
}

func LoadPaymentRuntimeConfig() (*PaymentRuntimeConfig, error) {
	cfg := &PaymentRuntimeConfig{}
	appEnv := strings.TrimSpace(os.Getenv("APP_ENV"))
	if appEnv == "" {
		appEnv = strings.TrimSpace(os.Getenv("ENV"))
	}
	if appEnv == "" {
		appEnv = "dev"
	}
	cfg.AppEnv = strings.ToLower(appEnv)

	cfg.ProviderAPIKey = strings.TrimSpace(os.Getenv("PAYMENT_PROVIDER_API_KEY"))
	cfg.ProviderBaseURL = strings.TrimSpace(getEnv("PAYMENT_PROVIDER_BASE_URL", defaultProviderBaseURL))
	cfg.WebhookSecret = strings.TrimSpace(os.Getenv("PAYMENT_WEBHOOK_SECRET"))

	var err error
	cfg.ProviderTimeout, err = parseDurationEnv("PAYMENT_PROVIDER_TIMEOUT", defaultProviderTimeout)
	if err != nil {
		return nil, err
	}

	cfg.WebhookMaxRetries, err = parseIntEnv("WEBHOOK_MAX_RETRIES", defaultWebhookMaxRetries)
	if err != nil {
		return nil, err
	}
	cfg.WebhookRetryDelays, err = parseDurationListEnv("WEBHOOK_RETRY_DELAYS", defaultWebhookRetryDelays)
	if err != nil {
		return nil, err
	}

	cfg.BreakerFailureThreshold, err = parseIntEnv("BREAKER_FAILURE_THRESHOLD", defaultBreakerThreshold)
	if err != nil {
		return nil, err
	}
	cfg.BreakerCooldown, err = parseDurationEnv("BREAKER_COOLDOWN", defaultBreakerCooldown)
	if err != nil {
		return nil, err
	}

	cfg.RecoveryMaxAttempts, err = parseIntEnv("RECOVERY_MAX_ATTEMPTS", defaultRecoveryMaxAttempts)
	if err != nil {
		return nil, err
	}
	cfg.RecoveryBaseCheckIn, err = parseDurationEnv("RECOVERY_BASE_CHECKIN", defaultRecoveryBaseCheckIn)
	if err != nil {
		return nil, err
	}
	cfg.RecoveryCacheTTL, err = parseDurationEnv("RECOVERY_CACHE_TTL", defaultRecoveryCacheTTL)
	if err != nil {
		return nil, err
	}

	cfg.RateLimitMax, err = parseIntEnv("PAYMENT_RATE_LIMIT_MAX", defaultRateLimitMax)
	if err != nil {
		return nil, err
	}
	cfg.RateLimitWindow, err = parseDurationEnv("PAYMENT_RATE_LIMIT_WINDOW", defaultRateLimitWindow)
	if err != nil {
		return nil, err
	}

	cfg.VelocityCheckEnabled = parseBoolEnv("VELOCITY_CHECK_ENABLED", defaultVelocityEnabled)

	cfg.RedisAddr = strings.TrimSpace(getEnv("REDIS_ADDR", "localhost:6379"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	cfg.RedisDB, err = parseIntEnv("REDIS_DB", "0")
	if err != nil {
		return nil, err
	}

	cfg.JWTSecret = strings.TrimSpace(getEnv("JWT_SECRET", defaultJWTSecret))
	cfg.JWTAccessTTL, err = parseDurationEnv("JWT_ACCESS_TTL", defaultJWTAccessTTL)
	if err != nil {
		return nil, err
	}
	cfg.AdminEmail = strings.TrimSpace(os.Getenv("ADMIN_EMAIL"))
	cfg.AdminPasswordHash = strings.TrimSpace(os.Getenv("ADMIN_PASSWORD_HASH"))
	cfg.InternalToken = strings.TrimSpace(os.Getenv("PERMITPAY_INTERNAL_TOKEN"))

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	log.Printf("payment runtime config: env=%s velocity_check=%t breaker_threshold=%d cooldown=%s max_retries=%d",
		cfg.AppEnv, cfg.VelocityCheckEnabled, cfg.BreakerFailureThreshold, cfg.BreakerCooldown, cfg.WebhookMaxRetries)

	return cfg, nil
}

func validateConfig(cfg *PaymentRuntimeConfig) error {
	// Deliberately unconditional: a missing webhook secret must not silently
	// disable signature verification, not even in dev.
	if cfg.WebhookSecret == "" {
		return fmt.Errorf("PAYMENT_WEBHOOK_SECRET must be set in every environment")
	}
	if cfg.ProviderAPIKey == "" {
		return fmt.Errorf("PAYMENT_PROVIDER_API_KEY must be set")
	}
	if cfg.WebhookMaxRetries <= 0 {
		return fmt.Errorf("WEBHOOK_MAX_RETRIES must be > 0")
	}
	if len(cfg.WebhookRetryDelays) == 0 {
		return fmt.Errorf("WEBHOOK_RETRY_DELAYS must not be empty")
	}
	if cfg.BreakerFailureThreshold <= 0 {
		return fmt.Errorf("BREAKER_FAILURE_THRESHOLD must be > 0")
	}
	if cfg.BreakerCooldown <= 0 {
		return fmt.Errorf("BREAKER_COOLDOWN must be > 0")
	}
	if cfg.RecoveryMaxAttempts <= 0 {
		return fmt.Errorf("RECOVERY_MAX_ATTEMPTS must be > 0")
	}
	if cfg.RateLimitMax <= 0 || cfg.RateLimitWindow <= 0 {
		return fmt.Errorf("payment rate limit settings must be > 0")
	}

	if isProdLike(cfg.AppEnv) {
		if cfg.JWTSecret == "" || cfg.JWTSecret == defaultJWTSecret {
			return fmt.Errorf("in prod/release JWT_SECRET must be set and not default")
		}
		if cfg.AdminPasswordHash == "" {
			return fmt.Errorf("in prod/release ADMIN_PASSWORD_HASH must be set")
		}
	}

	return nil
}

func isProdLike(env string) bool {
	switch env {
	case "prod", "production", "release":
		return true
	}
	return false
}

func getEnv(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func parseDurationEnv(name, def string) (time.Duration, error) {
	raw := getEnv(name, def)
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", name, raw, err)
	}
	return d, nil
}

func parseDurationListEnv(name, def string) ([]time.Duration, error) {
	raw := getEnv(name, def)
	parts := strings.Split(raw, ",")
	out := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		d, err := time.ParseDuration(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("%s: invalid duration %q: %w", name, p, err)
		}
		out = append(out, d)
	}
	return out, nil
}

func parseIntEnv(name, def string) (int, error) {
	raw := getEnv(name, def)
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", name, raw, err)
	}
	return n, nil
}

func parseBoolEnv(name, def string) bool {
	raw := strings.ToLower(strings.TrimSpace(getEnv(name, def)))
	return raw == "true" || raw == "1" || raw == "yes"
}
