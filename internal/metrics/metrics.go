package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the shared sink for payment processing counters. Explicitly
// constructed against a registry so tests do not collide on global state.
type Metrics struct {
	PaymentAttempts  *prometheus.CounterVec
	PaymentSuccesses *prometheus.CounterVec
	PaymentFailures  *prometheus.CounterVec
	PaymentLatency   *prometheus.HistogramVec
	WebhookEvents    *prometheus.CounterVec
	WebhookRetries   prometheus.Counter
	RecoveryAttempts *prometheus.CounterVec
	BreakerTrips     *prometheus.CounterVec
	VelocityRejects  prometheus.Counter
	RateLimitRejects prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PaymentAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "permitpay_payment_attempts_total",
			Help: "Payment attempts reaching the gateway, by method.",
		}, []string{"method"}),
		PaymentSuccesses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "permitpay_payment_success_total",
			Help: "Payment intents created successfully, by method.",
		}, []string{"method"}),
		PaymentFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "permitpay_payment_failures_total",
			Help: "Payment attempts that failed, by method and reason.",
		}, []string{"method", "reason"}),
		PaymentLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "permitpay_payment_processing_seconds",
			Help:    "Provider call latency for payment intent creation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "permitpay_webhook_events_total",
			Help: "Webhook events received, by type and result.",
		}, []string{"type", "result"}),
		WebhookRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "permitpay_webhook_retries_total",
			Help: "Webhook processing retries scheduled.",
		}),
		RecoveryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "permitpay_recovery_attempts_total",
			Help: "Recovery engine attempts, by result.",
		}, []string{"result"}),
		BreakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "permitpay_circuit_breaker_trips_total",
			Help: "Calls rejected by an open circuit breaker, by operation class.",
		}, []string{"operation"}),
		VelocityRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "permitpay_velocity_rejects_total",
			Help: "Payment attempts vetoed by velocity screening.",
		}),
		RateLimitRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "permitpay_rate_limit_rejects_total",
			Help: "Payment attempts rejected by the per-customer rate limiter.",
		}),
	}

	reg.MustRegister(
		m.PaymentAttempts, m.PaymentSuccesses, m.PaymentFailures, m.PaymentLatency,
		m.WebhookEvents, m.WebhookRetries, m.RecoveryAttempts, m.BreakerTrips,
		m.VelocityRejects, m.RateLimitRejects,
	)
	return m
}

// NewNop returns a metrics sink on a private registry, for tests.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
