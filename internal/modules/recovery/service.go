package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"permitpay/internal/breaker"
	"permitpay/internal/cache"
	"permitpay/internal/domain"
	"permitpay/internal/metrics"
	"permitpay/internal/provider"
)

// Recovery outcome reasons reported to callers and recorded in metrics.
const (
	ReasonPaymentSucceeded   = "payment_succeeded"
	ReasonPaymentCaptured    = "payment_captured"
	ReasonAwaitingApproval   = "awaiting_approval"
	ReasonStillProcessing    = "still_processing"
	ReasonNotRecoverable     = "payment_not_recoverable"
	ReasonMaxAttemptsReached = "max_attempts_reached"
	ReasonAlreadyInProgress  = "recovery_in_progress"
	ReasonCircuitOpen        = "circuit_breaker_open"
	ReasonProviderError      = "provider_error"
	ReasonAlreadyTerminal    = "order_already_terminal"
	ReasonRecoveryError      = "recovery_error"
)

type Config struct {
	MaxAttempts int
	BaseCheckIn time.Duration
	CacheTTL    time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseCheckIn: 30 * time.Second,
		CacheTTL:    5 * time.Minute,
	}
}

// Result is the outcome of one recovery pass. Recovery reports problems
// through Reason and Error instead of returning a Go error; a stuck payment
// must never take down its caller.
type Result struct {
	Success     bool          `json:"success"`
	Reason      string        `json:"reason"`
	Status      string        `json:"status,omitempty"`
	NextCheckIn time.Duration `json:"next_check_in,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// ReconcileResult reports a one-shot comparison of local and provider state.
type ReconcileResult struct {
	ApplicationID int64  `json:"application_id"`
	IntentID      string `json:"intent_id,omitempty"`
	Status        string `json:"status"`
	Changed       bool   `json:"changed"`
	Error         string `json:"error,omitempty"`
}

// Status is the observable recovery state for an application/intent pair.
type Status struct {
	ApplicationID   int64      `json:"application_id"`
	IntentID        string     `json:"intent_id"`
	OrderStatus     string     `json:"order_status"`
	RecoveryStatus  string     `json:"recovery_status"`
	AttemptCount    int        `json:"attempt_count"`
	MaxAttempts     int        `json:"max_attempts"`
	LastAttemptTime *time.Time `json:"last_attempt_time,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
}

// Service pulls the provider's current truth for stuck payments and converges
// local state toward it. It is the pull-based complement to the webhook push
// path: either side may win, both converge to the same terminal state.
type Service struct {
	orders    orderStore
	apps      applicationStore
	attempts  attemptStore
	provider  providerAPI
	breakers  *breaker.Registry
	store     cache.Store
	publisher publisher
	metrics   *metrics.Metrics
	cfg       Config
	loggerf   func(format string, args ...interface{})

	mu       sync.Mutex
	rechecks map[string]*time.Timer
	stopped  bool
}

func NewService(
	orders orderStore,
	apps applicationStore,
	attempts attemptStore,
	p providerAPI,
	breakers *breaker.Registry,
	store cache.Store,
	pub publisher,
	m *metrics.Metrics,
	cfg Config,
	loggerf func(format string, args ...interface{}),
) *Service {
	if loggerf == nil {
		loggerf = func(string, ...interface{}) {}
	}
	if m == nil {
		m = metrics.NewNop()
	}
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseCheckIn <= 0 {
		cfg.BaseCheckIn = def.BaseCheckIn
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	return &Service{
		orders:    orders,
		apps:      apps,
		attempts:  attempts,
		provider:  p,
		breakers:  breakers,
		store:     store,
		publisher: pub,
		metrics:   m,
		cfg:       cfg,
		loggerf:   loggerf,
		rechecks:  make(map[string]*time.Timer),
	}
}

func recoveryKey(applicationID int64, intentID string) string {
	return fmt.Sprintf("recovery_%d_%s", applicationID, intentID)
}

// inProgressMarker occupies the cache slot while a pass runs; it is
// distinguishable from a serialized Result.
const inProgressMarker = "in_progress"

// AttemptPaymentRecovery runs one recovery pass for the pair. The shared
// cache deduplicates triggers across all instances: a pass in flight parks
// concurrent callers, and a completed pass leaves its result cached for
// CacheTTL so a repeat trigger returns it without contacting the provider.
func (s *Service) AttemptPaymentRecovery(ctx context.Context, applicationID int64, intentID string) *Result {
	res := s.attemptRecovery(ctx, applicationID, intentID)
	s.metrics.RecoveryAttempts.WithLabelValues(res.Reason).Inc()
	if res.NextCheckIn > 0 {
		s.scheduleRecheck(applicationID, intentID, res.NextCheckIn)
	}
	return res
}

func (s *Service) attemptRecovery(ctx context.Context, applicationID int64, intentID string) *Result {
	key := recoveryKey(applicationID, intentID)
	if cached := s.cachedResult(ctx, key); cached != nil {
		return cached
	}
	won, err := s.store.SetNX(ctx, key, inProgressMarker, s.cfg.CacheTTL)
	if err != nil {
		s.loggerf("level=warn msg=recovery dedup cache unavailable key=%s err=%v", key, err)
	} else if !won {
		return &Result{Success: false, Reason: ReasonAlreadyInProgress}
	}

	res := s.recoverOnce(ctx, applicationID, intentID)
	s.cacheResult(ctx, key, res)
	return res
}

// cachedResult returns the outcome of an earlier pass still inside its TTL,
// or an in-progress verdict when another caller holds the slot.
func (s *Service) cachedResult(ctx context.Context, key string) *Result {
	raw, ok, err := s.store.Get(ctx, key)
	if err != nil {
		s.loggerf("level=warn msg=recovery result cache read failed key=%s err=%v", key, err)
		return nil
	}
	if !ok {
		return nil
	}
	if raw == inProgressMarker {
		return &Result{Success: false, Reason: ReasonAlreadyInProgress}
	}
	var res Result
	if jerr := json.Unmarshal([]byte(raw), &res); jerr != nil {
		return nil
	}
	return &res
}

func (s *Service) cacheResult(ctx context.Context, key string, res *Result) {
	raw, err := json.Marshal(res)
	if err == nil {
		err = s.store.Set(ctx, key, string(raw), s.cfg.CacheTTL)
	}
	if err != nil {
		s.loggerf("level=warn msg=recovery result cache write failed key=%s err=%v", key, err)
		if derr := s.store.Delete(ctx, key); derr != nil {
			s.loggerf("level=warn msg=recovery dedup cache release failed key=%s err=%v", key, derr)
		}
	}
}

func (s *Service) recoverOnce(ctx context.Context, applicationID int64, intentID string) *Result {
	order, err := s.orders.GetByIntentID(ctx, intentID)
	if err != nil {
		return &Result{Success: false, Reason: ReasonRecoveryError, Error: fmt.Sprintf("load order: %v", err)}
	}
	if order.Status.IsTerminal() {
		return &Result{Success: order.Status == domain.OrderStatusSucceeded, Reason: ReasonAlreadyTerminal, Status: string(order.Status)}
	}

	attempt, err := s.attempts.GetOrCreate(ctx, applicationID, intentID)
	if err != nil {
		return &Result{Success: false, Reason: ReasonRecoveryError, Error: fmt.Sprintf("load attempts: %v", err)}
	}
	if attempt.AttemptCount >= s.cfg.MaxAttempts {
		if serr := s.attempts.SetStatus(ctx, applicationID, intentID, domain.RecoveryStatusMaxAttemptsReached, ""); serr != nil {
			s.loggerf("level=error msg=recovery status update failed application_id=%d err=%v", applicationID, serr)
		}
		s.loggerf("level=warn msg=recovery attempts exhausted application_id=%d intent_id=%s attempts=%d",
			applicationID, intentID, attempt.AttemptCount)
		return &Result{Success: false, Reason: ReasonMaxAttemptsReached}
	}

	var intent *provider.PaymentIntent
	err = s.breakers.Get(breaker.OpRecovery).Execute(ctx, func(ctx context.Context) error {
		var perr error
		intent, perr = s.provider.GetPaymentIntent(ctx, intentID)
		return perr
	})
	if err != nil {
		if errors.Is(err, breaker.ErrOpen) {
			// No provider call happened, so no attempt is consumed.
			s.metrics.BreakerTrips.WithLabelValues(breaker.OpRecovery).Inc()
			return &Result{Success: false, Reason: ReasonCircuitOpen, NextCheckIn: s.nextCheckIn(attempt.AttemptCount)}
		}
		s.recordAttempt(ctx, applicationID, intentID, domain.RecoveryStatusFailed, err.Error())
		return &Result{
			Success: false, Reason: ReasonProviderError,
			Error: err.Error(), NextCheckIn: s.nextCheckIn(attempt.AttemptCount + 1),
		}
	}

	return s.applyProviderState(ctx, applicationID, intentID, attempt.AttemptCount, intent)
}

func (s *Service) applyProviderState(ctx context.Context, applicationID int64, intentID string, priorAttempts int, intent *provider.PaymentIntent) *Result {
	switch intent.Status {
	case provider.IntentStatusSucceeded:
		changed, err := s.orders.MarkSucceededIdempotent(ctx, intentID, "")
		if err != nil {
			return &Result{Success: false, Reason: ReasonRecoveryError, Error: err.Error()}
		}
		if err := s.apps.UpdateStatus(ctx, applicationID, domain.ApplicationStatusPaymentProcessing); err != nil {
			s.loggerf("level=error msg=application advance failed application_id=%d err=%v", applicationID, err)
		}
		if changed {
			s.publishConfirmed(applicationID, intent)
		}
		s.recordAttempt(ctx, applicationID, intentID, domain.RecoveryStatusSucceeded, "")
		s.loggerf("level=info msg=recovery converged to success application_id=%d intent_id=%s", applicationID, intentID)
		return &Result{Success: true, Reason: ReasonPaymentSucceeded, Status: intent.Status}

	case provider.IntentStatusRequiresCapture:
		return s.captureIfApproved(ctx, applicationID, intentID, priorAttempts)

	case provider.IntentStatusProcessing:
		s.recordAttempt(ctx, applicationID, intentID, domain.RecoveryStatusRecovering, "")
		return &Result{
			Success: false, Reason: ReasonStillProcessing, Status: intent.Status,
			NextCheckIn: s.nextCheckIn(priorAttempts + 1),
		}

	case provider.IntentStatusCanceled:
		if _, err := s.orders.UpdateStatusIfNotTerminal(ctx, intentID, domain.OrderStatusCanceled, "canceled_at_provider", ""); err != nil {
			return &Result{Success: false, Reason: ReasonRecoveryError, Error: err.Error()}
		}
		s.recordAttempt(ctx, applicationID, intentID, domain.RecoveryStatusFailed, "canceled_at_provider")
		return &Result{Success: false, Reason: ReasonNotRecoverable, Status: intent.Status}

	default:
		// requires_payment_method, requires_action, failed: the customer
		// never completed the payment and recovery cannot finish it for them.
		if _, err := s.orders.UpdateStatusIfNotTerminal(ctx, intentID, domain.OrderStatusFailed, "unrecoverable_"+intent.Status, ""); err != nil {
			return &Result{Success: false, Reason: ReasonRecoveryError, Error: err.Error()}
		}
		s.recordAttempt(ctx, applicationID, intentID, domain.RecoveryStatusFailed, "unrecoverable_"+intent.Status)
		return &Result{Success: false, Reason: ReasonNotRecoverable, Status: intent.Status}
	}
}

func (s *Service) captureIfApproved(ctx context.Context, applicationID int64, intentID string, priorAttempts int) *Result {
	app, err := s.apps.GetByID(ctx, applicationID)
	if err != nil {
		return &Result{Success: false, Reason: ReasonRecoveryError, Error: fmt.Sprintf("load application: %v", err)}
	}
	if app.Status != domain.ApplicationStatusApproved {
		// Authorized money waits for the reviewer; nothing to recover yet.
		s.recordAttempt(ctx, applicationID, intentID, domain.RecoveryStatusRecovering, "")
		return &Result{Success: false, Reason: ReasonAwaitingApproval, Status: provider.IntentStatusRequiresCapture}
	}

	var captured *provider.PaymentIntent
	err = s.breakers.Get(breaker.OpRecovery).Execute(ctx, func(ctx context.Context) error {
		var perr error
		captured, perr = s.provider.CapturePaymentIntent(ctx, intentID)
		return perr
	})
	if err != nil {
		if errors.Is(err, breaker.ErrOpen) {
			s.metrics.BreakerTrips.WithLabelValues(breaker.OpRecovery).Inc()
			return &Result{Success: false, Reason: ReasonCircuitOpen, NextCheckIn: s.nextCheckIn(priorAttempts)}
		}
		s.recordAttempt(ctx, applicationID, intentID, domain.RecoveryStatusFailed, err.Error())
		return &Result{
			Success: false, Reason: ReasonProviderError,
			Error: err.Error(), NextCheckIn: s.nextCheckIn(priorAttempts + 1),
		}
	}

	if captured.Status == provider.IntentStatusSucceeded {
		changed, err := s.orders.MarkSucceededIdempotent(ctx, intentID, "")
		if err != nil {
			return &Result{Success: false, Reason: ReasonRecoveryError, Error: err.Error()}
		}
		if changed {
			s.publishConfirmed(applicationID, captured)
		}
		s.recordAttempt(ctx, applicationID, intentID, domain.RecoveryStatusSucceeded, "")
		s.loggerf("level=info msg=recovery captured authorized payment application_id=%d intent_id=%s", applicationID, intentID)
		return &Result{Success: true, Reason: ReasonPaymentCaptured, Status: captured.Status}
	}

	s.recordAttempt(ctx, applicationID, intentID, domain.RecoveryStatusRecovering, "")
	return &Result{
		Success: false, Reason: ReasonStillProcessing, Status: captured.Status,
		NextCheckIn: s.nextCheckIn(priorAttempts + 1),
	}
}

func (s *Service) publishConfirmed(applicationID int64, intent *provider.PaymentIntent) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish("payment_confirmed", map[string]interface{}{
		"application_id": applicationID,
		"intent_id":      intent.ID,
		"amount":         intent.Amount,
		"currency":       intent.Currency,
	})
}

func (s *Service) recordAttempt(ctx context.Context, applicationID int64, intentID string, status domain.RecoveryStatus, lastError string) {
	if _, err := s.attempts.RecordAttempt(ctx, applicationID, intentID, status, lastError); err != nil {
		s.loggerf("level=error msg=recovery attempt bookkeeping failed application_id=%d intent_id=%s err=%v",
			applicationID, intentID, err)
	}
}

// nextCheckIn doubles the base interval per consumed attempt.
func (s *Service) nextCheckIn(attempts int) time.Duration {
	d := s.cfg.BaseCheckIn
	for i := 1; i < attempts; i++ {
		d *= 2
	}
	return d
}

func (s *Service) scheduleRecheck(applicationID int64, intentID string, delay time.Duration) {
	key := recoveryKey(applicationID, intentID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if prev, ok := s.rechecks[key]; ok {
		prev.Stop()
	}
	s.rechecks[key] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.rechecks, key)
		stopped := s.stopped
		s.mu.Unlock()
		if stopped {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		// The re-check is the scheduled next contact; the previous
		// verdict must not satisfy it from the cache.
		if derr := s.store.Delete(ctx, key); derr != nil {
			s.loggerf("level=warn msg=recovery cached verdict drop failed key=%s err=%v", key, derr)
		}
		s.AttemptPaymentRecovery(ctx, applicationID, intentID)
	})
	s.loggerf("level=info msg=recovery recheck scheduled application_id=%d intent_id=%s delay=%s", applicationID, intentID, delay)
}

// PendingRechecks reports how many re-check timers are armed.
func (s *Service) PendingRechecks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rechecks)
}

// Stop cancels all pending re-check timers. The next sweep picks the stuck
// orders up again.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, t := range s.rechecks {
		t.Stop()
		delete(s.rechecks, key)
	}
	s.stopped = true
}

// ReconcilePaymentStatus compares the application's latest order with the
// provider and syncs local state. Like recovery it reports problems in the
// result instead of failing.
func (s *Service) ReconcilePaymentStatus(ctx context.Context, applicationID int64) *ReconcileResult {
	order, err := s.orders.GetLatestByApplicationID(ctx, applicationID)
	if err != nil {
		return &ReconcileResult{ApplicationID: applicationID, Status: "no_payment_order"}
	}

	var intent *provider.PaymentIntent
	err = s.breakers.Get(breaker.OpRecovery).Execute(ctx, func(ctx context.Context) error {
		var perr error
		intent, perr = s.provider.GetPaymentIntent(ctx, order.PaymentIntentID)
		return perr
	})
	if err != nil {
		if errors.Is(err, breaker.ErrOpen) {
			s.metrics.BreakerTrips.WithLabelValues(breaker.OpRecovery).Inc()
		}
		return &ReconcileResult{
			ApplicationID: applicationID, IntentID: order.PaymentIntentID,
			Status: "reconciliation_error", Error: err.Error(),
		}
	}

	changed := false
	if intent.Status == provider.IntentStatusSucceeded {
		changed, err = s.orders.MarkSucceededIdempotent(ctx, order.PaymentIntentID, "")
		if err == nil && changed {
			if aerr := s.apps.UpdateStatus(ctx, applicationID, domain.ApplicationStatusPaymentProcessing); aerr != nil {
				s.loggerf("level=error msg=application advance failed application_id=%d err=%v", applicationID, aerr)
			}
		}
	} else {
		changed, err = s.orders.UpdateStatusIfNotTerminal(ctx, order.PaymentIntentID, domain.PaymentOrderStatus(intent.Status), "", "")
	}
	if err != nil {
		return &ReconcileResult{
			ApplicationID: applicationID, IntentID: order.PaymentIntentID,
			Status: "reconciliation_error", Error: err.Error(),
		}
	}

	return &ReconcileResult{
		ApplicationID: applicationID, IntentID: order.PaymentIntentID,
		Status: intent.Status, Changed: changed,
	}
}

// GetRecoveryStatus reports the audit state for an application/intent pair.
func (s *Service) GetRecoveryStatus(ctx context.Context, applicationID int64, intentID string) (*Status, error) {
	order, err := s.orders.GetByIntentID(ctx, intentID)
	if err != nil {
		return nil, fmt.Errorf("load order %s: %w", intentID, err)
	}

	st := &Status{
		ApplicationID: applicationID,
		IntentID:      intentID,
		OrderStatus:   string(order.Status),
		MaxAttempts:   s.cfg.MaxAttempts,
	}
	attempt, err := s.attempts.Get(ctx, applicationID, intentID)
	if err != nil {
		st.RecoveryStatus = string(domain.RecoveryStatusNotAttempted)
		return st, nil
	}
	st.RecoveryStatus = string(attempt.RecoveryStatus)
	st.AttemptCount = attempt.AttemptCount
	st.LastAttemptTime = attempt.LastAttemptTime
	st.LastError = attempt.LastError
	return st, nil
}

// SweepStuck runs one recovery pass over orders that have sat in a
// non-terminal status past the cutoff. Used by the sweep command and the
// internal endpoint.
func (s *Service) SweepStuck(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	orders, err := s.orders.ListStuck(ctx, time.Now().Add(-olderThan), limit)
	if err != nil {
		return 0, fmt.Errorf("list stuck orders: %w", err)
	}
	for i := range orders {
		o := &orders[i]
		res := s.AttemptPaymentRecovery(ctx, o.ApplicationID, o.PaymentIntentID)
		s.loggerf("level=info msg=sweep recovery pass application_id=%d intent_id=%s success=%t reason=%s",
			o.ApplicationID, o.PaymentIntentID, res.Success, res.Reason)
	}
	return len(orders), nil
}
