package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"permitpay/internal/breaker"
	"permitpay/internal/domain"
	"permitpay/internal/metrics"
	"permitpay/internal/pkg/validator"
	"permitpay/internal/provider"
	"permitpay/internal/repository"
)

type Config struct {
	DefaultCurrency      string
	VelocityCheckEnabled bool
}

// Service creates provider customers and payment intents on behalf of permit
// applications. Every provider call is deterministic-idempotent and runs
// under the circuit breaker of its operation class.
type Service struct {
	provider providerAPI
	apps     applicationStore
	orders   orderWriter
	breakers *breaker.Registry
	velocity velocityChecker
	limiter  rateLimiter
	metrics  *metrics.Metrics
	cfg      Config
	loggerf  func(format string, args ...interface{})
}

func NewService(
	p providerAPI,
	apps applicationStore,
	orders orderWriter,
	breakers *breaker.Registry,
	velocity velocityChecker,
	limiter rateLimiter,
	m *metrics.Metrics,
	cfg Config,
	loggerf func(format string, args ...interface{}),
) *Service {
	if loggerf == nil {
		loggerf = func(string, ...interface{}) {}
	}
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = "mxn"
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Service{
		provider: p,
		apps:     apps,
		orders:   orders,
		breakers: breakers,
		velocity: velocity,
		limiter:  limiter,
		metrics:  m,
		cfg:      cfg,
		loggerf:  loggerf,
	}
}

// customerIdempotencyKey is derived from the email alone, so retried creates
// for the same applicant always carry the same key.
func customerIdempotencyKey(email string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(email))))
	return "cust_" + hex.EncodeToString(sum[:])[:24]
}

// paymentIdempotencyKey is derived from the application, customer and method.
// A retried create for the same triple hits the provider's idempotency layer
// instead of producing a second charge.
func paymentIdempotencyKey(applicationID int64, customerID string, method domain.PaymentMethod) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%s|%s", applicationID, customerID, method)))
	return "pay_" + hex.EncodeToString(sum[:])[:32]
}

// EnsureCustomer returns the provider customer for the applicant, looking up
// by email first and creating only when absent. A lost create race resolves
// by re-querying.
func (s *Service) EnsureCustomer(ctx context.Context, req CustomerRequest) (*provider.Customer, error) {
	if violations := validator.Validate(req); violations != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, violations)
	}

	var cust *provider.Customer
	err := s.breakers.Get(breaker.OpCustomerOperations).Execute(ctx, func(ctx context.Context) error {
		existing, err := s.provider.FindCustomerByEmail(ctx, req.Email)
		if err != nil {
			return err
		}
		if existing != nil {
			cust = existing
			return nil
		}
		created, err := s.provider.CreateCustomer(ctx, provider.CustomerParams{
			Name:  req.Name,
			Email: req.Email,
			Phone: req.Phone,
		}, customerIdempotencyKey(req.Email))
		if err == nil {
			cust = created
			return nil
		}
		var perr *provider.Error
		if errors.As(err, &perr) && perr.IsAlreadyExists() {
			// Someone else won the create; the customer exists now.
			existing, qerr := s.provider.FindCustomerByEmail(ctx, req.Email)
			if qerr != nil {
				return qerr
			}
			if existing == nil {
				return err
			}
			cust = existing
			return nil
		}
		return err
	})
	if err != nil {
		if errors.Is(err, breaker.ErrOpen) {
			s.metrics.BreakerTrips.WithLabelValues(breaker.OpCustomerOperations).Inc()
		}
		return nil, err
	}
	return cust, nil
}

// CreateCardPayment creates a card payment intent for the application.
func (s *Service) CreateCardPayment(ctx context.Context, req PaymentRequest) (*PaymentIntentResult, error) {
	return s.createPayment(ctx, req, domain.PaymentMethodCard)
}

// CreateOxxoPayment creates an OXXO cash voucher intent for the application.
func (s *Service) CreateOxxoPayment(ctx context.Context, req PaymentRequest) (*PaymentIntentResult, error) {
	return s.createPayment(ctx, req, domain.PaymentMethodOxxo)
}

func (s *Service) createPayment(ctx context.Context, req PaymentRequest, method domain.PaymentMethod) (*PaymentIntentResult, error) {
	if violations := validator.Validate(req); violations != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, violations)
	}
	currency := req.Currency
	if currency == "" {
		currency = s.cfg.DefaultCurrency
	}

	app, err := s.apps.GetByID(ctx, req.ApplicationID)
	if err != nil {
		return nil, fmt.Errorf("load application %d: %w", req.ApplicationID, err)
	}

	if s.limiter != nil {
		ok, retryAfter, err := s.limiter.Allow(ctx, app.ApplicantEmail, app.ID)
		if err == nil && !ok {
			s.metrics.RateLimitRejects.Inc()
			s.loggerf("level=warn msg=payment rate limited application_id=%d retry_after=%s", app.ID, retryAfter)
			return nil, ErrRateLimited
		}
	}

	// Velocity screening runs before any provider traffic; a vetoed
	// attempt must not create a customer or an intent.
	if s.cfg.VelocityCheckEnabled && s.velocity != nil {
		verdict, verr := s.velocity.Check(ctx, VelocityInput{
			ApplicationID:   app.ID,
			Email:           app.ApplicantEmail,
			IP:              req.UserIP,
			CardFingerprint: req.CardFingerprint,
			Amount:          req.Amount,
		})
		if verr != nil {
			s.loggerf("level=warn msg=velocity check error application_id=%d err=%v", app.ID, verr)
		} else if !verdict.Allowed {
			s.recordVelocityRejection(ctx, app.ID, req, method, verdict)
			return nil, &SecurityRejection{RiskScore: verdict.RiskScore, Violations: verdict.Violations}
		}
	}

	customerID, err := s.ensureCustomerForApplication(ctx, app)
	if err != nil {
		return nil, err
	}

	// A same-method retry replays the provider's idempotent intent, but a
	// different method against an open order would carry a fresh
	// idempotency key and orphan the intent it creates. Refuse it before
	// the provider call.
	if latest, lerr := s.orders.GetLatestByApplicationID(ctx, app.ID); lerr == nil &&
		latest != nil && !latest.Status.IsTerminal() && latest.Method != method {
		return nil, repository.ErrOpenOrderExists
	}

	s.metrics.PaymentAttempts.WithLabelValues(string(method)).Inc()

	params := provider.PaymentIntentParams{
		Amount:      req.Amount,
		Currency:    currency,
		CustomerID:  customerID,
		MethodTypes: []string{string(method)},
		Description: req.Description,
		Metadata: map[string]string{
			"application_id": strconv.FormatInt(app.ID, 10),
			"folio":          app.Folio,
		},
	}
	key := paymentIdempotencyKey(app.ID, customerID, method)

	var intent *provider.PaymentIntent
	start := time.Now()
	err = s.breakers.Get(breakerClass(method)).Execute(ctx, func(ctx context.Context) error {
		var perr error
		intent, perr = s.provider.CreatePaymentIntent(ctx, params, key)
		return perr
	})
	s.metrics.PaymentLatency.WithLabelValues(string(method)).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, s.paymentFailure(method, err)
	}

	order := &domain.PaymentOrder{
		ApplicationID:   app.ID,
		PaymentIntentID: intent.ID,
		Amount:          intent.Amount,
		Currency:        intent.Currency,
		Method:          method,
		Status:          domain.PaymentOrderStatus(intent.Status),
		IdempotencyKey:  key,
	}
	if err := s.orders.CreateIfNoOpenOrder(ctx, order); err != nil {
		if errors.Is(err, repository.ErrOpenOrderExists) {
			latest, lerr := s.orders.GetLatestByApplicationID(ctx, app.ID)
			if lerr == nil && latest != nil && latest.PaymentIntentID == intent.ID {
				// Idempotent replay of an earlier create; same intent, same order.
				s.loggerf("level=info msg=payment create replayed application_id=%d intent_id=%s", app.ID, intent.ID)
				return resultFromIntent(intent, method), nil
			}
			return nil, err
		}
		return nil, err
	}

	s.metrics.PaymentSuccesses.WithLabelValues(string(method)).Inc()
	s.loggerf("level=info msg=payment intent created application_id=%d intent_id=%s method=%s status=%s",
		app.ID, intent.ID, method, intent.Status)
	return resultFromIntent(intent, method), nil
}

func (s *Service) ensureCustomerForApplication(ctx context.Context, app *domain.PermitApplication) (string, error) {
	if app.ProviderCustomerID != "" {
		return app.ProviderCustomerID, nil
	}
	cust, err := s.EnsureCustomer(ctx, CustomerRequest{
		Name:  app.ApplicantName,
		Email: app.ApplicantEmail,
		Phone: app.ApplicantPhone,
	})
	if err != nil {
		return "", err
	}
	if err := s.apps.SetProviderCustomerID(ctx, app.ID, cust.ID); err != nil {
		s.loggerf("level=error msg=save provider customer id failed application_id=%d err=%v", app.ID, err)
	}
	return cust.ID, nil
}

// recordVelocityRejection keeps an auditable failed order for the vetoed
// attempt. The synthetic intent id keeps the unique index satisfied.
func (s *Service) recordVelocityRejection(ctx context.Context, applicationID int64, req PaymentRequest, method domain.PaymentMethod, verdict *VelocityVerdict) {
	s.metrics.VelocityRejects.Inc()
	s.metrics.PaymentFailures.WithLabelValues(string(method), "velocity_check_failed").Inc()
	s.loggerf("level=warn msg=payment vetoed by velocity screening application_id=%d score=%d violations=%s",
		applicationID, verdict.RiskScore, strings.Join(verdict.Violations, ","))

	order := &domain.PaymentOrder{
		ApplicationID:   applicationID,
		PaymentIntentID: "vrej_" + uuid.NewString(),
		Amount:          req.Amount,
		Currency:        s.cfg.DefaultCurrency,
		Method:          method,
		Status:          domain.OrderStatusFailed,
		FailureReason:   "velocity_check_failed",
	}
	if err := s.orders.CreateIfNoOpenOrder(ctx, order); err != nil && !errors.Is(err, repository.ErrOpenOrderExists) {
		s.loggerf("level=error msg=record velocity rejection failed application_id=%d err=%v", applicationID, err)
	}
}

func (s *Service) paymentFailure(method domain.PaymentMethod, err error) error {
	if errors.Is(err, breaker.ErrOpen) {
		s.metrics.BreakerTrips.WithLabelValues(breakerClass(method)).Inc()
		s.metrics.PaymentFailures.WithLabelValues(string(method), "circuit_open").Inc()
		return err
	}
	var perr *provider.Error
	if errors.As(err, &perr) {
		code := perr.DeclineCode
		if code == "" {
			code = perr.Code
		}
		s.metrics.PaymentFailures.WithLabelValues(string(method), code).Inc()
		return &PaymentError{Code: code, Message: userMessageForCode(code), Err: err}
	}
	s.metrics.PaymentFailures.WithLabelValues(string(method), "provider_unreachable").Inc()
	return fmt.Errorf("create payment intent: %w", err)
}

// RetrievePaymentIntent fetches the current provider state of an intent,
// under the breaker of the order's payment method.
func (s *Service) RetrievePaymentIntent(ctx context.Context, intentID string) (*PaymentIntentResult, error) {
	return s.intentOp(ctx, intentID, s.provider.GetPaymentIntent)
}

// ConfirmPaymentIntent asks the provider to confirm the intent and records
// the resulting status locally.
func (s *Service) ConfirmPaymentIntent(ctx context.Context, intentID string) (*PaymentIntentResult, error) {
	return s.intentOp(ctx, intentID, s.provider.ConfirmPaymentIntent)
}

// CapturePaymentIntent captures an authorized intent and records the
// resulting status locally.
func (s *Service) CapturePaymentIntent(ctx context.Context, intentID string) (*PaymentIntentResult, error) {
	return s.intentOp(ctx, intentID, s.provider.CapturePaymentIntent)
}

func (s *Service) intentOp(ctx context.Context, intentID string, op func(context.Context, string) (*provider.PaymentIntent, error)) (*PaymentIntentResult, error) {
	if intentID == "" {
		return nil, fmt.Errorf("%w: intent id is required", ErrValidation)
	}
	order, err := s.orders.GetByIntentID(ctx, intentID)
	if err != nil {
		return nil, fmt.Errorf("load order for %s: %w", intentID, err)
	}

	var intent *provider.PaymentIntent
	class := breakerClass(order.Method)
	err = s.breakers.Get(class).Execute(ctx, func(ctx context.Context) error {
		var perr error
		intent, perr = op(ctx, intentID)
		return perr
	})
	if err != nil {
		if errors.Is(err, breaker.ErrOpen) {
			s.metrics.BreakerTrips.WithLabelValues(class).Inc()
		}
		return nil, err
	}

	if _, uerr := s.orders.UpdateStatusIfNotTerminal(ctx, intentID, domain.PaymentOrderStatus(intent.Status), "", ""); uerr != nil {
		s.loggerf("level=error msg=order status sync failed intent_id=%s err=%v", intentID, uerr)
	}
	return resultFromIntent(intent, order.Method), nil
}

func breakerClass(method domain.PaymentMethod) string {
	if method == domain.PaymentMethodOxxo {
		return breaker.OpOxxoPayment
	}
	return breaker.OpCardPayment
}

func resultFromIntent(in *provider.PaymentIntent, method domain.PaymentMethod) *PaymentIntentResult {
	return &PaymentIntentResult{
		IntentID:     in.ID,
		Status:       in.Status,
		Amount:       in.Amount,
		Currency:     in.Currency,
		Method:       string(method),
		ClientSecret: in.ClientSecret,
		VoucherURL:   in.VoucherURL,
	}
}
