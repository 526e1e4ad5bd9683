package recovery

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"permitpay/internal/breaker"
	"permitpay/internal/cache"
	"permitpay/internal/database"
	"permitpay/internal/domain"
	"permitpay/internal/metrics"
	"permitpay/internal/provider"
	"permitpay/internal/repository"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Publish(eventType string, payload interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, eventType)
}

func (p *recordingPublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

type mockProvider struct {
	getIntentFn  func(ctx context.Context, id string) (*provider.PaymentIntent, error)
	captureFn    func(ctx context.Context, id string) (*provider.PaymentIntent, error)
	getCalls     int
	captureCalls int
}

func (m *mockProvider) GetPaymentIntent(ctx context.Context, id string) (*provider.PaymentIntent, error) {
	m.getCalls++
	return m.getIntentFn(ctx, id)
}

func (m *mockProvider) CapturePaymentIntent(ctx context.Context, id string) (*provider.PaymentIntent, error) {
	m.captureCalls++
	return m.captureFn(ctx, id)
}

type fixture struct {
	db       *gorm.DB
	orders   *repository.PaymentOrderRepository
	apps     *repository.ApplicationRepository
	attempts *repository.RecoveryAttemptRepository
	provider  *mockProvider
	store     cache.Store
	breakers  *breaker.Registry
	publisher *recordingPublisher
	service   *Service
}

func newFixture(t *testing.T, p *mockProvider, breakerCfg breaker.Config) *fixture {
	t.Helper()
	db, err := database.Connect(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	f := &fixture{
		db:        db,
		orders:    repository.NewPaymentOrderRepository(db),
		apps:      repository.NewApplicationRepository(db),
		attempts:  repository.NewRecoveryAttemptRepository(db),
		provider:  p,
		store:     cache.NewMemoryStore(),
		breakers:  breaker.NewRegistry(breakerCfg),
		publisher: &recordingPublisher{},
	}
	f.service = NewService(
		f.orders, f.apps, f.attempts, f.provider, f.breakers, f.store, f.publisher,
		metrics.NewNop(),
		Config{MaxAttempts: 3, BaseCheckIn: time.Hour, CacheTTL: 5 * time.Minute},
		nil,
	)
	t.Cleanup(f.service.Stop)
	return f
}

func (f *fixture) seed(t *testing.T, appID int64, intentID string, appStatus domain.ApplicationStatus) {
	t.Helper()
	require.NoError(t, f.db.Create(&domain.PermitApplication{
		ID:             appID,
		Folio:          intentID + "-folio",
		ApplicantName:  "Juan Pérez",
		ApplicantEmail: intentID + "@example.mx",
		PlateNumber:    "XYZ-9876",
		Status:         appStatus,
	}).Error)
	require.NoError(t, f.orders.CreateIfNoOpenOrder(context.Background(), &domain.PaymentOrder{
		ApplicationID:   appID,
		PaymentIntentID: intentID,
		Amount:          45000,
		Currency:        "mxn",
		Method:          domain.PaymentMethodCard,
		Status:          domain.OrderStatusProcessing,
	}))
}

func TestAttemptRecovery_ConvergesToSuccess(t *testing.T) {
	p := &mockProvider{getIntentFn: func(ctx context.Context, id string) (*provider.PaymentIntent, error) {
		return &provider.PaymentIntent{ID: id, Status: provider.IntentStatusSucceeded}, nil
	}}
	f := newFixture(t, p, breaker.DefaultConfig())
	f.seed(t, 1, "pi_1", domain.ApplicationStatusPaymentProcessing)
	ctx := context.Background()

	res := f.service.AttemptPaymentRecovery(ctx, 1, "pi_1")
	assert.True(t, res.Success)
	assert.Equal(t, ReasonPaymentSucceeded, res.Reason)

	order, err := f.orders.GetByIntentID(ctx, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusSucceeded, order.Status)

	app, err := f.apps.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.ApplicationStatusPaymentProcessing, app.Status)

	ra, err := f.attempts.Get(ctx, 1, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, domain.RecoveryStatusSucceeded, ra.RecoveryStatus)
	assert.Equal(t, 1, ra.AttemptCount)
	assert.Equal(t, []string{"payment_confirmed"}, f.publisher.published())
}

func TestAttemptRecovery_RepeatTriggerServedFromCache(t *testing.T) {
	p := &mockProvider{getIntentFn: func(ctx context.Context, id string) (*provider.PaymentIntent, error) {
		return &provider.PaymentIntent{ID: id, Status: provider.IntentStatusProcessing}, nil
	}}
	f := newFixture(t, p, breaker.DefaultConfig())
	f.seed(t, 14, "pi_14", domain.ApplicationStatusPaymentProcessing)
	ctx := context.Background()

	res := f.service.AttemptPaymentRecovery(ctx, 14, "pi_14")
	assert.Equal(t, ReasonStillProcessing, res.Reason)
	require.Equal(t, 1, p.getCalls)

	// A repeat trigger inside the TTL replays the stored verdict without
	// contacting the provider or consuming an attempt.
	res = f.service.AttemptPaymentRecovery(ctx, 14, "pi_14")
	assert.Equal(t, ReasonStillProcessing, res.Reason)
	assert.Equal(t, 1, p.getCalls)

	ra, err := f.attempts.Get(ctx, 14, "pi_14")
	require.NoError(t, err)
	assert.Equal(t, 1, ra.AttemptCount)
}

func TestAttemptRecovery_CapturesWhenApplicationApproved(t *testing.T) {
	p := &mockProvider{
		getIntentFn: func(ctx context.Context, id string) (*provider.PaymentIntent, error) {
			return &provider.PaymentIntent{ID: id, Status: provider.IntentStatusRequiresCapture}, nil
		},
		captureFn: func(ctx context.Context, id string) (*provider.PaymentIntent, error) {
			return &provider.PaymentIntent{ID: id, Status: provider.IntentStatusSucceeded}, nil
		},
	}
	f := newFixture(t, p, breaker.DefaultConfig())
	f.seed(t, 2, "pi_2", domain.ApplicationStatusApproved)

	res := f.service.AttemptPaymentRecovery(context.Background(), 2, "pi_2")
	assert.True(t, res.Success)
	assert.Equal(t, ReasonPaymentCaptured, res.Reason)
	assert.Equal(t, 1, p.captureCalls)

	order, err := f.orders.GetByIntentID(context.Background(), "pi_2")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusSucceeded, order.Status)
	assert.Equal(t, []string{"payment_confirmed"}, f.publisher.published())
}

func TestAttemptRecovery_HoldsCaptureUntilApproval(t *testing.T) {
	p := &mockProvider{getIntentFn: func(ctx context.Context, id string) (*provider.PaymentIntent, error) {
		return &provider.PaymentIntent{ID: id, Status: provider.IntentStatusRequiresCapture}, nil
	}}
	f := newFixture(t, p, breaker.DefaultConfig())
	f.seed(t, 3, "pi_3", domain.ApplicationStatusSubmitted)

	res := f.service.AttemptPaymentRecovery(context.Background(), 3, "pi_3")
	assert.False(t, res.Success)
	assert.Equal(t, ReasonAwaitingApproval, res.Reason)
	assert.Zero(t, p.captureCalls)
}

func TestAttemptRecovery_ProcessingSchedulesRecheckWithBackoff(t *testing.T) {
	p := &mockProvider{getIntentFn: func(ctx context.Context, id string) (*provider.PaymentIntent, error) {
		return &provider.PaymentIntent{ID: id, Status: provider.IntentStatusProcessing}, nil
	}}
	f := newFixture(t, p, breaker.DefaultConfig())
	f.seed(t, 4, "pi_4", domain.ApplicationStatusPaymentProcessing)
	ctx := context.Background()

	res := f.service.AttemptPaymentRecovery(ctx, 4, "pi_4")
	assert.Equal(t, ReasonStillProcessing, res.Reason)
	assert.Equal(t, time.Hour, res.NextCheckIn)
	assert.Equal(t, 1, f.service.PendingRechecks())

	// Drop the cached verdict so the second pass reaches the provider,
	// the way an expired scheduled re-check would.
	require.NoError(t, f.store.Delete(ctx, recoveryKey(4, "pi_4")))

	// The second pass doubles the check-in interval.
	res = f.service.AttemptPaymentRecovery(ctx, 4, "pi_4")
	assert.Equal(t, 2*time.Hour, res.NextCheckIn)
	assert.Equal(t, 1, f.service.PendingRechecks(), "recheck timers replace, not stack")

	f.service.Stop()
	assert.Zero(t, f.service.PendingRechecks())
}

func TestAttemptRecovery_AbandonedPaymentIsNotRecoverable(t *testing.T) {
	p := &mockProvider{getIntentFn: func(ctx context.Context, id string) (*provider.PaymentIntent, error) {
		return &provider.PaymentIntent{ID: id, Status: provider.IntentStatusRequiresPaymentMethod}, nil
	}}
	f := newFixture(t, p, breaker.DefaultConfig())
	f.seed(t, 5, "pi_5", domain.ApplicationStatusAwaitingPayment)
	ctx := context.Background()

	res := f.service.AttemptPaymentRecovery(ctx, 5, "pi_5")
	assert.False(t, res.Success)
	assert.Equal(t, ReasonNotRecoverable, res.Reason)

	order, err := f.orders.GetByIntentID(ctx, "pi_5")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFailed, order.Status)
	assert.Equal(t, "unrecoverable_requires_payment_method", order.FailureReason)
}

func TestAttemptRecovery_MaxAttemptsReached(t *testing.T) {
	p := &mockProvider{getIntentFn: func(ctx context.Context, id string) (*provider.PaymentIntent, error) {
		return nil, errors.New("gateway timeout")
	}}
	f := newFixture(t, p, breaker.Config{FailureThreshold: 100, Cooldown: time.Minute})
	f.seed(t, 6, "pi_6", domain.ApplicationStatusPaymentProcessing)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res := f.service.AttemptPaymentRecovery(ctx, 6, "pi_6")
		assert.Equal(t, ReasonProviderError, res.Reason)
		require.NoError(t, f.store.Delete(ctx, recoveryKey(6, "pi_6")))
	}

	res := f.service.AttemptPaymentRecovery(ctx, 6, "pi_6")
	assert.Equal(t, ReasonMaxAttemptsReached, res.Reason)
	assert.Equal(t, 3, p.getCalls, "exhausted pair must not reach the provider again")

	ra, err := f.attempts.Get(ctx, 6, "pi_6")
	require.NoError(t, err)
	assert.Equal(t, domain.RecoveryStatusMaxAttemptsReached, ra.RecoveryStatus)
	assert.Equal(t, 3, ra.AttemptCount)
}

func TestAttemptRecovery_ConcurrentPassIsDeduplicated(t *testing.T) {
	p := &mockProvider{getIntentFn: func(ctx context.Context, id string) (*provider.PaymentIntent, error) {
		return &provider.PaymentIntent{ID: id, Status: provider.IntentStatusSucceeded}, nil
	}}
	f := newFixture(t, p, breaker.DefaultConfig())
	f.seed(t, 7, "pi_7", domain.ApplicationStatusPaymentProcessing)
	ctx := context.Background()

	won, err := f.store.SetNX(ctx, "recovery_7_pi_7", inProgressMarker, time.Minute)
	require.NoError(t, err)
	require.True(t, won)

	res := f.service.AttemptPaymentRecovery(ctx, 7, "pi_7")
	assert.False(t, res.Success)
	assert.Equal(t, ReasonAlreadyInProgress, res.Reason)
	assert.Zero(t, p.getCalls)
}

func TestAttemptRecovery_OpenBreakerConsumesNoAttempt(t *testing.T) {
	p := &mockProvider{getIntentFn: func(ctx context.Context, id string) (*provider.PaymentIntent, error) {
		return nil, errors.New("connection refused")
	}}
	f := newFixture(t, p, breaker.Config{FailureThreshold: 1, Cooldown: time.Hour})
	f.seed(t, 8, "pi_8", domain.ApplicationStatusPaymentProcessing)
	ctx := context.Background()

	res := f.service.AttemptPaymentRecovery(ctx, 8, "pi_8")
	assert.Equal(t, ReasonProviderError, res.Reason)
	require.NoError(t, f.store.Delete(ctx, recoveryKey(8, "pi_8")))

	res = f.service.AttemptPaymentRecovery(ctx, 8, "pi_8")
	assert.Equal(t, ReasonCircuitOpen, res.Reason)
	assert.Equal(t, 1, p.getCalls)

	ra, err := f.attempts.Get(ctx, 8, "pi_8")
	require.NoError(t, err)
	assert.Equal(t, 1, ra.AttemptCount, "a short-circuited pass must not consume an attempt")
}

func TestAttemptRecovery_TerminalOrderShortCircuits(t *testing.T) {
	p := &mockProvider{}
	f := newFixture(t, p, breaker.DefaultConfig())
	f.seed(t, 9, "pi_9", domain.ApplicationStatusPaymentProcessing)
	ctx := context.Background()

	_, err := f.orders.MarkSucceededIdempotent(ctx, "pi_9", "")
	require.NoError(t, err)

	res := f.service.AttemptPaymentRecovery(ctx, 9, "pi_9")
	assert.True(t, res.Success)
	assert.Equal(t, ReasonAlreadyTerminal, res.Reason)
	assert.Zero(t, p.getCalls)
	assert.Empty(t, f.publisher.published(), "an order confirmed elsewhere must not be announced again")
}

func TestReconcile_NoPaymentOrder(t *testing.T) {
	f := newFixture(t, &mockProvider{}, breaker.DefaultConfig())

	res := f.service.ReconcilePaymentStatus(context.Background(), 404)
	assert.Equal(t, "no_payment_order", res.Status)
}

func TestReconcile_SyncsProviderState(t *testing.T) {
	p := &mockProvider{getIntentFn: func(ctx context.Context, id string) (*provider.PaymentIntent, error) {
		return &provider.PaymentIntent{ID: id, Status: provider.IntentStatusSucceeded}, nil
	}}
	f := newFixture(t, p, breaker.DefaultConfig())
	f.seed(t, 10, "pi_10", domain.ApplicationStatusPaymentProcessing)
	ctx := context.Background()

	res := f.service.ReconcilePaymentStatus(ctx, 10)
	assert.Equal(t, "succeeded", res.Status)
	assert.True(t, res.Changed)

	// Second reconcile observes the same state and changes nothing.
	res = f.service.ReconcilePaymentStatus(ctx, 10)
	assert.Equal(t, "succeeded", res.Status)
	assert.False(t, res.Changed)
}

func TestReconcile_ProviderErrorIsReported(t *testing.T) {
	p := &mockProvider{getIntentFn: func(ctx context.Context, id string) (*provider.PaymentIntent, error) {
		return nil, errors.New("gateway timeout")
	}}
	f := newFixture(t, p, breaker.DefaultConfig())
	f.seed(t, 11, "pi_11", domain.ApplicationStatusPaymentProcessing)

	res := f.service.ReconcilePaymentStatus(context.Background(), 11)
	assert.Equal(t, "reconciliation_error", res.Status)
	assert.Contains(t, res.Error, "gateway timeout")
}

func TestSweepStuck_RunsRecoveryPerOrder(t *testing.T) {
	p := &mockProvider{getIntentFn: func(ctx context.Context, id string) (*provider.PaymentIntent, error) {
		return &provider.PaymentIntent{ID: id, Status: provider.IntentStatusSucceeded}, nil
	}}
	f := newFixture(t, p, breaker.DefaultConfig())
	f.seed(t, 12, "pi_12", domain.ApplicationStatusPaymentProcessing)
	ctx := context.Background()

	n, err := f.service.SweepStuck(ctx, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, p.getCalls)

	order, err := f.orders.GetByIntentID(ctx, "pi_12")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusSucceeded, order.Status)
}

func TestRecoveryStatus_Reporting(t *testing.T) {
	p := &mockProvider{getIntentFn: func(ctx context.Context, id string) (*provider.PaymentIntent, error) {
		return &provider.PaymentIntent{ID: id, Status: provider.IntentStatusProcessing}, nil
	}}
	f := newFixture(t, p, breaker.DefaultConfig())
	f.seed(t, 13, "pi_13", domain.ApplicationStatusPaymentProcessing)
	ctx := context.Background()

	st, err := f.service.GetRecoveryStatus(ctx, 13, "pi_13")
	require.NoError(t, err)
	assert.Equal(t, string(domain.RecoveryStatusNotAttempted), st.RecoveryStatus)
	assert.Zero(t, st.AttemptCount)

	f.service.AttemptPaymentRecovery(ctx, 13, "pi_13")

	st, err = f.service.GetRecoveryStatus(ctx, 13, "pi_13")
	require.NoError(t, err)
	assert.Equal(t, string(domain.RecoveryStatusRecovering), st.RecoveryStatus)
	assert.Equal(t, 1, st.AttemptCount)
	assert.Equal(t, 3, st.MaxAttempts)
}
