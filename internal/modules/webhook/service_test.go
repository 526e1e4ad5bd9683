package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"permitpay/internal/alert"
	"permitpay/internal/breaker"
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

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (a *recordingAlerter) Send(_ context.Context, al alert.Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, al)
	return nil
}

func (a *recordingAlerter) sent() []alert.Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]alert.Alert(nil), a.alerts...)
}

type fixture struct {
	db        *gorm.DB
	events    *repository.WebhookEventRepository
	orders    *repository.PaymentOrderRepository
	apps      *repository.ApplicationRepository
	service   *Service
	scheduler *Scheduler
	publisher *recordingPublisher
	alerter   *recordingAlerter
}

func newFixture(t *testing.T, cfg SchedulerConfig) *fixture {
	t.Helper()
	db, err := database.Connect(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	f := &fixture{
		db:        db,
		events:    repository.NewWebhookEventRepository(db),
		orders:    repository.NewPaymentOrderRepository(db),
		apps:      repository.NewApplicationRepository(db),
		publisher: &recordingPublisher{},
		alerter:   &recordingAlerter{},
	}
	f.scheduler = NewScheduler(f.events, f.alerter, metrics.NewNop(), cfg, nil)
	f.service = NewService(
		f.events, f.orders, f.apps,
		breaker.NewRegistry(breaker.Config{FailureThreshold: 100, Cooldown: time.Minute}),
		f.scheduler, f.publisher, metrics.NewNop(), nil,
	)
	t.Cleanup(f.scheduler.ClearAllRetries)
	return f
}

func (f *fixture) seedApplicationAndOrder(t *testing.T, appID int64, intentID string) {
	t.Helper()
	require.NoError(t, f.db.Create(&domain.PermitApplication{
		ID:             appID,
		Folio:          fmt.Sprintf("PRM-%06d", appID),
		ApplicantName:  "María López",
		ApplicantEmail: fmt.Sprintf("a%d@example.mx", appID),
		PlateNumber:    "ABC-1234",
		Status:         domain.ApplicationStatusAwaitingPayment,
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

func intentEvent(eventID, eventType, intentID string, appID int64, status string) *provider.Event {
	data, _ := json.Marshal(map[string]interface{}{
		"object": map[string]interface{}{
			"id":       intentID,
			"status":   status,
			"amount":   45000,
			"currency": "mxn",
			"metadata": map[string]string{"application_id": fmt.Sprintf("%d", appID)},
		},
	})
	return &provider.Event{ID: eventID, Type: eventType, Created: time.Now().Unix(), Data: data}
}

func TestHandleEvent_SucceededAdvancesOrderAndApplication(t *testing.T) {
	f := newFixture(t, DefaultSchedulerConfig())
	f.seedApplicationAndOrder(t, 1, "pi_1")
	ctx := context.Background()

	ev := intentEvent("evt_1", EventPaymentSucceeded, "pi_1", 1, "succeeded")
	require.NoError(t, f.service.HandleEvent(ctx, ev, []byte(`{"id":"evt_1"}`)))

	order, err := f.orders.GetByIntentID(ctx, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusSucceeded, order.Status)
	assert.NotNil(t, order.SucceededAt)

	app, err := f.apps.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.ApplicationStatusPaymentProcessing, app.Status)

	stored, err := f.events.GetByEventID(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookStatusProcessed, stored.ProcessingStatus)
	assert.Equal(t, []string{"payment_confirmed"}, f.publisher.published())
}

func TestHandleEvent_DuplicateDeliveryIsIgnored(t *testing.T) {
	f := newFixture(t, DefaultSchedulerConfig())
	f.seedApplicationAndOrder(t, 2, "pi_2")
	ctx := context.Background()

	ev := intentEvent("evt_dup", EventPaymentSucceeded, "pi_2", 2, "succeeded")
	require.NoError(t, f.service.HandleEvent(ctx, ev, []byte("{}")))
	require.NoError(t, f.service.HandleEvent(ctx, ev, []byte("{}")))

	assert.Len(t, f.publisher.published(), 1)
}

func TestHandleEvent_FailureIsTerminalButNotAfterSuccess(t *testing.T) {
	f := newFixture(t, DefaultSchedulerConfig())
	f.seedApplicationAndOrder(t, 3, "pi_3")
	ctx := context.Background()

	require.NoError(t, f.service.HandleEvent(ctx,
		intentEvent("evt_s", EventPaymentSucceeded, "pi_3", 3, "succeeded"), []byte("{}")))

	// A late failure event must not overwrite the terminal success.
	require.NoError(t, f.service.HandleEvent(ctx,
		intentEvent("evt_f", EventPaymentFailed, "pi_3", 3, "failed"), []byte("{}")))

	order, err := f.orders.GetByIntentID(ctx, "pi_3")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusSucceeded, order.Status)
}

func TestHandleEvent_UnknownTypeIsAcknowledged(t *testing.T) {
	f := newFixture(t, DefaultSchedulerConfig())
	ctx := context.Background()

	ev := &provider.Event{ID: "evt_u", Type: "charge.refund.updated", Data: []byte(`{"object":{}}`)}
	require.NoError(t, f.service.HandleEvent(ctx, ev, []byte("{}")))

	stored, err := f.events.GetByEventID(ctx, "evt_u")
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookStatusProcessed, stored.ProcessingStatus)
}

func TestHandleEvent_ProcessingFailureSchedulesRetry(t *testing.T) {
	cfg := DefaultSchedulerConfig()
	cfg.Delays = []time.Duration{time.Hour}
	f := newFixture(t, cfg)
	ctx := context.Background()

	// No payment order exists for this intent, so processing fails.
	ev := intentEvent("evt_orphan", EventPaymentSucceeded, "pi_missing", 9, "succeeded")
	require.NoError(t, f.service.HandleEvent(ctx, ev, []byte("{}")))

	stored, err := f.events.GetByEventID(ctx, "evt_orphan")
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookStatusFailed, stored.ProcessingStatus)
	assert.Equal(t, 1, stored.RetryCount)

	stats := f.scheduler.GetRetryStats()
	assert.Equal(t, 1, stats.PendingRetries)
}

func TestScheduler_RetrySucceedsAfterTransientFailures(t *testing.T) {
	cfg := SchedulerConfig{MaxRetries: 3, Delays: []time.Duration{10 * time.Millisecond}, AttemptTimeout: 5 * time.Second}
	f := newFixture(t, cfg)
	ctx := context.Background()

	_, err := f.events.InsertIfNew(ctx, &domain.WebhookEvent{
		EventID: "evt_r", Type: EventPaymentSucceeded, Payload: "{}",
		ProcessingStatus: domain.WebhookStatusFailed,
	})
	require.NoError(t, err)

	var mu sync.Mutex
	failures := 2
	f.scheduler.SetProcessor(func(ctx context.Context, ev *domain.WebhookEvent) error {
		mu.Lock()
		defer mu.Unlock()
		if failures > 0 {
			failures--
			return fmt.Errorf("transient store error")
		}
		return nil
	})

	f.scheduler.ScheduleRetry("evt_r", 1)

	require.Eventually(t, func() bool {
		ev, err := f.events.GetByEventID(ctx, "evt_r")
		return err == nil && ev.ProcessingStatus == domain.WebhookStatusProcessed
	}, 3*time.Second, 10*time.Millisecond)

	assert.Empty(t, f.alerter.sent())
}

func TestScheduler_MaxRetriesParksEventWithOneAlert(t *testing.T) {
	cfg := SchedulerConfig{MaxRetries: 3, Delays: []time.Duration{5 * time.Millisecond}, AttemptTimeout: 5 * time.Second}
	f := newFixture(t, cfg)
	ctx := context.Background()

	_, err := f.events.InsertIfNew(ctx, &domain.WebhookEvent{
		EventID: "evt_dead", Type: EventPaymentSucceeded, Payload: "{}",
		ProcessingStatus: domain.WebhookStatusFailed,
	})
	require.NoError(t, err)

	f.scheduler.SetProcessor(func(ctx context.Context, ev *domain.WebhookEvent) error {
		return fmt.Errorf("permanent store error")
	})

	f.scheduler.ScheduleRetry("evt_dead", 1)

	require.Eventually(t, func() bool {
		ev, err := f.events.GetByEventID(ctx, "evt_dead")
		return err == nil && ev.ProcessingStatus == domain.WebhookStatusFailedPermanent
	}, 3*time.Second, 10*time.Millisecond)

	ev, err := f.events.GetByEventID(ctx, "evt_dead")
	require.NoError(t, err)
	assert.Equal(t, 3, ev.RetryCount)
	assert.Equal(t, "Max retries exceeded", ev.LastError)

	alerts := f.alerter.sent()
	require.Len(t, alerts, 1)
	assert.Equal(t, alert.SeverityHigh, alerts[0].Severity)
	assert.Equal(t, "evt_dead", alerts[0].Fields["event_id"])
}

func TestScheduler_ReschedulingReplacesPendingTimer(t *testing.T) {
	cfg := SchedulerConfig{MaxRetries: 3, Delays: []time.Duration{time.Hour}, AttemptTimeout: time.Second}
	f := newFixture(t, cfg)

	f.scheduler.ScheduleRetry("evt_x", 1)
	f.scheduler.ScheduleRetry("evt_x", 2)

	assert.Equal(t, 1, f.scheduler.GetRetryStats().PendingRetries)

	f.scheduler.CancelRetry("evt_x")
	assert.Zero(t, f.scheduler.GetRetryStats().PendingRetries)
}

func TestScheduler_ObsoleteRetryIsNoOp(t *testing.T) {
	cfg := SchedulerConfig{MaxRetries: 3, Delays: []time.Duration{10 * time.Millisecond}, AttemptTimeout: time.Second}
	f := newFixture(t, cfg)
	ctx := context.Background()

	_, err := f.events.InsertIfNew(ctx, &domain.WebhookEvent{
		EventID: "evt_done", Type: EventPaymentSucceeded, Payload: "{}",
		ProcessingStatus: domain.WebhookStatusFailed,
	})
	require.NoError(t, err)
	require.NoError(t, f.events.MarkProcessed(ctx, "evt_done"))

	called := false
	f.scheduler.SetProcessor(func(ctx context.Context, ev *domain.WebhookEvent) error {
		called = true
		return nil
	})
	f.scheduler.ScheduleRetry("evt_done", 1)

	require.Eventually(t, func() bool {
		return f.scheduler.GetRetryStats().PendingRetries == 0
	}, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.False(t, called)
}

func TestSchedulerDelayTableReusesLastEntry(t *testing.T) {
	s := NewScheduler(nil, nil, metrics.NewNop(), SchedulerConfig{
		MaxRetries: 5,
		Delays:     []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute},
	}, nil)

	assert.Equal(t, time.Minute, s.delayFor(1))
	assert.Equal(t, 5*time.Minute, s.delayFor(2))
	assert.Equal(t, 15*time.Minute, s.delayFor(3))
	assert.Equal(t, 15*time.Minute, s.delayFor(4))
}
