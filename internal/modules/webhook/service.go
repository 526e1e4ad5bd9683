package webhook

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"permitpay/internal/breaker"
	"permitpay/internal/domain"
	"permitpay/internal/metrics"
	"permitpay/internal/provider"
)

// Event types handled by the service. Everything else is acknowledged and
// recorded as ignored so the provider stops redelivering it.
const (
	EventPaymentSucceeded = "payment_intent.succeeded"
	EventPaymentFailed    = "payment_intent.payment_failed"
	EventPaymentCanceled  = "payment_intent.canceled"
	EventPaymentCreated   = "payment_intent.created"
)

// Service persists incoming provider events exactly once and applies their
// payment outcome to local state. Processing failures are handed to the
// retry scheduler; the HTTP response never waits for a retry.
type Service struct {
	events    eventStore
	orders    orderStore
	apps      applicationStore
	breakers  *breaker.Registry
	scheduler *Scheduler
	publisher publisher
	metrics   *metrics.Metrics
	loggerf   func(format string, args ...interface{})
}

func NewService(
	events eventStore,
	orders orderStore,
	apps applicationStore,
	breakers *breaker.Registry,
	scheduler *Scheduler,
	pub publisher,
	m *metrics.Metrics,
	loggerf func(format string, args ...interface{}),
) *Service {
	if loggerf == nil {
		loggerf = func(string, ...interface{}) {}
	}
	if m == nil {
		m = metrics.NewNop()
	}
	s := &Service{
		events:    events,
		orders:    orders,
		apps:      apps,
		breakers:  breakers,
		scheduler: scheduler,
		publisher: pub,
		metrics:   m,
		loggerf:   loggerf,
	}
	if scheduler != nil {
		scheduler.SetProcessor(s.processStored)
	}
	return s
}

// HandleEvent stores the event and processes it. Duplicate deliveries are
// acknowledged without reprocessing; a processing failure schedules the
// first retry and still acknowledges, so the provider does not redeliver
// in parallel with our own retry chain.
func (s *Service) HandleEvent(ctx context.Context, ev *provider.Event, rawPayload []byte) error {
	created, err := s.events.InsertIfNew(ctx, &domain.WebhookEvent{
		EventID:          ev.ID,
		Type:             ev.Type,
		Payload:          string(rawPayload),
		ProcessingStatus: domain.WebhookStatusPending,
	})
	if err != nil {
		return fmt.Errorf("store webhook event %s: %w", ev.ID, err)
	}
	if !created {
		s.loggerf("level=info msg=duplicate webhook delivery ignored event_id=%s type=%s", ev.ID, ev.Type)
		s.metrics.WebhookEvents.WithLabelValues(ev.Type, "duplicate").Inc()
		return nil
	}

	if perr := s.process(ctx, ev.ID, ev.Type, ev.Data); perr != nil {
		s.loggerf("level=error msg=webhook processing failed event_id=%s type=%s err=%v", ev.ID, ev.Type, perr)
		s.metrics.WebhookEvents.WithLabelValues(ev.Type, "failed").Inc()
		if merr := s.events.MarkFailed(ctx, ev.ID, perr.Error()); merr != nil {
			return fmt.Errorf("mark webhook event %s failed: %w", ev.ID, merr)
		}
		if s.scheduler != nil {
			s.scheduler.ScheduleRetry(ev.ID, 1)
		}
		return nil
	}

	if merr := s.events.MarkProcessed(ctx, ev.ID); merr != nil {
		return fmt.Errorf("mark webhook event %s processed: %w", ev.ID, merr)
	}
	s.metrics.WebhookEvents.WithLabelValues(ev.Type, "processed").Inc()
	return nil
}

// processStored re-runs processing for a persisted event. The scheduler
// invokes this on every retry.
func (s *Service) processStored(ctx context.Context, ev *domain.WebhookEvent) error {
	return s.process(ctx, ev.EventID, ev.Type, []byte(ev.Payload))
}

func (s *Service) process(ctx context.Context, eventID, eventType string, data []byte) error {
	return s.breakers.Get(breaker.OpWebhookProcessing).Execute(ctx, func(ctx context.Context) error {
		switch eventType {
		case EventPaymentSucceeded:
			return s.applySucceeded(ctx, eventID, data)
		case EventPaymentFailed:
			return s.applyTerminal(ctx, eventID, data, domain.OrderStatusFailed, "provider_reported_failure")
		case EventPaymentCanceled:
			return s.applyTerminal(ctx, eventID, data, domain.OrderStatusCanceled, "provider_reported_cancellation")
		case EventPaymentCreated:
			// Informational; the intent is already recorded at create time.
			return nil
		default:
			s.loggerf("level=info msg=unhandled webhook type acknowledged event_id=%s type=%s", eventID, eventType)
			return nil
		}
	})
}

func (s *Service) applySucceeded(ctx context.Context, eventID string, data []byte) error {
	intent, err := decodeIntent(data)
	if err != nil {
		return err
	}

	changed, err := s.orders.MarkSucceededIdempotent(ctx, intent.ID, string(data))
	if err != nil {
		return fmt.Errorf("mark order succeeded %s: %w", intent.ID, err)
	}
	if !changed {
		s.loggerf("level=info msg=success already applied event_id=%s intent_id=%s", eventID, intent.ID)
		return nil
	}

	appID := applicationIDFromIntent(ctx, s.orders, intent)
	if appID > 0 {
		if err := s.apps.UpdateStatus(ctx, appID, domain.ApplicationStatusPaymentProcessing); err != nil {
			return fmt.Errorf("advance application %d: %w", appID, err)
		}
	}

	if s.publisher != nil {
		s.publisher.Publish("payment_confirmed", map[string]interface{}{
			"application_id": appID,
			"intent_id":      intent.ID,
			"amount":         intent.Amount,
			"currency":       intent.Currency,
		})
	}
	s.loggerf("level=info msg=payment confirmed event_id=%s intent_id=%s application_id=%d", eventID, intent.ID, appID)
	return nil
}

func (s *Service) applyTerminal(ctx context.Context, eventID string, data []byte, status domain.PaymentOrderStatus, reason string) error {
	intent, err := decodeIntent(data)
	if err != nil {
		return err
	}

	changed, err := s.orders.UpdateStatusIfNotTerminal(ctx, intent.ID, status, reason, string(data))
	if err != nil {
		return fmt.Errorf("update order %s to %s: %w", intent.ID, status, err)
	}
	if !changed {
		return nil
	}

	if s.publisher != nil {
		s.publisher.Publish("payment_"+string(status), map[string]interface{}{
			"application_id": applicationIDFromIntent(ctx, s.orders, intent),
			"intent_id":      intent.ID,
		})
	}
	s.loggerf("level=info msg=payment outcome applied event_id=%s intent_id=%s status=%s", eventID, intent.ID, status)
	return nil
}

func decodeIntent(data []byte) (*provider.PaymentIntent, error) {
	ev := provider.Event{Data: data}
	intent, err := ev.Intent()
	if err != nil {
		return nil, err
	}
	if intent.ID == "" {
		return nil, errors.New("webhook event carries no payment intent id")
	}
	return intent, nil
}

// applicationIDFromIntent resolves the owning application, preferring the
// intent metadata and falling back to the local order record.
func applicationIDFromIntent(ctx context.Context, orders orderStore, intent *provider.PaymentIntent) int64 {
	if raw, ok := intent.Metadata["application_id"]; ok {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil && id > 0 {
			return id
		}
	}
	order, err := orders.GetByIntentID(ctx, intent.ID)
	if err != nil || order == nil {
		return 0
	}
	return order.ApplicationID
}
