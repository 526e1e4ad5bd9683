package webhook

import (
	"context"
	"errors"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"permitpay/internal/alert"
	"permitpay/internal/domain"
	"permitpay/internal/metrics"
)

// ProcessorFunc re-applies a stored webhook event.
type ProcessorFunc func(ctx context.Context, ev *domain.WebhookEvent) error

type SchedulerConfig struct {
	MaxRetries     int
	Delays         []time.Duration
	AttemptTimeout time.Duration
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		MaxRetries:     3,
		Delays:         []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute},
		AttemptTimeout: 30 * time.Second,
	}
}

// errRetryObsolete aborts a retry whose event reached a final status while
// the timer was pending.
var errRetryObsolete = errors.New("webhook event no longer needs retrying")

// Scheduler owns the full retry chain for failed webhook processing. Each
// event id has at most one pending timer; scheduling again replaces the
// previous timer instead of stacking a duplicate. When an attempt fails the
// scheduler queues the next one itself, up to MaxRetries, after which the
// event is parked as permanently failed and a single high-severity alert
// goes out.
type Scheduler struct {
	events    eventStore
	alerter   alert.Alerter
	metrics   *metrics.Metrics
	cfg       SchedulerConfig
	loggerf   func(format string, args ...interface{})
	processor ProcessorFunc

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

func NewScheduler(events eventStore, alerter alert.Alerter, m *metrics.Metrics, cfg SchedulerConfig, loggerf func(format string, args ...interface{})) *Scheduler {
	if loggerf == nil {
		loggerf = func(string, ...interface{}) {}
	}
	if m == nil {
		m = metrics.NewNop()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultSchedulerConfig().MaxRetries
	}
	if len(cfg.Delays) == 0 {
		cfg.Delays = DefaultSchedulerConfig().Delays
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultSchedulerConfig().AttemptTimeout
	}
	return &Scheduler{
		events:  events,
		alerter: alerter,
		metrics: m,
		cfg:     cfg,
		loggerf: loggerf,
		timers:  make(map[string]*time.Timer),
	}
}

// SetProcessor binds the function that re-runs event processing. Must be
// called before the first retry fires; the webhook service does this at
// construction.
func (s *Scheduler) SetProcessor(fn ProcessorFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processor = fn
}

// ScheduleRetry arms the timer for the given attempt number (1-based).
// Attempts beyond the configured maximum park the event permanently.
func (s *Scheduler) ScheduleRetry(eventID string, attempt int) {
	if attempt > s.cfg.MaxRetries {
		s.parkPermanently(eventID)
		return
	}

	delay := s.delayFor(attempt)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if prev, ok := s.timers[eventID]; ok {
		prev.Stop()
	}
	s.timers[eventID] = time.AfterFunc(delay, func() { s.runRetry(eventID, attempt) })
	s.mu.Unlock()

	s.metrics.WebhookRetries.Inc()
	s.loggerf("level=info msg=webhook retry scheduled event_id=%s attempt=%d delay=%s", eventID, attempt, delay)
}

// delayFor reuses the last configured delay for attempts past the table.
func (s *Scheduler) delayFor(attempt int) time.Duration {
	idx := attempt - 1
	if idx >= len(s.cfg.Delays) {
		idx = len(s.cfg.Delays) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return s.cfg.Delays[idx]
}

func (s *Scheduler) runRetry(eventID string, attempt int) {
	s.mu.Lock()
	delete(s.timers, eventID)
	processor := s.processor
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.AttemptTimeout)
	defer cancel()

	// Reload under lock so a concurrent replica that already finished the
	// event makes this retry a no-op.
	var ev domain.WebhookEvent
	err := s.events.Transaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("event_id = ?", eventID).First(&ev).Error; err != nil {
			return err
		}
		switch ev.ProcessingStatus {
		case domain.WebhookStatusProcessed, domain.WebhookStatusFailedPermanent:
			return errRetryObsolete
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, errRetryObsolete) {
			s.loggerf("level=error msg=webhook retry load failed event_id=%s attempt=%d err=%v", eventID, attempt, err)
			s.ScheduleRetry(eventID, attempt+1)
		}
		return
	}

	if processor == nil {
		s.loggerf("level=error msg=webhook retry without processor event_id=%s", eventID)
		return
	}

	if perr := processor(ctx, &ev); perr != nil {
		s.loggerf("level=warn msg=webhook retry failed event_id=%s attempt=%d err=%v", eventID, attempt, perr)
		if merr := s.events.MarkFailed(ctx, eventID, perr.Error()); merr != nil {
			s.loggerf("level=error msg=webhook retry bookkeeping failed event_id=%s err=%v", eventID, merr)
		}
		s.ScheduleRetry(eventID, attempt+1)
		return
	}

	if merr := s.events.MarkProcessed(ctx, eventID); merr != nil {
		s.loggerf("level=error msg=webhook retry bookkeeping failed event_id=%s err=%v", eventID, merr)
		return
	}
	s.loggerf("level=info msg=webhook retry succeeded event_id=%s attempt=%d", eventID, attempt)
}

func (s *Scheduler) parkPermanently(eventID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.AttemptTimeout)
	defer cancel()
	s.MarkAsFailed(ctx, eventID, "Max retries exceeded")
}

// MarkAsFailed parks the event as permanently failed and emits exactly one
// high-severity alert. Safe to call for an event with a pending timer; the
// timer is cancelled.
func (s *Scheduler) MarkAsFailed(ctx context.Context, eventID, reason string) {
	s.CancelRetry(eventID)

	if err := s.events.MarkFailedPermanent(ctx, eventID, reason); err != nil {
		s.loggerf("level=error msg=mark webhook permanently failed errored event_id=%s err=%v", eventID, err)
		return
	}
	s.loggerf("level=error msg=webhook event permanently failed event_id=%s reason=%q", eventID, reason)

	if s.alerter != nil {
		a := alert.New(alert.SeverityHigh, "Webhook processing failed permanently", reason, map[string]string{
			"event_id": eventID,
		})
		if err := s.alerter.Send(ctx, a); err != nil {
			s.loggerf("level=error msg=alert delivery failed event_id=%s err=%v", eventID, err)
		}
	}
}

// CancelRetry drops the pending timer for the event, if any.
func (s *Scheduler) CancelRetry(eventID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[eventID]; ok {
		t.Stop()
		delete(s.timers, eventID)
	}
}

// ClearAllRetries cancels every pending timer and stops accepting new ones.
// Used on shutdown; pending events are picked up again by the recovery sweep.
func (s *Scheduler) ClearAllRetries() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.stopped = true
}

// RetryStats is the observability snapshot of the retry queue.
type RetryStats struct {
	PendingRetries int      `json:"pending_retries"`
	MaxRetries     int      `json:"max_retries"`
	RetryDelays    []string `json:"retry_delays"`
}

func (s *Scheduler) GetRetryStats() RetryStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	delays := make([]string, len(s.cfg.Delays))
	for i, d := range s.cfg.Delays {
		delays[i] = d.String()
	}
	return RetryStats{
		PendingRetries: len(s.timers),
		MaxRetries:     s.cfg.MaxRetries,
		RetryDelays:    delays,
	}
}
