package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"permitpay/internal/domain"
)

type WebhookEventRepository struct {
	db *gorm.DB
}

func NewWebhookEventRepository(db *gorm.DB) *WebhookEventRepository {
	return &WebhookEventRepository{db: db}
}

// InsertIfNew stores the event, reporting false when the event id was
// already seen. The unique index on event_id is the dedup authority so
// concurrent deliveries across replicas race safely.
func (r *WebhookEventRepository) InsertIfNew(ctx context.Context, ev *domain.WebhookEvent) (bool, error) {
	err := r.db.WithContext(ctx).Create(ev).Error
	if err != nil {
		if IsDuplicateKey(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *WebhookEventRepository) GetByEventID(ctx context.Context, eventID string) (*domain.WebhookEvent, error) {
	var ev domain.WebhookEvent
	if err := r.db.WithContext(ctx).Where("event_id = ?", eventID).First(&ev).Error; err != nil {
		return nil, err
	}
	return &ev, nil
}

func (r *WebhookEventRepository) MarkProcessed(ctx context.Context, eventID string) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).
		Model(&domain.WebhookEvent{}).
		Where("event_id = ?", eventID).
		Updates(map[string]interface{}{
			"processing_status": domain.WebhookStatusProcessed,
			"processed_at":      now,
			"last_error":        "",
		}).Error
}

// MarkFailed records a failed processing attempt and bumps the retry count.
func (r *WebhookEventRepository) MarkFailed(ctx context.Context, eventID string, lastError string) error {
	return r.db.WithContext(ctx).
		Model(&domain.WebhookEvent{}).
		Where("event_id = ?", eventID).
		Updates(map[string]interface{}{
			"processing_status": domain.WebhookStatusFailed,
			"retry_count":       gorm.Expr("retry_count + 1"),
			"last_error":        lastError,
		}).Error
}

func (r *WebhookEventRepository) MarkFailedPermanent(ctx context.Context, eventID string, reason string) error {
	return r.db.WithContext(ctx).
		Model(&domain.WebhookEvent{}).
		Where("event_id = ?", eventID).
		Updates(map[string]interface{}{
			"processing_status": domain.WebhookStatusFailedPermanent,
			"last_error":        reason,
		}).Error
}

// Transaction exposes the underlying transactional scope so webhook
// processing can run atomically with its status bookkeeping.
func (r *WebhookEventRepository) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.db.WithContext(ctx).Transaction(fn)
}
