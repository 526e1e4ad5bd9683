package webhook

import (
	"context"

	"gorm.io/gorm"

	"permitpay/internal/domain"
)

type eventStore interface {
	InsertIfNew(ctx context.Context, ev *domain.WebhookEvent) (bool, error)
	GetByEventID(ctx context.Context, eventID string) (*domain.WebhookEvent, error)
	MarkProcessed(ctx context.Context, eventID string) error
	MarkFailed(ctx context.Context, eventID string, lastError string) error
	MarkFailedPermanent(ctx context.Context, eventID string, reason string) error
	Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type orderStore interface {
	MarkSucceededIdempotent(ctx context.Context, intentID string, rawResponse string) (bool, error)
	UpdateStatusIfNotTerminal(ctx context.Context, intentID string, status domain.PaymentOrderStatus, failureReason, rawResponse string) (bool, error)
	GetByIntentID(ctx context.Context, intentID string) (*domain.PaymentOrder, error)
}

type applicationStore interface {
	UpdateStatus(ctx context.Context, id int64, status domain.ApplicationStatus) error
}

// publisher pushes processed payment events to connected operator consoles.
type publisher interface {
	Publish(eventType string, payload interface{})
}
