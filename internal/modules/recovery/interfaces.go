package recovery

import (
	"context"
	"time"

	"permitpay/internal/domain"
	"permitpay/internal/provider"
)

type orderStore interface {
	GetByIntentID(ctx context.Context, intentID string) (*domain.PaymentOrder, error)
	GetLatestByApplicationID(ctx context.Context, applicationID int64) (*domain.PaymentOrder, error)
	UpdateStatusIfNotTerminal(ctx context.Context, intentID string, status domain.PaymentOrderStatus, failureReason, rawResponse string) (bool, error)
	MarkSucceededIdempotent(ctx context.Context, intentID string, rawResponse string) (bool, error)
	ListStuck(ctx context.Context, olderThan time.Time, limit int) ([]domain.PaymentOrder, error)
}

type applicationStore interface {
	GetByID(ctx context.Context, id int64) (*domain.PermitApplication, error)
	UpdateStatus(ctx context.Context, id int64, status domain.ApplicationStatus) error
}

type attemptStore interface {
	GetOrCreate(ctx context.Context, applicationID int64, intentID string) (*domain.RecoveryAttempt, error)
	RecordAttempt(ctx context.Context, applicationID int64, intentID string, status domain.RecoveryStatus, lastError string) (*domain.RecoveryAttempt, error)
	SetStatus(ctx context.Context, applicationID int64, intentID string, status domain.RecoveryStatus, lastError string) error
	Get(ctx context.Context, applicationID int64, intentID string) (*domain.RecoveryAttempt, error)
}

type providerAPI interface {
	GetPaymentIntent(ctx context.Context, id string) (*provider.PaymentIntent, error)
	CapturePaymentIntent(ctx context.Context, id string) (*provider.PaymentIntent, error)
}

type publisher interface {
	Publish(eventType string, payload interface{})
}
