package gateway

import (
	"context"
	"time"

	"permitpay/internal/domain"
	"permitpay/internal/provider"
)

type providerAPI interface {
	CreateCustomer(ctx context.Context, params provider.CustomerParams, idempotencyKey string) (*provider.Customer, error)
	FindCustomerByEmail(ctx context.Context, email string) (*provider.Customer, error)
	CreatePaymentIntent(ctx context.Context, params provider.PaymentIntentParams, idempotencyKey string) (*provider.PaymentIntent, error)
	GetPaymentIntent(ctx context.Context, id string) (*provider.PaymentIntent, error)
	ConfirmPaymentIntent(ctx context.Context, id string) (*provider.PaymentIntent, error)
	CapturePaymentIntent(ctx context.Context, id string) (*provider.PaymentIntent, error)
}

type applicationStore interface {
	GetByID(ctx context.Context, id int64) (*domain.PermitApplication, error)
	SetProviderCustomerID(ctx context.Context, id int64, customerID string) error
}

type orderWriter interface {
	CreateIfNoOpenOrder(ctx context.Context, o *domain.PaymentOrder) error
	GetByIntentID(ctx context.Context, intentID string) (*domain.PaymentOrder, error)
	GetLatestByApplicationID(ctx context.Context, applicationID int64) (*domain.PaymentOrder, error)
	UpdateStatusIfNotTerminal(ctx context.Context, intentID string, status domain.PaymentOrderStatus, failureReason, rawResponse string) (bool, error)
}

type velocityChecker interface {
	Check(ctx context.Context, in VelocityInput) (*VelocityVerdict, error)
}

type rateLimiter interface {
	Allow(ctx context.Context, customerID string, applicationID int64) (bool, time.Duration, error)
}
