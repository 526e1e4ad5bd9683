package domain

import "time"

type PaymentMethod string

const (
	PaymentMethodCard PaymentMethod = "card"
	PaymentMethodOxxo PaymentMethod = "oxxo"
)

// PaymentOrderStatus mirrors the provider-side payment intent lifecycle.
type PaymentOrderStatus string

const (
	OrderStatusRequiresPaymentMethod PaymentOrderStatus = "requires_payment_method"
	OrderStatusRequiresAction        PaymentOrderStatus = "requires_action"
	OrderStatusRequiresCapture       PaymentOrderStatus = "requires_capture"
	OrderStatusProcessing            PaymentOrderStatus = "processing"
	OrderStatusSucceeded             PaymentOrderStatus = "succeeded"
	OrderStatusCanceled              PaymentOrderStatus = "canceled"
	OrderStatusFailed                PaymentOrderStatus = "failed"
)

// IsTerminal reports whether the status can never move again. Terminal
// statuses are never overwritten, not even by a later provider observation.
func (s PaymentOrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusSucceeded, OrderStatusCanceled, OrderStatusFailed:
		return true
	}
	return false
}

// PaymentOrder is the local record of one provider payment intent.
// At most one non-terminal order may exist per application.
type PaymentOrder struct {
	ID              int64              `gorm:"primaryKey" json:"id"`
	ApplicationID   int64              `gorm:"index;not null" json:"application_id"`
	PaymentIntentID string             `gorm:"type:varchar(64);uniqueIndex" json:"payment_intent_id"`
	Amount          int64              `gorm:"not null" json:"amount"`
	Currency        string             `gorm:"type:varchar(8);not null;default:'mxn'" json:"currency"`
	Method          PaymentMethod      `gorm:"type:varchar(16);not null" json:"method"`
	Status          PaymentOrderStatus `gorm:"type:varchar(32);default:'requires_payment_method';index" json:"status"`
	IdempotencyKey  string             `gorm:"type:varchar(64);index" json:"idempotency_key"`
	FailureReason   string             `gorm:"type:text" json:"failure_reason"`
	LastRawResponse string             `gorm:"type:text" json:"last_raw_response"`
	SucceededAt     *time.Time         `json:"succeeded_at"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

func (PaymentOrder) TableName() string { return "payment_orders" }
