package provider

import (
	"encoding/json"
	"fmt"
)

// Payment intent statuses as reported by the provider.
const (
	IntentStatusRequiresPaymentMethod = "requires_payment_method"
	IntentStatusRequiresAction        = "requires_action"
	IntentStatusRequiresCapture       = "requires_capture"
	IntentStatusProcessing            = "processing"
	IntentStatusSucceeded             = "succeeded"
	IntentStatusCanceled              = "canceled"
	IntentStatusFailed                = "failed"
)

type Customer struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

type PaymentIntent struct {
	ID             string            `json:"id"`
	Amount         int64             `json:"amount"`
	Currency       string            `json:"currency"`
	Status         string            `json:"status"`
	CustomerID     string            `json:"customer"`
	Description    string            `json:"description"`
	ClientSecret   string            `json:"client_secret"`
	PaymentMethods []string          `json:"payment_method_types"`
	VoucherURL     string            `json:"voucher_url,omitempty"`
	Metadata       map[string]string `json:"metadata"`
	Created        int64             `json:"created"`
}

type customerList struct {
	Data []Customer `json:"data"`
}

// Error is the decoded provider error envelope.
type Error struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	DeclineCode string `json:"decline_code"`
	Message     string `json:"message"`
	HTTPStatus  int    `json:"-"`
}

func (e *Error) Error() string {
	if e.DeclineCode != "" {
		return fmt.Sprintf("provider: %s (%s/%s)", e.Message, e.Code, e.DeclineCode)
	}
	return fmt.Sprintf("provider: %s (%s)", e.Message, e.Code)
}

// IsAlreadyExists reports the lost side of a create race, where the provider
// saw our idempotent create collide with a concurrent one.
func (e *Error) IsAlreadyExists() bool {
	return e.Code == "resource_already_exists"
}

type errorEnvelope struct {
	Error json.RawMessage `json:"error"`
}

type CustomerParams struct {
	Name  string
	Email string
	Phone string
}

type PaymentIntentParams struct {
	Amount        int64
	Currency      string
	CustomerID    string
	MethodTypes   []string
	Description   string
	CaptureMethod string
	Metadata      map[string]string
}
