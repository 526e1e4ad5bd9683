package gateway

type PaymentRequest struct {
	ApplicationID   int64  `json:"application_id" binding:"required" validate:"required,gt=0" example:"123"`
	Amount          int64  `json:"amount" binding:"required" validate:"required,gt=0" example:"45000"`
	Currency        string `json:"currency" validate:"currency" example:"mxn"`
	Description     string `json:"description" example:"Permiso de circulación #123"`
	CardFingerprint string `json:"card_fingerprint" example:"fp_9a8b7c"`
	UserIP          string `json:"-"`
}

// PaymentIntentResult is the canonical intent shape returned to callers,
// independent of the provider's raw response.
type PaymentIntentResult struct {
	IntentID     string `json:"intent_id" example:"pi_3OaT1x"`
	Status       string `json:"status" example:"requires_action"`
	Amount       int64  `json:"amount" example:"45000"`
	Currency     string `json:"currency" example:"mxn"`
	Method       string `json:"method" example:"card"`
	ClientSecret string `json:"client_secret,omitempty"`
	VoucherURL   string `json:"voucher_url,omitempty"`
}

type CustomerRequest struct {
	Name  string `json:"name" binding:"required" validate:"required"`
	Email string `json:"email" binding:"required,email" validate:"required,email"`
	Phone string `json:"phone"`
}

type ErrorResponse struct {
	Error string `json:"error" example:"invalid request"`
}
