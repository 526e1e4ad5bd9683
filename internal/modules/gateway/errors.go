package gateway

import (
	"errors"
	"fmt"
)

var (
	ErrValidation  = errors.New("validation error")
	ErrRateLimited = errors.New("payment rate limit exceeded")
)

// genericUserMessage is returned for security rejections and unmapped
// provider codes. Deliberately vague so fraud rules cannot be probed.
const genericUserMessage = "No fue posible procesar el pago. Intente más tarde."

// SecurityRejection is a velocity/fraud veto. The risk detail stays internal;
// callers surface UserMessage only.
type SecurityRejection struct {
	RiskScore  int
	Violations []string
}

func (e *SecurityRejection) Error() string {
	return fmt.Sprintf("payment rejected by velocity screening (score=%d)", e.RiskScore)
}

func (e *SecurityRejection) UserMessage() string { return genericUserMessage }

// PaymentError wraps a provider failure with the localized message shown to
// the applicant.
type PaymentError struct {
	Code    string
	Message string
	Err     error
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("payment failed (%s): %v", e.Code, e.Err)
}

func (e *PaymentError) Unwrap() error { return e.Err }

func (e *PaymentError) UserMessage() string { return e.Message }

// declineMessages maps provider decline/error codes to the fixed set of
// user-facing messages. Unknown codes fall back to the generic one.
var declineMessages = map[string]string{
	"card_declined":      "Tarjeta rechazada. Verifique los datos o utilice otra tarjeta.",
	"insufficient_funds": "Fondos insuficientes en la tarjeta.",
	"expired_card":       "La tarjeta ha expirado.",
	"incorrect_cvc":      "El código de seguridad es incorrecto.",
	"incorrect_number":   "El número de tarjeta no es válido.",
	"processing_error":   "Error al procesar el pago. Intente nuevamente.",
}

func userMessageForCode(code string) string {
	if msg, ok := declineMessages[code]; ok {
		return msg
	}
	return genericUserMessage
}
