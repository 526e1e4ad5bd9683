package alert

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
)

type Severity string

const (
	SeverityHigh   Severity = "HIGH"
	SeverityMedium Severity = "MEDIUM"
	SeverityLow    Severity = "LOW"
)

type Alert struct {
	ID        string            `json:"id"`
	Severity  Severity          `json:"severity"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Alerter delivers operational alerts. Used only for permanent webhook
// failures and circuit breaker trips.
type Alerter interface {
	Send(ctx context.Context, a Alert) error
}

// New fills in the generated fields of an alert.
func New(severity Severity, title, message string, fields map[string]string) Alert {
	return Alert{
		ID:        uuid.NewString(),
		Severity:  severity,
		Title:     title,
		Message:   message,
		Fields:    fields,
		CreatedAt: time.Now().UTC(),
	}
}

// LogAlerter writes alerts to the process log. The production deployment
// points this at the on-call channel instead.
type LogAlerter struct{}

func (LogAlerter) Send(_ context.Context, a Alert) error {
	log.Printf("level=warn msg=alert id=%s severity=%s title=%q message=%q fields=%v",
		a.ID, a.Severity, a.Title, a.Message, a.Fields)
	return nil
}
