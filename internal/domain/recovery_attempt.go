package domain

import "time"

type RecoveryStatus string

const (
	RecoveryStatusNotAttempted       RecoveryStatus = "not_attempted"
	RecoveryStatusRecovering         RecoveryStatus = "recovering"
	RecoveryStatusSucceeded          RecoveryStatus = "succeeded"
	RecoveryStatusFailed             RecoveryStatus = "failed"
	RecoveryStatusMaxAttemptsReached RecoveryStatus = "max_attempts_reached"
)

// RecoveryAttempt is the audit record of pull-based recovery for one
// (application, payment intent) pair. Rows are incremented, never deleted.
type RecoveryAttempt struct {
	ID              int64          `gorm:"primaryKey" json:"id"`
	ApplicationID   int64          `gorm:"not null;uniqueIndex:ux_recovery_app_intent,priority:1" json:"application_id"`
	PaymentIntentID string         `gorm:"type:varchar(64);not null;uniqueIndex:ux_recovery_app_intent,priority:2" json:"payment_intent_id"`
	AttemptCount    int            `gorm:"default:0" json:"attempt_count"`
	LastAttemptTime *time.Time     `json:"last_attempt_time"`
	RecoveryStatus  RecoveryStatus `gorm:"type:varchar(32);default:'not_attempted';index" json:"recovery_status"`
	LastError       string         `gorm:"type:text" json:"last_error"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

func (RecoveryAttempt) TableName() string { return "recovery_attempts" }
