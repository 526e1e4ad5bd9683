package domain

import "time"

type WebhookProcessingStatus string

const (
	WebhookStatusPending         WebhookProcessingStatus = "pending"
	WebhookStatusProcessed       WebhookProcessingStatus = "processed"
	WebhookStatusFailed          WebhookProcessingStatus = "failed"
	WebhookStatusFailedPermanent WebhookProcessingStatus = "failed_permanent"
)

// WebhookEvent stores every provider notification with deduplication metadata.
// An event already processed or failed_permanent is never reprocessed.
type WebhookEvent struct {
	ID               int64                   `gorm:"primaryKey" json:"id"`
	EventID          string                  `gorm:"type:varchar(64);uniqueIndex;not null" json:"event_id"`
	Type             string                  `gorm:"type:varchar(64);not null;index" json:"type"`
	Payload          string                  `gorm:"type:text;not null" json:"payload"`
	ProcessingStatus WebhookProcessingStatus `gorm:"type:varchar(20);default:'pending';index" json:"processing_status"`
	RetryCount       int                     `gorm:"default:0" json:"retry_count"`
	LastError        string                  `gorm:"type:text" json:"last_error"`
	ProcessedAt      *time.Time              `json:"processed_at"`
	CreatedAt        time.Time               `json:"created_at"`
	UpdatedAt        time.Time               `json:"updated_at"`
}

func (WebhookEvent) TableName() string { return "webhook_events" }
