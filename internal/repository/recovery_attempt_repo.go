package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"permitpay/internal/domain"
)

type RecoveryAttemptRepository struct {
	db *gorm.DB
}

func NewRecoveryAttemptRepository(db *gorm.DB) *RecoveryAttemptRepository {
	return &RecoveryAttemptRepository{db: db}
}

// GetOrCreate returns the attempt row for the pair, creating the audit row
// on first use. Creation races resolve through the composite unique index.
func (r *RecoveryAttemptRepository) GetOrCreate(ctx context.Context, applicationID int64, intentID string) (*domain.RecoveryAttempt, error) {
	var ra domain.RecoveryAttempt
	err := r.db.WithContext(ctx).
		Where("application_id = ? AND payment_intent_id = ?", applicationID, intentID).
		First(&ra).Error
	if err == nil {
		return &ra, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	ra = domain.RecoveryAttempt{
		ApplicationID:   applicationID,
		PaymentIntentID: intentID,
		RecoveryStatus:  domain.RecoveryStatusNotAttempted,
	}
	if err := r.db.WithContext(ctx).Create(&ra).Error; err != nil {
		if IsDuplicateKey(err) {
			var existing domain.RecoveryAttempt
			if qerr := r.db.WithContext(ctx).
				Where("application_id = ? AND payment_intent_id = ?", applicationID, intentID).
				First(&existing).Error; qerr != nil {
				return nil, qerr
			}
			return &existing, nil
		}
		return nil, err
	}
	return &ra, nil
}

// RecordAttempt increments the attempt count and stores the outcome of one
// recovery pass. Rows are never deleted; they are the audit trail.
func (r *RecoveryAttemptRepository) RecordAttempt(ctx context.Context, applicationID int64, intentID string, status domain.RecoveryStatus, lastError string) (*domain.RecoveryAttempt, error) {
	var out domain.RecoveryAttempt
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ra domain.RecoveryAttempt
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("application_id = ? AND payment_intent_id = ?", applicationID, intentID).
			First(&ra).Error; err != nil {
			return err
		}
		now := time.Now().UTC()
		updates := map[string]interface{}{
			"attempt_count":     gorm.Expr("attempt_count + 1"),
			"last_attempt_time": now,
			"recovery_status":   status,
			"last_error":        lastError,
		}
		if err := tx.Model(&domain.RecoveryAttempt{}).Where("id = ?", ra.ID).Updates(updates).Error; err != nil {
			return err
		}
		return tx.First(&out, ra.ID).Error
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// SetStatus updates only the status and error, without consuming an attempt.
func (r *RecoveryAttemptRepository) SetStatus(ctx context.Context, applicationID int64, intentID string, status domain.RecoveryStatus, lastError string) error {
	return r.db.WithContext(ctx).
		Model(&domain.RecoveryAttempt{}).
		Where("application_id = ? AND payment_intent_id = ?", applicationID, intentID).
		Updates(map[string]interface{}{
			"recovery_status": status,
			"last_error":      lastError,
		}).Error
}

func (r *RecoveryAttemptRepository) Get(ctx context.Context, applicationID int64, intentID string) (*domain.RecoveryAttempt, error) {
	var ra domain.RecoveryAttempt
	err := r.db.WithContext(ctx).
		Where("application_id = ? AND payment_intent_id = ?", applicationID, intentID).
		First(&ra).Error
	if err != nil {
		return nil, err
	}
	return &ra, nil
}
