package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"permitpay/internal/domain"
)

// ErrOpenOrderExists guards the one-non-terminal-order-per-application
// invariant.
var ErrOpenOrderExists = errors.New("application already has an open payment order")

type PaymentOrderRepository struct {
	db *gorm.DB
}

func NewPaymentOrderRepository(db *gorm.DB) *PaymentOrderRepository {
	return &PaymentOrderRepository{db: db}
}

// CreateIfNoOpenOrder inserts the order only when the application has no
// other order in a non-terminal status. The check and the insert run in one
// transaction with the existing rows locked.
func (r *PaymentOrderRepository) CreateIfNoOpenOrder(ctx context.Context, o *domain.PaymentOrder) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var open int64
		err := tx.Model(&domain.PaymentOrder{}).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("application_id = ? AND status NOT IN ?", o.ApplicationID, terminalStatuses()).
			Count(&open).Error
		if err != nil {
			return err
		}
		if open > 0 {
			return ErrOpenOrderExists
		}
		return tx.Create(o).Error
	})
}

func (r *PaymentOrderRepository) GetByIntentID(ctx context.Context, intentID string) (*domain.PaymentOrder, error) {
	var o domain.PaymentOrder
	if err := r.db.WithContext(ctx).Where("payment_intent_id = ?", intentID).First(&o).Error; err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *PaymentOrderRepository) GetLatestByApplicationID(ctx context.Context, applicationID int64) (*domain.PaymentOrder, error) {
	var o domain.PaymentOrder
	err := r.db.WithContext(ctx).
		Where("application_id = ?", applicationID).
		Order("created_at DESC").
		First(&o).Error
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// UpdateStatusIfNotTerminal writes the new status unless the row already
// reached a terminal one. Returns whether the row changed. A terminal status
// is never overwritten, not even by a later "processing" observation.
func (r *PaymentOrderRepository) UpdateStatusIfNotTerminal(ctx context.Context, intentID string, status domain.PaymentOrderStatus, reason, rawBody string) (bool, error) {
	var changed bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var o domain.PaymentOrder
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("payment_intent_id = ?", intentID).First(&o).Error; err != nil {
			return err
		}
		if o.Status.IsTerminal() {
			changed = false
			return nil
		}
		updates := map[string]interface{}{
			"status":         status,
			"failure_reason": reason,
		}
		if rawBody != "" {
			updates["last_raw_response"] = rawBody
		}
		if status == domain.OrderStatusSucceeded {
			updates["succeeded_at"] = time.Now().UTC()
		}
		res := tx.Model(&domain.PaymentOrder{}).Where("payment_intent_id = ?", intentID).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		changed = res.RowsAffected > 0
		return nil
	})
	return changed, err
}

// MarkSucceededIdempotent converges the order to succeeded. Repeated calls
// and duplicate webhook deliveries are no-ops after the first.
func (r *PaymentOrderRepository) MarkSucceededIdempotent(ctx context.Context, intentID string, rawBody string) (bool, error) {
	var changed bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var o domain.PaymentOrder
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("payment_intent_id = ?", intentID).First(&o).Error; err != nil {
			return err
		}
		if o.Status == domain.OrderStatusSucceeded {
			changed = false
			return nil
		}
		res := tx.Model(&domain.PaymentOrder{}).Where("payment_intent_id = ?", intentID).Updates(map[string]interface{}{
			"status":            domain.OrderStatusSucceeded,
			"succeeded_at":      time.Now().UTC(),
			"failure_reason":    "",
			"last_raw_response": rawBody,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errors.New("payment order row not updated")
		}
		changed = true
		return nil
	})
	return changed, err
}

// ListStuck returns non-terminal orders older than the cutoff, for the
// recovery sweep.
func (r *PaymentOrderRepository) ListStuck(ctx context.Context, olderThan time.Time, limit int) ([]domain.PaymentOrder, error) {
	var orders []domain.PaymentOrder
	err := r.db.WithContext(ctx).
		Where("status NOT IN ? AND updated_at < ?", terminalStatuses(), olderThan).
		Order("updated_at ASC").
		Limit(limit).
		Find(&orders).Error
	return orders, err
}

func terminalStatuses() []domain.PaymentOrderStatus {
	return []domain.PaymentOrderStatus{
		domain.OrderStatusSucceeded,
		domain.OrderStatusCanceled,
		domain.OrderStatusFailed,
	}
}

// IsDuplicateKey reports a unique constraint violation from either postgres
// or the translated gorm error used with sqlite.
func IsDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
