package repository

import (
	"context"

	"gorm.io/gorm"

	"permitpay/internal/domain"
)

type ApplicationRepository struct {
	db *gorm.DB
}

func NewApplicationRepository(db *gorm.DB) *ApplicationRepository {
	return &ApplicationRepository{db: db}
}

func (r *ApplicationRepository) GetByID(ctx context.Context, id int64) (*domain.PermitApplication, error) {
	var app domain.PermitApplication
	if err := r.db.WithContext(ctx).First(&app, id).Error; err != nil {
		return nil, err
	}
	return &app, nil
}

func (r *ApplicationRepository) GetByFolio(ctx context.Context, folio string) (*domain.PermitApplication, error) {
	var app domain.PermitApplication
	if err := r.db.WithContext(ctx).Where("folio = ?", folio).First(&app).Error; err != nil {
		return nil, err
	}
	return &app, nil
}

func (r *ApplicationRepository) UpdateStatus(ctx context.Context, id int64, status domain.ApplicationStatus) error {
	return r.db.WithContext(ctx).
		Model(&domain.PermitApplication{}).
		Where("id = ?", id).
		Update("status", status).Error
}

func (r *ApplicationRepository) SetProviderCustomerID(ctx context.Context, id int64, customerID string) error {
	return r.db.WithContext(ctx).
		Model(&domain.PermitApplication{}).
		Where("id = ?", id).
		Update("provider_customer_id", customerID).Error
}
