package domain

import "time"

type ApplicationStatus string

const (
	ApplicationStatusDraft             ApplicationStatus = "draft"
	ApplicationStatusAwaitingPayment   ApplicationStatus = "awaiting_payment"
	ApplicationStatusPaymentProcessing ApplicationStatus = "payment_processing"
	ApplicationStatusApproved          ApplicationStatus = "approved"
	ApplicationStatusRejected          ApplicationStatus = "rejected"
	ApplicationStatusSubmitted         ApplicationStatus = "submitted"
)

// PermitApplication is a vehicle circulation permit request. The CRUD surface
// lives outside this service; payment processing only reads it and moves its
// status forward once money has been collected.
type PermitApplication struct {
	ID                 int64             `gorm:"primaryKey" json:"id"`
	Folio              string            `gorm:"type:varchar(32);uniqueIndex;not null" json:"folio"`
	ApplicantName      string            `gorm:"type:varchar(255);not null" json:"applicant_name"`
	ApplicantEmail     string            `gorm:"type:varchar(255);not null;index" json:"applicant_email"`
	ApplicantPhone     string            `gorm:"type:varchar(32)" json:"applicant_phone"`
	PlateNumber        string            `gorm:"type:varchar(16);not null;index" json:"plate_number"`
	VehicleMake        string            `gorm:"type:varchar(64)" json:"vehicle_make"`
	VehicleModel       string            `gorm:"type:varchar(64)" json:"vehicle_model"`
	VehicleYear        int               `json:"vehicle_year"`
	Status             ApplicationStatus `gorm:"type:varchar(32);default:'draft';index" json:"status"`
	ProviderCustomerID string            `gorm:"type:varchar(64);index" json:"provider_customer_id"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

func (PermitApplication) TableName() string { return "permit_applications" }
