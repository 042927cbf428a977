package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// VehicleRegistration is the owner record the vehicle registry resolves a
// plate to.
type VehicleRegistration struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	LicensePlate     string    `gorm:"type:varchar(20);uniqueIndex;not null" json:"license_plate"`
	OwnerName        string    `gorm:"type:varchar(255);not null" json:"owner_name"`
	OwnerPhoneNumber *string   `gorm:"type:varchar(20)" json:"owner_phone_number"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (VehicleRegistration) TableName() string {
	return "vehicle_registrations"
}

func (v *VehicleRegistration) BeforeCreate(tx *gorm.DB) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	return nil
}
