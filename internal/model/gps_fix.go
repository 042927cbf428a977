package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type GPSFix struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	DroneID    uuid.UUID `gorm:"type:uuid;not null;index" json:"drone_id"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Altitude   float64   `json:"altitude"`
	RecordedAt time.Time `gorm:"index;not null" json:"recorded_at"`
}

func (GPSFix) TableName() string {
	return "gps_fixes"
}

func (p *GPSFix) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}
