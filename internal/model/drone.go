package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Drone struct {
	ID                uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	Code              string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"drone_id"`
	Name              string     `gorm:"type:varchar(255)" json:"name"`
	SpeedLimit        *float64   `json:"speed_limit"`
	AssignedOfficerID *uuid.UUID `gorm:"type:uuid;index" json:"assigned_officer_id"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Drone) TableName() string {
	return "drones"
}

func (d *Drone) BeforeCreate(tx *gorm.DB) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return nil
}
