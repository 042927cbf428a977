package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type ViolationStatus string

const (
	ViolationStatusNew          ViolationStatus = "NEW"
	ViolationStatusProcessed    ViolationStatus = "PROCESSED"
	ViolationStatusCitationSent ViolationStatus = "CITATION_SENT"
	ViolationStatusDismissed    ViolationStatus = "DISMISSED"
)

const ViolationTypeSpeeding = "SPEEDING"

type Coordinates struct {
	Lat *float64 `json:"lat"`
	Lon *float64 `json:"lon"`
}

// Evidence is the snapshot taken when a violation is created. It is written
// once together with the violation row and never updated.
type Evidence struct {
	ViolationSpeed float64     `json:"violation_speed"`
	ZoneLimit      float64     `json:"zone_limit"`
	Coordinates    Coordinates `json:"coordinates"`
	Altitude       *float64    `json:"altitude"`
	DroneID        string      `json:"drone_id"`
	PatrolID       *uuid.UUID  `json:"patrol_id"`
	Timestamp      time.Time   `json:"timestamp"`
}

type Violation struct {
	ID            uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	DetectionID   uuid.UUID       `gorm:"type:uuid;not null;uniqueIndex" json:"detection_id"`
	PatrolID      *uuid.UUID      `gorm:"type:uuid;index" json:"patrol_id"`
	ViolationType string          `gorm:"type:varchar(50);not null" json:"violation_type"`
	Status        ViolationStatus `gorm:"type:varchar(20);not null" json:"status"`
	FineAmount    float64         `gorm:"not null" json:"fine_amount"`
	Description   string          `gorm:"type:text" json:"description"`
	Evidence      Evidence        `gorm:"serializer:json;type:jsonb;not null" json:"evidence"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Violation) TableName() string {
	return "violations"
}

func (v *Violation) BeforeCreate(tx *gorm.DB) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	if v.Status == "" {
		v.Status = ViolationStatusNew
	}
	return nil
}
