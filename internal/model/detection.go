package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Detection is the persisted form of a DetectionEvent. The tuple
// (run_id, frame_number, track_id) identifies one observation, so a
// redelivered bus message maps onto the existing row.
type Detection struct {
	ID           uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	DroneID      uuid.UUID  `gorm:"type:uuid;not null;index" json:"drone_id"`
	DroneCode    string     `gorm:"type:varchar(64);not null" json:"drone_code"`
	RunID        *uuid.UUID `gorm:"type:uuid;uniqueIndex:uq_detections_key" json:"run_id"`
	PatrolID     *uuid.UUID `gorm:"type:uuid;index" json:"patrol_id"`
	FrameNumber  int64      `gorm:"not null;uniqueIndex:uq_detections_key" json:"frame_number"`
	TrackID      int        `gorm:"not null;uniqueIndex:uq_detections_key" json:"track_id"`
	DetectedAt   time.Time  `gorm:"not null;index" json:"timestamp"`
	VehicleType  string     `gorm:"type:varchar(50);not null" json:"vehicle_type"`
	Confidence   float64    `gorm:"not null" json:"confidence"`
	Box          [4]float64 `gorm:"serializer:json;type:jsonb;not null" json:"box_coordinates"`
	LicensePlate *string    `gorm:"type:varchar(20);index" json:"license_plate"`
	Speed        *float64   `json:"speed"`
	Latitude     *float64   `json:"latitude"`
	Longitude    *float64   `json:"longitude"`
	Altitude     *float64   `json:"altitude"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

func (Detection) TableName() string {
	return "detections"
}

func (d *Detection) BeforeCreate(tx *gorm.DB) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return nil
}
