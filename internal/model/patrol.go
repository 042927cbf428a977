package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type PatrolStatus string

const (
	PatrolStatusActive    PatrolStatus = "ACTIVE"
	PatrolStatusCompleted PatrolStatus = "COMPLETED"
	PatrolStatusCancelled PatrolStatus = "CANCELLED"
)

// PatrolConfig is the enforcement snapshot an officer sets when a patrol
// starts. Values may arrive as JSON numbers or numeric strings.
type PatrolConfig struct {
	SpeedLimit *float64 `json:"speed_limit,omitempty"`
	FineAmount *float64 `json:"fine_amount,omitempty"`
}

func (c *PatrolConfig) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	limit, err := looseFloat(raw["speed_limit"])
	if err != nil {
		return fmt.Errorf("speed_limit: %w", err)
	}
	fine, err := looseFloat(raw["fine_amount"])
	if err != nil {
		return fmt.Errorf("fine_amount: %w", err)
	}

	c.SpeedLimit = limit
	c.FineAmount = fine
	return nil
}

func looseFloat(raw json.RawMessage) (*float64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return &f, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	if s == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

type Patrol struct {
	ID        uuid.UUID    `gorm:"type:uuid;primaryKey" json:"id"`
	DroneID   uuid.UUID    `gorm:"type:uuid;not null;index" json:"drone_id"`
	OfficerID *uuid.UUID   `gorm:"type:uuid;index" json:"officer_id"`
	Status    PatrolStatus `gorm:"type:varchar(20);not null;index" json:"status"`
	StartTime time.Time    `gorm:"not null;index" json:"start_time"`
	EndTime   *time.Time   `json:"end_time"`
	Config    PatrolConfig `gorm:"column:patrol_config;serializer:json;type:jsonb" json:"patrol_config"`
	CreatedAt time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Patrol) TableName() string {
	return "patrols"
}

func (p *Patrol) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.StartTime.IsZero() {
		p.StartTime = time.Now()
	}
	if p.Status == "" {
		p.Status = PatrolStatusActive
	}
	return nil
}
