package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type SessionState string

const (
	SessionStateStopped  SessionState = "STOPPED"
	SessionStateStarting SessionState = "STARTING"
	SessionStateActive   SessionState = "ACTIVE"
	SessionStateStopping SessionState = "STOPPING"
)

// StreamSession is one configured camera connection. IsActive is the flag
// the capture loop polls; State/ActiveRunID record which transition the
// session manager last made.
type StreamSession struct {
	ID          uuid.UUID    `gorm:"type:uuid;primaryKey" json:"id"`
	DroneID     uuid.UUID    `gorm:"type:uuid;not null;index" json:"drone_id"`
	Drone       *Drone       `gorm:"foreignKey:DroneID" json:"drone,omitempty"`
	SourceURL   string       `gorm:"type:varchar(500);not null" json:"source_url"`
	Resolution  string       `gorm:"type:varchar(20);not null" json:"resolution"`
	FrameRate   int          `gorm:"not null" json:"frame_rate"`
	IsActive    bool         `gorm:"not null;index" json:"is_active"`
	State       SessionState `gorm:"type:varchar(20);not null" json:"state"`
	ActiveRunID *uuid.UUID   `gorm:"type:uuid" json:"active_run_id"`
	CreatedAt   time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}

func (StreamSession) TableName() string {
	return "stream_sessions"
}

func (s *StreamSession) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.State == "" {
		s.State = SessionStateStopped
	}
	if s.Resolution == "" {
		s.Resolution = "1920x1080"
	}
	if s.FrameRate == 0 {
		s.FrameRate = 30
	}
	return nil
}

// SessionRun is one continuous capture attempt. EndTime nil means the run is
// still open.
type SessionRun struct {
	ID              uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	SessionID       uuid.UUID  `gorm:"type:uuid;not null;index:idx_session_runs_session_start,priority:1" json:"session_id"`
	StartTime       time.Time  `gorm:"not null;index:idx_session_runs_session_start,priority:2,sort:desc" json:"start_time"`
	EndTime         *time.Time `gorm:"index" json:"end_time"`
	FramesProcessed int64      `gorm:"not null" json:"frames_processed"`
	OutputTopic     string     `gorm:"type:varchar(100);not null" json:"output_topic"`
	PatrolID        *uuid.UUID `gorm:"type:uuid" json:"patrol_id"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (SessionRun) TableName() string {
	return "session_runs"
}

func (r *SessionRun) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.StartTime.IsZero() {
		r.StartTime = time.Now()
	}
	return nil
}

// Elapsed is the run duration so far, or its total duration once closed.
func (r *SessionRun) Elapsed(now time.Time) time.Duration {
	end := now
	if r.EndTime != nil {
		end = *r.EndTime
	}
	return end.Sub(r.StartTime)
}

// FPS is frames processed per second of elapsed time, 0 when no time passed.
func (r *SessionRun) FPS(now time.Time) float64 {
	secs := r.Elapsed(now).Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(r.FramesProcessed) / secs
}
