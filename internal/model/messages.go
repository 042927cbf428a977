package model

import (
	"time"

	"github.com/google/uuid"
)

// GPS is the drone position attached to a raw frame.
type GPS struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  float64 `json:"altitude"`
}

// RawFrame is published by the capture loop on the raw-frames topic.
type RawFrame struct {
	RunID       uuid.UUID `json:"runId"`
	DroneID     string    `json:"droneId"`
	FrameNumber int64     `json:"frameNumber"`
	Timestamp   time.Time `json:"timestamp"`
	FrameData   string    `json:"frameDataBase64"`
	GPS         GPS       `json:"gps"`
	Resolution  string    `json:"resolution"`
	FrameRate   int       `json:"frameRate"`
}

type Location struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Altitude  *float64 `json:"altitude,omitempty"`
}

// DetectionEvent is one vehicle observation as emitted by the frame pipeline.
type DetectionEvent struct {
	DroneID      string     `json:"droneId"`
	StreamID     uuid.UUID  `json:"streamId"`
	Timestamp    time.Time  `json:"timestamp"`
	FrameNumber  int64      `json:"frameNumber"`
	TrackID      int        `json:"trackId"`
	VehicleType  string     `json:"vehicleType"`
	Confidence   float64    `json:"confidence"`
	Box          [4]float64 `json:"boxCoordinates"`
	LicensePlate *string    `json:"licensePlate"`
	Speed        *float64   `json:"speed"`
	Location     *Location  `json:"location"`
}

// ViolationCheck asks the violation engine to evaluate a persisted detection.
type ViolationCheck struct {
	DetectionID uuid.UUID `json:"detectionId"`
}
