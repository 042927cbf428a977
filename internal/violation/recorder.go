package violation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"traffic-enforcement/internal/bus"
	"traffic-enforcement/internal/model"
	"traffic-enforcement/internal/utils"
)

type DetectionWriter interface {
	CreateOrGet(ctx context.Context, d *model.Detection) (*model.Detection, bool, error)
}

type PatrolLookup interface {
	Get(ctx context.Context, droneCode string) (*model.Patrol, error)
}

type Publisher interface {
	Send(ctx context.Context, topic string, v interface{}) error
}

// Recorder persists detection events and asks the engine to evaluate them
// through the checks topic.
type Recorder struct {
	detections  DetectionWriter
	drones      DroneStore
	patrols     PatrolLookup
	publisher   Publisher
	checksTopic string
	log         zerolog.Logger
}

func NewRecorder(detections DetectionWriter, drones DroneStore, patrols PatrolLookup, publisher Publisher, checksTopic string, log zerolog.Logger) *Recorder {
	return &Recorder{
		detections:  detections,
		drones:      drones,
		patrols:     patrols,
		publisher:   publisher,
		checksTopic: checksTopic,
		log:         log.With().Str("component", "detection_recorder").Logger(),
	}
}

// Record stores the event. Redelivered events resolve to the row already
// stored. It returns nil without error for events of unknown drones.
func (r *Recorder) Record(ctx context.Context, evt model.DetectionEvent) (*model.Detection, error) {
	drone, err := r.drones.GetByCode(ctx, evt.DroneID)
	if err != nil {
		return nil, fmt.Errorf("load drone: %w", err)
	}
	if drone == nil {
		r.log.Warn().Str("drone_id", evt.DroneID).Msg("detection from unknown drone skipped")
		return nil, nil
	}

	patrol, err := r.patrols.Get(ctx, evt.DroneID)
	if err != nil {
		return nil, fmt.Errorf("resolve patrol: %w", err)
	}

	detection := toDetection(evt, drone)
	if patrol != nil {
		detection.PatrolID = &patrol.ID
	}

	stored, created, err := r.detections.CreateOrGet(ctx, detection)
	if err != nil {
		return nil, fmt.Errorf("store detection: %w", err)
	}
	if !created {
		r.log.Debug().
			Str("detection_id", stored.ID.String()).
			Int64("frame", evt.FrameNumber).
			Int("track_id", evt.TrackID).
			Msg("duplicate detection event")
	}
	return stored, nil
}

// HandleDetection is the bus handler for detection events.
func (r *Recorder) HandleDetection(ctx context.Context, msg bus.Message) error {
	var evt model.DetectionEvent
	if err := msg.Decode(&evt); err != nil {
		return err
	}
	if evt.DroneID == "" {
		return bus.Malformed(fmt.Errorf("missing droneId"))
	}

	stored, err := r.Record(ctx, evt)
	if err != nil || stored == nil {
		return err
	}

	// Published for duplicates too: the first delivery may have failed
	// between storing and publishing. Evaluation is idempotent.
	return r.publisher.Send(ctx, r.checksTopic, model.ViolationCheck{DetectionID: stored.ID})
}

func toDetection(evt model.DetectionEvent, drone *model.Drone) *model.Detection {
	d := &model.Detection{
		DroneID:     drone.ID,
		DroneCode:   drone.Code,
		FrameNumber: evt.FrameNumber,
		TrackID:     evt.TrackID,
		DetectedAt:  evt.Timestamp,
		VehicleType: evt.VehicleType,
		Confidence:  evt.Confidence,
		Box:         evt.Box,
		Speed:       evt.Speed,
	}
	if d.VehicleType == "" {
		d.VehicleType = "unknown"
	}
	if d.DetectedAt.IsZero() {
		d.DetectedAt = time.Now().UTC()
	}
	if evt.StreamID != uuid.Nil {
		runID := evt.StreamID
		d.RunID = &runID
	}
	if evt.LicensePlate != nil && utils.IsReadablePlate(*evt.LicensePlate) {
		plate := utils.NormalizePlate(*evt.LicensePlate)
		d.LicensePlate = &plate
	}
	if evt.Location != nil {
		lat, lon := evt.Location.Latitude, evt.Location.Longitude
		d.Latitude = &lat
		d.Longitude = &lon
		d.Altitude = evt.Location.Altitude
	}
	return d
}
