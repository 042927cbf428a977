package violation

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"traffic-enforcement/internal/bus"
	"traffic-enforcement/internal/model"
)

type recorderFixture struct {
	detections *memDetections
	drones     *memDrones
	patrols    *memPatrols
	bus        *memBus
	recorder   *Recorder
	drone      *model.Drone
}

func newRecorderFixture() *recorderFixture {
	f := &recorderFixture{
		detections: newMemDetections(),
		patrols:    &memPatrols{byID: map[uuid.UUID]*model.Patrol{}},
		bus:        newMemBus(),
		drone:      &model.Drone{ID: uuid.New(), Code: "DR-001"},
	}
	f.drones = &memDrones{drones: []*model.Drone{f.drone}}
	f.recorder = NewRecorder(f.detections, f.drones, &activePatrol{drones: f.drones, patrols: f.patrols}, f.bus, "violation_checks", zerolog.Nop())
	return f
}

func event(droneID string, run uuid.UUID, frame int64) model.DetectionEvent {
	alt := 120.0
	return model.DetectionEvent{
		DroneID:      droneID,
		StreamID:     run,
		Timestamp:    time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		FrameNumber:  frame,
		TrackID:      2,
		Confidence:   0.9,
		Box:          [4]float64{1, 2, 3, 4},
		LicensePlate: strPtr("kaa 111a"),
		Speed:        floatPtr(72.5),
		Location:     &model.Location{Latitude: -1.29, Longitude: 36.82, Altitude: &alt},
	}
}

func TestRecorderStoresAndRequestsCheck(t *testing.T) {
	f := newRecorderFixture()
	patrol := &model.Patrol{ID: uuid.New(), DroneID: f.drone.ID, Status: model.PatrolStatusActive}
	f.patrols.byID[patrol.ID] = patrol
	run := uuid.New()

	err := f.recorder.HandleDetection(context.Background(), bus.Message{Data: mustJSON(t, event("DR-001", run, 9))})
	require.NoError(t, err)

	checks := f.bus.drain("violation_checks")
	require.Len(t, checks, 1)
	var check model.ViolationCheck
	require.NoError(t, checks[0].Decode(&check))

	stored, err := f.detections.GetByID(context.Background(), check.DetectionID)
	require.NoError(t, err)
	assert.Equal(t, f.drone.ID, stored.DroneID)
	assert.Equal(t, "DR-001", stored.DroneCode)
	assert.Equal(t, &run, stored.RunID)
	assert.Equal(t, &patrol.ID, stored.PatrolID)
	assert.Equal(t, "unknown", stored.VehicleType)
	assert.Equal(t, "KAA111A", *stored.LicensePlate)
	assert.Equal(t, 36.82, *stored.Longitude)
	assert.Equal(t, 120.0, *stored.Altitude)
}

func TestRecorderDeduplicatesRedelivery(t *testing.T) {
	f := newRecorderFixture()
	msg := bus.Message{Data: mustJSON(t, event("DR-001", uuid.New(), 9))}
	ctx := context.Background()

	require.NoError(t, f.recorder.HandleDetection(ctx, msg))
	require.NoError(t, f.recorder.HandleDetection(ctx, msg))

	checks := f.bus.drain("violation_checks")
	require.Len(t, checks, 2)
	var first, second model.ViolationCheck
	require.NoError(t, checks[0].Decode(&first))
	require.NoError(t, checks[1].Decode(&second))
	assert.Equal(t, first.DetectionID, second.DetectionID)
	assert.Len(t, f.detections.byID, 1)
}

func TestRecorderSkipsUnknownDrone(t *testing.T) {
	f := newRecorderFixture()
	err := f.recorder.HandleDetection(context.Background(), bus.Message{Data: mustJSON(t, event("DR-404", uuid.New(), 1))})
	require.NoError(t, err)
	assert.Empty(t, f.bus.drain("violation_checks"))
	assert.Empty(t, f.detections.byID)
}

func TestRecorderDropsPlaceholderPlates(t *testing.T) {
	f := newRecorderFixture()
	evt := event("DR-001", uuid.New(), 1)
	evt.LicensePlate = strPtr("Unknown")

	stored, err := f.recorder.Record(context.Background(), evt)
	require.NoError(t, err)
	assert.Nil(t, stored.LicensePlate)
}

func TestRecorderMalformedAndPublishFailure(t *testing.T) {
	f := newRecorderFixture()
	ctx := context.Background()

	assert.ErrorIs(t, f.recorder.HandleDetection(ctx, bus.Message{Data: []byte(`[`)}), bus.ErrMalformed)
	assert.ErrorIs(t, f.recorder.HandleDetection(ctx, bus.Message{Data: []byte(`{}`)}), bus.ErrMalformed)

	f.bus.err = bus.ErrBrokerUnavailable
	err := f.recorder.HandleDetection(ctx, bus.Message{Data: mustJSON(t, event("DR-001", uuid.New(), 1))})
	assert.ErrorIs(t, err, bus.ErrBrokerUnavailable)
}
