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
	"traffic-enforcement/internal/notify"
)

var defaults = Defaults{SpeedLimit: 60, Fine: 50}

type engineFixture struct {
	detections *memDetections
	violations *memViolations
	drones     *memDrones
	patrols    *memPatrols
	vehicles   *memVehicles
	notifier   *recordingNotifier
	sms        *recordingSMS
	engine     *Engine
	drone      *model.Drone
	officer    uuid.UUID
}

func newEngineFixture() *engineFixture {
	f := &engineFixture{
		detections: newMemDetections(),
		violations: newMemViolations(),
		patrols:    &memPatrols{byID: map[uuid.UUID]*model.Patrol{}},
		vehicles:   &memVehicles{byPlate: map[string]*model.VehicleRegistration{}},
		notifier:   &recordingNotifier{},
		sms:        &recordingSMS{},
		drone:      &model.Drone{ID: uuid.New(), Code: "DR-001", Name: "Falcon"},
		officer:    uuid.New(),
	}
	f.drones = &memDrones{drones: []*model.Drone{f.drone}}
	f.engine = NewEngine(f.detections, f.patrols, f.drones, f.violations, f.vehicles, f.notifier, f.sms, defaults, zerolog.Nop())
	return f
}

func (f *engineFixture) patrol(cfg model.PatrolConfig) *model.Patrol {
	p := &model.Patrol{ID: uuid.New(), DroneID: f.drone.ID, OfficerID: &f.officer, Status: model.PatrolStatusActive, Config: cfg}
	f.patrols.byID[p.ID] = p
	return p
}

func (f *engineFixture) detection(speed *float64, patrol *model.Patrol, plate *string) *model.Detection {
	run := uuid.New()
	d := &model.Detection{
		DroneID:      f.drone.ID,
		DroneCode:    f.drone.Code,
		RunID:        &run,
		FrameNumber:  33,
		TrackID:      1,
		DetectedAt:   time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		VehicleType:  "car",
		Speed:        speed,
		LicensePlate: plate,
		Latitude:     floatPtr(-1.29),
		Longitude:    floatPtr(36.82),
		Altitude:     floatPtr(120),
	}
	if patrol != nil {
		d.PatrolID = &patrol.ID
	}
	return f.detections.add(d)
}

func TestResolveLimitPrecedence(t *testing.T) {
	drone := &model.Drone{SpeedLimit: floatPtr(70)}
	withLimit := &model.Patrol{Config: model.PatrolConfig{SpeedLimit: floatPtr(50)}}
	withoutLimit := &model.Patrol{}

	assert.Equal(t, 50.0, ResolveLimit(withLimit, drone, defaults))
	assert.Equal(t, 70.0, ResolveLimit(withoutLimit, drone, defaults))
	assert.Equal(t, 70.0, ResolveLimit(nil, drone, defaults))
	assert.Equal(t, 60.0, ResolveLimit(nil, &model.Drone{}, defaults))
	assert.Equal(t, 60.0, ResolveLimit(nil, nil, defaults))
	assert.Equal(t, 70.0, ResolveLimit(&model.Patrol{Config: model.PatrolConfig{SpeedLimit: floatPtr(0)}}, drone, defaults))
}

func TestResolveFine(t *testing.T) {
	assert.Equal(t, 80.0, ResolveFine(&model.Patrol{Config: model.PatrolConfig{FineAmount: floatPtr(80)}}, defaults))
	assert.Equal(t, 50.0, ResolveFine(&model.Patrol{}, defaults))
	assert.Equal(t, 50.0, ResolveFine(nil, defaults))
}

func TestIsSpeedingIsStrict(t *testing.T) {
	assert.False(t, IsSpeeding(floatPtr(60), 60))
	assert.True(t, IsSpeeding(floatPtr(60.01), 60))
	assert.False(t, IsSpeeding(floatPtr(59.99), 60))
	assert.False(t, IsSpeeding(nil, 60))
}

func TestEvaluateAtLimitIsCompliant(t *testing.T) {
	f := newEngineFixture()
	d := f.detection(floatPtr(60), nil, nil)

	v, created, err := f.engine.Evaluate(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Nil(t, v)
	assert.False(t, created)
	assert.Equal(t, 0, f.violations.count())
}

func TestEvaluateJustOverLimit(t *testing.T) {
	f := newEngineFixture()
	d := f.detection(floatPtr(60.01), nil, nil)

	v, created, err := f.engine.Evaluate(context.Background(), d.ID)
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, model.ViolationTypeSpeeding, v.ViolationType)
	assert.Equal(t, model.ViolationStatusNew, v.Status)
	assert.Equal(t, 50.0, v.FineAmount)
	assert.Equal(t, "Vehicle detected at 60.01 km/h (Limit: 60 km/h)", v.Description)
}

func TestEvaluateUsesPatrolLimitOverDroneDefault(t *testing.T) {
	f := newEngineFixture()
	f.drone.SpeedLimit = floatPtr(70)
	p := f.patrol(model.PatrolConfig{SpeedLimit: floatPtr(50)})

	d := f.detection(floatPtr(55), p, nil)
	v, created, err := f.engine.Evaluate(context.Background(), d.ID)
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, 50.0, v.Evidence.ZoneLimit)
}

func TestEvaluateUsesDroneDefaultWithoutPatrolLimit(t *testing.T) {
	f := newEngineFixture()
	f.drone.SpeedLimit = floatPtr(70)

	d := f.detection(floatPtr(65), nil, nil)
	v, _, err := f.engine.Evaluate(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestEvaluateWithoutSpeed(t *testing.T) {
	f := newEngineFixture()
	d := f.detection(nil, nil, nil)

	v, _, err := f.engine.Evaluate(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestEvaluateBuildsEvidenceSnapshot(t *testing.T) {
	f := newEngineFixture()
	p := f.patrol(model.PatrolConfig{SpeedLimit: floatPtr(60), FineAmount: floatPtr(80)})
	d := f.detection(floatPtr(75), p, strPtr("KAA111A"))

	v, _, err := f.engine.Evaluate(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.Evidence{
		ViolationSpeed: 75,
		ZoneLimit:      60,
		Coordinates:    model.Coordinates{Lat: floatPtr(-1.29), Lon: floatPtr(36.82)},
		Altitude:       floatPtr(120),
		DroneID:        "DR-001",
		PatrolID:       &p.ID,
		Timestamp:      d.DetectedAt,
	}, v.Evidence)
	assert.Equal(t, &p.ID, v.PatrolID)
	assert.Equal(t, 80.0, v.FineAmount)
}

func TestEvaluateIsIdempotentPerDetection(t *testing.T) {
	f := newEngineFixture()
	p := f.patrol(model.PatrolConfig{})
	d := f.detection(floatPtr(90), p, nil)
	ctx := context.Background()

	first, created, err := f.engine.Evaluate(ctx, d.ID)
	require.NoError(t, err)
	require.True(t, created)

	again, created, err := f.engine.Evaluate(ctx, d.ID)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, 1, f.violations.count())
	assert.Len(t, f.notifier.sent, 1)
}

func TestNotificationsAreBestEffort(t *testing.T) {
	f := newEngineFixture()
	f.notifier.err = errBoom
	f.sms.err = errBoom
	f.vehicles.byPlate["KAA111A"] = &model.VehicleRegistration{LicensePlate: "KAA111A", OwnerPhoneNumber: strPtr("+254700000001")}
	p := f.patrol(model.PatrolConfig{})
	d := f.detection(floatPtr(90), p, strPtr("KAA111A"))

	v, created, err := f.engine.Evaluate(context.Background(), d.ID)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotNil(t, v)
	assert.Len(t, f.notifier.sent, 1)
	assert.Len(t, f.sms.sent, 1)
	assert.Equal(t, 1, f.violations.count())
}

func TestNoNotificationWithoutOfficerOrPhone(t *testing.T) {
	f := newEngineFixture()
	f.vehicles.byPlate["KAA111A"] = &model.VehicleRegistration{LicensePlate: "KAA111A"}
	d := f.detection(floatPtr(90), nil, strPtr("KAA111A"))

	_, created, err := f.engine.Evaluate(context.Background(), d.ID)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Empty(t, f.notifier.sent)
	assert.Empty(t, f.sms.sent)
}

func TestRegistryFailureDoesNotBlockViolation(t *testing.T) {
	f := newEngineFixture()
	f.vehicles.err = errBoom
	d := f.detection(floatPtr(90), nil, strPtr("KAA111A"))

	_, created, err := f.engine.Evaluate(context.Background(), d.ID)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestEvaluateStoreFailureIsReturned(t *testing.T) {
	f := newEngineFixture()
	f.violations.createErr = errBoom
	d := f.detection(floatPtr(90), nil, nil)

	_, _, err := f.engine.Evaluate(context.Background(), d.ID)
	assert.ErrorIs(t, err, errBoom)
	assert.Empty(t, f.notifier.sent)
}

func TestHandleCheck(t *testing.T) {
	f := newEngineFixture()
	d := f.detection(floatPtr(90), nil, nil)
	ctx := context.Background()

	err := f.engine.HandleCheck(ctx, bus.Message{Data: mustJSON(t, model.ViolationCheck{DetectionID: d.ID})})
	require.NoError(t, err)
	assert.Equal(t, 1, f.violations.count())

	err = f.engine.HandleCheck(ctx, bus.Message{Data: mustJSON(t, model.ViolationCheck{DetectionID: uuid.New()})})
	assert.ErrorIs(t, err, bus.ErrMalformed)

	err = f.engine.HandleCheck(ctx, bus.Message{Data: []byte(`{}`)})
	assert.ErrorIs(t, err, bus.ErrMalformed)

	err = f.engine.HandleCheck(ctx, bus.Message{Data: []byte(`nope`)})
	assert.ErrorIs(t, err, bus.ErrMalformed)
}

func TestOfficerNotificationContent(t *testing.T) {
	f := newEngineFixture()
	p := f.patrol(model.PatrolConfig{})
	d := f.detection(floatPtr(75), p, strPtr("KAA111A"))

	v, _, err := f.engine.Evaluate(context.Background(), d.ID)
	require.NoError(t, err)
	require.Len(t, f.notifier.sent, 1)
	n := f.notifier.sent[0]
	assert.Equal(t, f.officer, n.RecipientID)
	assert.Equal(t, notify.CategoryViolationAlert, n.Category)
	require.NotNil(t, n.RelatedID)
	assert.Equal(t, v.ID.String(), *n.RelatedID)
	assert.Contains(t, n.Message, "KAA111A")
}
