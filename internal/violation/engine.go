package violation

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"traffic-enforcement/internal/bus"
	"traffic-enforcement/internal/model"
	"traffic-enforcement/internal/notify"
	"traffic-enforcement/internal/repository"
	"traffic-enforcement/internal/utils"
)

var ErrDetectionNotFound = errors.New("detection not found")

type DetectionStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Detection, error)
}

type PatrolStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Patrol, error)
}

type DroneStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Drone, error)
	GetByCode(ctx context.Context, code string) (*model.Drone, error)
}

type ViolationStore interface {
	CreateOnce(ctx context.Context, v *model.Violation) (bool, error)
	GetByDetectionID(ctx context.Context, detectionID uuid.UUID) (*model.Violation, error)
}

type VehicleRegistry interface {
	GetByPlate(ctx context.Context, plate string) (*model.VehicleRegistration, error)
}

// Engine turns persisted detections into speeding violations.
type Engine struct {
	detections DetectionStore
	patrols    PatrolStore
	drones     DroneStore
	violations ViolationStore
	vehicles   VehicleRegistry
	notifier   notify.Dispatcher
	sms        notify.SMSSender
	defaults   Defaults
	log        zerolog.Logger
}

func NewEngine(
	detections DetectionStore,
	patrols PatrolStore,
	drones DroneStore,
	violations ViolationStore,
	vehicles VehicleRegistry,
	notifier notify.Dispatcher,
	sms notify.SMSSender,
	defaults Defaults,
	log zerolog.Logger,
) *Engine {
	return &Engine{
		detections: detections,
		patrols:    patrols,
		drones:     drones,
		violations: violations,
		vehicles:   vehicles,
		notifier:   notifier,
		sms:        sms,
		defaults:   defaults,
		log:        log.With().Str("component", "violation_engine").Logger(),
	}
}

// Evaluate checks one detection. It returns the violation when the
// detection is speeding and reports whether this call created it. A
// violation that already exists is returned without notifying again.
func (e *Engine) Evaluate(ctx context.Context, detectionID uuid.UUID) (*model.Violation, bool, error) {
	detection, err := e.detections.GetByID(ctx, detectionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, false, fmt.Errorf("%w: %s", ErrDetectionNotFound, detectionID)
		}
		return nil, false, fmt.Errorf("load detection: %w", err)
	}
	if detection.Speed == nil {
		return nil, false, nil
	}

	var patrol *model.Patrol
	if detection.PatrolID != nil {
		patrol, err = e.patrols.GetByID(ctx, *detection.PatrolID)
		if err != nil {
			return nil, false, fmt.Errorf("load patrol: %w", err)
		}
	}

	drone, err := e.drones.GetByID(ctx, detection.DroneID)
	if err != nil {
		return nil, false, fmt.Errorf("load drone: %w", err)
	}

	limit := ResolveLimit(patrol, drone, e.defaults)
	if !IsSpeeding(detection.Speed, limit) {
		return nil, false, nil
	}

	violation := &model.Violation{
		DetectionID:   detection.ID,
		PatrolID:      detection.PatrolID,
		ViolationType: model.ViolationTypeSpeeding,
		Status:        model.ViolationStatusNew,
		FineAmount:    ResolveFine(patrol, e.defaults),
		Description: fmt.Sprintf("Vehicle detected at %s km/h (Limit: %s km/h)",
			formatSpeed(*detection.Speed), formatSpeed(limit)),
		Evidence: BuildEvidence(detection, detection.DroneCode, limit),
	}

	created, err := e.violations.CreateOnce(ctx, violation)
	if err != nil {
		return nil, false, fmt.Errorf("create violation: %w", err)
	}
	if !created {
		existing, err := e.violations.GetByDetectionID(ctx, detection.ID)
		if err != nil {
			return nil, false, fmt.Errorf("load existing violation: %w", err)
		}
		e.log.Debug().Str("detection_id", detection.ID.String()).Msg("violation already recorded")
		return existing, false, nil
	}

	e.log.Info().
		Str("violation_id", violation.ID.String()).
		Str("detection_id", detection.ID.String()).
		Float64("speed", *detection.Speed).
		Float64("limit", limit).
		Msg("speeding violation created")

	e.notifyOfficer(ctx, patrol, detection, violation)
	e.notifyOwner(ctx, detection, violation)

	return violation, true, nil
}

func (e *Engine) notifyOfficer(ctx context.Context, patrol *model.Patrol, d *model.Detection, v *model.Violation) {
	if e.notifier == nil || patrol == nil || patrol.OfficerID == nil {
		return
	}
	related := v.ID.String()
	err := e.notifier.Notify(ctx, notify.Notification{
		RecipientID: *patrol.OfficerID,
		Title:       "Speeding Violation Detected",
		Message: fmt.Sprintf("Vehicle %s detected at %s km/h in a %s km/h zone",
			plateOrUnknown(d.LicensePlate), formatSpeed(v.Evidence.ViolationSpeed), formatSpeed(v.Evidence.ZoneLimit)),
		Category:  notify.CategoryViolationAlert,
		RelatedID: &related,
	})
	if err != nil {
		e.log.Error().Err(err).Str("violation_id", related).Msg("officer notification failed")
	}
}

func (e *Engine) notifyOwner(ctx context.Context, d *model.Detection, v *model.Violation) {
	if e.sms == nil || e.vehicles == nil || d.LicensePlate == nil || !utils.IsReadablePlate(*d.LicensePlate) {
		return
	}
	vehicle, err := e.vehicles.GetByPlate(ctx, *d.LicensePlate)
	if err != nil {
		e.log.Warn().Err(err).Str("plate", *d.LicensePlate).Msg("vehicle registry lookup failed")
		return
	}
	if vehicle == nil || vehicle.OwnerPhoneNumber == nil || *vehicle.OwnerPhoneNumber == "" {
		return
	}

	message := fmt.Sprintf(
		"Traffic notice: vehicle %s was recorded at %s km/h in a %s km/h zone. Violation ID: %s. Fine: %.2f.",
		vehicle.LicensePlate, formatSpeed(v.Evidence.ViolationSpeed), formatSpeed(v.Evidence.ZoneLimit), v.ID, v.FineAmount,
	)
	if err := e.sms.SendSMS(ctx, *vehicle.OwnerPhoneNumber, message); err != nil {
		e.log.Error().Err(err).Str("violation_id", v.ID.String()).Msg("citizen SMS failed")
	}
}

// HandleCheck is the bus handler for violation check messages.
func (e *Engine) HandleCheck(ctx context.Context, msg bus.Message) error {
	var check model.ViolationCheck
	if err := msg.Decode(&check); err != nil {
		return err
	}
	if check.DetectionID == uuid.Nil {
		return bus.Malformed(errors.New("missing detectionId"))
	}
	_, _, err := e.Evaluate(ctx, check.DetectionID)
	if errors.Is(err, ErrDetectionNotFound) {
		return bus.Malformed(err)
	}
	return err
}

func formatSpeed(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func plateOrUnknown(plate *string) string {
	if plate == nil || *plate == "" {
		return "with unreadable plate"
	}
	return *plate
}
