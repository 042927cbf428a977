package violation

import "traffic-enforcement/internal/model"

// Defaults apply when neither the patrol nor the drone configures a value.
type Defaults struct {
	SpeedLimit float64
	Fine       float64
}

// ResolveLimit picks the speed limit in effect: the patrol's configured
// limit, then the drone's own default, then the global default. Values
// that are not positive count as unset.
func ResolveLimit(patrol *model.Patrol, drone *model.Drone, defaults Defaults) float64 {
	if patrol != nil && positive(patrol.Config.SpeedLimit) {
		return *patrol.Config.SpeedLimit
	}
	if drone != nil && positive(drone.SpeedLimit) {
		return *drone.SpeedLimit
	}
	return defaults.SpeedLimit
}

// ResolveFine picks the patrol's configured fine, else the global default.
func ResolveFine(patrol *model.Patrol, defaults Defaults) float64 {
	if patrol != nil && positive(patrol.Config.FineAmount) {
		return *patrol.Config.FineAmount
	}
	return defaults.Fine
}

// IsSpeeding is strict: driving exactly at the limit is compliant.
func IsSpeeding(speed *float64, limit float64) bool {
	return speed != nil && *speed > limit
}

func positive(v *float64) bool {
	return v != nil && *v > 0
}

// BuildEvidence snapshots everything the violation relies on at creation.
func BuildEvidence(d *model.Detection, droneCode string, limit float64) model.Evidence {
	return model.Evidence{
		ViolationSpeed: *d.Speed,
		ZoneLimit:      limit,
		Coordinates: model.Coordinates{
			Lat: d.Latitude,
			Lon: d.Longitude,
		},
		Altitude:  d.Altitude,
		DroneID:   droneCode,
		PatrolID:  d.PatrolID,
		Timestamp: d.DetectedAt,
	}
}
