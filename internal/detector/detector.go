package detector

import (
	"fmt"
	"image"
)

// Box is (x1, y1, x2, y2) in image pixels.
type Box [4]float64

func (b Box) Width() float64  { return b[2] - b[0] }
func (b Box) Height() float64 { return b[3] - b[1] }

func (b Box) Area() float64 {
	if b.Width() <= 0 || b.Height() <= 0 {
		return 0
	}
	return b.Width() * b.Height()
}

// BottomCenter is the point where the vehicle touches the road.
func (b Box) BottomCenter() (float64, float64) {
	return (b[0] + b[2]) / 2, b[3]
}

// Rect returns the integer pixel rectangle clipped to bounds.
func (b Box) Rect(bounds image.Rectangle) image.Rectangle {
	r := image.Rect(int(b[0]), int(b[1]), int(b[2]), int(b[3]))
	return r.Intersect(bounds)
}

func IoU(a, b Box) float64 {
	inter := Box{
		max(a[0], b[0]),
		max(a[1], b[1]),
		min(a[2], b[2]),
		min(a[3], b[3]),
	}.Area()
	if inter == 0 {
		return 0
	}
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Detection is one raw model output for a single frame.
type Detection struct {
	Box        Box
	ClassID    int
	Confidence float64
}

// Tracked is a vehicle detection with a track identity that persists across
// frames.
type Tracked struct {
	TrackID    int
	Box        Box
	Class      string
	Confidence float64
}

// ObjectDetector runs per-frame inference.
type ObjectDetector interface {
	Detect(img image.Image) ([]Detection, error)
}

// Detector is what the frame pipeline consumes. Any implementation that
// keeps track ids stable for the same vehicle is interchangeable.
type Detector interface {
	Detect(img image.Image) ([]Tracked, error)
}

// COCO class ids for road vehicles.
var VehicleClasses = map[int]string{
	2: "car",
	3: "motorcycle",
	5: "bus",
	7: "truck",
}

// TrackingDetector filters model output to vehicle classes and runs it
// through an IoU tracker. It holds per-stream tracking state, so use one
// instance per stream.
type TrackingDetector struct {
	model   ObjectDetector
	tracker *Tracker
	classes map[int]string
}

func NewTrackingDetector(model ObjectDetector, tracker *Tracker) *TrackingDetector {
	if tracker == nil {
		tracker = NewTracker(DefaultMinIoU, DefaultMaxAge)
	}
	return &TrackingDetector{model: model, tracker: tracker, classes: VehicleClasses}
}

func (d *TrackingDetector) Detect(img image.Image) ([]Tracked, error) {
	raw, err := d.model.Detect(img)
	if err != nil {
		return nil, fmt.Errorf("object detection: %w", err)
	}

	vehicles := raw[:0:0]
	for _, det := range raw {
		if _, ok := d.classes[det.ClassID]; ok {
			vehicles = append(vehicles, det)
		}
	}

	assigned := d.tracker.Update(vehicles)
	out := make([]Tracked, 0, len(vehicles))
	for i, det := range vehicles {
		out = append(out, Tracked{
			TrackID:    assigned[i],
			Box:        det.Box,
			Class:      d.classes[det.ClassID],
			Confidence: det.Confidence,
		})
	}
	return out, nil
}
