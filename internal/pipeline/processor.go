package pipeline

import (
	"fmt"
	"image"

	"traffic-enforcement/internal/alpr"
	"traffic-enforcement/internal/detector"
	"traffic-enforcement/internal/model"
	"traffic-enforcement/internal/speed"
	"traffic-enforcement/internal/utils"
)

// Processor turns one decoded frame into detection events. It holds
// per-stream tracking state and must not be shared between streams.
type Processor struct {
	detector detector.Detector
	speed    *speed.Estimator
	plates   *alpr.Reader
}

func NewProcessor(det detector.Detector, est *speed.Estimator, plates *alpr.Reader) *Processor {
	return &Processor{detector: det, speed: est, plates: plates}
}

// ProcessFrame detects vehicles, estimates their speed from the bottom
// centre of the box and reads plates from the box crop. Stream metadata is
// left for the caller to fill in.
func (p *Processor) ProcessFrame(img image.Image, frameIndex int64, fps float64) ([]model.DetectionEvent, error) {
	tracked, err := p.detector.Detect(img)
	if err != nil {
		return nil, fmt.Errorf("detect frame %d: %w", frameIndex, err)
	}

	events := make([]model.DetectionEvent, 0, len(tracked))
	for _, t := range tracked {
		x, y := t.Box.BottomCenter()
		kmh := p.speed.EstimateSpeed(t.TrackID, speed.Point{X: x, Y: y}, frameIndex, fps)

		evt := model.DetectionEvent{
			FrameNumber: frameIndex,
			TrackID:     t.TrackID,
			VehicleType: t.Class,
			Confidence:  t.Confidence,
			Box:         t.Box,
			Speed:       &kmh,
		}

		if p.plates != nil && img != nil {
			if crop := cropBox(img, t.Box); crop != nil {
				if plate := p.plates.DetectAndRead(crop, t.TrackID); utils.IsReadablePlate(plate) {
					evt.LicensePlate = &plate
				}
			}
		}

		events = append(events, evt)
	}
	return events, nil
}

// Prune drops speed and plate state of tracks idle for more than maxIdle
// frames.
func (p *Processor) Prune(frameIndex, maxIdle int64) {
	for _, id := range p.speed.Prune(frameIndex, maxIdle) {
		if p.plates != nil {
			p.plates.Forget(id)
		}
	}
}

type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

func cropBox(img image.Image, box detector.Box) image.Image {
	rect := box.Rect(img.Bounds())
	if rect.Empty() {
		return nil
	}
	s, ok := img.(subImager)
	if !ok {
		return nil
	}
	return s.SubImage(rect)
}
