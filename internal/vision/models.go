package vision

import (
	"fmt"

	"github.com/rs/zerolog"

	"traffic-enforcement/internal/alpr"
	"traffic-enforcement/internal/config"
	"traffic-enforcement/internal/detector"
	"traffic-enforcement/internal/pipeline"
	"traffic-enforcement/internal/speed"
)

// Models holds the networks loaded once per process and shared by every
// stream processor.
type Models struct {
	vehicles *YOLODetector
	plates   *YOLODetector
	ocr      *TesseractOCR
	cfg      config.VisionConfig
}

// LoadModels loads the vehicle model and, when configured, the plate model
// and OCR engine. Without a plate model every plate reads as unavailable.
func LoadModels(cfg config.VisionConfig, log zerolog.Logger) (*Models, error) {
	vehicles, err := NewYOLODetector(cfg.VehicleModel, cfg.ConfidenceThreshold)
	if err != nil {
		return nil, fmt.Errorf("vehicle model: %w", err)
	}
	m := &Models{vehicles: vehicles, cfg: cfg}

	if cfg.PlateModel == "" {
		log.Warn().Msg("no plate model configured, plate reading disabled")
		return m, nil
	}
	if m.plates, err = NewYOLODetector(cfg.PlateModel, cfg.ConfidenceThreshold); err != nil {
		m.Close()
		return nil, fmt.Errorf("plate model: %w", err)
	}
	if m.ocr, err = NewTesseractOCR(cfg.OCRLanguage); err != nil {
		m.Close()
		return nil, fmt.Errorf("ocr: %w", err)
	}
	return m, nil
}

// ProcessorFactory builds processors with fresh tracker, speed and plate
// state around the shared models.
func (m *Models) ProcessorFactory(speedCfg config.SpeedConfig, log zerolog.Logger) pipeline.ProcessorFactory {
	return func() (*pipeline.Processor, error) {
		est, err := speed.New(speed.ConfigFrom(speedCfg), nil)
		if err != nil {
			return nil, err
		}
		var plates *alpr.Reader
		if m.plates != nil {
			plates = alpr.NewReader(NewPlateLocalizer(m.plates), m.ocr, nil, m.cfg.OCRMinConfidence, log)
		} else {
			plates = alpr.NewReader(nil, nil, nil, m.cfg.OCRMinConfidence, log)
		}
		det := detector.NewTrackingDetector(m.vehicles, nil)
		return pipeline.NewProcessor(det, est, plates), nil
	}
}

func (m *Models) Close() {
	if m.vehicles != nil {
		m.vehicles.Close()
	}
	if m.plates != nil {
		m.plates.Close()
	}
	if m.ocr != nil {
		m.ocr.Close()
	}
}
