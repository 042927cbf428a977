package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"traffic-enforcement/internal/bus"
	"traffic-enforcement/internal/model"
)

const defaultFPS = 30

// FrameDecoder turns an encoded frame (JPEG) into an image.
type FrameDecoder interface {
	Decode(data []byte) (image.Image, error)
}

type Publisher interface {
	Send(ctx context.Context, topic string, v interface{}) error
}

// ProcessorFactory builds a processor with fresh tracking state.
type ProcessorFactory func() (*Processor, error)

type processorEntry struct {
	processor *Processor
	lastUsed  time.Time
}

// Worker consumes raw frames, keeps one processor per capture run and
// publishes the resulting detection events.
type Worker struct {
	decoder      FrameDecoder
	newProcessor ProcessorFactory
	publisher    Publisher
	topic        string
	idleTimeout  time.Duration
	trackIdle    int64
	log          zerolog.Logger
	now          func() time.Time

	mu         sync.Mutex
	processors map[uuid.UUID]*processorEntry
}

type WorkerOptions struct {
	DetectionsTopic string
	ProcessorIdle   time.Duration
	TrackIdleFrames int64
}

func NewWorker(decoder FrameDecoder, factory ProcessorFactory, publisher Publisher, opts WorkerOptions, log zerolog.Logger) *Worker {
	if opts.ProcessorIdle <= 0 {
		opts.ProcessorIdle = 5 * time.Minute
	}
	return &Worker{
		decoder:      decoder,
		newProcessor: factory,
		publisher:    publisher,
		topic:        opts.DetectionsTopic,
		idleTimeout:  opts.ProcessorIdle,
		trackIdle:    opts.TrackIdleFrames,
		log:          log.With().Str("component", "frame_worker").Logger(),
		now:          time.Now,
		processors:   make(map[uuid.UUID]*processorEntry),
	}
}

// HandleFrame is the bus handler for raw frames.
func (w *Worker) HandleFrame(ctx context.Context, msg bus.Message) error {
	var frame model.RawFrame
	if err := msg.Decode(&frame); err != nil {
		return err
	}
	events, err := w.Process(ctx, frame)
	if err != nil {
		return err
	}

	for _, evt := range events {
		if err := w.publisher.Send(ctx, w.topic, evt); err != nil {
			return fmt.Errorf("publish detection: %w", err)
		}
	}
	return nil
}

// Process runs one raw frame through its run's processor and returns the
// events with stream metadata attached.
func (w *Worker) Process(ctx context.Context, frame model.RawFrame) ([]model.DetectionEvent, error) {
	if frame.RunID == uuid.Nil {
		return nil, bus.Malformed(errors.New("missing runId"))
	}
	if frame.FrameData == "" {
		return nil, bus.Malformed(errors.New("missing frame data"))
	}

	data, err := base64.StdEncoding.DecodeString(frame.FrameData)
	if err != nil {
		return nil, bus.Malformed(fmt.Errorf("frame data: %w", err))
	}
	img, err := w.decoder.Decode(data)
	if err != nil {
		return nil, bus.Malformed(fmt.Errorf("decode frame: %w", err))
	}

	processor, err := w.processorFor(frame.RunID)
	if err != nil {
		return nil, err
	}

	fps := float64(frame.FrameRate)
	if fps <= 0 {
		fps = defaultFPS
	}

	events, err := processor.ProcessFrame(img, frame.FrameNumber, fps)
	if err != nil {
		return nil, err
	}
	processor.Prune(frame.FrameNumber, w.trackIdle)

	timestamp := frame.Timestamp
	if timestamp.IsZero() {
		timestamp = w.now().UTC()
	}
	location := locationOf(frame.GPS)
	for i := range events {
		events[i].DroneID = frame.DroneID
		events[i].StreamID = frame.RunID
		events[i].Timestamp = timestamp
		events[i].Location = location
	}

	if len(events) > 0 {
		w.log.Debug().
			Str("run_id", frame.RunID.String()).
			Int64("frame", frame.FrameNumber).
			Int("detections", len(events)).
			Msg("frame processed")
	}
	return events, nil
}

func (w *Worker) processorFor(runID uuid.UUID) (*Processor, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	for id, entry := range w.processors {
		if id != runID && now.Sub(entry.lastUsed) > w.idleTimeout {
			delete(w.processors, id)
			w.log.Info().Str("run_id", id.String()).Msg("idle stream processor evicted")
		}
	}

	if entry, ok := w.processors[runID]; ok {
		entry.lastUsed = now
		return entry.processor, nil
	}

	processor, err := w.newProcessor()
	if err != nil {
		return nil, fmt.Errorf("create processor: %w", err)
	}
	w.processors[runID] = &processorEntry{processor: processor, lastUsed: now}
	return processor, nil
}

// ActiveStreams is the number of runs with live tracking state.
func (w *Worker) ActiveStreams() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.processors)
}

// The capture loop falls back to 0,0,0 when the drone has no fix; that is
// not a real position.
func locationOf(gps model.GPS) *model.Location {
	if gps.Latitude == 0 && gps.Longitude == 0 {
		return nil
	}
	alt := gps.Altitude
	return &model.Location{
		Latitude:  gps.Latitude,
		Longitude: gps.Longitude,
		Altitude:  &alt,
	}
}
