package main

import (
	"github.com/rs/zerolog"

	"traffic-enforcement/internal/bus"
	"traffic-enforcement/internal/config"
	"traffic-enforcement/internal/pipeline"
	"traffic-enforcement/internal/vision"
)

func pipelineWorker(cfg *config.Config, models *vision.Models, producer *bus.Producer, log zerolog.Logger) *pipeline.Worker {
	return pipeline.NewWorker(
		vision.JPEGDecoder{},
		models.ProcessorFactory(cfg.Speed, log),
		producer,
		pipeline.WorkerOptions{
			DetectionsTopic: cfg.Bus.DetectionsTopic,
			ProcessorIdle:   cfg.Speed.ProcessorIdle,
			TrackIdleFrames: int64(cfg.Speed.TrackIdleMax),
		},
		log,
	)
}
