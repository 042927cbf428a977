package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"traffic-enforcement/internal/bus"
	"traffic-enforcement/internal/config"
	"traffic-enforcement/internal/model"
	"traffic-enforcement/internal/repository"
)

var (
	ErrNotFound          = errors.New("stream session not found")
	ErrAlreadyActive     = errors.New("stream session already active")
	ErrNotActive         = errors.New("stream session not active")
	ErrStopping          = errors.New("stream session is still stopping")
	ErrSourceUnavailable = errors.New("video source unavailable")
	ErrTooManyFailures   = errors.New("too many consecutive frame read failures")
)

// Frame is one captured picture. It owns native memory and must be closed.
type Frame interface {
	EncodeJPEG(quality int) ([]byte, error)
	Close() error
}

// Source is an open video feed.
type Source interface {
	Read() (Frame, error)
	Close() error
}

type Opener interface {
	Open(ctx context.Context, url string) (Source, error)
}

type SessionStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.StreamSession, error)
	TryStart(ctx context.Context, id uuid.UUID) (bool, error)
	MarkActive(ctx context.Context, id, runID uuid.UUID) (bool, error)
	RequestStop(ctx context.Context, id uuid.UUID) (bool, error)
	IsActive(ctx context.Context, id uuid.UUID) (bool, error)
	Finish(ctx context.Context, id uuid.UUID, runID *uuid.UUID) error
}

type RunStore interface {
	Create(ctx context.Context, run *model.SessionRun) error
	UpdateFrames(ctx context.Context, id uuid.UUID, frames int64) error
	Close(ctx context.Context, id uuid.UUID, frames int64, endTime time.Time) error
}

type GPSStore interface {
	GetLatestByDrone(ctx context.Context, droneID uuid.UUID) (*model.GPSFix, error)
}

type PatrolLookup interface {
	Get(ctx context.Context, droneCode string) (*model.Patrol, error)
}

type Publisher interface {
	Send(ctx context.Context, topic string, v interface{}) error
}

type Options struct {
	Topic           string
	Decimation      int
	MaxFailures     int
	PersistEvery    int
	PollEvery       int
	LogEvery        int
	JPEGQuality     int
	StartAttempts   int
	StartRetryDelay time.Duration
}

func OptionsFromConfig(cfg config.CaptureConfig, topic string) Options {
	return Options{
		Topic:           topic,
		Decimation:      cfg.Decimation,
		MaxFailures:     cfg.MaxFailures,
		PersistEvery:    cfg.PersistEvery,
		PollEvery:       cfg.PollEvery,
		LogEvery:        cfg.LogEvery,
		JPEGQuality:     cfg.JPEGQuality,
		StartAttempts:   cfg.StartAttempts,
		StartRetryDelay: cfg.StartRetryDelay,
	}
}

func (o Options) withDefaults() Options {
	if o.Decimation <= 0 {
		o.Decimation = 3
	}
	if o.MaxFailures <= 0 {
		o.MaxFailures = 10
	}
	if o.PersistEvery <= 0 {
		o.PersistEvery = 30
	}
	if o.PollEvery <= 0 {
		o.PollEvery = 100
	}
	if o.LogEvery <= 0 {
		o.LogEvery = 300
	}
	if o.JPEGQuality <= 0 {
		o.JPEGQuality = 85
	}
	if o.StartAttempts <= 0 {
		o.StartAttempts = 3
	}
	return o
}

// Manager starts and stops capture runs. Each started session gets its own
// goroutine that lives until the run ends or the manager is closed.
type Manager struct {
	sessions  SessionStore
	runs      RunStore
	gps       GPSStore
	patrols   PatrolLookup
	publisher Publisher
	opener    Opener
	opts      Options
	log       zerolog.Logger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(
	sessions SessionStore,
	runs RunStore,
	gps GPSStore,
	patrols PatrolLookup,
	publisher Publisher,
	opener Opener,
	opts Options,
	log zerolog.Logger,
) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		sessions:  sessions,
		runs:      runs,
		gps:       gps,
		patrols:   patrols,
		publisher: publisher,
		opener:    opener,
		opts:      opts.withDefaults(),
		log:       log.With().Str("component", "session_manager").Logger(),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start moves a stopped session to STARTING and launches its capture task.
// The task outlives ctx; only Stop or Close end it.
func (m *Manager) Start(ctx context.Context, sessionID uuid.UUID) error {
	session, err := m.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("load session: %w", err)
	}

	started, err := m.sessions.TryStart(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	if !started {
		return m.startConflict(ctx, sessionID)
	}

	m.log.Info().Str("stream_id", sessionID.String()).Str("source", session.SourceURL).Msg("stream start requested")

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runWithRetry(m.ctx, session)
	}()
	return nil
}

// startConflict explains why a start was refused. A session whose previous
// run is still unwinding cannot be started until that run has finished.
func (m *Manager) startConflict(ctx context.Context, sessionID uuid.UUID) error {
	current, err := m.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("load session: %w", err)
	}
	if current.State == model.SessionStateStopping {
		return ErrStopping
	}
	return ErrAlreadyActive
}

// Stop asks the capture loop to end. The loop notices on its next poll.
func (m *Manager) Stop(ctx context.Context, sessionID uuid.UUID) error {
	stopped, err := m.sessions.RequestStop(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("stop session: %w", err)
	}
	if stopped {
		m.log.Info().Str("stream_id", sessionID.String()).Msg("stream stop requested")
		return nil
	}

	if _, err := m.sessions.GetByID(ctx, sessionID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("load session: %w", err)
	}
	return ErrNotActive
}

// Close cancels every running capture task and waits for their bookkeeping.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) runWithRetry(ctx context.Context, session *model.StreamSession) {
	log := m.log.With().Str("stream_id", session.ID.String()).Logger()

	for attempt := 1; ; attempt++ {
		opened, err := m.run(ctx, session)
		if opened {
			return
		}
		if !errors.Is(err, ErrSourceUnavailable) || attempt >= m.opts.StartAttempts {
			log.Error().Err(err).Int("attempt", attempt).Msg("stream could not be started")
			break
		}

		log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", m.opts.StartRetryDelay).Msg("stream start failed, retrying")
		if !sleep(ctx, m.opts.StartRetryDelay) {
			break
		}
		active, err := m.sessions.IsActive(ctx, session.ID)
		if err != nil {
			log.Error().Err(err).Msg("failed to re-check stream state")
			break
		}
		if !active {
			log.Info().Msg("stream stopped while waiting to retry")
			break
		}
	}

	if err := m.sessions.Finish(context.WithoutCancel(ctx), session.ID, nil); err != nil {
		log.Error().Err(err).Msg("failed to reset stream state")
	}
}

// run performs one capture attempt. It reports whether a run was created;
// once it was, the run's bookkeeping has been done by the time run returns.
func (m *Manager) run(ctx context.Context, session *model.StreamSession) (bool, error) {
	source, err := m.opener.Open(ctx, session.SourceURL)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	droneCode := ""
	if session.Drone != nil {
		droneCode = session.Drone.Code
	}

	run := &model.SessionRun{
		SessionID:   session.ID,
		StartTime:   m.now().UTC(),
		OutputTopic: m.opts.Topic,
	}
	if droneCode != "" {
		patrol, err := m.patrols.Get(ctx, droneCode)
		if err != nil {
			m.log.Warn().Err(err).Str("drone_id", droneCode).Msg("active patrol lookup failed")
		} else if patrol != nil {
			run.PatrolID = &patrol.ID
		}
	}

	if err := m.runs.Create(ctx, run); err != nil {
		source.Close()
		return false, fmt.Errorf("create run: %w", err)
	}

	log := m.log.With().
		Str("stream_id", session.ID.String()).
		Str("run_id", run.ID.String()).
		Str("drone_id", droneCode).
		Logger()

	marked, err := m.sessions.MarkActive(ctx, session.ID, run.ID)
	if err != nil {
		log.Error().Err(err).Msg("failed to mark stream active")
	} else if !marked {
		log.Info().Msg("stream stopped while starting")
		m.finishRun(context.WithoutCancel(ctx), session, run, 0, source, log)
		return true, nil
	}
	log.Info().Str("source", session.SourceURL).Msg("stream processing started")

	published, captureErr := m.capture(ctx, session, run, droneCode, source, log)
	if captureErr != nil {
		log.Error().Err(captureErr).Msg("stream processing aborted")
	}

	m.finishRun(context.WithoutCancel(ctx), session, run, published, source, log)
	return true, captureErr
}

func (m *Manager) capture(
	ctx context.Context,
	session *model.StreamSession,
	run *model.SessionRun,
	droneCode string,
	source Source,
	log zerolog.Logger,
) (int64, error) {
	var captured, published int64
	failures := 0

	for {
		if ctx.Err() != nil {
			log.Info().Msg("stream processing interrupted by shutdown")
			return published, nil
		}

		frame, err := source.Read()
		if err != nil {
			failures++
			log.Warn().Err(err).Int("attempt", failures).Msg("failed to read frame")
			if failures >= m.opts.MaxFailures {
				return published, fmt.Errorf("%w: %v", ErrTooManyFailures, err)
			}
			continue
		}
		failures = 0
		captured++

		if captured%int64(m.opts.Decimation) == 0 {
			err := m.publishFrame(ctx, session, run, droneCode, frame, captured)
			switch {
			case errors.Is(err, bus.ErrBrokerUnavailable):
				frame.Close()
				return published, err
			case err != nil:
				log.Error().Err(err).Int64("frame", captured).Msg("failed to publish frame")
			default:
				published++
				if published%int64(m.opts.PersistEvery) == 0 {
					if err := m.runs.UpdateFrames(ctx, run.ID, published); err != nil {
						log.Warn().Err(err).Msg("failed to persist frame count")
					}
				}
			}
		}
		frame.Close()

		if captured%int64(m.opts.LogEvery) == 0 {
			log.Info().Int64("captured", captured).Int64("published", published).Msg("stream progress")
		}

		if captured%int64(m.opts.PollEvery) == 0 {
			active, err := m.sessions.IsActive(ctx, session.ID)
			if err != nil {
				log.Warn().Err(err).Msg("failed to poll stream state")
			} else if !active {
				log.Info().Msg("stream deactivated")
				return published, nil
			}
		}
	}
}

func (m *Manager) publishFrame(
	ctx context.Context,
	session *model.StreamSession,
	run *model.SessionRun,
	droneCode string,
	frame Frame,
	number int64,
) error {
	jpeg, err := frame.EncodeJPEG(m.opts.JPEGQuality)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	return m.publisher.Send(ctx, m.opts.Topic, model.RawFrame{
		RunID:       run.ID,
		DroneID:     droneCode,
		FrameNumber: number,
		Timestamp:   m.now().UTC(),
		FrameData:   base64.StdEncoding.EncodeToString(jpeg),
		GPS:         m.latestGPS(ctx, session.DroneID),
		Resolution:  session.Resolution,
		FrameRate:   session.FrameRate,
	})
}

// latestGPS falls back to 0,0,0 when the drone has not reported a fix.
func (m *Manager) latestGPS(ctx context.Context, droneID uuid.UUID) model.GPS {
	fix, err := m.gps.GetLatestByDrone(ctx, droneID)
	if err != nil || fix == nil {
		return model.GPS{}
	}
	return model.GPS{Latitude: fix.Latitude, Longitude: fix.Longitude, Altitude: fix.Altitude}
}

func (m *Manager) finishRun(
	ctx context.Context,
	session *model.StreamSession,
	run *model.SessionRun,
	published int64,
	source Source,
	log zerolog.Logger,
) {
	if err := source.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to release video source")
	}

	end := m.now().UTC()
	run.EndTime = &end
	run.FramesProcessed = published
	if err := m.runs.Close(ctx, run.ID, published, end); err != nil {
		log.Error().Err(err).Msg("failed to close run")
	}

	log.Info().
		Int64("frames", published).
		Float64("duration_seconds", run.Elapsed(end).Seconds()).
		Float64("fps", run.FPS(end)).
		Msg("stream processing completed")

	runID := run.ID
	if err := m.sessions.Finish(ctx, session.ID, &runID); err != nil {
		log.Error().Err(err).Msg("failed to mark stream stopped")
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
