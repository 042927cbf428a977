package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"traffic-enforcement/internal/model"
	"traffic-enforcement/internal/notify"
)

const (
	lowFPS          = 5.0
	lowFPSAfter     = 10 * time.Second
	stalledFPS      = 0.5
	stalledAfter    = 60 * time.Second
	defaultOrphanAt = time.Hour
	defaultStarting = 5 * time.Minute
)

type SessionStore interface {
	ListActive(ctx context.Context) ([]model.StreamSession, error)
	Deactivate(ctx context.Context, id uuid.UUID) error
}

type RunStore interface {
	ListOpenBySession(ctx context.Context, sessionID uuid.UUID) ([]model.SessionRun, error)
	ListOrphaned(ctx context.Context, startedBefore time.Time) ([]model.SessionRun, error)
	CloseAt(ctx context.Context, id uuid.UUID, endTime time.Time) error
}

// Report summarises one health sweep. Stream lists hold session ids.
type Report struct {
	CheckedAt          time.Time `json:"checkedAt"`
	TotalActiveStreams int       `json:"totalActiveStreams"`
	HealthyStreams     int       `json:"healthyStreams"`
	LowFpsStreams      []string  `json:"lowFpsStreams"`
	StalledStreams     []string  `json:"stalledStreams"`
	OrphanedStreams    []string  `json:"orphanedStreams"`
}

func newReport(now time.Time, total int) Report {
	return Report{
		CheckedAt:          now,
		TotalActiveStreams: total,
		LowFpsStreams:      []string{},
		StalledStreams:     []string{},
		OrphanedStreams:    []string{},
	}
}

// Monitor classifies active streams and garbage-collects runs left open by
// crashed or stopped capture tasks.
type Monitor struct {
	sessions    SessionStore
	runs        RunStore
	notifier    notify.Dispatcher
	orphanGrace time.Duration
	startGrace  time.Duration
	log         zerolog.Logger
	now         func() time.Time

	mu   sync.RWMutex
	last *Report
}

// NewMonitor builds a monitor. Runs of inactive sessions are reaped after
// orphanGrace; a STARTING session without a run is left alone for
// startGrace, which should cover the whole source-open retry window.
func NewMonitor(sessions SessionStore, runs RunStore, notifier notify.Dispatcher, orphanGrace, startGrace time.Duration, log zerolog.Logger) *Monitor {
	if orphanGrace <= 0 {
		orphanGrace = defaultOrphanAt
	}
	if startGrace <= 0 {
		startGrace = defaultStarting
	}
	return &Monitor{
		sessions:    sessions,
		runs:        runs,
		notifier:    notifier,
		orphanGrace: orphanGrace,
		startGrace:  startGrace,
		log:         log.With().Str("component", "health_monitor").Logger(),
		now:         time.Now,
	}
}

// CloseOrphanRuns ends open runs of inactive sessions that started before
// the grace window. It returns how many were closed.
func (m *Monitor) CloseOrphanRuns(ctx context.Context) (int, error) {
	now := m.now().UTC()
	runs, err := m.runs.ListOrphaned(ctx, now.Add(-m.orphanGrace))
	if err != nil {
		return 0, fmt.Errorf("list orphaned runs: %w", err)
	}

	closed := 0
	for _, run := range runs {
		if err := m.runs.CloseAt(ctx, run.ID, now); err != nil {
			m.log.Error().Err(err).Str("run_id", run.ID.String()).Msg("failed to close orphaned run")
			continue
		}
		m.log.Info().Str("run_id", run.ID.String()).Str("stream_id", run.SessionID.String()).Msg("closed orphaned run")
		closed++
	}

	m.log.Info().Int("closed", closed).Msg("orphaned run cleanup completed")
	return closed, nil
}

// Check classifies every active session by the frame rate of its open run
// and heals what it finds: orphaned sessions are deactivated, superseded
// runs closed and officers of stalled streams notified. A stalled stream is
// reported as stalled only, not also as low FPS.
func (m *Monitor) Check(ctx context.Context) (Report, error) {
	report, err := m.sweep(ctx, true)
	if err != nil {
		return Report{}, err
	}
	m.mu.Lock()
	m.last = &report
	m.mu.Unlock()
	return report, nil
}

// Classify builds the same report as Check without changing any state.
func (m *Monitor) Classify(ctx context.Context) (Report, error) {
	return m.sweep(ctx, false)
}

func (m *Monitor) sweep(ctx context.Context, heal bool) (Report, error) {
	sessions, err := m.sessions.ListActive(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list active sessions: %w", err)
	}

	now := m.now().UTC()
	report := newReport(now, len(sessions))

	for i := range sessions {
		session := &sessions[i]
		id := session.ID.String()
		log := m.log.With().Str("stream_id", id).Logger()

		runs, err := m.runs.ListOpenBySession(ctx, session.ID)
		if err != nil {
			log.Error().Err(err).Msg("failed to load open runs")
			continue
		}

		if len(runs) == 0 {
			if session.State == model.SessionStateStarting && now.Sub(session.UpdatedAt) < m.startGrace {
				// Still opening its source; the run is created afterwards.
				continue
			}
			log.Error().Msg("stream marked active but has no open run")
			report.OrphanedStreams = append(report.OrphanedStreams, id)
			if !heal {
				continue
			}
			if err := m.sessions.Deactivate(ctx, session.ID); err != nil {
				log.Error().Err(err).Msg("failed to deactivate orphaned stream")
			}
			continue
		}

		// Newest first; anything older cannot still be written to.
		for _, extra := range runs[1:] {
			if !heal {
				break
			}
			if err := m.runs.CloseAt(ctx, extra.ID, now); err != nil {
				log.Error().Err(err).Str("run_id", extra.ID.String()).Msg("failed to close superseded run")
				continue
			}
			log.Warn().Str("run_id", extra.ID.String()).Msg("closed superseded open run")
		}

		run := runs[0]
		elapsed := run.Elapsed(now)
		fps := run.FPS(now)

		switch {
		case fps < stalledFPS && elapsed > stalledAfter:
			log.Error().Float64("fps", fps).Msg("stream appears stalled")
			report.StalledStreams = append(report.StalledStreams, id)
			if heal {
				m.alertStalled(ctx, session, log)
			}
		case fps < lowFPS && elapsed > lowFPSAfter:
			log.Warn().Float64("fps", fps).Msg("low fps on stream")
			report.LowFpsStreams = append(report.LowFpsStreams, id)
		case fps >= lowFPS:
			report.HealthyStreams++
		}
	}

	m.log.Info().
		Int("active", report.TotalActiveStreams).
		Int("healthy", report.HealthyStreams).
		Int("low_fps", len(report.LowFpsStreams)).
		Int("stalled", len(report.StalledStreams)).
		Int("orphaned", len(report.OrphanedStreams)).
		Bool("healed", heal).
		Msg("health check completed")
	return report, nil
}

// LastReport returns the most recent report, if a check has run.
func (m *Monitor) LastReport() (Report, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.last == nil {
		return Report{}, false
	}
	return *m.last, true
}

func (m *Monitor) alertStalled(ctx context.Context, session *model.StreamSession, log zerolog.Logger) {
	if m.notifier == nil || session.Drone == nil || session.Drone.AssignedOfficerID == nil {
		return
	}
	related := session.ID.String()
	err := m.notifier.Notify(ctx, notify.Notification{
		RecipientID: *session.Drone.AssignedOfficerID,
		Title:       "Stream Stalled",
		Message:     fmt.Sprintf("Stream from %s has stalled", session.Drone.Name),
		Category:    notify.CategoryStreamHealth,
		RelatedID:   &related,
	})
	if err != nil {
		log.Error().Err(err).Msg("stalled stream notification failed")
	}
}
