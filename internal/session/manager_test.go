package session

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"traffic-enforcement/internal/bus"
	"traffic-enforcement/internal/model"
	"traffic-enforcement/internal/repository"
)

type memSessions struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*model.StreamSession
}

func (m *memSessions) GetByID(_ context.Context, id uuid.UUID) (*model.StreamSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *s
	return &copied, nil
}

func (m *memSessions) TryStart(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.IsActive || s.State != model.SessionStateStopped {
		return false, nil
	}
	s.IsActive = true
	s.State = model.SessionStateStarting
	return true, nil
}

func (m *memSessions) MarkActive(_ context.Context, id, runID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[id]
	if !s.IsActive || s.State != model.SessionStateStarting {
		return false, nil
	}
	s.State = model.SessionStateActive
	s.ActiveRunID = &runID
	return true, nil
}

func (m *memSessions) RequestStop(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || !s.IsActive {
		return false, nil
	}
	s.IsActive = false
	s.State = model.SessionStateStopping
	return true, nil
}

func (m *memSessions) IsActive(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id].IsActive, nil
}

func (m *memSessions) Finish(_ context.Context, id uuid.UUID, runID *uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[id]
	if s.ActiveRunID != nil && (runID == nil || *s.ActiveRunID != *runID) {
		return nil
	}
	s.IsActive = false
	s.State = model.SessionStateStopped
	s.ActiveRunID = nil
	return nil
}

func (m *memSessions) get(id uuid.UUID) model.StreamSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.sessions[id]
}

type memRuns struct {
	mu      sync.Mutex
	runs    []*model.SessionRun
	updates []int64
}

func (m *memRuns) Create(_ context.Context, run *model.SessionRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run.ID = uuid.New()
	copied := *run
	m.runs = append(m.runs, &copied)
	return nil
}

func (m *memRuns) UpdateFrames(_ context.Context, id uuid.UUID, frames int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, frames)
	m.find(id).FramesProcessed = frames
	return nil
}

func (m *memRuns) Close(_ context.Context, id uuid.UUID, frames int64, end time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run := m.find(id)
	run.FramesProcessed = frames
	run.EndTime = &end
	return nil
}

func (m *memRuns) find(id uuid.UUID) *model.SessionRun {
	for _, r := range m.runs {
		if r.ID == id {
			return r
		}
	}
	return nil
}

func (m *memRuns) all() []model.SessionRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.SessionRun, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, *r)
	}
	return out
}

type memGPS struct {
	fix *model.GPSFix
}

func (m memGPS) GetLatestByDrone(context.Context, uuid.UUID) (*model.GPSFix, error) {
	return m.fix, nil
}

type fixedPatrol struct {
	patrol *model.Patrol
}

func (f fixedPatrol) Get(context.Context, string) (*model.Patrol, error) {
	return f.patrol, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	frames []model.RawFrame
	err    error
}

func (p *recordingPublisher) Send(_ context.Context, topic string, v interface{}) error {
	if p.err != nil {
		return p.err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, v.(model.RawFrame))
	return nil
}

func (p *recordingPublisher) sent() []model.RawFrame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.RawFrame(nil), p.frames...)
}

type fakeFrame struct {
	closed *int
}

func (f fakeFrame) EncodeJPEG(int) ([]byte, error) { return []byte("jpeg"), nil }

func (f fakeFrame) Close() error {
	*f.closed++
	return nil
}

// scriptedSource yields limit frames (unbounded when limit < 0) and then
// fails every read.
type scriptedSource struct {
	mu     sync.Mutex
	limit  int
	reads  int
	closed int
	frames int
}

func (s *scriptedSource) Read() (Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.limit >= 0 && s.reads >= s.limit {
		return nil, errors.New("end of stream")
	}
	s.reads++
	return fakeFrame{closed: &s.frames}, nil
}

func (s *scriptedSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

type fakeOpener struct {
	mu     sync.Mutex
	source *scriptedSource
	err    error
	calls  int
	// gate, when set, holds Open until it is closed.
	gate chan struct{}
}

func (o *fakeOpener) Open(context.Context, string) (Source, error) {
	if o.gate != nil {
		<-o.gate
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	if o.err != nil {
		return nil, o.err
	}
	return o.source, nil
}

type fixture struct {
	sessions  *memSessions
	runs      *memRuns
	publisher *recordingPublisher
	opener    *fakeOpener
	session   *model.StreamSession
	patrol    *model.Patrol
	gps       memGPS
}

func newFixture(source *scriptedSource) *fixture {
	drone := &model.Drone{ID: uuid.New(), Code: "DR-001"}
	session := &model.StreamSession{
		ID:         uuid.New(),
		DroneID:    drone.ID,
		Drone:      drone,
		SourceURL:  "rtsp://drone-1/live",
		Resolution: "1920x1080",
		FrameRate:  30,
		State:      model.SessionStateStopped,
	}
	return &fixture{
		sessions:  &memSessions{sessions: map[uuid.UUID]*model.StreamSession{session.ID: session}},
		runs:      &memRuns{},
		publisher: &recordingPublisher{},
		opener:    &fakeOpener{source: source},
		session:   session,
		patrol:    &model.Patrol{ID: uuid.New(), DroneID: drone.ID, Status: model.PatrolStatusActive},
	}
}

func (f *fixture) manager(opts Options) *Manager {
	opts.Topic = "raw_video_frames"
	if opts.MaxFailures == 0 {
		opts.MaxFailures = 2
	}
	return NewManager(f.sessions, f.runs, f.gps, fixedPatrol{patrol: f.patrol}, f.publisher, f.opener, opts, zerolog.Nop())
}

func TestCaptureDecimatesAndNumbersFrames(t *testing.T) {
	source := &scriptedSource{limit: 9}
	f := newFixture(source)
	f.gps = memGPS{fix: &model.GPSFix{Latitude: -1.29, Longitude: 36.82, Altitude: 120}}
	m := f.manager(Options{})

	require.NoError(t, m.Start(context.Background(), f.session.ID))
	m.wg.Wait()

	frames := f.publisher.sent()
	require.Len(t, frames, 3)
	runs := f.runs.all()
	require.Len(t, runs, 1)
	for i, frame := range frames {
		assert.Equal(t, int64(3*(i+1)), frame.FrameNumber)
		assert.Equal(t, runs[0].ID, frame.RunID)
		assert.Equal(t, "DR-001", frame.DroneID)
		assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("jpeg")), frame.FrameData)
		assert.Equal(t, model.GPS{Latitude: -1.29, Longitude: 36.82, Altitude: 120}, frame.GPS)
		assert.Equal(t, 30, frame.FrameRate)
	}

	assert.Equal(t, int64(3), runs[0].FramesProcessed)
	assert.NotNil(t, runs[0].EndTime)
	assert.Equal(t, &f.patrol.ID, runs[0].PatrolID)
	assert.Equal(t, "raw_video_frames", runs[0].OutputTopic)
	assert.Equal(t, 1, source.closed)
	assert.Equal(t, 9, source.frames)

	stored := f.sessions.get(f.session.ID)
	assert.False(t, stored.IsActive)
	assert.Equal(t, model.SessionStateStopped, stored.State)
	assert.Nil(t, stored.ActiveRunID)
}

func TestCaptureFallsBackToZeroGPS(t *testing.T) {
	f := newFixture(&scriptedSource{limit: 3})
	m := f.manager(Options{})

	require.NoError(t, m.Start(context.Background(), f.session.ID))
	m.wg.Wait()

	frames := f.publisher.sent()
	require.Len(t, frames, 1)
	assert.Equal(t, model.GPS{}, frames[0].GPS)
}

func TestCapturePersistsFrameCountPeriodically(t *testing.T) {
	f := newFixture(&scriptedSource{limit: 15})
	m := f.manager(Options{PersistEvery: 2})

	require.NoError(t, m.Start(context.Background(), f.session.ID))
	m.wg.Wait()

	assert.Equal(t, []int64{2, 4}, f.runs.updates)
	assert.Equal(t, int64(5), f.runs.all()[0].FramesProcessed)
}

func TestStartRejectsActiveAndUnknownSessions(t *testing.T) {
	f := newFixture(&scriptedSource{limit: -1})
	m := f.manager(Options{PollEvery: 10})
	ctx := context.Background()

	require.NoError(t, m.Start(ctx, f.session.ID))
	assert.ErrorIs(t, m.Start(ctx, f.session.ID), ErrAlreadyActive)
	assert.ErrorIs(t, m.Start(ctx, uuid.New()), ErrNotFound)

	require.NoError(t, m.Stop(ctx, f.session.ID))
	m.wg.Wait()
	assert.Len(t, f.runs.all(), 1)
}

func TestStopEndsCaptureOnNextPoll(t *testing.T) {
	source := &scriptedSource{limit: -1}
	f := newFixture(source)
	m := f.manager(Options{PollEvery: 10})
	ctx := context.Background()

	require.NoError(t, m.Start(ctx, f.session.ID))
	require.NoError(t, m.Stop(ctx, f.session.ID))
	m.wg.Wait()

	runs := f.runs.all()
	require.Len(t, runs, 1)
	assert.NotNil(t, runs[0].EndTime)
	assert.Equal(t, 1, source.closed)
	assert.Zero(t, source.reads%10)

	stored := f.sessions.get(f.session.ID)
	assert.Equal(t, model.SessionStateStopped, stored.State)
	assert.False(t, stored.IsActive)

	assert.ErrorIs(t, m.Stop(ctx, f.session.ID), ErrNotActive)
	assert.ErrorIs(t, m.Stop(ctx, uuid.New()), ErrNotFound)

	// A stopped session can be started again.
	require.NoError(t, m.Start(ctx, f.session.ID))
	require.NoError(t, m.Stop(ctx, f.session.ID))
	m.wg.Wait()
	assert.Len(t, f.runs.all(), 2)
}

func (r *memRuns) open() int {
	m := 0
	for _, run := range r.all() {
		if run.EndTime == nil {
			m++
		}
	}
	return m
}

func TestStartWhileStoppingIsRejected(t *testing.T) {
	f := newFixture(&scriptedSource{limit: -1})
	m := f.manager(Options{PollEvery: 1000000})
	ctx := context.Background()

	require.NoError(t, m.Start(ctx, f.session.ID))
	require.Eventually(t, func() bool {
		return f.sessions.get(f.session.ID).State == model.SessionStateActive
	}, time.Second, time.Millisecond)

	require.NoError(t, m.Stop(ctx, f.session.ID))
	assert.ErrorIs(t, m.Start(ctx, f.session.ID), ErrStopping)
	assert.Len(t, f.runs.all(), 1)
	assert.Equal(t, 1, f.runs.open())
	assert.Equal(t, model.SessionStateStopping, f.sessions.get(f.session.ID).State)

	// Once the old loop has finished its bookkeeping the session starts again.
	m.Close()
	assert.Equal(t, model.SessionStateStopped, f.sessions.get(f.session.ID).State)
	assert.Zero(t, f.runs.open())

	next := f.manager(Options{PollEvery: 1000000})
	require.NoError(t, next.Start(ctx, f.session.ID))
	require.Eventually(t, func() bool { return len(f.runs.all()) == 2 }, time.Second, time.Millisecond)
	next.Close()
	assert.Zero(t, f.runs.open())
}

func TestStopWhileOpeningSourceEndsRunWithoutCapture(t *testing.T) {
	source := &scriptedSource{limit: -1}
	f := newFixture(source)
	f.opener.gate = make(chan struct{})
	m := f.manager(Options{})
	ctx := context.Background()

	require.NoError(t, m.Start(ctx, f.session.ID))
	require.NoError(t, m.Stop(ctx, f.session.ID))
	close(f.opener.gate)
	m.wg.Wait()

	stored := f.sessions.get(f.session.ID)
	assert.Equal(t, model.SessionStateStopped, stored.State)
	assert.False(t, stored.IsActive)
	assert.Nil(t, stored.ActiveRunID)

	runs := f.runs.all()
	require.Len(t, runs, 1)
	assert.NotNil(t, runs[0].EndTime)
	assert.Zero(t, runs[0].FramesProcessed)
	assert.Zero(t, source.reads)
	assert.Equal(t, 1, source.closed)
	assert.Empty(t, f.publisher.sent())

	require.NoError(t, m.Start(ctx, f.session.ID))
	require.NoError(t, m.Stop(ctx, f.session.ID))
	m.wg.Wait()
}

func TestSourceFailureIsRetriedThenGivesUp(t *testing.T) {
	f := newFixture(nil)
	f.opener.err = errors.New("connection refused")
	m := f.manager(Options{StartAttempts: 3})

	require.NoError(t, m.Start(context.Background(), f.session.ID))
	m.wg.Wait()

	assert.Equal(t, 3, f.opener.calls)
	assert.Empty(t, f.runs.all())
	stored := f.sessions.get(f.session.ID)
	assert.Equal(t, model.SessionStateStopped, stored.State)
	assert.False(t, stored.IsActive)
}

func TestBrokerOutageEndsRun(t *testing.T) {
	source := &scriptedSource{limit: -1}
	f := newFixture(source)
	f.publisher.err = bus.ErrBrokerUnavailable
	m := f.manager(Options{})

	require.NoError(t, m.Start(context.Background(), f.session.ID))
	m.wg.Wait()

	runs := f.runs.all()
	require.Len(t, runs, 1)
	assert.Equal(t, int64(0), runs[0].FramesProcessed)
	assert.NotNil(t, runs[0].EndTime)
	assert.Equal(t, 3, source.reads)
	assert.Equal(t, 3, source.frames)
	assert.Equal(t, model.SessionStateStopped, f.sessions.get(f.session.ID).State)
}

func TestTooManyFailuresEndsRun(t *testing.T) {
	f := newFixture(&scriptedSource{limit: 0})
	m := f.manager(Options{MaxFailures: 10})

	require.NoError(t, m.Start(context.Background(), f.session.ID))
	m.wg.Wait()

	runs := f.runs.all()
	require.Len(t, runs, 1)
	assert.NotNil(t, runs[0].EndTime)
	assert.Empty(t, f.publisher.sent())
	assert.Equal(t, 1, f.opener.calls)
}

func TestCloseInterruptsRunningCapture(t *testing.T) {
	f := newFixture(&scriptedSource{limit: -1})
	m := f.manager(Options{PollEvery: 1000000})

	require.NoError(t, m.Start(context.Background(), f.session.ID))
	m.Close()

	runs := f.runs.all()
	require.Len(t, runs, 1)
	assert.NotNil(t, runs[0].EndTime)
	assert.Equal(t, model.SessionStateStopped, f.sessions.get(f.session.ID).State)
}
