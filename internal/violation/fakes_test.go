package violation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"traffic-enforcement/internal/bus"
	"traffic-enforcement/internal/model"
	"traffic-enforcement/internal/notify"
	"traffic-enforcement/internal/repository"
)

type detectionKey struct {
	run   uuid.UUID
	frame int64
	track int
}

type memDetections struct {
	mu    sync.Mutex
	byID  map[uuid.UUID]*model.Detection
	byKey map[detectionKey]*model.Detection
}

func newMemDetections() *memDetections {
	return &memDetections{byID: map[uuid.UUID]*model.Detection{}, byKey: map[detectionKey]*model.Detection{}}
}

func (m *memDetections) CreateOrGet(_ context.Context, d *model.Detection) (*model.Detection, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var run uuid.UUID
	if d.RunID != nil {
		run = *d.RunID
	}
	key := detectionKey{run: run, frame: d.FrameNumber, track: d.TrackID}
	if existing, ok := m.byKey[key]; ok {
		return existing, false, nil
	}
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	m.byID[d.ID] = d
	m.byKey[key] = d
	return d, true, nil
}

func (m *memDetections) GetByID(_ context.Context, id uuid.UUID) (*model.Detection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return d, nil
}

func (m *memDetections) add(d *model.Detection) *model.Detection {
	stored, _, _ := m.CreateOrGet(context.Background(), d)
	return stored
}

type memViolations struct {
	mu        sync.Mutex
	byDet     map[uuid.UUID]*model.Violation
	createErr error
}

func newMemViolations() *memViolations {
	return &memViolations{byDet: map[uuid.UUID]*model.Violation{}}
}

func (m *memViolations) CreateOnce(_ context.Context, v *model.Violation) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return false, m.createErr
	}
	if _, ok := m.byDet[v.DetectionID]; ok {
		return false, nil
	}
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	m.byDet[v.DetectionID] = v
	return true, nil
}

func (m *memViolations) GetByDetectionID(_ context.Context, id uuid.UUID) (*model.Violation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byDet[id], nil
}

func (m *memViolations) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byDet)
}

type memDrones struct {
	drones []*model.Drone
}

func (m *memDrones) GetByID(_ context.Context, id uuid.UUID) (*model.Drone, error) {
	for _, d := range m.drones {
		if d.ID == id {
			return d, nil
		}
	}
	return nil, nil
}

func (m *memDrones) GetByCode(_ context.Context, code string) (*model.Drone, error) {
	for _, d := range m.drones {
		if d.Code == code {
			return d, nil
		}
	}
	return nil, nil
}

type memPatrols struct {
	byID map[uuid.UUID]*model.Patrol
}

func (m *memPatrols) GetByID(_ context.Context, id uuid.UUID) (*model.Patrol, error) {
	return m.byID[id], nil
}

// activePatrol resolves the active patrol of a drone code, like the patrol
// cache does.
type activePatrol struct {
	drones  *memDrones
	patrols *memPatrols
}

func (a *activePatrol) Get(ctx context.Context, code string) (*model.Patrol, error) {
	drone, _ := a.drones.GetByCode(ctx, code)
	if drone == nil {
		return nil, nil
	}
	for _, p := range a.patrols.byID {
		if p.DroneID == drone.ID && p.Status == model.PatrolStatusActive {
			return p, nil
		}
	}
	return nil, nil
}

type memVehicles struct {
	byPlate map[string]*model.VehicleRegistration
	err     error
}

func (m *memVehicles) GetByPlate(_ context.Context, plate string) (*model.VehicleRegistration, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.byPlate[plate], nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
	err  error
}

func (r *recordingNotifier) Notify(_ context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return r.err
}

type smsMessage struct {
	phone   string
	message string
}

type recordingSMS struct {
	mu   sync.Mutex
	sent []smsMessage
	err  error
}

func (r *recordingSMS) SendSMS(_ context.Context, phone, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, smsMessage{phone: phone, message: message})
	return r.err
}

// memBus records published messages as the bus would deliver them.
type memBus struct {
	mu       sync.Mutex
	messages map[string][]bus.Message
	err      error
}

func newMemBus() *memBus {
	return &memBus{messages: map[string][]bus.Message{}}
}

func (b *memBus) Send(_ context.Context, topic string, v interface{}) error {
	if b.err != nil {
		return b.err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.messages[topic])
	b.messages[topic] = append(b.messages[topic], bus.Message{
		ID:    fmt.Sprintf("%d-0", n+1),
		Topic: topic,
		Data:  data,
	})
	return nil
}

func (b *memBus) drain(topic string) []bus.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.messages[topic]
	b.messages[topic] = nil
	return out
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func floatPtr(v float64) *float64 { return &v }

func strPtr(s string) *string { return &s }

var errBoom = errors.New("boom")
