package speed

import "sync"

// TrackState is what the estimator remembers about one track.
type TrackState struct {
	Start      Point
	StartFrame int64
	LastFrame  int64
	LastSpeed  float64
}

type TrackStore interface {
	Get(trackID int) (TrackState, bool)
	Put(trackID int, state TrackState)
	Delete(trackID int)
	Range(fn func(trackID int, state TrackState) bool)
	Len() int
}

type MemoryTrackStore struct {
	mu     sync.RWMutex
	tracks map[int]TrackState
}

func NewMemoryTrackStore() *MemoryTrackStore {
	return &MemoryTrackStore{tracks: make(map[int]TrackState)}
}

func (s *MemoryTrackStore) Get(trackID int) (TrackState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.tracks[trackID]
	return state, ok
}

func (s *MemoryTrackStore) Put(trackID int, state TrackState) {
	s.mu.Lock()
	s.tracks[trackID] = state
	s.mu.Unlock()
}

func (s *MemoryTrackStore) Delete(trackID int) {
	s.mu.Lock()
	delete(s.tracks, trackID)
	s.mu.Unlock()
}

// Range calls fn on a snapshot, so fn may modify the store.
func (s *MemoryTrackStore) Range(fn func(trackID int, state TrackState) bool) {
	s.mu.RLock()
	snapshot := make(map[int]TrackState, len(s.tracks))
	for id, st := range s.tracks {
		snapshot[id] = st
	}
	s.mu.RUnlock()

	for id, st := range snapshot {
		if !fn(id, st) {
			return
		}
	}
}

func (s *MemoryTrackStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tracks)
}
