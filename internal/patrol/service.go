package patrol

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"traffic-enforcement/internal/model"
)

type DroneStore interface {
	GetByCode(ctx context.Context, code string) (*model.Drone, error)
	GetByID(ctx context.Context, id uuid.UUID) (*model.Drone, error)
}

type PatrolStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Patrol, error)
	FindLatestActiveByDrone(ctx context.Context, droneID uuid.UUID) (*model.Patrol, error)
	ListActiveStartedBefore(ctx context.Context, before time.Time) ([]model.Patrol, error)
	Complete(ctx context.Context, id uuid.UUID, endTime time.Time) (bool, error)
}

// Service resolves the active patrol of a drone through a short-lived
// cache so per-frame lookups rarely reach the database.
type Service struct {
	drones  DroneStore
	patrols PatrolStore
	cache   Cache
	ttl     time.Duration
	log     zerolog.Logger
	now     func() time.Time
}

func NewService(drones DroneStore, patrols PatrolStore, cache Cache, ttl time.Duration, log zerolog.Logger) *Service {
	if cache == nil {
		cache = NewMemoryCache()
	}
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Service{
		drones:  drones,
		patrols: patrols,
		cache:   cache,
		ttl:     ttl,
		log:     log.With().Str("component", "patrol_cache").Logger(),
		now:     time.Now,
	}
}

// Get returns the drone's active patrol or nil. A cached id is re-checked
// and dropped if that patrol no longer exists or has ended.
func (s *Service) Get(ctx context.Context, droneCode string) (*model.Patrol, error) {
	if droneCode == "" {
		return nil, nil
	}

	cachedID, ok, err := s.cache.Get(ctx, droneCode)
	if err != nil {
		s.log.Warn().Err(err).Str("drone_id", droneCode).Msg("patrol cache read failed")
	}
	if ok {
		patrol, err := s.patrols.GetByID(ctx, cachedID)
		if err != nil {
			return nil, fmt.Errorf("load cached patrol: %w", err)
		}
		if patrol != nil && patrol.Status == model.PatrolStatusActive {
			return patrol, nil
		}
		s.invalidate(ctx, droneCode)
	}

	drone, err := s.drones.GetByCode(ctx, droneCode)
	if err != nil {
		return nil, fmt.Errorf("load drone: %w", err)
	}
	if drone == nil {
		return nil, nil
	}

	patrol, err := s.patrols.FindLatestActiveByDrone(ctx, drone.ID)
	if err != nil {
		return nil, fmt.Errorf("find active patrol: %w", err)
	}
	if patrol == nil {
		return nil, nil
	}

	if err := s.cache.Put(ctx, droneCode, patrol.ID, s.ttl); err != nil {
		s.log.Warn().Err(err).Str("drone_id", droneCode).Msg("patrol cache write failed")
	}
	return patrol, nil
}

// Invalidate is called whenever a patrol of the drone starts or ends.
func (s *Service) Invalidate(ctx context.Context, droneCode string) {
	s.invalidate(ctx, droneCode)
}

func (s *Service) invalidate(ctx context.Context, droneCode string) {
	if err := s.cache.Invalidate(ctx, droneCode); err != nil {
		s.log.Warn().Err(err).Str("drone_id", droneCode).Msg("patrol cache invalidate failed")
	}
}

// CapOverlong completes patrols that have been active longer than maxAge
// and drops their cache entries. It returns how many were completed.
func (s *Service) CapOverlong(ctx context.Context, maxAge time.Duration) (int, error) {
	now := s.now()
	patrols, err := s.patrols.ListActiveStartedBefore(ctx, now.Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("list overlong patrols: %w", err)
	}

	completed := 0
	for _, p := range patrols {
		ok, err := s.patrols.Complete(ctx, p.ID, now)
		if err != nil {
			s.log.Error().Err(err).Str("patrol_id", p.ID.String()).Msg("failed to complete overlong patrol")
			continue
		}
		if !ok {
			continue
		}
		completed++
		s.log.Info().
			Str("patrol_id", p.ID.String()).
			Dur("active_for", now.Sub(p.StartTime)).
			Msg("overlong patrol completed")

		drone, err := s.drones.GetByID(ctx, p.DroneID)
		if err != nil || drone == nil {
			continue
		}
		s.invalidate(ctx, drone.Code)
	}
	return completed, nil
}
