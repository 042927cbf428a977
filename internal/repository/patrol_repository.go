package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"traffic-enforcement/internal/model"
)

type PatrolRepository struct {
	db *gorm.DB
}

func NewPatrolRepository(db *gorm.DB) *PatrolRepository {
	return &PatrolRepository{db: db}
}

func (r *PatrolRepository) Create(ctx context.Context, patrol *model.Patrol) error {
	return r.db.WithContext(ctx).Create(patrol).Error
}

func (r *PatrolRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Patrol, error) {
	var patrol model.Patrol
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&patrol).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &patrol, nil
}

// FindLatestActiveByDrone returns the most recently started ACTIVE patrol
// of the drone, or nil.
func (r *PatrolRepository) FindLatestActiveByDrone(ctx context.Context, droneID uuid.UUID) (*model.Patrol, error) {
	var patrol model.Patrol
	err := r.db.WithContext(ctx).
		Where("drone_id = ? AND status = ?", droneID, model.PatrolStatusActive).
		Order("start_time DESC").
		First(&patrol).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &patrol, nil
}

func (r *PatrolRepository) ListActiveStartedBefore(ctx context.Context, before time.Time) ([]model.Patrol, error) {
	var patrols []model.Patrol
	err := r.db.WithContext(ctx).
		Where("status = ? AND start_time < ?", model.PatrolStatusActive, before).
		Order("start_time ASC").
		Find(&patrols).Error
	return patrols, err
}

// Complete closes an ACTIVE patrol. It is a no-op for patrols in any other
// status.
func (r *PatrolRepository) Complete(ctx context.Context, id uuid.UUID, endTime time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&model.Patrol{}).
		Where("id = ? AND status = ?", id, model.PatrolStatusActive).
		Updates(map[string]interface{}{
			"status":     model.PatrolStatusCompleted,
			"end_time":   endTime,
			"updated_at": time.Now(),
		})
	return res.RowsAffected == 1, res.Error
}
