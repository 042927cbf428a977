package repository

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"traffic-enforcement/internal/model"
)

type GPSFixRepository struct {
	db *gorm.DB
}

func NewGPSFixRepository(db *gorm.DB) *GPSFixRepository {
	return &GPSFixRepository{db: db}
}

func (r *GPSFixRepository) GetLatestByDrone(ctx context.Context, droneID uuid.UUID) (*model.GPSFix, error) {
	var fix model.GPSFix
	err := r.db.WithContext(ctx).
		Where("drone_id = ?", droneID).
		Order("recorded_at DESC").
		First(&fix).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &fix, nil
}
