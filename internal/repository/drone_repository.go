package repository

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"traffic-enforcement/internal/model"
)

type DroneRepository struct {
	db *gorm.DB
}

func NewDroneRepository(db *gorm.DB) *DroneRepository {
	return &DroneRepository{db: db}
}

func (r *DroneRepository) GetByCode(ctx context.Context, code string) (*model.Drone, error) {
	if code == "" {
		return nil, nil
	}
	var drone model.Drone
	err := r.db.WithContext(ctx).Where("code = ?", code).First(&drone).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &drone, nil
}

func (r *DroneRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Drone, error) {
	var drone model.Drone
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&drone).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &drone, nil
}
