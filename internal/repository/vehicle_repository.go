package repository

import (
	"context"

	"gorm.io/gorm"

	"traffic-enforcement/internal/model"
	"traffic-enforcement/internal/utils"
)

type VehicleRepository struct {
	db *gorm.DB
}

func NewVehicleRepository(db *gorm.DB) *VehicleRepository {
	return &VehicleRepository{db: db}
}

// GetByPlate resolves a plate to its registration; nil when unregistered.
func (r *VehicleRepository) GetByPlate(ctx context.Context, plate string) (*model.VehicleRegistration, error) {
	plate = utils.NormalizePlate(plate)
	if plate == "" {
		return nil, nil
	}
	var vehicle model.VehicleRegistration
	err := r.db.WithContext(ctx).
		Where("license_plate = ?", plate).
		First(&vehicle).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &vehicle, nil
}
