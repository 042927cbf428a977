package repository

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"traffic-enforcement/internal/model"
)

type ViolationRepository struct {
	db *gorm.DB
}

func NewViolationRepository(db *gorm.DB) *ViolationRepository {
	return &ViolationRepository{db: db}
}

// CreateOnce inserts the violation unless one already exists for the same
// detection. It reports whether this call created the row.
func (r *ViolationRepository) CreateOnce(ctx context.Context, violation *model.Violation) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "detection_id"}}, DoNothing: true}).
		Create(violation)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *ViolationRepository) GetByDetectionID(ctx context.Context, detectionID uuid.UUID) (*model.Violation, error) {
	var violation model.Violation
	err := r.db.WithContext(ctx).Where("detection_id = ?", detectionID).First(&violation).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &violation, nil
}

type ViolationListFilter struct {
	Status   *model.ViolationStatus
	PatrolID *uuid.UUID
}

func (r *ViolationRepository) List(ctx context.Context, filter ViolationListFilter) ([]model.Violation, error) {
	var violations []model.Violation
	query := r.db.WithContext(ctx).Model(&model.Violation{})

	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}
	if filter.PatrolID != nil {
		query = query.Where("patrol_id = ?", *filter.PatrolID)
	}

	if err := query.Order("created_at DESC").Find(&violations).Error; err != nil {
		return nil, err
	}
	return violations, nil
}
