package repository

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"traffic-enforcement/internal/model"
)

type DetectionRepository struct {
	db *gorm.DB
}

func NewDetectionRepository(db *gorm.DB) *DetectionRepository {
	return &DetectionRepository{db: db}
}

// CreateOrGet inserts the detection, or loads the row already stored under
// the same (run_id, frame_number, track_id) key. The returned bool is true
// when this call inserted it.
func (r *DetectionRepository) CreateOrGet(ctx context.Context, detection *model.Detection) (*model.Detection, bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(detection)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 1 {
		return detection, true, nil
	}

	var existing model.Detection
	err := r.db.WithContext(ctx).
		Where("run_id = ? AND frame_number = ? AND track_id = ?", detection.RunID, detection.FrameNumber, detection.TrackID).
		First(&existing).Error
	if err != nil {
		return nil, false, notFound(err)
	}
	return &existing, false, nil
}

func (r *DetectionRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Detection, error) {
	var detection model.Detection
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&detection).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &detection, nil
}
