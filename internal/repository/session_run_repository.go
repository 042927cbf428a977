package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"traffic-enforcement/internal/model"
)

type SessionRunRepository struct {
	db *gorm.DB
}

func NewSessionRunRepository(db *gorm.DB) *SessionRunRepository {
	return &SessionRunRepository{db: db}
}

func (r *SessionRunRepository) Create(ctx context.Context, run *model.SessionRun) error {
	return r.db.WithContext(ctx).Create(run).Error
}

func (r *SessionRunRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.SessionRun, error) {
	var run model.SessionRun
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&run).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &run, nil
}

func (r *SessionRunRepository) UpdateFrames(ctx context.Context, id uuid.UUID, frames int64) error {
	return r.db.WithContext(ctx).
		Model(&model.SessionRun{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"frames_processed": frames,
			"updated_at":       time.Now(),
		}).Error
}

// Close stamps the end time and final counter. Already closed runs keep
// their original end time.
func (r *SessionRunRepository) Close(ctx context.Context, id uuid.UUID, frames int64, endTime time.Time) error {
	return r.db.WithContext(ctx).
		Model(&model.SessionRun{}).
		Where("id = ? AND end_time IS NULL", id).
		Updates(map[string]interface{}{
			"frames_processed": frames,
			"end_time":         endTime,
			"updated_at":       time.Now(),
		}).Error
}

func (r *SessionRunRepository) CloseAt(ctx context.Context, id uuid.UUID, endTime time.Time) error {
	return r.db.WithContext(ctx).
		Model(&model.SessionRun{}).
		Where("id = ? AND end_time IS NULL", id).
		Updates(map[string]interface{}{
			"end_time":   endTime,
			"updated_at": time.Now(),
		}).Error
}

// ListOpenBySession returns the open runs of a session, newest first.
func (r *SessionRunRepository) ListOpenBySession(ctx context.Context, sessionID uuid.UUID) ([]model.SessionRun, error) {
	var runs []model.SessionRun
	err := r.db.WithContext(ctx).
		Where("session_id = ? AND end_time IS NULL", sessionID).
		Order("start_time DESC").
		Find(&runs).Error
	return runs, err
}

// ListOrphaned returns open runs started before the cutoff whose session is
// no longer active.
func (r *SessionRunRepository) ListOrphaned(ctx context.Context, startedBefore time.Time) ([]model.SessionRun, error) {
	var runs []model.SessionRun
	err := r.db.WithContext(ctx).
		Joins("JOIN stream_sessions ON stream_sessions.id = session_runs.session_id").
		Where("session_runs.end_time IS NULL").
		Where("session_runs.start_time < ?", startedBefore).
		Where("stream_sessions.is_active = ?", false).
		Order("session_runs.start_time ASC").
		Find(&runs).Error
	return runs, err
}
