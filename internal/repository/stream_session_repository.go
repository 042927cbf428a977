package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"traffic-enforcement/internal/model"
)

type StreamSessionRepository struct {
	db *gorm.DB
}

func NewStreamSessionRepository(db *gorm.DB) *StreamSessionRepository {
	return &StreamSessionRepository{db: db}
}

func (r *StreamSessionRepository) Create(ctx context.Context, session *model.StreamSession) error {
	return r.db.WithContext(ctx).Create(session).Error
}

func (r *StreamSessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.StreamSession, error) {
	var session model.StreamSession
	err := r.db.WithContext(ctx).
		Preload("Drone").
		Where("id = ?", id).
		First(&session).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &session, nil
}

// TryStart moves a STOPPED session to STARTING. It reports false when the
// session is active, being started, or still unwinding a previous run.
func (r *StreamSessionRepository) TryStart(ctx context.Context, id uuid.UUID) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&model.StreamSession{}).
		Where("id = ? AND is_active = ? AND state = ?", id, false, model.SessionStateStopped).
		Updates(map[string]interface{}{
			"is_active":  true,
			"state":      model.SessionStateStarting,
			"updated_at": time.Now(),
		})
	return res.RowsAffected == 1, res.Error
}

// MarkActive records runID as the session's run. It reports false when the
// session left STARTING in the meantime, e.g. because a stop was requested.
func (r *StreamSessionRepository) MarkActive(ctx context.Context, id, runID uuid.UUID) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&model.StreamSession{}).
		Where("id = ? AND is_active = ? AND state = ?", id, true, model.SessionStateStarting).
		Updates(map[string]interface{}{
			"state":         model.SessionStateActive,
			"active_run_id": runID,
			"updated_at":    time.Now(),
		})
	return res.RowsAffected == 1, res.Error
}

// RequestStop clears the active flag of an active session; the capture loop
// observes it on its next poll.
func (r *StreamSessionRepository) RequestStop(ctx context.Context, id uuid.UUID) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&model.StreamSession{}).
		Where("id = ? AND is_active = ?", id, true).
		Updates(map[string]interface{}{
			"is_active":  false,
			"state":      model.SessionStateStopping,
			"updated_at": time.Now(),
		})
	return res.RowsAffected == 1, res.Error
}

func (r *StreamSessionRepository) IsActive(ctx context.Context, id uuid.UUID) (bool, error) {
	var session model.StreamSession
	err := r.db.WithContext(ctx).
		Select("is_active").
		Where("id = ?", id).
		First(&session).Error
	if err != nil {
		return false, notFound(err)
	}
	return session.IsActive, nil
}

// Finish marks the session STOPPED, but only if runID is still the run the
// session considers active. A newer start is left untouched.
func (r *StreamSessionRepository) Finish(ctx context.Context, id uuid.UUID, runID *uuid.UUID) error {
	query := r.db.WithContext(ctx).Model(&model.StreamSession{}).Where("id = ?", id)
	if runID != nil {
		query = query.Where("active_run_id = ? OR active_run_id IS NULL", *runID)
	} else {
		query = query.Where("active_run_id IS NULL")
	}
	return query.Updates(map[string]interface{}{
		"is_active":     false,
		"state":         model.SessionStateStopped,
		"active_run_id": nil,
		"updated_at":    time.Now(),
	}).Error
}

func (r *StreamSessionRepository) ListActive(ctx context.Context) ([]model.StreamSession, error) {
	var sessions []model.StreamSession
	err := r.db.WithContext(ctx).
		Preload("Drone").
		Where("is_active = ?", true).
		Find(&sessions).Error
	return sessions, err
}

// Deactivate forces a session off regardless of its state.
func (r *StreamSessionRepository) Deactivate(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).
		Model(&model.StreamSession{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"is_active":     false,
			"state":         model.SessionStateStopped,
			"active_run_id": nil,
			"updated_at":    time.Now(),
		}).Error
}
