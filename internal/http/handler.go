package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"traffic-enforcement/internal/health"
	"traffic-enforcement/internal/model"
	"traffic-enforcement/internal/repository"
	"traffic-enforcement/internal/session"
)

type StreamController interface {
	Start(ctx context.Context, sessionID uuid.UUID) error
	Stop(ctx context.Context, sessionID uuid.UUID) error
}

// HealthReporter is read-only; healing belongs to the scheduler.
type HealthReporter interface {
	LastReport() (health.Report, bool)
	Classify(ctx context.Context) (health.Report, error)
}

type ViolationLister interface {
	List(ctx context.Context, filter repository.ViolationListFilter) ([]model.Violation, error)
}

// Handler serves the internal control surface. Any dependency may be nil
// when the process role does not own it; its routes are then not mounted.
type Handler struct {
	streams    StreamController
	health     HealthReporter
	violations ViolationLister
	log        zerolog.Logger
}

func NewHandler(streams StreamController, health HealthReporter, violations ViolationLister, log zerolog.Logger) *Handler {
	return &Handler{
		streams:    streams,
		health:     health,
		violations: violations,
		log:        log,
	}
}

func (h *Handler) Register(r *gin.Engine, authMiddleware gin.HandlerFunc) {
	internal := r.Group("/internal")
	internal.Use(authMiddleware)

	streams := internal.Group("/streams")
	{
		if h.streams != nil {
			streams.POST("/:id/start", h.startStream)
			streams.POST("/:id/stop", h.stopStream)
		}
		if h.health != nil {
			streams.GET("/health", h.streamHealth)
		}
	}

	if h.violations != nil {
		internal.GET("/violations", h.listViolations)
	}
}

func (h *Handler) startStream(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("invalid stream id"))
		return
	}

	if err := h.streams.Start(c.Request.Context(), id); err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, successResponse(gin.H{"id": id, "state": model.SessionStateStarting}))
}

func (h *Handler) stopStream(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("invalid stream id"))
		return
	}

	if err := h.streams.Stop(c.Request.Context(), id); err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, successResponse(gin.H{"id": id, "state": model.SessionStateStopping}))
}

func (h *Handler) streamHealth(c *gin.Context) {
	if c.Query("refresh") != "true" {
		if report, ok := h.health.LastReport(); ok {
			c.JSON(http.StatusOK, successResponse(report))
			return
		}
	}

	report, err := h.health.Classify(c.Request.Context())
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(report))
}

func (h *Handler) listViolations(c *gin.Context) {
	var filter repository.ViolationListFilter
	if raw := c.Query("status"); raw != "" {
		status := model.ViolationStatus(raw)
		filter.Status = &status
	}
	if raw := c.Query("patrol_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse("invalid patrol_id"))
			return
		}
		filter.PatrolID = &id
	}

	violations, err := h.violations.List(c.Request.Context(), filter)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(violations))
}

func (h *Handler) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse(err.Error()))
	case errors.Is(err, session.ErrAlreadyActive), errors.Is(err, session.ErrNotActive),
		errors.Is(err, session.ErrStopping):
		c.JSON(http.StatusConflict, errorResponse(err.Error()))
	default:
		h.log.Error().Err(err).Msg("handler error")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
	}
}

func successResponse(data interface{}) gin.H {
	return gin.H{
		"data": data,
	}
}

func errorResponse(message string) gin.H {
	return gin.H{
		"error": message,
	}
}
