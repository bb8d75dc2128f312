package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/no-man-is-an-island/toshtogo/internal/api/dto"
	"github.com/no-man-is-an-island/toshtogo/internal/core"
	"github.com/no-man-is-an-island/toshtogo/internal/dispatch"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger  *slog.Logger
	Service *dispatch.Service
	// HealthCheck is probed by GET /health; nil means no storage probe.
	HealthCheck func(ctx context.Context) error
}

// Handler handles all dispatch HTTP requests
type Handler struct {
	logger      *slog.Logger
	service     *dispatch.Service
	healthCheck func(ctx context.Context) error
}

// New creates a new Handler instance
func New(deps *Dependencies) *Handler {
	return &Handler{
		logger:      deps.Logger,
		service:     deps.Service,
		healthCheck: deps.HealthCheck,
	}
}

// writeError maps engine errors onto the stable machine-readable codes
// of the wire protocol.
func (h *Handler) writeError(c *gin.Context, err error) {
	var status int
	var code string

	switch {
	case errors.Is(err, core.ErrConflict):
		status, code = http.StatusConflict, "conflict"
	case errors.Is(err, core.ErrStaleCommitment):
		status, code = http.StatusConflict, "stale-commitment"
	case errors.Is(err, core.ErrJobNotFound), errors.Is(err, core.ErrCommitmentNotFound):
		status, code = http.StatusNotFound, "not-found"
	case errors.Is(err, core.ErrInvalidJobRequest):
		status, code = http.StatusBadRequest, "invalid-payload"
	default:
		status, code = http.StatusInternalServerError, "internal"
		h.logger.Error("Request failed",
			slog.String("path", c.Request.URL.Path),
			slog.String("error", err.Error()),
		)
	}

	c.JSON(status, dto.ErrorResponse{Error: dto.ErrorBody{Code: code, Message: err.Error()}})
}

func invalidPayload(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: dto.ErrorBody{
		Code:    "invalid-payload",
		Message: message,
	}})
}

// Health handles GET /health
func (h *Handler) Health(c *gin.Context) {
	if h.healthCheck != nil {
		if err := h.healthCheck(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "toshtogo-api",
	})
}
