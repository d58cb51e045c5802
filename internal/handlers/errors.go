package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"medroute/internal/events"
	"medroute/internal/middleware"
	"medroute/internal/models"
)

// respondError maps domain errors to HTTP status codes
func respondError(c *gin.Context, logger *zap.Logger, err error, message string) {
	switch {
	case errors.Is(err, models.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": message, "details": err.Error()})
	case errors.Is(err, models.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": message, "details": err.Error()})
	case errors.Is(err, models.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": message, "details": err.Error()})
	default:
		logger.Error(message, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": message})
	}
}

func bindJSON(c *gin.Context, logger *zap.Logger, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		logger.Warn("Invalid request payload", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request payload", "details": err.Error()})
		return false
	}
	return true
}

func requireActor(c *gin.Context) (string, bool) {
	actor := middleware.Actor(c)
	if actor == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Actor required"})
		return "", false
	}
	return actor, true
}

// deliver hands queued events to the dispatcher. Delivery failures never fail the request.
func deliver(ctx context.Context, dispatcher *events.Dispatcher, logger *zap.Logger, queued []events.Event) bool {
	if dispatcher == nil || len(queued) == 0 {
		return true
	}
	if err := dispatcher.Dispatch(ctx, queued); err != nil {
		logger.Warn("Event delivery incomplete", zap.Int("events", len(queued)), zap.Error(err))
		return false
	}
	return true
}
