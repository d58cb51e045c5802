package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"medroute/internal/dispatch"
	"medroute/internal/events"
	"medroute/internal/tracking"
)

// TripHandler handles HTTP requests for live trips
type TripHandler struct {
	service    *dispatch.Service
	dispatcher *events.Dispatcher
	logger     *zap.Logger
}

// NewTripHandler creates a new trip handler
func NewTripHandler(service *dispatch.Service, dispatcher *events.Dispatcher, logger *zap.Logger) *TripHandler {
	return &TripHandler{
		service:    service,
		dispatcher: dispatcher,
		logger:     logger.Named("trip_handler"),
	}
}

// StartTrip begins monitoring a trip
func (h *TripHandler) StartTrip(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var req dispatch.StartTripRequest
	if !bindJSON(c, h.logger, &req) {
		return
	}

	ctx := c.Request.Context()
	result, err := h.service.StartTrip(ctx, actor, req)
	if err != nil {
		respondError(c, h.logger, err, "Failed to start trip")
		return
	}
	deliver(ctx, h.dispatcher, h.logger, result.Events)

	c.JSON(http.StatusCreated, result.Session)
}

// ReportLocation applies a location sample
func (h *TripHandler) ReportLocation(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var sample tracking.LocationSample
	if !bindJSON(c, h.logger, &sample) {
		return
	}

	ctx := c.Request.Context()
	report, err := h.service.ReportLocation(ctx, actor, c.Param("id"), sample)
	if err != nil {
		respondError(c, h.logger, err, "Failed to report location")
		return
	}
	deliver(ctx, h.dispatcher, h.logger, report.Events)

	c.JSON(http.StatusOK, gin.H{
		"alert":            report.Alert,
		"expected_arrival": report.Session.ExpectedArrival,
	})
}

// AcknowledgeAlert marks an alert as acknowledged
func (h *TripHandler) AcknowledgeAlert(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	outcome, err := h.service.AcknowledgeAlert(ctx, actor, c.Param("id"), c.Param("alertId"))
	if err != nil {
		respondError(c, h.logger, err, "Failed to acknowledge alert")
		return
	}
	deliver(ctx, h.dispatcher, h.logger, outcome.Events)

	c.JSON(http.StatusOK, outcome.Alert)
}

// ResolveAlert closes an alert with a resolution
func (h *TripHandler) ResolveAlert(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var resolution tracking.Resolution
	if !bindJSON(c, h.logger, &resolution) {
		return
	}

	ctx := c.Request.Context()
	outcome, err := h.service.ResolveAlert(ctx, actor, c.Param("id"), c.Param("alertId"), resolution)
	if err != nil {
		respondError(c, h.logger, err, "Failed to resolve alert")
		return
	}
	deliver(ctx, h.dispatcher, h.logger, outcome.Events)

	c.JSON(http.StatusOK, outcome.Alert)
}

type completeTripRequest struct {
	FinalLocation *tracking.LocationSample `json:"final_location,omitempty"`
}

// CompleteTrip stops monitoring a trip. The body is optional.
func (h *TripHandler) CompleteTrip(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var req completeTripRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		h.logger.Warn("Invalid request payload", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request payload", "details": err.Error()})
		return
	}

	ctx := c.Request.Context()
	result, err := h.service.CompleteTrip(ctx, actor, c.Param("id"), req.FinalLocation)
	if err != nil {
		respondError(c, h.logger, err, "Failed to complete trip")
		return
	}
	deliver(ctx, h.dispatcher, h.logger, result.Events)

	c.JSON(http.StatusOK, result.Completion)
}

// GetTripStatus returns the live state of a trip
func (h *TripHandler) GetTripStatus(c *gin.Context) {
	session, err := h.service.GetTripStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err, "Failed to get trip status")
		return
	}
	c.JSON(http.StatusOK, session)
}

// ListActiveTrips lists every trip being tracked
func (h *TripHandler) ListActiveTrips(c *gin.Context) {
	sessions, err := h.service.ListActiveTrips(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err, "Failed to list trips")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"trips": sessions,
		"count": len(sessions),
	})
}
