package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"medroute/internal/dispatch"
	"medroute/internal/events"
	"medroute/internal/models"
)

// RoutingHandler handles destination selection and hospital capacity updates
type RoutingHandler struct {
	service    *dispatch.Service
	dispatcher *events.Dispatcher
	logger     *zap.Logger
}

// NewRoutingHandler creates a new routing handler
func NewRoutingHandler(service *dispatch.Service, dispatcher *events.Dispatcher, logger *zap.Logger) *RoutingHandler {
	return &RoutingHandler{
		service:    service,
		dispatcher: dispatcher,
		logger:     logger.Named("routing_handler"),
	}
}

// CalculateDestination selects a hospital and returns only the secure response
func (h *RoutingHandler) CalculateDestination(c *gin.Context) {
	actor, ok := requireActor(c)
	if !ok {
		return
	}
	var req dispatch.DestinationRequest
	if !bindJSON(c, h.logger, &req) {
		return
	}

	ctx := c.Request.Context()
	result, err := h.service.CalculateDestination(ctx, actor, req)
	if err != nil {
		respondError(c, h.logger, err, "Failed to calculate destination")
		return
	}

	if deliver(ctx, h.dispatcher, h.logger, result.Events) {
		for _, event := range result.Events {
			if event.Class() != events.ClassHospital {
				continue
			}
			_, err := h.service.RecordNotification(ctx, actor, dispatch.NotificationRecord{
				RequestID:  result.Response.RequestID,
				HospitalID: result.Response.DestinationID,
				Channel:    event.Channel,
			})
			if err != nil {
				h.logger.Error("Failed to record hospital notification",
					zap.String("request_id", result.Response.RequestID),
					zap.Error(err))
			}
		}
	}

	h.logger.Info("Destination calculated",
		zap.String("request_id", result.Response.RequestID),
		zap.String("destination_id", result.Response.DestinationID))
	c.JSON(http.StatusOK, result.Response)
}

// InternalRecommendations returns the full ranked candidate list
func (h *RoutingHandler) InternalRecommendations(c *gin.Context) {
	var req dispatch.DestinationRequest
	if !bindJSON(c, h.logger, &req) {
		return
	}

	recs, err := h.service.InternalRecommendations(c.Request.Context(), req)
	if err != nil {
		respondError(c, h.logger, err, "Failed to rank hospitals")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"recommendations": recs,
		"count":           len(recs),
	})
}

// UpdateHospital stores a capacity snapshot for a hospital
func (h *RoutingHandler) UpdateHospital(c *gin.Context) {
	var hospital models.HospitalSnapshot
	if !bindJSON(c, h.logger, &hospital) {
		return
	}
	hospital.ID = c.Param("id")

	if err := h.service.UpdateHospital(c.Request.Context(), hospital); err != nil {
		respondError(c, h.logger, err, "Failed to update hospital")
		return
	}

	c.JSON(http.StatusOK, gin.H{"id": hospital.ID, "status": "updated"})
}
