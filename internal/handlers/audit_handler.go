package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"medroute/internal/audit"
	"medroute/internal/dispatch"
)

// AuditHandler exposes the ledger read paths
type AuditHandler struct {
	service *dispatch.Service
	logger  *zap.Logger
}

// NewAuditHandler creates a new audit handler
func NewAuditHandler(service *dispatch.Service, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{
		service: service,
		logger:  logger.Named("audit_handler"),
	}
}

// ListEntries returns a filtered page of ledger entries
func (h *AuditHandler) ListEntries(c *gin.Context) {
	var filter audit.Filter

	for _, kind := range c.QueryArray("kind") {
		filter.Kinds = append(filter.Kinds, audit.EventKind(kind))
	}
	filter.TripID = c.Query("trip_id")
	filter.Actor = c.Query("actor")

	var ok bool
	if filter.From, ok = parseTime(c, "from"); !ok {
		return
	}
	if filter.To, ok = parseTime(c, "to"); !ok {
		return
	}
	if filter.Limit, ok = parseInt(c, "limit"); !ok {
		return
	}
	if filter.Offset, ok = parseInt(c, "offset"); !ok {
		return
	}

	page, err := h.service.QueryAudit(c.Request.Context(), filter)
	if err != nil {
		respondError(c, h.logger, err, "Failed to query audit entries")
		return
	}

	c.JSON(http.StatusOK, page)
}

// Verify replays the chain and reports whether it is intact
func (h *AuditHandler) Verify(c *gin.Context) {
	result, err := h.service.VerifyAuditChain(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err, "Failed to verify audit chain")
		return
	}
	c.JSON(http.StatusOK, result)
}

func parseTime(c *gin.Context, key string) (time.Time, bool) {
	raw := c.Query(key)
	if raw == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + key + " timestamp", "details": err.Error()})
		return time.Time{}, false
	}
	return t, true
}

func parseInt(c *gin.Context, key string) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + key, "details": err.Error()})
		return 0, false
	}
	return n, true
}
