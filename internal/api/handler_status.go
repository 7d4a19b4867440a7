package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

type statusResponse struct {
	Connectivity string     `json:"connectivity"`
	SyncPaused   bool       `json:"syncPaused"`
	PendingLogs  int64      `json:"pendingLogs"`
	LastSync     *time.Time `json:"lastSync"`
}

// GetStatus handles the GET /api/status request.
func (h *Handler) GetStatus(c *gin.Context) {
	ctx := c.Request.Context()

	pending, err := h.store.PendingLogCount(ctx)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "failed to count pending entries"})
		return
	}

	resp := statusResponse{
		Connectivity: h.monitor.State().String(),
		SyncPaused:   h.engine.Paused(),
		PendingLogs:  pending,
	}
	if last, err := h.store.LastSyncTime(ctx, "log_entries"); err == nil && !last.IsZero() {
		resp.LastSync = &last
	}
	c.JSON(http.StatusOK, resp)
}

// GetRecentLogs handles the GET /api/logs/recent request.
func (h *Handler) GetRecentLogs(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}

	logs, err := h.store.RecentLogs(c.Request.Context(), limit)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "failed to retrieve log entries"})
		return
	}
	c.JSON(http.StatusOK, logs)
}

type occupancyResponse struct {
	LotID    int64 `json:"lotId"`
	Capacity int   `json:"capacity"`
	Occupied int64 `json:"occupied"`
	Free     int64 `json:"free"`
}

// GetOccupancy handles the GET /api/occupancy request. Occupied counts
// come from local sessions so the answer works offline; capacity comes
// from the backend when reachable, with a configured fallback.
func (h *Handler) GetOccupancy(c *gin.Context) {
	ctx := c.Request.Context()

	active, err := h.store.ActiveSessionCount(ctx, h.cfg.API.LotID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "failed to count sessions"})
		return
	}

	capacity := h.cfg.API.LotCapacity
	if hdr, err := h.auth.AuthHeader(); err == nil {
		capacity = h.client.LotCapacity(ctx, hdr, h.cfg.API.LotID, capacity)
	}

	free := int64(capacity) - active
	if free < 0 {
		free = 0
	}
	c.JSON(http.StatusOK, occupancyResponse{
		LotID:    h.cfg.API.LotID,
		Capacity: capacity,
		Occupied: active,
		Free:     free,
	})
}
