package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"parking-kiosk/internal/syncer"
)

type syncRequest struct {
	Scope string `json:"scope"`
}

// PostSync handles the POST /api/sync request.
func (h *Handler) PostSync(c *gin.Context) {
	var req syncRequest
	// empty body means a full sync
	_ = c.ShouldBindJSON(&req)

	var scope syncer.Scope
	switch req.Scope {
	case "", "all":
		scope = syncer.ScopeAll
	case "logs":
		scope = syncer.ScopeLogs
	case "blacklist":
		scope = syncer.ScopeBlacklist
	default:
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid scope"})
		return
	}

	h.engine.RequestSync(scope)
	c.JSON(http.StatusAccepted, gin.H{"requested": scope.String()})
}

// PostSyncPause handles the POST /api/sync/pause request.
func (h *Handler) PostSyncPause(c *gin.Context) {
	h.engine.Pause()
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

// PostSyncResume handles the POST /api/sync/resume request.
func (h *Handler) PostSyncResume(c *gin.Context) {
	h.engine.Resume()
	c.JSON(http.StatusOK, gin.H{"paused": false})
}

// PostReconnect handles the POST /api/reconnect request.
func (h *Handler) PostReconnect(c *gin.Context) {
	h.monitor.ForceReconnect()
	c.JSON(http.StatusAccepted, gin.H{"connectivity": h.monitor.State().String()})
}

// PostTokenRefresh handles the POST /api/token/refresh request.
func (h *Handler) PostTokenRefresh(c *gin.Context) {
	h.monitor.ForceTokenRefresh()
	c.JSON(http.StatusAccepted, gin.H{"refresh": "requested"})
}
