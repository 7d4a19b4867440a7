package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"parking-kiosk/internal/mw"
)

// NewRouter creates and configures the local status/control router.
func NewRouter(h *Handler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	cfg := h.cfg.Server
	limiter := mw.RateLimit(rate.Limit(cfg.RateLimitPerSec), int(cfg.RateLimitPerSec)*2)

	ttl := time.Duration(cfg.CacheTTLSeconds) * time.Second
	cacheStore := cache.New(ttl, 2*ttl)
	caching := mw.CacheGET(cacheStore, ttl)

	api := r.Group("/api")
	api.Use(limiter)
	{
		api.GET("/status", h.GetStatus)
		api.GET("/logs/recent", caching, h.GetRecentLogs)
		api.GET("/occupancy", caching, h.GetOccupancy)

		api.POST("/events", h.PostLaneEvent)
		api.POST("/sync", h.PostSync)
		api.POST("/sync/pause", h.PostSyncPause)
		api.POST("/sync/resume", h.PostSyncResume)
		api.POST("/reconnect", h.PostReconnect)
		api.POST("/token/refresh", h.PostTokenRefresh)
	}

	return r
}
