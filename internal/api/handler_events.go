package api

import (
	"encoding/base64"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"parking-kiosk/internal/imagestore"
	"parking-kiosk/internal/model"
	"parking-kiosk/internal/opqueue"
	"parking-kiosk/internal/parse"
	"parking-kiosk/internal/syncer"
)

type laneEventRequest struct {
	Plate      string  `json:"plate" binding:"required"`
	Lane       string  `json:"lane" binding:"required"`
	Trigger    string  `json:"trigger"`
	Confidence float64 `json:"confidence"`
	// Captured frame as base64 PNG, optional.
	Image string `json:"image"`
}

type laneEventResponse struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Plate   string `json:"plate"`
}

// PostLaneEvent handles the POST /api/events request: one recognized
// plate at a lane. The blacklist decision happens here, synchronously
// against local data; everything durable goes through the operation
// queue so a busy database never blocks the lane.
func (h *Handler) PostLaneEvent(c *gin.Context) {
	var req laneEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	plate, err := parse.NormalizePlate(req.Plate)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid plate"})
		return
	}
	if req.Lane != model.LaneEntry && req.Lane != model.LaneExit {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid lane"})
		return
	}
	logType := model.LogAuto
	if req.Trigger == "manual" {
		logType = model.LogManual
	}

	blacklisted, err := h.store.IsBlacklisted(c.Request.Context(), plate)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "blacklist lookup failed"})
		return
	}

	now := time.Now().UTC()
	if blacklisted && req.Lane == model.LaneEntry {
		imagePath := h.saveImage(imagestore.CategoryBlacklist, req.Image)
		h.submit(opqueue.LogEntryParams{
			Lane:       req.Lane,
			PlateID:    plate,
			Confidence: req.Confidence,
			Type:       model.LogDeniedBlacklist,
			ImagePath:  imagePath,
			Timestamp:  now,
		})
		c.JSON(http.StatusOK, laneEventResponse{Allowed: false, Reason: "blacklisted", Plate: plate})
		return
	}

	category := imagestore.CategoryEntry
	sessionAction := opqueue.SessionCreate
	barrierAction := model.ActionEntry
	if req.Lane == model.LaneExit {
		category = imagestore.CategoryExit
		sessionAction = opqueue.SessionUpdate
		barrierAction = model.ActionExit
	}
	trigger := model.TriggerAuto
	if logType == model.LogManual {
		trigger = model.TriggerManual
	}
	imagePath := h.saveImage(category, req.Image)

	// carries through the flag we already looked up so the upsert never
	// clears a blacklist marking
	h.submit(opqueue.VehicleParams{PlateID: plate, IsBlacklisted: blacklisted})
	h.submit(opqueue.SessionParams{
		Action:     sessionAction,
		PlateID:    plate,
		LotID:      h.cfg.API.LotID,
		Confidence: req.Confidence,
		ImagePath:  imagePath,
	})
	h.submit(opqueue.LogEntryParams{
		Lane:       req.Lane,
		PlateID:    plate,
		Confidence: req.Confidence,
		Type:       logType,
		ImagePath:  imagePath,
		Timestamp:  now,
	})
	h.submit(opqueue.BarrierParams{ActionType: barrierAction, TriggerType: trigger})

	h.engine.RequestSync(syncer.ScopeLogs)
	c.JSON(http.StatusOK, laneEventResponse{Allowed: true, Plate: plate})
}

func (h *Handler) submit(params any) {
	if _, err := h.queue.Submit(params); err != nil {
		h.log.Error().Err(err).Msg("could not queue operation")
	}
}

// saveImage decodes and stores a captured frame, returning its path or
// empty when there is no usable image. A bad frame never fails the lane
// event.
func (h *Handler) saveImage(category, b64 string) string {
	if b64 == "" {
		return ""
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		h.log.Warn().Err(err).Msg("discarding malformed image payload")
		return ""
	}
	path, err := h.images.Save(category, data)
	if err != nil {
		h.log.Warn().Err(err).Msg("could not save image")
		return ""
	}
	return path
}
