package api

import (
	"github.com/rs/zerolog"

	"parking-kiosk/internal/apiclient"
	"parking-kiosk/internal/auth"
	"parking-kiosk/config"
	"parking-kiosk/internal/conn"
	"parking-kiosk/internal/imagestore"
	"parking-kiosk/internal/opqueue"
	"parking-kiosk/internal/store"
	"parking-kiosk/internal/syncer"
)

// Handler holds shared dependencies for API handlers.
type Handler struct {
	store   store.Store
	queue   *opqueue.Queue
	engine  *syncer.Engine
	monitor *conn.Monitor
	client  *apiclient.Client
	auth    *auth.State
	images  *imagestore.Store
	cfg     *config.Config
	log     zerolog.Logger
}

// NewHandler creates a new API handler.
func NewHandler(s store.Store, q *opqueue.Queue, e *syncer.Engine, m *conn.Monitor,
	client *apiclient.Client, authState *auth.State, images *imagestore.Store,
	cfg *config.Config, logger zerolog.Logger) *Handler {
	return &Handler{
		store:   s,
		queue:   q,
		engine:  e,
		monitor: m,
		client:  client,
		auth:    authState,
		images:  images,
		cfg:     cfg,
		log:     logger.With().Str("component", "api").Logger(),
	}
}
