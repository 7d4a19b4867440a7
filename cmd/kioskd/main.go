package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"parking-kiosk/config"
	"parking-kiosk/internal/api"
	"parking-kiosk/internal/apiclient"
	"parking-kiosk/internal/auth"
	"parking-kiosk/internal/conn"
	"parking-kiosk/internal/db"
	"parking-kiosk/internal/imagestore"
	"parking-kiosk/internal/opqueue"
	"parking-kiosk/internal/store"
	"parking-kiosk/internal/syncer"
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", configPath).Msg("failed to load configuration")
	}
	logger.Info().Str("path", configPath).Msg("configuration loaded")

	if cfg.API.BaseURL == "" || cfg.API.Username == "" {
		logger.Fatal().Msg("api.base_url and api.username must be configured")
	}

	gormDB, err := db.Init(&cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize database")
	}
	appStore := store.NewGormStore(gormDB)
	logger.Info().Str("path", cfg.Database.Path).Msg("local database ready")

	images, err := imagestore.New(cfg.Images.Dir, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize image store")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := apiclient.New(cfg.API.BaseURL, apiclient.Timeouts{
		ProbeConnect:  time.Duration(cfg.API.ProbeConnectTimeoutMS) * time.Millisecond,
		ProbeRead:     time.Duration(cfg.API.ProbeReadTimeoutMS) * time.Millisecond,
		LoginConnect:  time.Duration(cfg.API.LoginConnectTimeoutMS) * time.Millisecond,
		LoginRead:     time.Duration(cfg.API.LoginReadTimeoutMS) * time.Millisecond,
		UploadConnect: time.Duration(cfg.API.UploadConnectTimeoutMS) * time.Millisecond,
		UploadRead:    time.Duration(cfg.API.UploadReadTimeoutMS) * time.Millisecond,
	}, logger)

	authState := auth.NewState(client, cfg.API.Username, cfg.API.Password,
		time.Duration(cfg.Sync.MinTokenRefreshSeconds)*time.Second, logger)

	queue := opqueue.New(appStore, logger, cfg.Queue.Depth, cfg.Queue.MaxRetries,
		time.Duration(cfg.Queue.RetryBaseDelayMS)*time.Millisecond)
	queue.Start()

	monitor := conn.New(client, authState, cfg.Monitor, cfg.API.LotID, logger)
	engine := syncer.New(appStore, client, authState, images, cfg.Sync, cfg.API.LotID, logger)
	engine.UseGate(func() bool { return monitor.State() == conn.Connected })

	go monitor.Run(ctx)
	go engine.Run(ctx)
	go pumpConnEvents(ctx, monitor, engine)
	go cleanupImages(ctx, images, cfg.Images.RetentionDays, logger)

	// anything staged while the kiosk was off goes out as soon as the
	// link comes up; requesting now means the first Connected transition
	// is not a race
	engine.RequestSync(syncer.ScopeAll)

	handler := api.NewHandler(appStore, queue, engine, monitor, client, authState, images, cfg, logger)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: api.NewRouter(handler),
	}

	go func() {
		logger.Info().Int("port", cfg.Server.Port).Msg("local API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("local API server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Sync.ShutdownSyncTimeoutSeconds)*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("local API shutdown failed")
	}

	// drain queued writes before the final sync so nothing staged in the
	// last seconds is left behind
	if !queue.Close(5 * time.Second) {
		logger.Warn().Msg("operation queue did not drain in time")
	}
	finalSync(shutdownCtx, monitor, client, engine, logger)

	cancel()
	logger.Info().Msg("stopped")
}

// pumpConnEvents turns connectivity transitions into sync requests: every
// reconnect drains whatever accumulated while offline.
func pumpConnEvents(ctx context.Context, monitor *conn.Monitor, engine *syncer.Engine) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-monitor.Events():
			if ev.State == conn.Connected {
				engine.RequestSync(syncer.ScopeAll)
			}
		}
	}
}

// cleanupImages prunes expired offline images once a day.
func cleanupImages(ctx context.Context, images *imagestore.Store, retentionDays int, logger zerolog.Logger) {
	t := time.NewTicker(24 * time.Hour)
	defer t.Stop()
	for {
		if _, err := images.Cleanup(retentionDays); err != nil {
			logger.Warn().Err(err).Msg("image cleanup failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// finalSync pushes remaining entries on the way down, but only when the
// backend is actually reachable right now. The health double-check keeps
// shutdown fast when the link died moments ago.
func finalSync(ctx context.Context, monitor *conn.Monitor, client *apiclient.Client,
	engine *syncer.Engine, logger zerolog.Logger) {
	if monitor.State() != conn.Connected {
		logger.Info().Msg("offline at shutdown, skipping final sync")
		return
	}
	if err := client.Health(ctx); err != nil {
		logger.Info().Err(err).Msg("backend unreachable at shutdown, skipping final sync")
		return
	}
	sent, err := engine.SyncOnce(ctx, syncer.ScopeLogs)
	if err != nil {
		logger.Warn().Err(err).Int("sent", sent).Msg("final sync incomplete")
		return
	}
	logger.Info().Int("sent", sent).Msg("final sync complete")
}
