package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parking-kiosk/internal/apiclient"
	"parking-kiosk/internal/auth"
	"parking-kiosk/config"
	"parking-kiosk/internal/conn"
	"parking-kiosk/internal/db"
	"parking-kiosk/internal/imagestore"
	"parking-kiosk/internal/model"
	"parking-kiosk/internal/opqueue"
	"parking-kiosk/internal/store"
	"parking-kiosk/internal/syncer"
)

type apiEnv struct {
	router *gin.Engine
	store  store.Store
	queue  *opqueue.Queue
	engine *syncer.Engine
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(backend.Close)

	cfg := &config.Config{}
	cfg.ApplyDefaults()
	cfg.API.BaseURL = backend.URL

	gdb, err := db.Init(&config.DatabaseConfig{
		Path:          filepath.Join(t.TempDir(), "test.db"),
		BusyTimeoutMS: 5000,
	})
	require.NoError(t, err)
	st := store.NewGormStore(gdb)

	images, err := imagestore.New(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)

	client := apiclient.New(backend.URL, apiclient.Timeouts{
		ProbeConnect: time.Second, ProbeRead: time.Second,
		LoginConnect: time.Second, LoginRead: time.Second,
		UploadConnect: time.Second, UploadRead: time.Second,
	}, zerolog.Nop())
	authState := auth.NewState(client, "kiosk-7", "hunter2", time.Second, zerolog.Nop())
	monitor := conn.New(client, authState, cfg.Monitor, cfg.API.LotID, zerolog.Nop())
	engine := syncer.New(st, client, authState, images, cfg.Sync, cfg.API.LotID, zerolog.Nop())

	queue := opqueue.New(st, zerolog.Nop(), 64, 3, time.Millisecond)
	queue.Start()
	t.Cleanup(func() { queue.Close(time.Second) })

	h := NewHandler(st, queue, engine, monitor, client, authState, images, cfg, zerolog.Nop())
	return &apiEnv{router: NewRouter(h), store: st, queue: queue, engine: engine}
}

func (env *apiEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

// awaitResults reads n completion messages off the queue.
func (env *apiEnv) awaitResults(t *testing.T, n int) []opqueue.Result {
	t.Helper()
	out := make([]opqueue.Result, 0, n)
	deadline := time.After(3 * time.Second)
	for len(out) < n {
		select {
		case r := <-env.queue.Results():
			out = append(out, r)
		case <-deadline:
			t.Fatalf("timed out waiting for %d queue results, got %d", n, len(out))
		}
	}
	return out
}

func TestGetStatus(t *testing.T) {
	env := newAPIEnv(t)

	w := env.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "disconnected", resp.Connectivity)
	assert.False(t, resp.SyncPaused)
	assert.Zero(t, resp.PendingLogs)
	assert.Nil(t, resp.LastSync)
}

func TestPostLaneEventEntry(t *testing.T) {
	env := newAPIEnv(t)

	w := env.do(t, http.MethodPost, "/api/events",
		`{"plate":"ka-01-ab-1234","lane":"entry","confidence":0.97}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp laneEventResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Allowed)
	assert.Equal(t, "KA01AB1234", resp.Plate)

	// vehicle upsert, session create, log append, barrier action
	results := env.awaitResults(t, 4)
	for _, r := range results {
		assert.NoError(t, r.Err)
	}

	ctx := context.Background()
	v, err := env.store.GetVehicle(ctx, "KA01AB1234")
	require.NoError(t, err)
	require.NotNil(t, v)

	active, err := env.store.ActiveSessionCount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), active)

	pending, err := env.store.PendingLogCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)
}

func TestPostLaneEventExitClosesSession(t *testing.T) {
	env := newAPIEnv(t)

	env.do(t, http.MethodPost, "/api/events", `{"plate":"KA01AB1234","lane":"entry"}`)
	env.awaitResults(t, 4)

	w := env.do(t, http.MethodPost, "/api/events", `{"plate":"KA01AB1234","lane":"exit"}`)
	require.Equal(t, http.StatusOK, w.Code)
	env.awaitResults(t, 4)

	active, err := env.store.ActiveSessionCount(context.Background(), 1)
	require.NoError(t, err)
	assert.Zero(t, active)
}

func TestPostLaneEventBlacklisted(t *testing.T) {
	env := newAPIEnv(t)
	ctx := context.Background()
	require.NoError(t, env.store.UpdateBlacklist(ctx, []store.BlacklistEntry{
		{PlateID: "EVL666", IsBlacklisted: true},
	}))

	w := env.do(t, http.MethodPost, "/api/events", `{"plate":"EVL666","lane":"entry"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp laneEventResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Allowed)
	assert.Equal(t, "blacklisted", resp.Reason)

	// only the denial log entry is queued, and it is not sync-eligible
	results := env.awaitResults(t, 1)
	assert.NoError(t, results[0].Err)

	logs, err := env.store.RecentLogs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, model.LogDeniedBlacklist, logs[0].Type)

	pending, err := env.store.PendingLogCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)

	active, err := env.store.ActiveSessionCount(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, active)
}

func TestPostLaneEventInvalidPlate(t *testing.T) {
	env := newAPIEnv(t)

	w := env.do(t, http.MethodPost, "/api/events", `{"plate":"???","lane":"entry"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPostLaneEventInvalidLane(t *testing.T) {
	env := newAPIEnv(t)

	w := env.do(t, http.MethodPost, "/api/events", `{"plate":"KA01AB1234","lane":"sideways"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPostSyncScopes(t *testing.T) {
	env := newAPIEnv(t)

	w := env.do(t, http.MethodPost, "/api/sync", `{"scope":"logs"}`)
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = env.do(t, http.MethodPost, "/api/sync", "")
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = env.do(t, http.MethodPost, "/api/sync", `{"scope":"bogus"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPauseResume(t *testing.T) {
	env := newAPIEnv(t)

	w := env.do(t, http.MethodPost, "/api/sync/pause", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, env.engine.Paused())

	w = env.do(t, http.MethodPost, "/api/sync/resume", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, env.engine.Paused())
}

func TestGetRecentLogsLimit(t *testing.T) {
	env := newAPIEnv(t)

	w := env.do(t, http.MethodGet, "/api/logs/recent?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/api/logs/recent?limit=10", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGetOccupancyFallbackCapacity(t *testing.T) {
	env := newAPIEnv(t)

	w := env.do(t, http.MethodGet, "/api/occupancy", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp occupancyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	// no login has happened, so capacity falls back to the configured value
	assert.Equal(t, 50, resp.Capacity)
	assert.Zero(t, resp.Occupied)
	assert.Equal(t, int64(50), resp.Free)
}
