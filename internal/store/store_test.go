package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"parking-kiosk/internal/model"
)

// newTestStore creates a store over a throwaway SQLite database.
func newTestStore(t *testing.T) Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&model.Vehicle{},
		&model.ParkingSession{},
		&model.BarrierAction{},
		&model.LogEntry{},
		&model.SyncStatus{},
	))
	require.NoError(t, db.Create(&model.SyncStatus{TableName: "vehicles"}).Error)
	require.NoError(t, db.Create(&model.SyncStatus{TableName: "log_entries"}).Error)

	return NewGormStore(db)
}

func TestUpsertVehicle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertVehicle(ctx, "AB123CD", false))

	blacklisted, err := s.IsBlacklisted(ctx, "AB123CD")
	require.NoError(t, err)
	assert.False(t, blacklisted)

	// Upsert with new blacklist status.
	require.NoError(t, s.UpsertVehicle(ctx, "AB123CD", true))
	blacklisted, err = s.IsBlacklisted(ctx, "AB123CD")
	require.NoError(t, err)
	assert.True(t, blacklisted)

	// Unknown plates are not blacklisted.
	blacklisted, err = s.IsBlacklisted(ctx, "ZZ999ZZ")
	require.NoError(t, err)
	assert.False(t, blacklisted)
}

func TestUpdateBlacklist_MarksSynced(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// A locally observed vehicle starts out unsynced.
	require.NoError(t, s.UpsertVehicle(ctx, "AA111AA", false))

	err := s.UpdateBlacklist(ctx, []BlacklistEntry{
		{PlateID: "AA111AA", IsBlacklisted: true},
		{PlateID: "BB222BB", IsBlacklisted: true},
	})
	require.NoError(t, err)

	v, err := s.GetVehicle(ctx, "AA111AA")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.True(t, v.IsBlacklisted)
	assert.True(t, v.Synced)

	v, err = s.GetVehicle(ctx, "BB222BB")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.True(t, v.Synced)

	last, err := s.LastSyncTime(ctx, "vehicles")
	require.NoError(t, err)
	assert.False(t, last.IsZero())
}

func TestUnsyncedLogs_FiltersAndOrders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-1 * time.Hour)

	entries := []model.LogEntry{
		{Timestamp: base.Add(3 * time.Minute), Lane: model.LaneEntry, PlateID: "P3", Type: model.LogAuto},
		{Timestamp: base.Add(1 * time.Minute), Lane: model.LaneEntry, PlateID: "P1", Type: model.LogAuto},
		{Timestamp: base.Add(2 * time.Minute), Lane: model.LaneExit, PlateID: "P2", Type: model.LogManual},
		{Timestamp: base.Add(4 * time.Minute), Lane: model.LaneEntry, PlateID: "P4", Type: model.LogDeniedBlacklist},
		{Timestamp: base.Add(5 * time.Minute), Lane: model.LaneEntry, PlateID: "P5", Type: model.LogSkipped},
	}
	for i := range entries {
		_, err := s.AppendLog(ctx, &entries[i])
		require.NoError(t, err)
	}

	logs, err := s.UnsyncedLogs(ctx, 20)
	require.NoError(t, err)
	require.Len(t, logs, 3, "denied-blacklist and skipped rows must never be eligible")
	assert.Equal(t, "P1", logs[0].PlateID)
	assert.Equal(t, "P2", logs[1].PlateID)
	assert.Equal(t, "P3", logs[2].PlateID)

	count, err := s.PendingLogCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestMarkLogSynced(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry := model.LogEntry{Lane: model.LaneEntry, PlateID: "AB123CD", Type: model.LogAuto}
	id, err := s.AppendLog(ctx, &entry)
	require.NoError(t, err)

	require.NoError(t, s.MarkLogSynced(ctx, id))

	count, err := s.PendingLogCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	// Marking twice is harmless.
	require.NoError(t, s.MarkLogSynced(ctx, id))
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.StartSession(ctx, SessionStart{PlateID: "AB123CD", LotID: 1, Confidence: 0.92})
	require.NoError(t, err)
	assert.Greater(t, id, int64(0))

	// Vehicle row is created implicitly.
	v, err := s.GetVehicle(ctx, "AB123CD")
	require.NoError(t, err)
	require.NotNil(t, v)

	active, err := s.ActiveSessionCount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), active)

	endedID, err := s.EndSession(ctx, SessionEnd{PlateID: "AB123CD", LotID: 1, Confidence: 0.88})
	require.NoError(t, err)
	assert.Equal(t, id, endedID)

	active, err = s.ActiveSessionCount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), active)

	sessions, err := s.UnsyncedSessions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, model.SessionFinished, sessions[0].Status)
	require.NotNil(t, sessions[0].ExitTime)
}

func TestEndSession_NoOpenSession(t *testing.T) {
	s := newTestStore(t)

	_, err := s.EndSession(context.Background(), SessionEnd{PlateID: "NOPE", LotID: 1})
	assert.ErrorIs(t, err, ErrNoOpenSession)
}

func TestMarkSessionSynced_WithRemoteID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.StartSession(ctx, SessionStart{PlateID: "AB123CD", LotID: 1})
	require.NoError(t, err)

	remoteID := int64(4242)
	require.NoError(t, s.MarkSessionSynced(ctx, id, &remoteID))

	sessions, err := s.UnsyncedSessions(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, sessions)

	var session model.ParkingSession
	require.NoError(t, s.DB().First(&session, id).Error)
	require.NotNil(t, session.RemoteID)
	assert.Equal(t, remoteID, *session.RemoteID)
}

func TestBarrierActions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sessionID := int64(7)
	id, err := s.RecordBarrierAction(ctx, &model.BarrierAction{
		SessionID:   &sessionID,
		ActionType:  model.ActionEntry,
		TriggerType: model.TriggerAuto,
	})
	require.NoError(t, err)

	actions, err := s.UnsyncedActions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.False(t, actions[0].ActionTime.IsZero())

	require.NoError(t, s.MarkActionSynced(ctx, id, nil))
	actions, err = s.UnsyncedActions(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, actions)
}

func TestIsBusyClassification(t *testing.T) {
	assert.False(t, IsBusy(nil))
	assert.False(t, IsBusy(gorm.ErrRecordNotFound))
	assert.True(t, IsBusy(&busyError{err: gorm.ErrInvalidDB}))
}
