package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"parking-kiosk/internal/model"
)

// Store defines the interface for all local database operations. The
// store is the only writer of row contents; the sync engine is the only
// caller of the Mark*Synced methods.
type Store interface {
	DB() *gorm.DB

	// Vehicles
	UpsertVehicle(ctx context.Context, plateID string, isBlacklisted bool) error
	GetVehicle(ctx context.Context, plateID string) (*model.Vehicle, error)
	IsBlacklisted(ctx context.Context, plateID string) (bool, error)
	UpdateBlacklist(ctx context.Context, entries []BlacklistEntry) error

	// Log entries
	AppendLog(ctx context.Context, entry *model.LogEntry) (int64, error)
	UnsyncedLogs(ctx context.Context, limit int) ([]model.LogEntry, error)
	MarkLogSynced(ctx context.Context, logID int64) error
	PendingLogCount(ctx context.Context) (int64, error)
	RecentLogs(ctx context.Context, limit int) ([]model.LogEntry, error)

	// Parking sessions
	StartSession(ctx context.Context, s SessionStart) (int64, error)
	EndSession(ctx context.Context, s SessionEnd) (int64, error)
	ActiveSessionCount(ctx context.Context, lotID int64) (int64, error)
	UnsyncedSessions(ctx context.Context, limit int) ([]model.ParkingSession, error)
	MarkSessionSynced(ctx context.Context, sessionID int64, remoteID *int64) error

	// Barrier actions
	RecordBarrierAction(ctx context.Context, a *model.BarrierAction) (int64, error)
	UnsyncedActions(ctx context.Context, limit int) ([]model.BarrierAction, error)
	MarkActionSynced(ctx context.Context, actionID int64, remoteID *int64) error

	// Sync bookkeeping
	LastSyncTime(ctx context.Context, table string) (time.Time, error)
	TouchSyncTime(ctx context.Context, table string) error
}

// BlacklistEntry is one vehicle record from the server's authoritative
// blacklist.
type BlacklistEntry struct {
	PlateID       string `json:"plate_id"`
	IsBlacklisted bool   `json:"is_blacklisted"`
}

// SessionStart carries the parameters for opening a parking session.
type SessionStart struct {
	PlateID    string
	LotID      int64
	Confidence float64
	ImagePath  string
}

// SessionEnd carries the parameters for closing a parking session.
type SessionEnd struct {
	PlateID    string
	LotID      int64
	Confidence float64
	ImagePath  string
}

// gormStore implements the Store interface using GORM over SQLite.
type gormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) DB() *gorm.DB {
	return s.db
}

// --- Vehicles ---

func (s *gormStore) UpsertVehicle(ctx context.Context, plateID string, isBlacklisted bool) error {
	v := model.Vehicle{PlateID: plateID, IsBlacklisted: isBlacklisted, Synced: false}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "plate_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"is_blacklisted", "synced", "updated_at"}),
	}).Create(&v).Error
	if err != nil {
		return classify(fmt.Errorf("failed to upsert vehicle %s: %w", plateID, err))
	}
	return nil
}

func (s *gormStore) GetVehicle(ctx context.Context, plateID string) (*model.Vehicle, error) {
	var v model.Vehicle
	err := s.db.WithContext(ctx).First(&v, "plate_id = ?", plateID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	return &v, nil
}

func (s *gormStore) IsBlacklisted(ctx context.Context, plateID string) (bool, error) {
	v, err := s.GetVehicle(ctx, plateID)
	if err != nil {
		return false, err
	}
	return v != nil && v.IsBlacklisted, nil
}

// UpdateBlacklist applies the server's authoritative blacklist in one
// transaction. Rows written here are already known to the server, so they
// are marked synced.
func (s *gormStore) UpdateBlacklist(ctx context.Context, entries []BlacklistEntry) error {
	if len(entries) == 0 {
		return s.TouchSyncTime(ctx, "vehicles")
	}

	vehicles := make([]model.Vehicle, 0, len(entries))
	for _, e := range entries {
		vehicles = append(vehicles, model.Vehicle{
			PlateID:       e.PlateID,
			IsBlacklisted: e.IsBlacklisted,
			Synced:        true,
		})
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "plate_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"is_blacklisted", "synced", "updated_at"}),
		}).Create(&vehicles).Error; err != nil {
			return fmt.Errorf("batch upsert blacklist failed: %w", err)
		}
		return tx.Model(&model.SyncStatus{}).
			Where("table_name = ?", "vehicles").
			Update("last_sync_time", time.Now().UTC()).Error
	})
	return classify(err)
}

// --- Log entries ---

func (s *gormStore) AppendLog(ctx context.Context, entry *model.LogEntry) (int64, error) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return 0, classify(fmt.Errorf("failed to append log entry: %w", err))
	}
	return entry.ID, nil
}

// UnsyncedLogs returns sync-eligible rows oldest-first. Ordering by
// timestamp makes resumption after a partial batch deterministic.
func (s *gormStore) UnsyncedLogs(ctx context.Context, limit int) ([]model.LogEntry, error) {
	var logs []model.LogEntry
	err := s.db.WithContext(ctx).
		Where("synced = ? AND type IN ?", false, model.SyncableLogTypes).
		Order("timestamp ASC").
		Limit(limit).
		Find(&logs).Error
	if err != nil {
		return nil, classify(err)
	}
	return logs, nil
}

func (s *gormStore) MarkLogSynced(ctx context.Context, logID int64) error {
	err := s.db.WithContext(ctx).Model(&model.LogEntry{}).
		Where("id = ?", logID).
		Update("synced", true).Error
	return classify(err)
}

func (s *gormStore) PendingLogCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.LogEntry{}).
		Where("synced = ? AND type IN ?", false, model.SyncableLogTypes).
		Count(&count).Error
	if err != nil {
		return 0, classify(err)
	}
	return count, nil
}

func (s *gormStore) RecentLogs(ctx context.Context, limit int) ([]model.LogEntry, error) {
	var logs []model.LogEntry
	err := s.db.WithContext(ctx).
		Order("timestamp DESC").
		Limit(limit).
		Find(&logs).Error
	if err != nil {
		return nil, classify(err)
	}
	return logs, nil
}

// --- Parking sessions ---

// StartSession opens a pending session, creating the vehicle row first if
// it does not exist yet.
func (s *gormStore) StartSession(ctx context.Context, start SessionStart) (int64, error) {
	var sessionID int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		v := model.Vehicle{PlateID: start.PlateID}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "plate_id"}},
			DoNothing: true,
		}).Create(&v).Error; err != nil {
			return fmt.Errorf("failed to ensure vehicle %s: %w", start.PlateID, err)
		}

		session := model.ParkingSession{
			PlateID:         start.PlateID,
			LotID:           start.LotID,
			EntryTime:       time.Now().UTC(),
			EntryImage:      start.ImagePath,
			EntryConfidence: start.Confidence,
			Status:          model.SessionPending,
		}
		if err := tx.Create(&session).Error; err != nil {
			return fmt.Errorf("failed to start session for %s: %w", start.PlateID, err)
		}
		sessionID = session.ID
		return nil
	})
	if err != nil {
		return 0, classify(err)
	}
	return sessionID, nil
}

// EndSession closes the most recent pending session for the plate. If no
// pending session exists it returns ErrNoOpenSession; callers decide how
// loudly to report that.
func (s *gormStore) EndSession(ctx context.Context, end SessionEnd) (int64, error) {
	var sessionID int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var session model.ParkingSession
		err := tx.Where("plate_id = ? AND lot_id = ? AND exit_time IS NULL", end.PlateID, end.LotID).
			Order("entry_time DESC").
			First(&session).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNoOpenSession
		}
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		updates := map[string]any{
			"exit_time":       now,
			"exit_confidence": end.Confidence,
			"exit_image":      end.ImagePath,
			"status":          model.SessionFinished,
			"synced":          false,
		}
		if err := tx.Model(&session).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to end session %d: %w", session.ID, err)
		}
		sessionID = session.ID
		return nil
	})
	if err != nil {
		return 0, classify(err)
	}
	return sessionID, nil
}

func (s *gormStore) ActiveSessionCount(ctx context.Context, lotID int64) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.ParkingSession{}).
		Where("lot_id = ? AND exit_time IS NULL", lotID).
		Count(&count).Error
	if err != nil {
		return 0, classify(err)
	}
	return count, nil
}

func (s *gormStore) UnsyncedSessions(ctx context.Context, limit int) ([]model.ParkingSession, error) {
	var sessions []model.ParkingSession
	err := s.db.WithContext(ctx).
		Where("synced = ?", false).
		Order("entry_time ASC").
		Limit(limit).
		Find(&sessions).Error
	if err != nil {
		return nil, classify(err)
	}
	return sessions, nil
}

func (s *gormStore) MarkSessionSynced(ctx context.Context, sessionID int64, remoteID *int64) error {
	updates := map[string]any{"synced": true}
	if remoteID != nil {
		updates["remote_id"] = *remoteID
	}
	err := s.db.WithContext(ctx).Model(&model.ParkingSession{}).
		Where("id = ?", sessionID).
		Updates(updates).Error
	return classify(err)
}

// --- Barrier actions ---

func (s *gormStore) RecordBarrierAction(ctx context.Context, a *model.BarrierAction) (int64, error) {
	if a.ActionTime.IsZero() {
		a.ActionTime = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(a).Error; err != nil {
		return 0, classify(fmt.Errorf("failed to record barrier action: %w", err))
	}
	return a.ID, nil
}

func (s *gormStore) UnsyncedActions(ctx context.Context, limit int) ([]model.BarrierAction, error) {
	var actions []model.BarrierAction
	err := s.db.WithContext(ctx).
		Where("synced = ?", false).
		Order("action_time ASC").
		Limit(limit).
		Find(&actions).Error
	if err != nil {
		return nil, classify(err)
	}
	return actions, nil
}

func (s *gormStore) MarkActionSynced(ctx context.Context, actionID int64, remoteID *int64) error {
	updates := map[string]any{"synced": true}
	if remoteID != nil {
		updates["remote_id"] = *remoteID
	}
	err := s.db.WithContext(ctx).Model(&model.BarrierAction{}).
		Where("id = ?", actionID).
		Updates(updates).Error
	return classify(err)
}

// --- Sync bookkeeping ---

func (s *gormStore) LastSyncTime(ctx context.Context, table string) (time.Time, error) {
	var status model.SyncStatus
	err := s.db.WithContext(ctx).First(&status, "table_name = ?", table).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, classify(err)
	}
	return status.LastSyncTime, nil
}

func (s *gormStore) TouchSyncTime(ctx context.Context, table string) error {
	err := s.db.WithContext(ctx).Model(&model.SyncStatus{}).
		Where("table_name = ?", table).
		Update("last_sync_time", time.Now().UTC()).Error
	return classify(err)
}
