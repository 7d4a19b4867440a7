package db

import (
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"parking-kiosk/config"
	"parking-kiosk/internal/model"
)

// Init opens the local SQLite database and runs migrations.
func Init(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	dsn := fmt.Sprintf("%s?_busy_timeout=%d&_journal_mode=WAL", cfg.Path, cfg.BusyTimeoutMS)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.AutoMigrate(
		&model.Vehicle{},
		&model.ParkingSession{},
		&model.BarrierAction{},
		&model.LogEntry{},
		&model.SyncStatus{},
	); err != nil {
		return nil, fmt.Errorf("automigrate failed: %w", err)
	}

	if err := seedSyncStatus(db); err != nil {
		return nil, err
	}

	return db, nil
}

// seedSyncStatus makes sure one row per synchronizable table exists.
func seedSyncStatus(db *gorm.DB) error {
	for _, table := range []string{"vehicles", "parking_sessions", "barrier_actions", "log_entries"} {
		var count int64
		if err := db.Model(&model.SyncStatus{}).Where("table_name = ?", table).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to check sync status for %s: %w", table, err)
		}
		if count == 0 {
			if err := db.Create(&model.SyncStatus{TableName: table}).Error; err != nil {
				return fmt.Errorf("failed to seed sync status for %s: %w", table, err)
			}
		}
	}
	return nil
}
