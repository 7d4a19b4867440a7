package model

import "time"

// SyncStatus tracks the last successful sync time per table. Diagnostic
// only; correctness relies on the per-row synced flags.
type SyncStatus struct {
	TableName    string    `gorm:"primaryKey;size:64"`
	LastSyncTime time.Time
}
