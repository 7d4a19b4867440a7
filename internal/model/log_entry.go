package model

import "time"

// Lane identifiers.
const (
	LaneEntry = "entry"
	LaneExit  = "exit"
)

// Log entry types. Only LogAuto and LogManual are ever transmitted to the
// server; the others are kept for local diagnostics.
const (
	LogAuto             = "auto"
	LogManual           = "manual"
	LogDeniedBlacklist  = "denied-blacklist"
	LogSkipped          = "skipped"
)

// SyncableLogTypes lists the entry types the server integration accepts.
var SyncableLogTypes = []string{LogAuto, LogManual}

// LogEntry is one lane event. This is the unit actually synchronized with
// the backend.
type LogEntry struct {
	ID         int64     `gorm:"primaryKey;autoIncrement"`
	Timestamp  time.Time `gorm:"not null;index"`
	Lane       string    `gorm:"size:16;not null"`
	PlateID    string    `gorm:"size:32;not null"`
	Confidence float64
	Type       string `gorm:"size:32;not null"`
	ImagePath  string `gorm:"size:512"`
	Synced     bool   `gorm:"not null;default:false;index"`
}
