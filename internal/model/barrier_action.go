package model

import "time"

// Barrier action and trigger types.
const (
	ActionEntry = "entry"
	ActionExit  = "exit"

	TriggerAuto   = "auto"
	TriggerManual = "manual"
)

// BarrierAction records a single raise of the barrier.
type BarrierAction struct {
	ID          int64     `gorm:"primaryKey;autoIncrement"`
	SessionID   *int64    `gorm:"index"`
	ActionTime  time.Time `gorm:"not null"`
	ActionType  string    `gorm:"size:16;not null"`
	TriggerType string    `gorm:"size:16;not null"`
	Synced      bool      `gorm:"not null;default:false;index"`
	RemoteID    *int64
}
