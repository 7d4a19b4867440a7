package model

import "time"

// Session status values.
const (
	SessionPending  = "pending"
	SessionFinished = "finished"
)

// ParkingSession tracks a vehicle from entry to exit within one lot.
type ParkingSession struct {
	ID              int64     `gorm:"primaryKey;autoIncrement"`
	PlateID         string    `gorm:"size:32;not null;index"`
	LotID           int64     `gorm:"not null"`
	EntryTime       time.Time `gorm:"not null"`
	EntryImage      string    `gorm:"size:512"`
	EntryConfidence float64
	ExitTime        *time.Time
	ExitImage       string `gorm:"size:512"`
	ExitConfidence  float64
	Status          string `gorm:"size:16;not null;default:pending"`
	Synced          bool   `gorm:"not null;default:false;index"`
	RemoteID        *int64

	// Associations
	Vehicle Vehicle `gorm:"foreignKey:PlateID;references:PlateID"`
}
