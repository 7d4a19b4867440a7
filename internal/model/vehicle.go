package model

import "time"

// Vehicle represents a known license plate and its blacklist status.
type Vehicle struct {
	PlateID       string    `gorm:"primaryKey;size:32"`
	IsBlacklisted bool      `gorm:"not null;default:false"`
	Synced        bool      `gorm:"not null;default:false;index"`
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}
