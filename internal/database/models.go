package database

import "time"

// StateDocument is one durable whole-document entry. Rotation state and the
// usage log each live under a fixed key and are overwritten in full on every
// save, never patched.
type StateDocument struct {
	ID      uint      `gorm:"primaryKey;autoIncrement"`
	Key     string    `gorm:"uniqueIndex;not null"`
	Value   []byte    `gorm:"not null"`
	SavedAt time.Time `gorm:"autoUpdateTime"`
}

const (
	// DocRotationState holds the key set and per-key cooldown status.
	DocRotationState = "rotation_state"
	// DocUsageLog holds the flat array of usage records.
	DocUsageLog = "usage_log"
)
