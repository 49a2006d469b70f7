package models

import "time"

// SequenceCounter persists the last issued value per id prefix.
type SequenceCounter struct {
	Name      string    `gorm:"primaryKey;size:32" json:"name"`
	Value     int64     `gorm:"not null;default:0" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
