package models

import (
	"time"

	"gorm.io/datatypes"
)

// CannedResponse is a pre-approved response template bound to an Agent.
type CannedResponse struct {
	ID                 uint           `gorm:"primaryKey;autoIncrement"`
	AgentID            string         `gorm:"size:64;not null;index"`
	Template           string         `gorm:"type:text;not null"`
	Conditions         datatypes.JSON `gorm:"type:json"`
	Priority           int            `gorm:"default:0"`
	Enabled            bool           `gorm:"not null"`
	RequiresExactMatch bool           `gorm:"not null"`
	UseCount           int64
	LastUsedAt         *time.Time
	CreatedAt          time.Time
}
