package models

import (
	"time"

	"gorm.io/datatypes"
)

// Guideline is a condition→action behavioral rule belonging to an Agent.
// The auto-increment ID doubles as insertion order for tie-breaking.
type Guideline struct {
	ID            uint           `gorm:"primaryKey;autoIncrement"`
	AgentID       string         `gorm:"size:64;not null;index"`
	Condition     string         `gorm:"type:text"`
	Action        string         `gorm:"type:text;not null"`
	Priority      int            `gorm:"default:0"`
	Enabled       bool           `gorm:"not null"`
	ToolIDs       datatypes.JSON `gorm:"type:json"`
	MatchCount    int64
	LastMatchedAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// JourneyGuideline overrides a guideline while a specific journey is active.
type JourneyGuideline struct {
	JourneyID        string `gorm:"primaryKey;size:64"`
	GuidelineID      uint   `gorm:"primaryKey"`
	PriorityOverride *int
	Condition        string `gorm:"type:text"`
	CreatedAt        time.Time

	Guideline Guideline `gorm:"foreignKey:GuidelineID"`
}
