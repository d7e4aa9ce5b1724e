package models

import (
	"time"

	"gorm.io/gorm"
)

// Composition modes for agent responses.
const (
	CompositionStrict = "strict"
	CompositionFluid  = "fluid"
)

// Agent is a configured conversational persona owned by a workspace.
// Totals are projections maintained by the event log append.
type Agent struct {
	ID                string  `gorm:"primaryKey;size:64"`
	WorkspaceID       string  `gorm:"size:64;not null;index"`
	Name              string  `gorm:"size:128;not null"`
	Description       string  `gorm:"type:text"`
	ModelProvider     string  `gorm:"size:32;default:anthropic"`
	ModelName         string  `gorm:"size:64"`
	Temperature       float64 `gorm:"default:0.7"`
	MaxTokens         int     `gorm:"default:1024"`
	ContextWindow     int     `gorm:"default:8192"`
	CompositionMode   string  `gorm:"size:8;default:fluid"`
	DataRetentionDays int     `gorm:"default:30"`
	PIIHandling       string  `gorm:"size:16;default:redact"`
	TotalSessions     int64
	TotalMessages     int64
	TotalTokens       int64
	TotalCost         float64
	CreatedAt         time.Time
	UpdatedAt         time.Time
	DeletedAt         gorm.DeletedAt `gorm:"index"`

	Tools []AgentTool `gorm:"foreignKey:AgentID"`
}
