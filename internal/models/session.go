package models

import (
	"time"

	"gorm.io/datatypes"
)

// Session modes.
const (
	ModeAuto   = "auto"
	ModeManual = "manual"
	ModePaused = "paused"
)

// Session statuses.
const (
	SessionActive    = "active"
	SessionCompleted = "completed"
	SessionAbandoned = "abandoned"
)

// Session is one conversation instance for one Agent. Its live fields are a
// projection over the session's event log.
type Session struct {
	ID               string         `gorm:"primaryKey;size:64"`
	AgentID          string         `gorm:"size:64;not null;index"`
	WorkspaceID      string         `gorm:"size:64;index"`
	CustomerID       string         `gorm:"size:128;index"`
	Channel          string         `gorm:"size:32"`
	Mode             string         `gorm:"size:8;default:auto"`
	Status           string         `gorm:"size:16;default:active;index"`
	CurrentJourneyID *string        `gorm:"size:64"`
	CurrentStateID   *string        `gorm:"size:64"`
	Variables        datatypes.JSON `gorm:"type:json"`
	NextOffset       int64          `gorm:"not null;default:0"`
	EventCount       int64
	MessageCount     int64
	TokenCount       int64
	Cost             float64
	LastActivity     time.Time `gorm:"index"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
	EndedAt          *time.Time
}

// Writable reports whether events may still be appended to the session.
func (s *Session) Writable() bool {
	return s.Status == SessionActive
}
