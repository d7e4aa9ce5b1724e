package models

import (
	"time"

	"gorm.io/datatypes"
)

// Variable scopes.
const (
	ScopeAgent   = "agent"
	ScopeSession = "session"
)

// Variable is a scoped key/value attached to an agent or a session.
type Variable struct {
	ID        uint           `gorm:"primaryKey;autoIncrement"`
	Scope     string         `gorm:"size:8;not null;uniqueIndex:idx_scope_key,priority:1"`
	ScopeID   string         `gorm:"size:64;not null;uniqueIndex:idx_scope_key,priority:2"`
	Key       string         `gorm:"size:128;not null;uniqueIndex:idx_scope_key,priority:3"`
	Value     datatypes.JSON `gorm:"type:json"`
	ValueType string         `gorm:"size:16"`
	IsPrivate bool           `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}
