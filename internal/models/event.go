package models

import (
	"time"

	"gorm.io/datatypes"
)

// Event types.
const (
	EventCustomerMessage   = "customer_message"
	EventAgentMessage      = "agent_message"
	EventToolCall          = "tool_call"
	EventToolResult        = "tool_result"
	EventStatusUpdate      = "status_update"
	EventJourneyTransition = "journey_transition"
	EventVariableUpdate    = "variable_update"
)

// EventTypes lists every valid event type.
var EventTypes = []string{
	EventCustomerMessage,
	EventAgentMessage,
	EventToolCall,
	EventToolResult,
	EventStatusUpdate,
	EventJourneyTransition,
	EventVariableUpdate,
}

// Event is one immutable occurrence in a session. (SessionID, Offset) is
// unique and offsets are gap-free from 0.
type Event struct {
	ID         uint           `gorm:"primaryKey;autoIncrement"`
	SessionID  string         `gorm:"size:64;not null;uniqueIndex:idx_session_offset,priority:1"`
	Offset     int64          `gorm:"column:event_offset;not null;uniqueIndex:idx_session_offset,priority:2"`
	Type       string         `gorm:"size:24;not null;index"`
	Content    datatypes.JSON `gorm:"type:json"`
	JourneyID  *string        `gorm:"size:64"`
	StateID    *string        `gorm:"size:64"`
	ToolCallID *string        `gorm:"size:64"`
	CreatedAt  time.Time
}
