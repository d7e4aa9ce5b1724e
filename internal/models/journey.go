package models

import (
	"time"

	"gorm.io/datatypes"
)

// Journey state types.
const (
	StateChat     = "chat"
	StateTool     = "tool"
	StateDecision = "decision"
	StateFinal    = "final"
)

// Journey is a named multi-step flow belonging to an Agent.
type Journey struct {
	ID                string         `gorm:"primaryKey;size:64"`
	AgentID           string         `gorm:"size:64;not null;index"`
	Name              string         `gorm:"size:128;not null"`
	Description       string         `gorm:"type:text"`
	Conditions        datatypes.JSON `gorm:"type:json"`
	AllowSkip         bool           `gorm:"not null"`
	AllowRevisiting   bool           `gorm:"not null"`
	Enabled           bool           `gorm:"not null"`
	SourceWorkflowID  string         `gorm:"size:64;index"`
	TotalSessions     int64
	CompletedSessions int64
	CompletionRate    float64
	CreatedAt         time.Time
	UpdatedAt         time.Time

	States      []JourneyState      `gorm:"foreignKey:JourneyID"`
	Transitions []JourneyTransition `gorm:"foreignKey:JourneyID"`
}

// JourneyState is a node in a journey's graph.
type JourneyState struct {
	ID         string         `gorm:"primaryKey;size:64"`
	JourneyID  string         `gorm:"size:64;not null;index"`
	Name       string         `gorm:"size:128"`
	StateType  string         `gorm:"size:16;not null"`
	IsInitial  bool           `gorm:"not null"`
	IsFinal    bool           `gorm:"not null"`
	AllowSkip  bool           `gorm:"not null"`
	ToolID     *string        `gorm:"size:64"`
	Prompt     string         `gorm:"type:text"`
	Config     datatypes.JSON `gorm:"type:json"`
	Position   int
	VisitCount int64
}

// JourneyTransition is a directed edge between two states of the same journey.
type JourneyTransition struct {
	ID          string `gorm:"primaryKey;size:64"`
	JourneyID   string `gorm:"size:64;not null;index"`
	FromStateID string `gorm:"size:64;not null;index"`
	ToStateID   string `gorm:"size:64;not null"`
	Condition   string `gorm:"type:text"`
	Priority    int    `gorm:"default:0"`
	Position    int
	UseCount    int64
	LastUsedAt  *time.Time
}
