package models

import (
	"time"

	"gorm.io/datatypes"
)

// Tool health statuses.
const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
	HealthDown     = "down"
)

// Tool auth types.
const (
	AuthNone   = "none"
	AuthAPIKey = "api_key"
	AuthBearer = "bearer"
	AuthOAuth2 = "oauth2"
)

// Tool is a callable capability hosted outside the runtime.
type Tool struct {
	ID                 string         `gorm:"primaryKey;size:64"`
	Name               string         `gorm:"size:128;not null;uniqueIndex"`
	Description        string         `gorm:"type:text"`
	Endpoint           string         `gorm:"size:512"`
	ParameterSchema    datatypes.JSON `gorm:"type:json"`
	ReturnSchema       datatypes.JSON `gorm:"type:json"`
	Enabled            bool           `gorm:"not null"`
	RequiresAuth       bool           `gorm:"not null"`
	AuthType           string         `gorm:"size:16;default:none"`
	ExecutionTimeoutMs int            `gorm:"default:30000"`
	RetryMaxAttempts   int            `gorm:"default:1"`
	RetryBackoffMs     int            `gorm:"default:500"`
	RateLimitPerMinute int
	RateLimitPerHour   int
	HealthStatus       string `gorm:"size:16;default:healthy;index"`
	TotalInvocations   int64
	SuccessCount       int64
	FailureCount       int64
	AvgLatencyMs       int64
	LastInvokedAt      *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// AgentTool binds a tool to an agent with its own lifecycle.
type AgentTool struct {
	AgentID    string `gorm:"primaryKey;size:64"`
	ToolID     string `gorm:"primaryKey;size:64"`
	Priority   int    `gorm:"default:0"`
	Enabled    bool   `gorm:"not null"`
	UsageCount int64
	LastUsedAt *time.Time
	CreatedAt  time.Time

	Tool Tool `gorm:"foreignKey:ToolID"`
}
