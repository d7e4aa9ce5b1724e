package models

import (
	"time"

	"gorm.io/datatypes"
)

// Conversion statuses.
const (
	ConversionSuccess = "success"
	ConversionFailed  = "failed"
)

// ConversionCache holds a precomputed conversion keyed by workflow and
// parameters hash. Result is stored verbatim so hits are byte-identical.
type ConversionCache struct {
	ID              uint   `gorm:"primaryKey;autoIncrement"`
	WorkflowID      string `gorm:"size:64;not null;uniqueIndex:idx_cache_key,priority:1"`
	ParametersHash  string `gorm:"size:64;not null;uniqueIndex:idx_cache_key,priority:2"`
	Namespace       string `gorm:"size:16"`
	WorkflowVersion int
	Result          string `gorm:"type:mediumtext"`
	SizeBytes       int
	HitCount        int64
	LastAccessed    time.Time
	ExpiresAt       time.Time `gorm:"index"`
	CreatedAt       time.Time
}

// ConversionHistory is the append-only audit of conversion attempts.
type ConversionHistory struct {
	ID              uint   `gorm:"primaryKey;autoIncrement"`
	WorkflowID      string `gorm:"size:64;not null;index"`
	WorkflowVersion int
	ParametersHash  string `gorm:"size:64"`
	Status          string `gorm:"size:16;not null"`
	DurationMs      int64
	BlocksConverted int
	EdgesConverted  int
	Warnings        datatypes.JSON `gorm:"type:json"`
	CacheHit        bool           `gorm:"not null"`
	ErrorDetail     string         `gorm:"type:text"`
	CreatedAt       time.Time
}

// JourneyGenerationHistory records each journey instantiated from a conversion.
type JourneyGenerationHistory struct {
	ID                 uint   `gorm:"primaryKey;autoIncrement"`
	WorkflowID         string `gorm:"size:64;not null;index"`
	ParametersHash     string `gorm:"size:64"`
	AgentID            string `gorm:"size:64;index"`
	JourneyID          string `gorm:"size:64"`
	Status             string `gorm:"size:16;not null"`
	StatesCreated      int
	TransitionsCreated int
	ErrorDetail        string `gorm:"type:text"`
	CreatedAt          time.Time
}
