package models

import (
	"time"

	"gorm.io/datatypes"
)

// WorkflowTemplate is a versioned, parameterized snapshot of a workflow graph
// supplied by the workflow editor.
type WorkflowTemplate struct {
	ID          uint           `gorm:"primaryKey;autoIncrement"`
	WorkflowID  string         `gorm:"size:64;not null;uniqueIndex:idx_workflow_version,priority:1"`
	Version     int            `gorm:"not null;uniqueIndex:idx_workflow_version,priority:2"`
	Name        string         `gorm:"size:128"`
	Description string         `gorm:"type:text"`
	Graph       datatypes.JSON `gorm:"type:json"`
	CreatedAt   time.Time

	Parameters []TemplateParameter `gorm:"foreignKey:TemplateID"`
}

// TemplateParameter declares a named, typed parameter of a template.
type TemplateParameter struct {
	ID           uint           `gorm:"primaryKey;autoIncrement"`
	TemplateID   uint           `gorm:"not null;index"`
	Name         string         `gorm:"size:64;not null"`
	ParamType    string         `gorm:"size:16;default:string"`
	Required     bool           `gorm:"not null"`
	DefaultValue datatypes.JSON `gorm:"type:json"`
	Description  string         `gorm:"type:text"`
}
