package db

import (
	"fmt"
	"time"

	"github.com/zulandar/waypoint/internal/config"
	"github.com/zulandar/waypoint/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AllModels returns the list of all GORM models for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.Agent{},
		&models.Session{},
		&models.Event{},
		&models.Guideline{},
		&models.JourneyGuideline{},
		&models.Journey{},
		&models.JourneyState{},
		&models.JourneyTransition{},
		&models.Variable{},
		&models.Tool{},
		&models.AgentTool{},
		&models.CannedResponse{},
		&models.WorkflowTemplate{},
		&models.TemplateParameter{},
		&models.ConversionCache{},
		&models.ConversionHistory{},
		&models.JourneyGenerationHistory{},
		&models.TransportThread{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// SeedAgents upserts Agent rows and their tool bindings from configuration.
func SeedAgents(db *gorm.DB, agents []config.AgentConfig) error {
	for _, ac := range agents {
		agent := models.Agent{
			ID:              ac.ID,
			WorkspaceID:     ac.WorkspaceID,
			Name:            ac.Name,
			ModelProvider:   ac.ModelProvider,
			ModelName:       ac.ModelName,
			Temperature:     ac.Temperature,
			MaxTokens:       ac.MaxTokens,
			ContextWindow:   ac.ContextWindow,
			CompositionMode: ac.CompositionMode,
		}
		result := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"workspace_id", "name", "model_provider", "model_name", "temperature", "max_tokens", "context_window", "composition_mode"}),
		}).Create(&agent)
		if result.Error != nil {
			return fmt.Errorf("db: seed agent %q: %w", ac.ID, result.Error)
		}

		for i, toolID := range ac.Tools {
			binding := models.AgentTool{
				AgentID:   ac.ID,
				ToolID:    toolID,
				Priority:  len(ac.Tools) - i,
				Enabled:   true,
				CreatedAt: time.Now(),
			}
			if err := db.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "agent_id"}, {Name: "tool_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"priority", "enabled"}),
			}).Create(&binding).Error; err != nil {
				return fmt.Errorf("db: bind tool %q to agent %q: %w", toolID, ac.ID, err)
			}
		}
	}
	return nil
}

// SeedTools upserts Tool rows from configuration.
func SeedTools(db *gorm.DB, tools []config.ToolConfig) error {
	for _, tc := range tools {
		tool := models.Tool{
			ID:                 tc.ID,
			Name:               tc.Name,
			Description:        tc.Description,
			Endpoint:           tc.Endpoint,
			Enabled:            true,
			RequiresAuth:       tc.RequiresAuth,
			AuthType:           tc.AuthType,
			ExecutionTimeoutMs: int(tc.Timeout.Milliseconds()),
			RetryMaxAttempts:   tc.Retry.MaxAttempts,
			RetryBackoffMs:     int(tc.Retry.Backoff.Milliseconds()),
			RateLimitPerMinute: tc.RateLimitPerMinute,
			RateLimitPerHour:   tc.RateLimitPerHour,
			HealthStatus:       models.HealthHealthy,
		}
		result := db.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "description", "endpoint", "requires_auth", "auth_type",
				"execution_timeout_ms", "retry_max_attempts", "retry_backoff_ms", "rate_limit_per_minute", "rate_limit_per_hour"}),
		}).Create(&tool)
		if result.Error != nil {
			return fmt.Errorf("db: seed tool %q: %w", tc.ID, result.Error)
		}
	}
	return nil
}

// Seed writes tools first so agent bindings reference existing rows.
func Seed(db *gorm.DB, cfg *config.Config) error {
	if err := SeedTools(db, cfg.Tools); err != nil {
		return err
	}
	return SeedAgents(db, cfg.Agents)
}
