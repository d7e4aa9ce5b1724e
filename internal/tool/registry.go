// Package tool catalogs tools, binds them to agents, and invokes them with
// auth, rate-limit, timeout, retry and health handling.
package tool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zulandar/waypoint/internal/config"
	"github.com/zulandar/waypoint/internal/fault"
	"github.com/zulandar/waypoint/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Registry is the tool catalog plus the in-process backend table.
type Registry struct {
	db       *gorm.DB
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewRegistry creates a Registry.
func NewRegistry(db *gorm.DB) *Registry {
	return &Registry{db: db, backends: make(map[string]Backend)}
}

// Register upserts the tool row and attaches its backend.
func (r *Registry) Register(ctx context.Context, t *models.Tool, b Backend) error {
	if t.ID == "" || t.Name == "" {
		return fmt.Errorf("tool: register: id and name are required: %w", fault.ErrInvalidInput)
	}
	if t.AuthType == "" {
		t.AuthType = models.AuthNone
	}
	if t.HealthStatus == "" {
		t.HealthStatus = models.HealthHealthy
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "description", "endpoint", "parameter_schema", "return_schema",
			"enabled", "requires_auth", "auth_type", "execution_timeout_ms", "retry_max_attempts", "retry_backoff_ms",
			"rate_limit_per_minute", "rate_limit_per_hour", "updated_at"}),
	}).Create(t).Error
	if err != nil {
		return fmt.Errorf("tool: register %s: %w", t.ID, err)
	}
	if b != nil {
		r.SetBackend(t.ID, b)
	}
	return nil
}

// LoadConfig attaches an HTTP backend to every configured tool. Rows are
// seeded separately by db.Seed.
func (r *Registry) LoadConfig(tools []config.ToolConfig) {
	for _, tc := range tools {
		if tc.Endpoint == "" {
			continue
		}
		r.SetBackend(tc.ID, NewHTTPBackend(tc))
	}
}

// SetBackend attaches or replaces the backend of a tool.
func (r *Registry) SetBackend(toolID string, b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[toolID] = b
}

// Backend returns the backend attached to a tool.
func (r *Registry) Backend(toolID string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[toolID]
	return b, ok
}

// Get loads a tool row.
func (r *Registry) Get(ctx context.Context, id string) (*models.Tool, error) {
	var t models.Tool
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&t).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("tool: %s: %w", id, fault.ErrNotFound)
		}
		return nil, fmt.Errorf("tool: get %s: %w", id, err)
	}
	return &t, nil
}

// List returns every tool ordered by name.
func (r *Registry) List(ctx context.Context) ([]models.Tool, error) {
	var tools []models.Tool
	if err := r.db.WithContext(ctx).Order("name ASC").Find(&tools).Error; err != nil {
		return nil, fmt.Errorf("tool: list: %w", err)
	}
	return tools, nil
}

// SetEnabled toggles a tool.
func (r *Registry) SetEnabled(ctx context.Context, id string, enabled bool) error {
	res := r.db.WithContext(ctx).Model(&models.Tool{}).Where("id = ?", id).Update("enabled", enabled)
	if res.Error != nil {
		return fmt.Errorf("tool: set enabled %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("tool: %s: %w", id, fault.ErrNotFound)
	}
	return nil
}

// Bind attaches a tool to an agent, or updates the binding's priority.
func (r *Registry) Bind(ctx context.Context, agentID, toolID string, priority int) error {
	if _, err := r.Get(ctx, toolID); err != nil {
		return err
	}
	binding := models.AgentTool{
		AgentID:   agentID,
		ToolID:    toolID,
		Priority:  priority,
		Enabled:   true,
		CreatedAt: time.Now(),
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "agent_id"}, {Name: "tool_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"priority", "enabled"}),
	}).Create(&binding).Error
	if err != nil {
		return fmt.Errorf("tool: bind %s to %s: %w", toolID, agentID, err)
	}
	return nil
}

// Binding loads one agent/tool binding.
func (r *Registry) Binding(ctx context.Context, agentID, toolID string) (*models.AgentTool, error) {
	var b models.AgentTool
	err := r.db.WithContext(ctx).Where("agent_id = ? AND tool_id = ?", agentID, toolID).First(&b).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("tool: %s not bound to %s: %w", toolID, agentID, fault.ErrNotFound)
		}
		return nil, fmt.Errorf("tool: binding %s/%s: %w", agentID, toolID, err)
	}
	return &b, nil
}

// ForAgent returns the agent's enabled bindings with their tools, highest
// priority first.
func (r *Registry) ForAgent(ctx context.Context, agentID string) ([]models.AgentTool, error) {
	var bindings []models.AgentTool
	err := r.db.WithContext(ctx).
		Preload("Tool").
		Where("agent_id = ? AND enabled = ?", agentID, true).
		Order("priority DESC, tool_id ASC").
		Find(&bindings).Error
	if err != nil {
		return nil, fmt.Errorf("tool: for agent %s: %w", agentID, err)
	}
	return bindings, nil
}

// HealthMap returns the persisted health status of every tool.
func (r *Registry) HealthMap(ctx context.Context) (map[string]string, error) {
	var tools []models.Tool
	if err := r.db.WithContext(ctx).Select("id", "health_status").Find(&tools).Error; err != nil {
		return nil, fmt.Errorf("tool: health map: %w", err)
	}
	out := make(map[string]string, len(tools))
	for _, t := range tools {
		out[t.ID] = t.HealthStatus
	}
	return out, nil
}
