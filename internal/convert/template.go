package convert

import (
	"context"
	"errors"
	"fmt"

	"github.com/zulandar/waypoint/internal/fault"
	"github.com/zulandar/waypoint/internal/models"
	"gorm.io/gorm"
)

// TemplateSource supplies the latest version of a workflow template.
type TemplateSource interface {
	Latest(ctx context.Context, workflowID string) (*models.WorkflowTemplate, error)
}

// DBSource reads templates from the database.
type DBSource struct {
	db *gorm.DB
}

// NewDBSource returns a TemplateSource backed by db.
func NewDBSource(db *gorm.DB) *DBSource {
	return &DBSource{db: db}
}

// Latest returns the highest version of workflowID with its parameters.
func (s *DBSource) Latest(ctx context.Context, workflowID string) (*models.WorkflowTemplate, error) {
	var t models.WorkflowTemplate
	err := s.db.WithContext(ctx).
		Preload("Parameters", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		Where("workflow_id = ?", workflowID).
		Order("version DESC").
		First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("convert: workflow %q: %w", workflowID, fault.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("convert: load workflow %q: %w", workflowID, err)
	}
	return &t, nil
}

// Publish stores t as the next version of its workflow. The graph must
// parse; structural checks run at conversion time.
func (s *DBSource) Publish(ctx context.Context, t *models.WorkflowTemplate) error {
	if t.WorkflowID == "" {
		return fmt.Errorf("convert: publish: workflow id required: %w", fault.ErrInvalidInput)
	}
	if _, err := ParseGraph(t.Graph); err != nil {
		return err
	}
	for _, p := range t.Parameters {
		if p.Name == "" {
			return fmt.Errorf("convert: publish: parameter without name: %w", fault.ErrInvalidInput)
		}
		switch p.ParamType {
		case "", TypeString, TypeNumber, TypeInteger, TypeBoolean, TypeObject, TypeArray:
		default:
			return fmt.Errorf("convert: publish: parameter %q has unknown type %q: %w", p.Name, p.ParamType, fault.ErrInvalidInput)
		}
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var latest int
		if err := tx.Model(&models.WorkflowTemplate{}).
			Where("workflow_id = ?", t.WorkflowID).
			Select("COALESCE(MAX(version), 0)").
			Scan(&latest).Error; err != nil {
			return err
		}
		t.ID = 0
		t.Version = latest + 1
		for i := range t.Parameters {
			t.Parameters[i].ID = 0
			if t.Parameters[i].ParamType == "" {
				t.Parameters[i].ParamType = TypeString
			}
		}
		return tx.Create(t).Error
	})
	if err != nil {
		return fmt.Errorf("convert: publish %q: %w", t.WorkflowID, err)
	}
	return nil
}
