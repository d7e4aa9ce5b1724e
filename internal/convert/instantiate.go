package convert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/zulandar/waypoint/internal/fault"
	"github.com/zulandar/waypoint/internal/journey"
	"github.com/zulandar/waypoint/internal/models"
	"gorm.io/gorm"
)

// Build turns a conversion result into an unsaved journey for agentID.
// State and transition IDs derive from the journey ID and position.
func Build(agentID string, res *Result) (*models.Journey, error) {
	j := &models.Journey{
		ID:               uuid.NewString(),
		AgentID:          agentID,
		Name:             res.Name,
		Description:      res.Description,
		AllowRevisiting:  res.Cyclic,
		Enabled:          true,
		SourceWorkflowID: res.WorkflowID,
	}
	if len(res.Conditions) > 0 {
		raw, err := json.Marshal(res.Conditions)
		if err != nil {
			return nil, fmt.Errorf("convert: marshal conditions: %w", err)
		}
		j.Conditions = raw
	}

	ids := make(map[string]string, len(res.States))
	for i, s := range res.States {
		st := models.JourneyState{
			ID:        fmt.Sprintf("%s-s%d", j.ID, i),
			JourneyID: j.ID,
			Name:      s.Name,
			StateType: s.Type,
			IsInitial: s.Initial,
			IsFinal:   s.Final,
			AllowSkip: s.AllowSkip,
			Prompt:    s.Prompt,
			Position:  s.Position,
		}
		if s.ToolID != "" {
			tool := s.ToolID
			st.ToolID = &tool
		}
		if len(s.Config) > 0 {
			raw, err := json.Marshal(s.Config)
			if err != nil {
				return nil, fmt.Errorf("convert: marshal config of %q: %w", s.Key, err)
			}
			st.Config = raw
		}
		ids[s.Key] = st.ID
		j.States = append(j.States, st)
	}
	for i, t := range res.Transitions {
		j.Transitions = append(j.Transitions, models.JourneyTransition{
			ID:          fmt.Sprintf("%s-t%d", j.ID, i),
			JourneyID:   j.ID,
			FromStateID: ids[t.From],
			ToStateID:   ids[t.To],
			Condition:   t.Condition,
			Priority:    t.Priority,
			Position:    t.Position,
		})
	}
	if err := journey.Validate(j); err != nil {
		return nil, err
	}
	return j, nil
}

// Instantiate creates a journey for agentID from conv and records the
// generation. The journey is committed whole or not at all.
func (c *Converter) Instantiate(ctx context.Context, agentID string, conv *Conversion) (*models.Journey, error) {
	res := conv.Result
	j, err := Build(agentID, res)
	if err == nil {
		err = c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var agent models.Agent
			if err := tx.Select("id").First(&agent, "id = ?", agentID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return fmt.Errorf("agent %q: %w", agentID, fault.ErrNotFound)
				}
				return err
			}
			if err := journey.CreateTx(tx, j); err != nil {
				return err
			}
			return tx.Create(&models.JourneyGenerationHistory{
				WorkflowID:         res.WorkflowID,
				ParametersHash:     res.ParametersHash,
				AgentID:            agentID,
				JourneyID:          j.ID,
				Status:             models.ConversionSuccess,
				StatesCreated:      len(j.States),
				TransitionsCreated: len(j.Transitions),
			}).Error
		})
	}
	if err != nil {
		failed := &models.JourneyGenerationHistory{
			WorkflowID:     res.WorkflowID,
			ParametersHash: res.ParametersHash,
			AgentID:        agentID,
			Status:         models.ConversionFailed,
			ErrorDetail:    err.Error(),
		}
		if herr := c.db.WithContext(ctx).Create(failed).Error; herr != nil {
			log.Printf("convert: write generation history for %s: %v", res.WorkflowID, herr)
		}
		return nil, fmt.Errorf("convert: instantiate %s: %w", res.WorkflowID, err)
	}
	return j, nil
}
