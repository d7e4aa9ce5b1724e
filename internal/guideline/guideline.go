// Package guideline stores condition→action rules and matches them against
// the conversation context.
package guideline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/zulandar/waypoint/internal/condition"
	"github.com/zulandar/waypoint/internal/fault"
	"github.com/zulandar/waypoint/internal/metrics"
	"github.com/zulandar/waypoint/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Matched is a guideline whose condition held, with its effective ranking.
type Matched struct {
	Guideline     models.Guideline `json:"guideline"`
	Priority      int              `json:"priority"`
	Condition     string           `json:"condition"`
	Overridden    bool             `json:"overridden,omitempty"`
	DegradedTools []string         `json:"degraded_tools,omitempty"`
}

// Matcher evaluates an agent's guidelines.
type Matcher struct {
	db   *gorm.DB
	eval *condition.Evaluator
}

// NewMatcher creates a Matcher.
func NewMatcher(db *gorm.DB, eval *condition.Evaluator) *Matcher {
	return &Matcher{db: db, eval: eval}
}

// Match returns the agent's enabled guidelines whose condition holds for cc,
// ordered by effective priority (highest first). Equal priorities keep
// insertion order: the older guideline ranks first. While a journey is
// active its overrides replace priority and, when non-empty, condition.
//
// Guidelines bound to a tool that is down do not match. Match counters of the
// returned guidelines are incremented.
func (m *Matcher) Match(ctx context.Context, agentID string, cc *condition.Context) ([]Matched, error) {
	if cc == nil {
		cc = &condition.Context{}
	}
	var guidelines []models.Guideline
	if err := m.db.WithContext(ctx).
		Where("agent_id = ? AND enabled = ?", agentID, true).
		Order("id ASC").
		Find(&guidelines).Error; err != nil {
		return nil, fmt.Errorf("guideline: match %s: %w", agentID, err)
	}

	overrides := map[uint]models.JourneyGuideline{}
	if cc.JourneyID != "" {
		var rows []models.JourneyGuideline
		if err := m.db.WithContext(ctx).Where("journey_id = ?", cc.JourneyID).Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("guideline: load overrides for %s: %w", cc.JourneyID, err)
		}
		for _, r := range rows {
			overrides[r.GuidelineID] = r
		}
	}

	var matched []Matched
	for _, g := range guidelines {
		cand := Matched{Guideline: g, Priority: g.Priority, Condition: g.Condition}
		if o, ok := overrides[g.ID]; ok {
			cand.Overridden = true
			if o.PriorityOverride != nil {
				cand.Priority = *o.PriorityOverride
			}
			if o.Condition != "" {
				cand.Condition = o.Condition
			}
		}

		down := false
		for _, toolID := range ToolIDs(g) {
			switch cc.ToolHealth[toolID] {
			case models.HealthDown:
				down = true
			case models.HealthDegraded:
				cand.DegradedTools = append(cand.DegradedTools, toolID)
			}
		}
		if down {
			continue
		}

		ok, err := m.eval.Eval(ctx, cand.Condition, cc)
		if err != nil {
			log.Printf("guideline: %d: %v", g.ID, err)
			continue
		}
		if ok {
			matched = append(matched, cand)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority > matched[j].Priority
		}
		return matched[i].Guideline.ID < matched[j].Guideline.ID
	})

	if len(matched) > 0 {
		ids := make([]uint, len(matched))
		for i, mg := range matched {
			ids[i] = mg.Guideline.ID
		}
		if err := m.db.WithContext(ctx).Model(&models.Guideline{}).
			Where("id IN ?", ids).
			Updates(map[string]interface{}{
				"match_count":     gorm.Expr("match_count + ?", 1),
				"last_matched_at": time.Now(),
			}).Error; err != nil {
			return nil, fmt.Errorf("guideline: record matches: %w", err)
		}
		metrics.RecordGuidelineMatches(agentID, len(matched))
	}
	return matched, nil
}

// ToolIDs decodes the tool bindings of a guideline.
func ToolIDs(g models.Guideline) []string {
	if len(g.ToolIDs) == 0 {
		return nil
	}
	var ids []string
	if err := json.Unmarshal(g.ToolIDs, &ids); err != nil {
		return nil
	}
	return ids
}

// Create inserts a guideline. Enabled is written as given.
func (m *Matcher) Create(ctx context.Context, g *models.Guideline, toolIDs ...string) error {
	if g.AgentID == "" || g.Action == "" {
		return fmt.Errorf("guideline: create: agent_id and action are required: %w", fault.ErrInvalidInput)
	}
	if len(toolIDs) > 0 {
		raw, err := json.Marshal(toolIDs)
		if err != nil {
			return fmt.Errorf("guideline: create: %w", err)
		}
		g.ToolIDs = datatypes.JSON(raw)
	}
	if err := m.db.WithContext(ctx).Create(g).Error; err != nil {
		return fmt.Errorf("guideline: create: %w", err)
	}
	return nil
}

// Get loads a guideline.
func (m *Matcher) Get(ctx context.Context, id uint) (*models.Guideline, error) {
	var g models.Guideline
	if err := m.db.WithContext(ctx).First(&g, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("guideline: %d: %w", id, fault.ErrNotFound)
		}
		return nil, fmt.Errorf("guideline: get %d: %w", id, err)
	}
	return &g, nil
}

// List returns every guideline of an agent in insertion order.
func (m *Matcher) List(ctx context.Context, agentID string) ([]models.Guideline, error) {
	var gs []models.Guideline
	if err := m.db.WithContext(ctx).Where("agent_id = ?", agentID).Order("id ASC").Find(&gs).Error; err != nil {
		return nil, fmt.Errorf("guideline: list %s: %w", agentID, err)
	}
	return gs, nil
}

// SetEnabled toggles a guideline.
func (m *Matcher) SetEnabled(ctx context.Context, id uint, enabled bool) error {
	res := m.db.WithContext(ctx).Model(&models.Guideline{}).Where("id = ?", id).Update("enabled", enabled)
	if res.Error != nil {
		return fmt.Errorf("guideline: set enabled %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("guideline: %d: %w", id, fault.ErrNotFound)
	}
	return nil
}

// AttachToJourney creates or replaces the journey-scoped override of a
// guideline. A nil priority keeps the guideline's own; an empty condition
// keeps its own.
func (m *Matcher) AttachToJourney(ctx context.Context, journeyID string, guidelineID uint, priority *int, cond string) error {
	if _, err := m.Get(ctx, guidelineID); err != nil {
		return err
	}
	row := models.JourneyGuideline{
		JourneyID:        journeyID,
		GuidelineID:      guidelineID,
		PriorityOverride: priority,
		Condition:        cond,
		CreatedAt:        time.Now(),
	}
	err := m.db.WithContext(ctx).Omit("Guideline").Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "journey_id"}, {Name: "guideline_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"priority_override", "condition"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("guideline: attach %d to %s: %w", guidelineID, journeyID, err)
	}
	return nil
}
