// Package canned selects pre-approved response templates.
package canned

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/zulandar/waypoint/internal/condition"
	"github.com/zulandar/waypoint/internal/fault"
	"github.com/zulandar/waypoint/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Selector picks canned responses for an agent.
type Selector struct {
	db   *gorm.DB
	eval *condition.Evaluator
}

// NewSelector creates a Selector.
func NewSelector(db *gorm.DB, eval *condition.Evaluator) *Selector {
	return &Selector{db: db, eval: eval}
}

// Create inserts a canned response with the given conditions.
func (s *Selector) Create(ctx context.Context, cr *models.CannedResponse, conditions ...string) error {
	if cr.AgentID == "" || cr.Template == "" {
		return fmt.Errorf("canned: create: agent_id and template are required: %w", fault.ErrInvalidInput)
	}
	if len(conditions) > 0 {
		raw, err := json.Marshal(conditions)
		if err != nil {
			return fmt.Errorf("canned: create: %w", err)
		}
		cr.Conditions = datatypes.JSON(raw)
	}
	if err := s.db.WithContext(ctx).Create(cr).Error; err != nil {
		return fmt.Errorf("canned: create: %w", err)
	}
	return nil
}

// List returns the agent's canned responses in selection order.
func (s *Selector) List(ctx context.Context, agentID string) ([]models.CannedResponse, error) {
	var out []models.CannedResponse
	if err := s.db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		Order("priority DESC, id ASC").
		Find(&out).Error; err != nil {
		return nil, fmt.Errorf("canned: list %s: %w", agentID, err)
	}
	return out, nil
}

// Select returns the highest-priority enabled response whose conditions
// match cc, older first on equal priority. Exact-match responses qualify
// only when the canonicalized message equals one of their alternatives
// ("a|b"). ok is false when nothing matches and the caller should compose.
func (s *Selector) Select(ctx context.Context, agentID string, cc *condition.Context) (*models.CannedResponse, bool, error) {
	if cc == nil {
		cc = &condition.Context{}
	}
	var candidates []models.CannedResponse
	if err := s.db.WithContext(ctx).
		Where("agent_id = ? AND enabled = ?", agentID, true).
		Order("priority DESC, id ASC").
		Find(&candidates).Error; err != nil {
		return nil, false, fmt.Errorf("canned: select %s: %w", agentID, err)
	}

	for i := range candidates {
		cr := &candidates[i]
		conds, err := condition.ParseList(cr.Conditions)
		if err != nil {
			log.Printf("canned: %d: %v", cr.ID, err)
			continue
		}
		var ok bool
		if cr.RequiresExactMatch {
			ok = ExactMatch(cc.Message, conds)
		} else {
			ok, err = s.eval.EvalAll(ctx, conds, cc)
			if err != nil {
				log.Printf("canned: %d: %v", cr.ID, err)
				continue
			}
		}
		if !ok {
			continue
		}

		now := time.Now()
		if err := s.db.WithContext(ctx).Model(&models.CannedResponse{}).Where("id = ?", cr.ID).
			Updates(map[string]interface{}{
				"use_count":    gorm.Expr("use_count + ?", 1),
				"last_used_at": now,
			}).Error; err != nil {
			return nil, false, fmt.Errorf("canned: record use of %d: %w", cr.ID, err)
		}
		cr.UseCount++
		cr.LastUsedAt = &now
		return cr, true, nil
	}
	return nil, false, nil
}

// ExactMatch reports whether message canonically equals any alternative of
// any condition.
func ExactMatch(message string, conds []string) bool {
	msg := Canonicalize(message)
	if msg == "" {
		return false
	}
	for _, c := range conds {
		for _, alt := range strings.Split(c, "|") {
			if Canonicalize(alt) == msg {
				return true
			}
		}
	}
	return false
}

// Canonicalize lower-cases s, collapses whitespace and trims surrounding
// punctuation.
func Canonicalize(s string) string {
	s = strings.Join(strings.Fields(strings.ToLower(s)), " ")
	return strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	})
}

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// Render substitutes {{name}} placeholders with variable values. Strings are
// inserted unquoted; other JSON values verbatim. Unknown names are left as
// they are.
func Render(template string, vars map[string]json.RawMessage) string {
	return placeholder.ReplaceAllStringFunc(template, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		raw, ok := vars[name]
		if !ok {
			return m
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
		return string(raw)
	})
}
