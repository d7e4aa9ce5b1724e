// Package convert compiles workflow templates into journeys and caches the
// results by workflow and canonical parameters.
package convert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/zulandar/waypoint/internal/fault"
	"github.com/zulandar/waypoint/internal/metrics"
	"github.com/zulandar/waypoint/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Result is the structural output of a conversion. It carries no
// timestamps so equal inputs marshal to equal bytes.
type Result struct {
	WorkflowID      string       `json:"workflow_id"`
	WorkflowVersion int          `json:"workflow_version"`
	ParametersHash  string       `json:"parameters_hash"`
	Namespace       string       `json:"namespace"`
	Name            string       `json:"name"`
	Description     string       `json:"description,omitempty"`
	Conditions      []string     `json:"conditions,omitempty"`
	Cyclic          bool         `json:"cyclic,omitempty"`
	States          []State      `json:"states"`
	Transitions     []Transition `json:"transitions"`
	Warnings        []string     `json:"warnings,omitempty"`
}

// State is a converted block.
type State struct {
	Key       string         `json:"key"`
	Name      string         `json:"name"`
	Type      string         `json:"type"`
	Initial   bool           `json:"initial,omitempty"`
	Final     bool           `json:"final,omitempty"`
	AllowSkip bool           `json:"allow_skip,omitempty"`
	ToolID    string         `json:"tool_id,omitempty"`
	Prompt    string         `json:"prompt,omitempty"`
	Config    map[string]any `json:"config,omitempty"`
	Position  int            `json:"position"`
}

// Transition is a converted edge.
type Transition struct {
	Key       string `json:"key"`
	From      string `json:"from"`
	To        string `json:"to"`
	Condition string `json:"condition,omitempty"`
	Priority  int    `json:"priority,omitempty"`
	Position  int    `json:"position"`
}

// Conversion is what Convert returns. Raw holds the exact cached bytes.
type Conversion struct {
	Result   *Result
	Raw      []byte
	CacheHit bool
}

// Converter turns workflow templates into journey definitions.
type Converter struct {
	db        *gorm.DB
	source    TemplateSource
	namespace string
	ttl       time.Duration
	now       func() time.Time
}

// New creates a Converter. A nil source reads templates from db.
func New(db *gorm.DB, source TemplateSource, namespace string, ttl time.Duration) *Converter {
	if source == nil {
		source = NewDBSource(db)
	}
	return &Converter{db: db, source: source, namespace: namespace, ttl: ttl, now: time.Now}
}

// Convert returns the conversion of workflowID with params, from the cache
// when an unexpired entry for the latest template version exists.
func (c *Converter) Convert(ctx context.Context, workflowID string, params map[string]any) (*Conversion, error) {
	start := c.now()
	hash, err := ParametersHash(c.namespace, workflowID, params)
	if err != nil {
		return nil, err
	}
	tmpl, err := c.source.Latest(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	conv, err := c.lookup(ctx, workflowID, hash, tmpl.Version)
	if err == nil {
		c.record(ctx, historyRow(conv.Result, true, c.now().Sub(start)))
		metrics.RecordConversion(true, models.ConversionSuccess)
		return conv, nil
	}
	if !errors.Is(err, fault.ErrCacheMiss) {
		return nil, err
	}

	res, err := compile(tmpl, params, c.namespace, hash)
	if err != nil {
		c.record(ctx, &models.ConversionHistory{
			WorkflowID:      workflowID,
			WorkflowVersion: tmpl.Version,
			ParametersHash:  hash,
			Status:          models.ConversionFailed,
			DurationMs:      c.now().Sub(start).Milliseconds(),
			ErrorDetail:     err.Error(),
		})
		metrics.RecordConversion(false, models.ConversionFailed)
		return nil, err
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("convert: marshal result: %w", err)
	}
	// Callers see the result exactly as a later cache hit would decode it.
	res = new(Result)
	if err := decodeJSON(raw, res); err != nil {
		return nil, fmt.Errorf("convert: decode result: %w", err)
	}

	now := c.now()
	entry := models.ConversionCache{
		WorkflowID:      workflowID,
		ParametersHash:  hash,
		Namespace:       c.namespace,
		WorkflowVersion: tmpl.Version,
		Result:          string(raw),
		SizeBytes:       len(raw),
		LastAccessed:    now,
		ExpiresAt:       now.Add(c.ttl),
		CreatedAt:       now,
	}
	hist := historyRow(res, false, now.Sub(start))
	err = c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "workflow_id"}, {Name: "parameters_hash"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"namespace", "workflow_version", "result", "size_bytes",
				"hit_count", "last_accessed", "expires_at", "created_at",
			}),
		}).Create(&entry).Error; err != nil {
			return fmt.Errorf("write cache: %w", err)
		}
		if err := tx.Create(hist).Error; err != nil {
			return fmt.Errorf("write history: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("convert: %s: %w", workflowID, err)
	}
	metrics.RecordConversion(false, models.ConversionSuccess)
	return &Conversion{Result: res, Raw: raw}, nil
}

// lookup serves an unexpired cache entry, counting the hit. It returns
// fault.ErrCacheMiss when there is nothing usable.
func (c *Converter) lookup(ctx context.Context, workflowID, hash string, version int) (*Conversion, error) {
	now := c.now()
	var entry models.ConversionCache
	err := c.db.WithContext(ctx).
		Where("workflow_id = ? AND parameters_hash = ?", workflowID, hash).
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fault.ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("convert: read cache: %w", err)
	}
	if !entry.ExpiresAt.After(now) || entry.WorkflowVersion != version {
		return nil, fault.ErrCacheMiss
	}

	var res Result
	if err := decodeJSON([]byte(entry.Result), &res); err != nil {
		log.Printf("convert: discarding unreadable cache entry %d: %v", entry.ID, err)
		return nil, fault.ErrCacheMiss
	}
	if err := c.db.WithContext(ctx).Model(&models.ConversionCache{}).
		Where("id = ?", entry.ID).
		Updates(map[string]interface{}{
			"hit_count":     gorm.Expr("hit_count + 1"),
			"last_accessed": now,
		}).Error; err != nil {
		return nil, fmt.Errorf("convert: count cache hit: %w", err)
	}
	return &Conversion{Result: &res, Raw: []byte(entry.Result), CacheHit: true}, nil
}

func (c *Converter) record(ctx context.Context, h *models.ConversionHistory) {
	if err := c.db.WithContext(ctx).Create(h).Error; err != nil {
		log.Printf("convert: write history for %s: %v", h.WorkflowID, err)
	}
}

func historyRow(res *Result, hit bool, elapsed time.Duration) *models.ConversionHistory {
	var warnings datatypes.JSON
	if len(res.Warnings) > 0 {
		warnings, _ = json.Marshal(res.Warnings)
	}
	return &models.ConversionHistory{
		WorkflowID:      res.WorkflowID,
		WorkflowVersion: res.WorkflowVersion,
		ParametersHash:  res.ParametersHash,
		Status:          models.ConversionSuccess,
		DurationMs:      elapsed.Milliseconds(),
		BlocksConverted: len(res.States),
		EdgesConverted:  len(res.Transitions),
		Warnings:        warnings,
		CacheHit:        hit,
	}
}

// compile resolves parameters and translates the template graph. States
// and transitions keep the graph's block and edge order.
func compile(tmpl *models.WorkflowTemplate, params map[string]any, namespace, hash string) (*Result, error) {
	values, warnings, err := resolveParams(tmpl.Parameters, params)
	if err != nil {
		return nil, err
	}
	g, err := ParseGraph(tmpl.Graph)
	if err != nil {
		return nil, err
	}
	sub := &substituter{values: values, unknown: make(map[string]bool)}
	sub.apply(g)
	name := sub.text(tmpl.Name)
	description := sub.text(tmpl.Description)

	entry, err := g.Check()
	if err != nil {
		return nil, err
	}
	warnings = append(warnings, sub.warnings()...)

	reach := g.reachable(entry)
	res := &Result{
		WorkflowID:      tmpl.WorkflowID,
		WorkflowVersion: tmpl.Version,
		ParametersHash:  hash,
		Namespace:       namespace,
		Name:            name,
		Description:     description,
		Conditions:      g.Conditions,
		Cyclic:          g.hasCycle(),
		States:          make([]State, 0, len(g.Blocks)),
		Transitions:     make([]Transition, 0, len(g.Edges)),
	}
	if res.Name == "" {
		res.Name = tmpl.WorkflowID
	}
	for i, b := range g.Blocks {
		if !reach[b.ID] {
			warnings = append(warnings, fmt.Sprintf("block %q is unreachable from %q", b.ID, entry))
		}
		st := State{
			Key:      b.ID,
			Name:     b.Name,
			Type:     StateType(b.Type),
			Initial:  b.ID == entry,
			ToolID:   b.toolID(),
			Prompt:   b.Content,
			Config:   b.Config,
			Position: i,
		}
		st.Final = st.Type == models.StateFinal
		if skip, ok := b.Config["allow_skip"].(bool); ok {
			st.AllowSkip = skip
		}
		if st.Name == "" {
			st.Name = b.ID
		}
		res.States = append(res.States, st)
	}
	for i, e := range g.Edges {
		res.Transitions = append(res.Transitions, Transition{
			Key:       g.edgeID(i),
			From:      e.From,
			To:        e.To,
			Condition: e.Condition,
			Priority:  e.Priority,
			Position:  i,
		})
	}
	res.Warnings = warnings
	return res, nil
}

// History returns the most recent conversion attempts for workflowID.
func (c *Converter) History(ctx context.Context, workflowID string, limit int) ([]models.ConversionHistory, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []models.ConversionHistory
	err := c.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("convert: history %s: %w", workflowID, err)
	}
	return rows, nil
}

// PurgeExpired deletes cache entries whose expiry has passed.
func (c *Converter) PurgeExpired(ctx context.Context) (int64, error) {
	res := c.db.WithContext(ctx).
		Where("expires_at <= ?", c.now()).
		Delete(&models.ConversionCache{})
	if res.Error != nil {
		return 0, fmt.Errorf("convert: purge expired: %w", res.Error)
	}
	return res.RowsAffected, nil
}
