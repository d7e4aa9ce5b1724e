// Package variable stores agent-wide and session-local key/value pairs.
// Session-scoped changes are recorded as variable_update events in the same
// transaction as the row write.
package variable

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/zulandar/waypoint/internal/eventlog"
	"github.com/zulandar/waypoint/internal/fault"
	"github.com/zulandar/waypoint/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RedactedValue replaces private values in public listings.
const RedactedValue = `"[redacted]"`

// Store reads and writes variables.
type Store struct {
	db  *gorm.DB
	log *eventlog.Log
}

// New creates a Store backed by the event log's database.
func New(log *eventlog.Log) *Store {
	return &Store{db: log.DB(), log: log}
}

// SetOptions control a write.
type SetOptions struct {
	Private bool
}

// Set upserts scope/scopeID/key. value may be a json.RawMessage or any
// JSON-marshalable value.
func (s *Store) Set(ctx context.Context, scope, scopeID, key string, value any, opts SetOptions) (*models.Variable, error) {
	if err := checkScope(scope); err != nil {
		return nil, err
	}
	if key == "" {
		return nil, fmt.Errorf("variable: set: empty key: %w", fault.ErrInvalidInput)
	}
	raw, err := encode(value)
	if err != nil {
		return nil, fmt.Errorf("variable: set %s: %w", key, err)
	}

	v := &models.Variable{
		Scope:     scope,
		ScopeID:   scopeID,
		Key:       key,
		Value:     datatypes.JSON(raw),
		ValueType: InferType(raw),
		IsPrivate: opts.Private,
	}

	if scope == models.ScopeAgent {
		if err := upsert(s.db.WithContext(ctx), v); err != nil {
			return nil, fmt.Errorf("variable: set %s: %w", key, err)
		}
		return v, nil
	}

	update := eventlog.VariableUpdate{Key: key, Value: raw, Private: opts.Private}
	_, err = s.log.AppendWith(ctx, scopeID, update, eventlog.Meta{}, func(tx *gorm.DB, _ *models.Event, _ *eventlog.State) error {
		return upsert(tx, v)
	})
	if err != nil {
		return nil, fmt.Errorf("variable: set %s: %w", key, err)
	}
	return v, nil
}

func upsert(tx *gorm.DB, v *models.Variable) error {
	now := time.Now()
	v.CreatedAt = now
	v.UpdatedAt = now
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "scope"}, {Name: "scope_id"}, {Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "value_type", "is_private", "updated_at"}),
	}).Create(v).Error
}

// Get returns one variable.
func (s *Store) Get(ctx context.Context, scope, scopeID, key string) (*models.Variable, error) {
	var v models.Variable
	err := s.db.WithContext(ctx).
		Where("scope = ? AND scope_id = ? AND `key` = ?", scope, scopeID, key).
		First(&v).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("variable: %s/%s/%s: %w", scope, scopeID, key, fault.ErrNotFound)
		}
		return nil, fmt.Errorf("variable: get %s: %w", key, err)
	}
	return &v, nil
}

// List returns every variable of a scope, ordered by key.
func (s *Store) List(ctx context.Context, scope, scopeID string) ([]models.Variable, error) {
	if err := checkScope(scope); err != nil {
		return nil, err
	}
	var vars []models.Variable
	if err := s.db.WithContext(ctx).
		Where("scope = ? AND scope_id = ?", scope, scopeID).
		Order("`key` ASC").
		Find(&vars).Error; err != nil {
		return nil, fmt.Errorf("variable: list %s/%s: %w", scope, scopeID, err)
	}
	return vars, nil
}

// Delete removes a variable. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, scope, scopeID, key string) error {
	if err := checkScope(scope); err != nil {
		return err
	}
	del := func(tx *gorm.DB) error {
		return tx.Where("scope = ? AND scope_id = ? AND `key` = ?", scope, scopeID, key).
			Delete(&models.Variable{}).Error
	}
	if scope == models.ScopeAgent {
		if err := del(s.db.WithContext(ctx)); err != nil {
			return fmt.Errorf("variable: delete %s: %w", key, err)
		}
		return nil
	}
	_, err := s.log.AppendWith(ctx, scopeID, eventlog.VariableUpdate{Key: key, Deleted: true}, eventlog.Meta{},
		func(tx *gorm.DB, _ *models.Event, _ *eventlog.State) error { return del(tx) })
	if err != nil {
		return fmt.Errorf("variable: delete %s: %w", key, err)
	}
	return nil
}

// Snapshot merges the agent's variables with the session's, session wins.
func (s *Store) Snapshot(ctx context.Context, sessionID string) (map[string]json.RawMessage, error) {
	sess, err := s.log.Session(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("variable: snapshot: %w", err)
	}
	out := make(map[string]json.RawMessage)
	for _, scope := range []struct{ scope, id string }{
		{models.ScopeAgent, sess.AgentID},
		{models.ScopeSession, sess.ID},
	} {
		vars, err := s.List(ctx, scope.scope, scope.id)
		if err != nil {
			return nil, err
		}
		for _, v := range vars {
			out[v.Key] = json.RawMessage(v.Value)
		}
	}
	return out, nil
}

// Redacted returns a copy of vars with private values masked.
func Redacted(vars []models.Variable) []models.Variable {
	out := make([]models.Variable, len(vars))
	for i, v := range vars {
		if v.IsPrivate {
			v.Value = datatypes.JSON(RedactedValue)
		}
		out[i] = v
	}
	return out
}

// Keys returns the sorted keys of a snapshot.
func Keys(snapshot map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// InferType names the JSON type of raw.
func InferType(raw []byte) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "null"
	}
	switch raw[0] {
	case '"':
		return "string"
	case '{':
		return "object"
	case '[':
		return "array"
	case 't', 'f':
		return "boolean"
	case 'n':
		return "null"
	default:
		return "number"
	}
}

func encode(value any) ([]byte, error) {
	switch v := value.(type) {
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, fmt.Errorf("invalid JSON value: %w", fault.ErrInvalidInput)
		}
		return v, nil
	case nil:
		return []byte("null"), nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode value: %v: %w", err, fault.ErrInvalidInput)
	}
	return raw, nil
}

func checkScope(scope string) error {
	if scope != models.ScopeAgent && scope != models.ScopeSession {
		return fmt.Errorf("variable: unknown scope %q: %w", scope, fault.ErrInvalidInput)
	}
	return nil
}
