// Package condition evaluates the conditions attached to guidelines, journey
// transitions, journeys and canned responses.
//
// A condition is either empty (always true), a boolean expr-lang predicate
// over the conversation context, or free text. Free text is handed to a
// Judge; without one, KeywordJudge is used.
package condition

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/zulandar/waypoint/internal/models"
)

// Context is the conversation snapshot a condition is evaluated against.
type Context struct {
	Message    string
	Events     []models.Event
	Variables  map[string]json.RawMessage
	JourneyID  string
	StateID    string
	ToolHealth map[string]string
}

// Env is the expression environment exposed to predicates.
type Env struct {
	Message    string            `expr:"message"`
	Vars       map[string]any    `expr:"vars"`
	Journey    string            `expr:"journey"`
	State      string            `expr:"state"`
	Events     []string          `expr:"events"`
	ToolHealth map[string]string `expr:"tool_health"`
}

// Judge decides free-text conditions. Model-backed judges live outside the
// runtime; implementations must be deterministic for a given input.
type Judge interface {
	Judge(ctx context.Context, condition string, cc *Context) (bool, error)
}

type compiled struct {
	program *vm.Program // nil for free-text conditions
}

// Evaluator compiles and caches conditions.
type Evaluator struct {
	judge Judge
	cache sync.Map // condition text -> *compiled
}

// New creates an Evaluator. A nil judge selects KeywordJudge.
func New(judge Judge) *Evaluator {
	if judge == nil {
		judge = KeywordJudge{}
	}
	return &Evaluator{judge: judge}
}

// IsPredicate reports whether cond compiles as a boolean expression.
func (e *Evaluator) IsPredicate(cond string) bool {
	cond = strings.TrimSpace(cond)
	return cond != "" && e.compile(cond).program != nil
}

// Eval evaluates cond against cc.
func (e *Evaluator) Eval(ctx context.Context, cond string, cc *Context) (bool, error) {
	cond = strings.TrimSpace(cond)
	if cond == "" {
		return true, nil
	}
	if cc == nil {
		cc = &Context{}
	}
	c := e.compile(cond)
	if c.program == nil {
		ok, err := e.judge.Judge(ctx, cond, cc)
		if err != nil {
			return false, fmt.Errorf("condition: judge %q: %w", cond, err)
		}
		return ok, nil
	}
	out, err := expr.Run(c.program, NewEnv(cc))
	if err != nil {
		return false, fmt.Errorf("condition: run %q: %w", cond, err)
	}
	ok, _ := out.(bool)
	return ok, nil
}

// EvalAll reports whether every condition holds. An empty list is true.
func (e *Evaluator) EvalAll(ctx context.Context, conds []string, cc *Context) (bool, error) {
	for _, cond := range conds {
		ok, err := e.Eval(ctx, cond, cc)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (e *Evaluator) compile(cond string) *compiled {
	if c, ok := e.cache.Load(cond); ok {
		return c.(*compiled)
	}
	program, err := expr.Compile(cond, expr.Env(Env{}), expr.AsBool())
	c := &compiled{}
	if err == nil {
		c.program = program
	}
	actual, _ := e.cache.LoadOrStore(cond, c)
	return actual.(*compiled)
}

// NewEnv builds the expression environment for cc.
func NewEnv(cc *Context) Env {
	env := Env{
		Message:    cc.Message,
		Vars:       make(map[string]any, len(cc.Variables)),
		Journey:    cc.JourneyID,
		State:      cc.StateID,
		ToolHealth: cc.ToolHealth,
	}
	if env.ToolHealth == nil {
		env.ToolHealth = map[string]string{}
	}
	for k, raw := range cc.Variables {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			continue
		}
		env.Vars[k] = v
	}
	for _, ev := range cc.Events {
		env.Events = append(env.Events, ev.Type)
	}
	return env
}

// ParseList decodes a JSON array of condition strings. Empty input yields
// nil; a bare JSON string is treated as a single condition.
func ParseList(raw []byte) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, fmt.Errorf("condition: parse list: %w", err)
	}
	if single == "" {
		return nil, nil
	}
	return []string{single}, nil
}
