// Package journey runs sessions through journey state machines.
package journey

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/waypoint/internal/condition"
	"github.com/zulandar/waypoint/internal/eventlog"
	"github.com/zulandar/waypoint/internal/fault"
	"github.com/zulandar/waypoint/internal/metrics"
	"github.com/zulandar/waypoint/internal/models"
	"gorm.io/gorm"
)

// Reason carried by the status_update emitted when a journey completes.
const ReasonJourneyCompleted = "journey_completed"

// Machine advances sessions through journeys. All moves are recorded as
// journey_transition events; the session's pointers are their projection.
type Machine struct {
	db   *gorm.DB
	log  *eventlog.Log
	eval *condition.Evaluator
}

// New creates a Machine.
func New(log *eventlog.Log, eval *condition.Evaluator) *Machine {
	return &Machine{db: log.DB(), log: log, eval: eval}
}

// Position is where a session currently is.
type Position struct {
	SessionID string               `json:"session_id"`
	Active    bool                 `json:"active"`
	JourneyID string               `json:"journey_id,omitempty"`
	State     *models.JourneyState `json:"state,omitempty"`
	Visited   []string             `json:"visited,omitempty"`
}

// Step describes the outcome of Start, Advance or Skip.
type Step struct {
	Moved      bool                      `json:"moved"`
	JourneyID  string                    `json:"journey_id"`
	From       *models.JourneyState      `json:"from,omitempty"`
	To         *models.JourneyState      `json:"to,omitempty"`
	Transition *models.JourneyTransition `json:"transition,omitempty"`
	Skipped    bool                      `json:"skipped,omitempty"`
	Completed  bool                      `json:"completed,omitempty"`
}

// Create validates and persists a journey with its states and transitions
// in one transaction. Missing IDs are generated.
func (m *Machine) Create(ctx context.Context, j *models.Journey) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	for i := range j.States {
		if j.States[i].ID == "" {
			j.States[i].ID = uuid.NewString()
		}
		j.States[i].JourneyID = j.ID
		if j.States[i].StateType == models.StateFinal {
			j.States[i].IsFinal = true
		}
	}
	for i := range j.Transitions {
		if j.Transitions[i].ID == "" {
			j.Transitions[i].ID = uuid.NewString()
		}
		j.Transitions[i].JourneyID = j.ID
	}
	if err := Validate(j); err != nil {
		return err
	}
	return CreateTx(m.db.WithContext(ctx), j)
}

// CreateTx inserts an already validated journey using tx.
func CreateTx(tx *gorm.DB, j *models.Journey) error {
	err := tx.Transaction(func(tx *gorm.DB) error {
		states, transitions := j.States, j.Transitions
		if err := tx.Omit("States", "Transitions").Create(j).Error; err != nil {
			return fmt.Errorf("insert journey: %w", err)
		}
		if len(states) > 0 {
			if err := tx.Create(&states).Error; err != nil {
				return fmt.Errorf("insert states: %w", err)
			}
		}
		if len(transitions) > 0 {
			if err := tx.Create(&transitions).Error; err != nil {
				return fmt.Errorf("insert transitions: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("journey: create %s: %w", j.ID, err)
	}
	return nil
}

// Load fetches a journey with its states and transitions in position order.
func (m *Machine) Load(ctx context.Context, journeyID string) (*models.Journey, error) {
	var j models.Journey
	err := m.db.WithContext(ctx).
		Preload("States", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC, id ASC") }).
		Preload("Transitions", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC, id ASC") }).
		Where("id = ?", journeyID).
		First(&j).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("journey: %s: %w", journeyID, fault.ErrNotFound)
		}
		return nil, fmt.Errorf("journey: load %s: %w", journeyID, err)
	}
	return &j, nil
}

// List returns the agent's journeys ordered by name.
func (m *Machine) List(ctx context.Context, agentID string) ([]models.Journey, error) {
	var js []models.Journey
	if err := m.db.WithContext(ctx).Where("agent_id = ?", agentID).Order("name ASC").Find(&js).Error; err != nil {
		return nil, fmt.Errorf("journey: list %s: %w", agentID, err)
	}
	return js, nil
}

func stateByID(j *models.Journey, id string) *models.JourneyState {
	for i := range j.States {
		if j.States[i].ID == id {
			return &j.States[i]
		}
	}
	return nil
}

func initialState(j *models.Journey) *models.JourneyState {
	for i := range j.States {
		if j.States[i].IsInitial {
			return &j.States[i]
		}
	}
	return nil
}

func outgoing(j *models.Journey, stateID string) []models.JourneyTransition {
	var out []models.JourneyTransition
	for _, t := range j.Transitions {
		if t.FromStateID == stateID {
			out = append(out, t)
		}
	}
	return out
}

// Start enters journeyID's initial state. The session must be active and
// not already inside a journey.
func (m *Machine) Start(ctx context.Context, sessionID, journeyID string) (*Step, error) {
	sess, err := m.log.Session(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("journey: start: %w", err)
	}
	if !sess.Writable() {
		return nil, fmt.Errorf("journey: start: session %s is %s: %w", sessionID, sess.Status, fault.ErrInvalidSessionState)
	}
	if sess.CurrentJourneyID != nil {
		return nil, fmt.Errorf("journey: start: session %s already in journey %s: %w", sessionID, *sess.CurrentJourneyID, fault.ErrInvalidSessionState)
	}
	j, err := m.Load(ctx, journeyID)
	if err != nil {
		return nil, err
	}
	if !j.Enabled {
		return nil, fmt.Errorf("journey: start: %s is disabled: %w", journeyID, fault.ErrInvalidJourney)
	}
	if j.AgentID != sess.AgentID {
		return nil, fmt.Errorf("journey: start: %s belongs to agent %s: %w", journeyID, j.AgentID, fault.ErrInvalidJourney)
	}
	first := initialState(j)
	if first == nil {
		return nil, fmt.Errorf("journey: start: %s has no initial state: %w", journeyID, fault.ErrInvalidJourney)
	}
	return m.move(ctx, sessionID, j, nil, first, nil, false)
}

// Advance selects and applies the next transition from the session's current
// state. Qualifying transitions have a true (or absent) condition and, when
// the journey forbids revisiting, lead to an unvisited state. The highest
// priority wins; a tie at the top is ErrAmbiguousTransition. With no
// qualifying transition the session stays put and Step.Moved is false.
func (m *Machine) Advance(ctx context.Context, sessionID string, cc *condition.Context) (*Step, error) {
	st, j, cur, err := m.current(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("journey: advance: %w", err)
	}
	var candidates []models.JourneyTransition
	for _, t := range outgoing(j, cur.ID) {
		if !j.AllowRevisiting && st.HasVisited(t.ToStateID) {
			continue
		}
		ok, err := m.eval.Eval(ctx, t.Condition, cc)
		if err != nil {
			log.Printf("journey: transition %s: %v", t.ID, err)
			continue
		}
		if ok {
			candidates = append(candidates, t)
		}
	}
	t, err := pick(cur.ID, candidates)
	if err != nil {
		return nil, fmt.Errorf("journey: advance %s: %w", sessionID, err)
	}
	if t == nil {
		return &Step{JourneyID: j.ID, From: cur, To: cur}, nil
	}
	return m.move(ctx, sessionID, j, cur, stateByID(j, t.ToStateID), t, false)
}

// Skip forces the highest-priority outgoing transition of the current state
// without evaluating conditions. The state, or the journey, must allow it.
func (m *Machine) Skip(ctx context.Context, sessionID string) (*Step, error) {
	st, j, cur, err := m.current(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("journey: skip: %w", err)
	}
	if !cur.AllowSkip && !j.AllowSkip {
		return nil, fmt.Errorf("journey: skip: state %s does not allow skipping: %w", cur.ID, fault.ErrInvalidSessionState)
	}
	var candidates []models.JourneyTransition
	for _, t := range outgoing(j, cur.ID) {
		if !j.AllowRevisiting && st.HasVisited(t.ToStateID) {
			continue
		}
		candidates = append(candidates, t)
	}
	t, err := pick(cur.ID, candidates)
	if err != nil {
		return nil, fmt.Errorf("journey: skip %s: %w", sessionID, err)
	}
	if t == nil {
		return nil, fmt.Errorf("journey: skip: state %s has no transition to skip to: %w", cur.ID, fault.ErrInvalidSessionState)
	}
	return m.move(ctx, sessionID, j, cur, stateByID(j, t.ToStateID), t, true)
}

// pick returns the unique highest-priority transition, nil when there are
// none, or ErrAmbiguousTransition on a tie.
func pick(from string, candidates []models.JourneyTransition) (*models.JourneyTransition, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.SliceStable(candidates, func(i, k int) bool { return candidates[i].Priority > candidates[k].Priority })
	if len(candidates) > 1 && candidates[0].Priority == candidates[1].Priority {
		return nil, fmt.Errorf("state %s: transitions %s and %s share priority %d: %w",
			from, candidates[0].ID, candidates[1].ID, candidates[0].Priority, fault.ErrAmbiguousTransition)
	}
	return &candidates[0], nil
}

// Current returns the session's journey position.
func (m *Machine) Current(ctx context.Context, sessionID string) (*Position, error) {
	st, err := m.log.ProjectSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("journey: current: %w", err)
	}
	pos := &Position{SessionID: sessionID}
	if st.JourneyID == "" {
		return pos, nil
	}
	j, err := m.Load(ctx, st.JourneyID)
	if err != nil {
		return nil, err
	}
	pos.Active = true
	pos.JourneyID = j.ID
	pos.State = stateByID(j, st.StateID)
	pos.Visited = st.Visited
	return pos, nil
}

func (m *Machine) current(ctx context.Context, sessionID string) (*eventlog.State, *models.Journey, *models.JourneyState, error) {
	st, err := m.log.ProjectSession(ctx, sessionID)
	if err != nil {
		return nil, nil, nil, err
	}
	if st.Status != models.SessionActive {
		return nil, nil, nil, fmt.Errorf("session %s is %s: %w", sessionID, st.Status, fault.ErrInvalidSessionState)
	}
	if st.JourneyID == "" {
		return nil, nil, nil, fmt.Errorf("session %s has no active journey: %w", sessionID, fault.ErrInvalidSessionState)
	}
	j, err := m.Load(ctx, st.JourneyID)
	if err != nil {
		return nil, nil, nil, err
	}
	cur := stateByID(j, st.StateID)
	if cur == nil {
		return nil, nil, nil, fmt.Errorf("state %s not in journey %s: %w", st.StateID, j.ID, fault.ErrInvalidJourney)
	}
	return st, j, cur, nil
}

// move records entry into to. from and t are nil when entering the initial
// state. Entering a final state also emits a journey-completed status_update.
func (m *Machine) move(ctx context.Context, sessionID string, j *models.Journey, from, to *models.JourneyState, t *models.JourneyTransition, skipped bool) (*Step, error) {
	final := IsFinal(to)
	content := eventlog.JourneyTransition{
		JourneyID: j.ID,
		ToStateID: to.ID,
		Skipped:   skipped,
		Final:     final,
	}
	if from != nil {
		content.FromStateID = from.ID
	}
	if t != nil {
		content.TransitionID = t.ID
	}

	now := time.Now()
	meta := eventlog.Meta{JourneyID: j.ID, StateID: to.ID}
	_, err := m.log.AppendWith(ctx, sessionID, content, meta, func(tx *gorm.DB, _ *models.Event, _ *eventlog.State) error {
		if err := tx.Model(&models.JourneyState{}).Where("id = ?", to.ID).
			Update("visit_count", gorm.Expr("visit_count + ?", 1)).Error; err != nil {
			return fmt.Errorf("update state visits: %w", err)
		}
		if t != nil {
			if err := tx.Model(&models.JourneyTransition{}).Where("id = ?", t.ID).Updates(map[string]interface{}{
				"use_count":    gorm.Expr("use_count + ?", 1),
				"last_used_at": now,
			}).Error; err != nil {
				return fmt.Errorf("update transition usage: %w", err)
			}
		}
		if from == nil {
			if err := tx.Model(&models.Journey{}).Where("id = ?", j.ID).
				Update("total_sessions", gorm.Expr("total_sessions + ?", 1)).Error; err != nil {
				return fmt.Errorf("update journey sessions: %w", err)
			}
		}
		if final {
			if err := tx.Model(&models.Journey{}).Where("id = ?", j.ID).
				Update("completed_sessions", gorm.Expr("completed_sessions + ?", 1)).Error; err != nil {
				return fmt.Errorf("update journey completions: %w", err)
			}
			if err := tx.Model(&models.Journey{}).Where("id = ? AND total_sessions > 0", j.ID).
				Update("completion_rate", gorm.Expr("completed_sessions * 1.0 / total_sessions")).Error; err != nil {
				return fmt.Errorf("update completion rate: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("journey: move %s to %s: %w", sessionID, to.ID, err)
	}

	kind := "advance"
	switch {
	case from == nil:
		kind = "enter"
	case skipped:
		kind = "skip"
	}
	metrics.RecordJourneyTransition(kind)

	step := &Step{Moved: true, JourneyID: j.ID, From: from, To: to, Transition: t, Skipped: skipped, Completed: final}
	if final {
		metrics.RecordJourneyTransition("complete")
		done := eventlog.StatusUpdate{Reason: ReasonJourneyCompleted, JourneyID: j.ID}
		if _, err := m.log.Append(ctx, sessionID, done, eventlog.Meta{JourneyID: j.ID}); err != nil {
			return step, fmt.Errorf("journey: complete %s: %w", j.ID, err)
		}
	}
	return step, nil
}

// FindEntry returns the agent's enabled journey whose entry conditions all
// hold, preferring the most specific (most conditions) and then the name.
// Journeys without entry conditions are only entered explicitly via Start.
func (m *Machine) FindEntry(ctx context.Context, agentID string, cc *condition.Context) (*models.Journey, error) {
	var js []models.Journey
	if err := m.db.WithContext(ctx).
		Where("agent_id = ? AND enabled = ?", agentID, true).
		Order("name ASC").
		Find(&js).Error; err != nil {
		return nil, fmt.Errorf("journey: find entry %s: %w", agentID, err)
	}
	var (
		best      *models.Journey
		bestConds int
	)
	for i := range js {
		conds, err := condition.ParseList(js[i].Conditions)
		if err != nil {
			log.Printf("journey: %s: %v", js[i].ID, err)
			continue
		}
		if len(conds) == 0 {
			continue
		}
		ok, err := m.eval.EvalAll(ctx, conds, cc)
		if err != nil {
			log.Printf("journey: %s entry: %v", js[i].ID, err)
			continue
		}
		if ok && len(conds) > bestConds {
			best = &js[i]
			bestConds = len(conds)
		}
	}
	return best, nil
}
