// Package conductor runs conversation turns: it feeds inbound messages
// through journeys, tools, guidelines and responses, and records the outcome
// in the session's event log.
package conductor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/waypoint/internal/canned"
	"github.com/zulandar/waypoint/internal/condition"
	"github.com/zulandar/waypoint/internal/eventlog"
	"github.com/zulandar/waypoint/internal/fault"
	"github.com/zulandar/waypoint/internal/guideline"
	"github.com/zulandar/waypoint/internal/journey"
	"github.com/zulandar/waypoint/internal/models"
	"github.com/zulandar/waypoint/internal/tool"
	"github.com/zulandar/waypoint/internal/variable"
	"gorm.io/gorm"
)

const (
	defaultRecentEvents    = 20
	defaultMaxJourneySteps = 8
)

// Status update reasons written by the conductor.
const (
	ReasonStarted     = "started"
	ReasonModeChanged = "mode_changed"
	ReasonCompleted   = "completed"
	ReasonAbandoned   = "abandoned"
	ReasonAmbiguous   = "ambiguous_transition"
	ReasonStepLimit   = "journey_step_limit"
)

// Deps are the components a Conductor drives.
type Deps struct {
	Log        *eventlog.Log
	Variables  *variable.Store
	Guidelines *guideline.Matcher
	Journeys   *journey.Machine
	Canned     *canned.Selector
	Tools      *tool.Invoker
	Composer   Composer
}

// Options tune turn processing.
type Options struct {
	RecentEvents    int
	MaxJourneySteps int
}

// Conductor coordinates turns. At most one turn runs per session at a time;
// different sessions run in parallel.
type Conductor struct {
	Deps
	opts  Options
	turns sync.Map // session ID -> *sync.Mutex
}

// New creates a Conductor. A nil Composer defaults to EchoComposer.
func New(deps Deps, opts Options) *Conductor {
	if deps.Composer == nil {
		deps.Composer = EchoComposer{}
	}
	if opts.RecentEvents <= 0 {
		opts.RecentEvents = defaultRecentEvents
	}
	if opts.MaxJourneySteps <= 0 {
		opts.MaxJourneySteps = defaultMaxJourneySteps
	}
	return &Conductor{Deps: deps, opts: opts}
}

// StartOpts carries the identity context of a new session.
type StartOpts struct {
	AgentID     string `json:"agent_id" validate:"required"`
	WorkspaceID string `json:"workspace_id"`
	CustomerID  string `json:"customer_id"`
	Channel     string `json:"channel"`
	Mode        string `json:"mode" validate:"omitempty,oneof=auto manual paused"`
}

// Turn reports what one call did.
type Turn struct {
	SessionID  string              `json:"session_id"`
	Inbound    *models.Event       `json:"inbound,omitempty"`
	Ran        bool                `json:"ran"`
	Steps      []*journey.Step     `json:"steps,omitempty"`
	Tools      []*tool.Result      `json:"tools,omitempty"`
	Guidelines []guideline.Matched `json:"guidelines,omitempty"`
	Reply      *models.Event       `json:"reply,omitempty"`
}

func (c *Conductor) db() *gorm.DB { return c.Log.DB() }

func (c *Conductor) turnLock(sessionID string) *sync.Mutex {
	mu, _ := c.turns.LoadOrStore(sessionID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// StartSession opens a session for an agent and records its start.
func (c *Conductor) StartSession(ctx context.Context, opts StartOpts) (*models.Session, error) {
	var agent models.Agent
	if err := c.db().WithContext(ctx).First(&agent, "id = ?", opts.AgentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("conductor: start: agent %q: %w", opts.AgentID, fault.ErrNotFound)
		}
		return nil, fmt.Errorf("conductor: start: %w", err)
	}
	mode := opts.Mode
	if mode == "" {
		mode = models.ModeAuto
	}
	if !validMode(mode) {
		return nil, fmt.Errorf("conductor: start: mode %q: %w", mode, fault.ErrInvalidInput)
	}
	workspace := opts.WorkspaceID
	if workspace == "" {
		workspace = agent.WorkspaceID
	}
	if workspace != agent.WorkspaceID {
		return nil, fmt.Errorf("conductor: start: agent %s is not in workspace %s: %w", agent.ID, workspace, fault.ErrInvalidInput)
	}

	sess := &models.Session{
		ID:           uuid.NewString(),
		AgentID:      agent.ID,
		WorkspaceID:  workspace,
		CustomerID:   opts.CustomerID,
		Channel:      opts.Channel,
		Mode:         models.ModeAuto,
		Status:       models.SessionActive,
		LastActivity: time.Now(),
	}
	if err := c.db().WithContext(ctx).Create(sess).Error; err != nil {
		return nil, fmt.Errorf("conductor: create session: %w", err)
	}
	if _, err := c.Log.Append(ctx, sess.ID, eventlog.StatusUpdate{Status: models.SessionActive, Mode: mode, Reason: ReasonStarted}, eventlog.Meta{}); err != nil {
		c.db().WithContext(ctx).Delete(&models.Session{}, "id = ?", sess.ID)
		return nil, fmt.Errorf("conductor: start session: %w", err)
	}
	return c.Log.Session(ctx, sess.ID)
}

// HandleMessage appends an inbound customer message and, in auto mode, runs
// a turn. Manual sessions wait for Trigger; paused sessions only record.
func (c *Conductor) HandleMessage(ctx context.Context, sessionID string, msg eventlog.CustomerMessage) (*Turn, error) {
	if msg.Text == "" {
		return nil, fmt.Errorf("conductor: empty message: %w", fault.ErrInvalidInput)
	}
	ev, err := c.Log.Append(ctx, sessionID, msg, eventlog.Meta{})
	if err != nil {
		return nil, fmt.Errorf("conductor: handle message: %w", err)
	}
	sess, err := c.Log.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Mode != models.ModeAuto {
		return &Turn{SessionID: sessionID, Inbound: ev}, nil
	}
	turn, err := c.RunTurn(ctx, sessionID)
	if turn != nil {
		turn.Inbound = ev
	}
	return turn, err
}

// Trigger runs one turn on request. Paused sessions refuse.
func (c *Conductor) Trigger(ctx context.Context, sessionID string) (*Turn, error) {
	sess, err := c.Log.Session(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("conductor: trigger: %w", err)
	}
	if sess.Mode == models.ModePaused {
		return nil, fmt.Errorf("conductor: trigger: session %s is paused: %w", sessionID, fault.ErrInvalidSessionState)
	}
	return c.RunTurn(ctx, sessionID)
}

// RunTurn processes the session's latest context and appends the agent's
// reply, if any.
func (c *Conductor) RunTurn(ctx context.Context, sessionID string) (*Turn, error) {
	mu := c.turnLock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	turn := &Turn{SessionID: sessionID, Ran: true}
	sess, err := c.Log.Session(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("conductor: turn: %w", err)
	}
	if !sess.Writable() {
		return nil, fmt.Errorf("conductor: turn: session %s is %s: %w", sessionID, sess.Status, fault.ErrInvalidSessionState)
	}
	var agent models.Agent
	if err := c.db().WithContext(ctx).First(&agent, "id = ?", sess.AgentID).Error; err != nil {
		return nil, fmt.Errorf("conductor: turn: load agent %s: %w", sess.AgentID, err)
	}

	cc, err := c.context(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	state, err := c.runJourney(ctx, &agent, cc, turn)
	if err != nil {
		return turn, err
	}

	matched, err := c.Guidelines.Match(ctx, agent.ID, cc)
	if err != nil {
		return turn, fmt.Errorf("conductor: turn: %w", err)
	}
	turn.Guidelines = matched

	reply, err := c.respond(ctx, &agent, cc, state, matched)
	if err != nil {
		return turn, err
	}
	if reply == nil || reply.Text == "" {
		return turn, nil
	}
	ev, err := c.Log.Append(ctx, sessionID, *reply, eventlog.Meta{JourneyID: cc.JourneyID, StateID: cc.StateID})
	if err != nil {
		return turn, fmt.Errorf("conductor: append reply: %w", err)
	}
	turn.Reply = ev
	return turn, nil
}

// context assembles the condition context from the session's projection and
// recent history.
func (c *Conductor) context(ctx context.Context, sessionID string) (*condition.Context, error) {
	st, err := c.Log.ProjectSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("conductor: project: %w", err)
	}
	events, err := c.Log.Recent(ctx, sessionID, c.opts.RecentEvents)
	if err != nil {
		return nil, fmt.Errorf("conductor: recent events: %w", err)
	}
	vars, err := c.Variables.Snapshot(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	health, err := c.Tools.Registry().HealthMap(ctx)
	if err != nil {
		return nil, err
	}
	return &condition.Context{
		Message:    lastCustomerMessage(events),
		Events:     events,
		Variables:  vars,
		JourneyID:  st.JourneyID,
		StateID:    st.StateID,
		ToolHealth: health,
	}, nil
}

func lastCustomerMessage(events []models.Event) string {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type != models.EventCustomerMessage {
			continue
		}
		content, err := eventlog.Decode(events[i])
		if err != nil {
			log.Printf("conductor: decode event %d: %v", events[i].Offset, err)
			continue
		}
		return content.(eventlog.CustomerMessage).Text
	}
	return ""
}

// runJourney enters or advances the session's journey. Tool and decision
// states are passed through within the turn; a chat state ends the walk.
// It returns the state the session rests in, or nil outside any journey.
func (c *Conductor) runJourney(ctx context.Context, agent *models.Agent, cc *condition.Context, turn *Turn) (*models.JourneyState, error) {
	sessionID := turn.SessionID
	var state *models.JourneyState

	if cc.JourneyID == "" {
		j, err := c.Journeys.FindEntry(ctx, agent.ID, cc)
		if err != nil {
			return nil, err
		}
		if j == nil {
			return nil, nil
		}
		step, err := c.Journeys.Start(ctx, sessionID, j.ID)
		if err != nil {
			return nil, err
		}
		turn.Steps = append(turn.Steps, step)
		c.follow(cc, step)
		if step.Completed {
			return nil, nil
		}
		state = step.To
		if state.StateType == models.StateChat {
			return state, nil
		}
	} else {
		pos, err := c.Journeys.Current(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		state = pos.State
		if state == nil {
			return nil, fmt.Errorf("conductor: session %s: current state missing from journey %s: %w", sessionID, cc.JourneyID, fault.ErrInvalidJourney)
		}
	}

	for i := 0; i < c.opts.MaxJourneySteps; i++ {
		if state.StateType == models.StateTool {
			if err := c.runToolState(ctx, agent, cc, state, turn); err != nil {
				return state, err
			}
		}
		step, err := c.Journeys.Advance(ctx, sessionID, cc)
		if errors.Is(err, fault.ErrAmbiguousTransition) {
			c.note(ctx, sessionID, ReasonAmbiguous, cc.JourneyID)
			return state, fmt.Errorf("conductor: turn: %w", err)
		}
		if err != nil {
			return state, err
		}
		if !step.Moved {
			return state, nil
		}
		turn.Steps = append(turn.Steps, step)
		c.follow(cc, step)
		if step.Completed {
			return nil, nil
		}
		state = step.To
		if state.StateType == models.StateChat {
			return state, nil
		}
	}
	c.note(ctx, sessionID, ReasonStepLimit, cc.JourneyID)
	log.Printf("conductor: session %s: journey %s stopped after %d steps", sessionID, cc.JourneyID, c.opts.MaxJourneySteps)
	return state, nil
}

// follow keeps the condition context in step with the journey.
func (c *Conductor) follow(cc *condition.Context, step *journey.Step) {
	if step.Completed {
		cc.JourneyID, cc.StateID = "", ""
		return
	}
	cc.JourneyID = step.JourneyID
	if step.To != nil {
		cc.StateID = step.To.ID
	}
}

// runToolState invokes a tool state's tool and stores the outcome in the
// session variable "<state>.result".
func (c *Conductor) runToolState(ctx context.Context, agent *models.Agent, cc *condition.Context, state *models.JourneyState, turn *Turn) error {
	if state.ToolID == nil {
		return fmt.Errorf("conductor: state %s has no tool: %w", state.ID, fault.ErrInvalidJourney)
	}
	args := toolArgs(state)
	res, err := c.Tools.Invoke(ctx, *state.ToolID, turn.SessionID, args, tool.Caller{AgentID: agent.ID, Authenticated: true})
	if res == nil {
		return err
	}
	turn.Tools = append(turn.Tools, res)

	value := map[string]any{"ok": res.OK}
	if res.OK {
		out := res.Output
		if len(out) == 0 {
			out = json.RawMessage("null")
		}
		value["output"] = out
	} else {
		value["error"] = res.Code
	}
	key := stateKey(state) + ".result"
	if _, err := c.Variables.Set(ctx, models.ScopeSession, turn.SessionID, key, value, variable.SetOptions{}); err != nil {
		return err
	}
	vars, err := c.Variables.Snapshot(ctx, turn.SessionID)
	if err != nil {
		return err
	}
	cc.Variables = vars
	return nil
}

func toolArgs(state *models.JourneyState) json.RawMessage {
	if len(state.Config) == 0 {
		return nil
	}
	var cfg map[string]json.RawMessage
	if err := json.Unmarshal(state.Config, &cfg); err != nil {
		return nil
	}
	return cfg["args"]
}

func stateKey(s *models.JourneyState) string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// respond picks a canned response, or in fluid mode falls back to the
// composer. Strict agents only ever send canned responses.
func (c *Conductor) respond(ctx context.Context, agent *models.Agent, cc *condition.Context, state *models.JourneyState, matched []guideline.Matched) (*eventlog.AgentMessage, error) {
	ids := make([]uint, len(matched))
	for i, m := range matched {
		ids[i] = m.Guideline.ID
	}

	cr, ok, err := c.Canned.Select(ctx, agent.ID, cc)
	if err != nil {
		return nil, err
	}
	if ok {
		return &eventlog.AgentMessage{
			Text:             canned.Render(cr.Template, cc.Variables),
			CannedResponseID: cr.ID,
			GuidelineIDs:     ids,
		}, nil
	}
	if agent.CompositionMode == models.CompositionStrict {
		return nil, nil
	}

	reply, err := c.Composer.Compose(ctx, &Draft{
		Agent:      agent,
		Message:    cc.Message,
		Guidelines: matched,
		State:      state,
		Variables:  cc.Variables,
		Events:     cc.Events,
	})
	if err != nil {
		return nil, fmt.Errorf("conductor: compose: %w", err)
	}
	if reply == nil {
		return nil, nil
	}
	return &eventlog.AgentMessage{Text: reply.Text, GuidelineIDs: ids, Tokens: reply.Tokens, Cost: reply.Cost}, nil
}

// note records a turn-level failure so the history explains it.
func (c *Conductor) note(ctx context.Context, sessionID, reason, journeyID string) {
	_, err := c.Log.Append(ctx, sessionID, eventlog.StatusUpdate{Reason: reason, JourneyID: journeyID}, eventlog.Meta{JourneyID: journeyID})
	if err != nil {
		log.Printf("conductor: record %s for %s: %v", reason, sessionID, err)
	}
}

// Skip forces the session's journey forward, serialized with turns.
func (c *Conductor) Skip(ctx context.Context, sessionID string) (*journey.Step, error) {
	mu := c.turnLock(sessionID)
	mu.Lock()
	defer mu.Unlock()
	return c.Journeys.Skip(ctx, sessionID)
}

// SetMode switches a session between auto, manual and paused.
func (c *Conductor) SetMode(ctx context.Context, sessionID, mode string) (*models.Event, error) {
	if !validMode(mode) {
		return nil, fmt.Errorf("conductor: set mode %q: %w", mode, fault.ErrInvalidInput)
	}
	ev, err := c.Log.Append(ctx, sessionID, eventlog.StatusUpdate{Mode: mode, Reason: ReasonModeChanged}, eventlog.Meta{})
	if err != nil {
		return nil, fmt.Errorf("conductor: set mode: %w", err)
	}
	return ev, nil
}

// Complete closes a session normally.
func (c *Conductor) Complete(ctx context.Context, sessionID, reason string) (*models.Event, error) {
	return c.close(ctx, sessionID, models.SessionCompleted, reason, ReasonCompleted)
}

// Abandon closes a session at once. Tool calls already in flight finish and
// their results are recorded as orphaned.
func (c *Conductor) Abandon(ctx context.Context, sessionID, reason string) (*models.Event, error) {
	return c.close(ctx, sessionID, models.SessionAbandoned, reason, ReasonAbandoned)
}

func (c *Conductor) close(ctx context.Context, sessionID, status, reason, fallback string) (*models.Event, error) {
	if reason == "" {
		reason = fallback
	}
	ev, err := c.Log.Append(ctx, sessionID, eventlog.StatusUpdate{Status: status, Reason: reason}, eventlog.Meta{})
	if err != nil {
		return nil, fmt.Errorf("conductor: %s session: %w", status, err)
	}
	c.turns.Delete(sessionID)
	return ev, nil
}

func validMode(mode string) bool {
	switch mode {
	case models.ModeAuto, models.ModeManual, models.ModePaused:
		return true
	}
	return false
}
