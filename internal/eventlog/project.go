package eventlog

import (
	"encoding/json"
	"fmt"

	"github.com/zulandar/waypoint/internal/models"
)

// State is the projection of a session's event log.
type State struct {
	SessionID    string                     `json:"session_id"`
	Status       string                     `json:"status"`
	Mode         string                     `json:"mode"`
	JourneyID    string                     `json:"journey_id,omitempty"`
	StateID      string                     `json:"state_id,omitempty"`
	Visited      []string                   `json:"visited,omitempty"`
	Variables    map[string]json.RawMessage `json:"variables"`
	NextOffset   int64                      `json:"next_offset"`
	EventCount   int64                      `json:"event_count"`
	MessageCount int64                      `json:"message_count"`
	TokenCount   int64                      `json:"token_count"`
	Cost         float64                    `json:"cost"`
}

func newState(sessionID string) *State {
	return &State{
		SessionID: sessionID,
		Status:    models.SessionActive,
		Mode:      models.ModeAuto,
		Variables: map[string]json.RawMessage{},
	}
}

// stateFromSession seeds a State from the stored session row. Visited is not
// persisted on the row and stays empty.
func stateFromSession(s *models.Session) (*State, error) {
	st := newState(s.ID)
	st.Status = s.Status
	st.Mode = s.Mode
	if s.CurrentJourneyID != nil {
		st.JourneyID = *s.CurrentJourneyID
	}
	if s.CurrentStateID != nil {
		st.StateID = *s.CurrentStateID
	}
	if len(s.Variables) > 0 {
		if err := json.Unmarshal(s.Variables, &st.Variables); err != nil {
			return nil, fmt.Errorf("eventlog: session %s variables: %w", s.ID, err)
		}
	}
	st.NextOffset = s.NextOffset
	st.EventCount = s.EventCount
	st.MessageCount = s.MessageCount
	st.TokenCount = s.TokenCount
	st.Cost = s.Cost
	return st, nil
}

// Apply folds one event into the state. Append and Project share it, so the
// session row always equals the projection of its log.
func (st *State) Apply(offset int64, c Content) {
	st.NextOffset = offset + 1
	st.EventCount++

	switch v := c.(type) {
	case CustomerMessage:
		st.MessageCount++
		st.TokenCount += int64(v.Tokens)
	case AgentMessage:
		st.MessageCount++
		st.TokenCount += int64(v.Tokens)
		st.Cost += v.Cost
	case StatusUpdate:
		if v.Status != "" {
			st.Status = v.Status
		}
		if v.Mode != "" {
			st.Mode = v.Mode
		}
	case JourneyTransition:
		if v.FromStateID == "" {
			st.Visited = nil
		}
		if v.Final {
			st.JourneyID = ""
			st.StateID = ""
			st.Visited = nil
			return
		}
		st.JourneyID = v.JourneyID
		st.StateID = v.ToStateID
		st.Visited = append(st.Visited, v.ToStateID)
	case VariableUpdate:
		if v.Deleted {
			delete(st.Variables, v.Key)
			return
		}
		st.Variables[v.Key] = v.Value
	}
}

// HasVisited reports whether stateID was entered during the current journey
// instance.
func (st *State) HasVisited(stateID string) bool {
	for _, id := range st.Visited {
		if id == stateID {
			return true
		}
	}
	return false
}

// Project folds events, in offset order, into the session state.
func Project(sessionID string, events []models.Event) (*State, error) {
	st := newState(sessionID)
	for _, ev := range events {
		c, err := Decode(ev)
		if err != nil {
			return nil, fmt.Errorf("eventlog: project offset %d: %w", ev.Offset, err)
		}
		st.Apply(ev.Offset, c)
	}
	return st, nil
}

func (st *State) sessionColumns() (map[string]interface{}, error) {
	vars, err := json.Marshal(st.Variables)
	if err != nil {
		return nil, fmt.Errorf("eventlog: encode variables: %w", err)
	}
	return map[string]interface{}{
		"status":             st.Status,
		"mode":               st.Mode,
		"current_journey_id": nullable(st.JourneyID),
		"current_state_id":   nullable(st.StateID),
		"variables":          string(vars),
		"next_offset":        st.NextOffset,
		"event_count":        st.EventCount,
		"message_count":      st.MessageCount,
		"token_count":        st.TokenCount,
		"cost":               st.Cost,
	}, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
