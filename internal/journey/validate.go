package journey

import (
	"fmt"
	"strings"

	"github.com/zulandar/waypoint/internal/fault"
	"github.com/zulandar/waypoint/internal/models"
)

// IsFinal reports whether entering s ends the journey.
func IsFinal(s *models.JourneyState) bool {
	return s.IsFinal || s.StateType == models.StateFinal
}

// Validate checks a journey's graph: exactly one initial state, unique
// state IDs, known state types, tool states naming a tool, transitions
// between states of this journey, and no transitions out of final states.
func Validate(j *models.Journey) error {
	var errs []string
	states := make(map[string]*models.JourneyState, len(j.States))
	initial := 0
	for i := range j.States {
		s := &j.States[i]
		if s.ID == "" {
			errs = append(errs, fmt.Sprintf("states[%d] has no id", i))
			continue
		}
		if _, dup := states[s.ID]; dup {
			errs = append(errs, fmt.Sprintf("duplicate state %q", s.ID))
		}
		states[s.ID] = s
		if s.IsInitial {
			initial++
		}
		switch s.StateType {
		case models.StateChat, models.StateDecision, models.StateFinal:
		case models.StateTool:
			if s.ToolID == nil || *s.ToolID == "" {
				errs = append(errs, fmt.Sprintf("tool state %q has no tool", s.ID))
			}
		default:
			errs = append(errs, fmt.Sprintf("state %q has unknown type %q", s.ID, s.StateType))
		}
	}
	if initial != 1 {
		errs = append(errs, fmt.Sprintf("journey has %d initial states, want exactly 1", initial))
	}

	for i, t := range j.Transitions {
		if t.JourneyID != "" && j.ID != "" && t.JourneyID != j.ID {
			errs = append(errs, fmt.Sprintf("transitions[%d] belongs to journey %q", i, t.JourneyID))
		}
		from, okFrom := states[t.FromStateID]
		if !okFrom {
			errs = append(errs, fmt.Sprintf("transitions[%d] from unknown state %q", i, t.FromStateID))
		}
		if _, ok := states[t.ToStateID]; !ok {
			errs = append(errs, fmt.Sprintf("transitions[%d] to unknown state %q", i, t.ToStateID))
		}
		if okFrom && IsFinal(from) {
			errs = append(errs, fmt.Sprintf("final state %q has an outgoing transition", from.ID))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("journey: validate %s: %s: %w", j.ID, strings.Join(errs, "; "), fault.ErrInvalidJourney)
	}
	return nil
}
