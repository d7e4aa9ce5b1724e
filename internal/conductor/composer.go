package conductor

import (
	"context"
	"encoding/json"

	"github.com/zulandar/waypoint/internal/canned"
	"github.com/zulandar/waypoint/internal/guideline"
	"github.com/zulandar/waypoint/internal/models"
)

// Draft is everything a composer may draw on for one reply.
type Draft struct {
	Agent      *models.Agent
	Message    string
	Guidelines []guideline.Matched
	State      *models.JourneyState
	Variables  map[string]json.RawMessage
	Events     []models.Event
}

// Reply is a composed agent message. Empty text means stay silent.
type Reply struct {
	Text   string
	Tokens int
	Cost   float64
}

// Composer generates agent replies. Model-backed implementations live
// outside the runtime.
type Composer interface {
	Compose(ctx context.Context, d *Draft) (*Reply, error)
}

// ComposerFunc adapts a function to Composer.
type ComposerFunc func(ctx context.Context, d *Draft) (*Reply, error)

// Compose calls f.
func (f ComposerFunc) Compose(ctx context.Context, d *Draft) (*Reply, error) { return f(ctx, d) }

// EchoComposer replies with the top guideline's action, or else the current
// state's prompt, with variables rendered in.
type EchoComposer struct{}

// Compose implements Composer.
func (EchoComposer) Compose(_ context.Context, d *Draft) (*Reply, error) {
	var text string
	switch {
	case len(d.Guidelines) > 0:
		text = d.Guidelines[0].Guideline.Action
	case d.State != nil:
		text = d.State.Prompt
	}
	return &Reply{Text: canned.Render(text, d.Variables)}, nil
}
