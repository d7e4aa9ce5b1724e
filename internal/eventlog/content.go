package eventlog

import (
	"encoding/json"
	"fmt"

	"github.com/zulandar/waypoint/internal/fault"
	"github.com/zulandar/waypoint/internal/models"
	"gorm.io/datatypes"
)

// Content is the typed payload of an event. The concrete type determines the
// event's type column.
type Content interface {
	EventType() string
}

// CustomerMessage is an inbound message from the customer.
type CustomerMessage struct {
	Text     string `json:"text"`
	Platform string `json:"platform,omitempty"`
	Tokens   int    `json:"tokens,omitempty"`
}

// AgentMessage is an outbound agent response.
type AgentMessage struct {
	Text             string  `json:"text"`
	CannedResponseID uint    `json:"canned_response_id,omitempty"`
	GuidelineIDs     []uint  `json:"guideline_ids,omitempty"`
	Tokens           int     `json:"tokens,omitempty"`
	Cost             float64 `json:"cost,omitempty"`
}

// ToolCall records the start of a tool invocation.
type ToolCall struct {
	ToolID     string          `json:"tool_id"`
	ToolCallID string          `json:"tool_call_id"`
	Args       json.RawMessage `json:"args,omitempty"`
}

// ToolError is the error payload of a failed tool result.
type ToolError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ToolResult records the terminal outcome of a tool invocation.
type ToolResult struct {
	ToolID     string          `json:"tool_id"`
	ToolCallID string          `json:"tool_call_id"`
	OK         bool            `json:"ok"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *ToolError      `json:"error,omitempty"`
	Attempts   int             `json:"attempts"`
	DurationMs int64           `json:"duration_ms"`
	Orphaned   bool            `json:"orphaned,omitempty"`
}

// StatusUpdate changes session status or mode, or announces a lifecycle
// milestone such as journey completion.
type StatusUpdate struct {
	Status    string `json:"status,omitempty"`
	Mode      string `json:"mode,omitempty"`
	Reason    string `json:"reason,omitempty"`
	JourneyID string `json:"journey_id,omitempty"`
}

// JourneyTransition moves the session within (or out of) a journey.
// An empty FromStateID marks entry into a new journey instance.
type JourneyTransition struct {
	JourneyID    string `json:"journey_id"`
	FromStateID  string `json:"from_state_id,omitempty"`
	ToStateID    string `json:"to_state_id"`
	TransitionID string `json:"transition_id,omitempty"`
	Skipped      bool   `json:"skipped,omitempty"`
	Final        bool   `json:"final,omitempty"`
}

// VariableUpdate sets or deletes a session-scoped variable.
type VariableUpdate struct {
	Key     string          `json:"key"`
	Value   json.RawMessage `json:"value,omitempty"`
	Deleted bool            `json:"deleted,omitempty"`
	Private bool            `json:"private,omitempty"`
}

func (CustomerMessage) EventType() string   { return models.EventCustomerMessage }
func (AgentMessage) EventType() string      { return models.EventAgentMessage }
func (ToolCall) EventType() string          { return models.EventToolCall }
func (ToolResult) EventType() string        { return models.EventToolResult }
func (StatusUpdate) EventType() string      { return models.EventStatusUpdate }
func (JourneyTransition) EventType() string { return models.EventJourneyTransition }
func (VariableUpdate) EventType() string    { return models.EventVariableUpdate }

// EncodeContent serializes a content payload for storage.
func EncodeContent(c Content) (datatypes.JSON, error) {
	if c == nil {
		return nil, fmt.Errorf("eventlog: encode: nil content: %w", fault.ErrInvalidInput)
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("eventlog: encode %s: %w", c.EventType(), err)
	}
	return datatypes.JSON(data), nil
}

// DecodeContent parses a stored payload into the variant named by eventType.
func DecodeContent(eventType string, raw []byte) (Content, error) {
	var (
		c   Content
		err error
	)
	switch eventType {
	case models.EventCustomerMessage:
		var v CustomerMessage
		err = unmarshal(raw, &v)
		c = v
	case models.EventAgentMessage:
		var v AgentMessage
		err = unmarshal(raw, &v)
		c = v
	case models.EventToolCall:
		var v ToolCall
		err = unmarshal(raw, &v)
		c = v
	case models.EventToolResult:
		var v ToolResult
		err = unmarshal(raw, &v)
		c = v
	case models.EventStatusUpdate:
		var v StatusUpdate
		err = unmarshal(raw, &v)
		c = v
	case models.EventJourneyTransition:
		var v JourneyTransition
		err = unmarshal(raw, &v)
		c = v
	case models.EventVariableUpdate:
		var v VariableUpdate
		err = unmarshal(raw, &v)
		c = v
	default:
		return nil, fmt.Errorf("eventlog: unknown event type %q: %w", eventType, fault.ErrInvalidInput)
	}
	if err != nil {
		return nil, fmt.Errorf("eventlog: decode %s: %v: %w", eventType, err, fault.ErrInvalidInput)
	}
	return c, nil
}

func unmarshal(raw []byte, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// Decode returns the typed content of a stored event.
func Decode(ev models.Event) (Content, error) {
	return DecodeContent(ev.Type, ev.Content)
}
