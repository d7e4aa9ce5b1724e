package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/waypoint/internal/fault"
)

const heartbeatInterval = 15 * time.Second

// streamEvent is the payload of one SSE message.
type streamEvent struct {
	SessionID string          `json:"session_id"`
	Offset    int64           `json:"offset"`
	Type      string          `json:"type"`
	Content   json.RawMessage `json:"content"`
	JourneyID *string         `json:"journey_id,omitempty"`
	StateID   *string         `json:"state_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// stream pushes each event appended to the session as an SSE message named
// after the event type.
func (h *handlers) stream(c *gin.Context) {
	sessionID := c.Param("id")
	bus := h.Conductor.Log.Bus()
	if bus == nil {
		respondError(c, fmt.Errorf("event streaming is not configured: %w", fault.ErrInvalidInput))
		return
	}
	if _, err := h.Conductor.Log.Session(c.Request.Context(), sessionID); err != nil {
		respondError(c, err)
		return
	}

	events, cancel := bus.Subscribe(sessionID, 0)
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	writeSSE(c.Writer, "connected", map[string]string{"session_id": sessionID})
	c.Writer.Flush()

	ctx := c.Request.Context()
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			writeSSE(c.Writer, "heartbeat", map[string]string{
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
			c.Writer.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			writeSSE(c.Writer, ev.Type, streamEvent{
				SessionID: ev.SessionID,
				Offset:    ev.Offset,
				Type:      ev.Type,
				Content:   json.RawMessage(ev.Content),
				JourneyID: ev.JourneyID,
				StateID:   ev.StateID,
				CreatedAt: ev.CreatedAt,
			})
			c.Writer.Flush()
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
