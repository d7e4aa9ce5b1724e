package transport

import (
	"fmt"
	"strings"

	"github.com/zulandar/waypoint/internal/eventlog"
	"github.com/zulandar/waypoint/internal/models"
)

// Color constants for event severity.
const (
	ColorSuccess = "#36a64f"
	ColorInfo    = "#2196f3"
	ColorWarning = "#ff9800"
	ColorError   = "#e53935"
)

// maxMessageLen is the longest chunk sent in one platform message. Discord
// caps messages at 2000 characters; Slack allows more.
const maxMessageLen = 2000

// severityColor maps a severity string to a sidebar color.
func severityColor(severity string) string {
	switch severity {
	case "success":
		return ColorSuccess
	case "info":
		return ColorInfo
	case "warning":
		return ColorWarning
	case "error":
		return ColorError
	default:
		return ColorInfo
	}
}

// FormatStatus renders a session status update for chat. ok is false for
// updates that are not worth posting (mode changes, start notices).
func FormatStatus(sessionID string, su eventlog.StatusUpdate) (FormattedEvent, bool) {
	var evt FormattedEvent
	switch su.Status {
	case models.SessionCompleted:
		evt = FormattedEvent{Title: "Conversation completed", Severity: "success"}
	case models.SessionAbandoned:
		evt = FormattedEvent{Title: "Conversation closed", Severity: "warning"}
	default:
		switch su.Reason {
		case "ambiguous_transition":
			evt = FormattedEvent{Title: "Needs attention", Body: "The conversation flow could not decide how to continue.", Severity: "error"}
		case "journey_step_limit":
			evt = FormattedEvent{Title: "Needs attention", Body: "The conversation flow stopped after too many steps.", Severity: "warning"}
		default:
			return FormattedEvent{}, false
		}
	}
	if evt.Body == "" && su.Reason != "" {
		evt.Body = fmt.Sprintf("Reason: %s", su.Reason)
	}
	evt.Color = severityColor(evt.Severity)
	evt.Fields = []Field{{Name: "Session", Value: sessionID, Short: true}}
	if su.JourneyID != "" {
		evt.Fields = append(evt.Fields, Field{Name: "Journey", Value: su.JourneyID, Short: true})
	}
	return evt, true
}

// chunkMessage splits text into chunks of at most maxLen characters.
// It prefers breaking at newlines when possible.
func chunkMessage(text string, maxLen int) []string {
	if maxLen <= 0 {
		maxLen = maxMessageLen
	}
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}

		// Break at a newline in the second half of the chunk if there is one.
		chunk := text[:maxLen]
		breakAt := -1
		for i := maxLen - 1; i >= maxLen/2; i-- {
			if chunk[i] == '\n' {
				breakAt = i
				break
			}
		}

		if breakAt >= 0 {
			chunks = append(chunks, text[:breakAt])
			text = text[breakAt+1:]
		} else {
			chunks = append(chunks, chunk)
			text = text[maxLen:]
		}
	}
	return chunks
}

// historyText flattens a thread history into "name: text" lines.
func historyText(msgs []ThreadMessage) string {
	var b strings.Builder
	for _, m := range msgs {
		name := m.UserName
		if name == "" {
			name = m.UserID
		}
		fmt.Fprintf(&b, "%s: %s\n", name, m.Text)
	}
	return b.String()
}
