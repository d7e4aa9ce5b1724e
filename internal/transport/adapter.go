// Package transport serves conversations over chat platforms. A Bridge maps
// each platform thread to one session and relays the session's replies and
// closing notices back to that thread.
package transport

import (
	"context"
	"time"
)

// Adapter is one chat platform connection.
//
// Connect must succeed before Listen or Send. The channel Listen returns is
// closed by Close, after which the adapter cannot be reused.
type Adapter interface {
	Connect(ctx context.Context) error
	Listen(ctx context.Context) (<-chan InboundMessage, error)
	Send(ctx context.Context, msg OutboundMessage) error
	Close() error
}

// HistoryReader reads back a thread's messages, oldest first. The bridge
// uses it to give a session joining a busy thread its earlier context.
type HistoryReader interface {
	ThreadHistory(ctx context.Context, channelID, threadID string, limit int) ([]ThreadMessage, error)
}

// BotIdentity reports the platform user the adapter posts as, so the bridge
// can ignore the agent's own replies echoed back by the platform.
type BotIdentity interface {
	BotUserID() string
}

// InboundMessage is a customer message read from a platform. ThreadID is
// empty for messages outside any thread.
type InboundMessage struct {
	Platform  string
	ChannelID string
	ThreadID  string
	UserID    string
	UserName  string
	Text      string
	Timestamp time.Time
}

// OutboundMessage is posted to ChannelID, inside ThreadID when set. Text is
// in the platform's own markup; Events render as attachments or embeds.
type OutboundMessage struct {
	ChannelID string
	ThreadID  string
	Text      string
	Events    []FormattedEvent
}

// FormattedEvent is a session notice prepared for chat display. Color is a
// "#rrggbb" hint derived from Severity.
type FormattedEvent struct {
	Title    string
	Body     string
	Severity string // info, success, warning, error
	Color    string
	Fields   []Field
}

// Field is one labelled value on a FormattedEvent. Short fields may share a
// row.
type Field struct {
	Name  string
	Value string
	Short bool
}

// ThreadMessage is one entry of a thread's history.
type ThreadMessage struct {
	UserID    string
	UserName  string
	Text      string
	Timestamp time.Time
}
