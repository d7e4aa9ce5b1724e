package transport

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	errMockClosed       = errors.New("mock adapter: closed")
	errMockDisconnected = errors.New("mock adapter: not connected")
)

type threadKey struct{ channel, thread string }

// MockAdapter is an in-memory Adapter for tests of code that drives a
// platform. Inbound traffic is injected with SimulateInbound and everything
// sent is kept for inspection.
type MockAdapter struct {
	mu      sync.Mutex
	up      bool
	closed  bool
	botID   string
	sendErr error
	sent    []OutboundMessage
	history map[threadKey][]ThreadMessage
	changed chan struct{} // closed and replaced on every successful Send
	inbound chan InboundMessage
}

// NewMockAdapter creates a disconnected MockAdapter.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		history: make(map[threadKey][]ThreadMessage),
		changed: make(chan struct{}),
		inbound: make(chan InboundMessage, 100),
	}
}

func (m *MockAdapter) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errMockClosed
	}
	m.up = true
	return nil
}

func (m *MockAdapter) Listen(ctx context.Context) (<-chan InboundMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.up {
		return nil, errMockDisconnected
	}
	return m.inbound, nil
}

func (m *MockAdapter) Send(ctx context.Context, msg OutboundMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case !m.up:
		return errMockDisconnected
	case m.sendErr != nil:
		return m.sendErr
	}
	m.sent = append(m.sent, msg)
	close(m.changed)
	m.changed = make(chan struct{})
	return nil
}

// ThreadHistory returns the last limit messages set with SetThreadHistory.
func (m *MockAdapter) ThreadHistory(ctx context.Context, channelID, threadID string, limit int) ([]ThreadMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.history[threadKey{channelID, threadID}]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (m *MockAdapter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed, m.up = true, false
		close(m.inbound)
	}
	return nil
}

func (m *MockAdapter) BotUserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.botID
}

func (m *MockAdapter) SetBotUserID(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.botID = id
}

// SimulateInbound queues msg as if a user had posted it, stamping the
// current time when msg has none.
func (m *MockAdapter) SimulateInbound(msg InboundMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	m.inbound <- msg
}

// SetSendError makes Send fail with err until it is reset with nil.
func (m *MockAdapter) SetSendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

func (m *MockAdapter) SetThreadHistory(channelID, threadID string, msgs []ThreadMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[threadKey{channelID, threadID}] = msgs
}

// WaitSent waits up to timeout for n messages to have been sent and returns
// whatever was sent by then.
func (m *MockAdapter) WaitSent(n int, timeout time.Duration) []OutboundMessage {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		m.mu.Lock()
		sent, changed := m.snapshot(), m.changed
		m.mu.Unlock()
		if len(sent) >= n {
			return sent
		}
		select {
		case <-changed:
		case <-timer.C:
			return m.AllSent()
		}
	}
}

func (m *MockAdapter) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// AllSent returns a copy of every message sent so far.
func (m *MockAdapter) AllSent() []OutboundMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot()
}

func (m *MockAdapter) snapshot() []OutboundMessage {
	return append([]OutboundMessage(nil), m.sent...)
}
