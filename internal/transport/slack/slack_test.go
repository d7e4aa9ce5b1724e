package slack

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"github.com/zulandar/waypoint/internal/transport"
)

// --- Mock Slack client ---

type mockSlackClient struct {
	mu        sync.Mutex
	authResp  *slackapi.AuthTestResponse
	authErr   error
	posted    []postedMessage
	postErr   error
	postFails int // rate-limit this many posts before succeeding
	replies   []slackapi.Message
	hasMore   bool
	cursor    string
	replyErr  error
	users     map[string]*slackapi.User
	userCalls int
}

type postedMessage struct {
	channelID string
	options   []slackapi.MsgOption
}

func newMockSlackClient() *mockSlackClient {
	return &mockSlackClient{
		authResp: &slackapi.AuthTestResponse{UserID: "U_BOT_123"},
		users:    make(map[string]*slackapi.User),
	}
}

func (m *mockSlackClient) AuthTest() (*slackapi.AuthTestResponse, error) {
	return m.authResp, m.authErr
}

func (m *mockSlackClient) PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.postFails > 0 {
		m.postFails--
		return "", "", &slackapi.RateLimitedError{RetryAfter: time.Millisecond}
	}
	if m.postErr != nil {
		return "", "", m.postErr
	}
	m.posted = append(m.posted, postedMessage{channelID: channelID, options: options})
	return channelID, "1234567890.123456", nil
}

func (m *mockSlackClient) GetConversationReplies(params *slackapi.GetConversationRepliesParameters) ([]slackapi.Message, bool, string, error) {
	if m.replyErr != nil {
		return nil, false, "", m.replyErr
	}
	return m.replies, m.hasMore, m.cursor, nil
}

func (m *mockSlackClient) GetUserInfo(userID string) (*slackapi.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userCalls++
	if u, ok := m.users[userID]; ok {
		return u, nil
	}
	return nil, fmt.Errorf("user not found: %s", userID)
}

func (m *mockSlackClient) postedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.posted)
}

func (m *mockSlackClient) lastPosted() postedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.posted[len(m.posted)-1]
}

// --- Mock Socket Mode client ---

type mockSocketClient struct {
	events chan socketmode.Event
	acked  []socketmode.Request
	mu     sync.Mutex
	done   chan struct{}
}

func newMockSocketClient() *mockSocketClient {
	return &mockSocketClient{
		events: make(chan socketmode.Event, 100),
		done:   make(chan struct{}),
	}
}

func (m *mockSocketClient) RunContext(ctx context.Context) error {
	select {
	case <-m.done:
	case <-ctx.Done():
	}
	return nil
}

func (m *mockSocketClient) EventsChan() chan socketmode.Event {
	return m.events
}

func (m *mockSocketClient) Ack(req socketmode.Request, payload ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked = append(m.acked, req)
}

func (m *mockSocketClient) ackedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.acked)
}

// failingSocketClient fails failCount runs before returning cleanly.
type failingSocketClient struct {
	mu        sync.Mutex
	failCount int
	runCalls  int
	events    chan socketmode.Event
}

func (f *failingSocketClient) RunContext(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runCalls++
	if f.runCalls <= f.failCount {
		return errors.New("connection refused")
	}
	return nil
}

func (f *failingSocketClient) EventsChan() chan socketmode.Event                  { return f.events }
func (f *failingSocketClient) Ack(req socketmode.Request, payload ...interface{}) {}

// --- Helpers ---

func newTestAdapter(t *testing.T) (*Adapter, *mockSlackClient, *mockSocketClient) {
	t.Helper()
	client := newMockSlackClient()
	socket := newMockSocketClient()

	a, err := New(AdapterOpts{Client: client, Socket: socket, ChannelID: "C_DEFAULT"})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { close(socket.done) })
	return a, client, socket
}

func callback(inner interface{}, envelope string) socketmode.Event {
	return socketmode.Event{
		Type: socketmode.EventTypeEventsAPI,
		Data: slackevents.EventsAPIEvent{
			Type:       slackevents.CallbackEvent,
			InnerEvent: slackevents.EventsAPIInnerEvent{Data: inner},
		},
		Request: &socketmode.Request{EnvelopeID: envelope},
	}
}

func receive(t *testing.T, ch <-chan transport.InboundMessage) transport.InboundMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for inbound message")
	}
	return transport.InboundMessage{}
}

// --- New / Connect ---

func TestNew_RequiresTokens(t *testing.T) {
	if _, err := New(AdapterOpts{AppToken: "xapp-test"}); err == nil {
		t.Error("expected error for missing bot token")
	}
	if _, err := New(AdapterOpts{BotToken: "xoxb-test"}); err == nil {
		t.Error("expected error for missing app token")
	}
}

func TestConnect_Success(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	if a.BotUserID() != "U_BOT_123" {
		t.Errorf("bot user ID = %q, want U_BOT_123", a.BotUserID())
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("second connect should be a no-op: %v", err)
	}
}

func TestConnect_AuthError(t *testing.T) {
	client := newMockSlackClient()
	client.authErr = fmt.Errorf("invalid token")
	a, _ := New(AdapterOpts{Client: client, Socket: newMockSocketClient()})

	err := a.Connect(context.Background())
	if err == nil || !strings.Contains(err.Error(), "auth test") {
		t.Errorf("error = %v, want auth test error", err)
	}
}

func TestConnect_AlreadyClosed(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	a.Close()
	if err := a.Connect(context.Background()); err == nil {
		t.Fatal("expected error for closed adapter")
	}
}

// --- Listen ---

func TestListen_NotConnected(t *testing.T) {
	a, _ := New(AdapterOpts{Client: newMockSlackClient(), Socket: newMockSocketClient()})
	if _, err := a.Listen(context.Background()); err == nil {
		t.Fatal("expected error for not connected")
	}
}

func TestListen_TopLevelMessageOpensThread(t *testing.T) {
	a, client, socket := newTestAdapter(t)
	client.users["U_ALICE"] = &slackapi.User{Profile: slackapi.UserProfile{DisplayName: "alice"}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := a.Listen(ctx)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	socket.events <- callback(&slackevents.MessageEvent{
		User: "U_ALICE", Channel: "C1", Text: "hello", TimeStamp: "1700000000.000001",
	}, "env-1")

	msg := receive(t, ch)
	if msg.Platform != Platform || msg.ChannelID != "C1" || msg.Text != "hello" {
		t.Errorf("msg = %+v", msg)
	}
	if msg.ThreadID != "1700000000.000001" {
		t.Errorf("thread = %q, want the message timestamp", msg.ThreadID)
	}
	if msg.UserName != "alice" {
		t.Errorf("user name = %q, want alice", msg.UserName)
	}
	if socket.ackedCount() != 1 {
		t.Errorf("acked = %d, want 1", socket.ackedCount())
	}
}

func TestListen_ThreadReplyKeepsThread(t *testing.T) {
	a, _, socket := newTestAdapter(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, _ := a.Listen(ctx)

	socket.events <- callback(&slackevents.MessageEvent{
		User: "U_ALICE", Channel: "C1", Text: "more", TimeStamp: "1700000005.000001", ThreadTimeStamp: "1700000000.000001",
	}, "env-1")

	if msg := receive(t, ch); msg.ThreadID != "1700000000.000001" {
		t.Errorf("thread = %q, want parent timestamp", msg.ThreadID)
	}
}

func TestListen_Filters(t *testing.T) {
	a, _, socket := newTestAdapter(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, _ := a.Listen(ctx)

	socket.events <- callback(&slackevents.MessageEvent{User: "U_BOT_123", Channel: "C1", Text: "self", TimeStamp: "1.1"}, "e1")
	socket.events <- callback(&slackevents.MessageEvent{User: "U_X", BotID: "B1", Channel: "C1", Text: "bot", TimeStamp: "1.2"}, "e2")
	socket.events <- callback(&slackevents.MessageEvent{User: "U_X", SubType: "message_changed", Channel: "C1", Text: "edit", TimeStamp: "1.3"}, "e3")
	socket.events <- callback(&slackevents.MessageEvent{User: "U_X", Channel: "C1", Text: "<@U_BOT_123> dup", TimeStamp: "1.4"}, "e4")
	socket.events <- callback(&slackevents.MessageEvent{User: "U_BOB", Channel: "C1", Text: "real", TimeStamp: "1.5"}, "e5")

	if msg := receive(t, ch); msg.Text != "real" {
		t.Errorf("first delivered = %q, want real", msg.Text)
	}
}

func TestListen_AppMentionStripsMention(t *testing.T) {
	a, _, socket := newTestAdapter(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, _ := a.Listen(ctx)

	socket.events <- callback(&slackevents.AppMentionEvent{
		User: "U_ALICE", Channel: "C1", Text: "<@U_BOT_123> where is my order?", TimeStamp: "1700000000.000001",
	}, "env-1")

	if msg := receive(t, ch); msg.Text != "where is my order?" {
		t.Errorf("text = %q, want mention stripped", msg.Text)
	}
}

// --- Send ---

func TestSend(t *testing.T) {
	a, client, _ := newTestAdapter(t)
	ctx := context.Background()

	if err := a.Send(ctx, transport.OutboundMessage{ChannelID: "C1", ThreadID: "1.1", Text: "hi"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := client.lastPosted(); got.channelID != "C1" || len(got.options) != 2 {
		t.Errorf("posted = %s with %d options, want C1 with 2", got.channelID, len(got.options))
	}

	if err := a.Send(ctx, transport.OutboundMessage{Text: "default"}); err != nil {
		t.Fatalf("send default: %v", err)
	}
	if got := client.lastPosted(); got.channelID != "C_DEFAULT" {
		t.Errorf("channel = %q, want C_DEFAULT", got.channelID)
	}
}

func TestSend_Errors(t *testing.T) {
	ctx := context.Background()

	notConnected, _ := New(AdapterOpts{Client: newMockSlackClient(), Socket: newMockSocketClient()})
	if err := notConnected.Send(ctx, transport.OutboundMessage{ChannelID: "C1", Text: "x"}); err == nil {
		t.Error("expected not connected error")
	}

	client := newMockSlackClient()
	noDefault, _ := New(AdapterOpts{Client: client, Socket: newMockSocketClient()})
	noDefault.Connect(ctx)
	if err := noDefault.Send(ctx, transport.OutboundMessage{Text: "x"}); err == nil || !strings.Contains(err.Error(), "no channel") {
		t.Errorf("error = %v, want no channel", err)
	}

	client.postErr = errors.New("channel_not_found")
	if err := noDefault.Send(ctx, transport.OutboundMessage{ChannelID: "C1", Text: "x"}); err == nil || !strings.Contains(err.Error(), "post message") {
		t.Errorf("error = %v, want post message error", err)
	}
}

func TestSend_RetriesOnRateLimit(t *testing.T) {
	a, client, _ := newTestAdapter(t)
	client.postFails = 2

	if err := a.Send(context.Background(), transport.OutboundMessage{ChannelID: "C1", Text: "x"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if client.postedCount() != 1 {
		t.Errorf("posted = %d, want 1", client.postedCount())
	}
}

// --- ThreadHistory ---

func TestThreadHistory(t *testing.T) {
	a, client, _ := newTestAdapter(t)
	client.users["U1"] = &slackapi.User{RealName: "Ann Real"}
	client.replies = []slackapi.Message{
		{Msg: slackapi.Msg{User: "U1", Text: "first", Timestamp: "1700000000.000001"}},
		{Msg: slackapi.Msg{User: "U2", Text: "second", Timestamp: "1700000001.000001"}},
		{Msg: slackapi.Msg{User: "U1", Text: "third", Timestamp: "1700000002.000001"}},
	}

	msgs, err := a.ThreadHistory(context.Background(), "C1", "1700000000.000001", 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2 (limit)", len(msgs))
	}
	if msgs[0].UserName != "Ann Real" || msgs[1].UserName != "U2" {
		t.Errorf("names = %q, %q", msgs[0].UserName, msgs[1].UserName)
	}

	client.mu.Lock()
	calls := client.userCalls
	client.mu.Unlock()
	if calls != 2 {
		t.Errorf("user lookups = %d, want 2 (cached)", calls)
	}
}

func TestThreadHistory_Error(t *testing.T) {
	a, client, _ := newTestAdapter(t)
	client.replyErr = errors.New("thread_not_found")
	if _, err := a.ThreadHistory(context.Background(), "C1", "1.1", 10); err == nil {
		t.Fatal("expected error")
	}
}

// --- Close ---

func TestClose_Idempotent(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	ch, _ := a.Listen(context.Background())
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Error("inbound channel should be closed")
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second close should not error: %v", err)
	}
}

// --- helpers ---

func TestAttachment(t *testing.T) {
	att := attachment(transport.FormattedEvent{
		Title: "Conversation completed",
		Body:  "Reason: resolved",
		Color: transport.ColorSuccess,
		Fields: []transport.Field{
			{Name: "Session", Value: "s1", Short: true},
		},
	})
	if att.Title != "Conversation completed" || att.Fallback != "Conversation completed" || att.Text != "Reason: resolved" || att.Color != transport.ColorSuccess {
		t.Errorf("attachment = %+v", att)
	}
	if len(att.Fields) != 1 || att.Fields[0].Title != "Session" || !att.Fields[0].Short {
		t.Errorf("fields = %+v", att.Fields)
	}
}

func TestMessageOptions(t *testing.T) {
	tests := []struct {
		name string
		msg  transport.OutboundMessage
		want int
	}{
		{"text", transport.OutboundMessage{Text: "hello"}, 1},
		{"thread", transport.OutboundMessage{Text: "reply", ThreadID: "1.1"}, 2},
		{"events", transport.OutboundMessage{Text: "fallback", Events: []transport.FormattedEvent{{Title: "T"}}}, 2},
		{"events no text", transport.OutboundMessage{Events: []transport.FormattedEvent{{Title: "T"}}}, 1},
		{"events in thread", transport.OutboundMessage{ThreadID: "1.1", Events: []transport.FormattedEvent{{Title: "T"}, {Title: "U"}}}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := len(messageOptions(tt.msg)); got != tt.want {
				t.Errorf("options = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestMessageTime(t *testing.T) {
	tests := []struct {
		ts        string
		wantSec   int64
		wantNanos int
		zero      bool
	}{
		{"1700000000.000250", 1700000000, 250000, false},
		{"1700000000.5", 1700000000, 500000000, false},
		{"1700000000", 1700000000, 0, false},
		{"1700000000.1234567", 1700000000, 123456000, false},
		{"", 0, 0, true},
		{"invalid", 0, 0, true},
	}
	for _, tt := range tests {
		got := messageTime(tt.ts)
		if tt.zero {
			if !got.IsZero() {
				t.Errorf("messageTime(%q) = %v, want zero", tt.ts, got)
			}
			continue
		}
		if got.Unix() != tt.wantSec || got.Nanosecond() != tt.wantNanos {
			t.Errorf("messageTime(%q) = %d.%09d, want %d.%09d", tt.ts, got.Unix(), got.Nanosecond(), tt.wantSec, tt.wantNanos)
		}
	}
}

func TestCallAPI(t *testing.T) {
	calls := 0
	err := callAPI(context.Background(), "post message", func() error {
		calls++
		return errors.New("boom")
	})
	if err == nil || calls != 1 || !strings.Contains(err.Error(), "slack: post message: boom") {
		t.Errorf("plain error: err=%v calls=%d, want one wrapped call", err, calls)
	}

	calls = 0
	err = callAPI(context.Background(), "post message", func() error {
		calls++
		return &slackapi.RateLimitedError{RetryAfter: time.Millisecond}
	})
	if err == nil || calls != rateLimitRetries+1 {
		t.Errorf("exhausted: err=%v calls=%d, want %d calls", err, calls, rateLimitRetries+1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = callAPI(ctx, "post message", func() error {
		return &slackapi.RateLimitedError{RetryAfter: time.Second}
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled: err=%v, want context.Canceled", err)
	}
}

func TestReconnectDelay(t *testing.T) {
	p := reconnectPolicy{first: 2 * time.Second, ceiling: 2 * time.Minute, attempts: 10}
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second, 64 * time.Second, 2 * time.Minute, 2 * time.Minute}
	for n, w := range want {
		if got := p.delay(n); got != w {
			t.Errorf("delay(%d) = %v, want %v", n, got, w)
		}
	}
	if got := p.delay(500); got != 2*time.Minute {
		t.Errorf("delay(500) = %v, want the ceiling", got)
	}
}

func TestKeepAlive_RetriesDrops(t *testing.T) {
	socket := &failingSocketClient{failCount: 2, events: make(chan socketmode.Event, 10)}
	a, err := New(AdapterOpts{Client: newMockSlackClient(), Socket: socket})
	if err != nil {
		t.Fatal(err)
	}
	a.reconnect = reconnectPolicy{first: time.Millisecond, ceiling: 10 * time.Millisecond, attempts: 5}

	done := make(chan struct{})
	go func() {
		a.keepAlive(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("keepAlive should return once a run ends cleanly")
	}

	socket.mu.Lock()
	defer socket.mu.Unlock()
	if socket.runCalls != 3 {
		t.Errorf("runs = %d, want 3", socket.runCalls)
	}
}

func TestClose_StopsSocket(t *testing.T) {
	client := newMockSlackClient()
	socket := newMockSocketClient()
	a, _ := New(AdapterOpts{Client: client, Socket: socket})
	if err := a.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Listen(context.Background()); err != nil {
		t.Fatal(err)
	}
	a.Close()
	if err := a.Send(context.Background(), transport.OutboundMessage{ChannelID: "C1", Text: "x"}); err == nil {
		t.Error("send after close should fail")
	}
	if _, err := a.Listen(context.Background()); err == nil {
		t.Error("listen after close should fail")
	}
}
