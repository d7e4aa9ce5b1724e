package transport

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/zulandar/waypoint/internal/canned"
	"github.com/zulandar/waypoint/internal/condition"
	"github.com/zulandar/waypoint/internal/conductor"
	"github.com/zulandar/waypoint/internal/db"
	"github.com/zulandar/waypoint/internal/eventlog"
	"github.com/zulandar/waypoint/internal/fault"
	"github.com/zulandar/waypoint/internal/guideline"
	"github.com/zulandar/waypoint/internal/journey"
	"github.com/zulandar/waypoint/internal/models"
	"github.com/zulandar/waypoint/internal/tool"
	"github.com/zulandar/waypoint/internal/variable"
)

func testConductor(t *testing.T) *conductor.Conductor {
	t.Helper()
	gdb, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("open memory db: %v", err)
	}
	gdb.Create(&models.Agent{ID: "support", WorkspaceID: "ws", Name: "Support"})

	l := eventlog.New(gdb, eventlog.NewBus())
	eval := condition.New(nil)
	c := conductor.New(conductor.Deps{
		Log:        l,
		Variables:  variable.New(l),
		Guidelines: guideline.NewMatcher(gdb, eval),
		Journeys:   journey.New(l, eval),
		Canned:     canned.NewSelector(gdb, eval),
		Tools:      tool.NewInvoker(tool.NewRegistry(gdb), l, 10),
	}, conductor.Options{})

	g := &models.Guideline{AgentID: "support", Condition: "customer wants a refund", Action: "I can help with that refund.", Enabled: true}
	if err := c.Guidelines.Create(context.Background(), g); err != nil {
		t.Fatalf("create guideline: %v", err)
	}
	return c
}

func newTestBridge(t *testing.T) (*Bridge, *MockAdapter, *conductor.Conductor) {
	t.Helper()
	c := testConductor(t)
	adapter := NewMockAdapter()
	b, err := NewBridge(BridgeOpts{Adapter: adapter, Conductor: c, Platform: "slack", AgentID: "support"})
	if err != nil {
		t.Fatalf("NewBridge: %v", err)
	}
	return b, adapter, c
}

// runBridge starts b.Run in the background and returns a stop func that
// cancels it and waits for it to return.
func runBridge(t *testing.T, b *Bridge) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("bridge did not stop")
		}
	}
}

func refund(channel, thread, user string) InboundMessage {
	return InboundMessage{
		Platform:  "slack",
		ChannelID: channel,
		ThreadID:  thread,
		UserID:    user,
		UserName:  strings.ToLower(user),
		Text:      "I want a refund please",
	}
}

func TestNewBridge_Validation(t *testing.T) {
	c := testConductor(t)
	tests := []struct {
		name string
		opts BridgeOpts
		want string
	}{
		{"no adapter", BridgeOpts{Conductor: c, Platform: "slack", AgentID: "support"}, "adapter is required"},
		{"no conductor", BridgeOpts{Adapter: NewMockAdapter(), Platform: "slack", AgentID: "support"}, "conductor is required"},
		{"no platform", BridgeOpts{Adapter: NewMockAdapter(), Conductor: c, AgentID: "support"}, "platform is required"},
		{"no agent", BridgeOpts{Adapter: NewMockAdapter(), Conductor: c, Platform: "slack"}, "agent id is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewBridge(tt.opts)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want to contain %q", err, tt.want)
			}
		})
	}
}

func TestHandle_OneSessionPerThread(t *testing.T) {
	b, _, c := newTestBridge(t)
	ctx := context.Background()

	if err := b.Handle(ctx, refund("C1", "T1", "U1")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	first, err := b.SessionFor(ctx, "C1", "T1")
	if err != nil {
		t.Fatalf("SessionFor: %v", err)
	}
	sess, err := c.Log.Session(ctx, first)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if sess.Channel != "slack" || sess.CustomerID != "slack:U1" || sess.AgentID != "support" {
		t.Errorf("session = %+v, want slack channel, customer slack:U1, agent support", sess)
	}

	if err := b.Handle(ctx, refund("C1", "T1", "U2")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	again, _ := b.SessionFor(ctx, "C1", "T1")
	if again != first {
		t.Errorf("second message went to session %s, want %s", again, first)
	}

	if err := b.Handle(ctx, refund("C1", "T2", "U1")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	other, _ := b.SessionFor(ctx, "C1", "T2")
	if other == first {
		t.Error("different thread shared a session")
	}

	events, err := c.Log.Replay(ctx, first, 0)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	var customer int
	for _, ev := range events {
		if ev.Type == models.EventCustomerMessage {
			customer++
			content, _ := eventlog.Decode(ev)
			if p := content.(eventlog.CustomerMessage).Platform; p != "slack" {
				t.Errorf("platform = %q, want slack", p)
			}
		}
	}
	if customer != 2 {
		t.Errorf("customer messages = %d, want 2", customer)
	}
}

func TestHandle_TopLevelMessagesShareChannelSession(t *testing.T) {
	b, _, _ := newTestBridge(t)
	ctx := context.Background()

	b.Handle(ctx, refund("C1", "", "U1"))
	b.Handle(ctx, refund("C1", "", "U1"))

	var rows []models.TransportThread
	b.db.Find(&rows)
	if len(rows) != 1 {
		t.Fatalf("thread rows = %d, want 1", len(rows))
	}
	if rows[0].ThreadID != "" || rows[0].ChannelID != "C1" {
		t.Errorf("row = %+v, want channel C1 with empty thread", rows[0])
	}
}

func TestHandle_IgnoresSelfAndEmptyMessages(t *testing.T) {
	b, adapter, _ := newTestBridge(t)
	adapter.SetBotUserID("U_BOT")
	ctx := context.Background()

	if err := b.Handle(ctx, refund("C1", "T1", "U_BOT")); err != nil {
		t.Fatalf("Handle self: %v", err)
	}
	blank := refund("C1", "T1", "U1")
	blank.Text = "   "
	if err := b.Handle(ctx, blank); err != nil {
		t.Fatalf("Handle blank: %v", err)
	}

	_, err := b.SessionFor(ctx, "C1", "T1")
	if !errors.Is(err, fault.ErrNotFound) {
		t.Errorf("SessionFor = %v, want ErrNotFound", err)
	}
}

func TestHandle_ClosedSessionIsReplaced(t *testing.T) {
	b, _, c := newTestBridge(t)
	ctx := context.Background()

	b.Handle(ctx, refund("C1", "T1", "U1"))
	first, _ := b.SessionFor(ctx, "C1", "T1")
	if _, err := c.Complete(ctx, first, "resolved"); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if err := b.Handle(ctx, refund("C1", "T1", "U1")); err != nil {
		t.Fatalf("Handle after close: %v", err)
	}
	second, _ := b.SessionFor(ctx, "C1", "T1")
	if second == first {
		t.Fatal("thread still mapped to the closed session")
	}

	var count int64
	b.db.Model(&models.TransportThread{}).Count(&count)
	if count != 1 {
		t.Errorf("thread rows = %d, want 1", count)
	}
}

func TestHandle_SeedsThreadHistory(t *testing.T) {
	b, adapter, c := newTestBridge(t)
	ctx := context.Background()
	adapter.SetThreadHistory("C1", "T1", []ThreadMessage{
		{UserID: "U2", UserName: "bob", Text: "did anyone see my order?"},
		{UserID: "U3", Text: "not yet"},
		{UserID: "U1", UserName: "u1", Text: "I want a refund please"},
	})

	if err := b.Handle(ctx, refund("C1", "T1", "U1")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	sid, _ := b.SessionFor(ctx, "C1", "T1")
	v, err := c.Variables.Get(ctx, models.ScopeSession, sid, HistoryVariable)
	if err != nil {
		t.Fatalf("Get %s: %v", HistoryVariable, err)
	}
	want := `"bob: did anyone see my order?\nU3: not yet\n"`
	if string(v.Value) != want {
		t.Errorf("history = %s, want %s", v.Value, want)
	}
}

func TestRun_RelaysRepliesToThread(t *testing.T) {
	b, adapter, c := newTestBridge(t)
	stop := runBridge(t, b)
	defer stop()

	// A session started outside the bridge must not be relayed.
	ctx := context.Background()
	sess, err := c.StartSession(ctx, conductor.StartOpts{AgentID: "support"})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if _, err := c.HandleMessage(ctx, sess.ID, eventlog.CustomerMessage{Text: "I want a refund please"}); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	adapter.SimulateInbound(refund("C1", "T1", "U1"))

	sent := adapter.WaitSent(1, 2*time.Second)
	if len(sent) != 1 {
		t.Fatalf("sent = %d messages, want 1: %+v", len(sent), sent)
	}
	got := sent[0]
	if got.ChannelID != "C1" || got.ThreadID != "T1" {
		t.Errorf("sent to %s/%s, want C1/T1", got.ChannelID, got.ThreadID)
	}
	if got.Text != "I can help with that refund." {
		t.Errorf("text = %q", got.Text)
	}
}

func TestRun_PostsClosingNotice(t *testing.T) {
	b, adapter, c := newTestBridge(t)
	stop := runBridge(t, b)
	defer stop()

	adapter.SimulateInbound(refund("C1", "T1", "U1"))
	if sent := adapter.WaitSent(1, 2*time.Second); len(sent) != 1 {
		t.Fatalf("sent = %d, want the reply first", len(sent))
	}

	ctx := context.Background()
	sid, err := b.SessionFor(ctx, "C1", "T1")
	if err != nil {
		t.Fatalf("SessionFor: %v", err)
	}
	if _, err := c.Abandon(ctx, sid, "idle"); err != nil {
		t.Fatalf("Abandon: %v", err)
	}

	sent := adapter.WaitSent(2, 2*time.Second)
	if len(sent) != 2 {
		t.Fatalf("sent = %d, want 2", len(sent))
	}
	notice := sent[1]
	if notice.ThreadID != "T1" || len(notice.Events) != 1 {
		t.Fatalf("notice = %+v", notice)
	}
	evt := notice.Events[0]
	if evt.Title != "Conversation closed" || evt.Color != ColorWarning {
		t.Errorf("event = %+v, want warning 'Conversation closed'", evt)
	}
	if evt.Body != "Reason: idle" {
		t.Errorf("body = %q, want %q", evt.Body, "Reason: idle")
	}
}

func TestRun_StopsWhenInboundCloses(t *testing.T) {
	b, adapter, _ := newTestBridge(t)
	done := make(chan error, 1)
	go func() { done <- b.Run(context.Background()) }()

	// Wait for the bridge to subscribe before closing the adapter.
	deadline := time.Now().Add(2 * time.Second)
	for b.cond.Log.Bus().Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	adapter.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the adapter closed")
	}
	if n := b.cond.Log.Bus().Subscribers(); n != 0 {
		t.Errorf("subscribers = %d, want 0", n)
	}
}

func TestRelay_FillsOffsetGapsFromLog(t *testing.T) {
	b, adapter, c := newTestBridge(t)
	ctx := context.Background()

	// Handle without Run: nothing reaches the adapter through the bus.
	if err := b.Handle(ctx, refund("C1", "T1", "U1")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	sid, _ := b.SessionFor(ctx, "C1", "T1")
	if _, err := c.Complete(ctx, sid, "resolved"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	events, err := c.Log.Replay(ctx, sid, 0)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	last := events[len(events)-1]

	// Only the final event arrives; everything before it was dropped.
	ch := make(chan models.Event, 2)
	ch <- last
	ch <- last
	close(ch)
	b.relay(ctx, ch)

	sent := adapter.AllSent()
	if len(sent) != 2 {
		t.Fatalf("sent = %d messages, want reply and closing notice: %+v", len(sent), sent)
	}
	if sent[0].Text != "I can help with that refund." || sent[0].ThreadID != "T1" {
		t.Errorf("first = %+v, want the refund reply in T1", sent[0])
	}
	if len(sent[1].Events) != 1 || sent[1].Events[0].Title != "Conversation completed" {
		t.Errorf("second = %+v, want the completion notice", sent[1])
	}
	if got, _ := b.cursor(sid); got != last.Offset {
		t.Errorf("cursor = %d, want %d", got, last.Offset)
	}
}

func TestCatchUp_RecoversTailAndForgetsClosedSessions(t *testing.T) {
	b, adapter, c := newTestBridge(t)
	ctx := context.Background()

	if err := b.Handle(ctx, refund("C1", "T1", "U1")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	sid, _ := b.SessionFor(ctx, "C1", "T1")

	b.catchUpSessions(ctx)
	if sent := adapter.AllSent(); len(sent) != 1 || sent[0].Text != "I can help with that refund." {
		t.Fatalf("sent = %+v, want the dropped reply", sent)
	}
	b.catchUpSessions(ctx)
	if n := adapter.SentCount(); n != 1 {
		t.Errorf("sent = %d after a second catch-up, want 1", n)
	}
	if _, ok := b.cursor(sid); !ok {
		t.Fatal("active session should stay tracked")
	}

	if _, err := c.Abandon(ctx, sid, "idle"); err != nil {
		t.Fatalf("Abandon: %v", err)
	}
	b.catchUpSessions(ctx)
	if n := adapter.SentCount(); n != 2 {
		t.Errorf("sent = %d, want the closing notice recovered", n)
	}
	b.catchUpSessions(ctx)
	if _, ok := b.cursor(sid); ok {
		t.Error("closed and fully relayed session should be forgotten")
	}
}
