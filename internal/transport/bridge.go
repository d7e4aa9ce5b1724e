package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/zulandar/waypoint/internal/conductor"
	"github.com/zulandar/waypoint/internal/eventlog"
	"github.com/zulandar/waypoint/internal/fault"
	"github.com/zulandar/waypoint/internal/models"
	"github.com/zulandar/waypoint/internal/variable"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultHistoryLimit    = 20
	defaultCatchUpInterval = 10 * time.Second
	defaultSendRate        = 1 // messages per second
	sendBurst              = 5
)

// HistoryVariable is the session variable holding a thread's earlier messages
// when a session joins a thread that already has history.
const HistoryVariable = "thread_history"

// BridgeOpts holds parameters for creating a Bridge.
type BridgeOpts struct {
	Adapter      Adapter
	Conductor    *conductor.Conductor
	Platform     string // slack, discord
	AgentID      string // agent that serves every bridged thread
	HistoryLimit int    // thread messages imported into a new session (default 20)

	// CatchUpInterval is how often bridged sessions are checked against the
	// log for events the bus dropped (default 10s).
	CatchUpInterval time.Duration

	// SendRate caps outbound messages per second, with bursts of five
	// (default 1).
	SendRate float64
}

// Bridge connects one chat Adapter to the conductor. Each platform thread is
// served by one session; agent replies and lifecycle notices of bridged
// sessions are posted back to their thread.
type Bridge struct {
	adapter      Adapter
	cond         *conductor.Conductor
	db           *gorm.DB
	platform     string
	agentID      string
	historyLimit int
	catchUp      time.Duration
	sendLimit    *rate.Limiter
	routes       sync.Map // session ID -> route
	cursors      sync.Map // session ID -> last relayed offset
}

type route struct {
	channelID string
	threadID  string
}

// NewBridge creates a Bridge.
func NewBridge(opts BridgeOpts) (*Bridge, error) {
	if opts.Adapter == nil {
		return nil, fmt.Errorf("transport: adapter is required")
	}
	if opts.Conductor == nil {
		return nil, fmt.Errorf("transport: conductor is required")
	}
	if opts.Platform == "" {
		return nil, fmt.Errorf("transport: platform is required")
	}
	if opts.AgentID == "" {
		return nil, fmt.Errorf("transport: %s: agent id is required", opts.Platform)
	}
	limit := opts.HistoryLimit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	interval := opts.CatchUpInterval
	if interval <= 0 {
		interval = defaultCatchUpInterval
	}
	sendRate := opts.SendRate
	if sendRate <= 0 {
		sendRate = defaultSendRate
	}
	return &Bridge{
		adapter:      opts.Adapter,
		cond:         opts.Conductor,
		db:           opts.Conductor.Log.DB(),
		platform:     opts.Platform,
		agentID:      opts.AgentID,
		historyLimit: limit,
		catchUp:      interval,
		sendLimit:    rate.NewLimiter(rate.Limit(sendRate), sendBurst),
	}, nil
}

// Run connects the adapter and serves until ctx is cancelled or the adapter's
// inbound channel closes. The adapter is closed on return.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("transport: %s: connect: %w", b.platform, err)
	}
	inbound, err := b.adapter.Listen(ctx)
	if err != nil {
		b.adapter.Close()
		return fmt.Errorf("transport: %s: listen: %w", b.platform, err)
	}

	events, unsubscribe := b.cond.Log.Bus().Subscribe("", 256)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.relay(ctx, events)
	}()
	defer func() {
		unsubscribe()
		wg.Wait()
	}()

	log.Printf("transport: %s: bridge running for agent %s", b.platform, b.agentID)
	for {
		select {
		case <-ctx.Done():
			log.Printf("transport: %s: shutting down", b.platform)
			return b.adapter.Close()
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			if err := b.Handle(ctx, msg); err != nil {
				log.Printf("transport: %s: %v", b.platform, err)
			}
		}
	}
}

// Handle routes one inbound message into its thread's session, starting a
// session when the thread has none or its session has closed.
func (b *Bridge) Handle(ctx context.Context, msg InboundMessage) error {
	if b.isSelfMessage(msg) || strings.TrimSpace(msg.Text) == "" {
		return nil
	}
	sessionID, err := b.session(ctx, msg)
	if err != nil {
		return err
	}
	_, err = b.cond.HandleMessage(ctx, sessionID, eventlog.CustomerMessage{Text: msg.Text, Platform: b.platform})
	if err != nil {
		return fmt.Errorf("handle message in session %s: %w", sessionID, err)
	}
	return nil
}

// SessionFor returns the session currently serving a thread.
func (b *Bridge) SessionFor(ctx context.Context, channelID, threadID string) (string, error) {
	row, err := b.thread(ctx, channelID, threadID)
	if err != nil {
		return "", err
	}
	return row.SessionID, nil
}

func (b *Bridge) isSelfMessage(msg InboundMessage) bool {
	ider, ok := b.adapter.(BotIdentity)
	if !ok {
		return false
	}
	bot := ider.BotUserID()
	return bot != "" && msg.UserID == bot
}

func (b *Bridge) thread(ctx context.Context, channelID, threadID string) (*models.TransportThread, error) {
	var row models.TransportThread
	err := b.db.WithContext(ctx).
		Where("platform = ? AND channel_id = ? AND thread_id = ?", b.platform, channelID, threadID).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("transport: %s thread %s/%s: %w", b.platform, channelID, threadID, fault.ErrNotFound)
		}
		return nil, fmt.Errorf("transport: %s thread %s/%s: %w", b.platform, channelID, threadID, err)
	}
	return &row, nil
}

// session resolves the active session for msg's thread.
func (b *Bridge) session(ctx context.Context, msg InboundMessage) (string, error) {
	now := time.Now()
	row, err := b.thread(ctx, msg.ChannelID, msg.ThreadID)
	switch {
	case err == nil:
		sess, err := b.cond.Log.Session(ctx, row.SessionID)
		if err != nil && !errors.Is(err, fault.ErrNotFound) {
			return "", err
		}
		if err == nil && sess.Writable() {
			b.db.WithContext(ctx).Model(row).Update("last_message_at", now)
			b.remember(row)
			return row.SessionID, nil
		}
	case !errors.Is(err, fault.ErrNotFound):
		return "", err
	}

	sess, err := b.cond.StartSession(ctx, conductor.StartOpts{
		AgentID:    b.agentID,
		CustomerID: b.platform + ":" + msg.UserID,
		Channel:    b.platform,
	})
	if err != nil {
		return "", fmt.Errorf("start session: %w", err)
	}
	// Everything the new session logs belongs to this thread.
	b.cursors.Store(sess.ID, int64(-1))
	next := &models.TransportThread{
		Platform:      b.platform,
		ChannelID:     msg.ChannelID,
		ThreadID:      msg.ThreadID,
		SessionID:     sess.ID,
		UserID:        msg.UserID,
		UserName:      msg.UserName,
		LastMessageAt: now,
	}
	err = b.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "platform"}, {Name: "channel_id"}, {Name: "thread_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"session_id", "user_id", "user_name", "last_message_at"}),
	}).Create(next).Error
	if err != nil {
		return "", fmt.Errorf("transport: map thread to session %s: %w", sess.ID, err)
	}
	b.remember(next)
	log.Printf("transport: %s: thread %s/%s -> session %s", b.platform, msg.ChannelID, msg.ThreadID, sess.ID)

	b.seedHistory(ctx, sess.ID, msg)
	return sess.ID, nil
}

// seedHistory copies a thread's earlier messages into a new session's
// variables. The message that opened the session is not included.
func (b *Bridge) seedHistory(ctx context.Context, sessionID string, msg InboundMessage) {
	reader, ok := b.adapter.(HistoryReader)
	if !ok || msg.ThreadID == "" || b.cond.Variables == nil {
		return
	}
	msgs, err := reader.ThreadHistory(ctx, msg.ChannelID, msg.ThreadID, b.historyLimit+1)
	if err != nil {
		log.Printf("transport: %s: thread history %s/%s: %v", b.platform, msg.ChannelID, msg.ThreadID, err)
		return
	}
	if n := len(msgs); n > 0 && msgs[n-1].UserID == msg.UserID && msgs[n-1].Text == msg.Text {
		msgs = msgs[:n-1]
	}
	if len(msgs) > b.historyLimit {
		msgs = msgs[len(msgs)-b.historyLimit:]
	}
	if len(msgs) == 0 {
		return
	}
	if _, err := b.cond.Variables.Set(ctx, models.ScopeSession, sessionID, HistoryVariable, historyText(msgs), variable.SetOptions{}); err != nil {
		log.Printf("transport: %s: seed history for session %s: %v", b.platform, sessionID, err)
	}
}

func (b *Bridge) remember(row *models.TransportThread) {
	b.routes.Store(row.SessionID, route{channelID: row.ChannelID, threadID: row.ThreadID})
}

// route finds where a session's output goes. ok is false for sessions this
// bridge does not serve.
func (b *Bridge) route(ctx context.Context, sessionID string) (route, bool) {
	if r, ok := b.routes.Load(sessionID); ok {
		return r.(route), true
	}
	var row models.TransportThread
	err := b.db.WithContext(ctx).
		Where("platform = ? AND session_id = ?", b.platform, sessionID).
		First(&row).Error
	if err != nil {
		return route{}, false
	}
	b.remember(&row)
	return route{channelID: row.ChannelID, threadID: row.ThreadID}, true
}

// relay posts agent replies and closing notices of bridged sessions until
// events closes. The bus drops events for slow subscribers, so each bridged
// session keeps a cursor: a gap in offsets is filled from the log at once,
// and the periodic catch-up recovers a dropped tail.
func (b *Bridge) relay(ctx context.Context, events <-chan models.Event) {
	tick := time.NewTicker(b.catchUp)
	defer tick.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			b.relayEvent(ctx, ev)
		case <-tick.C:
			b.catchUpSessions(ctx)
		}
	}
}

func (b *Bridge) cursor(sessionID string) (int64, bool) {
	v, ok := b.cursors.Load(sessionID)
	if !ok {
		return 0, false
	}
	return v.(int64), true
}

func (b *Bridge) relayEvent(ctx context.Context, ev models.Event) {
	last, tracked := b.cursor(ev.SessionID)
	if !tracked {
		// Sessions first seen mid-stream start from the current event.
		if len(b.outbound(ev)) == 0 {
			return
		}
		last = ev.Offset - 1
	}
	if ev.Offset <= last {
		return
	}
	pending := []models.Event{ev}
	if ev.Offset > last+1 {
		missed, err := b.cond.Log.Replay(ctx, ev.SessionID, last+1)
		if err != nil {
			log.Printf("transport: %s: replay session %s from %d: %v", b.platform, ev.SessionID, last+1, err)
		} else if len(missed) > 0 {
			log.Printf("transport: %s: session %s: recovered %d events after offset %d", b.platform, ev.SessionID, len(missed), last)
			pending = missed
		}
	}
	b.deliver(ctx, ev.SessionID, pending)
}

// catchUpSessions relays events tracked sessions logged beyond their cursor,
// then stops tracking sessions that are closed and fully relayed.
func (b *Bridge) catchUpSessions(ctx context.Context) {
	cursors := make(map[string]int64)
	b.cursors.Range(func(k, v any) bool {
		cursors[k.(string)] = v.(int64)
		return true
	})
	if len(cursors) == 0 {
		return
	}
	ids := make([]string, 0, len(cursors))
	for id := range cursors {
		ids = append(ids, id)
	}
	var sessions []models.Session
	err := b.db.WithContext(ctx).
		Select("id", "status", "next_offset").
		Where("id IN ?", ids).
		Find(&sessions).Error
	if err != nil {
		log.Printf("transport: %s: catch up: %v", b.platform, err)
		return
	}
	found := make(map[string]bool, len(sessions))
	for _, sess := range sessions {
		found[sess.ID] = true
		last := cursors[sess.ID]
		if sess.NextOffset-1 > last {
			missed, err := b.cond.Log.Replay(ctx, sess.ID, last+1)
			if err != nil {
				log.Printf("transport: %s: replay session %s from %d: %v", b.platform, sess.ID, last+1, err)
				continue
			}
			b.deliver(ctx, sess.ID, missed)
			continue
		}
		if !sess.Writable() {
			b.forget(sess.ID)
		}
	}
	for id := range cursors {
		if !found[id] {
			b.forget(id)
		}
	}
}

func (b *Bridge) forget(sessionID string) {
	b.cursors.Delete(sessionID)
	b.routes.Delete(sessionID)
}

// deliver posts a session's pending events in order and advances its cursor.
// The cursor stays put while the session has no thread yet, and stops at the
// last event fully posted when ctx ends while waiting on the send rate.
func (b *Bridge) deliver(ctx context.Context, sessionID string, pending []models.Event) {
	if len(pending) == 0 {
		return
	}
	r, ok := b.route(ctx, sessionID)
	if !ok {
		return
	}
	for _, ev := range pending {
		for _, m := range b.outbound(ev) {
			if err := b.sendLimit.Wait(ctx); err != nil {
				return
			}
			m.ChannelID = r.channelID
			m.ThreadID = r.threadID
			if err := b.adapter.Send(ctx, m); err != nil {
				log.Printf("transport: %s: relay session %s offset %d: %v", b.platform, sessionID, ev.Offset, err)
			}
		}
		b.cursors.Store(sessionID, ev.Offset)
	}
}

// outbound renders an event as platform messages without addressing them.
func (b *Bridge) outbound(ev models.Event) []OutboundMessage {
	if ev.Type != models.EventAgentMessage && ev.Type != models.EventStatusUpdate {
		return nil
	}
	content, err := eventlog.Decode(ev)
	if err != nil {
		log.Printf("transport: %s: decode session %s offset %d: %v", b.platform, ev.SessionID, ev.Offset, err)
		return nil
	}
	switch c := content.(type) {
	case eventlog.AgentMessage:
		if c.Text == "" {
			return nil
		}
		var out []OutboundMessage
		for _, chunk := range chunkMessage(c.Text, maxMessageLen) {
			out = append(out, OutboundMessage{Text: chunk})
		}
		return out
	case eventlog.StatusUpdate:
		evt, ok := FormatStatus(ev.SessionID, c)
		if !ok {
			return nil
		}
		return []OutboundMessage{{Text: evt.Title, Events: []FormattedEvent{evt}}}
	}
	return nil
}
