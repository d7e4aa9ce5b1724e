// Package slack carries Waypoint conversations over Slack threads. Inbound
// traffic arrives through Socket Mode; replies go out through the Web API.
package slack

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"github.com/zulandar/waypoint/internal/transport"
)

// Platform is the platform name carried on inbound messages and sessions.
const Platform = "slack"

const (
	rateLimitRetries = 3
	historyPageSize  = 200
	inboundBuffer    = 100
)

var (
	errNotConnected = errors.New("slack: not connected")
	errClosed       = errors.New("slack: adapter closed")
)

// webAPI is the part of the Slack Web API the adapter calls.
type webAPI interface {
	AuthTest() (*slackapi.AuthTestResponse, error)
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
	GetConversationReplies(params *slackapi.GetConversationRepliesParameters) ([]slackapi.Message, bool, string, error)
	GetUserInfo(userID string) (*slackapi.User, error)
}

// socketConn is a Socket Mode connection.
type socketConn interface {
	RunContext(ctx context.Context) error
	EventsChan() chan socketmode.Event
	Ack(req socketmode.Request, payload ...interface{})
}

type socketModeConn struct{ *socketmode.Client }

func (c socketModeConn) EventsChan() chan socketmode.Event { return c.Events }

// reconnectPolicy bounds how dropped Socket Mode connections are retried.
type reconnectPolicy struct {
	first    time.Duration
	ceiling  time.Duration
	attempts int
}

// delay is first doubled n times, capped at ceiling.
func (p reconnectPolicy) delay(n int) time.Duration {
	d := p.first
	for i := 0; i < n && d < p.ceiling; i++ {
		d *= 2
	}
	return min(d, p.ceiling)
}

var defaultReconnect = reconnectPolicy{first: 2 * time.Second, ceiling: 2 * time.Minute, attempts: 10}

type connState int

const (
	stateIdle connState = iota
	stateReady
	stateClosed
)

// AdapterOpts holds parameters for creating a Slack Adapter.
type AdapterOpts struct {
	AppToken  string // xapp-... app-level token, needed for Socket Mode
	BotToken  string // xoxb-... bot token
	ChannelID string // used when an outbound message names no channel

	// Client and Socket replace the live Slack connections.
	Client webAPI
	Socket socketConn
}

// Adapter implements transport.Adapter for Slack.
type Adapter struct {
	appToken       string
	botToken       string
	defaultChannel string
	web            webAPI
	sock           socketConn
	reconnect      reconnectPolicy

	mu      sync.Mutex
	state   connState
	botID   string
	stop    context.CancelFunc
	pumping sync.WaitGroup
	inbound chan transport.InboundMessage

	names sync.Map // user ID -> display name
}

// New creates a Slack Adapter. Nothing is contacted until Connect.
func New(opts AdapterOpts) (*Adapter, error) {
	switch {
	case opts.Client == nil && opts.BotToken == "":
		return nil, fmt.Errorf("slack: bot token is required")
	case opts.Socket == nil && opts.AppToken == "":
		return nil, fmt.Errorf("slack: app token is required for socket mode")
	}
	return &Adapter{
		appToken:       opts.AppToken,
		botToken:       opts.BotToken,
		defaultChannel: opts.ChannelID,
		web:            opts.Client,
		sock:           opts.Socket,
		reconnect:      defaultReconnect,
		inbound:        make(chan transport.InboundMessage, inboundBuffer),
	}, nil
}

// Connect verifies the bot token and learns the bot's user ID. Connecting
// twice is a no-op.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch a.state {
	case stateClosed:
		return errClosed
	case stateReady:
		return nil
	}
	if a.web == nil {
		api := slackapi.New(a.botToken, slackapi.OptionAppLevelToken(a.appToken))
		a.web = api
		a.sock = socketModeConn{socketmode.New(api)}
	}
	auth, err := a.web.AuthTest()
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	a.botID = auth.UserID
	a.state = stateReady
	log.Printf("slack: authenticated as %s (%s)", auth.User, auth.UserID)
	return nil
}

// Listen opens Socket Mode and returns the inbound channel. The connection
// lives until ctx ends or Close is called.
func (a *Adapter) Listen(ctx context.Context) (<-chan transport.InboundMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != stateReady {
		return nil, errNotConnected
	}
	ctx, a.stop = context.WithCancel(ctx)
	a.pumping.Add(1)
	go a.keepAlive(ctx)
	go a.pump(ctx, a.sock.EventsChan())
	return a.inbound, nil
}

// Send posts msg, as a thread reply when msg.ThreadID is set.
func (a *Adapter) Send(ctx context.Context, msg transport.OutboundMessage) error {
	if err := a.ready(); err != nil {
		return err
	}
	channel := cmp.Or(msg.ChannelID, a.defaultChannel)
	if channel == "" {
		return fmt.Errorf("slack: no channel specified")
	}
	opts := messageOptions(msg)
	return callAPI(ctx, "post message", func() error {
		_, _, err := a.web.PostMessage(channel, opts...)
		return err
	})
}

// ThreadHistory returns up to limit messages of a thread, oldest first,
// paging through conversations.replies.
func (a *Adapter) ThreadHistory(ctx context.Context, channelID, threadID string, limit int) ([]transport.ThreadMessage, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	params := &slackapi.GetConversationRepliesParameters{
		ChannelID: channelID,
		Timestamp: threadID,
		Limit:     historyPageSize,
	}
	if limit > 0 {
		params.Limit = min(limit, historyPageSize)
	}

	var out []transport.ThreadMessage
	for {
		var (
			page []slackapi.Message
			more bool
			next string
		)
		err := callAPI(ctx, "conversation replies", func() (err error) {
			page, more, next, err = a.web.GetConversationReplies(params)
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, m := range page {
			if limit > 0 && len(out) == limit {
				return out, nil
			}
			out = append(out, transport.ThreadMessage{
				UserID:    m.User,
				UserName:  a.displayName(m.User),
				Text:      m.Text,
				Timestamp: messageTime(m.Timestamp),
			})
		}
		if !more || next == "" {
			return out, nil
		}
		params.Cursor = next
	}
}

// Close stops Socket Mode and closes the inbound channel once the event pump
// has exited. Closing twice is a no-op.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.state == stateClosed {
		a.mu.Unlock()
		return nil
	}
	a.state = stateClosed
	if a.stop != nil {
		a.stop()
	}
	a.mu.Unlock()

	a.pumping.Wait()
	close(a.inbound)
	return nil
}

// BotUserID returns the bot's Slack user ID once connected.
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botID
}

func (a *Adapter) ready() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != stateReady {
		return errNotConnected
	}
	return nil
}

// keepAlive runs the socket until it ends cleanly or ctx is done, waiting
// longer after each consecutive drop.
func (a *Adapter) keepAlive(ctx context.Context) {
	p := a.reconnect
	for n := 0; n < p.attempts; n++ {
		err := a.sock.RunContext(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}
		wait := p.delay(n)
		log.Printf("slack: socket mode dropped (%d/%d): %v; retrying in %v", n+1, p.attempts, err, wait)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
	log.Printf("slack: socket mode gave up after %d attempts", p.attempts)
}

// pump forwards translated socket events to the inbound channel.
func (a *Adapter) pump(ctx context.Context, events <-chan socketmode.Event) {
	defer a.pumping.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			msg, ok := a.translate(evt)
			if !ok {
				continue
			}
			select {
			case a.inbound <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

// translate acks Events API envelopes and turns message callbacks into
// inbound messages. Connection lifecycle events are only logged.
func (a *Adapter) translate(evt socketmode.Event) (transport.InboundMessage, bool) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		payload, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			break
		}
		if evt.Request != nil {
			a.sock.Ack(*evt.Request)
		}
		if payload.Type == slackevents.CallbackEvent {
			return a.fromCallback(payload.InnerEvent.Data)
		}
	case socketmode.EventTypeConnected:
		log.Printf("slack: socket mode connected")
	case socketmode.EventTypeConnectionError:
		log.Printf("slack: socket mode connection error: %v", evt.Data)
	case socketmode.EventTypeDisconnect:
		log.Printf("slack: socket mode disconnect requested")
	}
	return transport.InboundMessage{}, false
}

// fromCallback reads a message or app_mention callback. A plain message that
// mentions the bot is skipped because Slack delivers it again as an
// app_mention. Top-level messages root their own thread.
func (a *Adapter) fromCallback(data any) (transport.InboundMessage, bool) {
	bot := a.BotUserID()
	mention := "<@" + bot + ">"
	var channel, threadTS, ts, user, text string
	switch ev := data.(type) {
	case *slackevents.MessageEvent:
		if ev.BotID != "" || ev.SubType != "" || (bot != "" && strings.Contains(ev.Text, mention)) {
			return transport.InboundMessage{}, false
		}
		channel, threadTS, ts, user, text = ev.Channel, ev.ThreadTimeStamp, ev.TimeStamp, ev.User, ev.Text
	case *slackevents.AppMentionEvent:
		channel, threadTS, ts, user = ev.Channel, ev.ThreadTimeStamp, ev.TimeStamp, ev.User
		text = strings.TrimSpace(strings.ReplaceAll(ev.Text, mention, ""))
	default:
		return transport.InboundMessage{}, false
	}
	if user == bot {
		return transport.InboundMessage{}, false
	}
	return transport.InboundMessage{
		Platform:  Platform,
		ChannelID: channel,
		ThreadID:  cmp.Or(threadTS, ts),
		UserID:    user,
		UserName:  a.displayName(user),
		Text:      text,
		Timestamp: messageTime(ts),
	}, true
}

// displayName resolves a user's display name, then real name, then ID.
// Answers are cached for the adapter's lifetime, failures included.
func (a *Adapter) displayName(userID string) string {
	if userID == "" {
		return ""
	}
	if name, ok := a.names.Load(userID); ok {
		return name.(string)
	}
	name := userID
	if u, err := a.web.GetUserInfo(userID); err == nil {
		name = cmp.Or(u.Profile.DisplayName, u.RealName, userID)
	}
	a.names.Store(userID, name)
	return name
}

// messageOptions renders msg for chat.postMessage. Formatted events become
// attachments, with Text kept as the notification line when present.
func messageOptions(msg transport.OutboundMessage) []slackapi.MsgOption {
	var opts []slackapi.MsgOption
	if msg.ThreadID != "" {
		opts = append(opts, slackapi.MsgOptionTS(msg.ThreadID))
	}
	if len(msg.Events) > 0 {
		atts := make([]slackapi.Attachment, len(msg.Events))
		for i, evt := range msg.Events {
			atts[i] = attachment(evt)
		}
		opts = append(opts, slackapi.MsgOptionAttachments(atts...))
	}
	if msg.Text != "" || len(msg.Events) == 0 {
		opts = append(opts, slackapi.MsgOptionText(msg.Text, false))
	}
	return opts
}

func attachment(evt transport.FormattedEvent) slackapi.Attachment {
	att := slackapi.Attachment{
		Fallback: evt.Title,
		Title:    evt.Title,
		Text:     evt.Body,
		Color:    evt.Color,
		Fields:   make([]slackapi.AttachmentField, 0, len(evt.Fields)),
	}
	for _, f := range evt.Fields {
		att.Fields = append(att.Fields, slackapi.AttachmentField{Title: f.Name, Value: f.Value, Short: f.Short})
	}
	return att
}

// callAPI runs one Web API call, sleeping out rate limits up to
// rateLimitRetries times. Errors are prefixed with op.
func callAPI(ctx context.Context, op string, fn func() error) error {
	for retry := 0; ; retry++ {
		err := fn()
		var limited *slackapi.RateLimitedError
		if err == nil {
			return nil
		}
		if !errors.As(err, &limited) || retry == rateLimitRetries {
			return fmt.Errorf("slack: %s: %w", op, err)
		}
		wait := limited.RetryAfter
		if wait <= 0 {
			wait = time.Second << retry
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("slack: %s: %w", op, ctx.Err())
		case <-timer.C:
		}
	}
}

// messageTime converts a Slack "seconds.micros" timestamp. Unparseable
// values give the zero time.
func messageTime(ts string) time.Time {
	secs, frac, _ := strings.Cut(ts, ".")
	s, err := strconv.ParseInt(secs, 10, 64)
	if err != nil {
		return time.Time{}
	}
	if len(frac) > 6 {
		frac = frac[:6]
	}
	micros, err := strconv.ParseInt(frac+strings.Repeat("0", 6-len(frac)), 10, 64)
	if err != nil {
		micros = 0
	}
	return time.Unix(s, micros*int64(time.Microsecond))
}
