// Package discord carries Waypoint conversations over Discord channels and
// threads through the Gateway WebSocket.
package discord

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/waypoint/internal/transport"
)

// Platform is the platform name carried on inbound messages and sessions.
const Platform = "discord"

const (
	rateLimitRetries     = 3
	historyPageSize      = 100 // Discord's maximum per request
	threadNameLen        = 80  // Discord allows 100
	threadArchiveMinutes = 1440
	inboundBuffer        = 100
)

var (
	errNotConnected = errors.New("discord: not connected")
	errClosed       = errors.New("discord: adapter closed")
)

// gateway is the part of a discordgo session the adapter uses.
type gateway interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	MessageThreadStartComplex(channelID, messageID string, data *discordgo.ThreadStart) (*discordgo.Channel, error)
	Channel(channelID string) (*discordgo.Channel, error)
}

// liveGateway serves channel lookups from the gateway's state cache.
type liveGateway struct{ *discordgo.Session }

func (g liveGateway) Channel(channelID string) (*discordgo.Channel, error) {
	return g.State.Channel(channelID)
}

func (g liveGateway) MessageThreadStartComplex(channelID, messageID string, data *discordgo.ThreadStart) (*discordgo.Channel, error) {
	return g.Session.MessageThreadStartComplex(channelID, messageID, data)
}

type connState int

const (
	stateIdle connState = iota
	stateReady
	stateClosed
)

// AdapterOpts holds parameters for creating a Discord Adapter.
type AdapterOpts struct {
	BotToken  string // Discord bot token
	ChannelID string // used when an outbound message names no channel
	// AutoThread opens a thread on a channel message that mentions the bot,
	// so the conversation continues there instead of in the channel.
	AutoThread bool

	// Session replaces the live gateway connection.
	Session gateway
}

// Adapter implements transport.Adapter for Discord.
type Adapter struct {
	gw             gateway
	botToken       string
	defaultChannel string
	autoThread     bool
	backoff        time.Duration // first rate-limit wait without Retry-After
	maxBackoff     time.Duration

	mu        sync.Mutex
	state     connState
	botID     string
	listenCtx context.Context
	stop      context.CancelFunc
	unhook    func()
	inflight  sync.WaitGroup // handler calls that may still write to inbound
	inbound   chan transport.InboundMessage
}

// New creates a Discord Adapter. Nothing is contacted until Connect.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	return &Adapter{
		gw:             opts.Session,
		botToken:       opts.BotToken,
		defaultChannel: opts.ChannelID,
		autoThread:     opts.AutoThread,
		backoff:        2 * time.Second,
		maxBackoff:     2 * time.Minute,
		inbound:        make(chan transport.InboundMessage, inboundBuffer),
	}, nil
}

// Connect opens the gateway. discordgo resumes dropped connections itself,
// so the lifecycle handlers registered here only record and log.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch a.state {
	case stateClosed:
		return errClosed
	case stateReady:
		return nil
	}
	if a.gw == nil {
		dg, err := discordgo.New("Bot " + a.botToken)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent
		a.gw = liveGateway{dg}
	}

	a.gw.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		a.SetBotUserID(r.User.ID)
		log.Printf("discord: ready as %s (%s)", r.User.Username, r.User.ID)
	})
	a.gw.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		log.Printf("discord: gateway dropped, waiting for resume")
	})
	a.gw.AddHandler(func(_ *discordgo.Session, _ *discordgo.Resumed) {
		log.Printf("discord: gateway resumed")
	})

	if err := a.gw.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	a.state = stateReady
	return nil
}

// Listen subscribes to message creates and returns the inbound channel.
func (a *Adapter) Listen(ctx context.Context) (<-chan transport.InboundMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != stateReady {
		return nil, errNotConnected
	}
	a.listenCtx, a.stop = context.WithCancel(ctx)
	a.unhook = a.gw.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		a.handleMessage(m)
	})
	return a.inbound, nil
}

// Send posts msg. Discord threads are channels, so ThreadID wins over
// ChannelID, which wins over the default channel.
func (a *Adapter) Send(ctx context.Context, msg transport.OutboundMessage) error {
	if err := a.ready(); err != nil {
		return err
	}
	target := cmp.Or(msg.ThreadID, msg.ChannelID, a.defaultChannel)
	if target == "" {
		return fmt.Errorf("discord: no channel specified")
	}
	data := messageSend(msg)
	return a.call(ctx, "send message", func() error {
		_, err := a.gw.ChannelMessageSendComplex(target, data)
		return err
	})
}

// ThreadHistory returns up to limit of the latest messages of threadID, or
// of channelID when threadID is empty, oldest first.
func (a *Adapter) ThreadHistory(ctx context.Context, channelID, threadID string, limit int) ([]transport.ThreadMessage, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	target := cmp.Or(threadID, channelID)
	pageSize := historyPageSize
	if limit > 0 {
		pageSize = min(limit, historyPageSize)
	}

	// Pages arrive newest first; before walks back in time.
	var latest []transport.ThreadMessage
	before := ""
	for limit <= 0 || len(latest) < limit {
		var page []*discordgo.Message
		err := a.call(ctx, "channel messages", func() (err error) {
			page, err = a.gw.ChannelMessages(target, pageSize, before, "", "")
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, m := range page {
			latest = append(latest, threadMessage(m))
		}
		if len(page) < pageSize {
			break
		}
		before = page[len(page)-1].ID
	}
	if limit > 0 && len(latest) > limit {
		latest = latest[:limit]
	}
	slices.Reverse(latest)
	return latest, nil
}

// CreateThread starts a public thread from a message and returns its ID.
func (a *Adapter) CreateThread(ctx context.Context, channelID, messageID, name string) (string, error) {
	if err := a.ready(); err != nil {
		return "", err
	}
	var thread *discordgo.Channel
	err := a.call(ctx, "create thread", func() (err error) {
		thread, err = a.gw.MessageThreadStartComplex(channelID, messageID, &discordgo.ThreadStart{
			Name:                name,
			AutoArchiveDuration: threadArchiveMinutes,
			Type:                discordgo.ChannelTypeGuildPublicThread,
		})
		return err
	})
	if err != nil {
		return "", err
	}
	return thread.ID, nil
}

// Close unhooks the message handler, waits for in-flight deliveries, closes
// the inbound channel and then the gateway. Closing twice is a no-op.
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
	if a.unhook != nil {
		a.unhook()
	}
	gw := a.gw
	a.mu.Unlock()

	a.inflight.Wait()
	close(a.inbound)
	if gw == nil {
		return nil
	}
	return gw.Close()
}

// BotUserID returns the bot's Discord user ID once Ready has fired.
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botID
}

// SetBotUserID sets the bot user ID used to drop the bot's own messages.
func (a *Adapter) SetBotUserID(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.botID = id
}

func (a *Adapter) ready() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != stateReady {
		return errNotConnected
	}
	return nil
}

// handleMessage turns a message create into an InboundMessage. Messages of
// bots, and anything arriving before Listen or after Close, are dropped.
func (a *Adapter) handleMessage(m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	a.mu.Lock()
	if a.state != stateReady || a.listenCtx == nil || m.Author.ID == a.botID {
		a.mu.Unlock()
		return
	}
	ctx, botID := a.listenCtx, a.botID
	a.inflight.Add(1)
	a.mu.Unlock()
	defer a.inflight.Done()

	channelID, threadID := a.locate(m.ChannelID)
	text, mentioned := stripMention(m.Content, botID)
	if threadID == "" && mentioned && a.autoThread {
		id, err := a.CreateThread(ctx, channelID, m.ID, threadTitle(text, m.Author.Username))
		if err != nil {
			log.Printf("discord: auto thread for message %s: %v", m.ID, err)
		}
		threadID = id
	}

	ts, _ := discordgo.SnowflakeTimestamp(m.ID)
	msg := transport.InboundMessage{
		Platform:  Platform,
		ChannelID: channelID,
		ThreadID:  threadID,
		UserID:    m.Author.ID,
		UserName:  m.Author.Username,
		Text:      text,
		Timestamp: ts,
	}
	select {
	case a.inbound <- msg:
	case <-ctx.Done():
	}
}

// locate maps a message's channel to (channel, thread). A message posted in
// a thread carries the thread as its channel.
func (a *Adapter) locate(channelID string) (string, string) {
	ch, err := a.gw.Channel(channelID)
	if err != nil || !ch.IsThread() {
		return channelID, ""
	}
	return ch.ParentID, channelID
}

// stripMention removes both mention forms of botID from text.
func stripMention(text, botID string) (string, bool) {
	if botID == "" {
		return text, false
	}
	mentioned := false
	for _, tag := range [...]string{"<@" + botID + ">", "<@!" + botID + ">"} {
		if strings.Contains(text, tag) {
			mentioned = true
			text = strings.ReplaceAll(text, tag, "")
		}
	}
	return strings.TrimSpace(text), mentioned
}

// threadTitle names a thread after the first line of its opening message.
func threadTitle(text, user string) string {
	first, _, _ := strings.Cut(text, "\n")
	title := []rune(strings.TrimSpace(first))
	if len(title) == 0 {
		return "Conversation with " + user
	}
	if len(title) > threadNameLen {
		return string(title[:threadNameLen-3]) + "..."
	}
	return string(title)
}

func threadMessage(m *discordgo.Message) transport.ThreadMessage {
	tm := transport.ThreadMessage{Text: m.Content, Timestamp: m.Timestamp}
	if m.Author != nil {
		tm.UserID, tm.UserName = m.Author.ID, m.Author.Username
	}
	return tm
}

// messageSend renders msg with one embed per formatted event.
func messageSend(msg transport.OutboundMessage) *discordgo.MessageSend {
	data := &discordgo.MessageSend{Content: msg.Text}
	for _, evt := range msg.Events {
		embed := &discordgo.MessageEmbed{
			Title:       evt.Title,
			Description: evt.Body,
			Color:       embedColor(evt.Color),
		}
		for _, f := range evt.Fields {
			embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: f.Name, Value: f.Value, Inline: f.Short})
		}
		data.Embeds = append(data.Embeds, embed)
	}
	return data
}

// embedColor reads a "#rrggbb" color. Anything else is 0, which Discord
// shows as the default.
func embedColor(hex string) int {
	v, err := strconv.ParseUint(strings.TrimPrefix(hex, "#"), 16, 24)
	if err != nil {
		return 0
	}
	return int(v)
}

// call runs one REST call, waiting out 429 responses up to rateLimitRetries
// times. Errors are prefixed with op.
func (a *Adapter) call(ctx context.Context, op string, fn func() error) error {
	for retry := 0; ; retry++ {
		err := fn()
		if err == nil {
			return nil
		}
		wait, limited := a.retryAfter(err, retry)
		if !limited || retry == rateLimitRetries {
			return fmt.Errorf("discord: %s: %w", op, err)
		}
		log.Printf("discord: %s rate limited (%d/%d), retrying in %v", op, retry+1, rateLimitRetries, wait)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("discord: %s: %w", op, ctx.Err())
		case <-timer.C:
		}
	}
}

// retryAfter reports whether err is a 429 and how long to wait before the
// next try: the Retry-After header when present, else a doubling backoff.
func (a *Adapter) retryAfter(err error, retry int) (time.Duration, bool) {
	var rest *discordgo.RESTError
	if !errors.As(err, &rest) || rest.Response == nil || rest.Response.StatusCode != http.StatusTooManyRequests {
		return 0, false
	}
	if secs, perr := strconv.ParseFloat(rest.Response.Header.Get("Retry-After"), 64); perr == nil && secs > 0 {
		return min(time.Duration(secs*float64(time.Second)), a.maxBackoff), true
	}
	wait := a.backoff
	for i := 0; i < retry && wait < a.maxBackoff; i++ {
		wait *= 2
	}
	return min(wait, a.maxBackoff), true
}
