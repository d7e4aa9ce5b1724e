package eventlog

import (
	"log"
	"sync"

	"github.com/zulandar/waypoint/internal/models"
)

// Bus fans appended events out to in-process subscribers such as SSE
// streams and chat bridges. Slow subscribers lose events rather than
// blocking appends; the log itself remains the source of truth.
type Bus struct {
	mu   sync.RWMutex
	next int
	subs map[int]*subscriber
}

type subscriber struct {
	sessionID string
	ch        chan models.Event
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Subscribe registers for events of sessionID, or of every session when
// sessionID is empty. The returned cancel func closes the channel.
func (b *Bus) Subscribe(sessionID string, buf int) (<-chan models.Event, func()) {
	if buf <= 0 {
		buf = 64
	}
	b.mu.Lock()
	id := b.next
	b.next++
	sub := &subscriber{sessionID: sessionID, ch: make(chan models.Event, buf)}
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Publish delivers ev to every matching subscriber without blocking.
func (b *Bus) Publish(ev models.Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, sub := range b.subs {
		if sub.sessionID != "" && sub.sessionID != ev.SessionID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			log.Printf("eventlog: bus: subscriber %d full, dropped %s/%d", id, ev.SessionID, ev.Offset)
		}
	}
}

// Subscribers returns the number of active subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
