// Package eventlog is the append-only, per-session event store. Every
// observable change to a session is an event; the session row and agent
// totals are projections maintained in the same transaction as the append.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zulandar/waypoint/internal/fault"
	"github.com/zulandar/waypoint/internal/metrics"
	"github.com/zulandar/waypoint/internal/models"
	"gorm.io/gorm"
)

// ErrOffsetConflict means another writer advanced the session between our
// read and our write. It only occurs across processes sharing a database.
var ErrOffsetConflict = errors.New("eventlog: offset conflict")

const maxConflictRetries = 3

// Meta carries the optional correlation columns of an event.
type Meta struct {
	JourneyID  string
	StateID    string
	ToolCallID string
}

// TxFunc runs inside the append transaction after the event row is written.
// Returning an error rolls back the append.
type TxFunc func(tx *gorm.DB, ev *models.Event, st *State) error

// Log appends and replays session events.
type Log struct {
	db  *gorm.DB
	bus *Bus

	mu    sync.Mutex
	locks map[string]*sessionLock
}

// sessionLock serializes appends to one session. refs counts holders and
// waiters; the entry is dropped when it reaches zero.
type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// New creates a Log. bus may be nil.
func New(db *gorm.DB, bus *Bus) *Log {
	return &Log{db: db, bus: bus, locks: make(map[string]*sessionLock)}
}

// DB returns the underlying handle.
func (l *Log) DB() *gorm.DB { return l.db }

// Bus returns the fan-out bus, or nil.
func (l *Log) Bus() *Bus { return l.bus }

// lock acquires the session's append lock and returns its release func.
func (l *Log) lock(sessionID string) func() {
	l.mu.Lock()
	sl, ok := l.locks[sessionID]
	if !ok {
		sl = &sessionLock{}
		l.locks[sessionID] = sl
	}
	sl.refs++
	l.mu.Unlock()

	sl.mu.Lock()
	return func() {
		sl.mu.Unlock()
		l.mu.Lock()
		sl.refs--
		if sl.refs == 0 {
			delete(l.locks, sessionID)
		}
		l.mu.Unlock()
	}
}

// heldLocks returns the number of sessions with an append in progress.
func (l *Log) heldLocks() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

// Append writes c as the next event of the session.
func (l *Log) Append(ctx context.Context, sessionID string, c Content, meta Meta) (*models.Event, error) {
	return l.AppendWith(ctx, sessionID, c, meta, nil)
}

// AppendWith is Append with fn executed in the same transaction, for callers
// whose own rows must commit atomically with the event.
//
// Appends to a non-active session fail with fault.ErrInvalidSessionState,
// except tool results arriving after abandonment: those are stored with
// Orphaned set so in-flight work is never silently lost.
func (l *Log) AppendWith(ctx context.Context, sessionID string, c Content, meta Meta, fn TxFunc) (*models.Event, error) {
	if _, err := EncodeContent(c); err != nil {
		return nil, err
	}

	unlock := l.lock(sessionID)
	defer unlock()

	var (
		ev  *models.Event
		err error
	)
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		ev, err = l.appendOnce(ctx, sessionID, c, meta, fn)
		if !errors.Is(err, ErrOffsetConflict) {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("eventlog: append %s to %s: %w", c.EventType(), sessionID, err)
	}

	metrics.RecordEvent(ev.Type)
	l.bus.Publish(*ev)
	return ev, nil
}

func (l *Log) appendOnce(ctx context.Context, sessionID string, c Content, meta Meta, fn TxFunc) (*models.Event, error) {
	var ev *models.Event
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sess models.Session
		if err := tx.Where("id = ?", sessionID).First(&sess).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("session %s: %w", sessionID, fault.ErrNotFound)
			}
			return fmt.Errorf("load session: %w", err)
		}

		if !sess.Writable() {
			tr, ok := c.(ToolResult)
			if !ok || sess.Status != models.SessionAbandoned {
				return fmt.Errorf("session %s is %s: %w", sessionID, sess.Status, fault.ErrInvalidSessionState)
			}
			tr.Orphaned = true
			c = tr
		}

		st, err := stateFromSession(&sess)
		if err != nil {
			return err
		}
		offset := sess.NextOffset
		st.Apply(offset, c)

		payload, err := EncodeContent(c)
		if err != nil {
			return err
		}
		ev = &models.Event{
			SessionID:  sessionID,
			Offset:     offset,
			Type:       c.EventType(),
			Content:    payload,
			JourneyID:  optional(meta.JourneyID),
			StateID:    optional(meta.StateID),
			ToolCallID: optional(meta.ToolCallID),
			CreatedAt:  time.Now(),
		}

		cols, err := st.sessionColumns()
		if err != nil {
			return err
		}
		now := time.Now()
		cols["last_activity"] = now
		cols["updated_at"] = now
		if st.Status != models.SessionActive && sess.Status == models.SessionActive {
			cols["ended_at"] = now
		}
		res := tx.Model(&models.Session{}).
			Where("id = ? AND next_offset = ?", sessionID, offset).
			Updates(cols)
		if res.Error != nil {
			return fmt.Errorf("update session: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrOffsetConflict
		}

		if err := tx.Create(ev).Error; err != nil {
			return fmt.Errorf("insert event: %w", err)
		}

		if err := bumpAgentTotals(tx, sess.AgentID, offset, c); err != nil {
			return err
		}

		if fn != nil {
			if err := fn(tx, ev, st); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func bumpAgentTotals(tx *gorm.DB, agentID string, offset int64, c Content) error {
	updates := map[string]interface{}{}
	if offset == 0 {
		updates["total_sessions"] = gorm.Expr("total_sessions + ?", 1)
	}
	switch v := c.(type) {
	case CustomerMessage:
		updates["total_messages"] = gorm.Expr("total_messages + ?", 1)
		if v.Tokens > 0 {
			updates["total_tokens"] = gorm.Expr("total_tokens + ?", v.Tokens)
		}
	case AgentMessage:
		updates["total_messages"] = gorm.Expr("total_messages + ?", 1)
		if v.Tokens > 0 {
			updates["total_tokens"] = gorm.Expr("total_tokens + ?", v.Tokens)
		}
		if v.Cost > 0 {
			updates["total_cost"] = gorm.Expr("total_cost + ?", v.Cost)
		}
	}
	if len(updates) == 0 {
		return nil
	}
	if err := tx.Model(&models.Agent{}).Where("id = ?", agentID).Updates(updates).Error; err != nil {
		return fmt.Errorf("update agent totals: %w", err)
	}
	return nil
}

// Replay returns the session's events with offset >= from, in offset order.
func (l *Log) Replay(ctx context.Context, sessionID string, from int64) ([]models.Event, error) {
	var sess models.Session
	if err := l.db.WithContext(ctx).Select("id").Where("id = ?", sessionID).First(&sess).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("eventlog: replay %s: %w", sessionID, fault.ErrNotFound)
		}
		return nil, fmt.Errorf("eventlog: replay %s: %w", sessionID, err)
	}
	var events []models.Event
	if err := l.db.WithContext(ctx).
		Where("session_id = ? AND event_offset >= ?", sessionID, from).
		Order("event_offset ASC").
		Find(&events).Error; err != nil {
		return nil, fmt.Errorf("eventlog: replay %s: %w", sessionID, err)
	}
	return events, nil
}

// Recent returns up to n of the latest events of a session in offset order.
func (l *Log) Recent(ctx context.Context, sessionID string, n int) ([]models.Event, error) {
	var events []models.Event
	if err := l.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("event_offset DESC").
		Limit(n).
		Find(&events).Error; err != nil {
		return nil, fmt.Errorf("eventlog: recent %s: %w", sessionID, err)
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// ProjectSession replays the full log of a session and folds it.
func (l *Log) ProjectSession(ctx context.Context, sessionID string) (*State, error) {
	events, err := l.Replay(ctx, sessionID, 0)
	if err != nil {
		return nil, err
	}
	return Project(sessionID, events)
}

// Session loads the session row.
func (l *Log) Session(ctx context.Context, sessionID string) (*models.Session, error) {
	var sess models.Session
	if err := l.db.WithContext(ctx).Where("id = ?", sessionID).First(&sess).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("eventlog: session %s: %w", sessionID, fault.ErrNotFound)
		}
		return nil, fmt.Errorf("eventlog: session %s: %w", sessionID, err)
	}
	return &sess, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
