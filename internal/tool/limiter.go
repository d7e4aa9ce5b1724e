package tool

import (
	"sync"
	"time"
)

// slidingWindow admits at most limit calls in any trailing span of size.
// times holds the admissions still inside the window, oldest first.
type slidingWindow struct {
	limit int
	size  time.Duration
	times []time.Time
}

// prune drops admissions at or before now-size.
func (w *slidingWindow) prune(now time.Time) {
	cut := now.Add(-w.size)
	i := 0
	for i < len(w.times) && !w.times[i].After(cut) {
		i++
	}
	if i > 0 {
		w.times = append(w.times[:0], w.times[i:]...)
	}
}

func (w *slidingWindow) full(now time.Time) bool {
	if w.limit <= 0 {
		return false
	}
	w.prune(now)
	return len(w.times) >= w.limit
}

func (w *slidingWindow) admit(now time.Time) {
	if w.limit > 0 {
		w.times = append(w.times, now)
	}
}

// toolLimiter enforces a tool's per-minute and per-hour budgets.
type toolLimiter struct {
	minute slidingWindow
	hour   slidingWindow
}

// allow admits one call into both windows, or neither.
func (l *toolLimiter) allow(now time.Time) bool {
	if l.minute.full(now) || l.hour.full(now) {
		return false
	}
	l.minute.admit(now)
	l.hour.admit(now)
	return true
}

type limiterSet struct {
	mu       sync.Mutex
	limiters map[string]*toolLimiter
}

func newLimiterSet() *limiterSet {
	return &limiterSet{limiters: make(map[string]*toolLimiter)}
}

// Allow checks the budgets of toolID. Changed limits apply at once to the
// calls already admitted.
func (s *limiterSet) Allow(toolID string, perMinute, perHour int, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if perMinute <= 0 && perHour <= 0 {
		delete(s.limiters, toolID)
		return true
	}
	l, ok := s.limiters[toolID]
	if !ok {
		l = &toolLimiter{
			minute: slidingWindow{size: time.Minute},
			hour:   slidingWindow{size: time.Hour},
		}
		s.limiters[toolID] = l
	}
	if perMinute <= 0 {
		l.minute.times = nil
	}
	if perHour <= 0 {
		l.hour.times = nil
	}
	l.minute.limit = perMinute
	l.hour.limit = perHour
	return l.allow(now)
}
