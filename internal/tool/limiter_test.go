package tool

import (
	"testing"
	"time"
)

func TestLimiterSet_SlidingWindow(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	type call struct {
		at   time.Duration
		want bool
	}
	tests := []struct {
		name      string
		perMinute int
		perHour   int
		calls     []call
	}{
		{"no limits", 0, 0, []call{{0, true}, {0, true}, {0, true}}},
		{"burst within a minute", 2, 0, []call{
			{0, true}, {time.Second, true}, {31 * time.Second, false},
		}},
		{"oldest call leaves the window", 2, 0, []call{
			{0, true}, {time.Second, true}, {59 * time.Second, false},
			{60 * time.Second, true}, {60500 * time.Millisecond, false}, {61 * time.Second, true},
		}},
		{"rejected calls do not count", 1, 0, []call{
			{0, true}, {30 * time.Second, false}, {50 * time.Second, false}, {60 * time.Second, true},
		}},
		{"hour budget", 0, 3, []call{
			{0, true}, {10 * time.Minute, true}, {20 * time.Minute, true},
			{59 * time.Minute, false}, {60 * time.Minute, true},
		}},
		{"minute and hour together", 2, 3, []call{
			{0, true}, {time.Second, true}, {2 * time.Second, false},
			{2 * time.Minute, true}, {3 * time.Minute, false}, {61 * time.Minute, true},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newLimiterSet()
			for i, c := range tt.calls {
				if got := s.Allow("lookup", tt.perMinute, tt.perHour, t0.Add(c.at)); got != c.want {
					t.Errorf("call %d at +%v = %v, want %v", i, c.at, got, c.want)
				}
			}
		})
	}
}

func TestLimiterSet_LimitChangeKeepsHistory(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := newLimiterSet()
	for i := 0; i < 3; i++ {
		if !s.Allow("lookup", 5, 0, t0.Add(time.Duration(i)*time.Second)) {
			t.Fatalf("call %d rejected under limit 5", i)
		}
	}
	if s.Allow("lookup", 3, 0, t0.Add(10*time.Second)) {
		t.Error("lowering the limit to 3 should reject the fourth call in the minute")
	}
	if !s.Allow("other", 3, 0, t0.Add(10*time.Second)) {
		t.Error("tools have independent windows")
	}
}
