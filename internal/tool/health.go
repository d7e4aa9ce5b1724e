package tool

import (
	"sync"

	"github.com/zulandar/waypoint/internal/models"
)

// Health thresholds over the rolling window.
const (
	healthyRate  = 0.9
	degradedRate = 0.5
)

// HealthTracker keeps the last N outcomes per tool.
type HealthTracker struct {
	mu       sync.Mutex
	window   int
	outcomes map[string][]bool
}

// NewHealthTracker creates a tracker with the given window size.
func NewHealthTracker(window int) *HealthTracker {
	if window < 1 {
		window = 20
	}
	return &HealthTracker{window: window, outcomes: make(map[string][]bool)}
}

// Record adds an outcome and returns the tool's resulting status.
func (h *HealthTracker) Record(toolID string, ok bool) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	w := append(h.outcomes[toolID], ok)
	if len(w) > h.window {
		w = w[len(w)-h.window:]
	}
	h.outcomes[toolID] = w
	return classify(w)
}

// Status returns the current status of a tool. Tools with no recorded
// outcomes are healthy.
func (h *HealthTracker) Status(toolID string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return classify(h.outcomes[toolID])
}

// Snapshot returns the status of every tracked tool.
func (h *HealthTracker) Snapshot() map[string]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]string, len(h.outcomes))
	for id, w := range h.outcomes {
		out[id] = classify(w)
	}
	return out
}

// SuccessRate returns the fraction of successes in outcomes.
func SuccessRate(outcomes []bool) float64 {
	if len(outcomes) == 0 {
		return 1
	}
	n := 0
	for _, ok := range outcomes {
		if ok {
			n++
		}
	}
	return float64(n) / float64(len(outcomes))
}

func classify(outcomes []bool) string {
	rate := SuccessRate(outcomes)
	switch {
	case rate >= healthyRate:
		return models.HealthHealthy
	case rate >= degradedRate:
		return models.HealthDegraded
	default:
		return models.HealthDown
	}
}
