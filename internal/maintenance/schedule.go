package maintenance

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/waypoint/internal/metrics"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Scheduler runs a Sweeper on a cron schedule.
type Scheduler struct {
	sweeper  *Sweeper
	schedule cron.Schedule
	expr     string
	now      func() time.Time
}

// NewScheduler parses expr and returns a Scheduler for sweeper.
func NewScheduler(sweeper *Sweeper, expr string) (*Scheduler, error) {
	if sweeper == nil {
		return nil, fmt.Errorf("maintenance: sweeper is required")
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("maintenance: schedule %q: %w", expr, err)
	}
	return &Scheduler{sweeper: sweeper, schedule: sched, expr: expr, now: time.Now}, nil
}

// Next returns the duration until the next scheduled sweep.
func (s *Scheduler) Next() time.Duration {
	now := s.now()
	d := s.schedule.Next(now).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Run sweeps on schedule until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	log.Printf("maintenance: sweeping on %q", s.expr)
	timer := time.NewTimer(s.Next())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if _, err := s.sweeper.Sweep(ctx); err != nil {
				log.Printf("maintenance: sweep: %v", err)
			}
			timer.Reset(s.Next())
		}
	}
}

func recordSweep(rep *Report) {
	metrics.RecordSweep("cache_purged", int(rep.CachePurged))
	metrics.RecordSweep("sessions_abandoned", len(rep.SessionsAbandoned))
	metrics.RecordSweep("tools_updated", rep.ToolsUpdated)
}
