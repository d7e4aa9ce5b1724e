// Package maintenance runs the periodic housekeeping pass: expired
// conversion cache rows are purged, idle sessions are abandoned and tool
// health is written back to the tool rows.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/zulandar/waypoint/internal/conductor"
	"github.com/zulandar/waypoint/internal/convert"
	"github.com/zulandar/waypoint/internal/fault"
	"github.com/zulandar/waypoint/internal/models"
	"gorm.io/gorm"
)

// IdleReason is the status_update reason recorded on sessions closed for
// inactivity.
const IdleReason = "idle_timeout"

// DefaultIdleTimeout applies when SweeperOpts.IdleTimeout is zero.
const DefaultIdleTimeout = 30 * time.Minute

// SweeperOpts holds parameters for creating a Sweeper.
type SweeperOpts struct {
	Conductor   *conductor.Conductor
	Converter   *convert.Converter // optional; cache purge is skipped without it
	IdleTimeout time.Duration
}

// Sweeper performs one maintenance pass per Sweep call.
type Sweeper struct {
	cond *conductor.Conductor
	conv *convert.Converter
	idle time.Duration
	now  func() time.Time
}

// Report summarizes one sweep.
type Report struct {
	CachePurged       int64    `json:"cache_purged"`
	SessionsAbandoned []string `json:"sessions_abandoned"`
	ToolsUpdated      int      `json:"tools_updated"`
}

// NewSweeper creates a Sweeper.
func NewSweeper(opts SweeperOpts) (*Sweeper, error) {
	if opts.Conductor == nil {
		return nil, fmt.Errorf("maintenance: conductor is required")
	}
	idle := opts.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	return &Sweeper{cond: opts.Conductor, conv: opts.Converter, idle: idle, now: time.Now}, nil
}

// IdleSessions returns the IDs of active sessions whose last activity is
// older than cutoff, oldest first.
func IdleSessions(db *gorm.DB, cutoff time.Time) ([]string, error) {
	var ids []string
	err := db.Model(&models.Session{}).
		Where("status = ? AND last_activity < ?", models.SessionActive, cutoff).
		Order("last_activity ASC").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("maintenance: idle sessions: %w", err)
	}
	return ids, nil
}

// Sweep runs every maintenance step. A failing step does not stop the
// others; their errors are joined.
func (s *Sweeper) Sweep(ctx context.Context) (*Report, error) {
	rep := &Report{}
	var errs []error

	if s.conv != nil {
		n, err := s.conv.PurgeExpired(ctx)
		if err != nil {
			errs = append(errs, err)
		}
		rep.CachePurged = n
	}

	cutoff := s.now().Add(-s.idle)
	ids, err := IdleSessions(s.cond.Log.DB().WithContext(ctx), cutoff)
	if err != nil {
		errs = append(errs, err)
	}
	for _, id := range ids {
		if _, err := s.cond.Abandon(ctx, id, IdleReason); err != nil {
			// Closed between the query and the append.
			if errors.Is(err, fault.ErrInvalidSessionState) {
				continue
			}
			errs = append(errs, fmt.Errorf("maintenance: abandon %s: %w", id, err))
			continue
		}
		rep.SessionsAbandoned = append(rep.SessionsAbandoned, id)
	}

	if s.cond.Tools != nil {
		n, err := s.cond.Tools.FlushHealth(ctx)
		if err != nil {
			errs = append(errs, err)
		}
		rep.ToolsUpdated = n
	}

	recordSweep(rep)
	if len(rep.SessionsAbandoned) > 0 || rep.CachePurged > 0 || rep.ToolsUpdated > 0 {
		log.Printf("maintenance: sweep: purged %d cache rows, abandoned %d idle sessions, updated %d tool health rows",
			rep.CachePurged, len(rep.SessionsAbandoned), rep.ToolsUpdated)
	}
	return rep, errors.Join(errs...)
}
