package main

import (
	"fmt"

	"github.com/zulandar/waypoint/internal/canned"
	"github.com/zulandar/waypoint/internal/condition"
	"github.com/zulandar/waypoint/internal/conductor"
	"github.com/zulandar/waypoint/internal/config"
	"github.com/zulandar/waypoint/internal/convert"
	"github.com/zulandar/waypoint/internal/db"
	"github.com/zulandar/waypoint/internal/eventlog"
	"github.com/zulandar/waypoint/internal/guideline"
	"github.com/zulandar/waypoint/internal/journey"
	"github.com/zulandar/waypoint/internal/maintenance"
	"github.com/zulandar/waypoint/internal/tool"
	"github.com/zulandar/waypoint/internal/variable"
	"gorm.io/gorm"
)

// runtime is the wired component stack shared by the commands.
type runtime struct {
	cfg       *config.Config
	db        *gorm.DB
	conductor *conductor.Conductor
	converter *convert.Converter
}

// loadRuntime loads configPath, connects to the configured database and
// wires the stack. The schema must already exist (wp db init).
func loadRuntime(configPath string) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return nil, err
	}
	return newRuntime(cfg, gormDB), nil
}

func newRuntime(cfg *config.Config, gormDB *gorm.DB) *runtime {
	l := eventlog.New(gormDB, eventlog.NewBus())
	eval := condition.New(nil)
	reg := tool.NewRegistry(gormDB)
	reg.LoadConfig(cfg.Tools)

	cond := conductor.New(conductor.Deps{
		Log:        l,
		Variables:  variable.New(l),
		Guidelines: guideline.NewMatcher(gormDB, eval),
		Journeys:   journey.New(l, eval),
		Canned:     canned.NewSelector(gormDB, eval),
		Tools:      tool.NewInvoker(reg, l, cfg.Runtime.HealthWindow),
	}, conductor.Options{
		RecentEvents:    cfg.Runtime.RecentEvents,
		MaxJourneySteps: cfg.Runtime.MaxJourneySteps,
	})

	return &runtime{
		cfg:       cfg,
		db:        gormDB,
		conductor: cond,
		converter: convert.New(gormDB, nil, cfg.Runtime.CacheNamespace, cfg.Runtime.CacheTTL.Duration),
	}
}

func (rt *runtime) sweeper() (*maintenance.Sweeper, error) {
	return maintenance.NewSweeper(maintenance.SweeperOpts{
		Conductor:   rt.conductor,
		Converter:   rt.converter,
		IdleTimeout: rt.cfg.Runtime.SessionIdleTimeout.Duration,
	})
}
