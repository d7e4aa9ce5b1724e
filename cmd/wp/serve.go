package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/waypoint/internal/httpapi"
	"github.com/zulandar/waypoint/internal/maintenance"
	"github.com/zulandar/waypoint/internal/metrics"
	"github.com/zulandar/waypoint/internal/transport"
	"github.com/zulandar/waypoint/internal/transport/discord"
	"github.com/zulandar/waypoint/internal/transport/slack"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Waypoint API server",
		Long: `Serves the HTTP API, runs the maintenance sweep on its cron schedule and
bridges the configured chat platforms (Slack, Discord) to agent sessions.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Waypoint config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides server.port)")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int) error {
	rt, err := loadRuntime(configPath)
	if err != nil {
		return err
	}
	if port > 0 {
		rt.cfg.Server.Port = port
	}
	metrics.Init()

	sweeper, err := rt.sweeper()
	if err != nil {
		return err
	}
	scheduler, err := maintenance.NewScheduler(sweeper, rt.cfg.Runtime.SweepSchedule)
	if err != nil {
		return err
	}
	bridges, err := newBridges(rt)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle OS signals for graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scheduler.Run(ctx)
	}()
	for name, b := range bridges {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.Run(ctx); err != nil {
				log.Printf("serve: %s bridge: %v", name, err)
			}
		}()
		fmt.Fprintf(cmd.OutOrStdout(), "Bridging %s\n", name)
	}

	err = httpapi.Start(ctx, httpapi.StartOpts{
		Deps: httpapi.Deps{
			Conductor: rt.conductor,
			Converter: rt.converter,
		},
		Port: rt.cfg.Server.Port,
		Out:  cmd.OutOrStdout(),
	})
	cancel()
	wg.Wait()
	return err
}

// newBridges builds a bridge for every enabled chat platform.
func newBridges(rt *runtime) (map[string]*transport.Bridge, error) {
	bridges := make(map[string]*transport.Bridge)
	tc := rt.cfg.Transport

	if tc.Slack.Enabled() {
		adapter, err := slack.New(slack.AdapterOpts{
			AppToken:  tc.Slack.AppToken,
			BotToken:  tc.Slack.BotToken,
			ChannelID: tc.Slack.ChannelID,
		})
		if err != nil {
			return nil, err
		}
		b, err := transport.NewBridge(transport.BridgeOpts{
			Adapter:   adapter,
			Conductor: rt.conductor,
			Platform:  slack.Platform,
			AgentID:   tc.Slack.AgentID,
		})
		if err != nil {
			return nil, err
		}
		bridges[slack.Platform] = b
	}

	if tc.Discord.Enabled() {
		adapter, err := discord.New(discord.AdapterOpts{
			BotToken:   tc.Discord.BotToken,
			ChannelID:  tc.Discord.ChannelID,
			AutoThread: tc.Discord.AutoThread,
		})
		if err != nil {
			return nil, err
		}
		b, err := transport.NewBridge(transport.BridgeOpts{
			Adapter:   adapter,
			Conductor: rt.conductor,
			Platform:  discord.Platform,
			AgentID:   tc.Discord.AgentID,
		})
		if err != nil {
			return nil, err
		}
		bridges[discord.Platform] = b
	}
	return bridges, nil
}
