package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/waypoint/internal/eventlog"
	"github.com/zulandar/waypoint/internal/models"
)

const maxSummaryLen = 80

func newReplayCmd() *cobra.Command {
	var (
		configPath string
		from       int64
	)

	cmd := &cobra.Command{
		Use:   "replay <session-id>",
		Short: "Print a session's event log and its projected state",
		Long: `Replays the event log of a session from --from (default 0), then folds the
full log and compares the projection with the stored session row.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd, configPath, args[0], from)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Waypoint config file")
	cmd.Flags().Int64Var(&from, "from", 0, "first offset to print")
	return cmd
}

func runReplay(cmd *cobra.Command, configPath, sessionID string, from int64) error {
	out := cmd.OutOrStdout()
	rt, err := loadRuntime(configPath)
	if err != nil {
		return err
	}

	ctx := context.Background()
	l := rt.conductor.Log
	sess, err := l.Session(ctx, sessionID)
	if err != nil {
		return err
	}
	events, err := l.Replay(ctx, sessionID, from)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "OFFSET\tTYPE\tTIME\tCONTENT")
	for _, ev := range events {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", ev.Offset, ev.Type, ev.CreatedAt.Format("15:04:05"), summarize(ev))
	}
	w.Flush()

	st, err := l.ProjectSession(ctx, sessionID)
	if err != nil {
		return err
	}
	fmt.Fprintln(out)
	printState(out, st)

	if drift := compareSession(sess, st); len(drift) > 0 {
		fmt.Fprintf(out, "Drift:       %s\n", strings.Join(drift, ", "))
	} else {
		fmt.Fprintln(out, "Drift:       none")
	}
	return nil
}

// summarize renders an event's content on one line.
func summarize(ev models.Event) string {
	content, err := eventlog.Decode(ev)
	if err != nil {
		return truncate(string(ev.Content))
	}
	switch c := content.(type) {
	case eventlog.CustomerMessage:
		return truncate(fmt.Sprintf("%q", c.Text))
	case eventlog.AgentMessage:
		return truncate(fmt.Sprintf("%q", c.Text))
	case eventlog.StatusUpdate:
		return fmt.Sprintf("status=%s mode=%s reason=%s", c.Status, c.Mode, c.Reason)
	}
	return truncate(string(ev.Content))
}

func truncate(s string) string {
	if len(s) <= maxSummaryLen {
		return s
	}
	return s[:maxSummaryLen-3] + "..."
}

func printState(out io.Writer, st *eventlog.State) {
	fmt.Fprintf(out, "Session:     %s\n", st.SessionID)
	fmt.Fprintf(out, "Status:      %s\n", st.Status)
	fmt.Fprintf(out, "Mode:        %s\n", st.Mode)
	if st.JourneyID != "" {
		fmt.Fprintf(out, "Journey:     %s (state %s)\n", st.JourneyID, st.StateID)
	}
	fmt.Fprintf(out, "Events:      %d (%d messages)\n", st.EventCount, st.MessageCount)

	keys := make([]string, 0, len(st.Variables))
	for k := range st.Variables {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(out, "Variable:    %s = %s\n", k, truncate(string(st.Variables[k])))
	}
}

// compareSession lists the columns where the stored row disagrees with the
// projection of the log.
func compareSession(sess *models.Session, st *eventlog.State) []string {
	var drift []string
	if sess.Status != st.Status {
		drift = append(drift, fmt.Sprintf("status %s != %s", sess.Status, st.Status))
	}
	if sess.Mode != st.Mode {
		drift = append(drift, fmt.Sprintf("mode %s != %s", sess.Mode, st.Mode))
	}
	if sess.NextOffset != st.NextOffset {
		drift = append(drift, fmt.Sprintf("next_offset %d != %d", sess.NextOffset, st.NextOffset))
	}
	if sess.EventCount != st.EventCount {
		drift = append(drift, fmt.Sprintf("event_count %d != %d", sess.EventCount, st.EventCount))
	}
	return drift
}
