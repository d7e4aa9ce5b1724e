package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newConvertCmd() *cobra.Command {
	var (
		configPath string
		params     []string
		agentID    string
		raw        bool
	)

	cmd := &cobra.Command{
		Use:   "convert <workflow-id>",
		Short: "Convert a workflow template into a journey definition",
		Long: `Converts the latest version of a workflow template with the given parameters.
Results are served from the conversion cache when an unexpired entry exists.
With --agent, the converted journey is also created for that agent.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConvert(cmd, configPath, args[0], params, agentID, raw)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Waypoint config file")
	cmd.Flags().StringArrayVar(&params, "param", nil, "template parameter as key=value (repeatable; JSON values are decoded)")
	cmd.Flags().StringVar(&agentID, "agent", "", "create the converted journey for this agent")
	cmd.Flags().BoolVar(&raw, "json", false, "print the cached conversion result as JSON")
	return cmd
}

func runConvert(cmd *cobra.Command, configPath, workflowID string, kvs []string, agentID string, raw bool) error {
	out := cmd.OutOrStdout()

	params, err := parseParams(kvs)
	if err != nil {
		return err
	}
	rt, err := loadRuntime(configPath)
	if err != nil {
		return err
	}

	ctx := context.Background()
	conv, err := rt.converter.Convert(ctx, workflowID, params)
	if err != nil {
		return err
	}

	if raw {
		fmt.Fprintln(out, string(conv.Raw))
	} else {
		res := conv.Result
		fmt.Fprintf(out, "Workflow:     %s (version %d)\n", res.WorkflowID, res.WorkflowVersion)
		fmt.Fprintf(out, "Params hash:  %s\n", res.ParametersHash)
		fmt.Fprintf(out, "Cache:        %s\n", cacheLabel(conv.CacheHit))
		fmt.Fprintf(out, "States:       %d\n", len(res.States))
		fmt.Fprintf(out, "Transitions:  %d\n", len(res.Transitions))
		for _, w := range res.Warnings {
			fmt.Fprintf(out, "Warning:      %s\n", w)
		}
	}

	if agentID == "" {
		return nil
	}
	j, err := rt.converter.Instantiate(ctx, agentID, conv)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Created journey %s for agent %s\n", j.ID, agentID)
	return nil
}

func cacheLabel(hit bool) string {
	if hit {
		return "hit"
	}
	return "miss"
}

// parseParams turns key=value pairs into a parameter map. Values that parse
// as JSON (numbers, booleans, objects, arrays, quoted strings) are decoded;
// anything else is kept as a plain string.
func parseParams(kvs []string) (map[string]any, error) {
	params := make(map[string]any, len(kvs))
	for _, kv := range kvs {
		key, value, ok := strings.Cut(kv, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --param %q: want key=value", kv)
		}
		params[key] = value
		if !json.Valid([]byte(value)) {
			continue
		}
		dec := json.NewDecoder(strings.NewReader(value))
		dec.UseNumber()
		var decoded any
		if err := dec.Decode(&decoded); err == nil && decoded != nil {
			params[key] = decoded
		}
	}
	return params, nil
}
