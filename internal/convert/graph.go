package convert

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/zulandar/waypoint/internal/fault"
	"github.com/zulandar/waypoint/internal/models"
)

var validate = validator.New()

// Graph is a workflow as supplied by the workflow editor.
type Graph struct {
	Conditions []string `json:"conditions,omitempty"`
	Blocks     []Block  `json:"blocks" validate:"required,min=1,dive"`
	Edges      []Edge   `json:"edges" validate:"dive"`
}

// Block is one workflow node.
type Block struct {
	ID      string         `json:"id" validate:"required"`
	Type    string         `json:"type" validate:"required,oneof=start message input agent tool api function condition router decision end response"`
	Name    string         `json:"name,omitempty"`
	Content string         `json:"content,omitempty"`
	ToolID  string         `json:"tool_id,omitempty"`
	Config  map[string]any `json:"config,omitempty"`
}

// Edge connects two blocks.
type Edge struct {
	ID        string `json:"id,omitempty"`
	From      string `json:"from" validate:"required"`
	To        string `json:"to" validate:"required"`
	Condition string `json:"condition,omitempty"`
	Priority  int    `json:"priority,omitempty"`
}

// StateType maps a workflow block type onto a journey state type.
func StateType(blockType string) string {
	switch blockType {
	case "start", "message", "input", "agent":
		return models.StateChat
	case "tool", "api", "function":
		return models.StateTool
	case "condition", "router", "decision":
		return models.StateDecision
	case "end", "response":
		return models.StateFinal
	}
	return ""
}

// ParseGraph decodes a stored graph.
func ParseGraph(raw []byte) (*Graph, error) {
	var g Graph
	if err := decodeJSON(raw, &g); err != nil {
		return nil, fmt.Errorf("convert: parse graph: %v: %w", err, fault.ErrMalformedWorkflowGraph)
	}
	for i := range g.Blocks {
		g.Blocks[i].Type = strings.ToLower(strings.TrimSpace(g.Blocks[i].Type))
	}
	return &g, nil
}

// Check validates the graph's shape and structure and returns the entry
// block ID. Rejected: field violations, duplicate block or edge IDs,
// dangling edges, edges out of terminal blocks, tool blocks without a tool,
// zero or several entry blocks, and cycles made only of unconditioned edges.
func (g *Graph) Check() (string, error) {
	if err := validate.Struct(g); err != nil {
		return "", malformed("%v", err)
	}

	blocks := make(map[string]*Block, len(g.Blocks))
	for i := range g.Blocks {
		b := &g.Blocks[i]
		if _, dup := blocks[b.ID]; dup {
			return "", malformed("duplicate block %q", b.ID)
		}
		blocks[b.ID] = b
		if StateType(b.Type) == models.StateTool && b.toolID() == "" {
			return "", malformed("tool block %q has no tool_id", b.ID)
		}
	}

	incoming := make(map[string]int)
	edgeIDs := make(map[string]bool)
	for i, e := range g.Edges {
		id := g.edgeID(i)
		if edgeIDs[id] {
			return "", malformed("duplicate edge %q", id)
		}
		edgeIDs[id] = true
		from, ok := blocks[e.From]
		if !ok {
			return "", malformed("edge %q references unknown block %q", id, e.From)
		}
		if _, ok := blocks[e.To]; !ok {
			return "", malformed("edge %q references unknown block %q", id, e.To)
		}
		if StateType(from.Type) == models.StateFinal {
			return "", malformed("terminal block %q has outgoing edge %q", from.ID, id)
		}
		incoming[e.To]++
	}

	entry, err := g.entry(incoming)
	if err != nil {
		return "", err
	}
	if cycle := g.unconditionedCycle(); cycle != nil {
		return "", malformed("unconditioned cycle %s", strings.Join(cycle, " -> "))
	}
	return entry, nil
}

func (g *Graph) entry(incoming map[string]int) (string, error) {
	var starts, roots []string
	for _, b := range g.Blocks {
		if b.Type == "start" {
			starts = append(starts, b.ID)
		}
		if incoming[b.ID] == 0 {
			roots = append(roots, b.ID)
		}
	}
	switch {
	case len(starts) == 1:
		return starts[0], nil
	case len(starts) > 1:
		return "", malformed("multiple start blocks %v", starts)
	case len(roots) == 1:
		return roots[0], nil
	case len(roots) == 0:
		return "", malformed("no entry block: every block has an incoming edge")
	default:
		return "", malformed("ambiguous entry: blocks %v have no incoming edges", roots)
	}
}

// unconditionedCycle returns a cycle of blocks joined only by edges without
// conditions, or nil.
func (g *Graph) unconditionedCycle() []string {
	adj := make(map[string][]string)
	for _, e := range g.Edges {
		if strings.TrimSpace(e.Condition) == "" {
			adj[e.From] = append(adj[e.From], e.To)
		}
	}
	for k := range adj {
		sort.Strings(adj[k])
	}

	const (
		unvisited = iota
		onStack
		done
	)
	mark := make(map[string]int)
	var stack []string
	var found []string

	var visit func(id string) bool
	visit = func(id string) bool {
		mark[id] = onStack
		stack = append(stack, id)
		for _, next := range adj[id] {
			switch mark[next] {
			case onStack:
				for i, s := range stack {
					if s == next {
						found = append(append([]string{}, stack[i:]...), next)
						break
					}
				}
				return true
			case unvisited:
				if visit(next) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		mark[id] = done
		return false
	}
	for _, b := range g.Blocks {
		if mark[b.ID] == unvisited && visit(b.ID) {
			return found
		}
	}
	return nil
}

// hasCycle reports whether any cycle exists, conditioned or not.
func (g *Graph) hasCycle() bool {
	adj := make(map[string][]string)
	for _, e := range g.Edges {
		adj[e.From] = append(adj[e.From], e.To)
	}
	mark := make(map[string]int)
	var visit func(id string) bool
	visit = func(id string) bool {
		mark[id] = 1
		for _, next := range adj[id] {
			if mark[next] == 1 || (mark[next] == 0 && visit(next)) {
				return true
			}
		}
		mark[id] = 2
		return false
	}
	for _, b := range g.Blocks {
		if mark[b.ID] == 0 && visit(b.ID) {
			return true
		}
	}
	return false
}

// reachable returns the blocks reachable from entry.
func (g *Graph) reachable(entry string) map[string]bool {
	adj := make(map[string][]string)
	for _, e := range g.Edges {
		adj[e.From] = append(adj[e.From], e.To)
	}
	seen := map[string]bool{entry: true}
	queue := []string{entry}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range adj[id] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return seen
}

func (g *Graph) edgeID(i int) string {
	if g.Edges[i].ID != "" {
		return g.Edges[i].ID
	}
	return fmt.Sprintf("e%d", i)
}

func (b *Block) toolID() string {
	if b.ToolID != "" {
		return b.ToolID
	}
	if s, ok := b.Config["tool_id"].(string); ok {
		return s
	}
	return ""
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("convert: %s: %w", fmt.Sprintf(format, args...), fault.ErrMalformedWorkflowGraph)
}
