package graph

import (
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyGraph is returned when a GraphSpec declares zero nodes.
var ErrEmptyGraph = errors.New("graph: must declare at least one node")

// ValidationError collects every structural problem found in a GraphSpec so a
// caller gets the complete diagnostic in one failure rather than one-at-a-time.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("graph validation failed: %s", strings.Join(e.Problems, "; "))
}

// Validate checks the structural invariants spec.md §3.1 requires of a GraphSpec:
// edges reference real nodes, entry/terminal/pause/entry-point ids resolve, every
// llm_tool_use node declares at least one tool, and no two edges share a
// (source, target, condition, condition_expr) tuple.
func Validate(g *GraphSpec) error {
	if g == nil || len(g.Nodes) == 0 {
		return ErrEmptyGraph
	}

	var problems []string

	ids := make(map[string]*NodeSpec, len(g.Nodes))
	for i := range g.Nodes {
		n := &g.Nodes[i]
		if n.ID == "" {
			problems = append(problems, "node with empty id")
			continue
		}
		if _, dup := ids[n.ID]; dup {
			problems = append(problems, fmt.Sprintf("duplicate node id %q", n.ID))
		}
		ids[n.ID] = n
	}

	checkRef := func(label, id string) {
		if id == "" {
			return
		}
		if _, ok := ids[id]; !ok {
			problems = append(problems, fmt.Sprintf("%s references unknown node %q", label, id))
		}
	}

	checkRef("entry_node", g.EntryNode)
	for name, id := range g.EntryPoints {
		checkRef(fmt.Sprintf("entry_point %q", name), id)
	}
	for id := range g.TerminalNodes {
		checkRef("terminal_nodes", id)
	}
	for id := range g.PauseNodes {
		checkRef("pause_nodes", id)
	}

	type edgeKey struct{ source, target, cond, expr string }
	seen := make(map[edgeKey]bool, len(g.Edges))
	for _, e := range g.Edges {
		checkRef(fmt.Sprintf("edge %q source", e.ID), e.Source)
		checkRef(fmt.Sprintf("edge %q target", e.ID), e.Target)

		key := edgeKey{e.Source, e.Target, string(e.Condition), e.ConditionExpr}
		if seen[key] {
			problems = append(problems, fmt.Sprintf(
				"duplicate edge (source=%s target=%s condition=%s expr=%q)",
				e.Source, e.Target, e.Condition, e.ConditionExpr))
		}
		seen[key] = true
	}

	for _, n := range g.Nodes {
		if n.Kind == KindLLMToolUse && len(n.Tools) == 0 {
			problems = append(problems, fmt.Sprintf("node %q is llm_tool_use but declares no tools", n.ID))
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}
