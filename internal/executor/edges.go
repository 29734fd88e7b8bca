package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/agentrunner/internal/condeval"
	"github.com/haasonsaas/agentrunner/internal/providers"
	"github.com/haasonsaas/agentrunner/internal/sharedmem"
	"github.com/haasonsaas/agentrunner/pkg/graph"
	"github.com/haasonsaas/agentrunner/pkg/models"
)

// routeEdges implements §4.1 steps 8/13/14: it walks node's outgoing edges
// in descending priority order, fires the first whose condition holds,
// hands the traversed output through the output cleaner (§4.1.2), applies
// the edge's key mapping, and returns the target node id — or "" if no edge
// fires, which ends the run successfully.
func (e *Executor) routeEdges(ctx context.Context, g *graph.GraphSpec, goal *graph.Goal, node *graph.NodeSpec, result NodeResult, mem *sharedmem.Memory) string {
	for _, edge := range g.OutgoingEdges(node.ID) {
		target := g.NodeByID(edge.Target)
		if !e.edgeFires(ctx, edge, node, target, goal, result, mem) {
			continue
		}

		output := result.Output
		if e.cleaner != nil && e.cleaner.Enabled() && target != nil && len(target.InputKeys) > 0 {
			validation := e.cleaner.ValidateOutput(output, node.ID, target)
			if !validation.Valid {
				if cleaned, err := e.cleaner.CleanOutput(ctx, output, node.ID, target, validation.Errors); err == nil {
					output = cleaned
					for k, v := range cleaned {
						mem.Set(k, v)
					}
				}
			}
		}

		for srcKey, destKey := range edge.InputMapping {
			if v, ok := output[srcKey]; ok {
				mem.Set(destKey, v)
			}
		}
		return edge.Target
	}
	return ""
}

// edgeFires evaluates one EdgeSpec's condition (§4.1.3).
func (e *Executor) edgeFires(ctx context.Context, edge graph.EdgeSpec, source, target *graph.NodeSpec, goal *graph.Goal, result NodeResult, mem *sharedmem.Memory) bool {
	switch edge.Condition {
	case graph.CondAlways:
		return true
	case graph.CondOnSuccess:
		return result.Success
	case graph.CondOnFailure:
		return !result.Success
	case graph.CondConditional:
		snapshot := mem.Snapshot()
		env := make(map[string]any, len(snapshot)+len(result.Output)+1)
		for k, v := range snapshot {
			env[k] = v
		}
		for k, v := range result.Output {
			env[k] = v
		}
		env["output"] = result.Output
		return condeval.Evaluate(edge.ConditionExpr, env)
	case graph.CondLLMDecide:
		return e.llmDecide(ctx, edge, source, target, goal, result)
	default:
		return false
	}
}

// llmDecide implements §4.1.3's llm_decide condition: ask an LLM whether to
// proceed, falling back to on_success if no provider/goal is wired or the
// call fails.
func (e *Executor) llmDecide(ctx context.Context, edge graph.EdgeSpec, source, target *graph.NodeSpec, goal *graph.Goal, result NodeResult) bool {
	if e.provider == nil || goal == nil {
		return result.Success
	}

	targetName := edge.Target
	if target != nil {
		targetName = target.Name
	}
	payload, _ := json.Marshal(result.Output)
	prompt := fmt.Sprintf(
		"Goal: %s\n%s\n\nSource node: %s\nTarget node: %s\nEdge: %s\nSource output:\n%s\n\n"+
			"Respond with strictly JSON: {\"proceed\": bool, \"reasoning\": string}.",
		goal.Name, goal.Description, source.Name, targetName, edge.Description, payload,
	)

	res, err := e.provider.Complete(ctx, providers.CompletionRequest{
		Messages:  []models.Message{{Role: models.RoleUser, Content: prompt}},
		MaxTokens: 512,
		JSONMode:  true,
	})
	if err != nil {
		return result.Success
	}

	var verdict struct {
		Proceed   bool   `json:"proceed"`
		Reasoning string `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(stripFence(res.Content)), &verdict); err != nil {
		return result.Success
	}
	return verdict.Proceed
}
