package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/agentrunner/internal/providers"
	"github.com/haasonsaas/agentrunner/pkg/graph"
	"github.com/haasonsaas/agentrunner/pkg/models"
)

// llmNode implements llm_tool_use, llm_generate, and human_input (§4.1.4's
// siblings §4.1.5/§4.1.6): one synchronous provider call per turn. The
// executor's own inner loop (§4.1.1), not this type, re-invokes it with
// updated history when the provider emits tool calls.
type llmNode struct {
	provider     providers.Provider
	requireTools bool
}

func (n *llmNode) Execute(ctx context.Context, nc *NodeContext) (NodeResult, error) {
	if n.provider == nil {
		err := newNodeError(NodeErrorLLM, nc.Node.ID, "no LLM provider configured", nil)
		return NodeResult{Error: err}, err
	}
	if n.requireTools && len(nc.Tools) == 0 {
		err := newNodeError(NodeErrorLLM, nc.Node.ID, "llm_tool_use node has no tools available", nil)
		return NodeResult{Error: err}, err
	}

	req := providers.CompletionRequest{
		Messages:  buildMessages(nc),
		System:    nc.Node.SystemPrompt,
		MaxTokens: 2048,
	}
	if n.requireTools {
		req.Tools = nc.Tools
	}

	// seed is this turn's new user prompt (present on the first turn only). It
	// is returned with the reply so the executor keeps it in the history that
	// later turns are built from.
	seed := append([]models.Message(nil), req.Messages[len(nc.History):]...)

	res, err := n.provider.Complete(ctx, req)
	if err != nil {
		wrapped := newNodeError(NodeErrorLLM, nc.Node.ID, "llm call failed", err)
		return NodeResult{Error: wrapped}, wrapped
	}

	result := NodeResult{
		Success:    true,
		TokensUsed: res.InputTokens + res.OutputTokens,
	}

	if len(res.ToolCalls) > 0 {
		result.ToolCalls = res.ToolCalls
		result.Messages = append(seed, models.Message{Role: models.RoleAssistant, Content: res.Content, ToolCalls: res.ToolCalls})
		return result, nil
	}

	output, perr := parseOutput(nc.Node, res.Content)
	if perr != nil {
		wrapped := newNodeError(NodeErrorValidation, nc.Node.ID, "could not derive output from llm response", perr)
		return NodeResult{Error: wrapped}, wrapped
	}
	result.Output = output
	result.Messages = append(seed, models.Message{Role: models.RoleAssistant, Content: res.Content})
	return result, nil
}

// routerNode implements the router kind (§4.1.4): it either honors a
// memory-provided "next_node" input directly, or — when wired with a
// provider and a system prompt — asks the LLM to name the successor.
type routerNode struct {
	provider providers.Provider
}

func (r *routerNode) Execute(ctx context.Context, nc *NodeContext) (NodeResult, error) {
	if v, _ := nc.Memory.Get("next_node"); v != nil {
		if s, ok := v.(string); ok && s != "" {
			return NodeResult{Success: true, Output: map[string]any{}, NextNode: s}, nil
		}
	}

	if r.provider == nil {
		err := newNodeError(NodeErrorRouting, nc.Node.ID, "router has no provider and no next_node input", nil)
		return NodeResult{Error: err}, err
	}

	payload, _ := json.Marshal(nc.Memory.All())
	goalName, goalDesc := "", ""
	if nc.Goal != nil {
		goalName, goalDesc = nc.Goal.Name, nc.Goal.Description
	}
	prompt := fmt.Sprintf(
		"%s\n\nGoal: %s\n%s\n\nCurrent state:\n%s\n\nRespond with strictly JSON: {\"next_node\": string}.",
		nc.Node.SystemPrompt, goalName, goalDesc, payload,
	)
	res, err := r.provider.Complete(ctx, providers.CompletionRequest{
		Messages:  []models.Message{{Role: models.RoleUser, Content: prompt}},
		MaxTokens: 256,
		JSONMode:  true,
	})
	if err != nil {
		wrapped := newNodeError(NodeErrorRouting, nc.Node.ID, "router llm call failed", err)
		return NodeResult{Error: wrapped}, wrapped
	}

	var decision struct {
		NextNode string `json:"next_node"`
	}
	if err := json.Unmarshal([]byte(stripFence(res.Content)), &decision); err != nil || decision.NextNode == "" {
		wrapped := newNodeError(NodeErrorRouting, nc.Node.ID, "router llm response named no next_node", err)
		return NodeResult{Error: wrapped}, wrapped
	}
	return NodeResult{
		Success:    true,
		Output:     map[string]any{},
		NextNode:   decision.NextNode,
		TokensUsed: res.InputTokens + res.OutputTokens,
	}, nil
}

// functionNode implements the function kind (§4.1.5): a pre-registered
// synchronous callable. Function nodes may not call tools.
type functionNode struct {
	fn FunctionImpl
}

func (f *functionNode) Execute(ctx context.Context, nc *NodeContext) (NodeResult, error) {
	output, nextNode, err := f.fn(ctx, nc.Memory)
	if err != nil {
		wrapped := newNodeError(NodeErrorFunction, nc.Node.ID, "function node returned an error", err)
		return NodeResult{Error: wrapped}, wrapped
	}
	return NodeResult{Success: true, Output: output, NextNode: nextNode}, nil
}

// buildMessages assembles one turn's message list: the accumulated
// inner-loop history plus, only on a node visit's first turn, a user
// message describing the goal and the node's scoped inputs.
func buildMessages(nc *NodeContext) []models.Message {
	msgs := append([]models.Message(nil), nc.History...)
	if nc.Turn == 0 {
		payload, _ := json.Marshal(nc.Memory.All())
		goalName, goalDesc := "", ""
		if nc.Goal != nil {
			goalName, goalDesc = nc.Goal.Name, nc.Goal.Description
		}
		content := fmt.Sprintf("Goal: %s\n%s\n\nCurrent inputs:\n%s", goalName, goalDesc, payload)
		msgs = append(msgs, models.Message{Role: models.RoleUser, Content: content})
	}
	return msgs
}

// parseOutput derives a node's output map from a final (non-tool-call) LLM
// response: the happy path is a JSON object; a single declared output key
// falls back to capturing the raw text verbatim, matching how the teacher's
// providers tolerate a model that answers in prose instead of JSON.
func parseOutput(node *graph.NodeSpec, content string) (map[string]any, error) {
	trimmed := stripFence(content)
	var parsed map[string]any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
		return parsed, nil
	}
	switch len(node.OutputKeys) {
	case 0:
		return map[string]any{}, nil
	case 1:
		return map[string]any{node.OutputKeys[0]: content}, nil
	default:
		return nil, fmt.Errorf("llm response is not valid JSON and node declares %d output keys", len(node.OutputKeys))
	}
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
	}
	return strings.TrimSpace(s)
}
