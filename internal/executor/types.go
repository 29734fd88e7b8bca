package executor

import (
	"context"

	"github.com/haasonsaas/agentrunner/internal/providers"
	"github.com/haasonsaas/agentrunner/internal/sharedmem"
	"github.com/haasonsaas/agentrunner/pkg/graph"
	"github.com/haasonsaas/agentrunner/pkg/models"
)

// ExecutionResult is the Executor API's sole return shape (§4.1, §6.1).
type ExecutionResult struct {
	Success        bool
	Output         map[string]any
	Error          string
	StepsExecuted  int
	TotalTokens    int
	TotalLatencyMS int
	Path           []string
	History        []models.Message
	PausedAt       string
	SessionState   *SessionState
}

// SessionState is the resume bundle of §3.1, written at a pause point and
// consumed by a later Execute call.
type SessionState struct {
	PausedAt   string
	ResumeFrom string
	Memory     map[string]any
	History    []models.Message
}

// NodeResult is what a NodeImplementation reports back to the executor for
// one LLM/function/router invocation (§4.1 step 6).
type NodeResult struct {
	Success    bool
	Output     map[string]any
	NextNode   string
	ToolCalls  []models.ToolCall
	Messages   []models.Message
	TokensUsed int
	LatencyMS  int
	Error      error
}

// NodeContext is what the executor builds and hands to a NodeImplementation
// for one turn (§4.1 step 3). Turn is 0 on a node visit's first LLM call and
// increments once per inner-loop iteration, so an implementation knows
// whether to re-seed its initial prompt or just continue the dialogue.
type NodeContext struct {
	Goal     *graph.Goal
	Node     *graph.NodeSpec
	Memory   *sharedmem.ScopedView
	Tools    []models.Tool
	History  []models.Message
	Loop     graph.LoopConfig
	Provider providers.Provider
	Turn     int
}

// NodeImplementation is the behavior a node kind (or a caller-registered
// override) executes when visited.
type NodeImplementation interface {
	Execute(ctx context.Context, nc *NodeContext) (NodeResult, error)
}

// FunctionImpl is the signature a `function`-kind node must be registered
// with (§4.1.5). It receives the scoped memory view and returns an output
// map plus an optional explicit next node. Function nodes may not call
// tools.
type FunctionImpl func(ctx context.Context, mem *sharedmem.ScopedView) (output map[string]any, nextNode string, err error)
