package executor

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/haasonsaas/agentrunner/internal/guardrail"
	"github.com/haasonsaas/agentrunner/internal/journal"
	"github.com/haasonsaas/agentrunner/internal/llmcontext"
	"github.com/haasonsaas/agentrunner/internal/registry"
	"github.com/haasonsaas/agentrunner/internal/sharedmem"
	"github.com/haasonsaas/agentrunner/pkg/graph"
	"github.com/haasonsaas/agentrunner/pkg/models"
)

// visitResult is everything one node visit produced, for the executor's main
// loop to fold into its step bookkeeping.
type visitResult struct {
	NodeResult
	History    []models.Message
	TokensUsed int
	LatencyMS  int
}

// visitNode drives one node visit to completion: the inner tool-use loop of
// §4.1.1, bounded by g.Loop (zero fields take the defaults), with a guardrail check before every
// LLM turn and every tool call, and input/output validation at the edges.
// It never advances the caller's step counter itself — a tool-use turn that
// loops internally is still a single step from the outer loop's perspective.
func (e *Executor) visitNode(ctx context.Context, runID string, g *graph.GraphSpec, goal *graph.Goal, node *graph.NodeSpec, mem *sharedmem.Memory, rc *guardrail.RunContext) (visitResult, error) {
	e.validateInputs(runID, node, mem)

	impl := e.implementationFor(node)
	tools := e.toolsFor(node)
	loopCfg := effectiveLoopConfig(g.Loop, node)

	var history []models.Message
	var lastSig string
	var stallCount int
	var totalTokens, totalLatency int

	for iteration := 0; ; iteration++ {
		if iteration >= loopCfg.MaxIterations {
			err := newNodeError(NodeErrorIteration, node.ID, fmt.Sprintf("inner loop exceeded %d iterations", loopCfg.MaxIterations), nil)
			return visitResult{NodeResult: NodeResult{Error: err}, History: history, TokensUsed: totalTokens, LatencyMS: totalLatency}, err
		}

		plan := guardrail.Plan{NodeID: node.ID, EstimatedTokens: g.MaxTokensPerDecision}
		pre := e.guardrails.CheckBeforeDecision(plan, rc)
		if !pre.Allowed {
			err := guardrailError(node.ID, pre)
			return visitResult{NodeResult: NodeResult{Error: err}, History: history, TokensUsed: totalTokens, LatencyMS: totalLatency}, err
		}
		e.reportViolations(runID, pre)

		ctx, span := startIterationSpan(ctx, node, iteration)
		start := time.Now()
		res, err := impl.Execute(ctx, &NodeContext{
			Goal:     goal,
			Node:     node,
			Memory:   mem.Scope(node.ID, node.InputKeys, node.OutputKeys),
			Tools:    tools,
			History:  history,
			Loop:     loopCfg,
			Provider: e.provider,
			Turn:     iteration,
		})
		latencyMS := int(time.Since(start) / time.Millisecond)
		span.End()

		totalTokens += res.TokensUsed
		totalLatency += latencyMS
		post := e.guardrails.CheckAfterDecision(err == nil, res.TokensUsed, latencyMS, "", node.ID, rc)
		e.reportViolations(runID, post)

		if err != nil {
			return visitResult{NodeResult: res, History: history, TokensUsed: totalTokens, LatencyMS: totalLatency}, err
		}

		history = append(history, res.Messages...)

		if len(res.ToolCalls) == 0 {
			if res.Success && len(node.OutputKeys) > 0 {
				if verr := e.validateOutput(node, res.Output); verr != nil {
					return visitResult{NodeResult: NodeResult{Error: verr}, History: history, TokensUsed: totalTokens, LatencyMS: totalLatency}, verr
				}
			}
			return visitResult{NodeResult: res, History: history, TokensUsed: totalTokens, LatencyMS: totalLatency}, nil
		}

		sig := signatureOf(res.ToolCalls)
		if sig == lastSig {
			stallCount++
		} else {
			stallCount = 0
		}
		lastSig = sig
		if stallCount >= loopCfg.StallDetectionThreshold {
			err := newNodeError(NodeErrorStall, node.ID, "identical tool calls repeated; stall detected", nil)
			return visitResult{NodeResult: NodeResult{Error: err}, History: history, TokensUsed: totalTokens, LatencyMS: totalLatency}, err
		}

		calls := res.ToolCalls
		if len(calls) > loopCfg.MaxToolCallsPerTurn {
			_ = e.journal.ReportProblem(runID, "warning", fmt.Sprintf(
				"node %q requested %d tool calls in one turn; cap is %d, excess dropped",
				node.ID, len(calls), loopCfg.MaxToolCallsPerTurn))
			calls = calls[:loopCfg.MaxToolCallsPerTurn]
		}
		for _, call := range calls {
			history = append(history, e.runToolCall(ctx, runID, node, call, rc)...)
		}

		history = e.trimHistory(history, loopCfg.MaxHistoryTokens)
	}
}

// runToolCall executes one tool call under a per-call guardrail check and
// returns the tool-result message to append to history.
func (e *Executor) runToolCall(ctx context.Context, runID string, node *graph.NodeSpec, call models.ToolCall, rc *guardrail.RunContext) []models.Message {
	call.Input = normalizeToolArgs(call.Input)

	pre := e.guardrails.CheckBeforeDecision(guardrail.Plan{NodeID: node.ID, ToolName: call.Name}, rc)
	e.reportViolations(runID, pre)
	if !pre.Allowed {
		return []models.Message{{
			Role:       models.RoleTool,
			Content:    fmt.Sprintf("blocked: %s", blockReason(pre)),
			ToolCallID: call.ID,
		}}
	}

	start := time.Now()
	result := e.registry.Execute(ctx, call)
	latencyMS := int(time.Since(start) / time.Millisecond)

	post := e.guardrails.CheckAfterDecision(!result.IsError, 0, latencyMS, call.Name, node.ID, rc)
	e.reportViolations(runID, post)

	return []models.Message{{
		Role:       models.RoleTool,
		Content:    result.Content,
		ToolCallID: call.ID,
	}}
}

// normalizeToolArgs implements §4.1.1 point 2: a tool call's argument
// payload must parse as JSON before dispatch; a call the model emitted with
// truncated or malformed arguments gets an empty argument record instead of
// failing the whole node visit.
func normalizeToolArgs(raw []byte) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return []byte("{}")
	}
	return raw
}

func blockReason(r guardrail.Result) string {
	if len(r.Violations) == 0 {
		return "guardrail"
	}
	return r.Violations[0].Message
}

func guardrailError(nodeID string, r guardrail.Result) *NodeError {
	msg := "blocked by guardrails"
	var guard string
	if len(r.Violations) > 0 {
		msg = r.Violations[0].Message
		guard = r.Violations[0].Guard
	}
	return newNodeError(NodeErrorGuardrail, nodeID, msg, &GuardrailBlockedError{NodeID: nodeID, Guard: guard, Message: msg})
}

// reportViolations forwards every violation to the run journal, best-effort
// — a journal failure never aborts the run (§6.2). r.Warnings is already a
// subset of r.Violations (the non-blocking ones); only Violations is walked
// here to avoid double-journaling the warn-level entries.
func (e *Executor) reportViolations(runID string, r guardrail.Result) {
	for _, v := range r.Violations {
		sev, desc := guardrail.CreateProblemFromViolation(v)
		_ = e.journal.ReportProblem(runID, journalSeverity(sev), desc)
	}
}

// validateInputs logs (as journal warnings) any declared input key that is
// absent from memory. It never fails a visit: the reference implementation
// treats missing inputs as advisory, not blocking (§4.1 step 3).
func (e *Executor) validateInputs(runID string, node *graph.NodeSpec, mem *sharedmem.Memory) {
	for _, key := range node.InputKeys {
		if _, ok := mem.Get(key); !ok {
			_ = e.journal.ReportProblem(runID, "warning", fmt.Sprintf("node %q missing declared input %q", node.ID, key))
		}
	}
}

// validateOutput enforces §4.1 step 8: every declared output key must be
// present unless the node marks it nullable.
func (e *Executor) validateOutput(node *graph.NodeSpec, output map[string]any) error {
	for _, key := range node.OutputKeys {
		v, ok := output[key]
		if !ok || v == nil {
			if node.IsOutputNullable(key) {
				continue
			}
			return newNodeError(NodeErrorValidation, node.ID, fmt.Sprintf("missing required output key %q", key), nil)
		}
	}
	return nil
}

// implementationFor resolves a node's behavior: a caller-registered override
// wins, otherwise the built-in implementation for its kind.
func (e *Executor) implementationFor(node *graph.NodeSpec) NodeImplementation {
	e.mu.RLock()
	impl, ok := e.nodeImpls[node.ID]
	e.mu.RUnlock()
	if ok {
		return impl
	}

	switch node.Kind {
	case graph.KindLLMToolUse:
		return &llmNode{provider: e.provider, requireTools: true}
	case graph.KindLLMGenerate, graph.KindHumanInput:
		return &llmNode{provider: e.provider}
	case graph.KindRouter:
		return &routerNode{provider: e.provider}
	case graph.KindFunction:
		e.mu.RLock()
		fn, ok := e.functions[node.ID]
		e.mu.RUnlock()
		if !ok {
			err := newNodeError(NodeErrorFunction, node.ID, "function node has no registered implementation", ErrFunctionNotRegistered)
			return failingImpl{err: err}
		}
		return &functionNode{fn: fn}
	default:
		err := newNodeError(NodeErrorFunction, node.ID, fmt.Sprintf("unrecognized node kind %q", node.Kind), ErrUnknownNodeKind)
		return failingImpl{err: err}
	}
}

// failingImpl is a NodeImplementation that always fails with a fixed error,
// used when a graph references a node kind/registration the executor cannot
// satisfy at visit time.
type failingImpl struct{ err error }

func (f failingImpl) Execute(ctx context.Context, nc *NodeContext) (NodeResult, error) {
	return NodeResult{Error: f.err}, f.err
}

// toolsFor resolves a node's declared tool names against the registry,
// preserving declaration order.
func (e *Executor) toolsFor(node *graph.NodeSpec) []models.Tool {
	if len(node.Tools) == 0 {
		return nil
	}
	byName := make(map[string]models.Tool, len(node.Tools))
	for _, t := range e.registry.GetTools() {
		byName[t.Name] = t
	}
	out := make([]models.Tool, 0, len(node.Tools))
	for _, name := range node.Tools {
		if t, ok := byName[name]; ok {
			out = append(out, t)
		}
	}
	return out
}

// effectiveLoopConfig lets a graph declare a run-wide loop config while still
// falling back to the documented defaults for any zero-valued field.
func effectiveLoopConfig(cfg graph.LoopConfig, node *graph.NodeSpec) graph.LoopConfig {
	defaults := graph.DefaultLoopConfig()
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaults.MaxIterations
	}
	if cfg.MaxToolCallsPerTurn <= 0 {
		cfg.MaxToolCallsPerTurn = defaults.MaxToolCallsPerTurn
	}
	if cfg.MaxHistoryTokens <= 0 {
		cfg.MaxHistoryTokens = defaults.MaxHistoryTokens
	}
	if cfg.StallDetectionThreshold <= 0 {
		cfg.StallDetectionThreshold = defaults.StallDetectionThreshold
	}
	return cfg
}

// signatureOf renders a tool-call batch as a stable digest for stall
// detection: the same tool names with the same arguments, turn after turn,
// means the model is not making progress.
func signatureOf(calls []models.ToolCall) string {
	h := md5.New()
	for _, c := range calls {
		h.Write([]byte(c.Name))
		h.Write([]byte{0})
		h.Write(c.Input)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// trimHistory bounds the inner-loop transcript to maxTokens, dropping oldest
// first and pinning the first message (the node's seed prompt) so it is
// never dropped.
func (e *Executor) trimHistory(history []models.Message, maxTokens int) []models.Message {
	if maxTokens <= 0 || len(history) == 0 {
		return history
	}
	converted := make([]llmcontext.Message, len(history))
	for i, m := range history {
		converted[i] = llmcontext.Message{
			Role:    string(m.Role),
			Content: m.Content,
			Pinned:  i == 0,
		}
	}
	kept, removed := llmcontext.TrimOldest(converted, maxTokens)
	if removed == 0 {
		return history
	}
	// TrimOldest preserves relative order and only drops unpinned entries,
	// so replaying the same keep/drop decision against the original slice by
	// position is safe.
	out := make([]models.Message, 0, len(kept))
	idx := 0
	for _, m := range history {
		if idx < len(kept) && string(m.Role) == kept[idx].Role && m.Content == kept[idx].Content {
			out = append(out, m)
			idx++
		}
	}
	return out
}

// ensureRegistryHasTools checks node.Tools against reg, returning the names
// the caller never registered (§4.1 step 2's diagnostic).
func ensureRegistryHasTools(reg *registry.Registry, node *graph.NodeSpec) []string {
	return reg.Missing(node.Tools)
}

// journalSeverity converts a guardrail severity to the journal package's
// distinct (but string-identical) Severity type.
func journalSeverity(s guardrail.Severity) journal.Severity {
	return journal.Severity(s)
}
