// Package executor implements the Graph Executor (§4.1): the component that
// drives a GraphSpec to completion (or a pause point) one node visit at a
// time, coordinating shared memory, the tool registry, the output cleaner,
// the guardrail engine, the event bus, and the run journal.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/haasonsaas/agentrunner/internal/backoff"
	"github.com/haasonsaas/agentrunner/internal/cleaner"
	"github.com/haasonsaas/agentrunner/internal/eventbus"
	"github.com/haasonsaas/agentrunner/internal/guardrail"
	"github.com/haasonsaas/agentrunner/internal/journal"
	"github.com/haasonsaas/agentrunner/internal/providers"
	"github.com/haasonsaas/agentrunner/internal/registry"
	"github.com/haasonsaas/agentrunner/internal/sharedmem"
	"github.com/haasonsaas/agentrunner/pkg/graph"
	"github.com/haasonsaas/agentrunner/pkg/models"
)

// Executor is the stateful Graph Executor. A single Executor may run many
// graphs sequentially or concurrently; the tool registry, provider, cleaner,
// guardrail engine, event bus, and journal it is built with are shared
// across runs, while each Execute call owns its own SharedMemory and
// RunContext.
type Executor struct {
	registry   *registry.Registry
	provider   providers.Provider
	cleaner    *cleaner.Cleaner
	guardrails *guardrail.Engine
	bus        *eventbus.Bus
	journal    journal.Journal
	logger     *slog.Logger

	retryBackoff backoff.Policy

	mu        sync.RWMutex
	functions map[string]FunctionImpl
	nodeImpls map[string]NodeImplementation
}

// Option configures an Executor at construction time.
type Option func(*Executor)

// WithProvider wires the LLM provider used by llm_tool_use/llm_generate/
// router/human_input nodes and the output cleaner's repair calls.
func WithProvider(p providers.Provider) Option {
	return func(e *Executor) { e.provider = p }
}

// WithCleaner sets the output cleaner. New installs none, so cleaning is off
// unless this option supplies one; passing nil keeps it off (edge traversal
// then skips straight to input mapping).
func WithCleaner(c *cleaner.Cleaner) Option {
	return func(e *Executor) { e.cleaner = c }
}

// WithGuardrails overrides the default permissive guardrail engine.
func WithGuardrails(g *guardrail.Engine) Option {
	return func(e *Executor) { e.guardrails = g }
}

// WithEventBus wires an Event Bus so the executor publishes run lifecycle
// events (§4.4). Passing nil (the default) disables publishing.
func WithEventBus(b *eventbus.Bus) Option {
	return func(e *Executor) { e.bus = b }
}

// WithJournal overrides the default in-memory run journal.
func WithJournal(j journal.Journal) Option {
	return func(e *Executor) { e.journal = j }
}

// WithLogger overrides the executor's logger; the default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithRetryBackoff overrides the delay applied between a failed node visit
// and its retry (§4.1 point 9). The default is backoff.NodeRetryPolicy.
func WithRetryBackoff(p backoff.Policy) Option {
	return func(e *Executor) { e.retryBackoff = p }
}

// New constructs an Executor bound to reg, the tool registry every graph it
// runs will validate and dispatch tool calls against.
func New(reg *registry.Registry, opts ...Option) *Executor {
	e := &Executor{
		registry:     reg,
		guardrails:   guardrail.NewPermissiveGuardrails(),
		journal:      journal.NewMemoryJournal(),
		logger:       slog.Default(),
		retryBackoff: backoff.NodeRetryPolicy(),
		functions:    make(map[string]FunctionImpl),
		nodeImpls:    make(map[string]NodeImplementation),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterFunction binds fn as the implementation of a `function`-kind node.
func (e *Executor) RegisterFunction(nodeID string, fn FunctionImpl) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.functions[nodeID] = fn
}

// RegisterNode overrides the built-in implementation for nodeID entirely,
// regardless of its declared kind. Useful for tests and for node kinds a
// caller wants to special-case beyond the five built-ins.
func (e *Executor) RegisterNode(nodeID string, impl NodeImplementation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nodeImpls[nodeID] = impl
}

// Execute drives g to completion, starting at its entry point (or a resume
// point named by session) and returns once the run succeeds, fails, or
// pauses. It implements the main loop of §4.1.
func (e *Executor) Execute(ctx context.Context, g *graph.GraphSpec, goal *graph.Goal, input map[string]any, session *SessionState) ExecutionResult {
	if err := graph.Validate(g); err != nil {
		return ExecutionResult{Success: false, Error: fmt.Errorf("%w: %v", ErrGraphInvalid, err).Error()}
	}

	if missing := e.missingTools(g); len(missing) > 0 {
		registered := make([]string, 0)
		for _, t := range e.registry.GetTools() {
			registered = append(registered, t.Name)
		}
		return ExecutionResult{Success: false, Error: fmt.Sprintf("%v: missing %v; registered: %v", ErrMissingTools, missing, registered)}
	}

	mem := sharedmem.New()
	var history []models.Message
	if session != nil {
		mem = sharedmem.NewFromSnapshot(session.Memory)
		history = repairTranscript(session.History)
	}
	mem.Overlay(input)

	entryNode, err := resolveEntryPoint(g, session)
	if err != nil {
		return ExecutionResult{Success: false, Error: err.Error()}
	}

	goalID, goalDesc := "", ""
	if goal != nil {
		goalID, goalDesc = goal.ID, goal.Description
	}
	runID, _ := e.journal.StartRun(goalID, goalDesc, input)
	if session != nil && session.ResumeFrom != "" {
		e.publish(ctx, eventbus.NewEvent(eventbus.EventExecutionResumed, runID, map[string]any{"paused_at": session.PausedAt}).WithExecutionID(runID))
	} else {
		e.publish(ctx, eventbus.NewEvent(eventbus.EventExecutionStarted, runID, map[string]any{"goal_id": goalID}).WithExecutionID(runID))
	}

	rc := guardrail.NewRunContext()
	maxSteps := g.MaxSteps
	if maxSteps <= 0 {
		maxSteps = 100
	}

	e.logger.Info("run started",
		slog.String("run_id", runID),
		slog.String("graph_id", g.ID),
		slog.String("entry_node", entryNode))

	path := make([]string, 0, maxSteps)
	currentNode := entryNode
	steps := 0
	totalTokens, totalLatency := 0, 0
	nodeRetries := make(map[string]int)
	nodeVisits := make(map[string]int)

	for {
		if steps >= maxSteps {
			_ = e.journal.ReportProblem(runID, journal.SeverityCritical, fmt.Sprintf("%v (%d)", ErrMaxStepsExceeded, maxSteps))
			return e.fail(ctx, runID, history, steps, totalTokens, totalLatency, path,
				fmt.Sprintf("Max steps exceeded (%d). Agent failed to reach a conclusion.", maxSteps))
		}
		steps++

		node := g.NodeByID(currentNode)
		if node == nil {
			return e.fail(ctx, runID, history, steps, totalTokens, totalLatency, path,
				fmt.Sprintf("%v: %q", ErrUnknownNode, currentNode))
		}
		nodeVisits[node.ID]++
		if node.MaxNodeVisits > 0 && nodeVisits[node.ID] > node.MaxNodeVisits+maxRetries(node) {
			_ = e.journal.ReportProblem(runID, journal.SeverityCritical,
				fmt.Sprintf("node %q exceeded its visit cap of %d", node.ID, node.MaxNodeVisits))
			return e.fail(ctx, runID, history, steps, totalTokens, totalLatency, path,
				fmt.Sprintf("node %q visited %d times, exceeding its visit cap of %d", node.ID, nodeVisits[node.ID], node.MaxNodeVisits))
		}
		path = append(path, node.ID)
		_ = e.journal.RecordNodeEnter(runID, node.ID)
		e.logger.Debug("visiting node",
			slog.String("run_id", runID),
			slog.String("node_id", node.ID),
			slog.String("node_kind", string(node.Kind)),
			slog.Int("step", steps))

		nodeCtx, nodeSpan := startNodeSpan(ctx, runID, node, steps)
		vr, verr := e.visitNode(nodeCtx, runID, g, goal, node, mem, rc)
		nodeSpan.End()
		history = append(history, vr.History...)
		totalTokens += vr.TokensUsed
		totalLatency += vr.LatencyMS

		_ = e.journal.RecordDecision(runID, journal.Decision{
			NodeID:  node.ID,
			Success: vr.Success,
		})

		if verr != nil {
			nodeRetries[node.ID]++
			if nodeRetries[node.ID] < maxRetries(node) {
				rc.RecordRetry(node.ID)
				e.logger.Warn("node visit failed, retrying",
					slog.String("run_id", runID),
					slog.String("node_id", node.ID),
					slog.Int("attempt", nodeRetries[node.ID]),
					slog.Any("error", verr))
				if err := backoff.Sleep(ctx, e.retryBackoff, nodeRetries[node.ID]); err != nil {
					return e.fail(ctx, runID, history, steps, totalTokens, totalLatency, path, err.Error())
				}
				steps--
				continue
			}
			_ = e.journal.ReportProblem(runID, journal.SeverityCritical,
				fmt.Sprintf("node %q failed after %d attempts: %v", node.ID, nodeRetries[node.ID], verr))
			return e.fail(ctx, runID, history, steps, totalTokens, totalLatency, path,
				fmt.Sprintf("node %q failed after %d attempts: %v", node.ID, nodeRetries[node.ID], verr))
		}

		for k, v := range vr.Output {
			mem.Set(k, v)
		}

		if g.IsPause(node.ID) {
			state := &SessionState{
				PausedAt:   node.ID,
				ResumeFrom: node.ID + "_resume",
				Memory:     mem.Snapshot(),
				History:    history,
			}
			e.logger.Info("run paused",
				slog.String("run_id", runID),
				slog.String("node_id", node.ID))
			e.publish(ctx, eventbus.NewEvent(eventbus.EventExecutionPaused, runID, map[string]any{"node_id": node.ID}).WithExecutionID(runID))
			_ = e.journal.EndRun(runID, true, mem.Snapshot(), fmt.Sprintf("paused at %q", node.ID))
			return ExecutionResult{
				Success:        true,
				Output:         mem.Snapshot(),
				StepsExecuted:  steps,
				TotalTokens:    totalTokens,
				TotalLatencyMS: totalLatency,
				Path:           path,
				History:        history,
				PausedAt:       node.ID,
				SessionState:   state,
			}
		}

		if g.IsTerminal(node.ID) {
			break
		}

		next := vr.NextNode
		if next == "" {
			next = e.routeEdges(ctx, g, goal, node, vr.NodeResult, mem)
		} else if g.NodeByID(next) == nil {
			return e.fail(ctx, runID, history, steps, totalTokens, totalLatency, path,
				fmt.Sprintf("router at %q named unknown next node %q", node.ID, next))
		}

		if next == "" {
			// No edge fired: this is a successful, deliberate end of the run.
			break
		}
		currentNode = next
	}

	output := mem.Snapshot()
	narrative := fmt.Sprintf("executed %d steps through path: %s", steps, joinPath(path))
	_ = e.journal.EndRun(runID, true, output, narrative)
	e.logger.Info("run completed",
		slog.String("run_id", runID),
		slog.Int("steps", steps),
		slog.Int("total_tokens", totalTokens))
	e.publish(ctx, eventbus.NewEvent(eventbus.EventExecutionCompleted, runID, map[string]any{"steps": steps}).WithExecutionID(runID))

	return ExecutionResult{
		Success:        true,
		Output:         output,
		StepsExecuted:  steps,
		TotalTokens:    totalTokens,
		TotalLatencyMS: totalLatency,
		Path:           path,
		History:        history,
	}
}

func (e *Executor) fail(ctx context.Context, runID string, history []models.Message, steps, tokens, latency int, path []string, msg string) ExecutionResult {
	e.logger.Error("run failed",
		slog.String("run_id", runID),
		slog.Int("steps", steps),
		slog.String("error", msg))
	_ = e.journal.EndRun(runID, false, nil, msg)
	e.publish(ctx, eventbus.NewEvent(eventbus.EventExecutionFailed, runID, map[string]any{"error": msg}).WithExecutionID(runID))
	return ExecutionResult{
		Success:        false,
		Error:          msg,
		StepsExecuted:  steps,
		TotalTokens:    tokens,
		TotalLatencyMS: latency,
		Path:           path,
		History:        history,
	}
}

func (e *Executor) publish(ctx context.Context, ev eventbus.Event) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(ctx, ev)
}

// missingTools implements §4.1 step 2: every llm_tool_use node's declared
// tools must already be registered before the run starts.
func (e *Executor) missingTools(g *graph.GraphSpec) []string {
	var missing []string
	for i := range g.Nodes {
		n := &g.Nodes[i]
		for _, name := range ensureRegistryHasTools(e.registry, n) {
			missing = append(missing, fmt.Sprintf("%s (node %s)", name, n.ID))
		}
	}
	return missing
}

func maxRetries(node *graph.NodeSpec) int {
	if node.MaxRetries <= 0 {
		return 1
	}
	return node.MaxRetries
}

// resolveEntryPoint picks the node a run starts (or resumes) at: a session's
// ResumeFrom symbolic entry point if resuming, else the graph's entry_node.
func resolveEntryPoint(g *graph.GraphSpec, session *SessionState) (string, error) {
	if session == nil || session.ResumeFrom == "" {
		if g.EntryNode == "" {
			return "", fmt.Errorf("%w: graph declares no entry_node", ErrGraphInvalid)
		}
		return g.EntryNode, nil
	}
	id, ok := g.EntryPoints[session.ResumeFrom]
	if !ok {
		return "", fmt.Errorf("%w: no entry point named %q", ErrUnknownNode, session.ResumeFrom)
	}
	return id, nil
}

// repairTranscript drops a trailing assistant message whose tool calls never
// received a matching tool result — the one transcript shape a pause point
// can legitimately leave dangling, since a pause always lands on a
// between-turns boundary rather than mid tool-call.
func repairTranscript(history []models.Message) []models.Message {
	if len(history) == 0 {
		return history
	}
	last := history[len(history)-1]
	if last.Role != models.RoleAssistant || len(last.ToolCalls) == 0 {
		return history
	}
	pending := make(map[string]bool, len(last.ToolCalls))
	for _, c := range last.ToolCalls {
		pending[c.ID] = true
	}
	for i := len(history) - 2; i >= 0 && len(pending) > 0; i-- {
		if history[i].Role == models.RoleTool {
			delete(pending, history[i].ToolCallID)
		}
	}
	if len(pending) > 0 {
		return history[:len(history)-1]
	}
	return history
}

func joinPath(path []string) string {
	out := ""
	for i, p := range path {
		if i > 0 {
			out += " -> "
		}
		out += p
	}
	return out
}
