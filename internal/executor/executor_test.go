package executor

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/haasonsaas/agentrunner/internal/cleaner"
	"github.com/haasonsaas/agentrunner/internal/guardrail"
	"github.com/haasonsaas/agentrunner/internal/providers"
	"github.com/haasonsaas/agentrunner/internal/registry"
	"github.com/haasonsaas/agentrunner/internal/sharedmem"
	"github.com/haasonsaas/agentrunner/pkg/graph"
	"github.com/haasonsaas/agentrunner/pkg/models"
)

// fakeProvider is a scripted Provider for tests that never touch a real LLM.
type fakeProvider struct {
	responses []providers.CompletionResult
	calls     int
	err       error
}

func (f *fakeProvider) Complete(ctx context.Context, req providers.CompletionRequest) (providers.CompletionResult, error) {
	if f.err != nil {
		return providers.CompletionResult{}, f.err
	}
	if f.calls >= len(f.responses) {
		return f.responses[len(f.responses)-1], nil
	}
	r := f.responses[f.calls]
	f.calls++
	return r, nil
}

func (f *fakeProvider) CompleteWithTools(ctx context.Context, req providers.CompletionRequest, exec providers.ToolExecutor, maxIterations int) (providers.CompletionResult, error) {
	return f.Complete(ctx, req)
}

func (f *fakeProvider) Name() string { return "fake" }

func twoFunctionGraph() *graph.GraphSpec {
	return &graph.GraphSpec{
		ID:        "g1",
		EntryNode: "start",
		Nodes: []graph.NodeSpec{
			{ID: "start", Kind: graph.KindFunction, OutputKeys: []string{"greeting"}},
			{ID: "end", Kind: graph.KindFunction, InputKeys: []string{"greeting"}, OutputKeys: []string{"final"}},
		},
		Edges: []graph.EdgeSpec{
			{ID: "e1", Source: "start", Target: "end", Condition: graph.CondAlways},
		},
		TerminalNodes: map[string]bool{"end": true},
		MaxSteps:      10,
	}
}

func TestExecuteTwoNodeFunctionSuccess(t *testing.T) {
	g := twoFunctionGraph()
	e := New(registry.New())
	e.RegisterFunction("start", func(ctx context.Context, mem *sharedmem.ScopedView) (map[string]any, string, error) {
		return map[string]any{"greeting": "hello"}, "", nil
	})
	e.RegisterFunction("end", func(ctx context.Context, mem *sharedmem.ScopedView) (map[string]any, string, error) {
		v, _ := mem.Get("greeting")
		return map[string]any{"final": v}, "", nil
	})

	result := e.Execute(context.Background(), g, nil, nil, nil)
	if !result.Success {
		t.Fatalf("expected success, got error: %s", result.Error)
	}
	if result.Output["final"] != "hello" {
		t.Fatalf("expected final=hello, got %v", result.Output["final"])
	}
	if len(result.Path) != 2 || result.Path[0] != "start" || result.Path[1] != "end" {
		t.Fatalf("unexpected path: %v", result.Path)
	}
}

func TestExecuteConditionalRoutingNoEdgeFiresEndsSuccessfully(t *testing.T) {
	g := &graph.GraphSpec{
		ID:        "g2",
		EntryNode: "start",
		Nodes: []graph.NodeSpec{
			{ID: "start", Kind: graph.KindFunction, OutputKeys: []string{"ok"}},
			{ID: "end", Kind: graph.KindFunction},
		},
		Edges: []graph.EdgeSpec{
			{ID: "e1", Source: "start", Target: "end", Condition: graph.CondConditional, ConditionExpr: "ok == false"},
		},
		MaxSteps: 10,
	}
	e := New(registry.New())
	e.RegisterFunction("start", func(ctx context.Context, mem *sharedmem.ScopedView) (map[string]any, string, error) {
		return map[string]any{"ok": true}, "", nil
	})

	result := e.Execute(context.Background(), g, nil, nil, nil)
	if !result.Success {
		t.Fatalf("expected a no-edge-fires run to succeed, got error: %s", result.Error)
	}
	if len(result.Path) != 1 || result.Path[0] != "start" {
		t.Fatalf("expected run to stop at start, got path %v", result.Path)
	}
}

func TestExecuteRetriesThenSucceeds(t *testing.T) {
	g := &graph.GraphSpec{
		ID:        "g3",
		EntryNode: "flaky",
		Nodes: []graph.NodeSpec{
			{ID: "flaky", Kind: graph.KindFunction, MaxRetries: 3, OutputKeys: []string{"done"}},
		},
		TerminalNodes: map[string]bool{"flaky": true},
		MaxSteps:      10,
	}
	e := New(registry.New())
	attempts := 0
	e.RegisterFunction("flaky", func(ctx context.Context, mem *sharedmem.ScopedView) (map[string]any, string, error) {
		attempts++
		if attempts < 2 {
			return nil, "", errBoom
		}
		return map[string]any{"done": true}, "", nil
	})

	result := e.Execute(context.Background(), g, nil, nil, nil)
	if !result.Success {
		t.Fatalf("expected eventual success, got error: %s", result.Error)
	}
	if attempts != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", attempts)
	}
}

func TestExecuteNodeFailsAfterRetriesExhausted(t *testing.T) {
	g := &graph.GraphSpec{
		ID:        "g4",
		EntryNode: "broken",
		Nodes: []graph.NodeSpec{
			{ID: "broken", Kind: graph.KindFunction, MaxRetries: 2},
		},
		TerminalNodes: map[string]bool{"broken": true},
		MaxSteps:      10,
	}
	e := New(registry.New())
	e.RegisterFunction("broken", func(ctx context.Context, mem *sharedmem.ScopedView) (map[string]any, string, error) {
		return nil, "", errBoom
	})

	result := e.Execute(context.Background(), g, nil, nil, nil)
	if result.Success {
		t.Fatal("expected failure once retries are exhausted")
	}
	if result.Error == "" {
		t.Fatal("expected a descriptive error message")
	}
}

func TestExecutePauseAndResume(t *testing.T) {
	g := &graph.GraphSpec{
		ID:        "g5",
		EntryNode: "gate",
		EntryPoints: map[string]string{
			"gate_resume": "after",
		},
		Nodes: []graph.NodeSpec{
			{ID: "gate", Kind: graph.KindFunction, OutputKeys: []string{"queued"}},
			{ID: "after", Kind: graph.KindFunction, OutputKeys: []string{"done"}},
		},
		PauseNodes:    map[string]bool{"gate": true},
		TerminalNodes: map[string]bool{"after": true},
		MaxSteps:      10,
	}
	e := New(registry.New())
	e.RegisterFunction("gate", func(ctx context.Context, mem *sharedmem.ScopedView) (map[string]any, string, error) {
		return map[string]any{"queued": true}, "", nil
	})
	e.RegisterFunction("after", func(ctx context.Context, mem *sharedmem.ScopedView) (map[string]any, string, error) {
		return map[string]any{"done": true}, "", nil
	})

	first := e.Execute(context.Background(), g, nil, nil, nil)
	if !first.Success || first.PausedAt != "gate" {
		t.Fatalf("expected a pause at gate, got success=%v pausedAt=%q error=%q", first.Success, first.PausedAt, first.Error)
	}
	if first.SessionState == nil || first.SessionState.ResumeFrom != "gate_resume" {
		t.Fatalf("expected resume bundle naming gate_resume, got %+v", first.SessionState)
	}

	second := e.Execute(context.Background(), g, nil, nil, first.SessionState)
	if !second.Success {
		t.Fatalf("expected resumed run to succeed, got error: %s", second.Error)
	}
	if second.Output["done"] != true {
		t.Fatalf("expected done=true after resume, got %v", second.Output["done"])
	}
}

func TestExecuteGuardrailBlocksOnRunTokenBudget(t *testing.T) {
	g := &graph.GraphSpec{
		ID:        "g6",
		EntryNode: "talk",
		Nodes: []graph.NodeSpec{
			{ID: "talk", Kind: graph.KindLLMGenerate, MaxRetries: 1},
		},
		TerminalNodes:        map[string]bool{"talk": true},
		MaxSteps:             10,
		MaxTokensPerDecision: 100,
	}
	fp := &fakeProvider{responses: []providers.CompletionResult{{Content: `{"ok":true}`, InputTokens: 1000, OutputTokens: 1000}}}
	guardrails := guardrail.New(guardrail.Config{
		Tokens: guardrail.TokenGuardConfig{MaxTokensPerDecision: 100, MaxTokensPerRun: 50},
	})
	e := New(registry.New(), WithProvider(fp), WithGuardrails(guardrails))

	result := e.Execute(context.Background(), g, nil, nil, nil)
	if result.Success {
		t.Fatal("expected the run token budget to block this run")
	}
}

func TestExecuteMissingToolsFailsValidation(t *testing.T) {
	g := &graph.GraphSpec{
		ID:        "g7",
		EntryNode: "uses_tool",
		Nodes: []graph.NodeSpec{
			{ID: "uses_tool", Kind: graph.KindLLMToolUse, Tools: []string{"search"}},
		},
		TerminalNodes: map[string]bool{"uses_tool": true},
		MaxSteps:      10,
	}
	e := New(registry.New())
	result := e.Execute(context.Background(), g, nil, nil, nil)
	if result.Success {
		t.Fatal("expected missing tool registration to fail before any node runs")
	}
}

func TestExecuteEmptyGraphFailsValidation(t *testing.T) {
	g := &graph.GraphSpec{ID: "empty"}
	e := New(registry.New())
	result := e.Execute(context.Background(), g, nil, nil, nil)
	if result.Success {
		t.Fatal("expected an empty graph to fail validation")
	}
}

func TestExecuteRouterNamesUnknownNodeFails(t *testing.T) {
	g := &graph.GraphSpec{
		ID:        "g8",
		EntryNode: "router",
		Nodes: []graph.NodeSpec{
			{ID: "router", Kind: graph.KindRouter},
		},
		MaxSteps: 10,
	}
	e := New(registry.New())
	e.RegisterNode("router", routerAlwaysGoesTo{next: "ghost"})

	result := e.Execute(context.Background(), g, nil, nil, nil)
	if result.Success {
		t.Fatal("expected routing to an unknown node to fail the run")
	}
}

// routerAlwaysGoesTo is a NodeImplementation test double for router nodes
// that always name a fixed next node.
type routerAlwaysGoesTo struct{ next string }

func (r routerAlwaysGoesTo) Execute(ctx context.Context, nc *NodeContext) (NodeResult, error) {
	return NodeResult{Success: true, Output: map[string]any{}, NextNode: r.next}, nil
}

func TestExecuteToolUseLoopRunsToolThenFinishes(t *testing.T) {
	g := &graph.GraphSpec{
		ID:        "g9",
		EntryNode: "agent",
		Nodes: []graph.NodeSpec{
			{ID: "agent", Kind: graph.KindLLMToolUse, Tools: []string{"echo"}, OutputKeys: []string{"answer"}},
		},
		TerminalNodes: map[string]bool{"agent": true},
		MaxSteps:      10,
	}
	reg := registry.New()
	_ = reg.Register(models.Tool{Name: "echo"}, func(ctx context.Context, call models.ToolCall) models.ToolResult {
		return models.ToolResult{ToolCallID: call.ID, Content: "echoed"}
	})

	toolCallArgs, _ := json.Marshal(map[string]any{})
	fp := &fakeProvider{responses: []providers.CompletionResult{
		{ToolCalls: []models.ToolCall{{ID: "c1", Name: "echo", Input: toolCallArgs}}},
		{Content: `{"answer":"done"}`},
	}}
	e := New(reg, WithProvider(fp))

	result := e.Execute(context.Background(), g, nil, nil, nil)
	if !result.Success {
		t.Fatalf("expected tool-use node to finish successfully, got error: %s", result.Error)
	}
	if result.Output["answer"] != "done" {
		t.Fatalf("expected answer=done, got %v", result.Output["answer"])
	}
}

var errBoom = boomError{}

type boomError struct{}

func (boomError) Error() string { return "boom" }

func TestExecuteConditionalRoutingOnScore(t *testing.T) {
	g := &graph.GraphSpec{
		ID:        "g10",
		EntryNode: "score",
		Nodes: []graph.NodeSpec{
			{ID: "score", Kind: graph.KindFunction, OutputKeys: []string{"score"}},
			{ID: "publish", Kind: graph.KindFunction, InputKeys: []string{"confidence"}, OutputKeys: []string{"published"}},
		},
		Edges: []graph.EdgeSpec{
			{ID: "e1", Source: "score", Target: "publish", Condition: graph.CondConditional,
				ConditionExpr: "output['score'] > 0.8",
				InputMapping:  map[string]string{"score": "confidence"}},
		},
		TerminalNodes: map[string]bool{"publish": true},
		MaxSteps:      10,
	}
	e := New(registry.New())
	e.RegisterFunction("score", func(ctx context.Context, mem *sharedmem.ScopedView) (map[string]any, string, error) {
		return map[string]any{"score": 0.9}, "", nil
	})
	var sawConfidence any
	e.RegisterFunction("publish", func(ctx context.Context, mem *sharedmem.ScopedView) (map[string]any, string, error) {
		sawConfidence, _ = mem.Get("confidence")
		return map[string]any{"published": true}, "", nil
	})

	result := e.Execute(context.Background(), g, nil, nil, nil)
	if !result.Success {
		t.Fatalf("expected success, got error: %s", result.Error)
	}
	if len(result.Path) != 2 || result.Path[1] != "publish" {
		t.Fatalf("expected path [score publish], got %v", result.Path)
	}
	if sawConfidence != 0.9 {
		t.Fatalf("expected edge input mapping to write confidence=0.9, got %v", sawConfidence)
	}
}

func TestExecuteMaxStepsExceeded(t *testing.T) {
	g := &graph.GraphSpec{
		ID:        "g11",
		EntryNode: "loop",
		Nodes: []graph.NodeSpec{
			{ID: "loop", Kind: graph.KindFunction},
		},
		Edges: []graph.EdgeSpec{
			{ID: "e1", Source: "loop", Target: "loop", Condition: graph.CondAlways},
		},
		MaxSteps: 3,
	}
	e := New(registry.New())
	e.RegisterFunction("loop", func(ctx context.Context, mem *sharedmem.ScopedView) (map[string]any, string, error) {
		return map[string]any{}, "", nil
	})

	result := e.Execute(context.Background(), g, nil, nil, nil)
	if result.Success {
		t.Fatal("expected a self-looping graph to exhaust max steps")
	}
	if !strings.Contains(result.Error, "Max steps exceeded (3)") {
		t.Fatalf("expected a max-steps diagnostic, got %q", result.Error)
	}
	if result.StepsExecuted != 3 {
		t.Fatalf("expected exactly 3 steps, got %d", result.StepsExecuted)
	}
}

func TestExecuteMaxNodeVisitsEnforced(t *testing.T) {
	g := &graph.GraphSpec{
		ID:        "g12",
		EntryNode: "loop",
		Nodes: []graph.NodeSpec{
			{ID: "loop", Kind: graph.KindFunction, MaxNodeVisits: 2},
		},
		Edges: []graph.EdgeSpec{
			{ID: "e1", Source: "loop", Target: "loop", Condition: graph.CondAlways},
		},
		MaxSteps: 50,
	}
	e := New(registry.New())
	e.RegisterFunction("loop", func(ctx context.Context, mem *sharedmem.ScopedView) (map[string]any, string, error) {
		return map[string]any{}, "", nil
	})

	result := e.Execute(context.Background(), g, nil, nil, nil)
	if result.Success {
		t.Fatal("expected the node visit cap to fail the run before max steps")
	}
	if !strings.Contains(result.Error, "visit cap") {
		t.Fatalf("expected a visit-cap diagnostic, got %q", result.Error)
	}
}

func TestExecuteOutputCleaningNestedKeyTrap(t *testing.T) {
	g := &graph.GraphSpec{
		ID:        "g13",
		EntryNode: "writer",
		Nodes: []graph.NodeSpec{
			{ID: "writer", Kind: graph.KindFunction, OutputKeys: []string{"report"}},
			{ID: "reader", Kind: graph.KindFunction, InputKeys: []string{"report"}, OutputKeys: []string{"final"}},
		},
		Edges: []graph.EdgeSpec{
			{ID: "e1", Source: "writer", Target: "reader", Condition: graph.CondAlways},
		},
		TerminalNodes: map[string]bool{"reader": true},
		MaxSteps:      10,
	}

	repairer := &fakeProvider{responses: []providers.CompletionResult{{Content: `{"report":"ok"}`}}}
	cl := cleaner.New(cleaner.DefaultConfig(), repairer)

	e := New(registry.New(), WithCleaner(cl))
	e.RegisterFunction("writer", func(ctx context.Context, mem *sharedmem.ScopedView) (map[string]any, string, error) {
		return map[string]any{"report": `{"report":"ok"}`}, "", nil
	})
	var sawReport any
	e.RegisterFunction("reader", func(ctx context.Context, mem *sharedmem.ScopedView) (map[string]any, string, error) {
		sawReport, _ = mem.Get("report")
		return map[string]any{"final": sawReport}, "", nil
	})

	result := e.Execute(context.Background(), g, nil, nil, nil)
	if !result.Success {
		t.Fatalf("expected success, got error: %s", result.Error)
	}
	if sawReport != "ok" {
		t.Fatalf("expected the cleaner to unwrap the nested report string, reader saw %v", sawReport)
	}
}

func TestExecuteStallDetectionFailsNode(t *testing.T) {
	g := &graph.GraphSpec{
		ID:        "g14",
		EntryNode: "agent",
		Nodes: []graph.NodeSpec{
			{ID: "agent", Kind: graph.KindLLMToolUse, Tools: []string{"echo"}},
		},
		TerminalNodes: map[string]bool{"agent": true},
		MaxSteps:      10,
	}
	reg := registry.New()
	_ = reg.Register(models.Tool{Name: "echo"}, func(ctx context.Context, call models.ToolCall) models.ToolResult {
		return models.ToolResult{ToolCallID: call.ID, Content: "echoed"}
	})

	// The provider repeats the identical tool call forever, never converging.
	args, _ := json.Marshal(map[string]any{"q": "same"})
	fp := &fakeProvider{responses: []providers.CompletionResult{
		{ToolCalls: []models.ToolCall{{ID: "c1", Name: "echo", Input: args}}},
	}}
	e := New(reg, WithProvider(fp))

	result := e.Execute(context.Background(), g, nil, nil, nil)
	if result.Success {
		t.Fatal("expected stall detection to fail the node")
	}
	if !strings.Contains(result.Error, "stall") {
		t.Fatalf("expected a stall diagnostic, got %q", result.Error)
	}
}
