package providers

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/haasonsaas/agentrunner/pkg/models"
)

func TestRunToolLoopStopsOnNoToolCalls(t *testing.T) {
	calls := 0
	complete := func(ctx context.Context, req CompletionRequest) (CompletionResult, error) {
		calls++
		return CompletionResult{Content: "done"}, nil
	}
	loop := ToolLoop{Complete: complete}

	result, err := loop.RunToolLoop(context.Background(), CompletionRequest{
		Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
	}, nil, 5)
	if err != nil {
		t.Fatalf("RunToolLoop: %v", err)
	}
	if result.Content != "done" {
		t.Fatalf("got %q, want done", result.Content)
	}
	if calls != 1 {
		t.Fatalf("got %d Complete calls, want 1", calls)
	}
}

func TestRunToolLoopDispatchesToolCallsUntilFinal(t *testing.T) {
	round := 0
	complete := func(ctx context.Context, req CompletionRequest) (CompletionResult, error) {
		round++
		if round == 1 {
			return CompletionResult{
				ToolCalls: []models.ToolCall{{ID: "1", Name: "search", Input: json.RawMessage(`{}`)}},
			}, nil
		}
		return CompletionResult{Content: "final"}, nil
	}
	exec := func(ctx context.Context, call models.ToolCall) models.ToolResult {
		return models.ToolResult{ToolCallID: call.ID, Content: "result"}
	}
	loop := ToolLoop{Complete: complete}

	result, err := loop.RunToolLoop(context.Background(), CompletionRequest{
		Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
	}, exec, 5)
	if err != nil {
		t.Fatalf("RunToolLoop: %v", err)
	}
	if result.Content != "final" {
		t.Fatalf("got %q, want final", result.Content)
	}
	if round != 2 {
		t.Fatalf("got %d rounds, want 2", round)
	}
}

func TestRunToolLoopStopsAtMaxIterations(t *testing.T) {
	calls := 0
	complete := func(ctx context.Context, req CompletionRequest) (CompletionResult, error) {
		calls++
		return CompletionResult{
			ToolCalls: []models.ToolCall{{ID: "1", Name: "search", Input: json.RawMessage(`{}`)}},
		}, nil
	}
	exec := func(ctx context.Context, call models.ToolCall) models.ToolResult {
		return models.ToolResult{ToolCallID: call.ID, Content: "r"}
	}
	loop := ToolLoop{Complete: complete}

	_, err := loop.RunToolLoop(context.Background(), CompletionRequest{}, exec, 3)
	if err != nil {
		t.Fatalf("RunToolLoop: %v", err)
	}
	if calls != 3 {
		t.Fatalf("got %d calls, want 3 (capped by maxIterations)", calls)
	}
}

func TestDecodeArgsOrEmptyFallsBackOnInvalidJSON(t *testing.T) {
	args := decodeArgsOrEmpty(json.RawMessage(`not json`))
	if args == nil || len(args) != 0 {
		t.Fatalf("got %v, want empty map fallback", args)
	}
}

func TestDecodeArgsOrEmptyParsesValidJSON(t *testing.T) {
	args := decodeArgsOrEmpty(json.RawMessage(`{"q":"test"}`))
	if args["q"] != "test" {
		t.Fatalf("got %v, want q=test", args)
	}
}
