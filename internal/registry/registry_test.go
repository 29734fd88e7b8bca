package registry

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/haasonsaas/agentrunner/pkg/models"
)

func echoTool() (models.Tool, Executor) {
	schema := json.RawMessage(`{"type":"object","properties":{"msg":{"type":"string"}},"required":["msg"]}`)
	tool := models.Tool{Name: "echo", Description: "echoes msg", ParametersSchema: schema}
	return tool, func(ctx context.Context, call models.ToolCall) models.ToolResult {
		return models.ToolResult{ToolCallID: call.ID, Content: string(call.Input)}
	}
}

func TestRegisterRejectsMalformedSchema(t *testing.T) {
	r := New()
	tool := models.Tool{Name: "bad", ParametersSchema: json.RawMessage(`{not json`)}
	if err := r.Register(tool, func(ctx context.Context, call models.ToolCall) models.ToolResult { return models.ToolResult{} }); err == nil {
		t.Fatal("expected malformed schema to be rejected at registration")
	}
}

func TestExecuteValidatesInputAgainstSchema(t *testing.T) {
	r := New()
	tool, exec := echoTool()
	if err := r.Register(tool, exec); err != nil {
		t.Fatalf("register: %v", err)
	}

	bad := r.Execute(context.Background(), models.ToolCall{ID: "1", Name: "echo", Input: json.RawMessage(`{}`)})
	if !bad.IsError {
		t.Fatal("expected missing required field to fail schema validation")
	}

	ok := r.Execute(context.Background(), models.ToolCall{ID: "2", Name: "echo", Input: json.RawMessage(`{"msg":"hi"}`)})
	if ok.IsError {
		t.Fatalf("expected valid input to succeed, got: %s", ok.Content)
	}
}

func TestExecuteUnknownToolReturnsErrorResult(t *testing.T) {
	r := New()
	res := r.Execute(context.Background(), models.ToolCall{ID: "1", Name: "missing"})
	if !res.IsError {
		t.Fatal("expected unknown tool to yield an error result, not a crash")
	}
}

func TestExecuteRecoversPanickingExecutor(t *testing.T) {
	r := New()
	tool := models.Tool{Name: "boom"}
	if err := r.Register(tool, func(ctx context.Context, call models.ToolCall) models.ToolResult {
		panic("kaboom")
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	res := r.Execute(context.Background(), models.ToolCall{ID: "1", Name: "boom"})
	if !res.IsError {
		t.Fatal("expected panic to be recovered into an error result")
	}
}

func TestMissingListsUnregisteredNames(t *testing.T) {
	r := New()
	tool, exec := echoTool()
	_ = r.Register(tool, exec)

	missing := r.Missing([]string{"echo", "search", "write"})
	if len(missing) != 2 || missing[0] != "search" || missing[1] != "write" {
		t.Fatalf("unexpected missing list: %v", missing)
	}
}

func TestExecuteRejectsOversizedInput(t *testing.T) {
	r := New()
	tool, exec := echoTool()
	_ = r.Register(tool, exec)

	big := make([]byte, MaxToolParamsSize+1)
	for i := range big {
		big[i] = 'a'
	}
	res := r.Execute(context.Background(), models.ToolCall{ID: "1", Name: "echo", Input: big})
	if !res.IsError {
		t.Fatal("expected oversized input to be rejected")
	}
}
