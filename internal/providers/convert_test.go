package providers

import (
	"encoding/json"
	"testing"

	"github.com/haasonsaas/agentrunner/pkg/models"
)

func TestOpenAIConvertMessagesMapsToolRole(t *testing.T) {
	msgs := []models.Message{
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "1", Name: "search", Input: json.RawMessage(`{"q":"x"}`)}}},
		{Role: models.RoleTool, Content: "result", ToolCallID: "1"},
	}
	out := openaiConvertMessages(msgs, "be helpful")
	if len(out) != 4 {
		t.Fatalf("got %d messages, want 4 (system + 3)", len(out))
	}
	if out[0].Role != "system" || out[0].Content != "be helpful" {
		t.Fatalf("expected system message first, got %+v", out[0])
	}
	if out[3].Role != "tool" || out[3].ToolCallID != "1" {
		t.Fatalf("expected tool message last with ToolCallID=1, got %+v", out[3])
	}
}

func TestOpenAIConvertToolsFallsBackOnInvalidSchema(t *testing.T) {
	tools := []models.Tool{{Name: "x", Description: "d", ParametersSchema: json.RawMessage(`not json`)}}
	out := openaiConvertTools(tools)
	if len(out) != 1 || out[0].Function.Name != "x" {
		t.Fatalf("got %+v", out)
	}
}

func TestGoogleConvertSchemaUppercasesType(t *testing.T) {
	var schemaMap map[string]any
	if err := json.Unmarshal([]byte(`{"type":"object","properties":{"q":{"type":"string"}},"required":["q"]}`), &schemaMap); err != nil {
		t.Fatal(err)
	}
	schema := googleConvertSchema(schemaMap)
	if string(schema.Type) != "OBJECT" {
		t.Fatalf("got type %q, want OBJECT", schema.Type)
	}
	if schema.Properties["q"] == nil || string(schema.Properties["q"].Type) != "STRING" {
		t.Fatalf("got properties %+v", schema.Properties)
	}
	if len(schema.Required) != 1 || schema.Required[0] != "q" {
		t.Fatalf("got required %v", schema.Required)
	}
}

func TestAnthropicConvertMessagesSkipsSystemRole(t *testing.T) {
	msgs := []models.Message{
		{Role: models.RoleSystem, Content: "ignored"},
		{Role: models.RoleUser, Content: "hi"},
	}
	out, err := anthropicConvertMessages(msgs)
	if err != nil {
		t.Fatalf("anthropicConvertMessages: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("got %d messages, want 1 (system filtered out)", len(out))
	}
}
