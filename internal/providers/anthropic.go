package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/agentrunner/pkg/models"
)

// AnthropicConfig configures an AnthropicProvider.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// AnthropicProvider implements Provider against the Anthropic Messages API,
// synchronously: one Complete call is one non-streaming Messages.New.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
	loop         ToolLoop
}

// NewAnthropicProvider constructs an AnthropicProvider.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	p := &AnthropicProvider{
		client:       anthropic.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
	}
	p.loop = ToolLoop{Complete: p.Complete}
	return p, nil
}

// Name returns the provider's identifier.
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Complete issues a single non-streaming completion request.
func (p *AnthropicProvider) Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error) {
	messages, err := anthropicConvertMessages(req.Messages)
	if err != nil {
		return CompletionResult{}, fmt.Errorf("anthropic: %w", err)
	}

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := anthropicConvertTools(req.Tools)
		if err != nil {
			return CompletionResult{}, fmt.Errorf("anthropic: %w", err)
		}
		params.Tools = tools
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return CompletionResult{}, fmt.Errorf("anthropic: completion failed: %w", err)
	}

	return anthropicConvertResponse(resp), nil
}

// CompleteWithTools runs the generic tool loop on top of Complete.
func (p *AnthropicProvider) CompleteWithTools(ctx context.Context, req CompletionRequest, exec ToolExecutor, maxIterations int) (CompletionResult, error) {
	return p.loop.RunToolLoop(ctx, req, exec, maxIterations)
}

func anthropicConvertMessages(messages []models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" && msg.Role != models.RoleTool {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		if msg.Role == models.RoleTool {
			content = append(content, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
		}
		for _, call := range msg.ToolCalls {
			input := decodeArgsOrEmpty(call.Input)
			content = append(content, anthropic.NewToolUseBlock(call.ID, input, call.Name))
		}

		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func anthropicConvertTools(tools []models.Tool) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.ParametersSchema, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name)
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, toolParam)
	}
	return result, nil
}

func anthropicConvertResponse(resp *anthropic.Message) CompletionResult {
	out := CompletionResult{Model: string(resp.Model), Raw: resp}
	out.InputTokens = int(resp.Usage.InputTokens)
	out.OutputTokens = int(resp.Usage.OutputTokens)
	out.StopReason = string(resp.StopReason)

	for _, block := range resp.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			out.Content += b.Text
		case anthropic.ToolUseBlock:
			raw, _ := json.Marshal(b.Input)
			out.ToolCalls = append(out.ToolCalls, models.ToolCall{
				ID:    b.ID,
				Name:  b.Name,
				Input: raw,
			})
		}
	}
	return out
}
