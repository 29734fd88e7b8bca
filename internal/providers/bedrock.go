package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/haasonsaas/agentrunner/pkg/models"
)

// BedrockConfig configures a BedrockProvider.
type BedrockConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	DefaultModel    string
}

// BedrockProvider implements Provider against AWS Bedrock's Converse API,
// synchronously: one Complete call is one non-streaming Converse invocation.
type BedrockProvider struct {
	client       *bedrockruntime.Client
	defaultModel string
	loop         ToolLoop
}

// NewBedrockProvider constructs a BedrockProvider.
func NewBedrockProvider(cfg BedrockConfig) (*BedrockProvider, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "anthropic.claude-3-sonnet-20240229-v1:0"
	}

	var awsCfg aws.Config
	var err error
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsCfg, err = config.LoadDefaultConfig(context.Background(),
			config.WithRegion(cfg.Region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)),
		)
	} else {
		awsCfg, err = config.LoadDefaultConfig(context.Background(), config.WithRegion(cfg.Region))
	}
	if err != nil {
		return nil, fmt.Errorf("bedrock: failed to load AWS config: %w", err)
	}

	p := &BedrockProvider{
		client:       bedrockruntime.NewFromConfig(awsCfg),
		defaultModel: cfg.DefaultModel,
	}
	p.loop = ToolLoop{Complete: p.Complete}
	return p, nil
}

// Name returns the provider's identifier.
func (p *BedrockProvider) Name() string { return "bedrock" }

// Complete issues a single non-streaming Converse request.
func (p *BedrockProvider) Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error) {
	if p.client == nil {
		return CompletionResult{}, errors.New("bedrock: client not initialized")
	}

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	messages, err := bedrockConvertMessages(req.Messages)
	if err != nil {
		return CompletionResult{}, fmt.Errorf("bedrock: %w", err)
	}

	in := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(model),
		Messages: messages,
	}
	if req.System != "" {
		in.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: req.System}}
	}
	if req.MaxTokens > 0 {
		maxTokens := req.MaxTokens
		if maxTokens > 1<<20 {
			maxTokens = 1 << 20
		}
		in.InferenceConfig = &types.InferenceConfiguration{MaxTokens: aws.Int32(int32(maxTokens))}
	}
	if len(req.Tools) > 0 {
		in.ToolConfig = bedrockConvertTools(req.Tools)
	}

	out, err := p.client.Converse(ctx, in)
	if err != nil {
		return CompletionResult{}, fmt.Errorf("bedrock: completion failed: %w", err)
	}

	return bedrockConvertResponse(out, model), nil
}

// CompleteWithTools runs the generic tool loop on top of Complete.
func (p *BedrockProvider) CompleteWithTools(ctx context.Context, req CompletionRequest, exec ToolExecutor, maxIterations int) (CompletionResult, error) {
	return p.loop.RunToolLoop(ctx, req, exec, maxIterations)
}

func bedrockConvertMessages(messages []models.Message) ([]types.Message, error) {
	result := make([]types.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []types.ContentBlock
		if msg.Content != "" && msg.Role != models.RoleTool {
			content = append(content, &types.ContentBlockMemberText{Value: msg.Content})
		}
		if msg.Role == models.RoleTool {
			content = append(content, &types.ContentBlockMemberToolResult{
				Value: types.ToolResultBlock{
					ToolUseId: aws.String(msg.ToolCallID),
					Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: msg.Content}},
				},
			})
		}
		for _, tc := range msg.ToolCalls {
			var inputDoc any
			if err := json.Unmarshal(tc.Input, &inputDoc); err != nil {
				inputDoc = map[string]any{}
			}
			content = append(content, &types.ContentBlockMemberToolUse{
				Value: types.ToolUseBlock{
					ToolUseId: aws.String(tc.ID),
					Name:      aws.String(tc.Name),
					Input:     document.NewLazyDocument(inputDoc),
				},
			})
		}

		role := types.ConversationRoleUser
		if msg.Role == models.RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		if len(content) > 0 {
			result = append(result, types.Message{Role: role, Content: content})
		}
	}
	return result, nil
}

func bedrockConvertTools(tools []models.Tool) *types.ToolConfiguration {
	specs := make([]types.Tool, 0, len(tools))
	for _, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.ParametersSchema, &schemaMap); err != nil {
			schemaMap = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		specs = append(specs, &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(tool.Name),
				Description: aws.String(tool.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schemaMap)},
			},
		})
	}
	return &types.ToolConfiguration{Tools: specs}
}

func bedrockConvertResponse(out *bedrockruntime.ConverseOutput, model string) CompletionResult {
	result := CompletionResult{Model: model, Raw: out}
	if out.Usage != nil {
		result.InputTokens = int(aws.ToInt32(out.Usage.InputTokens))
		result.OutputTokens = int(aws.ToInt32(out.Usage.OutputTokens))
	}
	result.StopReason = string(out.StopReason)

	msgOutput, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return result
	}
	for _, block := range msgOutput.Value.Content {
		switch b := block.(type) {
		case *types.ContentBlockMemberText:
			result.Content += b.Value
		case *types.ContentBlockMemberToolUse:
			raw, _ := b.Value.Input.MarshalSmithyDocument()
			result.ToolCalls = append(result.ToolCalls, models.ToolCall{
				ID:    aws.ToString(b.Value.ToolUseId),
				Name:  aws.ToString(b.Value.Name),
				Input: json.RawMessage(raw),
			})
		}
	}
	return result
}
