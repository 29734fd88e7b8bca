package providers

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/agentrunner/pkg/models"
)

// ToolLoop implements CompleteWithTools generically on top of a vendor
// adapter's Complete method, so each adapter only has to implement Complete
// and Name. Embed it and call RunToolLoop from CompleteWithTools.
type ToolLoop struct {
	Complete func(ctx context.Context, req CompletionRequest) (CompletionResult, error)
}

// RunToolLoop appends each round's assistant and tool-result messages to a
// local copy of req.Messages and re-invokes Complete until a round returns no
// tool calls or maxIterations rounds have run, mirroring the shape of the
// executor's own inner loop (§4.1.1) but self-contained for collaborators
// that just want a finished answer.
func (l ToolLoop) RunToolLoop(ctx context.Context, req CompletionRequest, exec ToolExecutor, maxIterations int) (CompletionResult, error) {
	if maxIterations <= 0 {
		maxIterations = 1
	}

	messages := make([]models.Message, len(req.Messages))
	copy(messages, req.Messages)

	var last CompletionResult
	for i := 0; i < maxIterations; i++ {
		round := req
		round.Messages = messages

		result, err := l.Complete(ctx, round)
		if err != nil {
			return CompletionResult{}, err
		}
		last = result

		if len(result.ToolCalls) == 0 {
			return result, nil
		}

		messages = append(messages, models.Message{
			Role:      models.RoleAssistant,
			Content:   result.Content,
			ToolCalls: result.ToolCalls,
		})

		for _, call := range result.ToolCalls {
			if exec == nil {
				continue
			}
			toolResult := exec(ctx, call)
			messages = append(messages, models.Message{
				Role:       models.RoleTool,
				Content:    toolResult.Content,
				ToolCallID: call.ID,
			})
		}
	}
	return last, nil
}

// decodeArgsOrEmpty parses a tool call's JSON arguments, falling back to an
// empty object on any parse failure — the same tolerant behavior §4.1.1
// point 2 mandates for the executor's own inner loop.
func decodeArgsOrEmpty(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}
