// Package providers adapts concrete LLM vendor SDKs to the single
// synchronous collaborator contract the executor and output cleaner consume
// (§6.2): Complete and the tool-calling variant CompleteWithTools. Every
// adapter in this package satisfies Provider; callers never import a vendor
// SDK directly.
package providers

import (
	"context"
	"errors"

	"github.com/haasonsaas/agentrunner/pkg/models"
)

// ErrNoProvider reports that a provider is needed but none was wired. Nothing
// in this module returns it: an llm_decide edge with no provider falls back
// to on_success, and an LLM node with none fails with its own node error.
var ErrNoProvider = errors.New("providers: no provider configured")

// CompletionRequest is the vendor-neutral shape every adapter accepts.
type CompletionRequest struct {
	Messages       []models.Message
	System         string
	Tools          []models.Tool
	MaxTokens      int
	ResponseFormat string // e.g. "json", "" for unconstrained
	JSONMode       bool
	Temperature    *float64
	Model          string
}

// CompletionResult is the vendor-neutral shape every adapter returns.
type CompletionResult struct {
	Content      string
	ToolCalls    []models.ToolCall
	Model        string
	InputTokens  int
	OutputTokens int
	StopReason   string
	Raw          any
}

// ToolExecutor dispatches one tool call and returns its stringified result.
// Satisfied by *registry.Registry in production; the signature is declared
// here, not imported from internal/registry, to keep this package free of a
// dependency on the registry's concrete type.
type ToolExecutor func(ctx context.Context, call models.ToolCall) models.ToolResult

// Provider is the LLM collaborator contract consumed by the Graph Executor,
// the Output Cleaner, and conditional-edge llm_decide evaluation.
type Provider interface {
	// Complete issues a single, synchronous completion request.
	Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error)

	// CompleteWithTools drives Complete in a loop, dispatching any emitted
	// tool calls through exec and feeding results back, until the provider
	// returns a final response with no tool calls or maxIterations is
	// reached. It is a convenience for callers that want a single
	// call/response round trip without owning loop bookkeeping themselves.
	// Nothing in this module calls it: the output cleaner and llm_decide
	// edges call Complete, and the executor's own inner tool-use loop
	// (§4.1.1) must observe every intermediate turn for history/step-counting.
	CompleteWithTools(ctx context.Context, req CompletionRequest, exec ToolExecutor, maxIterations int) (CompletionResult, error)

	// Name identifies the vendor/model family for logging and metrics.
	Name() string
}
