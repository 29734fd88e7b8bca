// Package registry implements the tool registry and dispatcher consulted by
// the graph executor's inner tool-use loop: a name -> callable map that
// validates parameter schemas at registration time and executes a single
// tool invocation, returning a stringified result regardless of success.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/agentrunner/pkg/models"
)

const (
	// MaxToolNameLength bounds a tool name accepted at registration time.
	MaxToolNameLength = 128

	// MaxToolParamsSize bounds the serialized size, in bytes, of a tool
	// call's input before dispatch refuses to run it.
	MaxToolParamsSize = 256 * 1024
)

// ErrToolNotFound is returned by Execute when no tool with the given name
// has been registered.
var ErrToolNotFound = fmt.Errorf("registry: tool not found")

// ErrParamsTooLarge is returned by Execute when a tool call's serialized
// input exceeds MaxToolParamsSize.
var ErrParamsTooLarge = fmt.Errorf("registry: tool call params too large")

// Executor is the function signature a registered tool implements.
type Executor func(ctx context.Context, call models.ToolCall) models.ToolResult

type entry struct {
	tool     models.Tool
	schema   *jsonschema.Schema
	executor Executor
}

// Registry is a concurrency-safe name -> tool map. It is safe for concurrent
// registration and dispatch.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds a tool and its executor. The tool's ParametersSchema, if
// non-empty, is compiled immediately with jsonschema/v5 so a malformed
// schema is rejected before any run can reference it.
func (r *Registry) Register(tool models.Tool, exec Executor) error {
	if tool.Name == "" {
		return fmt.Errorf("registry: tool name must not be empty")
	}
	if len(tool.Name) > MaxToolNameLength {
		return fmt.Errorf("registry: tool name %q exceeds %d characters", tool.Name, MaxToolNameLength)
	}
	if exec == nil {
		return fmt.Errorf("registry: tool %q has no executor", tool.Name)
	}

	var compiled *jsonschema.Schema
	if len(tool.ParametersSchema) > 0 {
		s, err := jsonschema.CompileString(tool.Name+".schema.json", string(tool.ParametersSchema))
		if err != nil {
			return fmt.Errorf("registry: compile schema for tool %q: %w", tool.Name, err)
		}
		compiled = s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[tool.Name] = entry{tool: tool, schema: compiled, executor: exec}
	return nil
}

// HasTool reports whether name is registered.
func (r *Registry) HasTool(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// Missing filters names down to those not present in the registry,
// preserving order. Used to build the §4.1 step-2 diagnostic.
func (r *Registry) Missing(names []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var missing []string
	for _, n := range names {
		if _, ok := r.entries[n]; !ok {
			missing = append(missing, n)
		}
	}
	return missing
}

// GetTools returns every registered tool, in the AsLLMTools shape consumed
// by provider adapters.
func (r *Registry) GetTools() []models.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]models.Tool, 0, len(r.entries))
	for _, e := range r.entries {
		tools = append(tools, e.tool)
	}
	return tools
}

// GetExecutor returns a dispatch closure bound to this registry, the shape
// the provider layer's CompleteWithTools variant consumes.
func (r *Registry) GetExecutor() Executor {
	return r.Execute
}

// Execute validates call.Input against the tool's compiled schema (if any)
// and dispatches to its executor. It never panics: a panicking executor is
// recovered and turned into an error result.
func (r *Registry) Execute(ctx context.Context, call models.ToolCall) (result models.ToolResult) {
	if len(call.Input) > MaxToolParamsSize {
		return models.ToolResult{ToolCallID: call.ID, Content: ErrParamsTooLarge.Error(), IsError: true}
	}

	r.mu.RLock()
	e, ok := r.entries[call.Name]
	r.mu.RUnlock()
	if !ok {
		return models.ToolResult{ToolCallID: call.ID, Content: fmt.Sprintf("%s: %s", ErrToolNotFound, call.Name), IsError: true}
	}

	if e.schema != nil {
		var decoded any
		if err := json.Unmarshal(call.Input, &decoded); err != nil {
			return models.ToolResult{ToolCallID: call.ID, Content: fmt.Sprintf("invalid tool input: %v", err), IsError: true}
		}
		if err := e.schema.Validate(decoded); err != nil {
			return models.ToolResult{ToolCallID: call.ID, Content: fmt.Sprintf("tool input failed schema validation: %v", err), IsError: true}
		}
	}

	defer func() {
		if p := recover(); p != nil {
			result = models.ToolResult{ToolCallID: call.ID, Content: fmt.Sprintf("tool %q panicked: %v", call.Name, p), IsError: true}
		}
	}()

	return e.executor(ctx, call)
}
