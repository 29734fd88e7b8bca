package executor

import (
	"errors"
	"fmt"
)

// Sentinel errors for conditions the executor can diagnose before or
// without a node-specific context, following the teacher's errors.go idiom
// of exporting well-known conditions as package-level errors.
var (
	ErrGraphInvalid          = errors.New("executor: graph failed structural validation")
	ErrMissingTools          = errors.New("executor: graph declares tools that are not registered")
	ErrMaxStepsExceeded      = errors.New("executor: max steps exceeded")
	ErrUnknownNode           = errors.New("executor: node not found")
	ErrFunctionNotRegistered = errors.New("executor: function node not registered")
	ErrUnknownNodeKind       = errors.New("executor: node declares an unrecognized kind")
)

// NodeErrorType categorizes why a node visit failed, generalizing the
// teacher's ToolErrorType to the graph-executor domain.
type NodeErrorType string

const (
	NodeErrorLLM        NodeErrorType = "llm"
	NodeErrorValidation NodeErrorType = "validation"
	NodeErrorStall      NodeErrorType = "stall"
	NodeErrorGuardrail  NodeErrorType = "guardrail"
	NodeErrorIteration  NodeErrorType = "max_iterations"
	NodeErrorRouting    NodeErrorType = "routing"
	NodeErrorFunction   NodeErrorType = "function"
)

// NodeError is a structured node-visit failure carrying enough context for
// the run journal to self-describe why a node failed (§7). It follows the
// teacher's fluent categorized-error pattern (ToolError/LoopError) adapted
// to nodes instead of tools.
type NodeError struct {
	Type    NodeErrorType
	NodeID  string
	Message string
	Cause   error
}

func (e *NodeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[node:%s] %s: %s: %v", e.Type, e.NodeID, e.Message, e.Cause)
	}
	return fmt.Sprintf("[node:%s] %s: %s", e.Type, e.NodeID, e.Message)
}

func (e *NodeError) Unwrap() error { return e.Cause }

func newNodeError(t NodeErrorType, nodeID, msg string, cause error) *NodeError {
	return &NodeError{Type: t, NodeID: nodeID, Message: msg, Cause: cause}
}

// GuardrailBlockedError wraps a blocking guardrail violation as a node
// failure so it flows through the normal retry/fail path described in §7.
type GuardrailBlockedError struct {
	NodeID  string
	Guard   string
	Message string
}

func (e *GuardrailBlockedError) Error() string {
	return fmt.Sprintf("[guardrail:%s] node %q blocked: %s", e.Guard, e.NodeID, e.Message)
}
