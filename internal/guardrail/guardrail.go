// Package guardrail implements the Guardrail Engine (§4.3): pre/post-decision
// policy checks against token budgets, retry budgets, tool quotas, latency
// ceilings, forbidden-tool lists, and loop detectors.
package guardrail

import (
	"fmt"
	"log/slog"
	"sync"

	policy "github.com/haasonsaas/agentrunner/internal/policy_tools"
	"github.com/prometheus/client_golang/prometheus"
)

// Action is the aggregate verdict of a guardrail check.
type Action string

const (
	ActionAllow Action = "allow"
	ActionWarn  Action = "warn"
	ActionBlock Action = "block"
)

// Severity mirrors the two problem severities the executor's journal knows
// about (§10).
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Violation is one triggered guard, carrying enough detail for the run
// journal to self-describe why an action was allowed, warned, or blocked.
type Violation struct {
	Guard    string
	Action   Action
	Severity Severity
	Message  string
}

// Result is the shape returned by both CheckBeforeDecision and
// CheckAfterDecision.
type Result struct {
	Action     Action
	Allowed    bool
	Violations []Violation
	Warnings   []Violation
}

// Plan describes the action a node is about to take, for a pre-decision
// check.
type Plan struct {
	NodeID          string
	ToolName        string
	EstimatedTokens int
}

// TokenGuardConfig bounds per-decision and per-run token spend.
type TokenGuardConfig struct {
	MaxTokensPerDecision int
	MaxTokensPerRun      int
	WarnThresholdPercent float64
}

// RetryGuardConfig bounds per-node and per-run retry counts.
type RetryGuardConfig struct {
	MaxRetriesPerNode int
	MaxRetriesPerRun  int
}

// LatencyGuardConfig bounds node-visit wall time.
type LatencyGuardConfig struct {
	WarnLatencyMS int
	MaxLatencyMS  int
}

// ToolLoopGuardConfig bounds consecutive failures of the same tool.
type ToolLoopGuardConfig struct {
	MaxConsecutiveFailures int
}

// Config is the Guardrail Engine's full configuration.
type Config struct {
	ForbiddenTools []string
	MaxToolCalls   int
	Tokens         TokenGuardConfig
	Retries        RetryGuardConfig
	Latency        LatencyGuardConfig
	ToolLoop       ToolLoopGuardConfig

	// Logger receives one line per block verdict. Defaults to slog.Default().
	Logger *slog.Logger
}

// NewPermissiveGuardrails returns the development-friendly default: generous
// budgets, warn favored over block, no forbidden tools.
func NewPermissiveGuardrails() *Engine {
	return New(Config{
		MaxToolCalls: 1000,
		Tokens: TokenGuardConfig{
			MaxTokensPerDecision: 50000,
			MaxTokensPerRun:      1000000,
			WarnThresholdPercent: 0.9,
		},
		Retries: RetryGuardConfig{
			MaxRetriesPerNode: 5,
			MaxRetriesPerRun:  50,
		},
		Latency: LatencyGuardConfig{
			WarnLatencyMS: 60000,
			MaxLatencyMS:  180000,
		},
		ToolLoop: ToolLoopGuardConfig{MaxConsecutiveFailures: 5},
	})
}

// NewStrictGuardrails returns the production multi-tenant default, matching
// the reference implementation's create_strict_guardrails: tight budgets,
// an 80% warn threshold, and a short forbidden-tool list.
func NewStrictGuardrails(runBudget, decisionBudget int) *Engine {
	if runBudget <= 0 {
		runBudget = 100000
	}
	if decisionBudget <= 0 {
		decisionBudget = 10000
	}
	return New(Config{
		ForbiddenTools: []string{"exec", "shell", "bash"},
		MaxToolCalls:   200,
		Tokens: TokenGuardConfig{
			MaxTokensPerDecision: decisionBudget,
			MaxTokensPerRun:      runBudget,
			WarnThresholdPercent: 0.8,
		},
		Retries: RetryGuardConfig{
			MaxRetriesPerNode: 3,
			MaxRetriesPerRun:  10,
		},
		Latency: LatencyGuardConfig{
			WarnLatencyMS: 30000,
			MaxLatencyMS:  60000,
		},
		ToolLoop: ToolLoopGuardConfig{MaxConsecutiveFailures: 3},
	})
}

// RunContext accumulates the counters the engine's checks consult and
// mutates. All counters are mutated only through Engine methods; no external
// mutation is permitted (§5).
type RunContext struct {
	mu sync.Mutex

	totalTokensUsed    int
	totalDecisions     int
	toolCallCounts     map[string]int
	toolFailureStreaks map[string]int
	nodeRetryCounts    map[string]int
	totalRetries       int
}

// NewRunContext returns a fresh, zeroed RunContext for one run.
func NewRunContext() *RunContext {
	return &RunContext{
		toolCallCounts:     make(map[string]int),
		toolFailureStreaks: make(map[string]int),
		nodeRetryCounts:    make(map[string]int),
	}
}

// TotalTokensUsed returns the running token total.
func (c *RunContext) TotalTokensUsed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalTokensUsed
}

// Engine is the stateful Guardrail Engine.
type Engine struct {
	cfg Config

	mu               sync.Mutex
	violationCounter int

	blockedTotal prometheus.Counter
	warnedTotal  prometheus.Counter
}

// New constructs an Engine from cfg. Metrics are registered against the
// default Prometheus registerer; a duplicate registration (e.g. multiple
// Engines in one process) is tolerated by reusing the already-registered
// collector, matching the teacher's metrics-wiring idiom of "register once,
// reuse everywhere".
func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	e := &Engine{cfg: cfg}
	e.blockedTotal = mustRegisterCounter("agentrunner_guardrail_blocked_total", "Total guardrail checks that resulted in a block verdict.")
	e.warnedTotal = mustRegisterCounter("agentrunner_guardrail_warned_total", "Total guardrail checks that resulted in a warn verdict.")
	return e
}

func mustRegisterCounter(name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	if err := prometheus.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector.(prometheus.Counter)
		}
	}
	return c
}

// CheckBeforeDecision runs the pre-check rules of §4.3 against plan and rc.
func (e *Engine) CheckBeforeDecision(plan Plan, rc *RunContext) Result {
	var violations []Violation

	if v, ok := e.checkToolForbidden(plan); ok {
		violations = append(violations, v)
	}
	if v, ok := e.checkToolCallCap(plan, rc); ok {
		violations = append(violations, v)
	}
	if v, ok := e.checkToolLoop(plan, rc); ok {
		violations = append(violations, v)
	}
	violations = append(violations, e.checkTokensBefore(plan, rc)...)
	violations = append(violations, e.checkRetriesBefore(plan, rc)...)

	return e.aggregate(violations)
}

func (e *Engine) checkToolForbidden(plan Plan) (Violation, bool) {
	if plan.ToolName == "" {
		return Violation{}, false
	}
	normalized := policy.NormalizeTool(plan.ToolName)
	for _, forbidden := range e.cfg.ForbiddenTools {
		if matchForbidden(policy.NormalizeTool(forbidden), normalized) {
			return Violation{
				Guard: "tool_forbidden", Action: ActionBlock, Severity: SeverityCritical,
				Message: fmt.Sprintf("tool %q is forbidden", plan.ToolName),
			}, true
		}
	}
	return Violation{}, false
}

func matchForbidden(pattern, tool string) bool {
	if pattern == "*" || pattern == tool {
		return true
	}
	if len(pattern) > 1 && pattern[len(pattern)-1] == '*' {
		return len(tool) >= len(pattern)-1 && tool[:len(pattern)-1] == pattern[:len(pattern)-1]
	}
	return false
}

func (e *Engine) checkToolCallCap(plan Plan, rc *RunContext) (Violation, bool) {
	if e.cfg.MaxToolCalls <= 0 || plan.ToolName == "" {
		return Violation{}, false
	}
	rc.mu.Lock()
	total := 0
	for _, n := range rc.toolCallCounts {
		total += n
	}
	rc.mu.Unlock()
	if total >= e.cfg.MaxToolCalls {
		return Violation{
			Guard: "tool_call_cap", Action: ActionBlock, Severity: SeverityCritical,
			Message: fmt.Sprintf("run tool-call cap of %d reached", e.cfg.MaxToolCalls),
		}, true
	}
	return Violation{}, false
}

func (e *Engine) checkToolLoop(plan Plan, rc *RunContext) (Violation, bool) {
	if plan.ToolName == "" {
		return Violation{}, false
	}
	maxFailures := e.cfg.ToolLoop.MaxConsecutiveFailures
	if maxFailures <= 0 {
		maxFailures = 3
	}
	rc.mu.Lock()
	streak := rc.toolFailureStreaks[plan.ToolName]
	rc.mu.Unlock()
	if streak >= maxFailures {
		return Violation{
			Guard: "tool_loop", Action: ActionBlock, Severity: SeverityCritical,
			Message: fmt.Sprintf("tool %q failed %d times consecutively", plan.ToolName, streak),
		}, true
	}
	return Violation{}, false
}

func (e *Engine) checkTokensBefore(plan Plan, rc *RunContext) []Violation {
	var out []Violation
	if e.cfg.Tokens.MaxTokensPerDecision > 0 && plan.EstimatedTokens > e.cfg.Tokens.MaxTokensPerDecision {
		out = append(out, Violation{
			Guard: "token_per_decision", Action: ActionWarn, Severity: SeverityWarning,
			Message: fmt.Sprintf("estimated %d tokens exceeds per-decision cap of %d", plan.EstimatedTokens, e.cfg.Tokens.MaxTokensPerDecision),
		})
	}

	rc.mu.Lock()
	projected := rc.totalTokensUsed + plan.EstimatedTokens
	rc.mu.Unlock()

	if e.cfg.Tokens.MaxTokensPerRun > 0 {
		if projected > e.cfg.Tokens.MaxTokensPerRun {
			out = append(out, Violation{
				Guard: "token_run_budget", Action: ActionBlock, Severity: SeverityCritical,
				Message: fmt.Sprintf("projected total %d tokens exceeds run budget of %d", projected, e.cfg.Tokens.MaxTokensPerRun),
			})
		} else if e.cfg.Tokens.WarnThresholdPercent > 0 {
			threshold := float64(e.cfg.Tokens.MaxTokensPerRun) * e.cfg.Tokens.WarnThresholdPercent
			if float64(projected) > threshold {
				out = append(out, Violation{
					Guard: "token_budget_threshold", Action: ActionWarn, Severity: SeverityWarning,
					Message: fmt.Sprintf("projected total %d tokens exceeds %.0f%% of run budget", projected, e.cfg.Tokens.WarnThresholdPercent*100),
				})
			}
		}
	}
	return out
}

func (e *Engine) checkRetriesBefore(plan Plan, rc *RunContext) []Violation {
	var out []Violation
	rc.mu.Lock()
	nodeRetries := rc.nodeRetryCounts[plan.NodeID]
	totalRetries := rc.totalRetries
	rc.mu.Unlock()

	if e.cfg.Retries.MaxRetriesPerNode > 0 && nodeRetries >= e.cfg.Retries.MaxRetriesPerNode {
		out = append(out, Violation{
			Guard: "node_retries", Action: ActionBlock, Severity: SeverityCritical,
			Message: fmt.Sprintf("node %q already at its retry cap of %d", plan.NodeID, e.cfg.Retries.MaxRetriesPerNode),
		})
	}
	if e.cfg.Retries.MaxRetriesPerRun > 0 && totalRetries >= e.cfg.Retries.MaxRetriesPerRun {
		out = append(out, Violation{
			Guard: "run_retries", Action: ActionBlock, Severity: SeverityCritical,
			Message: fmt.Sprintf("run already at its retry cap of %d", e.cfg.Retries.MaxRetriesPerRun),
		})
	}
	return out
}

// CheckAfterDecision runs the post-check rules of §4.3, updates rc's
// counters with the actual outcome, and always reports Allowed = true since
// the action has already happened.
func (e *Engine) CheckAfterDecision(success bool, tokensUsed, latencyMS int, toolName, nodeID string, rc *RunContext) Result {
	rc.mu.Lock()
	rc.totalTokensUsed += tokensUsed
	rc.totalDecisions++
	if toolName != "" {
		rc.toolCallCounts[toolName]++
		if success {
			rc.toolFailureStreaks[toolName] = 0
		} else {
			rc.toolFailureStreaks[toolName]++
		}
	}
	rc.mu.Unlock()

	var violations []Violation
	violations = append(violations, e.checkLatency(latencyMS)...)
	violations = append(violations, e.checkTokensAfter(rc)...)
	violations = append(violations, e.checkRetriesAfter(nodeID, rc)...)

	result := e.aggregate(violations)
	result.Allowed = true
	return result
}

func (e *Engine) checkLatency(latencyMS int) []Violation {
	var out []Violation
	if e.cfg.Latency.MaxLatencyMS > 0 && latencyMS > e.cfg.Latency.MaxLatencyMS {
		out = append(out, Violation{
			Guard: "latency", Action: ActionWarn, Severity: SeverityCritical,
			Message: fmt.Sprintf("latency %dms exceeded max %dms", latencyMS, e.cfg.Latency.MaxLatencyMS),
		})
	} else if e.cfg.Latency.WarnLatencyMS > 0 && latencyMS > e.cfg.Latency.WarnLatencyMS {
		out = append(out, Violation{
			Guard: "latency", Action: ActionWarn, Severity: SeverityWarning,
			Message: fmt.Sprintf("latency %dms exceeded warn threshold %dms", latencyMS, e.cfg.Latency.WarnLatencyMS),
		})
	}
	return out
}

func (e *Engine) checkTokensAfter(rc *RunContext) []Violation {
	var out []Violation
	if e.cfg.Tokens.MaxTokensPerRun <= 0 {
		return out
	}
	rc.mu.Lock()
	used := rc.totalTokensUsed
	rc.mu.Unlock()
	if used > e.cfg.Tokens.MaxTokensPerRun {
		out = append(out, Violation{
			Guard: "token_run_budget", Action: ActionWarn, Severity: SeverityWarning,
			Message: fmt.Sprintf("actual run usage %d exceeds budget %d", used, e.cfg.Tokens.MaxTokensPerRun),
		})
	}
	return out
}

func (e *Engine) checkRetriesAfter(nodeID string, rc *RunContext) []Violation {
	var out []Violation
	if e.cfg.Retries.MaxRetriesPerNode <= 0 {
		return out
	}
	rc.mu.Lock()
	nodeRetries := rc.nodeRetryCounts[nodeID]
	rc.mu.Unlock()
	if nodeRetries == e.cfg.Retries.MaxRetriesPerNode-1 {
		out = append(out, Violation{
			Guard: "node_retries", Action: ActionWarn, Severity: SeverityWarning,
			Message: fmt.Sprintf("node %q one retry below its cap of %d", nodeID, e.cfg.Retries.MaxRetriesPerNode),
		})
	}
	return out
}

// RecordRetry increments the retry counters rc tracks for nodeID. Called by
// the executor immediately before re-entering a failed node.
func (rc *RunContext) RecordRetry(nodeID string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.nodeRetryCounts[nodeID]++
	rc.totalRetries++
}

func (e *Engine) aggregate(violations []Violation) Result {
	result := Result{Violations: violations, Action: ActionAllow, Allowed: true}
	for _, v := range violations {
		if v.Action == ActionWarn {
			result.Warnings = append(result.Warnings, v)
		}
		if v.Action == ActionBlock {
			result.Action = ActionBlock
			result.Allowed = false
		}
	}
	if result.Action != ActionBlock && len(result.Warnings) > 0 {
		result.Action = ActionWarn
	}

	e.mu.Lock()
	switch result.Action {
	case ActionBlock:
		e.violationCounter++
		e.blockedTotal.Inc()
	case ActionWarn:
		e.violationCounter++
		e.warnedTotal.Inc()
	}
	e.mu.Unlock()

	if result.Action == ActionBlock {
		for _, v := range violations {
			if v.Action == ActionBlock {
				e.cfg.Logger.Warn("guardrail blocked action",
					slog.String("guard", v.Guard),
					slog.String("reason", v.Message))
			}
		}
	}

	return result
}

// CreateProblemFromViolation renders a Violation as the (severity,
// description) pair the run journal's ReportProblem expects.
func CreateProblemFromViolation(v Violation) (Severity, string) {
	return v.Severity, fmt.Sprintf("[%s] %s", v.Guard, v.Message)
}

// ViolationCount returns the number of aggregate warn/block verdicts this
// engine has produced, mirroring the reference implementation's
// _violation_counter diagnostic.
func (e *Engine) ViolationCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.violationCounter
}
