package guardrail

import "testing"

func TestCheckBeforeDecisionForbiddenTool(t *testing.T) {
	e := New(Config{ForbiddenTools: []string{"exec"}})
	rc := NewRunContext()
	result := e.CheckBeforeDecision(Plan{NodeID: "A", ToolName: "bash"}, rc)
	if result.Action != ActionBlock {
		t.Fatalf("got action %q, want block (bash normalizes to exec)", result.Action)
	}
	if result.Allowed {
		t.Fatal("expected Allowed = false on a block verdict")
	}
}

func TestCheckBeforeDecisionTokenBudgetBlock(t *testing.T) {
	e := New(Config{Tokens: TokenGuardConfig{MaxTokensPerRun: 1000}})
	rc := NewRunContext()
	rc.totalTokensUsed = 200
	result := e.CheckBeforeDecision(Plan{NodeID: "A", EstimatedTokens: 900}, rc)
	if result.Action != ActionBlock {
		t.Fatalf("got action %q, want block", result.Action)
	}
}

func TestCheckBeforeDecisionTokenWarnThreshold(t *testing.T) {
	e := New(Config{Tokens: TokenGuardConfig{MaxTokensPerRun: 1000, WarnThresholdPercent: 0.5}})
	rc := NewRunContext()
	result := e.CheckBeforeDecision(Plan{NodeID: "A", EstimatedTokens: 600}, rc)
	if result.Action != ActionWarn {
		t.Fatalf("got action %q, want warn", result.Action)
	}
}

func TestCheckBeforeDecisionAllow(t *testing.T) {
	e := NewPermissiveGuardrails()
	rc := NewRunContext()
	result := e.CheckBeforeDecision(Plan{NodeID: "A", ToolName: "read", EstimatedTokens: 10}, rc)
	if result.Action != ActionAllow || !result.Allowed {
		t.Fatalf("got %+v, want allow", result)
	}
}

func TestCheckBeforeDecisionRetryCapBlocks(t *testing.T) {
	e := New(Config{Retries: RetryGuardConfig{MaxRetriesPerNode: 2}})
	rc := NewRunContext()
	rc.RecordRetry("A")
	rc.RecordRetry("A")
	result := e.CheckBeforeDecision(Plan{NodeID: "A"}, rc)
	if result.Action != ActionBlock {
		t.Fatalf("got action %q, want block once node retry cap is reached", result.Action)
	}
}

func TestCheckAfterDecisionAlwaysAllowed(t *testing.T) {
	e := New(Config{Latency: LatencyGuardConfig{MaxLatencyMS: 100}})
	rc := NewRunContext()
	result := e.CheckAfterDecision(true, 50, 5000, "", "A", rc)
	if !result.Allowed {
		t.Fatal("post-check must always report Allowed = true")
	}
	if result.Action != ActionWarn {
		t.Fatalf("got action %q, want warn for a latency overrun", result.Action)
	}
}

func TestCheckAfterDecisionUpdatesToolFailureStreak(t *testing.T) {
	e := New(Config{ToolLoop: ToolLoopGuardConfig{MaxConsecutiveFailures: 2}})
	rc := NewRunContext()

	e.CheckAfterDecision(false, 10, 0, "search", "A", rc)
	e.CheckAfterDecision(false, 10, 0, "search", "A", rc)

	result := e.CheckBeforeDecision(Plan{NodeID: "A", ToolName: "search"}, rc)
	if result.Action != ActionBlock {
		t.Fatalf("got action %q, want block after two consecutive tool failures", result.Action)
	}

	e.CheckAfterDecision(true, 10, 0, "search", "A", rc)
	result = e.CheckBeforeDecision(Plan{NodeID: "A", ToolName: "search"}, rc)
	if result.Action == ActionBlock {
		t.Fatal("a successful call should reset the failure streak")
	}
}

func TestNewStrictGuardrailsDefaults(t *testing.T) {
	e := NewStrictGuardrails(0, 0)
	if e.cfg.Tokens.MaxTokensPerRun != 100000 {
		t.Errorf("got run budget %d, want 100000 default", e.cfg.Tokens.MaxTokensPerRun)
	}
	if e.cfg.Tokens.MaxTokensPerDecision != 10000 {
		t.Errorf("got decision budget %d, want 10000 default", e.cfg.Tokens.MaxTokensPerDecision)
	}
}
