package condeval

import "testing"

func TestEvaluateBasicComparison(t *testing.T) {
	env := map[string]any{"output": map[string]any{"score": 0.9}}
	if !Evaluate("output['score'] > 0.8", env) {
		t.Fatal("expected expression to evaluate true")
	}
}

func TestEvaluateFalseComparison(t *testing.T) {
	env := map[string]any{"output": map[string]any{"score": 0.5}}
	if Evaluate("output['score'] > 0.8", env) {
		t.Fatal("expected expression to evaluate false")
	}
}

func TestEvaluateEmptyExpressionDefaultsTrue(t *testing.T) {
	if !Evaluate("", map[string]any{}) {
		t.Fatal("expected empty expression to default true")
	}
}

func TestEvaluateUndefinedNameYieldsFalse(t *testing.T) {
	if Evaluate("missing > 1", map[string]any{}) {
		t.Fatal("expected undefined name to evaluate false, not crash")
	}
}

func TestEvaluateSyntaxErrorYieldsFalse(t *testing.T) {
	if Evaluate("output[[[", map[string]any{}) {
		t.Fatal("expected syntax error to evaluate false")
	}
}

func TestEvaluateLenAndContainment(t *testing.T) {
	env := map[string]any{"output": map[string]any{"tags": []any{"a", "b"}}}
	if !Evaluate("len(output['tags']) == 2", env) {
		t.Fatal("expected len() == 2")
	}
	if !Evaluate("'a' in output['tags']", env) {
		t.Fatal("expected containment true")
	}
}

func TestEvaluateTernary(t *testing.T) {
	env := map[string]any{"output": map[string]any{"ok": true}}
	if Evaluate("output['ok'] ? 1 : 0", env) != true {
		t.Fatal("expected ternary true branch")
	}
}

func TestEvaluateDotAccess(t *testing.T) {
	env := map[string]any{"output": map[string]any{"score": 5.0}}
	if !Evaluate("output.score >= 5", env) {
		t.Fatal("expected dot access to resolve like index access")
	}
}

func TestEvaluateBooleanShortCircuit(t *testing.T) {
	env := map[string]any{"output": map[string]any{"a": true}}
	// `missing` would error if evaluated; short-circuit must prevent that.
	if !Evaluate("output['a'] || missing", env) {
		t.Fatal("expected short-circuited || to still be true")
	}
}
