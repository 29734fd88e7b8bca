package cleaner

import (
	"context"
	"testing"

	"github.com/haasonsaas/agentrunner/pkg/graph"
)

func targetSpec(inputKeys ...string) *graph.NodeSpec {
	return &graph.NodeSpec{ID: "B", InputKeys: inputKeys}
}

func TestValidateOutputMissingKey(t *testing.T) {
	c := New(DefaultConfig(), nil)
	result := c.ValidateOutput(map[string]any{"x": 1}, "A", targetSpec("y"))
	if result.Valid {
		t.Fatal("expected invalid result for missing key")
	}
	if len(result.Errors) != 1 {
		t.Fatalf("got %d errors, want 1: %v", len(result.Errors), result.Errors)
	}
}

func TestValidateOutputNestedSameKeyTrap(t *testing.T) {
	c := New(DefaultConfig(), nil)
	result := c.ValidateOutput(map[string]any{"report": `{"report":"ok"}`}, "A", targetSpec("report"))
	if result.Valid {
		t.Fatal("expected invalid result for nested same-key JSON string")
	}
}

func TestValidateOutputOK(t *testing.T) {
	c := New(DefaultConfig(), nil)
	result := c.ValidateOutput(map[string]any{"y": 2}, "A", targetSpec("y"))
	if !result.Valid {
		t.Fatalf("expected valid result, got errors: %v", result.Errors)
	}
}

func TestCleanOutputFallsBackToRawWithoutProvider(t *testing.T) {
	c := New(DefaultConfig(), nil)
	output := map[string]any{"report": `{"report":"ok"}`}
	cleaned, err := c.CleanOutput(context.Background(), output, "A", targetSpec("report"), []string{"nested same-key JSON string for key \"report\""})
	if err != nil {
		t.Fatalf("CleanOutput: %v", err)
	}
	if cleaned["report"] != output["report"] {
		t.Fatalf("expected fallback to raw output, got %v", cleaned)
	}
}

func TestCleanOutputNoFallbackErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FallbackToRaw = false
	c := New(cfg, nil)
	_, err := c.CleanOutput(context.Background(), map[string]any{"report": "x"}, "A", targetSpec("report"), []string{"boom"})
	if err == nil {
		t.Fatal("expected error when fallback is disabled and no provider is wired")
	}
}

func TestCacheEvictsOldestBeyondMaxSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CacheMaxSize = 2
	c := New(cfg, nil)

	c.storePattern("k1", "A", "B", "e1", map[string]any{"x": 1}, map[string]any{"x": 1})
	c.storePattern("k2", "A", "B", "e2", map[string]any{"x": 1}, map[string]any{"x": 1})
	c.storePattern("k3", "A", "B", "e3", map[string]any{"x": 1}, map[string]any{"x": 1})

	stats := c.GetStats()
	if stats.CacheSize != 2 {
		t.Fatalf("got cache size %d, want 2", stats.CacheSize)
	}
	if _, ok := c.cache["k1"]; ok {
		t.Fatal("expected oldest entry k1 to be evicted")
	}
}

func TestApplyCachedPatternCase1ExtractsSameKey(t *testing.T) {
	c := New(DefaultConfig(), nil)
	pattern := &cachedPattern{
		original: map[string]any{"report": `{"report":"ok"}`},
		cleaned:  map[string]any{"report": "ok"},
	}
	current := map[string]any{"report": `{"report":"different"}`}
	result := c.applyCachedPattern(pattern, current)
	if result == nil {
		t.Fatal("expected a non-nil repaired result")
	}
	if result["report"] != "different" {
		t.Fatalf("got %v, want \"different\"", result["report"])
	}
}

func TestClearCacheEmptiesButKeepsCounters(t *testing.T) {
	c := New(DefaultConfig(), nil)
	c.storePattern("k1", "A", "B", "e1", map[string]any{"x": 1}, map[string]any{"x": 1})
	c.hits = 3
	c.ClearCache()
	stats := c.GetStats()
	if stats.CacheSize != 0 {
		t.Fatalf("got cache size %d, want 0", stats.CacheSize)
	}
	if stats.Hits != 3 {
		t.Fatalf("expected hit counter to survive ClearCache, got %d", stats.Hits)
	}
}

func TestValidateOutputIgnoresUndeclaredKeys(t *testing.T) {
	c := New(DefaultConfig(), nil)
	output := map[string]any{"y": 2, "debug": `{"debug":"trace dump"}`}
	result := c.ValidateOutput(output, "A", targetSpec("y"))
	if !result.Valid {
		t.Fatalf("keys the target never declared must not fail validation, got errors: %v", result.Errors)
	}
}

func TestLookupCacheRejectsShapeMismatch(t *testing.T) {
	c := New(DefaultConfig(), nil)
	c.storePattern("k", "A", "B", "e", map[string]any{"report": "text"}, map[string]any{"report": "ok"})

	if p := c.lookupCache("k", map[string]any{"report": 42.0}); p != nil {
		t.Fatal("expected a per-key type mismatch to be a cache miss")
	}
	if p := c.lookupCache("k", map[string]any{"report": "x", "extra": 1}); p != nil {
		t.Fatal("expected a key-set mismatch to be a cache miss")
	}
	if p := c.lookupCache("k", map[string]any{"report": "y"}); p == nil {
		t.Fatal("expected a same-shaped output to still hit")
	}
}
