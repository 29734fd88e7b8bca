// Package cleaner implements the Output Cleaner (§4.2): it validates that a
// node's output satisfies the next node's declared input contract and, when
// it does not, repairs the payload with a cheap, deterministic LLM call
// backed by a shape-similarity pattern cache.
package cleaner

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/agentrunner/internal/providers"
	"github.com/haasonsaas/agentrunner/pkg/graph"
	"github.com/haasonsaas/agentrunner/pkg/models"
)

// Config mirrors CleansingConfig from the reference implementation this
// package was ported from.
type Config struct {
	Enabled                 bool
	FastModel               string
	MaxRetries              int
	CacheSuccessfulPatterns bool
	CacheMaxSize            int
	CacheTTLSeconds         int
	FallbackToRaw           bool
	LogCleanings            bool
	Logger                  *slog.Logger
}

// DefaultConfig returns the documented defaults: caching on, a 100-entry
// cache with a one-hour TTL, falling back to the raw payload on failure.
func DefaultConfig() Config {
	return Config{
		Enabled:                 true,
		FastModel:               "fast",
		MaxRetries:              1,
		CacheSuccessfulPatterns: true,
		CacheMaxSize:            100,
		CacheTTLSeconds:         3600,
		FallbackToRaw:           true,
		LogCleanings:            false,
	}
}

// ValidationResult is the outcome of ValidateOutput.
type ValidationResult struct {
	Valid    bool
	Errors   []string
	Warnings []string
}

type cachedPattern struct {
	sourceNodeID   string
	targetNodeID   string
	errorSignature string
	original       map[string]any
	cleaned        map[string]any
	createdAt      time.Time
	hitCount       int
}

// Stats is the snapshot returned by GetStats.
type Stats struct {
	Hits       int
	Misses     int
	LLMRepairs int
	CacheSize  int
}

// Cleaner is the stateful Output Cleaner. It is safe for concurrent use; the
// pattern cache is guarded by its own mutex since the spec requires the
// cache to stay correct even if a caller shares one executor across
// concurrently-running graphs (§5).
type Cleaner struct {
	cfg      Config
	provider providers.Provider

	mu      sync.Mutex
	cache   map[string]*cachedPattern
	order   []string // insertion order, for oldest-eviction
	hits    int
	misses  int
	repairs int
}

// New constructs a Cleaner. provider may be nil, in which case CleanOutput
// always takes the fallback-to-raw path (or errors if fallback is disabled).
func New(cfg Config, provider providers.Provider) *Cleaner {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Cleaner{
		cfg:      cfg,
		provider: provider,
		cache:    make(map[string]*cachedPattern),
	}
}

// ValidateOutput runs the four checks of §4.2 against output, given the
// node id it came from and the spec of the node it is about to feed.
func (c *Cleaner) ValidateOutput(output map[string]any, sourceNodeID string, target *graph.NodeSpec) ValidationResult {
	var errs, warns []string

	// Checks 1-3 are scoped to the keys the target declares; extra keys in
	// the source output are not the target's business and never fail
	// validation.
	for _, key := range target.InputKeys {
		value, ok := output[key]
		if !ok {
			errs = append(errs, fmt.Sprintf("missing required key %q from node %q", key, sourceNodeID))
			continue
		}

		s, ok := value.(string)
		if !ok {
			continue
		}
		var parsed map[string]any
		if err := json.Unmarshal([]byte(s), &parsed); err == nil {
			if _, has := parsed[key]; has {
				errs = append(errs, fmt.Sprintf("nested same-key JSON string for key %q", key))
			} else if len(s) > 100 {
				warns = append(warns, fmt.Sprintf("key %q holds a JSON string (%d chars) that does not match its expected shape", key, len(s)))
			}
		} else if len(s) > 500 {
			warns = append(warns, fmt.Sprintf("key %q holds an unusually large non-JSON string (%d chars)", key, len(s)))
		}
	}

	// Check 4: declared type schema, if any.
	for key, wantType := range target.OutputTypes {
		value, ok := output[key]
		if !ok {
			continue
		}
		if !typeMatches(value, wantType) {
			errs = append(errs, fmt.Sprintf("key %q has type %T, expected %s", key, value, wantType))
		}
	}

	return ValidationResult{Valid: len(errs) == 0, Errors: errs, Warnings: warns}
}

func typeMatches(v any, wantType string) bool {
	switch wantType {
	case "string":
		_, ok := v.(string)
		return ok
	case "number", "float64":
		switch v.(type) {
		case float64, int, int64:
			return true
		}
		return false
	case "bool", "boolean":
		_, ok := v.(bool)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	default:
		return true
	}
}

// cacheKey renders "source→target:errhash[:8]" using an MD5 digest of the
// sorted, newline-joined error strings — matching the reference
// implementation's key shape exactly so repair patterns remain portable.
func cacheKey(sourceID, targetID string, errs []string) string {
	sorted := append([]string(nil), errs...)
	sort.Strings(sorted)
	sum := md5.Sum([]byte(strings.Join(sorted, "\n")))
	digest := hex.EncodeToString(sum[:])[:8]
	return fmt.Sprintf("%s→%s:%s", sourceID, targetID, digest)
}

// CleanOutput repairs output so it satisfies target's input contract. It
// checks the pattern cache first; on a miss (and when a provider is wired)
// it calls the fast model, caches a successful repair, and returns it.
func (c *Cleaner) CleanOutput(ctx context.Context, output map[string]any, sourceNodeID string, target *graph.NodeSpec, errs []string) (map[string]any, error) {
	key := cacheKey(sourceNodeID, target.ID, errs)

	if pattern := c.lookupCache(key, output); pattern != nil {
		if cleaned := c.applyCachedPattern(pattern, output); cleaned != nil {
			c.mu.Lock()
			c.hits++
			pattern.hitCount++
			c.mu.Unlock()
			return cleaned, nil
		}
	}

	c.mu.Lock()
	c.misses++
	c.mu.Unlock()

	if c.provider == nil {
		return c.fallback(output, nil)
	}

	attempts := c.cfg.MaxRetries
	if attempts < 1 {
		attempts = 1
	}
	var cleaned map[string]any
	var err error
	for i := 0; i < attempts; i++ {
		cleaned, err = c.repairWithLLM(ctx, output, sourceNodeID, target, errs)
		if err == nil {
			break
		}
	}
	if err != nil {
		return c.fallback(output, err)
	}

	if c.cfg.CacheSuccessfulPatterns {
		c.storePattern(key, sourceNodeID, target.ID, strings.Join(errs, "\n"), output, cleaned)
	}
	c.mu.Lock()
	c.repairs++
	c.mu.Unlock()

	if c.cfg.LogCleanings {
		c.cfg.Logger.Info("output cleaned", slog.String("source_node", sourceNodeID), slog.String("target_node", target.ID))
	}
	return cleaned, nil
}

func (c *Cleaner) fallback(output map[string]any, cause error) (map[string]any, error) {
	if c.cfg.FallbackToRaw {
		return output, nil
	}
	if cause != nil {
		return nil, fmt.Errorf("cleaner: repair failed and fallback disabled: %w", cause)
	}
	return nil, fmt.Errorf("cleaner: no provider configured and fallback disabled")
}

// lookupCache returns the live pattern under key only if current is shaped
// like the output the pattern was learned from; an expired entry is evicted
// and a shape mismatch is a miss, never a mispredict.
func (c *Cleaner) lookupCache(key string, current map[string]any) *cachedPattern {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.cache[key]
	if !ok {
		return nil
	}
	if c.cfg.CacheTTLSeconds > 0 && time.Since(p.createdAt) > time.Duration(c.cfg.CacheTTLSeconds)*time.Second {
		delete(c.cache, key)
		c.removeFromOrder(key)
		return nil
	}
	if !outputsSimilar(current, p.original) {
		return nil
	}
	return p
}

// outputsSimilar reports whether two outputs share the same key set with the
// same per-key value type — the gate deciding whether a cached pattern is
// applicable to a new output at all.
func outputsSimilar(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, va := range a {
		vb, ok := b[k]
		if !ok || !sameType(va, vb) {
			return false
		}
	}
	return true
}

func (c *Cleaner) storePattern(key, sourceID, targetID, errSig string, original, cleaned map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.cache[key]; !exists {
		maxSize := c.cfg.CacheMaxSize
		if maxSize <= 0 {
			maxSize = 100
		}
		for len(c.order) >= maxSize {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.cache, oldest)
		}
		c.order = append(c.order, key)
	}

	c.cache[key] = &cachedPattern{
		sourceNodeID:   sourceID,
		targetNodeID:   targetID,
		errorSignature: errSig,
		original:       original,
		cleaned:        cleaned,
		createdAt:      time.Now(),
	}
}

func (c *Cleaner) removeFromOrder(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

// applyCachedPattern implements the four-case priority order of §4.2. It
// returns nil (a cache miss, not an error) whenever none of the four cases
// applies — correctness over hit rate, per the design note that shape
// mismatches should degrade to a miss rather than a mispredict.
func (c *Cleaner) applyCachedPattern(p *cachedPattern, current map[string]any) map[string]any {
	result := make(map[string]any, len(current))
	for k, v := range current {
		result[k] = v
	}

	for key, origVal := range p.original {
		origStr, origIsString := origVal.(string)
		cleanedVal, hasCleanedVal := p.cleaned[key]
		curVal, curHasKey := current[key]

		if origIsString {
			var origParsed map[string]any
			if err := json.Unmarshal([]byte(origStr), &origParsed); err == nil {
				if _, containsKey := origParsed[key]; containsKey {
					// Case 1: original was a same-key JSON string; parse the
					// current value the same way and extract the same key.
					if curStr, ok := curVal.(string); ok && curHasKey {
						var curParsed map[string]any
						if err := json.Unmarshal([]byte(curStr), &curParsed); err == nil {
							if inner, ok := curParsed[key]; ok {
								result[key] = inner
								continue
							}
						}
					}
				}
				// Case 2: original was a JSON string, cleaned was a dict:
				// parse current the same way.
				if _, cleanedIsMap := cleanedVal.(map[string]any); hasCleanedVal && cleanedIsMap {
					if curStr, ok := curVal.(string); ok {
						var curParsed map[string]any
						if err := json.Unmarshal([]byte(curStr), &curParsed); err == nil {
							result[key] = curParsed
							continue
						}
					}
				}
			}
		}

		// Case 3: types line up across original/cleaned/current — pass
		// through the current value unchanged (nothing to do).
		if curHasKey && hasCleanedVal && sameType(origVal, cleanedVal) && sameType(cleanedVal, curVal) {
			continue
		}

		// Case 4: type mismatch — fall back to the cached cleaned value as
		// a template.
		if hasCleanedVal {
			result[key] = cleanedVal
			continue
		}

		return nil
	}
	return result
}

func sameType(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return fmt.Sprintf("%T", a) == fmt.Sprintf("%T", b)
}

func (c *Cleaner) repairWithLLM(ctx context.Context, output map[string]any, sourceNodeID string, target *graph.NodeSpec, errs []string) (map[string]any, error) {
	raw, err := json.Marshal(output)
	if err != nil {
		return nil, fmt.Errorf("cleaner: marshal offending output: %w", err)
	}

	prompt := fmt.Sprintf(
		"The following output from node %q does not satisfy node %q's input contract.\n"+
			"Required keys: %v\n"+
			"Validation errors:\n- %s\n\n"+
			"Offending output (JSON):\n%s\n\n"+
			"Return ONLY a corrected JSON object satisfying the required keys.",
		sourceNodeID, target.ID, target.InputKeys, strings.Join(errs, "\n- "), raw,
	)

	zero := 0.0
	result, err := c.provider.Complete(ctx, providers.CompletionRequest{
		Messages:    []models.Message{{Role: models.RoleUser, Content: prompt}},
		MaxTokens:   1024,
		JSONMode:    true,
		Temperature: &zero,
		Model:       c.cfg.FastModel,
	})
	if err != nil {
		return nil, fmt.Errorf("cleaner: repair call failed: %w", err)
	}

	content := stripMarkdownFence(result.Content)
	var cleaned map[string]any
	if err := json.Unmarshal([]byte(content), &cleaned); err != nil {
		return nil, fmt.Errorf("cleaner: repair response is not valid JSON: %w", err)
	}
	return cleaned, nil
}

func stripMarkdownFence(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
	}
	return strings.TrimSpace(s)
}

// Enabled reports whether cleaning is switched on; the executor skips the
// validate/clean hand-off entirely when it is not.
func (c *Cleaner) Enabled() bool { return c.cfg.Enabled }

// GetStats returns a snapshot of cache hit/miss/repair counters.
func (c *Cleaner) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Hits: c.hits, Misses: c.misses, LLMRepairs: c.repairs, CacheSize: len(c.cache)}
}

// ClearCache empties the pattern cache without resetting hit/miss counters.
func (c *Cleaner) ClearCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]*cachedPattern)
	c.order = nil
}
