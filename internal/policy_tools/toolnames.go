// Package policy provides the tool-name canonicalization the Guardrail
// Engine's forbidden-tool check (§4.3) applies before matching a proposed
// call against a configured deny list, so "bash" and "exec" (or any other
// alias a graph author or tool vendor might use) are judged as the same
// tool rather than slipping past a pattern written against the canonical
// name.
package policy

import "strings"

// ToolAliases maps alternative tool names to their canonical form.
var ToolAliases = map[string]string{
	"bash":        "exec",
	"shell":       "exec",
	"apply-patch": "edit",
	"apply_patch": "edit",
	"sandbox":     "execute_code",
	"websearch":   "web_search",
	"webfetch":    "web_fetch",
}

// NormalizeTool lowercases and trims name, then resolves it through
// ToolAliases if a canonical form is registered.
func NormalizeTool(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if canonical, ok := ToolAliases[normalized]; ok {
		return canonical
	}
	return normalized
}

// NormalizeTools applies NormalizeTool to every entry, dropping any that
// normalize to the empty string.
func NormalizeTools(names []string) []string {
	result := make([]string, 0, len(names))
	for _, name := range names {
		if normalized := NormalizeTool(name); normalized != "" {
			result = append(result, normalized)
		}
	}
	return result
}
