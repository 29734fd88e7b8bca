package graph

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadGraphSpec parses a GraphSpec from YAML bytes. It does not validate the
// result — callers should run Validate before handing the spec to an executor.
func LoadGraphSpec(data []byte) (*GraphSpec, error) {
	var g GraphSpec
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("graph: parse yaml: %w", err)
	}
	if g.TerminalNodes == nil {
		g.TerminalNodes = map[string]bool{}
	}
	if g.PauseNodes == nil {
		g.PauseNodes = map[string]bool{}
	}
	if g.Loop == (LoopConfig{}) {
		g.Loop = DefaultLoopConfig()
	}
	return &g, nil
}

// LoadGraphSpecFile reads and parses a GraphSpec from a YAML file on disk.
func LoadGraphSpecFile(path string) (*GraphSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("graph: read %s: %w", path, err)
	}
	return LoadGraphSpec(data)
}

// LoadGoal parses a Goal from YAML bytes.
func LoadGoal(data []byte) (*Goal, error) {
	var goal Goal
	if err := yaml.Unmarshal(data, &goal); err != nil {
		return nil, fmt.Errorf("graph: parse goal yaml: %w", err)
	}
	return &goal, nil
}
