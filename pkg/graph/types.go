// Package graph defines the declarative graph data model the executor drives:
// a Goal, the nodes and edges of a GraphSpec, and structural validation.
package graph

// NodeKind identifies the behavior a node implements when visited.
type NodeKind string

const (
	KindLLMToolUse  NodeKind = "llm_tool_use"
	KindLLMGenerate NodeKind = "llm_generate"
	KindRouter      NodeKind = "router"
	KindFunction    NodeKind = "function"
	KindHumanInput  NodeKind = "human_input"
)

// EdgeCondition selects how an edge decides whether to fire.
type EdgeCondition string

const (
	CondAlways      EdgeCondition = "always"
	CondOnSuccess   EdgeCondition = "on_success"
	CondOnFailure   EdgeCondition = "on_failure"
	CondConditional EdgeCondition = "conditional"
	CondLLMDecide   EdgeCondition = "llm_decide"
)

// Criterion is one measurable success condition for a Goal.
type Criterion struct {
	ID          string  `yaml:"id" json:"id"`
	Description string  `yaml:"description" json:"description"`
	Metric      string  `yaml:"metric" json:"metric"`
	Target      float64 `yaml:"target" json:"target"`
	Weight      float64 `yaml:"weight" json:"weight"`
}

// ConstraintKind distinguishes hard (must hold) from soft (should hold) constraints.
type ConstraintKind string

const (
	ConstraintHard ConstraintKind = "hard"
	ConstraintSoft ConstraintKind = "soft"
)

// Constraint is a rule the run must (hard) or should (soft) respect.
type Constraint struct {
	ID          string         `yaml:"id" json:"id"`
	Description string         `yaml:"description" json:"description"`
	Kind        ConstraintKind `yaml:"kind" json:"kind"`
	Category    string         `yaml:"category" json:"category"`
}

// Goal describes what a run is trying to accomplish. Immutable per run.
type Goal struct {
	ID           string            `yaml:"id" json:"id"`
	Name         string            `yaml:"name" json:"name"`
	Description  string            `yaml:"description" json:"description"`
	Criteria     []Criterion       `yaml:"criteria,omitempty" json:"criteria,omitempty"`
	Constraints  []Constraint      `yaml:"constraints,omitempty" json:"constraints,omitempty"`
	InputSchema  map[string]string `yaml:"input_schema,omitempty" json:"input_schema,omitempty"`
	OutputSchema map[string]string `yaml:"output_schema,omitempty" json:"output_schema,omitempty"`
}

// NodeSpec declares one node of a GraphSpec.
type NodeSpec struct {
	ID             string   `yaml:"id" json:"id"`
	Name           string   `yaml:"name" json:"name"`
	Kind           NodeKind `yaml:"kind" json:"kind"`
	InputKeys      []string `yaml:"input_keys,omitempty" json:"input_keys,omitempty"`
	OutputKeys     []string `yaml:"output_keys,omitempty" json:"output_keys,omitempty"`
	NullableOutput []string `yaml:"nullable_output,omitempty" json:"nullable_output,omitempty"`
	Tools          []string `yaml:"tools,omitempty" json:"tools,omitempty"`
	SystemPrompt   string   `yaml:"system_prompt,omitempty" json:"system_prompt,omitempty"`
	MaxRetries     int      `yaml:"max_retries" json:"max_retries"`
	MaxNodeVisits  int      `yaml:"max_node_visits" json:"max_node_visits"`
	ClientFacing   bool     `yaml:"client_facing,omitempty" json:"client_facing,omitempty"`

	// OutputTypes optionally names the expected Go type (by json.Unmarshal-compatible
	// type name, e.g. "string", "float64", "bool") of each declared output key. Used by
	// the Output Cleaner's type-mismatch check.
	OutputTypes map[string]string `yaml:"output_types,omitempty" json:"output_types,omitempty"`
}

// IsOutputNullable reports whether key is allowed to be absent/null in this node's output.
func (n *NodeSpec) IsOutputNullable(key string) bool {
	for _, k := range n.NullableOutput {
		if k == key {
			return true
		}
	}
	return false
}

// EdgeSpec declares one directed transition between two nodes.
type EdgeSpec struct {
	ID            string            `yaml:"id" json:"id"`
	Source        string            `yaml:"source" json:"source"`
	Target        string            `yaml:"target" json:"target"`
	Condition     EdgeCondition     `yaml:"condition" json:"condition"`
	ConditionExpr string            `yaml:"condition_expr,omitempty" json:"condition_expr,omitempty"`
	Description   string            `yaml:"description,omitempty" json:"description,omitempty"`
	Priority      int               `yaml:"priority" json:"priority"`
	InputMapping  map[string]string `yaml:"input_mapping,omitempty" json:"input_mapping,omitempty"`
}

// LoopConfig bounds the inner tool-use loop of an llm_tool_use node visit.
type LoopConfig struct {
	MaxIterations           int `yaml:"max_iterations" json:"max_iterations"`
	MaxToolCallsPerTurn     int `yaml:"max_tool_calls_per_turn" json:"max_tool_calls_per_turn"`
	MaxHistoryTokens        int `yaml:"max_history_tokens" json:"max_history_tokens"`
	StallDetectionThreshold int `yaml:"stall_detection_threshold" json:"stall_detection_threshold"`
}

// DefaultLoopConfig returns the spec's documented defaults.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		MaxIterations:           15,
		MaxToolCallsPerTurn:     8,
		MaxHistoryTokens:        16000,
		StallDetectionThreshold: 3,
	}
}

// GraphSpec is the full declarative graph the executor drives to completion.
type GraphSpec struct {
	ID                   string            `yaml:"id" json:"id"`
	GoalID               string            `yaml:"goal_id" json:"goal_id"`
	Nodes                []NodeSpec        `yaml:"nodes" json:"nodes"`
	Edges                []EdgeSpec        `yaml:"edges" json:"edges"`
	EntryNode            string            `yaml:"entry_node" json:"entry_node"`
	EntryPoints          map[string]string `yaml:"entry_points,omitempty" json:"entry_points,omitempty"`
	TerminalNodes        map[string]bool   `yaml:"terminal_nodes" json:"terminal_nodes"`
	PauseNodes           map[string]bool   `yaml:"pause_nodes,omitempty" json:"pause_nodes,omitempty"`
	MaxSteps             int               `yaml:"max_steps" json:"max_steps"`
	Loop                 LoopConfig        `yaml:"loop" json:"loop"`
	DefaultModel         string            `yaml:"default_model,omitempty" json:"default_model,omitempty"`
	MaxTokensPerDecision int               `yaml:"max_tokens_per_decision" json:"max_tokens_per_decision"`
	Metadata             map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// NodeByID returns the node with the given id, or nil if absent.
func (g *GraphSpec) NodeByID(id string) *NodeSpec {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i]
		}
	}
	return nil
}

// OutgoingEdges returns edges sourced at nodeID, sorted by descending priority.
func (g *GraphSpec) OutgoingEdges(nodeID string) []EdgeSpec {
	var out []EdgeSpec
	for _, e := range g.Edges {
		if e.Source == nodeID {
			out = append(out, e)
		}
	}
	// insertion sort: graphs are small, stability matters more than speed.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Priority > out[j-1].Priority; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// IsTerminal reports whether nodeID is a terminal node.
func (g *GraphSpec) IsTerminal(nodeID string) bool { return g.TerminalNodes[nodeID] }

// IsPause reports whether nodeID is a pause node.
func (g *GraphSpec) IsPause(nodeID string) bool { return g.PauseNodes[nodeID] }
