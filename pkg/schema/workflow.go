package schema

// WorkflowDefinition is the JSON-serializable workflow graph format.
// The authoring layer owns these; the engine treats a definition as
// immutable input for the duration of a run.
type WorkflowDefinition struct {
	ID        string         `json:"id"`
	Name      string         `json:"name,omitempty"`
	Nodes     []Node         `json:"nodes"`
	Edges     []Edge         `json:"edges"`
	Variables map[string]any `json:"variables,omitempty"`
	IsActive  bool           `json:"is_active"`
}

// Node is a single unit of work in a workflow graph.
type Node struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`              // executor type name (e.g. "if_else", "custom_webhook")
	Config  map[string]any `json:"config,omitempty"`  // type-specific configuration
	Retry   *RetryPolicy   `json:"retry,omitempty"`   // overrides the executor's default policy
	Timeout string         `json:"timeout,omitempty"` // per-node deadline (e.g. "30s", "5m")
}

// Edge is a directed connection between two nodes. Branch carries the
// label a conditional node selects; an unlabeled edge out of a
// conditional node is its default ("else") edge.
type Edge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
	Branch string `json:"branch,omitempty"`
}

// RetryPolicy configures retry behavior for a node.
type RetryPolicy struct {
	MaxAttempts int    `json:"max_attempts"`
	Backoff     string `json:"backoff,omitempty"`   // none | constant | linear | exponential
	Delay       string `json:"delay,omitempty"`     // initial delay (e.g. "1s", "500ms")
	MaxDelay    string `json:"max_delay,omitempty"` // cap on the computed delay
}
