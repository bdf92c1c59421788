package executor

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/leadwire/flowengine/pkg/schema"
)

// Executor executes one node type. Implementations must be safe for
// concurrent use: the engine dispatches parallel branches onto a shared
// worker pool.
type Executor interface {
	Type() string
	Spec() Spec
	Execute(ctx context.Context, in Input) (*Result, error)
}

// Spec describes an executor's static contract. The graph validator
// reads it to classify nodes and to validate node config against
// ConfigSchema; the engine reads it for default retry and timeout.
type Spec struct {
	Description    string
	ConfigSchema   json.RawMessage
	Entry          bool // node may be the run's entry point (trigger)
	Terminal       bool // node needs no outgoing edges
	Conditional    bool // node selects a branch label
	DefaultRetry   *schema.RetryPolicy
	DefaultTimeout time.Duration
}

// Input is the data an executor receives for one attempt.
type Input struct {
	RunID      string
	WorkflowID string
	Node       schema.Node
	Attempt    int
	Variables  map[string]any // run variables snapshot, read-only
	Payload    map[string]any // raw trigger payload
	Logger     *slog.Logger
}

// Result is the outcome of a successful attempt. Output is deep-merged
// into the run variables; Branch is the label a conditional node
// selected ("" for non-conditional nodes).
type Result struct {
	Output map[string]any
	Branch string
}

// Param helpers shared by the built-in executors.

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	b, ok := v.(bool)
	if !ok {
		return defaultVal
	}
	return b
}

func intParam(m map[string]any, key string, defaultVal int) int {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return defaultVal
		}
		return int(i)
	default:
		return defaultVal
	}
}

func mapParam(m map[string]any, key string) map[string]any {
	v, ok := m[key]
	if !ok {
		return nil
	}
	mp, _ := v.(map[string]any)
	return mp
}

func durationParam(m map[string]any, key string, defaultVal time.Duration) time.Duration {
	s := stringParam(m, key, "")
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}
