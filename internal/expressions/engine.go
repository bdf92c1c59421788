package expressions

import "context"

// Engine evaluates expressions against run state.
// Three implementations: Expr (default condition language), CEL
// (opt-in via language: "cel"), GoJQ (data transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Scope names exposed to condition expressions. Both the Expr and CEL
// engines see the same three top-level maps, so a condition written for
// one language reads the same in the other.
const (
	ScopeVars    = "vars"    // run variables (trigger payload merged with node outputs)
	ScopePayload = "payload" // raw trigger payload
	ScopeRun     = "run"     // run metadata (run_id, workflow_id)
)

// BuildScope assembles the evaluation data map. Missing entries default
// to empty maps so expressions never hit nil-reference errors.
func BuildScope(vars, payload, run map[string]any) map[string]any {
	scope := make(map[string]any, 3)
	for key, v := range map[string]map[string]any{
		ScopeVars:    vars,
		ScopePayload: payload,
		ScopeRun:     run,
	} {
		if v != nil {
			scope[key] = v
		} else {
			scope[key] = map[string]any{}
		}
	}
	return scope
}

// Truthy converts an evaluation result to a boolean using JavaScript-like
// semantics: false, nil, 0, "" and empty collections are falsy.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case int:
		return val != 0
	case int32:
		return val != 0
	case int64:
		return val != 0
	case uint64:
		return val != 0
	case float32:
		return val != 0
	case float64:
		return val != 0
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	default:
		return true
	}
}
