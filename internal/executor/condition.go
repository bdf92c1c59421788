package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/leadwire/flowengine/internal/expressions"
	"github.com/leadwire/flowengine/pkg/schema"
)

// Branch labels produced by the conditional executors. The engine maps
// them onto outgoing edge labels, falling back to the unlabeled default
// edge when no edge carries the selected label.
const (
	BranchTrue  = "true"
	BranchFalse = "false"
)

const ifElseConfigSchema = `{
  "type": "object",
  "properties": {
    "expression": {"type": "string", "minLength": 1},
    "language": {"type": "string", "enum": ["expr", "cel"]}
  },
  "required": ["expression"]
}`

// IfElseExecutor evaluates a boolean expression over the run state and
// selects the "true" or "false" branch. Expressions are written in
// expr-lang by default; language: "cel" switches to CEL. Both languages
// see the same vars/payload/run scope.
type IfElseExecutor struct {
	exprEngine expressions.Engine
	celEngine  expressions.Engine
}

// NewIfElseExecutor creates an if_else executor backed by the given engines.
func NewIfElseExecutor(exprEngine, celEngine expressions.Engine) *IfElseExecutor {
	return &IfElseExecutor{exprEngine: exprEngine, celEngine: celEngine}
}

func (e *IfElseExecutor) Type() string { return "if_else" }

func (e *IfElseExecutor) Spec() Spec {
	return Spec{
		Description:  "Evaluates a boolean expression and routes to the true or false branch.",
		ConfigSchema: json.RawMessage(ifElseConfigSchema),
		Conditional:  true,
	}
}

func (e *IfElseExecutor) Execute(ctx context.Context, in Input) (*Result, error) {
	expression := stringParam(in.Node.Config, "expression", "")
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "if_else: missing 'expression'").
			WithNode(in.Node.ID)
	}

	engine := e.exprEngine
	if stringParam(in.Node.Config, "language", "expr") == "cel" {
		engine = e.celEngine
	}

	scope := expressions.BuildScope(in.Variables, in.Payload, map[string]any{
		"run_id":      in.RunID,
		"workflow_id": in.WorkflowID,
	})

	out, err := engine.Evaluate(ctx, expression, scope)
	if err != nil {
		return nil, err
	}

	branch := BranchFalse
	if expressions.Truthy(out) {
		branch = BranchTrue
	}
	return &Result{
		Branch: branch,
		Output: map[string]any{"condition_result": branch == BranchTrue},
	}, nil
}

const leadHasTagConfigSchema = `{
  "type": "object",
  "properties": {
    "tag": {"type": "string", "minLength": 1}
  },
  "required": ["tag"]
}`

// LeadHasTagExecutor checks whether the lead in the run variables
// carries a given tag. The lead is expected under vars.lead with a
// "tags" list, the shape the CRM trigger payload uses.
type LeadHasTagExecutor struct{}

func NewLeadHasTagExecutor() *LeadHasTagExecutor { return &LeadHasTagExecutor{} }

func (e *LeadHasTagExecutor) Type() string { return "lead_has_tag" }

func (e *LeadHasTagExecutor) Spec() Spec {
	return Spec{
		Description:  "Routes on whether the lead carries a tag.",
		ConfigSchema: json.RawMessage(leadHasTagConfigSchema),
		Conditional:  true,
	}
}

func (e *LeadHasTagExecutor) Execute(ctx context.Context, in Input) (*Result, error) {
	tag := stringParam(in.Node.Config, "tag", "")
	if tag == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "lead_has_tag: missing 'tag'").
			WithNode(in.Node.ID)
	}

	branch := BranchFalse
	if lead := mapParam(in.Variables, "lead"); lead != nil {
		if tags, ok := lead["tags"].([]any); ok {
			for _, t := range tags {
				if s, ok := t.(string); ok && s == tag {
					branch = BranchTrue
					break
				}
			}
		}
	}

	return &Result{
		Branch: branch,
		Output: map[string]any{"condition_result": branch == BranchTrue},
	}, nil
}

const leadFieldMatchesConfigSchema = `{
  "type": "object",
  "properties": {
    "field": {"type": "string", "minLength": 1},
    "operator": {
      "type": "string",
      "enum": ["equals", "not_equals", "greater_than", "less_than", "contains", "not_contains"]
    },
    "value": {}
  },
  "required": ["field", "operator"]
}`

// LeadFieldMatchesExecutor compares a lead field against a configured
// value with one of six operators.
type LeadFieldMatchesExecutor struct{}

func NewLeadFieldMatchesExecutor() *LeadFieldMatchesExecutor { return &LeadFieldMatchesExecutor{} }

func (e *LeadFieldMatchesExecutor) Type() string { return "lead_field_matches" }

func (e *LeadFieldMatchesExecutor) Spec() Spec {
	return Spec{
		Description:  "Routes on a comparison between a lead field and a configured value.",
		ConfigSchema: json.RawMessage(leadFieldMatchesConfigSchema),
		Conditional:  true,
	}
}

func (e *LeadFieldMatchesExecutor) Execute(ctx context.Context, in Input) (*Result, error) {
	field := stringParam(in.Node.Config, "field", "")
	operator := stringParam(in.Node.Config, "operator", "")
	if field == "" || operator == "" {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"lead_field_matches: missing 'field' or 'operator'").
			WithNode(in.Node.ID)
	}
	expected := in.Node.Config["value"]

	var actual any
	if lead := mapParam(in.Variables, "lead"); lead != nil {
		actual = lead[field]
	}

	matched, err := compareField(actual, operator, expected)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNodeExecution,
			"lead_field_matches: %s", err.Error()).
			WithNode(in.Node.ID).WithCause(err)
	}

	branch := BranchFalse
	if matched {
		branch = BranchTrue
	}
	return &Result{
		Branch: branch,
		Output: map[string]any{"condition_result": matched},
	}, nil
}

// compareField applies one comparison operator. Numeric comparisons
// coerce both sides to float64; contains works on strings and lists.
func compareField(actual any, operator string, expected any) (bool, error) {
	switch operator {
	case "equals":
		return looseEqual(actual, expected), nil
	case "not_equals":
		return !looseEqual(actual, expected), nil
	case "greater_than":
		a, b, ok := bothNumbers(actual, expected)
		if !ok {
			return false, fmt.Errorf("greater_than needs numeric operands, got %T and %T", actual, expected)
		}
		return a > b, nil
	case "less_than":
		a, b, ok := bothNumbers(actual, expected)
		if !ok {
			return false, fmt.Errorf("less_than needs numeric operands, got %T and %T", actual, expected)
		}
		return a < b, nil
	case "contains":
		return containsValue(actual, expected), nil
	case "not_contains":
		return !containsValue(actual, expected), nil
	default:
		return false, fmt.Errorf("unknown operator %q", operator)
	}
}

func looseEqual(a, b any) bool {
	if af, bf, ok := bothNumbers(a, b); ok {
		return af == bf
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func bothNumbers(a, b any) (float64, float64, bool) {
	af, aok := toNumber(a)
	bf, bok := toNumber(b)
	return af, bf, aok && bok
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func containsValue(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		return strings.Contains(h, fmt.Sprintf("%v", needle))
	case []any:
		for _, item := range h {
			if looseEqual(item, needle) {
				return true
			}
		}
		return false
	default:
		return false
	}
}
