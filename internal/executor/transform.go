package executor

import (
	"context"
	"encoding/json"

	"github.com/leadwire/flowengine/internal/expressions"
	"github.com/leadwire/flowengine/pkg/schema"
)

const transformConfigSchema = `{
  "type": "object",
  "properties": {
    "expression": {"type": "string", "minLength": 1},
    "target": {"type": "string", "minLength": 1}
  },
  "required": ["expression", "target"]
}`

// TransformDataExecutor reshapes run variables with a jq expression and
// stores the result under a target variable.
type TransformDataExecutor struct {
	jq expressions.Engine
}

// NewTransformDataExecutor creates a transform_data executor backed by
// the given jq engine.
func NewTransformDataExecutor(jq expressions.Engine) *TransformDataExecutor {
	return &TransformDataExecutor{jq: jq}
}

func (e *TransformDataExecutor) Type() string { return "transform_data" }

func (e *TransformDataExecutor) Spec() Spec {
	return Spec{
		Description:  "Transforms run variables with a jq expression into a target variable.",
		ConfigSchema: json.RawMessage(transformConfigSchema),
	}
}

func (e *TransformDataExecutor) Execute(ctx context.Context, in Input) (*Result, error) {
	expression := stringParam(in.Node.Config, "expression", "")
	target := stringParam(in.Node.Config, "target", "")
	if expression == "" || target == "" {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"transform_data: missing 'expression' or 'target'").
			WithNode(in.Node.ID)
	}

	scope := expressions.BuildScope(in.Variables, in.Payload, map[string]any{
		"run_id":      in.RunID,
		"workflow_id": in.WorkflowID,
	})

	out, err := e.jq.Evaluate(ctx, expression, scope)
	if err != nil {
		return nil, err
	}

	return &Result{Output: map[string]any{target: out}}, nil
}
