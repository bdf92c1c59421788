package executor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/leadwire/flowengine/pkg/schema"
)

// StartExecutor is the run entry point. It copies the trigger payload
// into the run variables so downstream conditions can reference it.
type StartExecutor struct{}

func NewStartExecutor() *StartExecutor { return &StartExecutor{} }

func (e *StartExecutor) Type() string { return "start" }

func (e *StartExecutor) Spec() Spec {
	return Spec{
		Description: "Entry point of a workflow. Exposes the trigger payload to downstream nodes.",
		Entry:       true,
	}
}

func (e *StartExecutor) Execute(ctx context.Context, in Input) (*Result, error) {
	if len(in.Payload) == 0 {
		return &Result{}, nil
	}
	return &Result{Output: map[string]any{"trigger": in.Payload}}, nil
}

// EndExecutor marks a terminal path. It does nothing; the engine
// completes the run once the frontier drains.
type EndExecutor struct{}

func NewEndExecutor() *EndExecutor { return &EndExecutor{} }

func (e *EndExecutor) Type() string { return "end" }

func (e *EndExecutor) Spec() Spec {
	return Spec{
		Description: "Terminal node. Marks the end of an execution path.",
		Terminal:    true,
	}
}

func (e *EndExecutor) Execute(ctx context.Context, in Input) (*Result, error) {
	return &Result{}, nil
}

const delayConfigSchema = `{
  "type": "object",
  "properties": {
    "duration": {"type": "string", "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"}
  },
  "required": ["duration"]
}`

// DelayExecutor waits for a configured duration. The wait is
// cooperative: pause and cancel interrupt it through the context.
type DelayExecutor struct {
	maxDelay time.Duration
}

// NewDelayExecutor creates a delay executor. Durations beyond maxDelay
// are clamped; zero means no clamp.
func NewDelayExecutor(maxDelay time.Duration) *DelayExecutor {
	return &DelayExecutor{maxDelay: maxDelay}
}

func (e *DelayExecutor) Type() string { return "delay" }

func (e *DelayExecutor) Spec() Spec {
	return Spec{
		Description:  "Waits for a configured duration before advancing.",
		ConfigSchema: json.RawMessage(delayConfigSchema),
	}
}

func (e *DelayExecutor) Execute(ctx context.Context, in Input) (*Result, error) {
	d := durationParam(in.Node.Config, "duration", 0)
	if d <= 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "delay: missing or invalid 'duration'").
			WithNode(in.Node.ID)
	}
	if e.maxDelay > 0 && d > e.maxDelay {
		d = e.maxDelay
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	return &Result{Output: map[string]any{"waited_ms": d.Milliseconds()}}, nil
}

const setVariableConfigSchema = `{
  "type": "object",
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "value": {},
    "variables": {"type": "object"}
  }
}`

// SetVariableExecutor writes one or more run variables. Either a
// single name/value pair or a variables map may be given.
type SetVariableExecutor struct{}

func NewSetVariableExecutor() *SetVariableExecutor { return &SetVariableExecutor{} }

func (e *SetVariableExecutor) Type() string { return "set_variable" }

func (e *SetVariableExecutor) Spec() Spec {
	return Spec{
		Description:  "Sets run variables for downstream nodes.",
		ConfigSchema: json.RawMessage(setVariableConfigSchema),
	}
}

func (e *SetVariableExecutor) Execute(ctx context.Context, in Input) (*Result, error) {
	out := map[string]any{}

	if vars := mapParam(in.Node.Config, "variables"); vars != nil {
		for k, v := range vars {
			out[k] = v
		}
	}
	if name := stringParam(in.Node.Config, "name", ""); name != "" {
		out[name] = in.Node.Config["value"]
	}

	if len(out) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"set_variable: need 'name'/'value' or 'variables'").
			WithNode(in.Node.ID)
	}

	return &Result{Output: out}, nil
}
