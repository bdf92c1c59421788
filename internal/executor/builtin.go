package executor

import (
	"time"

	"github.com/leadwire/flowengine/internal/expressions"
)

// RegisterBuiltins registers all built-in executors in the given registry.
func RegisterBuiltins(reg *Registry, exprEngine, celEngine, jqEngine expressions.Engine, httpCfg HTTPConfig, maxDelay time.Duration) error {
	all := []Executor{
		NewStartExecutor(),
		NewEndExecutor(),
		NewIfElseExecutor(exprEngine, celEngine),
		NewLeadHasTagExecutor(),
		NewLeadFieldMatchesExecutor(),
		NewDelayExecutor(maxDelay),
		NewSetVariableExecutor(),
		NewTransformDataExecutor(jqEngine),
		NewCustomWebhookExecutor(httpCfg),
	}

	for _, ex := range all {
		if err := reg.Register(ex); err != nil {
			return err
		}
	}
	return nil
}
