package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadwire/flowengine/pkg/schema"
)

func TestNewExprEngine(t *testing.T) {
	e := NewExprEngine()
	assert.NotNil(t, e)
	assert.Equal(t, "expr", e.Name())
}

func TestExpr_BooleanCondition(t *testing.T) {
	e := NewExprEngine()
	scope := BuildScope(map[string]any{"score": 75}, nil, nil)

	out, err := e.Evaluate(context.Background(), "vars.score > 50", scope)
	require.NoError(t, err)
	assert.Equal(t, true, out)

	out, err = e.Evaluate(context.Background(), "vars.score > 100", scope)
	require.NoError(t, err)
	assert.Equal(t, false, out)
}

func TestExpr_NestedAccess(t *testing.T) {
	e := NewExprEngine()
	scope := BuildScope(map[string]any{
		"lead": map[string]any{"email": "a@example.com", "score": 80},
	}, nil, nil)

	out, err := e.Evaluate(context.Background(), `vars.lead.email == "a@example.com"`, scope)
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestExpr_PayloadScope(t *testing.T) {
	e := NewExprEngine()
	scope := BuildScope(nil, map[string]any{"event": "signup"}, nil)

	out, err := e.Evaluate(context.Background(), `payload.event == "signup"`, scope)
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestExpr_ArrayOperations(t *testing.T) {
	e := NewExprEngine()
	scope := BuildScope(map[string]any{
		"tags": []any{"vip", "newsletter"},
	}, nil, nil)

	out, err := e.Evaluate(context.Background(), `"vip" in vars.tags`, scope)
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestExpr_NilCoalescing(t *testing.T) {
	e := NewExprEngine()
	scope := BuildScope(map[string]any{}, nil, nil)

	out, err := e.Evaluate(context.Background(), `vars.missing ?? "fallback"`, scope)
	require.NoError(t, err)
	assert.Equal(t, "fallback", out)
}

func TestExpr_UndefinedVariableAllowed(t *testing.T) {
	e := NewExprEngine()

	out, err := e.Evaluate(context.Background(), "nonexistent == nil", BuildScope(nil, nil, nil))
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestExpr_EmptyExpression(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), "", nil)
	require.Error(t, err)
	engErr, ok := err.(*schema.EngineError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, engErr.Code)
}

func TestExpr_CompileError(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), "vars.score >", nil)
	require.Error(t, err)
	engErr, ok := err.(*schema.EngineError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, engErr.Code)
}

func TestExpr_CacheReuse(t *testing.T) {
	e := NewExprEngine()
	scope := BuildScope(map[string]any{"n": 1}, nil, nil)

	_, err := e.Evaluate(context.Background(), "vars.n + 1", scope)
	require.NoError(t, err)

	e.mu.RLock()
	_, cached := e.cache["vars.n + 1"]
	e.mu.RUnlock()
	assert.True(t, cached)

	out, err := e.Evaluate(context.Background(), "vars.n + 1", scope)
	require.NoError(t, err)
	assert.Equal(t, 2, out)
}

func TestExpr_ConcurrentEvaluation(t *testing.T) {
	e := NewExprEngine()
	scope := BuildScope(map[string]any{"n": 10}, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := e.Evaluate(context.Background(), "vars.n * 2", scope)
			assert.NoError(t, err)
			assert.Equal(t, 20, out)
		}()
	}
	wg.Wait()
}
