package executor

import (
	"sort"
	"sync"

	"github.com/leadwire/flowengine/pkg/schema"
)

// Registry is a thread-safe lookup table of node executors. The table
// is populated at startup; workflows referencing an unregistered type
// fail graph validation, and a type vanishing between validation and
// dispatch fails the node (and so the run) with UNKNOWN_NODE_TYPE.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		executors: make(map[string]Executor),
	}
}

// Register adds an executor to the registry. Returns error on duplicate type.
func (r *Registry) Register(ex Executor) error {
	if ex == nil {
		return schema.NewError(schema.ErrCodeValidation, "executor is nil")
	}
	typ := ex.Type()
	if typ == "" {
		return schema.NewError(schema.ErrCodeValidation, "executor type is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.executors[typ]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "executor %q already registered", typ)
	}

	r.executors[typ] = ex
	return nil
}

// Get retrieves an executor by node type.
func (r *Registry) Get(typ string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ex, ok := r.executors[typ]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeUnknownNodeType, "executor %q not registered", typ)
	}
	return ex, nil
}

// Has checks if an executor is registered.
func (r *Registry) Has(typ string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.executors[typ]
	return ok
}

// Types returns all registered node types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.executors))
	for t := range r.executors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Count returns the number of registered executors.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.executors)
}
