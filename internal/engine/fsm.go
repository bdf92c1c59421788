package engine

import (
	"sync"

	"github.com/leadwire/flowengine/pkg/schema"
)

// TransitionHook is called before or after a run state transition.
type TransitionHook func(runID string, from, to schema.RunStatus) error

type hookKey struct {
	from, to schema.RunStatus
}

// RunFSM validates run lifecycle transitions against the transition
// table and invokes registered hooks. The store persists the new state;
// the FSM only guards and observes.
type RunFSM struct {
	mu     sync.Mutex
	before map[hookKey][]TransitionHook
	after  map[hookKey][]TransitionHook
}

// NewRunFSM creates a new RunFSM.
func NewRunFSM() *RunFSM {
	return &RunFSM{
		before: make(map[hookKey][]TransitionHook),
		after:  make(map[hookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a transition.
func (f *RunFSM) OnBefore(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a transition.
func (f *RunFSM) OnAfter(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a run state transition.
func (f *RunFSM) Transition(runID string, from, to schema.RunStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !CanTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	key := hookKey{from, to}
	for _, hook := range f.before[key] {
		if err := hook(runID, from, to); err != nil {
			return err
		}
	}
	for _, hook := range f.after[key] {
		if err := hook(runID, from, to); err != nil {
			return err
		}
	}
	return nil
}

// ValidRunTransitions defines the allowed run state transitions.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusPending:   {schema.RunStatusRunning, schema.RunStatusCancelled},
	schema.RunStatusRunning:   {schema.RunStatusPaused, schema.RunStatusCompleted, schema.RunStatusFailed, schema.RunStatusCancelled},
	schema.RunStatusPaused:    {schema.RunStatusRunning, schema.RunStatusCancelled},
	schema.RunStatusCompleted: {},
	schema.RunStatusFailed:    {},
	schema.RunStatusCancelled: {},
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to schema.RunStatus) bool {
	allowed, ok := ValidRunTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}
