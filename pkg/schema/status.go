package schema

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// NodeStatus represents the outcome of a single node execution attempt.
// An attempt that fails but will be retried is recorded as retrying;
// only the final attempt carries succeeded, failed or timed_out.
type NodeStatus string

const (
	NodeStatusSucceeded NodeStatus = "succeeded"
	NodeStatusFailed    NodeStatus = "failed"
	NodeStatusTimedOut  NodeStatus = "timed_out"
	NodeStatusRetrying  NodeStatus = "retrying"
)
