package engine

import (
	"sync"
	"time"

	"github.com/leadwire/flowengine/pkg/schema"
)

// NodeTypeStats aggregates execution stats for one node type.
type NodeTypeStats struct {
	Count           int64 `json:"count"`
	Failures        int64 `json:"failures"`
	Retries         int64 `json:"retries"`
	Timeouts        int64 `json:"timeouts"`
	TotalDurationMs int64 `json:"total_duration_ms"`
	MinDurationMs   int64 `json:"min_duration_ms"`
	MaxDurationMs   int64 `json:"max_duration_ms"`
}

// MetricsSnapshot is a point-in-time copy of all counters.
type MetricsSnapshot struct {
	RunsStarted   int64                    `json:"runs_started"`
	RunsCompleted int64                    `json:"runs_completed"`
	RunsFailed    int64                    `json:"runs_failed"`
	RunsCancelled int64                    `json:"runs_cancelled"`
	RunsPaused    int64                    `json:"runs_paused"`
	RunsResumed   int64                    `json:"runs_resumed"`
	NodesExecuted int64                    `json:"nodes_executed"`
	NodesFailed   int64                    `json:"nodes_failed"`
	NodesRetried  int64                    `json:"nodes_retried"`
	NodesTimedOut int64                    `json:"nodes_timed_out"`
	NodeTypes     map[string]NodeTypeStats `json:"node_types,omitempty"`

	// Worker pool task counters.
	TasksInFlight  int64 `json:"tasks_in_flight"`
	TasksCompleted int64 `json:"tasks_completed"`
	TasksFailed    int64 `json:"tasks_failed"`
	TaskPanics     int64 `json:"task_panics"`
}

// Metrics collects run and node counters. Safe for concurrent use.
type Metrics struct {
	mu        sync.Mutex
	snap      MetricsSnapshot
	nodeTypes map[string]*NodeTypeStats
}

// NewMetrics creates an empty collector.
func NewMetrics() *Metrics {
	return &Metrics{
		nodeTypes: make(map[string]*NodeTypeStats),
	}
}

// RunStarted counts a run entering running.
func (m *Metrics) RunStarted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.RunsStarted++
}

// RunFinished counts a run reaching a terminal status.
func (m *Metrics) RunFinished(status schema.RunStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch status {
	case schema.RunStatusCompleted:
		m.snap.RunsCompleted++
	case schema.RunStatusFailed:
		m.snap.RunsFailed++
	case schema.RunStatusCancelled:
		m.snap.RunsCancelled++
	}
}

// RunPaused counts a pause transition.
func (m *Metrics) RunPaused() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.RunsPaused++
}

// RunResumed counts a resume transition.
func (m *Metrics) RunResumed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.RunsResumed++
}

// TaskStarted counts a task entering the worker pool.
func (m *Metrics) TaskStarted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.TasksInFlight++
}

// TaskFinished counts a pool task leaving, by outcome.
func (m *Metrics) TaskFinished(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.TasksInFlight--
	if err != nil {
		m.snap.TasksFailed++
	} else {
		m.snap.TasksCompleted++
	}
}

// TaskPanicked counts a panic recovered inside a pool task.
func (m *Metrics) TaskPanicked() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.TasksInFlight--
	m.snap.TasksFailed++
	m.snap.TaskPanics++
}

// ObserveNode records one node execution attempt.
func (m *Metrics) ObserveNode(nodeType string, status schema.NodeStatus, duration time.Duration) {
	ms := duration.Milliseconds()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.snap.NodesExecuted++
	switch status {
	case schema.NodeStatusFailed:
		m.snap.NodesFailed++
	case schema.NodeStatusRetrying:
		m.snap.NodesRetried++
	case schema.NodeStatusTimedOut:
		m.snap.NodesTimedOut++
	}

	stats, ok := m.nodeTypes[nodeType]
	if !ok {
		stats = &NodeTypeStats{MinDurationMs: ms, MaxDurationMs: ms}
		m.nodeTypes[nodeType] = stats
	}
	stats.Count++
	stats.TotalDurationMs += ms
	if ms < stats.MinDurationMs {
		stats.MinDurationMs = ms
	}
	if ms > stats.MaxDurationMs {
		stats.MaxDurationMs = ms
	}
	switch status {
	case schema.NodeStatusFailed:
		stats.Failures++
	case schema.NodeStatusRetrying:
		stats.Retries++
	case schema.NodeStatusTimedOut:
		stats.Timeouts++
	}
}

// Snapshot returns a copy of the current counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := m.snap
	out.NodeTypes = make(map[string]NodeTypeStats, len(m.nodeTypes))
	for t, stats := range m.nodeTypes {
		out.NodeTypes[t] = *stats
	}
	return out
}
