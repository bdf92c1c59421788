package store

import (
	"encoding/json"
	"time"

	"github.com/leadwire/flowengine/pkg/schema"
)

// Workflow is a stored workflow definition with its webhook binding.
// The authoring layer owns CRUD; the engine reads these.
type Workflow struct {
	ID            string                     `json:"id"`
	Name          string                     `json:"name,omitempty"`
	Definition    *schema.WorkflowDefinition `json:"definition"`
	WebhookID     string                     `json:"webhook_id,omitempty"`
	WebhookSecret string                     `json:"-"`
	IsActive      bool                       `json:"is_active"`
	CreatedAt     time.Time                  `json:"created_at"`
	UpdatedAt     time.Time                  `json:"updated_at"`
}

// Run is one execution of a workflow. Definition is snapshotted at
// start so mid-run edits never affect in-flight runs. Version is the
// optimistic concurrency token: every state-advancing write bumps it.
// The pause/cancel request flags live outside the version so an
// operator request never collides with the engine's writes.
type Run struct {
	ID              string                     `json:"id"`
	WorkflowID      string                     `json:"workflow_id"`
	Definition      *schema.WorkflowDefinition `json:"definition"`
	Status          schema.RunStatus           `json:"status"`
	Variables       map[string]any             `json:"variables,omitempty"`
	Payload         map[string]any             `json:"payload,omitempty"`
	Frontier        []string                   `json:"frontier,omitempty"`
	Error           json.RawMessage            `json:"error,omitempty"`
	PauseRequested  bool                       `json:"pause_requested,omitempty"`
	CancelRequested bool                       `json:"cancel_requested,omitempty"`
	Version         int64                      `json:"version"`
	CreatedAt       time.Time                  `json:"created_at"`
	StartedAt       *time.Time                 `json:"started_at,omitempty"`
	CompletedAt     *time.Time                 `json:"completed_at,omitempty"`
	UpdatedAt       time.Time                  `json:"updated_at"`
}

// NodeRecord is one execution attempt of one node. Records are
// append-only; (RunID, NodeID, Attempt) is the identity, so replaying
// an append after a crash is a no-op.
type NodeRecord struct {
	RunID      string            `json:"run_id"`
	NodeID     string            `json:"node_id"`
	Attempt    int               `json:"attempt"`
	Status     schema.NodeStatus `json:"status"`
	Output     map[string]any    `json:"output,omitempty"`
	Branch     string            `json:"branch,omitempty"`
	Error      string            `json:"error,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	DurationMs int64             `json:"duration_ms"`
}

// RunUpdate is a version-gated partial update of a run. Nil fields are
// left untouched. Variables and Frontier replace the stored value
// wholesale; the engine computes them from its own snapshot.
type RunUpdate struct {
	Status          *schema.RunStatus
	Variables       map[string]any
	Frontier        []string
	Error           json.RawMessage
	StartedAt       *time.Time
	CompletedAt     *time.Time
	ClearPauseFlag  bool
	ClearCancelFlag bool
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	WorkflowID    string
	Status        schema.RunStatus
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Limit         int
	Offset        int
}

// WorkflowFilter narrows ListWorkflows.
type WorkflowFilter struct {
	ActiveOnly bool
	Limit      int
	Offset     int
}

// ScheduledTrigger starts runs of a workflow on a cron schedule.
type ScheduledTrigger struct {
	ID         string         `json:"id"`
	WorkflowID string         `json:"workflow_id"`
	CronExpr   string         `json:"cron_expr"`
	Payload    map[string]any `json:"payload,omitempty"`
	Enabled    bool           `json:"enabled"`
	LastRunAt  *time.Time     `json:"last_run_at,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}
