package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflows
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	GetWorkflowByWebhookID(ctx context.Context, webhookID string) (*Workflow, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error

	// Runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// UpdateRun applies a version-gated partial update and bumps the
	// version. Returns CONFLICT when the stored version differs.
	UpdateRun(ctx context.Context, id string, version int64, update RunUpdate) error

	// RequestPause and RequestCancel set the request flags without
	// touching the version. They fail with INVALID_TRANSITION when the
	// run's current status does not admit the request.
	RequestPause(ctx context.Context, id string) error
	RequestCancel(ctx context.Context, id string) error

	// Node records (append-only)
	AppendNodeRecord(ctx context.Context, rec *NodeRecord) error
	ListNodeRecords(ctx context.Context, runID string) ([]*NodeRecord, error)

	// ApplyNodeResult appends a record and applies a run update in one
	// transaction, so a crash never separates a node's outcome from the
	// frontier advance it caused.
	ApplyNodeResult(ctx context.Context, runID string, version int64, rec *NodeRecord, update RunUpdate) error

	// Scheduled triggers
	CreateScheduledTrigger(ctx context.Context, trig *ScheduledTrigger) error
	ListScheduledTriggers(ctx context.Context, enabledOnly bool) ([]*ScheduledTrigger, error)
	MarkScheduledTriggerRun(ctx context.Context, id string) error
	DeleteScheduledTrigger(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
