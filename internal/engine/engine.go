package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"dario.cat/mergo"
	"github.com/google/uuid"

	"github.com/leadwire/flowengine/internal/executor"
	"github.com/leadwire/flowengine/internal/graph"
	"github.com/leadwire/flowengine/internal/logging"
	"github.com/leadwire/flowengine/internal/store"
	"github.com/leadwire/flowengine/pkg/schema"
)

// RunStore is the slice of the persistence contract the engine needs.
// Satisfied by store.LibSQLStore; tests substitute an in-memory fake.
type RunStore interface {
	CreateRun(ctx context.Context, run *store.Run) error
	GetRun(ctx context.Context, id string) (*store.Run, error)
	ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.Run, error)
	UpdateRun(ctx context.Context, id string, version int64, update store.RunUpdate) error
	RequestPause(ctx context.Context, id string) error
	RequestCancel(ctx context.Context, id string) error
	AppendNodeRecord(ctx context.Context, rec *store.NodeRecord) error
	ListNodeRecords(ctx context.Context, runID string) ([]*store.NodeRecord, error)
	ApplyNodeResult(ctx context.Context, runID string, version int64, rec *store.NodeRecord, update store.RunUpdate) error
}

// Config wires an Engine.
type Config struct {
	Store    RunStore
	Registry *executor.Registry
	Logger   *slog.Logger

	// PoolSize bounds concurrent node execution across all runs.
	PoolSize int

	// DefaultNodeTimeout applies when neither the node nor its executor
	// declares one. Zero means no deadline.
	DefaultNodeTimeout time.Duration
}

// Engine drives workflow runs: it validates the graph, opens a run
// record, and advances the frontier wave by wave until the run reaches
// a terminal status. Each active run is owned by exactly one loop
// goroutine; the store's optimistic version check is the only lock.
type Engine struct {
	store     RunStore
	registry  *executor.Registry
	validator *graph.ConfigValidator
	pool      *WorkerPool
	fsm       *RunFSM
	metrics   *Metrics
	logger    *slog.Logger

	defaultTimeout time.Duration

	mu         sync.Mutex
	active     map[string]struct{}
	wg         sync.WaitGroup
	baseCtx    context.Context
	baseCancel context.CancelFunc
}

// New creates an Engine.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	metrics := NewMetrics()
	return &Engine{
		store:          cfg.Store,
		registry:       cfg.Registry,
		validator:      graph.NewConfigValidator(),
		pool:           NewWorkerPool(cfg.PoolSize, metrics),
		fsm:            NewRunFSM(),
		metrics:        metrics,
		logger:         logger,
		defaultTimeout: cfg.DefaultNodeTimeout,
		active:         make(map[string]struct{}),
		baseCtx:        baseCtx,
		baseCancel:     baseCancel,
	}
}

// Metrics returns a snapshot of the engine counters.
func (e *Engine) Metrics() MetricsSnapshot {
	return e.metrics.Snapshot()
}

// FSM returns the run FSM for hook registration.
func (e *Engine) FSM() *RunFSM {
	return e.fsm
}

// Start validates the workflow graph, creates a run and begins
// executing it. The definition is snapshotted onto the run so
// concurrent edits never affect it.
func (e *Engine) Start(ctx context.Context, wf *store.Workflow, payload map[string]any) (*store.Run, error) {
	if wf == nil || wf.Definition == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no definition")
	}

	g := graph.Build(wf.Definition)
	if res := g.Validate(e.registry, e.validator); !res.Valid() {
		return nil, res.ToError()
	}
	startNode, err := g.StartNode(e.registry)
	if err != nil {
		return nil, err
	}

	variables := make(map[string]any, len(wf.Definition.Variables))
	for k, v := range wf.Definition.Variables {
		variables[k] = v
	}
	for k, v := range payload {
		variables[k] = v
	}

	now := time.Now().UTC()
	run := &store.Run{
		ID:         uuid.NewString(),
		WorkflowID: wf.ID,
		Definition: wf.Definition,
		Status:     schema.RunStatusPending,
		Variables:  variables,
		Payload:    payload,
		Frontier:   []string{startNode},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "create run").WithCause(err)
	}

	if err := e.fsm.Transition(run.ID, schema.RunStatusPending, schema.RunStatusRunning); err != nil {
		return nil, err
	}
	running := schema.RunStatusRunning
	if err := e.store.UpdateRun(ctx, run.ID, run.Version, store.RunUpdate{
		Status:    &running,
		StartedAt: &now,
	}); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "start run").WithCause(err)
	}
	run.Status = running
	run.StartedAt = &now
	run.Version++

	e.metrics.RunStarted()
	e.spawn(run.ID)
	return run, nil
}

// Pause requests a pause. The loop observes the flag at the next safe
// point: it finishes the in-flight wave, persists the frontier and
// transitions to paused. Pausing an already-paused run is a no-op.
func (e *Engine) Pause(ctx context.Context, runID string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status == schema.RunStatusPaused || run.PauseRequested {
		return nil
	}
	return e.store.RequestPause(ctx, runID)
}

// Resume restarts a paused run. Resuming a non-paused run is an error.
// Nodes that already succeeded are never re-executed; their stored
// results replay to advance the frontier.
func (e *Engine) Resume(ctx context.Context, runID string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != schema.RunStatusPaused {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"cannot resume run in status %s", run.Status)
	}
	if err := e.fsm.Transition(runID, run.Status, schema.RunStatusRunning); err != nil {
		return err
	}

	running := schema.RunStatusRunning
	if err := e.store.UpdateRun(ctx, runID, run.Version, store.RunUpdate{
		Status:         &running,
		ClearPauseFlag: true,
	}); err != nil {
		return err
	}

	e.metrics.RunResumed()
	e.spawn(runID)
	return nil
}

// Cancel requests cancellation. No new work is scheduled; in-flight
// nodes run to completion but their results no longer advance the run.
// Cancelling a terminal run is a no-op.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}
	if err := e.store.RequestCancel(ctx, runID); err != nil {
		return err
	}

	// Paused and pending runs have no loop to observe the flag.
	e.mu.Lock()
	_, looping := e.active[runID]
	e.mu.Unlock()
	if !looping {
		run, err := e.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if !run.Status.Terminal() {
			return e.finalize(ctx, run, schema.RunStatusCancelled, nil)
		}
	}
	return nil
}

// Status returns the run and its full per-attempt node history.
func (e *Engine) Status(ctx context.Context, runID string) (*store.Run, []*store.NodeRecord, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	records, err := e.store.ListNodeRecords(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	return run, records, nil
}

// Recover re-attaches loops to runs left in running status by a
// previous process. Append-idempotent node records make the replay safe.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	runs, err := e.store.ListRuns(ctx, store.RunFilter{Status: schema.RunStatusRunning})
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, run := range runs {
		e.mu.Lock()
		_, looping := e.active[run.ID]
		e.mu.Unlock()
		if !looping {
			e.spawn(run.ID)
			recovered++
		}
	}
	return recovered, nil
}

// Shutdown stops scheduling new work and waits for active loops, up to
// the context deadline. Runs left in running status are picked up by
// Recover on the next start.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.baseCancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		e.pool.Shutdown()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) spawn(runID string) {
	e.mu.Lock()
	if _, ok := e.active[runID]; ok {
		e.mu.Unlock()
		return
	}
	e.active[runID] = struct{}{}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer func() {
			e.mu.Lock()
			delete(e.active, runID)
			e.mu.Unlock()
			e.wg.Done()
		}()
		e.runLoop(logging.WithRunID(e.baseCtx, runID), runID)
	}()
}

// nodeOutcome is the result of one node's dispatch within a wave.
type nodeOutcome struct {
	nodeID  string
	success bool
	aborted bool // context cancelled mid-flight, no record written
	branch  string
	output  map[string]any
	rec     *store.NodeRecord
	err     *schema.EngineError
}

// runLoop advances one run wave by wave. Each iteration loads fresh
// state, computes the ready set behind the join barrier from a single
// records snapshot, dispatches the wave through the shared pool and
// applies results in sorted node order for determinism.
func (e *Engine) runLoop(ctx context.Context, runID string) {
	for {
		if ctx.Err() != nil {
			return
		}

		run, err := e.store.GetRun(ctx, runID)
		if err != nil {
			e.logger.ErrorContext(ctx, "load run", "error", err)
			return
		}
		ctx := logging.WithWorkflowID(ctx, run.WorkflowID)

		if run.Status != schema.RunStatusRunning {
			return
		}
		if run.CancelRequested {
			e.finalizeLogged(ctx, run, schema.RunStatusCancelled, nil)
			return
		}
		// An empty frontier means every node already ran; completion
		// normally lands in the same transaction as the final node
		// result, so this only covers rows a crash left mid-finalize.
		// It outranks a pause: there is nothing left to pause.
		if len(run.Frontier) == 0 {
			e.finalizeLogged(ctx, run, schema.RunStatusCompleted, nil)
			return
		}
		if run.PauseRequested {
			e.pauseRun(ctx, run)
			return
		}

		g := graph.Build(run.Definition)
		records, err := e.store.ListNodeRecords(ctx, runID)
		if err != nil {
			e.logger.ErrorContext(ctx, "load node records", "error", err)
			return
		}
		succeeded, attempts := indexRecords(records)

		// Join barrier: a frontier node is ready when every predecessor
		// either has a succeeded record in this snapshot or sits on a
		// branch the run did not take. A predecessor still reachable
		// from the frontier may yet run, so the join waits for it.
		frontier := append([]string(nil), run.Frontier...)
		sort.Strings(frontier)
		live := reachableFrom(g, frontier)
		var ready []string
		for _, id := range frontier {
			if predsSatisfied(g, id, succeeded, live) {
				ready = append(ready, id)
			}
		}

		if len(ready) == 0 {
			// Cannot happen for a validated acyclic graph; fail rather
			// than spin.
			engErr := schema.NewError(schema.ErrCodeNodeExecution,
				"run stalled: no frontier node can become ready")
			e.failRun(ctx, run, &nodeOutcome{err: engErr})
			return
		}

		outcomes := e.dispatchWave(ctx, run, g, ready, succeeded, attempts)
		if !e.applyWave(ctx, run, g, outcomes, succeeded) {
			return
		}
	}
}

// dispatchWave executes the ready nodes in parallel. Pause/cancel flags
// are re-checked before each submit so a request stops the remainder of
// the wave. Nodes with a succeeded record replay without executing.
func (e *Engine) dispatchWave(ctx context.Context, run *store.Run, g *graph.Graph, ready []string, succeeded map[string]*store.NodeRecord, attempts map[string]int) map[string]*nodeOutcome {
	outcomes := make(map[string]*nodeOutcome, len(ready))
	var omu sync.Mutex
	var wg sync.WaitGroup
	dispatched := false

	for _, id := range ready {
		if rec, ok := succeeded[id]; ok {
			omu.Lock()
			outcomes[id] = &nodeOutcome{
				nodeID:  id,
				success: true,
				branch:  rec.Branch,
				output:  rec.Output,
				rec:     rec,
			}
			omu.Unlock()
			continue
		}

		if dispatched {
			// Re-check request flags between submits; a raised flag
			// stops the rest of the wave.
			fresh, err := e.store.GetRun(ctx, run.ID)
			if err == nil && (fresh.PauseRequested || fresh.CancelRequested) {
				break
			}
		}

		node, ok := g.Node(id)
		if !ok {
			// Frontier references a node the definition lost; fatal.
			omu.Lock()
			outcomes[id] = &nodeOutcome{
				nodeID: id,
				err: schema.NewErrorf(schema.ErrCodeValidation,
					"frontier node %q not in definition", id).WithNode(id),
			}
			omu.Unlock()
			continue
		}

		nodeID := id
		prior := attempts[id]
		dispatched = true
		wg.Add(1)
		err := e.pool.Submit(ctx, func(ctx context.Context) error {
			defer wg.Done()
			oc := e.executeNode(ctx, run, node, prior)
			omu.Lock()
			outcomes[nodeID] = oc
			omu.Unlock()
			return nil
		})
		if err != nil {
			wg.Done()
			omu.Lock()
			outcomes[nodeID] = &nodeOutcome{nodeID: nodeID, aborted: true}
			omu.Unlock()
			break
		}
	}

	wg.Wait()
	return outcomes
}

// applyWave persists outcomes one node at a time in sorted order, each
// in its own transaction: node record, variable merge, frontier advance
// and version bump land together. When the final result empties the
// frontier the completed status joins that same transaction, so the
// store never holds a running run with no work left. On a fatal outcome
// the successful siblings are applied first so their progress survives,
// then the run fails with the triggering node's error preserved.
// Returns false when the loop must stop.
func (e *Engine) applyWave(ctx context.Context, run *store.Run, g *graph.Graph, outcomes map[string]*nodeOutcome, succeeded map[string]*store.NodeRecord) bool {
	ids := make([]string, 0, len(outcomes))
	for id := range outcomes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	// Completion can only ride on the wave's last persisted result.
	lastActionable := -1
	for i, id := range ids {
		if !outcomes[id].aborted {
			lastActionable = i
		}
	}

	version := run.Version
	variables := run.Variables
	frontier := make(map[string]struct{}, len(run.Frontier))
	for _, id := range run.Frontier {
		frontier[id] = struct{}{}
	}

	var fatal *nodeOutcome
	for i, id := range ids {
		oc := outcomes[id]
		if oc.aborted {
			continue
		}
		if !oc.success {
			if oc.rec != nil {
				if err := e.store.ApplyNodeResult(ctx, run.ID, version, oc.rec, store.RunUpdate{}); err != nil {
					e.logger.ErrorContext(ctx, "persist node failure", "node_id", id, "error", err)
					return false
				}
				version++
			}
			if fatal == nil {
				fatal = oc
			}
			continue
		}

		if oc.output != nil {
			if err := mergo.Merge(&variables, oc.output, mergo.WithOverride); err != nil {
				e.logger.ErrorContext(ctx, "merge node output", "node_id", id, "error", err)
			}
		}

		edges, err := SelectEdges(g, id, oc.branch)
		if err != nil {
			// BRANCH_NOT_FOUND: the node itself succeeded; record it,
			// then fail the run.
			delete(frontier, id)
			var engErr *schema.EngineError
			if !errors.As(err, &engErr) {
				engErr = schema.NewError(schema.ErrCodeBranchNotFound, err.Error()).WithNode(id)
			}
			if fatal == nil {
				fatal = &nodeOutcome{nodeID: id, err: engErr}
			}

			update := store.RunUpdate{
				Variables: variables,
				Frontier:  sortedKeys(frontier),
			}
			finish, ok := e.stampWaveEnd(ctx, run, &update, i == lastActionable && len(frontier) == 0, fatal)
			if !ok {
				return false
			}
			if applyErr := e.store.ApplyNodeResult(ctx, run.ID, version, oc.rec, update); applyErr != nil {
				e.logger.ErrorContext(ctx, "persist node result", "node_id", id, "error", applyErr)
				return false
			}
			version++
			if finish != "" {
				e.metrics.RunFinished(finish)
				e.logger.InfoContext(ctx, "run finished", "status", string(finish))
				return false
			}
			continue
		}

		delete(frontier, id)
		for _, edge := range edges {
			if _, done := succeeded[edge.Target]; done {
				continue
			}
			frontier[edge.Target] = struct{}{}
		}

		update := store.RunUpdate{
			Variables: variables,
			Frontier:  sortedKeys(frontier),
		}
		finish, ok := e.stampWaveEnd(ctx, run, &update, i == lastActionable && len(frontier) == 0, fatal)
		if !ok {
			return false
		}
		if err := e.store.ApplyNodeResult(ctx, run.ID, version, oc.rec, update); err != nil {
			e.logger.ErrorContext(ctx, "persist node result", "node_id", id, "error", err)
			return false
		}
		version++
		succeeded[id] = oc.rec

		if finish != "" {
			e.metrics.RunFinished(finish)
			e.logger.InfoContext(ctx, "run finished", "status", string(finish))
			return false
		}
	}

	if fatal != nil {
		run.Version = version
		e.failRun(ctx, run, fatal)
		return false
	}

	run.Version = version
	run.Variables = variables
	run.Frontier = sortedKeys(frontier)
	return true
}

// stampWaveEnd folds the run's terminal status into the wave's final
// persist when it leaves the frontier empty: completed normally, failed
// when a fatal outcome is pending. The store then never holds an active
// run with no work left. The returned status is empty while the run
// goes on; ok is false on a transition error.
func (e *Engine) stampWaveEnd(ctx context.Context, run *store.Run, update *store.RunUpdate, ending bool, fatal *nodeOutcome) (schema.RunStatus, bool) {
	if !ending {
		return "", true
	}
	to := schema.RunStatusCompleted
	if fatal != nil {
		to = schema.RunStatusFailed
		update.Error = failurePayload(fatal)
	}
	if err := e.fsm.Transition(run.ID, run.Status, to); err != nil {
		e.logger.ErrorContext(ctx, "terminal transition", "error", err)
		return "", false
	}
	now := time.Now().UTC()
	update.Status = &to
	update.CompletedAt = &now
	update.ClearPauseFlag = true
	update.ClearCancelFlag = true
	return to, true
}

// executeNode runs one node through its retry loop. Non-final failed
// attempts are recorded as retrying immediately; the final record is
// returned unpersisted so the caller can apply it atomically with the
// frontier advance.
func (e *Engine) executeNode(ctx context.Context, run *store.Run, node schema.Node, priorAttempts int) *nodeOutcome {
	ctx = logging.WithNodeID(ctx, node.ID)

	ex, err := e.registry.Get(node.Type)
	if err != nil {
		engErr := schema.NewErrorf(schema.ErrCodeUnknownNodeType,
			"no executor for type %q", node.Type).WithNode(node.ID)
		now := time.Now().UTC()
		return &nodeOutcome{
			nodeID: node.ID,
			err:    engErr,
			rec: &store.NodeRecord{
				RunID:      run.ID,
				NodeID:     node.ID,
				Attempt:    priorAttempts + 1,
				Status:     schema.NodeStatusFailed,
				Error:      engErr.Error(),
				StartedAt:  now,
				FinishedAt: now,
			},
		}
	}

	spec := ex.Spec()
	policy := resolveRetryPolicy(node, spec)
	timeout := resolveTimeout(node, spec, e.defaultTimeout)
	maxAttempts := 1
	if policy != nil && policy.MaxAttempts > 1 {
		maxAttempts = policy.MaxAttempts
	}

	attempt := priorAttempts + 1
	for {
		nodeCtx := ctx
		var cancel context.CancelFunc
		if timeout > 0 {
			nodeCtx, cancel = context.WithTimeout(ctx, timeout)
		}

		started := time.Now().UTC()
		result, execErr := e.safeExecute(nodeCtx, ex, executor.Input{
			RunID:      run.ID,
			WorkflowID: run.WorkflowID,
			Node:       node,
			Attempt:    attempt,
			Variables:  run.Variables,
			Payload:    run.Payload,
			Logger:     e.logger,
		})
		if cancel != nil {
			cancel()
		}
		finished := time.Now().UTC()
		duration := finished.Sub(started)

		if execErr == nil {
			var output map[string]any
			var branch string
			if result != nil {
				output = result.Output
				branch = result.Branch
			}
			e.metrics.ObserveNode(node.Type, schema.NodeStatusSucceeded, duration)
			return &nodeOutcome{
				nodeID:  node.ID,
				success: true,
				branch:  branch,
				output:  output,
				rec: &store.NodeRecord{
					RunID:      run.ID,
					NodeID:     node.ID,
					Attempt:    attempt,
					Status:     schema.NodeStatusSucceeded,
					Output:     output,
					Branch:     branch,
					StartedAt:  started,
					FinishedAt: finished,
					DurationMs: duration.Milliseconds(),
				},
			}
		}

		// The run is shutting down; leave no record for this attempt.
		if ctx.Err() != nil {
			return &nodeOutcome{nodeID: node.ID, aborted: true}
		}

		status := schema.NodeStatusFailed
		if isTimeout(execErr, nodeCtx, ctx) {
			status = schema.NodeStatusTimedOut
		}
		engErr := asEngineError(execErr, node.ID)

		retryable := status == schema.NodeStatusTimedOut || IsRetryableError(execErr)
		if retryable && attempt < maxAttempts {
			e.metrics.ObserveNode(node.Type, schema.NodeStatusRetrying, duration)
			retryRec := &store.NodeRecord{
				RunID:      run.ID,
				NodeID:     node.ID,
				Attempt:    attempt,
				Status:     schema.NodeStatusRetrying,
				Error:      engErr.Error(),
				StartedAt:  started,
				FinishedAt: finished,
				DurationMs: duration.Milliseconds(),
			}
			if err := e.store.AppendNodeRecord(ctx, retryRec); err != nil {
				e.logger.ErrorContext(ctx, "persist retry record", "error", err)
			}
			e.logger.WarnContext(ctx, "node attempt failed, retrying",
				"attempt", attempt, "max_attempts", maxAttempts, "error", engErr)
			if err := WaitForBackoff(ctx, ComputeBackoff(policy, attempt-1)); err != nil {
				return &nodeOutcome{nodeID: node.ID, aborted: true}
			}
			attempt++
			continue
		}

		e.metrics.ObserveNode(node.Type, status, duration)
		if attempt > 1 {
			engErr = schema.NewErrorf(schema.ErrCodeRetryExhausted,
				"node failed after %d attempts: %s", attempt, engErr.Message).
				WithNode(node.ID).WithCause(engErr)
		}
		return &nodeOutcome{
			nodeID: node.ID,
			err:    engErr,
			rec: &store.NodeRecord{
				RunID:      run.ID,
				NodeID:     node.ID,
				Attempt:    attempt,
				Status:     status,
				Error:      engErr.Error(),
				StartedAt:  started,
				FinishedAt: finished,
				DurationMs: duration.Milliseconds(),
			},
		}
	}
}

// safeExecute isolates executor panics so a misbehaving plugin fails
// its node, never the process.
func (e *Engine) safeExecute(ctx context.Context, ex executor.Executor, in executor.Input) (result *executor.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = schema.NewErrorf(schema.ErrCodeNodeExecution,
				"executor panic: %v", r).WithNode(in.Node.ID)
		}
	}()
	return ex.Execute(ctx, in)
}

func (e *Engine) pauseRun(ctx context.Context, run *store.Run) {
	if err := e.fsm.Transition(run.ID, run.Status, schema.RunStatusPaused); err != nil {
		e.logger.ErrorContext(ctx, "pause transition", "error", err)
		return
	}
	paused := schema.RunStatusPaused
	if err := e.store.UpdateRun(ctx, run.ID, run.Version, store.RunUpdate{
		Status:         &paused,
		ClearPauseFlag: true,
	}); err != nil {
		e.logger.ErrorContext(ctx, "persist pause", "error", err)
		return
	}
	e.metrics.RunPaused()
	e.logger.InfoContext(ctx, "run paused")

	// A cancel raised while the pause was persisting would otherwise be
	// observed by no loop.
	fresh, err := e.store.GetRun(ctx, run.ID)
	if err == nil && fresh.CancelRequested && fresh.Status == schema.RunStatusPaused {
		e.finalizeLogged(ctx, fresh, schema.RunStatusCancelled, nil)
	}
}

func (e *Engine) failRun(ctx context.Context, run *store.Run, oc *nodeOutcome) {
	e.finalizeLogged(ctx, run, schema.RunStatusFailed, failurePayload(oc))
}

func failurePayload(oc *nodeOutcome) json.RawMessage {
	payload := map[string]any{}
	if oc.nodeID != "" {
		payload["node_id"] = oc.nodeID
	}
	if oc.err != nil {
		payload["code"] = oc.err.Code
		payload["error"] = oc.err.Error()
	}
	errJSON, _ := json.Marshal(payload)
	return errJSON
}

func (e *Engine) finalizeLogged(ctx context.Context, run *store.Run, to schema.RunStatus, errPayload json.RawMessage) {
	if err := e.finalize(ctx, run, to, errPayload); err != nil {
		e.logger.ErrorContext(ctx, "finalize run", "target_status", string(to), "error", err)
		return
	}
	e.logger.InfoContext(ctx, "run finished", "status", string(to))
}

func (e *Engine) finalize(ctx context.Context, run *store.Run, to schema.RunStatus, errPayload json.RawMessage) error {
	if err := e.fsm.Transition(run.ID, run.Status, to); err != nil {
		return err
	}
	now := time.Now().UTC()
	update := store.RunUpdate{
		Status:          &to,
		CompletedAt:     &now,
		Error:           errPayload,
		ClearPauseFlag:  true,
		ClearCancelFlag: true,
	}
	if err := e.store.UpdateRun(ctx, run.ID, run.Version, update); err != nil {
		return err
	}
	e.metrics.RunFinished(to)
	return nil
}

// --- helpers ---

func indexRecords(records []*store.NodeRecord) (map[string]*store.NodeRecord, map[string]int) {
	succeeded := make(map[string]*store.NodeRecord)
	attempts := make(map[string]int)
	for _, rec := range records {
		if rec.Attempt > attempts[rec.NodeID] {
			attempts[rec.NodeID] = rec.Attempt
		}
		if rec.Status == schema.NodeStatusSucceeded {
			succeeded[rec.NodeID] = rec
		}
	}
	return succeeded, attempts
}

// predsSatisfied reports whether a frontier node may execute. A missing
// predecessor blocks the node only while it is still live: a node on a
// branch the run did not take will never produce a record and is
// discounted, so diamond joins fire on the taken side alone.
func predsSatisfied(g *graph.Graph, id string, succeeded map[string]*store.NodeRecord, live map[string]struct{}) bool {
	for _, pred := range g.Predecessors(id) {
		if _, ok := succeeded[pred]; ok {
			continue
		}
		if _, reachable := live[pred]; reachable {
			return false
		}
	}
	return true
}

func reachableFrom(g *graph.Graph, frontier []string) map[string]struct{} {
	visited := make(map[string]struct{}, len(frontier))
	queue := append([]string(nil), frontier...)
	for _, id := range frontier {
		visited[id] = struct{}{}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, edge := range g.Outgoing(id) {
			if _, seen := visited[edge.Target]; seen {
				continue
			}
			visited[edge.Target] = struct{}{}
			queue = append(queue, edge.Target)
		}
	}
	return visited
}

func resolveRetryPolicy(node schema.Node, spec executor.Spec) *schema.RetryPolicy {
	if node.Retry != nil {
		return node.Retry
	}
	return spec.DefaultRetry
}

func resolveTimeout(node schema.Node, spec executor.Spec, fallback time.Duration) time.Duration {
	if node.Timeout != "" {
		if d, err := time.ParseDuration(node.Timeout); err == nil && d > 0 {
			return d
		}
	}
	if spec.DefaultTimeout > 0 {
		return spec.DefaultTimeout
	}
	return fallback
}

func isTimeout(err error, nodeCtx, parentCtx context.Context) bool {
	if nodeCtx.Err() == context.DeadlineExceeded && parentCtx.Err() == nil {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var engErr *schema.EngineError
	return errors.As(err, &engErr) && engErr.Code == schema.ErrCodeTimeout
}

func asEngineError(err error, nodeID string) *schema.EngineError {
	var engErr *schema.EngineError
	if errors.As(err, &engErr) {
		return engErr
	}
	return schema.NewError(schema.ErrCodeNodeExecution, err.Error()).
		WithNode(nodeID).WithCause(err)
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
