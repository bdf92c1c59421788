package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadwire/flowengine/internal/executor"
	"github.com/leadwire/flowengine/internal/store"
	"github.com/leadwire/flowengine/pkg/schema"
)

// memStore is an in-memory RunStore with the same contract as the
// libSQL implementation: optimistic versioning, append-idempotent node
// records and status-guarded request flags.
type memStore struct {
	mu      sync.Mutex
	runs    map[string]*store.Run
	records map[string][]*store.NodeRecord

	// onPersist observes every run row as written, for tests asserting
	// on durable intermediate states.
	onPersist func(run *store.Run)
}

func newMemStore() *memStore {
	return &memStore{
		runs:    make(map[string]*store.Run),
		records: make(map[string][]*store.NodeRecord),
	}
}

func cloneRun(r *store.Run) *store.Run {
	cp := *r
	cp.Variables = make(map[string]any, len(r.Variables))
	for k, v := range r.Variables {
		cp.Variables[k] = v
	}
	cp.Frontier = append([]string(nil), r.Frontier...)
	return &cp
}

func (m *memStore) CreateRun(_ context.Context, run *store.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[run.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %q exists", run.ID)
	}
	m.runs[run.ID] = cloneRun(run)
	return nil
}

func (m *memStore) GetRun(_ context.Context, id string) (*store.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", id)
	}
	return cloneRun(run), nil
}

func (m *memStore) ListRuns(_ context.Context, filter store.RunFilter) ([]*store.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Run
	for _, run := range m.runs {
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		if filter.WorkflowID != "" && run.WorkflowID != filter.WorkflowID {
			continue
		}
		out = append(out, cloneRun(run))
	}
	return out, nil
}

func (m *memStore) applyUpdate(run *store.Run, version int64, update store.RunUpdate) error {
	if run.Version != version {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"run %q version mismatch: have %d, want %d", run.ID, run.Version, version)
	}
	if update.Status != nil {
		run.Status = *update.Status
	}
	if update.Variables != nil {
		run.Variables = make(map[string]any, len(update.Variables))
		for k, v := range update.Variables {
			run.Variables[k] = v
		}
	}
	if update.Frontier != nil {
		run.Frontier = append([]string(nil), update.Frontier...)
	}
	if update.Error != nil {
		run.Error = update.Error
	}
	if update.StartedAt != nil {
		run.StartedAt = update.StartedAt
	}
	if update.CompletedAt != nil {
		run.CompletedAt = update.CompletedAt
	}
	if update.ClearPauseFlag {
		run.PauseRequested = false
	}
	if update.ClearCancelFlag {
		run.CancelRequested = false
	}
	run.Version++
	run.UpdatedAt = time.Now().UTC()
	if m.onPersist != nil {
		m.onPersist(cloneRun(run))
	}
	return nil
}

func (m *memStore) UpdateRun(_ context.Context, id string, version int64, update store.RunUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", id)
	}
	return m.applyUpdate(run, version, update)
}

func (m *memStore) RequestPause(_ context.Context, id string) error {
	return m.setFlag(id, func(run *store.Run) bool {
		if run.Status != schema.RunStatusPending && run.Status != schema.RunStatusRunning {
			return false
		}
		run.PauseRequested = true
		return true
	})
}

func (m *memStore) RequestCancel(_ context.Context, id string) error {
	return m.setFlag(id, func(run *store.Run) bool {
		if run.Status.Terminal() {
			return false
		}
		run.CancelRequested = true
		return true
	})
}

func (m *memStore) setFlag(id string, apply func(*store.Run) bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", id)
	}
	if !apply(run) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"run %q in status %s", id, run.Status)
	}
	return nil
}

func (m *memStore) appendRecord(rec *store.NodeRecord) {
	for _, existing := range m.records[rec.RunID] {
		if existing.NodeID == rec.NodeID && existing.Attempt == rec.Attempt {
			return // append is idempotent on (run, node, attempt)
		}
	}
	cp := *rec
	m.records[rec.RunID] = append(m.records[rec.RunID], &cp)
}

func (m *memStore) AppendNodeRecord(_ context.Context, rec *store.NodeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendRecord(rec)
	return nil
}

func (m *memStore) ListNodeRecords(_ context.Context, runID string) ([]*store.NodeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*store.NodeRecord, 0, len(m.records[runID]))
	for _, rec := range m.records[runID] {
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) ApplyNodeResult(_ context.Context, runID string, version int64, rec *store.NodeRecord, update store.RunUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", runID)
	}
	if err := m.applyUpdate(run, version, update); err != nil {
		return err
	}
	if rec != nil {
		m.appendRecord(rec)
	}
	return nil
}

// stubExecutor is a scriptable executor for engine tests.
type stubExecutor struct {
	typ  string
	spec executor.Spec
	fn   func(ctx context.Context, in executor.Input) (*executor.Result, error)
}

func (s *stubExecutor) Type() string        { return s.typ }
func (s *stubExecutor) Spec() executor.Spec { return s.spec }
func (s *stubExecutor) Execute(ctx context.Context, in executor.Input) (*executor.Result, error) {
	return s.fn(ctx, in)
}

func testRegistry(t *testing.T, extras ...executor.Executor) *executor.Registry {
	t.Helper()
	reg := executor.NewRegistry()
	require.NoError(t, reg.Register(executor.NewStartExecutor()))
	require.NoError(t, reg.Register(executor.NewEndExecutor()))
	for _, ex := range extras {
		require.NoError(t, reg.Register(ex))
	}
	return reg
}

func newTestEngine(t *testing.T, st RunStore, reg *executor.Registry) *Engine {
	t.Helper()
	eng := New(Config{
		Store:    st,
		Registry: reg,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		PoolSize: 4,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Shutdown(ctx)
	})
	return eng
}

func waitForStatus(t *testing.T, st RunStore, runID string, want schema.RunStatus) *store.Run {
	t.Helper()
	var last *store.Run
	require.Eventually(t, func() bool {
		run, err := st.GetRun(context.Background(), runID)
		if err != nil {
			return false
		}
		last = run
		return run.Status == want
	}, 5*time.Second, 10*time.Millisecond, "run %s never reached %s", runID, want)
	return last
}

func recordsFor(records []*store.NodeRecord, nodeID string) []*store.NodeRecord {
	var out []*store.NodeRecord
	for _, rec := range records {
		if rec.NodeID == nodeID {
			out = append(out, rec)
		}
	}
	return out
}

func workflow(def *schema.WorkflowDefinition) *store.Workflow {
	return &store.Workflow{ID: "wf-" + def.ID, Definition: def, IsActive: true}
}

// --- Scenarios ---

func TestEngine_LinearRunCompletes(t *testing.T) {
	emit := &stubExecutor{
		typ: "emit",
		fn: func(ctx context.Context, in executor.Input) (*executor.Result, error) {
			return &executor.Result{Output: map[string]any{"score": 42}}, nil
		},
	}
	st := newMemStore()
	eng := newTestEngine(t, st, testRegistry(t, emit))

	def := &schema.WorkflowDefinition{
		ID: "linear",
		Nodes: []schema.Node{
			{ID: "n1", Type: "start"},
			{ID: "n2", Type: "emit"},
			{ID: "n3", Type: "end"},
		},
		Edges: []schema.Edge{
			{ID: "e1", Source: "n1", Target: "n2"},
			{ID: "e2", Source: "n2", Target: "n3"},
		},
		Variables: map[string]any{"channel": "email"},
	}

	run, err := eng.Start(context.Background(), workflow(def), map[string]any{"lead_id": "L-1"})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusRunning, run.Status)
	assert.NotNil(t, run.StartedAt)

	final := waitForStatus(t, st, run.ID, schema.RunStatusCompleted)
	assert.Empty(t, final.Frontier)
	assert.NotNil(t, final.CompletedAt)
	assert.Equal(t, 42, final.Variables["score"])
	assert.Equal(t, "email", final.Variables["channel"])
	assert.Equal(t, "L-1", final.Variables["lead_id"])

	records, err := st.ListNodeRecords(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, records, 3)
	for _, id := range []string{"n1", "n2", "n3"} {
		recs := recordsFor(records, id)
		require.Len(t, recs, 1, "node %s", id)
		assert.Equal(t, schema.NodeStatusSucceeded, recs[0].Status)
		assert.Equal(t, 1, recs[0].Attempt)
	}
}

func TestEngine_ConditionalTakesOneBranch(t *testing.T) {
	choose := &stubExecutor{
		typ:  "choose",
		spec: executor.Spec{Conditional: true},
		fn: func(ctx context.Context, in executor.Input) (*executor.Result, error) {
			branch, _ := in.Node.Config["branch"].(string)
			return &executor.Result{Branch: branch}, nil
		},
	}
	var visited sync.Map
	tracer := func(typ string) *stubExecutor {
		return &stubExecutor{
			typ: typ,
			fn: func(ctx context.Context, in executor.Input) (*executor.Result, error) {
				visited.Store(in.Node.ID, true)
				return &executor.Result{}, nil
			},
		}
	}

	st := newMemStore()
	eng := newTestEngine(t, st, testRegistry(t, choose, tracer("branch_a"), tracer("branch_b")))

	def := &schema.WorkflowDefinition{
		ID: "diamond",
		Nodes: []schema.Node{
			{ID: "start", Type: "start"},
			{ID: "cond", Type: "choose", Config: map[string]any{"branch": "true"}},
			{ID: "a", Type: "branch_a"},
			{ID: "b", Type: "branch_b"},
			{ID: "join", Type: "end"},
		},
		Edges: []schema.Edge{
			{ID: "e1", Source: "start", Target: "cond"},
			{ID: "e2", Source: "cond", Target: "a", Branch: "true"},
			{ID: "e3", Source: "cond", Target: "b"},
			{ID: "e4", Source: "a", Target: "join"},
			{ID: "e5", Source: "b", Target: "join"},
		},
	}

	run, err := eng.Start(context.Background(), workflow(def), nil)
	require.NoError(t, err)
	waitForStatus(t, st, run.ID, schema.RunStatusCompleted)

	_, aVisited := visited.Load("a")
	_, bVisited := visited.Load("b")
	assert.True(t, aVisited, "true branch must execute")
	assert.False(t, bVisited, "untaken branch must never execute")

	records, err := st.ListNodeRecords(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Empty(t, recordsFor(records, "b"))
	require.Len(t, recordsFor(records, "a"), 1)
	// The join fires on the taken side alone.
	require.Len(t, recordsFor(records, "join"), 1)
	assert.Equal(t, "true", recordsFor(records, "cond")[0].Branch)
}

func TestEngine_BranchNotFoundFailsRunKeepsNodeSuccess(t *testing.T) {
	surprise := &stubExecutor{
		typ: "surprise",
		fn: func(ctx context.Context, in executor.Input) (*executor.Result, error) {
			return &executor.Result{Branch: "maybe"}, nil
		},
	}
	st := newMemStore()
	eng := newTestEngine(t, st, testRegistry(t, surprise))

	def := &schema.WorkflowDefinition{
		ID: "nobranch",
		Nodes: []schema.Node{
			{ID: "start", Type: "start"},
			{ID: "s", Type: "surprise"},
			{ID: "yes", Type: "end"},
		},
		Edges: []schema.Edge{
			{ID: "e1", Source: "start", Target: "s"},
			{ID: "e2", Source: "s", Target: "yes", Branch: "true"},
		},
	}

	run, err := eng.Start(context.Background(), workflow(def), nil)
	require.NoError(t, err)

	final := waitForStatus(t, st, run.ID, schema.RunStatusFailed)
	assert.Contains(t, string(final.Error), schema.ErrCodeBranchNotFound)

	records, err := st.ListNodeRecords(context.Background(), run.ID)
	require.NoError(t, err)
	recs := recordsFor(records, "s")
	require.Len(t, recs, 1)
	// The node itself succeeded; only the edge selection failed.
	assert.Equal(t, schema.NodeStatusSucceeded, recs[0].Status)
}

func TestEngine_RetrySucceedsOnThirdAttempt(t *testing.T) {
	var calls int64
	var mu sync.Mutex
	flaky := &stubExecutor{
		typ: "flaky",
		fn: func(ctx context.Context, in executor.Input) (*executor.Result, error) {
			mu.Lock()
			calls++
			n := calls
			mu.Unlock()
			if n < 3 {
				return nil, schema.NewError(schema.ErrCodeNodeExecution, "transient").AsRetryable()
			}
			return &executor.Result{Output: map[string]any{"ok": true}}, nil
		},
	}
	st := newMemStore()
	eng := newTestEngine(t, st, testRegistry(t, flaky))

	def := &schema.WorkflowDefinition{
		ID: "retry",
		Nodes: []schema.Node{
			{ID: "start", Type: "start"},
			{ID: "f", Type: "flaky", Retry: &schema.RetryPolicy{MaxAttempts: 3}},
			{ID: "end", Type: "end"},
		},
		Edges: []schema.Edge{
			{ID: "e1", Source: "start", Target: "f"},
			{ID: "e2", Source: "f", Target: "end"},
		},
	}

	run, err := eng.Start(context.Background(), workflow(def), nil)
	require.NoError(t, err)

	final := waitForStatus(t, st, run.ID, schema.RunStatusCompleted)
	assert.Equal(t, true, final.Variables["ok"])

	records, err := st.ListNodeRecords(context.Background(), run.ID)
	require.NoError(t, err)
	recs := recordsFor(records, "f")
	require.Len(t, recs, 3)

	byAttempt := make(map[int]schema.NodeStatus)
	for _, rec := range recs {
		byAttempt[rec.Attempt] = rec.Status
	}
	assert.Equal(t, schema.NodeStatusRetrying, byAttempt[1])
	assert.Equal(t, schema.NodeStatusRetrying, byAttempt[2])
	assert.Equal(t, schema.NodeStatusSucceeded, byAttempt[3])
}

func TestEngine_RetryExhaustedFailsRun(t *testing.T) {
	broken := &stubExecutor{
		typ: "broken",
		fn: func(ctx context.Context, in executor.Input) (*executor.Result, error) {
			return nil, schema.NewError(schema.ErrCodeNodeExecution, "still down").AsRetryable()
		},
	}
	st := newMemStore()
	eng := newTestEngine(t, st, testRegistry(t, broken))

	def := &schema.WorkflowDefinition{
		ID: "exhaust",
		Nodes: []schema.Node{
			{ID: "start", Type: "start"},
			{ID: "b", Type: "broken", Retry: &schema.RetryPolicy{MaxAttempts: 2}},
			{ID: "end", Type: "end"},
		},
		Edges: []schema.Edge{
			{ID: "e1", Source: "start", Target: "b"},
			{ID: "e2", Source: "b", Target: "end"},
		},
	}

	run, err := eng.Start(context.Background(), workflow(def), nil)
	require.NoError(t, err)

	final := waitForStatus(t, st, run.ID, schema.RunStatusFailed)
	assert.Contains(t, string(final.Error), schema.ErrCodeRetryExhausted)

	records, err := st.ListNodeRecords(context.Background(), run.ID)
	require.NoError(t, err)
	recs := recordsFor(records, "b")
	require.Len(t, recs, 2)

	byAttempt := make(map[int]schema.NodeStatus)
	for _, rec := range recs {
		byAttempt[rec.Attempt] = rec.Status
	}
	assert.Equal(t, schema.NodeStatusRetrying, byAttempt[1])
	assert.Equal(t, schema.NodeStatusFailed, byAttempt[2])

	// The terminal node never ran.
	assert.Empty(t, recordsFor(records, "end"))
}

func TestEngine_NodeRetryOverridesExecutorDefault(t *testing.T) {
	// A single-attempt executor default, overridable per node.
	newFlaky := func(calls *int64, mu *sync.Mutex) *stubExecutor {
		return &stubExecutor{
			typ:  "flaky",
			spec: executor.Spec{DefaultRetry: &schema.RetryPolicy{MaxAttempts: 1}},
			fn: func(ctx context.Context, in executor.Input) (*executor.Result, error) {
				mu.Lock()
				*calls++
				n := *calls
				mu.Unlock()
				if n < 3 {
					return nil, schema.NewError(schema.ErrCodeNodeExecution, "transient").AsRetryable()
				}
				return &executor.Result{}, nil
			},
		}
	}
	def := func(retry *schema.RetryPolicy) *schema.WorkflowDefinition {
		return &schema.WorkflowDefinition{
			ID: "retry-policy",
			Nodes: []schema.Node{
				{ID: "start", Type: "start"},
				{ID: "f", Type: "flaky", Retry: retry},
				{ID: "end", Type: "end"},
			},
			Edges: []schema.Edge{
				{ID: "e1", Source: "start", Target: "f"},
				{ID: "e2", Source: "f", Target: "end"},
			},
		}
	}

	t.Run("node_config_wins", func(t *testing.T) {
		var calls int64
		var mu sync.Mutex
		st := newMemStore()
		eng := newTestEngine(t, st, testRegistry(t, newFlaky(&calls, &mu)))

		run, err := eng.Start(context.Background(), workflow(def(&schema.RetryPolicy{MaxAttempts: 3})), nil)
		require.NoError(t, err)
		waitForStatus(t, st, run.ID, schema.RunStatusCompleted)

		records, err := st.ListNodeRecords(context.Background(), run.ID)
		require.NoError(t, err)
		require.Len(t, recordsFor(records, "f"), 3, "node policy allows three attempts")
	})

	t.Run("executor_default_without_override", func(t *testing.T) {
		var calls int64
		var mu sync.Mutex
		st := newMemStore()
		eng := newTestEngine(t, st, testRegistry(t, newFlaky(&calls, &mu)))

		run, err := eng.Start(context.Background(), workflow(def(nil)), nil)
		require.NoError(t, err)
		waitForStatus(t, st, run.ID, schema.RunStatusFailed)

		records, err := st.ListNodeRecords(context.Background(), run.ID)
		require.NoError(t, err)
		recs := recordsFor(records, "f")
		require.Len(t, recs, 1, "executor default allows a single attempt")
		assert.Equal(t, schema.NodeStatusFailed, recs[0].Status)
	})
}

func TestEngine_NodeTimeoutRecordedAsTimedOut(t *testing.T) {
	sleepy := &stubExecutor{
		typ: "sleepy",
		fn: func(ctx context.Context, in executor.Input) (*executor.Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	st := newMemStore()
	eng := newTestEngine(t, st, testRegistry(t, sleepy))

	def := &schema.WorkflowDefinition{
		ID: "timeout",
		Nodes: []schema.Node{
			{ID: "start", Type: "start"},
			{ID: "z", Type: "sleepy", Timeout: "30ms"},
			{ID: "end", Type: "end"},
		},
		Edges: []schema.Edge{
			{ID: "e1", Source: "start", Target: "z"},
			{ID: "e2", Source: "z", Target: "end"},
		},
	}

	run, err := eng.Start(context.Background(), workflow(def), nil)
	require.NoError(t, err)

	waitForStatus(t, st, run.ID, schema.RunStatusFailed)

	records, err := st.ListNodeRecords(context.Background(), run.ID)
	require.NoError(t, err)
	recs := recordsFor(records, "z")
	require.Len(t, recs, 1)
	assert.Equal(t, schema.NodeStatusTimedOut, recs[0].Status)
}

func TestEngine_ExecutorPanicFailsNodeNotProcess(t *testing.T) {
	bomb := &stubExecutor{
		typ: "bomb",
		fn: func(ctx context.Context, in executor.Input) (*executor.Result, error) {
			panic("executor bug")
		},
	}
	st := newMemStore()
	eng := newTestEngine(t, st, testRegistry(t, bomb))

	def := &schema.WorkflowDefinition{
		ID: "panic",
		Nodes: []schema.Node{
			{ID: "start", Type: "start"},
			{ID: "x", Type: "bomb"},
			{ID: "end", Type: "end"},
		},
		Edges: []schema.Edge{
			{ID: "e1", Source: "start", Target: "x"},
			{ID: "e2", Source: "x", Target: "end"},
		},
	}

	run, err := eng.Start(context.Background(), workflow(def), nil)
	require.NoError(t, err)

	final := waitForStatus(t, st, run.ID, schema.RunStatusFailed)
	assert.Contains(t, string(final.Error), "panic")

	records, err := st.ListNodeRecords(context.Background(), run.ID)
	require.NoError(t, err)
	recs := recordsFor(records, "x")
	require.Len(t, recs, 1)
	assert.Equal(t, schema.NodeStatusFailed, recs[0].Status)
}

func TestEngine_PauseResumeDoesNotReExecute(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	gate := &stubExecutor{
		typ: "gate",
		fn: func(ctx context.Context, in executor.Input) (*executor.Result, error) {
			once.Do(func() { close(started) })
			<-release
			return &executor.Result{Output: map[string]any{"gated": true}}, nil
		},
	}
	var tailRuns int64
	var mu sync.Mutex
	tail := &stubExecutor{
		typ: "tail",
		fn: func(ctx context.Context, in executor.Input) (*executor.Result, error) {
			mu.Lock()
			tailRuns++
			mu.Unlock()
			return &executor.Result{}, nil
		},
	}

	st := newMemStore()
	eng := newTestEngine(t, st, testRegistry(t, gate, tail))

	def := &schema.WorkflowDefinition{
		ID: "pause",
		Nodes: []schema.Node{
			{ID: "start", Type: "start"},
			{ID: "g", Type: "gate"},
			{ID: "t", Type: "tail"},
			{ID: "end", Type: "end"},
		},
		Edges: []schema.Edge{
			{ID: "e1", Source: "start", Target: "g"},
			{ID: "e2", Source: "g", Target: "t"},
			{ID: "e3", Source: "t", Target: "end"},
		},
	}

	run, err := eng.Start(context.Background(), workflow(def), nil)
	require.NoError(t, err)

	<-started
	require.NoError(t, eng.Pause(context.Background(), run.ID))
	close(release)

	paused := waitForStatus(t, st, run.ID, schema.RunStatusPaused)
	assert.False(t, paused.PauseRequested, "flag clears once observed")
	assert.Equal(t, []string{"t"}, paused.Frontier, "in-flight wave persists before pausing")

	// Pausing a paused run is a no-op.
	require.NoError(t, eng.Pause(context.Background(), run.ID))

	require.NoError(t, eng.Resume(context.Background(), run.ID))
	final := waitForStatus(t, st, run.ID, schema.RunStatusCompleted)
	assert.Equal(t, true, final.Variables["gated"])

	records, err := st.ListNodeRecords(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, recordsFor(records, "g"), 1, "gate must not re-execute after resume")
	mu.Lock()
	assert.Equal(t, int64(1), tailRuns)
	mu.Unlock()
}

func TestEngine_CompletionPersistsWithFinalNodeResult(t *testing.T) {
	emit := &stubExecutor{
		typ: "emit",
		fn: func(ctx context.Context, in executor.Input) (*executor.Result, error) {
			return &executor.Result{}, nil
		},
	}
	st := newMemStore()

	// An active run must never be durable with nothing left to do:
	// running or paused always carries a non-empty frontier.
	var violations []string
	st.onPersist = func(run *store.Run) {
		active := run.Status == schema.RunStatusRunning || run.Status == schema.RunStatusPaused
		if active && len(run.Frontier) == 0 {
			violations = append(violations, string(run.Status))
		}
	}
	eng := newTestEngine(t, st, testRegistry(t, emit))

	def := &schema.WorkflowDefinition{
		ID: "atomic-finish",
		Nodes: []schema.Node{
			{ID: "n1", Type: "start"},
			{ID: "n2", Type: "emit"},
			{ID: "n3", Type: "end"},
		},
		Edges: []schema.Edge{
			{ID: "e1", Source: "n1", Target: "n2"},
			{ID: "e2", Source: "n2", Target: "n3"},
		},
	}

	run, err := eng.Start(context.Background(), workflow(def), nil)
	require.NoError(t, err)
	waitForStatus(t, st, run.ID, schema.RunStatusCompleted)

	st.mu.Lock()
	defer st.mu.Unlock()
	assert.Empty(t, violations, "run persisted as active with an empty frontier")
}

func TestEngine_PauseDuringFinalNodeCompletesRun(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	finish := &stubExecutor{
		typ:  "finish",
		spec: executor.Spec{Terminal: true},
		fn: func(ctx context.Context, in executor.Input) (*executor.Result, error) {
			once.Do(func() { close(started) })
			<-release
			return &executor.Result{}, nil
		},
	}

	st := newMemStore()
	var sawPaused bool
	st.onPersist = func(run *store.Run) {
		if run.Status == schema.RunStatusPaused {
			sawPaused = true
		}
	}
	eng := newTestEngine(t, st, testRegistry(t, finish))

	def := &schema.WorkflowDefinition{
		ID: "pause-at-the-end",
		Nodes: []schema.Node{
			{ID: "start", Type: "start"},
			{ID: "f", Type: "finish"},
		},
		Edges: []schema.Edge{{ID: "e1", Source: "start", Target: "f"}},
	}

	run, err := eng.Start(context.Background(), workflow(def), nil)
	require.NoError(t, err)

	// The pause lands while the last node is in flight; there is nothing
	// left to pause, so the run completes instead of parking.
	<-started
	require.NoError(t, eng.Pause(context.Background(), run.ID))
	close(release)

	final := waitForStatus(t, st, run.ID, schema.RunStatusCompleted)
	assert.False(t, final.PauseRequested)
	assert.NotNil(t, final.CompletedAt)

	st.mu.Lock()
	defer st.mu.Unlock()
	assert.False(t, sawPaused, "a run with no remaining work must not pause")
}

func TestEngine_ResumeNonPausedRunFails(t *testing.T) {
	st := newMemStore()
	eng := newTestEngine(t, st, testRegistry(t))

	def := &schema.WorkflowDefinition{
		ID: "resumable",
		Nodes: []schema.Node{
			{ID: "start", Type: "start"},
			{ID: "end", Type: "end"},
		},
		Edges: []schema.Edge{{ID: "e1", Source: "start", Target: "end"}},
	}

	run, err := eng.Start(context.Background(), workflow(def), nil)
	require.NoError(t, err)
	waitForStatus(t, st, run.ID, schema.RunStatusCompleted)

	err = eng.Resume(context.Background(), run.ID)
	require.Error(t, err)
	engErr, ok := err.(*schema.EngineError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeInvalidTransition, engErr.Code)
}

func TestEngine_CancelStopsSchedulingNewNodes(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	slow := &stubExecutor{
		typ: "slow",
		fn: func(ctx context.Context, in executor.Input) (*executor.Result, error) {
			once.Do(func() { close(started) })
			<-release
			return &executor.Result{}, nil
		},
	}
	tail := &stubExecutor{
		typ: "tail",
		fn: func(ctx context.Context, in executor.Input) (*executor.Result, error) {
			return &executor.Result{}, nil
		},
	}

	st := newMemStore()
	eng := newTestEngine(t, st, testRegistry(t, slow, tail))

	def := &schema.WorkflowDefinition{
		ID: "cancel",
		Nodes: []schema.Node{
			{ID: "start", Type: "start"},
			{ID: "s", Type: "slow"},
			{ID: "t", Type: "tail"},
			{ID: "end", Type: "end"},
		},
		Edges: []schema.Edge{
			{ID: "e1", Source: "start", Target: "s"},
			{ID: "e2", Source: "s", Target: "t"},
			{ID: "e3", Source: "t", Target: "end"},
		},
	}

	run, err := eng.Start(context.Background(), workflow(def), nil)
	require.NoError(t, err)

	<-started
	require.NoError(t, eng.Cancel(context.Background(), run.ID))
	close(release)

	final := waitForStatus(t, st, run.ID, schema.RunStatusCancelled)
	assert.False(t, final.CancelRequested, "flag clears on finalize")
	assert.NotNil(t, final.CompletedAt)

	records, err := st.ListNodeRecords(context.Background(), run.ID)
	require.NoError(t, err)
	// The in-flight node ran to completion; nothing after it started.
	require.Len(t, recordsFor(records, "s"), 1)
	assert.Empty(t, recordsFor(records, "t"))
	assert.Empty(t, recordsFor(records, "end"))

	// Cancelling a terminal run is a no-op.
	require.NoError(t, eng.Cancel(context.Background(), run.ID))
	again, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCancelled, again.Status)
}

func TestEngine_CancelPausedRun(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	gate := &stubExecutor{
		typ: "gate",
		fn: func(ctx context.Context, in executor.Input) (*executor.Result, error) {
			once.Do(func() { close(started) })
			<-release
			return &executor.Result{}, nil
		},
	}

	st := newMemStore()
	eng := newTestEngine(t, st, testRegistry(t, gate))

	def := &schema.WorkflowDefinition{
		ID: "cancel-paused",
		Nodes: []schema.Node{
			{ID: "start", Type: "start"},
			{ID: "g", Type: "gate"},
			{ID: "end", Type: "end"},
		},
		Edges: []schema.Edge{
			{ID: "e1", Source: "start", Target: "g"},
			{ID: "e2", Source: "g", Target: "end"},
		},
	}

	run, err := eng.Start(context.Background(), workflow(def), nil)
	require.NoError(t, err)

	<-started
	require.NoError(t, eng.Pause(context.Background(), run.ID))
	close(release)
	waitForStatus(t, st, run.ID, schema.RunStatusPaused)

	require.Eventually(t, func() bool {
		if err := eng.Cancel(context.Background(), run.ID); err != nil {
			return false
		}
		fresh, err := st.GetRun(context.Background(), run.ID)
		return err == nil && fresh.Status == schema.RunStatusCancelled
	}, 5*time.Second, 20*time.Millisecond)
}

func TestEngine_StartRejectsInvalidGraph(t *testing.T) {
	st := newMemStore()
	eng := newTestEngine(t, st, testRegistry(t))

	def := &schema.WorkflowDefinition{
		ID: "invalid",
		Nodes: []schema.Node{
			{ID: "start", Type: "start"},
			{ID: "ghost", Type: "does_not_exist"},
			{ID: "end", Type: "end"},
		},
		Edges: []schema.Edge{
			{ID: "e1", Source: "start", Target: "ghost"},
			{ID: "e2", Source: "ghost", Target: "end"},
		},
	}

	_, err := eng.Start(context.Background(), workflow(def), nil)
	require.Error(t, err)

	engErr, ok := err.(*schema.EngineError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, engErr.Code)

	runs, err := st.ListRuns(context.Background(), store.RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs, "no run is created for an invalid definition")
}

func TestEngine_StartRejectsNilDefinition(t *testing.T) {
	st := newMemStore()
	eng := newTestEngine(t, st, testRegistry(t))

	_, err := eng.Start(context.Background(), &store.Workflow{ID: "w"}, nil)
	require.Error(t, err)
}

func TestEngine_RecoverResumesInterruptedRuns(t *testing.T) {
	st := newMemStore()
	eng := newTestEngine(t, st, testRegistry(t))

	def := &schema.WorkflowDefinition{
		ID: "recover",
		Nodes: []schema.Node{
			{ID: "start", Type: "start"},
			{ID: "end", Type: "end"},
		},
		Edges: []schema.Edge{{ID: "e1", Source: "start", Target: "end"}},
	}

	// A run left in running status by a previous process.
	now := time.Now().UTC()
	require.NoError(t, st.CreateRun(context.Background(), &store.Run{
		ID:         "orphan",
		WorkflowID: "wf-recover",
		Definition: def,
		Status:     schema.RunStatusRunning,
		Variables:  map[string]any{},
		Frontier:   []string{"start"},
		CreatedAt:  now,
		StartedAt:  &now,
	}))

	count, err := eng.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	waitForStatus(t, st, "orphan", schema.RunStatusCompleted)
}

func TestEngine_UnknownTypeAtDispatchFailsRun(t *testing.T) {
	st := newMemStore()
	eng := newTestEngine(t, st, testRegistry(t))

	// Validation passed on another process with a richer registry; here
	// the type is gone.
	def := &schema.WorkflowDefinition{
		ID: "mystery",
		Nodes: []schema.Node{
			{ID: "start", Type: "start"},
			{ID: "m", Type: "mystery_type"},
			{ID: "end", Type: "end"},
		},
		Edges: []schema.Edge{
			{ID: "e1", Source: "start", Target: "m"},
			{ID: "e2", Source: "m", Target: "end"},
		},
	}
	require.NoError(t, st.CreateRun(context.Background(), &store.Run{
		ID:         "run-m",
		WorkflowID: "wf-mystery",
		Definition: def,
		Status:     schema.RunStatusRunning,
		Variables:  map[string]any{},
		Frontier:   []string{"m"},
		CreatedAt:  time.Now().UTC(),
	}))

	_, err := eng.Recover(context.Background())
	require.NoError(t, err)

	final := waitForStatus(t, st, "run-m", schema.RunStatusFailed)
	assert.Contains(t, string(final.Error), schema.ErrCodeUnknownNodeType)

	records, err := st.ListNodeRecords(context.Background(), "run-m")
	require.NoError(t, err)
	recs := recordsFor(records, "m")
	require.Len(t, recs, 1)
	assert.Equal(t, schema.NodeStatusFailed, recs[0].Status)
}

func TestEngine_ParallelBranchesBothExecuteBeforeJoin(t *testing.T) {
	var order sync.Map
	tracer := func(typ string) *stubExecutor {
		return &stubExecutor{
			typ: typ,
			fn: func(ctx context.Context, in executor.Input) (*executor.Result, error) {
				order.Store(in.Node.ID, time.Now())
				return &executor.Result{Output: map[string]any{in.Node.ID: "done"}}, nil
			},
		}
	}

	st := newMemStore()
	eng := newTestEngine(t, st, testRegistry(t, tracer("left"), tracer("right")))

	def := &schema.WorkflowDefinition{
		ID: "fanout",
		Nodes: []schema.Node{
			{ID: "start", Type: "start"},
			{ID: "l", Type: "left"},
			{ID: "r", Type: "right"},
			{ID: "join", Type: "end"},
		},
		Edges: []schema.Edge{
			{ID: "e1", Source: "start", Target: "l"},
			{ID: "e2", Source: "start", Target: "r"},
			{ID: "e3", Source: "l", Target: "join"},
			{ID: "e4", Source: "r", Target: "join"},
		},
	}

	run, err := eng.Start(context.Background(), workflow(def), nil)
	require.NoError(t, err)

	final := waitForStatus(t, st, run.ID, schema.RunStatusCompleted)
	assert.Equal(t, "done", final.Variables["l"])
	assert.Equal(t, "done", final.Variables["r"])

	records, err := st.ListNodeRecords(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, recordsFor(records, "l"), 1)
	require.Len(t, recordsFor(records, "r"), 1)
	require.Len(t, recordsFor(records, "join"), 1)

	// The join waited for both branches.
	joinRec := recordsFor(records, "join")[0]
	lRec := recordsFor(records, "l")[0]
	rRec := recordsFor(records, "r")[0]
	assert.False(t, joinRec.StartedAt.Before(lRec.FinishedAt))
	assert.False(t, joinRec.StartedAt.Before(rRec.FinishedAt))
}

func TestEngine_StatusReturnsRunAndHistory(t *testing.T) {
	st := newMemStore()
	eng := newTestEngine(t, st, testRegistry(t))

	def := &schema.WorkflowDefinition{
		ID: "status",
		Nodes: []schema.Node{
			{ID: "start", Type: "start"},
			{ID: "end", Type: "end"},
		},
		Edges: []schema.Edge{{ID: "e1", Source: "start", Target: "end"}},
	}

	run, err := eng.Start(context.Background(), workflow(def), nil)
	require.NoError(t, err)
	waitForStatus(t, st, run.ID, schema.RunStatusCompleted)

	got, records, err := eng.Status(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Len(t, records, 2)

	metrics := eng.Metrics()
	assert.Equal(t, int64(1), metrics.RunsStarted)
	assert.Equal(t, int64(1), metrics.RunsCompleted)
	assert.GreaterOrEqual(t, metrics.NodesExecuted, int64(2))
}
