package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/leadwire/flowengine/internal/store"
)

// RunStarter is the interface the scheduler uses to start workflow runs.
// Satisfied by the engine (avoids import cycle).
type RunStarter interface {
	Start(ctx context.Context, wf *store.Workflow, payload map[string]any) (*store.Run, error)
}

// TriggerStore is the slice of the persistence contract the scheduler needs.
type TriggerStore interface {
	ListScheduledTriggers(ctx context.Context, enabledOnly bool) ([]*store.ScheduledTrigger, error)
	MarkScheduledTriggerRun(ctx context.Context, id string) error
	GetWorkflow(ctx context.Context, id string) (*store.Workflow, error)
}

// Scheduler polls the store for due scheduled triggers and starts runs.
// Due-ness is computed from each trigger's last run: a trigger whose
// next cron occurrence after last_run_at has passed fires exactly once,
// which also recovers occurrences missed while the process was down.
type Scheduler struct {
	store   TriggerStore
	starter RunStarter
	parser  cron.Parser
	logger  *slog.Logger
	cancel  context.CancelFunc
	done    chan struct{}
	mu      sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // trigger IDs currently firing (dedup)
}

// NewScheduler creates a new Scheduler.
func NewScheduler(s TriggerStore, starter RunStarter, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:    s,
		starter:  starter,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background scheduling loop with a 60s ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick checks all enabled triggers and fires those that are due.
func (s *Scheduler) tick(ctx context.Context) {
	triggers, err := s.store.ListScheduledTriggers(ctx, true)
	if err != nil {
		s.logger.Error("failed to list scheduled triggers", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, trig := range triggers {
		due, err := s.isDue(trig, now)
		if err != nil {
			s.logger.Error("bad cron expression",
				slog.String("trigger_id", trig.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !due {
			continue
		}
		if !s.tryAcquire(trig.ID) {
			continue // already firing (dedup)
		}
		if err := s.fire(ctx, trig); err != nil {
			s.logger.Error("failed to fire scheduled trigger",
				slog.String("trigger_id", trig.ID),
				slog.String("error", err.Error()),
			)
		}
		s.release(trig.ID)
	}
}

// isDue reports whether the trigger's next occurrence after its last
// run has passed.
func (s *Scheduler) isDue(trig *store.ScheduledTrigger, now time.Time) (bool, error) {
	schedule, err := s.parser.Parse(trig.CronExpr)
	if err != nil {
		return false, fmt.Errorf("parse cron expression %q: %w", trig.CronExpr, err)
	}

	base := trig.CreatedAt
	if trig.LastRunAt != nil {
		base = *trig.LastRunAt
	}
	return !schedule.Next(base).After(now), nil
}

// fire starts one run for the trigger and stamps last_run_at.
func (s *Scheduler) fire(ctx context.Context, trig *store.ScheduledTrigger) error {
	wf, err := s.store.GetWorkflow(ctx, trig.WorkflowID)
	if err != nil {
		return fmt.Errorf("load workflow %q: %w", trig.WorkflowID, err)
	}
	if !wf.IsActive {
		s.logger.Info("skipping trigger for inactive workflow",
			slog.String("trigger_id", trig.ID),
			slog.String("workflow_id", wf.ID),
		)
		return s.store.MarkScheduledTriggerRun(ctx, trig.ID)
	}

	run, err := s.starter.Start(ctx, wf, trig.Payload)
	if err != nil {
		return fmt.Errorf("start run for workflow %q: %w", wf.ID, err)
	}

	s.logger.Info("scheduled trigger fired",
		slog.String("trigger_id", trig.ID),
		slog.String("workflow_id", wf.ID),
		slog.String("run_id", run.ID),
	)
	return s.store.MarkScheduledTriggerRun(ctx, trig.ID)
}

// tryAcquire returns true and marks the trigger as in-flight if it is not already firing.
func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

// release removes the trigger from the in-flight set.
func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
