// Package scheduler advances the system from pending to running work
// (spec §4.5). Grounded on dronerd/server/task_manager.go's
// goroutine-per-dispatch + store-update-on-completion shape, generalized
// to the ranking/dependency/concurrency rules spec §4.5 specifies, with
// the per-tick admission cap expressed via golang.org/x/sync/errgroup
// instead of a bare goroutine-per-task, since errgroup.Group.SetLimit is
// already the pack's structured-concurrency idiom for bounding fan-out.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/taskforge/taskforge/internal/executor"
	"github.com/taskforge/taskforge/internal/hub"
	"github.com/taskforge/taskforge/internal/store"
)

// Runner is the Executor's contract as seen by the Scheduler: given a
// task and the two callbacks, run it to completion. *executor.Executor
// satisfies this; tests substitute a stub so dependency gating and
// concurrency behavior can be verified without spawning real agent
// processes (spec §4.3 "keeping it testable in isolation" applies equally
// one level up).
type Runner interface {
	Run(ctx context.Context, task *store.Task, onOutput executor.OutputFunc, onComplete executor.CompleteFunc)
}

type Scheduler struct {
	store         *store.Store
	runner        Runner
	hub           *hub.Hub
	logger        *slog.Logger
	pollInterval  time.Duration
	maxConcurrent int

	group            *errgroup.Group
	warnedMissingDep sync.Map // task id -> struct{}
}

func New(s *store.Store, runner Runner, h *hub.Hub, pollInterval time.Duration, maxConcurrent int, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	group := &errgroup.Group{}
	group.SetLimit(maxConcurrent)
	return &Scheduler{
		store:         s,
		runner:        runner,
		hub:           h,
		logger:        logger,
		pollInterval:  pollInterval,
		maxConcurrent: maxConcurrent,
		group:         group,
	}
}

// Run loops every poll_interval until ctx is cancelled, dispatching as
// many tasks as there are free slots each tick (spec §4.5 "Loop").
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

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

// tick dispatches as many runnable tasks as there are free slots, per
// spec §4.5: "Each iteration dispatches as many tasks as there are free
// slots, not one per tick."
func (s *Scheduler) tick(ctx context.Context) {
	if s.maxConcurrent <= 0 {
		return
	}
	for {
		running, err := s.store.CountTasks(ctx, store.StatusInProgress)
		if err != nil {
			s.logger.Error("failed to count in-progress tasks", slog.String("error", err.Error()))
			return
		}
		if running >= s.maxConcurrent {
			return
		}

		task, err := s.nextRunnableTask(ctx)
		if err != nil {
			s.logger.Error("failed to find next pending task", slog.String("error", err.Error()))
			return
		}
		if task == nil {
			return
		}

		dispatched, err := s.store.Dispatch(ctx, task.ID)
		if err != nil {
			s.logger.Error("failed to dispatch task", slog.Int64("task_id", task.ID), slog.String("error", err.Error()))
			return
		}
		s.hub.Broadcast(dispatched.ID, hub.Event{Type: "state", TaskID: dispatched.ID, Payload: map[string]any{"status": string(dispatched.Status)}})

		s.group.Go(func() error {
			s.runner.Run(context.Background(), dispatched, s.onOutput, s.onComplete)
			return nil
		})
	}
}

// nextRunnableTask returns the single highest-ranked PENDING task if its
// dependencies are all COMPLETED, per spec §4.5's loop condition:
// get_next_pending_task() returns a task t AND dependencies_met(t). If
// the top-ranked task is blocked on a dependency, this tick dispatches
// nothing — head-of-line blocking, not skip-ahead to a lower-ranked
// runnable task (spec §4.5, matching the reference scheduler's single
// get_next_pending_task() call per tick).
func (s *Scheduler) nextRunnableTask(ctx context.Context) (*store.Task, error) {
	task, err := s.store.GetNextPendingTask(ctx)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, nil
	}
	met, err := s.dependenciesMet(ctx, task)
	if err != nil {
		return nil, err
	}
	if !met {
		return nil, nil
	}
	return task, nil
}

func (s *Scheduler) dependenciesMet(ctx context.Context, task *store.Task) (bool, error) {
	for _, depID := range task.DependsOn {
		dep, err := s.store.GetTask(ctx, depID)
		if err != nil {
			if _, ok := err.(*store.NotFound); ok {
				s.warnMissingDependencyOnce(task.ID, depID)
				return false, nil
			}
			return false, err
		}
		if dep.Status != store.StatusCompleted {
			return false, nil
		}
	}
	return true, nil
}

func (s *Scheduler) warnMissingDependencyOnce(taskID, depID int64) {
	if _, already := s.warnedMissingDep.LoadOrStore(taskID, struct{}{}); already {
		return
	}
	s.logger.Warn("task depends on a nonexistent task; blocked indefinitely",
		slog.Int64("task_id", taskID), slog.Int64("missing_dependency", depID))
	_, _ = s.store.AddLog(context.Background(), taskID, store.SeverityWarn,
		"blocked: dependency does not exist", "")
}

// onOutput is the Executor's output callback: persist the log entry and
// broadcast it (spec §4.5 "Output callback").
func (s *Scheduler) onOutput(taskID int64, ev executor.OutputEvent) {
	severity := store.Severity(ev.Severity)
	entry, err := s.store.AddLog(context.Background(), taskID, severity, ev.Message, ev.Raw)
	if err != nil {
		s.logger.Error("failed to persist log entry", slog.Int64("task_id", taskID), slog.String("error", err.Error()))
		return
	}
	s.hub.Broadcast(taskID, hub.Event{
		Type:   "output",
		TaskID: taskID,
		Payload: map[string]any{
			"severity": string(entry.Severity),
			"message":  entry.Message,
			"raw":      entry.Raw,
		},
	})
}

// onComplete is the Executor's completion callback: writes the terminal
// state and broadcasts a completion event (spec §4.5 "Completion
// callback").
func (s *Scheduler) onComplete(taskID int64, result executor.Result) {
	ctx := context.Background()
	status := result.Status
	patch := store.TaskPatch{
		Status:       &status,
		ExitCode:     result.ExitCode,
		InputTokens:  result.InputTokens,
		OutputTokens: result.OutputTokens,
		Cost:         result.Cost,
	}
	if result.Output != "" {
		patch.Output = &result.Output
	}
	if result.Plan != "" {
		patch.Plan = &result.Plan
	}
	if result.Error != "" {
		patch.Error = &result.Error
	}
	now := time.Now().UTC()
	patch.CompletedAt = &now

	task, err := s.store.UpdateTask(ctx, taskID, patch)
	if err != nil {
		s.logger.Error("failed to finalize task", slog.Int64("task_id", taskID), slog.String("error", err.Error()))
		return
	}

	_, _ = s.store.AddLog(ctx, taskID, severityFor(task.Status), "task finished: "+string(task.Status), "")

	s.hub.Broadcast(taskID, hub.Event{
		Type:   "complete",
		TaskID: taskID,
		Payload: map[string]any{
			"status":        string(task.Status),
			"exit_code":     task.ExitCode,
			"input_tokens":  task.InputTokens,
			"output_tokens": task.OutputTokens,
			"cost":          task.Cost,
		},
	})
}

func severityFor(status store.Status) store.Severity {
	if status == store.StatusFailed {
		return store.SeverityError
	}
	return store.SeverityInfo
}
