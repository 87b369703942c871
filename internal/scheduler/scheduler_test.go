package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskforge/taskforge/internal/executor"
	"github.com/taskforge/taskforge/internal/hub"
	"github.com/taskforge/taskforge/internal/logging"
	"github.com/taskforge/taskforge/internal/store"
	"github.com/taskforge/taskforge/internal/testutil"
)

// controlledRunner lets a test decide exactly when each task "finishes",
// so concurrency/gating assertions can be made at a known steady state
// instead of racing a real process.
type controlledRunner struct {
	mu      sync.Mutex
	release map[int64]chan executor.Result
	started []int64
}

func newControlledRunner() *controlledRunner {
	return &controlledRunner{release: make(map[int64]chan executor.Result)}
}

func (r *controlledRunner) Run(ctx context.Context, task *store.Task, onOutput executor.OutputFunc, onComplete executor.CompleteFunc) {
	ch := make(chan executor.Result, 1)
	r.mu.Lock()
	r.release[task.ID] = ch
	r.started = append(r.started, task.ID)
	r.mu.Unlock()

	result := <-ch
	onComplete(task.ID, result)
}

func (r *controlledRunner) finish(t *testing.T, taskID int64, result executor.Result) {
	t.Helper()
	r.mu.Lock()
	ch, ok := r.release[taskID]
	r.mu.Unlock()
	require.True(t, ok, "task %d never started", taskID)
	ch <- result
}

func (r *controlledRunner) startedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.started)
}

func (r *controlledRunner) startedIDs() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.started...)
}

func newTestScheduler(t *testing.T, maxConcurrent int) (*Scheduler, *store.Store, *controlledRunner) {
	t.Helper()
	s, err := store.Open(testutil.TempDBPath(t), logging.NewDiscard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	runner := newControlledRunner()
	h := hub.New()
	sched := New(s, runner, h, time.Hour, maxConcurrent, logging.NewDiscard())
	return sched, s, runner
}

func TestZeroConcurrencyNeverDispatches(t *testing.T) {
	sched, s, runner := newTestScheduler(t, 0)
	ctx := context.Background()

	_, err := s.CreateTask(ctx, store.CreateTaskFields{Title: "t", Prompt: "p"})
	require.NoError(t, err)

	sched.tick(ctx)
	require.Equal(t, 0, runner.startedCount())

	pending, err := s.CountTasks(ctx, store.StatusPending)
	require.NoError(t, err)
	require.Equal(t, 1, pending)
}

func TestDependencyGating(t *testing.T) {
	sched, s, runner := newTestScheduler(t, 5)
	ctx := context.Background()

	a, err := s.CreateTask(ctx, store.CreateTaskFields{Title: "a", Prompt: "p"})
	require.NoError(t, err)
	b, err := s.CreateTask(ctx, store.CreateTaskFields{Title: "b", Prompt: "p", DependsOn: []int64{a.ID}})
	require.NoError(t, err)

	sched.tick(ctx)
	require.Eventually(t, func() bool { return runner.startedCount() == 1 }, time.Second, time.Millisecond)
	require.Equal(t, []int64{a.ID}, runner.startedIDs())

	runner.finish(t, a.ID, executor.Result{Status: store.StatusCompleted, ExitCode: intPtr(0)})
	require.Eventually(t, func() bool {
		got, err := s.GetTask(ctx, a.ID)
		return err == nil && got.Status == store.StatusCompleted
	}, time.Second, time.Millisecond)

	sched.tick(ctx)
	require.Eventually(t, func() bool {
		return len(runner.startedIDs()) == 2
	}, time.Second, time.Millisecond)
	require.Contains(t, runner.startedIDs(), b.ID)
}

func TestConcurrencyCapHoldsAtSteadyState(t *testing.T) {
	sched, s, runner := newTestScheduler(t, 3)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 5; i++ {
		task, err := s.CreateTask(ctx, store.CreateTaskFields{Title: "t", Prompt: "p"})
		require.NoError(t, err)
		ids = append(ids, task.ID)
	}

	sched.tick(ctx)
	require.Eventually(t, func() bool { return runner.startedCount() == 3 }, time.Second, time.Millisecond)

	running, err := s.CountTasks(ctx, store.StatusInProgress)
	require.NoError(t, err)
	require.Equal(t, 3, running)
	pending, err := s.CountTasks(ctx, store.StatusPending)
	require.NoError(t, err)
	require.Equal(t, 2, pending)

	runner.finish(t, ids[0], executor.Result{Status: store.StatusCompleted, ExitCode: intPtr(0)})
	require.Eventually(t, func() bool {
		running, _ := s.CountTasks(ctx, store.StatusCompleted)
		return running == 1
	}, time.Second, time.Millisecond)

	sched.tick(ctx)
	require.Eventually(t, func() bool { return runner.startedCount() == 4 }, time.Second, time.Millisecond)
}

func TestCrashRecoveryResetsInProgressBeforeSchedulerStarts(t *testing.T) {
	_, s, _ := newTestScheduler(t, 3)
	ctx := context.Background()

	a, err := s.CreateTask(ctx, store.CreateTaskFields{Title: "a", Prompt: "p"})
	require.NoError(t, err)
	b, err := s.CreateTask(ctx, store.CreateTaskFields{Title: "b", Prompt: "p"})
	require.NoError(t, err)
	_, err = s.Dispatch(ctx, a.ID)
	require.NoError(t, err)
	_, err = s.Dispatch(ctx, b.ID)
	require.NoError(t, err)

	n, err := s.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	inProgress, err := s.CountTasks(ctx, store.StatusInProgress)
	require.NoError(t, err)
	require.Equal(t, 0, inProgress)
}

func intPtr(v int) *int { return &v }
