package supervisor

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/store"
	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/task"
	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/telemetry"
)

type fakeScheduler struct {
	mu        sync.Mutex
	requeued  []string
	cancelled []string
}

func (f *fakeScheduler) Requeue(t *task.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requeued = append(f.requeued, t.TaskID)
}

func (f *fakeScheduler) CancelRunning(taskID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, taskID)
}

type fakeReconciler struct {
	resolves bool
	calls    int
}

func (f *fakeReconciler) Reconcile(ctx context.Context, t *task.Task) bool {
	f.calls++
	return f.resolves
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeNotifier) NotifyTerminalFailure(ctx context.Context, t *task.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	idx, err := store.OpenIndex(filepath.Join(dir, "index.db"))
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return store.New(dir, time.UTC, idx)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func TestSweepRetriesFailedTaskBelowCeiling(t *testing.T) {
	st := newTestStore(t)
	sched := &fakeScheduler{}
	sup := New(st, sched, &fakeReconciler{}, nil, time.Hour, 3, 2*time.Hour, telemetry.Metrics{}, testLogger())

	tsk := task.New(task.TextToImage, map[string]any{})
	tsk.MarkRunning()
	tsk.MarkFailed("submit failed: connection refused")
	if err := st.Snapshot(tsk); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	sup.Sweep(context.Background())

	if len(sched.requeued) != 1 || sched.requeued[0] != tsk.TaskID {
		t.Fatalf("expected task requeued, got %v", sched.requeued)
	}
	got, _ := st.Get(tsk.TaskID)
	if got.Status != task.Queued {
		t.Fatalf("expected status queued after retry, got %s", got.Status)
	}
}

func TestSweepNotifiesTerminalFailureExactlyOnce(t *testing.T) {
	st := newTestStore(t)
	sched := &fakeScheduler{}
	notifier := &fakeNotifier{}
	sup := New(st, sched, &fakeReconciler{}, notifier, time.Hour, 3, 2*time.Hour, telemetry.Metrics{}, testLogger())

	tsk := task.New(task.TextToImage, map[string]any{})
	for i := 0; i < 4; i++ {
		tsk.MarkRunning()
		tsk.MarkFailed("submit failed: connection refused")
	}
	if err := st.Snapshot(tsk); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	sup.Sweep(context.Background())
	sup.Sweep(context.Background())
	sup.Sweep(context.Background())

	if len(sched.requeued) != 0 {
		t.Fatalf("expected no requeue once execution_count exceeded ceiling, got %v", sched.requeued)
	}
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if notifier.calls != 1 {
		t.Fatalf("expected exactly one terminal notification, got %d", notifier.calls)
	}

	got, _ := st.Get(tsk.TaskID)
	const wantPrefix = "already retried 4 times: "
	if len(got.StatusMessage) < len(wantPrefix) || got.StatusMessage[:len(wantPrefix)] != wantPrefix {
		t.Fatalf("expected status_message prefixed with retry count, got %q", got.StatusMessage)
	}
}

func TestSweepTimesOutStuckRunningTask(t *testing.T) {
	st := newTestStore(t)
	sched := &fakeScheduler{}
	sup := New(st, sched, &fakeReconciler{resolves: false}, nil, time.Hour, 3, time.Millisecond, telemetry.Metrics{}, testLogger())

	tsk := task.New(task.TextToVideo, map[string]any{})
	tsk.MarkRunning()
	if err := st.Snapshot(tsk); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	sup.Sweep(context.Background())

	got, _ := st.Get(tsk.TaskID)
	if got.Status != task.Failed {
		t.Fatalf("expected stuck task marked failed, got %s", got.Status)
	}
	if len(sched.cancelled) != 1 || sched.cancelled[0] != tsk.TaskID {
		t.Fatalf("expected running entry cancelled, got %v", sched.cancelled)
	}
}

func TestSweepTimeoutPreemptsReconciliation(t *testing.T) {
	st := newTestStore(t)
	sched := &fakeScheduler{}
	sup := New(st, sched, &fakeReconciler{resolves: true}, nil, time.Hour, 3, time.Millisecond, telemetry.Metrics{}, testLogger())

	tsk := task.New(task.TextToImage, map[string]any{})
	tsk.MarkRunning()
	if err := st.Snapshot(tsk); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	sup.Sweep(context.Background())

	if len(sched.cancelled) != 1 || sched.cancelled[0] != tsk.TaskID {
		t.Fatalf("expected a task over its runtime budget to be cancelled even though the reconciler could resolve it, got %v", sched.cancelled)
	}
	got, _ := st.Get(tsk.TaskID)
	if got.Status != task.Failed {
		t.Fatalf("expected timed-out task marked failed despite being reconcilable, got %s", got.Status)
	}
}

func TestSweepReconcilesRunningTaskWithinBudget(t *testing.T) {
	st := newTestStore(t)
	sched := &fakeScheduler{}
	reconciler := &fakeReconciler{resolves: true}
	sup := New(st, sched, reconciler, nil, time.Hour, 3, time.Hour, telemetry.Metrics{}, testLogger())

	tsk := task.New(task.TextToImage, map[string]any{})
	tsk.MarkRunning()
	if err := st.Snapshot(tsk); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	sup.Sweep(context.Background())

	if reconciler.calls != 1 {
		t.Fatalf("expected the running task to be reconciled once, got %d calls", reconciler.calls)
	}
	if len(sched.cancelled) != 0 {
		t.Fatalf("expected no cancellation for a task still within its runtime budget, got %v", sched.cancelled)
	}
}
