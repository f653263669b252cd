// Package supervisor periodically sweeps the task store for work the
// scheduler's FIFO dispatcher cannot see on its own: failed tasks that
// should be retried or given up on, and running tasks that have either
// overrun their runtime budget or already finished on the backend.
// Adapted from the teacher's cancellation.go sweep-and-act
// shape, generalized from cancellation signals to the spec's
// retry/terminal/reconcile rules.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/store"
	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/task"
	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/telemetry"
)

// Scheduler is the subset of *queue.Scheduler the supervisor needs.
// Declared locally (not imported from queue) so supervisor -> queue stays
// one-directional.
type Scheduler interface {
	Requeue(t *task.Task)
	CancelRunning(taskID string)
}

// Reconciler resolves a running task against backend history without
// resubmitting it. Implemented by *executor.Executor.
type Reconciler interface {
	Reconcile(ctx context.Context, t *task.Task) bool
}

// Notifier delivers the terminal-failure notification described by C7.
type Notifier interface {
	NotifyTerminalFailure(ctx context.Context, t *task.Task) error
}

// Supervisor runs the periodic sweep described by C6.
type Supervisor struct {
	store             *store.Store
	scheduler         Scheduler
	reconciler        Reconciler
	notifier          Notifier
	checkInterval     time.Duration
	maxExecutionCount int
	maxRuntime        time.Duration
	tracer            trace.Tracer
	metrics           telemetry.Metrics
	log               *slog.Logger

	mu              sync.Mutex
	notifiedFailure map[string]bool
}

// New constructs a Supervisor. notifier may be nil, in which case
// terminal failures are logged but not emailed.
func New(st *store.Store, scheduler Scheduler, reconciler Reconciler, notifier Notifier, checkInterval time.Duration, maxExecutionCount int, maxRuntime time.Duration, metrics telemetry.Metrics, log *slog.Logger) *Supervisor {
	return &Supervisor{
		store:             st,
		scheduler:         scheduler,
		reconciler:        reconciler,
		notifier:          notifier,
		checkInterval:     checkInterval,
		maxExecutionCount: maxExecutionCount,
		maxRuntime:        maxRuntime,
		tracer:            otel.Tracer("orchestrator-supervisor"),
		metrics:           metrics,
		log:               log,
		notifiedFailure:   make(map[string]bool),
	}
}

// Run blocks, sweeping every checkInterval until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass over every known task. Exported so callers (and
// tests) can trigger it outside the ticker cadence.
func (s *Supervisor) Sweep(ctx context.Context) {
	ctx, span := s.tracer.Start(ctx, "supervisor.sweep")
	defer span.End()

	for _, t := range s.store.All() {
		s.sweepOne(ctx, t)
	}
}

// sweepOne handles a single task, recovering from a panic so one bad
// task can't stop the sweep from reaching the rest.
func (s *Supervisor) sweepOne(ctx context.Context, t *task.Task) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("supervisor sweep panic", "task_id", t.TaskID, "recovered", r)
		}
	}()

	switch t.Status {
	case task.Failed:
		s.handleFailed(ctx, t)
	case task.Running:
		s.handleRunning(ctx, t)
	}
}

// handleFailed applies the retry-vs-terminal rule: execution_count is
// checked against max_execution_count first (before any other failure
// handling). The ceiling is exclusive - a task finalizes only once it
// has used strictly more than max_execution_count attempts, so with the
// default of 3 a task is retried after its 1st, 2nd, and 3rd failures
// and only finalized after its 4th.
func (s *Supervisor) handleFailed(ctx context.Context, t *task.Task) {
	if t.ExecutionCount > s.maxExecutionCount {
		s.finalize(ctx, t)
		return
	}

	t.ResetForRetry()
	if err := s.store.Snapshot(t); err != nil {
		s.log.Error("failed to snapshot retry", "task_id", t.TaskID, "error", err)
		return
	}
	s.scheduler.Requeue(t)
	if s.metrics.SupervisorRetries != nil {
		s.metrics.SupervisorRetries.Add(ctx, 1)
	}
	s.log.Info("requeued failed task for retry", "task_id", t.TaskID, "execution_count", t.ExecutionCount)
}

// handleRunning enforces the runtime ceiling first; only a task that is
// still within its runtime budget gets reconciled against backend
// history. A task that is both stuck and technically reconcilable is
// still a timeout, not a quiet success.
func (s *Supervisor) handleRunning(ctx context.Context, t *task.Task) {
	startedAt := t.StartedAt
	if startedAt != nil {
		elapsed := time.Since(time.Unix(int64(*startedAt), 0))
		if elapsed > s.maxRuntime {
			s.scheduler.CancelRunning(t.TaskID)
			t.MarkFailed(fmt.Sprintf("runtime exceeded %s", s.maxRuntime))
			if err := s.store.Snapshot(t); err != nil {
				s.log.Error("failed to snapshot timed-out task", "task_id", t.TaskID, "error", err)
				return
			}
			s.log.Warn("task exceeded max runtime, marked failed", "task_id", t.TaskID, "elapsed", elapsed)
			return
		}
	}

	if s.reconciler != nil {
		s.reconciler.Reconcile(ctx, t)
	}
}

// finalize gives up on a failed task: it prepends a retry-count note to
// the status message, makes sure the persisted record reflects that,
// and dispatches the terminal notification exactly once.
func (s *Supervisor) finalize(ctx context.Context, t *task.Task) {
	s.mu.Lock()
	already := s.notifiedFailure[t.TaskID]
	s.notifiedFailure[t.TaskID] = true
	s.mu.Unlock()

	if !already {
		t.StatusMessage = fmt.Sprintf("already retried %d times: %s", t.ExecutionCount, t.StatusMessage)
		if err := s.store.Snapshot(t); err != nil {
			s.log.Error("failed to snapshot finalized task", "task_id", t.TaskID, "error", err)
		}
	}

	if already {
		return
	}

	if s.metrics.TerminalFailures != nil {
		s.metrics.TerminalFailures.Add(ctx, 1)
	}
	s.log.Error("task reached terminal failure", "task_id", t.TaskID, "execution_count", t.ExecutionCount, "message", t.StatusMessage)

	if s.notifier == nil {
		return
	}
	if err := s.notifier.NotifyTerminalFailure(ctx, t); err != nil {
		s.log.Error("failed to send terminal-failure notification", "task_id", t.TaskID, "error", err)
	}
}
