// Package queue implements the FIFO-by-submission-timestamp task queue
// and bounded-concurrency dispatcher. Adapted from the teacher's
// scheduler.go (dispatcher shape, metrics-per-operation) and
// cancellation.go (running-set keyed by id, each entry owning its own
// cancel func), generalized from cron/event triggers down to the spec's
// continuous pop-and-dispatch loop.
package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/store"
	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/task"
	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/telemetry"
)

// Executor runs one popped task to completion (success or failure),
// persisting the result itself. The scheduler only owns admission,
// ordering, and the running-set; C5 owns what happens to a dispatched
// task.
type Executor interface {
	Execute(ctx context.Context, t *task.Task)
}

type runningEntry struct {
	task   *task.Task
	cancel context.CancelFunc
}

// Scheduler is the queue + running-set + dispatcher loop described by C4.
type Scheduler struct {
	mu             sync.Mutex
	queue          []*task.Task
	running        map[string]*runningEntry
	concurrencyCap int
	avgDuration    map[task.Type]float64
	store          *store.Store
	executor       Executor
	tracer         trace.Tracer
	metrics        telemetry.Metrics
}

// New constructs a Scheduler with the spec's default moving-average
// seeds per task type.
func New(concurrencyCap int, st *store.Store, executor Executor, metrics telemetry.Metrics) *Scheduler {
	avg := make(map[task.Type]float64, len(task.DefaultDurations))
	for t, d := range task.DefaultDurations {
		avg[t] = d
	}
	return &Scheduler{
		queue:          nil,
		running:        make(map[string]*runningEntry),
		concurrencyCap: concurrencyCap,
		avgDuration:    avg,
		store:          st,
		executor:       executor,
		tracer:         otel.Tracer("orchestrator-scheduler"),
		metrics:        metrics,
	}
}

// SetExecutor wires the executor after construction, for the common
// startup ordering where the executor itself needs a handle back to the
// scheduler (to record observed durations) and so can't exist yet when
// the scheduler is built.
func (s *Scheduler) SetExecutor(executor Executor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executor = executor
}

// Seed pre-populates the in-memory queue from the store's recovered
// queued tasks, in submission order, without touching submitted_at.
func (s *Scheduler) Seed(tasks []*task.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, tasks...)
	sort.Slice(s.queue, func(i, j int) bool {
		return s.queue[i].SubmittedAt < s.queue[j].SubmittedAt
	})
}

// Enqueue admits a new or resubmitted task. If params carries a known
// task_id, the existing task is merged and re-queued (idempotent
// resubmit); otherwise a fresh task is created. Returns the task id,
// the 1-based queue position after insertion, and the estimated wait.
func (s *Scheduler) Enqueue(ctx context.Context, taskType task.Type, params map[string]any) (string, int, float64, error) {
	_, span := s.tracer.Start(ctx, "scheduler.enqueue", trace.WithAttributes(attribute.String("task_type", string(taskType))))
	defer span.End()

	if !task.ValidType(taskType) {
		return "", 0, 0, fmt.Errorf("queue: unrecognized task_type %q", taskType)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var t *task.Task
	if rawID, ok := params["task_id"]; ok {
		if id, ok := rawID.(string); ok && id != "" {
			if existing, found := s.store.Get(id); found {
				t = existing
				t.Params = mergeParams(t.Params, params)
				t.SubmittedAt = nowSeconds()
				t.Status = task.Queued
				t.StatusMessage = ""
				t.StartedAt = nil
				t.EndedAt = nil
			}
		}
	}
	if t == nil {
		t = task.New(taskType, params)
	}

	if err := s.store.Snapshot(t); err != nil {
		return "", 0, 0, fmt.Errorf("queue: persist enqueue: %w", err)
	}

	s.insertSorted(t)
	if s.metrics.QueueDepth != nil {
		s.metrics.QueueDepth.Add(ctx, 1)
	}

	position := len(s.running) + len(s.queue)
	wait := s.estimatedWait(taskType, position)
	return t.TaskID, position, wait, nil
}

func (s *Scheduler) insertSorted(t *task.Task) {
	idx := sort.Search(len(s.queue), func(i int) bool {
		return s.queue[i].SubmittedAt > t.SubmittedAt
	})
	s.queue = append(s.queue, nil)
	copy(s.queue[idx+1:], s.queue[idx:])
	s.queue[idx] = t
}

func (s *Scheduler) estimatedWait(taskType task.Type, position int) float64 {
	if position <= s.concurrencyCap {
		return 0
	}
	return float64(position-s.concurrencyCap) * s.avgDuration[taskType]
}

func mergeParams(existing, incoming map[string]any) map[string]any {
	out := make(map[string]any, len(existing)+len(incoming))
	for k, v := range existing {
		out[k] = v
	}
	for k, v := range incoming {
		out[k] = v
	}
	return out
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// Run is the dispatcher loop: while the running set has room and the
// queue is non-empty, pop the earliest task and hand it to a worker
// goroutine. Yields briefly when nothing can start. Blocks until ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.dispatchReady(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) dispatchReady(ctx context.Context) {
	for {
		t, ok := s.popOneForDispatch(ctx)
		if !ok {
			return
		}
		workerCtx, cancel := context.WithCancel(ctx)
		s.mu.Lock()
		s.running[t.TaskID] = &runningEntry{task: t, cancel: cancel}
		s.mu.Unlock()
		if s.metrics.RunningTasks != nil {
			s.metrics.RunningTasks.Add(ctx, 1)
		}

		go func(t *task.Task) {
			defer func() {
				s.mu.Lock()
				delete(s.running, t.TaskID)
				s.mu.Unlock()
				if s.metrics.RunningTasks != nil {
					s.metrics.RunningTasks.Add(ctx, -1)
				}
			}()
			// A worker panic must never take the rest of the fleet down with
			// it: recover, fail this one task, keep dispatching the rest.
			defer func() {
				if r := recover(); r != nil {
					t.MarkFailed(fmt.Sprintf("internal error: worker panic: %v", r))
					_ = s.store.Snapshot(t)
				}
			}()
			s.executor.Execute(workerCtx, t)
		}(t)
	}
}

// popOneForDispatch pops and admits the earliest queued task if the
// running set has room, persisting the running transition before
// releasing the lock.
func (s *Scheduler) popOneForDispatch(ctx context.Context) (*task.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 || len(s.running) >= s.concurrencyCap {
		return nil, false
	}
	t := s.queue[0]
	s.queue = s.queue[1:]
	if s.metrics.QueueDepth != nil {
		s.metrics.QueueDepth.Add(ctx, -1)
	}

	t.MarkRunning()
	if err := s.store.Snapshot(t); err != nil {
		// Internal error: can't persist the transition. Put it back at
		// the front and try again next tick rather than lose the task.
		s.queue = append([]*task.Task{t}, s.queue...)
		return nil, false
	}
	return t, true
}

// RecordDuration folds one observed completion duration into the
// task type's moving average: new = 0.8*old + 0.2*observed.
func (s *Scheduler) RecordDuration(taskType task.Type, observed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.avgDuration[taskType] = 0.8*s.avgDuration[taskType] + 0.2*observed.Seconds()
}

// CancelRunning removes taskID from the running-set and cancels its
// worker context, for the supervisor's runtime-timeout path (a task the
// supervisor reconciles is not cancelled; its worker leaves the
// running-set when it returns). The caller is responsible for the task's
// store snapshot.
func (s *Scheduler) CancelRunning(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.running[taskID]; ok {
		entry.cancel()
		delete(s.running, taskID)
	}
}

// Requeue pushes a task back into the queue preserving its submitted_at,
// so supervisor retries keep their original FIFO position. Used for
// failed->queued retries; the startup path uses Seed instead.
func (s *Scheduler) Requeue(t *task.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertSorted(t)
}

// Status is the filtered queue-status snapshot described by C4.
type Status struct {
	Total            int
	Running          int
	Queued           int
	AverageDurations map[task.Type]float64
	ConcurrencyCap   int
	EstimatedWait    float64
}

// Status returns {total, running, queued, averages, cap, estimated_wait}
// optionally filtered to one task type. Filtering counts only matching
// tasks without disturbing queue order.
func (s *Scheduler) Status(filter *task.Type) Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		ConcurrencyCap:   s.concurrencyCap,
		AverageDurations: make(map[task.Type]float64, len(s.avgDuration)),
	}
	for t, d := range s.avgDuration {
		st.AverageDurations[t] = d
	}

	for _, entry := range s.running {
		if filter == nil || entry.task.TaskType == *filter {
			st.Running++
		}
	}
	for _, t := range s.queue {
		if filter == nil || t.TaskType == *filter {
			st.Queued++
		}
	}
	st.Total = st.Running + st.Queued

	position := st.Running + st.Queued
	if filter != nil {
		st.EstimatedWait = s.estimatedWait(*filter, position)
	}
	return st
}
