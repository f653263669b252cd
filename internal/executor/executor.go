// Package executor glues the workflow template engine, backend client,
// and task store together to run one dispatched task to completion.
// Adapted from the teacher's MultiTaskExecutor (route-by-type to a
// registry chosen at startup) and plugins.go's PluginRegistry, per
// the re-architecture note that tasks carry only task_type + params and
// never a callback.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/backend"
	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/store"
	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/task"
	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/telemetry"
	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/workflow"
)

// DurationRecorder folds one observed completion duration into the
// scheduler's per-type moving average. Implemented by *queue.Scheduler;
// declared here (not imported from queue) so executor never imports
// queue; queue likewise declares its own Executor interface.
type DurationRecorder interface {
	RecordDuration(taskType task.Type, observed time.Duration)
}

// Registry resolves a task_type to its workflow document, loaded once at
// startup so crash-recovery of queued tasks never depends on a callback.
type Registry struct {
	workflows map[task.Type]workflow.Loaded
}

// NewRegistry loads the workflow file for each task type from
// workflowDir/<task_type>.json.
func NewRegistry(workflowDir string) (*Registry, error) {
	reg := &Registry{workflows: make(map[task.Type]workflow.Loaded)}
	for _, t := range []task.Type{task.TextToImage, task.ImageToImage, task.TextToVideo, task.ImageToVideo} {
		path := filepath.Join(workflowDir, string(t)+".json")
		raw, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("executor: read workflow %s: %w", path, err)
		}
		loaded, err := workflow.Load(raw)
		if err != nil {
			return nil, fmt.Errorf("executor: load workflow %s: %w", path, err)
		}
		reg.workflows[t] = loaded
	}
	return reg, nil
}

// Executor runs one popped task: template -> submit -> wait -> fetch ->
// persist. Implements queue.Executor.
type Executor struct {
	registry   *Registry
	backend    *backend.Client
	store      *store.Store
	outputDir  string
	localSpawn string
	durations  DurationRecorder
	tracer     trace.Tracer
	metrics    telemetry.Metrics
	log        *slog.Logger
}

// New constructs an Executor. localSpawn, if non-empty, is a command to
// run when the backend fails its liveness check (the spec's optional
// local backend startup).
func New(registry *Registry, backendClient *backend.Client, st *store.Store, outputDir, localSpawn string, durations DurationRecorder, metrics telemetry.Metrics, log *slog.Logger) *Executor {
	return &Executor{
		registry:   registry,
		backend:    backendClient,
		store:      st,
		outputDir:  outputDir,
		localSpawn: localSpawn,
		durations:  durations,
		tracer:     otel.Tracer("orchestrator-executor"),
		metrics:    metrics,
		log:        log,
	}
}

// Execute runs the task described in SPEC_FULL §4.5. The task has
// already been transitioned to running and snapshotted by the scheduler.
func (e *Executor) Execute(ctx context.Context, t *task.Task) {
	ctx, span := e.tracer.Start(ctx, "executor.execute", trace.WithAttributes(
		attribute.String("task_id", t.TaskID),
		attribute.String("task_type", string(t.TaskType)),
	))
	defer span.End()

	loaded, ok := e.registry.workflows[t.TaskType]
	if !ok {
		e.fail(t, fmt.Sprintf("no workflow registered for task_type %s", t.TaskType))
		return
	}

	payload := workflow.InjectParams(loaded.Document, loaded.Order, t.Params)

	if !e.backend.IsAlive(ctx) {
		if e.localSpawn == "" || !e.spawnBackend(ctx) || !e.backend.IsAlive(ctx) {
			e.fail(t, "backend connection timeout")
			return
		}
	}

	handle, err := backend.RetrySubmit(ctx, e.backend, payload, t.TaskID)
	if err != nil {
		e.fail(t, fmt.Sprintf("submit failed: %v", err))
		return
	}
	t.BackendHandle = handle
	if err := e.store.Snapshot(t); err != nil {
		e.log.Error("failed to snapshot backend_handle", "task_id", t.TaskID, "error", err)
	}

	outputs, err := e.backend.WaitForOutputs(ctx, handle)
	if err != nil {
		e.fail(t, fmt.Sprintf("wait_for_outputs failed: %v", err))
		return
	}

	desc, ok := backend.FirstArtifact(outputs, loaded.Order)
	if !ok {
		e.fail(t, "no artifact present in finished history")
		return
	}

	body, err := e.backend.FetchArtifact(ctx, desc)
	if err != nil {
		e.fail(t, fmt.Sprintf("fetch_artifact failed: %v", err))
		return
	}

	outputFilename := task.OutputFilename(t.TaskType, t.TaskID, time.Now())
	outputPath := filepath.Join(e.outputDir, outputFilename)
	if err := os.WriteFile(outputPath, body, 0o644); err != nil {
		e.fail(t, fmt.Sprintf("write artifact failed: %v", err))
		return
	}

	startedAt := t.StartedAt
	t.MarkCompleted(outputFilename)
	if startedAt != nil {
		e.durations.RecordDuration(t.TaskType, time.Duration((*t.EndedAt-*startedAt)*float64(time.Second)))
	}
	if err := e.store.Snapshot(t); err != nil {
		e.log.Error("failed to snapshot completed task", "task_id", t.TaskID, "error", err)
	}
}

// fail marks t failed and persists it. Whether this attempt was the
// task's last (terminal) or will be retried is the supervisor's call,
// not the executor's.
func (e *Executor) fail(t *task.Task, message string) {
	t.MarkFailed(message)
	if err := e.store.Snapshot(t); err != nil {
		e.log.Error("failed to snapshot failed task", "task_id", t.TaskID, "error", err)
	}
}

// Reconcile re-checks a running task's backend history without
// resubmitting it, for the supervisor's sweep over running tasks (the
// backend may already hold outputs for the task's backend_handle).
// Tasks that were running when the process stopped are turned back into
// queued tasks by Store.LoadAll and submitted again, so their earlier
// backend results are not recovered here. Returns true if the task was
// resolved (completed or failed) and persisted.
func (e *Executor) Reconcile(ctx context.Context, t *task.Task) bool {
	if t.BackendHandle == "" {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	outputs, err := e.backend.WaitForOutputs(probeCtx, t.BackendHandle)
	cancel()
	if err != nil {
		return false
	}

	loaded, ok := e.registry.workflows[t.TaskType]
	var order []string
	if ok {
		order = loaded.Order
	}
	desc, ok := backend.FirstArtifact(outputs, order)
	if !ok {
		e.fail(t, "no artifact present in finished history")
		return true
	}

	body, err := e.backend.FetchArtifact(ctx, desc)
	if err != nil {
		e.fail(t, fmt.Sprintf("fetch_artifact failed during reconciliation: %v", err))
		return true
	}

	outputFilename := task.OutputFilename(t.TaskType, t.TaskID, time.Now())
	if err := os.WriteFile(filepath.Join(e.outputDir, outputFilename), body, 0o644); err != nil {
		e.fail(t, fmt.Sprintf("write artifact failed during reconciliation: %v", err))
		return true
	}

	startedAt := t.StartedAt
	t.MarkCompleted(outputFilename)
	if startedAt != nil {
		e.durations.RecordDuration(t.TaskType, time.Duration((*t.EndedAt-*startedAt)*float64(time.Second)))
	}
	if err := e.store.Snapshot(t); err != nil {
		e.log.Error("failed to snapshot reconciled task", "task_id", t.TaskID, "error", err)
	}
	return true
}

func (e *Executor) spawnBackend(ctx context.Context) bool {
	e.log.Info("spawning local backend", "command", e.localSpawn)
	cmd := exec.CommandContext(ctx, e.localSpawn)
	if err := cmd.Start(); err != nil {
		e.log.Error("failed to spawn local backend", "error", err)
		return false
	}
	time.Sleep(5 * time.Second)
	return true
}
