// Package task defines the central Task entity tracked through its
// queued -> running -> completed|failed lifecycle, along with the
// recognized task types and params keys from the wire contract.
package task

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type enumerates the kinds of generation request the orchestrator accepts.
type Type string

const (
	TextToImage  Type = "text_to_image"
	ImageToImage Type = "image_to_image"
	TextToVideo  Type = "text_to_video"
	ImageToVideo Type = "image_to_video"
)

// ValidType reports whether t is one of the recognized task types.
func ValidType(t Type) bool {
	switch t {
	case TextToImage, ImageToImage, TextToVideo, ImageToVideo:
		return true
	default:
		return false
	}
}

// Status is the lifecycle state of a Task.
type Status string

const (
	Queued    Status = "queued"
	Running   Status = "running"
	Completed Status = "completed"
	Failed    Status = "failed"
)

// Task is the central entity persisted by the store and mutated by the
// scheduler, executor, and supervisor. Zero value is not meaningful; use
// New to construct one.
type Task struct {
	TaskID         string         `json:"task_id"`
	TaskType       Type           `json:"task_type"`
	SubmittedAt    float64        `json:"submitted_at"`
	Params         map[string]any `json:"params"`
	Status         Status         `json:"status"`
	StatusMessage  string         `json:"status_message,omitempty"`
	ExecutionCount int            `json:"execution_count"`
	StartedAt      *float64       `json:"started_at,omitempty"`
	EndedAt        *float64       `json:"ended_at,omitempty"`
	OutputFilename string         `json:"output_filename,omitempty"`
	BackendHandle  string         `json:"backend_handle,omitempty"`
}

// New creates a queued Task with a fresh task id and submission timestamp.
func New(taskType Type, params map[string]any) *Task {
	return &Task{
		TaskID:      uuid.NewString(),
		TaskType:    taskType,
		SubmittedAt: nowSeconds(),
		Params:      params,
		Status:      Queued,
	}
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// MarkRunning transitions a queued task into running, bumping its
// execution count and clearing prior run timestamps.
func (t *Task) MarkRunning() {
	now := nowSeconds()
	t.Status = Running
	t.ExecutionCount++
	t.StartedAt = &now
	t.EndedAt = nil
	t.StatusMessage = ""
}

// MarkCompleted transitions a running task into completed.
func (t *Task) MarkCompleted(outputFilename string) {
	now := nowSeconds()
	t.Status = Completed
	t.EndedAt = &now
	t.OutputFilename = outputFilename
	t.StatusMessage = ""
}

// MarkFailed transitions a task into failed with a diagnostic message.
func (t *Task) MarkFailed(message string) {
	now := nowSeconds()
	t.Status = Failed
	t.EndedAt = &now
	t.StatusMessage = message
}

// ResetForRetry clears a failed task back to queued, preserving
// SubmittedAt and ExecutionCount so it keeps its original FIFO position.
func (t *Task) ResetForRetry() {
	t.Status = Queued
	t.StatusMessage = ""
	t.StartedAt = nil
	t.EndedAt = nil
}

// SubmittedDate returns the calendar date (in loc) that SubmittedAt falls
// on, used to pick the task's day file.
func (t *Task) SubmittedDate(loc *time.Location) time.Time {
	sec := int64(t.SubmittedAt)
	nsec := int64((t.SubmittedAt - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec).In(loc)
}

// Duration returns ended_at - started_at when both are present.
func (t *Task) Duration() (time.Duration, bool) {
	if t.StartedAt == nil || t.EndedAt == nil {
		return 0, false
	}
	return time.Duration((*t.EndedAt - *t.StartedAt) * float64(time.Second)), true
}

// OutputExtension returns the file extension the executor should use for
// this task type's artifact.
func (t Type) OutputExtension() string {
	switch t {
	case TextToVideo, ImageToVideo:
		return "mp4"
	default:
		return "png"
	}
}

// OutputFilename builds the <task_type>_<unix_seconds>_<8-hex-of-task_id>
// filename the executor records on success.
func OutputFilename(taskType Type, taskID string, at time.Time) string {
	short := shortHex(taskID)
	return fmt.Sprintf("%s_%d_%s.%s", taskType, at.Unix(), short, taskType.OutputExtension())
}

func shortHex(taskID string) string {
	id, err := uuid.Parse(taskID)
	if err != nil {
		if len(taskID) >= 8 {
			return taskID[:8]
		}
		return taskID
	}
	b := id[:]
	return hex.EncodeToString(b)[:8]
}

// DefaultDurations are the seeded moving-average defaults per task type,
// in seconds, before any task of that type has completed.
var DefaultDurations = map[Type]float64{
	TextToImage:  60,
	ImageToImage: 70,
	TextToVideo:  300,
	ImageToVideo: 320,
}
