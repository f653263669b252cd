package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/queue"
	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/store"
	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/task"
	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/telemetry"
)

type noopExecutor struct{}

func (noopExecutor) Execute(ctx context.Context, t *task.Task) {}

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	idx, err := store.OpenIndex(filepath.Join(dir, "index.db"))
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	st := store.New(dir, time.UTC, idx)
	sched := queue.New(2, st, noopExecutor{}, telemetry.Metrics{})
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	return New(sched, st, nil, log), st
}

func TestSubmitTaskReturnsAccepted(t *testing.T) {
	srv, _ := newTestServer(t)
	mux := srv.Mux()

	body, _ := json.Marshal(map[string]any{
		"task_type": "text_to_image",
		"params":    map[string]any{"prompt": "a cat"},
	})
	req := httptest.NewRequest("POST", "/v1/tasks", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != 202 {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp submitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.TaskID == "" {
		t.Fatalf("expected a task id in response")
	}
}

func TestSubmitTaskRejectsUnknownType(t *testing.T) {
	srv, _ := newTestServer(t)
	mux := srv.Mux()

	body, _ := json.Marshal(map[string]any{"task_type": "bogus"})
	req := httptest.NewRequest("POST", "/v1/tasks", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != 400 {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestGetTaskByIDReturnsSnapshot(t *testing.T) {
	srv, st := newTestServer(t)
	mux := srv.Mux()

	tsk := task.New(task.TextToImage, map[string]any{"prompt": "x"})
	if err := st.Snapshot(tsk); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	req := httptest.NewRequest("GET", "/v1/tasks/"+tsk.TaskID, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got task.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.TaskID != tsk.TaskID {
		t.Fatalf("expected task id %s, got %s", tsk.TaskID, got.TaskID)
	}
}

func TestGetTaskByIDMissingReturns404(t *testing.T) {
	srv, _ := newTestServer(t)
	mux := srv.Mux()

	req := httptest.NewRequest("GET", "/v1/tasks/does-not-exist", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != 404 {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestQueueStatusFiltersByTaskType(t *testing.T) {
	srv, _ := newTestServer(t)
	mux := srv.Mux()

	for _, taskType := range []string{"text_to_image", "text_to_video"} {
		body, _ := json.Marshal(map[string]any{"task_type": taskType, "params": map[string]any{}})
		submit := httptest.NewRecorder()
		mux.ServeHTTP(submit, httptest.NewRequest("POST", "/v1/tasks", bytes.NewReader(body)))
		if submit.Code != 202 {
			t.Fatalf("submit %s: expected 202, got %d", taskType, submit.Code)
		}
	}

	req := httptest.NewRequest("GET", "/v1/queue?task_type=text_to_image", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got queue.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Queued != 1 || got.Running != 0 {
		t.Fatalf("expected only the text_to_image task counted (queued=1 running=0), got queued=%d running=%d", got.Queued, got.Running)
	}
}
