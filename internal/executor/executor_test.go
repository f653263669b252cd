package executor

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/backend"
	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/store"
	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/task"
	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/telemetry"
)

const fixtureWorkflow = `[
  {"id": "1", "type": "text-encoder", "inputs": {"text": ""}},
  {"id": "2", "type": "empty-latent", "inputs": {"width": 512, "height": 512}},
  {"id": "3", "type": "sampler", "inputs": {"steps": 20, "seed": 1}}
]`

type noopRecorder struct{ recorded time.Duration }

func (r *noopRecorder) RecordDuration(taskType task.Type, observed time.Duration) {
	r.recorded = observed
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, string(task.TextToImage)+".json"), []byte(fixtureWorkflow), 0o644); err != nil {
		t.Fatalf("write fixture workflow: %v", err)
	}
	reg, err := NewRegistry(dir)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return reg
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

func TestExecuteHappyPathWritesArtifactAndCompletes(t *testing.T) {
	imageBytes := []byte("fake-png-bytes")

	mux := http.NewServeMux()
	mux.HandleFunc("/system_stats", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/prompt", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"prompt_id": "handle-1"})
	})
	mux.HandleFunc("/history/handle-1", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"handle-1": map[string]any{
				"outputs": map[string]any{
					"3": map[string]any{
						"images": []map[string]string{
							{"filename": "out.png", "subfolder": "", "type": "output"},
						},
					},
				},
			},
		})
	})
	mux.HandleFunc("/view", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write(imageBytes)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	outputDir := t.TempDir()
	st := newTestStore(t)
	reg := newTestRegistry(t)
	recorder := &noopRecorder{}
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	exec := New(reg, backend.New(srv.URL), st, outputDir, "", recorder, telemetry.Metrics{}, log)

	tsk := task.New(task.TextToImage, map[string]any{"prompt": "a cat"})
	tsk.MarkRunning()
	if err := st.Snapshot(tsk); err != nil {
		t.Fatalf("snapshot running: %v", err)
	}

	exec.Execute(context.Background(), tsk)

	if tsk.Status != task.Completed {
		t.Fatalf("expected completed, got %s (%s)", tsk.Status, tsk.StatusMessage)
	}
	if tsk.OutputFilename == "" {
		t.Fatalf("expected output_filename to be set")
	}
	if tsk.BackendHandle != "handle-1" {
		t.Fatalf("expected backend_handle to be recorded, got %q", tsk.BackendHandle)
	}

	written, err := os.ReadFile(filepath.Join(outputDir, tsk.OutputFilename))
	if err != nil {
		t.Fatalf("read written artifact: %v", err)
	}
	if string(written) != string(imageBytes) {
		t.Fatalf("expected artifact bytes to match fetched body")
	}
}

func TestExecuteFailsWhenBackendDead(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/system_stats", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	st := newTestStore(t)
	reg := newTestRegistry(t)
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	exec := New(reg, backend.New(srv.URL), st, t.TempDir(), "", &noopRecorder{}, telemetry.Metrics{}, log)

	tsk := task.New(task.TextToImage, map[string]any{})
	tsk.MarkRunning()
	if err := st.Snapshot(tsk); err != nil {
		t.Fatalf("snapshot running: %v", err)
	}

	exec.Execute(context.Background(), tsk)

	if tsk.Status != task.Failed {
		t.Fatalf("expected failed, got %s", tsk.Status)
	}
	if tsk.StatusMessage != "backend connection timeout" {
		t.Fatalf("expected timeout message, got %q", tsk.StatusMessage)
	}
}

func TestExecuteFailsWhenWorkflowUnregistered(t *testing.T) {
	st := newTestStore(t)
	reg := &Registry{}
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	exec := New(reg, backend.New("http://127.0.0.1:0"), st, t.TempDir(), "", &noopRecorder{}, telemetry.Metrics{}, log)

	tsk := task.New(task.ImageToVideo, map[string]any{})
	tsk.MarkRunning()
	if err := st.Snapshot(tsk); err != nil {
		t.Fatalf("snapshot running: %v", err)
	}

	exec.Execute(context.Background(), tsk)

	if tsk.Status != task.Failed {
		t.Fatalf("expected failed, got %s", tsk.Status)
	}
}
