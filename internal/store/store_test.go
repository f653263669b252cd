package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/task"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	idx, err := OpenIndex(filepath.Join(dir, "index.db"))
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return New(dir, time.UTC, idx)
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := newTestStore(t)
	tsk := task.New(task.TextToImage, map[string]any{"prompt": "a cat"})

	if err := s.Snapshot(tsk); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	all, _, err := s.LoadAll()
	if err != nil {
		t.Fatalf("load all: %v", err)
	}
	got, ok := all[tsk.TaskID]
	if !ok {
		t.Fatalf("expected task %s to round-trip", tsk.TaskID)
	}
	if got.Params["prompt"] != "a cat" {
		t.Fatalf("expected prompt to survive round trip, got %v", got.Params["prompt"])
	}
}

func TestSnapshotMovesRecordAcrossDayFiles(t *testing.T) {
	s := newTestStore(t)
	tsk := task.New(task.TextToImage, map[string]any{})
	tsk.SubmittedAt = float64(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Unix())
	if err := s.Snapshot(tsk); err != nil {
		t.Fatalf("snapshot initial: %v", err)
	}

	tsk.SubmittedAt = float64(time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC).Unix())
	if err := s.Snapshot(tsk); err != nil {
		t.Fatalf("snapshot resubmit: %v", err)
	}

	recsOld, err := s.readDayFile("task_history_2026-01-01.json")
	if err != nil {
		t.Fatalf("read old day file: %v", err)
	}
	if len(recsOld) != 0 {
		t.Fatalf("expected old day file emptied, got %d records", len(recsOld))
	}

	recsNew, err := s.readDayFile("task_history_2026-01-02.json")
	if err != nil {
		t.Fatalf("read new day file: %v", err)
	}
	if len(recsNew) != 1 {
		t.Fatalf("expected new day file to hold 1 record, got %d", len(recsNew))
	}
}

func TestLoadAllReAdmitsRunningAsQueued(t *testing.T) {
	s := newTestStore(t)
	tsk := task.New(task.TextToImage, map[string]any{})
	tsk.MarkRunning()
	if err := s.Snapshot(tsk); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	s2 := New(s.dataDir, time.UTC, nil)
	all, toQueue, err := s2.LoadAll()
	if err != nil {
		t.Fatalf("load all: %v", err)
	}
	got := all[tsk.TaskID]
	if got.Status != task.Queued {
		t.Fatalf("expected re-admitted task to be queued, got %s", got.Status)
	}
	if len(toQueue) != 1 {
		t.Fatalf("expected task re-added to in-memory queue, got %d", len(toQueue))
	}
}
