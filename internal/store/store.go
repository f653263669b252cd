// Package store durably persists tasks as per-day JSON files, one file
// per calendar date of submitted_at, rewritten in full on every state
// transition. A BoltDB side-index (index.go) accelerates idempotent
// resubmit lookups without becoming the source of truth. Adapted from
// the teacher's persistence.go (mutex discipline, read-then-write-whole
// pattern), generalized from BoltDB-as-primary-store to day-file JSON.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/task"
)

const dayFileLayout = "2006-01-02"

// Store is the durable task history: per-day JSON files under dataDir
// plus an in-memory index of every task currently known, kept consistent
// under a single mutex. The store never holds the mutex across network
// I/O; callers do all backend calls before calling Snapshot.
type Store struct {
	mu      sync.Mutex
	dataDir string
	loc     *time.Location
	tasks   map[string]*task.Task
	index   *Index
}

// record is the on-disk shape of one task, adding the derived Duration
// field the spec calls for when both timestamps are present.
type record struct {
	task.Task
	Duration *float64 `json:"duration,omitempty"`
}

// New constructs a Store rooted at dataDir, using loc to determine which
// day file a task's submitted_at belongs to.
func New(dataDir string, loc *time.Location, index *Index) *Store {
	return &Store{
		dataDir: dataDir,
		loc:     loc,
		tasks:   make(map[string]*task.Task),
		index:   index,
	}
}

// LoadAll reads every task_history_*.json file in the data directory,
// reconstructs every Task, applies the re-admission rules from the spec
// (running -> queued; today's queued tasks re-queued), and rebuilds the
// side index. Returns the full set of reconstructed tasks and the subset
// that should be pushed back onto the in-memory scheduler queue, in
// submission order.
func (s *Store) LoadAll() (all map[string]*task.Task, toQueue []*task.Task, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return s.tasks, nil, nil
		}
		return nil, nil, fmt.Errorf("store: read data dir: %w", err)
	}

	today := time.Now().In(s.loc).Format(dayFileLayout)
	indexEntries := make(map[string]string)

	for _, entry := range entries {
		if entry.IsDir() || !isDayFile(entry.Name()) {
			continue
		}
		date := dateFromFilename(entry.Name())
		recs, err := s.readDayFile(entry.Name())
		if err != nil {
			return nil, nil, fmt.Errorf("store: load %s: %w", entry.Name(), err)
		}
		for _, r := range recs {
			t := r.Task
			indexEntries[t.TaskID] = date

			if t.Status == task.Running {
				t.Status = task.Queued
				t.StatusMessage = ""
				t.StartedAt = nil
				t.EndedAt = nil
			}
			s.tasks[t.TaskID] = &t

			if t.Status == task.Queued && date == today {
				toQueue = append(toQueue, &t)
			}
		}
	}

	sort.Slice(toQueue, func(i, j int) bool {
		return toQueue[i].SubmittedAt < toQueue[j].SubmittedAt
	})

	if s.index != nil {
		if err := s.index.Rebuild(indexEntries); err != nil {
			return nil, nil, fmt.Errorf("store: rebuild index: %w", err)
		}
	}

	return s.tasks, toQueue, nil
}

// Get returns a copy-free pointer to the in-memory task, if known.
func (s *Store) Get(taskID string) (*task.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	return t, ok
}

// All returns every known task, unordered.
func (s *Store) All() []*task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*task.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	return out
}

// Snapshot persists t's current state: it rewrites t's day file (read,
// merge by task_id, sort by submitted_at, write back), moving the record
// out of any prior day file the side-index shows it under, and updates
// the in-memory index and side index. Holds the store mutex for the
// duration; performs no network I/O.
func (s *Store) Snapshot(t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	newDate := t.SubmittedDate(s.loc).Format(dayFileLayout)

	if s.index != nil {
		if oldDate, found, err := s.index.Lookup(t.TaskID); err == nil && found && oldDate != newDate {
			if err := s.removeFromDayFile(oldDate, t.TaskID); err != nil {
				return fmt.Errorf("store: remove stale record: %w", err)
			}
		}
	}

	if err := s.upsertDayFile(newDate, t); err != nil {
		return err
	}

	s.tasks[t.TaskID] = t
	if s.index != nil {
		if err := s.index.Set(t.TaskID, newDate); err != nil {
			return fmt.Errorf("store: update index: %w", err)
		}
	}
	return nil
}

func (s *Store) upsertDayFile(date string, t *task.Task) error {
	recs, err := s.readDayFile(dayFileName(date))
	if err != nil {
		return err
	}

	merged := make(map[string]record, len(recs)+1)
	for _, r := range recs {
		merged[r.TaskID] = r
	}
	merged[t.TaskID] = toRecord(t)

	return s.writeDayFile(date, merged)
}

func (s *Store) removeFromDayFile(date, taskID string) error {
	recs, err := s.readDayFile(dayFileName(date))
	if err != nil {
		return err
	}
	merged := make(map[string]record, len(recs))
	for _, r := range recs {
		if r.TaskID == taskID {
			continue
		}
		merged[r.TaskID] = r
	}
	return s.writeDayFile(date, merged)
}

func (s *Store) writeDayFile(date string, merged map[string]record) error {
	out := make([]record, 0, len(merged))
	for _, r := range merged {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SubmittedAt < out[j].SubmittedAt
	})

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal day file: %w", err)
	}

	if err := os.MkdirAll(s.dataDir, 0o755); err != nil {
		return fmt.Errorf("store: create data dir: %w", err)
	}
	path := filepath.Join(s.dataDir, dayFileName(date))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("store: write day file: %w", err)
	}
	return os.Rename(tmp, path)
}

func (s *Store) readDayFile(name string) ([]record, error) {
	path := filepath.Join(s.dataDir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var recs []record
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("store: parse %s: %w", name, err)
	}
	return recs, nil
}

func toRecord(t *task.Task) record {
	r := record{Task: *t}
	if d, ok := t.Duration(); ok {
		sec := d.Seconds()
		r.Duration = &sec
	}
	return r
}

func dayFileName(date string) string {
	return fmt.Sprintf("task_history_%s.json", date)
}

func isDayFile(name string) bool {
	return len(name) == len("task_history_2006-01-02.json") &&
		filepath.Ext(name) == ".json" &&
		name[:len("task_history_")] == "task_history_"
}

func dateFromFilename(name string) string {
	return name[len("task_history_") : len(name)-len(".json")]
}
