// Package httpapi is the thin HTTP boundary in front of the scheduler
// and store: submit a task, poll one task's status, poll queue status,
// plus the usual health and metrics endpoints. Adapted from the
// teacher's main.go mux wiring (stdlib net/http.ServeMux, manual
// method-switch handlers, json.Decoder/Encoder request/response bodies).
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/queue"
	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/store"
	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/task"
)

// Scheduler is the subset of *queue.Scheduler the HTTP boundary needs.
type Scheduler interface {
	Enqueue(ctx context.Context, taskType task.Type, params map[string]any) (string, int, float64, error)
	Status(filter *task.Type) queue.Status
}

// Server wires the boundary's handlers onto a *http.ServeMux.
type Server struct {
	scheduler     Scheduler
	store         *store.Store
	metricsHandle http.Handler
	log           *slog.Logger
}

// New constructs a Server. metricsHandler may be nil if the process has
// no Prometheus-compatible exporter mounted locally.
func New(scheduler Scheduler, st *store.Store, metricsHandler http.Handler, log *slog.Logger) *Server {
	return &Server{scheduler: scheduler, store: st, metricsHandle: metricsHandler, log: log}
}

// Mux builds the ServeMux the caller installs on an *http.Server.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/v1/tasks", s.handleTasksCollection)
	mux.HandleFunc("/v1/tasks/", s.handleTaskItem)
	mux.HandleFunc("/v1/queue", s.handleQueue)
	if s.metricsHandle != nil {
		mux.Handle("/metrics", s.metricsHandle)
	}
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type submitRequest struct {
	TaskType task.Type      `json:"task_type"`
	Params   map[string]any `json:"params"`
}

type submitResponse struct {
	TaskID        string  `json:"task_id"`
	QueuePosition int     `json:"queue_position"`
	EstimatedWait float64 `json:"estimated_wait_seconds"`
}

func (s *Server) handleTasksCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return
	}
	if !task.ValidType(req.TaskType) {
		http.Error(w, "bad request: unrecognized task_type", http.StatusBadRequest)
		return
	}

	id, position, wait, err := s.scheduler.Enqueue(r.Context(), req.TaskType, req.Params)
	if err != nil {
		s.log.Error("enqueue failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(submitResponse{TaskID: id, QueuePosition: position, EstimatedWait: wait})
}

func (s *Server) handleTaskItem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := r.URL.Path[len("/v1/tasks/"):]
	if id == "" {
		http.Error(w, "task id required", http.StatusBadRequest)
		return
	}

	t, ok := s.store.Get(id)
	if !ok {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(t)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var filter *task.Type
	if raw := task.Type(r.URL.Query().Get("task_type")); raw != "" {
		if !task.ValidType(raw) {
			http.Error(w, "bad request: unrecognized task_type", http.StatusBadRequest)
			return
		}
		filter = &raw
	}

	st := s.scheduler.Status(filter)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(st)
}
