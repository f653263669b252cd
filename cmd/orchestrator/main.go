// Command orchestrator runs the image/video generation queue service:
// HTTP boundary, FIFO scheduler, task executor, and supervisor, wired
// together and brought down gracefully on SIGINT/SIGTERM. Adapted from
// the teacher's services/orchestrator/main.go wiring (signal-driven
// shutdown, otel init, mux + server lifecycle).
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/backend"
	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/config"
	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/executor"
	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/httpapi"
	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/logging"
	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/notify"
	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/queue"
	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/store"
	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/supervisor"
	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/telemetry"
)

func main() {
	const service = "orchestrator"

	configPath := flag.String("config", "config.yaml", "path to the orchestrator config file")
	workflowDir := flag.String("workflow-dir", "./workflows", "directory of <task_type>.json workflow templates")
	addr := flag.String("addr", ":8080", "HTTP listen address")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", "error", err)
		return
	}

	log := logging.Init(service, cfg.Log.Level, cfg.Log.JSON)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tracing := telemetry.InitTracer(ctx, service)
	shutdownMetrics, metrics := telemetry.InitMetrics(ctx, service)

	indexPath := cfg.DataDir + "/.index.db"
	index, err := store.OpenIndex(indexPath)
	if err != nil {
		log.Error("open task index failed", "error", err)
		return
	}
	defer index.Close()

	st := store.New(cfg.DataDir, time.Local, index)
	_, toQueue, err := st.LoadAll()
	if err != nil {
		log.Error("load task history failed", "error", err)
		return
	}

	backendClient := backend.New(cfg.Backend.BaseURL)

	registry, err := executor.NewRegistry(*workflowDir)
	if err != nil {
		log.Error("load workflow registry failed", "error", err)
		return
	}

	sched := queue.New(cfg.ConcurrencyCap, st, nil, metrics)
	exec := executor.New(registry, backendClient, st, cfg.OutputDir, cfg.Backend.LocalSpawn, sched, metrics, logging.Component(log, "executor"))
	sched.SetExecutor(exec)
	sched.Seed(toQueue)

	var notifier supervisor.Notifier
	if mailer, ok := notify.New(cfg.SMTP, cfg.Notify); ok {
		notifier = mailer
	}
	sup := supervisor.New(st, sched, exec, notifier, cfg.CheckInterval, cfg.MaxExecutionCount, cfg.MaxRuntime, metrics, logging.Component(log, "supervisor"))

	go sched.Run(ctx)
	go sup.Run(ctx)

	httpServer := httpapi.New(sched, st, nil, logging.Component(log, "httpapi"))
	srv := &http.Server{Addr: *addr, Handler: httpServer.Mux()}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server error", "error", err)
			cancel()
		}
	}()

	log.Info("orchestrator started", "addr", *addr, "concurrency_cap", cfg.ConcurrencyCap)
	<-ctx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	telemetry.Flush(shutdownCtx, tracing)
	_ = shutdownMetrics(shutdownCtx)
	log.Info("shutdown complete")
}
