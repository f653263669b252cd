package telemetry

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Metrics holds the orchestrator's common instruments so callers don't have
// to re-derive a meter + instrument name in every package.
type Metrics struct {
	QueueDepth        metric.Int64UpDownCounter
	RunningTasks      metric.Int64UpDownCounter
	TaskDuration      metric.Float64Histogram
	Retries           metric.Int64Counter
	SupervisorRetries metric.Int64Counter
	TerminalFailures  metric.Int64Counter
}

// InitMetrics installs a global meter provider backed by an OTLP/gRPC
// exporter and returns both the shutdown function and the common
// instruments, pre-registered.
func InitMetrics(ctx context.Context, service string) (ShutdownFunc, Metrics) {
	res, _ := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
		attribute.String("service", service),
	))

	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT")
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		endpoint = "localhost:4317"
	}

	ctxInit, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	exp, err := otlpmetricgrpc.New(ctxInit,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		slog.Warn("otel metrics exporter init failed, metrics disabled", "error", err)
		return func(context.Context) error { return nil }, newInstruments()
	}

	reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)
	slog.Info("otel metrics initialized", "endpoint", endpoint)
	return mp.Shutdown, newInstruments()
}

func newInstruments() Metrics {
	meter := otel.Meter("orchestrator")
	queueDepth, _ := meter.Int64UpDownCounter("orchestrator_queue_depth")
	running, _ := meter.Int64UpDownCounter("orchestrator_running_tasks")
	duration, _ := meter.Float64Histogram("orchestrator_task_duration_ms")
	retries, _ := meter.Int64Counter("orchestrator_retries_total")
	supervisorRetries, _ := meter.Int64Counter("orchestrator_supervisor_retries_total")
	terminalFailures, _ := meter.Int64Counter("orchestrator_terminal_failures_total")
	return Metrics{
		QueueDepth:        queueDepth,
		RunningTasks:      running,
		TaskDuration:      duration,
		Retries:           retries,
		SupervisorRetries: supervisorRetries,
		TerminalFailures:  terminalFailures,
	}
}
