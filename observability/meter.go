package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/kbukum/flowkit/logger"
)

// MeterConfig configures the OpenTelemetry meter provider.
type MeterConfig struct {
	// ServiceName is the name of the service.
	ServiceName string
	// ServiceVersion is the version of the service.
	ServiceVersion string
	// Environment is the deployment environment (dev, staging, prod).
	Environment string
	// Endpoint is the OTLP HTTP endpoint host:port (e.g., "localhost:4318").
	Endpoint string
	// Insecure allows insecure connections (for development).
	Insecure bool
	// Interval is the metric export interval.
	Interval time.Duration
}

// DefaultMeterConfig returns sensible defaults for development.
func DefaultMeterConfig(serviceName string) *MeterConfig {
	return &MeterConfig{
		ServiceName:    serviceName,
		ServiceVersion: "1.0.0",
		Environment:    "development",
		Endpoint:       "localhost:4318",
		Insecure:       true,
		Interval:       15 * time.Second,
	}
}

// InitMeter initializes the OpenTelemetry meter provider.
// Returns a MeterProvider that should be shut down on application exit.
func InitMeter(ctx context.Context, config *MeterConfig) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetrichttp.Option{
		otlpmetrichttp.WithEndpoint(config.Endpoint),
	}
	if config.Insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}

	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating metric exporter: %w", err)
	}

	res, err := newResource(config.ServiceName, config.ServiceVersion, config.Environment)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	readerOpts := []sdkmetric.PeriodicReaderOption{}
	if config.Interval > 0 {
		readerOpts = append(readerOpts, sdkmetric.WithInterval(config.Interval))
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, readerOpts...)),
		sdkmetric.WithResource(res),
	)

	otel.SetMeterProvider(mp)

	logger.Info("meter initialized", logger.Fields(
		"service", config.ServiceName,
		"endpoint", config.Endpoint,
		"interval", config.Interval.String(),
	))

	return mp, nil
}

// Meter returns a named meter from the global provider.
func Meter(name string) metric.Meter {
	return otel.Meter(name)
}

// Metrics holds the scheduler's metric instruments. All recording methods
// tolerate a nil receiver so callers need no guards.
type Metrics struct {
	requestTotal    metric.Int64Counter
	requestDuration metric.Float64Histogram
	requestActive   metric.Int64UpDownCounter

	runsCreated        metric.Int64Counter
	runsFinished       metric.Int64Counter
	instancesDispatched metric.Int64Counter
	instancesFinished  metric.Int64Counter
	tickDuration       metric.Float64Histogram
	errorTotal         metric.Int64Counter
}

// NewMetrics creates metric instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	requestTotal, err := meter.Int64Counter("request.total",
		metric.WithDescription("Total number of API requests"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating request.total counter: %w", err)
	}

	requestDuration, err := meter.Float64Histogram("request.duration",
		metric.WithDescription("Duration of API requests in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating request.duration histogram: %w", err)
	}

	requestActive, err := meter.Int64UpDownCounter("request.active",
		metric.WithDescription("Number of currently active API requests"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating request.active gauge: %w", err)
	}

	runsCreated, err := meter.Int64Counter("runs.created",
		metric.WithDescription("Total DAG runs created"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating runs.created counter: %w", err)
	}

	runsFinished, err := meter.Int64Counter("runs.finished",
		metric.WithDescription("Total DAG runs reaching a terminal state"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating runs.finished counter: %w", err)
	}

	instancesDispatched, err := meter.Int64Counter("instances.dispatched",
		metric.WithDescription("Total task instances handed to the backend"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating instances.dispatched counter: %w", err)
	}

	instancesFinished, err := meter.Int64Counter("instances.finished",
		metric.WithDescription("Total task instances reaching a terminal state"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating instances.finished counter: %w", err)
	}

	tickDuration, err := meter.Float64Histogram("scheduler.tick.duration",
		metric.WithDescription("Duration of scheduler ticks in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating scheduler.tick.duration histogram: %w", err)
	}

	errorTotal, err := meter.Int64Counter("error.total",
		metric.WithDescription("Total errors by type and component"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating error.total counter: %w", err)
	}

	return &Metrics{
		requestTotal:        requestTotal,
		requestDuration:     requestDuration,
		requestActive:       requestActive,
		runsCreated:         runsCreated,
		runsFinished:        runsFinished,
		instancesDispatched: instancesDispatched,
		instancesFinished:   instancesFinished,
		tickDuration:        tickDuration,
		errorTotal:          errorTotal,
	}, nil
}

// RecordRequestStart increments the active request count.
func (m *Metrics) RecordRequestStart(ctx context.Context) {
	if m == nil {
		return
	}
	m.requestActive.Add(ctx, 1)
}

// RecordRequestEnd decrements active requests and records the completed request.
func (m *Metrics) RecordRequestEnd(ctx context.Context, service, method, status string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("service", service),
		attribute.String("method", method),
		attribute.String("status", status),
	)
	m.requestActive.Add(ctx, -1)
	m.requestTotal.Add(ctx, 1, attrs)
	m.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("service", service),
		attribute.String("method", method),
	))
}

// RecordRunCreated records a new DAG run.
func (m *Metrics) RecordRunCreated(ctx context.Context, dagID, runType string) {
	if m == nil {
		return
	}
	m.runsCreated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("dag_id", dagID),
		attribute.String("run_type", runType),
	))
}

// RecordRunFinished records a DAG run reaching a terminal state.
func (m *Metrics) RecordRunFinished(ctx context.Context, dagID, state string) {
	if m == nil {
		return
	}
	m.runsFinished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("dag_id", dagID),
		attribute.String("state", state),
	))
}

// RecordDispatch records a task instance handed to the backend.
func (m *Metrics) RecordDispatch(ctx context.Context, dagID, taskID, pool string) {
	if m == nil {
		return
	}
	m.instancesDispatched.Add(ctx, 1, metric.WithAttributes(
		attribute.String("dag_id", dagID),
		attribute.String("task_id", taskID),
		attribute.String("pool", pool),
	))
}

// RecordInstanceFinished records a task instance reaching a terminal state.
func (m *Metrics) RecordInstanceFinished(ctx context.Context, dagID, state string) {
	if m == nil {
		return
	}
	m.instancesFinished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("dag_id", dagID),
		attribute.String("state", state),
	))
}

// RecordTick records one scheduler tick.
func (m *Metrics) RecordTick(ctx context.Context, duration time.Duration) {
	if m == nil {
		return
	}
	m.tickDuration.Record(ctx, duration.Seconds())
}

// RecordError records an error by type and component.
func (m *Metrics) RecordError(ctx context.Context, errType, component string) {
	if m == nil {
		return
	}
	m.errorTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", errType),
		attribute.String("component", component),
	))
}
