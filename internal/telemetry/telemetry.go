package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const otlpExportInterval = 30 * time.Second

// Telemetry holds all telemetry instruments and providers.
type Telemetry struct {
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	meter          metric.Meter
	exporter       *prometheus.Exporter

	// Acquisition metrics
	acquisitionsTotal   metric.Int64Counter
	acquisitionsActive  metric.Int64UpDownCounter
	acquisitionDuration metric.Float64Histogram
	attemptsTotal       metric.Int64Counter
	attemptDuration     metric.Float64Histogram
	backoffSeconds      metric.Float64Histogram

	// Identity metrics
	identityOutcomes   metric.Int64Counter
	identityExclusions metric.Int64Counter

	// Storage metrics
	dbOperationsTotal   metric.Int64Counter
	dbOperationDuration metric.Float64Histogram
}

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	// OTLPEndpoint, when set, adds a periodic OTLP/gRPC metric reader next to
	// the Prometheus one.
	OTLPEndpoint string
}

// New creates a new telemetry instance. A disabled configuration yields an
// instance whose recorders are no-ops.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	opts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	}

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp metric exporter: %w", err)
		}

		opts = append(opts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(otlpExporter, sdkmetric.WithInterval(otlpExportInterval)),
		))
	}

	meterProvider := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(meterProvider)

	// Spans are not exported; the provider exists so that spans carry valid
	// IDs for log correlation.
	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	otel.SetTracerProvider(tracerProvider)

	t := &Telemetry{
		meterProvider:  meterProvider,
		tracerProvider: tracerProvider,
		tracer:         tracerProvider.Tracer(cfg.ServiceName),
		meter:          meterProvider.Meter(cfg.ServiceName),
		exporter:       exporter,
	}

	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	if err := runtime.Start(runtime.WithMeterProvider(meterProvider)); err != nil {
		return nil, fmt.Errorf("failed to start runtime instrumentation: %w", err)
	}

	return t, nil
}

// Tracer returns the OpenTelemetry tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracer
}

// RecordAcquisition records the outcome of a whole acquisition.
func (t *Telemetry) RecordAcquisition(status, errorKind string, attempts int, duration time.Duration) {
	if t == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("status", status),
		attribute.String("error_kind", errorKind),
	)

	if t.acquisitionsTotal != nil {
		t.acquisitionsTotal.Add(context.Background(), 1, attrs)
	}

	if t.acquisitionDuration != nil {
		t.acquisitionDuration.Record(context.Background(), duration.Seconds(), attrs)
	}
}

// IncrementActiveAcquisitions increments the in-flight acquisitions counter.
func (t *Telemetry) IncrementActiveAcquisitions() {
	if t != nil && t.acquisitionsActive != nil {
		t.acquisitionsActive.Add(context.Background(), 1)
	}
}

// DecrementActiveAcquisitions decrements the in-flight acquisitions counter.
func (t *Telemetry) DecrementActiveAcquisitions() {
	if t != nil && t.acquisitionsActive != nil {
		t.acquisitionsActive.Add(context.Background(), -1)
	}
}

// RecordAttempt records a single strategy attempt.
func (t *Telemetry) RecordAttempt(strategy, outcome, errorKind string, duration time.Duration) {
	if t == nil {
		return
	}

	if t.attemptsTotal != nil {
		t.attemptsTotal.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("strategy", strategy),
				attribute.String("outcome", outcome),
				attribute.String("error_kind", errorKind),
			),
		)
	}

	if t.attemptDuration != nil {
		t.attemptDuration.Record(context.Background(), duration.Seconds(),
			metric.WithAttributes(
				attribute.String("strategy", strategy),
				attribute.String("outcome", outcome),
			),
		)
	}
}

// RecordBackoff records a delay taken before retrying a strategy.
func (t *Telemetry) RecordBackoff(strategy string, delay time.Duration) {
	if t != nil && t.backoffSeconds != nil {
		t.backoffSeconds.Record(context.Background(), delay.Seconds(),
			metric.WithAttributes(attribute.String("strategy", strategy)),
		)
	}
}

// RecordIdentityOutcome records a success or failure reported to the pool.
// Identity names are deliberately not attributes.
func (t *Telemetry) RecordIdentityOutcome(outcome string) {
	if t != nil && t.identityOutcomes != nil {
		t.identityOutcomes.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("outcome", outcome)),
		)
	}
}

// RecordIdentityExclusion records an identity reaching the failure threshold.
func (t *Telemetry) RecordIdentityExclusion() {
	if t != nil && t.identityExclusions != nil {
		t.identityExclusions.Add(context.Background(), 1)
	}
}

// RecordDBOperation records database operation metrics.
func (t *Telemetry) RecordDBOperation(operation, status string, duration time.Duration) {
	if t == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	)

	if t.dbOperationsTotal != nil {
		t.dbOperationsTotal.Add(context.Background(), 1, attrs)
	}

	if t.dbOperationDuration != nil {
		t.dbOperationDuration.Record(context.Background(), duration.Seconds(), attrs)
	}
}

// Handler returns the Prometheus scrape handler for an embedding host to
// mount. The acquirer itself never listens.
func (t *Telemetry) Handler() http.Handler {
	if t == nil || t.exporter == nil {
		return http.NotFoundHandler()
	}

	return promhttp.Handler()
}

// Shutdown flushes and stops the providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}

	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown tracer provider: %w", err)
		}
	}

	if t.meterProvider != nil {
		if err := t.meterProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown meter provider: %w", err)
		}
	}

	return nil
}

func (t *Telemetry) initializeMetrics() error {
	if err := t.initializeAcquisitionMetrics(); err != nil {
		return err
	}

	if err := t.initializeIdentityMetrics(); err != nil {
		return err
	}

	return t.initializeStorageMetrics()
}

func (t *Telemetry) initializeAcquisitionMetrics() error {
	var err error

	t.acquisitionsTotal, err = t.meter.Int64Counter(
		"acquisitions_total",
		metric.WithDescription("Total number of finished acquisitions"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create acquisitions_total counter: %w", err)
	}

	t.acquisitionsActive, err = t.meter.Int64UpDownCounter(
		"acquisitions_active",
		metric.WithDescription("Number of acquisitions in progress"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create acquisitions_active counter: %w", err)
	}

	t.acquisitionDuration, err = t.meter.Float64Histogram(
		"acquisition_duration_seconds",
		metric.WithDescription("Acquisition duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create acquisition_duration histogram: %w", err)
	}

	t.attemptsTotal, err = t.meter.Int64Counter(
		"acquisition_attempts_total",
		metric.WithDescription("Total number of strategy attempts"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create acquisition_attempts_total counter: %w", err)
	}

	t.attemptDuration, err = t.meter.Float64Histogram(
		"acquisition_attempt_duration_seconds",
		metric.WithDescription("Strategy attempt duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create acquisition_attempt_duration histogram: %w", err)
	}

	t.backoffSeconds, err = t.meter.Float64Histogram(
		"acquisition_backoff_seconds",
		metric.WithDescription("Delay taken before retrying a strategy"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create acquisition_backoff histogram: %w", err)
	}

	return nil
}

func (t *Telemetry) initializeIdentityMetrics() error {
	var err error

	t.identityOutcomes, err = t.meter.Int64Counter(
		"identity_outcomes_total",
		metric.WithDescription("Successes and failures reported against identities"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create identity_outcomes_total counter: %w", err)
	}

	t.identityExclusions, err = t.meter.Int64Counter(
		"identity_exclusions_total",
		metric.WithDescription("Identities excluded after reaching the failure threshold"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create identity_exclusions_total counter: %w", err)
	}

	return nil
}

func (t *Telemetry) initializeStorageMetrics() error {
	var err error

	t.dbOperationsTotal, err = t.meter.Int64Counter(
		"db_operations_total",
		metric.WithDescription("Total number of database operations"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create db_operations_total counter: %w", err)
	}

	t.dbOperationDuration, err = t.meter.Float64Histogram(
		"db_operation_duration_seconds",
		metric.WithDescription("Database operation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create db_operation_duration histogram: %w", err)
	}

	return nil
}
