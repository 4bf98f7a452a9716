package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attributes must stay low cardinality: strategy names, outcomes and
// error kinds are fine; URLs, destination paths and identity names belong in
// logs, never in attributes.

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

// InstrumentOperation wraps fn in a span named operationName.
func (t *Telemetry) InstrumentOperation(ctx context.Context, operationName, component string, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	start := time.Now()
	ctx, span := t.tracer.Start(ctx, operationName)

	defer span.End()

	span.SetAttributes(
		attribute.String("component", component),
		attribute.String("operation", operationName),
	)

	err := fn(ctx)

	status := "success"
	if err != nil {
		status = "error"

		span.SetAttributes(attribute.Bool("error", true))
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		attribute.String("status", status),
		attribute.Float64("duration_seconds", time.Since(start).Seconds()),
	)

	return err
}

// InstrumentDBOperation instruments database operations.
func (t *Telemetry) InstrumentDBOperation(ctx context.Context, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()
	err := t.InstrumentOperation(ctx, "db_"+operation, "database", fn)

	status := "success"
	if err != nil {
		status = "error"
	}

	t.RecordDBOperation(operation, status, time.Since(start))

	return err
}

// StartAcquisition opens the root span of an acquisition and marks it
// active. The returned func ends both.
func (t *Telemetry) StartAcquisition(ctx context.Context) (context.Context, func()) {
	if t == nil || t.tracer == nil {
		return ctx, func() {}
	}

	t.IncrementActiveAcquisitions()

	ctx, span := t.tracer.Start(ctx, "acquire", trace.WithAttributes(attribute.String("component", "orchestrator")))

	return ctx, func() {
		span.End()
		t.DecrementActiveAcquisitions()
	}
}

// InstrumentAttempt wraps a single strategy attempt in a span. The outcome
// metric is recorded by the caller once the failure is classified.
func (t *Telemetry) InstrumentAttempt(ctx context.Context, strategy string, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	return t.InstrumentOperation(ctx, "attempt_"+strategy, "strategy", func(ctx context.Context) error {
		trace.SpanFromContext(ctx).SetAttributes(attribute.String("strategy", strategy))

		return fn(ctx)
	})
}
