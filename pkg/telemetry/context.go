package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles logging, tracing, metrics and events for one process.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}
	if cfg.Events.Enabled {
		events.Subscribe(LogSubscriber(logger.NewComponentLogger("events")), nil)
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// WithContext adds the telemetry instance and its logger to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext retrieves the telemetry instance from the context, or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown drains events and flushes spans.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Events.Shutdown(ctx),
		t.Tracer.Shutdown(ctx),
	)
}

// InstrumentedContext carries the span and logger of one operation.
type InstrumentedContext struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger

	operation string
	start     time.Time
}

// StartOperation begins a traced and logged operation using the telemetry in ctx.
func StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) *InstrumentedContext {
	ic := &InstrumentedContext{operation: operation, start: time.Now()}

	tel := FromTelemetryContext(ctx)
	if tel == nil {
		ic.Ctx = ctx
		ic.Span = trace.SpanFromContext(ctx)
		ic.Logger = FromContext(ctx)
		return ic
	}

	ic.Ctx, ic.Span = tel.Tracer.Start(ctx, operation, trace.WithAttributes(attrs...))
	ic.Logger = tel.Logger.WithField("operation", operation)
	if id := TraceID(ic.Ctx); id != "" {
		ic.Logger = ic.Logger.WithField("trace_id", id)
	}
	ic.Ctx = ic.Logger.WithContext(ic.Ctx)
	ic.Logger.Debug("operation started")
	return ic
}

// End finishes the operation, recording err on the span if set.
func (ic *InstrumentedContext) End(err error) {
	elapsed := time.Since(ic.start)
	if err != nil {
		RecordError(ic.Span, err)
		ic.Logger.WithError(err).WithField("duration", elapsed.String()).Error("operation failed")
	} else {
		ic.Logger.WithField("duration", elapsed.String()).Debug("operation completed")
	}
	ic.Span.End()
}
