package telemetry

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/draftsync/pkg/engine"
)

// Telemetry provides a unified telemetry interface combining logging, tracing, metrics, and events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// telemetryContextKey is the context key for telemetry instances.
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

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// WithContext adds the telemetry instance to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	ctx = t.Logger.WithContext(ctx)
	return ctx
}

// FromTelemetryContext retrieves the telemetry instance from the context.
// If no telemetry is found, it returns nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// SessionOptions returns the engine options that route a session's events,
// sync outcomes and logs into this telemetry instance.
func (t *Telemetry) SessionOptions() []engine.SessionOption {
	return []engine.SessionOption{
		engine.WithEventPublisher(t.Events),
		engine.WithSyncObserver(t.Metrics),
		engine.WithLogger(t.Logger.NewComponentLogger("engine").Zerolog()),
	}
}

// Shutdown gracefully shuts down all telemetry components.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	// Shutdown in reverse order of initialization
	if err := t.Events.Shutdown(ctx); err != nil {
		return err
	}

	if err := t.Tracer.Shutdown(ctx); err != nil {
		return err
	}

	return nil
}

// Flush forces all pending telemetry data to be exported.
func (t *Telemetry) Flush(ctx context.Context) error {
	return t.Tracer.ForceFlush(ctx)
}

// StartMetricsServer starts the metrics HTTP server if metrics are enabled.
// The returned server is nil when metrics are disabled.
func (t *Telemetry) StartMetricsServer() (*http.Server, error) {
	return t.Metrics.StartMetricsServer()
}

// InstrumentedContext creates a context with telemetry, logger fields, and a trace span.
type InstrumentedContext struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Timer  *Timer
}

// StartOperation begins an instrumented operation with logging, tracing, and timing.
func StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) *InstrumentedContext {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return &InstrumentedContext{
			Ctx:    ctx,
			Span:   SpanFromContext(ctx),
			Logger: FromContext(ctx),
			Timer:  NewTimer(),
		}
	}

	spanCtx, span := tel.Tracer.StartSpan(ctx, operation, attrs...)
	return newInstrumentedContext(tel, spanCtx, span, tel.Logger.WithField("operation", operation))
}

// StartSessionOperation begins an instrumented operation against an editing session.
func StartSessionOperation(ctx context.Context, sessionID, operation string) *InstrumentedContext {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return &InstrumentedContext{
			Ctx:    ctx,
			Span:   SpanFromContext(ctx),
			Logger: FromContext(ctx).WithSessionID(sessionID),
			Timer:  NewTimer(),
		}
	}

	spanCtx, span := tel.Tracer.StartSessionSpan(ctx, sessionID, operation)
	logger := tel.Logger.WithSessionID(sessionID).WithField("operation", operation)
	return newInstrumentedContext(tel, spanCtx, span, logger)
}

func newInstrumentedContext(tel *Telemetry, ctx context.Context, span trace.Span, logger *Logger) *InstrumentedContext {
	if traceID := TraceID(ctx); traceID != "" {
		logger = logger.WithFields(map[string]interface{}{
			"trace_id": traceID,
			"span_id":  SpanID(ctx),
		})
	}

	return &InstrumentedContext{
		Ctx:    logger.WithContext(ctx),
		Span:   span,
		Logger: logger,
		Timer:  NewTimer(),
	}
}

// End finishes the instrumented operation, recording success or failure.
func (ic *InstrumentedContext) End(err error) {
	if ic.Logger != nil && ic.Timer != nil {
		ic.Logger.Debug().Dur("elapsed", ic.Timer.Duration()).Bool("ok", err == nil).Msg("operation finished")
	}
	if ic.Span == nil {
		return
	}
	if err != nil {
		if class := engine.ClassOf(err); class != "" {
			SetAttributes(ic.Span, AttrErrorClass.String(string(class)))
		}
		RecordError(ic.Span, err)
	} else {
		RecordSuccess(ic.Span)
	}
	ic.Span.End()
}
