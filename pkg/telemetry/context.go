package telemetry

import (
	"context"
	"net/http"

	"github.com/invergent-ai/surogate-studio-sub001/pkg/engine"
)

// Telemetry bundles the logger, tracer, metrics and event bus built from
// one Config.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventBus
	Config  *Config
}

// NewTelemetry validates cfg and builds every component.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion)
	if err != nil {
		return nil, err
	}
	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}
	events, err := NewEventBus(cfg.Events)
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

// StartResourceOperation opens the span of a service operation on res and
// attaches a logger carrying the resource identity and trace ID to the
// returned context. end closes the span with the operation's error.
func (t *Telemetry) StartResourceOperation(ctx context.Context, operation string, res *engine.Resource) (_ context.Context, end func(error)) {
	ctx, span := t.Tracer.StartResourceSpan(ctx, operation, res)

	logger := t.Logger.WithResource(res).WithField("operation", operation)
	if id := TraceID(ctx); id != "" {
		logger = logger.WithField("trace_id", id)
	}
	return logger.WithContext(ctx), func(err error) { EndSpan(span, err) }
}

// Shutdown drains the event bus, then flushes and stops the tracer. The
// metrics server is left to its owner.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if err := t.Events.Shutdown(ctx); err != nil {
		return err
	}
	return t.Tracer.Shutdown(ctx)
}

// Flush exports pending spans.
func (t *Telemetry) Flush(ctx context.Context) error {
	return t.Tracer.ForceFlush(ctx)
}

// StartMetricsServer serves the metrics endpoint when metrics are enabled.
func (t *Telemetry) StartMetricsServer() (*http.Server, error) {
	return t.Metrics.StartMetricsServer()
}
