package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/invergent-ai/surogate-studio-sub001/pkg/engine"
)

// Metrics provides Prometheus metrics for provisioning flows.
// A disabled Metrics accepts every call and records nothing.
type Metrics struct {
	config MetricsConfig

	// Flow metrics
	flowsStarted   *prometheus.CounterVec
	flowsCompleted *prometheus.CounterVec
	flowDuration   *prometheus.HistogramVec
	activeFlows    prometheus.Gauge

	// Step metrics
	stepAttempts *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	stepRetries  *prometheus.CounterVec

	// Rollback metrics
	rollbackSteps *prometheus.CounterVec

	// Resource metrics
	resourcesManaged *prometheus.GaugeVec

	// Policy metrics
	policyDenials *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		flowsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "flows_started_total",
				Help:      "Total number of create and delete flows started",
			},
			[]string{"operation", "kind"},
		),
		flowsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "flows_completed_total",
				Help:      "Total number of flows completed",
			},
			[]string{"operation", "kind", "status"},
		),
		flowDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "flow_duration_seconds",
				Help:      "Duration of flows in seconds",
				Buckets:   buckets,
			},
			[]string{"operation", "kind", "status"},
		),
		activeFlows: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_flows",
				Help:      "Current number of running flows",
			},
		),

		stepAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_attempts_total",
				Help:      "Total number of step attempts",
			},
			[]string{"step", "status"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_attempt_duration_seconds",
				Help:      "Duration of step attempts in seconds",
				Buckets:   buckets,
			},
			[]string{"step"},
		),
		stepRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_retries_total",
				Help:      "Total number of step retries",
			},
			[]string{"step"},
		),

		rollbackSteps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollback_steps_total",
				Help:      "Total number of rollback steps by result",
			},
			[]string{"step", "result"},
		),

		resourcesManaged: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "resources_managed",
				Help:      "Current number of managed resources",
			},
			[]string{"kind", "status"},
		),

		policyDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_denials_total",
				Help:      "Total number of resources denied by admission policy",
			},
			[]string{"kind"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.flowsStarted,
		m.flowsCompleted,
		m.flowDuration,
		m.activeFlows,
		m.stepAttempts,
		m.stepDuration,
		m.stepRetries,
		m.rollbackSteps,
		m.resourcesManaged,
		m.policyDenials,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

// Flow Metrics

// RecordFlowStarted increments the counter for started flows.
func (m *Metrics) RecordFlowStarted(operation, kind string) {
	if m.flowsStarted == nil {
		return
	}
	m.flowsStarted.WithLabelValues(operation, kind).Inc()
	m.activeFlows.Inc()
}

// RecordFlowCompleted records a completed flow with its status and duration.
func (m *Metrics) RecordFlowCompleted(operation, kind, status string, duration time.Duration) {
	if m.flowsCompleted == nil {
		return
	}
	m.flowsCompleted.WithLabelValues(operation, kind, status).Inc()
	m.flowDuration.WithLabelValues(operation, kind, status).Observe(duration.Seconds())
	m.activeFlows.Dec()
}

// Step Metrics

// RecordStepAttempt records one attempt of a step.
func (m *Metrics) RecordStepAttempt(step, status string, duration time.Duration) {
	if m.stepAttempts == nil {
		return
	}
	m.stepAttempts.WithLabelValues(step, status).Inc()
	m.stepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// RecordStepRetry records that a step is retried.
func (m *Metrics) RecordStepRetry(step string) {
	if m.stepRetries == nil {
		return
	}
	m.stepRetries.WithLabelValues(step).Inc()
}

// RecordRollbackStep records the rollback of a step.
func (m *Metrics) RecordRollbackStep(step string, failed bool) {
	if m.rollbackSteps == nil {
		return
	}
	result := "ok"
	if failed {
		result = "failed"
	}
	m.rollbackSteps.WithLabelValues(step, result).Inc()
}

// Resource Metrics

// SetResourceCount sets the current count of managed resources.
func (m *Metrics) SetResourceCount(kind, status string, count float64) {
	if m.resourcesManaged == nil {
		return
	}
	m.resourcesManaged.WithLabelValues(kind, status).Set(count)
}

// RecordPolicyDenial records a resource rejected by admission policy.
func (m *Metrics) RecordPolicyDenial(kind string) {
	if m.policyDenials == nil {
		return
	}
	m.policyDenials.WithLabelValues(kind).Inc()
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Registry returns the registry the metrics are registered with, nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() (*http.Server, error) {
	if !m.config.Enabled {
		return nil, nil
	}
	if m.config.ListenAddress == "" {
		return nil, fmt.Errorf("metrics listen address is required")
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return server, nil
}

var _ engine.FlowMetrics = (*Metrics)(nil)
