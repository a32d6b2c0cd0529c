package telemetry

import (
	"fmt"
	"time"
)

// Config selects what the control plane logs, traces, measures and
// publishes.
type Config struct {
	// ServiceName and ServiceVersion identify the process in traces.
	ServiceName    string
	ServiceVersion string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error, fatal.
	Level string

	// Format is console or json.
	Format string

	// Output is stdout, stderr or a file path.
	Output string

	// EnableCaller adds file:line to every entry.
	EnableCaller bool
}

// TracingConfig configures the OpenTelemetry exporter of flow spans.
type TracingConfig struct {
	Enabled bool

	// Exporter is otlp, stdout or none. none still creates spans.
	Exporter string

	// Endpoint is the OTLP gRPC collector address, e.g. "localhost:4317".
	Endpoint string

	// Insecure disables TLS towards the collector.
	Insecure bool

	// SamplingRate is the ratio of root spans kept, between 0 and 1.
	SamplingRate float64

	// ExportTimeout bounds one export batch.
	ExportTimeout time.Duration
}

// MetricsConfig configures the Prometheus registry and endpoint.
type MetricsConfig struct {
	Enabled bool

	// ListenAddress and Path locate the scrape endpoint.
	ListenAddress string
	Path          string

	// Namespace prefixes every metric name.
	Namespace string

	// DefaultHistogramBuckets are the duration buckets in seconds.
	DefaultHistogramBuckets []float64
}

// EventsConfig configures the flow event bus.
type EventsConfig struct {
	Enabled bool

	// BufferSize is the queue length of an async bus. Must be positive.
	BufferSize int

	// EnableAsync delivers events from a background goroutine.
	EnableAsync bool

	// Persist writes every flow event to the store.
	Persist bool
}

// DefaultConfig returns the configuration used when nothing is configured.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "surogate-studio",
		ServiceVersion: "dev",
		Logging: LoggingConfig{
			Level:        "info",
			Format:       "console",
			Output:       "stdout",
			EnableCaller: true,
		},
		Tracing: TracingConfig{
			Exporter:      "stdout",
			Insecure:      true,
			SamplingRate:  1.0,
			ExportTimeout: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:       true,
			ListenAddress: ":9090",
			Path:          "/metrics",
			Namespace:     "studio",
			// Steps take milliseconds, whole flows up to the create deadline.
			DefaultHistogramBuckets: []float64{
				0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0, 180.0, 600.0,
			},
		},
		Events: EventsConfig{
			Enabled:     true,
			BufferSize:  1000,
			EnableAsync: true,
			Persist:     true,
		},
	}
}

var (
	logLevels      = []string{"trace", "debug", "info", "warn", "error", "fatal"}
	logFormats     = []string{"console", "json"}
	traceExporters = []string{"otlp", "stdout", "none"}
)

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.ServiceName == "" || c.ServiceVersion == "" {
		return fmt.Errorf("service name and version are required")
	}
	if !oneOf(c.Logging.Level, logLevels) {
		return fmt.Errorf("invalid log level %q, must be one of %v", c.Logging.Level, logLevels)
	}
	if !oneOf(c.Logging.Format, logFormats) {
		return fmt.Errorf("invalid log format %q, must be one of %v", c.Logging.Format, logFormats)
	}

	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("trace sampling rate must be between 0 and 1, got %v", c.Tracing.SamplingRate)
	}
	if c.Tracing.Enabled {
		if !oneOf(c.Tracing.Exporter, traceExporters) {
			return fmt.Errorf("invalid trace exporter %q, must be one of %v", c.Tracing.Exporter, traceExporters)
		}
		if c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "" {
			return fmt.Errorf("otlp exporter requires an endpoint")
		}
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddress == "" {
		return fmt.Errorf("metrics listen address is required when metrics are enabled")
	}
	if c.Events.Enabled && c.Events.BufferSize <= 0 {
		return fmt.Errorf("event buffer size must be positive, got %d", c.Events.BufferSize)
	}
	return nil
}

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
