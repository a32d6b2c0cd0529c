package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/invergent-ai/surogate-studio-sub001/pkg/engine"
	"github.com/invergent-ai/surogate-studio-sub001/pkg/policy"
	"github.com/invergent-ai/surogate-studio-sub001/pkg/telemetry"
)

// Duration is a time.Duration that reads and writes as a string such as "30s".
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		*d = Duration(time.Duration(val))
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration: %s", string(data))
	}
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the control-plane configuration.
type Config struct {
	// Database configures the SQLite store.
	Database DatabaseConfig `json:"database" yaml:"database"`

	// Engine tunes the provisioning flows.
	Engine EngineConfig `json:"engine" yaml:"engine"`

	// Kube tunes the Kubernetes clients.
	Kube KubeConfig `json:"kube" yaml:"kube"`

	// Ingress configures the generated Traefik routes.
	Ingress IngressConfig `json:"ingress" yaml:"ingress"`

	// Policy configures admission policies.
	Policy PolicyConfig `json:"policy" yaml:"policy"`

	// Telemetry configures logging, metrics and tracing.
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`

	// Hostname optionally computes public hostnames with a Starlark script.
	Hostname HostnameConfig `json:"hostname" yaml:"hostname"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	Path         string `json:"path" yaml:"path" validate:"required"`
	MaxOpenConns int    `json:"max_open_conns" yaml:"max_open_conns" validate:"gte=0"`
}

// StepOverride overrides the retry policy of one step. Zero fields keep the default.
type StepOverride struct {
	Attempts int      `json:"attempts,omitempty" yaml:"attempts,omitempty" validate:"gte=0"`
	Delay    Duration `json:"delay,omitempty" yaml:"delay,omitempty"`
	Timeout  Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// EngineConfig tunes the provisioning flows.
type EngineConfig struct {
	StepAttempts    int                     `json:"step_attempts" yaml:"step_attempts" validate:"gte=1"`
	StepDelay       Duration                `json:"step_delay" yaml:"step_delay" validate:"gte=0"`
	StepTimeout     Duration                `json:"step_timeout" yaml:"step_timeout" validate:"gt=0"`
	CreateDeadline  Duration                `json:"create_deadline" yaml:"create_deadline" validate:"gt=0"`
	DeleteDeadline  Duration                `json:"delete_deadline" yaml:"delete_deadline" validate:"gt=0"`
	RollbackTimeout Duration                `json:"rollback_timeout" yaml:"rollback_timeout" validate:"gt=0"`
	Parallelism     int                     `json:"parallelism" yaml:"parallelism" validate:"gte=1"`
	Steps           map[string]StepOverride `json:"steps,omitempty" yaml:"steps,omitempty" validate:"dive"`
}

// KubeConfig tunes the Kubernetes clients.
type KubeConfig struct {
	QPS          float32  `json:"qps" yaml:"qps" validate:"gte=0"`
	Burst        int      `json:"burst" yaml:"burst" validate:"gte=0"`
	PollInterval Duration `json:"poll_interval" yaml:"poll_interval" validate:"gt=0"`
}

// IngressConfig configures the generated Traefik routes.
type IngressConfig struct {
	EntryPoint          string `json:"entry_point" yaml:"entry_point" validate:"required"`
	CertResolver        string `json:"cert_resolver" yaml:"cert_resolver"`
	ControllerNamespace string `json:"controller_namespace" yaml:"controller_namespace"`
}

// PolicyConfig configures admission policies.
type PolicyConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Dir holds additional .rego files; built-in policies always apply.
	Dir string `json:"dir" yaml:"dir"`

	// Watch reloads Dir when it changes.
	Watch bool `json:"watch" yaml:"watch"`

	// MaxReplicas, MaxGPUs and AllowedRegistries are exposed to policies.
	MaxReplicas       int      `json:"max_replicas" yaml:"max_replicas" validate:"gte=1"`
	MaxGPUs           int      `json:"max_gpus" yaml:"max_gpus" validate:"gte=0"`
	AllowedRegistries []string `json:"allowed_registries" yaml:"allowed_registries"`
}

// TelemetryConfig configures logging, metrics and tracing.
type TelemetryConfig struct {
	LogLevel        string `json:"log_level" yaml:"log_level" validate:"oneof=trace debug info warn error fatal"`
	LogFormat       string `json:"log_format" yaml:"log_format" validate:"oneof=console json"`
	MetricsEnabled  bool   `json:"metrics_enabled" yaml:"metrics_enabled"`
	MetricsAddress  string `json:"metrics_address" yaml:"metrics_address" validate:"required_if=MetricsEnabled true"`
	TracingExporter string `json:"tracing_exporter" yaml:"tracing_exporter" validate:"oneof=none stdout otlp"`
	TracingEndpoint string `json:"tracing_endpoint" yaml:"tracing_endpoint" validate:"required_if=TracingExporter otlp"`
}

// HostnameConfig selects the hostname script. Script wins over ScriptFile.
type HostnameConfig struct {
	Script     string `json:"script,omitempty" yaml:"script,omitempty"`
	ScriptFile string `json:"script_file,omitempty" yaml:"script_file,omitempty"`
}

// ToFlowConfig converts the engine section to the flow tuning. Step
// overrides apply on top of the built-in per-step policies.
func (c EngineConfig) ToFlowConfig() (engine.FlowConfig, error) {
	fc := engine.FlowConfig{
		DefaultStep: engine.StepPolicy{
			MaxAttempts: c.StepAttempts,
			Delay:       c.StepDelay.Std(),
			Timeout:     c.StepTimeout.Std(),
		},
		Steps:           engine.DefaultFlowConfig().Steps,
		CreateDeadline:  c.CreateDeadline.Std(),
		DeleteDeadline:  c.DeleteDeadline.Std(),
		RollbackTimeout: c.RollbackTimeout.Std(),
	}
	for name, o := range c.Steps {
		step := engine.Step(name)
		p, ok := fc.Steps[step]
		if !ok {
			p = fc.DefaultStep
		}
		if o.Attempts > 0 {
			p.MaxAttempts = o.Attempts
		}
		if o.Delay > 0 {
			p.Delay = o.Delay.Std()
		}
		if o.Timeout > 0 {
			p.Timeout = o.Timeout.Std()
		}
		fc.Steps[step] = p
	}
	if err := fc.Validate(); err != nil {
		return engine.FlowConfig{}, fmt.Errorf("invalid engine configuration: %w", err)
	}
	return fc, nil
}

// Settings returns the values exposed to admission policies.
func (c PolicyConfig) Settings() policy.Settings {
	return policy.Settings{
		MaxReplicas:       c.MaxReplicas,
		MaxGPUs:           c.MaxGPUs,
		AllowedRegistries: c.AllowedRegistries,
	}
}

// ToTelemetryConfig expands the telemetry section. Flow events are always
// published and persisted.
func (c TelemetryConfig) ToTelemetryConfig(version string) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	if version != "" {
		cfg.ServiceVersion = version
	}
	cfg.Logging.Level = c.LogLevel
	cfg.Logging.Format = c.LogFormat
	cfg.Logging.Output = "stderr"
	cfg.Logging.EnableCaller = false
	cfg.Metrics.Enabled = c.MetricsEnabled
	cfg.Metrics.ListenAddress = c.MetricsAddress
	cfg.Tracing.Enabled = c.TracingExporter != "none"
	cfg.Tracing.Exporter = c.TracingExporter
	cfg.Tracing.Endpoint = c.TracingEndpoint
	return cfg
}

// ResourceManifest is the file format of a resource registration.
type ResourceManifest struct {
	// ID is optional; one is generated when empty.
	ID string `json:"id,omitempty" yaml:"id,omitempty"`

	Name string `json:"name" yaml:"name" validate:"required"`

	Kind engine.ResourceKind `json:"kind" yaml:"kind" validate:"required,oneof=application database batch_job task_run"`

	// Project is the ID of the owning project.
	Project string `json:"project" yaml:"project" validate:"required"`

	Namespace    string                 `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	KeepVolumes  bool                   `json:"keep_volumes,omitempty" yaml:"keep_volumes,omitempty"`
	Labels       map[string]string      `json:"labels,omitempty" yaml:"labels,omitempty"`
	ReadyTimeout Duration               `json:"ready_timeout,omitempty" yaml:"ready_timeout,omitempty"`
	Placement    *engine.PlacementHints `json:"placement,omitempty" yaml:"placement,omitempty"`

	Spec engine.WorkloadSpec `json:"spec" yaml:"spec"`
}

// ToResource builds the resource described by the manifest.
func (m *ResourceManifest) ToResource(project *engine.Project) *engine.Resource {
	spec := m.Spec
	spec.ReadyTimeout = m.ReadyTimeout.Std()
	return &engine.Resource{
		ID:                m.ID,
		Name:              m.Name,
		Kind:              m.Kind,
		Project:           project,
		DeployedNamespace: m.Namespace,
		KeepVolumes:       m.KeepVolumes,
		Labels:            m.Labels,
		Spec:              spec,
		Status:            engine.ResourceStatusUnknown,
	}
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	// File is the source file where the error occurred.
	File string `json:"file,omitempty"`

	// Line is the line number where the error occurred.
	Line int `json:"line,omitempty"`

	// Column is the column number where the error occurred.
	Column int `json:"column,omitempty"`

	// Path is the configuration path (e.g., "engine.step_attempts").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	loc := e.File
	if e.Line > 0 {
		loc = fmt.Sprintf("%s:%d:%d", e.File, e.Line, e.Column)
	}
	switch {
	case loc != "" && e.Path != "":
		return fmt.Sprintf("%s: %s: %s", loc, e.Path, e.Message)
	case loc != "":
		return fmt.Sprintf("%s: %s", loc, e.Message)
	case e.Path != "":
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	default:
		return e.Message
	}
}

// ValidationErrors is a list of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (errs ValidationErrors) Error() string {
	if len(errs) == 1 {
		return errs[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(errs))
	for _, e := range errs {
		msg += "\n  " + e.Error()
	}
	return msg
}

// StarlarkResult represents the result of Starlark execution.
type StarlarkResult struct {
	// Output is the output data from Starlark.
	Output map[string]interface{} `json:"output,omitempty"`

	// ExecutionTime is how long the script took to execute.
	ExecutionTime time.Duration `json:"execution_time"`

	// Error is any error that occurred.
	Error string `json:"error,omitempty"`
}
