package engine

import (
	"context"
	"time"
)

// StepRequest carries what a step hook needs to act on one resource.
type StepRequest struct {
	// FlowID identifies the invocation the hook runs in.
	FlowID string

	// Resource is the resource being provisioned or torn down.
	Resource *Resource

	// Cluster is the resolved cluster.
	Cluster *Cluster

	// Namespace is the resolved namespace.
	Namespace string
}

// ResourceAdapter is the per-kind capability set the flows drive.
// Implementations embed NoopHooks and override what their kind needs.
type ResourceAdapter interface {
	// Kind returns the resource kind handled by the adapter.
	Kind() ResourceKind

	// GetNamespace returns the deployed namespace if set, else the project's namespace.
	GetNamespace(res *Resource) string

	// SelectCluster picks a cluster ID for a resource whose project has none.
	SelectCluster(ctx context.Context, res *Resource) (string, error)

	// SetCluster returns the cluster the resource runs on, assigning one to
	// the project on first use. Repeated calls return the cached cluster.
	SetCluster(ctx context.Context, res *Resource) (*Cluster, error)

	// SetPublicHostname assigns the resource's externally reachable hostname.
	SetPublicHostname(ctx context.Context, res *Resource) error

	CreateNamespace(ctx context.Context, req StepRequest) (TaskResult[string], error)
	CreateNetworkPolicy(ctx context.Context, req StepRequest) (TaskResult[string], error)
	CreateDockerSecrets(ctx context.Context, req StepRequest) (TaskResult[string], error)
	CreateStorageClasses(ctx context.Context, req StepRequest) (TaskResult[string], error)
	CreateVolumes(ctx context.Context, req StepRequest) (TaskResult[string], error)
	CreateDeployment(ctx context.Context, req StepRequest) (TaskResult[string], error)
	CreateServices(ctx context.Context, req StepRequest) (TaskResult[string], error)
	CreateMiddlewares(ctx context.Context, req StepRequest) (TaskResult[string], error)
	CreateIngress(ctx context.Context, req StepRequest) (TaskResult[string], error)

	DeleteDeployment(ctx context.Context, req StepRequest) error
	DeleteMiddlewares(ctx context.Context, req StepRequest) error
	DeleteIngress(ctx context.Context, req StepRequest) error
	DeleteServices(ctx context.Context, req StepRequest) error
	DeleteVolumes(ctx context.Context, req StepRequest) error
	DeleteStorageClasses(ctx context.Context, req StepRequest) error
	DeleteDockerSecrets(ctx context.Context, req StepRequest) error

	// DeleteOthers removes kind-specific extras not covered by the other hooks.
	DeleteOthers(ctx context.Context, req StepRequest) error
}

// NoopHooks implements every step hook as "nothing to do, succeed".
// Embed it in an adapter to inherit the defaults.
type NoopHooks struct{}

func (NoopHooks) CreateNamespace(context.Context, StepRequest) (TaskResult[string], error) {
	return Success[string](), nil
}

func (NoopHooks) CreateNetworkPolicy(context.Context, StepRequest) (TaskResult[string], error) {
	return Success[string](), nil
}

func (NoopHooks) CreateDockerSecrets(context.Context, StepRequest) (TaskResult[string], error) {
	return Success[string](), nil
}

func (NoopHooks) CreateStorageClasses(context.Context, StepRequest) (TaskResult[string], error) {
	return Success[string](), nil
}

func (NoopHooks) CreateVolumes(context.Context, StepRequest) (TaskResult[string], error) {
	return Success[string](), nil
}

func (NoopHooks) CreateDeployment(context.Context, StepRequest) (TaskResult[string], error) {
	return Success[string](), nil
}

func (NoopHooks) CreateServices(context.Context, StepRequest) (TaskResult[string], error) {
	return Success[string](), nil
}

func (NoopHooks) CreateMiddlewares(context.Context, StepRequest) (TaskResult[string], error) {
	return Success[string](), nil
}

func (NoopHooks) CreateIngress(context.Context, StepRequest) (TaskResult[string], error) {
	return Success[string](), nil
}

func (NoopHooks) DeleteDeployment(context.Context, StepRequest) error { return nil }
func (NoopHooks) DeleteMiddlewares(context.Context, StepRequest) error { return nil }
func (NoopHooks) DeleteIngress(context.Context, StepRequest) error { return nil }
func (NoopHooks) DeleteServices(context.Context, StepRequest) error { return nil }
func (NoopHooks) DeleteVolumes(context.Context, StepRequest) error { return nil }
func (NoopHooks) DeleteStorageClasses(context.Context, StepRequest) error { return nil }
func (NoopHooks) DeleteDockerSecrets(context.Context, StepRequest) error { return nil }
func (NoopHooks) DeleteOthers(context.Context, StepRequest) error { return nil }

// CreateHook returns the adapter's create hook for a step.
func CreateHook(a ResourceAdapter, step Step) func(context.Context, StepRequest) (TaskResult[string], error) {
	switch step {
	case StepNamespace:
		return a.CreateNamespace
	case StepNetworkPolicy:
		return a.CreateNetworkPolicy
	case StepDockerSecrets:
		return a.CreateDockerSecrets
	case StepStorageClasses:
		return a.CreateStorageClasses
	case StepVolumes:
		return a.CreateVolumes
	case StepDeployment:
		return a.CreateDeployment
	case StepServices:
		return a.CreateServices
	case StepMiddlewares:
		return a.CreateMiddlewares
	case StepIngress:
		return a.CreateIngress
	default:
		return nil
	}
}

// DeleteHook returns the adapter's delete hook for a step, nil for steps
// that are never deleted on their own.
func DeleteHook(a ResourceAdapter, step Step) func(context.Context, StepRequest) error {
	switch step {
	case StepDockerSecrets:
		return a.DeleteDockerSecrets
	case StepStorageClasses:
		return a.DeleteStorageClasses
	case StepVolumes:
		return a.DeleteVolumes
	case StepDeployment:
		return a.DeleteDeployment
	case StepServices:
		return a.DeleteServices
	case StepMiddlewares:
		return a.DeleteMiddlewares
	case StepIngress:
		return a.DeleteIngress
	default:
		return nil
	}
}

// Event is a timeline entry of a flow.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Type is the type of event.
	Type EventType `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// FlowID is the flow this event belongs to.
	FlowID string `json:"flow_id"`

	// ResourceID is the resource the flow operates on.
	ResourceID string `json:"resource_id"`

	// Step is the step the event is about, if any.
	Step Step `json:"step,omitempty"`

	// Message is a human-readable description of the event.
	Message string `json:"message"`

	// Level is the severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventPublisher publishes flow events.
type EventPublisher interface {
	// Publish publishes an event.
	Publish(ctx context.Context, event *Event) error
}

// FlowRun is the record of one create or delete invocation.
type FlowRun struct {
	ID          string        `json:"id"`
	ResourceID  string        `json:"resource_id"`
	Kind        ResourceKind  `json:"kind"`
	Operation   OperationType `json:"operation"`
	Status      FlowStatus    `json:"status"`
	ClusterID   string        `json:"cluster_id,omitempty"`
	Error       string        `json:"error,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// StepRecord is the record of one step within a flow.
type StepRecord struct {
	FlowID    string        `json:"flow_id"`
	Step      Step          `json:"step"`
	Operation OperationType `json:"operation"`
	Status    StepStatus    `json:"status"`
	Attempts  int           `json:"attempts"`
	Value     string        `json:"value,omitempty"`
	Error     string        `json:"error,omitempty"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// FlowRecorder persists flow runs and their steps.
type FlowRecorder interface {
	StartFlow(ctx context.Context, run *FlowRun) error
	RecordStep(ctx context.Context, rec *StepRecord) error
	FinishFlow(ctx context.Context, run *FlowRun) error
}

// FlowMetrics records flow and step measurements.
type FlowMetrics interface {
	RecordFlowStarted(operation, kind string)
	RecordFlowCompleted(operation, kind, status string, duration time.Duration)
	RecordStepAttempt(step, status string, duration time.Duration)
	RecordStepRetry(step string)
	RecordRollbackStep(step string, failed bool)
	RecordError(errorClass, errorCode string)
}
