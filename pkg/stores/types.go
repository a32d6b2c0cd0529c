package stores

import (
	"context"
	"database/sql"
	"time"

	"github.com/invergent-ai/surogate-studio-sub001/pkg/engine"
)

// AuditEntry represents an audit trail entry
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`              // e.g., "resource.created", "cluster.added"
	Actor     string    `json:"actor"`               // user or system identifier
	TargetID  *string   `json:"target_id,omitempty"` // resource/project/cluster ID
	Details   *string   `json:"details,omitempty"`   // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// ResourceCount is the number of resources of one kind in one status.
type ResourceCount struct {
	Kind   engine.ResourceKind   `json:"kind"`
	Status engine.ResourceStatus `json:"status"`
	Count  int                   `json:"count"`
}

// EventFilter narrows ListEvents. Empty fields match everything.
type EventFilter struct {
	FlowID     string
	ResourceID string
	Level      string
	Limit      int
	Offset     int
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)

	// Cluster operations
	CreateCluster(ctx context.Context, cluster *engine.Cluster) error
	GetCluster(ctx context.Context, id string) (*engine.Cluster, error)
	ListClusters(ctx context.Context) ([]*engine.Cluster, error)
	ListClustersByZone(ctx context.Context, zone string) ([]*engine.Cluster, error)

	// Project operations
	CreateProject(ctx context.Context, project *engine.Project) error
	GetProject(ctx context.Context, id string) (*engine.Project, error)
	AssignCluster(ctx context.Context, projectID, clusterID string) (string, error)

	// Resource operations
	SaveResource(ctx context.Context, res *engine.Resource) error
	GetResource(ctx context.Context, id string) (*engine.Resource, error)
	ListResources(ctx context.Context, projectID string) ([]*engine.Resource, error)
	UpdateResourceStatus(ctx context.Context, id string, status engine.ResourceStatus, hostname string) error
	CountResources(ctx context.Context) ([]ResourceCount, error)
	SetPlacementHints(ctx context.Context, resourceID string, hints engine.PlacementHints) error
	PlacementHints(ctx context.Context, resourceID string) (engine.PlacementHints, error)

	// Flow recording
	engine.FlowRecorder
	GetFlowRun(ctx context.Context, id string) (*engine.FlowRun, error)
	ListFlowRuns(ctx context.Context, resourceID string, limit int) ([]*engine.FlowRun, error)
	ListFlowSteps(ctx context.Context, flowID string) ([]*engine.StepRecord, error)

	// Event operations
	engine.EventPublisher
	ListEvents(ctx context.Context, filter EventFilter) ([]*engine.Event, error)

	// Audit operations
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
