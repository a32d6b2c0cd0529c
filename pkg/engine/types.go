package engine

import (
	"fmt"
	"strings"
	"time"
)

// ResourceKind identifies which adapter provisions a resource.
type ResourceKind string

const (
	// KindApplication is a long-running web or API workload.
	KindApplication ResourceKind = "application"

	// KindDatabase is an operator-managed database cluster.
	KindDatabase ResourceKind = "database"

	// KindBatchJob is a run-to-completion job.
	KindBatchJob ResourceKind = "batch_job"

	// KindTaskRun is an ad-hoc script execution.
	KindTaskRun ResourceKind = "task_run"
)

// Validate checks if the kind is known.
func (k ResourceKind) Validate() error {
	switch k {
	case KindApplication, KindDatabase, KindBatchJob, KindTaskRun:
		return nil
	default:
		return fmt.Errorf("invalid resource kind: %s", k)
	}
}

// Cluster is a Kubernetes cluster that resources can be placed on.
type Cluster struct {
	// ID is the unique identifier for this cluster.
	ID string `json:"id"`

	// Name is the human-readable name of the cluster.
	Name string `json:"name"`

	// Zone is the placement zone the cluster serves.
	Zone string `json:"zone"`

	// Endpoint is the API server URL, informational when KubeConfig is set.
	Endpoint string `json:"endpoint,omitempty"`

	// KubeConfig holds the raw kubeconfig used to connect to the cluster.
	KubeConfig []byte `json:"-"`

	// IngressDomain is the wildcard DNS domain routed to the cluster's ingress controller.
	IngressDomain string `json:"ingress_domain,omitempty"`

	// StorageProvisioner is the CSI provisioner used for generated storage classes.
	StorageProvisioner string `json:"storage_provisioner,omitempty"`

	// ResourceCount is the number of resources currently placed on the cluster.
	ResourceCount int `json:"resource_count"`

	// CreatedAt is when the cluster was registered.
	CreatedAt time.Time `json:"created_at"`
}

// Project groups resources that share a namespace and a cluster.
type Project struct {
	// ID is the unique identifier for this project.
	ID string `json:"id"`

	// Name is the human-readable name of the project.
	Name string `json:"name"`

	// Namespace is the default namespace for the project's resources.
	Namespace string `json:"namespace"`

	// Zone restricts which clusters the project may be placed on.
	Zone string `json:"zone"`

	// ClusterID is the cluster assigned to the project, empty until first placement.
	// Once set it never changes.
	ClusterID string `json:"cluster_id,omitempty"`

	// CreatedAt is when the project was created.
	CreatedAt time.Time `json:"created_at"`
}

// Resource is a logical workload the control plane provisions.
type Resource struct {
	// ID is the unique identifier for this resource.
	ID string `json:"id"`

	// Name is the human-readable name, also used for object names.
	Name string `json:"name"`

	// Kind selects the adapter.
	Kind ResourceKind `json:"kind"`

	// Project is the owning project.
	Project *Project `json:"project,omitempty"`

	// Cluster is the resolved cluster. Flows cache it here once resolved.
	Cluster *Cluster `json:"-"`

	// DeployedNamespace overrides the project namespace when set.
	DeployedNamespace string `json:"deployed_namespace,omitempty"`

	// PublicHostname is the externally reachable hostname, assigned on create.
	PublicHostname string `json:"public_hostname,omitempty"`

	// KeepVolumes preserves volume claims and storage classes on delete.
	KeepVolumes bool `json:"keep_volumes"`

	// Spec is the desired workload.
	Spec WorkloadSpec `json:"spec"`

	// Status is the lifecycle status of the resource.
	Status ResourceStatus `json:"status"`

	// Labels are extra labels applied to every generated object.
	Labels map[string]string `json:"labels,omitempty"`

	// CreatedAt is when the resource was registered.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the resource was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// HasIPAllowRules reports whether ingress traffic must be filtered by source address.
func (r *Resource) HasIPAllowRules() bool {
	return len(r.Spec.IPAllowRules) > 0
}

// ShortID returns the first eight characters of the resource ID.
func (r *Resource) ShortID() string {
	id := strings.ReplaceAll(r.ID, "-", "")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// WorkloadSpec is the desired shape of a resource's workload.
type WorkloadSpec struct {
	// Image is the container image for the main container.
	Image string `json:"image" yaml:"image"`

	// Command overrides the image entrypoint.
	Command []string `json:"command,omitempty" yaml:"command,omitempty"`

	// Args are passed to the command.
	Args []string `json:"args,omitempty" yaml:"args,omitempty"`

	// Script is the shell script executed by task runs.
	Script string `json:"script,omitempty" yaml:"script,omitempty"`

	// Env is the container environment.
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// Replicas is the desired number of instances.
	Replicas int32 `json:"replicas,omitempty" yaml:"replicas,omitempty"`

	// CPU is the CPU request, e.g. "500m".
	CPU string `json:"cpu,omitempty" yaml:"cpu,omitempty"`

	// Memory is the memory request, e.g. "512Mi".
	Memory string `json:"memory,omitempty" yaml:"memory,omitempty"`

	// GPU is the number of GPUs requested.
	GPU int `json:"gpu,omitempty" yaml:"gpu,omitempty"`

	// Ports are the container ports to expose.
	Ports []Port `json:"ports,omitempty" yaml:"ports,omitempty"`

	// Volumes are the volumes to mount.
	Volumes []Volume `json:"volumes,omitempty" yaml:"volumes,omitempty"`

	// RegistryCredentials are the image-pull credentials.
	RegistryCredentials []RegistryCredential `json:"registry_credentials,omitempty" yaml:"registry_credentials,omitempty"`

	// IPAllowRules restrict public ingress to these CIDRs.
	IPAllowRules []string `json:"ip_allow_rules,omitempty" yaml:"ip_allow_rules,omitempty"`

	// Database describes the database cluster for database resources.
	Database *DatabaseSpec `json:"database,omitempty" yaml:"database,omitempty"`

	// ReadyTimeout bounds how long the deployment step waits for readiness.
	ReadyTimeout time.Duration `json:"ready_timeout,omitempty" yaml:"ready_timeout,omitempty"`
}

// Port is a container port, optionally published through the ingress.
type Port struct {
	Name     string `json:"name" yaml:"name"`
	Port     int32  `json:"port" yaml:"port"`
	Protocol string `json:"protocol,omitempty" yaml:"protocol,omitempty"`
	Ingress  bool   `json:"ingress,omitempty" yaml:"ingress,omitempty"`
}

// Volume is a mounted volume.
type Volume struct {
	Name      string `json:"name" yaml:"name"`
	MountPath string `json:"mount_path" yaml:"mount_path"`
	Size      string `json:"size,omitempty" yaml:"size,omitempty"`

	// Persistent volumes get a claim and a storage class; others are emptyDir.
	Persistent bool `json:"persistent,omitempty" yaml:"persistent,omitempty"`

	// StorageClass selects an existing storage class instead of generating one.
	StorageClass string `json:"storage_class,omitempty" yaml:"storage_class,omitempty"`

	// ReclaimPolicy of the generated storage class, Delete or Retain.
	ReclaimPolicy string `json:"reclaim_policy,omitempty" yaml:"reclaim_policy,omitempty"`
}

// RegistryCredential is an image-pull credential.
type RegistryCredential struct {
	Server   string `json:"server" yaml:"server"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
}

// DatabaseSpec describes an operator-managed database cluster.
type DatabaseSpec struct {
	Engine      string `json:"engine" yaml:"engine"`
	Version     string `json:"version,omitempty" yaml:"version,omitempty"`
	Instances   int    `json:"instances,omitempty" yaml:"instances,omitempty"`
	StorageSize string `json:"storage_size" yaml:"storage_size"`
}

// PlacementHints narrow cluster selection for a resource.
type PlacementHints struct {
	// PreferredClusters are tried first, in order.
	PreferredClusters []string `json:"preferred_clusters,omitempty"`

	// Nodes are node names the resource should land on.
	Nodes []string `json:"nodes,omitempty"`
}
