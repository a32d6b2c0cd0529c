package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/invergent-ai/surogate-studio-sub001/pkg/adapters"
	"github.com/invergent-ai/surogate-studio-sub001/pkg/engine"
	"github.com/invergent-ai/surogate-studio-sub001/pkg/policy"
	"github.com/invergent-ai/surogate-studio-sub001/pkg/stores"
	"github.com/invergent-ai/surogate-studio-sub001/pkg/telemetry"
)

// Audit actions.
const (
	ActionClusterRegistered  = "cluster.registered"
	ActionProjectCreated     = "project.created"
	ActionResourceRegistered = "resource.registered"
	ActionResourceCreated    = "resource.created"
	ActionResourceDeleted    = "resource.deleted"
	ActionPolicyDenied       = "resource.denied"
)

// Options wires a Service. Store and Registry are required.
type Options struct {
	Store    stores.Store
	Registry *adapters.Registry

	// Scheduler runs the flow steps. Defaults to a PoolScheduler.
	Scheduler engine.Scheduler

	// FlowConfig tunes the flows. The zero value selects engine.DefaultFlowConfig.
	FlowConfig engine.FlowConfig

	// Policy admits resources before creation. Nil admits everything.
	Policy engine.Admission

	// Telemetry provides logging, tracing, metrics and the event bus.
	// Without it the service logs nothing and writes events straight to the store.
	Telemetry *telemetry.Telemetry

	// Actor is recorded in audit entries.
	Actor string
}

// Service runs the create and delete flows of stored resources and keeps
// their lifecycle status, events and audit trail in the store.
type Service struct {
	store     stores.Store
	registry  *adapters.Registry
	scheduler engine.Scheduler
	config    engine.FlowConfig
	policy    engine.Admission
	logger    zerolog.Logger
	tracer    trace.Tracer
	tel       *telemetry.Telemetry
	metrics   *telemetry.Metrics
	bus       *telemetry.EventBus
	actor     string

	mu       sync.Mutex
	inFlight map[string]engine.OperationType

	countsMu sync.Mutex
	counted  map[stores.ResourceCount]struct{}
}

// NewService creates a service from opts.
func NewService(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("adapter registry is required")
	}
	if opts.Scheduler == nil {
		opts.Scheduler = engine.NewPoolScheduler(0, nil)
	}
	if opts.FlowConfig.DefaultStep.MaxAttempts == 0 {
		opts.FlowConfig = engine.DefaultFlowConfig()
	}
	if err := opts.FlowConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid flow configuration: %w", err)
	}
	if opts.Actor == "" {
		opts.Actor = "system"
	}

	s := &Service{
		store:     opts.Store,
		registry:  opts.Registry,
		scheduler: opts.Scheduler,
		config:    opts.FlowConfig,
		policy:    opts.Policy,
		actor:     opts.Actor,
		inFlight:  make(map[string]engine.OperationType),
		counted:   make(map[stores.ResourceCount]struct{}),
	}

	logger := telemetry.NopLogger()
	if tel := opts.Telemetry; tel != nil {
		logger = tel.Logger.NewComponentLogger("controlplane")
		s.tel = tel
		s.tracer = tel.Tracer.Tracer()
		s.metrics = tel.Metrics
		if tel.Config != nil && tel.Config.Events.Enabled {
			s.bus = tel.Events
			if tel.Config.Events.Persist {
				s.bus.Subscribe(telemetry.PersistTo(opts.Store, logger), nil)
			}
		}
	}
	if s.bus == nil {
		// Synchronous bus that only persists.
		bus, err := telemetry.NewEventBus(telemetry.EventsConfig{Enabled: true, BufferSize: 1})
		if err != nil {
			return nil, err
		}
		bus.Subscribe(telemetry.PersistTo(opts.Store, logger), nil)
		s.bus = bus
	}
	s.logger = logger.Zerolog()

	return s, nil
}

// RegisterCluster adds a cluster to the directory.
func (s *Service) RegisterCluster(ctx context.Context, cluster *engine.Cluster) error {
	if cluster.Name == "" || cluster.Zone == "" {
		return engine.NewPermanentError("cluster name and zone are required", nil).WithCode(engine.ErrCodeValidation)
	}
	if err := s.store.CreateCluster(ctx, cluster); err != nil {
		return err
	}
	s.audit(ctx, ActionClusterRegistered, cluster.ID, map[string]interface{}{
		"name": cluster.Name,
		"zone": cluster.Zone,
	})
	s.logger.Info().Str("cluster_id", cluster.ID).Str("zone", cluster.Zone).Msg("Cluster registered")
	return nil
}

// CreateProject creates a project. Its cluster is assigned on first provisioning.
func (s *Service) CreateProject(ctx context.Context, project *engine.Project) error {
	if project.Name == "" || project.Namespace == "" || project.Zone == "" {
		return engine.NewPermanentError("project name, namespace and zone are required", nil).
			WithCode(engine.ErrCodeValidation)
	}
	project.ClusterID = ""
	if err := s.store.CreateProject(ctx, project); err != nil {
		return err
	}
	s.audit(ctx, ActionProjectCreated, project.ID, map[string]interface{}{
		"name":      project.Name,
		"namespace": project.Namespace,
		"zone":      project.Zone,
	})
	return nil
}

// RegisterResource stores a resource of an existing project so that it can
// be created later. hints may be nil.
func (s *Service) RegisterResource(ctx context.Context, res *engine.Resource, hints *engine.PlacementHints) error {
	if res.Project == nil || res.Project.ID == "" {
		return engine.NewPermanentError("resource without project", nil).WithCode(engine.ErrCodeValidation)
	}
	if _, err := s.registry.Get(res.Kind); err != nil {
		return err
	}
	project, err := s.store.GetProject(ctx, res.Project.ID)
	if err != nil {
		return err
	}
	res.Project = project
	if res.Status == "" {
		res.Status = engine.ResourceStatusUnknown
	}

	if err := s.store.SaveResource(ctx, res); err != nil {
		return err
	}
	if hints != nil {
		if err := s.store.SetPlacementHints(ctx, res.ID, *hints); err != nil {
			return err
		}
	}
	s.audit(ctx, ActionResourceRegistered, res.ID, map[string]interface{}{
		"name":    res.Name,
		"kind":    string(res.Kind),
		"project": project.ID,
	})
	s.RefreshMetrics(ctx)
	return nil
}

// Resource returns a stored resource.
func (s *Service) Resource(ctx context.Context, id string) (*engine.Resource, error) {
	return s.store.GetResource(ctx, id)
}

// History returns the most recent flow runs of a resource, newest first.
func (s *Service) History(ctx context.Context, id string, limit int) ([]*engine.FlowRun, error) {
	return s.store.ListFlowRuns(ctx, id, limit)
}

// Create provisions a stored resource. The resource ends up ready, pending
// when its workload did not become ready in time, or error. A resource
// denied by policy keeps its previous status.
func (s *Service) Create(ctx context.Context, resourceID string) (engine.TaskResult[string], error) {
	release, err := s.acquire(resourceID, engine.OperationCreate)
	if err != nil {
		return engine.Failed[string](), err
	}
	defer release()

	res, adapter, err := s.load(ctx, resourceID)
	if err != nil {
		return engine.Failed[string](), err
	}

	ctx, end := s.startOperation(ctx, engine.OperationCreate, res)
	result, err := s.create(ctx, res, adapter)
	end(err)
	return result, err
}

func (s *Service) create(ctx context.Context, res *engine.Resource, adapter engine.ResourceAdapter) (engine.TaskResult[string], error) {
	var admission engine.Admission
	if s.policy != nil {
		admission = recordingAdmission{service: s, next: s.policy}
	}
	flow, err := engine.NewCreateFlow(adapter, s.flowOptions(admission))
	if err != nil {
		return engine.Failed[string](), err
	}

	previous := res.Status
	if err := s.setStatus(ctx, res, engine.ResourceStatusCreating, ""); err != nil {
		return engine.Failed[string](), err
	}

	result, flowErr := flow.ExecuteCreate(ctx, res)

	// Record the outcome even when the caller has gone away.
	ctx = context.WithoutCancel(ctx)
	status := engine.ResourceStatusReady
	hostname := ""
	switch {
	case flowErr != nil && hasCode(flowErr, engine.ErrCodePolicyDenied):
		status = previous
	case flowErr != nil:
		status = engine.ResourceStatusError
	case result.IsWaitTimeout():
		status = engine.ResourceStatusPending
		hostname = res.PublicHostname
	default:
		hostname = res.PublicHostname
	}
	if err := s.setStatus(ctx, res, status, hostname); err != nil {
		s.logger.Error().Err(err).Str("resource_id", res.ID).Msg("Failed to record resource status")
	}

	details := map[string]interface{}{
		"kind":   string(res.Kind),
		"status": string(status),
		"result": string(result.State()),
	}
	if c := result.Cluster(); c != nil {
		details["cluster_id"] = c.ID
	}
	if hostname != "" {
		details["hostname"] = hostname
	}
	if flowErr != nil {
		details["error"] = flowErr.Error()
	}
	s.audit(ctx, ActionResourceCreated, res.ID, details)
	s.RefreshMetrics(ctx)

	return result, flowErr
}

// Delete tears a stored resource down. On success the resource is marked
// deleted; on failure it is marked error and Delete may be retried.
func (s *Service) Delete(ctx context.Context, resourceID string) (engine.TaskResult[struct{}], error) {
	release, err := s.acquire(resourceID, engine.OperationDelete)
	if err != nil {
		return engine.Failed[struct{}](), err
	}
	defer release()

	res, adapter, err := s.load(ctx, resourceID)
	if err != nil {
		return engine.Failed[struct{}](), err
	}

	ctx, end := s.startOperation(ctx, engine.OperationDelete, res)
	result, err := s.delete(ctx, res, adapter)
	end(err)
	return result, err
}

func (s *Service) delete(ctx context.Context, res *engine.Resource, adapter engine.ResourceAdapter) (engine.TaskResult[struct{}], error) {
	if err := s.setStatus(ctx, res, engine.ResourceStatusDeleting, ""); err != nil {
		return engine.Failed[struct{}](), err
	}

	result, flowErr := engine.NewDeleteFlow(adapter, s.flowOptions(nil)).ExecuteDelete(ctx, res)

	ctx = context.WithoutCancel(ctx)
	status := engine.ResourceStatusDeleted
	if flowErr != nil {
		status = engine.ResourceStatusError
	}
	if err := s.setStatus(ctx, res, status, ""); err != nil {
		s.logger.Error().Err(err).Str("resource_id", res.ID).Msg("Failed to record resource status")
	}

	details := map[string]interface{}{
		"kind":         string(res.Kind),
		"status":       string(status),
		"keep_volumes": res.KeepVolumes,
	}
	if flowErr != nil {
		details["error"] = flowErr.Error()
	}
	s.audit(ctx, ActionResourceDeleted, res.ID, details)
	s.RefreshMetrics(ctx)

	return result, flowErr
}

// Plan describes how a resource of kind is provisioned.
type Plan struct {
	Kind          engine.ResourceKind               `json:"kind"`
	Levels        [][]engine.Step                   `json:"levels"`
	Dependencies  map[engine.Step][]engine.Step     `json:"dependencies"`
	Policies      map[engine.Step]engine.StepPolicy `json:"policies"`
	RollbackOrder []engine.Step                     `json:"rollback_order"`
	Deadlines     map[engine.OperationType]string   `json:"deadlines"`
	DOT           string                            `json:"-"`
}

// Plan returns the creation pipeline of kind with the retry policy of every
// step and the order in which a failed creation is unwound.
func (s *Service) Plan(kind engine.ResourceKind) (*Plan, error) {
	adapter, err := s.registry.Get(kind)
	if err != nil {
		return nil, err
	}
	flow, err := engine.NewCreateFlow(adapter, s.flowOptions(nil))
	if err != nil {
		return nil, err
	}
	graph := flow.Graph()

	plan := &Plan{
		Kind:          kind,
		Levels:        graph.Levels,
		Dependencies:  make(map[engine.Step][]engine.Step, len(graph.Nodes)),
		Policies:      make(map[engine.Step]engine.StepPolicy, len(graph.Nodes)),
		RollbackOrder: append([]engine.Step(nil), engine.RollbackOrder...),
		Deadlines: map[engine.OperationType]string{
			engine.OperationCreate:   s.config.CreateDeadline.String(),
			engine.OperationDelete:   s.config.DeleteDeadline.String(),
			engine.OperationRollback: s.config.RollbackTimeout.String(),
		},
		DOT: graph.ToDOT(),
	}
	for step, node := range graph.Nodes {
		plan.Dependencies[step] = node.Dependencies
		plan.Policies[step] = s.config.Policy(step)
	}
	return plan, nil
}

// Busy reports whether a flow is running for the resource in this process.
func (s *Service) Busy(resourceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inFlight[resourceID]
	return ok
}

// acquire marks a resource as operated on. Only one flow runs per resource.
func (s *Service) acquire(resourceID string, op engine.OperationType) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if running, ok := s.inFlight[resourceID]; ok {
		return nil, engine.NewConflictError(fmt.Sprintf("%s already in progress", running), nil).
			WithCode(engine.ErrCodeConflict).
			WithResource(resourceID).
			WithOperation(string(op))
	}
	s.inFlight[resourceID] = op

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.inFlight, resourceID)
	}, nil
}

// startOperation opens the span of a service operation when telemetry is configured.
func (s *Service) startOperation(ctx context.Context, op engine.OperationType, res *engine.Resource) (context.Context, func(error)) {
	if s.tel == nil {
		return ctx, func(error) {}
	}
	return s.tel.StartResourceOperation(ctx, string(op), res)
}

func (s *Service) load(ctx context.Context, resourceID string) (*engine.Resource, engine.ResourceAdapter, error) {
	res, err := s.store.GetResource(ctx, resourceID)
	if err != nil {
		return nil, nil, err
	}
	adapter, err := s.registry.Get(res.Kind)
	if err != nil {
		return nil, nil, err
	}
	return res, adapter, nil
}

func (s *Service) flowOptions(admission engine.Admission) engine.Options {
	opts := engine.Options{
		Scheduler: s.scheduler,
		Config:    s.config,
		Logger:    s.logger,
		Tracer:    s.tracer,
		Events:    s.bus,
		Recorder:  s.store,
		Admission: admission,
	}
	if s.metrics != nil {
		opts.Metrics = s.metrics
	}
	return opts
}

// setStatus stores the status of res and publishes the transition.
func (s *Service) setStatus(ctx context.Context, res *engine.Resource, status engine.ResourceStatus, hostname string) error {
	if err := s.store.UpdateResourceStatus(ctx, res.ID, status, hostname); err != nil {
		return err
	}
	from := res.Status
	res.Status = status
	if from == status {
		return nil
	}
	if err := s.bus.PublishStatusChanged(ctx, res.ID, from, status); err != nil {
		s.logger.Warn().Err(err).Str("resource_id", res.ID).Msg("Failed to publish status change")
	}
	return nil
}

func (s *Service) audit(ctx context.Context, action, targetID string, details map[string]interface{}) {
	entry := &stores.AuditEntry{
		Action:   action,
		Actor:    s.actor,
		TargetID: &targetID,
	}
	if len(details) > 0 {
		b, err := json.Marshal(details)
		if err == nil {
			str := string(b)
			entry.Details = &str
		}
	}
	if err := s.store.CreateAuditEntry(ctx, entry); err != nil {
		s.logger.Warn().Err(err).Str("action", action).Str("target_id", targetID).Msg("Failed to write audit entry")
	}
}

// RefreshMetrics updates the managed resources gauge. Groups that vanished
// since the last refresh are set to zero.
func (s *Service) RefreshMetrics(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	counts, err := s.store.CountResources(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to count resources")
		return
	}

	s.countsMu.Lock()
	defer s.countsMu.Unlock()

	current := make(map[stores.ResourceCount]struct{}, len(counts))
	for _, c := range counts {
		s.metrics.SetResourceCount(string(c.Kind), string(c.Status), float64(c.Count))
		current[stores.ResourceCount{Kind: c.Kind, Status: c.Status}] = struct{}{}
	}
	for key := range s.counted {
		if _, ok := current[key]; !ok {
			s.metrics.SetResourceCount(string(key.Kind), string(key.Status), 0)
		}
	}
	s.counted = current
}

// recordingAdmission records denials made by the wrapped admission.
type recordingAdmission struct {
	service *Service
	next    engine.Admission
}

func (a recordingAdmission) Admit(ctx context.Context, res *engine.Resource) error {
	err := a.next.Admit(ctx, res)
	if err == nil || !policy.IsDenied(err) {
		return err
	}

	s := a.service
	reasons := denialReasons(err)
	if s.metrics != nil {
		s.metrics.RecordPolicyDenial(string(res.Kind))
	}
	if perr := s.bus.PublishPolicyDenied(ctx, res, reasons); perr != nil {
		s.logger.Warn().Err(perr).Str("resource_id", res.ID).Msg("Failed to publish policy denial")
	}
	s.audit(ctx, ActionPolicyDenied, res.ID, map[string]interface{}{
		"kind":    string(res.Kind),
		"reasons": reasons,
	})
	telemetry.FromContext(ctx).WithField("reasons", reasons).Warn("Resource denied by policy")
	return err
}

func denialReasons(err error) []string {
	var denied *policy.DeniedError
	if !errors.As(err, &denied) || denied.Result == nil {
		return []string{err.Error()}
	}
	reasons := make([]string, 0, len(denied.Result.Violations))
	for _, v := range denied.Result.Violations {
		reasons = append(reasons, v.String())
	}
	return reasons
}

func hasCode(err error, code string) bool {
	var e *engine.EngineError
	return errors.As(err, &e) && e.Code == code
}
