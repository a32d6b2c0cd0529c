package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const tracerName = "github.com/invergent-ai/surogate-studio-sub001/pkg/engine"

// Admission decides whether a resource may be provisioned.
type Admission interface {
	Admit(ctx context.Context, res *Resource) error
}

// Options wires the collaborators of a flow. Only Scheduler is required.
type Options struct {
	Scheduler Scheduler
	Config    FlowConfig
	Logger    zerolog.Logger
	Tracer    trace.Tracer
	Metrics   FlowMetrics
	Events    EventPublisher
	Recorder  FlowRecorder
	Admission Admission
}

// DeleteFlow tears a resource down: the workload first, then every other
// object category in parallel, all under one deadline.
type DeleteFlow struct {
	adapter   ResourceAdapter
	scheduler Scheduler
	config    FlowConfig
	logger    zerolog.Logger
	tracer    trace.Tracer
	metrics   FlowMetrics
	events    EventPublisher
	recorder  FlowRecorder
	admission Admission
}

// NewDeleteFlow creates a deletion flow driving adapter.
func NewDeleteFlow(adapter ResourceAdapter, opts Options) *DeleteFlow {
	if opts.Scheduler == nil {
		opts.Scheduler = NewPoolScheduler(0, nil)
	}
	if opts.Config.DefaultStep.MaxAttempts == 0 {
		opts.Config = DefaultFlowConfig()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics{}
	}

	return &DeleteFlow{
		adapter:   adapter,
		scheduler: opts.Scheduler,
		config:    opts.Config,
		logger:    opts.Logger.With().Str("component", "flow").Str("kind", string(adapter.Kind())).Logger(),
		tracer:    opts.Tracer,
		metrics:   opts.Metrics,
		events:    opts.Events,
		recorder:  opts.Recorder,
		admission: opts.Admission,
	}
}

// ExecuteDelete removes every object of res from its cluster and blocks until done.
// A resource whose project never got a cluster has nothing to delete.
func (f *DeleteFlow) ExecuteDelete(ctx context.Context, res *Resource) (TaskResult[struct{}], error) {
	namespace, err := f.preconditions(res)
	if err != nil {
		return Failed[struct{}](), err
	}
	if res.Cluster == nil && res.Project.ClusterID == "" {
		f.logger.Info().Str("resource_id", res.ID).Msg("Resource was never placed, nothing to delete")
		return Success[struct{}](), nil
	}

	ctx, span := f.tracer.Start(ctx, "flow.delete", trace.WithAttributes(
		attribute.String("resource.id", res.ID),
		attribute.String("resource.kind", string(res.Kind)),
	))
	defer span.End()

	cluster, err := f.adapter.SetCluster(ctx, res)
	if err != nil {
		return Failed[struct{}](), f.fail(span, orchestrationError("resolving cluster failed", err, res))
	}
	res.Cluster = cluster

	run := f.newRun(ctx, res, cluster, namespace, OperationDelete)
	defer run.finish()

	deadlineCtx, cancel := context.WithTimeout(ctx, f.config.DeleteDeadline)
	defer cancel()
	run.ctx = deadlineCtx

	err = awaitCtx(deadlineCtx, func() error { return f.deleteAll(deadlineCtx, run) })
	if err != nil {
		if deadlineCtx.Err() != nil {
			err = deadlineError("deletion", deadlineCtx, res)
		}
		run.setStatus(FlowStatusFailed, err)
		return Failed[struct{}](), f.fail(span, err)
	}

	run.setStatus(FlowStatusSucceeded, nil)
	span.SetStatus(codes.Ok, "")
	return Success[struct{}]().WithCluster(cluster), nil
}

// deleteAll removes the deployment, then fans out over every other category.
func (f *DeleteFlow) deleteAll(ctx context.Context, run *flowRun) error {
	if err := f.deleteStep(ctx, run, StepDeployment, f.adapter.DeleteDeployment); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return f.deleteStep(gctx, run, StepMiddlewares, f.adapter.DeleteMiddlewares) })
	g.Go(func() error { return f.deleteStep(gctx, run, StepIngress, f.adapter.DeleteIngress) })
	g.Go(func() error { return f.deleteStep(gctx, run, StepServices, f.adapter.DeleteServices) })
	if !run.req.Resource.KeepVolumes {
		g.Go(func() error {
			if err := f.deleteStep(gctx, run, StepVolumes, f.adapter.DeleteVolumes); err != nil {
				return err
			}
			return f.deleteStep(gctx, run, StepStorageClasses, f.adapter.DeleteStorageClasses)
		})
	}
	g.Go(func() error { return f.deleteStep(gctx, run, StepDockerSecrets, f.adapter.DeleteDockerSecrets) })
	g.Go(func() error {
		if err := f.adapter.DeleteOthers(gctx, run.req); err != nil {
			return orchestrationError("deleting remaining objects failed", err, run.req.Resource).
				WithOperation(string(OperationDelete))
		}
		return nil
	})
	return g.Wait()
}

func (f *DeleteFlow) deleteStep(ctx context.Context, run *flowRun, step Step, hook func(context.Context, StepRequest) error) error {
	ctx, span := f.tracer.Start(ctx, "delete."+string(step))
	defer span.End()

	started := time.Now()
	err := hook(ctx, run.req)
	if err != nil {
		err = NewStepError(step, err).
			WithResource(run.req.Resource.ID).
			WithOperation(string(OperationDelete))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		f.metrics.RecordStepAttempt(string(step), string(StepStatusFailed), time.Since(started))
		run.recordStep(step, OperationDelete, StepStatusFailed, 1, "", err)
		return err
	}

	f.metrics.RecordStepAttempt(string(step), string(StepStatusSucceeded), time.Since(started))
	run.recordStep(step, OperationDelete, StepStatusSucceeded, 1, "", nil)
	return nil
}

// preconditions checks the resource can be operated on and resolves its namespace.
func (f *DeleteFlow) preconditions(res *Resource) (string, error) {
	if res == nil {
		return "", NewOrchestrationError("resource is nil", nil).WithCode(ErrCodeValidation)
	}
	if res.Project == nil {
		return "", orchestrationError("resource has no project", nil, res).WithCode(ErrCodeValidation)
	}
	namespace := f.adapter.GetNamespace(res)
	if namespace == "" {
		return "", orchestrationError("resource namespace cannot be resolved", nil, res).WithCode(ErrCodeValidation)
	}
	return namespace, nil
}

func (f *DeleteFlow) fail(span trace.Span, err error) error {
	var e *EngineError
	if errors.As(err, &e) {
		f.metrics.RecordError(string(e.Class), e.Code)
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// flowRun is the state of one invocation. Nothing in it outlives the call.
type flowRun struct {
	flow      *DeleteFlow
	record    *FlowRun
	parent    context.Context
	ctx       context.Context
	req       StepRequest
	logger    zerolog.Logger
	cancel    *CancelSignal
	succeeded *StepSet
	inflight  sync.WaitGroup
	started   time.Time

	mu       sync.Mutex
	draining bool
	attempts map[Step]int
	status   FlowStatus
	err      error
}

// track counts a new attempt as in flight. It refuses once drain has
// started, so no Add races the Wait.
func (r *flowRun) track() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.draining {
		return false
	}
	r.inflight.Add(1)
	return true
}

func (f *DeleteFlow) newRun(ctx context.Context, res *Resource, cluster *Cluster, namespace string, op OperationType) *flowRun {
	record := &FlowRun{
		ID:         uuid.New().String(),
		ResourceID: res.ID,
		Kind:       res.Kind,
		Operation:  op,
		Status:     FlowStatusRunning,
		ClusterID:  cluster.ID,
		StartedAt:  time.Now(),
	}
	run := &flowRun{
		flow:   f,
		record: record,
		parent: ctx,
		ctx:    ctx,
		req: StepRequest{
			FlowID:    record.ID,
			Resource:  res,
			Cluster:   cluster,
			Namespace: namespace,
		},
		logger: f.logger.With().
			Str("flow_id", record.ID).
			Str("operation", string(op)).
			Str("resource_id", res.ID).
			Str("cluster_id", cluster.ID).
			Str("namespace", namespace).
			Logger(),
		cancel:    &CancelSignal{},
		succeeded: NewStepSet(),
		started:   record.StartedAt,
		attempts:  make(map[Step]int),
		status:    FlowStatusRunning,
	}

	f.metrics.RecordFlowStarted(string(op), string(res.Kind))
	if f.recorder != nil {
		if err := f.recorder.StartFlow(ctx, record); err != nil {
			run.logger.Warn().Err(err).Msg("Failed to record flow start")
		}
	}
	run.publish(EventTypeFlowStarted, "", fmt.Sprintf("%s flow started", op), nil)
	run.logger.Info().Msg("Flow started")
	return run
}

// finish records the terminal status of the run.
func (r *flowRun) finish() {
	r.mu.Lock()
	status, err := r.status, r.err
	r.mu.Unlock()

	duration := time.Since(r.started)
	completed := time.Now()
	r.record.Status = status
	r.record.CompletedAt = &completed
	if err != nil {
		r.record.Error = err.Error()
	}

	r.flow.metrics.RecordFlowCompleted(string(r.record.Operation), string(r.record.Kind), string(status), duration)
	if r.flow.recorder != nil {
		if rerr := r.flow.recorder.FinishFlow(context.WithoutCancel(r.parent), r.record); rerr != nil {
			r.logger.Warn().Err(rerr).Msg("Failed to record flow completion")
		}
	}

	event := EventTypeFlowCompleted
	if err != nil {
		event = EventTypeFlowFailed
		r.logger.Error().Err(err).Str("status", string(status)).Dur("duration", duration).Msg("Flow failed")
	} else {
		r.logger.Info().Str("status", string(status)).Dur("duration", duration).Msg("Flow completed")
	}
	r.publish(event, "", fmt.Sprintf("%s flow %s", r.record.Operation, status), map[string]interface{}{
		"duration_ms": duration.Milliseconds(),
	})
}

func (r *flowRun) setStatus(status FlowStatus, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
	r.err = err
}

func (r *flowRun) attempt(step Step) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts[step]++
	return r.attempts[step]
}

func (r *flowRun) attemptCount(step Step) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts[step]
}

func (r *flowRun) recordStep(step Step, op OperationType, status StepStatus, attempts int, value string, err error) {
	if r.flow.recorder == nil {
		return
	}
	rec := &StepRecord{
		FlowID:    r.record.ID,
		Step:      step,
		Operation: op,
		Status:    status,
		Attempts:  attempts,
		Value:     value,
		UpdatedAt: time.Now(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if rerr := r.flow.recorder.RecordStep(context.WithoutCancel(r.parent), rec); rerr != nil {
		r.logger.Warn().Err(rerr).Str("step", string(step)).Msg("Failed to record step")
	}
}

func (r *flowRun) publish(eventType EventType, step Step, message string, data map[string]interface{}) {
	if r.flow.events == nil {
		return
	}
	event := &Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  time.Now(),
		FlowID:     r.record.ID,
		ResourceID: r.record.ResourceID,
		Step:       step,
		Message:    message,
		Level:      eventType.Severity(),
		Data:       data,
	}
	if err := r.flow.events.Publish(context.WithoutCancel(r.parent), event); err != nil {
		r.logger.Debug().Err(err).Str("event", string(eventType)).Msg("Failed to publish event")
	}
}

// awaitCtx runs fn and returns its error, or ctx's error if ctx ends first.
func awaitCtx(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func orchestrationError(message string, err error, res *Resource) *EngineError {
	var e *EngineError
	if errors.As(err, &e) && e.Code != "" && e.Step == "" {
		return e
	}
	out := NewOrchestrationError(message, err)
	if res != nil {
		out.WithResource(res.ID)
	}
	return out
}

func deadlineError(flow string, ctx context.Context, res *Resource) *EngineError {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return NewOrchestrationError(flow+" deadline exceeded", ctx.Err()).
			WithCode(ErrCodeTimeout).WithResource(res.ID)
	}
	return NewOrchestrationError(flow+" cancelled", ctx.Err()).
		WithCode(ErrCodeCancelled).WithResource(res.ID)
}

type noopMetrics struct{}

func (noopMetrics) RecordFlowStarted(string, string) {}
func (noopMetrics) RecordFlowCompleted(string, string, string, time.Duration) {}
func (noopMetrics) RecordStepAttempt(string, string, time.Duration) {}
func (noopMetrics) RecordStepRetry(string) {}
func (noopMetrics) RecordRollbackStep(string, bool) {}
func (noopMetrics) RecordError(string, string) {}
