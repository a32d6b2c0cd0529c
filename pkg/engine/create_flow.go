package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type stepHook func(context.Context, StepRequest) (TaskResult[string], error)

// CreateFlow provisions a resource through the dependency-ordered pipeline
// and unwinds what it created when the pipeline fails.
type CreateFlow struct {
	*DeleteFlow

	graph *StepGraph
}

// NewCreateFlow creates a creation flow driving adapter.
func NewCreateFlow(adapter ResourceAdapter, opts Options) (*CreateFlow, error) {
	graph, err := NewDAGBuilder().BuildGraph(CreationDependencies)
	if err != nil {
		return nil, fmt.Errorf("invalid creation pipeline: %w", err)
	}
	return &CreateFlow{
		DeleteFlow: NewDeleteFlow(adapter, opts),
		graph:      graph,
	}, nil
}

// Graph returns the creation pipeline.
func (f *CreateFlow) Graph() *StepGraph {
	return f.graph
}

// ExecuteCreate provisions res and blocks until every step has settled or the
// creation deadline has passed. On success the result carries the public
// hostname when the ingress produced one, else the deployment's value. On
// failure the objects created so far are removed and the error of the step
// that caused the failure is returned.
func (f *CreateFlow) ExecuteCreate(ctx context.Context, res *Resource) (TaskResult[string], error) {
	namespace, err := f.preconditions(res)
	if err != nil {
		return Failed[string](), err
	}

	ctx, span := f.tracer.Start(ctx, "flow.create", trace.WithAttributes(
		attribute.String("resource.id", res.ID),
		attribute.String("resource.kind", string(res.Kind)),
	))
	defer span.End()

	if f.admission != nil {
		if err := f.admission.Admit(ctx, res); err != nil {
			return Failed[string](), f.fail(span, orchestrationError("resource rejected by policy", err, res).
				WithCode(ErrCodePolicyDenied))
		}
	}

	cluster, err := f.adapter.SetCluster(ctx, res)
	if err != nil {
		return Failed[string](), f.fail(span, orchestrationError("resolving cluster failed", err, res))
	}
	res.Cluster = cluster
	span.SetAttributes(attribute.String("cluster.id", cluster.ID))

	if err := f.adapter.SetPublicHostname(ctx, res); err != nil {
		return Failed[string](), f.fail(span, orchestrationError("assigning public hostname failed", err, res))
	}

	run := f.newRun(ctx, res, cluster, namespace, OperationCreate)
	defer run.finish()

	deadlineCtx, cancelDeadline := context.WithTimeout(ctx, f.config.CreateDeadline)
	defer cancelDeadline()
	stepCtx, cancelSteps := context.WithCancel(deadlineCtx)
	defer cancelSteps()
	run.ctx = stepCtx

	futures := f.launch(run)
	all := make([]Settled, 0, len(futures))
	for _, step := range f.graph.Order() {
		all = append(all, futures[step])
	}
	join := AllOf(all...)

	select {
	case <-join.Done():
	case <-deadlineCtx.Done():
	}

	if join.IsDone() && join.Err() == nil {
		result := f.assemble(futures, cluster)
		status := FlowStatusSucceeded
		if result.IsWaitTimeout() {
			status = FlowStatusWaitTimeout
		}
		run.setStatus(status, nil)
		span.SetStatus(codes.Ok, "")
		return result, nil
	}

	// Steps cut off by the deadline fail with context errors; report the deadline.
	var cause error
	if deadlineCtx.Err() != nil {
		cause = deadlineError("creation", deadlineCtx, res)
	} else {
		cause = Unwrap(join.Err())
	}

	run.cancel.Set()
	for _, fut := range futures {
		fut.Cancel()
	}
	cancelSteps()
	f.drain(run)

	run.setStatus(FlowStatusRollingBack, cause)
	f.rollback(run, cause)
	run.setStatus(FlowStatusRolledBack, cause)

	return Failed[string]().WithCluster(cluster), f.fail(span, cause)
}

// launch builds one future per step, each started once its dependencies succeed.
func (f *CreateFlow) launch(run *flowRun) map[Step]*Future[TaskResult[string]] {
	futures := make(map[Step]*Future[TaskResult[string]], len(f.graph.Nodes))
	for _, step := range f.graph.Order() {
		step := step
		deps := make([]Settled, 0, len(f.graph.Nodes[step].Dependencies))
		for _, dep := range f.graph.Nodes[step].Dependencies {
			deps = append(deps, futures[dep])
		}
		futures[step] = Then(deps, func() *Future[TaskResult[string]] {
			return f.runStep(run, step)
		})
	}
	return futures
}

// runStep runs one step under its retry policy.
func (f *CreateFlow) runStep(run *flowRun, step Step) *Future[TaskResult[string]] {
	policy := f.config.Policy(step)
	hook := f.hook(run, step)

	run.publish(EventTypeStepStarted, step, fmt.Sprintf("step %s started", step), nil)
	run.recordStep(step, OperationCreate, StepStatusRunning, 0, "", nil)

	fut := RetryAsync(func() (*Future[TaskResult[string]], error) {
		return f.attempt(run, step, policy, hook), nil
	}, RetryOptions{
		MaxAttempts: policy.MaxAttempts,
		Delay:       policy.Delay,
		Scheduler:   f.scheduler,
		Retryable:   RetryOn(step),
		Cancel:      run.cancel,
		OnRetry: func(attempt int, cause error) {
			f.metrics.RecordStepRetry(string(step))
			run.logger.Warn().Err(cause).
				Str("step", string(step)).
				Int("attempt", attempt).
				Int("max_attempts", policy.MaxAttempts).
				Dur("delay", policy.Delay).
				Msg("Step failed, retrying")
			run.recordStep(step, OperationCreate, StepStatusRetrying, attempt, "", cause)
			run.publish(EventTypeStepRetrying, step, fmt.Sprintf("step %s attempt %d failed", step, attempt),
				map[string]interface{}{"error": cause.Error()})
		},
	})

	fut.OnComplete(func(res TaskResult[string], err error) {
		attempts := run.attemptCount(step)
		switch {
		case err == nil:
			value, _ := res.Value()
			status := StepStatusSucceeded
			if res.IsWaitTimeout() {
				status = StepStatusWaitTimeout
			}
			run.logger.Info().Str("step", string(step)).Int("attempts", attempts).Str("state", string(res.State())).Msg("Step completed")
			run.recordStep(step, OperationCreate, status, attempts, value, nil)
			run.publish(EventTypeStepCompleted, step, fmt.Sprintf("step %s completed", step), nil)
		case IsCancelled(err):
			run.recordStep(step, OperationCreate, StepStatusCancelled, attempts, "", err)
		default:
			run.logger.Error().Err(err).Str("step", string(step)).Int("attempts", attempts).Msg("Step failed")
			run.recordStep(step, OperationCreate, StepStatusFailed, attempts, "", err)
			run.publish(EventTypeStepFailed, step, fmt.Sprintf("step %s failed", step),
				map[string]interface{}{"error": err.Error()})
		}
	})
	return fut
}

// attempt runs a single attempt of step on the scheduler.
func (f *CreateFlow) attempt(run *flowRun, step Step, policy StepPolicy, hook stepHook) *Future[TaskResult[string]] {
	out := NewFuture[TaskResult[string]]()
	if !run.track() {
		out.Fail(NewCancelledError(fmt.Errorf("step %s not started", step)))
		return out
	}
	f.scheduler.Go(func() {
		defer run.inflight.Done()
		if run.cancel.IsSet() {
			out.Fail(NewCancelledError(fmt.Errorf("step %s not started", step)))
			return
		}

		n := run.attempt(step)
		ctx, cancel := context.WithTimeout(run.ctx, policy.Timeout)
		defer cancel()
		ctx, span := f.tracer.Start(ctx, "step."+string(step), trace.WithAttributes(
			attribute.Int("attempt", n),
		))
		defer span.End()

		started := time.Now()
		res, err := hook(ctx, run.req)
		if err == nil && res.IsFailed() {
			err = fmt.Errorf("%s reported failure", step)
		}
		if err != nil {
			err = NewStepError(step, err).
				WithResource(run.req.Resource.ID).
				WithOperation(string(OperationCreate)).
				WithDetail("attempt", n)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			f.metrics.RecordStepAttempt(string(step), string(StepStatusFailed), time.Since(started))
			out.Fail(err)
			return
		}

		// The object exists from here on, whatever happens to the future.
		run.succeeded.Add(step)
		span.SetStatus(codes.Ok, "")
		f.metrics.RecordStepAttempt(string(step), string(StepStatusSucceeded), time.Since(started))
		out.Complete(res)
	})
	return out
}

// hook returns the create hook of step. The ingress step provisions the
// traffic middlewares first when the resource restricts source addresses.
func (f *CreateFlow) hook(run *flowRun, step Step) stepHook {
	if step != StepIngress {
		return CreateHook(f.adapter, step)
	}
	return func(ctx context.Context, req StepRequest) (TaskResult[string], error) {
		if req.Resource.HasIPAllowRules() {
			res, err := f.adapter.CreateMiddlewares(ctx, req)
			if err == nil && res.IsFailed() {
				err = errors.New("middlewares reported failure")
			}
			if err != nil {
				run.recordStep(StepMiddlewares, OperationCreate, StepStatusFailed, 1, "", err)
				return Failed[string](), NewStepError(StepMiddlewares, err)
			}
			run.succeeded.Add(StepMiddlewares)
			run.recordStep(StepMiddlewares, OperationCreate, StepStatusSucceeded, 1, "", nil)
		}
		return f.adapter.CreateIngress(ctx, req)
	}
}

// assemble builds the flow result from the deployment and ingress results.
func (f *CreateFlow) assemble(futures map[Step]*Future[TaskResult[string]], cluster *Cluster) TaskResult[string] {
	result, _ := futures[StepDeployment].Result()
	if result.Cluster() == nil {
		result = result.WithCluster(cluster)
	}
	if ingress, err := futures[StepIngress].Result(); err == nil && ingress.IsSuccess() {
		if hostname, ok := ingress.Value(); ok && hostname != "" {
			result = result.WithValue(hostname)
		}
	}
	return result
}

// drain waits for attempts already running to return, bounded by the rollback timeout,
// so the succeeded set is final before rollback reads it.
func (f *CreateFlow) drain(run *flowRun) {
	run.mu.Lock()
	run.draining = true
	run.mu.Unlock()

	done := make(chan struct{})
	go func() {
		run.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(f.config.RollbackTimeout):
		run.logger.Warn().Msg("Attempts still running after cancellation, rolling back anyway")
	}
}

// rollback deletes, in fixed order, every step that succeeded plus the steps
// implied by the failing one. Delete errors are logged and swallowed.
func (f *CreateFlow) rollback(run *flowRun, cause error) {
	steps := run.succeeded.Union(impliedRollback(StepOf(cause))...).Ordered(RollbackOrder)
	if len(steps) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(run.parent), f.config.RollbackTimeout)
	defer cancel()
	ctx, span := f.tracer.Start(ctx, "rollback")
	defer span.End()

	run.logger.Warn().Err(cause).Interface("steps", steps).Msg("Rolling back created objects")
	for _, step := range steps {
		hook := DeleteHook(f.adapter, step)
		if hook == nil {
			continue
		}
		if err := hook(ctx, run.req); err != nil {
			f.metrics.RecordRollbackStep(string(step), true)
			run.logger.Error().Err(err).Str("step", string(step)).Msg("Rollback step failed")
			run.publish(EventTypeRollbackStep, step, fmt.Sprintf("rollback of %s failed", step),
				map[string]interface{}{"error": err.Error()})
			continue
		}
		f.metrics.RecordRollbackStep(string(step), false)
		run.recordStep(step, OperationRollback, StepStatusRolledBack, 1, "", nil)
		run.publish(EventTypeRollbackStep, step, fmt.Sprintf("rolled back %s", step), nil)
	}
}
