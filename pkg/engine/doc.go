// Package engine provides the provisioning and teardown flows of the Surogate Studio control plane.
//
// # Overview
//
// A resource (application, database, batch job or task run) decomposes into many Kubernetes
// objects that must be created in dependency order on the cluster assigned to its project.
// The engine drives that creation through a fixed pipeline of steps:
//
//	namespace
//	├── network_policy ──────────────┐
//	├── docker_secrets ──────────────┤
//	└── storage_classes ─┬───────────┤
//	                     └── volumes ┤
//	                                 └── deployment ── services ── [middlewares] ingress
//
// Each step runs asynchronously on a Scheduler, wrapped by RetryAsync with its own
// StepPolicy. Every attempt that succeeds records its step in the invocation's succeeded
// set. When a step exhausts its attempts, or the creation deadline passes, the flow raises
// its CancelSignal, cancels the pending steps and deletes what was created in the fixed
// RollbackOrder before returning the error of the step that failed.
//
// # Resource adapters
//
// The per-kind behavior lives behind ResourceAdapter. Adapters embed NoopHooks and override
// the hooks their kind needs; the flows only ever hold the interface.
//
// # Results and errors
//
// Hooks and flows return a TaskResult, a tri-state value (success, failure, wait-timeout)
// with an optional payload and the cluster it ran against. A wait-timeout means the
// objects exist but were not ready in time; it is not a failure.
//
// Failures are *EngineError values. Step failures carry the Step and a step-specific Code
// (see StepErrorCode); everything else is an orchestration error (ErrCodeOrchestration,
// ErrCodeTimeout, ErrCodeNoCluster, ErrCodePolicyDenied).
//
// # Example
//
//	flow, err := engine.NewCreateFlow(adapter, engine.Options{
//	    Scheduler: engine.NewPoolScheduler(16, nil),
//	    Config:    engine.DefaultFlowConfig(),
//	    Logger:    log.Logger,
//	})
//	if err != nil {
//	    return err
//	}
//	result, err := flow.ExecuteCreate(ctx, resource)
//	if err != nil {
//	    return err
//	}
//	hostname, _ := result.Value()
package engine
