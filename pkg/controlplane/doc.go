// Package controlplane exposes the operations of the control plane on
// stored resources.
//
// A Service loads a resource from the store, picks the adapter of its kind
// and runs the create or delete flow. Around each flow it maintains the
// resource status (creating, ready, pending, error, deleting, deleted),
// publishes status changes and admission denials on the event bus, writes
// an audit entry and refreshes the managed resources gauge.
//
// Only one flow runs per resource at a time; a second Create or Delete of
// the same resource fails with a conflict error while the first is running.
//
//	svc, err := controlplane.NewService(controlplane.Options{
//		Store:     store,
//		Registry:  adapters.NewRegistry(deps),
//		Policy:    policyEngine,
//		Telemetry: tel,
//	})
//	result, err := svc.Create(ctx, resourceID)
package controlplane
