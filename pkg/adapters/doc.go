// Package adapters implements the per-kind resource adapters driven by the
// engine flows: applications, databases, batch jobs and task runs.
//
// Every adapter embeds Base, which resolves namespaces, places projects on
// clusters and provides the hooks shared by all kinds (namespace, network
// policy, pull secrets, storage, services, Traefik middlewares and routes).
// Kinds add their workload hooks and turn off the steps they do not need.
//
// Cluster placement goes through a Placer that must be shared by all
// adapters of a process:
//
//	placer := adapters.NewPlacer(store, store, store, logger)
//	registry := adapters.NewRegistry(adapters.Deps{
//		Placer: placer,
//		Kube:   kube.NewKubeconfigFactory(logger),
//		Logger: logger,
//	})
//	app, _ := registry.Get(engine.KindApplication)
package adapters
