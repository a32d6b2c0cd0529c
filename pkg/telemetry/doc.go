// Package telemetry provides the observability stack of the control plane.
//
// It integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and an in-process event bus into one
// Telemetry value created at startup:
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// # Flows
//
// The engine flows take their collaborators from here:
//
//	opts := engine.Options{
//	    Logger:  tel.Logger.Zerolog(),
//	    Tracer:  tel.Tracer.Tracer(),
//	    Metrics: tel.Metrics,
//	    Events:  tel.Events,
//	}
//
// Metrics implements engine.FlowMetrics and EventBus implements
// engine.EventPublisher. A disabled Metrics or EventBus accepts every call
// and records nothing.
//
// # Structured Logging
//
// Loggers carry the identity of what they log about:
//
//	logger := tel.Logger.NewComponentLogger("controlplane").
//	    WithResource(res).
//	    WithFlowID(flowID)
//	logger.Info("Create flow finished")
//
// # Events
//
// Subscribers receive flow events in publish order. The store subscribes
// through PersistTo so that every event lands in the event log:
//
//	tel.Events.Subscribe(telemetry.PersistTo(store, tel.Logger), nil)
//
// # Metrics
//
// Metrics live in their own registry and are served by StartMetricsServer
// under MetricsConfig.Path. Names are prefixed with MetricsConfig.Namespace:
// flows_started_total, flows_completed_total, flow_duration_seconds,
// active_flows, step_attempts_total, step_attempt_duration_seconds,
// step_retries_total, rollback_steps_total, resources_managed,
// policy_denials_total, errors_by_class_total and errors_by_code_total.
package telemetry
