// Package policy admits resources with Open Policy Agent (OPA) policies.
//
// Every policy is a Rego module defining a deny set. Each element is either
// a message string or an object with a message and an optional severity.
// Violations of severity error or critical deny the resource; info and
// warning violations are reported only.
//
//	package custom.owner
//
//	deny contains msg if {
//		not input.resource.labels.owner
//		msg := "resources must carry an owner label"
//	}
//
// Policies see the resource (with its project) as input.resource, the
// operation as input.operation and the engine settings as
// data.studio.settings.
//
// The Engine ships built-in policies for naming, image sources, resource
// limits, ingress filters, pull credentials, volumes and databases. Custom
// policies are loaded from .rego or .json files and can be reloaded while
// running:
//
//	pe, err := policy.NewEngine(logger, policy.DefaultSettings())
//	if err != nil {
//	    return err
//	}
//	if err := pe.LoadPolicies(ctx, []string{"/etc/studio/policies"}); err != nil {
//	    return err
//	}
//	_ = pe.Watch(ctx, []string{"/etc/studio/policies"})
//
// The Engine implements the admission hook of the create flow: a denied
// resource fails with code POLICY_DENIED before anything is provisioned.
package policy
