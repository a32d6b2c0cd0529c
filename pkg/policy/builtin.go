package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		resourceNamingPolicy(),
		imageSourcePolicy(),
		imagePinningPolicy(),
		resourceLimitsPolicy(),
		ingressRulesPolicy(),
		registryCredentialsPolicy(),
		volumesPolicy(),
		databasePolicy(),
	}
}

func builtin(name, description string, severity Severity, rego string) Policy {
	return Policy{
		Name:        name,
		Description: description,
		Severity:    severity,
		Enabled:     true,
		Builtin:     true,
		Rego:        rego,
	}
}

// resourceNamingPolicy keeps names usable as Kubernetes object names once
// suffixed with the short resource ID.
func resourceNamingPolicy() Policy {
	return builtin("resource-naming",
		"Resource names must be DNS-1123 labels of at most 53 characters",
		SeverityError, `package studio.policies.naming

deny contains msg if {
	not input.resource.name
	msg := "resource must have a name"
}

deny contains msg if {
	name := input.resource.name
	not regex.match("^[a-z0-9]([-a-z0-9]*[a-z0-9])?$", name)
	msg := sprintf("resource name '%s' must contain only lowercase letters, numbers and hyphens, and start and end with an alphanumeric character", [name])
}

deny contains msg if {
	name := input.resource.name
	count(name) > 53
	msg := sprintf("resource name '%s' is longer than 53 characters", [name])
}
`)
}

// imageSourcePolicy restricts image registries when the settings list any.
func imageSourcePolicy() Policy {
	return builtin("image-source",
		"Images must come from an allowed registry",
		SeverityError, `package studio.policies.images

allowed := object.get(data.studio.settings, "allowed_registries", [])

deny contains msg if {
	count(allowed) > 0
	image := input.resource.spec.image
	image != ""
	not from_allowed(image)
	msg := sprintf("image '%s' is not from an allowed registry (%s)", [image, concat(", ", allowed)])
}

from_allowed(image) if {
	some registry in allowed
	startswith(image, concat("", [trim_suffix(registry, "/"), "/"]))
}
`)
}

// imagePinningPolicy warns about floating image tags.
func imagePinningPolicy() Policy {
	return builtin("image-pinning",
		"Images should be pinned to a tag or digest other than latest",
		SeverityWarning, `package studio.policies.pinning

deny contains msg if {
	image := input.resource.spec.image
	endswith(image, ":latest")
	msg := sprintf("image '%s' uses the latest tag", [image])
}

deny contains msg if {
	image := input.resource.spec.image
	image != ""
	not contains(image, "@")
	not tagged(image)
	msg := sprintf("image '%s' has no tag", [image])
}

tagged(image) if {
	parts := split(image, "/")
	contains(parts[count(parts) - 1], ":")
}
`)
}

// resourceLimitsPolicy caps replicas and GPUs.
func resourceLimitsPolicy() Policy {
	return builtin("resource-limits",
		"Replicas and GPUs must stay within the configured limits",
		SeverityError, `package studio.policies.limits

max_replicas := object.get(data.studio.settings, "max_replicas", 20)

max_gpus := object.get(data.studio.settings, "max_gpus", 8)

deny contains msg if {
	replicas := object.get(input.resource.spec, "replicas", 0)
	replicas > max_replicas
	msg := sprintf("resource requests %d replicas, the limit is %d", [replicas, max_replicas])
}

deny contains msg if {
	replicas := object.get(input.resource.spec, "replicas", 0)
	replicas < 0
	msg := "replicas must not be negative"
}

deny contains msg if {
	gpus := object.get(input.resource.spec, "gpu", 0)
	gpus > max_gpus
	msg := sprintf("resource requests %d GPUs, the limit is %d", [gpus, max_gpus])
}
`)
}

// ingressRulesPolicy validates source address filters.
func ingressRulesPolicy() Policy {
	return builtin("ingress-rules",
		"IP allow rules must be addresses or CIDR ranges",
		SeverityError, `package studio.policies.ingress

rules := object.get(input.resource.spec, "ip_allow_rules", [])

deny contains msg if {
	some rule in rules
	not valid_rule(rule)
	msg := sprintf("ip allow rule '%s' is not an address or CIDR range", [rule])
}

deny contains {"message": msg, "severity": "warning"} if {
	count(rules) > 0
	not exposed
	msg := "ip allow rules have no effect without an ingress port"
}

valid_rule(rule) if net.cidr_is_valid(rule)

valid_rule(rule) if net.cidr_is_valid(concat("", [rule, "/32"]))

valid_rule(rule) if net.cidr_is_valid(concat("", [rule, "/128"]))

exposed if {
	some port in object.get(input.resource.spec, "ports", [])
	port.ingress == true
}
`)
}

// registryCredentialsPolicy requires complete pull credentials.
func registryCredentialsPolicy() Policy {
	return builtin("registry-credentials",
		"Registry credentials must name a server, a username and a password",
		SeverityError, `package studio.policies.credentials

deny contains msg if {
	some i, cred in object.get(input.resource.spec, "registry_credentials", [])
	some field in ["server", "username", "password"]
	object.get(cred, field, "") == ""
	msg := sprintf("registry credential %d has no %s", [i, field])
}
`)
}

// volumesPolicy requires sizes on generated claims.
func volumesPolicy() Policy {
	return builtin("volumes",
		"Persistent volumes must declare a size and unique names",
		SeverityError, `package studio.policies.volumes

volumes := object.get(input.resource.spec, "volumes", [])

deny contains msg if {
	some v in volumes
	object.get(v, "persistent", false) == true
	object.get(v, "size", "") == ""
	msg := sprintf("persistent volume '%s' must declare a size", [v.name])
}

deny contains msg if {
	some i, j
	volumes[i].name == volumes[j].name
	i < j
	msg := sprintf("volume name '%s' is used more than once", [volumes[i].name])
}
`)
}

// databasePolicy checks database resources.
func databasePolicy() Policy {
	return builtin("database",
		"Database resources must describe a supported database cluster",
		SeverityError, `package studio.policies.database

deny contains msg if {
	input.resource.kind == "database"
	not input.resource.spec.database
	msg := "database resource has no database spec"
}

deny contains msg if {
	db := input.resource.spec.database
	object.get(db, "storage_size", "") == ""
	msg := "database storage size is required"
}

deny contains msg if {
	db := input.resource.spec.database
	instances := object.get(db, "instances", 0)
	instances > 9
	msg := sprintf("database requests %d instances, the limit is 9", [instances])
}

deny contains msg if {
	input.resource.kind != "database"
	input.resource.spec.database
	msg := sprintf("%s resource must not carry a database spec", [input.resource.kind])
}
`)
}
