// Package config loads the control-plane configuration and resource
// manifests.
//
// # Formats
//
// Files are read as CUE when they end in .cue and as YAML (or JSON)
// otherwise. Every document is unified with a built-in CUE schema that
// rejects unknown fields and fills in defaults, then checked with struct
// validation:
//
//	loader := config.NewLoader()
//	cfg, err := loader.LoadConfig("studio.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	flowCfg, err := cfg.Engine.ToFlowConfig()
//
// A minimal configuration overrides only what differs from the defaults:
//
//	database:
//	  path: /var/lib/studio/state.db
//	engine:
//	  step_attempts: 5
//	  steps:
//	    deployment:
//	      timeout: 5m
//	ingress:
//	  cert_resolver: internal-ca
//
// Resource manifests describe one resource each:
//
//	name: web
//	kind: application
//	project: p-1
//	spec:
//	  image: nginx:1.27
//	  ports:
//	    - {name: http, port: 80, ingress: true}
//
// # Hostname scripts
//
// HostnameScript computes public hostnames with Starlark. The script reads
// the resource and cluster dicts and sets hostname:
//
//	hostname = "%s-%s.%s" % (resource["name"], resource["project"], cluster["ingress_domain"])
//
// Scripts run without file or network access, with print suppressed, and
// are cancelled after a timeout.
//
// # Errors
//
// Load failures are returned as ValidationErrors carrying the file, the
// position when known and the offending configuration path.
package config
