package config

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// Names of the built-in schemas.
const (
	SchemaConfig   = "config"
	SchemaResource = "resource"
)

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	sr.registerBuiltInSchemas()
	return sr
}

func (sr *SchemaRegistry) registerBuiltInSchemas() {
	for name, schema := range map[string]string{
		SchemaConfig:   builtinConfigSchema,
		SchemaResource: builtinResourceSchema,
	} {
		if err := sr.RegisterSchema(name, schema); err != nil {
			panic(err)
		}
	}
}

// RegisterSchema compiles a CUE source and registers the definition named
// after the schema: "config" registers #Config. Other definitions in the
// source may be referenced by it.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	if name == "" {
		return fmt.Errorf("schema name is required")
	}
	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	def := val.LookupPath(cue.ParsePath(definitionName(name)))
	if !def.Exists() {
		return fmt.Errorf("schema %s does not declare %s", name, definitionName(name))
	}
	if err := def.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.schemas[name] = def
	return nil
}

func definitionName(schema string) string {
	return "#" + strings.ToUpper(schema[:1]) + schema[1:]
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Apply unifies data with a named schema, filling in defaults, and returns
// the concrete result.
func (sr *SchemaRegistry) Apply(schemaName string, data cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", schemaName)
	}
	unified := schema.Unify(data)
	if err := unified.Validate(cue.Concrete(true), cue.Final()); err != nil {
		return cue.Value{}, err
	}
	return unified, nil
}

// ValidateAgainstSchema validates data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}
	if _, err := sr.Apply(schemaName, dataVal); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ListSchemas returns all registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Built-in schema definitions

const builtinConfigSchema = `
#Duration: =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

#Step: {
	attempts?: int & >=0
	delay?:    #Duration
	timeout?:  #Duration
}

#Config: {
	database: {
		path:           *"studio.db" | string
		max_open_conns: *0 | int & >=0
	}

	engine: {
		step_attempts:    *3 | int & >=1
		step_delay:       *"5s" | #Duration
		step_timeout:     *"30s" | #Duration
		create_deadline:  *"10m" | #Duration
		delete_deadline:  *"5m" | #Duration
		rollback_timeout: *"5m" | #Duration
		parallelism:      *8 | int & >=1
		steps?: [=~"^(namespace|network_policy|docker_secrets|storage_classes|volumes|deployment|services|ingress|middlewares)$"]: #Step
	}

	kube: {
		qps:           *20.0 | number & >=0
		burst:         *40 | int & >=0
		poll_interval: *"2s" | #Duration
	}

	ingress: {
		entry_point:          *"websecure" | string
		cert_resolver:        *"letsencrypt" | string
		controller_namespace: *"traefik" | string
	}

	policy: {
		enabled:            *true | bool
		dir:                *"" | string
		watch:              *false | bool
		max_replicas:       *20 | int & >=1
		max_gpus:           *8 | int & >=0
		allowed_registries: *[] | [...string]
	}

	telemetry: {
		log_level:        *"info" | "trace" | "debug" | "warn" | "error" | "fatal"
		log_format:       *"console" | "json"
		metrics_enabled:  *false | bool
		metrics_address:  *":9090" | string
		tracing_exporter: *"none" | "stdout" | "otlp"
		tracing_endpoint: *"" | string
	}

	hostname: {
		script?:      string
		script_file?: string
	}
}
`

const builtinResourceSchema = `
import "strings"

#Resource: {
	id?:           string & =~"^[a-zA-Z0-9_-]+$"
	name:          string & =~"^[a-z0-9]([-a-z0-9]*[a-z0-9])?$" & strings.MaxRunes(53)
	kind:          "application" | "database" | "batch_job" | "task_run"
	project:       string & !=""
	namespace?:    string & =~"^[a-z0-9]([-a-z0-9]*[a-z0-9])?$"
	keep_volumes:  *false | bool
	labels?: {[string]: string}
	ready_timeout?: =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"
	placement?: {
		preferred_clusters?: [...string]
		nodes?: [...string]
	}

	spec: {
		image?:   string
		command?: [...string]
		args?:    [...string]
		script?:  string
		env?: {[string]: string}
		replicas?: int & >=0
		cpu?:      string
		memory?:   string
		gpu?:      int & >=0
		ports?: [...{
			name:      string
			port:      int & >0 & <65536
			protocol?: "TCP" | "UDP" | "SCTP"
			ingress?:  bool
		}]
		volumes?: [...{
			name:            string
			mount_path:      string
			size?:           string
			persistent?:     bool
			storage_class?:  string
			reclaim_policy?: "Delete" | "Retain"
		}]
		registry_credentials?: [...{
			server:   string
			username: string
			password: string
		}]
		ip_allow_rules?: [...string]
		database?: {
			engine:       "postgres" | "postgresql"
			version?:     string
			instances?:   int & >=1
			storage_size: string
		}
	}

	if kind == "task_run" {
		spec: script: string & !=""
	}
	if kind == "database" {
		spec: database: _
	}
	if kind == "application" || kind == "batch_job" {
		spec: image: string & !=""
	}
}
`
