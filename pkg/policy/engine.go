package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage"
	"github.com/open-policy-agent/opa/v1/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/invergent-ai/surogate-studio-sub001/pkg/engine"
)

// Settings are exposed to policies as data.studio.settings.
type Settings struct {
	// MaxReplicas caps the replicas of one resource.
	MaxReplicas int `json:"max_replicas"`

	// MaxGPUs caps the GPUs requested by one resource.
	MaxGPUs int `json:"max_gpus"`

	// AllowedRegistries restricts image registries when not empty.
	AllowedRegistries []string `json:"allowed_registries,omitempty"`
}

// DefaultSettings returns the settings used when none are configured.
func DefaultSettings() Settings {
	return Settings{MaxReplicas: 20, MaxGPUs: 8}
}

// Engine evaluates admission policies against resources. Built-in policies
// are always loaded; custom policies can be loaded and reloaded from disk.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	store    storage.Store
	logger   zerolog.Logger
	loader   *Loader
}

type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine with the built-in policies.
func NewEngine(logger zerolog.Logger, settings Settings) (*Engine, error) {
	doc, err := json.Marshal(map[string]interface{}{
		"studio": map[string]interface{}{"settings": settings},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode policy settings: %w", err)
	}
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		store:    inmem.NewFromReader(bytes.NewReader(doc)),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}
	e.loader = NewLoader(e.logger)

	builtins := GetBuiltinPolicies()
	for i := range builtins {
		cp, err := e.compile(context.Background(), &builtins[i])
		if err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
		e.policies[builtins[i].Name] = cp
	}

	e.logger.Debug().Int("count", len(builtins)).Msg("Built-in policies loaded")
	return e, nil
}

// Admit denies res when a blocking policy is violated. It implements the
// admission hook of the create flow.
func (e *Engine) Admit(ctx context.Context, res *engine.Resource) error {
	result, err := e.EvaluateResource(ctx, string(engine.OperationCreate), res)
	if err != nil {
		return err
	}
	for _, w := range result.Warnings {
		e.logger.Warn().
			Str("policy", w.Policy).
			Str("resource_id", res.ID).
			Msg(w.Message)
	}
	if result.Allowed {
		return nil
	}
	denied := &DeniedError{ResourceID: res.ID, Result: result}
	return engine.NewPermanentError("admission denied", denied).
		WithCode(engine.ErrCodePolicyDenied).
		WithResource(res.ID).
		WithDetail("violations", len(result.Violations))
}

// EvaluateResource evaluates every enabled policy against res.
func (e *Engine) EvaluateResource(ctx context.Context, operation string, res *engine.Resource) (*Result, error) {
	if res == nil {
		return nil, fmt.Errorf("resource is required")
	}
	startTime := time.Now()

	e.mu.RLock()
	defer e.mu.RUnlock()

	input := &Input{
		Operation: operation,
		Resource:  res,
		Timestamp: startTime.UTC(),
	}
	result := &Result{Allowed: true}

	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			if ctx.Err() != nil {
				return nil, engine.NewCancelledError(ctx.Err())
			}
			e.logger.Error().Err(err).
				Str("policy", name).
				Str("resource_id", res.ID).
				Msg("Policy evaluation failed")
			result.Errors = append(result.Errors, fmt.Sprintf("policy %s evaluation failed: %v", name, err))
			continue
		}

		for _, v := range violations {
			if v.Severity.Blocking() {
				result.Allowed = false
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
	}

	result.Duration = time.Since(startTime)
	e.logger.Debug().
		Str("resource_id", res.ID).
		Str("operation", operation).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.Duration).
		Msg("Resource policy evaluation completed")

	return result, nil
}

func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, newViolation(cp.policy, d, input))
		}
	}
	return violations, nil
}

func newViolation(policy *Policy, result interface{}, input *Input) Violation {
	violation := Violation{
		Policy:     policy.Name,
		ResourceID: input.Resource.ID,
		Severity:   policy.Severity,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if raw, ok := v["severity"].(string); ok {
			if sev, err := ParseSeverity(raw); err == nil {
				violation.Severity = sev
			}
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}
	return violation
}

// compile parses policy and prepares its deny query.
func (e *Engine) compile(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	if policy.Name == "" {
		return nil, fmt.Errorf("policy name is required")
	}
	if policy.Severity == "" {
		policy.Severity = SeverityError
	}
	if _, err := ParseSeverity(string(policy.Severity)); err != nil {
		return nil, err
	}

	module, err := ast.ParseModule(policy.Name+".rego", policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	if module == nil {
		return nil, fmt.Errorf("policy is empty")
	}
	hasDeny := false
	for _, rule := range module.Rules {
		if rule.Head.Ref().String() == "deny" {
			hasDeny = true
			break
		}
	}
	if !hasDeny {
		return nil, fmt.Errorf("policy does not define deny")
	}

	query, err := rego.New(
		rego.Query(module.Package.Path.String()+".deny"),
		rego.Module(policy.Name+".rego", policy.Rego),
		rego.Store(e.store),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	e.logger.Debug().Str("policy", policy.Name).Msg("Policy compiled successfully")
	return &compiledPolicy{policy: policy, query: query, compiled: time.Now()}, nil
}

// LoadPolicies loads custom policies from files or directories, replacing
// the custom policies loaded before.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := e.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.SetCustomPolicies(ctx, policies)
}

// SetCustomPolicies compiles policies and swaps them in for the current
// custom policies. Nothing changes when any policy fails to compile.
func (e *Engine) SetCustomPolicies(ctx context.Context, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		p := policies[i]
		p.Builtin = false
		if _, dup := compiled[p.Name]; dup {
			return fmt.Errorf("duplicate policy %s", p.Name)
		}
		cp, err := e.compile(ctx, &p)
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		compiled[p.Name] = cp
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for name := range compiled {
		if existing, ok := e.policies[name]; ok && existing.policy.Builtin {
			return fmt.Errorf("policy %s conflicts with a built-in policy", name)
		}
	}
	for name, cp := range e.policies {
		if !cp.policy.Builtin {
			delete(e.policies, name)
		}
	}
	for name, cp := range compiled {
		e.policies[name] = cp
	}

	e.logger.Info().Int("count", len(compiled)).Msg("Custom policies loaded")
	return nil
}

// Watch reloads the custom policies under paths whenever they change,
// until ctx is cancelled.
func (e *Engine) Watch(ctx context.Context, paths []string) error {
	return e.loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.SetCustomPolicies(ctx, policies)
	})
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}

// Close stops watching policy files.
func (e *Engine) Close() error {
	return e.loader.StopWatching()
}

var _ engine.Admission = (*Engine)(nil)
