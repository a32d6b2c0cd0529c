package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/invergent-ai/surogate-studio-sub001/pkg/engine"
)

func newTestEngine(t *testing.T, settings Settings) *Engine {
	t.Helper()
	e, err := NewEngine(zerolog.Nop(), settings)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func validResource() *engine.Resource {
	return &engine.Resource{
		ID:   "0f8fad5b-d9cb-469f-a165-70867728950e",
		Name: "web",
		Kind: engine.KindApplication,
		Project: &engine.Project{
			ID:        "p-1",
			Name:      "team-a",
			Namespace: "team-a",
		},
		Spec: engine.WorkloadSpec{
			Image:    "registry.example.com/web:1.4.2",
			Replicas: 2,
			Ports:    []engine.Port{{Name: "http", Port: 8080, Ingress: true}},
		},
	}
}

func TestNewEngine(t *testing.T) {
	e := newTestEngine(t, DefaultSettings())

	policies := e.ListPolicies()
	if len(policies) != len(GetBuiltinPolicies()) {
		t.Fatalf("Expected %d built-in policies, got %d", len(GetBuiltinPolicies()), len(policies))
	}
	for i := 1; i < len(policies); i++ {
		if policies[i-1].Name > policies[i].Name {
			t.Errorf("Expected policies sorted by name, got %s before %s", policies[i-1].Name, policies[i].Name)
		}
	}
	for _, p := range policies {
		if !p.Builtin || !p.Enabled {
			t.Errorf("Expected %s to be an enabled built-in", p.Name)
		}
	}
}

func TestEvaluateResource_Valid(t *testing.T) {
	e := newTestEngine(t, DefaultSettings())

	result, err := e.EvaluateResource(context.Background(), "create", validResource())
	if err != nil {
		t.Fatalf("Failed to evaluate: %v", err)
	}
	if !result.Allowed {
		t.Errorf("Expected resource to be allowed, got violations: %s", result.Summary())
	}
	if len(result.Warnings) != 0 {
		t.Errorf("Expected no warnings, got %v", result.Warnings)
	}
	if len(result.Errors) != 0 {
		t.Errorf("Expected no evaluation errors, got %v", result.Errors)
	}
	if len(result.EvaluatedPolicies) != len(GetBuiltinPolicies()) {
		t.Errorf("Expected every policy to be evaluated, got %v", result.EvaluatedPolicies)
	}
}

func TestEvaluateResource_BuiltinViolations(t *testing.T) {
	tests := []struct {
		name       string
		settings   Settings
		mutate     func(*engine.Resource)
		wantPolicy string
		blocking   bool
	}{
		{
			name:       "uppercase name",
			mutate:     func(r *engine.Resource) { r.Name = "Web" },
			wantPolicy: "resource-naming",
			blocking:   true,
		},
		{
			name:       "name too long",
			mutate:     func(r *engine.Resource) { r.Name = strings.Repeat("a", 54) },
			wantPolicy: "resource-naming",
			blocking:   true,
		},
		{
			name:       "too many replicas",
			mutate:     func(r *engine.Resource) { r.Spec.Replicas = 21 },
			wantPolicy: "resource-limits",
			blocking:   true,
		},
		{
			name:       "replica limit from settings",
			settings:   Settings{MaxReplicas: 1, MaxGPUs: 8},
			mutate:     func(r *engine.Resource) {},
			wantPolicy: "resource-limits",
			blocking:   true,
		},
		{
			name:       "too many gpus",
			mutate:     func(r *engine.Resource) { r.Spec.GPU = 9 },
			wantPolicy: "resource-limits",
			blocking:   true,
		},
		{
			name:       "registry not allowed",
			settings:   Settings{MaxReplicas: 20, MaxGPUs: 8, AllowedRegistries: []string{"ghcr.io/acme"}},
			mutate:     func(r *engine.Resource) {},
			wantPolicy: "image-source",
			blocking:   true,
		},
		{
			name:       "latest tag",
			mutate:     func(r *engine.Resource) { r.Spec.Image = "nginx:latest" },
			wantPolicy: "image-pinning",
			blocking:   false,
		},
		{
			name:       "untagged image",
			mutate:     func(r *engine.Resource) { r.Spec.Image = "registry.example.com:5000/web" },
			wantPolicy: "image-pinning",
			blocking:   false,
		},
		{
			name:       "invalid allow rule",
			mutate:     func(r *engine.Resource) { r.Spec.IPAllowRules = []string{"10.0.0.0/8", "not-an-ip"} },
			wantPolicy: "ingress-rules",
			blocking:   true,
		},
		{
			name: "allow rule without ingress",
			mutate: func(r *engine.Resource) {
				r.Spec.Ports[0].Ingress = false
				r.Spec.IPAllowRules = []string{"10.1.2.3"}
			},
			wantPolicy: "ingress-rules",
			blocking:   false,
		},
		{
			name: "incomplete credentials",
			mutate: func(r *engine.Resource) {
				r.Spec.RegistryCredentials = []engine.RegistryCredential{{Server: "registry.example.com", Username: "ci"}}
			},
			wantPolicy: "registry-credentials",
			blocking:   true,
		},
		{
			name: "persistent volume without size",
			mutate: func(r *engine.Resource) {
				r.Spec.Volumes = []engine.Volume{{Name: "data", MountPath: "/data", Persistent: true}}
			},
			wantPolicy: "volumes",
			blocking:   true,
		},
		{
			name: "duplicate volume names",
			mutate: func(r *engine.Resource) {
				r.Spec.Volumes = []engine.Volume{
					{Name: "data", MountPath: "/a"},
					{Name: "data", MountPath: "/b"},
				}
			},
			wantPolicy: "volumes",
			blocking:   true,
		},
		{
			name:       "database without spec",
			mutate:     func(r *engine.Resource) { r.Kind = engine.KindDatabase },
			wantPolicy: "database",
			blocking:   true,
		},
		{
			name: "database spec on application",
			mutate: func(r *engine.Resource) {
				r.Spec.Database = &engine.DatabaseSpec{Engine: "postgres", StorageSize: "1Gi"}
			},
			wantPolicy: "database",
			blocking:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			settings := tt.settings
			if settings.MaxReplicas == 0 {
				settings = DefaultSettings()
			}
			e := newTestEngine(t, settings)

			res := validResource()
			tt.mutate(res)

			result, err := e.EvaluateResource(context.Background(), "create", res)
			if err != nil {
				t.Fatalf("Failed to evaluate: %v", err)
			}

			found := result.Warnings
			if tt.blocking {
				found = result.Violations
				if result.Allowed {
					t.Error("Expected resource to be denied")
				}
			} else if !result.Allowed {
				t.Errorf("Expected warning only, got violations: %s", result.Summary())
			}

			matched := false
			for _, v := range found {
				if v.Policy == tt.wantPolicy {
					matched = true
					if v.ResourceID != res.ID {
						t.Errorf("Expected violation for %s, got %s", res.ID, v.ResourceID)
					}
				}
			}
			if !matched {
				t.Errorf("Expected a %s finding, got violations=%v warnings=%v", tt.wantPolicy, result.Violations, result.Warnings)
			}
		})
	}
}

func TestAdmit(t *testing.T) {
	e := newTestEngine(t, DefaultSettings())
	ctx := context.Background()

	if err := e.Admit(ctx, validResource()); err != nil {
		t.Fatalf("Expected valid resource to be admitted, got %v", err)
	}

	res := validResource()
	res.Spec.Replicas = 100
	err := e.Admit(ctx, res)
	if err == nil {
		t.Fatal("Expected admission to be denied")
	}
	var engErr *engine.EngineError
	if !errors.As(err, &engErr) {
		t.Fatalf("Expected EngineError, got %T", err)
	}
	if engErr.Code != engine.ErrCodePolicyDenied {
		t.Errorf("Expected code %s, got %s", engine.ErrCodePolicyDenied, engErr.Code)
	}
	if !engine.IsPermanent(err) {
		t.Error("Expected denial to be permanent")
	}
	if !IsDenied(err) {
		t.Error("Expected IsDenied to detect the denial")
	}
	var denied *DeniedError
	if errors.As(err, &denied) && len(denied.Result.Violations) != 1 {
		t.Errorf("Expected one violation, got %v", denied.Result.Violations)
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	e := newTestEngine(t, DefaultSettings())
	ctx := context.Background()

	res := validResource()
	res.Name = "Invalid_Name"

	if err := e.DisablePolicy("resource-naming"); err != nil {
		t.Fatalf("Failed to disable policy: %v", err)
	}
	if err := e.Admit(ctx, res); err != nil {
		t.Errorf("Expected disabled policy to be skipped, got %v", err)
	}

	if err := e.EnablePolicy("resource-naming"); err != nil {
		t.Fatalf("Failed to enable policy: %v", err)
	}
	if err := e.Admit(ctx, res); err == nil {
		t.Error("Expected enabled policy to deny the resource")
	}

	if err := e.EnablePolicy("missing"); err == nil {
		t.Error("Expected error for unknown policy")
	}
}

func TestSetCustomPolicies(t *testing.T) {
	e := newTestEngine(t, DefaultSettings())
	ctx := context.Background()

	custom := Policy{
		Name: "team-label",
		Rego: `package custom.labels

deny contains msg if {
	not input.resource.labels.team
	msg := "resources must carry a team label"
}
`,
		Enabled: true,
	}
	if err := e.SetCustomPolicies(ctx, []Policy{custom}); err != nil {
		t.Fatalf("Failed to set custom policies: %v", err)
	}

	p, err := e.GetPolicy("team-label")
	if err != nil {
		t.Fatalf("Failed to get policy: %v", err)
	}
	if p.Severity != SeverityError {
		t.Errorf("Expected default severity error, got %s", p.Severity)
	}

	res := validResource()
	if err := e.Admit(ctx, res); err == nil {
		t.Error("Expected custom policy to deny the resource")
	}
	res.Labels = map[string]string{"team": "search"}
	if err := e.Admit(ctx, res); err != nil {
		t.Errorf("Expected labelled resource to be admitted, got %v", err)
	}

	// A broken policy leaves the current set in place.
	broken := Policy{Name: "broken", Rego: "package broken\n\ndeny contains msg if {", Enabled: true}
	if err := e.SetCustomPolicies(ctx, []Policy{broken}); err == nil {
		t.Fatal("Expected compile error")
	}
	if _, err := e.GetPolicy("team-label"); err != nil {
		t.Error("Expected previous custom policy to survive a failed reload")
	}

	// Replacing drops custom policies that are gone.
	if err := e.SetCustomPolicies(ctx, nil); err != nil {
		t.Fatalf("Failed to clear custom policies: %v", err)
	}
	if _, err := e.GetPolicy("team-label"); err == nil {
		t.Error("Expected custom policy to be removed")
	}
	if len(e.ListPolicies()) != len(GetBuiltinPolicies()) {
		t.Error("Expected built-in policies to be kept")
	}
}

func TestSetCustomPolicies_Rejects(t *testing.T) {
	e := newTestEngine(t, DefaultSettings())
	ctx := context.Background()

	tests := []struct {
		name   string
		policy Policy
	}{
		{name: "builtin name", policy: Policy{Name: "volumes", Rego: "package x\n\ndeny contains 1 if false\n"}},
		{name: "no deny rule", policy: Policy{Name: "nodeny", Rego: "package x\n\nallow := true\n"}},
		{name: "bad severity", policy: Policy{Name: "sev", Severity: "fatal", Rego: "package x\n\ndeny contains 1 if false\n"}},
		{name: "no name", policy: Policy{Rego: "package x\n\ndeny contains 1 if false\n"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := e.SetCustomPolicies(ctx, []Policy{tt.policy}); err == nil {
				t.Error("Expected error, got nil")
			}
		})
	}
}

func TestLoadPolicies_Severity(t *testing.T) {
	e := newTestEngine(t, DefaultSettings())
	dir := t.TempDir()

	rego := `# Applications should declare an owner.
# severity: warning
package custom.owner

deny contains msg if {
	input.resource.kind == "application"
	not input.resource.labels.owner
	msg := "application has no owner label"
}
`
	if err := os.WriteFile(filepath.Join(dir, "owner.rego"), []byte(rego), 0o644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}
	if err := e.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("Failed to load policies: %v", err)
	}

	result, err := e.EvaluateResource(context.Background(), "create", validResource())
	if err != nil {
		t.Fatalf("Failed to evaluate: %v", err)
	}
	if !result.Allowed {
		t.Errorf("Expected warning policy not to block, got %s", result.Summary())
	}
	if len(result.Warnings) != 1 || result.Warnings[0].Policy != "owner" {
		t.Errorf("Expected one owner warning, got %v", result.Warnings)
	}
}

func TestEvaluateResource_Nil(t *testing.T) {
	e := newTestEngine(t, DefaultSettings())
	if _, err := e.EvaluateResource(context.Background(), "create", nil); err == nil {
		t.Error("Expected error for nil resource")
	}
}
