package config

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/invergent-ai/surogate-studio-sub001/pkg/engine"
)

func TestStarlarkEvaluator_Evaluate(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5 * time.Second)
	ctx := context.Background()

	tests := []struct {
		name      string
		script    string
		input     map[string]interface{}
		checkFunc func(*testing.T, *StarlarkResult)
		wantErr   bool
	}{
		{
			name:   "simple arithmetic",
			script: "result = 2 + 2\n",
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if sr.Output["result"] != int64(4) {
					t.Errorf("Expected result=4, got %v", sr.Output["result"])
				}
			},
		},
		{
			name:   "input dicts",
			script: "label = resource[\"labels\"][\"team\"] + \"-\" + resource[\"name\"]\n",
			input: map[string]interface{}{
				"resource": map[string]interface{}{
					"name":   "web",
					"labels": map[string]interface{}{"team": "search"},
				},
			},
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if sr.Output["label"] != "search-web" {
					t.Errorf("Expected label=search-web, got %v", sr.Output["label"])
				}
			},
		},
		{
			name: "functions and private globals are not exported",
			script: `
_prefix = "app"
def join(a, b):
    return a + "-" + b

name = join(_prefix, "x")
`,
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if _, ok := sr.Output["_prefix"]; ok {
					t.Error("Expected private global to be skipped")
				}
				if _, ok := sr.Output["join"]; ok {
					t.Error("Expected function to be skipped")
				}
				if sr.Output["name"] != "app-x" {
					t.Errorf("Expected name=app-x, got %v", sr.Output["name"])
				}
			},
		},
		{
			name:   "tuples become lists",
			script: "pair = (1, \"a\")\n",
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				pair, ok := sr.Output["pair"].([]interface{})
				if !ok || len(pair) != 2 {
					t.Fatalf("Expected two element list, got %v", sr.Output["pair"])
				}
			},
		},
		{
			name:    "runtime error",
			script:  "x = 1 / 0\n",
			wantErr: true,
		},
		{
			name:    "unsupported input",
			script:  "x = 1\n",
			input:   map[string]interface{}{"bad": struct{}{}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(ctx, tt.script, tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatal("Expected error, got nil")
				}
				if result == nil || result.Error == "" {
					t.Error("Expected result to carry the error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if tt.checkFunc != nil {
				tt.checkFunc(t, result)
			}
		})
	}
}

func TestStarlarkEvaluator_Timeout(t *testing.T) {
	evaluator := NewStarlarkEvaluator(50 * time.Millisecond)

	script := `
def spin():
    n = 0
    for i in range(1000000000):
        n += i
    return n

total = spin()
`
	start := time.Now()
	_, err := evaluator.Evaluate(context.Background(), script, nil)
	if err == nil {
		t.Fatal("Expected timeout error, got nil")
	}
	if !strings.Contains(err.Error(), "timeout") {
		t.Errorf("Expected timeout error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Expected script to be cancelled promptly, took %v", elapsed)
	}
}

func TestStarlarkEvaluator_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	script := "def f():\n    for i in range(1000000000):\n        pass\n\nf()\n"
	if _, err := NewStarlarkEvaluator(time.Minute).Evaluate(ctx, script, nil); err == nil {
		t.Fatal("Expected cancellation error, got nil")
	}
}

func TestHostnameScript(t *testing.T) {
	res := &engine.Resource{
		ID:      "0f8fad5b-d9cb-469f-a165-70867728950e",
		Name:    "web",
		Kind:    engine.KindApplication,
		Project: &engine.Project{ID: "p-1", Name: "team-a", Namespace: "team-a"},
	}
	cluster := &engine.Cluster{ID: "c-a", Name: "alpha", Zone: "eu-1", IngressDomain: "apps.example.com"}

	tests := []struct {
		name    string
		script  string
		want    string
		wantErr bool
	}{
		{
			name:   "computed",
			script: `hostname = resource["name"] + "-" + resource["project"] + "." + cluster["ingress_domain"]`,
			want:   "web-team-a.apps.example.com",
		},
		{
			name:   "short id",
			script: `hostname = "%s-%s.%s" % (resource["name"], resource["short_id"], cluster["zone"])`,
			want:   "web-0f8fad5b.eu-1",
		},
		{
			name:   "unset falls back",
			script: `other = 1`,
			want:   "web.apps.example.com",
		},
		{
			name:   "empty falls back",
			script: `hostname = ""`,
			want:   "web.apps.example.com",
		},
		{
			name:    "not a string",
			script:  `hostname = 42`,
			wantErr: true,
		},
		{
			name:    "runtime error",
			script:  `hostname = resource["missing"]`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := NewHostnameScript(tt.script, time.Second)
			if err != nil {
				t.Fatalf("Failed to create hostname script: %v", err)
			}
			got, err := h.Hostname(res, cluster)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Expected error, got hostname %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected hostname %q, got %q", tt.want, got)
			}
		})
	}
}

func TestNewHostnameScript_Invalid(t *testing.T) {
	if _, err := NewHostnameScript("", time.Second); err == nil {
		t.Error("Expected error for empty script")
	}
	if _, err := NewHostnameScript("hostname = (", time.Second); err == nil {
		t.Error("Expected error for syntax error")
	}
}
