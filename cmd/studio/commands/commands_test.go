package commands

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/invergent-ai/surogate-studio-sub001/pkg/config"
)

func run(t *testing.T, args ...string) error {
	t.Helper()
	cmd := newRootCommand("test", "none", "now")
	cmd.SetArgs(args)
	return cmd.ExecuteContext(context.Background())
}

func initWorkspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "studio.yaml")
	if err := run(t, "init", "--config", cfgPath, "--data-dir", filepath.Join(dir, "data")); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	return cfgPath
}

func writeFile(t *testing.T, path, content string) string {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
	return path
}

func TestInit_WritesLoadableConfig(t *testing.T) {
	cfgPath := initWorkspace(t)

	cfg, err := config.NewLoader().LoadConfig(cfgPath)
	if err != nil {
		t.Fatalf("Generated config does not load: %v", err)
	}
	if _, err := os.Stat(cfg.Database.Path); err != nil {
		t.Errorf("Expected database at %s: %v", cfg.Database.Path, err)
	}
	if info, err := os.Stat(cfg.Policy.Dir); err != nil || !info.IsDir() {
		t.Errorf("Expected policy directory at %s", cfg.Policy.Dir)
	}

	if err := run(t, "init", "--config", cfgPath); err == nil {
		t.Error("Expected init to refuse overwriting the config")
	}
}

func TestValidate(t *testing.T) {
	cfgPath := initWorkspace(t)
	dir := filepath.Dir(cfgPath)

	good := writeFile(t, filepath.Join(dir, "web.yaml"), "name: web\nkind: application\nproject: p-1\nspec:\n  image: nginx:1.27\n")
	bad := writeFile(t, filepath.Join(dir, "bad.yaml"), "name: web\nkind: cronjob\nproject: p-1\nspec:\n  image: nginx:1.27\n")

	if err := run(t, "validate", "--config", cfgPath, "-f", good); err != nil {
		t.Errorf("Expected valid manifest to pass, got %v", err)
	}
	if err := run(t, "validate", "--config", cfgPath, "-f", good, "-f", bad); err == nil {
		t.Error("Expected invalid manifest to fail validation")
	}
}

func TestRegistrationCommands(t *testing.T) {
	cfgPath := initWorkspace(t)
	dir := filepath.Dir(cfgPath)

	if err := run(t, "cluster", "add", "--config", cfgPath, "--id", "c-1", "--name", "prod-1", "--zone", "eu-1"); err == nil {
		t.Error("Expected cluster add without kubeconfig or endpoint to fail")
	}
	if err := run(t, "cluster", "add", "--config", cfgPath, "--id", "c-1", "--name", "prod-1", "--zone", "eu-1",
		"--endpoint", "https://prod-1.example.com:6443", "--ingress-domain", "apps.example.com"); err != nil {
		t.Fatalf("cluster add failed: %v", err)
	}
	if err := run(t, "project", "create", "--config", cfgPath, "--id", "p-1", "--name", "team-a", "--namespace", "team-a"); err == nil {
		t.Error("Expected project create without zone to fail")
	}
	if err := run(t, "project", "create", "--config", cfgPath, "--id", "p-1", "--name", "team-a", "--namespace", "team-a", "--zone", "eu-1"); err != nil {
		t.Fatalf("project create failed: %v", err)
	}

	manifest := writeFile(t, filepath.Join(dir, "web.yaml"), "id: r-1\nname: web\nkind: application\nproject: p-1\nspec:\n  image: nginx:1.27\n")
	if err := run(t, "resource", "register", "--config", cfgPath, "-f", manifest); err != nil {
		t.Fatalf("resource register failed: %v", err)
	}

	for _, args := range [][]string{
		{"cluster", "list"},
		{"project", "show", "p-1"},
		{"resource", "show", "r-1"},
		{"resource", "history", "r-1"},
		{"resource", "events", "r-1"},
		{"policy", "list"},
		{"plan", "--kind", "database", "--json"},
	} {
		if err := run(t, append(args, "--config", cfgPath)...); err != nil {
			t.Errorf("%v failed: %v", args, err)
		}
	}

	if err := run(t, "resource", "show", "missing", "--config", cfgPath); err == nil {
		t.Error("Expected show of an unknown resource to fail")
	}
	if err := run(t, "plan", "--kind", "cronjob", "--config", cfgPath); err == nil {
		t.Error("Expected plan of an unknown kind to fail")
	}
}

func TestPlan_WritesDOT(t *testing.T) {
	cfgPath := initWorkspace(t)
	dotPath := filepath.Join(filepath.Dir(cfgPath), "app.dot")

	if err := run(t, "plan", "--config", cfgPath, "--dot", dotPath); err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	content, err := os.ReadFile(dotPath)
	if err != nil {
		t.Fatalf("Expected DOT file: %v", err)
	}
	if len(content) == 0 {
		t.Error("Expected non-empty DOT graph")
	}
}
