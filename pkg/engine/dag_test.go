package engine

import (
	"strings"
	"testing"
)

func TestDAGBuilder_CreationPipeline(t *testing.T) {
	graph, err := NewDAGBuilder().BuildGraph(CreationDependencies)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if len(graph.Roots) != 1 || graph.Roots[0] != StepNamespace {
		t.Errorf("Expected namespace as the only root, got %v", graph.Roots)
	}

	wantLevels := map[Step]int{
		StepNamespace:      0,
		StepDockerSecrets:  1,
		StepNetworkPolicy:  1,
		StepStorageClasses: 1,
		StepVolumes:        2,
		StepDeployment:     3,
		StepServices:       4,
		StepIngress:        5,
	}
	for step, level := range wantLevels {
		node, ok := graph.Nodes[step]
		if !ok {
			t.Errorf("Expected node for %s", step)
			continue
		}
		if node.Level != level {
			t.Errorf("Expected %s at level %d, got %d", step, level, node.Level)
		}
	}
	if graph.Depth != 6 {
		t.Errorf("Expected depth 6, got %d", graph.Depth)
	}
	if _, ok := graph.Nodes[StepMiddlewares]; ok {
		t.Error("Expected middlewares to be provisioned inside the ingress step, not as a node")
	}
}

func TestDAGBuilder_OrderRespectsDependencies(t *testing.T) {
	graph, err := NewDAGBuilder().BuildGraph(CreationDependencies)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	position := make(map[Step]int)
	for i, step := range graph.Order() {
		position[step] = i
	}
	for step, deps := range CreationDependencies {
		for _, dep := range deps {
			if position[dep] >= position[step] {
				t.Errorf("Expected %s before %s", dep, step)
			}
		}
	}
}

func TestDAGBuilder_DetectsCycle(t *testing.T) {
	deps := map[Step][]Step{
		StepNamespace:  {StepServices},
		StepDeployment: {StepNamespace},
		StepServices:   {StepDeployment},
	}

	_, err := NewDAGBuilder().BuildGraph(deps)
	if err == nil {
		t.Fatal("Expected cycle error")
	}
	if !strings.Contains(err.Error(), "circular dependency") {
		t.Errorf("Expected circular dependency error, got: %v", err)
	}
}

func TestDAGBuilder_UnknownDependency(t *testing.T) {
	deps := map[Step][]Step{
		StepDeployment: {StepVolumes},
	}

	_, err := NewDAGBuilder().BuildGraph(deps)
	if err == nil {
		t.Fatal("Expected error for unknown dependency")
	}
	if !IsPermanent(err) {
		t.Errorf("Expected permanent error, got: %v", err)
	}
}

func TestStepGraph_ToDOT(t *testing.T) {
	graph, err := NewDAGBuilder().BuildGraph(CreationDependencies)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	dot := graph.ToDOT()
	if !strings.Contains(dot, `"storage_classes" -> "volumes"`) {
		t.Errorf("Expected storage_classes -> volumes edge in DOT output:\n%s", dot)
	}
}

func TestParseStep(t *testing.T) {
	for _, in := range []string{"STORAGE_CLASSES", "storage-classes", " storage_classes "} {
		step, err := ParseStep(in)
		if err != nil {
			t.Errorf("ParseStep(%q) failed: %v", in, err)
			continue
		}
		if step != StepStorageClasses {
			t.Errorf("ParseStep(%q) = %s", in, step)
		}
	}
	if _, err := ParseStep("pods"); err == nil {
		t.Error("Expected error for unknown step")
	}
}

func TestStepSet_Ordered(t *testing.T) {
	set := NewStepSet(StepVolumes, StepNamespace, StepDeployment)
	got := set.Union(StepMiddlewares).Ordered(RollbackOrder)

	want := []Step{StepMiddlewares, StepDeployment, StepVolumes}
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Position %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}
