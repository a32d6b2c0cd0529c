package stores

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/invergent-ai/surogate-studio-sub001/pkg/engine"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

// seed creates two clusters in eu-1 and one project without a cluster.
func seed(t *testing.T, store *SQLiteStore) (*engine.Cluster, *engine.Cluster, *engine.Project) {
	t.Helper()
	ctx := context.Background()

	a := &engine.Cluster{ID: "c-a", Name: "alpha", Zone: "eu-1", IngressDomain: "alpha.example.com",
		KubeConfig: []byte("apiVersion: v1\nkind: Config\n")}
	b := &engine.Cluster{ID: "c-b", Name: "beta", Zone: "eu-1", StorageProvisioner: "csi.example.com"}
	for _, c := range []*engine.Cluster{a, b} {
		if err := store.CreateCluster(ctx, c); err != nil {
			t.Fatalf("failed to create cluster: %v", err)
		}
	}

	p := &engine.Project{ID: "p-1", Name: "team-a", Namespace: "team-a", Zone: "eu-1"}
	if err := store.CreateProject(ctx, p); err != nil {
		t.Fatalf("failed to create project: %v", err)
	}
	return a, b, p
}

func testResource(p *engine.Project) *engine.Resource {
	return &engine.Resource{
		ID:      "r-1",
		Name:    "web",
		Kind:    engine.KindApplication,
		Project: p,
		Labels:  map[string]string{"tier": "frontend"},
		Spec: engine.WorkloadSpec{
			Image:        "nginx:1.27",
			Replicas:     2,
			Env:          map[string]string{"MODE": "prod"},
			Ports:        []engine.Port{{Name: "http", Port: 8080, Ingress: true}},
			Volumes:      []engine.Volume{{Name: "data", MountPath: "/data", Size: "1Gi", Persistent: true}},
			IPAllowRules: []string{"10.0.0.0/8"},
			ReadyTimeout: 90 * time.Second,
		},
	}
}

func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestNewSQLiteStore_RequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("Expected error for empty path")
	}
}

func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tables := []string{"clusters", "projects", "resources", "flow_runs", "flow_steps", "events", "audit"}
	for _, table := range tables {
		var count int
		err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// Running migrations twice is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migration failed: %v", err)
	}
}

func TestClusters(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	a, _, _ := seed(t, store)

	got, err := store.GetCluster(ctx, a.ID)
	if err != nil {
		t.Fatalf("failed to get cluster: %v", err)
	}
	if got.Name != "alpha" || got.IngressDomain != "alpha.example.com" {
		t.Errorf("Expected alpha with its ingress domain, got %+v", got)
	}
	if string(got.KubeConfig) != string(a.KubeConfig) {
		t.Errorf("Expected kubeconfig to round-trip, got %q", got.KubeConfig)
	}

	_, err = store.GetCluster(ctx, "missing")
	var engErr *engine.EngineError
	if !errors.As(err, &engErr) || engErr.Code != engine.ErrCodeNotFound {
		t.Errorf("Expected NOT_FOUND, got %v", err)
	}

	dup := &engine.Cluster{Name: "alpha", Zone: "eu-2"}
	err = store.CreateCluster(ctx, dup)
	if !errors.As(err, &engErr) || engErr.Code != engine.ErrCodeAlreadyExists {
		t.Errorf("Expected ALREADY_EXISTS for duplicate name, got %v", err)
	}

	all, err := store.ListClusters(ctx)
	if err != nil {
		t.Fatalf("failed to list clusters: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("Expected 2 clusters, got %d", len(all))
	}

	none, err := store.ListClustersByZone(ctx, "us-1")
	if err != nil {
		t.Fatalf("failed to list clusters by zone: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("Expected no clusters in us-1, got %d", len(none))
	}
}

func TestListClustersByZone_CountsResources(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	a, b, p := seed(t, store)

	if _, err := store.AssignCluster(ctx, p.ID, a.ID); err != nil {
		t.Fatalf("failed to assign cluster: %v", err)
	}
	res := testResource(p)
	if err := store.SaveResource(ctx, res); err != nil {
		t.Fatalf("failed to save resource: %v", err)
	}
	gone := testResource(p)
	gone.ID = "r-2"
	gone.Status = engine.ResourceStatusDeleted
	if err := store.SaveResource(ctx, gone); err != nil {
		t.Fatalf("failed to save resource: %v", err)
	}

	clusters, err := store.ListClustersByZone(ctx, "eu-1")
	if err != nil {
		t.Fatalf("failed to list clusters: %v", err)
	}
	counts := map[string]int{}
	for _, c := range clusters {
		counts[c.ID] = c.ResourceCount
	}
	if counts[a.ID] != 1 {
		t.Errorf("Expected 1 live resource on %s, got %d", a.ID, counts[a.ID])
	}
	if counts[b.ID] != 0 {
		t.Errorf("Expected 0 resources on %s, got %d", b.ID, counts[b.ID])
	}
}

func TestAssignCluster_FirstWriterWins(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	a, b, p := seed(t, store)

	winner, err := store.AssignCluster(ctx, p.ID, a.ID)
	if err != nil {
		t.Fatalf("failed to assign cluster: %v", err)
	}
	if winner != a.ID {
		t.Errorf("Expected %s, got %s", a.ID, winner)
	}

	winner, err = store.AssignCluster(ctx, p.ID, b.ID)
	if err != nil {
		t.Fatalf("failed to assign cluster: %v", err)
	}
	if winner != a.ID {
		t.Errorf("Expected the first assignment %s to stick, got %s", a.ID, winner)
	}

	got, err := store.GetProject(ctx, p.ID)
	if err != nil {
		t.Fatalf("failed to get project: %v", err)
	}
	if got.ClusterID != a.ID {
		t.Errorf("Expected project on %s, got %s", a.ID, got.ClusterID)
	}

	if _, err := store.AssignCluster(ctx, "missing", a.ID); err == nil {
		t.Error("Expected error for unknown project")
	}
}

func TestAssignCluster_Concurrent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	a, b, p := seed(t, store)

	var wg sync.WaitGroup
	winners := make([]string, 10)
	errs := make([]error, 10)
	for i := range winners {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			candidate := a.ID
			if i%2 == 1 {
				candidate = b.ID
			}
			winners[i], errs[i] = store.AssignCluster(ctx, p.ID, candidate)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("assignment %d failed: %v", i, err)
		}
	}
	for i, w := range winners {
		if w != winners[0] {
			t.Errorf("Expected every caller to observe %s, caller %d got %s", winners[0], i, w)
		}
	}
}

func TestResourceRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	_, _, p := seed(t, store)

	res := testResource(p)
	if err := store.SaveResource(ctx, res); err != nil {
		t.Fatalf("failed to save resource: %v", err)
	}
	if res.Status != engine.ResourceStatusUnknown {
		t.Errorf("Expected default status unknown, got %s", res.Status)
	}

	got, err := store.GetResource(ctx, res.ID)
	if err != nil {
		t.Fatalf("failed to get resource: %v", err)
	}
	if got.Project == nil || got.Project.Namespace != "team-a" {
		t.Fatalf("Expected resource to carry its project, got %+v", got.Project)
	}
	if got.Spec.Image != "nginx:1.27" || got.Spec.Replicas != 2 {
		t.Errorf("Expected spec to round-trip, got %+v", got.Spec)
	}
	if got.Spec.ReadyTimeout != 90*time.Second {
		t.Errorf("Expected ready timeout 90s, got %v", got.Spec.ReadyTimeout)
	}
	if len(got.Spec.Volumes) != 1 || !got.Spec.Volumes[0].Persistent {
		t.Errorf("Expected persistent volume, got %+v", got.Spec.Volumes)
	}
	if got.Labels["tier"] != "frontend" {
		t.Errorf("Expected labels to round-trip, got %v", got.Labels)
	}

	res.Spec.Replicas = 3
	if err := store.SaveResource(ctx, res); err != nil {
		t.Fatalf("failed to update resource: %v", err)
	}
	list, err := store.ListResources(ctx, p.ID)
	if err != nil {
		t.Fatalf("failed to list resources: %v", err)
	}
	if len(list) != 1 || list[0].Spec.Replicas != 3 {
		t.Errorf("Expected one resource with 3 replicas, got %d", len(list))
	}
}

func TestSaveResource_Validation(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	_, _, p := seed(t, store)

	if err := store.SaveResource(ctx, &engine.Resource{Name: "x", Kind: engine.KindApplication}); !engine.IsPermanent(err) {
		t.Errorf("Expected permanent error without project, got %v", err)
	}
	if err := store.SaveResource(ctx, &engine.Resource{Name: "x", Kind: "vm", Project: p}); !engine.IsPermanent(err) {
		t.Errorf("Expected permanent error for unknown kind, got %v", err)
	}
}

func TestUpdateResourceStatus(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	_, _, p := seed(t, store)

	res := testResource(p)
	if err := store.SaveResource(ctx, res); err != nil {
		t.Fatalf("failed to save resource: %v", err)
	}

	if err := store.UpdateResourceStatus(ctx, res.ID, engine.ResourceStatusReady, "web.example.com"); err != nil {
		t.Fatalf("failed to update status: %v", err)
	}
	if err := store.UpdateResourceStatus(ctx, res.ID, engine.ResourceStatusDeleting, ""); err != nil {
		t.Fatalf("failed to update status: %v", err)
	}

	got, err := store.GetResource(ctx, res.ID)
	if err != nil {
		t.Fatalf("failed to get resource: %v", err)
	}
	if got.Status != engine.ResourceStatusDeleting {
		t.Errorf("Expected status deleting, got %s", got.Status)
	}
	if got.PublicHostname != "web.example.com" {
		t.Errorf("Expected hostname to be kept, got %q", got.PublicHostname)
	}

	if err := store.UpdateResourceStatus(ctx, "missing", engine.ResourceStatusReady, ""); err == nil {
		t.Error("Expected error for unknown resource")
	}
}

func TestCountResources(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	_, _, p := seed(t, store)

	for i := 0; i < 3; i++ {
		res := testResource(p)
		res.ID = ""
		if err := store.SaveResource(ctx, res); err != nil {
			t.Fatalf("failed to save resource: %v", err)
		}
		if i == 0 {
			if err := store.UpdateResourceStatus(ctx, res.ID, engine.ResourceStatusReady, ""); err != nil {
				t.Fatalf("failed to update status: %v", err)
			}
		}
	}

	counts, err := store.CountResources(ctx)
	if err != nil {
		t.Fatalf("failed to count resources: %v", err)
	}
	if len(counts) != 2 {
		t.Fatalf("Expected 2 groups, got %+v", counts)
	}
	// Ordered by kind then status.
	if counts[0].Status != engine.ResourceStatusReady || counts[0].Count != 1 {
		t.Errorf("Expected 1 ready resource, got %+v", counts[0])
	}
	if counts[1].Status != engine.ResourceStatusUnknown || counts[1].Count != 2 {
		t.Errorf("Expected 2 unknown resources, got %+v", counts[1])
	}
}

func TestPlacementHints(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	_, b, p := seed(t, store)

	res := testResource(p)
	if err := store.SaveResource(ctx, res); err != nil {
		t.Fatalf("failed to save resource: %v", err)
	}

	hints, err := store.PlacementHints(ctx, res.ID)
	if err != nil {
		t.Fatalf("failed to get hints: %v", err)
	}
	if len(hints.PreferredClusters) != 0 {
		t.Errorf("Expected no hints, got %v", hints)
	}

	want := engine.PlacementHints{PreferredClusters: []string{b.ID}, Nodes: []string{"gpu-1"}}
	if err := store.SetPlacementHints(ctx, res.ID, want); err != nil {
		t.Fatalf("failed to set hints: %v", err)
	}
	hints, err = store.PlacementHints(ctx, res.ID)
	if err != nil {
		t.Fatalf("failed to get hints: %v", err)
	}
	if len(hints.PreferredClusters) != 1 || hints.PreferredClusters[0] != b.ID || hints.Nodes[0] != "gpu-1" {
		t.Errorf("Expected %v, got %v", want, hints)
	}

	hints, err = store.PlacementHints(ctx, "unknown")
	if err != nil || len(hints.PreferredClusters) != 0 {
		t.Errorf("Expected no hints for unknown resource, got %v, %v", hints, err)
	}
}

func TestFlowRecording(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run := &engine.FlowRun{
		ResourceID: "r-1",
		Kind:       engine.KindApplication,
		Operation:  engine.OperationCreate,
		Status:     engine.FlowStatusRunning,
	}
	if err := store.StartFlow(ctx, run); err != nil {
		t.Fatalf("failed to start flow: %v", err)
	}
	if run.ID == "" {
		t.Fatal("Expected flow ID to be generated")
	}

	records := []*engine.StepRecord{
		{FlowID: run.ID, Step: engine.StepDeployment, Operation: engine.OperationCreate, Status: engine.StepStatusRunning, Attempts: 1},
		{FlowID: run.ID, Step: engine.StepDeployment, Operation: engine.OperationCreate, Status: engine.StepStatusRetrying, Attempts: 2},
		{FlowID: run.ID, Step: engine.StepDeployment, Operation: engine.OperationCreate, Status: engine.StepStatusFailed, Attempts: 1, Error: "boom"},
		{FlowID: run.ID, Step: engine.StepVolumes, Operation: engine.OperationRollback, Status: engine.StepStatusRolledBack},
	}
	for _, rec := range records {
		if err := store.RecordStep(ctx, rec); err != nil {
			t.Fatalf("failed to record step: %v", err)
		}
	}

	run.Status = engine.FlowStatusRolledBack
	run.Error = "DEPLOYMENT_FAILED: boom"
	if err := store.FinishFlow(ctx, run); err != nil {
		t.Fatalf("failed to finish flow: %v", err)
	}

	got, err := store.GetFlowRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get flow run: %v", err)
	}
	if got.Status != engine.FlowStatusRolledBack || got.CompletedAt == nil {
		t.Errorf("Expected rolled back flow with completion time, got %+v", got)
	}

	steps, err := store.ListFlowSteps(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to list steps: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("Expected 2 step records, got %d", len(steps))
	}
	for _, s := range steps {
		if s.Step == engine.StepDeployment {
			if s.Status != engine.StepStatusFailed || s.Attempts != 2 || s.Error != "boom" {
				t.Errorf("Expected failed deployment after 2 attempts, got %+v", s)
			}
		}
	}

	runs, err := store.ListFlowRuns(ctx, "r-1", 0)
	if err != nil {
		t.Fatalf("failed to list flow runs: %v", err)
	}
	if len(runs) != 1 {
		t.Errorf("Expected 1 flow run, got %d", len(runs))
	}

	if err := store.FinishFlow(ctx, &engine.FlowRun{ID: "missing", Status: engine.FlowStatusFailed}); err == nil {
		t.Error("Expected error finishing unknown flow")
	}
}

func TestEvents(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ev := &engine.Event{
			Type:       engine.EventTypeStepRetrying,
			FlowID:     "f-1",
			ResourceID: "r-1",
			Step:       engine.StepDeployment,
			Message:    fmt.Sprintf("attempt %d failed", i+1),
			Data:       map[string]interface{}{"attempt": i + 1},
		}
		if err := store.Publish(ctx, ev); err != nil {
			t.Fatalf("failed to publish event: %v", err)
		}
	}
	if err := store.Publish(ctx, &engine.Event{Type: engine.EventTypeFlowStarted, FlowID: "f-2", Message: "started"}); err != nil {
		t.Fatalf("failed to publish event: %v", err)
	}

	events, err := store.ListEvents(ctx, EventFilter{FlowID: "f-1"})
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(events))
	}
	if events[0].Level != "warning" {
		t.Errorf("Expected level derived from type, got %q", events[0].Level)
	}
	if events[2].Data["attempt"] != float64(3) {
		t.Errorf("Expected attempt 3 data, got %v", events[2].Data)
	}

	infos, err := store.ListEvents(ctx, EventFilter{Level: "info"})
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(infos) != 1 || infos[0].FlowID != "f-2" {
		t.Errorf("Expected the single info event of f-2, got %d events", len(infos))
	}
}

func TestAuditEntries(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	target := "r-1"
	for _, action := range []string{"resource.created", "resource.deleted", "resource.created"} {
		entry := &AuditEntry{Action: action, Actor: "studio", TargetID: &target}
		if err := store.CreateAuditEntry(ctx, entry); err != nil {
			t.Fatalf("failed to create audit entry: %v", err)
		}
		if entry.ID == 0 {
			t.Error("Expected audit entry ID to be set")
		}
	}

	action := "resource.created"
	entries, err := store.ListAuditEntries(ctx, &action, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to list audit entries: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("Expected 2 entries, got %d", len(entries))
	}

	all, err := store.ListAuditEntries(ctx, nil, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to list audit entries: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("Expected 3 entries, got %d", len(all))
	}
}
