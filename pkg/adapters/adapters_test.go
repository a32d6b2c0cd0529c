package adapters

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	kubeerr "k8s.io/apimachinery/pkg/api/errors"
	kubeapimeta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/invergent-ai/surogate-studio-sub001/pkg/engine"
	"github.com/invergent-ai/surogate-studio-sub001/pkg/kube"
)

// mockStore implements the directory and repositories in memory.
type mockStore struct {
	mu          sync.Mutex
	clusters    map[string]*engine.Cluster
	assigned    map[string]string
	assignCalls int
	hints       engine.PlacementHints
}

func newMockStore(clusters ...*engine.Cluster) *mockStore {
	s := &mockStore{clusters: make(map[string]*engine.Cluster), assigned: make(map[string]string)}
	for _, c := range clusters {
		s.clusters[c.ID] = c
	}
	return s
}

func (s *mockStore) GetCluster(_ context.Context, id string) (*engine.Cluster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clusters[id]
	if !ok {
		return nil, errors.New("cluster not found")
	}
	return c, nil
}

func (s *mockStore) ListClustersByZone(_ context.Context, zone string) ([]*engine.Cluster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*engine.Cluster
	for _, c := range s.clusters {
		if c.Zone == zone {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *mockStore) AssignCluster(_ context.Context, projectID, clusterID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignCalls++
	if existing, ok := s.assigned[projectID]; ok {
		return existing, nil
	}
	s.assigned[projectID] = clusterID
	return clusterID, nil
}

func (s *mockStore) PlacementHints(context.Context, string) (engine.PlacementHints, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hints, nil
}

// countingSelector counts selections made through the placer.
type countingSelector struct {
	mu    sync.Mutex
	calls int
	p     *Placer
}

func (c *countingSelector) Select(ctx context.Context, res *engine.Resource) (string, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.p.Select(ctx, res)
}

type staticHostname string

func (h staticHostname) Hostname(*engine.Resource, *engine.Cluster) (string, error) {
	return string(h), nil
}

func testClusters() []*engine.Cluster {
	return []*engine.Cluster{
		{ID: "busy", Zone: "eu-1", ResourceCount: 10, IngressDomain: "busy.example.com", StorageProvisioner: "csi.example.com"},
		{ID: "idle", Zone: "eu-1", ResourceCount: 1, IngressDomain: "idle.example.com", StorageProvisioner: "csi.example.com"},
		{ID: "far", Zone: "us-1", ResourceCount: 0},
	}
}

func testResource() *engine.Resource {
	return &engine.Resource{
		ID:      "3f6c2a1e-8d4b-4c1a-9e2f-0b7d5a6c4e21",
		Name:    "Web App",
		Kind:    engine.KindApplication,
		Project: &engine.Project{ID: "p1", Namespace: "team-a", Zone: "eu-1"},
		Spec: engine.WorkloadSpec{
			Image:        "nginx:1.27",
			Ports:        []engine.Port{{Name: "http", Port: 8080, Ingress: true}},
			IPAllowRules: []string{"10.0.0.0/8"},
			Volumes: []engine.Volume{
				{Name: "data", MountPath: "/data", Size: "1Gi", Persistent: true},
				{Name: "tmp", MountPath: "/tmp"},
			},
			RegistryCredentials: []engine.RegistryCredential{{Server: "registry.example.com", Username: "u", Password: "p"}},
		},
	}
}

type testEnv struct {
	store   *mockStore
	placer  *Placer
	typed   *fake.Clientset
	dynamic *dynamicfake.FakeDynamicClient
	deps    Deps
}

func newTestEnv() *testEnv {
	store := newMockStore(testClusters()...)
	placer := NewPlacer(store, store, store, zerolog.Nop())
	typed := fake.NewSimpleClientset()
	dyn := dynamicfake.NewSimpleDynamicClientWithCustomListKinds(runtime.NewScheme(), kube.CustomListKinds)
	client := kube.NewClient(typed, dyn, zerolog.Nop())
	return &testEnv{
		store:   store,
		placer:  placer,
		typed:   typed,
		dynamic: dyn,
		deps: Deps{
			Placer: placer,
			Kube:   kube.StaticFactory{Manager: client},
			Logger: zerolog.Nop(),
		},
	}
}

func flowOptions() engine.Options {
	return engine.Options{
		Scheduler: engine.NewPoolScheduler(4, nil),
		Config: engine.FlowConfig{
			DefaultStep:     engine.StepPolicy{MaxAttempts: 2, Delay: time.Millisecond, Timeout: time.Second},
			CreateDeadline:  5 * time.Second,
			DeleteDeadline:  5 * time.Second,
			RollbackTimeout: 5 * time.Second,
		},
		Logger: zerolog.Nop(),
	}
}

func TestPlacer_SelectsLeastLoaded(t *testing.T) {
	env := newTestEnv()

	id, err := env.placer.Select(context.Background(), testResource())
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if id != "idle" {
		t.Errorf("Expected idle cluster, got %s", id)
	}
}

func TestPlacer_PrefersHintedClusters(t *testing.T) {
	env := newTestEnv()
	env.store.hints = engine.PlacementHints{PreferredClusters: []string{"far", "busy"}}

	id, err := env.placer.Select(context.Background(), testResource())
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if id != "busy" {
		t.Errorf("Expected preferred in-zone cluster busy, got %s", id)
	}
}

func TestPlacer_NoClusterInZone(t *testing.T) {
	env := newTestEnv()
	res := testResource()
	res.Project.Zone = "ap-1"

	_, err := env.placer.Select(context.Background(), res)
	var engErr *engine.EngineError
	if !errors.As(err, &engErr) || engErr.Code != engine.ErrCodeNoCluster {
		t.Fatalf("Expected no cluster error, got: %v", err)
	}
}

func TestPlacer_ConcurrentAssignSelectsOnce(t *testing.T) {
	env := newTestEnv()
	counter := &countingSelector{p: env.placer}

	var wg sync.WaitGroup
	results := make([]string, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res := testResource()
			cluster, err := env.placer.Assign(context.Background(), res, counter.Select)
			if err != nil {
				t.Errorf("Assign failed: %v", err)
				return
			}
			results[i] = cluster.ID
		}(i)
	}
	wg.Wait()

	if counter.calls != 1 {
		t.Errorf("Expected one selection, got %d", counter.calls)
	}
	if env.store.assignCalls != 1 {
		t.Errorf("Expected one assignment, got %d", env.store.assignCalls)
	}
	for i, id := range results {
		if id != "idle" {
			t.Errorf("Result %d: expected idle, got %q", i, id)
		}
	}
}

func TestPlacer_LosingCompareAndSetUsesWinner(t *testing.T) {
	env := newTestEnv()
	env.store.assigned["p1"] = "busy"
	res := testResource()

	cluster, err := env.placer.Assign(context.Background(), res, env.placer.Select)
	if err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	if cluster.ID != "busy" || res.Project.ClusterID != "busy" {
		t.Errorf("Expected the previously assigned cluster, got %s / %s", cluster.ID, res.Project.ClusterID)
	}
}

func TestSetPublicHostname(t *testing.T) {
	env := newTestEnv()
	app := NewApplication(env.deps)
	res := testResource()
	res.Cluster = env.store.clusters["idle"]

	if err := app.SetPublicHostname(context.Background(), res); err != nil {
		t.Fatalf("SetPublicHostname failed: %v", err)
	}
	if res.PublicHostname != "web-app-3f6c2a1e.idle.example.com" {
		t.Errorf("Unexpected hostname %q", res.PublicHostname)
	}

	env.deps.Hostnames = staticHostname("Not A Host!")
	scripted := NewApplication(env.deps)
	res.PublicHostname = ""
	if err := scripted.SetPublicHostname(context.Background(), res); !engine.IsPermanent(err) {
		t.Errorf("Expected invalid generated hostname to be rejected, got: %v", err)
	}
}

func TestApplication_CreateAndDelete(t *testing.T) {
	env := newTestEnv()
	app := NewApplication(env.deps)
	flow, err := engine.NewCreateFlow(app, flowOptions())
	if err != nil {
		t.Fatalf("NewCreateFlow failed: %v", err)
	}
	ctx := context.Background()
	res := testResource()

	result, err := flow.ExecuteCreate(ctx, res)
	if err != nil {
		t.Fatalf("ExecuteCreate failed: %v", err)
	}
	hostname, _ := result.Value()
	if hostname != "web-app-3f6c2a1e.idle.example.com" {
		t.Errorf("Expected public hostname as result, got %q", hostname)
	}

	name := "web-app-3f6c2a1e"
	if _, err := env.typed.AppsV1().Deployments("team-a").Get(ctx, name, kubeapimeta.GetOptions{}); err != nil {
		t.Errorf("Expected deployment, got: %v", err)
	}
	if _, err := env.typed.CoreV1().Secrets("team-a").Get(ctx, name+"-pull", kubeapimeta.GetOptions{}); err != nil {
		t.Errorf("Expected pull secret, got: %v", err)
	}
	if _, err := env.typed.StorageV1().StorageClasses().Get(ctx, name+"-data", kubeapimeta.GetOptions{}); err != nil {
		t.Errorf("Expected storage class, got: %v", err)
	}
	if _, err := env.typed.CoreV1().PersistentVolumeClaims("team-a").Get(ctx, name+"-data", kubeapimeta.GetOptions{}); err != nil {
		t.Errorf("Expected volume claim, got: %v", err)
	}
	route, err := env.dynamic.Resource(kube.IngressRouteGVR).Namespace("team-a").Get(ctx, name, kubeapimeta.GetOptions{})
	if err != nil {
		t.Fatalf("Expected ingress route, got: %v", err)
	}
	routes, _, _ := unstructured.NestedSlice(route.Object, "spec", "routes")
	if len(routes) != 1 || !strings.Contains(routes[0].(map[string]interface{})["match"].(string), res.PublicHostname) {
		t.Errorf("Unexpected routes %v", routes)
	}
	if _, err := env.dynamic.Resource(kube.MiddlewareGVR).Namespace("team-a").Get(ctx, name+"-allow", kubeapimeta.GetOptions{}); err != nil {
		t.Errorf("Expected middleware, got: %v", err)
	}

	deleter := engine.NewDeleteFlow(app, flowOptions())
	if _, err := deleter.ExecuteDelete(ctx, res); err != nil {
		t.Fatalf("ExecuteDelete failed: %v", err)
	}
	if _, err := env.typed.AppsV1().Deployments("team-a").Get(ctx, name, kubeapimeta.GetOptions{}); !kubeerr.IsNotFound(err) {
		t.Errorf("Expected deployment to be deleted, got: %v", err)
	}
	if _, err := env.typed.CoreV1().PersistentVolumeClaims("team-a").Get(ctx, name+"-data", kubeapimeta.GetOptions{}); !kubeerr.IsNotFound(err) {
		t.Errorf("Expected volume claim to be deleted, got: %v", err)
	}
	if _, err := env.dynamic.Resource(kube.IngressRouteGVR).Namespace("team-a").Get(ctx, name, kubeapimeta.GetOptions{}); !kubeerr.IsNotFound(err) {
		t.Errorf("Expected ingress route to be deleted, got: %v", err)
	}
	assertNoResourceObjects(t, env, "team-a")
}

// assertNoResourceObjects fails if any namespaced object of the test
// resource survived in namespace.
func assertNoResourceObjects(t *testing.T, env *testEnv, namespace string) {
	t.Helper()
	ctx := context.Background()
	opts := kubeapimeta.ListOptions{LabelSelector: kube.ResourceSelector(testResource()).String()}

	policies, err := env.typed.NetworkingV1().NetworkPolicies(namespace).List(ctx, opts)
	if err != nil {
		t.Fatalf("List network policies failed: %v", err)
	}
	for _, np := range policies.Items {
		t.Errorf("Expected no network policy left, got %s", np.Name)
	}
	secrets, _ := env.typed.CoreV1().Secrets(namespace).List(ctx, opts)
	for _, s := range secrets.Items {
		t.Errorf("Expected no secret left, got %s", s.Name)
	}
	services, _ := env.typed.CoreV1().Services(namespace).List(ctx, opts)
	for _, svc := range services.Items {
		t.Errorf("Expected no service left, got %s", svc.Name)
	}
	configMaps, _ := env.typed.CoreV1().ConfigMaps(namespace).List(ctx, opts)
	for _, cm := range configMaps.Items {
		t.Errorf("Expected no config map left, got %s", cm.Name)
	}
}

func TestApplication_InvalidVolumeRollsBack(t *testing.T) {
	env := newTestEnv()
	app := NewApplication(env.deps)
	flow, err := engine.NewCreateFlow(app, flowOptions())
	if err != nil {
		t.Fatalf("NewCreateFlow failed: %v", err)
	}
	ctx := context.Background()
	res := testResource()
	res.Spec.Volumes[0].Size = "lots"

	_, err = flow.ExecuteCreate(ctx, res)
	if engine.StepOf(err) != engine.StepVolumes {
		t.Fatalf("Expected volumes error, got: %v", err)
	}
	if !engine.IsPermanent(err) {
		t.Errorf("Expected permanent error, got: %v", err)
	}
	if _, err := env.typed.StorageV1().StorageClasses().Get(ctx, "web-app-3f6c2a1e-data", kubeapimeta.GetOptions{}); !kubeerr.IsNotFound(err) {
		t.Errorf("Expected storage class to be rolled back, got: %v", err)
	}
	if _, err := env.typed.CoreV1().Namespaces().Get(ctx, "team-a", kubeapimeta.GetOptions{}); err != nil {
		t.Errorf("Expected namespace to be kept, got: %v", err)
	}
}

func TestDatabase_CreatesOperatorCluster(t *testing.T) {
	env := newTestEnv()
	db := NewDatabase(env.deps)
	flow, err := engine.NewCreateFlow(db, flowOptions())
	if err != nil {
		t.Fatalf("NewCreateFlow failed: %v", err)
	}
	ctx := context.Background()
	res := testResource()
	res.Kind = engine.KindDatabase
	res.Name = "orders"
	res.Spec = engine.WorkloadSpec{Database: &engine.DatabaseSpec{Engine: "postgres", Version: "16", Instances: 3, StorageSize: "10Gi"}}

	result, err := flow.ExecuteCreate(ctx, res)
	if err != nil {
		t.Fatalf("ExecuteCreate failed: %v", err)
	}
	if value, _ := result.Value(); value != "orders-3f6c2a1e-rw.team-a.svc" {
		t.Errorf("Expected read-write service host, got %q", value)
	}
	if res.PublicHostname != "" {
		t.Errorf("Expected no public hostname, got %q", res.PublicHostname)
	}

	obj, err := env.dynamic.Resource(kube.PostgresGVR).Namespace("team-a").Get(ctx, "orders-3f6c2a1e", kubeapimeta.GetOptions{})
	if err != nil {
		t.Fatalf("Expected database cluster object, got: %v", err)
	}
	if instances, _, _ := unstructured.NestedInt64(obj.Object, "spec", "instances"); instances != 3 {
		t.Errorf("Expected 3 instances, got %d", instances)
	}
	classes, _ := env.typed.StorageV1().StorageClasses().List(ctx, kubeapimeta.ListOptions{})
	if len(classes.Items) != 0 {
		t.Errorf("Expected no storage classes for databases, got %d", len(classes.Items))
	}
}

func TestTaskRun_ScriptLifecycle(t *testing.T) {
	env := newTestEnv()
	tr := NewTaskRun(env.deps)
	flow, err := engine.NewCreateFlow(tr, flowOptions())
	if err != nil {
		t.Fatalf("NewCreateFlow failed: %v", err)
	}
	ctx := context.Background()
	res := testResource()
	res.Kind = engine.KindTaskRun
	res.Name = "migrate"
	res.Spec.Script = "echo hello"

	if _, err := flow.ExecuteCreate(ctx, res); err != nil {
		t.Fatalf("ExecuteCreate failed: %v", err)
	}

	job, err := env.typed.BatchV1().Jobs("team-a").Get(ctx, "migrate-3f6c2a1e", kubeapimeta.GetOptions{})
	if err != nil {
		t.Fatalf("Expected job, got: %v", err)
	}
	if *job.Spec.BackoffLimit != 0 {
		t.Errorf("Expected no job retries, got backoff limit %d", *job.Spec.BackoffLimit)
	}
	for _, v := range job.Spec.Template.Spec.Volumes {
		if v.PersistentVolumeClaim != nil {
			t.Errorf("Expected scratch volumes only, got claim %s", v.PersistentVolumeClaim.ClaimName)
		}
	}
	if _, err := env.typed.CoreV1().ConfigMaps("team-a").Get(ctx, "migrate-3f6c2a1e-script", kubeapimeta.GetOptions{}); err != nil {
		t.Fatalf("Expected script config map, got: %v", err)
	}

	if _, err := engine.NewDeleteFlow(tr, flowOptions()).ExecuteDelete(ctx, res); err != nil {
		t.Fatalf("ExecuteDelete failed: %v", err)
	}
	if _, err := env.typed.CoreV1().ConfigMaps("team-a").Get(ctx, "migrate-3f6c2a1e-script", kubeapimeta.GetOptions{}); !kubeerr.IsNotFound(err) {
		t.Errorf("Expected script config map to be deleted, got: %v", err)
	}
	assertNoResourceObjects(t, env, "team-a")
}

func TestTaskRun_FailedJobRollsBackScript(t *testing.T) {
	env := newTestEnv()
	env.typed.PrependReactor("create", "jobs", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, errors.New("apiserver unavailable")
	})
	tr := NewTaskRun(env.deps)
	flow, err := engine.NewCreateFlow(tr, flowOptions())
	if err != nil {
		t.Fatalf("NewCreateFlow failed: %v", err)
	}
	ctx := context.Background()
	res := testResource()
	res.Kind = engine.KindTaskRun
	res.Name = "migrate"
	res.Spec.Script = "echo hello"

	_, err = flow.ExecuteCreate(ctx, res)
	if engine.StepOf(err) != engine.StepDeployment {
		t.Fatalf("Expected deployment error, got: %v", err)
	}
	if _, err := env.typed.CoreV1().ConfigMaps("team-a").Get(ctx, "migrate-3f6c2a1e-script", kubeapimeta.GetOptions{}); !kubeerr.IsNotFound(err) {
		t.Errorf("Expected script config map to be rolled back, got: %v", err)
	}
}

// zonePinned overrides cluster selection of an application.
type zonePinned struct {
	*Application
	calls int
}

func (z *zonePinned) SelectCluster(context.Context, *engine.Resource) (string, error) {
	z.calls++
	return "busy", nil
}

func TestSetCluster_UsesKindSelector(t *testing.T) {
	env := newTestEnv()
	pinned := &zonePinned{Application: NewApplication(env.deps)}
	pinned.bind(pinned)

	cluster, err := pinned.SetCluster(context.Background(), testResource())
	if err != nil {
		t.Fatalf("SetCluster failed: %v", err)
	}
	if cluster.ID != "busy" {
		t.Errorf("Expected the overriding selector's cluster busy, got %s", cluster.ID)
	}
	if pinned.calls != 1 {
		t.Errorf("Expected one call to the overriding selector, got %d", pinned.calls)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(newTestEnv().deps)

	if len(r.Kinds()) != 4 {
		t.Errorf("Expected 4 kinds, got %v", r.Kinds())
	}
	a, err := r.Get(engine.KindBatchJob)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if a.Kind() != engine.KindBatchJob {
		t.Errorf("Expected batch job adapter, got %s", a.Kind())
	}
	if _, err := r.Get("cron"); err == nil {
		t.Error("Expected error for unknown kind")
	}
}
