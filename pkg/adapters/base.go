package adapters

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	kubecore "k8s.io/api/core/v1"
	kubeapimeta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/validation"

	"github.com/invergent-ai/surogate-studio-sub001/pkg/engine"
	"github.com/invergent-ai/surogate-studio-sub001/pkg/kube"
)

// HostnameGenerator computes the public hostname of a resource.
type HostnameGenerator interface {
	Hostname(res *engine.Resource, cluster *engine.Cluster) (string, error)
}

// IngressSettings configure the generated ingress routes.
type IngressSettings struct {
	// EntryPoint is the Traefik entry point routes attach to.
	EntryPoint string

	// CertResolver issues certificates for public hostnames; empty disables TLS.
	CertResolver string

	// ControllerNamespace is allowed through the default network policy.
	ControllerNamespace string
}

// Deps are the collaborators shared by every adapter.
type Deps struct {
	Placer    *Placer
	Kube      kube.Factory
	Hostnames HostnameGenerator
	Ingress   IngressSettings
	Logger    zerolog.Logger
}

// Base implements the hooks common to all kinds. Kinds embed it and supply
// their workload hooks.
type Base struct {
	engine.NoopHooks

	kind   engine.ResourceKind
	deps   Deps
	logger zerolog.Logger

	// self is the adapter embedding Base, so SetCluster reaches its
	// SelectCluster rather than the one promoted from Base.
	self engine.ResourceAdapter
}

func newBase(kind engine.ResourceKind, deps Deps) *Base {
	if deps.Ingress.EntryPoint == "" {
		deps.Ingress.EntryPoint = "websecure"
	}
	return &Base{
		kind:   kind,
		deps:   deps,
		logger: deps.Logger.With().Str("component", "adapter").Str("kind", string(kind)).Logger(),
	}
}

func (b *Base) Kind() engine.ResourceKind {
	return b.kind
}

func (b *Base) GetNamespace(res *engine.Resource) string {
	if res.DeployedNamespace != "" {
		return res.DeployedNamespace
	}
	if res.Project == nil {
		return ""
	}
	return res.Project.Namespace
}

func (b *Base) SelectCluster(ctx context.Context, res *engine.Resource) (string, error) {
	return b.deps.Placer.Select(ctx, res)
}

// bind records the adapter embedding b.
func (b *Base) bind(self engine.ResourceAdapter) {
	b.self = self
}

func (b *Base) SetCluster(ctx context.Context, res *engine.Resource) (*engine.Cluster, error) {
	selectFn := b.SelectCluster
	if b.self != nil {
		selectFn = b.self.SelectCluster
	}
	return b.deps.Placer.Assign(ctx, res, selectFn)
}

// SetPublicHostname keeps an existing hostname, else asks the configured
// generator, else derives <name>-<short id>.<ingress domain>.
func (b *Base) SetPublicHostname(_ context.Context, res *engine.Resource) error {
	if res.PublicHostname != "" {
		return nil
	}
	if res.Cluster == nil {
		return engine.NewPermanentError("cluster not resolved", nil).WithCode(engine.ErrCodeValidation)
	}

	var (
		hostname string
		err      error
	)
	if b.deps.Hostnames != nil {
		hostname, err = b.deps.Hostnames.Hostname(res, res.Cluster)
		if err != nil {
			return fmt.Errorf("hostname script failed: %w", err)
		}
	} else {
		if res.Cluster.IngressDomain == "" {
			return nil
		}
		hostname = objectName(res) + "." + res.Cluster.IngressDomain
	}

	hostname = strings.ToLower(strings.TrimSuffix(hostname, "."))
	if errs := validation.IsDNS1123Subdomain(hostname); len(errs) > 0 {
		return engine.NewPermanentError(fmt.Sprintf("invalid hostname %q: %s", hostname, strings.Join(errs, "; ")), nil).
			WithCode(engine.ErrCodeValidation)
	}
	res.PublicHostname = hostname
	return nil
}

// manager returns the object manager of the request's cluster.
func (b *Base) manager(ctx context.Context, req engine.StepRequest) (kube.ObjectManager, error) {
	return b.deps.Kube.ForCluster(ctx, req.Cluster)
}

func (b *Base) CreateNamespace(ctx context.Context, req engine.StepRequest) (engine.TaskResult[string], error) {
	m, err := b.manager(ctx, req)
	if err != nil {
		return engine.Failed[string](), err
	}
	labels := map[string]string{kube.LabelManagedBy: kube.ManagedBy}
	if req.Resource.Project != nil {
		labels[kube.LabelProject] = req.Resource.Project.ID
	}
	ns := &kubecore.Namespace{ObjectMeta: kubeapimeta.ObjectMeta{Name: req.Namespace, Labels: labels}}
	if err := m.EnsureNamespace(ctx, ns); err != nil {
		return engine.Failed[string](), err
	}
	return engine.Success[string]().WithValue(req.Namespace), nil
}

func (b *Base) CreateNetworkPolicy(ctx context.Context, req engine.StepRequest) (engine.TaskResult[string], error) {
	m, err := b.manager(ctx, req)
	if err != nil {
		return engine.Failed[string](), err
	}
	np := networkPolicy(req, b.deps.Ingress.ControllerNamespace)
	if err := m.EnsureNetworkPolicy(ctx, np); err != nil {
		return engine.Failed[string](), err
	}
	return engine.Success[string]().WithValue(np.Name), nil
}

func (b *Base) CreateDockerSecrets(ctx context.Context, req engine.StepRequest) (engine.TaskResult[string], error) {
	if len(req.Resource.Spec.RegistryCredentials) == 0 {
		return engine.Success[string](), nil
	}
	m, err := b.manager(ctx, req)
	if err != nil {
		return engine.Failed[string](), err
	}
	secret, err := pullSecret(req)
	if err != nil {
		return engine.Failed[string](), err
	}
	if err := m.EnsureSecret(ctx, secret); err != nil {
		return engine.Failed[string](), err
	}
	return engine.Success[string]().WithValue(secret.Name), nil
}

func (b *Base) CreateStorageClasses(ctx context.Context, req engine.StepRequest) (engine.TaskResult[string], error) {
	classes, err := storageClasses(req)
	if err != nil {
		return engine.Failed[string](), err
	}
	if len(classes) == 0 {
		return engine.Success[string](), nil
	}
	m, err := b.manager(ctx, req)
	if err != nil {
		return engine.Failed[string](), err
	}
	for _, sc := range classes {
		if err := m.EnsureStorageClass(ctx, sc); err != nil {
			return engine.Failed[string](), err
		}
	}
	return engine.Success[string](), nil
}

func (b *Base) CreateVolumes(ctx context.Context, req engine.StepRequest) (engine.TaskResult[string], error) {
	claims, err := volumeClaims(req)
	if err != nil {
		return engine.Failed[string](), err
	}
	if len(claims) == 0 {
		return engine.Success[string](), nil
	}
	m, err := b.manager(ctx, req)
	if err != nil {
		return engine.Failed[string](), err
	}
	for _, pvc := range claims {
		if err := m.EnsurePVC(ctx, pvc); err != nil {
			return engine.Failed[string](), err
		}
	}
	return engine.Success[string](), nil
}

func (b *Base) CreateServices(ctx context.Context, req engine.StepRequest) (engine.TaskResult[string], error) {
	svc := service(req)
	if svc == nil {
		return engine.Success[string](), nil
	}
	m, err := b.manager(ctx, req)
	if err != nil {
		return engine.Failed[string](), err
	}
	if err := m.EnsureService(ctx, svc); err != nil {
		return engine.Failed[string](), err
	}
	return engine.Success[string]().WithValue(svc.Name), nil
}

func (b *Base) CreateMiddlewares(ctx context.Context, req engine.StepRequest) (engine.TaskResult[string], error) {
	if !req.Resource.HasIPAllowRules() {
		return engine.Success[string](), nil
	}
	m, err := b.manager(ctx, req)
	if err != nil {
		return engine.Failed[string](), err
	}
	mw := kube.IPAllowList(req.Namespace, middlewareName(req.Resource), kube.ResourceLabels(req.Resource), req.Resource.Spec.IPAllowRules)
	if err := m.EnsureCustomObject(ctx, kube.MiddlewareGVR, mw); err != nil {
		return engine.Failed[string](), err
	}
	return engine.Success[string]().WithValue(mw.GetName()), nil
}

// CreateIngress publishes the first ingress port under the public hostname.
// The value of the result is the hostname.
func (b *Base) CreateIngress(ctx context.Context, req engine.StepRequest) (engine.TaskResult[string], error) {
	port, ok := ingressPort(req.Resource)
	if !ok || req.Resource.PublicHostname == "" {
		return engine.Success[string](), nil
	}
	m, err := b.manager(ctx, req)
	if err != nil {
		return engine.Failed[string](), err
	}

	route := kube.Route{
		Host:    req.Resource.PublicHostname,
		Service: objectName(req.Resource),
		Port:    port.Port,
	}
	if req.Resource.HasIPAllowRules() {
		route.Middlewares = []string{middlewareName(req.Resource)}
	}
	obj := kube.IngressRoute(req.Namespace, objectName(req.Resource), kube.ResourceLabels(req.Resource),
		b.deps.Ingress.EntryPoint, b.deps.Ingress.CertResolver, []kube.Route{route})
	if err := m.EnsureCustomObject(ctx, kube.IngressRouteGVR, obj); err != nil {
		return engine.Failed[string](), err
	}
	return engine.Success[string]().WithValue(req.Resource.PublicHostname), nil
}

func (b *Base) DeleteMiddlewares(ctx context.Context, req engine.StepRequest) error {
	return b.deleteCustom(ctx, req, kube.MiddlewareGVR)
}

func (b *Base) DeleteIngress(ctx context.Context, req engine.StepRequest) error {
	return b.deleteCustom(ctx, req, kube.IngressRouteGVR)
}

func (b *Base) DeleteServices(ctx context.Context, req engine.StepRequest) error {
	return b.deleteSelected(ctx, req, kube.KindServices)
}

func (b *Base) DeleteVolumes(ctx context.Context, req engine.StepRequest) error {
	return b.deleteSelected(ctx, req, kube.KindPVCs)
}

func (b *Base) DeleteStorageClasses(ctx context.Context, req engine.StepRequest) error {
	return b.deleteSelected(ctx, req, kube.KindStorageClasses)
}

func (b *Base) DeleteDockerSecrets(ctx context.Context, req engine.StepRequest) error {
	return b.deleteSelected(ctx, req, kube.KindSecrets)
}

// DeleteOthers removes the network policy of the resource.
func (b *Base) DeleteOthers(ctx context.Context, req engine.StepRequest) error {
	return b.deleteSelected(ctx, req, kube.KindNetworkPolicies)
}

func (b *Base) deleteSelected(ctx context.Context, req engine.StepRequest, kind kube.ObjectKind) error {
	m, err := b.manager(ctx, req)
	if err != nil {
		return err
	}
	return m.DeleteSelected(ctx, kind, req.Namespace, kube.ResourceSelector(req.Resource))
}

func (b *Base) deleteCustom(ctx context.Context, req engine.StepRequest, gvr schema.GroupVersionResource) error {
	m, err := b.manager(ctx, req)
	if err != nil {
		return err
	}
	return m.DeleteCustomSelected(ctx, gvr, req.Namespace, kube.ResourceSelector(req.Resource))
}

// skip is the result of hooks a kind does not need.
func skip() (engine.TaskResult[string], error) {
	return engine.Success[string](), nil
}
