package kube

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	kubeapps "k8s.io/api/apps/v1"
	kubebatch "k8s.io/api/batch/v1"
	kubecore "k8s.io/api/core/v1"
	kubenet "k8s.io/api/networking/v1"
	kubestorage "k8s.io/api/storage/v1"
	kubeerr "k8s.io/apimachinery/pkg/api/errors"
	kubeapimeta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/dynamic"
	k8s "k8s.io/client-go/kubernetes"

	"github.com/invergent-ai/surogate-studio-sub001/pkg/engine"
)

// ObjectKind names a category of namespaced or cluster-scoped objects that
// can be deleted by label selector.
type ObjectKind string

const (
	KindSecrets         ObjectKind = "secrets"
	KindServices        ObjectKind = "services"
	KindPVCs            ObjectKind = "persistentvolumeclaims"
	KindNetworkPolicies ObjectKind = "networkpolicies"
	KindStorageClasses  ObjectKind = "storageclasses"
	KindConfigMaps      ObjectKind = "configmaps"
	KindDeployments     ObjectKind = "deployments"
	KindJobs            ObjectKind = "jobs"
)

// ObjectManager is the subset of cluster operations the resource adapters need.
//
// Every Ensure method treats an already existing object as success and every
// Delete method treats a missing object as success, so hooks can be re-run.
type ObjectManager interface {
	EnsureNamespace(ctx context.Context, ns *kubecore.Namespace) error
	EnsureNetworkPolicy(ctx context.Context, np *kubenet.NetworkPolicy) error
	EnsureSecret(ctx context.Context, secret *kubecore.Secret) error
	EnsureStorageClass(ctx context.Context, sc *kubestorage.StorageClass) error
	EnsurePVC(ctx context.Context, pvc *kubecore.PersistentVolumeClaim) error
	EnsureConfigMap(ctx context.Context, cm *kubecore.ConfigMap) error
	EnsureService(ctx context.Context, svc *kubecore.Service) error
	EnsureJob(ctx context.Context, job *kubebatch.Job) error

	// EnsureDeployment creates the deployment and, when wait is positive,
	// waits up to wait for it to become available. A deployment that is not
	// available in time yields a wait-timeout result, not an error.
	EnsureDeployment(ctx context.Context, depl *kubeapps.Deployment, wait time.Duration) (engine.TaskResult[string], error)

	EnsureCustomObject(ctx context.Context, gvr schema.GroupVersionResource, obj *unstructured.Unstructured) error

	DeleteDeployment(ctx context.Context, namespace, name string) error
	DeleteJob(ctx context.Context, namespace, name string) error
	DeleteConfigMap(ctx context.Context, namespace, name string) error
	DeleteCustomObject(ctx context.Context, gvr schema.GroupVersionResource, namespace, name string) error

	// DeleteSelected removes every object of kind matching selector.
	// namespace is ignored for cluster-scoped kinds.
	DeleteSelected(ctx context.Context, kind ObjectKind, namespace string, selector labels.Selector) error

	// DeleteCustomSelected removes every custom object of gvr matching selector.
	DeleteCustomSelected(ctx context.Context, gvr schema.GroupVersionResource, namespace string, selector labels.Selector) error
}

// Client implements ObjectManager over a typed and a dynamic clientset.
type Client struct {
	typed   k8s.Interface
	dynamic dynamic.Interface
	logger  zerolog.Logger

	// PollInterval is how often deployment availability is checked.
	PollInterval time.Duration
}

// type check: Client implements ObjectManager
var _ ObjectManager = &Client{}

// NewClient wraps the given clientsets.
func NewClient(typed k8s.Interface, dyn dynamic.Interface, logger zerolog.Logger) *Client {
	return &Client{
		typed:        typed,
		dynamic:      dyn,
		logger:       logger.With().Str("component", "kube").Logger(),
		PollInterval: 2 * time.Second,
	}
}

// Typed returns the typed clientset.
func (c *Client) Typed() k8s.Interface {
	return c.typed
}

func (c *Client) EnsureNamespace(ctx context.Context, ns *kubecore.Namespace) error {
	_, err := c.typed.CoreV1().Namespaces().Create(ctx, ns, kubeapimeta.CreateOptions{})
	return c.created("namespace", "", ns.Name, err)
}

func (c *Client) EnsureNetworkPolicy(ctx context.Context, np *kubenet.NetworkPolicy) error {
	_, err := c.typed.NetworkingV1().NetworkPolicies(np.Namespace).Create(ctx, np, kubeapimeta.CreateOptions{})
	return c.created("networkpolicy", np.Namespace, np.Name, err)
}

func (c *Client) EnsureSecret(ctx context.Context, secret *kubecore.Secret) error {
	_, err := c.typed.CoreV1().Secrets(secret.Namespace).Create(ctx, secret, kubeapimeta.CreateOptions{})
	return c.created("secret", secret.Namespace, secret.Name, err)
}

func (c *Client) EnsureStorageClass(ctx context.Context, sc *kubestorage.StorageClass) error {
	_, err := c.typed.StorageV1().StorageClasses().Create(ctx, sc, kubeapimeta.CreateOptions{})
	return c.created("storageclass", "", sc.Name, err)
}

func (c *Client) EnsurePVC(ctx context.Context, pvc *kubecore.PersistentVolumeClaim) error {
	_, err := c.typed.CoreV1().PersistentVolumeClaims(pvc.Namespace).Create(ctx, pvc, kubeapimeta.CreateOptions{})
	return c.created("pvc", pvc.Namespace, pvc.Name, err)
}

func (c *Client) EnsureConfigMap(ctx context.Context, cm *kubecore.ConfigMap) error {
	_, err := c.typed.CoreV1().ConfigMaps(cm.Namespace).Create(ctx, cm, kubeapimeta.CreateOptions{})
	return c.created("configmap", cm.Namespace, cm.Name, err)
}

func (c *Client) EnsureService(ctx context.Context, svc *kubecore.Service) error {
	_, err := c.typed.CoreV1().Services(svc.Namespace).Create(ctx, svc, kubeapimeta.CreateOptions{})
	return c.created("service", svc.Namespace, svc.Name, err)
}

func (c *Client) EnsureJob(ctx context.Context, job *kubebatch.Job) error {
	_, err := c.typed.BatchV1().Jobs(job.Namespace).Create(ctx, job, kubeapimeta.CreateOptions{})
	return c.created("job", job.Namespace, job.Name, err)
}

func (c *Client) EnsureDeployment(ctx context.Context, depl *kubeapps.Deployment, timeout time.Duration) (engine.TaskResult[string], error) {
	_, err := c.typed.AppsV1().Deployments(depl.Namespace).Create(ctx, depl, kubeapimeta.CreateOptions{})
	if err := c.created("deployment", depl.Namespace, depl.Name, err); err != nil {
		return engine.Failed[string](), err
	}
	if timeout <= 0 {
		return engine.Success[string]().WithValue(depl.Name), nil
	}

	err = wait.PollUntilContextTimeout(ctx, c.PollInterval, timeout, true, func(ctx context.Context) (bool, error) {
		current, err := c.typed.AppsV1().Deployments(depl.Namespace).Get(ctx, depl.Name, kubeapimeta.GetOptions{})
		if err != nil {
			if kubeerr.IsNotFound(err) {
				return false, nil
			}
			return false, err
		}
		return deploymentAvailable(current), nil
	})
	switch {
	case err == nil:
		return engine.Success[string]().WithValue(depl.Name), nil
	case ctx.Err() != nil:
		return engine.Failed[string](), ctx.Err()
	case wait.Interrupted(err):
		c.logger.Warn().
			Str("namespace", depl.Namespace).
			Str("name", depl.Name).
			Dur("timeout", timeout).
			Msg("Deployment not available in time")
		return engine.WaitTimeout[string]().WithValue(depl.Name), nil
	default:
		return engine.Failed[string](), classify("deployment", depl.Name, err)
	}
}

// deploymentAvailable reports whether every desired replica of the latest
// generation is ready.
func deploymentAvailable(d *kubeapps.Deployment) bool {
	if d.Status.ObservedGeneration < d.Generation {
		return false
	}
	want := int32(1)
	if d.Spec.Replicas != nil {
		want = *d.Spec.Replicas
	}
	return d.Status.ReadyReplicas >= want
}

func (c *Client) EnsureCustomObject(ctx context.Context, gvr schema.GroupVersionResource, obj *unstructured.Unstructured) error {
	_, err := c.dynamic.Resource(gvr).Namespace(obj.GetNamespace()).Create(ctx, obj, kubeapimeta.CreateOptions{})
	return c.created(gvr.Resource, obj.GetNamespace(), obj.GetName(), err)
}

func (c *Client) DeleteDeployment(ctx context.Context, namespace, name string) error {
	err := c.typed.AppsV1().Deployments(namespace).Delete(ctx, name, foreground())
	return c.deleted("deployment", namespace, name, err)
}

func (c *Client) DeleteJob(ctx context.Context, namespace, name string) error {
	err := c.typed.BatchV1().Jobs(namespace).Delete(ctx, name, foreground())
	return c.deleted("job", namespace, name, err)
}

func (c *Client) DeleteConfigMap(ctx context.Context, namespace, name string) error {
	err := c.typed.CoreV1().ConfigMaps(namespace).Delete(ctx, name, kubeapimeta.DeleteOptions{})
	return c.deleted("configmap", namespace, name, err)
}

func (c *Client) DeleteCustomObject(ctx context.Context, gvr schema.GroupVersionResource, namespace, name string) error {
	err := c.dynamic.Resource(gvr).Namespace(namespace).Delete(ctx, name, kubeapimeta.DeleteOptions{})
	return c.deleted(gvr.Resource, namespace, name, err)
}

func (c *Client) DeleteSelected(ctx context.Context, kind ObjectKind, namespace string, selector labels.Selector) error {
	names, err := c.listNames(ctx, kind, namespace, selector)
	if err != nil {
		return classify(string(kind), selector.String(), err)
	}
	for _, name := range names {
		if err := c.deleteOne(ctx, kind, namespace, name); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) DeleteCustomSelected(ctx context.Context, gvr schema.GroupVersionResource, namespace string, selector labels.Selector) error {
	list, err := c.dynamic.Resource(gvr).Namespace(namespace).List(ctx, kubeapimeta.ListOptions{
		LabelSelector: selector.String(),
	})
	if err != nil {
		if kubeerr.IsNotFound(err) {
			return nil
		}
		return classify(gvr.Resource, selector.String(), err)
	}
	for _, item := range list.Items {
		if err := c.DeleteCustomObject(ctx, gvr, namespace, item.GetName()); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) listNames(ctx context.Context, kind ObjectKind, namespace string, selector labels.Selector) ([]string, error) {
	opts := kubeapimeta.ListOptions{LabelSelector: selector.String()}
	var names []string
	switch kind {
	case KindSecrets:
		list, err := c.typed.CoreV1().Secrets(namespace).List(ctx, opts)
		if err != nil {
			return nil, err
		}
		for _, item := range list.Items {
			names = append(names, item.Name)
		}
	case KindServices:
		list, err := c.typed.CoreV1().Services(namespace).List(ctx, opts)
		if err != nil {
			return nil, err
		}
		for _, item := range list.Items {
			names = append(names, item.Name)
		}
	case KindPVCs:
		list, err := c.typed.CoreV1().PersistentVolumeClaims(namespace).List(ctx, opts)
		if err != nil {
			return nil, err
		}
		for _, item := range list.Items {
			names = append(names, item.Name)
		}
	case KindNetworkPolicies:
		list, err := c.typed.NetworkingV1().NetworkPolicies(namespace).List(ctx, opts)
		if err != nil {
			return nil, err
		}
		for _, item := range list.Items {
			names = append(names, item.Name)
		}
	case KindStorageClasses:
		list, err := c.typed.StorageV1().StorageClasses().List(ctx, opts)
		if err != nil {
			return nil, err
		}
		for _, item := range list.Items {
			names = append(names, item.Name)
		}
	case KindConfigMaps:
		list, err := c.typed.CoreV1().ConfigMaps(namespace).List(ctx, opts)
		if err != nil {
			return nil, err
		}
		for _, item := range list.Items {
			names = append(names, item.Name)
		}
	case KindDeployments:
		list, err := c.typed.AppsV1().Deployments(namespace).List(ctx, opts)
		if err != nil {
			return nil, err
		}
		for _, item := range list.Items {
			names = append(names, item.Name)
		}
	case KindJobs:
		list, err := c.typed.BatchV1().Jobs(namespace).List(ctx, opts)
		if err != nil {
			return nil, err
		}
		for _, item := range list.Items {
			names = append(names, item.Name)
		}
	default:
		return nil, engine.NewPermanentError(fmt.Sprintf("unsupported object kind %q", kind), nil).
			WithCode(engine.ErrCodeValidation)
	}
	return names, nil
}

func (c *Client) deleteOne(ctx context.Context, kind ObjectKind, namespace, name string) error {
	var err error
	switch kind {
	case KindSecrets:
		err = c.typed.CoreV1().Secrets(namespace).Delete(ctx, name, kubeapimeta.DeleteOptions{})
	case KindServices:
		err = c.typed.CoreV1().Services(namespace).Delete(ctx, name, kubeapimeta.DeleteOptions{})
	case KindPVCs:
		err = c.typed.CoreV1().PersistentVolumeClaims(namespace).Delete(ctx, name, kubeapimeta.DeleteOptions{})
	case KindNetworkPolicies:
		err = c.typed.NetworkingV1().NetworkPolicies(namespace).Delete(ctx, name, kubeapimeta.DeleteOptions{})
	case KindStorageClasses:
		err = c.typed.StorageV1().StorageClasses().Delete(ctx, name, kubeapimeta.DeleteOptions{})
	case KindConfigMaps:
		err = c.typed.CoreV1().ConfigMaps(namespace).Delete(ctx, name, kubeapimeta.DeleteOptions{})
	case KindDeployments:
		err = c.typed.AppsV1().Deployments(namespace).Delete(ctx, name, foreground())
	case KindJobs:
		err = c.typed.BatchV1().Jobs(namespace).Delete(ctx, name, foreground())
	}
	return c.deleted(string(kind), namespace, name, err)
}

func (c *Client) created(kind, namespace, name string, err error) error {
	if err == nil {
		c.logger.Debug().Str("kind", kind).Str("namespace", namespace).Str("name", name).Msg("Created object")
		return nil
	}
	if kubeerr.IsAlreadyExists(err) {
		c.logger.Debug().Str("kind", kind).Str("namespace", namespace).Str("name", name).Msg("Object already exists")
		return nil
	}
	return classify(kind, name, err)
}

func (c *Client) deleted(kind, namespace, name string, err error) error {
	if err == nil {
		c.logger.Debug().Str("kind", kind).Str("namespace", namespace).Str("name", name).Msg("Deleted object")
		return nil
	}
	if kubeerr.IsNotFound(err) {
		return nil
	}
	return classify(kind, name, err)
}

func foreground() kubeapimeta.DeleteOptions {
	policy := kubeapimeta.DeletePropagationForeground
	return kubeapimeta.DeleteOptions{PropagationPolicy: &policy}
}

// classify maps an API server error onto the engine's error classes, so the
// retry policy of the calling step can tell transient failures from fatal ones.
func classify(kind, name string, err error) error {
	message := fmt.Sprintf("%s %q", kind, name)
	switch {
	case kubeerr.IsTooManyRequests(err), kubeerr.IsServerTimeout(err), kubeerr.IsTimeout(err):
		return engine.NewThrottledError(message+" throttled", err).WithCode(engine.ErrCodeTimeout)
	case kubeerr.IsConflict(err):
		return engine.NewConflictError(message+" conflict", err).WithCode(engine.ErrCodeConflict)
	case kubeerr.IsForbidden(err), kubeerr.IsUnauthorized(err):
		return engine.NewPermanentError(message+" forbidden", err).WithCode(engine.ErrCodePermissionDenied)
	case kubeerr.IsInvalid(err), kubeerr.IsBadRequest(err):
		return engine.NewPermanentError(message+" rejected", err).WithCode(engine.ErrCodeValidation)
	default:
		return engine.NewTransientError(message+" request failed", err)
	}
}
