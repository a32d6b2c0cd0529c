package adapters

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	kubeapps "k8s.io/api/apps/v1"
	kubebatch "k8s.io/api/batch/v1"
	kubecore "k8s.io/api/core/v1"
	kubenet "k8s.io/api/networking/v1"
	kubestorage "k8s.io/api/storage/v1"
	kubeapiresource "k8s.io/apimachinery/pkg/api/resource"
	kubeapimeta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"

	"github.com/invergent-ai/surogate-studio-sub001/pkg/engine"
	"github.com/invergent-ai/surogate-studio-sub001/pkg/kube"
)

const (
	gpuResource = kubecore.ResourceName("nvidia.com/gpu")
	maxLabelLen = 63
)

// objectName is the DNS label every generated object of res is named after.
func objectName(res *engine.Resource) string {
	base := sanitize(res.Name)
	suffix := res.ShortID()
	if limit := maxLabelLen - len(suffix) - 1; len(base) > limit {
		base = strings.TrimRight(base[:limit], "-")
	}
	if base == "" {
		return suffix
	}
	return base + "-" + suffix
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

func middlewareName(res *engine.Resource) string { return objectName(res) + "-allow" }
func pullSecretName(res *engine.Resource) string { return objectName(res) + "-pull" }
func scriptName(res *engine.Resource) string { return objectName(res) + "-script" }

func storageClassName(res *engine.Resource, vol engine.Volume) string {
	return objectName(res) + "-" + sanitize(vol.Name)
}

func claimName(res *engine.Resource, vol engine.Volume) string {
	return objectName(res) + "-" + sanitize(vol.Name)
}

func meta(req engine.StepRequest, name string) kubeapimeta.ObjectMeta {
	return kubeapimeta.ObjectMeta{
		Name:      name,
		Namespace: req.Namespace,
		Labels:    kube.ResourceLabels(req.Resource),
	}
}

func selectorLabels(res *engine.Resource) map[string]string {
	return map[string]string{kube.LabelResource: res.ID}
}

// networkPolicy admits traffic to the resource's pods from its own namespace
// and from the ingress controller.
func networkPolicy(req engine.StepRequest, controllerNamespace string) *kubenet.NetworkPolicy {
	namespaces := []string{req.Namespace}
	if controllerNamespace != "" && controllerNamespace != req.Namespace {
		namespaces = append(namespaces, controllerNamespace)
	}
	return &kubenet.NetworkPolicy{
		ObjectMeta: meta(req, objectName(req.Resource)),
		Spec: kubenet.NetworkPolicySpec{
			PodSelector: kubeapimeta.LabelSelector{MatchLabels: selectorLabels(req.Resource)},
			PolicyTypes: []kubenet.PolicyType{kubenet.PolicyTypeIngress},
			Ingress: []kubenet.NetworkPolicyIngressRule{{
				From: []kubenet.NetworkPolicyPeer{{
					NamespaceSelector: &kubeapimeta.LabelSelector{
						MatchExpressions: []kubeapimeta.LabelSelectorRequirement{{
							Key:      "kubernetes.io/metadata.name",
							Operator: kubeapimeta.LabelSelectorOpIn,
							Values:   namespaces,
						}},
					},
				}},
			}},
		},
	}
}

type dockerConfig struct {
	Auths map[string]dockerAuth `json:"auths"`
}

type dockerAuth struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Auth     string `json:"auth"`
}

// pullSecret builds one dockerconfigjson secret holding every registry credential.
func pullSecret(req engine.StepRequest) (*kubecore.Secret, error) {
	cfg := dockerConfig{Auths: make(map[string]dockerAuth)}
	for _, cred := range req.Resource.Spec.RegistryCredentials {
		if cred.Server == "" {
			return nil, engine.NewPermanentError("registry credential without server", nil).WithCode(engine.ErrCodeValidation)
		}
		cfg.Auths[cred.Server] = dockerAuth{
			Username: cred.Username,
			Password: cred.Password,
			Auth:     base64.StdEncoding.EncodeToString([]byte(cred.Username + ":" + cred.Password)),
		}
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode registry credentials: %w", err)
	}
	return &kubecore.Secret{
		ObjectMeta: meta(req, pullSecretName(req.Resource)),
		Type:       kubecore.SecretTypeDockerConfigJson,
		Data:       map[string][]byte{kubecore.DockerConfigJsonKey: data},
	}, nil
}

// storageClasses generates a class for every persistent volume that does not
// name an existing one.
func storageClasses(req engine.StepRequest) ([]*kubestorage.StorageClass, error) {
	var out []*kubestorage.StorageClass
	for _, vol := range req.Resource.Spec.Volumes {
		if !vol.Persistent || vol.StorageClass != "" {
			continue
		}
		if req.Cluster.StorageProvisioner == "" {
			return nil, engine.NewPermanentError(
				fmt.Sprintf("cluster %s has no storage provisioner for volume %s", req.Cluster.ID, vol.Name), nil).
				WithCode(engine.ErrCodeValidation)
		}
		policy := kubecore.PersistentVolumeReclaimDelete
		switch strings.ToLower(vol.ReclaimPolicy) {
		case "", "delete":
		case "retain":
			policy = kubecore.PersistentVolumeReclaimRetain
		default:
			return nil, engine.NewPermanentError(fmt.Sprintf("invalid reclaim policy %q", vol.ReclaimPolicy), nil).
				WithCode(engine.ErrCodeValidation)
		}
		binding := kubestorage.VolumeBindingWaitForFirstConsumer
		expand := true
		m := meta(req, storageClassName(req.Resource, vol))
		m.Namespace = ""
		out = append(out, &kubestorage.StorageClass{
			ObjectMeta:           m,
			Provisioner:          req.Cluster.StorageProvisioner,
			ReclaimPolicy:        &policy,
			VolumeBindingMode:    &binding,
			AllowVolumeExpansion: &expand,
		})
	}
	return out, nil
}

func volumeClaims(req engine.StepRequest) ([]*kubecore.PersistentVolumeClaim, error) {
	var out []*kubecore.PersistentVolumeClaim
	for _, vol := range req.Resource.Spec.Volumes {
		if !vol.Persistent {
			continue
		}
		size, err := kubeapiresource.ParseQuantity(vol.Size)
		if err != nil {
			return nil, engine.NewPermanentError(fmt.Sprintf("invalid size %q for volume %s", vol.Size, vol.Name), err).
				WithCode(engine.ErrCodeValidation)
		}
		class := vol.StorageClass
		if class == "" {
			class = storageClassName(req.Resource, vol)
		}
		out = append(out, &kubecore.PersistentVolumeClaim{
			ObjectMeta: meta(req, claimName(req.Resource, vol)),
			Spec: kubecore.PersistentVolumeClaimSpec{
				AccessModes:      []kubecore.PersistentVolumeAccessMode{kubecore.ReadWriteOnce},
				StorageClassName: &class,
				Resources: kubecore.VolumeResourceRequirements{
					Requests: kubecore.ResourceList{kubecore.ResourceStorage: size},
				},
			},
		})
	}
	return out, nil
}

// service exposes every declared port of the resource, or nothing when it declares none.
func service(req engine.StepRequest) *kubecore.Service {
	ports := req.Resource.Spec.Ports
	if len(ports) == 0 {
		return nil
	}
	svcPorts := make([]kubecore.ServicePort, 0, len(ports))
	for _, p := range ports {
		svcPorts = append(svcPorts, kubecore.ServicePort{
			Name:       p.Name,
			Port:       p.Port,
			TargetPort: intstr.FromInt32(p.Port),
			Protocol:   protocol(p.Protocol),
		})
	}
	return &kubecore.Service{
		ObjectMeta: meta(req, objectName(req.Resource)),
		Spec: kubecore.ServiceSpec{
			Type:     kubecore.ServiceTypeClusterIP,
			Selector: selectorLabels(req.Resource),
			Ports:    svcPorts,
		},
	}
}

func protocol(p string) kubecore.Protocol {
	switch strings.ToUpper(p) {
	case "UDP":
		return kubecore.ProtocolUDP
	case "SCTP":
		return kubecore.ProtocolSCTP
	default:
		return kubecore.ProtocolTCP
	}
}

func ingressPort(res *engine.Resource) (engine.Port, bool) {
	for _, p := range res.Spec.Ports {
		if p.Ingress {
			return p, true
		}
	}
	return engine.Port{}, false
}

// podTemplate builds the pod of the resource's main workload.
func podTemplate(req engine.StepRequest, restart kubecore.RestartPolicy) (kubecore.PodTemplateSpec, error) {
	spec := req.Resource.Spec

	requests := kubecore.ResourceList{}
	limits := kubecore.ResourceList{}
	if spec.CPU != "" {
		q, err := kubeapiresource.ParseQuantity(spec.CPU)
		if err != nil {
			return kubecore.PodTemplateSpec{}, engine.NewPermanentError(fmt.Sprintf("invalid cpu %q", spec.CPU), err).
				WithCode(engine.ErrCodeValidation)
		}
		requests[kubecore.ResourceCPU] = q
	}
	if spec.Memory != "" {
		q, err := kubeapiresource.ParseQuantity(spec.Memory)
		if err != nil {
			return kubecore.PodTemplateSpec{}, engine.NewPermanentError(fmt.Sprintf("invalid memory %q", spec.Memory), err).
				WithCode(engine.ErrCodeValidation)
		}
		requests[kubecore.ResourceMemory] = q
		limits[kubecore.ResourceMemory] = q
	}
	if spec.GPU > 0 {
		limits[gpuResource] = *kubeapiresource.NewQuantity(int64(spec.GPU), kubeapiresource.DecimalSI)
	}

	envNames := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		envNames = append(envNames, k)
	}
	sort.Strings(envNames)
	env := make([]kubecore.EnvVar, 0, len(envNames))
	for _, k := range envNames {
		env = append(env, kubecore.EnvVar{Name: k, Value: spec.Env[k]})
	}

	var ports []kubecore.ContainerPort
	for _, p := range spec.Ports {
		ports = append(ports, kubecore.ContainerPort{Name: p.Name, ContainerPort: p.Port, Protocol: protocol(p.Protocol)})
	}

	var (
		volumes []kubecore.Volume
		mounts  []kubecore.VolumeMount
	)
	for _, vol := range spec.Volumes {
		name := sanitize(vol.Name)
		source := kubecore.VolumeSource{EmptyDir: &kubecore.EmptyDirVolumeSource{}}
		if vol.Persistent {
			source = kubecore.VolumeSource{PersistentVolumeClaim: &kubecore.PersistentVolumeClaimVolumeSource{
				ClaimName: claimName(req.Resource, vol),
			}}
		}
		volumes = append(volumes, kubecore.Volume{Name: name, VolumeSource: source})
		mounts = append(mounts, kubecore.VolumeMount{Name: name, MountPath: vol.MountPath})
	}

	labels := kube.ResourceLabels(req.Resource)
	pod := kubecore.PodTemplateSpec{
		ObjectMeta: kubeapimeta.ObjectMeta{Labels: labels},
		Spec: kubecore.PodSpec{
			RestartPolicy: restart,
			Containers: []kubecore.Container{{
				Name:         "main",
				Image:        spec.Image,
				Command:      spec.Command,
				Args:         spec.Args,
				Env:          env,
				Ports:        ports,
				VolumeMounts: mounts,
				Resources:    kubecore.ResourceRequirements{Requests: requests, Limits: limits},
			}},
			Volumes: volumes,
		},
	}
	if len(spec.RegistryCredentials) > 0 {
		pod.Spec.ImagePullSecrets = []kubecore.LocalObjectReference{{Name: pullSecretName(req.Resource)}}
	}
	return pod, nil
}

func deployment(req engine.StepRequest) (*kubeapps.Deployment, error) {
	pod, err := podTemplate(req, kubecore.RestartPolicyAlways)
	if err != nil {
		return nil, err
	}
	replicas := req.Resource.Spec.Replicas
	if replicas <= 0 {
		replicas = 1
	}
	return &kubeapps.Deployment{
		ObjectMeta: meta(req, objectName(req.Resource)),
		Spec: kubeapps.DeploymentSpec{
			Replicas: &replicas,
			Selector: &kubeapimeta.LabelSelector{MatchLabels: selectorLabels(req.Resource)},
			Template: pod,
		},
	}, nil
}

func job(req engine.StepRequest, pod kubecore.PodTemplateSpec, backoffLimit int32) *kubebatch.Job {
	return &kubebatch.Job{
		ObjectMeta: meta(req, objectName(req.Resource)),
		Spec: kubebatch.JobSpec{
			BackoffLimit: &backoffLimit,
			Template:     pod,
		},
	}
}
