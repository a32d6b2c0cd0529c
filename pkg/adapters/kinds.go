package adapters

import (
	"context"
	"fmt"

	kubecore "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/util/intstr"

	"github.com/invergent-ai/surogate-studio-sub001/pkg/engine"
	"github.com/invergent-ai/surogate-studio-sub001/pkg/kube"
)

// Application runs a long-lived Deployment reachable through the ingress.
type Application struct {
	*Base
}

// NewApplication creates the application adapter.
func NewApplication(deps Deps) *Application {
	a := &Application{Base: newBase(engine.KindApplication, deps)}
	a.bind(a)
	return a
}

func (a *Application) CreateDeployment(ctx context.Context, req engine.StepRequest) (engine.TaskResult[string], error) {
	depl, err := deployment(req)
	if err != nil {
		return engine.Failed[string](), err
	}
	m, err := a.manager(ctx, req)
	if err != nil {
		return engine.Failed[string](), err
	}
	return m.EnsureDeployment(ctx, depl, req.Resource.Spec.ReadyTimeout)
}

func (a *Application) DeleteDeployment(ctx context.Context, req engine.StepRequest) error {
	m, err := a.manager(ctx, req)
	if err != nil {
		return err
	}
	return m.DeleteDeployment(ctx, req.Namespace, objectName(req.Resource))
}

// Database runs a CloudNativePG cluster. The operator owns storage and the
// database services, so those steps only add a primary service alias.
type Database struct {
	*Base
}

// NewDatabase creates the database adapter.
func NewDatabase(deps Deps) *Database {
	d := &Database{Base: newBase(engine.KindDatabase, deps)}
	d.bind(d)
	return d
}

const postgresPort = 5432

func (d *Database) CreateStorageClasses(context.Context, engine.StepRequest) (engine.TaskResult[string], error) {
	return skip()
}

func (d *Database) CreateVolumes(context.Context, engine.StepRequest) (engine.TaskResult[string], error) {
	return skip()
}

func (d *Database) CreateMiddlewares(context.Context, engine.StepRequest) (engine.TaskResult[string], error) {
	return skip()
}

func (d *Database) CreateIngress(context.Context, engine.StepRequest) (engine.TaskResult[string], error) {
	return skip()
}

// SetPublicHostname does nothing: databases are never published.
func (d *Database) SetPublicHostname(context.Context, *engine.Resource) error {
	return nil
}

func (d *Database) CreateDeployment(ctx context.Context, req engine.StepRequest) (engine.TaskResult[string], error) {
	spec := req.Resource.Spec.Database
	if spec == nil {
		return engine.Failed[string](), engine.NewPermanentError("database resource without database spec", nil).
			WithCode(engine.ErrCodeValidation)
	}
	if spec.Engine != "" && spec.Engine != "postgres" && spec.Engine != "postgresql" {
		return engine.Failed[string](), engine.NewPermanentError(fmt.Sprintf("unsupported database engine %q", spec.Engine), nil).
			WithCode(engine.ErrCodeValidation)
	}
	instances := int64(spec.Instances)
	if instances <= 0 {
		instances = 1
	}
	image := req.Resource.Spec.Image
	if image == "" && spec.Version != "" {
		image = "ghcr.io/cloudnative-pg/postgresql:" + spec.Version
	}

	m, err := d.manager(ctx, req)
	if err != nil {
		return engine.Failed[string](), err
	}
	name := objectName(req.Resource)
	obj := kube.PostgresCluster(req.Namespace, name, kube.ResourceLabels(req.Resource), image, instances, spec.StorageSize, "")
	if err := m.EnsureCustomObject(ctx, kube.PostgresGVR, obj); err != nil {
		return engine.Failed[string](), err
	}
	return engine.Success[string]().WithValue(fmt.Sprintf("%s-rw.%s.svc", name, req.Namespace)), nil
}

func (d *Database) CreateServices(ctx context.Context, req engine.StepRequest) (engine.TaskResult[string], error) {
	name := objectName(req.Resource)
	svc := &kubecore.Service{
		ObjectMeta: meta(req, name+"-primary"),
		Spec: kubecore.ServiceSpec{
			Type: kubecore.ServiceTypeClusterIP,
			Selector: map[string]string{
				"cnpg.io/cluster":      name,
				"cnpg.io/instanceRole": "primary",
			},
			Ports: []kubecore.ServicePort{{
				Name:       "postgres",
				Port:       postgresPort,
				TargetPort: intstr.FromInt32(postgresPort),
			}},
		},
	}
	m, err := d.manager(ctx, req)
	if err != nil {
		return engine.Failed[string](), err
	}
	if err := m.EnsureService(ctx, svc); err != nil {
		return engine.Failed[string](), err
	}
	return engine.Success[string]().WithValue(svc.Name), nil
}

func (d *Database) DeleteDeployment(ctx context.Context, req engine.StepRequest) error {
	m, err := d.manager(ctx, req)
	if err != nil {
		return err
	}
	return m.DeleteCustomObject(ctx, kube.PostgresGVR, req.Namespace, objectName(req.Resource))
}

// BatchJob runs a Job to completion. It is never exposed.
type BatchJob struct {
	*Base
}

// NewBatchJob creates the batch job adapter.
func NewBatchJob(deps Deps) *BatchJob {
	j := &BatchJob{Base: newBase(engine.KindBatchJob, deps)}
	j.bind(j)
	return j
}

const batchBackoffLimit = 3

func (j *BatchJob) CreateServices(context.Context, engine.StepRequest) (engine.TaskResult[string], error) {
	return skip()
}

func (j *BatchJob) CreateMiddlewares(context.Context, engine.StepRequest) (engine.TaskResult[string], error) {
	return skip()
}

func (j *BatchJob) CreateIngress(context.Context, engine.StepRequest) (engine.TaskResult[string], error) {
	return skip()
}

func (j *BatchJob) SetPublicHostname(context.Context, *engine.Resource) error {
	return nil
}

func (j *BatchJob) CreateDeployment(ctx context.Context, req engine.StepRequest) (engine.TaskResult[string], error) {
	pod, err := podTemplate(req, kubecore.RestartPolicyNever)
	if err != nil {
		return engine.Failed[string](), err
	}
	m, err := j.manager(ctx, req)
	if err != nil {
		return engine.Failed[string](), err
	}
	obj := job(req, pod, batchBackoffLimit)
	if err := m.EnsureJob(ctx, obj); err != nil {
		return engine.Failed[string](), err
	}
	return engine.Success[string]().WithValue(obj.Name), nil
}

func (j *BatchJob) DeleteDeployment(ctx context.Context, req engine.StepRequest) error {
	m, err := j.manager(ctx, req)
	if err != nil {
		return err
	}
	return m.DeleteJob(ctx, req.Namespace, objectName(req.Resource))
}

// TaskRun executes a script once. The script is shipped in a ConfigMap and
// run by a Job that is never retried; volumes are scratch space only.
type TaskRun struct {
	*Base
}

// NewTaskRun creates the task run adapter.
func NewTaskRun(deps Deps) *TaskRun {
	t := &TaskRun{Base: newBase(engine.KindTaskRun, deps)}
	t.bind(t)
	return t
}

const (
	scriptMountPath = "/opt/task"
	scriptFile      = "run.sh"
	defaultShell    = "/bin/sh"
)

func (t *TaskRun) CreateStorageClasses(context.Context, engine.StepRequest) (engine.TaskResult[string], error) {
	return skip()
}

func (t *TaskRun) CreateVolumes(context.Context, engine.StepRequest) (engine.TaskResult[string], error) {
	return skip()
}

func (t *TaskRun) CreateServices(context.Context, engine.StepRequest) (engine.TaskResult[string], error) {
	return skip()
}

func (t *TaskRun) CreateMiddlewares(context.Context, engine.StepRequest) (engine.TaskResult[string], error) {
	return skip()
}

func (t *TaskRun) CreateIngress(context.Context, engine.StepRequest) (engine.TaskResult[string], error) {
	return skip()
}

func (t *TaskRun) SetPublicHostname(context.Context, *engine.Resource) error {
	return nil
}

func (t *TaskRun) CreateDeployment(ctx context.Context, req engine.StepRequest) (engine.TaskResult[string], error) {
	if req.Resource.Spec.Script == "" {
		return engine.Failed[string](), engine.NewPermanentError("task run without script", nil).
			WithCode(engine.ErrCodeValidation)
	}

	// Scratch volumes only.
	scratch := *req.Resource
	scratch.Spec.Volumes = nil
	for _, v := range req.Resource.Spec.Volumes {
		v.Persistent = false
		scratch.Spec.Volumes = append(scratch.Spec.Volumes, v)
	}
	scratchReq := req
	scratchReq.Resource = &scratch

	pod, err := podTemplate(scratchReq, kubecore.RestartPolicyNever)
	if err != nil {
		return engine.Failed[string](), err
	}
	mode := int32(0o555)
	pod.Spec.Volumes = append(pod.Spec.Volumes, kubecore.Volume{
		Name: "script",
		VolumeSource: kubecore.VolumeSource{ConfigMap: &kubecore.ConfigMapVolumeSource{
			LocalObjectReference: kubecore.LocalObjectReference{Name: scriptName(req.Resource)},
			DefaultMode:          &mode,
		}},
	})
	c := &pod.Spec.Containers[0]
	c.VolumeMounts = append(c.VolumeMounts, kubecore.VolumeMount{Name: "script", MountPath: scriptMountPath, ReadOnly: true})
	c.Command = []string{defaultShell, scriptMountPath + "/" + scriptFile}
	c.Args = req.Resource.Spec.Args

	m, err := t.manager(ctx, req)
	if err != nil {
		return engine.Failed[string](), err
	}
	cm := &kubecore.ConfigMap{
		ObjectMeta: meta(req, scriptName(req.Resource)),
		Data:       map[string]string{scriptFile: req.Resource.Spec.Script},
	}
	if err := m.EnsureConfigMap(ctx, cm); err != nil {
		return engine.Failed[string](), err
	}
	obj := job(req, pod, 0)
	if err := m.EnsureJob(ctx, obj); err != nil {
		return engine.Failed[string](), err
	}
	return engine.Success[string]().WithValue(obj.Name), nil
}

// DeleteDeployment removes the Job and its script ConfigMap, which
// CreateDeployment may have left behind when the Job could not be created.
func (t *TaskRun) DeleteDeployment(ctx context.Context, req engine.StepRequest) error {
	m, err := t.manager(ctx, req)
	if err != nil {
		return err
	}
	if err := m.DeleteJob(ctx, req.Namespace, objectName(req.Resource)); err != nil {
		return err
	}
	return m.DeleteConfigMap(ctx, req.Namespace, scriptName(req.Resource))
}

var (
	_ engine.ResourceAdapter = (*Application)(nil)
	_ engine.ResourceAdapter = (*Database)(nil)
	_ engine.ResourceAdapter = (*BatchJob)(nil)
	_ engine.ResourceAdapter = (*TaskRun)(nil)
)
