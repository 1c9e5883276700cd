// Package deploy reconciles releases onto a Kubernetes cluster:
// namespace, service account, image-pull secret, release jobs, and
// per-process deployments, in that order.
package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/ptr"

	"github.com/cabotage/cabotage-app/internal/domain"
)

// DeployError is a failure the cluster reported (a failed release
// job, an object the apiserver refused). Terminal for the attempt;
// recorded on the Deployment row.
type DeployError struct {
	Detail string
}

func (e *DeployError) Error() string { return e.Detail }

// PullSecretSource renders the dockerconfigjson payload pods use to
// pull the release image.
type PullSecretSource interface {
	PullSecretData(repository string) ([]byte, error)
}

// Deployer applies releases to the cluster.
type Deployer struct {
	client          kubernetes.Interface
	pullSecrets     PullSecretSource
	logger          *slog.Logger
	registryPullURL string
	sidecarImage    string
	ghostunnelImage string
	vaultAddr       string
	consulAddr      string
	pollInterval    time.Duration
}

// Config carries the cluster-facing settings a Deployer renders into
// pod specs.
type Config struct {
	RegistryPullURL string
	SidecarImage    string
	GhostunnelImage string
	VaultAddr       string
	ConsulAddr      string
}

// New constructs a Deployer.
func New(client kubernetes.Interface, pullSecrets PullSecretSource, logger *slog.Logger, cfg Config) *Deployer {
	return &Deployer{
		client:          client,
		pullSecrets:     pullSecrets,
		logger:          logger,
		registryPullURL: cfg.RegistryPullURL,
		sidecarImage:    cfg.SidecarImage,
		ghostunnelImage: cfg.GhostunnelImage,
		vaultAddr:       cfg.VaultAddr,
		consulAddr:      cfg.ConsulAddr,
		pollInterval:    time.Second,
	}
}

// Run applies the release. The outer deadline comes from the
// application's deployment timeout; release jobs additionally
// enforce their own 120 second ceiling.
func (d *Deployer) Run(ctx context.Context, app *domain.Application, release *domain.Release) error {
	timeout := time.Duration(release.DeploymentTimeout) * time.Second
	if timeout <= 0 {
		timeout = 180 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	namespace := app.OrganizationSlug
	if err := d.ensureNamespace(ctx, namespace); err != nil {
		return err
	}
	saName := fmt.Sprintf("%s-%s", app.ProjectSlug, app.Slug)
	if err := d.ensureServiceAccount(ctx, namespace, saName); err != nil {
		return err
	}
	if err := d.applyPullSecret(ctx, namespace, saName, release.RepositoryName); err != nil {
		return err
	}
	if err := d.attachPullSecret(ctx, namespace, saName); err != nil {
		return err
	}

	for process := range release.ReleaseCommands {
		if err := d.runReleaseJob(ctx, app, release, process); err != nil {
			return err
		}
	}
	for process := range release.Processes {
		if err := d.applyProcessDeployment(ctx, app, release, process); err != nil {
			return err
		}
	}
	d.logger.Info("release deployed", "application_id", app.ID, "release_id", release.ID, "version", release.Version)
	return nil
}

func (d *Deployer) ensureNamespace(ctx context.Context, name string) error {
	namespaces := d.client.CoreV1().Namespaces()
	if _, err := namespaces.Get(ctx, name, metav1.GetOptions{}); err == nil {
		return nil
	} else if !k8serrors.IsNotFound(err) {
		return fmt.Errorf("get namespace %s: %w", name, err)
	}
	_, err := namespaces.Create(ctx, &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{Name: name},
	}, metav1.CreateOptions{})
	if err != nil && !k8serrors.IsAlreadyExists(err) {
		return fmt.Errorf("create namespace %s: %w", name, err)
	}
	return nil
}

func (d *Deployer) ensureServiceAccount(ctx context.Context, namespace, name string) error {
	accounts := d.client.CoreV1().ServiceAccounts(namespace)
	if _, err := accounts.Get(ctx, name, metav1.GetOptions{}); err == nil {
		return nil
	} else if !k8serrors.IsNotFound(err) {
		return fmt.Errorf("get serviceaccount %s: %w", name, err)
	}
	_, err := accounts.Create(ctx, &corev1.ServiceAccount{
		ObjectMeta: metav1.ObjectMeta{
			Name:   name,
			Labels: map[string]string{"org.pypi.infra.vault-access": "true"},
		},
	}, metav1.CreateOptions{})
	if err != nil && !k8serrors.IsAlreadyExists(err) {
		return fmt.Errorf("create serviceaccount %s: %w", name, err)
	}
	return nil
}

func (d *Deployer) applyPullSecret(ctx context.Context, namespace, name, repository string) error {
	payload, err := d.pullSecrets.PullSecretData(repository)
	if err != nil {
		return fmt.Errorf("rendering pull secret: %w", err)
	}
	desired := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: name},
		Type:       corev1.SecretTypeDockerConfigJson,
		Data:       map[string][]byte{corev1.DockerConfigJsonKey: payload},
	}
	secrets := d.client.CoreV1().Secrets(namespace)
	_, err = secrets.Create(ctx, desired, metav1.CreateOptions{})
	if err == nil {
		return nil
	}
	if !k8serrors.IsAlreadyExists(err) {
		return fmt.Errorf("create pull secret %s: %w", name, err)
	}
	existing, getErr := secrets.Get(ctx, name, metav1.GetOptions{})
	if getErr != nil {
		return fmt.Errorf("get pull secret %s: %w", name, getErr)
	}
	desired.ResourceVersion = existing.ResourceVersion
	if _, err := secrets.Update(ctx, desired, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("update pull secret %s: %w", name, err)
	}
	return nil
}

func (d *Deployer) attachPullSecret(ctx context.Context, namespace, name string) error {
	accounts := d.client.CoreV1().ServiceAccounts(namespace)
	account, err := accounts.Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("get serviceaccount %s: %w", name, err)
	}
	for _, ref := range account.ImagePullSecrets {
		if ref.Name == name {
			return nil
		}
	}
	account.ImagePullSecrets = append(account.ImagePullSecrets, corev1.LocalObjectReference{Name: name})
	if _, err := accounts.Update(ctx, account, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("attach pull secret to serviceaccount %s: %w", name, err)
	}
	return nil
}

func (d *Deployer) runReleaseJob(ctx context.Context, app *domain.Application, release *domain.Release, process string) error {
	namespace := app.OrganizationSlug
	name := fmt.Sprintf("%s-%s-%s-%s", app.ProjectSlug, app.Slug, process, uuid.New().String()[:8])
	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:   name,
			Labels: objectLabels(app, process),
		},
		Spec: batchv1.JobSpec{
			Parallelism:           ptr.To(int32(1)),
			BackoffLimit:          ptr.To(int32(0)),
			ActiveDeadlineSeconds: ptr.To(int64(120)),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: objectLabels(app, process)},
				Spec:       d.podSpec(app, release, process),
			},
		},
	}

	jobs := d.client.BatchV1().Jobs(namespace)
	if _, err := jobs.Create(ctx, job, metav1.CreateOptions{}); err != nil {
		return fmt.Errorf("create job %s: %w", name, err)
	}
	d.logger.Info("release job started", "job", name, "process", process)

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return &DeployError{Detail: fmt.Sprintf("release job %s timed out", name)}
		case <-ticker.C:
		}
		current, err := jobs.Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return fmt.Errorf("get job %s: %w", name, err)
		}
		if current.Status.Failed > 0 {
			d.collectJobLogs(ctx, namespace, name)
			return &DeployError{Detail: fmt.Sprintf("release job %s failed", name)}
		}
		if current.Status.Succeeded > 0 {
			d.collectJobLogs(ctx, namespace, name)
			propagation := metav1.DeletePropagationForeground
			if err := jobs.Delete(ctx, name, metav1.DeleteOptions{PropagationPolicy: &propagation}); err != nil && !k8serrors.IsNotFound(err) {
				return fmt.Errorf("delete job %s: %w", name, err)
			}
			return nil
		}
	}
}

// collectJobLogs streams the job's pod logs through a line reader so
// only complete lines reach the structured log.
func (d *Deployer) collectJobLogs(ctx context.Context, namespace, jobName string) {
	pods, err := d.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "job-name=" + jobName,
	})
	if err != nil {
		d.logger.Warn("listing job pods failed", "job", jobName, "error", err)
		return
	}
	for _, pod := range pods.Items {
		stream, err := d.client.CoreV1().Pods(namespace).GetLogs(pod.Name, &corev1.PodLogOptions{}).Stream(ctx)
		if err != nil {
			d.logger.Warn("streaming job logs failed", "pod", pod.Name, "error", err)
			continue
		}
		lr := newLineReader(func(line string) {
			d.logger.Info("release job output", "job", jobName, "pod", pod.Name, "line", line)
		})
		lr.Consume(stream)
		stream.Close()
	}
}

func (d *Deployer) applyProcessDeployment(ctx context.Context, app *domain.Application, release *domain.Release, process string) error {
	namespace := app.OrganizationSlug
	name := fmt.Sprintf("%s-%s-%s", app.ProjectSlug, app.Slug, process)
	labels := objectLabels(app, process)
	replicas := app.ProcessCounts[process]

	desired := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:   name,
			Labels: labels,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: ptr.To(replicas),
			Selector: &metav1.LabelSelector{MatchLabels: labels},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec:       d.podSpec(app, release, process),
			},
		},
	}

	deployments := d.client.AppsV1().Deployments(namespace)
	_, err := deployments.Create(ctx, desired, metav1.CreateOptions{})
	if err == nil {
		return nil
	}
	if !k8serrors.IsAlreadyExists(err) {
		return fmt.Errorf("create deployment %s: %w", name, err)
	}
	existing, getErr := deployments.Get(ctx, name, metav1.GetOptions{})
	if getErr != nil {
		return fmt.Errorf("get deployment %s: %w", name, getErr)
	}
	desired.ResourceVersion = existing.ResourceVersion
	if _, err := deployments.Update(ctx, desired, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("update deployment %s: %w", name, err)
	}
	return nil
}
