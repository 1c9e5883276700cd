package deploy

import (
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/apimachinery/pkg/util/intstr"

	"github.com/cabotage/cabotage-app/internal/domain"
)

const (
	vaultSecretsVolume = "vault-secrets"
	cabotageSockVolume = "cabotage-sock"
)

// processClass picks the pod shape for a process name. Web processes
// get TLS enrollment and the ghostunnel terminator, workers get the
// maintain sidecar, release commands run bare.
type processClass int

const (
	classWeb processClass = iota
	classWorker
	classRelease
	classOther
)

func classify(process string) processClass {
	switch {
	case strings.HasPrefix(process, "web"):
		return classWeb
	case strings.HasPrefix(process, "worker"):
		return classWorker
	case strings.HasPrefix(process, "release"):
		return classRelease
	default:
		return classOther
	}
}

func (d *Deployer) podSpec(app *domain.Application, release *domain.Release, process string) corev1.PodSpec {
	class := classify(process)
	role := app.RoleName()

	volumes := []corev1.Volume{{
		Name: vaultSecretsVolume,
		VolumeSource: corev1.VolumeSource{
			EmptyDir: &corev1.EmptyDirVolumeSource{
				Medium:    corev1.StorageMediumMemory,
				SizeLimit: resource.NewQuantity(1<<20, resource.BinarySI),
			},
		},
	}}
	if class == classWeb {
		volumes = append(volumes, corev1.Volume{
			Name:         cabotageSockVolume,
			VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}},
		})
	}

	containers := []corev1.Container{}
	switch class {
	case classWeb:
		containers = append(containers, d.maintainContainer(role), d.ghostunnelContainer(release))
	case classWorker:
		containers = append(containers, d.maintainContainer(role))
	}
	containers = append(containers, d.processContainer(app, release, process, class))

	spec := corev1.PodSpec{
		ServiceAccountName: fmt.Sprintf("%s-%s", app.ProjectSlug, app.Slug),
		InitContainers:     []corev1.Container{d.enrollerContainer(app, process, class == classWeb)},
		Containers:         containers,
		Volumes:            volumes,
	}
	if class == classRelease {
		spec.RestartPolicy = corev1.RestartPolicyNever
	}
	return spec
}

// enrollerContainer logs the pod into Vault via the Kubernetes auth
// backend. Web processes additionally fetch a serving certificate.
func (d *Deployer) enrollerContainer(app *domain.Application, process string, tls bool) corev1.Container {
	role := app.RoleName()
	args := []string{
		"kube_login",
		"--namespace=$(NAMESPACE)",
		fmt.Sprintf("--vault-auth-kubernetes-role=%s", role),
		"--fetch-consul-token",
		fmt.Sprintf("--vault-consul-role=%s", role),
		"--pod-name=$(POD_NAME)",
		"--pod-ip=$(POD_IP)",
	}
	if tls {
		args = append(args,
			"--fetch-cert",
			fmt.Sprintf("--vault-pki-role=%s", role),
			fmt.Sprintf("--service-names=%s.%s", process, app.Slug),
		)
	}
	return corev1.Container{
		Name:            "cabotage-enroller",
		Image:           d.sidecarImage,
		ImagePullPolicy: corev1.PullIfNotPresent,
		Env: []corev1.EnvVar{
			fieldRefEnv("NAMESPACE", "metadata.namespace"),
			fieldRefEnv("POD_NAME", "metadata.name"),
			fieldRefEnv("POD_IP", "status.podIP"),
		},
		Args:         args,
		VolumeMounts: []corev1.VolumeMount{{Name: vaultSecretsVolume, MountPath: "/var/run/secrets/vault"}},
	}
}

// maintainContainer renews the credentials the enroller fetched.
func (d *Deployer) maintainContainer(role string) corev1.Container {
	return corev1.Container{
		Name:            "cabotage-sidecar",
		Image:           d.sidecarImage,
		ImagePullPolicy: corev1.PullIfNotPresent,
		Args: []string{
			"maintain",
			fmt.Sprintf("--vault-pki-role=%s", role),
		},
		VolumeMounts: []corev1.VolumeMount{{Name: vaultSecretsVolume, MountPath: "/var/run/secrets/vault"}},
	}
}

// ghostunnelContainer terminates TLS for web processes, proxying
// onto the unix socket the process serves.
func (d *Deployer) ghostunnelContainer(release *domain.Release) corev1.Container {
	probe := &corev1.Probe{
		ProbeHandler: corev1.ProbeHandler{
			HTTPGet: &corev1.HTTPGetAction{
				Path:   release.HealthCheckPath,
				Port:   intstr.FromInt(8000),
				Scheme: corev1.URISchemeHTTPS,
			},
		},
		InitialDelaySeconds: 5,
		PeriodSeconds:       10,
	}
	return corev1.Container{
		Name:            "cabotage-sidecar-tls",
		Image:           d.ghostunnelImage,
		ImagePullPolicy: corev1.PullIfNotPresent,
		Args: []string{
			"server",
			"--keystore=/var/run/secrets/vault/combined.pem",
			"--cacert=/var/run/secrets/vault/ca.pem",
			"--listen=0.0.0.0:8000",
			"--target=unix:///var/run/cabotage/cabotage.sock",
			"--allow-all",
		},
		Ports:          []corev1.ContainerPort{{Name: "tls", ContainerPort: 8000}},
		LivenessProbe:  probe,
		ReadinessProbe: probe,
		VolumeMounts: []corev1.VolumeMount{
			{Name: vaultSecretsVolume, MountPath: "/var/run/secrets/vault"},
			{Name: cabotageSockVolume, MountPath: "/var/run/cabotage"},
		},
	}
}

// processContainer runs the Procfile command under envconsul.
func (d *Deployer) processContainer(app *domain.Application, release *domain.Release, process string, class processClass) corev1.Container {
	mounts := []corev1.VolumeMount{{Name: vaultSecretsVolume, MountPath: "/var/run/secrets/vault"}}
	if class == classWeb {
		mounts = append(mounts, corev1.VolumeMount{Name: cabotageSockVolume, MountPath: "/var/run/cabotage"})
	}
	return corev1.Container{
		Name:            process,
		Image:           fmt.Sprintf("%s/%s:release-%d", d.registryPullURL, release.RepositoryName, release.Version),
		ImagePullPolicy: corev1.PullAlways,
		Env: []corev1.EnvVar{
			{Name: "VAULT_ADDR", Value: d.vaultAddr},
			{Name: "VAULT_CACERT", Value: "/var/run/secrets/kubernetes.io/serviceaccount/ca.crt"},
			{Name: "CONSUL_HTTP_ADDR", Value: d.consulAddr},
			{Name: "CONSUL_CACERT", Value: "/var/run/secrets/kubernetes.io/serviceaccount/ca.crt"},
		},
		Args: []string{
			"envconsul",
			fmt.Sprintf("-config=/etc/cabotage/envconsul-%s.hcl", process),
		},
		Resources: corev1.ResourceRequirements{
			Requests: corev1.ResourceList{
				corev1.ResourceCPU:    resource.MustParse("500m"),
				corev1.ResourceMemory: resource.MustParse("1024Mi"),
			},
			Limits: corev1.ResourceList{
				corev1.ResourceCPU:    resource.MustParse("1000m"),
				corev1.ResourceMemory: resource.MustParse("1536Mi"),
			},
		},
		VolumeMounts: mounts,
	}
}

func fieldRefEnv(name, fieldPath string) corev1.EnvVar {
	return corev1.EnvVar{
		Name: name,
		ValueFrom: &corev1.EnvVarSource{
			FieldRef: &corev1.ObjectFieldSelector{FieldPath: fieldPath},
		},
	}
}

func objectLabels(app *domain.Application, process string) map[string]string {
	return map[string]string{
		"organization": app.OrganizationSlug,
		"project":      app.ProjectSlug,
		"application":  app.Slug,
		"process":      process,
		"app":          app.RoleName(),
	}
}
