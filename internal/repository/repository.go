package repository

import (
	"context"

	"github.com/cabotage/cabotage-app/internal/domain"
)

// HookRepository stores webhook deliveries.
type HookRepository interface {
	CreateHook(ctx context.Context, hook *domain.Hook) error
	GetHookByID(ctx context.Context, id string) (*domain.Hook, error)
	MarkHookProcessed(ctx context.Context, id string, processed bool) error
	// HookProcessedForCommit reports whether a processed deployment hook
	// already exists for the commit and environment pair.
	HookProcessedForCommit(ctx context.Context, commitSHA, environment string) (bool, error)
}

// ApplicationRepository resolves applications and their owning slugs.
type ApplicationRepository interface {
	GetApplicationByID(ctx context.Context, id string) (*domain.Application, error)
	ListApplications(ctx context.Context) ([]domain.Application, error)
}

// ConfigurationRepository persists configuration rows.
type ConfigurationRepository interface {
	// UpsertConfiguration writes name/value for the application at
	// version_id+1 (1 when absent), recording the store key slugs.
	UpsertConfiguration(ctx context.Context, configuration *domain.Configuration) error
	GetConfiguration(ctx context.Context, applicationID, name string) (*domain.Configuration, error)
	ListConfigurations(ctx context.Context, applicationID string) ([]domain.Configuration, error)
}

// ImageRepository persists image rows.
type ImageRepository interface {
	// CreateImage assigns the next contiguous version for the application.
	CreateImage(ctx context.Context, image *domain.Image) error
	GetImageByID(ctx context.Context, id string) (*domain.Image, error)
	GetLatestBuiltImage(ctx context.Context, applicationID string) (*domain.Image, error)
	// RecordImageBuild commits a terminal build result atomically.
	RecordImageBuild(ctx context.Context, id string, result domain.ImageBuildResult) error
}

// ReleaseRepository persists release rows.
type ReleaseRepository interface {
	CreateRelease(ctx context.Context, release *domain.Release) error
	GetReleaseByID(ctx context.Context, id string) (*domain.Release, error)
}

// DeploymentRepository stores deployment history.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeploymentByID(ctx context.Context, id string) (*domain.Deployment, error)
	RecordDeploymentResult(ctx context.Context, id string, complete bool, errDetail string) error
}
