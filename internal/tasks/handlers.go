package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/cabotage/cabotage-app/internal/deploy"
	"github.com/cabotage/cabotage-app/internal/domain"
	"github.com/cabotage/cabotage-app/internal/github"
	"github.com/cabotage/cabotage-app/internal/repository"
	"github.com/cabotage/cabotage-app/internal/service/builds"
	"github.com/cabotage/cabotage-app/internal/service/hooks"
	"github.com/cabotage/cabotage-app/internal/service/prune"
	"github.com/cabotage/cabotage-app/internal/service/releases"
	"github.com/cabotage/cabotage-app/internal/service/sources"
)

// StatusPoster posts deployment statuses upstream.
type StatusPoster interface {
	PostDeploymentStatus(ctx context.Context, installationID int64, statusesURL string, status github.DeploymentStatus) error
}

// Handlers binds task types to the services that execute them.
// Terminal domain failures are recorded on the owning entity and
// returned wrapped in asynq.SkipRetry; everything else retries with
// the runtime's backoff.
type Handlers struct {
	hooks       hooks.Service
	sources     sources.Service
	builds      builds.Service
	releases    releases.Service
	prune       prune.Service
	deployer    *deploy.Deployer
	reaper      *deploy.Reaper
	client      *Client
	apps        repository.ApplicationRepository
	images      repository.ImageRepository
	releaseRepo repository.ReleaseRepository
	deployments repository.DeploymentRepository
	github      StatusPoster
	logger      *slog.Logger
}

// NewHandlers constructs the task handler set.
func NewHandlers(
	hookSvc hooks.Service,
	sourceSvc sources.Service,
	buildSvc builds.Service,
	releaseSvc releases.Service,
	pruneSvc prune.Service,
	deployer *deploy.Deployer,
	reaper *deploy.Reaper,
	client *Client,
	apps repository.ApplicationRepository,
	images repository.ImageRepository,
	releaseRepo repository.ReleaseRepository,
	deployments repository.DeploymentRepository,
	gh StatusPoster,
	logger *slog.Logger,
) *Handlers {
	return &Handlers{
		hooks:       hookSvc,
		sources:     sourceSvc,
		builds:      buildSvc,
		releases:    releaseSvc,
		prune:       pruneSvc,
		deployer:    deployer,
		reaper:      reaper,
		client:      client,
		apps:        apps,
		images:      images,
		releaseRepo: releaseRepo,
		deployments: deployments,
		github:      gh,
		logger:      logger,
	}
}

// Mux returns the asynq handler mux for all task types.
func (h *Handlers) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeHookProcess, h.handleHookProcess)
	mux.HandleFunc(TypeSourceFetch, h.handleSourceFetch)
	mux.HandleFunc(TypeImageBuild, h.handleImageBuild)
	mux.HandleFunc(TypeReleaseAssemble, h.handleReleaseAssemble)
	mux.HandleFunc(TypeReleaseDeploy, h.handleReleaseDeploy)
	mux.HandleFunc(TypePodsReap, h.handlePodsReap)
	mux.HandleFunc(TypeImagesPrune, h.handleImagesPrune)
	return mux
}

func (h *Handlers) handleHookProcess(ctx context.Context, task *asynq.Task) error {
	var payload hookPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decoding payload: %w: %w", err, asynq.SkipRetry)
	}
	hook, proceed, err := h.hooks.Process(ctx, payload.HookID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("hook %s not found: %w", payload.HookID, asynq.SkipRetry)
		}
		return err
	}
	if !proceed {
		return nil
	}
	return h.client.EnqueueSourceFetch(ctx, hook.ID)
}

func (h *Handlers) handleSourceFetch(ctx context.Context, task *asynq.Task) error {
	var payload hookPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decoding payload: %w: %w", err, asynq.SkipRetry)
	}
	hook, proceed, err := h.hooks.Process(ctx, payload.HookID)
	if err != nil {
		return err
	}
	if !proceed {
		return nil
	}
	if _, err := h.sources.FetchForHook(ctx, hook); err != nil {
		return err
	}
	return nil
}

func (h *Handlers) handleImageBuild(ctx context.Context, task *asynq.Task) error {
	var payload imagePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decoding payload: %w: %w", err, asynq.SkipRetry)
	}
	err := h.builds.Build(ctx, payload.ImageID)
	var buildErr *builds.BuildError
	if errors.As(err, &buildErr) {
		// Recorded on the image; user action required, never retry.
		return fmt.Errorf("build failed: %s: %w", buildErr.Detail, asynq.SkipRetry)
	}
	return err
}

func (h *Handlers) handleReleaseAssemble(ctx context.Context, task *asynq.Task) error {
	var payload applicationPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decoding payload: %w: %w", err, asynq.SkipRetry)
	}
	release, err := h.releases.CreateFor(ctx, payload.ApplicationID)
	if err != nil {
		// ErrConflict means we lost the version race; retry re-reads.
		return err
	}
	if err := h.builds.BuildReleaseImage(ctx, release); err != nil {
		var buildErr *builds.BuildError
		if errors.As(err, &buildErr) {
			return fmt.Errorf("release build failed: %s: %w", buildErr.Detail, asynq.SkipRetry)
		}
		return err
	}
	return h.client.EnqueueReleaseDeploy(ctx, release.ID)
}

func (h *Handlers) handleReleaseDeploy(ctx context.Context, task *asynq.Task) error {
	var payload releasePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decoding payload: %w: %w", err, asynq.SkipRetry)
	}
	release, err := h.releaseRepo.GetReleaseByID(ctx, payload.ReleaseID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("release %s not found: %w", payload.ReleaseID, asynq.SkipRetry)
		}
		return err
	}
	app, err := h.apps.GetApplicationByID(ctx, release.ApplicationID)
	if err != nil {
		return err
	}

	record := &domain.Deployment{
		ID:            uuid.New().String(),
		ApplicationID: app.ID,
		Release:       *release,
	}
	if err := h.deployments.CreateDeployment(ctx, record); err != nil {
		return err
	}

	deployErr := h.deployer.Run(ctx, app, release)
	if deployErr != nil {
		detail := deployErr.Error()
		if recErr := h.deployments.RecordDeploymentResult(ctx, record.ID, false, detail); recErr != nil {
			return recErr
		}
		h.postReleaseStatus(ctx, release, "error", detail)
		var terminal *deploy.DeployError
		if errors.As(deployErr, &terminal) {
			return fmt.Errorf("deploy failed: %s: %w", detail, asynq.SkipRetry)
		}
		return deployErr
	}

	if err := h.deployments.RecordDeploymentResult(ctx, record.ID, true, ""); err != nil {
		return err
	}
	h.postReleaseStatus(ctx, release, "success", fmt.Sprintf("release %d deployed", release.Version))
	return nil
}

func (h *Handlers) handlePodsReap(ctx context.Context, _ *asynq.Task) error {
	return h.reaper.Reap(ctx)
}

func (h *Handlers) handleImagesPrune(ctx context.Context, _ *asynq.Task) error {
	return h.prune.PruneAll(ctx)
}

// postReleaseStatus reports the deploy outcome against the hook that
// started the build, recovered from the release's image metadata.
func (h *Handlers) postReleaseStatus(ctx context.Context, release *domain.Release, state, description string) {
	image, err := h.images.GetImageByID(ctx, release.ImageID)
	if err != nil {
		return
	}
	var meta domain.HookMetadata
	if len(image.ImageMetadata) == 0 || json.Unmarshal(image.ImageMetadata, &meta) != nil {
		return
	}
	if meta.StatusesURL == "" {
		return
	}
	status := github.DeploymentStatus{State: state, Description: description, Environment: meta.Environment}
	if err := h.github.PostDeploymentStatus(ctx, meta.InstallationID, meta.StatusesURL, status); err != nil {
		h.logger.Warn("posting deployment status failed", "state", state, "error", err)
	}
}
