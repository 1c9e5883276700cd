// Package builds runs container image builds: archive validation,
// Procfile parsing, docker build and push, and terminal result
// recording on the Image row.
package builds

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/cabotage/cabotage-app/internal/archive"
	"github.com/cabotage/cabotage-app/internal/docker"
	"github.com/cabotage/cabotage-app/internal/domain"
	"github.com/cabotage/cabotage-app/internal/github"
	"github.com/cabotage/cabotage-app/internal/procfile"
	"github.com/cabotage/cabotage-app/internal/registry"
	"github.com/cabotage/cabotage-app/internal/repository"
)

// BuildError is a user-caused build failure: bad archive, Procfile
// syntax, or a failing Dockerfile step. Terminal; the failure is
// recorded on the Image and the task must not retry.
type BuildError struct {
	Detail string
}

func (e *BuildError) Error() string { return e.Detail }

// StatusPoster posts deployment statuses upstream.
type StatusPoster interface {
	PostDeploymentStatus(ctx context.Context, installationID int64, statusesURL string, status github.DeploymentStatus) error
}

// Enqueuer chains a successful auto-deploy build into a release.
type Enqueuer interface {
	EnqueueReleaseAssemble(ctx context.Context, applicationID string) error
}

// Service builds and pushes application images.
type Service struct {
	images      repository.ImageRepository
	store       archive.Store
	docker      *docker.Client
	credentials *registry.Credentials
	github      StatusPoster
	enqueuer    Enqueuer
	logger      *slog.Logger

	registryHost    string
	envconsulBinary string
}

// New constructs a builds service. envconsulBinary is the path of
// the pinned envconsul binary injected into every build context.
func New(images repository.ImageRepository, store archive.Store, dockerClient *docker.Client, creds *registry.Credentials, gh StatusPoster, enqueuer Enqueuer, logger *slog.Logger, registryHost, envconsulBinary string) Service {
	return Service{
		images:          images,
		store:           store,
		docker:          dockerClient,
		credentials:     creds,
		github:          gh,
		enqueuer:        enqueuer,
		logger:          logger,
		registryHost:    registryHost,
		envconsulBinary: envconsulBinary,
	}
}

// Build runs the full build for a pending Image. Build failures are
// recorded on the row and returned as *BuildError; anything else is
// a transport error the task runtime may retry.
func (s Service) Build(ctx context.Context, imageID string) error {
	image, err := s.images.GetImageByID(ctx, imageID)
	if err != nil {
		return err
	}
	if image.Built || image.Error {
		return nil
	}
	meta := hookMetadata(image.ImageMetadata)
	s.postStatus(ctx, meta, "pending", fmt.Sprintf("building image version %d", image.Version))

	result, err := s.build(ctx, image)
	if err != nil {
		var buildErr *BuildError
		if errors.As(err, &buildErr) {
			if recordErr := s.images.RecordImageBuild(ctx, image.ID, domain.ImageBuildResult{Error: true, ErrorDetail: buildErr.Detail}); recordErr != nil {
				return recordErr
			}
			s.postStatus(ctx, meta, "error", buildErr.Detail)
			return buildErr
		}
		return err
	}

	if err := s.images.RecordImageBuild(ctx, image.ID, *result); err != nil {
		return err
	}
	if image.BuildSlug != "" {
		if err := s.store.Delete(ctx, image.BuildSlug); err != nil {
			s.logger.Warn("removing build archive failed", "archive", image.BuildSlug, "error", err)
		}
	}
	s.logger.Info("image built", "image_id", image.ID, "repository", image.RepositoryName, "version", image.Version, "digest", result.ImageID)

	if meta.AutoDeploy {
		if err := s.enqueuer.EnqueueReleaseAssemble(ctx, image.ApplicationID); err != nil {
			return fmt.Errorf("enqueueing release for application %s: %w", image.ApplicationID, err)
		}
	}
	return nil
}

func (s Service) build(ctx context.Context, image *domain.Image) (*domain.ImageBuildResult, error) {
	body, err := s.store.Get(ctx, image.BuildSlug)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	envconsul, err := os.ReadFile(s.envconsulBinary)
	if err != nil {
		return nil, fmt.Errorf("reading envconsul binary: %w", err)
	}
	buildCtx, err := composeBuildContext(body, envconsul)
	if err != nil {
		return nil, err
	}
	processes, err := procfile.Parse(buildCtx.procfile)
	if err != nil {
		return nil, &BuildError{Detail: fmt.Sprintf("parsing Procfile: %v", err)}
	}

	credential, err := s.credentials.Generate([]registry.Access{{
		Type:    "repository",
		Name:    image.RepositoryName,
		Actions: []string{"push", "pull"},
	}})
	if err != nil {
		return nil, err
	}

	tag := fmt.Sprintf("%s/%s:image-%d", s.registryHost, image.RepositoryName, image.Version)
	logOutput := func(line string) {
		s.logger.Debug("build output", "image_id", image.ID, "line", line)
	}
	if err := s.docker.BuildImage(ctx, buildCtx.tarball, tag, buildCtx.dockerfile, s.registryHost, "none", credential, logOutput); err != nil {
		return nil, asBuildError(err)
	}
	digest, err := s.docker.InspectImageID(ctx, tag)
	if err != nil {
		return nil, err
	}
	if err := s.docker.PushImage(ctx, tag, "none", credential, logOutput); err != nil {
		return nil, asBuildError(err)
	}
	return &domain.ImageBuildResult{ImageID: digest, Processes: processes, Built: true}, nil
}

// BuildReleaseImage layers a release's envconsul configuration files
// onto its built image and pushes the release tag.
func (s Service) BuildReleaseImage(ctx context.Context, release *domain.Release) error {
	image, err := s.images.GetImageByID(ctx, release.ImageID)
	if err != nil {
		return err
	}
	if image.ApplicationID != release.ApplicationID {
		return fmt.Errorf("image %s belongs to application %s, not %s", image.ID, image.ApplicationID, release.ApplicationID)
	}

	var dockerfile bytes.Buffer
	fmt.Fprintf(&dockerfile, "FROM %s/%s:image-%d\n", s.registryHost, release.RepositoryName, image.Version)
	names := make([]string, 0, len(release.EnvconsulConfigurations))
	for process := range release.EnvconsulConfigurations {
		names = append(names, process)
	}
	sort.Strings(names)
	for _, process := range names {
		fmt.Fprintf(&dockerfile, "COPY envconsul-%s.hcl /etc/cabotage/envconsul-%s.hcl\n", process, process)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := writeFile(tw, "Dockerfile", dockerfile.Bytes(), 0o644); err != nil {
		return err
	}
	for _, process := range names {
		if err := writeFile(tw, fmt.Sprintf("envconsul-%s.hcl", process), []byte(release.EnvconsulConfigurations[process]), 0o644); err != nil {
			return err
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}

	credential, err := s.credentials.Generate([]registry.Access{{
		Type:    "repository",
		Name:    release.RepositoryName,
		Actions: []string{"push", "pull"},
	}})
	if err != nil {
		return err
	}
	tag := fmt.Sprintf("%s/%s:release-%d", s.registryHost, release.RepositoryName, release.Version)
	logOutput := func(line string) {
		s.logger.Debug("release build output", "release_id", release.ID, "line", line)
	}
	if err := s.docker.BuildImage(ctx, &buf, tag, "Dockerfile", s.registryHost, "none", credential, logOutput); err != nil {
		return asBuildError(err)
	}
	if err := s.docker.PushImage(ctx, tag, "none", credential, logOutput); err != nil {
		return asBuildError(err)
	}
	s.logger.Info("release image pushed", "release_id", release.ID, "tag", tag)
	return nil
}

func asBuildError(err error) error {
	var stream *docker.StreamError
	if errors.As(err, &stream) {
		return &BuildError{Detail: stream.Message}
	}
	return err
}

func (s Service) postStatus(ctx context.Context, meta domain.HookMetadata, state, description string) {
	if meta.StatusesURL == "" {
		return
	}
	status := github.DeploymentStatus{State: state, Description: description, Environment: meta.Environment}
	if err := s.github.PostDeploymentStatus(ctx, meta.InstallationID, meta.StatusesURL, status); err != nil {
		s.logger.Warn("posting deployment status failed", "state", state, "error", err)
	}
}

func hookMetadata(raw json.RawMessage) domain.HookMetadata {
	var meta domain.HookMetadata
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &meta)
	}
	return meta
}
