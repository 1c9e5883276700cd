// Package sources turns a deployment webhook into a build-ready
// archive: it fetches the commit tarball from GitHub, normalizes it,
// stores it, and creates the pending Image row.
package sources

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/cabotage/cabotage-app/internal/archive"
	"github.com/cabotage/cabotage-app/internal/domain"
	"github.com/cabotage/cabotage-app/internal/github"
	"github.com/cabotage/cabotage-app/internal/repository"
)

const environmentPrefix = "cabotage/"

// StatusPoster posts deployment statuses back to GitHub. Satisfied
// by github.Client.
type StatusPoster interface {
	PostDeploymentStatus(ctx context.Context, installationID int64, statusesURL string, status github.DeploymentStatus) error
	DownloadTarball(ctx context.Context, installationID int64, repository, ref string) (io.ReadCloser, error)
}

// Enqueuer hands a pending image to the build queue.
type Enqueuer interface {
	EnqueueImageBuild(ctx context.Context, imageID string) error
}

// Service fetches source for deployment hooks.
type Service struct {
	apps     repository.ApplicationRepository
	images   repository.ImageRepository
	hooks    repository.HookRepository
	store    archive.Store
	github   StatusPoster
	enqueuer Enqueuer
	logger   *slog.Logger
}

// New constructs a sources service.
func New(apps repository.ApplicationRepository, images repository.ImageRepository, hooks repository.HookRepository, store archive.Store, gh StatusPoster, enqueuer Enqueuer, logger *slog.Logger) Service {
	return Service{apps: apps, images: images, hooks: hooks, store: store, github: gh, enqueuer: enqueuer, logger: logger}
}

type deploymentPayload struct {
	Deployment struct {
		ID          int64  `json:"id"`
		SHA         string `json:"sha"`
		Environment string `json:"environment"`
		StatusesURL string `json:"statuses_url"`
		Description string `json:"description"`
	} `json:"deployment"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	Installation struct {
		ID int64 `json:"id"`
	} `json:"installation"`
}

// FetchForHook resolves the hook's target application, pulls the
// commit tarball, stores it, and creates a pending Image. It returns
// the Image so the caller can chain the build. On failure the hook
// is left unprocessed and an error status is posted upstream when a
// token was obtainable.
func (s Service) FetchForHook(ctx context.Context, hook *domain.Hook) (*domain.Image, error) {
	var payload deploymentPayload
	if err := json.Unmarshal(hook.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decoding deployment payload: %w", err)
	}
	appID, ok := strings.CutPrefix(payload.Deployment.Environment, environmentPrefix)
	if !ok {
		// Not ours; some other deployment integration's environment.
		return nil, s.hooks.MarkHookProcessed(ctx, hook.ID, true)
	}

	app, err := s.apps.GetApplicationByID(ctx, appID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn("deployment hook for unknown application", "hook_id", hook.ID, "application_id", appID)
			return nil, s.hooks.MarkHookProcessed(ctx, hook.ID, true)
		}
		return nil, err
	}
	if app.GithubAppInstallationID != payload.Installation.ID {
		return nil, fmt.Errorf("hook installation %d does not match application %s installation %d",
			payload.Installation.ID, app.ID, app.GithubAppInstallationID)
	}

	meta := domain.HookMetadata{
		DeploymentID:   payload.Deployment.ID,
		InstallationID: payload.Installation.ID,
		StatusesURL:    payload.Deployment.StatusesURL,
		Environment:    payload.Deployment.Environment,
		Description:    payload.Deployment.Description,
		AutoDeploy:     app.AutoDeploy,
	}

	image, err := s.fetch(ctx, app, payload, meta)
	if err != nil {
		s.postStatus(ctx, meta, "error", err.Error())
		return nil, err
	}
	if err := s.hooks.MarkHookProcessed(ctx, hook.ID, true); err != nil {
		return nil, err
	}
	if err := s.enqueuer.EnqueueImageBuild(ctx, image.ID); err != nil {
		return nil, fmt.Errorf("enqueueing build for image %s: %w", image.ID, err)
	}
	s.postStatus(ctx, meta, "pending", "build commencing")
	return image, nil
}

func (s Service) fetch(ctx context.Context, app *domain.Application, payload deploymentPayload, meta domain.HookMetadata) (*domain.Image, error) {
	s.postStatus(ctx, meta, "pending", "fetching source")

	body, err := s.github.DownloadTarball(ctx, meta.InstallationID, payload.Repository.FullName, payload.Deployment.SHA)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	normalized, size, err := normalizeTarball(body)
	if err != nil {
		return nil, fmt.Errorf("normalizing source tarball: %w", err)
	}

	key := archive.NewKey(app.OrganizationSlug, app.ProjectSlug, app.Slug)
	if err := s.store.Put(ctx, key, normalized, size); err != nil {
		return nil, err
	}

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	image := &domain.Image{
		ID:             uuid.New().String(),
		ApplicationID:  app.ID,
		RepositoryName: app.RepositoryName(),
		BuildSlug:      key,
		BuildRef:       payload.Deployment.SHA,
		ImageMetadata:  metaJSON,
	}
	if err := s.images.CreateImage(ctx, image); err != nil {
		return nil, fmt.Errorf("creating image row: %w", err)
	}
	s.logger.Info("source archived", "application_id", app.ID, "image_id", image.ID, "archive", key, "ref", payload.Deployment.SHA)
	return image, nil
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

// normalizeTarball strips the single top-level directory GitHub
// prepends to repository tarballs, rewriting member names to
// "./<path>", and re-gzips the result.
func normalizeTarball(r io.Reader) (io.Reader, int64, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, 0, err
	}
	defer gz.Close()

	var buf bytes.Buffer
	out := gzip.NewWriter(&buf)
	tw := tar.NewWriter(out)
	tr := tar.NewReader(gz)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, err
		}
		name := strings.TrimPrefix(hdr.Name, "./")
		_, rest, found := strings.Cut(name, "/")
		if !found || rest == "" {
			// The top-level directory entry itself.
			continue
		}
		hdr.Name = "./" + rest
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, 0, err
		}
		if hdr.Typeflag == tar.TypeReg {
			if _, err := io.Copy(tw, tr); err != nil {
				return nil, 0, err
			}
		}
	}
	if err := tw.Close(); err != nil {
		return nil, 0, err
	}
	if err := out.Close(); err != nil {
		return nil, 0, err
	}
	return &buf, int64(buf.Len()), nil
}
