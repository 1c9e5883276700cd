// Package releases assembles releases: the pinned combination of a
// built image, the configuration versions of the moment, and the
// rendered envconsul configuration each process boots with.
package releases

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/cabotage/cabotage-app/internal/domain"
	"github.com/cabotage/cabotage-app/internal/repository"
)

// Service assembles and records releases.
type Service struct {
	releases repository.ReleaseRepository
	images   repository.ImageRepository
	configs  repository.ConfigurationRepository
	apps     repository.ApplicationRepository
	logger   *slog.Logger
}

// New constructs a releases service.
func New(releases repository.ReleaseRepository, images repository.ImageRepository, configs repository.ConfigurationRepository, apps repository.ApplicationRepository, logger *slog.Logger) Service {
	return Service{releases: releases, images: images, configs: configs, apps: apps, logger: logger}
}

// CreateFor snapshots the application's latest built image and its
// current configuration set into a new immutable release.
func (s Service) CreateFor(ctx context.Context, applicationID string) (*domain.Release, error) {
	app, err := s.apps.GetApplicationByID(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	image, err := s.images.GetLatestBuiltImage(ctx, applicationID)
	if err != nil {
		return nil, fmt.Errorf("no built image for application %s: %w", applicationID, err)
	}
	configs, err := s.configs.ListConfigurations(ctx, applicationID)
	if err != nil {
		return nil, err
	}

	processes := make(map[string]domain.Process, len(image.Processes))
	releaseCommands := make(map[string]domain.Process)
	for name, proc := range image.Processes {
		if strings.HasPrefix(name, "release") {
			releaseCommands[name] = proc
			continue
		}
		processes[name] = proc
	}

	slugs := make(map[string]string, len(configs))
	for _, cfg := range configs {
		slugs[cfg.Name] = cfg.KeySlug
	}
	envconsul := make(map[string]string, len(image.Processes))
	for name, proc := range image.Processes {
		envconsul[name] = renderEnvconsul(proc, configs)
	}

	release := &domain.Release{
		ID:                      uuid.New().String(),
		ApplicationID:           applicationID,
		ImageID:                 image.ID,
		RepositoryName:          image.RepositoryName,
		Processes:               processes,
		ReleaseCommands:         releaseCommands,
		EnvconsulConfigurations: envconsul,
		ConfigurationSlugs:      slugs,
		HealthCheckPath:         app.HealthCheckPath,
		HealthCheckHost:         app.HealthCheckHost,
		DeploymentTimeout:       app.DeploymentTimeout,
	}
	if err := s.releases.CreateRelease(ctx, release); err != nil {
		return nil, err
	}
	s.logger.Info("release assembled", "application_id", applicationID, "release_id", release.ID, "version", release.Version, "image_version", image.Version)
	return release, nil
}

// renderEnvconsul produces the envconsul configuration a process
// container runs with: one block per configuration routing to its
// recorded store key, then an exec of the Procfile command with any
// per-process environment prefixed.
func renderEnvconsul(proc domain.Process, configs []domain.Configuration) string {
	sorted := make([]domain.Configuration, len(configs))
	copy(sorted, configs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var b strings.Builder
	for _, cfg := range sorted {
		if path, ok := strings.CutPrefix(cfg.KeySlug, "vault:"); ok {
			fmt.Fprintf(&b, "secret {\n  no_prefix = true\n  path = %q\n}\n\n", path)
			continue
		}
		if path, ok := strings.CutPrefix(cfg.KeySlug, "consul:"); ok {
			fmt.Fprintf(&b, "prefix {\n  no_prefix = true\n  path = %q\n}\n\n", path)
		}
	}

	command := proc.Command
	if len(proc.Environment) > 0 {
		pairs := make([]string, 0, len(proc.Environment))
		for _, kv := range proc.Environment {
			pairs = append(pairs, kv[0]+"="+kv[1])
		}
		command = "env " + strings.Join(pairs, " ") + " " + command
	}
	fmt.Fprintf(&b, "exec {\n  command = %q\n}\n", command)
	return b.String()
}
