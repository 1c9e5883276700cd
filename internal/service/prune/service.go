// Package prune trims old image and release tags from each
// application's registry repository, keeping the newest few of each.
package prune

import (
	"context"
	"log/slog"
	"strings"

	"github.com/samber/lo"

	"github.com/cabotage/cabotage-app/internal/registryclient"
	"github.com/cabotage/cabotage-app/internal/repository"
)

// keepTagsDefault is how many tags survive per group when the
// configured count is unset.
const keepTagsDefault = 5

// Service prunes registry repositories.
type Service struct {
	apps     repository.ApplicationRepository
	registry *registryclient.Client
	logger   *slog.Logger
	keep     int
}

// New constructs a prune service.
func New(apps repository.ApplicationRepository, registry *registryclient.Client, logger *slog.Logger, keep int) Service {
	if keep <= 0 {
		keep = keepTagsDefault
	}
	return Service{apps: apps, registry: registry, logger: logger, keep: keep}
}

// PruneAll walks every application's repository. Per-tag failures
// are logged and skipped so one stuck manifest cannot wedge the run.
func (s Service) PruneAll(ctx context.Context) error {
	apps, err := s.apps.ListApplications(ctx)
	if err != nil {
		return err
	}
	for _, app := range apps {
		if err := s.pruneRepository(ctx, app.RepositoryName()); err != nil {
			return err
		}
	}
	return nil
}

func (s Service) pruneRepository(ctx context.Context, repo string) error {
	tags, err := s.registry.ListTags(ctx, repo)
	if err != nil {
		return err
	}
	imageTags := lo.Filter(tags, func(tag string, _ int) bool {
		return strings.HasPrefix(tag, "image-") && !strings.HasSuffix(tag, "-buildcache")
	})
	releaseTags := lo.Filter(tags, func(tag string, _ int) bool {
		return strings.HasPrefix(tag, "release-") && !strings.HasSuffix(tag, "-buildcache")
	})

	for _, group := range [][]string{imageTags, releaseTags} {
		for _, tag := range expired(group, s.keep) {
			if err := s.registry.DeleteTag(ctx, repo, tag); err != nil {
				s.logger.Warn("pruning tag failed", "repository", repo, "tag", tag, "error", err)
				continue
			}
			s.logger.Info("pruned tag", "repository", repo, "tag", tag)
		}
	}
	return nil
}

// expired natural-sorts tags ascending and returns all but the
// newest keep.
func expired(tags []string, keep int) []string {
	if len(tags) <= keep {
		return nil
	}
	sorted := make([]string, len(tags))
	copy(sorted, tags)
	natsort(sorted)
	return sorted[:len(sorted)-keep]
}
