// Package configs manages application configuration entries: every
// write lands in the backing store at the next version before the row
// is persisted, so a recorded slug always points at live data.
package configs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"log/slog"

	"github.com/cabotage/cabotage-app/internal/configstore"
	"github.com/cabotage/cabotage-app/internal/domain"
	"github.com/cabotage/cabotage-app/internal/repository"
)

// ErrInvalidName rejects configuration names outside the accepted grammar.
var ErrInvalidName = errors.New("configuration name must be non-empty and contain no whitespace")

// Service writes configuration values through to their backend and
// records the resulting slugs.
type Service struct {
	apps    repository.ApplicationRepository
	configs repository.ConfigurationRepository
	writer  *configstore.Writer
	logger  *slog.Logger
}

func New(apps repository.ApplicationRepository, configRepo repository.ConfigurationRepository, writer *configstore.Writer, logger *slog.Logger) Service {
	return Service{apps: apps, configs: configRepo, writer: writer, logger: logger}
}

// Set stores a new version of the named configuration for the
// application. Names are case-insensitive: "Foo" updates "foo".
func (s Service) Set(ctx context.Context, applicationID, name, value string, secret, buildtime bool) (*domain.Configuration, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || strings.ContainsAny(name, " \t\n") {
		return nil, ErrInvalidName
	}

	app, err := s.apps.GetApplicationByID(ctx, applicationID)
	if err != nil {
		return nil, fmt.Errorf("loading application %s: %w", applicationID, err)
	}

	cfg := &domain.Configuration{
		ApplicationID: app.ID,
		Name:          name,
		Value:         value,
		Secret:        secret,
		Buildtime:     buildtime,
	}
	existing, err := s.configs.GetConfiguration(ctx, app.ID, name)
	switch {
	case err == nil:
		cfg.ID = existing.ID
		cfg.VersionID = existing.VersionID
	case errors.Is(err, repository.ErrNotFound):
		// first version
	default:
		return nil, fmt.Errorf("loading configuration %s: %w", name, err)
	}

	slugs, err := s.writer.Write(ctx, app, cfg)
	if err != nil {
		return nil, fmt.Errorf("writing configuration %s: %w", name, err)
	}
	cfg.KeySlug = slugs.ConfigKeySlug
	cfg.BuildKeySlug = slugs.BuildKeySlug
	cfg.VersionID++

	if err := s.configs.UpsertConfiguration(ctx, cfg); err != nil {
		return nil, fmt.Errorf("persisting configuration %s: %w", name, err)
	}
	s.logger.Info("configuration written",
		"application_id", app.ID,
		"name", name,
		"version", cfg.VersionID,
		"secret", secret,
	)
	return cfg, nil
}

// List returns the application's current configuration rows with
// secret values redacted.
func (s Service) List(ctx context.Context, applicationID string) ([]domain.Configuration, error) {
	rows, err := s.configs.ListConfigurations(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	for i := range rows {
		if rows[i].Secret {
			rows[i].Value = ""
		}
	}
	return rows, nil
}
