package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/cabotage/cabotage-app/internal/domain"
	"github.com/cabotage/cabotage-app/internal/repository"
)

// UpsertConfiguration writes a configuration row at the next version.
// Names are unique per application case-insensitively; concurrent writers
// racing on the same name surface as ErrConflict.
func (r *Repository) UpsertConfiguration(ctx context.Context, configuration *domain.Configuration) error {
	now := time.Now().UTC()
	if configuration.CreatedAt.IsZero() {
		configuration.CreatedAt = now
	}
	configuration.UpdatedAt = now
	const query = `INSERT INTO configurations
			(id, application_id, name, value, secret, buildtime, key_slug, build_key_slug, version_id, created_at, updated_at)
		VALUES ($1, $2, lower($3), $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (application_id, name) DO UPDATE SET
			value = EXCLUDED.value,
			secret = EXCLUDED.secret,
			buildtime = EXCLUDED.buildtime,
			key_slug = EXCLUDED.key_slug,
			build_key_slug = EXCLUDED.build_key_slug,
			version_id = EXCLUDED.version_id,
			updated_at = EXCLUDED.updated_at
		WHERE configurations.version_id = EXCLUDED.version_id - 1`
	tag, err := r.pool.Exec(ctx, query,
		configuration.ID, configuration.ApplicationID, configuration.Name,
		configuration.Value, configuration.Secret, configuration.Buildtime,
		configuration.KeySlug, configuration.BuildKeySlug, configuration.VersionID,
		configuration.CreatedAt, configuration.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return repository.ErrConflict
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrConflict
	}
	return nil
}

// GetConfiguration fetches one configuration by case-insensitive name.
func (r *Repository) GetConfiguration(ctx context.Context, applicationID, name string) (*domain.Configuration, error) {
	const query = `SELECT id, application_id, name, value, secret, buildtime, key_slug, build_key_slug, version_id, created_at, updated_at
		FROM configurations WHERE application_id = $1 AND name = lower($2)`
	return scanConfiguration(r.pool.QueryRow(ctx, query, applicationID, name))
}

// ListConfigurations returns the current configuration set for an application.
func (r *Repository) ListConfigurations(ctx context.Context, applicationID string) ([]domain.Configuration, error) {
	const query = `SELECT id, application_id, name, value, secret, buildtime, key_slug, build_key_slug, version_id, created_at, updated_at
		FROM configurations WHERE application_id = $1 ORDER BY name`
	rows, err := r.pool.Query(ctx, query, applicationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var configurations []domain.Configuration
	for rows.Next() {
		c, err := scanConfiguration(rows)
		if err != nil {
			return nil, err
		}
		configurations = append(configurations, *c)
	}
	return configurations, rows.Err()
}

func scanConfiguration(row pgx.Row) (*domain.Configuration, error) {
	var c domain.Configuration
	err := row.Scan(&c.ID, &c.ApplicationID, &c.Name, &c.Value, &c.Secret, &c.Buildtime,
		&c.KeySlug, &c.BuildKeySlug, &c.VersionID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}
