package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/cabotage/cabotage-app/internal/domain"
	"github.com/cabotage/cabotage-app/internal/repository"
)

// CreateRelease inserts a release at the application's next version.
func (r *Repository) CreateRelease(ctx context.Context, release *domain.Release) error {
	if release.CreatedAt.IsZero() {
		release.CreatedAt = time.Now().UTC()
	}
	processes, err := json.Marshal(release.Processes)
	if err != nil {
		return fmt.Errorf("marshal release processes: %w", err)
	}
	releaseCommands, err := json.Marshal(release.ReleaseCommands)
	if err != nil {
		return fmt.Errorf("marshal release commands: %w", err)
	}
	envconsul, err := json.Marshal(release.EnvconsulConfigurations)
	if err != nil {
		return fmt.Errorf("marshal envconsul configurations: %w", err)
	}
	slugs, err := json.Marshal(release.ConfigurationSlugs)
	if err != nil {
		return fmt.Errorf("marshal configuration slugs: %w", err)
	}
	const query = `INSERT INTO releases
			(id, application_id, image_id, repository_name, version, processes, release_commands,
			 envconsul_configurations, configuration_slugs, health_check_path, health_check_host,
			 deployment_timeout, release_metadata, created_at)
		VALUES ($1, $2, $3, $4,
			(SELECT COALESCE(MAX(version), 0) + 1 FROM releases WHERE application_id = $2),
			$5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING version`
	err = r.pool.QueryRow(ctx, query,
		release.ID, release.ApplicationID, release.ImageID, release.RepositoryName,
		processes, releaseCommands, envconsul, slugs,
		release.HealthCheckPath, release.HealthCheckHost, release.DeploymentTimeout,
		[]byte(release.ReleaseMetadata), release.CreatedAt,
	).Scan(&release.Version)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return repository.ErrConflict
		}
		return err
	}
	return nil
}

// GetReleaseByID fetches a release.
func (r *Repository) GetReleaseByID(ctx context.Context, id string) (*domain.Release, error) {
	const query = `SELECT id, application_id, image_id, repository_name, version, processes, release_commands,
			envconsul_configurations, configuration_slugs, health_check_path, health_check_host,
			deployment_timeout, release_metadata, created_at
		FROM releases WHERE id = $1`
	return scanRelease(r.pool.QueryRow(ctx, query, id))
}

func scanRelease(row pgx.Row) (*domain.Release, error) {
	var (
		rel             domain.Release
		processes       []byte
		releaseCommands []byte
		envconsul       []byte
		slugs           []byte
		metadata        []byte
	)
	err := row.Scan(&rel.ID, &rel.ApplicationID, &rel.ImageID, &rel.RepositoryName, &rel.Version,
		&processes, &releaseCommands, &envconsul, &slugs,
		&rel.HealthCheckPath, &rel.HealthCheckHost, &rel.DeploymentTimeout, &metadata, &rel.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	for raw, dst := range map[*[]byte]any{
		&processes:       &rel.Processes,
		&releaseCommands: &rel.ReleaseCommands,
		&envconsul:       &rel.EnvconsulConfigurations,
		&slugs:           &rel.ConfigurationSlugs,
	} {
		if len(*raw) == 0 {
			continue
		}
		if err := json.Unmarshal(*raw, dst); err != nil {
			return nil, fmt.Errorf("unmarshal release column: %w", err)
		}
	}
	rel.ReleaseMetadata = metadata
	return &rel, nil
}
