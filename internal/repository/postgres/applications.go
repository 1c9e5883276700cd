package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/cabotage/cabotage-app/internal/domain"
	"github.com/cabotage/cabotage-app/internal/repository"
)

const applicationColumns = `a.id, a.project_id, a.slug, a.name,
	o.slug, p.slug,
	a.process_counts, a.github_repository, a.github_app_installation_id,
	a.github_environment_name, a.auto_deploy, a.deployment_timeout,
	a.health_check_path, a.health_check_host, a.privileged,
	a.subdirectory, a.dockerfile_path, a.created_at`

const applicationFrom = ` FROM applications a
	JOIN projects p ON p.id = a.project_id
	JOIN organizations o ON o.id = p.organization_id`

func scanApplication(row pgx.Row) (*domain.Application, error) {
	var (
		a             domain.Application
		processCounts []byte
	)
	err := row.Scan(
		&a.ID, &a.ProjectID, &a.Slug, &a.Name,
		&a.OrganizationSlug, &a.ProjectSlug,
		&processCounts, &a.GithubRepository, &a.GithubAppInstallationID,
		&a.GithubEnvironmentName, &a.AutoDeploy, &a.DeploymentTimeout,
		&a.HealthCheckPath, &a.HealthCheckHost, &a.Privileged,
		&a.Subdirectory, &a.DockerfilePath, &a.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if len(processCounts) > 0 {
		if err := json.Unmarshal(processCounts, &a.ProcessCounts); err != nil {
			return nil, fmt.Errorf("unmarshal process counts: %w", err)
		}
	}
	return &a, nil
}

// GetApplicationByID resolves an application with its owning slugs.
func (r *Repository) GetApplicationByID(ctx context.Context, id string) (*domain.Application, error) {
	query := `SELECT ` + applicationColumns + applicationFrom + ` WHERE a.id = $1`
	return scanApplication(r.pool.QueryRow(ctx, query, id))
}

// ListApplications returns every application, oldest first.
func (r *Repository) ListApplications(ctx context.Context) ([]domain.Application, error) {
	query := `SELECT ` + applicationColumns + applicationFrom + ` ORDER BY a.created_at`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var apps []domain.Application
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		apps = append(apps, *app)
	}
	return apps, rows.Err()
}
