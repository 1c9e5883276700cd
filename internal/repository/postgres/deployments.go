package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cabotage/cabotage-app/internal/domain"
	"github.com/cabotage/cabotage-app/internal/repository"
)

// CreateDeployment records an apply attempt with its release snapshot.
func (r *Repository) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	if deployment.CreatedAt.IsZero() {
		deployment.CreatedAt = time.Now().UTC()
	}
	deployment.UpdatedAt = deployment.CreatedAt
	release, err := json.Marshal(deployment.Release)
	if err != nil {
		return fmt.Errorf("marshal release snapshot: %w", err)
	}
	const query = `INSERT INTO deployments
			(id, application_id, release, is_rollback, complete, error, error_detail, created_at, updated_at)
		VALUES ($1, $2, $3, $4, false, false, '', $5, $6)`
	_, err = r.pool.Exec(ctx, query, deployment.ID, deployment.ApplicationID, release,
		deployment.IsRollback, deployment.CreatedAt, deployment.UpdatedAt)
	return err
}

// GetDeploymentByID fetches a deployment with its release snapshot.
func (r *Repository) GetDeploymentByID(ctx context.Context, id string) (*domain.Deployment, error) {
	const query = `SELECT id, application_id, release, is_rollback, complete, error, error_detail, created_at, updated_at
		FROM deployments WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)
	var (
		d       domain.Deployment
		release []byte
	)
	err := row.Scan(&d.ID, &d.ApplicationID, &release, &d.IsRollback, &d.Complete, &d.Error, &d.ErrorDetail, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(release, &d.Release); err != nil {
		return nil, fmt.Errorf("unmarshal release snapshot: %w", err)
	}
	return &d, nil
}

// RecordDeploymentResult marks the outcome of an apply attempt.
func (r *Repository) RecordDeploymentResult(ctx context.Context, id string, complete bool, errDetail string) error {
	const query = `UPDATE deployments SET complete = $2, error = $3, error_detail = $4, updated_at = $5 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id, complete, errDetail != "", errDetail, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}
