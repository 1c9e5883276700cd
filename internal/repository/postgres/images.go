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

// CreateImage inserts a pending image at the application's next version.
// The version subquery plus the (application_id, version) unique constraint
// keep versions contiguous; a lost race surfaces as ErrConflict.
func (r *Repository) CreateImage(ctx context.Context, image *domain.Image) error {
	if image.CreatedAt.IsZero() {
		image.CreatedAt = time.Now().UTC()
	}
	image.UpdatedAt = image.CreatedAt
	const query = `INSERT INTO images
			(id, application_id, repository_name, build_slug, build_ref, image_metadata, version, built, error, error_detail, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6,
			(SELECT COALESCE(MAX(version), 0) + 1 FROM images WHERE application_id = $2),
			false, false, '', $7, $8)
		RETURNING version`
	err := r.pool.QueryRow(ctx, query,
		image.ID, image.ApplicationID, image.RepositoryName, image.BuildSlug, image.BuildRef,
		[]byte(image.ImageMetadata), image.CreatedAt, image.UpdatedAt,
	).Scan(&image.Version)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return repository.ErrConflict
		}
		return err
	}
	return nil
}

// GetImageByID fetches an image.
func (r *Repository) GetImageByID(ctx context.Context, id string) (*domain.Image, error) {
	const query = `SELECT id, application_id, repository_name, build_slug, build_ref, image_id, processes, image_metadata, version, built, error, error_detail, created_at, updated_at
		FROM images WHERE id = $1`
	return scanImage(r.pool.QueryRow(ctx, query, id))
}

// GetLatestBuiltImage returns the newest successfully built image.
func (r *Repository) GetLatestBuiltImage(ctx context.Context, applicationID string) (*domain.Image, error) {
	const query = `SELECT id, application_id, repository_name, build_slug, build_ref, image_id, processes, image_metadata, version, built, error, error_detail, created_at, updated_at
		FROM images WHERE application_id = $1 AND built ORDER BY version DESC LIMIT 1`
	return scanImage(r.pool.QueryRow(ctx, query, applicationID))
}

// RecordImageBuild commits a terminal build result. Terminal states are
// write-once: a row already built or errored is left untouched.
func (r *Repository) RecordImageBuild(ctx context.Context, id string, result domain.ImageBuildResult) error {
	var processes []byte
	if result.Processes != nil {
		var err error
		processes, err = json.Marshal(result.Processes)
		if err != nil {
			return fmt.Errorf("marshal image processes: %w", err)
		}
	}
	const query = `UPDATE images SET
			image_id = $2, processes = $3, built = $4, error = $5, error_detail = $6, updated_at = $7
		WHERE id = $1 AND NOT built AND NOT error`
	tag, err := r.pool.Exec(ctx, query, id, result.ImageID, processes, result.Built, result.Error, result.ErrorDetail, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func scanImage(row pgx.Row) (*domain.Image, error) {
	var (
		img           domain.Image
		processes     []byte
		imageMetadata []byte
	)
	err := row.Scan(&img.ID, &img.ApplicationID, &img.RepositoryName, &img.BuildSlug, &img.BuildRef,
		&img.ImageID, &processes, &imageMetadata, &img.Version, &img.Built, &img.Error, &img.ErrorDetail,
		&img.CreatedAt, &img.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if len(processes) > 0 {
		if err := json.Unmarshal(processes, &img.Processes); err != nil {
			return nil, fmt.Errorf("unmarshal image processes: %w", err)
		}
	}
	img.ImageMetadata = imageMetadata
	return &img, nil
}
