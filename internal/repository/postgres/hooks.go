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

// CreateHook appends a webhook delivery.
func (r *Repository) CreateHook(ctx context.Context, hook *domain.Hook) error {
	headers, err := json.Marshal(hook.Headers)
	if err != nil {
		return fmt.Errorf("marshal hook headers: %w", err)
	}
	if hook.CreatedAt.IsZero() {
		hook.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO hooks (id, headers, payload, commit_sha, processed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err = r.pool.Exec(ctx, query, hook.ID, headers, []byte(hook.Payload), hook.CommitSHA, hook.Processed, hook.CreatedAt)
	return err
}

// GetHookByID fetches a hook.
func (r *Repository) GetHookByID(ctx context.Context, id string) (*domain.Hook, error) {
	const query = `SELECT id, headers, payload, commit_sha, processed, created_at FROM hooks WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)
	var (
		h       domain.Hook
		headers []byte
		payload []byte
	)
	if err := row.Scan(&h.ID, &headers, &payload, &h.CommitSHA, &h.Processed, &h.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(headers, &h.Headers); err != nil {
		return nil, fmt.Errorf("unmarshal hook headers: %w", err)
	}
	h.Payload = payload
	return &h, nil
}

// MarkHookProcessed flips the processed flag.
func (r *Repository) MarkHookProcessed(ctx context.Context, id string, processed bool) error {
	const query = `UPDATE hooks SET processed = $2 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id, processed)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// HookProcessedForCommit reports whether a processed deployment hook exists
// for the commit and environment pair.
func (r *Repository) HookProcessedForCommit(ctx context.Context, commitSHA, environment string) (bool, error) {
	const query = `SELECT EXISTS (
		SELECT 1 FROM hooks
		WHERE commit_sha = $1
		  AND processed
		  AND payload->'deployment'->>'environment' = $2
	)`
	var exists bool
	if err := r.pool.QueryRow(ctx, query, commitSHA, environment).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}
