package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cabotage/cabotage-app/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.HookRepository          = (*Repository)(nil)
	_ repository.ApplicationRepository   = (*Repository)(nil)
	_ repository.ConfigurationRepository = (*Repository)(nil)
	_ repository.ImageRepository         = (*Repository)(nil)
	_ repository.ReleaseRepository       = (*Repository)(nil)
	_ repository.DeploymentRepository    = (*Repository)(nil)
)
