package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/davidleathers/financing-ledger-backend/internal/domain/owner"
	"github.com/davidleathers/financing-ledger-backend/internal/infrastructure/database"
)

// OwnerRepository stores owner display names
type OwnerRepository struct {
	pool *pgxpool.Pool
}

func NewOwnerRepository(pool *pgxpool.Pool) *OwnerRepository {
	return &OwnerRepository{pool: pool}
}

func (r *OwnerRepository) Upsert(ctx context.Context, o *owner.Owner) error {
	query := `
		INSERT INTO owners (id, display_name, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET display_name = EXCLUDED.display_name, updated_at = EXCLUDED.updated_at`

	_, err := database.Conn(ctx, r.pool).Exec(ctx, query, o.ID, o.DisplayName, o.UpdatedAt)
	return wrapError(err, "upsert owner", "owner", o.ID)
}

func (r *OwnerRepository) GetByID(ctx context.Context, id uuid.UUID) (*owner.Owner, error) {
	var o owner.Owner
	err := database.Conn(ctx, r.pool).
		QueryRow(ctx, `SELECT id, display_name, updated_at FROM owners WHERE id = $1`, id).
		Scan(&o.ID, &o.DisplayName, &o.UpdatedAt)
	if err != nil {
		return nil, wrapError(err, "get owner", "owner", id)
	}
	return &o, nil
}
