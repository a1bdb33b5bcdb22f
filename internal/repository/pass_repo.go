package repository

import (
	"context"

	"trailpass/internal/domain"
)

// PassRepository cubre solo lo que necesita la baja de cuentas.
type PassRepository interface {
	CancelPending(ctx context.Context, userID string) (int64, error)
}

type PgPassRepository struct {
	db DBTX
}

func NewPgPassRepository(db DBTX) *PgPassRepository {
	return &PgPassRepository{db: db}
}

func (r *PgPassRepository) CancelPending(ctx context.Context, userID string) (int64, error) {
	const query = `UPDATE passes SET status = $2, updated_at = now() WHERE user_id = $1 AND status = $3`
	tag, err := r.db.Exec(ctx, query, userID, domain.PassStatusCancelled, domain.PassStatusPending)
	if err != nil {
		return 0, classify("cancel passes", err)
	}
	return tag.RowsAffected(), nil
}
