package repository

import (
	"context"

	"trailpass/internal/domain"
)

type EmergencyContactRepository interface {
	Upsert(ctx context.Context, contact domain.EmergencyContact) error
	DeleteForUser(ctx context.Context, userID string) error
}

type PgEmergencyContactRepository struct {
	db DBTX
}

func NewPgEmergencyContactRepository(db DBTX) *PgEmergencyContactRepository {
	return &PgEmergencyContactRepository{db: db}
}

func (r *PgEmergencyContactRepository) Upsert(ctx context.Context, contact domain.EmergencyContact) error {
	const query = `
		INSERT INTO emergency_contacts (user_id, full_name, phone, relationship, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (user_id)
		DO UPDATE SET full_name = EXCLUDED.full_name, phone = EXCLUDED.phone,
			relationship = EXCLUDED.relationship, updated_at = EXCLUDED.updated_at
	`
	_, err := r.db.Exec(ctx, query,
		contact.UserID,
		contact.FullName,
		contact.Phone,
		contact.Relationship,
		contact.UpdatedAt,
	)
	return classify("upsert emergency contact", err)
}

func (r *PgEmergencyContactRepository) DeleteForUser(ctx context.Context, userID string) error {
	const query = `DELETE FROM emergency_contacts WHERE user_id = $1`
	_, err := r.db.Exec(ctx, query, userID)
	return classify("delete emergency contact", err)
}
