package repository

import (
	"context"
	"fmt"
	"time"

	"trailpass/internal/domain"
)

// OTPRepository persiste los codigos de un solo uso.
type OTPRepository interface {
	Create(ctx context.Context, rec domain.OTPRecord) error
	GetByOwner(ctx context.Context, userID string, purpose domain.OTPPurpose) (domain.OTPRecord, error)
	DecrementAttempts(ctx context.Context, id string) (int, error)
	MarkProven(ctx context.Context, id string, at time.Time) error
	Consume(ctx context.Context, id string, requireAttempts bool) error
	DeleteByOwner(ctx context.Context, userID string, purpose domain.OTPPurpose) error
	DeleteAllForUser(ctx context.Context, userID string) error
}

type PgOTPRepository struct {
	db DBTX
}

func NewPgOTPRepository(db DBTX) *PgOTPRepository {
	return &PgOTPRepository{db: db}
}

const otpColumns = `id, code_hash, email_verify_user_id, password_reset_user_id, expires_at, confirmation_attempts, proven_at, created_at`

func (r *PgOTPRepository) Create(ctx context.Context, rec domain.OTPRecord) error {
	const query = `
		INSERT INTO otp_records (` + otpColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.Exec(ctx, query,
		rec.ID,
		rec.CodeHash,
		rec.EmailVerifyUserID,
		rec.PasswordResetUserID,
		rec.ExpiresAt,
		rec.ConfirmationAttempts,
		rec.ProvenAt,
		rec.CreatedAt,
	)
	return classify("create otp", err)
}

func (r *PgOTPRepository) GetByOwner(ctx context.Context, userID string, purpose domain.OTPPurpose) (domain.OTPRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM otp_records WHERE %s = $1`, otpColumns, otpOwnerColumn(purpose))
	var rec domain.OTPRecord
	err := r.db.QueryRow(ctx, query, userID).Scan(
		&rec.ID,
		&rec.CodeHash,
		&rec.EmailVerifyUserID,
		&rec.PasswordResetUserID,
		&rec.ExpiresAt,
		&rec.ConfirmationAttempts,
		&rec.ProvenAt,
		&rec.CreatedAt,
	)
	if err != nil {
		return domain.OTPRecord{}, classify("get otp", err)
	}
	return rec, nil
}

// DecrementAttempts resta un intento en una sola sentencia condicional, de modo
// que dos verificaciones concurrentes nunca consumen el mismo intento.
// Devuelve ErrNotFound si el registro no existe o ya estaba en cero.
func (r *PgOTPRepository) DecrementAttempts(ctx context.Context, id string) (int, error) {
	const query = `
		UPDATE otp_records SET confirmation_attempts = confirmation_attempts - 1
		WHERE id = $1 AND confirmation_attempts > 0
		RETURNING confirmation_attempts
	`
	var remaining int
	if err := r.db.QueryRow(ctx, query, id).Scan(&remaining); err != nil {
		return 0, classify("decrement otp attempts", err)
	}
	return remaining, nil
}

// MarkProven agota los intentos y marca el registro como comprobado.
func (r *PgOTPRepository) MarkProven(ctx context.Context, id string, at time.Time) error {
	const query = `UPDATE otp_records SET confirmation_attempts = 0, proven_at = $2 WHERE id = $1`
	tag, err := r.db.Exec(ctx, query, id, at)
	if err != nil {
		return classify("mark otp proven", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Consume borra el registro. Con requireAttempts solo borra si quedan intentos,
// lo que descarta una verificacion que perdio la carrera contra otra.
func (r *PgOTPRepository) Consume(ctx context.Context, id string, requireAttempts bool) error {
	query := `DELETE FROM otp_records WHERE id = $1`
	if requireAttempts {
		query += ` AND confirmation_attempts > 0`
	}
	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return classify("consume otp", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PgOTPRepository) DeleteByOwner(ctx context.Context, userID string, purpose domain.OTPPurpose) error {
	query := fmt.Sprintf(`DELETE FROM otp_records WHERE %s = $1`, otpOwnerColumn(purpose))
	_, err := r.db.Exec(ctx, query, userID)
	return classify("delete otp", err)
}

func (r *PgOTPRepository) DeleteAllForUser(ctx context.Context, userID string) error {
	const query = `DELETE FROM otp_records WHERE email_verify_user_id = $1 OR password_reset_user_id = $1`
	_, err := r.db.Exec(ctx, query, userID)
	return classify("delete user otps", err)
}

func otpOwnerColumn(purpose domain.OTPPurpose) string {
	if purpose == domain.OTPPurposePasswordReset {
		return "password_reset_user_id"
	}
	return "email_verify_user_id"
}
