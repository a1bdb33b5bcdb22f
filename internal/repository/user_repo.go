package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"trailpass/internal/domain"
)

// UserRepository define el contrato de persistencia para usuarios.
type UserRepository interface {
	Create(ctx context.Context, user domain.User) error
	GetByID(ctx context.Context, id string) (domain.User, error)
	GetByEmail(ctx context.Context, email string) (domain.User, error)
	UpdateRegistrationStatus(ctx context.Context, id string, t domain.Transition) error
	SetEmailVerified(ctx context.Context, id string) error
	SetOTP(ctx context.Context, id string, purpose domain.OTPPurpose, otpID string, sentAt time.Time) error
	ClearOTP(ctx context.Context, id string, purpose domain.OTPPurpose) error
	ReleaseOTP(ctx context.Context, id string, purpose domain.OTPPurpose, otpID string) error
	TouchLogin(ctx context.Context, id string, at time.Time) error
	RecordConsent(ctx context.Context, id string, at time.Time) error
	SetDeletionDate(ctx context.Context, id string, at time.Time) error
	ListDeletionCandidates(ctx context.Context, now time.Time, limit int) ([]string, error)
	Anonymize(ctx context.Context, id string, at time.Time) (bool, error)
	HardDelete(ctx context.Context, id string) error
}

// PgUserRepository implementa UserRepository usando pgx.
type PgUserRepository struct {
	db DBTX
}

func NewPgUserRepository(db DBTX) *PgUserRepository {
	return &PgUserRepository{db: db}
}

const userColumns = `id, email, first_name, last_name, registration_status, role_id, email_verified,
		email_otp_id, password_reset_otp_id, email_otp_sent_at, password_reset_otp_sent_at,
		deletion_date, deleted_at, consent_at, login_at, created_at, updated_at`

func scanUser(row pgx.Row) (domain.User, error) {
	var (
		u      domain.User
		status string
	)
	err := row.Scan(
		&u.ID,
		&u.Email,
		&u.FirstName,
		&u.LastName,
		&status,
		&u.RoleID,
		&u.EmailVerified,
		&u.EmailOtpID,
		&u.PasswordResetOtpID,
		&u.EmailOtpSentAt,
		&u.PasswordResetOtpSentAt,
		&u.DeletionDate,
		&u.DeletedAt,
		&u.ConsentAt,
		&u.LoginAt,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		return domain.User{}, err
	}
	u.RegistrationStatus = domain.RegistrationStatus(status)
	return u, nil
}

func (r *PgUserRepository) Create(ctx context.Context, user domain.User) error {
	const query = `
		INSERT INTO users (id, email, first_name, last_name, registration_status, role_id, email_verified, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`
	_, err := r.db.Exec(ctx, query,
		user.ID,
		user.Email,
		user.FirstName,
		user.LastName,
		string(user.RegistrationStatus),
		user.RoleID,
		user.EmailVerified,
		user.CreatedAt,
	)
	return classify("create user", err)
}

func (r *PgUserRepository) GetByID(ctx context.Context, id string) (domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	u, err := scanUser(r.db.QueryRow(ctx, query, id))
	if err != nil {
		return domain.User{}, classify("get user", err)
	}
	return u, nil
}

// GetByEmail busca entre usuarios no eliminados.
func (r *PgUserRepository) GetByEmail(ctx context.Context, email string) (domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE lower(email) = lower($1) AND deleted_at IS NULL`
	u, err := scanUser(r.db.QueryRow(ctx, query, email))
	if err != nil {
		return domain.User{}, classify("get user by email", err)
	}
	return u, nil
}

// UpdateRegistrationStatus avanza el estado solo si la fila esta en t.From.
// Devuelve ErrNotFound si el usuario no existe o esta en otro estado.
func (r *PgUserRepository) UpdateRegistrationStatus(ctx context.Context, id string, t domain.Transition) error {
	const query = `
		UPDATE users SET registration_status = $3, updated_at = now()
		WHERE id = $1 AND registration_status = $2 AND deleted_at IS NULL
	`
	return r.execOne(ctx, "update registration status", query, id, string(t.From), string(t.To))
}

func (r *PgUserRepository) SetEmailVerified(ctx context.Context, id string) error {
	const query = `UPDATE users SET email_verified = TRUE, updated_at = now() WHERE id = $1`
	return r.execOne(ctx, "set email verified", query, id)
}

func (r *PgUserRepository) SetOTP(ctx context.Context, id string, purpose domain.OTPPurpose, otpID string, sentAt time.Time) error {
	query := fmt.Sprintf(
		`UPDATE users SET %s = $2, %s = $3, updated_at = now() WHERE id = $1`,
		otpIDColumn(purpose), otpSentAtColumn(purpose),
	)
	return r.execOne(ctx, "set otp", query, id, otpID, sentAt)
}

func (r *PgUserRepository) ClearOTP(ctx context.Context, id string, purpose domain.OTPPurpose) error {
	query := fmt.Sprintf(`UPDATE users SET %s = NULL, updated_at = now() WHERE id = $1`, otpIDColumn(purpose))
	_, err := r.db.Exec(ctx, query, id)
	return classify("clear otp", err)
}

// ReleaseOTP borra la referencia y el ancla del cooldown si siguen apuntando a otpID.
func (r *PgUserRepository) ReleaseOTP(ctx context.Context, id string, purpose domain.OTPPurpose, otpID string) error {
	idCol := otpIDColumn(purpose)
	query := fmt.Sprintf(
		`UPDATE users SET %s = NULL, %s = NULL, updated_at = now() WHERE id = $1 AND %s = $2`,
		idCol, otpSentAtColumn(purpose), idCol,
	)
	_, err := r.db.Exec(ctx, query, id, otpID)
	return classify("release otp", err)
}

func (r *PgUserRepository) TouchLogin(ctx context.Context, id string, at time.Time) error {
	const query = `UPDATE users SET login_at = $2 WHERE id = $1`
	_, err := r.db.Exec(ctx, query, id, at)
	return classify("touch login", err)
}

func (r *PgUserRepository) RecordConsent(ctx context.Context, id string, at time.Time) error {
	const query = `UPDATE users SET consent_at = $2, updated_at = now() WHERE id = $1`
	return r.execOne(ctx, "record consent", query, id, at)
}

func (r *PgUserRepository) SetDeletionDate(ctx context.Context, id string, at time.Time) error {
	const query = `UPDATE users SET deletion_date = $2, updated_at = now() WHERE id = $1 AND deleted_at IS NULL`
	return r.execOne(ctx, "set deletion date", query, id, at)
}

// ListDeletionCandidates devuelve ids con deletion_date vencida que siguen sin anonimizar.
func (r *PgUserRepository) ListDeletionCandidates(ctx context.Context, now time.Time, limit int) ([]string, error) {
	const query = `
		SELECT id FROM users
		WHERE deletion_date IS NOT NULL AND deletion_date <= $1 AND deleted_at IS NULL
		ORDER BY deletion_date
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, classify("list deletion candidates", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, classify("scan deletion candidate", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list deletion candidates", err)
	}
	return ids, nil
}

// Anonymize reemplaza los datos personales por placeholders y asigna el rol
// reservado de baneado. Devuelve false si la fila ya estaba anonimizada.
func (r *PgUserRepository) Anonymize(ctx context.Context, id string, at time.Time) (bool, error) {
	const query = `
		UPDATE users SET
			email = 'deleted+' || id || '@deleted.invalid',
			first_name = 'Deleted',
			last_name = 'User',
			role_id = $2,
			email_otp_id = NULL,
			password_reset_otp_id = NULL,
			deleted_at = $3,
			updated_at = $3
		WHERE id = $1 AND deleted_at IS NULL
	`
	tag, err := r.db.Exec(ctx, query, id, domain.RoleBanned, at)
	if err != nil {
		return false, classify("anonymize user", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PgUserRepository) HardDelete(ctx context.Context, id string) error {
	const query = `DELETE FROM users WHERE id = $1`
	_, err := r.db.Exec(ctx, query, id)
	return classify("delete user", err)
}

func (r *PgUserRepository) execOne(ctx context.Context, op, query string, args ...any) error {
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return classify(op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func otpIDColumn(purpose domain.OTPPurpose) string {
	if purpose == domain.OTPPurposePasswordReset {
		return "password_reset_otp_id"
	}
	return "email_otp_id"
}

func otpSentAtColumn(purpose domain.OTPPurpose) string {
	if purpose == domain.OTPPurposePasswordReset {
		return "password_reset_otp_sent_at"
	}
	return "email_otp_sent_at"
}
