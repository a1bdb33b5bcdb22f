package domain

import "time"

// Roles reservados. RoleBanned marca cuentas bloqueadas o eliminadas.
const (
	RoleUser   = 1
	RoleAdmin  = 2
	RoleBanned = 3
)

type User struct {
	ID                     string             `json:"id"`
	Email                  string             `json:"email"`
	FirstName              string             `json:"first_name,omitempty"`
	LastName               string             `json:"last_name,omitempty"`
	RegistrationStatus     RegistrationStatus `json:"registration_status"`
	RoleID                 int                `json:"role_id"`
	EmailVerified          bool               `json:"email_verified"`
	EmailOtpID             *string            `json:"-"`
	PasswordResetOtpID     *string            `json:"-"`
	EmailOtpSentAt         *time.Time         `json:"-"`
	PasswordResetOtpSentAt *time.Time         `json:"-"`
	DeletionDate           *time.Time         `json:"deletion_date,omitempty"`
	DeletedAt              *time.Time         `json:"-"`
	ConsentAt              *time.Time         `json:"consent_at,omitempty"`
	LoginAt                *time.Time         `json:"login_at,omitempty"`
	CreatedAt              time.Time          `json:"created_at"`
	UpdatedAt              time.Time          `json:"updated_at"`
}

func (u User) IsBanned() bool { return u.RoleID == RoleBanned }

// IsDeleted indica que la fila ya fue anonimizada.
func (u User) IsDeleted() bool { return u.DeletedAt != nil }

// OtpSentAt devuelve el ancla de cooldown del proposito indicado.
func (u User) OtpSentAt(purpose OTPPurpose) *time.Time {
	if purpose == OTPPurposePasswordReset {
		return u.PasswordResetOtpSentAt
	}
	return u.EmailOtpSentAt
}

// OtpID devuelve la referencia al OTP vigente del proposito indicado.
func (u User) OtpID(purpose OTPPurpose) *string {
	if purpose == OTPPurposePasswordReset {
		return u.PasswordResetOtpID
	}
	return u.EmailOtpID
}
