package domain

import "time"

type OTPPurpose string

const (
	OTPPurposeEmailVerification OTPPurpose = "email_verification"
	OTPPurposePasswordReset     OTPPurpose = "password_reset"
)

// OTPRecord es un codigo de un solo uso. Solo uno de los owners esta informado.
// ProvenAt se informa cuando un codigo de reseteo ya fue comprobado.
type OTPRecord struct {
	ID                   string
	CodeHash             string
	EmailVerifyUserID    *string
	PasswordResetUserID  *string
	ExpiresAt            time.Time
	ConfirmationAttempts int
	ProvenAt             *time.Time
	CreatedAt            time.Time
}

func (r OTPRecord) Purpose() OTPPurpose {
	if r.PasswordResetUserID != nil {
		return OTPPurposePasswordReset
	}
	return OTPPurposeEmailVerification
}

func (r OTPRecord) OwnerID() string {
	if r.PasswordResetUserID != nil {
		return *r.PasswordResetUserID
	}
	if r.EmailVerifyUserID != nil {
		return *r.EmailVerifyUserID
	}
	return ""
}

// Proven distingue un registro comprobado de uno agotado por fallos.
func (r OTPRecord) Proven() bool { return r.ProvenAt != nil }

// ExpiredAt es true cuando now >= ExpiresAt.
func (r OTPRecord) ExpiredAt(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}
