package domain

// RegistrationStatus sigue el avance del onboarding. Los valores se persisten tal cual.
type RegistrationStatus string

const (
	StatusPendingAccount       RegistrationStatus = "PENDING_ACCOUNT"
	StatusPendingSocialAccount RegistrationStatus = "PENDING_SOCIAL_ACCOUNT"
	StatusPendingVerification  RegistrationStatus = "PENDING_VERIFICATION"
	StatusPendingEmergency     RegistrationStatus = "PENDING_EMERGENCY"
	StatusPendingConsent       RegistrationStatus = "PENDING_CONSENT"
	StatusComplete             RegistrationStatus = "COMPLETE"
	StatusBanned               RegistrationStatus = "BANNED"
)

// Transition es un paso dirigido de la maquina de estados.
type Transition struct {
	From RegistrationStatus
	To   RegistrationStatus
}

var (
	TransitionVerifyEmail      = Transition{From: StatusPendingVerification, To: StatusPendingEmergency}
	TransitionSocialVerified   = Transition{From: StatusPendingSocialAccount, To: StatusPendingEmergency}
	TransitionEmergencyContact = Transition{From: StatusPendingEmergency, To: StatusPendingConsent}
	TransitionConsent          = Transition{From: StatusPendingConsent, To: StatusComplete}
)

func (s RegistrationStatus) Valid() bool {
	switch s {
	case StatusPendingAccount, StatusPendingSocialAccount, StatusPendingVerification,
		StatusPendingEmergency, StatusPendingConsent, StatusComplete, StatusBanned:
		return true
	}
	return false
}

// IsTransient indica cuentas que nunca verificaron su email; se borran fisicamente.
func (s RegistrationStatus) IsTransient() bool {
	return s == StatusPendingAccount || s == StatusPendingVerification
}
