package service

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"trailpass/internal/apperr"
	"trailpass/internal/domain"
	"trailpass/internal/identity"
	"trailpass/internal/observe"
	"trailpass/internal/repository"
	"trailpass/internal/saga"
)

var (
	ErrInvalidEmail       = apperr.New(apperr.KindValidation, "invalid email")
	ErrInvalidName        = apperr.New(apperr.KindValidation, "first and last name are required")
	ErrWeakPassword       = apperr.New(apperr.KindValidation, "password must be at least 8 characters")
	ErrInvalidContact     = apperr.New(apperr.KindValidation, "emergency contact needs a name and a valid phone")
	ErrEmailTaken         = apperr.New(apperr.KindConflict, "an account with this email already exists")
	ErrWrongStep          = apperr.New(apperr.KindValidation, "the account is not at this registration step")
	ErrUserNotFound       = apperr.New(apperr.KindNotFound, "user not found")
	ErrAccountBanned      = apperr.New(apperr.KindForbidden, "this account is blocked")
	ErrEmailNotVerified   = apperr.New(apperr.KindForbidden, "email is not verified")
	ErrInvalidCredentials = apperr.New(apperr.KindUnauthorized, "invalid credentials")
	ErrRateLimited        = apperr.New(apperr.KindRateLimited, "too many requests, try again later")
	ErrSocialCodeMissing  = apperr.New(apperr.KindValidation, "authorization code is required")
)

const minPasswordLength = 8

type CreateAccountInput struct {
	Email     string
	FirstName string
	LastName  string
	Password  string
}

type EmergencyContactInput struct {
	FullName     string
	Phone        string
	Relationship string
}

// AccountSession es la respuesta de los flujos que inician sesion.
type AccountSession struct {
	User   domain.User          `json:"user"`
	Tokens identity.TokenBundle `json:"tokens"`
}

// AccountService orquesta el ciclo de vida de la cuenta entre el proveedor
// de identidad y el store local.
type AccountService struct {
	logger       *zap.Logger
	store        repository.Storage
	gateway      identity.Gateway
	otp          *OTPService
	revocations  RevocationStore
	resetLimiter BurstLimiter
	reporter     observe.Reporter
	now          func() time.Time
}

func NewAccountService(
	logger *zap.Logger,
	store repository.Storage,
	gateway identity.Gateway,
	otp *OTPService,
	revocations RevocationStore,
	resetLimiter BurstLimiter,
	reporter observe.Reporter,
) *AccountService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reporter == nil {
		reporter = observe.Nop{}
	}
	return &AccountService{
		logger:       logger,
		store:        store,
		gateway:      gateway,
		otp:          otp,
		revocations:  revocations,
		resetLimiter: resetLimiter,
		reporter:     reporter,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

type createAccountState struct {
	identityID string
	user       domain.User
}

// CreateAccount registra la identidad externa y la fila local. Si la fila
// local falla, la identidad externa se borra.
func (s *AccountService) CreateAccount(ctx context.Context, input CreateAccountInput) (AccountSession, error) {
	email, err := validEmail(input.Email)
	if err != nil {
		return AccountSession{}, err
	}
	first := strings.TrimSpace(input.FirstName)
	last := strings.TrimSpace(input.LastName)
	if first == "" || last == "" {
		return AccountSession{}, ErrInvalidName
	}
	if len(input.Password) < minPasswordLength {
		return AccountSession{}, ErrWeakPassword
	}

	if _, err := s.store.Users().GetByEmail(ctx, email); err == nil {
		return AccountSession{}, ErrEmailTaken
	} else if !errors.Is(err, repository.ErrNotFound) {
		return AccountSession{}, err
	}

	flow := saga.New("create-account", s.reporter,
		saga.Step[createAccountState]{
			Name: "create-identity",
			Do: func(ctx context.Context, st createAccountState) (createAccountState, error) {
				id, err := s.gateway.CreateIdentity(ctx, identity.NewIdentity{
					Email:     email,
					FirstName: first,
					LastName:  last,
					Password:  input.Password,
				})
				if apperr.IsKind(err, apperr.KindConflict) {
					return st, ErrEmailTaken.Wrap(err)
				}
				if err != nil {
					return st, err
				}
				st.identityID = id
				return st, nil
			},
			Compensate: func(ctx context.Context, st createAccountState) error {
				err := s.gateway.DeleteIdentity(ctx, st.identityID)
				if apperr.IsKind(err, apperr.KindNotFound) {
					return nil
				}
				return err
			},
		},
		saga.Step[createAccountState]{
			Name: "create-local-user",
			Do: func(ctx context.Context, st createAccountState) (createAccountState, error) {
				now := s.now()
				user := domain.User{
					ID:                 st.identityID,
					Email:              email,
					FirstName:          first,
					LastName:           last,
					RegistrationStatus: domain.StatusPendingVerification,
					RoleID:             domain.RoleUser,
					CreatedAt:          now,
					UpdatedAt:          now,
				}
				if err := s.store.Users().Create(ctx, user); err != nil {
					if apperr.IsKind(err, apperr.KindConflict) {
						return st, ErrEmailTaken.Wrap(err)
					}
					return st, err
				}
				st.user = user
				return st, nil
			},
		},
	)

	st, err := flow.Run(ctx, createAccountState{})
	if err != nil {
		return AccountSession{}, err
	}

	tokens, err := s.gateway.PasswordLogin(ctx, email, input.Password)
	if err != nil {
		s.logger.Warn("login after create account failed", zap.Error(err), zap.String("user_id", st.user.ID))
		return AccountSession{}, err
	}
	s.touchLogin(ctx, &st.user)

	return AccountSession{User: st.user, Tokens: tokens}, nil
}

// SocialLogin canjea el codigo del proveedor social. Un email desconocido
// crea la cuenta en PENDING_SOCIAL_ACCOUNT con el sub como id.
func (s *AccountService) SocialLogin(ctx context.Context, code, verifier string) (AccountSession, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return AccountSession{}, ErrSocialCodeMissing
	}

	tokens, err := s.gateway.ExchangeSocialCode(ctx, code, verifier)
	if err != nil {
		return AccountSession{}, err
	}
	claims, err := identity.ClaimsFromBundle(tokens)
	if err != nil {
		return AccountSession{}, err
	}
	email, err := validEmail(claims.Email)
	if err != nil {
		return AccountSession{}, err
	}

	user, err := s.store.Users().GetByEmail(ctx, email)
	switch {
	case err == nil:
		if user.IsBanned() {
			return AccountSession{}, ErrAccountBanned
		}
	case errors.Is(err, repository.ErrNotFound):
		now := s.now()
		user = domain.User{
			ID:                 claims.Subject,
			Email:              email,
			FirstName:          strings.TrimSpace(claims.GivenName),
			LastName:           strings.TrimSpace(claims.FamilyName),
			RegistrationStatus: domain.StatusPendingSocialAccount,
			RoleID:             domain.RoleUser,
			EmailVerified:      true,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if err := s.store.Users().Create(ctx, user); err != nil {
			return AccountSession{}, err
		}
		s.logger.Info("social account created", zap.String("user_id", user.ID))
	default:
		return AccountSession{}, err
	}

	s.touchLogin(ctx, &user)
	return AccountSession{User: user, Tokens: tokens}, nil
}

// CompleteSocialAccount cierra el alta social y pasa al contacto de emergencia.
func (s *AccountService) CompleteSocialAccount(ctx context.Context, userID string) (domain.User, error) {
	user, err := s.activeUser(ctx, userID)
	if err != nil {
		return domain.User{}, err
	}
	if user.RegistrationStatus != domain.StatusPendingSocialAccount {
		return domain.User{}, ErrWrongStep
	}
	if !user.EmailVerified {
		return domain.User{}, ErrEmailNotVerified
	}
	if err := s.advance(ctx, s.store, user.ID, domain.TransitionSocialVerified); err != nil {
		return domain.User{}, err
	}
	user.RegistrationStatus = domain.TransitionSocialVerified.To
	return user, nil
}

// SendOTP emite el codigo de verificacion de email.
func (s *AccountService) SendOTP(ctx context.Context, userID string) (Issuance, error) {
	user, err := s.activeUser(ctx, userID)
	if err != nil {
		return Issuance{}, err
	}
	if user.RegistrationStatus != domain.StatusPendingVerification {
		return Issuance{}, ErrWrongStep
	}
	return s.otp.Issue(ctx, user, domain.OTPPurposeEmailVerification)
}

// VerifyOTP confirma el email y avanza a PENDING_EMERGENCY en la misma transaccion.
func (s *AccountService) VerifyOTP(ctx context.Context, code, userID string) (domain.User, error) {
	user, err := s.activeUser(ctx, userID)
	if err != nil {
		return domain.User{}, err
	}
	if user.RegistrationStatus != domain.StatusPendingVerification {
		return domain.User{}, ErrWrongStep
	}

	err = s.otp.Verify(ctx, user.ID, domain.OTPPurposeEmailVerification, code, func(q repository.Queries) error {
		if err := q.Users().SetEmailVerified(ctx, user.ID); err != nil {
			return err
		}
		return s.advance(ctx, q, user.ID, domain.TransitionVerifyEmail)
	})
	if err != nil {
		return domain.User{}, err
	}

	user.EmailVerified = true
	user.EmailOtpID = nil
	user.RegistrationStatus = domain.TransitionVerifyEmail.To
	return user, nil
}

// EmergencyContact guarda el contacto. Durante el alta tambien avanza a
// PENDING_CONSENT; despues solo actualiza el contacto.
func (s *AccountService) EmergencyContact(ctx context.Context, input EmergencyContactInput, userID string) (domain.EmergencyContact, error) {
	contact, err := validContact(input)
	if err != nil {
		return domain.EmergencyContact{}, err
	}
	user, err := s.activeUser(ctx, userID)
	if err != nil {
		return domain.EmergencyContact{}, err
	}

	if user.RegistrationStatus != domain.StatusPendingEmergency {
		return domain.EmergencyContact{}, ErrWrongStep
	}

	now := s.now()
	contact.UserID = user.ID
	contact.CreatedAt = now
	contact.UpdatedAt = now
	err = s.store.WithTx(ctx, func(q repository.Queries) error {
		if err := q.EmergencyContacts().Upsert(ctx, contact); err != nil {
			return err
		}
		return s.advance(ctx, q, user.ID, domain.TransitionEmergencyContact)
	})
	if err != nil {
		return domain.EmergencyContact{}, err
	}
	return contact, nil
}

// UserConsent registra el consentimiento y completa el alta.
func (s *AccountService) UserConsent(ctx context.Context, userID string) (domain.User, error) {
	user, err := s.activeUser(ctx, userID)
	if err != nil {
		return domain.User{}, err
	}
	if user.RegistrationStatus != domain.StatusPendingConsent {
		return domain.User{}, ErrWrongStep
	}

	now := s.now()
	err = s.store.WithTx(ctx, func(q repository.Queries) error {
		if err := q.Users().RecordConsent(ctx, user.ID, now); err != nil {
			return err
		}
		return s.advance(ctx, q, user.ID, domain.TransitionConsent)
	})
	if err != nil {
		return domain.User{}, err
	}

	user.ConsentAt = &now
	user.RegistrationStatus = domain.TransitionConsent.To
	return user, nil
}

// Profile devuelve el usuario autenticado.
func (s *AccountService) Profile(ctx context.Context, userID string) (domain.User, error) {
	return s.activeUser(ctx, userID)
}

// Login valida contra el proveedor de identidad. Las cuentas bloqueadas se
// rechazan antes de llegar al proveedor.
func (s *AccountService) Login(ctx context.Context, emailAddr, password string) (AccountSession, error) {
	emailAddr = normalizeEmail(emailAddr)
	if emailAddr == "" || password == "" {
		return AccountSession{}, ErrInvalidCredentials
	}

	user, err := s.store.Users().GetByEmail(ctx, emailAddr)
	if errors.Is(err, repository.ErrNotFound) {
		return AccountSession{}, ErrInvalidCredentials
	}
	if err != nil {
		return AccountSession{}, err
	}
	if user.IsBanned() {
		return AccountSession{}, ErrAccountBanned
	}

	tokens, err := s.gateway.PasswordLogin(ctx, emailAddr, password)
	if apperr.IsKind(err, apperr.KindUnauthorized) {
		return AccountSession{}, ErrInvalidCredentials.Wrap(err)
	}
	if err != nil {
		return AccountSession{}, err
	}

	s.touchLogin(ctx, &user)
	return AccountSession{User: user, Tokens: tokens}, nil
}

func (s *AccountService) Refresh(ctx context.Context, refreshToken string) (identity.TokenBundle, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return identity.TokenBundle{}, ErrTokenInvalid
	}
	return s.gateway.Refresh(ctx, refreshToken)
}

// RequestPasswordReset nunca revela si el email tiene cuenta: los emails
// desconocidos, bloqueados o en cooldown responden igual que un envio.
func (s *AccountService) RequestPasswordReset(ctx context.Context, emailAddr string) error {
	emailAddr, err := validEmail(emailAddr)
	if err != nil {
		return err
	}
	if s.resetLimiter != nil && !s.resetLimiter.Allow(ctx, emailAddr) {
		return ErrRateLimited
	}

	user, err := s.store.Users().GetByEmail(ctx, emailAddr)
	if errors.Is(err, repository.ErrNotFound) {
		s.logger.Info("password reset for unknown email")
		return nil
	}
	if err != nil {
		return err
	}
	if user.IsBanned() {
		s.logger.Info("password reset for blocked account", zap.String("user_id", user.ID))
		return nil
	}

	_, err = s.otp.Issue(ctx, user, domain.OTPPurposePasswordReset)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrOTPCooldown), errors.Is(err, ErrEmailSendFailure):
		s.logger.Warn("password reset code not sent", zap.Error(err), zap.String("user_id", user.ID))
		return nil
	default:
		return err
	}
}

// CheckPasswordResetCode comprueba el codigo y lo deja marcado para el paso final.
func (s *AccountService) CheckPasswordResetCode(ctx context.Context, emailAddr, code string) error {
	user, err := s.resetUser(ctx, emailAddr)
	if err != nil {
		return err
	}
	rec, err := s.otp.Check(ctx, user.ID, domain.OTPPurposePasswordReset, code)
	if err != nil {
		return err
	}
	return s.otp.MarkProven(ctx, rec)
}

// ResetPassword cambia la contrasena en el proveedor y consume el codigo en la
// misma transaccion; si el proveedor falla el codigo sigue vigente. Despues
// cierra todas las sesiones.
func (s *AccountService) ResetPassword(ctx context.Context, emailAddr, code, newPassword string) error {
	if len(newPassword) < minPasswordLength {
		return ErrWeakPassword
	}
	user, err := s.resetUser(ctx, emailAddr)
	if err != nil {
		return err
	}

	err = s.otp.SoftVerify(ctx, user.ID, code, func(repository.Queries) error {
		return s.gateway.ResetPassword(ctx, user.ID, newPassword)
	})
	if err != nil {
		return err
	}

	s.endSessions(ctx, user.ID)
	return nil
}

func (s *AccountService) resetUser(ctx context.Context, emailAddr string) (domain.User, error) {
	emailAddr, err := validEmail(emailAddr)
	if err != nil {
		return domain.User{}, err
	}
	user, err := s.store.Users().GetByEmail(ctx, emailAddr)
	if errors.Is(err, repository.ErrNotFound) {
		return domain.User{}, ErrOTPNotRequested
	}
	if err != nil {
		return domain.User{}, err
	}
	if user.IsBanned() {
		return domain.User{}, ErrOTPNotRequested
	}
	return user, nil
}

func (s *AccountService) endSessions(ctx context.Context, userID string) {
	endSessions(ctx, s.gateway, s.revocations, s.logger, s.reporter, userID, s.now())
}

// endSessions cierra las sesiones en el proveedor y marca la revocacion local.
// Ninguno de los dos pasos hace fallar la operacion que lo llama.
func endSessions(ctx context.Context, gateway identity.Gateway, revocations RevocationStore, logger *zap.Logger, reporter observe.Reporter, userID string, at time.Time) {
	ctx = context.WithoutCancel(ctx)
	if !gateway.ForceLogoutAllSessions(ctx, userID) {
		logger.Warn("force logout failed", zap.String("user_id", userID))
	}
	if revocations == nil {
		return
	}
	if err := revocations.Revoke(ctx, userID, at); err != nil {
		reporter.Report(ctx, err, zap.String("op", "revoke sessions"), zap.String("user_id", userID))
	}
}

func (s *AccountService) activeUser(ctx context.Context, userID string) (domain.User, error) {
	user, err := s.store.Users().GetByID(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return domain.User{}, ErrUserNotFound
	}
	if err != nil {
		return domain.User{}, err
	}
	if user.IsDeleted() {
		return domain.User{}, ErrUserNotFound
	}
	if user.IsBanned() {
		return domain.User{}, ErrAccountBanned
	}
	return user, nil
}

// advance aplica la transicion; una fila en otro estado es un paso equivocado.
func (s *AccountService) advance(ctx context.Context, q repository.Queries, userID string, t domain.Transition) error {
	err := q.Users().UpdateRegistrationStatus(ctx, userID, t)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrWrongStep
	}
	return err
}

func (s *AccountService) touchLogin(ctx context.Context, user *domain.User) {
	now := s.now()
	if err := s.store.Users().TouchLogin(ctx, user.ID, now); err != nil {
		s.logger.Warn("touch login failed", zap.Error(err), zap.String("user_id", user.ID))
		return
	}
	user.LoginAt = &now
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validEmail(raw string) (string, error) {
	email := normalizeEmail(raw)
	if email == "" {
		return "", ErrInvalidEmail
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", ErrInvalidEmail
	}
	return email, nil
}

func validContact(input EmergencyContactInput) (domain.EmergencyContact, error) {
	name := strings.TrimSpace(input.FullName)
	phone := strings.TrimSpace(input.Phone)
	if name == "" || phone == "" {
		return domain.EmergencyContact{}, ErrInvalidContact
	}
	digits := 0
	for i, r := range phone {
		switch {
		case unicode.IsDigit(r):
			digits++
		case r == '+' && i == 0, r == ' ', r == '-', r == '(', r == ')':
		default:
			return domain.EmergencyContact{}, ErrInvalidContact
		}
	}
	if digits < 7 || digits > 15 {
		return domain.EmergencyContact{}, ErrInvalidContact
	}
	return domain.EmergencyContact{
		FullName:     name,
		Phone:        phone,
		Relationship: strings.TrimSpace(input.Relationship),
	}, nil
}
