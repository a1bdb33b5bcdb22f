package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"trailpass/internal/apperr"
	"trailpass/internal/domain"
	"trailpass/internal/email"
	"trailpass/internal/repository"
)

var (
	ErrOTPNotRequested  = apperr.New(apperr.KindValidation, "no code was requested")
	ErrOTPExpired       = apperr.New(apperr.KindExpired, "the code has expired, request a new one")
	ErrOTPExhausted     = apperr.New(apperr.KindExhausted, "too many attempts, request a new code")
	ErrOTPInvalid       = apperr.New(apperr.KindValidation, "the code is incorrect")
	ErrOTPMalformed     = apperr.New(apperr.KindValidation, "the code format is invalid")
	ErrOTPCooldown      = apperr.New(apperr.KindRateLimited, "a code was sent recently, try again later")
	ErrEmailSendFailure = apperr.New(apperr.KindUpstream, "could not send the email")
)

type OTPConfig struct {
	Length   int
	TTL      time.Duration
	Cooldown time.Duration
	Attempts int
}

func (c OTPConfig) withDefaults() OTPConfig {
	if c.Length <= 0 {
		c.Length = 4
	}
	if c.TTL <= 0 {
		c.TTL = 10 * time.Minute
	}
	if c.Cooldown < 0 {
		c.Cooldown = 0
	}
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	return c
}

// Issuance describe un codigo emitido. El codigo en claro solo viaja por mail.
type Issuance struct {
	RecordID  string
	ExpiresAt time.Time
	SentAt    time.Time
}

// OTPService emite y verifica codigos de un solo uso por proposito.
type OTPService struct {
	logger   *zap.Logger
	store    repository.Storage
	sender   email.Sender
	cfg      OTPConfig
	hashCost int
	now      func() time.Time
}

func NewOTPService(logger *zap.Logger, store repository.Storage, sender email.Sender, cfg OTPConfig) *OTPService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OTPService{
		logger:   logger,
		store:    store,
		sender:   sender,
		cfg:      cfg.withDefaults(),
		hashCost: bcrypt.DefaultCost,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Issue reemplaza el codigo vigente del proposito y lo envia por mail.
// Respeta el cooldown anclado en la fecha del ultimo envio.
func (s *OTPService) Issue(ctx context.Context, user domain.User, purpose domain.OTPPurpose) (Issuance, error) {
	now := s.now()
	if sentAt := user.OtpSentAt(purpose); sentAt != nil {
		retryAt := sentAt.Add(s.cfg.Cooldown)
		if now.Before(retryAt) {
			return Issuance{}, ErrOTPCooldown.WithRetryAt(retryAt)
		}
	}

	code, err := generateCode(s.cfg.Length)
	if err != nil {
		return Issuance{}, apperr.E(apperr.KindInternal, "generate code", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), s.hashCost)
	if err != nil {
		return Issuance{}, apperr.E(apperr.KindInternal, "hash code", err)
	}

	owner := user.ID
	rec := domain.OTPRecord{
		ID:                   uuid.NewString(),
		CodeHash:             string(hash),
		ExpiresAt:            now.Add(s.cfg.TTL),
		ConfirmationAttempts: s.cfg.Attempts,
		CreatedAt:            now,
	}
	if purpose == domain.OTPPurposePasswordReset {
		rec.PasswordResetUserID = &owner
	} else {
		rec.EmailVerifyUserID = &owner
	}

	err = s.store.WithTx(ctx, func(q repository.Queries) error {
		if err := q.OTPs().DeleteByOwner(ctx, user.ID, purpose); err != nil {
			return err
		}
		if err := q.OTPs().Create(ctx, rec); err != nil {
			return err
		}
		return q.Users().SetOTP(ctx, user.ID, purpose, rec.ID, now)
	})
	if err != nil {
		return Issuance{}, err
	}

	if err := s.send(ctx, user.Email, purpose, code, rec.ExpiresAt); err != nil {
		s.logger.Warn("send otp failed",
			zap.Error(err),
			zap.String("user_id", user.ID),
			zap.String("purpose", string(purpose)),
		)
		s.release(ctx, user.ID, purpose, rec.ID)
		return Issuance{}, ErrEmailSendFailure.Wrap(err)
	}

	return Issuance{RecordID: rec.ID, ExpiresAt: rec.ExpiresAt, SentAt: now}, nil
}

// release deshace una emision cuyo mail no salio para no bloquear el reintento.
func (s *OTPService) release(ctx context.Context, userID string, purpose domain.OTPPurpose, otpID string) {
	err := s.store.WithTx(ctx, func(q repository.Queries) error {
		if err := q.OTPs().Consume(ctx, otpID, false); err != nil && !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		return q.Users().ReleaseOTP(ctx, userID, purpose, otpID)
	})
	if err != nil {
		s.logger.Warn("release otp failed",
			zap.Error(err),
			zap.String("user_id", userID),
			zap.String("otp_id", otpID),
		)
	}
}

func (s *OTPService) send(ctx context.Context, to string, purpose domain.OTPPurpose, code string, expiresAt time.Time) error {
	if s.sender == nil {
		return errors.New("email sender not configured")
	}
	if purpose == domain.OTPPurposePasswordReset {
		return s.sender.SendPasswordResetOTP(ctx, to, code, expiresAt)
	}
	return s.sender.SendVerificationOTP(ctx, to, code, expiresAt)
}

// Check valida el codigo sin consumirlo. Orden: sin registro, agotado,
// vencido y por ultimo el codigo. Un codigo incorrecto descuenta un intento.
func (s *OTPService) Check(ctx context.Context, userID string, purpose domain.OTPPurpose, code string) (domain.OTPRecord, error) {
	code, err := s.normalizeCode(code)
	if err != nil {
		return domain.OTPRecord{}, err
	}
	rec, err := s.load(ctx, userID, purpose)
	if err != nil {
		return domain.OTPRecord{}, err
	}
	if err := s.checkRecord(ctx, rec, code); err != nil {
		return domain.OTPRecord{}, err
	}
	return rec, nil
}

func (s *OTPService) checkRecord(ctx context.Context, rec domain.OTPRecord, code string) error {
	if rec.ConfirmationAttempts <= 0 {
		return ErrOTPExhausted
	}
	if rec.ExpiredAt(s.now()) {
		return ErrOTPExpired
	}
	if matchCode(rec.CodeHash, code) {
		return nil
	}

	remaining, err := s.store.OTPs().DecrementAttempts(ctx, rec.ID)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrOTPExhausted
	}
	if err != nil {
		return err
	}
	return ErrOTPInvalid.WithRemaining(remaining)
}

// Verify comprueba el codigo y, en una sola transaccion, lo consume, limpia la
// referencia del usuario y ejecuta then.
func (s *OTPService) Verify(ctx context.Context, userID string, purpose domain.OTPPurpose, code string, then func(q repository.Queries) error) error {
	rec, err := s.Check(ctx, userID, purpose, code)
	if err != nil {
		return err
	}
	return s.consume(ctx, userID, rec, true, then)
}

// SoftVerify es el paso final del reseteo de contrasena. Un registro ya
// comprobado se acepta aunque no tenga intentos; un codigo incorrecto contra
// ese registro lo invalida. Un registro sin comprobar pasa por Check.
func (s *OTPService) SoftVerify(ctx context.Context, userID string, code string, then func(q repository.Queries) error) error {
	code, err := s.normalizeCode(code)
	if err != nil {
		return err
	}
	rec, err := s.load(ctx, userID, domain.OTPPurposePasswordReset)
	if err != nil {
		return err
	}

	if !rec.Proven() {
		if err := s.checkRecord(ctx, rec, code); err != nil {
			return err
		}
		return s.consume(ctx, userID, rec, false, then)
	}

	if rec.ExpiredAt(s.now()) {
		return ErrOTPExpired
	}
	if !matchCode(rec.CodeHash, code) {
		if err := s.store.OTPs().Consume(ctx, rec.ID, false); err != nil && !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		return ErrOTPExhausted
	}
	return s.consume(ctx, userID, rec, false, then)
}

// MarkProven deja el registro sin intentos para que solo SoftVerify lo acepte.
func (s *OTPService) MarkProven(ctx context.Context, rec domain.OTPRecord) error {
	err := s.store.OTPs().MarkProven(ctx, rec.ID, s.now())
	if errors.Is(err, repository.ErrNotFound) {
		return ErrOTPNotRequested
	}
	return err
}

func (s *OTPService) consume(ctx context.Context, userID string, rec domain.OTPRecord, requireAttempts bool, then func(q repository.Queries) error) error {
	return s.store.WithTx(ctx, func(q repository.Queries) error {
		if err := q.OTPs().Consume(ctx, rec.ID, requireAttempts); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				// Otra verificacion concurrente lo consumio o agoto.
				return ErrOTPNotRequested
			}
			return err
		}
		if err := q.Users().ClearOTP(ctx, userID, rec.Purpose()); err != nil {
			return err
		}
		if then != nil {
			return then(q)
		}
		return nil
	})
}

func (s *OTPService) load(ctx context.Context, userID string, purpose domain.OTPPurpose) (domain.OTPRecord, error) {
	rec, err := s.store.OTPs().GetByOwner(ctx, userID, purpose)
	if errors.Is(err, repository.ErrNotFound) {
		return domain.OTPRecord{}, ErrOTPNotRequested
	}
	return rec, err
}

func (s *OTPService) normalizeCode(code string) (string, error) {
	code = strings.TrimSpace(code)
	if len(code) != s.cfg.Length {
		return "", ErrOTPMalformed
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return "", ErrOTPMalformed
		}
	}
	return code, nil
}

func generateCode(length int) (string, error) {
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(length)), nil)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", length, n.Int64()), nil
}

func matchCode(hash, code string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(code)) == nil
}
