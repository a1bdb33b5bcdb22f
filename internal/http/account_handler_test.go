package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"trailpass/internal/apperr"
	"trailpass/internal/domain"
	"trailpass/internal/identity"
	"trailpass/internal/service"
)

type mockAccountAPI struct {
	lastUserID string
	lastInput  service.CreateAccountInput
	lastCode   string

	createErr error
	loginErr  error
	resetErr  error
	verifyErr error
	otpErr    error
}

func (m *mockAccountAPI) CreateAccount(_ context.Context, in service.CreateAccountInput) (service.AccountSession, error) {
	m.lastInput = in
	if m.createErr != nil {
		return service.AccountSession{}, m.createErr
	}
	return service.AccountSession{
		User:   domain.User{ID: "u1", Email: in.Email, RegistrationStatus: domain.StatusPendingVerification},
		Tokens: identity.TokenBundle{AccessToken: "access", RefreshToken: "refresh", TokenType: "Bearer"},
	}, nil
}

func (m *mockAccountAPI) Login(_ context.Context, email, _ string) (service.AccountSession, error) {
	if m.loginErr != nil {
		return service.AccountSession{}, m.loginErr
	}
	return service.AccountSession{User: domain.User{ID: "u1", Email: email}}, nil
}

func (m *mockAccountAPI) Refresh(_ context.Context, refreshToken string) (identity.TokenBundle, error) {
	return identity.TokenBundle{AccessToken: "renewed", RefreshToken: refreshToken}, nil
}

func (m *mockAccountAPI) SocialLogin(_ context.Context, code, _ string) (service.AccountSession, error) {
	m.lastCode = code
	return service.AccountSession{User: domain.User{ID: "sub-1", RegistrationStatus: domain.StatusPendingSocialAccount}}, nil
}

func (m *mockAccountAPI) RequestPasswordReset(context.Context, string) error { return m.resetErr }

func (m *mockAccountAPI) CheckPasswordResetCode(_ context.Context, _, code string) error {
	m.lastCode = code
	return m.verifyErr
}

func (m *mockAccountAPI) ResetPassword(_ context.Context, _, code, _ string) error {
	m.lastCode = code
	return m.verifyErr
}

func (m *mockAccountAPI) Profile(_ context.Context, userID string) (domain.User, error) {
	m.lastUserID = userID
	return domain.User{ID: userID}, nil
}

func (m *mockAccountAPI) SendOTP(_ context.Context, userID string) (service.Issuance, error) {
	m.lastUserID = userID
	if m.otpErr != nil {
		return service.Issuance{}, m.otpErr
	}
	return service.Issuance{RecordID: "otp-1", ExpiresAt: time.Now().Add(10 * time.Minute)}, nil
}

func (m *mockAccountAPI) VerifyOTP(_ context.Context, code, userID string) (domain.User, error) {
	m.lastUserID, m.lastCode = userID, code
	if m.verifyErr != nil {
		return domain.User{}, m.verifyErr
	}
	return domain.User{ID: userID, EmailVerified: true, RegistrationStatus: domain.StatusPendingEmergency}, nil
}

func (m *mockAccountAPI) CompleteSocialAccount(_ context.Context, userID string) (domain.User, error) {
	m.lastUserID = userID
	return domain.User{ID: userID, RegistrationStatus: domain.StatusPendingEmergency}, nil
}

func (m *mockAccountAPI) EmergencyContact(_ context.Context, in service.EmergencyContactInput, userID string) (domain.EmergencyContact, error) {
	m.lastUserID = userID
	return domain.EmergencyContact{UserID: userID, FullName: in.FullName, Phone: in.Phone}, nil
}

func (m *mockAccountAPI) UserConsent(_ context.Context, userID string) (domain.User, error) {
	m.lastUserID = userID
	return domain.User{ID: userID, RegistrationStatus: domain.StatusComplete}, nil
}

type mockDeletionAPI struct {
	lastUserID string
	date       time.Time
}

func (m *mockDeletionAPI) RequestDeletion(_ context.Context, userID string) (time.Time, error) {
	m.lastUserID = userID
	return m.date, nil
}

type mockTokenParser struct {
	subject string
	err     error
}

func (m *mockTokenParser) ParseAccessToken(_ context.Context, token string) (identity.Claims, error) {
	if m.err != nil {
		return identity.Claims{}, m.err
	}
	if token != "good-token" {
		return identity.Claims{}, service.ErrTokenInvalid
	}
	return identity.Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: m.subject}}, nil
}

func setupRouter(accounts *mockAccountAPI, deletions *mockDeletionAPI, tokens *mockTokenParser) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewAccountHandler(zap.NewNop(), accounts, deletions)
	return NewRouter(zap.NewNop(), h, tokens)
}

func performRequest(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	return performAuthRequest(r, method, path, "", body)
}

func performAuthRequest(r http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	var payload []byte
	if body != nil {
		payload, _ = json.Marshal(body)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestAccountHandlerCreateAccount_Success(t *testing.T) {
	accounts := &mockAccountAPI{}
	r := setupRouter(accounts, &mockDeletionAPI{}, &mockTokenParser{})

	rec := performRequest(r, http.MethodPost, "/accounts", map[string]string{
		"email":      "hiker@example.com",
		"first_name": "Ana",
		"last_name":  "Trail",
		"password":   "switchback-42",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if accounts.lastInput.FirstName != "Ana" || accounts.lastInput.Password != "switchback-42" {
		t.Fatalf("unexpected input %+v", accounts.lastInput)
	}
	body := decodeBody(t, rec)
	tokens, _ := body["tokens"].(map[string]any)
	if tokens["access_token"] != "access" {
		t.Fatalf("expected tokens in response, got %v", body)
	}
}

func TestAccountHandlerCreateAccount_InvalidRequest(t *testing.T) {
	r := setupRouter(&mockAccountAPI{}, &mockDeletionAPI{}, &mockTokenParser{})

	rec := performRequest(r, http.MethodPost, "/accounts", map[string]string{
		"email": "not-an-email",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rec.Code)
	}
}

func TestAccountHandlerCreateAccount_Conflict(t *testing.T) {
	accounts := &mockAccountAPI{createErr: service.ErrEmailTaken}
	r := setupRouter(accounts, &mockDeletionAPI{}, &mockTokenParser{})

	rec := performRequest(r, http.MethodPost, "/accounts", map[string]string{
		"email": "hiker@example.com", "first_name": "A", "last_name": "B", "password": "long-enough",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["error"] != service.ErrEmailTaken.Msg {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestAccountHandlerUpstreamFailureIsGeneric(t *testing.T) {
	accounts := &mockAccountAPI{createErr: apperr.Upstream("identity provider: admin call", errors.New("dial tcp 10.0.0.4:8080: refused"))}
	r := setupRouter(accounts, &mockDeletionAPI{}, &mockTokenParser{})

	rec := performRequest(r, http.MethodPost, "/accounts", map[string]string{
		"email": "hiker@example.com", "first_name": "A", "last_name": "B", "password": "long-enough",
	})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["error"] != "service temporarily unavailable" {
		t.Fatalf("upstream details must not leak, got %v", body)
	}
}

func TestAccountHandlerLogin_InvalidCredentials(t *testing.T) {
	accounts := &mockAccountAPI{loginErr: service.ErrInvalidCredentials}
	r := setupRouter(accounts, &mockDeletionAPI{}, &mockTokenParser{})

	rec := performRequest(r, http.MethodPost, "/auth/login", map[string]string{
		"email": "hiker@example.com", "password": "nope",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rec.Code)
	}
}

func TestAccountHandlerRefresh(t *testing.T) {
	r := setupRouter(&mockAccountAPI{}, &mockDeletionAPI{}, &mockTokenParser{})

	rec := performRequest(r, http.MethodPost, "/auth/refresh", map[string]string{"refresh_token": "rt"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	rec = performRequest(r, http.MethodPost, "/auth/refresh", map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rec.Code)
	}
}

func TestAccountHandlerSocialLogin(t *testing.T) {
	accounts := &mockAccountAPI{}
	r := setupRouter(accounts, &mockDeletionAPI{}, &mockTokenParser{})

	rec := performRequest(r, http.MethodPost, "/auth/social", map[string]string{"code": "abc", "code_verifier": "v"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if accounts.lastCode != "abc" {
		t.Fatalf("code not forwarded")
	}
}

func TestAccountHandlerPasswordReset(t *testing.T) {
	t.Run("request is accepted", func(t *testing.T) {
		r := setupRouter(&mockAccountAPI{}, &mockDeletionAPI{}, &mockTokenParser{})
		rec := performRequest(r, http.MethodPost, "/auth/password-reset/request", map[string]string{"email": "hiker@example.com"})
		if rec.Code != http.StatusAccepted {
			t.Fatalf("expected status 202, got %d", rec.Code)
		}
	})

	t.Run("rate limited", func(t *testing.T) {
		retryAt := time.Now().Add(time.Minute)
		accounts := &mockAccountAPI{resetErr: service.ErrOTPCooldown.WithRetryAt(retryAt)}
		r := setupRouter(accounts, &mockDeletionAPI{}, &mockTokenParser{})
		rec := performRequest(r, http.MethodPost, "/auth/password-reset/request", map[string]string{"email": "hiker@example.com"})
		if rec.Code != http.StatusTooManyRequests {
			t.Fatalf("expected status 429, got %d", rec.Code)
		}
		if rec.Header().Get("Retry-After") == "" {
			t.Fatalf("expected Retry-After header")
		}
		if body := decodeBody(t, rec); body["retry_at"] == nil {
			t.Fatalf("expected retry_at in body, got %v", body)
		}
	})

	t.Run("check exhausted", func(t *testing.T) {
		accounts := &mockAccountAPI{verifyErr: service.ErrOTPExhausted}
		r := setupRouter(accounts, &mockDeletionAPI{}, &mockTokenParser{})
		rec := performRequest(r, http.MethodPost, "/auth/password-reset/check", map[string]string{"email": "hiker@example.com", "code": "1234"})
		if rec.Code != http.StatusTooManyRequests {
			t.Fatalf("expected status 429, got %d", rec.Code)
		}
	})

	t.Run("confirm expired", func(t *testing.T) {
		accounts := &mockAccountAPI{verifyErr: service.ErrOTPExpired}
		r := setupRouter(accounts, &mockDeletionAPI{}, &mockTokenParser{})
		rec := performRequest(r, http.MethodPost, "/auth/password-reset/confirm", map[string]string{
			"email": "hiker@example.com", "code": "1234", "password": "new-switchback-7",
		})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status 400, got %d", rec.Code)
		}
		if accounts.lastCode != "1234" {
			t.Fatalf("code not forwarded")
		}
	})
}

func TestAuthMiddleware_RejectsMissingToken(t *testing.T) {
	r := setupRouter(&mockAccountAPI{}, &mockDeletionAPI{}, &mockTokenParser{subject: "u1"})

	rec := performRequest(r, http.MethodGet, "/me", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAuthMiddleware_RejectsInvalidToken(t *testing.T) {
	r := setupRouter(&mockAccountAPI{}, &mockDeletionAPI{}, &mockTokenParser{subject: "u1"})

	rec := performAuthRequest(r, http.MethodGet, "/me", "forged", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAuthMiddleware_RejectsRevokedToken(t *testing.T) {
	r := setupRouter(&mockAccountAPI{}, &mockDeletionAPI{}, &mockTokenParser{err: service.ErrTokenRevoked})

	rec := performAuthRequest(r, http.MethodGet, "/me", "good-token", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAccountHandlerMeRoutesUseTokenSubject(t *testing.T) {
	accounts := &mockAccountAPI{}
	r := setupRouter(accounts, &mockDeletionAPI{}, &mockTokenParser{subject: "u1"})

	cases := []struct {
		method string
		path   string
		body   any
	}{
		{http.MethodGet, "/me", nil},
		{http.MethodPost, "/me/otp/send", nil},
		{http.MethodPost, "/me/otp/verify", map[string]string{"code": "1234"}},
		{http.MethodPost, "/me/social/complete", nil},
		{http.MethodPost, "/me/emergency-contact", map[string]string{"full_name": "Bea", "phone": "1155550101"}},
		{http.MethodPost, "/me/consent", nil},
	}
	for _, tc := range cases {
		accounts.lastUserID = ""
		rec := performAuthRequest(r, tc.method, tc.path, "good-token", tc.body)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s %s: expected 200, got %d: %s", tc.method, tc.path, rec.Code, rec.Body.String())
		}
		if accounts.lastUserID != "u1" {
			t.Fatalf("%s %s: expected user from token, got %q", tc.method, tc.path, accounts.lastUserID)
		}
	}
}

func TestAccountHandlerVerifyOTP_InvalidCode(t *testing.T) {
	accounts := &mockAccountAPI{verifyErr: service.ErrOTPInvalid.WithRemaining(2)}
	r := setupRouter(accounts, &mockDeletionAPI{}, &mockTokenParser{subject: "u1"})

	rec := performAuthRequest(r, http.MethodPost, "/me/otp/verify", "good-token", map[string]string{"code": "0000"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["remaining_attempts"] != float64(2) {
		t.Fatalf("expected remaining attempts, got %v", body)
	}
}

func TestAccountHandlerSendOTP_WrongStep(t *testing.T) {
	accounts := &mockAccountAPI{otpErr: service.ErrWrongStep}
	r := setupRouter(accounts, &mockDeletionAPI{}, &mockTokenParser{subject: "u1"})

	rec := performAuthRequest(r, http.MethodPost, "/me/otp/send", "good-token", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["error"] != service.ErrWrongStep.Msg {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestAccountHandlerDeleteAccount(t *testing.T) {
	deletions := &mockDeletionAPI{date: time.Date(2026, 6, 2, 9, 0, 0, 0, time.UTC)}
	r := setupRouter(&mockAccountAPI{}, deletions, &mockTokenParser{subject: "u1"})

	rec := performAuthRequest(r, http.MethodDelete, "/me", "good-token", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d", rec.Code)
	}
	if deletions.lastUserID != "u1" {
		t.Fatalf("expected deletion for token subject, got %q", deletions.lastUserID)
	}
	if body := decodeBody(t, rec); body["deletion_date"] != "2026-06-02T09:00:00Z" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[apperr.Kind]int{
		apperr.KindValidation:   http.StatusBadRequest,
		apperr.KindExpired:      http.StatusBadRequest,
		apperr.KindNotFound:     http.StatusNotFound,
		apperr.KindConflict:     http.StatusConflict,
		apperr.KindUnauthorized: http.StatusUnauthorized,
		apperr.KindForbidden:    http.StatusForbidden,
		apperr.KindRateLimited:  http.StatusTooManyRequests,
		apperr.KindExhausted:    http.StatusTooManyRequests,
		apperr.KindUpstream:     http.StatusServiceUnavailable,
		apperr.KindInternal:     http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := statusFor(kind); got != want {
			t.Fatalf("%s: expected %d, got %d", kind, want, got)
		}
	}
}
