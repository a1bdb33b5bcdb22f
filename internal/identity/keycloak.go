package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"trailpass/internal/apperr"
)

// KeycloakConfig agrupa los datos del realm y del cliente confidencial.
type KeycloakConfig struct {
	BaseURL      string
	Realm        string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Timeout      time.Duration
}

// KeycloakGateway implementa Gateway contra la API de admin y el token
// endpoint OIDC de un realm de Keycloak.
type KeycloakGateway struct {
	baseURL string
	realm   string
	timeout time.Duration
	client  *http.Client
	user    oauth2.Config
	service clientcredentials.Config
	logger  *zap.Logger
}

// NewKeycloakGateway construye el gateway. Si client es nil se usa uno con el
// timeout configurado.
func NewKeycloakGateway(cfg KeycloakConfig, client *http.Client, logger *zap.Logger) *KeycloakGateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	oidc := base + "/realms/" + url.PathEscape(cfg.Realm) + "/protocol/openid-connect"

	return &KeycloakGateway{
		baseURL: base,
		realm:   cfg.Realm,
		timeout: cfg.Timeout,
		client:  client,
		user: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{"openid", "email", "profile"},
			Endpoint: oauth2.Endpoint{
				AuthURL:   oidc + "/auth",
				TokenURL:  oidc + "/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		service: clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     oidc + "/token",
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		logger: logger,
	}
}

func (g *KeycloakGateway) CreateIdentity(ctx context.Context, in NewIdentity) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	body := userRepresentation{
		Username:      in.Email,
		Email:         in.Email,
		FirstName:     in.FirstName,
		LastName:      in.LastName,
		Enabled:       true,
		EmailVerified: false,
		Credentials: []credentialRepresentation{
			{Type: "password", Value: in.Password, Temporary: in.Temporary},
		},
	}
	resp, err := g.admin(ctx, http.MethodPost, "/users", body, nil)
	if err != nil {
		return "", err
	}
	id := path.Base(resp.Header.Get("Location"))
	if id == "" || id == "." || id == "/" {
		return "", apperr.New(apperr.KindUpstream, "identity provider did not return an id")
	}
	return id, nil
}

// DeleteIdentity devuelve un error KindNotFound si la identidad no existe.
func (g *KeycloakGateway) DeleteIdentity(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	_, err := g.admin(ctx, http.MethodDelete, "/users/"+url.PathEscape(id), nil, nil)
	return err
}

func (g *KeycloakGateway) GetIdentity(ctx context.Context, id string) (Identity, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var out Identity
	_, err := g.admin(ctx, http.MethodGet, "/users/"+url.PathEscape(id), nil, &out)
	if apperr.IsKind(err, apperr.KindNotFound) {
		return Identity{}, false, nil
	}
	if err != nil {
		return Identity{}, false, err
	}
	return out, true, nil
}

func (g *KeycloakGateway) PasswordLogin(ctx context.Context, email, password string) (TokenBundle, error) {
	ctx, cancel := g.tokenContext(ctx)
	defer cancel()

	tok, err := g.user.PasswordCredentialsToken(ctx, email, password)
	if err != nil {
		return TokenBundle{}, classifyTokenError("password login", err)
	}
	return bundleFrom(tok), nil
}

// ExchangeSocialCode canjea un authorization code con su PKCE verifier.
func (g *KeycloakGateway) ExchangeSocialCode(ctx context.Context, code, verifier string) (TokenBundle, error) {
	ctx, cancel := g.tokenContext(ctx)
	defer cancel()

	var opts []oauth2.AuthCodeOption
	if verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}
	tok, err := g.user.Exchange(ctx, code, opts...)
	if err != nil {
		return TokenBundle{}, classifyTokenError("exchange code", err)
	}
	return bundleFrom(tok), nil
}

func (g *KeycloakGateway) Refresh(ctx context.Context, refreshToken string) (TokenBundle, error) {
	ctx, cancel := g.tokenContext(ctx)
	defer cancel()

	// Un token sin access token se considera vencido y fuerza el grant de refresh.
	src := g.user.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return TokenBundle{}, classifyTokenError("refresh", err)
	}
	return bundleFrom(tok), nil
}

func (g *KeycloakGateway) ResetPassword(ctx context.Context, id, newPassword string) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	body := credentialRepresentation{Type: "password", Value: newPassword, Temporary: false}
	_, err := g.admin(ctx, http.MethodPut, "/users/"+url.PathEscape(id)+"/reset-password", body, nil)
	return err
}

// ForceLogoutAllSessions revoca cada sesion activa. Devuelve true solo si
// todas se revocaron; nunca devuelve error.
func (g *KeycloakGateway) ForceLogoutAllSessions(ctx context.Context, id string) bool {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var sessions []sessionRepresentation
	if _, err := g.admin(ctx, http.MethodGet, "/users/"+url.PathEscape(id)+"/sessions", nil, &sessions); err != nil {
		g.logger.Warn("list identity sessions failed", zap.String("identity_id", id), zap.Error(err))
		return false
	}

	ok := true
	for _, s := range sessions {
		if _, err := g.admin(ctx, http.MethodDelete, "/sessions/"+url.PathEscape(s.ID), nil, nil); err != nil {
			g.logger.Warn("revoke session failed",
				zap.String("identity_id", id),
				zap.String("session_id", s.ID),
				zap.Error(err),
			)
			ok = false
		}
	}
	return ok
}

func (g *KeycloakGateway) tokenContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	return context.WithValue(ctx, oauth2.HTTPClient, g.client), cancel
}

// protectionToken pide un token de servicio nuevo en cada llamada.
func (g *KeycloakGateway) protectionToken(ctx context.Context) (string, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, g.client)
	tok, err := g.service.Token(ctx)
	if err != nil {
		return "", classifyTokenError("protection token", err)
	}
	return tok.AccessToken, nil
}

// admin ejecuta una llamada a la API de admin del realm y clasifica el status.
func (g *KeycloakGateway) admin(ctx context.Context, method, p string, in, out any) (*http.Response, error) {
	token, err := g.protectionToken(ctx)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, apperr.E(apperr.KindInternal, "marshal identity request", err)
		}
		body = bytes.NewReader(b)
	}

	endpoint := g.baseURL + "/admin/realms/" + url.PathEscape(g.realm) + p
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, apperr.E(apperr.KindInternal, "create identity request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, apperr.Upstream("identity provider unreachable", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Upstream("read identity response", err)
	}

	if resp.StatusCode >= 400 {
		g.logger.Debug("identity admin error",
			zap.String("method", method),
			zap.String("path", p),
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", respBody),
		)
		return nil, classifyStatus(resp.StatusCode, fmt.Sprintf("identity %s %s", strings.ToLower(method), p))
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return nil, apperr.Upstream("decode identity response", err)
		}
	}
	return resp, nil
}

func classifyStatus(status int, op string) error {
	switch status {
	case http.StatusUnauthorized:
		return apperr.New(apperr.KindUnauthorized, op+": unauthorized")
	case http.StatusForbidden:
		return apperr.New(apperr.KindForbidden, op+": forbidden")
	case http.StatusNotFound:
		return apperr.New(apperr.KindNotFound, op+": not found")
	case http.StatusConflict:
		return apperr.New(apperr.KindConflict, op+": already exists")
	default:
		return apperr.New(apperr.KindUpstream, fmt.Sprintf("%s: status %d", op, status))
	}
}

// classifyTokenError traduce errores del token endpoint. invalid_grant cubre
// credenciales y refresh tokens invalidos; una cuenta deshabilitada es Forbidden.
func classifyTokenError(op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.ErrorCode == "invalid_grant" {
			if strings.Contains(strings.ToLower(re.ErrorDescription), "disabled") {
				return apperr.E(apperr.KindForbidden, "account disabled", err)
			}
			return apperr.E(apperr.KindUnauthorized, "invalid credentials", err)
		}
		if re.Response != nil {
			if e, ok := apperr.As(classifyStatus(re.Response.StatusCode, op)); ok {
				return e.Wrap(err)
			}
		}
	}
	return apperr.Upstream(op, err)
}

func bundleFrom(tok *oauth2.Token) TokenBundle {
	b := TokenBundle{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
	}
	if !tok.Expiry.IsZero() {
		b.ExpiresIn = int64(time.Until(tok.Expiry).Round(time.Second) / time.Second)
	}
	if id, ok := tok.Extra("id_token").(string); ok {
		b.IDToken = id
	}
	if v, ok := tok.Extra("refresh_expires_in").(float64); ok {
		b.RefreshExpiresIn = int64(v)
	}
	return b
}

type userRepresentation struct {
	Username      string                     `json:"username"`
	Email         string                     `json:"email"`
	FirstName     string                     `json:"firstName"`
	LastName      string                     `json:"lastName"`
	Enabled       bool                       `json:"enabled"`
	EmailVerified bool                       `json:"emailVerified"`
	Credentials   []credentialRepresentation `json:"credentials,omitempty"`
}

type credentialRepresentation struct {
	Type      string `json:"type"`
	Value     string `json:"value"`
	Temporary bool   `json:"temporary"`
}

type sessionRepresentation struct {
	ID string `json:"id"`
}
