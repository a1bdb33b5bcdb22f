// Package identity envuelve el proveedor de identidad externo (realm OIDC).
// No guarda estado local: cada operacion es request/response.
package identity

import (
	"context"
)

// Gateway define las operaciones contra el proveedor de identidad.
// Todos los errores salen clasificados con apperr.
type Gateway interface {
	CreateIdentity(ctx context.Context, in NewIdentity) (string, error)
	DeleteIdentity(ctx context.Context, id string) error
	GetIdentity(ctx context.Context, id string) (Identity, bool, error)
	PasswordLogin(ctx context.Context, email, password string) (TokenBundle, error)
	ExchangeSocialCode(ctx context.Context, code, verifier string) (TokenBundle, error)
	Refresh(ctx context.Context, refreshToken string) (TokenBundle, error)
	ResetPassword(ctx context.Context, id, newPassword string) error
	ForceLogoutAllSessions(ctx context.Context, id string) bool
}

type NewIdentity struct {
	Email     string
	FirstName string
	LastName  string
	Password  string
	Temporary bool
}

type Identity struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	FirstName     string `json:"firstName"`
	LastName      string `json:"lastName"`
	Enabled       bool   `json:"enabled"`
	EmailVerified bool   `json:"emailVerified"`
}

type TokenBundle struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	IDToken          string `json:"id_token,omitempty"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshExpiresIn int64  `json:"refresh_expires_in,omitempty"`
}
