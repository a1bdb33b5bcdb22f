package identity

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"trailpass/internal/apperr"
)

// Claims son los datos de identidad que trae un token del proveedor.
type Claims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	GivenName     string `json:"given_name"`
	FamilyName    string `json:"family_name"`
	jwt.RegisteredClaims
}

var ErrInvalidClaims = apperr.New(apperr.KindUnauthorized, "invalid identity claims")

// DecodeClaims lee los claims sin verificar la firma. Solo es valido para
// tokens recibidos directamente del token endpoint.
func DecodeClaims(token string) (Claims, error) {
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(strings.TrimSpace(token), &claims); err != nil {
		return Claims{}, ErrInvalidClaims.Wrap(err)
	}
	if claims.Subject == "" || strings.TrimSpace(claims.Email) == "" {
		return Claims{}, ErrInvalidClaims
	}
	return claims, nil
}

// ClaimsFromBundle prefiere el id_token y cae al access token.
func ClaimsFromBundle(b TokenBundle) (Claims, error) {
	if b.IDToken != "" {
		if c, err := DecodeClaims(b.IDToken); err == nil {
			return c, nil
		}
	}
	return DecodeClaims(b.AccessToken)
}
