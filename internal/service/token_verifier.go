package service

import (
	"context"
	"crypto/rsa"
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"trailpass/internal/apperr"
	"trailpass/internal/identity"
)

var (
	ErrTokenInvalid = apperr.New(apperr.KindUnauthorized, "invalid token")
	ErrTokenExpired = apperr.New(apperr.KindUnauthorized, "token expired")
	ErrTokenRevoked = apperr.New(apperr.KindUnauthorized, "session revoked")
)

// TokenVerifier valida access tokens RS256 emitidos por el realm y rechaza los
// emitidos antes de una revocacion local.
type TokenVerifier struct {
	publicKey   *rsa.PublicKey
	issuer      string
	revocations RevocationStore
	logger      *zap.Logger
}

// NewTokenVerifier acepta la clave publica del realm en PEM o en base64 DER,
// que es como la publica Keycloak. issuer vacio desactiva el chequeo de iss.
func NewTokenVerifier(publicKey, issuer string, revocations RevocationStore, logger *zap.Logger) (*TokenVerifier, error) {
	key, err := parseRealmKey(publicKey)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenVerifier{
		publicKey:   key,
		issuer:      strings.TrimSpace(issuer),
		revocations: revocations,
		logger:      logger,
	}, nil
}

func parseRealmKey(raw string) (*rsa.PublicKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("realm public key is required")
	}
	if !strings.HasPrefix(raw, "-----BEGIN") {
		raw = "-----BEGIN PUBLIC KEY-----\n" + raw + "\n-----END PUBLIC KEY-----\n"
	}
	return jwt.ParseRSAPublicKeyFromPEM([]byte(raw))
}

func (v *TokenVerifier) ParseAccessToken(ctx context.Context, accessToken string) (identity.Claims, error) {
	accessToken = strings.TrimSpace(accessToken)
	if accessToken == "" {
		return identity.Claims{}, ErrTokenInvalid
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var claims identity.Claims
	_, err := jwt.NewParser(opts...).ParseWithClaims(accessToken, &claims, func(_ *jwt.Token) (any, error) {
		return v.publicKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return identity.Claims{}, ErrTokenExpired
		}
		return identity.Claims{}, ErrTokenInvalid
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return identity.Claims{}, ErrTokenInvalid
	}

	if err := v.checkRevocation(ctx, claims); err != nil {
		return identity.Claims{}, err
	}
	return claims, nil
}

// checkRevocation falla abierto si el store no responde.
func (v *TokenVerifier) checkRevocation(ctx context.Context, claims identity.Claims) error {
	if v.revocations == nil {
		return nil
	}
	revokedAt, ok, err := v.revocations.RevokedAt(ctx, claims.Subject)
	if err != nil {
		v.logger.Warn("revocation lookup failed", zap.Error(err), zap.String("user_id", claims.Subject))
		return nil
	}
	if !ok {
		return nil
	}
	if claims.IssuedAt == nil || claims.IssuedAt.Time.Before(revokedAt) {
		return ErrTokenRevoked
	}
	return nil
}
