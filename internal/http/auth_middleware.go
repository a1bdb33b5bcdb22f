package http

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"trailpass/internal/identity"
)

const authClaimsKey = "auth_claims"

// TokenParser valida access tokens del proveedor de identidad.
type TokenParser interface {
	ParseAccessToken(ctx context.Context, accessToken string) (identity.Claims, error)
}

// AuthMiddleware valida el bearer token y guarda los claims en el contexto.
func AuthMiddleware(parser TokenParser, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if parser == nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
			return
		}

		header := strings.TrimSpace(c.GetHeader("Authorization"))
		if header == "" || !strings.HasPrefix(strings.ToLower(header), "bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}

		token := strings.TrimSpace(header[len("Bearer "):])
		claims, err := parser.ParseAccessToken(c.Request.Context(), token)
		if err != nil {
			logger.Debug("rejected access token", zap.Error(err))
			writeError(c, logger, "authenticate", err)
			return
		}

		c.Set(authClaimsKey, claims)
		c.Next()
	}
}

// GetAuthClaims obtiene los claims del token desde el contexto.
func GetAuthClaims(c *gin.Context) (identity.Claims, bool) {
	val, ok := c.Get(authClaimsKey)
	if !ok {
		return identity.Claims{}, false
	}
	claims, ok := val.(identity.Claims)
	return claims, ok
}
