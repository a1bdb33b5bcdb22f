package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// NewRouter configura el router de Gin con middlewares y rutas.
func NewRouter(logger *zap.Logger, accountH *AccountHandler, tokens TokenParser) *gin.Engine {
	r := gin.New()

	// Middlewares basicos: logging, recovery y JSON content-type.
	r.Use(zapLoggerMiddleware(logger), gin.Recovery(), jsonContentTypeMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.POST("/accounts", accountH.CreateAccount)

	auth := r.Group("/auth")
	auth.POST("/login", accountH.Login)
	auth.POST("/refresh", accountH.RefreshToken)
	auth.POST("/social", accountH.SocialLogin)
	auth.POST("/password-reset/request", accountH.RequestPasswordReset)
	auth.POST("/password-reset/check", accountH.CheckPasswordResetCode)
	auth.POST("/password-reset/confirm", accountH.ResetPassword)

	me := r.Group("/me", AuthMiddleware(tokens, logger))
	me.GET("", accountH.Me)
	me.DELETE("", accountH.DeleteAccount)
	me.POST("/otp/send", accountH.SendOTP)
	me.POST("/otp/verify", accountH.VerifyOTP)
	me.POST("/social/complete", accountH.CompleteSocialAccount)
	me.POST("/emergency-contact", accountH.EmergencyContact)
	me.POST("/consent", accountH.UserConsent)

	return r
}

// zapLoggerMiddleware crea un middleware simple de logging con zap.
func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", latency),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

// jsonContentTypeMiddleware fuerza Content-Type: application/json en responses.
func jsonContentTypeMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Content-Type", "application/json")
		c.Next()
	}
}
