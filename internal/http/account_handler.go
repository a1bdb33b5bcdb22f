package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"trailpass/internal/domain"
	"trailpass/internal/identity"
	"trailpass/internal/service"
)

// AccountAPI es lo que los handlers usan de service.AccountService.
type AccountAPI interface {
	CreateAccount(ctx context.Context, input service.CreateAccountInput) (service.AccountSession, error)
	Login(ctx context.Context, email, password string) (service.AccountSession, error)
	Refresh(ctx context.Context, refreshToken string) (identity.TokenBundle, error)
	SocialLogin(ctx context.Context, code, verifier string) (service.AccountSession, error)
	RequestPasswordReset(ctx context.Context, email string) error
	CheckPasswordResetCode(ctx context.Context, email, code string) error
	ResetPassword(ctx context.Context, email, code, newPassword string) error
	Profile(ctx context.Context, userID string) (domain.User, error)
	SendOTP(ctx context.Context, userID string) (service.Issuance, error)
	VerifyOTP(ctx context.Context, code, userID string) (domain.User, error)
	CompleteSocialAccount(ctx context.Context, userID string) (domain.User, error)
	EmergencyContact(ctx context.Context, input service.EmergencyContactInput, userID string) (domain.EmergencyContact, error)
	UserConsent(ctx context.Context, userID string) (domain.User, error)
}

// DeletionAPI es lo que los handlers usan de service.DeletionService.
type DeletionAPI interface {
	RequestDeletion(ctx context.Context, userID string) (time.Time, error)
}

// AccountHandler mantiene dependencias para endpoints de cuentas.
type AccountHandler struct {
	logger    *zap.Logger
	accounts  AccountAPI
	deletions DeletionAPI
}

// NewAccountHandler crea una instancia de AccountHandler con dependencias necesarias.
func NewAccountHandler(logger *zap.Logger, accounts AccountAPI, deletions DeletionAPI) *AccountHandler {
	return &AccountHandler{
		logger:    logger,
		accounts:  accounts,
		deletions: deletions,
	}
}

func (h *AccountHandler) badRequest(c *gin.Context, op string, err error) {
	h.logger.Warn("invalid "+op+" request", zap.Error(err))
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
}

// CreateAccount maneja POST /accounts.
func (h *AccountHandler) CreateAccount(c *gin.Context) {
	var req struct {
		Email     string `json:"email" binding:"required,email"`
		FirstName string `json:"first_name" binding:"required"`
		LastName  string `json:"last_name" binding:"required"`
		Password  string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "create account", err)
		return
	}

	session, err := h.accounts.CreateAccount(c.Request.Context(), service.CreateAccountInput{
		Email:     req.Email,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Password:  req.Password,
	})
	if err != nil {
		writeError(c, h.logger, "create account", err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

// Login maneja POST /auth/login.
func (h *AccountHandler) Login(c *gin.Context) {
	var req struct {
		Email    string `json:"email" binding:"required,email"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "login", err)
		return
	}

	session, err := h.accounts.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		writeError(c, h.logger, "login", err)
		return
	}
	c.JSON(http.StatusOK, session)
}

// RefreshToken maneja POST /auth/refresh.
func (h *AccountHandler) RefreshToken(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "refresh", err)
		return
	}

	tokens, err := h.accounts.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		writeError(c, h.logger, "refresh", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tokens": tokens})
}

// SocialLogin maneja POST /auth/social.
func (h *AccountHandler) SocialLogin(c *gin.Context) {
	var req struct {
		Code         string `json:"code" binding:"required"`
		CodeVerifier string `json:"code_verifier"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "social login", err)
		return
	}

	session, err := h.accounts.SocialLogin(c.Request.Context(), req.Code, req.CodeVerifier)
	if err != nil {
		writeError(c, h.logger, "social login", err)
		return
	}
	c.JSON(http.StatusOK, session)
}

// RequestPasswordReset maneja POST /auth/password-reset/request.
func (h *AccountHandler) RequestPasswordReset(c *gin.Context) {
	var req struct {
		Email string `json:"email" binding:"required,email"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "password reset", err)
		return
	}

	if err := h.accounts.RequestPasswordReset(c.Request.Context(), req.Email); err != nil {
		writeError(c, h.logger, "request password reset", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "reset_requested"})
}

// CheckPasswordResetCode maneja POST /auth/password-reset/check.
func (h *AccountHandler) CheckPasswordResetCode(c *gin.Context) {
	var req struct {
		Email string `json:"email" binding:"required,email"`
		Code  string `json:"code" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "password reset check", err)
		return
	}

	if err := h.accounts.CheckPasswordResetCode(c.Request.Context(), req.Email, req.Code); err != nil {
		writeError(c, h.logger, "check password reset code", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "code_valid"})
}

// ResetPassword maneja POST /auth/password-reset/confirm.
func (h *AccountHandler) ResetPassword(c *gin.Context) {
	var req struct {
		Email    string `json:"email" binding:"required,email"`
		Code     string `json:"code" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "password reset confirm", err)
		return
	}

	if err := h.accounts.ResetPassword(c.Request.Context(), req.Email, req.Code, req.Password); err != nil {
		writeError(c, h.logger, "reset password", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "password_reset"})
}

// Me maneja GET /me.
func (h *AccountHandler) Me(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	user, err := h.accounts.Profile(c.Request.Context(), userID)
	if err != nil {
		writeError(c, h.logger, "profile", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}

// SendOTP maneja POST /me/otp/send.
func (h *AccountHandler) SendOTP(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	iss, err := h.accounts.SendOTP(c.Request.Context(), userID)
	if err != nil {
		writeError(c, h.logger, "send otp", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "otp_sent", "expires_at": iss.ExpiresAt})
}

// VerifyOTP maneja POST /me/otp/verify.
func (h *AccountHandler) VerifyOTP(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	var req struct {
		Code string `json:"code" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "otp verify", err)
		return
	}

	user, err := h.accounts.VerifyOTP(c.Request.Context(), req.Code, userID)
	if err != nil {
		writeError(c, h.logger, "verify otp", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}

// CompleteSocialAccount maneja POST /me/social/complete.
func (h *AccountHandler) CompleteSocialAccount(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	user, err := h.accounts.CompleteSocialAccount(c.Request.Context(), userID)
	if err != nil {
		writeError(c, h.logger, "complete social account", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}

// EmergencyContact maneja POST /me/emergency-contact.
func (h *AccountHandler) EmergencyContact(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	var req struct {
		FullName     string `json:"full_name" binding:"required"`
		Phone        string `json:"phone" binding:"required"`
		Relationship string `json:"relationship"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "emergency contact", err)
		return
	}

	contact, err := h.accounts.EmergencyContact(c.Request.Context(), service.EmergencyContactInput{
		FullName:     req.FullName,
		Phone:        req.Phone,
		Relationship: req.Relationship,
	}, userID)
	if err != nil {
		writeError(c, h.logger, "emergency contact", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"emergency_contact": contact})
}

// UserConsent maneja POST /me/consent.
func (h *AccountHandler) UserConsent(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	user, err := h.accounts.UserConsent(c.Request.Context(), userID)
	if err != nil {
		writeError(c, h.logger, "consent", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}

// DeleteAccount maneja DELETE /me.
func (h *AccountHandler) DeleteAccount(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}
	if h.deletions == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "deletion not configured"})
		return
	}
	date, err := h.deletions.RequestDeletion(c.Request.Context(), userID)
	if err != nil {
		writeError(c, h.logger, "request deletion", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "deletion_scheduled", "deletion_date": date})
}

func (h *AccountHandler) userID(c *gin.Context) (string, bool) {
	claims, ok := GetAuthClaims(c)
	if !ok || claims.Subject == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return "", false
	}
	return claims.Subject, true
}
