package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"trailpass/internal/apperr"
	"trailpass/internal/service"
)

// statusFor traduce la categoria del error a un status HTTP.
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation, apperr.KindExpired:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindUnauthorized:
		return http.StatusUnauthorized
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindRateLimited, apperr.KindExhausted:
		return http.StatusTooManyRequests
	case apperr.KindUpstream:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError responde con el mensaje del error tipado. Los fallos internos y
// de upstream se loguean y salen con un mensaje generico.
func writeError(c *gin.Context, logger *zap.Logger, op string, err error) {
	kind := apperr.KindOf(err)
	status := statusFor(kind)
	body := gin.H{}

	e, typed := apperr.As(err)
	switch {
	case status >= http.StatusInternalServerError:
		logger.Error(op+" failed", zap.Error(err))
		if kind == apperr.KindUpstream {
			body["error"] = "service temporarily unavailable"
		} else {
			body["error"] = "internal error"
		}
	case typed:
		body["error"] = e.Msg
	default:
		body["error"] = http.StatusText(status)
	}

	if typed && !e.RetryAt.IsZero() {
		body["retry_at"] = e.RetryAt.UTC().Format(time.RFC3339)
		wait := int(time.Until(e.RetryAt).Seconds()) + 1
		if wait > 0 {
			c.Header("Retry-After", strconv.Itoa(wait))
		}
	}
	if typed && errors.Is(err, service.ErrOTPInvalid) {
		body["remaining_attempts"] = e.Remaining
	}

	c.AbortWithStatusJSON(status, body)
}
