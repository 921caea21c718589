package middleware

import (
	stderrors "errors"
	"net/http"

	"wiregate/internal/core/domain"
	"wiregate/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// FromDomainError maps core sentinel errors onto the HTTP error taxonomy.
// FORBIDDEN, INVALID and OFFLINE stay distinct so clients can tell "not
// allowed", "you sent garbage" and "nobody there" apart.
func FromDomainError(err error) *errors.AppError {
	switch {
	case stderrors.Is(err, domain.ErrForbidden), stderrors.Is(err, domain.ErrTokenNotFound):
		return errors.NewForbiddenError("not authorized for this link")
	case stderrors.Is(err, domain.ErrInvalidPayload):
		return errors.WrapError(err, errors.ErrCodeInvalidInput, "invalid payload", http.StatusBadRequest)
	case stderrors.Is(err, domain.ErrTargetOffline):
		return errors.NewOfflineError("target has no live connection")
	case stderrors.Is(err, domain.ErrStoreDegraded):
		return errors.NewServiceUnavailableError("presence store unavailable")
	default:
		return errors.WrapError(err, errors.ErrCodeInternal, "internal error", http.StatusInternalServerError)
	}
}

// ErrorHandlerMiddleware handles application errors and returns appropriate HTTP responses
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 {
			err := c.Errors.Last().Err

			appErr := errors.GetAppError(err)
			if appErr == nil {
				appErr = FromDomainError(err)
			}

			logger.Errorw("request failed",
				"code", appErr.Code,
				"message", appErr.Message,
				"status", appErr.HTTPStatus,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
			)

			c.JSON(appErr.HTTPStatus, gin.H{
				"error":   string(appErr.Code),
				"message": appErr.Message,
			})
		}
	}
}

// RecoveryMiddleware recovers from panics and returns proper error responses
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Errorw("panic recovered",
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)

				c.JSON(http.StatusInternalServerError, gin.H{
					"error":   string(errors.ErrCodeInternal),
					"message": "Internal server error",
				})
				c.Abort()
			}
		}()

		c.Next()
	}
}
