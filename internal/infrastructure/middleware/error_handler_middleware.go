package middleware

import (
	"errors"
	"net/http"

	"stagecast/internal/core/domain"
	apperrors "stagecast/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// MapError converts a service error into an AppError with the matching
// condition code. Domain sentinels map one to one; everything else is
// internal.
func MapError(err error) *apperrors.AppError {
	if appErr := apperrors.GetAppError(err); appErr != nil {
		return appErr
	}

	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		return apperrors.NewNotFound("session")
	case errors.Is(err, domain.ErrParticipantNotFound):
		return apperrors.NewNotFound("participant")
	case errors.Is(err, domain.ErrTransportNotFound):
		return apperrors.NewNotFound("transport")
	case errors.Is(err, domain.ErrProducerNotFound):
		return apperrors.NewNotFound("producer")
	case errors.Is(err, domain.ErrDestinationNotFound):
		return apperrors.NewNotFound("destination")
	case errors.Is(err, domain.ErrJobNotFound):
		return apperrors.NewNotFound("composition job")
	case errors.Is(err, domain.ErrForbidden):
		return apperrors.NewForbidden(err.Error())
	case errors.Is(err, domain.ErrNotReady):
		return apperrors.NewNotReady(err.Error())
	case errors.Is(err, domain.ErrCapabilityMismatch):
		return apperrors.NewCapabilityMismatch(err.Error())
	case errors.Is(err, domain.ErrNegotiationTimeout):
		return apperrors.NewTimeout(err.Error())
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrJobActive):
		return apperrors.NewConflict(err.Error())
	case errors.Is(err, domain.ErrDirectionMismatch):
		return apperrors.NewInvalidInput(err.Error())
	default:
		return apperrors.Wrap(err, apperrors.CondInternal, "internal error", http.StatusInternalServerError)
	}
}

// ErrorHandlerMiddleware turns errors attached to the gin context into
// structured condition responses.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		appErr := MapError(c.Errors.Last().Err)

		if appErr.HTTPStatus >= http.StatusInternalServerError {
			logger.Errorw("application error",
				"condition", appErr.Condition,
				"message", appErr.Message,
				"status", appErr.HTTPStatus,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
				"cause", appErr.Cause,
			)
		} else {
			logger.Infow("request failed",
				"condition", appErr.Condition,
				"status", appErr.HTTPStatus,
				"path", c.Request.URL.Path,
			)
		}

		c.JSON(appErr.HTTPStatus, gin.H{
			"condition": string(appErr.Condition),
			"message":   appErr.Message,
		})
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
					"condition": string(apperrors.CondInternal),
					"message":   "internal server error",
				})
				c.Abort()
			}
		}()

		c.Next()
	}
}
