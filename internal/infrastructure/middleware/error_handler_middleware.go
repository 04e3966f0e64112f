package middleware

import (
	"context"
	"errors"
	"net/http"

	"callrelay/internal/core/domain"
	apperrors "callrelay/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorHandlerMiddleware renders the last handler error as a JSON response.
// Domain errors are classified by ToAppError first.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err

		appErr := ToAppError(err)
		if appErr.Status() >= http.StatusInternalServerError {
			logger.Errorw("request failed",
				"code", appErr.Code,
				"error", err,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
				"details", appErr.Details,
			)
		} else {
			logger.Warnw("request rejected",
				"code", appErr.Code,
				"error", err,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
			)
		}

		c.JSON(appErr.Status(), appErr.Body())
	}
}

// ToAppError classifies err for the HTTP layer.
func ToAppError(err error) *apperrors.Error {
	if appErr, ok := apperrors.From(err); ok {
		return appErr
	}

	if reason, ok := domain.JoinReasonOf(err); ok {
		return joinError(reason, err).With("reason", string(reason))
	}

	switch {
	case errors.Is(err, domain.ErrNoLocalTracks):
		return apperrors.Wrap(err, apperrors.CodeConflict, "no local tracks in the current session")
	case errors.Is(err, domain.ErrNotPublisher):
		return apperrors.Wrap(err, apperrors.CodeConflict, "audience sessions cannot publish")
	case errors.Is(err, domain.ErrInvalidRole):
		return apperrors.Wrap(err, apperrors.CodeInvalidInput, "role must be host or audience")
	case errors.Is(err, context.DeadlineExceeded):
		return apperrors.Wrap(err, apperrors.CodeTimeout, "operation timed out")
	}

	return apperrors.Wrap(err, apperrors.CodeInternal, "internal server error")
}

func joinError(reason domain.JoinReason, err error) *apperrors.Error {
	switch reason {
	case domain.ReasonChannelMissing, domain.ReasonInvalidRole:
		return apperrors.Wrap(err, apperrors.CodeInvalidInput, err.Error())
	case domain.ReasonPermissionDenied:
		return apperrors.Wrap(err, apperrors.CodeForbidden, "capture permission denied")
	case domain.ReasonDeviceBusy:
		return apperrors.Wrap(err, apperrors.CodeConflict, "capture device busy")
	case domain.ReasonConnectFailed, domain.ReasonPublishFailed:
		return apperrors.Wrap(err, apperrors.CodeBadGateway, "relay request failed")
	case domain.ReasonCancelled:
		return apperrors.Wrap(err, apperrors.CodeTimeout, "join cancelled")
	}
	return apperrors.Wrap(err, apperrors.CodeInternal, "join failed")
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

				c.AbortWithStatusJSON(http.StatusInternalServerError,
					apperrors.New(apperrors.CodeInternal, "internal server error").Body())
			}
		}()

		c.Next()
	}
}
