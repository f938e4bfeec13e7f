package middleware

import (
	stderrors "errors"
	"net/http"

	"pikacall/internal/core/domain"
	"pikacall/pkg/circuitbreaker"
	"pikacall/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ToAppError maps call errors onto API errors.
func ToAppError(err error) *errors.AppError {
	if appErr := errors.GetAppError(err); appErr != nil {
		return appErr
	}

	switch {
	case domain.IsStateError(err):
		var se *domain.StateError
		stderrors.As(err, &se)
		return errors.NewInvalidStateError(err).
			WithContext("call_id", string(se.CallID)).
			WithContext("status", string(se.Status))
	case stderrors.Is(err, domain.ErrCallInProgress):
		return errors.WrapError(err, errors.ErrCodeConflict, "a call is already in progress", http.StatusConflict)
	case stderrors.Is(err, domain.ErrNoSuchCall), stderrors.Is(err, domain.ErrCallRecordNotFound):
		return errors.WrapError(err, errors.ErrCodeNotFound, "call not found", http.StatusNotFound)
	case stderrors.Is(err, domain.ErrServiceClosed):
		return errors.WrapError(err, errors.ErrCodeServiceUnavailable, "call service is shutting down", http.StatusServiceUnavailable)
	case stderrors.Is(err, circuitbreaker.ErrOpen):
		return errors.WrapError(err, errors.ErrCodeServiceUnavailable, "call history unavailable", http.StatusServiceUnavailable)
	case domain.IsTransportError(err):
		return errors.WrapError(err, errors.ErrCodeServiceUnavailable, "media transport unavailable", http.StatusServiceUnavailable)
	case domain.IsSignalingError(err):
		return errors.WrapError(err, errors.ErrCodeInvalidInput, err.Error(), http.StatusBadRequest)
	}
	return errors.WrapError(err, errors.ErrCodeInternal, "internal server error", http.StatusInternalServerError)
}

func abortWith(c *gin.Context, appErr *errors.AppError) {
	c.AbortWithStatusJSON(appErr.HTTPStatus, gin.H{"error": appErr.Body()})
}

// ErrorHandlerMiddleware renders the last handler error as JSON.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		appErr := ToAppError(c.Errors.Last().Err)

		if appErr.HTTPStatus >= http.StatusInternalServerError {
			logger.Errorw("request failed",
				"code", appErr.Code,
				"error", appErr.Error(),
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
			)
		} else {
			logger.Debugw("request rejected",
				"code", appErr.Code,
				"error", appErr.Error(),
				"path", c.Request.URL.Path,
			)
		}

		c.JSON(appErr.HTTPStatus, gin.H{"error": appErr.Body()})
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
				abortWith(c, errors.NewInternalError("internal server error"))
			}
		}()

		c.Next()
	}
}
