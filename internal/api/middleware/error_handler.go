package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "ghostplane.io/platform/internal/pkg/errors"
	"ghostplane.io/platform/internal/pkg/logger"
)

// ErrorHandler renders the last error set via c.Error() as a
// Problem-Details document (application/problem+json, spec §6).
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		err := c.Errors.Last().Err
		requestID := GetRequestID(c.Request.Context())

		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			logger.Warn("request error",
				zap.String("code", appErr.Code),
				zap.String("message", appErr.Message),
				zap.Int("status", appErr.HTTPStatus),
				zap.String("request_id", requestID),
				zap.Error(appErr.Err),
			)
			c.Header("Content-Type", "application/problem+json")
			c.JSON(appErr.HTTPStatus, appErr.ToProblemDetails(requestID))
			return
		}

		logger.Error("unhandled request error", zap.Error(err), zap.String("request_id", requestID))
		fallback := apperrors.New("INTERNAL_ERROR", "an internal error occurred", http.StatusInternalServerError)
		c.Header("Content-Type", "application/problem+json")
		c.JSON(http.StatusInternalServerError, fallback.ToProblemDetails(requestID))
	}
}

// Abort aborts the request with err, leaving rendering to ErrorHandler.
func Abort(c *gin.Context, err error) {
	_ = c.Error(err)
	c.Abort()
}
