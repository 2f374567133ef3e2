package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cloud-wave-best-zizon/inventory-sync-service/internal/service"
	"github.com/cloud-wave-best-zizon/inventory-sync-service/pkg/middleware"
)

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrUnauthorized):
		return http.StatusUnauthorized, "Unauthorized"
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden, "Insufficient permissions"
	case errors.Is(err, service.ErrInvalidArgument):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound, "Not found"
	case errors.Is(err, service.ErrAlreadyExists):
		return http.StatusConflict, "Product already exists"
	case errors.Is(err, service.ErrConflict):
		return http.StatusConflict, "Concurrent update, please retry"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

// respondError writes the status for err. Only server-side failures are logged as errors.
func respondError(c *gin.Context, logger *zap.Logger, err error, action string) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error("Failed to "+action,
			zap.String("request_id", c.GetString(middleware.RequestIDKey)),
			zap.Error(err))
	}
	c.JSON(status, gin.H{"error": msg})
}

func queryLimit(c *gin.Context) int {
	n, err := strconv.Atoi(c.Query("limit"))
	if err != nil {
		return 0
	}
	return n
}
