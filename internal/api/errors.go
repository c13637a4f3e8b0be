package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lalith-99/partyhub/internal/gateway"
	"github.com/lalith-99/partyhub/internal/observ"
	"github.com/lalith-99/partyhub/internal/participation"
)

// statusFor maps core errors to HTTP statuses. Anything unknown is a 500.
func statusFor(err error) int {
	var remote *participation.RemoteError
	switch {
	case errors.As(err, &remote):
		return http.StatusBadGateway
	case errors.Is(err, participation.ErrUnauthenticated), errors.Is(err, gateway.ErrSignInRequired):
		return http.StatusUnauthorized
	case errors.Is(err, participation.ErrInvalidInput), errors.Is(err, gateway.ErrInvalidMessage):
		return http.StatusBadRequest
	case errors.Is(err, participation.ErrConflict), errors.Is(err, participation.ErrViewClosed):
		return http.StatusConflict
	case errors.Is(err, participation.ErrNotFound), errors.Is(err, gateway.ErrEntityNotFound):
		return http.StatusNotFound
	case errors.Is(err, participation.ErrForbidden), errors.Is(err, gateway.ErrNotMember), errors.Is(err, gateway.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, gateway.ErrUploadsDisabled):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// respondError writes the error as {"error": "..."}. Remote failures carry
// the retry message; internal errors are logged and hidden behind fallback.
func respondError(c *gin.Context, logger *zap.Logger, err error, fallback string) {
	status := statusFor(err)

	var remote *participation.RemoteError
	switch {
	case errors.As(err, &remote):
		c.JSON(status, gin.H{"error": remote.Message()})
	case status == http.StatusInternalServerError:
		observ.LoggerFrom(c.Request.Context(), logger).Error(fallback, zap.Error(err))
		c.JSON(status, gin.H{"error": fallback})
	default:
		c.JSON(status, gin.H{"error": err.Error()})
	}
}
