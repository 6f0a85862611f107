// Package handler provides the HTTP handlers of the plugdeck REST API.
package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/CageChen/plugdeck/internal/control"
	"github.com/CageChen/plugdeck/internal/fs"
	"github.com/CageChen/plugdeck/internal/preview"
	"github.com/CageChen/plugdeck/internal/remote"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// statusFor maps an error from the store, the controller or the remote
// client to an HTTP status.
func statusFor(err error) int {
	var apiErr *remote.APIError
	switch {
	case errors.Is(err, fs.ErrPathTraversal), errors.Is(err, fs.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, fs.ErrInvalidPath),
		errors.Is(err, fs.ErrNotADirectory),
		errors.Is(err, fs.ErrIsDirectory):
		return http.StatusBadRequest
	case errors.Is(err, fs.ErrNotFound), errors.Is(err, control.ErrContainerNotFound):
		return http.StatusNotFound
	case errors.Is(err, fs.ErrAlreadyExists),
		errors.Is(err, control.ErrInvalidTransition),
		errors.Is(err, control.ErrOperationInProgress):
		return http.StatusConflict
	case errors.Is(err, fs.ErrTooLarge), errors.Is(err, preview.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, preview.ErrBinary):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, control.ErrTimeout), errors.Is(err, remote.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, remote.ErrAuth),
		errors.Is(err, remote.ErrInvalidRequest),
		errors.Is(err, remote.ErrUnavailable),
		errors.As(err, &apiErr):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// outcome labels a file operation for metrics.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case statusFor(err) < http.StatusInternalServerError:
		return "rejected"
	default:
		return "error"
	}
}

func respondError(c *gin.Context, logger *zap.Logger, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Error(err))
	}
	c.JSON(status, gin.H{
		"error": err.Error(),
	})
}

// Health reports liveness.
func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
	})
}
