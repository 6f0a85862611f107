package handler

import (
	"context"
	"net/http"

	"github.com/CageChen/plugdeck/internal/control"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// StatusResponse is the container status. Error is set when the remote
// could not be queried; the snapshot then holds the last known state.
type StatusResponse struct {
	control.Snapshot
	Error string `json:"error,omitempty"`
}

// ActionResponse reports a completed lifecycle action.
type ActionResponse struct {
	Success bool             `json:"success"`
	Message string           `json:"message"`
	Status  control.Snapshot `json:"status"`
}

// ControlHandler serves the container lifecycle API
type ControlHandler struct {
	ctrl   *control.Controller
	logger *zap.Logger
}

// NewControlHandler creates a new control handler
func NewControlHandler(ctrl *control.Controller, logger *zap.Logger) *ControlHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ControlHandler{ctrl: ctrl, logger: logger}
}

// Status refreshes and returns the container state. Remote failures are
// reported in the body so the UI can keep polling.
func (h *ControlHandler) Status(c *gin.Context) {
	snap, err := h.ctrl.Status(c.Request.Context())
	resp := StatusResponse{Snapshot: snap}
	if err != nil {
		h.logger.Warn("status refresh failed", zap.Error(err))
		resp.Error = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *ControlHandler) Start(c *gin.Context) {
	h.act(c, h.ctrl.Start, "Server started successfully")
}

func (h *ControlHandler) Stop(c *gin.Context) {
	h.act(c, h.ctrl.Stop, "Server stopped successfully")
}

func (h *ControlHandler) Restart(c *gin.Context) {
	h.act(c, h.ctrl.Restart, "Server restarted successfully")
}

// act runs a lifecycle action bound to the request: a client that goes away
// abandons the reconciliation.
func (h *ControlHandler) act(c *gin.Context, action func(context.Context) error, message string) {
	if err := action(c.Request.Context()); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, ActionResponse{
		Success: true,
		Message: message,
		Status:  h.ctrl.Snapshot(),
	})
}
