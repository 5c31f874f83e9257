// Package handlers provides the HTTP surface of the sandpool control
// plane. This file implements the internal endpoints the in-container
// executor calls back into, authenticated with the shared bearer token
// from its environment.
//
// Endpoints:
//   - POST /internal/sessions/:id/container_ready
//   - POST /internal/sessions/:id/container_exited
//   - POST /internal/sessions/:id/dependency_install_result
//   - POST /internal/executions/:id/heartbeat
//   - POST /internal/executions/:id/status
//   - POST /internal/executions/:id/result
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sandpool-dev/sandpool/internal/apperrors"
	"github.com/sandpool-dev/sandpool/internal/execution"
	"github.com/sandpool-dev/sandpool/internal/session"
)

// InternalHandler serves the executor callbacks.
type InternalHandler struct {
	sessions   *session.Manager
	executions *execution.Manager
}

// NewInternalHandler creates an internal-callback handler.
func NewInternalHandler(sessions *session.Manager, executions *execution.Manager) *InternalHandler {
	return &InternalHandler{sessions: sessions, executions: executions}
}

// RegisterRoutes attaches the internal routes; the caller wraps the
// group in InternalAuth.
func (h *InternalHandler) RegisterRoutes(internal *gin.RouterGroup) {
	internal.POST("/sessions/:id/container_ready", h.ContainerReady)
	internal.POST("/sessions/:id/container_exited", h.ContainerExited)
	internal.POST("/sessions/:id/dependency_install_result", h.DependencyInstallResult)
	internal.POST("/executions/:id/heartbeat", h.Heartbeat)
	internal.POST("/executions/:id/status", h.Status)
	internal.POST("/executions/:id/result", h.Result)
}

// ContainerReady marks a creating session running.
func (h *InternalHandler) ContainerReady(c *gin.Context) {
	if err := h.sessions.HandleContainerReady(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

// containerExitedRequest is the early-exit notice body.
type containerExitedRequest struct {
	Reason   string `json:"reason"`
	ExitCode int    `json:"exit_code"`
}

// ContainerExited records an early container exit.
func (h *InternalHandler) ContainerExited(c *gin.Context) {
	var req containerExitedRequest
	_ = c.ShouldBindJSON(&req) // body is optional

	if err := h.sessions.HandleContainerExited(c.Request.Context(), c.Param("id"), req.Reason); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

// dependencyInstallRequest is the install outcome body.
type dependencyInstallRequest struct {
	Success   bool     `json:"success"`
	Installed []string `json:"installed"`
	Log       string   `json:"log"`
}

// DependencyInstallResult records the dependency install outcome.
func (h *InternalHandler) DependencyInstallResult(c *gin.Context) {
	var req dependencyInstallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.Validation("invalid request body: "+err.Error()))
		return
	}

	if err := h.sessions.HandleDependencyResult(c.Request.Context(), c.Param("id"), req.Success, req.Installed, req.Log); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

// Heartbeat bumps an execution's liveness timestamp.
func (h *InternalHandler) Heartbeat(c *gin.Context) {
	if err := h.executions.HandleHeartbeat(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

// statusRequest is the execution status notification body.
type statusRequest struct {
	Status string `json:"status" binding:"required"`
}

// Status processes the executor's started notification.
func (h *InternalHandler) Status(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.Validation("invalid request body: "+err.Error()))
		return
	}
	if req.Status != "running" {
		respondError(c, apperrors.Validation("unsupported status: "+req.Status))
		return
	}

	if err := h.executions.HandleStatusRunning(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

// Result ingests a terminal execution result. Idempotent per execution
// id: repeats are accepted with 200 and discarded.
func (h *InternalHandler) Result(c *gin.Context) {
	var cb execution.ResultCallback
	if err := c.ShouldBindJSON(&cb); err != nil {
		respondError(c, apperrors.Validation("invalid request body: "+err.Error()))
		return
	}

	if err := h.executions.HandleResult(c.Request.Context(), c.Param("id"), &cb); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusOK)
}
