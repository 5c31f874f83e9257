// Package handlers provides the HTTP surface of the sandpool control
// plane. This file implements the execution read endpoints.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sandpool-dev/sandpool/internal/apperrors"
	"github.com/sandpool-dev/sandpool/internal/db"
	"github.com/sandpool-dev/sandpool/internal/execution"
)

// ExecutionHandler serves execution reads.
type ExecutionHandler struct {
	executions *execution.Manager
}

// NewExecutionHandler creates an execution handler.
func NewExecutionHandler(executions *execution.Manager) *ExecutionHandler {
	return &ExecutionHandler{executions: executions}
}

// RegisterRoutes attaches the execution routes.
func (h *ExecutionHandler) RegisterRoutes(api *gin.RouterGroup) {
	api.GET("/executions/:id", h.GetExecution)
	api.GET("/executions/:id/status", h.GetStatus)
	api.GET("/executions/:id/result", h.GetResult)
}

// GetExecution handles GET /executions/:id.
func (h *ExecutionHandler) GetExecution(c *gin.Context) {
	exec, err := h.executions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

// GetStatus handles GET /executions/:id/status.
func (h *ExecutionHandler) GetStatus(c *gin.Context) {
	exec, err := h.executions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"execution_id": exec.ID,
		"status":       exec.Status,
		"retry_count":  exec.RetryCount,
	})
}

// GetResult handles GET /executions/:id/result. Only terminal executions
// have a result; earlier reads get a conflict.
func (h *ExecutionHandler) GetResult(c *gin.Context) {
	exec, err := h.executions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if !db.IsExecutionFinal(exec.Status) {
		respondError(c, apperrors.Conflict("execution "+exec.ID+" is not terminal yet"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"execution_id":           exec.ID,
		"status":                 exec.Status,
		"stdout":                 exec.Stdout,
		"stderr":                 exec.Stderr,
		"exit_code":              exec.ExitCode,
		"execution_time_seconds": exec.ExecutionTimeSeconds,
		"return_value":           exec.ReturnValue,
		"metrics":                exec.Metrics,
		"artifacts":              exec.Artifacts,
	})
}
