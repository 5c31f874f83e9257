// Package handlers provides the HTTP surface of the sandpool control
// plane. This file implements template CRUD with restricted delete.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sandpool-dev/sandpool/internal/apperrors"
	"github.com/sandpool-dev/sandpool/internal/db"
)

// TemplateHandler serves template CRUD.
type TemplateHandler struct {
	templates *db.TemplateStore
}

// NewTemplateHandler creates a template handler.
func NewTemplateHandler(templates *db.TemplateStore) *TemplateHandler {
	return &TemplateHandler{templates: templates}
}

// RegisterRoutes attaches the template routes.
func (h *TemplateHandler) RegisterRoutes(api *gin.RouterGroup) {
	api.POST("/templates", h.CreateTemplate)
	api.GET("/templates", h.ListTemplates)
	api.GET("/templates/:id", h.GetTemplate)
	api.DELETE("/templates/:id", h.DeleteTemplate)
}

// createTemplateRequest is the POST /templates body.
type createTemplateRequest struct {
	Name            string          `json:"name" binding:"required"`
	ImageRef        string          `json:"image_ref" binding:"required"`
	CPUMillis       int64           `json:"cpu_millis"`
	MemoryBytes     int64           `json:"memory_bytes"`
	DiskBytes       int64           `json:"disk_bytes"`
	Packages        []string        `json:"packages"`
	SecurityContext json.RawMessage `json:"security_context"`
}

// CreateTemplate handles POST /templates.
func (h *TemplateHandler) CreateTemplate(c *gin.Context) {
	var req createTemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.Validation("invalid request body: "+err.Error()))
		return
	}

	tmpl := &db.Template{
		Name:            req.Name,
		ImageRef:        req.ImageRef,
		CPUMillis:       req.CPUMillis,
		MemoryBytes:     req.MemoryBytes,
		DiskBytes:       req.DiskBytes,
		Packages:        req.Packages,
		SecurityContext: req.SecurityContext,
	}
	if tmpl.CPUMillis <= 0 {
		tmpl.CPUMillis = 1000
	}
	if tmpl.MemoryBytes <= 0 {
		tmpl.MemoryBytes = 2 * 1024 * 1024 * 1024
	}
	if tmpl.DiskBytes <= 0 {
		tmpl.DiskBytes = 10 * 1024 * 1024 * 1024
	}

	if err := h.templates.CreateTemplate(c.Request.Context(), tmpl); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, tmpl)
}

// ListTemplates handles GET /templates.
func (h *TemplateHandler) ListTemplates(c *gin.Context) {
	templates, err := h.templates.ListTemplates(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	if templates == nil {
		templates = []*db.Template{}
	}
	c.JSON(http.StatusOK, gin.H{"items": templates})
}

// GetTemplate handles GET /templates/:id.
func (h *TemplateHandler) GetTemplate(c *gin.Context) {
	tmpl, err := h.templates.GetTemplate(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tmpl)
}

// DeleteTemplate handles DELETE /templates/:id. Deletion is refused
// while a non-terminal session references the template.
func (h *TemplateHandler) DeleteTemplate(c *gin.Context) {
	if err := h.templates.DeleteTemplate(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
