// Package handlers provides the HTTP surface of the sandpool control
// plane. This file implements the session endpoints.
//
// API Endpoints:
//   - POST   /api/v1/sessions              - Create session
//   - GET    /api/v1/sessions              - List sessions (paged, status filter)
//   - GET    /api/v1/sessions/:id          - Get session
//   - DELETE /api/v1/sessions/:id          - Terminate session
//   - POST   /api/v1/sessions/:id/execute  - Submit code into a session
package handlers

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sandpool-dev/sandpool/internal/apperrors"
	"github.com/sandpool-dev/sandpool/internal/db"
	"github.com/sandpool-dev/sandpool/internal/execution"
	"github.com/sandpool-dev/sandpool/internal/session"
)

// SessionHandler serves the session endpoints.
type SessionHandler struct {
	sessions   *session.Manager
	executions *execution.Manager
}

// NewSessionHandler creates a session handler.
func NewSessionHandler(sessions *session.Manager, executions *execution.Manager) *SessionHandler {
	return &SessionHandler{sessions: sessions, executions: executions}
}

// RegisterRoutes attaches the session routes.
func (h *SessionHandler) RegisterRoutes(api *gin.RouterGroup) {
	api.POST("/sessions", h.CreateSession)
	api.GET("/sessions", h.ListSessions)
	api.GET("/sessions/:id", h.GetSession)
	api.DELETE("/sessions/:id", h.TerminateSession)
	api.POST("/sessions/:id/execute", h.Execute)
}

// createSessionRequest is the POST /sessions body.
type createSessionRequest struct {
	TemplateID   string            `json:"template_id" binding:"required"`
	Resources    *resourcesBody    `json:"resources"`
	Timeout      *int              `json:"timeout"`
	EnvVars      map[string]string `json:"env_vars"`
	Dependencies []string          `json:"dependencies"`
}

type resourcesBody struct {
	CPUMillis   int64 `json:"cpu_millis"`
	MemoryBytes int64 `json:"memory_bytes"`
	DiskBytes   int64 `json:"disk_bytes"`
}

// CreateSession handles POST /sessions.
func (h *SessionHandler) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.Validation("invalid request body: "+err.Error()))
		return
	}

	timeout := 0
	if req.Timeout != nil {
		if *req.Timeout <= 0 {
			respondError(c, apperrors.Validation("timeout must be positive"))
			return
		}
		timeout = *req.Timeout
	}

	createReq := session.CreateRequest{
		TemplateID:   req.TemplateID,
		TimeoutSecs:  timeout,
		EnvVars:      req.EnvVars,
		Dependencies: req.Dependencies,
	}
	if req.Resources != nil {
		createReq.Resources = &db.Resources{
			CPUMillis:   req.Resources.CPUMillis,
			MemoryBytes: req.Resources.MemoryBytes,
			DiskBytes:   req.Resources.DiskBytes,
		}
	}

	s, err := h.sessions.Create(c.Request.Context(), createReq)
	if err != nil {
		// An unknown template is a bad request, not a missing resource:
		// the session itself does not exist yet.
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) && appErr.Code == apperrors.CodeNotFound {
			respondError(c, apperrors.Validation("invalid template: "+req.TemplateID))
			return
		}
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"session_id":    s.ID,
		"status":        s.Status,
		"workspace_uri": s.WorkspaceURI,
		"created_at":    s.CreatedAt,
	})
}

// GetSession handles GET /sessions/:id.
func (h *SessionHandler) GetSession(c *gin.Context) {
	s, err := h.sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

// ListSessions handles GET /sessions with ?limit&cursor&status.
func (h *SessionHandler) ListSessions(c *gin.Context) {
	opts := db.SessionListOptions{Status: c.Query("status")}

	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n <= 0 {
			respondError(c, apperrors.Validation("limit must be a positive integer"))
			return
		}
		opts.Limit = n
	}

	if cursor := c.Query("cursor"); cursor != "" {
		after, id, err := decodeCursor(cursor)
		if err != nil {
			respondError(c, apperrors.Validation("malformed cursor"))
			return
		}
		opts.AfterCreatedAt = &after
		opts.AfterID = id
	}

	// Same clamp as the store, so a full page is recognised below.
	if opts.Limit == 0 || opts.Limit > 200 {
		opts.Limit = 50
	}

	sessions, err := h.sessions.List(c.Request.Context(), opts)
	if err != nil {
		respondError(c, err)
		return
	}

	// A full page means there may be more; hand back a cursor.
	next := ""
	if len(sessions) == opts.Limit {
		last := sessions[len(sessions)-1]
		next = encodeCursor(last.CreatedAt, last.ID)
	}

	items := sessions
	if items == nil {
		items = []*db.Session{}
	}
	c.JSON(http.StatusOK, gin.H{
		"items":       items,
		"next_cursor": next,
	})
}

// TerminateSession handles DELETE /sessions/:id.
func (h *SessionHandler) TerminateSession(c *gin.Context) {
	if err := h.sessions.Terminate(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// executeRequest is the POST /sessions/:id/execute body.
type executeRequest struct {
	Code     string          `json:"code" binding:"required"`
	Language string          `json:"language" binding:"required"`
	Event    json.RawMessage `json:"event"`
	Timeout  *int            `json:"timeout"`
}

// Execute handles POST /sessions/:id/execute.
func (h *SessionHandler) Execute(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.Validation("invalid request body: "+err.Error()))
		return
	}

	exec, err := h.executions.Submit(c.Request.Context(), c.Param("id"), execution.SubmitRequest{
		Code:        req.Code,
		Language:    req.Language,
		Event:       req.Event,
		TimeoutSecs: req.Timeout,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"execution_id": exec.ID,
		"status":       "submitted",
	})
}

// encodeCursor packs a keyset position into an opaque cursor.
func encodeCursor(createdAt time.Time, id string) string {
	raw := fmt.Sprintf("%s|%s", createdAt.UTC().Format(time.RFC3339Nano), id)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// decodeCursor unpacks an opaque cursor.
func decodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", err
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("malformed cursor")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", err
	}
	return ts, parts[1], nil
}
