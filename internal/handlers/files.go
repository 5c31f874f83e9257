// Package handlers provides the HTTP surface of the sandpool control
// plane. This file implements workspace file upload and download.
//
// Downloads are served inline up to the configured threshold; larger
// objects redirect to a presigned URL so the control plane never buffers
// them.
package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/sandpool-dev/sandpool/internal/apperrors"
	"github.com/sandpool-dev/sandpool/internal/artifacts"
	"github.com/sandpool-dev/sandpool/internal/db"
	"github.com/sandpool-dev/sandpool/internal/session"
)

// maxUploadBytes bounds a single multipart upload.
const maxUploadBytes = 100 * 1024 * 1024

// FileHandler serves workspace file transfer.
type FileHandler struct {
	store    *artifacts.Store
	sessions *session.Manager
}

// NewFileHandler creates a file handler.
func NewFileHandler(store *artifacts.Store, sessions *session.Manager) *FileHandler {
	return &FileHandler{store: store, sessions: sessions}
}

// RegisterRoutes attaches the file routes. The catch-all path parameter
// also serves the listing: GET .../files/ with an empty path lists the
// workspace.
func (h *FileHandler) RegisterRoutes(api *gin.RouterGroup) {
	api.POST("/sessions/:id/files/upload", h.Upload)
	api.GET("/sessions/:id/files/*path", h.Download)
}

// Upload handles POST /sessions/:id/files/upload (multipart form with a
// "file" part and an optional "path" field).
func (h *FileHandler) Upload(c *gin.Context) {
	sessionID := c.Param("id")
	if _, err := h.sessions.Get(c.Request.Context(), sessionID); err != nil {
		respondError(c, err)
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBytes)

	fileHeader, err := c.FormFile("file")
	if err != nil {
		if err.Error() == "http: request body too large" {
			respondError(c, apperrors.PayloadTooLarge(maxUploadBytes))
			return
		}
		respondError(c, apperrors.Validation("multipart form must carry a file part"))
		return
	}
	if fileHeader.Size > maxUploadBytes {
		respondError(c, apperrors.PayloadTooLarge(maxUploadBytes))
		return
	}

	relPath := c.PostForm("path")
	if relPath == "" {
		relPath = fileHeader.Filename
	}

	f, err := fileHeader.Open()
	if err != nil {
		respondError(c, apperrors.Internal(err))
		return
	}
	defer f.Close()

	contentType := fileHeader.Header.Get("Content-Type")
	if err := h.store.Upload(c.Request.Context(), sessionID, relPath, f, fileHeader.Size, contentType); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, db.ArtifactDescriptor{
		Path:      relPath,
		SizeBytes: fileHeader.Size,
		MimeType:  contentType,
		Kind:      db.ArtifactKindArtifact,
	})
}

// Download handles GET /sessions/:id/files/*path: 200 with the bytes, or
// a 302 to a presigned URL for large objects.
func (h *FileHandler) Download(c *gin.Context) {
	sessionID := c.Param("id")
	if _, err := h.sessions.Get(c.Request.Context(), sessionID); err != nil {
		respondError(c, err)
		return
	}

	relPath := strings.TrimPrefix(c.Param("path"), "/")
	if relPath == "" {
		h.list(c, sessionID)
		return
	}

	dl, err := h.store.DownloadFile(c.Request.Context(), sessionID, relPath)
	if err != nil {
		respondError(c, err)
		return
	}

	if dl.RedirectURL != "" {
		c.Redirect(http.StatusFound, dl.RedirectURL)
		return
	}

	defer dl.Reader.Close()
	contentType := dl.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.DataFromReader(http.StatusOK, dl.SizeBytes, contentType, dl.Reader, nil)
}

// list serves the workspace listing.
func (h *FileHandler) list(c *gin.Context, sessionID string) {
	descriptors, err := h.store.List(c.Request.Context(), sessionID)
	if err != nil {
		respondError(c, err)
		return
	}
	if descriptors == nil {
		descriptors = []db.ArtifactDescriptor{}
	}
	c.JSON(http.StatusOK, gin.H{"items": descriptors})
}
