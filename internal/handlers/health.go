// Package handlers provides the HTTP surface of the sandpool control
// plane. This file implements aggregate readiness.
package handlers

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sandpool-dev/sandpool/internal/artifacts"
	"github.com/sandpool-dev/sandpool/internal/db"
)

// HealthHandler serves GET /health: the control plane is ready when the
// entity store answers, the artifact store answers, and at least one
// runtime node is online.
type HealthHandler struct {
	sqlDB     *sql.DB
	artifacts *artifacts.Store
	nodes     *db.NodeStore
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(sqlDB *sql.DB, store *artifacts.Store, nodes *db.NodeStore) *HealthHandler {
	return &HealthHandler{sqlDB: sqlDB, artifacts: store, nodes: nodes}
}

// RegisterRoutes attaches the health route.
func (h *HealthHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)
}

// Health handles GET /health with per-check detail.
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	checks := gin.H{}
	healthy := true

	if err := h.sqlDB.PingContext(ctx); err != nil {
		checks["database"] = gin.H{"ok": false, "error": err.Error()}
		healthy = false
	} else {
		checks["database"] = gin.H{"ok": true}
	}

	if err := h.artifacts.Ping(ctx); err != nil {
		checks["artifact_store"] = gin.H{"ok": false, "error": err.Error()}
		healthy = false
	} else {
		checks["artifact_store"] = gin.H{"ok": true}
	}

	online, err := h.nodes.ListNodesByStatus(ctx, db.NodeOnline)
	switch {
	case err != nil:
		checks["runtime_nodes"] = gin.H{"ok": false, "error": err.Error()}
		healthy = false
	case len(online) == 0:
		checks["runtime_nodes"] = gin.H{"ok": false, "error": "no online runtime nodes"}
		healthy = false
	default:
		checks["runtime_nodes"] = gin.H{"ok": true, "online": len(online)}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"healthy": healthy, "checks": checks})
}
