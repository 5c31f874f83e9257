// Package handlers provides the HTTP surface of the sandpool control
// plane. This file implements operator introspection of runtime nodes
// and the drain command.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sandpool-dev/sandpool/internal/apperrors"
	"github.com/sandpool-dev/sandpool/internal/db"
)

// RuntimeHandler serves runtime node introspection.
type RuntimeHandler struct {
	nodes    *db.NodeStore
	sessions *db.SessionStore
}

// NewRuntimeHandler creates a runtime handler.
func NewRuntimeHandler(nodes *db.NodeStore, sessions *db.SessionStore) *RuntimeHandler {
	return &RuntimeHandler{nodes: nodes, sessions: sessions}
}

// RegisterRoutes attaches the runtime routes.
func (h *RuntimeHandler) RegisterRoutes(api *gin.RouterGroup) {
	api.GET("/runtimes", h.ListRuntimes)
	api.GET("/runtimes/:id/health", h.GetHealth)
	api.GET("/runtimes/:id/metrics", h.GetMetrics)
	api.POST("/runtimes/:id/drain", h.Drain)
}

// ListRuntimes handles GET /runtimes.
func (h *RuntimeHandler) ListRuntimes(c *gin.Context) {
	nodes, err := h.nodes.ListNodes(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	if nodes == nil {
		nodes = []*db.RuntimeNode{}
	}
	c.JSON(http.StatusOK, gin.H{"items": nodes})
}

// GetHealth handles GET /runtimes/:id/health.
func (h *RuntimeHandler) GetHealth(c *gin.Context) {
	node, err := h.nodes.GetNode(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"node_id":              node.ID,
		"status":               node.Status,
		"consecutive_failures": node.ConsecutiveFailures,
		"last_heartbeat_at":    node.LastHeartbeatAt,
	})
}

// GetMetrics handles GET /runtimes/:id/metrics.
func (h *RuntimeHandler) GetMetrics(c *gin.Context) {
	node, err := h.nodes.GetNode(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	sessions, err := h.sessions.ListSessionsByNode(c.Request.Context(), node.ID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"node_id":            node.ID,
		"cpu_total_millis":   node.CPUTotalMillis,
		"cpu_used_millis":    node.CPUUsedMillis,
		"memory_total_bytes": node.MemoryTotalBytes,
		"memory_used_bytes":  node.MemoryUsedBytes,
		"container_count":    node.ContainerCount,
		"capacity":           node.Capacity,
		"active_sessions":    len(sessions),
		"cached_images":      node.CachedImages,
	})
}

// Drain handles POST /runtimes/:id/drain: the node stops receiving new
// sessions; existing containers keep running until their sessions end.
func (h *RuntimeHandler) Drain(c *gin.Context) {
	id := c.Param("id")

	node, err := h.nodes.GetNode(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	if node.Status == db.NodeDraining {
		respondError(c, apperrors.Conflict("node "+id+" is already draining"))
		return
	}

	if err := h.nodes.SetNodeStatus(c.Request.Context(), id, db.NodeDraining); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"node_id": id, "status": db.NodeDraining})
}
