// Package db provides PostgreSQL persistence for the sandpool control plane.
//
// This file implements runtime node storage. Nodes are registered at
// control-plane startup (statically for Docker, discovered for
// Kubernetes); their status is mutated only by the health probe and the
// operator drain command.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sandpool-dev/sandpool/internal/apperrors"
)

// RuntimeNode represents a place where containers can be created.
type RuntimeNode struct {
	ID                  string     `json:"id"`
	Kind                string     `json:"kind"`
	Endpoint            string     `json:"endpoint"`
	Status              string     `json:"status"`
	CPUTotalMillis      int64      `json:"cpu_total_millis"`
	CPUUsedMillis       int64      `json:"cpu_used_millis"`
	MemoryTotalBytes    int64      `json:"memory_total_bytes"`
	MemoryUsedBytes     int64      `json:"memory_used_bytes"`
	ContainerCount      int        `json:"container_count"`
	Capacity            int        `json:"capacity"`
	CachedImages        []string   `json:"cached_images,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastHeartbeatAt     *time.Time `json:"last_heartbeat_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// NodeStore handles database operations for runtime nodes.
type NodeStore struct {
	db *sql.DB
}

// NewNodeStore creates a new NodeStore instance.
func NewNodeStore(db *sql.DB) *NodeStore {
	return &NodeStore{db: db}
}

const nodeColumns = `
	id, kind, endpoint, status,
	cpu_total_millis, cpu_used_millis, memory_total_bytes, memory_used_bytes,
	container_count, capacity, COALESCE(cached_images, '[]'),
	consecutive_failures, last_heartbeat_at, created_at, updated_at
`

// RegisterNode inserts or refreshes a node row. Registration resets the
// failure counter but preserves an operator-set draining status.
func (s *NodeStore) RegisterNode(ctx context.Context, node *RuntimeNode) error {
	now := time.Now()
	node.CreatedAt = now
	node.UpdatedAt = now
	if node.Status == "" {
		node.Status = NodeOnline
	}

	cachedImages, err := json.Marshal(node.CachedImages)
	if err != nil {
		return fmt.Errorf("failed to marshal cached images: %w", err)
	}

	query := `
		INSERT INTO runtime_nodes (
			id, kind, endpoint, status,
			cpu_total_millis, cpu_used_millis, memory_total_bytes, memory_used_bytes,
			container_count, capacity, cached_images, consecutive_failures,
			last_heartbeat_at, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 0, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			kind = EXCLUDED.kind,
			endpoint = EXCLUDED.endpoint,
			status = CASE WHEN runtime_nodes.status = 'draining' THEN 'draining' ELSE EXCLUDED.status END,
			cpu_total_millis = EXCLUDED.cpu_total_millis,
			memory_total_bytes = EXCLUDED.memory_total_bytes,
			capacity = EXCLUDED.capacity,
			consecutive_failures = 0,
			updated_at = EXCLUDED.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		node.ID, node.Kind, node.Endpoint, node.Status,
		node.CPUTotalMillis, node.CPUUsedMillis, node.MemoryTotalBytes, node.MemoryUsedBytes,
		node.ContainerCount, node.Capacity, cachedImages,
		nullTime(node.LastHeartbeatAt), node.CreatedAt, node.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to register node %s: %w", node.ID, classify(err))
	}
	return nil
}

// GetNode retrieves a node by ID.
func (s *NodeStore) GetNode(ctx context.Context, id string) (*RuntimeNode, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM runtime_nodes WHERE id = $1`, id)
	node, err := scanNode(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.NotFound("runtime node", id)
		}
		return nil, fmt.Errorf("failed to get node %s: %w", id, classify(err))
	}
	return node, nil
}

// ListNodes retrieves all nodes ordered by id.
func (s *NodeStore) ListNodes(ctx context.Context) ([]*RuntimeNode, error) {
	return s.queryNodes(ctx, `SELECT `+nodeColumns+` FROM runtime_nodes ORDER BY id`)
}

// ListNodesByStatus retrieves nodes with the given status ordered by id.
func (s *NodeStore) ListNodesByStatus(ctx context.Context, status string) ([]*RuntimeNode, error) {
	return s.queryNodes(ctx, `SELECT `+nodeColumns+` FROM runtime_nodes WHERE status = $1 ORDER BY id`, status)
}

// SetNodeStatus updates a node's status.
func (s *NodeStore) SetNodeStatus(ctx context.Context, id, status string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE runtime_nodes SET status = $1, updated_at = $2 WHERE id = $3
	`, status, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to set node %s status to %s: %w", id, status, classify(err))
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("runtime node", id)
	}
	return nil
}

// HeartbeatSnapshot is the node state refreshed on every successful
// probe.
type HeartbeatSnapshot struct {
	CPUTotalMillis   int64
	MemoryTotalBytes int64
	CPUUsedMillis    int64
	MemoryUsedBytes  int64
	ContainerCount   int
	CachedImages     []string
}

// RecordHeartbeat records a successful probe: the failure counter resets,
// an offline node comes back online, and the capacity/utilization
// snapshot is stored. Totals of zero are ignored so a probe that cannot
// size the node does not erase known capacity.
func (s *NodeStore) RecordHeartbeat(ctx context.Context, id string, snap HeartbeatSnapshot) error {
	images, err := json.Marshal(snap.CachedImages)
	if err != nil {
		return fmt.Errorf("failed to marshal cached images: %w", err)
	}

	now := time.Now()
	_, err = s.db.ExecContext(ctx, `
		UPDATE runtime_nodes
		SET cpu_total_millis = CASE WHEN $1 > 0 THEN $1 ELSE cpu_total_millis END,
			memory_total_bytes = CASE WHEN $2 > 0 THEN $2 ELSE memory_total_bytes END,
			cpu_used_millis = $3, memory_used_bytes = $4, container_count = $5,
			cached_images = $6, consecutive_failures = 0, status = CASE WHEN status = 'offline' THEN 'online' ELSE status END,
			last_heartbeat_at = $7, updated_at = $7
		WHERE id = $8
	`, snap.CPUTotalMillis, snap.MemoryTotalBytes, snap.CPUUsedMillis, snap.MemoryUsedBytes,
		snap.ContainerCount, images, now, id)
	if err != nil {
		return fmt.Errorf("failed to record heartbeat for node %s: %w", id, classify(err))
	}
	return nil
}

// RecordProbeFailure increments the consecutive failure counter and
// returns the new count.
func (s *NodeStore) RecordProbeFailure(ctx context.Context, id string) (int, error) {
	var failures int
	err := s.db.QueryRowContext(ctx, `
		UPDATE runtime_nodes
		SET consecutive_failures = consecutive_failures + 1, updated_at = $1
		WHERE id = $2
		RETURNING consecutive_failures
	`, time.Now(), id).Scan(&failures)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, apperrors.NotFound("runtime node", id)
		}
		return 0, fmt.Errorf("failed to record probe failure for node %s: %w", id, classify(err))
	}
	return failures, nil
}

// AdjustContainerCount shifts the advisory container counter. The node's
// own cap is authoritative; this view is corrected by the next heartbeat.
func (s *NodeStore) AdjustContainerCount(ctx context.Context, id string, delta int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE runtime_nodes
		SET container_count = GREATEST(container_count + $1, 0), updated_at = $2
		WHERE id = $3
	`, delta, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to adjust container count for node %s: %w", id, classify(err))
	}
	return nil
}

func (s *NodeStore) queryNodes(ctx context.Context, query string, args ...interface{}) ([]*RuntimeNode, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query nodes: %w", classify(err))
	}
	defer rows.Close()

	var nodes []*RuntimeNode
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node row: %w", err)
		}
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating node rows: %w", err)
	}
	return nodes, nil
}

func scanNode(row scanner) (*RuntimeNode, error) {
	node := &RuntimeNode{}
	var images []byte
	var heartbeat sql.NullTime

	err := row.Scan(
		&node.ID, &node.Kind, &node.Endpoint, &node.Status,
		&node.CPUTotalMillis, &node.CPUUsedMillis, &node.MemoryTotalBytes, &node.MemoryUsedBytes,
		&node.ContainerCount, &node.Capacity, &images,
		&node.ConsecutiveFailures, &heartbeat, &node.CreatedAt, &node.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(images) > 0 {
		if err := json.Unmarshal(images, &node.CachedImages); err != nil {
			return nil, fmt.Errorf("failed to unmarshal cached images: %w", err)
		}
	}
	if heartbeat.Valid {
		node.LastHeartbeatAt = &heartbeat.Time
	}
	return node, nil
}
