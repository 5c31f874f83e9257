// Package health probes runtime nodes and maintains their status.
//
// Every probe interval each non-draining node is checked through the
// driver with a bounded deadline. A success resets the failure counter
// and refreshes the node's utilization snapshot (container count and
// cached images from the runtime, CPU/memory attribution summed from the
// resource limits of the sessions bound to the node). After three
// consecutive failures the node goes offline, new sessions stop routing
// to it, and a targeted reconcile relocates its sessions.
package health

import (
	"context"
	"time"

	"github.com/sandpool-dev/sandpool/internal/db"
	"github.com/sandpool-dev/sandpool/internal/driver"
	"github.com/sandpool-dev/sandpool/internal/events"
	"github.com/sandpool-dev/sandpool/internal/logger"
	"github.com/sandpool-dev/sandpool/internal/metrics"
)

const (
	probeInterval    = 10 * time.Second
	probeDeadline    = 5 * time.Second
	failureThreshold = 3
)

// NodeReconciler relocates the sessions of a lost node.
type NodeReconciler interface {
	ReconcileNode(ctx context.Context, nodeID string)
}

// Prober runs the node heartbeat loop.
type Prober struct {
	nodes      *db.NodeStore
	sessions   *db.SessionStore
	drv        driver.Driver
	reconciler NodeReconciler
	publisher  *events.Publisher
}

// New wires a prober.
func New(nodes *db.NodeStore, sessions *db.SessionStore, drv driver.Driver,
	reconciler NodeReconciler, publisher *events.Publisher) *Prober {
	return &Prober{
		nodes:      nodes,
		sessions:   sessions,
		drv:        drv,
		reconciler: reconciler,
		publisher:  publisher,
	}
}

// Start runs the probe loop until the context ends.
func (p *Prober) Start(ctx context.Context) {
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()

	logger.Health().Info().
		Dur("interval", probeInterval).
		Int("failure_threshold", failureThreshold).
		Msg("Starting node health probe")

	for {
		select {
		case <-ctx.Done():
			logger.Health().Info().Msg("Node health probe stopped")
			return
		case <-ticker.C:
			p.ProbeOnce(ctx)
		}
	}
}

// ProbeOnce probes every non-draining node.
func (p *Prober) ProbeOnce(ctx context.Context) {
	nodes, err := p.nodes.ListNodes(ctx)
	if err != nil {
		logger.Health().Error().Err(err).Msg("Node listing failed")
		return
	}

	counts := map[string]int{}
	for _, node := range nodes {
		counts[node.Status]++
		if node.Status == db.NodeDraining {
			continue
		}
		p.probeNode(ctx, node)
	}
	for status, n := range counts {
		metrics.NodesByStatus.WithLabelValues(status).Set(float64(n))
	}
}

// probeNode checks one node and updates its row.
func (p *Prober) probeNode(ctx context.Context, node *db.RuntimeNode) {
	probeCtx, cancel := context.WithTimeout(ctx, probeDeadline)
	defer cancel()

	snapshot, err := p.drv.ProbeNode(probeCtx, node)
	if err != nil {
		failures, rerr := p.nodes.RecordProbeFailure(ctx, node.ID)
		if rerr != nil {
			logger.Health().Error().Err(rerr).Str("node_id", node.ID).Msg("Failed to record probe failure")
			return
		}
		logger.Health().Warn().
			Err(err).
			Str("node_id", node.ID).
			Int("consecutive_failures", failures).
			Msg("Node probe failed")

		if failures >= failureThreshold && node.Status == db.NodeOnline {
			if err := p.nodes.SetNodeStatus(ctx, node.ID, db.NodeOffline); err != nil {
				logger.Health().Error().Err(err).Str("node_id", node.ID).Msg("Failed to mark node offline")
				return
			}
			p.publisher.NodeStatus(node.ID, db.NodeOffline)
			logger.Health().Error().Str("node_id", node.ID).Msg("Node offline; relocating its sessions")
			p.reconciler.ReconcileNode(ctx, node.ID)
		}
		return
	}

	cpuUsed, memUsed := p.attributedUsage(ctx, node.ID)
	if err := p.nodes.RecordHeartbeat(ctx, node.ID, db.HeartbeatSnapshot{
		CPUTotalMillis:   snapshot.CPUTotalMillis,
		MemoryTotalBytes: snapshot.MemoryTotalBytes,
		CPUUsedMillis:    cpuUsed,
		MemoryUsedBytes:  memUsed,
		ContainerCount:   snapshot.ContainerCount,
		CachedImages:     snapshot.CachedImages,
	}); err != nil {
		logger.Health().Error().Err(err).Str("node_id", node.ID).Msg("Failed to record heartbeat")
		return
	}
	if node.Status == db.NodeOffline {
		p.publisher.NodeStatus(node.ID, db.NodeOnline)
		logger.Health().Info().Str("node_id", node.ID).Msg("Node back online")
	}
}

// attributedUsage sums the resource limits of active sessions bound to a
// node. Advisory: the scheduler's filter uses it as residual-capacity
// input, corrected every probe cycle.
func (p *Prober) attributedUsage(ctx context.Context, nodeID string) (cpuMillis, memBytes int64) {
	sessions, err := p.sessions.ListSessionsByNode(ctx, nodeID)
	if err != nil {
		logger.Health().Warn().Err(err).Str("node_id", nodeID).Msg("Usage attribution query failed")
		return 0, 0
	}
	for _, s := range sessions {
		cpuMillis += s.Resources.CPUMillis
		memBytes += s.Resources.MemoryBytes
	}
	return cpuMillis, memBytes
}
