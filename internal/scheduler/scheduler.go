// Package scheduler selects a runtime node for a new session.
//
// Selection Algorithm:
//  1. Filter nodes by status (only online)
//  2. Filter by residual CPU, memory and container capacity
//  3. Score each candidate: weighted load headroom plus an affinity
//     bonus when the template image is already cached on the node
//  4. Pick the highest score; break ties deterministically by lowest
//     container count, then lexicographic node id
//
// The scheduler's view of node load is advisory: it may lag the node's
// own accounting by one health-probe cycle. A stale view still yields a
// valid (not necessarily optimal) placement; each node enforces its own
// container cap.
package scheduler

import (
	"context"
	"fmt"
	"sort"

	"github.com/sandpool-dev/sandpool/internal/apperrors"
	"github.com/sandpool-dev/sandpool/internal/db"
	"github.com/sandpool-dev/sandpool/internal/logger"
)

// Scoring weights. Load headroom dominates; image affinity is worth up to
// 30% of the score so cached templates win between comparable nodes.
const (
	weightCPU      = 0.28
	weightMemory   = 0.28
	weightSlots    = 0.14
	weightAffinity = 0.30
)

// NodeLister supplies scheduling candidates. Backed by the node store,
// optionally through the read-through cache.
type NodeLister interface {
	ListNodesByStatus(ctx context.Context, status string) ([]*db.RuntimeNode, error)
}

// Scheduler places sessions onto runtime nodes.
type Scheduler struct {
	nodes NodeLister
}

// New creates a Scheduler over the given node source.
func New(nodes NodeLister) *Scheduler {
	return &Scheduler{nodes: nodes}
}

// Schedule selects the best online node able to host the requested
// resources. Fails with a no-capacity error when no node qualifies;
// there is no retry loop here — callers surface the failure immediately.
func (s *Scheduler) Schedule(ctx context.Context, templateImage string, res db.Resources) (*db.RuntimeNode, error) {
	nodes, err := s.nodes.ListNodesByStatus(ctx, db.NodeOnline)
	if err != nil {
		return nil, fmt.Errorf("failed to list online nodes: %w", err)
	}
	if len(nodes) == 0 {
		return nil, apperrors.NoCapacity("no online runtime nodes")
	}

	candidates := filter(nodes, res)
	if len(candidates) == 0 {
		return nil, apperrors.NoCapacity(fmt.Sprintf(
			"no node can host %dm cpu / %d bytes memory", res.CPUMillis, res.MemoryBytes))
	}

	best := pick(candidates, templateImage)

	logger.Log.Debug().
		Str("node_id", best.ID).
		Int("candidates", len(candidates)).
		Float64("score", score(best, templateImage)).
		Msg("Scheduled session placement")

	return best, nil
}

// filter drops nodes that cannot host the requested resources.
func filter(nodes []*db.RuntimeNode, res db.Resources) []*db.RuntimeNode {
	var candidates []*db.RuntimeNode
	for _, node := range nodes {
		if node.Status != db.NodeOnline {
			continue
		}
		if node.ContainerCount >= node.Capacity {
			continue
		}
		if node.CPUTotalMillis-node.CPUUsedMillis < res.CPUMillis {
			continue
		}
		if node.MemoryTotalBytes-node.MemoryUsedBytes < res.MemoryBytes {
			continue
		}
		candidates = append(candidates, node)
	}
	return candidates
}

// score computes the placement score for one node.
func score(node *db.RuntimeNode, templateImage string) float64 {
	var cpuFree, memFree, slotFree float64
	if node.CPUTotalMillis > 0 {
		cpuFree = 1 - float64(node.CPUUsedMillis)/float64(node.CPUTotalMillis)
	}
	if node.MemoryTotalBytes > 0 {
		memFree = 1 - float64(node.MemoryUsedBytes)/float64(node.MemoryTotalBytes)
	}
	if node.Capacity > 0 {
		slotFree = 1 - float64(node.ContainerCount)/float64(node.Capacity)
	}

	s := weightCPU*cpuFree + weightMemory*memFree + weightSlots*slotFree
	if hasImage(node, templateImage) {
		s += weightAffinity
	}
	return s
}

// pick returns the highest-scoring candidate with deterministic
// tie-breaking: lowest container count, then lexicographic node id.
func pick(candidates []*db.RuntimeNode, templateImage string) *db.RuntimeNode {
	sorted := make([]*db.RuntimeNode, len(candidates))
	copy(sorted, candidates)

	sort.Slice(sorted, func(i, j int) bool {
		si, sj := score(sorted[i], templateImage), score(sorted[j], templateImage)
		if si != sj {
			return si > sj
		}
		if sorted[i].ContainerCount != sorted[j].ContainerCount {
			return sorted[i].ContainerCount < sorted[j].ContainerCount
		}
		return sorted[i].ID < sorted[j].ID
	})
	return sorted[0]
}

// hasImage reports whether the template image is cached on the node.
func hasImage(node *db.RuntimeNode, image string) bool {
	for _, cached := range node.CachedImages {
		if cached == image {
			return true
		}
	}
	return false
}
