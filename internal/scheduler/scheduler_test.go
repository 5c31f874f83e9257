package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandpool-dev/sandpool/internal/db"
)

// fakeNodeLister serves a fixed node list.
type fakeNodeLister struct {
	nodes []*db.RuntimeNode
	err   error
}

func (f *fakeNodeLister) ListNodesByStatus(ctx context.Context, status string) ([]*db.RuntimeNode, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []*db.RuntimeNode
	for _, n := range f.nodes {
		if n.Status == status {
			out = append(out, n)
		}
	}
	return out, nil
}

func node(id string, cpuUsed, memUsed int64, containers int) *db.RuntimeNode {
	return &db.RuntimeNode{
		ID:               id,
		Kind:             db.RuntimeDocker,
		Status:           db.NodeOnline,
		CPUTotalMillis:   16000,
		CPUUsedMillis:    cpuUsed,
		MemoryTotalBytes: 32 * 1024 * 1024 * 1024,
		MemoryUsedBytes:  memUsed,
		ContainerCount:   containers,
		Capacity:         32,
	}
}

func smallRequest() db.Resources {
	return db.Resources{CPUMillis: 1000, MemoryBytes: 2 * 1024 * 1024 * 1024}
}

func TestSchedule_PrefersLeastLoaded(t *testing.T) {
	busy := node("node-a", 12000, 24*1024*1024*1024, 20)
	idle := node("node-b", 1000, 2*1024*1024*1024, 2)

	s := New(&fakeNodeLister{nodes: []*db.RuntimeNode{busy, idle}})

	selected, err := s.Schedule(context.Background(), "sandpool/python:3.12", smallRequest())

	require.NoError(t, err)
	assert.Equal(t, "node-b", selected.ID)
}

func TestSchedule_ImageAffinityWins(t *testing.T) {
	// node-a is slightly more loaded but has the image cached; the 0.30
	// affinity bonus outweighs a small load difference.
	cached := node("node-a", 4000, 8*1024*1024*1024, 6)
	cached.CachedImages = []string{"sandpool/python:3.12"}
	uncached := node("node-b", 2000, 4*1024*1024*1024, 4)

	s := New(&fakeNodeLister{nodes: []*db.RuntimeNode{cached, uncached}})

	selected, err := s.Schedule(context.Background(), "sandpool/python:3.12", smallRequest())

	require.NoError(t, err)
	assert.Equal(t, "node-a", selected.ID)
}

func TestSchedule_DeterministicTieBreak(t *testing.T) {
	// Identical load and no affinity: lexicographically smallest id wins,
	// so repeated runs place identically.
	a := node("node-b", 1000, 1024, 3)
	b := node("node-a", 1000, 1024, 3)
	c := node("node-c", 1000, 1024, 3)

	s := New(&fakeNodeLister{nodes: []*db.RuntimeNode{a, b, c}})

	for i := 0; i < 5; i++ {
		selected, err := s.Schedule(context.Background(), "img", smallRequest())
		require.NoError(t, err)
		assert.Equal(t, "node-a", selected.ID)
	}
}

func TestSchedule_TieBreakByContainerCountFirst(t *testing.T) {
	// Equal containers/capacity ratio keeps the scores identical while
	// the absolute counts differ: the tie-break prefers fewer containers.
	fuller := node("node-a", 0, 0, 5)
	fuller.Capacity = 50
	emptier := node("node-b", 0, 0, 1)
	emptier.Capacity = 10

	s := New(&fakeNodeLister{nodes: []*db.RuntimeNode{fuller, emptier}})

	selected, err := s.Schedule(context.Background(), "img", db.Resources{})

	require.NoError(t, err)
	assert.Equal(t, "node-b", selected.ID)
}

func TestSchedule_SkipsNodesWithoutHeadroom(t *testing.T) {
	full := node("node-a", 16000, 0, 1) // no residual CPU
	capped := node("node-b", 0, 0, 32)  // at container capacity

	s := New(&fakeNodeLister{nodes: []*db.RuntimeNode{full, capped}})

	_, err := s.Schedule(context.Background(), "img", smallRequest())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "no_capacity")
}

func TestSchedule_NoOnlineNodes_FailsFast(t *testing.T) {
	offline := node("node-a", 0, 0, 0)
	offline.Status = db.NodeOffline

	s := New(&fakeNodeLister{nodes: []*db.RuntimeNode{offline}})

	start := time.Now()
	_, err := s.Schedule(context.Background(), "img", smallRequest())
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "no_capacity")
	// No retry loop: the failure surfaces immediately.
	assert.Less(t, elapsed, 100*time.Millisecond)
}

func TestScore_Weights(t *testing.T) {
	empty := node("node-a", 0, 0, 0)
	assert.InDelta(t, 0.70, score(empty, "img"), 0.0001)

	empty.CachedImages = []string{"img"}
	assert.InDelta(t, 1.00, score(empty, "img"), 0.0001)

	half := node("node-b", 8000, 16*1024*1024*1024, 16)
	assert.InDelta(t, 0.35, score(half, "img"), 0.0001)
}
