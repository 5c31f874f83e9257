// Package driver abstracts container runtime operations behind a uniform
// interface so the session and execution managers never see Docker- or
// Kubernetes-specific mechanics.
//
// Both drivers implement the same contract:
//   - CreateContainer returns as soon as the runtime acknowledges the
//     object; readiness is reported uniformly by the in-container
//     executor calling the control plane's container_ready endpoint.
//   - IsRunning queries the underlying runtime directly and never
//     consults the entity store.
//   - Destroy is idempotent: destroying an already-gone container is ok.
//
// Divergence that stays inside the drivers: pod vs. container naming,
// PVC vs. host-path workspaces, init-container vs. wrapping-entrypoint
// dependency install.
package driver

import (
	"context"
	"fmt"
	"time"

	"github.com/sandpool-dev/sandpool/internal/db"
)

// Executor port inside every sandbox container.
const ExecutorPort = 8088

// ContainerSpec is the driver-neutral description of a sandbox container.
type ContainerSpec struct {
	SessionID string
	ImageRef  string

	// WorkspaceURI is the session's stable workspace location. The same
	// URI is passed on every reincarnation so files survive container
	// loss. Docker: file:// host path. Kubernetes: pvc:// claim name.
	WorkspaceURI string

	// Env is merged over the standard set (SESSION_ID,
	// CONTROL_PLANE_URL, INTERNAL_API_TOKEN) injected by the driver.
	Env map[string]string

	CPUMillis   int64
	MemoryBytes int64

	// Dependencies are package specs installed inside the container
	// before the executor accepts work. Empty means no install step.
	Dependencies []string

	ControlPlaneURL  string
	InternalAPIToken string
}

// NodeHealth is the capacity and utilization snapshot a probe collects
// from a node. Used CPU/memory attribution is computed by the caller
// from the limits of sessions bound to the node; the driver reports
// what the runtime knows: totals, container count, cached images.
type NodeHealth struct {
	CPUTotalMillis   int64
	MemoryTotalBytes int64
	ContainerCount   int
	CachedImages     []string
}

// Driver is the uniform contract over a container runtime.
type Driver interface {
	// Kind returns db.RuntimeDocker or db.RuntimeKubernetes.
	Kind() string

	// EnsureImage makes the template image available on the node. May be
	// a no-op when the image is already cached.
	EnsureImage(ctx context.Context, node *db.RuntimeNode, imageRef string) error

	// CreateContainer creates and starts a container on the node and
	// returns an opaque handle. The container is not guaranteed ready.
	CreateContainer(ctx context.Context, node *db.RuntimeNode, spec *ContainerSpec) (string, error)

	// WaitReady blocks until the executor's health endpoint answers or
	// the deadline elapses.
	WaitReady(ctx context.Context, handle string, deadline time.Duration) error

	// IsRunning queries the runtime directly for container liveness.
	IsRunning(ctx context.Context, handle string) (bool, error)

	// Destroy stops and removes the container. Idempotent.
	Destroy(ctx context.Context, handle string) error

	// Logs returns the last tail lines of container output. Best effort.
	Logs(ctx context.Context, handle string, tail int) (string, error)

	// ExecutorEndpoint returns the base URL of the in-container executor
	// reachable from the control plane through the driver's network.
	ExecutorEndpoint(ctx context.Context, handle string) (string, error)

	// ProbeNode checks node liveness and collects a utilization snapshot.
	ProbeNode(ctx context.Context, node *db.RuntimeNode) (*NodeHealth, error)
}

// standardEnv builds the env set every sandbox container receives.
func standardEnv(spec *ContainerSpec) map[string]string {
	env := map[string]string{
		"SESSION_ID":         spec.SessionID,
		"CONTROL_PLANE_URL":  spec.ControlPlaneURL,
		"INTERNAL_API_TOKEN": spec.InternalAPIToken,
	}
	for k, v := range spec.Env {
		env[k] = v
	}
	return env
}

// validateSpec rejects specs that would produce an unschedulable container.
func validateSpec(spec *ContainerSpec) error {
	if spec.SessionID == "" {
		return fmt.Errorf("container spec missing session id")
	}
	if spec.ImageRef == "" {
		return fmt.Errorf("container spec missing image ref")
	}
	if spec.WorkspaceURI == "" {
		return fmt.Errorf("container spec missing workspace uri")
	}
	return nil
}
