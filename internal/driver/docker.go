// Package driver abstracts container runtime operations.
//
// This file implements the Docker driver. Containers are named
// sandbox-<session_id>, labeled with the session id for reverse lookup,
// attached to a dedicated bridge network (the executor needs a route to
// the control plane for callbacks), and their workspace is a host-path
// bind derived from the session's workspace URI. Dependency install is a
// wrapping entrypoint script written at create time.
package driver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"

	"github.com/sandpool-dev/sandpool/internal/db"
	"github.com/sandpool-dev/sandpool/internal/logger"
)

const (
	dockerNetworkName = "sandpool"
	sessionLabel      = "sandpool.session-id"
	componentLabel    = "sandpool.component"
)

// DockerDriver realizes containers against one or more Docker daemons.
type DockerDriver struct {
	mu      sync.Mutex
	clients map[string]*client.Client // node id -> client

	nodes map[string]string // node id -> endpoint

	httpClient *http.Client
}

// NewDockerDriver creates a Docker driver over the statically registered
// node endpoints.
func NewDockerDriver(nodes map[string]string) *DockerDriver {
	return &DockerDriver{
		clients:    make(map[string]*client.Client),
		nodes:      nodes,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// Kind returns the runtime kind.
func (d *DockerDriver) Kind() string {
	return db.RuntimeDocker
}

// clientFor returns (creating lazily) the Docker client for a node.
func (d *DockerDriver) clientFor(nodeID string) (*client.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if c, ok := d.clients[nodeID]; ok {
		return c, nil
	}
	endpoint, ok := d.nodes[nodeID]
	if !ok {
		return nil, fmt.Errorf("unknown docker node: %s", nodeID)
	}

	c, err := client.NewClientWithOpts(
		client.WithHost(endpoint),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client for node %s: %w", nodeID, err)
	}
	d.clients[nodeID] = c
	return c, nil
}

// splitHandle decodes a docker handle (<node_id>/<container_id>).
func splitHandle(handle string) (nodeID, containerID string, err error) {
	idx := strings.IndexByte(handle, '/')
	if idx <= 0 || idx == len(handle)-1 {
		return "", "", fmt.Errorf("malformed docker container handle: %s", handle)
	}
	return handle[:idx], handle[idx+1:], nil
}

// EnsureImage pulls the template image if it is not cached on the node.
func (d *DockerDriver) EnsureImage(ctx context.Context, node *db.RuntimeNode, imageRef string) error {
	cli, err := d.clientFor(node.ID)
	if err != nil {
		return err
	}

	// Check if image exists locally
	_, _, err = cli.ImageInspectWithRaw(ctx, imageRef)
	if err == nil {
		return nil
	}

	logger.Driver().Info().Str("node_id", node.ID).Str("image", imageRef).Msg("Pulling image")
	reader, err := cli.ImagePull(ctx, imageRef, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageRef, err)
	}
	defer reader.Close()

	// Wait for pull to complete
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to read pull response: %w", err)
	}
	return nil
}

// CreateContainer creates and starts a sandbox container on the node.
func (d *DockerDriver) CreateContainer(ctx context.Context, node *db.RuntimeNode, spec *ContainerSpec) (string, error) {
	if err := validateSpec(spec); err != nil {
		return "", err
	}
	cli, err := d.clientFor(node.ID)
	if err != nil {
		return "", err
	}

	if err := d.ensureNetwork(ctx, cli); err != nil {
		return "", err
	}

	env := standardEnv(spec)
	envList := make([]string, 0, len(env))
	for k, v := range env {
		envList = append(envList, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(envList)

	config := &container.Config{
		Image: spec.ImageRef,
		Env:   envList,
		User:  "1000:1000",
		Labels: map[string]string{
			componentLabel: "sandbox",
			sessionLabel:   spec.SessionID,
		},
	}

	// Dependency install runs in a wrapping entrypoint so it uses the
	// image's own Python toolchain; the executor reports the outcome to
	// the control plane after it starts.
	if len(spec.Dependencies) > 0 {
		config.Entrypoint = []string{"/bin/sh", "-c", installWrapper(spec.Dependencies)}
	}

	pidsLimit := int64(128)
	hostConfig := &container.HostConfig{
		NetworkMode: container.NetworkMode(dockerNetworkName),
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges:true"},
		Tmpfs:       map[string]string{"/tmp": "rw,size=268435456"},
		Resources: container.Resources{
			Memory:    spec.MemoryBytes,
			NanoCPUs:  spec.CPUMillis * 1_000_000,
			PidsLimit: &pidsLimit,
		},
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: workspaceHostPath(spec.WorkspaceURI),
				Target: "/workspace",
			},
		},
	}

	networkConfig := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			dockerNetworkName: {},
		},
	}

	containerName := fmt.Sprintf("sandbox-%s", spec.SessionID)
	resp, err := cli.ContainerCreate(ctx, config, hostConfig, networkConfig, nil, containerName)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", containerName, err)
	}

	if err := cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		// Roll the created container back so a retry does not collide on
		// the name.
		_ = cli.ContainerRemove(ctx, resp.ID, types.ContainerRemoveOptions{Force: true})
		return "", fmt.Errorf("failed to start container %s: %w", containerName, err)
	}

	logger.Driver().Info().
		Str("node_id", node.ID).
		Str("session_id", spec.SessionID).
		Str("container_id", resp.ID[:12]).
		Msg("Container started")

	return node.ID + "/" + resp.ID, nil
}

// installWrapper builds the entrypoint command that installs requested
// packages before handing off to the executor.
func installWrapper(specs []string) string {
	quoted := make([]string, len(specs))
	for i, s := range specs {
		quoted[i] = "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
	}
	return fmt.Sprintf("pip install --no-cache-dir %s; exec /usr/local/bin/sandbox-executor", strings.Join(quoted, " "))
}

// workspaceHostPath strips the file:// scheme from a docker workspace URI.
func workspaceHostPath(uri string) string {
	return strings.TrimPrefix(uri, "file://")
}

// ensureNetwork creates the sandbox bridge network if it does not exist.
func (d *DockerDriver) ensureNetwork(ctx context.Context, cli *client.Client) error {
	networks, err := cli.NetworkList(ctx, types.NetworkListOptions{
		Filters: filters.NewArgs(filters.Arg("name", dockerNetworkName)),
	})
	if err != nil {
		return fmt.Errorf("failed to list networks: %w", err)
	}
	for _, net := range networks {
		if net.Name == dockerNetworkName {
			return nil
		}
	}

	_, err = cli.NetworkCreate(ctx, dockerNetworkName, types.NetworkCreate{
		Driver: "bridge",
		Labels: map[string]string{componentLabel: "session-network"},
	})
	if err != nil {
		return fmt.Errorf("failed to create network %s: %w", dockerNetworkName, err)
	}
	return nil
}

// WaitReady polls the executor's health endpoint until it answers.
func (d *DockerDriver) WaitReady(ctx context.Context, handle string, deadline time.Duration) error {
	endpoint, err := d.ExecutorEndpoint(ctx, handle)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/health", nil)
		if err != nil {
			return err
		}
		resp, err := d.httpClient.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for executor at %s", endpoint)
		case <-ticker.C:
		}
	}
}

// IsRunning queries the Docker daemon directly for container liveness.
func (d *DockerDriver) IsRunning(ctx context.Context, handle string) (bool, error) {
	nodeID, containerID, err := splitHandle(handle)
	if err != nil {
		return false, err
	}
	cli, err := d.clientFor(nodeID)
	if err != nil {
		return false, err
	}

	inspect, err := cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to inspect container %s: %w", containerID, err)
	}
	return inspect.State.Running, nil
}

// Destroy force-removes the container. Removing an already-gone
// container returns ok.
func (d *DockerDriver) Destroy(ctx context.Context, handle string) error {
	nodeID, containerID, err := splitHandle(handle)
	if err != nil {
		return err
	}
	cli, err := d.clientFor(nodeID)
	if err != nil {
		return err
	}

	err = cli.ContainerRemove(ctx, containerID, types.ContainerRemoveOptions{
		Force:         true,
		RemoveVolumes: false, // workspace binds survive reincarnation
	})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove container %s: %w", containerID, err)
	}
	return nil
}

// Logs returns the container's recent output. Best effort.
func (d *DockerDriver) Logs(ctx context.Context, handle string, tail int) (string, error) {
	nodeID, containerID, err := splitHandle(handle)
	if err != nil {
		return "", err
	}
	cli, err := d.clientFor(nodeID)
	if err != nil {
		return "", err
	}

	reader, err := cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       fmt.Sprintf("%d", tail),
	})
	if err != nil {
		return "", fmt.Errorf("failed to read logs for container %s: %w", containerID, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("failed to drain logs for container %s: %w", containerID, err)
	}
	return string(data), nil
}

// ExecutorEndpoint resolves the executor URL from the container's address
// on the sandbox network.
func (d *DockerDriver) ExecutorEndpoint(ctx context.Context, handle string) (string, error) {
	nodeID, containerID, err := splitHandle(handle)
	if err != nil {
		return "", err
	}
	cli, err := d.clientFor(nodeID)
	if err != nil {
		return "", err
	}

	inspect, err := cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return "", fmt.Errorf("failed to inspect container %s: %w", containerID, err)
	}
	settings, ok := inspect.NetworkSettings.Networks[dockerNetworkName]
	if !ok || settings.IPAddress == "" {
		return "", fmt.Errorf("container %s has no address on network %s", containerID, dockerNetworkName)
	}
	return fmt.Sprintf("http://%s:%d", settings.IPAddress, ExecutorPort), nil
}

// ProbeNode pings the daemon and snapshots container count and cached
// images. CPU/memory attribution is derived by the caller from the
// resource limits of sessions bound to the node.
func (d *DockerDriver) ProbeNode(ctx context.Context, node *db.RuntimeNode) (*NodeHealth, error) {
	cli, err := d.clientFor(node.ID)
	if err != nil {
		return nil, err
	}

	info, err := cli.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("docker node %s unreachable: %w", node.ID, err)
	}

	containers, err := cli.ContainerList(ctx, types.ContainerListOptions{
		Filters: filters.NewArgs(filters.Arg("label", componentLabel+"=sandbox")),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers on node %s: %w", node.ID, err)
	}

	images, err := cli.ImageList(ctx, types.ImageListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list images on node %s: %w", node.ID, err)
	}
	var cached []string
	for _, img := range images {
		cached = append(cached, img.RepoTags...)
	}

	return &NodeHealth{
		CPUTotalMillis:   int64(info.NCPU) * 1000,
		MemoryTotalBytes: info.MemTotal,
		ContainerCount:   len(containers),
		CachedImages:     cached,
	}, nil
}
