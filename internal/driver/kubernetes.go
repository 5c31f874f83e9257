// Package driver abstracts container runtime operations.
//
// This file implements the Kubernetes driver. Each session is realized
// as a bare Pod (the reconciler owns recreation, so a Deployment's
// self-healing would fight it), pinned to the runtime node the scheduler
// selected. The workspace is a PersistentVolumeClaim whose name is
// derived from the session id; Destroy removes the Pod but keeps the
// claim so files survive reincarnation. Dependency install runs in an
// init container that reports success by exiting 0.
package driver

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/sandpool-dev/sandpool/internal/db"
	"github.com/sandpool-dev/sandpool/internal/logger"
)

// KubernetesDriver realizes containers as Pods in a single namespace.
type KubernetesDriver struct {
	client     kubernetes.Interface
	namespace  string
	capacity   int
	httpClient *http.Client
}

// NewKubernetesDriver builds a driver from in-cluster config, falling
// back to the local kubeconfig for development.
func NewKubernetesDriver(namespace string, capacity int) (*KubernetesDriver, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
		cfg, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
			loadingRules, &clientcmd.ConfigOverrides{}).ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to load kubernetes config: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}

	return NewKubernetesDriverWithClient(clientset, namespace, capacity), nil
}

// NewKubernetesDriverWithClient wires an existing clientset (tests use a
// fake one).
func NewKubernetesDriverWithClient(client kubernetes.Interface, namespace string, capacity int) *KubernetesDriver {
	return &KubernetesDriver{
		client:     client,
		namespace:  namespace,
		capacity:   capacity,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// Kind returns the runtime kind.
func (d *KubernetesDriver) Kind() string {
	return db.RuntimeKubernetes
}

// podName derives the Pod name from the session id.
func podName(sessionID string) string {
	return "sandbox-" + strings.ReplaceAll(sessionID, "_", "-")
}

// claimName extracts the PVC name from a pvc:// workspace URI.
func claimName(workspaceURI string) string {
	return strings.TrimPrefix(workspaceURI, "pvc://")
}

// DiscoverNodes lists the cluster's schedulable nodes as runtime nodes.
func (d *KubernetesDriver) DiscoverNodes(ctx context.Context) ([]*db.RuntimeNode, error) {
	nodeList, err := d.client.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list cluster nodes: %w", err)
	}

	var nodes []*db.RuntimeNode
	for _, n := range nodeList.Items {
		if n.Spec.Unschedulable {
			continue
		}
		node := &db.RuntimeNode{
			ID:       n.Name,
			Kind:     db.RuntimeKubernetes,
			Endpoint: n.Name,
			Status:   db.NodeOnline,
			Capacity: d.capacity,
		}
		if cpu, ok := n.Status.Allocatable[corev1.ResourceCPU]; ok {
			node.CPUTotalMillis = cpu.MilliValue()
		}
		if mem, ok := n.Status.Allocatable[corev1.ResourceMemory]; ok {
			node.MemoryTotalBytes = mem.Value()
		}
		for _, img := range n.Status.Images {
			node.CachedImages = append(node.CachedImages, img.Names...)
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// EnsureImage is a no-op: the kubelet pulls on Pod admission and the
// node's cached image set already feeds the scheduler's affinity score.
func (d *KubernetesDriver) EnsureImage(ctx context.Context, node *db.RuntimeNode, imageRef string) error {
	return nil
}

// CreateContainer creates the workspace PVC (first incarnation only) and
// the session Pod, pinned to the selected node.
func (d *KubernetesDriver) CreateContainer(ctx context.Context, node *db.RuntimeNode, spec *ContainerSpec) (string, error) {
	if err := validateSpec(spec); err != nil {
		return "", err
	}

	if err := d.ensureWorkspaceClaim(ctx, spec); err != nil {
		return "", err
	}

	env := standardEnv(spec)
	envVars := make([]corev1.EnvVar, 0, len(env))
	for k, v := range env {
		envVars = append(envVars, corev1.EnvVar{Name: k, Value: v})
	}
	sort.Slice(envVars, func(i, j int) bool { return envVars[i].Name < envVars[j].Name })

	cpuLimit := resource.NewMilliQuantity(spec.CPUMillis, resource.DecimalSI)
	memLimit := resource.NewQuantity(spec.MemoryBytes, resource.BinarySI)

	runAsUser := int64(1000)
	runAsGroup := int64(1000)
	nonRoot := true
	noEscalation := false

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      podName(spec.SessionID),
			Namespace: d.namespace,
			Labels: map[string]string{
				"app":        "sandpool-sandbox",
				"session-id": spec.SessionID,
			},
		},
		Spec: corev1.PodSpec{
			NodeName:      node.ID,
			RestartPolicy: corev1.RestartPolicyNever,
			SecurityContext: &corev1.PodSecurityContext{
				RunAsUser:    &runAsUser,
				RunAsGroup:   &runAsGroup,
				RunAsNonRoot: &nonRoot,
				SeccompProfile: &corev1.SeccompProfile{
					Type: corev1.SeccompProfileTypeRuntimeDefault,
				},
			},
			Volumes: []corev1.Volume{
				{
					Name: "workspace",
					VolumeSource: corev1.VolumeSource{
						PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
							ClaimName: claimName(spec.WorkspaceURI),
						},
					},
				},
				{
					Name: "tmp",
					VolumeSource: corev1.VolumeSource{
						EmptyDir: &corev1.EmptyDirVolumeSource{
							Medium: corev1.StorageMediumMemory,
						},
					},
				},
			},
			Containers: []corev1.Container{
				{
					Name:  "sandbox",
					Image: spec.ImageRef,
					Env:   envVars,
					Ports: []corev1.ContainerPort{
						{Name: "executor", ContainerPort: ExecutorPort},
					},
					Resources: corev1.ResourceRequirements{
						Limits: corev1.ResourceList{
							corev1.ResourceCPU:    *cpuLimit,
							corev1.ResourceMemory: *memLimit,
						},
					},
					SecurityContext: &corev1.SecurityContext{
						AllowPrivilegeEscalation: &noEscalation,
						Capabilities: &corev1.Capabilities{
							Drop: []corev1.Capability{"ALL"},
						},
					},
					VolumeMounts: []corev1.VolumeMount{
						{Name: "workspace", MountPath: "/workspace"},
						{Name: "tmp", MountPath: "/tmp"},
					},
				},
			},
		},
	}

	// Dependency install runs as an init container so it uses the
	// image's own toolchain; exit 0 means success and the executor
	// reports the outcome to the control plane on startup.
	if len(spec.Dependencies) > 0 {
		args := append([]string{"install", "--no-cache-dir"}, spec.Dependencies...)
		pod.Spec.InitContainers = []corev1.Container{
			{
				Name:    "dependency-install",
				Image:   spec.ImageRef,
				Command: []string{"pip"},
				Args:    args,
				VolumeMounts: []corev1.VolumeMount{
					{Name: "workspace", MountPath: "/workspace"},
				},
			},
		}
	}

	created, err := d.client.CoreV1().Pods(d.namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to create pod %s: %w", pod.Name, err)
	}

	logger.Driver().Info().
		Str("node_id", node.ID).
		Str("session_id", spec.SessionID).
		Str("pod", created.Name).
		Msg("Pod created")

	return d.namespace + "/" + created.Name, nil
}

// ensureWorkspaceClaim creates the session's PVC if it does not exist.
// Reincarnations find the claim already present and reuse it.
func (d *KubernetesDriver) ensureWorkspaceClaim(ctx context.Context, spec *ContainerSpec) error {
	name := claimName(spec.WorkspaceURI)

	_, err := d.client.CoreV1().PersistentVolumeClaims(d.namespace).Get(ctx, name, metav1.GetOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to check workspace claim %s: %w", name, err)
	}

	size := resource.NewQuantity(10*1024*1024*1024, resource.BinarySI)
	pvc := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: d.namespace,
			Labels: map[string]string{
				"app":        "sandpool-sandbox",
				"session-id": spec.SessionID,
			},
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{
					corev1.ResourceStorage: *size,
				},
			},
		},
	}

	_, err = d.client.CoreV1().PersistentVolumeClaims(d.namespace).Create(ctx, pvc, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("failed to create workspace claim %s: %w", name, err)
	}
	return nil
}

// WaitReady polls the executor's health endpoint through the pod IP.
func (d *KubernetesDriver) WaitReady(ctx context.Context, handle string, deadline time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		endpoint, err := d.ExecutorEndpoint(ctx, handle)
		if err == nil {
			req, rerr := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/health", nil)
			if rerr == nil {
				resp, derr := d.httpClient.Do(req)
				if derr == nil {
					resp.Body.Close()
					if resp.StatusCode == http.StatusOK {
						return nil
					}
				}
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for executor in pod %s", handle)
		case <-ticker.C:
		}
	}
}

// IsRunning queries the API server directly for pod phase. A pending pod,
// including one whose phase is not yet reported, counts as running.
func (d *KubernetesDriver) IsRunning(ctx context.Context, handle string) (bool, error) {
	namespace, name, err := splitHandle(handle)
	if err != nil {
		return false, err
	}

	pod, err := d.client.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get pod %s: %w", name, err)
	}
	phase := pod.Status.Phase
	return phase == "" || phase == corev1.PodRunning || phase == corev1.PodPending, nil
}

// Destroy deletes the Pod but keeps the workspace claim. Deleting an
// already-gone Pod returns ok.
func (d *KubernetesDriver) Destroy(ctx context.Context, handle string) error {
	namespace, name, err := splitHandle(handle)
	if err != nil {
		return err
	}

	err = d.client.CoreV1().Pods(namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete pod %s: %w", name, err)
	}
	return nil
}

// Logs returns the tail of the sandbox container's log. Best effort.
func (d *KubernetesDriver) Logs(ctx context.Context, handle string, tail int) (string, error) {
	namespace, name, err := splitHandle(handle)
	if err != nil {
		return "", err
	}

	tailLines := int64(tail)
	req := d.client.CoreV1().Pods(namespace).GetLogs(name, &corev1.PodLogOptions{
		Container: "sandbox",
		TailLines: &tailLines,
	})
	data, err := req.DoRaw(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read logs for pod %s: %w", name, err)
	}
	return string(data), nil
}

// ExecutorEndpoint resolves the executor URL from the pod IP.
func (d *KubernetesDriver) ExecutorEndpoint(ctx context.Context, handle string) (string, error) {
	namespace, name, err := splitHandle(handle)
	if err != nil {
		return "", err
	}

	pod, err := d.client.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to get pod %s: %w", name, err)
	}
	if pod.Status.PodIP == "" {
		return "", fmt.Errorf("pod %s has no address yet", name)
	}
	return fmt.Sprintf("http://%s:%d", pod.Status.PodIP, ExecutorPort), nil
}

// ProbeNode checks the cluster node's Ready condition and snapshots the
// sandbox pod count and cached images.
func (d *KubernetesDriver) ProbeNode(ctx context.Context, node *db.RuntimeNode) (*NodeHealth, error) {
	n, err := d.client.CoreV1().Nodes().Get(ctx, node.ID, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("kubernetes node %s unreachable: %w", node.ID, err)
	}

	ready := false
	for _, cond := range n.Status.Conditions {
		if cond.Type == corev1.NodeReady && cond.Status == corev1.ConditionTrue {
			ready = true
			break
		}
	}
	if !ready {
		return nil, fmt.Errorf("kubernetes node %s is not ready", node.ID)
	}

	pods, err := d.client.CoreV1().Pods(d.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "app=sandpool-sandbox",
		FieldSelector: "spec.nodeName=" + node.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list sandbox pods on node %s: %w", node.ID, err)
	}

	var cached []string
	for _, img := range n.Status.Images {
		cached = append(cached, img.Names...)
	}

	health := &NodeHealth{
		ContainerCount: len(pods.Items),
		CachedImages:   cached,
	}
	if cpu, ok := n.Status.Allocatable[corev1.ResourceCPU]; ok {
		health.CPUTotalMillis = cpu.MilliValue()
	}
	if mem, ok := n.Status.Allocatable[corev1.ResourceMemory]; ok {
		health.MemoryTotalBytes = mem.Value()
	}
	return health, nil
}
