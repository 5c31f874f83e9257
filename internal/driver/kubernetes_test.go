package driver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/sandpool-dev/sandpool/internal/db"
)

func testSpec() *ContainerSpec {
	return &ContainerSpec{
		SessionID:        "sess_abc",
		ImageRef:         "sandpool/python:3.12",
		WorkspaceURI:     "pvc://sandpool-ws-sess-abc",
		CPUMillis:        1000,
		MemoryBytes:      2 * 1024 * 1024 * 1024,
		ControlPlaneURL:  "http://control-plane:8000",
		InternalAPIToken: "tok",
	}
}

func TestKubernetesCreateContainer(t *testing.T) {
	client := fake.NewSimpleClientset()
	d := NewKubernetesDriverWithClient(client, "sandpool", 32)
	node := &db.RuntimeNode{ID: "worker-1", Kind: db.RuntimeKubernetes}

	handle, err := d.CreateContainer(context.Background(), node, testSpec())

	require.NoError(t, err)
	assert.Equal(t, "sandpool/sandbox-sess-abc", handle)

	pod, err := client.CoreV1().Pods("sandpool").Get(context.Background(), "sandbox-sess-abc", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "worker-1", pod.Spec.NodeName)
	assert.Equal(t, corev1.RestartPolicyNever, pod.Spec.RestartPolicy)
	require.Len(t, pod.Spec.Containers, 1)
	assert.Equal(t, "sandpool/python:3.12", pod.Spec.Containers[0].Image)
	assert.Empty(t, pod.Spec.InitContainers)

	// Workspace claim exists and is reused on the next incarnation.
	pvc, err := client.CoreV1().PersistentVolumeClaims("sandpool").Get(context.Background(), "sandpool-ws-sess-abc", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "sess_abc", pvc.Labels["session-id"])
}

func TestKubernetesCreateContainer_DependencyInitContainer(t *testing.T) {
	client := fake.NewSimpleClientset()
	d := NewKubernetesDriverWithClient(client, "sandpool", 32)
	node := &db.RuntimeNode{ID: "worker-1"}

	spec := testSpec()
	spec.Dependencies = []string{"numpy==1.26.0", "requests"}

	_, err := d.CreateContainer(context.Background(), node, spec)
	require.NoError(t, err)

	pod, err := client.CoreV1().Pods("sandpool").Get(context.Background(), "sandbox-sess-abc", metav1.GetOptions{})
	require.NoError(t, err)
	require.Len(t, pod.Spec.InitContainers, 1)
	assert.Equal(t, "dependency-install", pod.Spec.InitContainers[0].Name)
	assert.Equal(t, []string{"pip"}, pod.Spec.InitContainers[0].Command)
	assert.Contains(t, pod.Spec.InitContainers[0].Args, "numpy==1.26.0")
}

func TestKubernetesIsRunningAndDestroy(t *testing.T) {
	client := fake.NewSimpleClientset()
	d := NewKubernetesDriverWithClient(client, "sandpool", 32)
	node := &db.RuntimeNode{ID: "worker-1"}

	handle, err := d.CreateContainer(context.Background(), node, testSpec())
	require.NoError(t, err)

	// A pending pod still counts as attributed to the session.
	running, err := d.IsRunning(context.Background(), handle)
	require.NoError(t, err)
	assert.True(t, running)

	require.NoError(t, d.Destroy(context.Background(), handle))

	running, err = d.IsRunning(context.Background(), handle)
	require.NoError(t, err)
	assert.False(t, running)

	// Destroy is idempotent: the pod is already gone.
	assert.NoError(t, d.Destroy(context.Background(), handle))

	// The workspace claim survives for the next incarnation.
	_, err = client.CoreV1().PersistentVolumeClaims("sandpool").Get(context.Background(), "sandpool-ws-sess-abc", metav1.GetOptions{})
	assert.NoError(t, err)
}

func TestKubernetesDiscoverNodes(t *testing.T) {
	schedulable := &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: "worker-1"},
	}
	cordoned := &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: "worker-2"},
		Spec:       corev1.NodeSpec{Unschedulable: true},
	}

	client := fake.NewSimpleClientset(schedulable, cordoned)
	d := NewKubernetesDriverWithClient(client, "sandpool", 16)

	nodes, err := d.DiscoverNodes(context.Background())

	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "worker-1", nodes[0].ID)
	assert.Equal(t, db.NodeOnline, nodes[0].Status)
	assert.Equal(t, 16, nodes[0].Capacity)
}
