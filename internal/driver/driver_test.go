package driver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitHandle(t *testing.T) {
	node, id, err := splitHandle("local/abcdef123456")
	require.NoError(t, err)
	assert.Equal(t, "local", node)
	assert.Equal(t, "abcdef123456", id)

	// Kubernetes handles carry namespace/pod.
	ns, pod, err := splitHandle("sandpool/sandbox-sess-1")
	require.NoError(t, err)
	assert.Equal(t, "sandpool", ns)
	assert.Equal(t, "sandbox-sess-1", pod)
}

func TestSplitHandle_Malformed(t *testing.T) {
	for _, handle := range []string{"", "no-separator", "/leading", "trailing/"} {
		_, _, err := splitHandle(handle)
		assert.Error(t, err, "handle %q", handle)
	}
}

func TestStandardEnv(t *testing.T) {
	spec := &ContainerSpec{
		SessionID:        "sess_1",
		ControlPlaneURL:  "http://control-plane:8000",
		InternalAPIToken: "tok",
		Env:              map[string]string{"USER_VAR": "x"},
	}

	env := standardEnv(spec)

	assert.Equal(t, "sess_1", env["SESSION_ID"])
	assert.Equal(t, "http://control-plane:8000", env["CONTROL_PLANE_URL"])
	assert.Equal(t, "tok", env["INTERNAL_API_TOKEN"])
	assert.Equal(t, "x", env["USER_VAR"])
}

func TestStandardEnv_UserVarOverridesStandardVar(t *testing.T) {
	// User-supplied vars are merged over the standard set; the token is
	// whatever the spec carries, so a user var of the same name wins the
	// merge — the session manager never forwards one, but the driver
	// contract is worth pinning.
	spec := &ContainerSpec{
		SessionID:        "sess_1",
		InternalAPIToken: "tok",
		Env:              map[string]string{"SESSION_ID": "spoofed"},
	}

	env := standardEnv(spec)
	assert.Equal(t, "spoofed", env["SESSION_ID"])
}

func TestValidateSpec(t *testing.T) {
	valid := &ContainerSpec{
		SessionID:    "sess_1",
		ImageRef:     "sandpool/python:3.12",
		WorkspaceURI: "file:///w/sess_1",
	}
	assert.NoError(t, validateSpec(valid))

	assert.Error(t, validateSpec(&ContainerSpec{ImageRef: "img", WorkspaceURI: "w"}))
	assert.Error(t, validateSpec(&ContainerSpec{SessionID: "s", WorkspaceURI: "w"}))
	assert.Error(t, validateSpec(&ContainerSpec{SessionID: "s", ImageRef: "img"}))
}

func TestInstallWrapper_QuotesSpecs(t *testing.T) {
	cmd := installWrapper([]string{"numpy==1.26.0", "pandas>=2.0"})

	assert.Contains(t, cmd, "pip install --no-cache-dir 'numpy==1.26.0' 'pandas>=2.0'")
	assert.Contains(t, cmd, "exec /usr/local/bin/sandbox-executor")
}

func TestInstallWrapper_EscapesSingleQuotes(t *testing.T) {
	cmd := installWrapper([]string{"evil'; rm -rf /"})

	// The embedded quote is rewritten to '\'' so the spec cannot break
	// out of its single-quoted argument.
	assert.Contains(t, cmd, `'evil'\''; rm -rf /'`)
}

func TestWorkspaceHostPath(t *testing.T) {
	assert.Equal(t, "/var/lib/sandpool/workspaces/sess_1",
		workspaceHostPath("file:///var/lib/sandpool/workspaces/sess_1"))
}

func TestPodAndClaimNames(t *testing.T) {
	assert.Equal(t, "sandbox-sess-abc", podName("sess_abc"))
	assert.Equal(t, "sandpool-ws-sess-abc", claimName("pvc://sandpool-ws-sess-abc"))
}
