package execution

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractReturnValue(t *testing.T) {
	stdout := "prelude output\n===SANDBOX_RESULT===\n{\"n\": 42}\n===SANDBOX_RESULT_END===\ntrailing"

	val := extractReturnValue(stdout)

	require.NotNil(t, val)
	var decoded map[string]int
	require.NoError(t, json.Unmarshal(val, &decoded))
	assert.Equal(t, 42, decoded["n"])
}

func TestExtractReturnValue_MarkersAbsent(t *testing.T) {
	assert.Nil(t, extractReturnValue("plain output, no markers"))
}

func TestExtractReturnValue_MissingEndMarker(t *testing.T) {
	assert.Nil(t, extractReturnValue("===SANDBOX_RESULT===\n{\"n\": 1}"))
}

func TestExtractReturnValue_InvalidJSON(t *testing.T) {
	assert.Nil(t, extractReturnValue("===SANDBOX_RESULT===\nnot json at all\n===SANDBOX_RESULT_END==="))
}

func TestExtractReturnValue_EmptyBlock(t *testing.T) {
	assert.Nil(t, extractReturnValue("===SANDBOX_RESULT======SANDBOX_RESULT_END==="))
}

func TestStripResultBlock(t *testing.T) {
	stdout := "before\n===SANDBOX_RESULT==={\"x\":1}===SANDBOX_RESULT_END===\nafter"

	clean := stripResultBlock(stdout)

	assert.Equal(t, "before\n\nafter", clean)
	assert.NotContains(t, clean, "SANDBOX_RESULT")
}

func TestStripResultBlock_NoMarkers(t *testing.T) {
	assert.Equal(t, "untouched", stripResultBlock("untouched"))
}

func TestSpillIfOversized_UnderCap(t *testing.T) {
	m := &Manager{cfg: Config{StdoutTruncateBytes: 64}}

	out := m.spillIfOversized(nil, "sess_1", "exec_1", "stdout", "short", nil)

	assert.Equal(t, "short", out)
}

func TestTruncationMarkerFormat(t *testing.T) {
	content := strings.Repeat("a", 100)
	limit := 64
	truncated := len(content) - limit

	marker := fmt.Sprintf("…[TRUNCATED %d bytes]", truncated)
	expected := content[:limit] + marker

	// The format the API promises: the kept prefix plus a trailing
	// marker naming the dropped byte count.
	assert.Equal(t, 64+len(marker), len(expected))
	assert.True(t, strings.HasSuffix(expected, "…[TRUNCATED 36 bytes]"))
}

func TestBackoff_CappedExponential(t *testing.T) {
	assert.Equal(t, "1s", backoff(0).String())
	assert.Equal(t, "2s", backoff(1).String())
	assert.Equal(t, "4s", backoff(2).String())
	assert.Equal(t, "8s", backoff(3).String())
	assert.Equal(t, "10s", backoff(4).String())
	assert.Equal(t, "10s", backoff(10).String())
}
