package artifacts

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "sessions/sess_1/data/input.csv", objectKey("sess_1", "data/input.csv"))
	// Leading slashes collapse so clients cannot escape the prefix into
	// another session's tree.
	assert.Equal(t, "sessions/sess_1/seed.txt", objectKey("sess_1", "/seed.txt"))
}

func TestSessionPrefix(t *testing.T) {
	assert.Equal(t, "sessions/sess_1/", sessionPrefix("sess_1"))
}
