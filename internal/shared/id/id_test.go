package id

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSessionIDsHavePrefix(t *testing.T) {
	id := Session()
	assert.True(t, strings.HasPrefix(id, "sess_"), id)
	assert.Len(t, id, len("sess_")+26) // ULIDs are 26 chars
}

func TestIDsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := Session()
		assert.False(t, seen[id], id)
		seen[id] = true
	}
}

func TestIDsAreTimeOrdered(t *testing.T) {
	a := Default().Generate()
	time.Sleep(2 * time.Millisecond)
	b := Default().Generate()
	assert.Less(t, a, b)
}
