package ids

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewULID(t *testing.T) {
	id := NewULID()
	assert.Len(t, id, 26)
}

func TestNewULID_Unique(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		id := NewULID()
		_, dup := seen[id]
		assert.False(t, dup, "duplicate ULID %s", id)
		seen[id] = struct{}{}
	}
}

func TestNewULID_Monotonic(t *testing.T) {
	prev := NewULID()
	for i := 0; i < 100; i++ {
		next := NewULID()
		assert.Less(t, prev, next)
		prev = next
	}
}
