package ring

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBufferBoundedEvictsOldestFirst(t *testing.T) {
	b := New[int](3)
	for i := 1; i <= 5; i++ {
		b.Append(i)
	}

	assert.Equal(t, 3, b.Len())
	assert.Equal(t, []int{3, 4, 5}, b.Snapshot(0))
}

func TestBufferSnapshotLimit(t *testing.T) {
	b := New[int](5)
	for i := 1; i <= 5; i++ {
		b.Append(i)
	}

	assert.Equal(t, []int{4, 5}, b.Snapshot(2))
}

func TestBufferClear(t *testing.T) {
	b := New[string](2)
	b.Append("a")
	b.Append("b")
	b.Clear()

	assert.Equal(t, 0, b.Len())
	assert.Empty(t, b.Snapshot(0))
}
