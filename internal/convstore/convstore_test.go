package convstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

func TestAppendAssignsStrictlyIncreasingIndices(t *testing.T) {
	clock := testingclock.NewFakeClock(time.Now())
	s := NewWithClock(clock)

	u1, a1 := s.Append("conv-1", "P", "hi", "hello there")
	clock.Step(time.Minute)
	u2, a2 := s.Append("conv-1", "", "again", "sure")

	assert.Equal(t, 0, u1.Index)
	assert.Equal(t, 1, a1.Index)
	assert.Equal(t, 2, u2.Index)
	assert.Equal(t, 3, a2.Index)
}

func TestAppendParentChain(t *testing.T) {
	s := New()

	u1, a1 := s.Append("conv-1", "P", "hi", "hello there")
	assert.Equal(t, "P", u1.ParentMessageUUID)
	assert.Equal(t, u1.UUID, a1.ParentMessageUUID)

	u2, _ := s.Append("conv-1", "", "again", "sure")
	assert.Equal(t, a1.UUID, u2.ParentMessageUUID, "second turn's user message should chain off the prior assistant message")
}

func TestAppendRootParentWhenNoneSupplied(t *testing.T) {
	s := New()

	u1, _ := s.Append("conv-1", "", "hi", "hello")
	assert.Equal(t, RootParentUUID, u1.ParentMessageUUID)
}

func TestCurrentLeafAndHasMessages(t *testing.T) {
	s := New()
	assert.False(t, s.HasMessages("conv-1"))
	assert.Empty(t, s.CurrentLeaf("conv-1"))

	_, a1 := s.Append("conv-1", "P", "hi", "hello")
	assert.True(t, s.HasMessages("conv-1"))
	assert.Equal(t, a1.UUID, s.CurrentLeaf("conv-1"))
}

func TestDistinctConversationsAreIndependent(t *testing.T) {
	s := New()
	u1, _ := s.Append("conv-1", "P", "a", "b")
	u2, _ := s.Append("conv-2", "Q", "c", "d")

	require.NotEqual(t, u1.UUID, u2.UUID)
	assert.Equal(t, 0, u1.Index)
	assert.Equal(t, 0, u2.Index)
}
