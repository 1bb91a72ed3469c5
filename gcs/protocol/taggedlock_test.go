package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaggedLockOptimisticRead(t *testing.T) {
	var l TaggedLock

	tag := l.OptimisticRead()
	assert.False(t, tag.Locked)
	assert.True(t, l.Validate(tag))

	held, ok := l.TryLock()
	require.True(t, ok)
	assert.True(t, held.Locked)
	assert.False(t, l.Validate(tag))
	assert.False(t, l.Validate(l.OptimisticRead()))

	_, ok = l.TryLock()
	assert.False(t, ok)

	require.True(t, l.Unlock(held))
	assert.False(t, l.Unlock(held))

	// a tag taken before the lock/unlock cycle stays invalid
	assert.False(t, l.Validate(tag))
	assert.True(t, l.Validate(l.OptimisticRead()))
	assert.Equal(t, tag.Generation+2, l.OptimisticRead().Generation)
}

func TestTagPacking(t *testing.T) {
	for _, tag := range []Tag{
		{},
		{Locked: true, Generation: 1},
		{Locked: false, Generation: 1 << 40},
	} {
		assert.Equal(t, tag, unpackTag(tag.pack()))
	}
}
