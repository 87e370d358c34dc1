package orchestration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockTable_AcquireRelease(t *testing.T) {
	lt := newLockTable()

	ok, info := lt.Acquire("o1", "sync")
	require.True(t, ok)
	assert.Equal(t, "sync", info.Owner)

	ok, holder := lt.Acquire("o1", "cleanup")
	assert.False(t, ok)
	assert.Equal(t, "sync", holder.Owner)

	// Wrong owner cannot release.
	lt.Release("o1", "cleanup")
	_, held := lt.Holder("o1")
	assert.True(t, held)

	lt.Release("o1", "sync")
	_, held = lt.Holder("o1")
	assert.False(t, held)

	ok, _ = lt.Acquire("o1", "cleanup")
	assert.True(t, ok)
}

func TestLockTable_StaleSeize(t *testing.T) {
	lt := newLockTable()
	now := time.Now()
	lt.now = func() time.Time { return now }

	ok, _ := lt.Acquire("o1", "crashed-sync")
	require.True(t, ok)

	// Within the stale window the lock holds.
	lt.now = func() time.Time { return now.Add(staleLockAge - time.Minute) }
	ok, _ = lt.Acquire("o1", "cleanup")
	assert.False(t, ok)

	// Past it, a new owner seizes.
	lt.now = func() time.Time { return now.Add(staleLockAge + time.Minute) }
	ok, info := lt.Acquire("o1", "cleanup")
	assert.True(t, ok)
	assert.Equal(t, "cleanup", info.Owner)
}

func TestLockTable_CreateLockIsPerPath(t *testing.T) {
	lt := newLockTable()
	a := lt.CreateLock("/p1")
	b := lt.CreateLock("/p1")
	c := lt.CreateLock("/p2")
	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
}

func TestLockTable_Drop(t *testing.T) {
	lt := newLockTable()
	ok, _ := lt.Acquire("o1", "sync")
	require.True(t, ok)
	lt.Drop("o1")
	_, held := lt.Holder("o1")
	assert.False(t, held)
}
