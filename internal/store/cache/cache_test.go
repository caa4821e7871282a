package cache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/axiomq/store/internal/store/msgid"
)

func TestInsertAndGet(t *testing.T) {
	var c = New(1024)
	var id, _ = msgid.New()
	c.Insert(id, []byte("payload"))

	var got, ok = c.Get(id)
	require.True(t, ok)
	require.Equal(t, []byte("payload"), got)
	require.Equal(t, int64(len("payload")), c.Bytes())
}

func TestGetMissReturnsFalse(t *testing.T) {
	var c = New(1024)
	var id, _ = msgid.New()
	var _, ok = c.Get(id)
	require.False(t, ok)
}

func TestEvictsLeastRecentlyUsedOnOverflow(t *testing.T) {
	var c = New(10)
	var id1, _ = msgid.New()
	var id2, _ = msgid.New()
	var id3, _ = msgid.New()

	c.Insert(id1, make([]byte, 5))
	c.Insert(id2, make([]byte, 5))
	// Touch id1 so id2 becomes least-recently-used.
	c.Get(id1)
	c.Insert(id3, make([]byte, 5))

	var _, ok1 = c.Get(id1)
	var _, ok2 = c.Get(id2)
	var _, ok3 = c.Get(id3)
	require.True(t, ok1)
	require.False(t, ok2)
	require.True(t, ok3)
}

func TestReleaseDecrementsAndEvictsAtZero(t *testing.T) {
	var c = New(1024)
	var id, _ = msgid.New()
	c.Insert(id, []byte("x")) // refcount starts at 0.
	c.Bump(id)                // refcount 1.
	c.Bump(id)                // refcount 2.

	c.Release(id) // refcount 1: still present.
	var _, ok = c.Get(id)
	require.True(t, ok)

	c.Release(id) // refcount 0: evicted.
	_, ok = c.Get(id)
	require.False(t, ok)
}

func TestReleaseOnMissIsSilentlyIgnored(t *testing.T) {
	var c = New(1024)
	var id, _ = msgid.New()
	require.NotPanics(t, func() { c.Release(id) })
}

func TestRemoveForciblyEvicts(t *testing.T) {
	var c = New(1024)
	var id, _ = msgid.New()
	c.Insert(id, []byte("x"))
	c.Bump(id)
	c.Bump(id)

	c.Remove(id)
	var _, ok = c.Get(id)
	require.False(t, ok)
}
