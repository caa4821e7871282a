package msgloc

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/axiomq/store/internal/store/kv"
	"github.com/axiomq/store/internal/store/msgid"
	"github.com/axiomq/store/internal/store/segment"
)

func newBoltIndex(t *testing.T) Index {
	t.Helper()
	var store, err = kv.OpenBolt(filepath.Join(t.TempDir(), "msgloc.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	var idx, derr = NewDiskIndex(store)
	require.NoError(t, derr)
	return idx
}

func testIndex(t *testing.T, idx Index) {
	var id, _ = msgid.New()
	var loc = Loc{Segment: 3, Offset: 128, Size: 64, Refcount: 1, Persistent: true}

	var _, ok, err = idx.Get(id)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, idx.InsertNew(id, loc))
	require.ErrorIs(t, idx.InsertNew(id, loc), ErrExists)

	var got, ok2, gerr = idx.Get(id)
	require.NoError(t, gerr)
	require.True(t, ok2)
	require.Equal(t, loc, got)

	loc.Refcount = 2
	require.NoError(t, idx.Insert(id, loc))
	got, _, _ = idx.Get(id)
	require.Equal(t, int64(2), got.Refcount)

	var matched int
	require.NoError(t, idx.MatchBySegment(3, func(_ msgid.ID, _ Loc) bool {
		matched++
		return true
	}))
	require.Equal(t, 1, matched)

	require.NoError(t, idx.Delete(id))
	_, ok3, _ := idx.Get(id)
	require.False(t, ok3)
}

func TestMemIndex(t *testing.T) {
	testIndex(t, NewMemIndex())
}

func TestDiskIndex(t *testing.T) {
	testIndex(t, newBoltIndex(t))
}

func TestSelectorSwitchToCopiesEntries(t *testing.T) {
	var mem = NewMemIndex()
	var id1, _ = msgid.New()
	var id2, _ = msgid.New()
	require.NoError(t, mem.InsertNew(id1, Loc{Segment: 0, Offset: 0, Size: 1, Refcount: 1}))
	require.NoError(t, mem.InsertNew(id2, Loc{Segment: 1, Offset: 0, Size: 1, Refcount: 1}))

	var sel = NewSelector(mem)
	var disk = newBoltIndex(t)
	require.NoError(t, sel.SwitchTo(disk))

	var _, ok1, _ = sel.Get(id1)
	var _, ok2, _ = sel.Get(id2)
	require.True(t, ok1)
	require.True(t, ok2)
}

func TestMatchBySegmentFiltersBySegment(t *testing.T) {
	var mem = NewMemIndex()
	var id1, _ = msgid.New()
	var id2, _ = msgid.New()
	require.NoError(t, mem.InsertNew(id1, Loc{Segment: 0}))
	require.NoError(t, mem.InsertNew(id2, Loc{Segment: segment.Number(1)}))

	var seen []msgid.ID
	require.NoError(t, mem.MatchBySegment(1, func(id msgid.ID, _ Loc) bool {
		seen = append(seen, id)
		return true
	}))
	require.Equal(t, []msgid.ID{id2}, seen)
}
