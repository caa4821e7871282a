package segsum

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/axiomq/store/internal/store/segment"
)

func TestInsertLookupUpdateDelete(t *testing.T) {
	var idx = New()
	idx.Insert(0, Summary{ValidBytes: 10, ContiguousPrefix: 10, Left: NoNeighbour, Right: NoNeighbour})

	var s, err = idx.Lookup(0)
	require.NoError(t, err)
	require.Equal(t, int64(10), s.ValidBytes)

	require.NoError(t, idx.Update(0, 20, 15, NoNeighbour, 1))
	s, err = idx.Lookup(0)
	require.NoError(t, err)
	require.Equal(t, int64(20), s.ValidBytes)
	require.Equal(t, segment.Number(1), s.Right)

	idx.Delete(0)
	_, err = idx.Lookup(0)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestInsertDuplicatePanics(t *testing.T) {
	var idx = New()
	idx.Insert(0, Summary{})
	require.Panics(t, func() { idx.Insert(0, Summary{}) })
}

func TestUpdateMissingReturnsNotFound(t *testing.T) {
	var idx = New()
	require.ErrorIs(t, idx.Update(0, 0, 0, NoNeighbour, NoNeighbour), ErrNotFound)
}

func TestLinkRightPatchesBothSides(t *testing.T) {
	var idx = New()
	idx.Insert(0, Summary{Left: NoNeighbour, Right: NoNeighbour})
	idx.Insert(1, Summary{Left: NoNeighbour, Right: NoNeighbour})

	require.NoError(t, idx.LinkRight(0, 1))

	var s0, _ = idx.Lookup(0)
	var s1, _ = idx.Lookup(1)
	require.Equal(t, segment.Number(1), s0.Right)
	require.Equal(t, segment.Number(0), s1.Left)
}

func TestUnlinkPatchesNeighbours(t *testing.T) {
	var idx = New()
	idx.Insert(0, Summary{Left: NoNeighbour, Right: 1})
	idx.Insert(1, Summary{Left: 0, Right: 2})
	idx.Insert(2, Summary{Left: 1, Right: NoNeighbour})

	require.NoError(t, idx.Unlink(1))

	var s0, _ = idx.Lookup(0)
	var s2, _ = idx.Lookup(2)
	require.Equal(t, segment.Number(2), s0.Right)
	require.Equal(t, segment.Number(0), s2.Left)
}

func TestIterateVisitsAll(t *testing.T) {
	var idx = New()
	idx.Insert(0, Summary{})
	idx.Insert(1, Summary{})

	var seen = map[segment.Number]bool{}
	idx.Iterate(func(n segment.Number, _ Summary) bool {
		seen[n] = true
		return true
	})
	require.Len(t, seen, 2)
	require.Equal(t, 2, idx.Len())
}
