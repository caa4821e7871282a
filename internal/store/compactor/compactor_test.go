package compactor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/axiomq/store/internal/store/msgid"
	"github.com/axiomq/store/internal/store/msgloc"
	"github.com/axiomq/store/internal/store/segment"
	"github.com/axiomq/store/internal/store/segsum"
)

// writeRecord appends a record to f and registers it in locations/summary,
// returning its id.
func writeRecord(t *testing.T, f *segment.File, n segment.Number, locations msgloc.Index, payload string) msgid.ID {
	t.Helper()
	var id, _ = msgid.New()
	var size, offset, err = f.Append(id, []byte(payload), true)
	require.NoError(t, err)
	require.NoError(t, locations.InsertNew(id, msgloc.Loc{
		Segment: n, Offset: offset, Size: size, Refcount: 1, Persistent: true,
	}))
	return id
}

func TestDeleteEmptyPassRemovesSegmentWithNoValidBytes(t *testing.T) {
	var dir = t.TempDir()
	var f, ferr = segment.Create(dir, 0, 4096)
	require.NoError(t, ferr)
	require.NoError(t, f.Close())

	var summaries = segsum.New()
	summaries.Insert(0, segsum.Summary{ValidBytes: 0, ContiguousPrefix: 0, Left: segsum.NoNeighbour, Right: segsum.NoNeighbour})

	var d = Deps{
		Dir:       dir,
		Summaries: summaries,
		Locations: msgloc.NewMemIndex(),
		ReadCache: segment.NewReadCache(dir, 4),
		Cap:       4096,
		Current:   99,
	}

	var remaining, err = Compact(d, map[segment.Number]struct{}{0: {}})
	require.NoError(t, err)
	require.Empty(t, remaining)

	var _, lerr = summaries.Lookup(0)
	require.ErrorIs(t, lerr, segsum.ErrNotFound)
}

func TestCombinePassMergesAdjacentSegments(t *testing.T) {
	var dir = t.TempDir()
	var locations = msgloc.NewMemIndex()

	var f0, _ = segment.Create(dir, 0, 4096)
	var id0 = writeRecord(t, f0, 0, locations, "aaaa")
	require.NoError(t, f0.Sync())
	var end0 = f0.End()
	require.NoError(t, f0.Close())

	var f1, _ = segment.Create(dir, 1, 4096)
	var id1 = writeRecord(t, f1, 1, locations, "bb")
	require.NoError(t, f1.Sync())
	var end1 = f1.End()
	require.NoError(t, f1.Close())

	var summaries = segsum.New()
	summaries.Insert(0, segsum.Summary{ValidBytes: end0, ContiguousPrefix: end0, Left: segsum.NoNeighbour, Right: 1})
	summaries.Insert(1, segsum.Summary{ValidBytes: end1, ContiguousPrefix: end1, Left: 0, Right: segsum.NoNeighbour})

	var d = Deps{
		Dir:       dir,
		Summaries: summaries,
		Locations: locations,
		ReadCache: segment.NewReadCache(dir, 4),
		Cap:       4096,
		Current:   99,
	}

	var remaining, err = Compact(d, map[segment.Number]struct{}{0: {}, 1: {}})
	require.NoError(t, err)
	require.Empty(t, remaining)

	// Segment 1 was absorbed into segment 0 (lower-numbered destination).
	var _, lerr = summaries.Lookup(1)
	require.ErrorIs(t, lerr, segsum.ErrNotFound)

	var s0, serr = summaries.Lookup(0)
	require.NoError(t, serr)
	require.Equal(t, end0+end1, s0.ValidBytes)

	var loc0, ok0, _ = locations.Get(id0)
	require.True(t, ok0)
	require.Equal(t, segment.Number(0), loc0.Segment)

	var loc1, ok1, _ = locations.Get(id1)
	require.True(t, ok1)
	require.Equal(t, segment.Number(0), loc1.Segment)
	require.Equal(t, end0, loc1.Offset)

	var got, _, rerr = func() ([]byte, bool, error) {
		var rf, oerr = segment.OpenForRead(dir, 0)
		require.NoError(t, oerr)
		defer rf.Close()
		return rf.ReadAt(loc1.Offset, loc1.Size, id1)
	}()
	require.NoError(t, rerr)
	require.Equal(t, []byte("bb"), got)
}

func TestCombineSkipsWhenOverCap(t *testing.T) {
	var dir = t.TempDir()
	var locations = msgloc.NewMemIndex()

	var f0, _ = segment.Create(dir, 0, 4096)
	writeRecord(t, f0, 0, locations, "aaaa")
	var end0 = f0.End()
	f0.Close()

	var f1, _ = segment.Create(dir, 1, 4096)
	writeRecord(t, f1, 1, locations, "bb")
	var end1 = f1.End()
	f1.Close()

	var summaries = segsum.New()
	summaries.Insert(0, segsum.Summary{ValidBytes: end0, ContiguousPrefix: end0, Left: segsum.NoNeighbour, Right: 1})
	summaries.Insert(1, segsum.Summary{ValidBytes: end1, ContiguousPrefix: end1, Left: 0, Right: segsum.NoNeighbour})

	var d = Deps{
		Dir:       dir,
		Summaries: summaries,
		Locations: locations,
		ReadCache: segment.NewReadCache(dir, 4),
		Cap:       end0 + end1 - 1, // Too small for the pair to combine.
		Current:   99,
	}

	var remaining, err = Compact(d, map[segment.Number]struct{}{0: {}, 1: {}})
	require.NoError(t, err)
	require.ElementsMatch(t, []segment.Number{0, 1}, remaining)
}

func TestCompactSkipsCurrentSegment(t *testing.T) {
	var dir = t.TempDir()
	var locations = msgloc.NewMemIndex()

	var f0, _ = segment.Create(dir, 0, 4096)
	require.NoError(t, f0.Close())

	var summaries = segsum.New()
	summaries.Insert(0, segsum.Summary{ValidBytes: 0, ContiguousPrefix: 0, Left: segsum.NoNeighbour, Right: segsum.NoNeighbour})

	var d = Deps{
		Dir:       dir,
		Summaries: summaries,
		Locations: locations,
		ReadCache: segment.NewReadCache(dir, 4),
		Cap:       4096,
		Current:   0,
	}

	var remaining, err = Compact(d, map[segment.Number]struct{}{0: {}})
	require.NoError(t, err)
	require.Empty(t, remaining)

	// Current segment is untouched, even though it has zero valid bytes.
	var s0, lerr = summaries.Lookup(0)
	require.NoError(t, lerr)
	require.Zero(t, s0.ValidBytes)
}
