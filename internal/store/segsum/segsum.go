// Package segsum implements the in-memory segment summary index
// (spec.md §4.C): per-segment valid-bytes, contiguous-prefix-bytes, and
// left/right neighbour links forming a doubly-linked list ordered by
// segment number.
package segsum

import (
	"github.com/pkg/errors"

	"github.com/axiomq/store/internal/store/segment"
)

// ErrNotFound is returned when looking up a segment absent from the index.
var ErrNotFound = errors.New("segsum: segment not found")

// NoNeighbour marks the absence of a left or right neighbour (⊥ in spec.md §3).
const NoNeighbour segment.Number = -1

// Summary holds one segment's accounting (spec.md §3 SegSummary).
type Summary struct {
	ValidBytes       int64
	ContiguousPrefix int64
	Left             segment.Number
	Right            segment.Number
}

// Index is the in-memory ordered summary index, operations per spec.md §4.C:
// lookup, update, insert, delete, iterate.
type Index struct {
	rows map[segment.Number]Summary
}

// New returns an empty Index.
func New() *Index {
	return &Index{rows: make(map[segment.Number]Summary)}
}

// Lookup returns the Summary of |n|, or ErrNotFound.
func (x *Index) Lookup(n segment.Number) (Summary, error) {
	var s, ok = x.rows[n]
	if !ok {
		return Summary{}, ErrNotFound
	}
	return s, nil
}

// Insert adds a new summary row for |n|. It is an error (panic, per spec.md
// §7 "Insert into cache with existing key ... Fatal") for |n| to already
// exist.
func (x *Index) Insert(n segment.Number, s Summary) {
	if _, ok := x.rows[n]; ok {
		panic("segsum: insert of existing segment")
	}
	x.rows[n] = s
}

// Update replaces the summary row of |n|, which must already exist.
func (x *Index) Update(n segment.Number, validBytes, contiguousPrefix int64, left, right segment.Number) error {
	if _, ok := x.rows[n]; !ok {
		return ErrNotFound
	}
	x.rows[n] = Summary{ValidBytes: validBytes, ContiguousPrefix: contiguousPrefix, Left: left, Right: right}
	return nil
}

// Delete removes the summary row of |n|.
func (x *Index) Delete(n segment.Number) {
	delete(x.rows, n)
}

// Iterate invokes fn for every (segment, Summary) pair; iteration order is
// unspecified (callers needing ascending order should consult a sorted key
// slice, e.g. via the compactor's own dirty-set sort).
func (x *Index) Iterate(fn func(n segment.Number, s Summary) bool) {
	for n, s := range x.rows {
		if !fn(n, s) {
			return
		}
	}
}

// Len returns the number of tracked segments.
func (x *Index) Len() int { return len(x.rows) }

// LinkRight sets |n|'s Right neighbour and, if that neighbour exists,
// updates its Left pointer back to |n|. Used when inserting a newly rolled
// segment after the prior current-append segment.
func (x *Index) LinkRight(n, right segment.Number) error {
	var s, ok = x.rows[n]
	if !ok {
		return ErrNotFound
	}
	s.Right = right
	x.rows[n] = s

	if right != NoNeighbour {
		if rs, ok := x.rows[right]; ok {
			rs.Left = n
			x.rows[right] = rs
		}
	}
	return nil
}

// Unlink removes |n| from the doubly-linked list by patching its left and
// right neighbours to point at each other (spec.md §4.E step 1: "unlink it
// (patch left/right of neighbours)").
func (x *Index) Unlink(n segment.Number) error {
	var s, ok = x.rows[n]
	if !ok {
		return ErrNotFound
	}
	if s.Left != NoNeighbour {
		if ls, ok := x.rows[s.Left]; ok {
			ls.Right = s.Right
			x.rows[s.Left] = ls
		}
	}
	if s.Right != NoNeighbour {
		if rs, ok := x.rows[s.Right]; ok {
			rs.Left = s.Left
			x.rows[s.Right] = rs
		}
	}
	return nil
}
