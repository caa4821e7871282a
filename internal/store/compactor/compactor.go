// Package compactor implements online segment compaction (spec.md §4.E):
// a delete-empty pass followed by a combine pass over a dirty set of
// segments, with crash-safe temporary files so that a combine interrupted
// at any point leaves the store recoverable.
package compactor

import (
	"sort"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/axiomq/store/internal/store/metrics"
	"github.com/axiomq/store/internal/store/msgid"
	"github.com/axiomq/store/internal/store/msgloc"
	"github.com/axiomq/store/internal/store/record"
	"github.com/axiomq/store/internal/store/segment"
	"github.com/axiomq/store/internal/store/segsum"
)

// Deps bundles the collaborators the compactor mutates, mirroring the
// coordinator-owned state it runs under spec.md §4.F's single-writer lock.
type Deps struct {
	Dir       string
	Summaries *segsum.Index
	Locations msgloc.Index
	ReadCache *segment.ReadCache
	Cap       int64
	// Current is the segment.Number of the current append segment, which is
	// never a compaction candidate: it is still being actively written by
	// the coordinator outside of compaction's view, so neither deleting it
	// nor rewriting its byte layout is safe.
	Current segment.Number
}

// Compact runs the delete-empty pass followed by the combine pass over
// |dirty|, returning the names still requiring attention on a future pass
// (e.g. segments that could not be combined because no neighbour fit).
func Compact(d Deps, dirty map[segment.Number]struct{}) ([]segment.Number, error) {
	var names = make([]segment.Number, 0, len(dirty))
	for n := range dirty {
		if n != d.Current {
			names = append(names, n)
		}
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })

	var survivors, err = deleteEmptyPass(d, names)
	if err != nil {
		return nil, err
	}
	return combinePass(d, survivors)
}

// deleteEmptyPass implements spec.md §4.E step 1.
func deleteEmptyPass(d Deps, names []segment.Number) ([]segment.Number, error) {
	var survivors []segment.Number
	var merr *multierror.Error

	for _, n := range names {
		var s, err = d.Summaries.Lookup(n)
		if err != nil {
			merr = multierror.Append(merr, errors.WithMessagef(err, "looking up segment %d", n))
			continue
		}
		if s.ValidBytes != 0 {
			survivors = append(survivors, n)
			continue
		}

		d.ReadCache.Evict(n)
		if err := d.Summaries.Unlink(n); err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
		if err := n.Remove(d.Dir); err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
		d.Summaries.Delete(n)
		metrics.SegmentsDeletedTotal.Inc()

		log.WithField("segment", int64(n)).Info("deleted empty segment")
	}
	return survivors, merr.ErrorOrNil()
}

// combinePass implements spec.md §4.E step 2.
func combinePass(d Deps, survivors []segment.Number) ([]segment.Number, error) {
	var gone = make(map[segment.Number]bool)
	var merr *multierror.Error
	var remaining []segment.Number

	for _, f := range survivors {
		if gone[f] {
			continue
		}
		var combined, err = tryCombine(d, f, gone)
		if err != nil {
			merr = multierror.Append(merr, err)
			remaining = append(remaining, f)
			continue
		}
		if !combined {
			remaining = append(remaining, f)
		}
	}
	return remaining, merr.ErrorOrNil()
}

// tryCombine attempts to combine |f| with its left neighbour, then its
// right neighbour, returning whether a combine occurred.
func tryCombine(d Deps, f segment.Number, gone map[segment.Number]bool) (bool, error) {
	var sf, err = d.Summaries.Lookup(f)
	if err != nil {
		return false, nil // Already combined away by an earlier iteration.
	}

	if sf.Left != segsum.NoNeighbour && sf.Left != d.Current && !gone[sf.Left] {
		if sl, lerr := d.Summaries.Lookup(sf.Left); lerr == nil {
			if sl.ValidBytes+sf.ValidBytes <= d.Cap {
				// Left neighbour absorbs F: dest=left (lower number), src=f.
				if err := combine(d, sf.Left, f); err != nil {
					return false, err
				}
				gone[f] = true
				return true, nil
			}
		}
	}

	if sf.Right != segsum.NoNeighbour && sf.Right != d.Current && !gone[sf.Right] {
		if sr, rerr := d.Summaries.Lookup(sf.Right); rerr == nil {
			if sf.ValidBytes+sr.ValidBytes <= d.Cap {
				// F absorbs the right neighbour: dest=f (lower number), src=right.
				if err := combine(d, f, sf.Right); err != nil {
					return false, err
				}
				gone[sf.Right] = true
				return true, nil
			}
		}
	}

	return false, nil
}

// liveRecord is one entry of a segment's live set, as seen through MsgLoc.
type liveRecord struct {
	id  msgid.ID
	loc msgloc.Loc
}

// combine absorbs |src| into |dest| (spec.md §4.E step 2, sub-steps a-d).
// |dest| must be the lower-numbered (leftward) segment of the pair, so that
// every live record strictly moves leftward across combines (the bounded-
// rewrite claim of spec.md §4.E). Data is never removed from |src| until
// |dest| has been fsynced with the fully combined contents.
func combine(d Deps, dest, src segment.Number) error {
	d.ReadCache.Evict(dest)
	d.ReadCache.Evict(src)

	var destSumm, err = d.Summaries.Lookup(dest)
	if err != nil {
		return err
	}
	var srcSumm segsum.Summary
	if srcSumm, err = d.Summaries.Lookup(src); err != nil {
		return err
	}

	var destFile *segment.File
	if destFile, err = segment.OpenForAppend(d.Dir, dest, destSumm.ContiguousPrefix); err != nil {
		return err
	}
	defer destFile.Close()

	// Step (b): repack destination's own holey tail into a temp file if
	// holes exist between its contiguous prefix and its valid end.
	if destSumm.ContiguousPrefix < destSumm.ValidBytes {
		if err = repackTail(d, dest, destFile, destSumm, srcSumm); err != nil {
			return errors.WithMessagef(err, "repacking tail of segment %d", dest)
		}
	}

	// Step (c): stream src's live records, in ascending offset order, onto
	// the end of dest, rewriting MsgLoc as each is copied. Adjacent live
	// records are coalesced into a single copy.
	var srcRecords []liveRecord
	if srcRecords, err = liveRecordsOf(d.Locations, src); err != nil {
		return err
	}

	var srcFile *segment.File
	if srcFile, err = segment.OpenForRead(d.Dir, src); err != nil {
		return err
	}
	defer srcFile.Close()

	var i = 0
	for i < len(srcRecords) {
		var runStart = i
		var runOffset = srcRecords[i].loc.Offset
		var runBytes = frameLen(srcRecords[i].loc.Size)
		i++
		for i < len(srcRecords) && srcRecords[i].loc.Offset == runOffset+runBytes {
			runBytes += frameLen(srcRecords[i].loc.Size)
			i++
		}

		var buf []byte
		if buf, err = srcFile.ReadRaw(runOffset, runBytes); err != nil {
			return err
		}
		var destOffset = destFile.End()
		if _, err = destFile.WriteAt(buf, destOffset); err != nil {
			return err
		}

		// Rewrite MsgLoc for every record in this coalesced run.
		var cursor = destOffset
		for j := runStart; j < i; j++ {
			var rec = srcRecords[j]
			var newLoc = rec.loc
			newLoc.Segment = dest
			newLoc.Offset = cursor
			if err = d.Locations.Insert(rec.id, newLoc); err != nil {
				return err
			}
			cursor += frameLen(rec.loc.Size)
		}
	}

	var total = destFile.End()
	if err = destFile.Sync(); err != nil {
		return err
	}
	metrics.CompactionBytesCopiedTotal.Add(float64(total - destSumm.ContiguousPrefix))

	// Step (d): update summaries and delete the source. Only now, after
	// dest is durable, is it safe to remove src.
	if err = d.Summaries.Update(dest, total, total, destSumm.Left, srcSumm.Right); err != nil {
		return err
	}
	if srcSumm.Right != segsum.NoNeighbour {
		_ = d.Summaries.LinkRight(dest, srcSumm.Right)
	}
	d.Summaries.Delete(src)

	if err = srcFile.Close(); err != nil {
		return err
	}
	if err = src.Remove(d.Dir); err != nil {
		return err
	}

	metrics.CompactionsTotal.Inc()
	log.WithFields(log.Fields{"dest": int64(dest), "src": int64(src), "valid_bytes": total}).
		Info("combined segments")
	return nil
}

// repackTail implements spec.md §4.E step 2b: copy every live record above
// the contiguous prefix into a temp file in sorted offset order, rewriting
// MsgLoc to the new destination offsets, then truncate-and-extend the
// destination and copy the temp file back onto it.
func repackTail(d Deps, dest segment.Number, destFile *segment.File, destSumm, srcSumm segsum.Summary) error {
	var all, err = liveRecordsOf(d.Locations, dest)
	if err != nil {
		return err
	}
	var tail []liveRecord
	for _, r := range all {
		if r.loc.Offset >= destSumm.ContiguousPrefix {
			tail = append(tail, r)
		}
	}

	var tmpFile *segment.File
	if tmpFile, err = segment.CreateTemp(d.Dir, dest, destSumm.ValidBytes-destSumm.ContiguousPrefix); err != nil {
		return err
	}
	defer tmpFile.Close()

	var cursor int64
	for _, rec := range tail {
		var n = frameLen(rec.loc.Size)
		var buf []byte
		if buf, err = destFile.ReadRaw(rec.loc.Offset, n); err != nil {
			return err
		}
		if _, err = tmpFile.WriteAt(buf, cursor); err != nil {
			return err
		}
		var newLoc = rec.loc
		newLoc.Offset = destSumm.ContiguousPrefix + cursor
		if err = d.Locations.Insert(rec.id, newLoc); err != nil {
			return err
		}
		cursor += n
	}
	if err = tmpFile.Sync(); err != nil {
		return err
	}

	if err = destFile.TruncateAndExtend(destSumm.ContiguousPrefix, destSumm.ValidBytes+srcSumm.ValidBytes); err != nil {
		return err
	}
	if err = destFile.CopyFrom(tmpFile, destSumm.ContiguousPrefix); err != nil {
		return err
	}
	if err = destFile.Sync(); err != nil {
		return err
	}
	if err = tmpFile.Close(); err != nil {
		return err
	}
	return dest.RemoveTemp(d.Dir)
}

func frameLen(payloadSize int64) int64 {
	return payloadSize + int64(msgid.Size) + record.FrameOverhead
}

func liveRecordsOf(idx msgloc.Index, n segment.Number) ([]liveRecord, error) {
	var out []liveRecord
	var err = idx.MatchBySegment(n, func(id msgid.ID, l msgloc.Loc) bool {
		out = append(out, liveRecord{id: id, loc: l})
		return true
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].loc.Offset < out[j].loc.Offset })
	return out, nil
}
