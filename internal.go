package store

import (
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/axiomq/store/internal/store/compactor"
	"github.com/axiomq/store/internal/store/metrics"
	"github.com/axiomq/store/internal/store/msgid"
	"github.com/axiomq/store/internal/store/msgloc"
	"github.com/axiomq/store/internal/store/record"
	"github.com/axiomq/store/internal/store/segment"
	"github.com/axiomq/store/internal/store/segsum"
)

func frameLen(payloadSize int) int64 {
	return int64(payloadSize) + int64(msgid.Size) + record.FrameOverhead
}

// rollIfNeeded closes the current segment and opens a fresh one once the
// next append would exceed the configured soft cap (spec.md §4.A). Recovery
// always leaves a current segment open before the coordinator starts
// accepting tasks, so s.current is never nil here.
func (s *Store) rollIfNeeded(nextRecordLen int64) error {
	if s.current.End()+nextRecordLen <= s.cfg.SegmentCap {
		return nil
	}
	if err := s.fsyncNow(); err != nil {
		return errors.WithMessage(err, "fsync before segment roll")
	}
	if err := s.current.Close(); err != nil {
		return errors.WithMessage(err, "closing segment before roll")
	}

	var next = s.currentNum + 1
	var f, err = segment.Create(s.cfg.Dir, next, s.cfg.SegmentCap)
	if err != nil {
		return err
	}

	s.summaries.Insert(next, segsum.Summary{Left: s.currentNum, Right: segsum.NoNeighbour})
	_ = s.summaries.LinkRight(s.currentNum, next)

	s.current = f
	s.currentNum = next
	s.lastSyncOffset = 0
	s.unsynced = false
	metrics.SegmentsCreatedTotal.Inc()
	log.WithFields(log.Fields{"segment": int64(next), "cap": humanize.IBytes(uint64(s.cfg.SegmentCap))}).
		Debug("rolled to new segment")
	return nil
}

// appendNew writes a brand-new message's bytes to the current segment and
// installs its MsgLoc entry with refcount 1 (spec.md §4.F publish,
// data flow F -> A -> B -> C).
func (s *Store) appendNew(id msgid.ID, payload []byte, persistent bool) error {
	if err := s.rollIfNeeded(frameLen(len(payload))); err != nil {
		return err
	}

	var offsetBefore = s.current.End()
	var size, offset, err = s.current.Append(id, payload, persistent)
	if err != nil {
		return err
	}
	s.unsynced = true

	var loc = msgloc.Loc{Segment: s.currentNum, Offset: offset, Size: size, Refcount: 1, Persistent: persistent}
	if err = s.locations.InsertNew(id, loc); err != nil {
		return err
	}

	s.growSummary(s.currentNum, offsetBefore, frameLen(int(size)))
	return nil
}

// bumpRef increments an existing message's MsgLoc refcount, for a publish
// that shares an already-stored message across queues (spec.md §3 MsgLoc:
// "insert_new on first publish of an id, increment on every subsequent one").
func (s *Store) bumpRef(id msgid.ID) error {
	var loc, ok, err = s.locations.Get(id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnknownMessage
	}
	loc.Refcount++
	if err = s.locations.Insert(id, loc); err != nil {
		return err
	}
	if loc.Refcount > 1 {
		s.payloadCache.Bump(id)
	}
	return nil
}

// growSummary extends a segment's valid-bytes and, if the write landed
// exactly at the end of its dense run, its contiguous-prefix too
// (spec.md §4.C).
func (s *Store) growSummary(n segment.Number, writeOffset, added int64) {
	var summ, _ = s.summaries.Lookup(n)
	summ.ValidBytes += added
	if writeOffset == summ.ContiguousPrefix {
		summ.ContiguousPrefix += added
	}
	_ = s.summaries.Update(n, summ.ValidBytes, summ.ContiguousPrefix, summ.Left, summ.Right)
}

// shrinkSummary accounts for a hole opened by an ack: subtracts the freed
// bytes and, if the hole falls within the dense prefix, caps the prefix at
// the hole's start forever (spec.md §4.C: a hole below contiguous_prefix
// permanently ends that segment's dense run).
func (s *Store) shrinkSummary(n segment.Number, holeOffset, removed int64) {
	var summ, err = s.summaries.Lookup(n)
	if err != nil {
		return // Segment already combined away; nothing to account for.
	}
	summ.ValidBytes -= removed
	if holeOffset < summ.ContiguousPrefix {
		summ.ContiguousPrefix = holeOffset
	}
	_ = s.summaries.Update(n, summ.ValidBytes, summ.ContiguousPrefix, summ.Left, summ.Right)
	s.dirty[n] = struct{}{}
}

// releaseMessage drops a message's last reference: removes its MsgLoc
// entry, evicts it from the payload cache, and marks its segment dirty
// (spec.md §4.D ack / §4.F tx_cancel).
func (s *Store) releaseMessage(id msgid.ID, loc msgloc.Loc) error {
	if err := s.locations.Delete(id); err != nil {
		return err
	}
	s.payloadCache.Remove(id)
	s.shrinkSummary(loc.Segment, loc.Offset, frameLen(int(loc.Size)))
	return nil
}

// releaseRef decrements a message's MsgLoc refcount by one, the shared
// bottom half of ack, tx_cancel and purge (spec.md §4.D ack, §4.F
// tx_cancel/purge): at refcount zero the message is fully released via
// releaseMessage; otherwise MsgLoc is updated in place and the payload
// cache's own refcount is released by one (a cache miss is ignored). The
// cache's count starts at zero on insert, so it does not track the number of
// live queue references, and the first release evicts an entry that was
// never bumped. ok reports
// whether |id| had a live MsgLoc entry at all; released reports whether
// this call dropped its last reference.
func (s *Store) releaseRef(id msgid.ID) (loc msgloc.Loc, ok bool, released bool, err error) {
	loc, ok, err = s.locations.Get(id)
	if err != nil || !ok {
		return
	}
	loc.Refcount--
	if loc.Refcount <= 0 {
		if err = s.releaseMessage(id, loc); err != nil {
			return
		}
		released = true
		return
	}
	if err = s.locations.Insert(id, loc); err != nil {
		return
	}
	s.payloadCache.Release(id)
	return
}

// readPayload fetches a message's bytes, consulting the payload cache
// first, then the current segment (fsyncing first if the record extends
// beyond the last sync offset) or the read cache otherwise
// (spec.md §4.A, §4.F "Message cache").
func (s *Store) readPayload(id msgid.ID, loc msgloc.Loc) ([]byte, error) {
	if payload, ok := s.payloadCache.Get(id); ok {
		metrics.CacheHitTotal.Inc()
		return payload, nil
	}
	metrics.CacheMissTotal.Inc()

	var f *segment.File
	if loc.Segment == s.currentNum {
		if loc.Offset+frameLen(int(loc.Size)) > s.lastSyncOffset {
			if err := s.fsyncNow(); err != nil {
				return nil, err
			}
		}
		f = s.current
	} else {
		var err error
		if f, err = s.readCache.Get(loc.Segment); err != nil {
			return nil, err
		}
	}

	var payload, _, err = f.ReadAt(loc.Offset, loc.Size, id)
	if err != nil {
		return nil, err
	}
	if loc.Refcount > 1 && s.mode != ModeDisk {
		s.payloadCache.Insert(id, payload)
	}
	return payload, nil
}

// runCompaction invokes the compactor over the current dirty set, run
// synchronously within the coordinator goroutine immediately after the ack
// that produced new holes (spec.md §4.E). Segments the combine pass could
// not combine remain dirty for a future attempt. The current append segment
// is excluded from the pass and is dropped from the dirty set, and if the
// delete-empty pass fails the whole dirty set is cleared.
func (s *Store) runCompaction() {
	if len(s.dirty) == 0 {
		return
	}
	var deps = compactor.Deps{
		Dir:       s.cfg.Dir,
		Summaries: s.summaries,
		Locations: s.locations,
		ReadCache: s.readCache,
		Cap:       s.cfg.SegmentCap,
		Current:   s.currentNum,
	}
	var remaining, err = compactor.Compact(deps, s.dirty)
	if err != nil {
		log.WithError(err).Error("compaction pass failed")
	}
	s.dirty = make(map[segment.Number]struct{}, len(remaining))
	for _, n := range remaining {
		s.dirty[n] = struct{}{}
	}
}
