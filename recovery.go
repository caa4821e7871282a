package store

import (
	"os"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/axiomq/store/internal/store/msgid"
	"github.com/axiomq/store/internal/store/msgloc"
	"github.com/axiomq/store/internal/store/queueseq"
	"github.com/axiomq/store/internal/store/segment"
	"github.com/axiomq/store/internal/store/segsum"
)

// recover implements spec.md §4.F's crash recovery protocol, run once by
// Open before the coordinator goroutine starts accepting tasks:
//
//  1. list segment and temp files
//  2. classify and finish or discard each temp file
//  3. scan every segment for well-framed records
//  4. rebuild MsgLoc from the scan, cross-referenced against the durable
//     queue table so a record's refcount is the number of live queue rows
//     that still reference it
//  5. prune queue rows whose msg-id did not survive the scan
//  6. rebuild QueueSeq, gap-compacting away any holes pruning opened
//  7. reopen the highest segment for append
func (s *Store) recover() error {
	var segNums, temps, err = segment.ListSegmentFiles(s.cfg.Dir)
	if err != nil {
		return err
	}

	for _, n := range temps {
		if terr := s.recoverTemp(n); terr != nil {
			return errors.WithMessagef(terr, "recovering temp file for segment %d", n)
		}
	}

	var idx msgloc.Index
	if s.mode == ModeDisk {
		if idx, err = msgloc.NewDiskIndex(s.kvStore); err != nil {
			return err
		}
	} else {
		idx = msgloc.NewMemIndex()
	}

	if len(segNums) == 0 {
		var f, cerr = segment.Create(s.cfg.Dir, 0, s.cfg.SegmentCap)
		if cerr != nil {
			return cerr
		}
		s.current = f
		s.currentNum = 0
		s.summaries.Insert(0, segsum.Summary{Left: segsum.NoNeighbour, Right: segsum.NoNeighbour})
		s.locations = msgloc.NewSelector(idx)
		return nil
	}

	type rowRef struct {
		queue string
		seq   uint64
	}
	var refsByID = make(map[msgid.ID][]rowRef)
	if err = s.queues.ForEachQueueRow(func(queue string, seq uint64, e queueseq.Entry) {
		refsByID[e.MsgID] = append(refsByID[e.MsgID], rowRef{queue, seq})
	}); err != nil {
		return err
	}

	for i, n := range segNums {
		var recs, contiguousPrefix, serr = segment.Scan(n.Path(s.cfg.Dir))
		if serr != nil {
			return serr
		}

		var validBytes, scannedBytes int64
		for _, r := range recs {
			scannedBytes += frameLen(int(r.Size))

			var refs = refsByID[r.ID]
			if len(refs) == 0 {
				continue // No surviving queue row references this record.
			}
			if err = idx.InsertNew(r.ID, msgloc.Loc{
				Segment:    n,
				Offset:     r.Offset,
				Size:       r.Size,
				Refcount:   int64(len(refs)),
				Persistent: r.Persistent,
			}); err != nil {
				return err
			}
			validBytes += frameLen(int(r.Size))
		}

		var left, right = segsum.NoNeighbour, segsum.NoNeighbour
		if i > 0 {
			left = segNums[i-1]
		}
		if i < len(segNums)-1 {
			right = segNums[i+1]
		}
		s.summaries.Insert(n, segsum.Summary{ValidBytes: validBytes, ContiguousPrefix: contiguousPrefix, Left: left, Right: right})
		if validBytes < scannedBytes {
			s.dirty[n] = struct{}{}
		}
	}

	for id, rows := range refsByID {
		if _, ok, gerr := idx.Get(id); gerr == nil && !ok {
			for _, r := range rows {
				if derr := s.queues.DeleteRow(r.queue, r.seq); derr != nil {
					log.WithError(derr).WithFields(log.Fields{"queue": r.queue, "seq": r.seq}).
						Warn("failed to prune dead queue row during recovery")
				}
			}
		}
	}

	type seqRow struct {
		seq uint64
		e   queueseq.Entry
	}
	var byQueue = make(map[string][]seqRow)
	if err = s.queues.ForEachQueueRow(func(queue string, seq uint64, e queueseq.Entry) {
		byQueue[queue] = append(byQueue[queue], seqRow{seq, e})
	}); err != nil {
		return err
	}
	for queue, rows := range byQueue {
		sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })
		var newSeq uint64
		for _, row := range rows {
			if row.seq != newSeq {
				if err = s.queues.RewriteRow(queue, row.seq, newSeq, row.e); err != nil {
					return err
				}
			}
			newSeq++
		}
		s.queues.SetSeq(queue, queueseq.Seq{Read: 0, Write: newSeq})
	}

	s.locations = msgloc.NewSelector(idx)

	var highest = segNums[len(segNums)-1]
	var recs, _, serr = segment.Scan(highest.Path(s.cfg.Dir))
	if serr != nil {
		return serr
	}
	var scanEnd int64
	if n := len(recs); n > 0 {
		scanEnd = recs[n-1].Offset + frameLen(int(recs[n-1].Size))
	}

	var f *segment.File
	if f, err = segment.OpenForAppend(s.cfg.Dir, highest, scanEnd); err != nil {
		return err
	}
	s.current = f
	s.currentNum = highest

	log.WithFields(log.Fields{
		"segments":    len(segNums),
		"current":     int64(highest),
		"dirty":       len(s.dirty),
		"segment_cap": humanize.IBytes(uint64(s.cfg.SegmentCap)),
	}).Info("recovered store")
	return nil
}

// recoverTemp classifies a single leftover compaction temp file
// (spec.md §4.E step 2b, §4.F step 2): if its destination segment's file
// size still equals the configured soft cap, the destination was never
// truncated for the combine and the temp is stale (discard it); otherwise
// the destination was already truncated and extended for the combine and
// the temp must be replayed onto it before the destination's contents can
// be trusted.
func (s *Store) recoverTemp(n segment.Number) error {
	var destPath = n.Path(s.cfg.Dir)
	var info, err = os.Stat(destPath)
	if os.IsNotExist(err) {
		return n.RemoveTemp(s.cfg.Dir) // Destination is gone; temp is orphaned.
	} else if err != nil {
		return err
	}

	if info.Size() == s.cfg.SegmentCap {
		log.WithField("segment", int64(n)).Info("discarding stale compaction temp file")
		return n.RemoveTemp(s.cfg.Dir)
	}

	log.WithField("segment", int64(n)).Warn("replaying interrupted compaction temp file")

	var tmpFile *segment.File
	if tmpFile, err = segment.OpenTempForRead(s.cfg.Dir, n); err != nil {
		return err
	}
	defer tmpFile.Close()

	var _, contiguousPrefix, serr = segment.Scan(destPath)
	if serr != nil {
		return serr
	}

	var destFile *segment.File
	if destFile, err = segment.OpenForAppend(s.cfg.Dir, n, contiguousPrefix); err != nil {
		return err
	}
	defer destFile.Close()

	if err = destFile.CopyFrom(tmpFile, contiguousPrefix); err != nil {
		return err
	}
	if err = destFile.Sync(); err != nil {
		return err
	}
	return n.RemoveTemp(s.cfg.Dir)
}
