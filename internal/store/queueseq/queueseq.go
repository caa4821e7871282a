// Package queueseq implements the queue sequence index (spec.md §4.D): the
// durable QueueEntry table, keyed by (queue_name, seq) -> (msg_id,
// delivered), and the in-memory QueueSeq map of (readSeq, writeSeq) per
// queue.
package queueseq

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"

	"github.com/axiomq/store/internal/store/kv"
	"github.com/axiomq/store/internal/store/msgid"
)

// ErrEmpty is returned by Deliver when readSeq == writeSeq.
var ErrEmpty = errors.New("queueseq: queue is empty")

// ErrLengthExceeded is returned by RequeueNextN when asked to move more
// rows than the queue currently holds.
var ErrLengthExceeded = errors.New("queueseq: requeue_next_n exceeds queue length")

var entriesBucket = []byte("queue_entries")

const keySep = 0x00

// Entry is one durable QueueEntry row's value (spec.md §3 QueueEntry).
type Entry struct {
	MsgID     msgid.ID
	Delivered bool
}

func encodeEntry(e Entry) []byte {
	var b = make([]byte, msgid.Size+1)
	copy(b, e.MsgID[:])
	if e.Delivered {
		b[msgid.Size] = 1
	}
	return b
}

func decodeEntry(b []byte) (Entry, error) {
	if len(b) != msgid.Size+1 {
		return Entry{}, errors.New("queueseq: corrupt entry value")
	}
	var id, err = msgid.FromBytes(b[:msgid.Size])
	if err != nil {
		return Entry{}, err
	}
	return Entry{MsgID: id, Delivered: b[msgid.Size] == 1}, nil
}

func rowKey(queue string, seq uint64) []byte {
	var qb = []byte(queue)
	var key = make([]byte, len(qb)+1+8)
	copy(key, qb)
	key[len(qb)] = keySep
	binary.BigEndian.PutUint64(key[len(qb)+1:], seq)
	return key
}

func queuePrefix(queue string) []byte {
	var qb = []byte(queue)
	var key = make([]byte, len(qb)+1)
	copy(key, qb)
	key[len(qb)] = keySep
	return key
}

func seqFromKey(queue string, key []byte) uint64 {
	return binary.BigEndian.Uint64(key[len(queue)+1:])
}

// Seq is the in-memory (readSeq, writeSeq) state of one queue
// (spec.md §3 QueueSeq).
type Seq struct {
	Read  uint64
	Write uint64
}

// Len returns the logical length writeSeq - readSeq.
func (s Seq) Len() uint64 { return s.Write - s.Read }

// Index is the combined durable table + in-memory map, guarded by the store
// coordinator's single-writer discipline (spec.md §5); Index itself holds a
// mutex only to make read-only inspection operations (length, foldl) safe to
// call concurrently with the coordinator, per spec.md §6's exposed
// `length(Q)`/`foldl(Q, ...)` inspection surface.
type Index struct {
	kv   kv.Store
	mu   sync.RWMutex
	seqs map[string]Seq
}

// Open loads Index state: the durable table is the source of truth, and the
// in-memory Seq map starts empty; callers must install each queue's Seq via
// SetSeq (as store recovery does, spec.md §4.F step 6) before relying on
// Seq lookups.
func Open(store kv.Store) (*Index, error) {
	if err := store.Update(func(tx kv.Tx) error {
		return tx.CreateBucketIfNotExists(entriesBucket)
	}); err != nil {
		return nil, err
	}
	return &Index{kv: store, seqs: make(map[string]Seq)}, nil
}

// SeqOf returns the current (readSeq, writeSeq) of |queue|, or the zero Seq
// if the queue has never been seen.
func (x *Index) SeqOf(queue string) Seq {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.seqs[queue]
}

// SetSeq installs |s| as the current Seq of |queue|, used by recovery.
func (x *Index) SetSeq(queue string, s Seq) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.seqs[queue] = s
}

// Publish assigns seq = writeSeq(Q), durably inserts QE[Q,seq], and bumps
// writeSeq (spec.md §4.D publish).
func (x *Index) Publish(queue string, id msgid.ID, delivered bool) (seq uint64, err error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	var s = x.seqs[queue]
	seq = s.Write

	if err = x.kv.Update(func(tx kv.Tx) error {
		return tx.Put(entriesBucket, rowKey(queue, seq), encodeEntry(Entry{MsgID: id, Delivered: delivered}))
	}); err != nil {
		return 0, err
	}
	s.Write++
	x.seqs[queue] = s
	return seq, nil
}

// Deliver advances readSeq and returns the entry at the old readSeq
// (spec.md §4.D deliver). If the queue is empty, returns ErrEmpty.
func (x *Index) Deliver(queue string) (e Entry, seq uint64, remaining uint64, err error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	var s = x.seqs[queue]
	if s.Read == s.Write {
		return Entry{}, 0, 0, ErrEmpty
	}
	seq = s.Read

	var b []byte
	if b, err = x.kv.Get(entriesBucket, rowKey(queue, seq)); err != nil {
		return Entry{}, 0, 0, err
	}
	if e, err = decodeEntry(b); err != nil {
		return Entry{}, 0, 0, err
	}

	if !e.Delivered {
		e.Delivered = true
		if err = x.kv.Update(func(tx kv.Tx) error {
			return tx.Put(entriesBucket, rowKey(queue, seq), encodeEntry(e))
		}); err != nil {
			return Entry{}, 0, 0, err
		}
	}

	s.Read++
	x.seqs[queue] = s
	remaining = s.Write - s.Read
	return e, seq, remaining, nil
}

// Ack deletes QE[Q, seq] (spec.md §4.D ack).
func (x *Index) Ack(queue string, seq uint64) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.kv.Update(func(tx kv.Tx) error {
		return tx.Delete(entriesBucket, rowKey(queue, seq))
	})
}

// RequeueEntry is one row to be moved to the tail by Requeue.
type RequeueEntry struct {
	MsgID     msgid.ID
	OldSeq    uint64
	Delivered bool
}

// Requeue rewrites each entry under a freshly assigned writeSeq and deletes
// its old row, preserving order relative to newly published messages
// without disturbing readSeq or other already-delivered rows
// (spec.md §4.D requeue).
func (x *Index) Requeue(queue string, entries []RequeueEntry) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	var s = x.seqs[queue]
	var err = x.kv.Update(func(tx kv.Tx) error {
		for _, e := range entries {
			if err := tx.Delete(entriesBucket, rowKey(queue, e.OldSeq)); err != nil {
				return err
			}
			if err := tx.Put(entriesBucket, rowKey(queue, s.Write), encodeEntry(Entry{MsgID: e.MsgID, Delivered: e.Delivered})); err != nil {
				return err
			}
			s.Write++
		}
		return nil
	})
	if err != nil {
		return err
	}
	x.seqs[queue] = s
	return nil
}

// RequeueNextN moves the next n rows from readSeq..readSeq+n-1 to the tail,
// advancing both sequences by n (spec.md §4.D requeue_next_n; used by the
// mode-switch).
func (x *Index) RequeueNextN(queue string, n uint64) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	var s = x.seqs[queue]
	if s.Len() < n {
		return errors.Wrapf(ErrLengthExceeded, "requeue_next_n(%d) on queue of length %d", n, s.Len())
	}

	var moved = make([]RequeueEntry, 0, n)
	for i := uint64(0); i < n; i++ {
		var seq = s.Read + i
		var b, err = x.kv.Get(entriesBucket, rowKey(queue, seq))
		if err != nil {
			return err
		}
		var e, derr = decodeEntry(b)
		if derr != nil {
			return derr
		}
		moved = append(moved, RequeueEntry{MsgID: e.MsgID, OldSeq: seq, Delivered: e.Delivered})
	}

	var err = x.kv.Update(func(tx kv.Tx) error {
		for _, e := range moved {
			if err := tx.Delete(entriesBucket, rowKey(queue, e.OldSeq)); err != nil {
				return err
			}
			if err := tx.Put(entriesBucket, rowKey(queue, s.Write), encodeEntry(Entry{MsgID: e.MsgID, Delivered: e.Delivered})); err != nil {
				return err
			}
			s.Write++
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.Read += n
	x.seqs[queue] = s
	return nil
}

// Purge removes all rows of |queue|, leaving readSeq == writeSeq, and
// returns the count removed (spec.md §4.D purge).
func (x *Index) Purge(queue string) (removed int, err error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	var ids []uint64
	if err = x.kv.Fold(entriesBucket, func(k, _ []byte) bool {
		if hasQueuePrefix(k, queue) {
			ids = append(ids, seqFromKey(queue, k))
		}
		return true
	}); err != nil {
		return 0, err
	}

	if err = x.kv.Update(func(tx kv.Tx) error {
		for _, seq := range ids {
			if derr := tx.Delete(entriesBucket, rowKey(queue, seq)); derr != nil {
				return derr
			}
		}
		return nil
	}); err != nil {
		return 0, err
	}

	var s = x.seqs[queue]
	s.Read = s.Write
	x.seqs[queue] = s
	return len(ids), nil
}

// DeleteQueue purges all rows and removes the queue's sequence row entirely
// (spec.md §4.D delete_queue).
func (x *Index) DeleteQueue(queue string) (removed int, err error) {
	if removed, err = x.Purge(queue); err != nil {
		return 0, err
	}
	x.mu.Lock()
	delete(x.seqs, queue)
	x.mu.Unlock()
	return removed, nil
}

// Length returns the logical length writeSeq - readSeq of |queue|
// (spec.md §6 exposed inspection operation).
func (x *Index) Length(queue string) uint64 {
	return x.SeqOf(queue).Len()
}

// Foldl invokes fn(entry, seq) for every row of |queue| in ascending seq
// order (spec.md §6 exposed inspection operation). Any accumulation is
// left to fn's closure.
func (x *Index) Foldl(queue string, fn func(e Entry, seq uint64)) error {
	return x.kv.MatchPrefix(entriesBucket, queuePrefix(queue), func(k, v []byte) bool {
		var e, err = decodeEntry(v)
		if err != nil {
			return true
		}
		fn(e, seqFromKey(queue, k))
		return true
	})
}

// ForEachQueueRow invokes fn for every durable row of every queue, in key
// order. Used by recovery (spec.md §4.F step 6) to discover queues and their
// rows from the durable table alone.
func (x *Index) ForEachQueueRow(fn func(queue string, seq uint64, e Entry)) error {
	return x.kv.Fold(entriesBucket, func(k, v []byte) bool {
		var i = indexByte(k, keySep)
		if i < 0 {
			return true
		}
		var queue = string(k[:i])
		var seq = binary.BigEndian.Uint64(k[i+1:])
		var e, err = decodeEntry(v)
		if err != nil {
			return true
		}
		fn(queue, seq, e)
		return true
	})
}

// DeleteRow removes a single durable row outright, bypassing Seq bookkeeping.
// Used only by recovery (spec.md §4.F step 5: "delete rows whose msg-id is
// not live").
func (x *Index) DeleteRow(queue string, seq uint64) error {
	return x.kv.Update(func(tx kv.Tx) error {
		return tx.Delete(entriesBucket, rowKey(queue, seq))
	})
}

// RewriteRow rewrites a durable row at a new seq and deletes its old seq,
// without touching Seq bookkeeping. Used by recovery's gap-compaction
// (spec.md §4.F step 6: "compact gaps by shifting all rows upward").
func (x *Index) RewriteRow(queue string, oldSeq, newSeq uint64, e Entry) error {
	return x.kv.Update(func(tx kv.Tx) error {
		if oldSeq != newSeq {
			if err := tx.Delete(entriesBucket, rowKey(queue, oldSeq)); err != nil {
				return err
			}
		}
		return tx.Put(entriesBucket, rowKey(queue, newSeq), encodeEntry(e))
	})
}

func hasQueuePrefix(key []byte, queue string) bool {
	var p = queuePrefix(queue)
	if len(key) < len(p) {
		return false
	}
	for i := range p {
		if key[i] != p[i] {
			return false
		}
	}
	return true
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
