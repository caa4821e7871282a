package store

import (
	"github.com/pkg/errors"

	"github.com/axiomq/store/internal/store/metrics"
	"github.com/axiomq/store/internal/store/msgid"
	"github.com/axiomq/store/internal/store/msgloc"
	"github.com/axiomq/store/internal/store/queueseq"
)

// Publish appends a brand-new message and enqueues it onto |queue|,
// returning the freshly generated msg-id and the sequence it was assigned
// (spec.md §4.F publish). It is async: the reply carries only the
// bookkeeping result, not a durability guarantee; the group-commit timer
// fsyncs it in the background.
func (s *Store) Publish(queue string, payload []byte, persistent, delivered bool) (PublishResult, error) {
	var id, err = msgid.New()
	if err != nil {
		return PublishResult{}, err
	}
	var val, derr = s.dispatch(task{
		reply: make(chan taskResult, 1),
		fn: func(st *Store) (interface{}, error) {
			if err := st.appendNew(id, payload, persistent); err != nil {
				return nil, err
			}
			var seq, err = st.queues.Publish(queue, id, delivered)
			if err != nil {
				return nil, err
			}
			metrics.PublishTotal.Inc()
			return seq, nil
		},
	})
	if derr != nil {
		return PublishResult{}, derr
	}
	return PublishResult{MsgID: id, Seq: val.(uint64)}, nil
}

// PublishRef enqueues an existing message (identified by |id|, already live
// via a prior Publish) onto |queue| without writing new bytes, bumping its
// MsgLoc refcount instead (spec.md §3 MsgLoc: ids are shared across queues
// by reference). Used for fan-out publishes of one payload to many queues.
func (s *Store) PublishRef(queue string, id msgid.ID, delivered bool) (PublishResult, error) {
	var val, err = s.dispatch(task{
		reply: make(chan taskResult, 1),
		fn: func(st *Store) (interface{}, error) {
			if err := st.bumpRef(id); err != nil {
				return nil, err
			}
			var seq, err = st.queues.Publish(queue, id, delivered)
			if err != nil {
				return nil, err
			}
			metrics.PublishTotal.Inc()
			return seq, nil
		},
	})
	if err != nil {
		return PublishResult{}, err
	}
	return PublishResult{MsgID: id, Seq: val.(uint64)}, nil
}

// Deliver pops the next undelivered-or-redelivered row off |queue|'s head
// and returns its payload, marking the row delivered if it was not already
// (spec.md §4.D deliver). queueseq.ErrEmpty is returned verbatim when the
// queue has nothing to deliver.
func (s *Store) Deliver(queue string) (Delivery, error) {
	var val, err = s.dispatch(task{
		reply: make(chan taskResult, 1),
		fn: func(st *Store) (interface{}, error) {
			var e, seq, remaining, err = st.queues.Deliver(queue)
			if err != nil {
				return nil, err
			}
			var loc, ok, lerr = st.locations.Get(e.MsgID)
			if lerr != nil {
				return nil, lerr
			}
			if !ok {
				return nil, ErrUnknownMessage
			}
			var payload, perr = st.readPayload(e.MsgID, loc)
			if perr != nil {
				return nil, perr
			}
			metrics.DeliverTotal.Inc()
			return Delivery{
				MsgID:      e.MsgID,
				Seq:        seq,
				Delivered:  e.Delivered,
				Remaining:  remaining,
				Payload:    payload,
				Persistent: loc.Persistent,
			}, nil
		},
	})
	if err != nil {
		return Delivery{}, err
	}
	return val.(Delivery), nil
}

// PhantomDeliver peeks at the next row of |queue| without advancing
// readSeq or marking it delivered (spec.md §4.F: "phantom_deliver — peek
// without consuming").
func (s *Store) PhantomDeliver(queue string) (Delivery, error) {
	var val, err = s.dispatch(task{
		reply: make(chan taskResult, 1),
		fn: func(st *Store) (interface{}, error) {
			var seq = st.queues.SeqOf(queue)
			if seq.Read == seq.Write {
				return nil, queueseq.ErrEmpty
			}
			var found queueseq.Entry
			var foundSeq = seq.Read
			var ferr = st.queues.Foldl(queue, func(e queueseq.Entry, s uint64) {
				if s == foundSeq {
					found = e
				}
			})
			if ferr != nil {
				return nil, ferr
			}
			var loc, ok, lerr = st.locations.Get(found.MsgID)
			if lerr != nil {
				return nil, lerr
			}
			if !ok {
				return nil, ErrUnknownMessage
			}
			var payload, perr = st.readPayload(found.MsgID, loc)
			if perr != nil {
				return nil, perr
			}
			return Delivery{
				MsgID:      found.MsgID,
				Seq:        foundSeq,
				Delivered:  found.Delivered,
				Remaining:  seq.Len(),
				Payload:    payload,
				Persistent: loc.Persistent,
			}, nil
		},
	})
	if err != nil {
		return Delivery{}, err
	}
	return val.(Delivery), nil
}

// Ack acknowledges each entry of |refs| against |queue|: the durable row is
// deleted, the message's MsgLoc refcount is decremented, and at refcount
// zero the message is released and its segment scheduled for compaction
// (spec.md §4.D ack, §4.E).
func (s *Store) Ack(queue string, refs []AckRef) error {
	var _, err = s.dispatch(task{
		reply: make(chan taskResult, 1),
		fn: func(st *Store) (interface{}, error) {
			for _, r := range refs {
				if err := st.ackOne(queue, r); err != nil {
					return nil, err
				}
			}
			st.runCompaction()
			return nil, nil
		},
	})
	return err
}

func (s *Store) ackOne(queue string, r AckRef) error {
	if err := s.queues.Ack(queue, r.Seq); err != nil {
		return err
	}
	var _, ok, _, err = s.releaseRef(r.MsgID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnknownMessage
	}
	metrics.AckTotal.Inc()
	return nil
}

// TxPublish writes a brand-new message's bytes and installs its MsgLoc
// entry, exactly like Publish, but assigns no queue seq: the message is not
// yet queue-visible (spec.md §4.F: "tx_publish(M) ... like publish, but
// without assigning a queue seq. Refcount is created/bumped but the
// message is not yet queue-visible"). Callers follow up with TxCommit to
// assign it a seq on some queue, or TxCancel to abandon it.
func (s *Store) TxPublish(payload []byte, persistent bool) (msgid.ID, error) {
	var id, err = msgid.New()
	if err != nil {
		return msgid.Zero, err
	}
	var _, derr = s.dispatch(task{
		reply: make(chan taskResult, 1),
		fn: func(st *Store) (interface{}, error) {
			if err := st.appendNew(id, payload, persistent); err != nil {
				return nil, err
			}
			metrics.PublishTotal.Inc()
			return nil, nil
		},
	})
	if derr != nil {
		return msgid.Zero, derr
	}
	return id, nil
}

// TxCommit assigns |msgIDs| fresh seqs onto |queue|, in order, and applies
// |acks| against it, all within a single coordinator task (spec.md §4.F:
// "tx_commit(Q, [msg_ids], [acks]) sync — within one transaction, assign
// seq-ids to the published msg-ids (in given order) and apply all acks").
// If the current segment is dirty, the reply is deferred to the next
// group-commit fsync rather than answered immediately, exactly like the
// deferred-reply policy a bare fsync-wait would use.
func (s *Store) TxCommit(queue string, msgIDs []msgid.ID, acks []AckRef) error {
	var replyCh = make(chan taskResult, 1)
	var t = task{reply: replyCh}
	t.fn = func(st *Store) (interface{}, error) {
		for _, id := range msgIDs {
			if _, err := st.queues.Publish(queue, id, false); err != nil {
				return nil, err
			}
		}
		for _, r := range acks {
			if err := st.ackOne(queue, r); err != nil {
				return nil, err
			}
		}
		if len(acks) > 0 {
			st.runCompaction()
		}

		if !st.unsynced {
			return nil, nil
		}
		st.pendingCommits = append(st.pendingCommits, replyCh)
		return nil, errDeferred
	}
	var _, err = s.dispatch(t)
	return err
}

// TxCancel undoes a tx_publish batch that will never be committed: each
// message's refcount is released as though it had been acked without ever
// having been delivered (spec.md §4.F tx_cancel).
func (s *Store) TxCancel(ids []msgid.ID) error {
	var _, err = s.dispatch(task{
		reply: make(chan taskResult, 1),
		fn: func(st *Store) (interface{}, error) {
			for _, id := range ids {
				if _, _, _, err := st.releaseRef(id); err != nil {
					return nil, err
				}
			}
			st.runCompaction()
			return nil, nil
		},
	})
	return err
}

// Requeue moves each of |refs| to the tail of |queue| under a freshly
// assigned sequence, preserving relative order against newly published
// messages (spec.md §4.D requeue).
func (s *Store) Requeue(queue string, refs []RequeueRef) error {
	var entries = make([]queueseq.RequeueEntry, len(refs))
	for i, r := range refs {
		entries[i] = queueseq.RequeueEntry{MsgID: r.MsgID, OldSeq: r.Seq, Delivered: r.Delivered}
	}
	var _, err = s.dispatch(task{
		reply: make(chan taskResult, 1),
		fn: func(st *Store) (interface{}, error) {
			return nil, st.queues.Requeue(queue, entries)
		},
	})
	return err
}

// RequeueNextN moves the next |n| undelivered-or-delivered rows of |queue|
// to its tail, advancing both sequence numbers by n (spec.md §4.D
// requeue_next_n). It is a caller-facing operation; ToDiskOnlyMode and
// ToRAMDiskMode do not call it.
func (s *Store) RequeueNextN(queue string, n uint64) error {
	var _, err = s.dispatch(task{
		reply: make(chan taskResult, 1),
		fn: func(st *Store) (interface{}, error) {
			return nil, st.queues.RequeueNextN(queue, n)
		},
	})
	if errors.Is(err, queueseq.ErrLengthExceeded) {
		return ErrQueueLengthExceeded
	}
	return err
}

// Purge removes every row of |queue|, releasing each message's refcount as
// though it had been acked, and returns the number of rows removed
// (spec.md §4.D purge).
func (s *Store) Purge(queue string) (int, error) {
	var val, err = s.dispatch(task{
		reply: make(chan taskResult, 1),
		fn: func(st *Store) (interface{}, error) {
			var removed []msgloc.Loc
			var ids []msgid.ID
			if ferr := st.queues.Foldl(queue, func(e queueseq.Entry, _ uint64) {
				ids = append(ids, e.MsgID)
			}); ferr != nil {
				return nil, ferr
			}
			var n, perr = st.queues.Purge(queue)
			if perr != nil {
				return nil, perr
			}
			for _, id := range ids {
				var loc, ok, released, err = st.releaseRef(id)
				if err != nil {
					return nil, err
				}
				if !ok {
					continue
				}
				if released {
					removed = append(removed, loc)
				}
			}
			st.runCompaction()
			return n, nil
		},
	})
	if err != nil {
		return 0, err
	}
	return val.(int), nil
}

// DeleteQueue purges |queue| and forgets its sequence bookkeeping entirely
// (spec.md §4.D delete_queue).
func (s *Store) DeleteQueue(queue string) (int, error) {
	var removed, err = s.Purge(queue)
	if err != nil {
		return 0, err
	}
	var _, derr = s.dispatch(task{
		reply: make(chan taskResult, 1),
		fn: func(st *Store) (interface{}, error) {
			_, err := st.queues.DeleteQueue(queue)
			return nil, err
		},
	})
	if derr != nil {
		return 0, derr
	}
	return removed, nil
}

// ToDiskOnlyMode atomically swaps MsgLoc to its bolt-backed disk-resident
// backend (spec.md §4.B "low-memory mode"), running on the elevated control
// channel ahead of ordinary publish/ack traffic.
func (s *Store) ToDiskOnlyMode() error {
	var _, err = s.dispatchCtrl(task{
		reply: make(chan taskResult, 1),
		fn: func(st *Store) (interface{}, error) {
			if st.mode == ModeDisk {
				return nil, nil
			}
			var disk, derr = msgloc.NewDiskIndex(st.kvStore)
			if derr != nil {
				return nil, derr
			}
			if err := st.locations.SwitchTo(disk); err != nil {
				return nil, err
			}
			st.mode = ModeDisk
			return nil, nil
		},
	})
	return err
}

// ToRAMDiskMode atomically swaps MsgLoc back to its in-memory backend
// (spec.md §4.B "low-latency mode").
func (s *Store) ToRAMDiskMode() error {
	var _, err = s.dispatchCtrl(task{
		reply: make(chan taskResult, 1),
		fn: func(st *Store) (interface{}, error) {
			if st.mode == ModeRAM {
				return nil, nil
			}
			var mem = msgloc.NewMemIndex()
			if err := st.locations.SwitchTo(mem); err != nil {
				return nil, err
			}
			st.mode = ModeRAM
			return nil, nil
		},
	})
	return err
}

// SetMode records an operational hint distinct from the MsgLoc backend
// swap above: it does not move data, only influences the coordinator's
// caching heuristics (spec.md §4.F: "set_mode(disk|mixed) ... operational
// hooks"). In disk mode the payload cache is bypassed for eager inserts on
// deliver, since the assumption is memory is scarce.
func (s *Store) SetMode(m Mode) error {
	var _, err = s.dispatchCtrl(task{
		reply: make(chan taskResult, 1),
		fn: func(st *Store) (interface{}, error) {
			st.mode = m
			return nil, nil
		},
	})
	return err
}

// ReportMemory returns the store's current reported in-memory byte usage
// (spec.md §4.F "report_memory"), currently the payload cache's bytes.
func (s *Store) ReportMemory() (int64, error) {
	var val, err = s.dispatch(task{
		reply: make(chan taskResult, 1),
		fn: func(st *Store) (interface{}, error) {
			var b = st.payloadCache.Bytes()
			metrics.ReportedBytesGauge.Set(float64(b))
			return b, nil
		},
	})
	if err != nil {
		return 0, err
	}
	return val.(int64), nil
}

// Info returns an operational snapshot (spec.md §4.F "cache_info").
func (s *Store) Info() (CacheInfo, error) {
	var val, err = s.dispatch(task{
		reply: make(chan taskResult, 1),
		fn: func(st *Store) (interface{}, error) {
			return CacheInfo{
				Mode:              st.mode,
				PayloadCacheBytes: st.payloadCache.Bytes(),
				ReadCacheDir:      st.cfg.Dir,
				Segments:          st.summaries.Len(),
				DirtySegments:     len(st.dirty),
			}, nil
		},
	})
	if err != nil {
		return CacheInfo{}, err
	}
	return val.(CacheInfo), nil
}

// Length returns the logical length of |queue| (spec.md §6 "length").
func (s *Store) Length(queue string) (uint64, error) {
	var val, err = s.dispatch(task{
		reply: make(chan taskResult, 1),
		fn: func(st *Store) (interface{}, error) {
			return st.queues.Length(queue), nil
		},
	})
	if err != nil {
		return 0, err
	}
	return val.(uint64), nil
}

// Foldl folds over every row of |queue| in ascending sequence order
// (spec.md §6 "foldl").
func (s *Store) Foldl(queue string, fn func(id msgid.ID, seq uint64, delivered bool)) error {
	var _, err = s.dispatch(task{
		reply: make(chan taskResult, 1),
		fn: func(st *Store) (interface{}, error) {
			return nil, st.queues.Foldl(queue, func(e queueseq.Entry, seq uint64) {
				fn(e.MsgID, seq, e.Delivered)
			})
		},
	})
	return err
}
