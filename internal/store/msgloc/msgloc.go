// Package msgloc implements the message location index (spec.md §4.B):
// the mapping from message-id to (segment, offset, size, refcount,
// persistence flag), with dual in-memory/disk-resident backends behind a
// common interface, and an atomic mode-switch routine that copies all
// entries under the caller's lock (spec.md §9 Design Notes, "Dual-backend
// index").
package msgloc

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/axiomq/store/internal/store/kv"
	"github.com/axiomq/store/internal/store/msgid"
	"github.com/axiomq/store/internal/store/segment"
)

// ErrNotFound names an absent message-id (the message is dead; spec.md §3
// MsgLoc invariant: "the key is absent iff the message is dead"). Get does
// not return it: Get reports absence through its ok result with a nil error.
var ErrNotFound = errors.New("msgloc: not found")

// ErrExists is returned by InsertNew when the key is already present.
var ErrExists = errors.New("msgloc: already exists")

// Loc is the tuple stored for each live message-id (spec.md §3 MsgLoc).
type Loc struct {
	Segment    segment.Number
	Offset     int64
	Size       int64
	Refcount   int64
	Persistent bool
}

// Index is the duck-typed backend interface of spec.md §9: "get, insert,
// insert_new, delete, match_by_segment".
type Index interface {
	Get(id msgid.ID) (Loc, bool, error)
	Insert(id msgid.ID, l Loc) error
	InsertNew(id msgid.ID, l Loc) error
	Delete(id msgid.ID) error
	MatchBySegment(n segment.Number, fn func(id msgid.ID, l Loc) bool) error
	// Each invokes fn for every entry. Used only by the atomic mode-switch
	// copy routine and by tests; not part of the hot path.
	Each(fn func(id msgid.ID, l Loc) bool) error
	Close() error
}

// encodeLoc/decodeLoc serialize a Loc for the disk-resident backend.
func encodeLoc(l Loc) []byte {
	var buf = make([]byte, 8+8+8+8+1)
	binary.BigEndian.PutUint64(buf[0:8], uint64(l.Segment))
	binary.BigEndian.PutUint64(buf[8:16], uint64(l.Offset))
	binary.BigEndian.PutUint64(buf[16:24], uint64(l.Size))
	binary.BigEndian.PutUint64(buf[24:32], uint64(l.Refcount))
	if l.Persistent {
		buf[32] = 1
	}
	return buf
}

func decodeLoc(b []byte) (Loc, error) {
	if len(b) != 33 {
		return Loc{}, errors.New("msgloc: corrupt encoded location")
	}
	return Loc{
		Segment:    segment.Number(binary.BigEndian.Uint64(b[0:8])),
		Offset:     int64(binary.BigEndian.Uint64(b[8:16])),
		Size:       int64(binary.BigEndian.Uint64(b[16:24])),
		Refcount:   int64(binary.BigEndian.Uint64(b[24:32])),
		Persistent: b[32] == 1,
	}, nil
}

var bucketName = []byte("msgloc")

// DiskIndex is the disk-resident hash-table backend ("low-memory mode"),
// backed by the pluggable kv.Store.
type DiskIndex struct {
	kv kv.Store
}

// NewDiskIndex wraps |store| as a disk-resident Index.
func NewDiskIndex(store kv.Store) (*DiskIndex, error) {
	if err := store.Update(func(tx kv.Tx) error {
		return tx.CreateBucketIfNotExists(bucketName)
	}); err != nil {
		return nil, err
	}
	return &DiskIndex{kv: store}, nil
}

func (d *DiskIndex) Get(id msgid.ID) (Loc, bool, error) {
	var b, err = d.kv.Get(bucketName, id[:])
	if err == kv.ErrNotFound {
		return Loc{}, false, nil
	} else if err != nil {
		return Loc{}, false, err
	}
	var l, derr = decodeLoc(b)
	return l, derr == nil, derr
}

func (d *DiskIndex) Insert(id msgid.ID, l Loc) error {
	return d.kv.Update(func(tx kv.Tx) error {
		return tx.Put(bucketName, id[:], encodeLoc(l))
	})
}

func (d *DiskIndex) InsertNew(id msgid.ID, l Loc) error {
	return d.kv.Update(func(tx kv.Tx) error {
		if _, err := tx.Get(bucketName, id[:]); err == nil {
			return ErrExists
		} else if err != kv.ErrNotFound {
			return err
		}
		return tx.Put(bucketName, id[:], encodeLoc(l))
	})
}

func (d *DiskIndex) Delete(id msgid.ID) error {
	return d.kv.Update(func(tx kv.Tx) error {
		return tx.Delete(bucketName, id[:])
	})
}

func (d *DiskIndex) MatchBySegment(n segment.Number, fn func(id msgid.ID, l Loc) bool) error {
	return d.Each(func(id msgid.ID, l Loc) bool {
		if l.Segment != n {
			return true
		}
		return fn(id, l)
	})
}

func (d *DiskIndex) Each(fn func(id msgid.ID, l Loc) bool) error {
	return d.kv.Fold(bucketName, func(k, v []byte) bool {
		var id, err = msgid.FromBytes(k)
		if err != nil {
			return true
		}
		var l, derr = decodeLoc(v)
		if derr != nil {
			return true
		}
		return fn(id, l)
	})
}

func (d *DiskIndex) Close() error { return d.kv.Close() }

// MemIndex is the in-memory hash-table backend ("low-latency mode").
type MemIndex struct {
	m map[msgid.ID]Loc
}

// NewMemIndex returns an empty in-memory Index.
func NewMemIndex() *MemIndex {
	return &MemIndex{m: make(map[msgid.ID]Loc)}
}

func (m *MemIndex) Get(id msgid.ID) (Loc, bool, error) {
	var l, ok = m.m[id]
	return l, ok, nil
}

func (m *MemIndex) Insert(id msgid.ID, l Loc) error {
	m.m[id] = l
	return nil
}

func (m *MemIndex) InsertNew(id msgid.ID, l Loc) error {
	if _, ok := m.m[id]; ok {
		return ErrExists
	}
	m.m[id] = l
	return nil
}

func (m *MemIndex) Delete(id msgid.ID) error {
	delete(m.m, id)
	return nil
}

func (m *MemIndex) MatchBySegment(n segment.Number, fn func(id msgid.ID, l Loc) bool) error {
	for id, l := range m.m {
		if l.Segment != n {
			continue
		}
		if !fn(id, l) {
			break
		}
	}
	return nil
}

func (m *MemIndex) Each(fn func(id msgid.ID, l Loc) bool) error {
	for id, l := range m.m {
		if !fn(id, l) {
			break
		}
	}
	return nil
}

func (m *MemIndex) Close() error { return nil }
