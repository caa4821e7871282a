// Package record implements the byte-exact segment record framing of
// spec.md §6:
//
//	be_u64(total_size) || be_u64(id_size) || id_bytes || payload || u8(terminator)
//
// where terminator ∈ {TerminatorPersistent, TerminatorTransient} and
// total_size = id_size + len(payload). Framing overhead per record is
// FrameOverhead bytes (two 8-byte length prefixes plus one terminator byte).
package record

import (
	"encoding/binary"
	"fmt"

	"github.com/axiomq/store/internal/store/msgid"
)

const (
	// TerminatorPersistent marks a record whose message survives restart.
	TerminatorPersistent byte = 0xFE
	// TerminatorTransient marks a record that may be discarded on restart.
	TerminatorTransient byte = 0xFF

	// lenPrefixSize is the width of each be_u64 length prefix.
	lenPrefixSize = 8
	// FrameOverhead is the total framing overhead of one record, excluding
	// the id and payload bytes themselves (spec.md §4.A: "excluding the
	// 17-byte framing: two 8-byte length prefixes plus one terminator byte").
	FrameOverhead = 2*lenPrefixSize + 1
)

// Header is the decoded fixed portion of a record, without its payload.
type Header struct {
	TotalSize int64
	IDSize    int64
	ID        msgid.ID
	Persistent bool
}

// PayloadSize returns the length of the record's payload, derived from
// TotalSize and IDSize.
func (h Header) PayloadSize() int64 { return h.TotalSize - h.IDSize }

// Size returns the on-disk length of the fully framed record, including
// FrameOverhead.
func (h Header) Size() int64 { return h.TotalSize + FrameOverhead }

// Encode serializes id, payload and persistence flag into a single framed
// record, ready to be appended to a segment file.
func Encode(id msgid.ID, payload []byte, persistent bool) []byte {
	var idSize = int64(len(id))
	var total = idSize + int64(len(payload))

	var buf = make([]byte, FrameOverhead+len(id)+len(payload))
	binary.BigEndian.PutUint64(buf[0:8], uint64(total))
	binary.BigEndian.PutUint64(buf[8:16], uint64(idSize))
	copy(buf[16:16+len(id)], id[:])
	copy(buf[16+len(id):16+len(id)+len(payload)], payload)

	var term = TerminatorPersistent
	if !persistent {
		term = TerminatorTransient
	}
	buf[len(buf)-1] = term

	return buf
}

// DecodeHeader parses the fixed portion of a record from |b|, which must
// contain at least 2*lenPrefixSize+id_size bytes starting at the record's
// first byte. It does not validate the terminator (the caller must read the
// terminator byte, found at offset Header.Size()-1 from the record start,
// separately once the full record length is known).
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < 2*lenPrefixSize {
		return Header{}, fmt.Errorf("record: short header (%d bytes)", len(b))
	}
	var total = int64(binary.BigEndian.Uint64(b[0:8]))
	var idSize = int64(binary.BigEndian.Uint64(b[8:16]))

	if idSize != int64(msgid.Size) {
		return Header{}, fmt.Errorf("record: unexpected id_size %d", idSize)
	}
	if total < idSize {
		return Header{}, fmt.Errorf("record: total_size %d smaller than id_size %d", total, idSize)
	}
	if len(b) < int(2*lenPrefixSize+idSize) {
		return Header{}, fmt.Errorf("record: short id (%d bytes)", len(b))
	}

	var id, err = msgid.FromBytes(b[16 : 16+idSize])
	if err != nil {
		return Header{}, err
	}

	return Header{TotalSize: total, IDSize: idSize, ID: id}, nil
}

// TerminatorOK reports whether |b| is one of the two valid terminator
// sentinels, and if so whether it denotes a persistent message.
func TerminatorOK(b byte) (persistent bool, ok bool) {
	switch b {
	case TerminatorPersistent:
		return true, true
	case TerminatorTransient:
		return false, true
	default:
		return false, false
	}
}
