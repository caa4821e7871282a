// Package segment implements segment file I/O (spec.md §4.A): append,
// read-at-offset, scan-for-valid-records, and truncate-and-extend over the
// append-only, fixed-extension segment files of spec.md §6.
package segment

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/pkg/errors"

	"github.com/axiomq/store/internal/store/msgid"
	"github.com/axiomq/store/internal/store/record"
)

// Extension of a live segment file.
const Extension = ".rdq"

// TempExtension of a compaction temp file (spec.md §6).
const TempExtension = ".rdt"

// ErrCorrupt is returned by ReadAt when the framing at the requested offset
// does not match what the caller expected (spec.md §4.A: "Any mismatch is a
// fatal read error for that message").
var ErrCorrupt = errors.New("segment: corrupt record framing")

// Number identifies a segment by its monotonically increasing integer name.
type Number int64

// Path returns the on-disk path of segment |n| within |dir|.
func (n Number) Path(dir string) string {
	return filepath.Join(dir, fmt.Sprintf("%020d%s", int64(n), Extension))
}

// TempPath returns the on-disk path of the compaction temp file for |n|.
func (n Number) TempPath(dir string) string {
	return filepath.Join(dir, fmt.Sprintf("%020d%s", int64(n), TempExtension))
}

// ParseName parses a segment or temp file basename into its Number and
// whether it is a temp file. Leading zeros are tolerated as the spec
// permits optional zero-padding.
func ParseName(name string) (n Number, temp bool, ok bool) {
	var ext = filepath.Ext(name)
	var stem = name[:len(name)-len(ext)]

	switch ext {
	case Extension:
		temp = false
	case TempExtension:
		temp = true
	default:
		return 0, false, false
	}
	var v, err = strconv.ParseInt(stem, 10, 64)
	if err != nil {
		return 0, false, false
	}
	return Number(v), temp, true
}

// File is a live, append-only segment file.
type File struct {
	Number Number
	path   string
	f      *os.File
	// end is the logical end-of-file offset through which content is valid
	// (may be less than the pre-allocated physical file size).
	end int64
}

// Create opens a brand-new segment file of the given Number, preallocating
// it up to |cap| and leaving the write position at the start (spec.md §4.A:
// "Preallocation: on segment creation, the file is truncated-up to the soft
// cap, then the write position is set back to 0").
func Create(dir string, n Number, cap int64) (*File, error) {
	var path = n.Path(dir)
	var f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, errors.WithMessagef(err, "creating segment %s", path)
	}
	if err = f.Truncate(cap); err != nil {
		f.Close()
		return nil, errors.WithMessagef(err, "preallocating segment %s", path)
	}
	if _, err = f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, errors.WithMessagef(err, "seeking segment %s", path)
	}
	return &File{Number: n, path: path, f: f}, nil
}

// OpenForAppend opens an existing segment file for appending at |end|, the
// offset immediately following the last well-framed record a scan found
// (spec.md §4.F step 7: reopen the highest segment for append).
func OpenForAppend(dir string, n Number, end int64) (*File, error) {
	var path = n.Path(dir)
	var f, err = os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.WithMessagef(err, "opening segment %s for append", path)
	}
	return &File{Number: n, path: path, f: f, end: end}, nil
}

// OpenForRead opens an existing segment file read-only.
func OpenForRead(dir string, n Number) (*File, error) {
	var path = n.Path(dir)
	var f, err = os.Open(path)
	if err != nil {
		return nil, errors.WithMessagef(err, "opening segment %s for read", path)
	}
	return &File{Number: n, path: path, f: f}, nil
}

// OpenTempForRead opens an existing compaction temp file read-only, sizing
// its logical end-of-file to the file's actual on-disk length. Used by
// recovery to replay a temp file left behind by an interrupted combine.
func OpenTempForRead(dir string, n Number) (*File, error) {
	var path = n.TempPath(dir)
	var f, err = os.Open(path)
	if err != nil {
		return nil, errors.WithMessagef(err, "opening temp file %s for read", path)
	}
	var info os.FileInfo
	if info, err = f.Stat(); err != nil {
		f.Close()
		return nil, errors.WithMessagef(err, "stat temp file %s", path)
	}
	return &File{Number: n, path: path, f: f, end: info.Size()}, nil
}

// Close releases the underlying descriptor.
func (s *File) Close() error { return s.f.Close() }

// Path returns the on-disk path of the segment.
func (s *File) Path() string { return s.path }

// End returns the current logical end-of-file offset.
func (s *File) End() int64 { return s.end }

// Append writes a record at the current end-of-file and returns the record's
// payload size (excluding framing) and the offset at which it was written.
// Writes use the OS write buffer; durability is achieved separately by Sync
// (spec.md §4.A, §4.F group-commit policy).
func (s *File) Append(id msgid.ID, payload []byte, persistent bool) (size int64, offset int64, err error) {
	var buf = record.Encode(id, payload, persistent)
	offset = s.end

	if _, err = s.f.WriteAt(buf, offset); err != nil {
		return 0, 0, errors.WithMessagef(err, "appending to segment %s", s.path)
	}
	s.end += int64(len(buf))
	return int64(len(payload)), offset, nil
}

// Sync flushes the segment's write buffer to stable storage.
func (s *File) Sync() error {
	if err := s.f.Sync(); err != nil {
		return errors.WithMessagef(err, "fsync segment %s", s.path)
	}
	return nil
}

// ReadAt seeks to |offset|, reads a record of |size| bytes of payload, and
// verifies the length prefix, the id, and the terminator against the
// expected id, returning the payload and persistence flag. Any framing
// mismatch is ErrCorrupt (spec.md §4.A).
func (s *File) ReadAt(offset, size int64, expectID msgid.ID) (payload []byte, persistent bool, err error) {
	var total = size + int64(msgid.Size)
	var buf = make([]byte, record.FrameOverhead+msgid.Size+size)

	if _, err = s.f.ReadAt(buf, offset); err != nil {
		return nil, false, errors.WithMessagef(err, "reading segment %s at %d", s.path, offset)
	}

	var hdr Header
	if hdr, err = record.DecodeHeader(buf); err != nil {
		return nil, false, errors.Wrap(ErrCorrupt, err.Error())
	}
	if hdr.TotalSize != total {
		return nil, false, errors.Wrapf(ErrCorrupt, "size mismatch at offset %d: header %d, expected %d", offset, hdr.TotalSize, total)
	}
	if hdr.ID != expectID {
		return nil, false, errors.Wrapf(ErrCorrupt, "id mismatch at offset %d", offset)
	}

	var term = buf[len(buf)-1]
	var ok bool
	if persistent, ok = record.TerminatorOK(term); !ok {
		return nil, false, errors.Wrapf(ErrCorrupt, "bad terminator 0x%02x at offset %d", term, offset)
	}

	// Payload begins immediately after the two length prefixes and the id.
	payload = make([]byte, size)
	copy(payload, buf[16+msgid.Size:16+msgid.Size+int(size)])
	return payload, persistent, nil
}

// Header is a convenience alias so callers of ReadAt's sibling Scan don't
// need to import the record package directly.
type Header = record.Header

// Encode is a convenience alias so callers don't need to import the record
// package directly to build a raw encoded record.
var Encode = record.Encode

// ScannedRecord is one well-framed record discovered during a forward scan.
type ScannedRecord struct {
	ID         msgid.ID
	Persistent bool
	Size       int64 // Payload size, excluding framing.
	Offset     int64
}

// Scan performs a sequential forward pass over the segment file, producing
// the list of well-framed records in ascending offset order (head-is-
// highest-offset when read by the caller in reverse; spec.md §4.A).
// At each position, if either length prefix is zero or the terminator isn't
// one of the two sentinels, the scan skips forward by one byte and
// continues, never silently skipping a well-framed record.
func Scan(path string) (records []ScannedRecord, contiguousPrefix int64, err error) {
	var f *os.File
	if f, err = os.Open(path); err != nil {
		return nil, 0, errors.WithMessagef(err, "opening segment %s for scan", path)
	}
	defer f.Close()

	var info os.FileInfo
	if info, err = f.Stat(); err != nil {
		return nil, 0, errors.WithMessagef(err, "stat segment %s", path)
	}
	var fileSize = info.Size()

	var pos int64
	var dense = true // Whether we're still within the leading hole-free run.

	// Both length prefixes plus the id, as DecodeHeader requires.
	var headerLen = int64(16 + msgid.Size)
	for pos+headerLen <= fileSize {
		var prefix = make([]byte, headerLen)
		if _, err = f.ReadAt(prefix, pos); err != nil {
			return nil, 0, errors.WithMessagef(err, "scanning segment %s at %d", path, pos)
		}
		var hdr Header
		if hdr, err = record.DecodeHeader(prefix); err != nil {
			pos++
			dense = false
			continue
		}
		var total = hdr.Size()
		if total <= 0 || pos+total > fileSize {
			pos++
			dense = false
			continue
		}

		var term = make([]byte, 1)
		if _, err = f.ReadAt(term, pos+total-1); err != nil {
			return nil, 0, errors.WithMessagef(err, "scanning segment %s terminator at %d", path, pos+total-1)
		}
		var persistent, ok = record.TerminatorOK(term[0])
		if !ok {
			pos++
			dense = false
			continue
		}

		records = append(records, ScannedRecord{
			ID:         hdr.ID,
			Persistent: persistent,
			Size:       hdr.PayloadSize(),
			Offset:     pos,
		})
		pos += total
		if dense {
			contiguousPrefix = pos
		}
	}

	sort.Slice(records, func(i, j int) bool { return records[i].Offset < records[j].Offset })
	return records, contiguousPrefix, nil
}

// TruncateAndExtend is the primitive used by compaction (spec.md §4.A): set
// the file to |low|, truncate, preallocate up to |high|, then seek to |low|.
func (s *File) TruncateAndExtend(low, high int64) error {
	if err := s.f.Truncate(low); err != nil {
		return errors.WithMessagef(err, "truncating segment %s to %d", s.path, low)
	}
	if err := s.f.Truncate(high); err != nil {
		return errors.WithMessagef(err, "extending segment %s to %d", s.path, high)
	}
	if _, err := s.f.Seek(low, io.SeekStart); err != nil {
		return errors.WithMessagef(err, "seeking segment %s to %d", s.path, low)
	}
	s.end = low
	return nil
}

// WriteAt writes |b| at |offset| directly, bypassing framing. Used by the
// compactor to stream already-framed bytes between segments.
func (s *File) WriteAt(b []byte, offset int64) (int, error) {
	var n, err = s.f.WriteAt(b, offset)
	if err != nil {
		return n, errors.WithMessagef(err, "writing segment %s at %d", s.path, offset)
	}
	if offset+int64(n) > s.end {
		s.end = offset + int64(n)
	}
	return n, nil
}

// ReadRaw reads |size| raw bytes at |offset|, with no framing validation.
// Used by the compactor to copy already-framed records verbatim.
func (s *File) ReadRaw(offset, size int64) ([]byte, error) {
	var buf = make([]byte, size)
	if _, err := s.f.ReadAt(buf, offset); err != nil {
		return nil, errors.WithMessagef(err, "reading segment %s raw at %d", s.path, offset)
	}
	return buf, nil
}

// CopyFrom copies the full written content of |src| (a temp File produced
// by CreateTemp) onto |s| starting at |destOffset|, updating |s|'s logical
// end-of-file. Used by the compactor to copy a repacked temp file back onto
// its destination segment (spec.md §4.E step 2b).
func (s *File) CopyFrom(src *File, destOffset int64) error {
	var buf, err = src.ReadRaw(0, src.end)
	if err != nil {
		return err
	}
	_, err = s.WriteAt(buf, destOffset)
	return err
}

// Remove deletes the segment's backing file. The File must already be Closed.
func (s *File) Remove() error {
	return Number(s.Number).Remove(filepath.Dir(s.path))
}

// Remove deletes segment |n|'s backing file within |dir|, tolerating a
// file that is already absent.
func (n Number) Remove(dir string) error {
	if err := os.Remove(n.Path(dir)); err != nil && !os.IsNotExist(err) {
		return errors.WithMessagef(err, "removing segment %s", n.Path(dir))
	}
	return nil
}

// RemoveTemp deletes segment |n|'s compaction temp file within |dir|,
// tolerating a file that is already absent.
func (n Number) RemoveTemp(dir string) error {
	if err := os.Remove(n.TempPath(dir)); err != nil && !os.IsNotExist(err) {
		return errors.WithMessagef(err, "removing temp file %s", n.TempPath(dir))
	}
	return nil
}

// CreateTemp creates a fresh compaction temp file for segment |n|,
// preallocated to |size| bytes with the write position at 0, the same
// preallocation discipline Create uses for live segments.
func CreateTemp(dir string, n Number, size int64) (*File, error) {
	var path = n.TempPath(dir)
	var f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, errors.WithMessagef(err, "creating temp file %s", path)
	}
	if size > 0 {
		if err = f.Truncate(size); err != nil {
			f.Close()
			return nil, errors.WithMessagef(err, "preallocating temp file %s", path)
		}
	}
	if _, err = f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, errors.WithMessagef(err, "seeking temp file %s", path)
	}
	return &File{Number: n, path: path, f: f}, nil
}

// ListSegmentFiles enumerates segment and temp files in |dir|, returning
// their parsed Numbers in ascending order (spec.md §4.F step 1).
func ListSegmentFiles(dir string) (segments []Number, temps []Number, err error) {
	var entries []os.DirEntry
	if entries, err = os.ReadDir(dir); err != nil {
		return nil, nil, errors.WithMessagef(err, "listing segment dir %s", dir)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		var n, temp, ok = ParseName(e.Name())
		if !ok {
			continue
		}
		if temp {
			temps = append(temps, n)
		} else {
			segments = append(segments, n)
		}
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i] < segments[j] })
	sort.Slice(temps, func(i, j int) bool { return temps[i] < temps[j] })
	return segments, temps, nil
}
