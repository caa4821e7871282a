package store

import "time"

// Default tunables, named the way go.gazette.dev/core/broker keeps its
// package-level defaults alongside the Config they seed.
const (
	DefaultSegmentCap        int64         = 256 * 1024 * 1024
	DefaultCommitInterval    time.Duration = 5 * time.Millisecond
	DefaultReadCacheSize     int           = 256
	DefaultMessageCacheBytes int64         = 10 * 1024 * 1024
	DefaultOpsQueueDepth     int           = 4096
)

// Mode selects the MsgLoc backend a Store runs with (spec.md §4.B,
// "low-latency" vs "low-memory" mode).
type Mode int

const (
	// ModeRAM keeps MsgLoc entirely in a Go map.
	ModeRAM Mode = iota
	// ModeDisk keeps MsgLoc in the bolt-backed disk-resident table.
	ModeDisk
)

func (m Mode) String() string {
	switch m {
	case ModeRAM:
		return "ram"
	case ModeDisk:
		return "disk"
	default:
		return "unknown"
	}
}

// Config configures a Store. Zero-valued fields are replaced by their
// defaults in Open.
type Config struct {
	// Dir is the directory holding segment files and the bolt database.
	Dir string
	// SegmentCap bounds the soft size of each segment file.
	SegmentCap int64
	// CommitInterval is the group-commit timer period (spec.md §4.F).
	CommitInterval time.Duration
	// ReadCacheSize bounds the number of open non-current segment read handles.
	ReadCacheSize int
	// MessageCacheBytes bounds the optional payload cache (spec.md §4.F).
	MessageCacheBytes int64
	// InitialMode selects the MsgLoc backend recovery starts in.
	InitialMode Mode
	// OpsQueueDepth bounds the coordinator's buffered operation channel.
	OpsQueueDepth int
}

func (c Config) withDefaults() Config {
	if c.SegmentCap <= 0 {
		c.SegmentCap = DefaultSegmentCap
	}
	if c.CommitInterval <= 0 {
		c.CommitInterval = DefaultCommitInterval
	}
	if c.ReadCacheSize <= 0 {
		c.ReadCacheSize = DefaultReadCacheSize
	}
	if c.MessageCacheBytes <= 0 {
		c.MessageCacheBytes = DefaultMessageCacheBytes
	}
	if c.OpsQueueDepth <= 0 {
		c.OpsQueueDepth = DefaultOpsQueueDepth
	}
	return c
}
