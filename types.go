package store

import "github.com/axiomq/store/internal/store/msgid"

// Delivery is the result of a successful Deliver or PhantomDeliver call.
type Delivery struct {
	MsgID      msgid.ID
	Seq        uint64
	Delivered  bool
	Remaining  uint64
	Payload    []byte
	Persistent bool
}

// AckRef identifies one message to acknowledge out of a queue.
type AckRef struct {
	MsgID msgid.ID
	Seq   uint64
}

// RequeueRef identifies one previously delivered row to move to the tail of
// its queue (spec.md §4.D requeue).
type RequeueRef struct {
	MsgID     msgid.ID
	Seq       uint64
	Delivered bool
}

// PublishResult reports the outcome of a Publish or PublishRef call.
type PublishResult struct {
	MsgID msgid.ID
	Seq   uint64
}

// CacheInfo reports the operational snapshot exposed by the Info
// inspection hook (spec.md §4.F: "report_memory / cache_info — operational
// hooks").
type CacheInfo struct {
	Mode             Mode
	PayloadCacheBytes int64
	ReadCacheDir     string
	Segments         int
	DirtySegments    int
}
