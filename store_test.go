package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/axiomq/store/internal/store/msgid"
)

func testConfig(dir string) Config {
	return Config{
		Dir:            dir,
		SegmentCap:     1 << 20,
		CommitInterval: 5 * time.Millisecond,
	}
}

func TestPublishDeliverAckRoundTrip(t *testing.T) {
	var s, err = Open(testConfig(t.TempDir()))
	require.NoError(t, err)
	defer s.Stop()

	var pr, perr = s.Publish("q", []byte("hello"), true, false)
	require.NoError(t, perr)
	require.Zero(t, pr.Seq)

	var d, derr = s.Deliver("q")
	require.NoError(t, derr)
	require.Equal(t, pr.MsgID, d.MsgID)
	require.Equal(t, []byte("hello"), d.Payload)
	require.True(t, d.Persistent)

	require.NoError(t, s.Ack("q", []AckRef{{MsgID: d.MsgID, Seq: d.Seq}}))

	var n, lerr = s.Length("q")
	require.NoError(t, lerr)
	require.Zero(t, n)
}

func TestPublishRefSharesUnderlyingMessage(t *testing.T) {
	var s, err = Open(testConfig(t.TempDir()))
	require.NoError(t, err)
	defer s.Stop()

	var pr, perr = s.Publish("q1", []byte("shared"), true, false)
	require.NoError(t, perr)

	var pr2, rerr = s.PublishRef("q2", pr.MsgID, false)
	require.NoError(t, rerr)
	require.Equal(t, pr.MsgID, pr2.MsgID)

	var d1, _ = s.Deliver("q1")
	var d2, _ = s.Deliver("q2")
	require.Equal(t, []byte("shared"), d1.Payload)
	require.Equal(t, []byte("shared"), d2.Payload)

	require.NoError(t, s.Ack("q1", []AckRef{{MsgID: d1.MsgID, Seq: d1.Seq}}))
	require.NoError(t, s.Ack("q2", []AckRef{{MsgID: d2.MsgID, Seq: d2.Seq}}))
}

func TestDeliverOnEmptyQueueReturnsError(t *testing.T) {
	var s, err = Open(testConfig(t.TempDir()))
	require.NoError(t, err)
	defer s.Stop()

	var _, derr = s.Deliver("empty")
	require.Error(t, derr)
}

func TestTxCommitWaitsForGroupCommit(t *testing.T) {
	var s, err = Open(testConfig(t.TempDir()))
	require.NoError(t, err)
	defer s.Stop()

	var id, terr = s.TxPublish([]byte("x"), true)
	require.NoError(t, terr)
	require.NoError(t, s.TxCommit("q", []msgid.ID{id}, nil))
}

func TestTxPublishIsNotQueueVisibleUntilCommit(t *testing.T) {
	var s, err = Open(testConfig(t.TempDir()))
	require.NoError(t, err)
	defer s.Stop()

	var _, terr = s.TxPublish([]byte("x"), true)
	require.NoError(t, terr)

	var n, lerr = s.Length("q")
	require.NoError(t, lerr)
	require.Zero(t, n)

	var _, derr = s.Deliver("q")
	require.Error(t, derr)
}

func TestTxCommitAssignsSeqsInOrder(t *testing.T) {
	var s, err = Open(testConfig(t.TempDir()))
	require.NoError(t, err)
	defer s.Stop()

	var a, aerr = s.TxPublish([]byte("a"), true)
	require.NoError(t, aerr)
	var b, berr = s.TxPublish([]byte("b"), true)
	require.NoError(t, berr)

	require.NoError(t, s.TxCommit("q", []msgid.ID{a, b}, nil))

	var d1, derr1 = s.Deliver("q")
	require.NoError(t, derr1)
	require.Equal(t, a, d1.MsgID)

	var d2, derr2 = s.Deliver("q")
	require.NoError(t, derr2)
	require.Equal(t, b, d2.MsgID)
}

func TestTxCommitAppliesAcksAtomically(t *testing.T) {
	var s, err = Open(testConfig(t.TempDir()))
	require.NoError(t, err)
	defer s.Stop()

	var pr, perr = s.Publish("q", []byte("a"), true, false)
	require.NoError(t, perr)
	var d, derr = s.Deliver("q")
	require.NoError(t, derr)

	var b, berr = s.TxPublish([]byte("b"), true)
	require.NoError(t, berr)

	require.NoError(t, s.TxCommit("q", []msgid.ID{b}, []AckRef{{MsgID: d.MsgID, Seq: d.Seq}}))

	var n, lerr = s.Length("q")
	require.NoError(t, lerr)
	require.Equal(t, uint64(1), n)

	var next, nerr = s.Deliver("q")
	require.NoError(t, nerr)
	require.Equal(t, b, next.MsgID)
	_ = pr
}

func TestTxCancelReleasesUncommittedMessage(t *testing.T) {
	var s, err = Open(testConfig(t.TempDir()))
	require.NoError(t, err)
	defer s.Stop()

	var id, terr = s.TxPublish([]byte("x"), true)
	require.NoError(t, terr)
	require.NoError(t, s.TxCancel([]msgid.ID{id}))

	var _, derr = s.Deliver("q")
	require.Error(t, derr)
}

func TestPhantomDeliverDoesNotConsume(t *testing.T) {
	var s, err = Open(testConfig(t.TempDir()))
	require.NoError(t, err)
	defer s.Stop()

	var pr, _ = s.Publish("q", []byte("peek"), true, false)

	var d1, derr = s.PhantomDeliver("q")
	require.NoError(t, derr)
	require.Equal(t, pr.MsgID, d1.MsgID)
	require.False(t, d1.Delivered)

	var n, _ = s.Length("q")
	require.Equal(t, uint64(1), n)

	var d2, derr2 = s.Deliver("q")
	require.NoError(t, derr2)
	require.Equal(t, pr.MsgID, d2.MsgID)
}

func TestRequeueMovesMessageToTail(t *testing.T) {
	var s, err = Open(testConfig(t.TempDir()))
	require.NoError(t, err)
	defer s.Stop()

	var pr1, _ = s.Publish("q", []byte("a"), true, false)
	var pr2, _ = s.Publish("q", []byte("b"), true, false)

	var d1, _ = s.Deliver("q")
	require.Equal(t, pr1.MsgID, d1.MsgID)

	require.NoError(t, s.Requeue("q", []RequeueRef{{MsgID: d1.MsgID, Seq: d1.Seq, Delivered: true}}))

	var d2, _ = s.Deliver("q")
	require.Equal(t, pr2.MsgID, d2.MsgID)
	var d3, _ = s.Deliver("q")
	require.Equal(t, pr1.MsgID, d3.MsgID)
}

func TestPurgeReleasesAllMessages(t *testing.T) {
	var s, err = Open(testConfig(t.TempDir()))
	require.NoError(t, err)
	defer s.Stop()

	_, _ = s.Publish("q", []byte("a"), true, false)
	_, _ = s.Publish("q", []byte("b"), true, false)

	var n, perr = s.Purge("q")
	require.NoError(t, perr)
	require.Equal(t, 2, n)

	var length, _ = s.Length("q")
	require.Zero(t, length)
}

func TestDeleteQueueForgetsBookkeeping(t *testing.T) {
	var s, err = Open(testConfig(t.TempDir()))
	require.NoError(t, err)
	defer s.Stop()

	_, _ = s.Publish("q", []byte("a"), true, false)
	var n, derr = s.DeleteQueue("q")
	require.NoError(t, derr)
	require.Equal(t, 1, n)
}

func TestModeSwitchPreservesExistingLocations(t *testing.T) {
	var s, err = Open(testConfig(t.TempDir()))
	require.NoError(t, err)
	defer s.Stop()

	var pr, _ = s.Publish("q", []byte("x"), true, false)

	require.NoError(t, s.ToDiskOnlyMode())
	var d, derr = s.Deliver("q")
	require.NoError(t, derr)
	require.Equal(t, pr.MsgID, d.MsgID)

	require.NoError(t, s.ToRAMDiskMode())
	var info, ierr = s.Info()
	require.NoError(t, ierr)
	require.Equal(t, ModeRAM, info.Mode)
}

func TestFoldlVisitsRowsInOrder(t *testing.T) {
	var s, err = Open(testConfig(t.TempDir()))
	require.NoError(t, err)
	defer s.Stop()

	var pr1, _ = s.Publish("q", []byte("a"), true, false)
	var pr2, _ = s.Publish("q", []byte("b"), true, false)

	var seen []msgid.ID
	require.NoError(t, s.Foldl("q", func(id msgid.ID, seq uint64, delivered bool) {
		seen = append(seen, id)
	}))
	require.Equal(t, []msgid.ID{pr1.MsgID, pr2.MsgID}, seen)
}

func TestStopThenReopenRecoversPublishedMessage(t *testing.T) {
	var dir = t.TempDir()
	var cfg = testConfig(dir)

	var s1, err = Open(cfg)
	require.NoError(t, err)
	var pr, perr = s1.Publish("q", []byte("durable"), true, false)
	require.NoError(t, perr)
	s1.Stop()

	var s2, rerr = Open(cfg)
	require.NoError(t, rerr)
	defer s2.Stop()

	var d, derr = s2.Deliver("q")
	require.NoError(t, derr)
	require.Equal(t, pr.MsgID, d.MsgID)
	require.Equal(t, []byte("durable"), d.Payload)
}

func TestStopThenReopenPrunesAckedMessage(t *testing.T) {
	var dir = t.TempDir()
	var cfg = testConfig(dir)

	var s1, err = Open(cfg)
	require.NoError(t, err)
	var pr, _ = s1.Publish("q", []byte("temp"), true, false)
	var d, _ = s1.Deliver("q")
	require.NoError(t, s1.Ack("q", []AckRef{{MsgID: d.MsgID, Seq: d.Seq}}))
	s1.Stop()

	var s2, rerr = Open(cfg)
	require.NoError(t, rerr)
	defer s2.Stop()

	var n, lerr = s2.Length("q")
	require.NoError(t, lerr)
	require.Zero(t, n)
	_ = pr
}
