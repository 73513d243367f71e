package raftclient

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/raftd/internal/eventpipe"
	"github.com/cuemby/raftd/internal/peerdir"
	"github.com/cuemby/raftd/internal/raftid"
	"github.com/cuemby/raftd/internal/raftnet"
	"github.com/cuemby/raftd/internal/wire"
)

func newTestClient(t *testing.T) (*Client, raftid.PeerId) {
	t.Helper()
	leader := raftid.NewPeerId()
	group := raftid.RaftId(raftid.NewPeerId())
	dir := peerdir.NewStaticDirectory(group, []peerdir.Peer{
		{ID: leader, PeerAddr: "127.0.0.1:0", ClientAddr: "127.0.0.1:19999"},
	})
	sock, err := wire.Listen("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { sock.Close() })
	net := raftnet.New(raftid.NewPeerId(), group, dir, sock)
	pipe, err := eventpipe.New()
	require.NoError(t, err)
	t.Cleanup(func() { pipe.Close() })

	cfg := Config{
		ClientTimer:    10 * time.Millisecond,
		StaleServer:    100 * time.Millisecond,
		RetryTimeout:   20 * time.Millisecond,
		RequestsPerSec: 1000,
		PingsToViable:  4,
		MaxSubApps:     64,
	}
	c := New(cfg, group, uuid.New(), dir, net, pipe)
	return c, leader
}

// Submitting twice for the same rncui fails with ErrAlready (spec.md
// Invariant 8: at most one pending request per rncui).
func TestSubmit_DuplicateRNCUIFails(t *testing.T) {
	c, leader := newTestClient(t)
	c.AdoptRedirect(leader)
	rncui := raftid.RNCUI{UUID: uuid.New()}
	buf := make([]byte, 64)

	_, err := c.Submit(rncui, []byte("req"), buf, false, time.Second, nil)
	require.NoError(t, err)

	_, err = c.Submit(rncui, []byte("req2"), buf, false, time.Second, nil)
	assert.ErrorIs(t, err, ErrAlready)
}

// A blocking Submit returns ErrTimedOut once its deadline elapses with
// no reply ever arriving (spec.md §4.G timeout path).
func TestSubmit_BlockingTimesOut(t *testing.T) {
	c, leader := newTestClient(t)
	c.AdoptRedirect(leader)
	rncui := raftid.RNCUI{UUID: uuid.New()}
	buf := make([]byte, 64)

	_, err := c.Submit(rncui, []byte("req"), buf, true, 20*time.Millisecond, nil)
	assert.ErrorIs(t, err, ErrTimedOut)
}

// CompleteReply copies the reply into the caller-owned buffer and
// wakes the blocking waiter exactly once (spec.md §4.G completion).
func TestCompleteReply_WakesBlockingWaiter(t *testing.T) {
	c, leader := newTestClient(t)
	c.AdoptRedirect(leader)
	rncui := raftid.RNCUI{UUID: uuid.New()}
	buf := make([]byte, 64)

	var s *SubApp
	done := make(chan error, 1)
	go func() {
		var err error
		s, err = c.Submit(rncui, []byte("req"), buf, true, time.Second, nil)
		done <- err
	}()

	require.Eventually(t, func() bool {
		s2, ok := c.table.Lookup(rncui)
		return ok && s2.msgID != 0
	}, time.Second, time.Millisecond)

	s2, _ := c.table.Lookup(rncui)
	require.NoError(t, c.CompleteReply(s2.msgID, []byte("reply-data"), nil))

	err := <-done
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.True(t, s.Ready())
	assert.Equal(t, "reply-data", string(buf[:s.ReplyUsedSize()]))
}

// A reply bigger than the caller's buffer finishes the sub-app with
// ErrTooBig instead of truncating or overflowing (spec.md §7 E2BIG).
func TestCompleteReply_OversizedPayloadFails(t *testing.T) {
	c, leader := newTestClient(t)
	c.AdoptRedirect(leader)
	rncui := raftid.RNCUI{UUID: uuid.New()}
	buf := make([]byte, 4)

	s, err := c.Submit(rncui, []byte("req"), buf, false, time.Second, nil)
	require.NoError(t, err)

	require.NoError(t, c.CompleteReply(s.msgID, []byte("too-long-a-payload"), nil))
	require.Eventually(t, s.Ready, time.Second, time.Millisecond)
	assert.ErrorIs(t, s.Err(), ErrTooBig)
}

// CompleteReply for an unknown msg_id (e.g. a reply that arrived after
// the sub-app was already removed) reports ErrNoSuchReq rather than
// panicking.
func TestCompleteReply_UnknownMsgID(t *testing.T) {
	c, _ := newTestClient(t)
	err := c.CompleteReply(99999, []byte("x"), nil)
	assert.ErrorIs(t, err, ErrNoSuchReq)
}

// Cancel racing a concurrent CompleteReply never double-fires: exactly
// one of Cancel or CompleteReply wins and sets the terminal state
// (spec.md §4.G "cancel waits out any in-progress completion copy").
func TestCancel_ConcurrentWithComplete(t *testing.T) {
	c, leader := newTestClient(t)
	c.AdoptRedirect(leader)
	rncui := raftid.RNCUI{UUID: uuid.New()}
	buf := make([]byte, 64)

	s, err := c.Submit(rncui, []byte("req"), buf, false, time.Second, nil)
	require.NoError(t, err)

	go func() { _ = c.CompleteReply(s.msgID, []byte("reply"), nil) }()
	err = c.Cancel(rncui, buf)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return s.Ready() || s.Canceled() }, time.Second, time.Millisecond)
	assert.False(t, s.Ready() && s.Canceled())
}

// Cancel with a buffer pointer that doesn't match the original
// request's buffer is rejected (spec.md §4.G "verifies the buffer
// pointer").
func TestCancel_StaleBufferRejected(t *testing.T) {
	c, leader := newTestClient(t)
	c.AdoptRedirect(leader)
	rncui := raftid.RNCUI{UUID: uuid.New()}
	buf := make([]byte, 64)
	otherBuf := make([]byte, 64)

	_, err := c.Submit(rncui, []byte("req"), buf, false, time.Second, nil)
	require.NoError(t, err)

	err = c.Cancel(rncui, otherBuf)
	assert.ErrorIs(t, err, ErrStaleBuf)
}

// RunRetryScan re-enqueues an idle sub-app once its last_send is older
// than RetryTimeout, and wakes the event pipe (spec.md §4.G retry
// scheduler).
func TestRunRetryScan_RequeuesStaleEntries(t *testing.T) {
	c, leader := newTestClient(t)
	c.AdoptRedirect(leader)
	rncui := raftid.RNCUI{UUID: uuid.New()}
	buf := make([]byte, 64)

	s, err := c.Submit(rncui, []byte("req"), buf, false, time.Second, nil)
	require.NoError(t, err)

	require.NoError(t, c.DequeueAndSend())
	s.mu.Lock()
	assert.False(t, s.onSendQ)
	s.mu.Unlock()

	require.NoError(t, c.RunRetryScan(time.Now().Add(time.Hour)))
	s.mu.Lock()
	onQ := s.onSendQ
	s.mu.Unlock()
	assert.True(t, onQ)
}

// RunRetryScan stops requeueing once the requests_per_second budget
// for the current window is exhausted, even if the per-tick batch cap
// has not been reached and more stale entries remain (spec.md §6
// request_per_second).
func TestRunRetryScan_EnforcesPerSecondBudget(t *testing.T) {
	c, leader := newTestClient(t)
	c.cfg.RequestsPerSec = 2
	c.AdoptRedirect(leader)

	var subs []*SubApp
	for i := 0; i < 4; i++ {
		rncui := raftid.RNCUI{UUID: uuid.New()}
		s, err := c.Submit(rncui, []byte("req"), make([]byte, 64), false, time.Second, nil)
		require.NoError(t, err)
		require.NoError(t, c.DequeueAndSend())
		subs = append(subs, s)
	}

	now := time.Now().Add(time.Hour)
	require.NoError(t, c.RunRetryScan(now))

	onQ := 0
	for _, s := range subs {
		s.mu.Lock()
		if s.onSendQ {
			onQ++
		}
		s.mu.Unlock()
	}
	assert.Equal(t, 2, onQ)

	// a second scan in the same window requeues nothing further
	require.NoError(t, c.RunRetryScan(now))
	onQ = 0
	for _, s := range subs {
		s.mu.Lock()
		if s.onSendQ {
			onQ++
		}
		s.mu.Unlock()
	}
	assert.Equal(t, 2, onQ)

	// once the window rolls over, the budget replenishes
	require.NoError(t, c.RunRetryScan(now.Add(2*time.Second)))
	onQ = 0
	for _, s := range subs {
		s.mu.Lock()
		if s.onSendQ {
			onQ++
		}
		s.mu.Unlock()
	}
	assert.Equal(t, 4, onQ)
}

// HandlePingReply ignores replies from a peer other than the believed
// leader, and requires PingsToViable consecutive OK replies before
// marking the leader viable (spec.md §4.G leader viability).
func TestHandlePingReply_TracksViability(t *testing.T) {
	c, leader := newTestClient(t)
	c.AdoptRedirect(leader)

	other := raftid.NewPeerId()
	c.HandlePingReply(other, sysOK)
	c.mu.Lock()
	assert.False(t, c.viable)
	c.mu.Unlock()

	for i := 0; i < 4; i++ {
		c.HandlePingReply(leader, sysOK)
	}
	c.mu.Lock()
	assert.True(t, c.viable)
	c.mu.Unlock()

	c.HandlePingReply(leader, sysENOENT)
	c.mu.Lock()
	assert.False(t, c.viable)
	assert.Equal(t, raftid.NilPeer, c.believedLeader)
	c.mu.Unlock()
}

// AdoptRedirect is a no-op when the suspected leader is already the
// believed one, and otherwise resets viability tracking.
func TestAdoptRedirect_ResetsViabilityOnChange(t *testing.T) {
	c, leader := newTestClient(t)
	c.AdoptRedirect(leader)
	for i := 0; i < 4; i++ {
		c.HandlePingReply(leader, sysOK)
	}
	c.mu.Lock()
	assert.True(t, c.viable)
	c.mu.Unlock()

	next := raftid.NewPeerId()
	c.AdoptRedirect(next)
	c.mu.Lock()
	assert.False(t, c.viable)
	assert.Equal(t, next, c.believedLeader)
	c.mu.Unlock()
}
