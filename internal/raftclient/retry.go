package raftclient

import (
	"time"

	"github.com/cuemby/raftd/internal/raftid"
	"github.com/cuemby/raftd/internal/raftnet"
	"github.com/cuemby/raftd/internal/rmetrics"
)

// sys-error sentinels the client reacts to on ping replies (spec.md
// §4.G leader viability and §7 propagation). These mirror POSIX errno
// values used on the wire by the server's sys_error field.
const (
	sysOK          int32 = 0
	sysEAGAIN      int32 = 11
	sysEBUSY       int32 = 16
	sysEINPROGRESS int32 = 115
	sysENOENT      int32 = 2
	sysENOSYS      int32 = 38
)

// RunRetryScan implements spec.md §4.G's retry scheduler: scans the
// table for idle entries whose last_send is older than retry_timeout
// and re-enqueues them, then wakes the poll loop once (spec.md "after
// each scan, the event pipe is poked so the sender runs"). Two caps
// apply together: a per-tick micro-batch cap (bounds how much work one
// scan does) and the rolling requests_per_second budget (spec.md §6
// request_per_second, default 1000) that bounds retries across scans
// within any one-second window.
func (c *Client) RunRetryScan(now time.Time) error {
	budget := c.cfg.RequestsPerSec
	if budget <= 0 {
		budget = 1000
	}
	const batchCap = 8
	requeued := 0

	for _, s := range c.table.Snapshot() {
		if requeued >= batchCap {
			break
		}
		if !c.takeRateBudget(now, budget) {
			break
		}
		s.mu.Lock()
		idle := !s.initializing && !s.onSendQ && !s.ready && !s.canceled && !s.completing
		stale := idle && now.Sub(s.lastSend) >= c.cfg.RetryTimeout
		s.mu.Unlock()
		if !stale {
			c.refundRateBudget()
			continue
		}
		c.enqueueLocked(s)
		requeued++
		rmetrics.ClientRetries.Inc()
	}

	if requeued > 0 {
		return c.pipe.Notify()
	}
	return nil
}

// takeRateBudget consumes one unit of the rolling requests_per_second
// budget, rolling the window over once a second has elapsed since it
// started. Returns false if the current window's budget is exhausted.
func (c *Client) takeRateBudget(now time.Time, budget int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rateWindowStart.IsZero() || now.Sub(c.rateWindowStart) >= time.Second {
		c.rateWindowStart = now
		c.rateWindowCount = 0
	}
	if c.rateWindowCount >= budget {
		return false
	}
	c.rateWindowCount++
	return true
}

// refundRateBudget returns a unit taken by takeRateBudget for a
// candidate that turned out not to be stale, so a scan full of
// not-yet-due entries doesn't spuriously exhaust the window.
func (c *Client) refundRateBudget() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rateWindowCount > 0 {
		c.rateWindowCount--
	}
}

// HandlePingReply updates leader-viability tracking from a ping reply
// (spec.md §4.G "leader viability"). from is the peer that replied.
func (c *Client) HandlePingReply(from raftid.PeerId, sysError int32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if from != c.believedLeader {
		return
	}

	switch sysError {
	case sysOK:
		c.aliveCount++
		threshold := c.cfg.PingsToViable
		if threshold <= 0 {
			threshold = 4
		}
		if c.aliveCount >= threshold {
			c.viable = true
		}
	case sysEAGAIN, sysEBUSY, sysEINPROGRESS:
		c.aliveCount = 0
	case sysENOENT, sysENOSYS:
		c.aliveCount = 0
		c.viable = false
		c.believedLeader = raftid.NilPeer
	}
	rmetrics.ClientViable.Set(boolToFloat(c.viable))
}

// AdoptRedirect switches the believed leader on a fresh Redirect
// envelope (spec.md §4.G "the client adopts it if fresh").
func (c *Client) AdoptRedirect(suspectedLeader raftid.PeerId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if suspectedLeader == c.believedLeader {
		return
	}
	c.believedLeader = suspectedLeader
	c.viable = false
	c.aliveCount = 0
}

// SwitchToMostResponsive retargets pings to the most-recently-responsive
// peer when the believed leader looks stale (spec.md §4.G: "if the
// current believed leader is stale ... it switches its ping target to
// the most-recently-responsive peer").
func (c *Client) SwitchToMostResponsive(net *raftnet.Layer, staleAfter time.Duration) {
	c.mu.Lock()
	leader := c.believedLeader
	c.mu.Unlock()

	if leader != raftid.NilPeer && !net.IsStale(leader, staleAfter) {
		return
	}
	peer, ok := net.MostResponsivePeer()
	if !ok {
		return
	}
	c.mu.Lock()
	c.believedLeader = peer
	c.aliveCount = 0
	c.viable = false
	c.mu.Unlock()
}

// CompleteReply routes a non-ping reply matching an in-flight msg_id to
// its sub-app (spec.md §4.G reply handling and §7 E2BIG). Exactly one
// of blocking-wake or async-callback-dispatch happens, never both paths
// twice for the same sub-app.
func (c *Client) CompleteReply(msgID uint64, payload []byte, appError error) error {
	c.mu.Lock()
	s, ok := c.byMsgID[msgID]
	c.mu.Unlock()
	if !ok {
		return ErrNoSuchReq
	}

	s.mu.Lock()
	if s.ready || s.canceled {
		s.mu.Unlock()
		return nil
	}
	if appError == nil && len(payload) > len(s.replyBuf) {
		s.mu.Unlock()
		return c.finish(s, ErrTooBig, 0)
	}
	s.completing = true
	s.mu.Unlock()

	used := 0
	if appError == nil {
		used = copy(s.replyBuf, payload)
	}

	s.mu.Lock()
	s.completing = false
	s.cond.Broadcast() // wake any Cancel waiting out this completion
	s.mu.Unlock()

	return c.finish(s, appError, used)
}

// finish marks s ready, records its outcome, and dispatches exactly one
// completion notification (blocking wake or async callback).
func (c *Client) finish(s *SubApp, err error, usedSize int) error {
	s.mu.Lock()
	if s.ready || s.canceled {
		s.mu.Unlock()
		return nil
	}
	s.ready = true
	s.err = err
	s.replyUsedSize = usedSize
	blocking := s.blocking
	cb := s.callback
	s.cond.Broadcast()
	s.mu.Unlock()

	if !blocking && cb != nil {
		go cb(err)
	}
	return nil
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
