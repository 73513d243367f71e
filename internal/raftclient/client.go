package raftclient

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/raftd/internal/eventpipe"
	"github.com/cuemby/raftd/internal/peerdir"
	"github.com/cuemby/raftd/internal/raftid"
	"github.com/cuemby/raftd/internal/raftnet"
	"github.com/cuemby/raftd/internal/rmetrics"
)

// Config holds the client-runtime tunables (spec.md §6).
type Config struct {
	ClientTimer    time.Duration // retry scheduler tick, default 10ms
	StaleServer    time.Duration // default 100ms
	RetryTimeout   time.Duration // default 20ms
	RequestsPerSec int           // default 1000
	PingsToViable  int           // default 4
	MaxSubApps     int           // default 4096
}

// Client is one client-runtime instance: one sub-app table, one send
// queue, one believed leader, driven by a single poll-loop thread
// (spec.md §5: "application threads never touch protocol state
// directly — they enqueue via the sub-app table ... and wake the loop
// via the event pipe").
type Client struct {
	cfg     Config
	groupID raftid.RaftId
	dir     peerdir.Directory
	net     *raftnet.Layer
	pipe    *eventpipe.Pipe
	ids     *raftid.MsgIDAllocator

	table *Table

	mu        sync.Mutex
	sendQueue []*SubApp
	byMsgID   map[uint64]*SubApp

	believedLeader raftid.PeerId
	viable         bool
	aliveCount     int

	rateWindowStart time.Time // start of the current requests_per_second accounting window
	rateWindowCount int       // retries requeued within that window
}

// New constructs a client-runtime instance identified by clientID (the
// seed for this instance's msg_id prefix, spec.md Invariant 9).
func New(cfg Config, groupID raftid.RaftId, clientID uuid.UUID, dir peerdir.Directory, net *raftnet.Layer, pipe *eventpipe.Pipe) *Client {
	return &Client{
		cfg:     cfg,
		groupID: groupID,
		dir:     dir,
		net:     net,
		pipe:    pipe,
		ids:     raftid.NewMsgIDAllocator(clientID),
		table:   NewTable(cfg.MaxSubApps),
		byMsgID: make(map[uint64]*SubApp),
	}
}

// Submit enqueues a new request under rncui (spec.md §4.G). Exactly
// one pending request may exist per rncui at a time (spec.md
// Invariant 8); a second Submit for the same key fails with ErrAlready.
func (c *Client) Submit(rncui raftid.RNCUI, request, replyBuf []byte, blocking bool, timeout time.Duration, cb Callback) (*SubApp, error) {
	msgID := c.ids.Next()
	s, err := c.table.Insert(rncui, msgID, request, replyBuf, blocking, cb)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.byMsgID[msgID] = s
	c.mu.Unlock()

	c.table.ClearInitializing(s)
	c.enqueueLocked(s)
	if err := c.pipe.Notify(); err != nil {
		return nil, fmt.Errorf("raftclient: wake poll loop: %w", err)
	}
	rmetrics.ClientSubAppsActive.Set(float64(c.table.Len()))

	if !blocking {
		return s, nil
	}
	return s, c.waitBlocking(s, timeout)
}

// waitBlocking suspends the calling (application) thread on s's
// condition variable until ready or canceled holds, or timeout elapses
// (spec.md §5 "application threads submitting blocking requests
// suspend on a condition variable ... with optional absolute-deadline
// timeout").
func (c *Client) waitBlocking(s *SubApp, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.ready && !s.canceled {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrTimedOut
		}
		timer := time.AfterFunc(remaining, func() {
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		})
		s.cond.Wait()
		timer.Stop()
	}
	if s.ready {
		return s.err
	}
	return ErrCanceled
}

// enqueueLocked implements spec.md §4.G enqueue-locked: mark on the
// send queue and take a reference if not already queued or initializing.
func (c *Client) enqueueLocked(s *SubApp) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.onSendQ || s.initializing {
		return
	}
	s.onSendQ = true
	s.refcount++
	c.sendQueue = append(c.sendQueue, s)
}

// DequeueAndSend pops the head of the send queue and hands its RPC to
// the transport (spec.md §4.G dequeue-and-send).
func (c *Client) DequeueAndSend() error {
	c.mu.Lock()
	if len(c.sendQueue) == 0 {
		c.mu.Unlock()
		return nil
	}
	s := c.sendQueue[0]
	c.sendQueue = c.sendQueue[1:]
	c.mu.Unlock()

	s.mu.Lock()
	s.onSendQ = false
	drop := s.canceled || s.ready || s.completing
	s.mu.Unlock()
	if drop {
		c.dropRef(s)
		return nil
	}

	peer, addr, ok := c.pingTargetAddr()
	if !ok {
		c.dropRef(s)
		return nil
	}

	s.mu.Lock()
	s.lastSend = time.Now()
	s.numSends++
	req := s.request
	msgID := s.msgID
	s.mu.Unlock()

	env := raftnet.Envelope{Type: raftnet.MsgClientReq, DestID: peer, MsgID: msgID, Data: req}
	err := c.net.Send(env, addr)
	c.dropRef(s)
	return err
}

func (c *Client) dropRef(s *SubApp) {
	s.mu.Lock()
	s.refcount--
	done := s.refcount <= 0 && (s.ready || s.canceled)
	s.mu.Unlock()
	if !done {
		return
	}
	c.mu.Lock()
	delete(c.byMsgID, s.msgID)
	c.mu.Unlock()
	c.table.Remove(s.rncui)
}

// pingTargetAddr resolves the current believed leader's client address.
func (c *Client) pingTargetAddr() (raftid.PeerId, net.Addr, bool) {
	c.mu.Lock()
	leader := c.believedLeader
	c.mu.Unlock()
	if leader == raftid.NilPeer {
		return raftid.NilPeer, nil, false
	}
	p, err := c.dir.Lookup(c.groupID, leader)
	if err != nil {
		return raftid.NilPeer, nil, false
	}
	addr, err := net.ResolveUDPAddr("udp", p.ClientAddr)
	if err != nil {
		return raftid.NilPeer, nil, false
	}
	return leader, addr, true
}

// Cancel implements spec.md §4.G cancel: verifies the buffer pointer,
// waits out any in-progress completion copy, then sets cancel and
// wakes waiters.
func (c *Client) Cancel(rncui raftid.RNCUI, replyBuf []byte) error {
	s, ok := c.table.Lookup(rncui)
	if !ok {
		return ErrNoSuchReq
	}
	if !sameBacking(s.replyBuf, replyBuf) {
		return ErrStaleBuf
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for s.completing {
		s.cond.Wait()
	}
	if s.ready {
		return nil // completion already won the race
	}
	s.canceled = true
	s.err = ErrCanceled
	s.cond.Broadcast()
	if s.callback != nil {
		go s.callback(ErrCanceled)
	}
	return nil
}

func sameBacking(a, b []byte) bool {
	if len(a) == 0 || len(b) == 0 {
		return len(a) == len(b)
	}
	return &a[0] == &b[0]
}
