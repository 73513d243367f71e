package raftnet

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cuemby/raftd/internal/peerdir"
	"github.com/cuemby/raftd/internal/raftid"
	"github.com/cuemby/raftd/internal/wire"
)

// peerState tracks the liveness timestamps spec.md §4.F requires per peer.
type peerState struct {
	lastRecv         time.Time
	lastUnackedSend  time.Time
	hasUnackedSend   bool
}

// Layer is the raft net layer: it owns a transport socket, validates
// every inbound envelope against this node's group/peer set, and
// tracks per-peer responsiveness for client-side leader discovery.
type Layer struct {
	selfID  raftid.PeerId
	groupID raftid.RaftId
	dir     peerdir.Directory
	sock    wire.Socket

	mu    sync.Mutex
	peers map[raftid.PeerId]*peerState
}

// New constructs a raft net layer bound to sock, validating traffic
// against groupID's peer directory.
func New(selfID raftid.PeerId, groupID raftid.RaftId, dir peerdir.Directory, sock wire.Socket) *Layer {
	return &Layer{
		selfID:  selfID,
		groupID: groupID,
		dir:     dir,
		sock:    sock,
		peers:   make(map[raftid.PeerId]*peerState),
	}
}

// Send encodes and transmits an envelope to addr, recording an
// unacked-send timestamp for sender-side RPCs (VoteReq/AppendReq/Ping).
func (l *Layer) Send(e Envelope, addr net.Addr) error {
	e.Version = ProtocolVersion
	e.SenderID = l.selfID
	e.GroupID = l.groupID
	raw := Encode(e)
	if _, err := l.sock.SendTo(raw, addr); err != nil {
		return fmt.Errorf("raftnet: send to %s: %w", addr, err)
	}
	if e.Type == MsgVoteReq || e.Type == MsgAppendReq || e.Type == MsgPing {
		l.markUnackedSend(e.DestID)
	}
	return nil
}

// Recv reads one datagram, decodes it, and validates it against this
// node's group and peer directory before returning it.
func (l *Layer) Recv(buf []byte) (Envelope, net.Addr, error) {
	n, from, err := l.sock.RecvFrom(buf)
	if err != nil {
		return Envelope{}, nil, fmt.Errorf("raftnet: recv: %w", err)
	}
	e, err := Decode(buf[:n])
	if err != nil {
		return Envelope{}, from, err
	}
	if err := l.Validate(e); err != nil {
		return Envelope{}, from, err
	}
	l.markRecv(e.SenderID)
	return e, from, nil
}

// Validate enforces spec.md §4.F's three checks: group id matches,
// sender is a known peer of this group, and (for server<->server
// messages) the payload is exactly the expected RPC shape.
func (l *Layer) Validate(e Envelope) error {
	if e.GroupID != l.groupID {
		return ErrUnknownGroup
	}
	if _, err := l.dir.Lookup(l.groupID, e.SenderID); err != nil {
		return ErrUnknownSender
	}
	if IsServerToServer(e.Type) {
		if err := ValidateServerRPCSize(e.Type, e.Data); err != nil {
			return err
		}
	}
	return nil
}

func (l *Layer) markRecv(peer raftid.PeerId) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.peerState(peer)
	st.lastRecv = time.Now()
	st.hasUnackedSend = false
}

func (l *Layer) markUnackedSend(peer raftid.PeerId) {
	if peer == raftid.NilPeer {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.peerState(peer)
	st.lastUnackedSend = time.Now()
	st.hasUnackedSend = true
}

func (l *Layer) peerState(peer raftid.PeerId) *peerState {
	st, ok := l.peers[peer]
	if !ok {
		st = &peerState{}
		l.peers[peer] = st
	}
	return st
}

// IsStale reports whether peer has an outstanding send with no reply
// for at least staleAfter (spec.md §4.G: "if the current believed
// leader is stale (no recent unacked reply within stale_server_time_ms)").
func (l *Layer) IsStale(peer raftid.PeerId, staleAfter time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.peers[peer]
	if !ok || !st.hasUnackedSend {
		return false
	}
	return time.Since(st.lastUnackedSend) >= staleAfter
}

// MostResponsivePeer returns the peer with the most recent lastRecv
// timestamp, used by the client for leader discovery when its current
// target goes stale (spec.md §4.F: "exposes 'most recently responsive
// peer'").
func (l *Layer) MostResponsivePeer() (raftid.PeerId, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var best raftid.PeerId
	var bestTime time.Time
	found := false
	for peer, st := range l.peers {
		if st.lastRecv.After(bestTime) {
			best, bestTime, found = peer, st.lastRecv, true
		}
	}
	return best, found
}

// Close releases the underlying socket.
func (l *Layer) Close() error { return l.sock.Close() }
