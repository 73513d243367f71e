// Package raftid defines the identity types shared across raftd:
// PeerId, RaftId (group id), and the client's rncui (request name plus
// caller unique identifier) key. Identities are backed by
// github.com/google/uuid, grounded on the teacher's use of google/uuid
// for node/service identifiers and on
// _examples/original_source/src/niosd_uuid.c for the 128-bit layout.
package raftid

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// PeerId is the stable 128-bit identity of a raft peer.
type PeerId uuid.UUID

// RaftId is the identity of a raft group (cluster).
type RaftId uuid.UUID

// NilPeer and NilRaft are the zero-value identities, used as sentinels
// for "no peer"/"no group".
var (
	NilPeer PeerId = PeerId(uuid.Nil)
	NilRaft RaftId = RaftId(uuid.Nil)
)

func (p PeerId) String() string { return uuid.UUID(p).String() }
func (r RaftId) String() string { return uuid.UUID(r).String() }

// ParsePeerId parses a textual UUID into a PeerId.
func ParsePeerId(s string) (PeerId, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return NilPeer, fmt.Errorf("raftid: invalid peer uuid %q: %w", s, err)
	}
	return PeerId(u), nil
}

// ParseRaftId parses a textual UUID into a RaftId.
func ParseRaftId(s string) (RaftId, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return NilRaft, fmt.Errorf("raftid: invalid group uuid %q: %w", s, err)
	}
	return RaftId(u), nil
}

// NewPeerId generates a fresh random peer identity.
func NewPeerId() PeerId { return PeerId(uuid.New()) }

// RNCUI is the client-side sub-app key: a caller-supplied UUID plus up
// to four integer sub-keys (spec.md §3 SubApp).
type RNCUI struct {
	UUID    uuid.UUID
	SubKeys [4]int64
}

func (r RNCUI) String() string {
	return fmt.Sprintf("%s:%d:%d:%d:%d", r.UUID, r.SubKeys[0], r.SubKeys[1], r.SubKeys[2], r.SubKeys[3])
}

// MsgIDAllocator assigns unique message ids: upper 32 bits are a
// process-seeded prefix derived from the client's UUID, lower 32 bits a
// monotonic counter (spec.md Invariant 9).
type MsgIDAllocator struct {
	prefix  uint64
	counter atomic.Uint32
}

// NewMsgIDAllocator seeds a message-id allocator from a client identity.
func NewMsgIDAllocator(clientID uuid.UUID) *MsgIDAllocator {
	b := clientID[:4]
	prefix := uint64(b[0])<<24 | uint64(b[1])<<16 | uint64(b[2])<<8 | uint64(b[3])
	return &MsgIDAllocator{prefix: prefix << 32}
}

// Next returns the next unique message id for this client instance.
func (a *MsgIDAllocator) Next() uint64 {
	n := a.counter.Add(1)
	return a.prefix | uint64(n)
}
