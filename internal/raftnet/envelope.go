// Package raftnet implements the raft net layer (spec.md §4.F,
// component F): envelope (de)serialization, sender/group validation,
// and per-peer last-send/last-recv tracking used for client-side
// leader discovery.
//
// Grounded on _examples/original_source/src/raft_client.c for the
// envelope validation rules (group/sender/size checks) and the
// teacher's pkg/api/interceptor.go for the "validate then dispatch"
// shape, re-expressed here over a fixed binary envelope instead of
// protobuf (see DESIGN.md for why grpc/protobuf were dropped).
package raftnet

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cuemby/raftd/internal/raftid"
)

// MsgType is the envelope's integer message tag (spec.md §6).
type MsgType uint16

const (
	MsgVoteReq   MsgType = 1
	MsgVoteRep   MsgType = 2
	MsgAppendReq MsgType = 3
	MsgAppendRep MsgType = 4
	MsgPing      MsgType = 5
	MsgPingRep   MsgType = 6
	MsgClientReq MsgType = 7
	MsgClientRep MsgType = 8
	MsgRedirect  MsgType = 9
)

// ProtocolVersion is the only version this implementation speaks
// (spec.md §6: "versioned via a 16-bit version (currently 0)").
const ProtocolVersion uint16 = 0

// EnvelopeHeaderSize is the fixed-size portion preceding the payload.
const EnvelopeHeaderSize = 72

var (
	ErrEnvelopeTooShort  = errors.New("raftnet: envelope shorter than header")
	ErrDataSizeMismatch  = errors.New("raftnet: declared data_size disagrees with envelope length")
	ErrUnknownGroup      = errors.New("raftnet: envelope group id does not match this node's group")
	ErrUnknownSender     = errors.New("raftnet: envelope sender is not a known peer of this group")
	ErrBadServerRPCSize  = errors.New("raftnet: server RPC payload length does not match its message type")
)

// Envelope is one datagram's worth of raft or client RPC (spec.md §3
// RpcEnvelope). DestID and MsgID are zero-valued when not applicable
// (server-to-server messages carry no msg_id; server-to-server
// broadcasts carry no single dest_id semantics beyond the UDP address).
type Envelope struct {
	Type     MsgType
	Version  uint16
	SenderID raftid.PeerId
	GroupID  raftid.RaftId
	DestID   raftid.PeerId
	MsgID    uint64
	SysError int32
	AppError int32
	Data     []byte
}

// Encode serializes e into a fixed 72-byte header followed by Data.
func Encode(e Envelope) []byte {
	buf := make([]byte, EnvelopeHeaderSize+len(e.Data))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(e.Type))
	binary.LittleEndian.PutUint16(buf[2:4], e.Version)
	copy(buf[4:20], e.SenderID[:])
	copy(buf[20:36], e.GroupID[:])
	copy(buf[36:52], e.DestID[:])
	binary.LittleEndian.PutUint64(buf[52:60], e.MsgID)
	binary.LittleEndian.PutUint32(buf[60:64], uint32(e.SysError))
	binary.LittleEndian.PutUint32(buf[64:68], uint32(e.AppError))
	binary.LittleEndian.PutUint32(buf[68:72], uint32(len(e.Data)))
	copy(buf[EnvelopeHeaderSize:], e.Data)
	return buf
}

// Decode parses a raw datagram into an Envelope, validating that the
// declared data_size matches the actual trailing payload length.
func Decode(raw []byte) (Envelope, error) {
	if len(raw) < EnvelopeHeaderSize {
		return Envelope{}, ErrEnvelopeTooShort
	}
	dataSize := binary.LittleEndian.Uint32(raw[68:72])
	if int(dataSize) != len(raw)-EnvelopeHeaderSize {
		return Envelope{}, ErrDataSizeMismatch
	}

	var sender, group, dest [16]byte
	copy(sender[:], raw[4:20])
	copy(group[:], raw[20:36])
	copy(dest[:], raw[36:52])

	data := make([]byte, dataSize)
	copy(data, raw[EnvelopeHeaderSize:])

	return Envelope{
		Type:     MsgType(binary.LittleEndian.Uint16(raw[0:2])),
		Version:  binary.LittleEndian.Uint16(raw[2:4]),
		SenderID: raftid.PeerId(sender),
		GroupID:  raftid.RaftId(group),
		DestID:   raftid.PeerId(dest),
		MsgID:    binary.LittleEndian.Uint64(raw[52:60]),
		SysError: int32(binary.LittleEndian.Uint32(raw[60:64])),
		AppError: int32(binary.LittleEndian.Uint32(raw[64:68])),
		Data:     data,
	}, nil
}

// Fixed payload sizes for the server-to-server RPCs that never carry
// trailing client data (spec.md §4.F: "payload length matches a server
// RPC size exactly"). AppendReq is variable (it carries entries) and
// is validated by DecodeAppendReqPayload instead, which walks its
// length-prefixed entries and rejects any trailing bytes.
const (
	VoteReqPayloadSize = 24 // proposed_term, last_log_term, last_log_index (int64 x3)
	VoteRepPayloadSize = 16 // term (int64), granted (bool padded to 8)
	AppendRepPayloadSize = 24 // term, stale_term|non_matching_prev_term flags, match_index
)

// VoteReqPayload is VoteReq's fixed-size data (spec.md §4.E election protocol).
type VoteReqPayload struct {
	ProposedTerm  int64
	LastLogTerm   int64
	LastLogIndex  int64
}

func (p VoteReqPayload) Encode() []byte {
	buf := make([]byte, VoteReqPayloadSize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(p.ProposedTerm))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(p.LastLogTerm))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(p.LastLogIndex))
	return buf
}

func DecodeVoteReqPayload(b []byte) (VoteReqPayload, error) {
	if len(b) != VoteReqPayloadSize {
		return VoteReqPayload{}, fmt.Errorf("%w: VoteReq", ErrBadServerRPCSize)
	}
	return VoteReqPayload{
		ProposedTerm: int64(binary.LittleEndian.Uint64(b[0:8])),
		LastLogTerm:  int64(binary.LittleEndian.Uint64(b[8:16])),
		LastLogIndex: int64(binary.LittleEndian.Uint64(b[16:24])),
	}, nil
}

// VoteRepPayload is VoteRep's fixed-size data.
type VoteRepPayload struct {
	Term    int64
	Granted bool
}

func (p VoteRepPayload) Encode() []byte {
	buf := make([]byte, VoteRepPayloadSize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(p.Term))
	if p.Granted {
		buf[8] = 1
	}
	return buf
}

func DecodeVoteRepPayload(b []byte) (VoteRepPayload, error) {
	if len(b) != VoteRepPayloadSize {
		return VoteRepPayload{}, fmt.Errorf("%w: VoteRep", ErrBadServerRPCSize)
	}
	return VoteRepPayload{
		Term:    int64(binary.LittleEndian.Uint64(b[0:8])),
		Granted: b[8] != 0,
	}, nil
}

// AppendRepPayload is AppendRep's fixed-size data (spec.md §4.E
// replication protocol: stale_term, non_matching_prev_term, match_index).
type AppendRepPayload struct {
	Term                int64
	StaleTerm           bool
	NonMatchingPrevTerm bool
	MatchIndex          int64
}

func (p AppendRepPayload) Encode() []byte {
	buf := make([]byte, AppendRepPayloadSize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(p.Term))
	if p.StaleTerm {
		buf[8] = 1
	}
	if p.NonMatchingPrevTerm {
		buf[9] = 1
	}
	binary.LittleEndian.PutUint64(buf[16:24], uint64(p.MatchIndex))
	return buf
}

func DecodeAppendRepPayload(b []byte) (AppendRepPayload, error) {
	if len(b) != AppendRepPayloadSize {
		return AppendRepPayload{}, fmt.Errorf("%w: AppendRep", ErrBadServerRPCSize)
	}
	return AppendRepPayload{
		Term:                int64(binary.LittleEndian.Uint64(b[0:8])),
		StaleTerm:           b[8] != 0,
		NonMatchingPrevTerm: b[9] != 0,
		MatchIndex:          int64(binary.LittleEndian.Uint64(b[16:24])),
	}, nil
}

// AppendReqHeaderSize is AppendReq's fixed portion preceding its
// variable-length entry list.
const AppendReqHeaderSize = 40

// AppendReqPayload is AppendReq's data: a fixed header plus zero or
// more raftlog-encoded entries back to back, each prefixed by its own
// encoded length (so a heartbeat is exactly AppendReqHeaderSize bytes
// and carries no trailing client data).
type AppendReqPayload struct {
	Term         int64
	CommitIndex  int64
	PrevLogIndex int64
	PrevLogTerm  int64
	Entries      [][]byte // each already raftlog.EncodeEntry output
}

func (p AppendReqPayload) Encode() []byte {
	size := AppendReqHeaderSize
	for _, e := range p.Entries {
		size += 4 + len(e)
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(p.Term))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(p.CommitIndex))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(p.PrevLogIndex))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(p.PrevLogTerm))
	binary.LittleEndian.PutUint32(buf[32:36], uint32(len(p.Entries)))
	off := AppendReqHeaderSize
	for _, e := range p.Entries {
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(e)))
		off += 4
		copy(buf[off:], e)
		off += len(e)
	}
	return buf
}

func DecodeAppendReqPayload(b []byte) (AppendReqPayload, error) {
	if len(b) < AppendReqHeaderSize {
		return AppendReqPayload{}, fmt.Errorf("%w: AppendReq header", ErrBadServerRPCSize)
	}
	p := AppendReqPayload{
		Term:         int64(binary.LittleEndian.Uint64(b[0:8])),
		CommitIndex:  int64(binary.LittleEndian.Uint64(b[8:16])),
		PrevLogIndex: int64(binary.LittleEndian.Uint64(b[16:24])),
		PrevLogTerm:  int64(binary.LittleEndian.Uint64(b[24:32])),
	}
	n := binary.LittleEndian.Uint32(b[32:36])
	off := AppendReqHeaderSize
	for i := uint32(0); i < n; i++ {
		if off+4 > len(b) {
			return AppendReqPayload{}, fmt.Errorf("%w: AppendReq entry length", ErrBadServerRPCSize)
		}
		elen := int(binary.LittleEndian.Uint32(b[off : off+4]))
		off += 4
		if off+elen > len(b) {
			return AppendReqPayload{}, fmt.Errorf("%w: AppendReq entry body", ErrBadServerRPCSize)
		}
		p.Entries = append(p.Entries, b[off:off+elen])
		off += elen
	}
	if off != len(b) {
		return AppendReqPayload{}, fmt.Errorf("%w: AppendReq trailing bytes", ErrBadServerRPCSize)
	}
	return p, nil
}

// IsServerToServer reports whether t is one of the four raft-protocol
// message types exchanged only between peers (spec.md §4.F: "for
// server<->server messages, payload length matches a server RPC size
// exactly").
func IsServerToServer(t MsgType) bool {
	switch t {
	case MsgVoteReq, MsgVoteRep, MsgAppendReq, MsgAppendRep:
		return true
	default:
		return false
	}
}

// ValidateServerRPCSize checks that a server-to-server envelope's data
// length matches its message type's expected shape exactly.
func ValidateServerRPCSize(t MsgType, data []byte) error {
	switch t {
	case MsgVoteReq:
		_, err := DecodeVoteReqPayload(data)
		return err
	case MsgVoteRep:
		_, err := DecodeVoteRepPayload(data)
		return err
	case MsgAppendRep:
		_, err := DecodeAppendRepPayload(data)
		return err
	case MsgAppendReq:
		_, err := DecodeAppendReqPayload(data)
		return err
	default:
		return nil
	}
}
