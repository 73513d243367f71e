// Package raftlog defines the durable log record types and the Backend
// capability interface shared by the flat-file (internal/raftlog/flatfile)
// and KV-engine (internal/raftlog/kvlog) implementations (spec.md §4.C,
// §4.D, §9 "dynamic dispatch of backends").
package raftlog

import (
	"encoding/binary"
	"errors"
	"hash/crc32"

	"github.com/cuemby/raftd/internal/raftid"
)

// EntryMagic and HeaderMagic identify valid records (spec.md §6).
const (
	EntryMagic  uint64 = 0x1a2b3c4dd4c3b2a1
	HeaderMagic uint64 = 0xafaeadacabaaa9a8
)

// SlotSize is the fixed size of one log slot (spec.md §4.C).
const SlotSize = 64 * 1024

// EntryHeaderSize is the fixed 128-byte entry header.
const EntryHeaderSize = 128

// MaxEntryData is the largest payload a single entry may carry.
const MaxEntryData = SlotSize - EntryHeaderSize

// NoEntry is the sentinel EntryIndex meaning "no entry yet" (spec.md §3).
const NoEntry int64 = -1

var (
	ErrTooBig         = errors.New("raftlog: entry data exceeds MAX_ENTRY_DATA")
	ErrBadSlot        = errors.New("raftlog: entry index disagrees with physical slot")
	ErrBadIdentity    = errors.New("raftlog: entry identity does not match this log")
	ErrCRCMismatch    = errors.New("raftlog: CRC mismatch")
	ErrMalformed      = errors.New("raftlog: malformed entry header")
	ErrNoValidHeader  = errors.New("raftlog: no valid log header found")
	ErrNotFound       = errors.New("raftlog: entry not found")
	ErrUnsupportedOp  = errors.New("raftlog: operation not supported by this backend")
)

// Entry is one durable record (spec.md §3 Entry).
type Entry struct {
	Index        int64
	Term         int64
	IsHeaderBlock bool
	SelfID       raftid.PeerId
	GroupID      raftid.RaftId
	Data         []byte
}

// Header is the persisted {term, voted_for, seqno} triple written as the
// payload of a header-block entry (spec.md §3 LogHeader).
type Header struct {
	Term     int64
	Seqno    uint64
	VotedFor raftid.PeerId
}

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// crcPayload computes the CRC-32C checksum over data_size..end of an
// encoded entry, i.e. everything except the magic and crc fields
// themselves (spec.md §3 Entry, Invariant: "CRC covers from data_size to
// end of payload").
func crcPayload(b []byte) uint32 {
	return crc32.Checksum(b, crc32cTable)
}

// EncodeEntry serializes e into a fixed EntryHeaderSize-byte header
// followed by its payload. The returned slice's length is
// EntryHeaderSize+len(e.Data).
func EncodeEntry(e Entry) ([]byte, error) {
	if len(e.Data) > MaxEntryData {
		return nil, ErrTooBig
	}
	buf := make([]byte, EntryHeaderSize+len(e.Data))

	// Layout (all little-endian, homogeneous-deployment fields):
	//   [0:8]   magic
	//   [8:12]  crc
	//   [12:16] data_size
	//   [16:24] index
	//   [24:32] term
	//   [32]    is_header_block
	//   [48:64] self_id  (16 bytes)
	//   [64:80] group_id (16 bytes)
	//   [80:128] reserved, zeroed
	//   [128:]  data
	binary.LittleEndian.PutUint64(buf[0:8], EntryMagic)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(e.Data)))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(e.Index))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(e.Term))
	if e.IsHeaderBlock {
		buf[32] = 1
	}
	copy(buf[48:64], e.SelfID[:])
	copy(buf[64:80], e.GroupID[:])
	copy(buf[EntryHeaderSize:], e.Data)

	crc := crcPayload(buf[12:])
	binary.LittleEndian.PutUint32(buf[8:12], crc)
	return buf, nil
}

// DecodeEntry validates and parses a raw on-disk record (entry header
// plus payload) previously produced by EncodeEntry. physicalIndex and
// self/group identity are validated against the embedded values; a
// mismatch returns a distinct sentinel error (spec.md §4.C read_full).
func DecodeEntry(raw []byte, physicalIndex int64, selfID raftid.PeerId, groupID raftid.RaftId) (Entry, error) {
	if len(raw) < EntryHeaderSize {
		return Entry{}, ErrMalformed
	}
	magic := binary.LittleEndian.Uint64(raw[0:8])
	if magic != EntryMagic {
		return Entry{}, ErrMalformed
	}
	crc := binary.LittleEndian.Uint32(raw[8:12])
	dataSize := binary.LittleEndian.Uint32(raw[12:16])
	if int(dataSize) > MaxEntryData || EntryHeaderSize+int(dataSize) > len(raw) {
		return Entry{}, ErrMalformed
	}
	end := EntryHeaderSize + int(dataSize)

	if crcPayload(raw[12:end]) != crc {
		return Entry{}, ErrCRCMismatch
	}

	index := int64(binary.LittleEndian.Uint64(raw[16:24]))
	term := int64(binary.LittleEndian.Uint64(raw[24:32]))
	isHeader := raw[32] != 0

	var self, group [16]byte
	copy(self[:], raw[48:64])
	copy(group[:], raw[64:80])

	if index != physicalIndex {
		return Entry{}, ErrBadSlot
	}
	if raftid.PeerId(self) != selfID || raftid.RaftId(group) != groupID {
		return Entry{}, ErrBadIdentity
	}

	data := make([]byte, dataSize)
	copy(data, raw[EntryHeaderSize:end])

	return Entry{
		Index:         index,
		Term:          term,
		IsHeaderBlock: isHeader,
		SelfID:        raftid.PeerId(self),
		GroupID:       raftid.RaftId(group),
		Data:          data,
	}, nil
}

// EncodeHeader serializes a Header to its on-disk payload form.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, 8+8+8+16)
	binary.LittleEndian.PutUint64(buf[0:8], HeaderMagic)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(h.Term))
	binary.LittleEndian.PutUint64(buf[16:24], h.Seqno)
	copy(buf[24:40], h.VotedFor[:])
	return buf
}

// DecodeHeader parses a header payload previously produced by
// EncodeHeader. Returns ErrMalformed if the magic does not match
// (spec.md Invariant 3).
func DecodeHeader(raw []byte) (Header, error) {
	if len(raw) < 40 {
		return Header{}, ErrMalformed
	}
	if binary.LittleEndian.Uint64(raw[0:8]) != HeaderMagic {
		return Header{}, ErrMalformed
	}
	var votedFor [16]byte
	copy(votedFor[:], raw[24:40])
	return Header{
		Term:     int64(binary.LittleEndian.Uint64(raw[8:16])),
		Seqno:    binary.LittleEndian.Uint64(raw[16:24]),
		VotedFor: raftid.PeerId(votedFor),
	}, nil
}

// DecodeEntryWire validates and parses an entry received over the
// network (raftnet AppendReq payload) for replication. Unlike
// DecodeEntry it does not check physicalIndex or identity, since a
// replicated entry is re-stamped with the receiving backend's own
// self/group id by Backend.Write before it is ever persisted — only
// the sender's magic/CRC/size framing need to be trusted here.
func DecodeEntryWire(raw []byte) (Entry, error) {
	if len(raw) < EntryHeaderSize {
		return Entry{}, ErrMalformed
	}
	magic := binary.LittleEndian.Uint64(raw[0:8])
	if magic != EntryMagic {
		return Entry{}, ErrMalformed
	}
	crc := binary.LittleEndian.Uint32(raw[8:12])
	dataSize := binary.LittleEndian.Uint32(raw[12:16])
	if int(dataSize) > MaxEntryData || EntryHeaderSize+int(dataSize) > len(raw) {
		return Entry{}, ErrMalformed
	}
	end := EntryHeaderSize + int(dataSize)
	if crcPayload(raw[12:end]) != crc {
		return Entry{}, ErrCRCMismatch
	}

	data := make([]byte, dataSize)
	copy(data, raw[EntryHeaderSize:end])

	return Entry{
		Index:         int64(binary.LittleEndian.Uint64(raw[16:24])),
		Term:          int64(binary.LittleEndian.Uint64(raw[24:32])),
		IsHeaderBlock: raw[32] != 0,
		Data:          data,
	}, nil
}

// DecodeEntryHeaderOnly parses an entry's fixed header fields (index,
// term, is_header_block, identity) without requiring the payload to be
// present and without checking the CRC, for callers that only need
// cheap metadata (e.g. a continuity scan). raw must be at least
// EntryHeaderSize bytes; only the header region is inspected.
func DecodeEntryHeaderOnly(raw []byte, physicalIndex int64, selfID raftid.PeerId, groupID raftid.RaftId) (Entry, error) {
	if len(raw) < EntryHeaderSize {
		return Entry{}, ErrMalformed
	}
	magic := binary.LittleEndian.Uint64(raw[0:8])
	if magic != EntryMagic {
		return Entry{}, ErrMalformed
	}
	index := int64(binary.LittleEndian.Uint64(raw[16:24]))
	term := int64(binary.LittleEndian.Uint64(raw[24:32]))
	isHeader := raw[32] != 0

	var self, group [16]byte
	copy(self[:], raw[48:64])
	copy(group[:], raw[64:80])

	if index != physicalIndex {
		return Entry{}, ErrBadSlot
	}
	if raftid.PeerId(self) != selfID || raftid.RaftId(group) != groupID {
		return Entry{}, ErrBadIdentity
	}

	return Entry{
		Index:         index,
		Term:          term,
		IsHeaderBlock: isHeader,
		SelfID:        raftid.PeerId(self),
		GroupID:       raftid.RaftId(group),
	}, nil
}

// Backend is the capability set a log storage implementation exposes
// (spec.md §9 "dynamic dispatch of backends"). Optional operations
// (Checkpoint, Reap, Sync, BulkRecover) return ErrUnsupportedOp on a
// backend that does not implement them, rather than being modelled as
// nil function pointers.
type Backend interface {
	Write(e Entry) error
	ReadFull(index int64) (Entry, error)
	ReadHeader(index int64) (Entry, error)
	TruncateTo(index int64) error
	HeaderWrite(h Header) error
	HeaderLoad() (Header, error)
	CountEntries() (int64, error)
	LowestEntryIndex() (int64, error)

	Checkpoint() (string, error)
	Reap(prefixEndIdx int64) error
	Sync() error
	BulkRecover(marker string) error

	Close() error
}
