package flatfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/raftd/internal/raftid"
	"github.com/cuemby/raftd/internal/raftlog"
)

func openTestBackend(t *testing.T) (*Backend, raftid.PeerId, raftid.RaftId) {
	t.Helper()
	self, group := raftid.NewPeerId(), raftid.RaftId(raftid.NewPeerId())
	path := filepath.Join(t.TempDir(), "log.bin")
	b, err := Open(path, self, group)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b, self, group
}

// Write then ReadFull round-trips an entry's data exactly (spec.md §8
// scenario 1's durability law, applied at the backend level).
func TestWriteReadFull_RoundTrip(t *testing.T) {
	b, _, _ := openTestBackend(t)
	require.NoError(t, b.Write(raftlog.Entry{Index: 0, Term: 1, Data: []byte("hello")}))
	require.NoError(t, b.Write(raftlog.Entry{Index: 1, Term: 1, Data: []byte("world")}))

	e0, err := b.ReadFull(0)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), e0.Data)
	assert.Equal(t, int64(1), e0.Term)

	e1, err := b.ReadFull(1)
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), e1.Data)

	count, err := b.CountEntries()
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

// HeaderLoad always returns the header with the larger seqno, which is
// how the rotating two-slot scheme survives a crash between writes
// (spec.md Invariant 3 / §4.C header_write).
func TestHeaderWriteLoad_RotatesAndPicksNewestSeqno(t *testing.T) {
	b, _, _ := openTestBackend(t)

	require.NoError(t, b.HeaderWrite(raftlog.Header{Term: 1, VotedFor: raftid.NilPeer}))
	require.NoError(t, b.HeaderWrite(raftlog.Header{Term: 2, VotedFor: raftid.NilPeer}))
	require.NoError(t, b.HeaderWrite(raftlog.Header{Term: 3, VotedFor: raftid.NilPeer}))

	hdr, err := b.HeaderLoad()
	require.NoError(t, err)
	assert.Equal(t, int64(3), hdr.Term)
	assert.Equal(t, uint64(2), hdr.Seqno)
}

// TruncateTo discards the suffix starting at index, the mechanism
// HandleAppendReq relies on to resolve a log conflict (spec.md §3
// Lifecycles).
func TestTruncateTo_DiscardsSuffix(t *testing.T) {
	b, _, _ := openTestBackend(t)
	require.NoError(t, b.Write(raftlog.Entry{Index: 0, Term: 1, Data: []byte("a")}))
	require.NoError(t, b.Write(raftlog.Entry{Index: 1, Term: 1, Data: []byte("b")}))
	require.NoError(t, b.Write(raftlog.Entry{Index: 2, Term: 1, Data: []byte("c")}))

	require.NoError(t, b.TruncateTo(1))

	count, err := b.CountEntries()
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	_, err = b.ReadFull(1)
	assert.ErrorIs(t, err, raftlog.ErrNotFound)
}

// A CRC mismatch (simulating a torn write) surfaces as ErrCRCMismatch
// rather than silently returning corrupted data (a crash between
// WriteAt and fsync).
func TestReadFull_CRCMismatchOnTornWrite(t *testing.T) {
	b, self, group := openTestBackend(t)
	require.NoError(t, b.Write(raftlog.Entry{Index: 0, Term: 1, Data: []byte("intact")}))

	raw, err := raftlog.EncodeEntry(raftlog.Entry{Index: 0, Term: 1, SelfID: self, GroupID: group, Data: []byte("intact")})
	require.NoError(t, err)
	corrupt := append([]byte(nil), raw...)
	corrupt[len(corrupt)-1] ^= 0xFF // flip the last payload byte, leaving the CRC stale

	f, err := os.OpenFile(b.f.Name(), os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt(corrupt, slotOffset(firstEntrySlot))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = b.ReadFull(0)
	assert.ErrorIs(t, err, raftlog.ErrCRCMismatch)
}

// Re-opening a log enforces continuity: an interior gap (index jumps
// by more than one) is a fatal condition, not a silently-tolerated
// hole (spec.md §9 Open Question 2).
func TestOpen_DetectsDiscontinuity(t *testing.T) {
	self, group := raftid.NewPeerId(), raftid.RaftId(raftid.NewPeerId())
	path := filepath.Join(t.TempDir(), "log.bin")
	b, err := Open(path, self, group)
	require.NoError(t, err)
	require.NoError(t, b.Write(raftlog.Entry{Index: 0, Term: 1, Data: []byte("a")}))
	require.NoError(t, b.Close())

	// Reopen and force a gap by writing directly at a non-contiguous slot.
	b2, err := Open(path, self, group)
	require.NoError(t, err)
	raw, err := raftlog.EncodeEntry(raftlog.Entry{Index: 2, Term: 1, SelfID: self, GroupID: group, Data: []byte("c")})
	require.NoError(t, err)
	_, err = b2.f.WriteAt(raw, slotOffset(firstEntrySlot+1))
	require.NoError(t, err)
	require.NoError(t, b2.Close())

	assert.Panics(t, func() {
		_, _ = Open(path, self, group)
	})
}

func TestOptionalOps_ReturnUnsupported(t *testing.T) {
	b, _, _ := openTestBackend(t)
	_, err := b.Checkpoint()
	assert.ErrorIs(t, err, raftlog.ErrUnsupportedOp)
	assert.ErrorIs(t, b.Reap(0), raftlog.ErrUnsupportedOp)
	assert.ErrorIs(t, b.BulkRecover(""), raftlog.ErrUnsupportedOp)
}
