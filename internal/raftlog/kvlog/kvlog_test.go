package kvlog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/raftd/internal/raftid"
	"github.com/cuemby/raftd/internal/raftlog"
)

func openTestBackend(t *testing.T) (*Backend, string, raftid.PeerId, raftid.RaftId) {
	t.Helper()
	self, group := raftid.NewPeerId(), raftid.RaftId(raftid.NewPeerId())
	dir := t.TempDir()
	b, err := Open(dir, self, group)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b, dir, self, group
}

func TestWriteReadFull_RoundTrip(t *testing.T) {
	b, _, _, _ := openTestBackend(t)
	require.NoError(t, b.Write(raftlog.Entry{Index: 0, Term: 1, Data: []byte("hello")}))
	require.NoError(t, b.Write(raftlog.Entry{Index: 1, Term: 2, Data: []byte("world")}))

	e0, err := b.ReadFull(0)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), e0.Data)

	e1, err := b.ReadFull(1)
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), e1.Data)
	assert.Equal(t, int64(2), e1.Term)

	count, err := b.CountEntries()
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestHeaderWriteLoad_SeqnoAdvances(t *testing.T) {
	b, _, _, _ := openTestBackend(t)
	require.NoError(t, b.HeaderWrite(raftlog.Header{Term: 1, VotedFor: raftid.NilPeer}))
	require.NoError(t, b.HeaderWrite(raftlog.Header{Term: 2, VotedFor: raftid.NilPeer}))

	hdr, err := b.HeaderLoad()
	require.NoError(t, err)
	assert.Equal(t, int64(2), hdr.Term)
	assert.Equal(t, uint64(1), hdr.Seqno)
}

func TestTruncateTo_DiscardsSuffix(t *testing.T) {
	b, _, _, _ := openTestBackend(t)
	require.NoError(t, b.Write(raftlog.Entry{Index: 0, Term: 1, Data: []byte("a")}))
	require.NoError(t, b.Write(raftlog.Entry{Index: 1, Term: 1, Data: []byte("b")}))
	require.NoError(t, b.Write(raftlog.Entry{Index: 2, Term: 1, Data: []byte("c")}))

	require.NoError(t, b.TruncateTo(1))

	count, err := b.CountEntries()
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	_, err = b.ReadFull(2)
	assert.ErrorIs(t, err, raftlog.ErrNotFound)
}

// Reap deletes a prefix of entries but leaves the rest intact, the
// mechanism spec.md §8 scenario 6 relies on after a checkpoint has
// made those entries redundant.
func TestReap_DeletesPrefixOnly(t *testing.T) {
	b, _, _, _ := openTestBackend(t)
	for i := int64(0); i < 5; i++ {
		require.NoError(t, b.Write(raftlog.Entry{Index: i, Term: 1, Data: []byte(fmt.Sprintf("v%d", i))}))
	}

	require.NoError(t, b.Reap(3))

	lowest, err := b.LowestEntryIndex()
	require.NoError(t, err)
	assert.Equal(t, int64(3), lowest)

	_, err = b.ReadFull(2)
	assert.ErrorIs(t, err, raftlog.ErrNotFound)
	e3, err := b.ReadFull(3)
	require.NoError(t, err)
	assert.Equal(t, []byte("v3"), e3.Data)

	count, err := b.CountEntries()
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

// Checkpoint stages under ".in-progress_" and renames atomically to
// the final {peer}_{db}_{syncIdx} directory (spec.md §4.D checkpoint).
func TestCheckpoint_ProducesFinalDirNoStaging(t *testing.T) {
	b, dir, self, _ := openTestBackend(t)
	require.NoError(t, b.Write(raftlog.Entry{Index: 0, Term: 1, Data: []byte("a")}))

	final, err := b.Checkpoint()
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(final) || filepath.Dir(final) == filepath.Join(dir, "chkpt", "self"))
	assert.Contains(t, filepath.Base(final), self.String())

	_, err = os.Stat(filepath.Join(final, "raftlog.db"))
	assert.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(dir, "chkpt", "self"))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".in-progress_"))
	}

	// calling again at the same applied index is idempotent
	final2, err := b.Checkpoint()
	require.NoError(t, err)
	assert.Equal(t, final, final2)
}

// A leftover ".in-progress_" checkpoint directory found at Open is
// quarantined into trash/, never silently deleted (spec.md §4.D: "to
// allow forensics").
func TestOpen_QuarantinesStaleInProgressCheckpoint(t *testing.T) {
	self, group := raftid.NewPeerId(), raftid.RaftId(raftid.NewPeerId())
	dir := t.TempDir()
	b, err := Open(dir, self, group)
	require.NoError(t, err)
	require.NoError(t, b.Close())

	stale := filepath.Join(dir, "chkpt", "self", ".in-progress_leftover")
	require.NoError(t, os.MkdirAll(stale, 0o700))

	b2, err := Open(dir, self, group)
	require.NoError(t, err)
	defer b2.Close()

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))

	trashDir := filepath.Join(dir, "trash")
	entries, err := os.ReadDir(trashDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

// A single well-formed recovery marker sets IncompleteRecovery (spec.md
// §4.H); more than one present at Open is a fatal, unresolvable state.
func TestOpen_SingleRecoveryMarkerSetsIncompleteRecovery(t *testing.T) {
	self, group := raftid.NewPeerId(), raftid.RaftId(raftid.NewPeerId())
	dir := t.TempDir()
	marker := fmt.Sprintf(".recovery_marker.%s_%s", raftid.NewPeerId(), raftid.NewPeerId())
	require.NoError(t, os.WriteFile(filepath.Join(dir, marker), nil, 0o600))

	b, err := Open(dir, self, group)
	require.NoError(t, err)
	defer b.Close()

	assert.True(t, b.IncompleteRecovery())
}

func TestOpen_MultipleRecoveryMarkersPanics(t *testing.T) {
	self, group := raftid.NewPeerId(), raftid.RaftId(raftid.NewPeerId())
	dir := t.TempDir()
	m1 := fmt.Sprintf(".recovery_marker.%s_%s", raftid.NewPeerId(), raftid.NewPeerId())
	m2 := fmt.Sprintf(".recovery_marker.%s_%s", raftid.NewPeerId(), raftid.NewPeerId())
	require.NoError(t, os.WriteFile(filepath.Join(dir, m1), nil, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, m2), nil, 0o600))

	assert.Panics(t, func() {
		_, _ = Open(dir, self, group)
	})
}

// DBUUID is stable across a close/reopen cycle (it is the persistent
// identity of this database instance, not of the process).
func TestDBUUID_StableAcrossReopen(t *testing.T) {
	self, group := raftid.NewPeerId(), raftid.RaftId(raftid.NewPeerId())
	dir := t.TempDir()
	b, err := Open(dir, self, group)
	require.NoError(t, err)
	id := b.DBUUID()
	require.NoError(t, b.Close())

	b2, err := Open(dir, self, group)
	require.NoError(t, err)
	defer b2.Close()
	assert.Equal(t, id, b2.DBUUID())
}

// BulkRecover with a marker argument flags incomplete recovery but
// does not itself perform the peer transfer (spec.md §4.D: stage 3 is
// an external collaborator).
func TestBulkRecover_WithMarkerFlagsIncomplete(t *testing.T) {
	b, _, _, _ := openTestBackend(t)
	marker := fmt.Sprintf(".recovery_marker.%s_%s", raftid.NewPeerId(), raftid.NewPeerId())
	require.NoError(t, b.BulkRecover(marker))
	assert.True(t, b.IncompleteRecovery())
}

func TestBulkRecover_WithoutMarkerCheckpointsLocally(t *testing.T) {
	b, dir, _, _ := openTestBackend(t)
	require.NoError(t, b.Write(raftlog.Entry{Index: 0, Term: 1, Data: []byte("a")}))
	require.NoError(t, b.BulkRecover(""))

	entries, err := os.ReadDir(filepath.Join(dir, "chkpt", "self"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
