package raft

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/raftd/internal/raftid"
	"github.com/cuemby/raftd/internal/raftlog"
	"github.com/cuemby/raftd/internal/raftnet"
)

// memBackend is an in-memory raftlog.Backend stand-in for unit tests;
// it mirrors the flat-file backend's slot semantics without touching
// disk, so the raft package's state-transition tests stay fast and
// don't depend on internal/raftlog/flatfile.
type memBackend struct {
	entries []raftlog.Entry // index i stored at entries[i]
	hdr     *raftlog.Header
}

func newMemBackend() *memBackend { return &memBackend{} }

func (m *memBackend) Write(e raftlog.Entry) error {
	for int64(len(m.entries)) <= e.Index {
		m.entries = append(m.entries, raftlog.Entry{})
	}
	m.entries[e.Index] = e
	return nil
}

func (m *memBackend) ReadFull(index int64) (raftlog.Entry, error) {
	if index < 0 || index >= int64(len(m.entries)) {
		return raftlog.Entry{}, raftlog.ErrNotFound
	}
	return m.entries[index], nil
}

func (m *memBackend) ReadHeader(index int64) (raftlog.Entry, error) { return m.ReadFull(index) }

func (m *memBackend) TruncateTo(index int64) error {
	if index < int64(len(m.entries)) {
		m.entries = m.entries[:index]
	}
	return nil
}

func (m *memBackend) HeaderWrite(h raftlog.Header) error {
	hh := h
	m.hdr = &hh
	return nil
}

func (m *memBackend) HeaderLoad() (raftlog.Header, error) {
	if m.hdr == nil {
		return raftlog.Header{}, raftlog.ErrNoValidHeader
	}
	return *m.hdr, nil
}

func (m *memBackend) CountEntries() (int64, error) { return int64(len(m.entries)), nil }

func (m *memBackend) LowestEntryIndex() (int64, error) { return 0, nil }

func (m *memBackend) Checkpoint() (string, error)  { return "", raftlog.ErrUnsupportedOp }
func (m *memBackend) Reap(int64) error             { return raftlog.ErrUnsupportedOp }
func (m *memBackend) BulkRecover(string) error     { return raftlog.ErrUnsupportedOp }
func (m *memBackend) Sync() error                  { return nil }
func (m *memBackend) Close() error                 { return nil }

type recordingSM struct {
	applied [][]byte
}

func (s *recordingSM) Apply(index int64, data []byte) error {
	s.applied = append(s.applied, data)
	return nil
}

func testConfig() Config {
	return Config{
		ElectionTimeoutMin: 1500 * time.Millisecond,
		ElectionTimeoutMax: 3000 * time.Millisecond,
		HeartbeatInterval:  50 * time.Millisecond,
	}
}

func newTestRaft(t *testing.T, peers []raftid.PeerId) (*Raft, *memBackend, *recordingSM) {
	t.Helper()
	self := peers[0]
	log := newMemBackend()
	sm := &recordingSM{}
	r, err := New(testConfig(), self, raftid.NewPeerId(), peers, log, sm)
	require.NoError(t, err)
	return r, log, sm
}

// Scenario 1 (spec.md §8): a fresh 3-node group elects a leader on
// election timeout, and every peer persists {term, voted_for=candidate}.
func TestElection_FreshThreeNodeGroup(t *testing.T) {
	peers := []raftid.PeerId{raftid.NewPeerId(), raftid.NewPeerId(), raftid.NewPeerId()}

	candidate, _, _ := newTestRaft(t, peers)
	ob, err := candidate.ElectionTimerFired()
	require.NoError(t, err)
	assert.Equal(t, Candidate, candidate.Role())
	assert.Equal(t, int64(1), candidate.CurrentTerm())
	assert.True(t, ob.RearmElection)
	require.Len(t, ob.Envelopes, 1)
	assert.Equal(t, raftnet.MsgVoteReq, ob.Envelopes[0].Type)

	voteReq, err := raftnet.DecodeVoteReqPayload(ob.Envelopes[0].Data)
	require.NoError(t, err)
	assert.Equal(t, int64(1), voteReq.ProposedTerm)
	assert.Equal(t, int64(-1), voteReq.LastLogIndex)

	followerA, _, _ := newTestRaft(t, []raftid.PeerId{peers[1], peers[0], peers[2]})
	rep, rearm, err := followerA.HandleVoteReq(peers[0], voteReq)
	require.NoError(t, err)
	assert.True(t, rearm)
	assert.True(t, rep.Granted)
	assert.Equal(t, int64(1), followerA.CurrentTerm())

	hdr, err := followerA.log.HeaderLoad()
	require.NoError(t, err)
	assert.Equal(t, int64(1), hdr.Term)
	assert.Equal(t, peers[0], hdr.VotedFor)

	ob2, err := candidate.HandleVoteRep(peers[1], rep)
	require.NoError(t, err)
	assert.Equal(t, Leader, candidate.Role())
	assert.NotEmpty(t, ob2.Envelopes)
	assert.True(t, ob2.RearmHeartbeat)
}

// A vote request with proposed_term == own_term is denied (spec.md §8
// boundary behaviour).
func TestVoteReq_EqualTermDenied(t *testing.T) {
	peers := []raftid.PeerId{raftid.NewPeerId(), raftid.NewPeerId()}
	_, log, _ := newTestRaft(t, peers)
	require.NoError(t, log.HeaderWrite(raftlog.Header{Term: 3, VotedFor: raftid.NilPeer}))
	r, err := New(testConfig(), peers[0], raftid.NewPeerId(), peers, log, &recordingSM{})
	require.NoError(t, err)

	rep, rearm, err := r.HandleVoteReq(peers[1], raftnet.VoteReqPayload{ProposedTerm: 3, LastLogTerm: 0, LastLogIndex: -1})
	require.NoError(t, err)
	assert.False(t, rep.Granted)
	assert.False(t, rearm)
}

// A heartbeat with matching term but mismatching prev_log_term elicits
// non_matching_prev_term without modifying the follower log (spec.md §8).
func TestAppendReq_NonMatchingPrevTerm(t *testing.T) {
	peers := []raftid.PeerId{raftid.NewPeerId(), raftid.NewPeerId()}
	follower, log, _ := newTestRaft(t, peers)
	require.NoError(t, log.Write(raftlog.Entry{Index: 0, Term: 1, Data: []byte("a")}))

	rep, rearm, err := follower.HandleAppendReq(peers[1], raftnet.AppendReqPayload{
		Term: 1, CommitIndex: -1, PrevLogIndex: 0, PrevLogTerm: 2,
	})
	require.NoError(t, err)
	assert.True(t, rearm)
	assert.True(t, rep.NonMatchingPrevTerm)

	count, err := log.CountEntries()
	require.NoError(t, err)
	assert.Equal(t, int64(1), count) // log untouched
}

// An AppendReq with a stale term is rejected without rearming the
// election timer (spec.md §4.E).
func TestAppendReq_StaleTermDoesNotRearm(t *testing.T) {
	peers := []raftid.PeerId{raftid.NewPeerId(), raftid.NewPeerId()}
	follower, log, _ := newTestRaft(t, peers)
	require.NoError(t, log.HeaderWrite(raftlog.Header{Term: 5, VotedFor: raftid.NilPeer}))
	follower, err := New(testConfig(), peers[0], raftid.NewPeerId(), peers, log, &recordingSM{})
	require.NoError(t, err)

	rep, rearm, err := follower.HandleAppendReq(peers[1], raftnet.AppendReqPayload{Term: 3, CommitIndex: -1, PrevLogIndex: -1})
	require.NoError(t, err)
	assert.False(t, rearm)
	assert.True(t, rep.StaleTerm)
	assert.Equal(t, int64(5), rep.Term)
}

// A single-node group commits and applies a submitted command
// immediately (no peers to await acks from).
func TestSubmitCommand_SingleNodeCommitsImmediately(t *testing.T) {
	self := raftid.NewPeerId()
	r, _, sm := newTestRaft(t, []raftid.PeerId{self})
	_, err := r.ElectionTimerFired()
	require.NoError(t, err)
	require.Equal(t, Leader, r.Role())

	idx, _, err := r.SubmitCommand([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), idx)
	assert.Equal(t, int64(0), r.CommitIndex())
	assert.Equal(t, int64(0), r.LastApplied())
	require.Len(t, sm.applied, 1)
	assert.Equal(t, []byte("hello"), sm.applied[0])
}

// Writing a non-contiguous index is a fatal safety violation (spec.md
// §4.E "every write increases index by exactly 1").
func TestWriteEntry_IndexGapPanics(t *testing.T) {
	peers := []raftid.PeerId{raftid.NewPeerId(), raftid.NewPeerId()}
	r, _, _ := newTestRaft(t, peers)
	assert.Panics(t, func() {
		_ = r.writeEntry(raftlog.Entry{Index: 5, Term: 1})
	})
}
