// Package raft implements the raft core state machine (spec.md §4.E,
// component E): terms, votes, state transitions, append-entries,
// commit index advancement, and the apply loop.
//
// The event-loop thread (cmd/raftd) owns exactly one *Raft and drives
// it exclusively from that thread, matching spec.md §5 ("the Raft
// server is single-threaded: one event-loop thread owns all protocol
// state"); Raft itself performs no locking. Every method that needs to
// send RPCs returns an Outbox describing what to send, rather than
// touching a socket directly, so the state machine is unit-testable
// without a transport.
//
// Grounded on _examples/original_source/src/raft.c for the transition
// table and safety invariants; pkg/manager/fsm.go and
// pkg/manager/manager.go for the Go "FSM applies committed commands
// under a mutex, driven by the library's Apply callback" shape,
// generalized to a hand-rolled apply loop since this spec requires
// owning replication directly instead of delegating to hashicorp/raft;
// and other_examples' MIT 6.824 / bernerdschaefer raft sketches for
// idiomatic election/heartbeat timer reset patterns.
package raft

import (
	"fmt"
	"time"

	"github.com/cuemby/raftd/internal/raftid"
	"github.com/cuemby/raftd/internal/raftlog"
	"github.com/cuemby/raftd/internal/raftnet"
	"github.com/cuemby/raftd/internal/rmetrics"
)

// Role is a peer's current position in {Follower, Candidate, Leader}
// (spec.md Invariant 7).
type Role int

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// StateMachine receives committed entries in index order.
type StateMachine interface {
	Apply(index int64, data []byte) error
}

// Config holds the tunables spec.md §6 exposes for the protocol core.
type Config struct {
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
}

// OutEnvelope is one RPC the driver loop must hand to the transport.
type OutEnvelope struct {
	Dest raftid.PeerId // zero value (raftid.NilPeer) means "broadcast to all peers"
	Type raftnet.MsgType
	Data []byte
}

// Outbox is everything a state-transition produced: envelopes to send
// and which timers the driver must rearm.
type Outbox struct {
	Envelopes      []OutEnvelope
	RearmElection  bool
	RearmHeartbeat bool
}

type leaderPeerState struct {
	nextIndex  int64
	prevTerm   int64 // sentinel -1 means "must be refreshed from log"
	matchIndex int64
}

// Raft is one replica's protocol state.
type Raft struct {
	cfg     Config
	selfID  raftid.PeerId
	groupID raftid.RaftId
	peers   []raftid.PeerId
	log     raftlog.Backend
	sm      StateMachine

	role        Role
	currentTerm int64
	votedFor    raftid.PeerId

	commitIndex int64
	lastApplied int64

	voteGranted map[raftid.PeerId]bool
	yesCount    int

	leaderID    raftid.PeerId
	leaderPeers map[raftid.PeerId]*leaderPeerState
}

// New constructs a Raft replica, restoring {current_term, voted_for}
// from the log backend's header if one exists (spec.md Invariant 3).
func New(cfg Config, selfID raftid.PeerId, groupID raftid.RaftId, peers []raftid.PeerId, log raftlog.Backend, sm StateMachine) (*Raft, error) {
	r := &Raft{
		cfg:         cfg,
		selfID:      selfID,
		groupID:     groupID,
		peers:       peers,
		log:         log,
		sm:          sm,
		role:        Follower,
		votedFor:    raftid.NilPeer,
		commitIndex: raftlog.NoEntry,
		lastApplied: raftlog.NoEntry,
	}
	hdr, err := log.HeaderLoad()
	switch err {
	case nil:
		r.currentTerm = hdr.Term
		r.votedFor = hdr.VotedFor
	case raftlog.ErrNoValidHeader:
		// fresh log: term 0, no vote cast.
	default:
		return nil, fmt.Errorf("raft: load header: %w", err)
	}
	rmetrics.RaftTerm.Set(float64(r.currentTerm))
	rmetrics.RaftIsLeader.Set(0)
	return r, nil
}

// Role reports the replica's current role.
func (r *Raft) Role() Role { return r.role }

// CurrentTerm reports the replica's current term.
func (r *Raft) CurrentTerm() int64 { return r.currentTerm }

// CommitIndex reports the highest index known committed.
func (r *Raft) CommitIndex() int64 { return r.commitIndex }

// LeaderID reports the peer this replica currently believes leads the
// group (raftid.NilPeer if unknown).
func (r *Raft) LeaderID() raftid.PeerId { return r.leaderID }

func (r *Raft) persistHeader() error {
	return r.log.HeaderWrite(raftlog.Header{Term: r.currentTerm, VotedFor: r.votedFor})
}

// lastLogIndexTerm returns the index/term of the most recent log
// entry, or (NoEntry, 0) for an empty log (spec.md scenario 1).
func (r *Raft) lastLogIndexTerm() (int64, int64, error) {
	count, err := r.log.CountEntries()
	if err != nil {
		return 0, 0, err
	}
	if count == 0 {
		return raftlog.NoEntry, 0, nil
	}
	lowest, err := r.log.LowestEntryIndex()
	if err != nil {
		return 0, 0, err
	}
	lastIndex := lowest + count - 1
	e, err := r.log.ReadHeader(lastIndex)
	if err != nil {
		return 0, 0, err
	}
	return lastIndex, e.Term, nil
}

func (r *Raft) majority() int { return len(r.peers)/2 + 1 }

// becomeFollower demotes to Follower at term, persisting the new term
// first (spec.md Invariant 5: "current_term is persisted before a
// higher observed term is acted upon").
func (r *Raft) becomeFollower(term int64) error {
	if term > r.currentTerm {
		r.currentTerm = term
		r.votedFor = raftid.NilPeer
		if err := r.persistHeader(); err != nil {
			return err
		}
	}
	r.role = Follower
	r.leaderID = raftid.NilPeer
	r.leaderPeers = nil
	rmetrics.RaftIsLeader.Set(0)
	rmetrics.RaftTerm.Set(float64(r.currentTerm))
	return nil
}

// ElectionTimerFired starts a new election (spec.md §4.E transition
// table: F/C on election timeout -> C, term+1, voted_for=self).
func (r *Raft) ElectionTimerFired() (Outbox, error) {
	if r.role == Leader {
		return Outbox{}, nil // leaders never run an election timer
	}

	r.currentTerm++
	r.votedFor = r.selfID
	if err := r.persistHeader(); err != nil {
		return Outbox{}, fmt.Errorf("raft: persist on election timeout: %w", err)
	}
	r.role = Candidate
	r.voteGranted = map[raftid.PeerId]bool{r.selfID: true}
	r.yesCount = 1
	rmetrics.RaftTerm.Set(float64(r.currentTerm))
	rmetrics.RaftElections.Inc()

	lastIndex, lastTerm, err := r.lastLogIndexTerm()
	if err != nil {
		return Outbox{}, err
	}
	payload := raftnet.VoteReqPayload{ProposedTerm: r.currentTerm, LastLogTerm: lastTerm, LastLogIndex: lastIndex}.Encode()

	ob := Outbox{
		Envelopes:     []OutEnvelope{{Dest: raftid.NilPeer, Type: raftnet.MsgVoteReq, Data: payload}},
		RearmElection: true,
	}
	if r.yesCount >= r.majority() {
		leaderOb, err := r.becomeLeader()
		if err != nil {
			return Outbox{}, err
		}
		ob.Envelopes = append(ob.Envelopes, leaderOb.Envelopes...)
		ob.RearmHeartbeat = true
	}
	return ob, nil
}

// becomeLeader transitions Candidate -> Leader on a vote majority
// (spec.md §4.E election protocol) and emits the first heartbeat round.
func (r *Raft) becomeLeader() (Outbox, error) {
	r.role = Leader
	r.leaderID = r.selfID
	lastIndex, lastTerm, err := r.lastLogIndexTerm()
	if err != nil {
		return Outbox{}, err
	}
	r.leaderPeers = make(map[raftid.PeerId]*leaderPeerState, len(r.peers))
	for _, p := range r.peers {
		if p == r.selfID {
			continue
		}
		r.leaderPeers[p] = &leaderPeerState{nextIndex: lastIndex + 1, prevTerm: lastTerm, matchIndex: raftlog.NoEntry}
	}
	rmetrics.RaftIsLeader.Set(1)
	rmetrics.RaftPeers.Set(float64(len(r.peers)))

	envs, err := r.buildAppendEnvelopes(false)
	if err != nil {
		return Outbox{}, err
	}
	return Outbox{Envelopes: envs, RearmHeartbeat: true}, nil
}

// HandleVoteReq implements the grant rule from spec.md §4.E: grant iff
// proposed_term > own_term, last_log_term >= own_last_log_term, and
// last_log_index >= own_last_log_index — a literal conjunction, not
// the Raft paper's more permissive "log is at least as up to date"
// comparison.
func (r *Raft) HandleVoteReq(from raftid.PeerId, req raftnet.VoteReqPayload) (raftnet.VoteRepPayload, bool, error) {
	ownIndex, ownTerm, err := r.lastLogIndexTerm()
	if err != nil {
		return raftnet.VoteRepPayload{}, false, err
	}

	grant := req.ProposedTerm > r.currentTerm &&
		req.LastLogTerm >= ownTerm &&
		req.LastLogIndex >= ownIndex

	if !grant {
		return raftnet.VoteRepPayload{Term: r.currentTerm, Granted: false}, false, nil
	}

	r.currentTerm = req.ProposedTerm
	r.votedFor = from
	if err := r.persistHeader(); err != nil {
		return raftnet.VoteRepPayload{}, false, fmt.Errorf("raft: persist vote grant: %w", err)
	}
	if r.role == Candidate {
		r.role = Follower
	}
	rmetrics.RaftTerm.Set(float64(r.currentTerm))
	return raftnet.VoteRepPayload{Term: r.currentTerm, Granted: true}, true, nil
}

// HandleVoteRep implements spec.md §4.E: "ignore unless still
// Candidate in the same term ... on yes, if yes_count >= majority,
// transition to Leader."
func (r *Raft) HandleVoteRep(from raftid.PeerId, rep raftnet.VoteRepPayload) (Outbox, error) {
	if r.role != Candidate {
		return Outbox{}, nil
	}
	if !rep.Granted {
		if rep.Term > r.currentTerm {
			if err := r.becomeFollower(rep.Term); err != nil {
				return Outbox{}, err
			}
		}
		return Outbox{}, nil
	}
	if rep.Term != r.currentTerm {
		return Outbox{}, nil // stale reply for a prior term's election
	}
	if !r.voteGranted[from] {
		r.voteGranted[from] = true
		r.yesCount++
	}
	if r.yesCount >= r.majority() {
		return r.becomeLeader()
	}
	return Outbox{}, nil
}
