package raft

import (
	"fmt"

	"github.com/cuemby/raftd/internal/raftid"
	"github.com/cuemby/raftd/internal/raftlog"
	"github.com/cuemby/raftd/internal/raftnet"
)

// HandleAppendReq implements spec.md §4.E replication protocol for the
// receiving side.
func (r *Raft) HandleAppendReq(from raftid.PeerId, req raftnet.AppendReqPayload) (raftnet.AppendRepPayload, bool, error) {
	if req.Term < r.currentTerm {
		return raftnet.AppendRepPayload{Term: r.currentTerm, StaleTerm: true}, false, nil
	}

	if req.Term > r.currentTerm {
		if err := r.becomeFollower(req.Term); err != nil {
			return raftnet.AppendRepPayload{}, false, err
		}
	} else if r.role == Candidate {
		r.role = Follower
	}
	r.leaderID = from

	if req.PrevLogIndex != raftlog.NoEntry {
		existing, err := r.log.ReadHeader(req.PrevLogIndex)
		if err == raftlog.ErrNotFound || (err == nil && existing.Term != req.PrevLogTerm) {
			return raftnet.AppendRepPayload{Term: r.currentTerm, NonMatchingPrevTerm: true}, true, nil
		}
		if err != nil {
			return raftnet.AppendRepPayload{}, true, err
		}
	}

	for _, raw := range req.Entries {
		e, err := raftlog.DecodeEntryWire(raw)
		if err != nil {
			return raftnet.AppendRepPayload{}, true, fmt.Errorf("raft: decode replicated entry: %w", err)
		}
		existing, err := r.log.ReadHeader(e.Index)
		switch {
		case err == nil && existing.Term == e.Term:
			continue // already have this entry, idempotent resend
		case err == nil:
			// conflicting entry at this index: truncate the suffix
			// before appending the leader's version (spec.md §3
			// Lifecycles: "erased ... in suffix by truncate").
			if err := r.log.TruncateTo(e.Index); err != nil {
				return raftnet.AppendRepPayload{}, true, err
			}
		case err != raftlog.ErrNotFound:
			return raftnet.AppendRepPayload{}, true, err
		}
		if err := r.writeEntry(e); err != nil {
			return raftnet.AppendRepPayload{}, true, err
		}
	}

	lastIndex, _, err := r.lastLogIndexTerm()
	if err != nil {
		return raftnet.AppendRepPayload{}, true, err
	}

	if req.CommitIndex > r.commitIndex {
		newCommit := req.CommitIndex
		if lastIndex < newCommit {
			newCommit = lastIndex
		}
		if newCommit > r.commitIndex {
			r.commitIndex = newCommit
			if err := r.applyCommitted(); err != nil {
				return raftnet.AppendRepPayload{}, true, err
			}
		}
	}

	return raftnet.AppendRepPayload{Term: r.currentTerm, MatchIndex: lastIndex}, true, nil
}

// writeEntry enforces spec.md §4.E's fatal safety checks before
// delegating to the backend: every write increases index by exactly
// one, and term never decreases.
func (r *Raft) writeEntry(e raftlog.Entry) error {
	lastIndex, lastTerm, err := r.lastLogIndexTerm()
	if err != nil {
		return err
	}
	if e.Index != lastIndex+1 {
		panic(fmt.Sprintf("raft: log continuity violated: writing index %d after last index %d", e.Index, lastIndex))
	}
	if e.Term < lastTerm {
		panic(fmt.Sprintf("raft: term regression: writing term %d after last term %d", e.Term, lastTerm))
	}
	return r.log.Write(e)
}

// HandleAppendRep implements the leader side of spec.md §4.E: on NACK,
// reset prev_term and decrement next_idx; on ACK, advance commit_idx.
func (r *Raft) HandleAppendRep(from raftid.PeerId, rep raftnet.AppendRepPayload) error {
	if r.role != Leader {
		return nil
	}
	if rep.Term > r.currentTerm {
		return r.becomeFollower(rep.Term)
	}
	if rep.StaleTerm {
		return nil
	}
	ps, ok := r.leaderPeers[from]
	if !ok {
		return nil
	}
	if rep.NonMatchingPrevTerm {
		ps.prevTerm = raftlog.NoEntry
		if ps.nextIndex > 0 {
			ps.nextIndex--
		}
		return nil
	}

	ps.matchIndex = rep.MatchIndex
	ps.nextIndex = rep.MatchIndex + 1
	ps.prevTerm = raftlog.NoEntry // refreshed lazily from the log on next send
	return r.advanceCommitIndex()
}

// advanceCommitIndex implements spec.md §4.E: "advance the leader's
// commit index to the largest index replicated on a majority whose
// entry's term equals the current term."
func (r *Raft) advanceCommitIndex() error {
	lastIndex, _, err := r.lastLogIndexTerm()
	if err != nil {
		return err
	}
	for n := lastIndex; n > r.commitIndex; n-- {
		entry, err := r.log.ReadHeader(n)
		if err != nil {
			return err
		}
		if entry.Term != r.currentTerm {
			continue // a leader never commits an entry from a prior term directly
		}
		count := 1 // self
		for _, ps := range r.leaderPeers {
			if ps.matchIndex >= n {
				count++
			}
		}
		if count >= r.majority() {
			r.commitIndex = n
			break
		}
	}
	return r.applyCommitted()
}

// buildAppendEnvelopes builds one AppendReq per peer, including
// pending entries when includeEntries is true (spec.md §4.E: a
// heartbeat tick always sends entries=∅; a new client write
// replicates immediately with includeEntries=true).
func (r *Raft) buildAppendEnvelopes(includeEntries bool) ([]OutEnvelope, error) {
	lastIndex, _, err := r.lastLogIndexTerm()
	if err != nil {
		return nil, err
	}
	envs := make([]OutEnvelope, 0, len(r.leaderPeers))
	for peer, ps := range r.leaderPeers {
		prevIndex := ps.nextIndex - 1
		prevTerm := ps.prevTerm
		if prevTerm == raftlog.NoEntry && prevIndex != raftlog.NoEntry {
			e, err := r.log.ReadHeader(prevIndex)
			if err != nil {
				return nil, err
			}
			prevTerm = e.Term
			ps.prevTerm = prevTerm
		} else if prevIndex == raftlog.NoEntry {
			prevTerm = 0
		}

		var entries [][]byte
		if includeEntries && ps.nextIndex <= lastIndex {
			for i := ps.nextIndex; i <= lastIndex; i++ {
				e, err := r.log.ReadFull(i)
				if err != nil {
					return nil, err
				}
				raw, err := raftlog.EncodeEntry(e)
				if err != nil {
					return nil, err
				}
				entries = append(entries, raw)
			}
		}

		payload := raftnet.AppendReqPayload{
			Term:         r.currentTerm,
			CommitIndex:  r.commitIndex,
			PrevLogIndex: prevIndex,
			PrevLogTerm:  prevTerm,
			Entries:      entries,
		}.Encode()
		envs = append(envs, OutEnvelope{Dest: peer, Type: raftnet.MsgAppendReq, Data: payload})
	}
	return envs, nil
}

// HeartbeatTimerFired sends the periodic empty-entries heartbeat
// (spec.md §4.E: "used only in Leader state; it is periodic").
func (r *Raft) HeartbeatTimerFired() (Outbox, error) {
	if r.role != Leader {
		return Outbox{}, nil
	}
	envs, err := r.buildAppendEnvelopes(false)
	if err != nil {
		return Outbox{}, err
	}
	return Outbox{Envelopes: envs, RearmHeartbeat: true}, nil
}

// SubmitCommand appends data as a new entry at the leader's current
// term and immediately replicates it to all peers (a leader-local
// write; the caller is responsible for routing a non-leader's rejection).
func (r *Raft) SubmitCommand(data []byte) (int64, Outbox, error) {
	if r.role != Leader {
		return 0, Outbox{}, fmt.Errorf("raft: not leader")
	}
	lastIndex, _, err := r.lastLogIndexTerm()
	if err != nil {
		return 0, Outbox{}, err
	}
	newIndex := lastIndex + 1
	entry := raftlog.Entry{Index: newIndex, Term: r.currentTerm, Data: data}
	if err := r.writeEntry(entry); err != nil {
		return 0, Outbox{}, err
	}
	envs, err := r.buildAppendEnvelopes(true)
	if err != nil {
		return 0, Outbox{}, err
	}

	// A single-node group commits immediately on self-write.
	if len(r.leaderPeers) == 0 {
		if newIndex > r.commitIndex {
			r.commitIndex = newIndex
			if err := r.applyCommitted(); err != nil {
				return 0, Outbox{}, err
			}
		}
	}
	return newIndex, Outbox{Envelopes: envs}, nil
}
