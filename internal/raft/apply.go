package raft

import (
	"fmt"

	"github.com/cuemby/raftd/internal/rmetrics"
)

// applyCommitted applies every entry between lastApplied and
// commitIndex, in order, to the state machine (spec.md §4.E "Commit
// and apply"). The safety invariant commit_idx <= highest_applied_index
// <= highest_logged_index (spec.md Invariant 6) follows from applying
// strictly in increasing, contiguous order here.
func (r *Raft) applyCommitted() error {
	for r.lastApplied < r.commitIndex {
		idx := r.lastApplied + 1
		e, err := r.log.ReadFull(idx)
		if err != nil {
			return fmt.Errorf("raft: read entry %d for apply: %w", idx, err)
		}
		if !e.IsHeaderBlock {
			if err := r.sm.Apply(idx, e.Data); err != nil {
				return fmt.Errorf("raft: apply entry %d: %w", idx, err)
			}
		}
		r.lastApplied = idx
	}
	rmetrics.RaftCommitIndex.Set(float64(r.commitIndex))
	rmetrics.RaftAppliedIndex.Set(float64(r.lastApplied))
	return nil
}

// LastApplied reports the highest index applied to the state machine.
func (r *Raft) LastApplied() int64 { return r.lastApplied }
