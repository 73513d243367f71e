// Package raftclient implements the client runtime (spec.md §4.G,
// component G): the sub-app table, send queue, retry scheduler, rate
// limiter, leader viability tracking, and completion/cancellation
// handling a request goes through from submission to reply.
//
// Grounded directly on _examples/original_source/src/raft_client.c
// (this component *is* that file, re-expressed in Go) and the
// teacher's pkg/client/client.go for the "one struct owns a connection
// plus typed request methods" shape, generalized here from unary gRPC
// calls to the sub-app table's async/blocking dual mode; pkg/events/events.go's
// mutex+channel broker grounds the retry scheduler's ticker-driven scan.
package raftclient

import (
	"errors"
	"sync"
	"time"

	"github.com/cuemby/raftd/internal/raftid"
)

// Client-level errors (spec.md §7 "Client-level" taxonomy).
var (
	ErrAlready    = errors.New("raftclient: a request is already pending for this rncui")
	ErrNoMem      = errors.New("raftclient: sub-app table is at capacity")
	ErrTimedOut   = errors.New("raftclient: request timed out")
	ErrCanceled   = errors.New("raftclient: request canceled")
	ErrTooBig     = errors.New("raftclient: reply exceeds caller buffer")
	ErrNoSuchReq  = errors.New("raftclient: no such request to cancel")
	ErrStaleBuf   = errors.New("raftclient: reply buffer does not match the pending request")
)

// Callback is invoked exactly once when a non-blocking SubApp completes.
type Callback func(err error)

// SubApp is one outstanding request (spec.md §3 SubApp).
type SubApp struct {
	rncui raftid.RNCUI
	msgID uint64

	request  []byte
	replyBuf []byte

	blocking bool
	callback Callback
	mu       sync.Mutex
	cond     *sync.Cond // signalled on ready/cancel; every sub-app has one so Cancel can always wait out an in-progress completion copy

	initializing bool
	onSendQ      bool
	ready        bool
	canceled     bool
	completing   bool

	numSends int
	lastSend time.Time

	replyUsedSize int
	err           error

	refcount int32
}

// Ready reports whether this sub-app has a delivered result (success
// or error) available to the caller.
func (s *SubApp) Ready() bool { return s.ready }

// Canceled reports whether this sub-app was canceled.
func (s *SubApp) Canceled() bool { return s.canceled }

// Err returns the terminal error, if any, once Ready or Canceled holds.
func (s *SubApp) Err() error { return s.err }

// ReplyUsedSize returns the number of bytes of replyBuf the reply
// actually used, valid once Ready holds.
func (s *SubApp) ReplyUsedSize() int { return s.replyUsedSize }

// Table is the reference-counted, mutex-guarded sub-app map (spec.md
// §4.G "sub-app table"), keyed by rncui.
type Table struct {
	mu      sync.Mutex
	entries map[raftid.RNCUI]*SubApp
	maxSize int
}

// NewTable constructs an empty sub-app table bounded at maxSize
// entries (spec.md §6 max_subapps, default 4096).
func NewTable(maxSize int) *Table {
	return &Table{entries: make(map[raftid.RNCUI]*SubApp), maxSize: maxSize}
}

// Insert creates a new SubApp for rncui with initializing=1 (spec.md
// §4.G: "construction sets initializing=1; the retry loop skips
// entries with that flag until submit_enqueue clears it").
func (t *Table) Insert(rncui raftid.RNCUI, msgID uint64, request, replyBuf []byte, blocking bool, cb Callback) (*SubApp, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[rncui]; exists {
		return nil, ErrAlready
	}
	if len(t.entries) >= t.maxSize {
		return nil, ErrNoMem
	}

	s := &SubApp{
		rncui:        rncui,
		msgID:        msgID,
		request:      request,
		replyBuf:     replyBuf,
		blocking:     blocking,
		callback:     cb,
		initializing: true,
		refcount:     1,
	}
	s.cond = sync.NewCond(&s.mu)
	t.entries[rncui] = s
	return s, nil
}

// ClearInitializing marks s eligible for the retry scheduler and send
// queue (spec.md §4.G submit_enqueue).
func (t *Table) ClearInitializing(s *SubApp) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s.initializing = false
}

// Lookup returns the SubApp for rncui, if any.
func (t *Table) Lookup(rncui raftid.RNCUI) (*SubApp, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.entries[rncui]
	return s, ok
}

// Remove drops rncui from the table once all references are gone.
func (t *Table) Remove(rncui raftid.RNCUI) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, rncui)
}

// Len reports the current number of tracked sub-apps.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Snapshot returns every currently-tracked sub-app, for the retry
// scheduler's table scan.
func (t *Table) Snapshot() []*SubApp {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*SubApp, 0, len(t.entries))
	for _, s := range t.entries {
		out = append(out, s)
	}
	return out
}
