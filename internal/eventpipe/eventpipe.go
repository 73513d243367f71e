// Package eventpipe implements the self-pipe used to wake a poll-set
// thread from another goroutine after a cross-thread queue insertion
// (spec.md §4.B). It is a plain os.Pipe: no pack library wraps a
// self-pipe primitive, and this is the canonical stdlib idiom for it
// (the alternative, a raw Linux eventfd via golang.org/x/sys/unix, adds
// a syscall dependency for no behavioral gain over os.Pipe here).
package eventpipe

import (
	"fmt"
	"os"
)

// Pipe is a one-byte-at-a-time self-pipe: Notify writes a single byte
// (coalescing multiple notifications into one wakeup, since the reader
// only cares that *something* happened), Drain empties the read side
// after a poll-set wakeup.
type Pipe struct {
	r, w *os.File
}

// New creates a self-pipe.
func New() (*Pipe, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("eventpipe: pipe: %w", err)
	}
	return &Pipe{r: r, w: w}, nil
}

// ReadFile returns the read end, for installation into a poll-set.
func (p *Pipe) ReadFile() *os.File { return p.r }

// Notify wakes any poll-set waiter blocked on this pipe's read end.
// Safe to call concurrently from any goroutine.
func (p *Pipe) Notify() error {
	_, err := p.w.Write([]byte{1})
	if err != nil {
		return fmt.Errorf("eventpipe: notify: %w", err)
	}
	return nil
}

// Drain empties the pipe's buffered bytes. Call after each poll-set
// wakeup attributable to this pipe, before re-arming.
func (p *Pipe) Drain() error {
	buf := make([]byte, 4096)
	for {
		n, err := p.r.Read(buf)
		if n < len(buf) {
			// A short read means the pipe is (momentarily) empty.
			return nil
		}
		if err != nil {
			return fmt.Errorf("eventpipe: drain: %w", err)
		}
	}
}

// Close releases both ends of the pipe.
func (p *Pipe) Close() error {
	err1 := p.r.Close()
	err2 := p.w.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
