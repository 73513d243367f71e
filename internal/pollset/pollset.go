// Package pollset implements the epoll-backed readiness-notification set
// that the raft server's single event-loop thread waits on (spec.md
// §4.A, component A). Handles may be installed for a timer, the event
// pipe (internal/eventpipe), or a peer/client socket (internal/wire),
// and a callback may safely remove its own handle mid-dispatch.
//
// Grounded on _examples/original_source/src/epoll_mgr.c for the handle
// state machine (uninstalled -> installing -> installed -> destroying)
// and the deferred-destroy discipline that lets a callback remove
// itself without the poll loop touching freed memory.
package pollset

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// HandleState is a handle's position in its install/remove lifecycle.
type HandleState int32

const (
	StateUninstalled HandleState = iota
	StateInstalling
	StateInstalled
	StateDestroying
)

// Callback is invoked once per readiness edge observed for a handle's
// fd, with the raw epoll event mask.
type Callback func(events uint32)

// Handle is one fd registered with a Manager.
type Handle struct {
	fd      int
	events  uint32
	cb      Callback
	acquire func()
	release func()

	state atomic.Int32
}

func (h *Handle) State() HandleState { return HandleState(h.state.Load()) }

// Manager owns one epoll instance and the handles registered with it.
type Manager struct {
	epfd      int
	maxEvents int

	mu      sync.Mutex
	active  map[int]*Handle
	pending []*Handle // pending-destroy, drained after each wait

	insideDispatch atomic.Bool

	wakeR, wakeW int // internal control pipe, used to interrupt a blocked wait for a cross-thread Del
}

// New creates an epoll instance with room for maxEvents readiness
// events per Wait call (spec.md §6 epoll_max_events).
func New(maxEvents int) (*Manager, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("pollset: epoll_create1: %w", err)
	}
	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("pollset: control pipe: %w", err)
	}
	m := &Manager{
		epfd:      epfd,
		maxEvents: maxEvents,
		active:    make(map[int]*Handle),
		wakeR:     fds[0],
		wakeW:     fds[1],
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, m.wakeR, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(m.wakeR)}); err != nil {
		m.Close()
		return nil, fmt.Errorf("pollset: arm control pipe: %w", err)
	}
	return m, nil
}

// Close tears down the epoll instance and control pipe. The caller must
// already have removed any handles it installed.
func (m *Manager) Close() error {
	unix.Close(m.wakeR)
	unix.Close(m.wakeW)
	return unix.Close(m.epfd)
}

// HandleInit creates (but does not install) a handle for fd.
func (m *Manager) HandleInit(fd int, events uint32, cb Callback, acquire, release func()) *Handle {
	return &Handle{fd: fd, events: events, cb: cb, acquire: acquire, release: release}
}

// Add installs a handle: links it into the active set before arming
// readiness, then finalizes, or rolls back on an arming error. Safe
// from any goroutine.
func (m *Manager) Add(h *Handle) error {
	if !h.state.CompareAndSwap(int32(StateUninstalled), int32(StateInstalling)) {
		return fmt.Errorf("pollset: handle fd=%d not uninstalled", h.fd)
	}

	m.mu.Lock()
	m.active[h.fd] = h
	m.mu.Unlock()

	ev := &unix.EpollEvent{Events: h.events, Fd: int32(h.fd)}
	if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_ADD, h.fd, ev); err != nil {
		// roll back: unlink before returning the handle to uninstalled
		m.mu.Lock()
		delete(m.active, h.fd)
		m.mu.Unlock()
		h.state.Store(int32(StateUninstalled))
		return fmt.Errorf("pollset: epoll_ctl add fd=%d: %w", h.fd, err)
	}

	if h.acquire != nil {
		h.acquire()
	}
	h.state.Store(int32(StateInstalled))
	return nil
}

// Del removes a handle. Called from the poll-set's own dispatch
// goroutine, removal completes synchronously (epoll_ctl DEL runs
// immediately). Called from any other goroutine, the handle is marked
// destroying, unlinked from the active set, queued for deferred
// destruction, and the poll thread is woken so it reaps the queue right
// after its current (or next) wait returns.
func (m *Manager) Del(h *Handle) error {
	if !h.state.CompareAndSwap(int32(StateInstalled), int32(StateDestroying)) {
		return nil // already removed/removing
	}

	m.mu.Lock()
	delete(m.active, h.fd)
	onLoop := m.insideDispatch.Load()
	if !onLoop {
		m.pending = append(m.pending, h)
	}
	m.mu.Unlock()

	if onLoop {
		return m.finalizeRemoval(h)
	}

	// Interrupt a blocked epoll_wait so the loop reaps pending now.
	_, err := unix.Write(m.wakeW, []byte{1})
	if err != nil {
		return fmt.Errorf("pollset: wake for del fd=%d: %w", h.fd, err)
	}
	return nil
}

func (m *Manager) finalizeRemoval(h *Handle) error {
	err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_DEL, h.fd, nil)
	if h.release != nil {
		h.release()
	}
	h.state.Store(int32(StateUninstalled))
	if err != nil {
		return fmt.Errorf("pollset: epoll_ctl del fd=%d: %w", h.fd, err)
	}
	return nil
}

// WaitAndDispatch blocks for at most timeoutMS milliseconds, then
// invokes each ready handle's callback exactly once per readiness edge,
// and finally reaps any handles queued for deferred destruction.
func (m *Manager) WaitAndDispatch(timeoutMS int) error {
	events := make([]unix.EpollEvent, m.maxEvents)

	n, err := unix.EpollWait(m.epfd, events, timeoutMS)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return fmt.Errorf("pollset: epoll_wait: %w", err)
	}

	m.insideDispatch.Store(true)
	defer m.insideDispatch.Store(false)

	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		if fd == m.wakeR {
			m.drainWake()
			continue
		}
		m.mu.Lock()
		h, ok := m.active[fd]
		m.mu.Unlock()
		if !ok {
			continue // raced with a concurrent Del; already unlinked
		}
		h.cb(events[i].Events)
	}

	return m.reapPending()
}

func (m *Manager) drainWake() {
	buf := make([]byte, 64)
	for {
		nread, err := unix.Read(m.wakeR, buf)
		if nread <= 0 || err != nil {
			return
		}
	}
}

func (m *Manager) reapPending() error {
	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()

	var firstErr error
	for _, h := range pending {
		if err := m.finalizeRemoval(h); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
