// Package timerfd wraps Linux's timerfd syscalls for the single
// epoll-driven event loop (spec.md §4.A/§4.E): cmd/raftd registers the
// raft core's election/heartbeat timer with internal/pollset as a
// timerfd handle. The client runtime does not use it: cmd/raftctl
// drives the retry scan from a time.Ticker.
//
// Grounded on _examples/original_source/src/raft.c's
// raft_server_timerfd_create/_settime (one-shot election timer,
// periodic heartbeat timer via it_interval==it_value) and
// _examples/original_source/src/raft_client.c's
// raft_client_timerfd_settime (periodic client_timer_ms retry tick).
package timerfd

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Timer is one timerfd, installable into a pollset.Manager.
type Timer struct {
	fd int
}

// New creates an unarmed, non-blocking, CLOCK_MONOTONIC timerfd.
func New() (*Timer, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("timerfd: create: %w", err)
	}
	return &Timer{fd: fd}, nil
}

// Fd returns the file descriptor, for pollset.Manager.HandleInit.
func (t *Timer) Fd() int { return t.fd }

// ArmOnce fires once after d.
func (t *Timer) ArmOnce(d time.Duration) error {
	return t.settime(d, 0)
}

// ArmPeriodic fires after d, then every d thereafter (it_interval ==
// it_value, matching the heartbeat timer's convention in raft.c).
func (t *Timer) ArmPeriodic(d time.Duration) error {
	return t.settime(d, d)
}

func (t *Timer) settime(value, interval time.Duration) error {
	its := unix.ItimerSpec{
		Value:    unix.NsecToTimespec(value.Nanoseconds()),
		Interval: unix.NsecToTimespec(interval.Nanoseconds()),
	}
	if err := unix.TimerfdSettime(t.fd, 0, &its, nil); err != nil {
		return fmt.Errorf("timerfd: settime: %w", err)
	}
	return nil
}

// Drain consumes the 8-byte expiration counter timerfd delivers on
// readability. Must be called from the fd's readiness callback before
// re-arming, or epoll will keep reporting the fd ready.
func (t *Timer) Drain() (expirations uint64, err error) {
	var buf [8]byte
	n, err := unix.Read(t.fd, buf[:])
	if err != nil {
		if err == unix.EAGAIN {
			return 0, nil
		}
		return 0, fmt.Errorf("timerfd: drain: %w", err)
	}
	if n != 8 {
		return 0, fmt.Errorf("timerfd: short read (%d bytes)", n)
	}
	return uint64(buf[0]) | uint64(buf[1])<<8 | uint64(buf[2])<<16 | uint64(buf[3])<<24 |
		uint64(buf[4])<<32 | uint64(buf[5])<<40 | uint64(buf[6])<<48 | uint64(buf[7])<<56, nil
}

// Close releases the timerfd.
func (t *Timer) Close() error { return unix.Close(t.fd) }
