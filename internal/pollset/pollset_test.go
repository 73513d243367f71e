package pollset

import (
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := New(8)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

// Add installs a handle and WaitAndDispatch invokes its callback once
// per readiness edge (spec.md §4.A the basic readiness contract).
func TestAddAndDispatch_InvokesCallbackOnReadable(t *testing.T) {
	m := newTestManager(t)
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	var fired atomic.Int32
	h := m.HandleInit(int(r.Fd()), unix.EPOLLIN, func(uint32) { fired.Add(1) }, nil, nil)
	require.NoError(t, m.Add(h))
	assert.Equal(t, StateInstalled, h.State())

	_, err = w.Write([]byte{1})
	require.NoError(t, err)

	require.NoError(t, m.WaitAndDispatch(1000))
	assert.Equal(t, int32(1), fired.Load())
}

// Add refuses to install a handle twice without an intervening Del.
func TestAdd_RejectsDoubleInstall(t *testing.T) {
	m := newTestManager(t)
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	h := m.HandleInit(int(r.Fd()), unix.EPOLLIN, func(uint32) {}, nil, nil)
	require.NoError(t, m.Add(h))
	assert.Error(t, m.Add(h))
}

// Del called from the dispatch goroutine itself (onLoop) finalizes
// synchronously: the handle is uninstalled by the time Del returns.
func TestDel_OnLoopFinalizesSynchronously(t *testing.T) {
	m := newTestManager(t)
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	var released atomic.Bool
	var h *Handle
	h = m.HandleInit(int(r.Fd()), unix.EPOLLIN, func(uint32) {
		_ = m.Del(h)
	}, nil, func() { released.Store(true) })
	require.NoError(t, m.Add(h))

	_, err = w.Write([]byte{1})
	require.NoError(t, err)
	require.NoError(t, m.WaitAndDispatch(1000))

	assert.Equal(t, StateUninstalled, h.State())
	assert.True(t, released.Load())
}

// Del called from another goroutine while the manager may be blocked
// in epoll_wait still completes: the handle is marked destroying
// immediately and reaped on the next WaitAndDispatch (spec.md §4.A
// cross-thread removal via the control pipe).
func TestDel_CrossThreadWakesAndReaps(t *testing.T) {
	m := newTestManager(t)
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	var released atomic.Bool
	h := m.HandleInit(int(r.Fd()), unix.EPOLLIN, func(uint32) {}, nil, func() { released.Store(true) })
	require.NoError(t, m.Add(h))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(20 * time.Millisecond)
		require.NoError(t, m.Del(h))
	}()

	require.NoError(t, m.WaitAndDispatch(2000))
	wg.Wait()

	assert.Equal(t, StateUninstalled, h.State())
	assert.True(t, released.Load())
}

// A second Del on an already-destroying/uninstalled handle is a no-op,
// not an error.
func TestDel_DoubleDelIsNoop(t *testing.T) {
	m := newTestManager(t)
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	h := m.HandleInit(int(r.Fd()), unix.EPOLLIN, func(uint32) {}, nil, nil)
	require.NoError(t, m.Add(h))
	require.NoError(t, m.Del(h))
	assert.NoError(t, m.Del(h))
}
