package thread

import (
	"context"
	"errors"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/GoCodeAlone/component"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errStopFailed = errors.New("stop failed")

type shutdownTarget struct {
	component.BaseLifeCycle
	stopErr   error
	destroyed bool
}

func newShutdownTarget() *shutdownTarget {
	s := &shutdownTarget{}
	s.Init(s)
	return s
}

func (s *shutdownTarget) DoStop(context.Context) error { return s.stopErr }
func (s *shutdownTarget) Destroy() error {
	s.destroyed = true
	return nil
}

// fakeSignals records the channels passed to signal.Notify.
type fakeSignals struct {
	mu       sync.Mutex
	channels []chan<- os.Signal
	stopped  int
}

func (f *fakeSignals) notify(c chan<- os.Signal, _ ...os.Signal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels = append(f.channels, c)
}

func (f *fakeSignals) stop(chan<- os.Signal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
}

func (f *fakeSignals) send(sig os.Signal) {
	f.mu.Lock()
	c := f.channels[len(f.channels)-1]
	f.mu.Unlock()
	c <- sig
}

func newTestShutdownThread(t *testing.T) (*ShutdownThread, *fakeSignals) {
	t.Helper()
	ResetShutdownThread()
	t.Cleanup(ResetShutdownThread)
	s := DefaultShutdownThread()
	f := &fakeSignals{}
	s.SetSignalFuncs(f.notify, f.stop)
	s.SetExit(func(int) {})
	return s, f
}

func TestShutdownThreadRegistration(t *testing.T) {
	s, f := newTestShutdownThread(t)
	a, b, c := newShutdownTarget(), newShutdownTarget(), newShutdownTarget()

	assert.False(t, s.IsHooked())
	s.Register(a, b)
	assert.True(t, s.IsHooked())
	s.RegisterAt(0, c)
	assert.True(t, s.IsRegistered(c))
	assert.Len(t, f.channels, 1, "the hook is installed once")

	s.Deregister(a)
	s.Deregister(b)
	assert.True(t, s.IsHooked())
	s.Deregister(c)
	assert.False(t, s.IsHooked())
	assert.Equal(t, 1, f.stopped)
	assert.False(t, s.IsRegistered(a))

	s.Register(a)
	assert.True(t, s.IsHooked())
	assert.Len(t, f.channels, 2, "re-registering installs the hook again")
	assert.Same(t, s, DefaultShutdownThread())
}

func TestShutdownThreadRun(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestShutdownThread(t)

	failing := newShutdownTarget()
	failing.stopErr = errStopFailed
	ok := newShutdownTarget()
	never := newShutdownTarget()
	require.NoError(t, failing.Start(ctx))
	require.NoError(t, ok.Start(ctx))
	s.Register(failing, ok, never)

	s.Run(ctx)
	assert.True(t, failing.IsFailed())
	assert.True(t, ok.IsStopped())
	assert.True(t, failing.destroyed, "failures do not stop the run")
	assert.True(t, ok.destroyed)
	assert.True(t, never.destroyed)
}

func TestShutdownThreadSignal(t *testing.T) {
	ctx := context.Background()
	s, f := newTestShutdownThread(t)

	codes := make(chan int, 1)
	s.SetExit(func(code int) { codes <- code })

	target := newShutdownTarget()
	require.NoError(t, target.Start(ctx))
	s.Register(target)

	f.send(syscall.SIGTERM)
	select {
	case code := <-codes:
		assert.Equal(t, 128+int(syscall.SIGTERM), code)
	case <-time.After(5 * time.Second):
		t.Fatal("signal did not trigger the shutdown run")
	}
	assert.True(t, target.IsStopped())
}
