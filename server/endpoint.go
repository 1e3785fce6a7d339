package server

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GoCodeAlone/component"
	"github.com/GoCodeAlone/component/thread"
)

// SocketEndPoint wraps an accepted net.Conn. Reads and writes count as
// activity; once no activity has been seen for the idle timeout the
// endpoint closes itself. Expiry is checked by tasks on the scheduler.
type SocketEndPoint struct {
	net.Conn

	scheduler thread.Scheduler
	created   time.Time

	lastActivity atomic.Int64
	idleTimeout  atomic.Int64
	idleExpired  atomic.Bool
	connection   atomic.Pointer[connectionHolder]

	mu       sync.Mutex
	closed   bool
	closeErr error
	idleTask thread.Task
	onClose  []func()
}

type connectionHolder struct{ c Connection }

// NewSocketEndPoint wraps conn. The idle timeout is disabled until
// SetIdleTimeout is called.
func NewSocketEndPoint(conn net.Conn, scheduler thread.Scheduler) *SocketEndPoint {
	e := &SocketEndPoint{Conn: conn, scheduler: scheduler, created: time.Now()}
	e.notIdle()
	return e
}

func (e *SocketEndPoint) notIdle() {
	e.lastActivity.Store(time.Now().UnixNano())
}

// IdleFor is the time since the last read or write.
func (e *SocketEndPoint) IdleFor() time.Duration {
	return time.Duration(time.Now().UnixNano() - e.lastActivity.Load())
}

// Created is when the endpoint was accepted.
func (e *SocketEndPoint) Created() time.Time {
	return e.created
}

func (e *SocketEndPoint) Read(b []byte) (int, error) {
	n, err := e.Conn.Read(b)
	if n > 0 {
		e.notIdle()
	}
	return n, e.expiredErr(err)
}

func (e *SocketEndPoint) Write(b []byte) (int, error) {
	n, err := e.Conn.Write(b)
	if n > 0 {
		e.notIdle()
	}
	return n, e.expiredErr(err)
}

// expiredErr marks I/O failures caused by the idle timeout closing the
// endpoint.
func (e *SocketEndPoint) expiredErr(err error) error {
	if err == nil || !e.idleExpired.Load() {
		return err
	}
	return fmt.Errorf("%w: %w", ErrIdleTimeout, err)
}

func (e *SocketEndPoint) IsOpen() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.closed
}

// IdleExpired reports whether the endpoint was closed by its idle timeout.
func (e *SocketEndPoint) IdleExpired() bool {
	return e.idleExpired.Load()
}

func (e *SocketEndPoint) IdleTimeout() time.Duration {
	return time.Duration(e.idleTimeout.Load())
}

func (e *SocketEndPoint) SetIdleTimeout(d time.Duration) {
	e.idleTimeout.Store(int64(d))

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.scheduleIdleCheckLocked(d)
}

func (e *SocketEndPoint) scheduleIdleCheckLocked(delay time.Duration) {
	if e.idleTask != nil {
		e.idleTask.Cancel()
		e.idleTask = nil
	}
	if delay <= 0 || e.scheduler == nil {
		return
	}
	task, err := e.scheduler.Schedule(e.checkIdle, delay)
	if err != nil {
		return
	}
	e.idleTask = task
}

func (e *SocketEndPoint) checkIdle() {
	timeout := e.IdleTimeout()
	if timeout <= 0 {
		return
	}
	idle := e.IdleFor()
	if idle < timeout {
		e.mu.Lock()
		if !e.closed {
			e.scheduleIdleCheckLocked(timeout - idle)
		}
		e.mu.Unlock()
		return
	}
	e.idleExpired.Store(true)
	_ = e.Close()
}

func (e *SocketEndPoint) Connection() Connection {
	if h := e.connection.Load(); h != nil {
		return h.c
	}
	return nil
}

func (e *SocketEndPoint) SetConnection(c Connection) {
	e.connection.Store(&connectionHolder{c: c})
}

func (e *SocketEndPoint) OnClose(fn func()) {
	e.mu.Lock()
	if !e.closed {
		e.onClose = append(e.onClose, fn)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	fn()
}

// Close closes the connection once and runs the close callbacks.
func (e *SocketEndPoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return e.closeErr
	}
	e.closed = true
	if e.idleTask != nil {
		e.idleTask.Cancel()
		e.idleTask = nil
	}
	e.closeErr = e.Conn.Close()
	callbacks := e.onClose
	e.onClose = nil
	e.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
	return e.closeErr
}

func (e *SocketEndPoint) String() string {
	state := "OPEN"
	if !e.IsOpen() {
		state = "CLOSED"
	}
	return fmt.Sprintf("%s{%v<->%v,%s,it=%s,idle=%s}", component.ObjectName(e),
		e.RemoteAddr(), e.LocalAddr(), state, e.IdleTimeout(), e.IdleFor().Truncate(time.Millisecond))
}
