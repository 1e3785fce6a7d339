package component

import (
	"context"
	"sync"
	"sync/atomic"
)

// Graceful is implemented by components that can stop accepting new work
// and report when in-flight work has drained.
type Graceful interface {
	// Shutdown starts a graceful shutdown and returns the signal that
	// completes once the component has drained. Repeated calls return the
	// same signal.
	Shutdown() *Completion

	// IsShutdown reports whether a graceful shutdown has begun.
	IsShutdown() bool
}

// Completion is a single-assignment completion signal.
type Completion struct {
	done chan struct{}
	once sync.Once
	err  error

	mu       sync.Mutex
	onCancel []func()
}

// NewCompletion returns an incomplete signal.
func NewCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// Completed returns an already successful signal.
func Completed() *Completion {
	c := NewCompletion()
	c.Complete()
	return c
}

// Done is closed once the signal completes, fails or is cancelled.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// IsDone reports whether the signal has completed in any way.
func (c *Completion) IsDone() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Complete resolves the signal successfully. It reports whether this call
// resolved it.
func (c *Completion) Complete() bool {
	return c.finish(nil)
}

// Fail resolves the signal with err.
func (c *Completion) Fail(err error) bool {
	return c.finish(err)
}

// Cancel resolves the signal with ErrShutdownCanceled and runs the cancel
// hooks.
func (c *Completion) Cancel() bool {
	if !c.finish(ErrShutdownCanceled) {
		return false
	}
	c.mu.Lock()
	hooks := c.onCancel
	c.onCancel = nil
	c.mu.Unlock()
	for _, h := range hooks {
		h()
	}
	return true
}

// OnCancel registers fn to run if the signal is cancelled. fn runs at once
// when the signal already was.
func (c *Completion) OnCancel(fn func()) {
	c.mu.Lock()
	if !c.IsDone() {
		c.onCancel = append(c.onCancel, fn)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	if c.IsCancelled() {
		fn()
	}
}

func (c *Completion) finish(err error) bool {
	finished := false
	c.once.Do(func() {
		c.err = err
		close(c.done)
		finished = true
	})
	return finished
}

// Err returns nil while pending or after success, the failure otherwise.
func (c *Completion) Err() error {
	if !c.IsDone() {
		return nil
	}
	return c.err
}

// IsCancelled reports whether the signal was cancelled.
func (c *Completion) IsCancelled() bool {
	return c.IsDone() && c.err == ErrShutdownCanceled
}

// Wait blocks until the signal resolves or ctx is done.
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AllOf completes once every signal completes. It fails with the first
// failure. Cancelling it cancels every signal.
func AllOf(signals ...*Completion) *Completion {
	all := NewCompletion()
	if len(signals) == 0 {
		all.Complete()
		return all
	}
	all.OnCancel(func() {
		for _, s := range signals {
			s.Cancel()
		}
	})
	go func() {
		for _, s := range signals {
			select {
			case <-s.Done():
				if err := s.Err(); err != nil {
					all.Fail(err)
					return
				}
			case <-all.Done():
				return
			}
		}
		all.Complete()
	}()
	return all
}

// ShutdownHandle tracks the graceful shutdown of one component. The
// component calls Check whenever the state behind isDone changes.
type ShutdownHandle struct {
	component any
	isDone    func() bool
	done      atomic.Pointer[Completion]
}

// NewShutdownHandle returns a handle whose signal completes once isDone
// reports true after Shutdown was called.
func NewShutdownHandle(component any, isDone func() bool) *ShutdownHandle {
	return &ShutdownHandle{component: component, isDone: isDone}
}

// Shutdown creates the signal on first use and re-checks completion.
func (s *ShutdownHandle) Shutdown() *Completion {
	if s.done.Load() == nil {
		s.done.CompareAndSwap(nil, NewCompletion())
	}
	done := s.done.Load()
	s.Check()
	if done == nil {
		return Completed()
	}
	return done
}

// IsShutdown reports whether Shutdown was called and not cancelled.
func (s *ShutdownHandle) IsShutdown() bool {
	return s.done.Load() != nil
}

// Check completes the signal if shutdown has begun and isDone holds.
func (s *ShutdownHandle) Check() {
	done := s.done.Load()
	if done != nil && s.isDone() {
		done.Complete()
	}
}

// Cancel abandons the shutdown in progress.
func (s *ShutdownHandle) Cancel() {
	if done := s.done.Swap(nil); done != nil && !done.IsDone() {
		done.Cancel()
	}
}

func (s *ShutdownHandle) String() string {
	return "Shutdown<" + ObjectName(s.component) + ">"
}

// ShutdownAll gracefully shuts down component, if it is Graceful, and
// every Graceful bean it contains.
func ShutdownAll(component any) *Completion {
	var gracefuls []Graceful
	if g, ok := component.(Graceful); ok {
		gracefuls = append(gracefuls, g)
	}
	if c, ok := component.(Container); ok {
		for _, g := range ContainedBeansOf[Graceful](c) {
			if !sameObject(g, component) {
				gracefuls = append(gracefuls, g)
			}
		}
	}

	signals := make([]*Completion, 0, len(gracefuls))
	for _, g := range gracefuls {
		signals = append(signals, g.Shutdown())
	}
	return AllOf(signals...)
}

// ShutdownFunc runs fn on its own goroutine and resolves the returned
// signal with its result. Cancelling the signal cancels the context passed
// to fn.
func ShutdownFunc(fn func(ctx context.Context) error) *Completion {
	ctx, cancel := context.WithCancel(context.Background())
	done := NewCompletion()
	done.OnCancel(cancel)
	go func() {
		defer cancel()
		if err := fn(ctx); err != nil {
			done.Fail(err)
			return
		}
		done.Complete()
	}()
	return done
}
