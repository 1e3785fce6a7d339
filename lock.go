package component

import (
	"context"
	"sync"
	"time"
)

// Lock is a mutual exclusion lock with an attached condition.
//
// Lock returns the matching unlock function so that the usual form is
//
//	defer l.Lock()()
//
// Waiters must re-check their predicate after Wait returns: Signal wakes
// every waiter.
type Lock struct {
	mu     sync.Mutex
	notify chan struct{}
}

// Lock acquires the lock and returns the function releasing it.
func (l *Lock) Lock() func() {
	l.mu.Lock()
	return l.mu.Unlock
}

// TryLock acquires the lock if it is free.
func (l *Lock) TryLock() bool {
	return l.mu.TryLock()
}

// Unlock releases the lock.
func (l *Lock) Unlock() {
	l.mu.Unlock()
}

// Signal wakes the goroutines blocked in Wait. The lock must be held.
func (l *Lock) Signal() {
	l.SignalAll()
}

// SignalAll wakes every goroutine blocked in Wait. The lock must be held.
func (l *Lock) SignalAll() {
	if l.notify != nil {
		close(l.notify)
		l.notify = nil
	}
}

// Wait releases the lock, blocks until signalled or ctx is done, then
// re-acquires the lock. The lock must be held on entry.
func (l *Lock) Wait(ctx context.Context) error {
	ch := l.waitChan()
	l.mu.Unlock()
	defer l.mu.Lock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitTimeout is Wait bounded by d. It reports whether the wait ended by a
// signal rather than by the timeout.
func (l *Lock) WaitTimeout(ctx context.Context, d time.Duration) (bool, error) {
	ch := l.waitChan()
	l.mu.Unlock()
	defer l.mu.Lock()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ch:
		return true, nil
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (l *Lock) waitChan() chan struct{} {
	if l.notify == nil {
		l.notify = make(chan struct{})
	}
	return l.notify
}
