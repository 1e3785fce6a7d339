package thread

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/GoCodeAlone/component"
)

// DefaultReservedIdleTimeout is how long a reserved worker waits for a
// task before returning to its pool.
const DefaultReservedIdleTimeout = time.Minute

// ReservedThreadExecutor keeps a few pool workers parked so that a task can
// be started on one of them immediately, without queueing.
//
// A reserved worker is an ordinary pool job that blocks on a handoff
// channel. TryExecute succeeds only when such a worker is waiting; otherwise
// it fails and asks the pool for one more reserved worker, up to capacity.
type ReservedThreadExecutor struct {
	component.BaseLifeCycle

	executor    Executor
	capacity    int
	idleTimeout atomic.Int64

	handoff chan Runnable
	stop    atomic.Pointer[chan struct{}]
	lease   Lease

	size    atomic.Int32
	pending atomic.Int32
	waiting atomic.Int32
}

// NewReservedThreadExecutor reserves workers of executor. A negative
// capacity is derived from the processor count and the pool size.
func NewReservedThreadExecutor(executor Executor, capacity int) *ReservedThreadExecutor {
	r := &ReservedThreadExecutor{
		executor: executor,
		capacity: reservedThreads(executor, capacity),
		handoff:  make(chan Runnable),
	}
	r.Init(r)
	r.idleTimeout.Store(int64(DefaultReservedIdleTimeout))
	return r
}

func reservedThreads(executor Executor, capacity int) int {
	if capacity >= 0 {
		return capacity
	}
	cpus := component.AvailableProcessors()
	if pool, ok := executor.(SizedThreadPool); ok {
		return max(1, min(cpus, pool.MaxThreads()/10))
	}
	return cpus
}

func (r *ReservedThreadExecutor) DoStart(ctx context.Context) error {
	lease, err := LeaseFrom(r.executor, r, r.capacity)
	if err != nil {
		return err
	}
	r.lease = lease
	stop := make(chan struct{})
	r.stop.Store(&stop)
	return nil
}

func (r *ReservedThreadExecutor) DoStop(ctx context.Context) error {
	if r.lease != nil {
		_ = r.lease.Close()
		r.lease = nil
	}
	if stop := r.stop.Load(); stop != nil {
		close(*stop)
	}
	return nil
}

// Execute delegates to the underlying executor.
func (r *ReservedThreadExecutor) Execute(job Runnable) error {
	return r.executor.Execute(job)
}

// TryExecute hands task to a parked reserved worker. On failure it starts
// another reserved worker when below capacity.
func (r *ReservedThreadExecutor) TryExecute(task Runnable) bool {
	if task == nil || r.capacity == 0 {
		return false
	}
	select {
	case r.handoff <- task:
		return true
	default:
	}
	r.startReservedThread()
	return false
}

func (r *ReservedThreadExecutor) startReservedThread() {
	for {
		size := r.size.Load()
		if int(size) >= r.capacity || !r.IsStarted() {
			return
		}
		if r.size.CompareAndSwap(size, size+1) {
			break
		}
	}
	r.pending.Add(1)
	if err := r.executor.Execute(RunnableFunc(r.reserve)); err != nil {
		r.pending.Add(-1)
		r.size.Add(-1)
		r.Logger().Debug("Unable to start reserved thread", "executor", r, "error", err)
	}
}

func (r *ReservedThreadExecutor) reserve(ctx context.Context) {
	defer r.size.Add(-1)
	r.pending.Add(-1)

	stopPtr := r.stop.Load()
	if stopPtr == nil {
		return
	}
	stop := *stopPtr

	for {
		r.waiting.Add(1)
		timeout := r.IdleTimeout()
		var idle <-chan time.Time
		var timer *time.Timer
		if timeout > 0 {
			timer = time.NewTimer(timeout)
			idle = timer.C
		}

		var task Runnable
		select {
		case task = <-r.handoff:
		case <-idle:
		case <-stop:
		case <-ctx.Done():
		}
		r.waiting.Add(-1)
		if timer != nil {
			timer.Stop()
		}
		if task == nil {
			return
		}
		r.run(ctx, task)
	}
}

func (r *ReservedThreadExecutor) run(ctx context.Context, task Runnable) {
	defer func() {
		if p := recover(); p != nil {
			r.Logger().Warn("Reserved task failed", "executor", r, "task", task, "panic", p)
		}
	}()
	task.Run(ctx)
}

// Capacity returns the maximum number of reserved workers.
func (r *ReservedThreadExecutor) Capacity() int {
	return r.capacity
}

// Available returns the number of reserved workers parked right now.
func (r *ReservedThreadExecutor) Available() int {
	return int(r.waiting.Load())
}

// Pending returns the reserved workers requested but not yet parked.
func (r *ReservedThreadExecutor) Pending() int {
	return int(r.pending.Load())
}

func (r *ReservedThreadExecutor) IdleTimeout() time.Duration {
	return time.Duration(r.idleTimeout.Load())
}

// SetIdleTimeout sets how long a parked worker waits for a task.
func (r *ReservedThreadExecutor) SetIdleTimeout(timeout time.Duration) {
	r.idleTimeout.Store(int64(timeout))
}

func (r *ReservedThreadExecutor) String() string {
	return fmt.Sprintf("%s{%s,s=%d/%d,p=%d}", component.ObjectName(r), r.State(),
		r.size.Load(), r.capacity, r.pending.Load())
}
