package thread

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/GoCodeAlone/component"
)

const (
	// DefaultMaxThreads is the maximum size of a pool built without options.
	DefaultMaxThreads = 200
	// DefaultIdleTimeout is how long a surplus worker waits before exiting.
	DefaultIdleTimeout = 60 * time.Second
	// DefaultPoolStopTimeout bounds how long DoStop waits for workers.
	DefaultPoolStopTimeout = 5 * time.Second
)

// PoolOption configures a QueuedThreadPool.
type PoolOption func(*poolOptions)

type poolOptions struct {
	name            string
	maxThreads      int
	minThreads      int
	minSet          bool
	idleTimeout     time.Duration
	reservedThreads int
	queueCapacity   int
	stopTimeout     time.Duration
	logger          component.Logger
}

// WithName sets the pool name used in logs and metrics.
func WithName(name string) PoolOption {
	return func(o *poolOptions) {
		o.name = name
	}
}

// WithMaxThreads sets the maximum number of workers.
func WithMaxThreads(threads int) PoolOption {
	return func(o *poolOptions) {
		o.maxThreads = threads
	}
}

// WithMinThreads sets the number of workers kept alive while idle.
func WithMinThreads(threads int) PoolOption {
	return func(o *poolOptions) {
		o.minThreads = threads
		o.minSet = true
	}
}

// WithIdleTimeout sets how long a surplus worker waits for a job.
func WithIdleTimeout(timeout time.Duration) PoolOption {
	return func(o *poolOptions) {
		o.idleTimeout = timeout
	}
}

// WithReservedThreads sets the reserved thread capacity. Zero disables
// reserved threads and a negative value derives it from the pool size.
func WithReservedThreads(threads int) PoolOption {
	return func(o *poolOptions) {
		o.reservedThreads = threads
	}
}

// WithQueueCapacity overrides the bounded job queue capacity.
func WithQueueCapacity(capacity int) PoolOption {
	return func(o *poolOptions) {
		if capacity > 0 {
			o.queueCapacity = capacity
		}
	}
}

// WithStopTimeout bounds how long stopping waits for running jobs.
func WithStopTimeout(timeout time.Duration) PoolOption {
	return func(o *poolOptions) {
		o.stopTimeout = timeout
	}
}

// WithLogger sets the pool logger.
func WithLogger(logger component.Logger) PoolOption {
	return func(o *poolOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// runState is the per-start state shared by the workers of one run.
type runState struct {
	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
}

type worker struct {
	id int64
}

// QueuedThreadPool is an elastic pool of worker goroutines fed by a bounded
// job queue. It grows on demand up to MaxThreads and shrinks idle workers
// back to MinThreads, at most one per idle timeout.
//
// Thread and idle accounting lives in a single packed counter so that the
// decision to queue a job and to start a worker is taken atomically.
type QueuedThreadPool struct {
	component.ContainerLifeCycle

	name   string
	counts AtomicCounts
	jobs   *jobQueue

	minThreads          atomic.Int32
	maxThreads          atomic.Int32
	reservedThreads     atomic.Int32
	lowThreadsThreshold atomic.Int32
	idleTimeout         atomic.Int64
	lastShrink          atomic.Int64
	nextWorker          atomic.Int64

	joinLock component.Lock
	threads  map[*worker]struct{}

	run         atomic.Pointer[runState]
	tryExecutor atomic.Pointer[tryExecutorHolder]
	budget      atomic.Pointer[ThreadPoolBudget]
}

type tryExecutorHolder struct {
	TryExecutor
}

// NewQueuedThreadPool builds a stopped pool. Without options it has at
// most 200 workers, keeps min(8, max) alive, and queues up to
// max(min, 8)*1024 jobs.
func NewQueuedThreadPool(opts ...PoolOption) (*QueuedThreadPool, error) {
	o := &poolOptions{
		maxThreads:      DefaultMaxThreads,
		idleTimeout:     DefaultIdleTimeout,
		reservedThreads: -1,
		stopTimeout:     DefaultPoolStopTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	if !o.minSet {
		o.minThreads = min(8, o.maxThreads)
	}
	if o.maxThreads < o.minThreads {
		return nil, fmt.Errorf("%w: Max threads (%d) less than min threads (%d)",
			component.ErrIllegalArgument, o.maxThreads, o.minThreads)
	}
	if o.queueCapacity == 0 {
		o.queueCapacity = max(o.minThreads, 8) * 1024
	}

	p := &QueuedThreadPool{
		jobs:    newJobQueue(o.queueCapacity),
		threads: make(map[*worker]struct{}),
	}
	p.Init(p)
	p.name = o.name
	if p.name == "" {
		p.name = fmt.Sprintf("qtp%x", poolID(p))
	}
	if o.logger != nil {
		p.SetLogger(o.logger)
	}
	p.counts.Set(MinSentinel, 0)
	p.minThreads.Store(int32(o.minThreads))
	p.maxThreads.Store(int32(o.maxThreads))
	p.reservedThreads.Store(int32(o.reservedThreads))
	p.lowThreadsThreshold.Store(1)
	p.idleTimeout.Store(int64(o.idleTimeout))
	p.SetStopTimeout(o.stopTimeout)
	p.tryExecutor.Store(&tryExecutorHolder{NoTry})

	budget := NewThreadPoolBudget(p)
	budget.SetLogger(p.Logger())
	if err := p.SetThreadPoolBudget(budget); err != nil {
		return nil, err
	}
	return p, nil
}

// DoStart installs the try executor, starts the beans and the minimum
// number of workers.
func (p *QueuedThreadPool) DoStart(ctx context.Context) error {
	var te TryExecutor = NoTry
	if reserved := p.ReservedThreads(); reserved != 0 {
		rte := NewReservedThreadExecutor(p, reserved)
		rte.SetIdleTimeout(p.IdleTimeout())
		rte.SetLogger(p.Logger())
		te = rte
	}
	p.tryExecutor.Store(&tryExecutorHolder{te})
	if _, err := p.AddBean(te); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	p.run.Store(&runState{ctx: runCtx, cancel: cancel, wake: make(chan struct{})})

	if err := p.ContainerLifeCycle.DoStart(ctx); err != nil {
		cancel()
		return err
	}

	p.counts.Set(0, 0)
	p.ensureThreads()
	return nil
}

// DoStop refuses new jobs, lets the workers finish for half the stop
// timeout, cancels the context of the jobs still running, waits the other
// half, then closes or discards whatever is left in the queue.
func (p *QueuedThreadPool) DoStop(ctx context.Context) error {
	err := p.ContainerLifeCycle.DoStop(ctx)

	if te := p.TryExecutor(); te != NoTry {
		if _, rerr := p.RemoveBean(te); rerr != nil {
			p.Logger().Warn("Unable to remove try executor", "pool", p, "error", rerr)
		}
	}
	p.tryExecutor.Store(&tryExecutorHolder{NoTry})

	threads := p.counts.GetAndSetHi(MinSentinel)
	p.Logger().Debug("Stopping workers", "pool", p.name, "threads", threads)

	rs := p.run.Load()
	if rs != nil {
		close(rs.wake)
	}

	timeout := p.StopTimeout()
	if timeout > 0 {
		p.joinThreads(ctx, timeout/2)
		if rs != nil {
			rs.cancel()
		}
		p.joinThreads(ctx, timeout/2)

		unlock := p.joinLock.Lock()
		for w := range p.threads {
			p.Logger().Warn("Couldn't stop worker", "pool", p.name, "worker", w.id)
		}
		unlock()
	}
	if rs != nil {
		rs.cancel()
	}

	for job := p.jobs.Poll(); job != nil; job = p.jobs.Poll() {
		if closer, ok := job.(io.Closer); ok {
			if cerr := closer.Close(); cerr != nil {
				p.Logger().Warn("Unable to close job", "pool", p.name, "job", job, "error", cerr)
			}
			continue
		}
		p.Logger().Warn("Stopped without executing or closing", "pool", p.name, "job", job)
	}

	if budget := p.ThreadPoolBudget(); budget != nil {
		budget.Reset()
	}

	unlock := p.joinLock.Lock()
	p.joinLock.SignalAll()
	unlock()
	return err
}

func (p *QueuedThreadPool) joinThreads(ctx context.Context, d time.Duration) {
	deadline := time.Now().Add(d)
	defer p.joinLock.Lock()()
	for len(p.threads) > 0 {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		if _, err := p.joinLock.WaitTimeout(ctx, remaining); err != nil {
			return
		}
	}
}

// Join blocks until the pool has stopped or ctx is done.
func (p *QueuedThreadPool) Join(ctx context.Context) error {
	unlock := p.joinLock.Lock()
	for p.IsRunning() {
		if err := p.joinLock.Wait(ctx); err != nil {
			unlock()
			return err
		}
	}
	unlock()

	for p.IsStopping() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
	return nil
}

// Execute queues job, starting a worker when no idle one will pick it up.
func (p *QueuedThreadPool) Execute(job Runnable) error {
	var startThread int32
	for {
		c := p.counts.Get()
		if c.Hi == MinSentinel {
			return fmt.Errorf("%w: %v", ErrRejectedExecution, job)
		}
		startThread = 0
		if c.Lo <= 0 && c.Hi < p.maxThreads.Load() {
			startThread = 1
		}
		if p.counts.CompareAndSet(c, c.Hi+startThread, c.Lo+startThread-1) {
			break
		}
	}

	if !p.jobs.Offer(job) {
		if p.addCounts(-startThread, 1-startThread) {
			p.Logger().Warn("Rejected job", "pool", p.name, "job", job)
		}
		return fmt.Errorf("%w: %v", ErrRejectedExecution, job)
	}

	for ; startThread > 0; startThread-- {
		p.startThread()
	}
	return nil
}

// TryExecute runs job on a reserved worker if one is waiting.
func (p *QueuedThreadPool) TryExecute(job Runnable) bool {
	return p.TryExecutor().TryExecute(job)
}

// ensureThreads starts workers until there are at least MinThreads and
// enough to cover the queued jobs, within MaxThreads.
func (p *QueuedThreadPool) ensureThreads() {
	for {
		c := p.counts.Get()
		if c.Hi == MinSentinel {
			return
		}
		if c.Hi < p.minThreads.Load() || (c.Lo < 0 && c.Hi < p.maxThreads.Load()) {
			if p.counts.CompareAndSet(c, c.Hi+1, c.Lo+1) {
				p.startThread()
			}
			continue
		}
		return
	}
}

// addCounts applies the deltas. Once the pool is stopping only the idle
// half changes and false is returned.
func (p *QueuedThreadPool) addCounts(deltaThreads, deltaIdle int32) bool {
	for {
		c := p.counts.Get()
		if c.Hi == MinSentinel {
			if p.counts.CompareAndSet(c, c.Hi, c.Lo+deltaIdle) {
				return false
			}
			continue
		}
		if p.counts.CompareAndSet(c, c.Hi+deltaThreads, c.Lo+deltaIdle) {
			return true
		}
	}
}

func (p *QueuedThreadPool) startThread() {
	rs := p.run.Load()
	w := &worker{id: p.nextWorker.Add(1)}

	unlock := p.joinLock.Lock()
	p.threads[w] = struct{}{}
	unlock()

	p.lastShrink.Store(time.Now().UnixNano())
	go p.runWorker(w, rs)
}

func (p *QueuedThreadPool) removeThread(w *worker) {
	defer p.joinLock.Lock()()
	delete(p.threads, w)
	p.joinLock.SignalAll()
}

func (p *QueuedThreadPool) runWorker(w *worker, rs *runState) {
	idle := true
	stale := false
	defer func() {
		p.removeThread(w)
		// the counts belong to a later run
		if stale {
			return
		}
		if idle {
			p.addCounts(-1, -1)
		} else {
			p.addCounts(-1, 0)
		}
		// a job may have been queued while this worker was shrinking
		p.ensureThreads()
	}()

	var job Runnable
	for {
		if job != nil {
			idle = true
			if !p.addCounts(0, 1) {
				return
			}
			job = nil
		} else if p.counts.Hi() == MinSentinel {
			return
		}

		job = p.jobs.Poll()
		if job == nil {
			idleTimeout := p.IdleTimeout()
			if idleTimeout > 0 && p.Threads() > p.MinThreads() {
				last := p.lastShrink.Load()
				now := time.Now().UnixNano()
				if now-last > int64(idleTimeout) && p.lastShrink.CompareAndSwap(last, now) {
					p.Logger().Debug("Shrinking", "pool", p.name, "worker", w.id)
					return
				}
			}
			job = p.jobs.PollWait(idleTimeout, rs.wake)
			if job == nil {
				continue
			}
		}

		idle = false
		p.runJob(rs.ctx, job)
		if p.run.Load() != rs {
			stale = true
			return
		}
	}
}

func (p *QueuedThreadPool) runJob(ctx context.Context, job Runnable) {
	defer func() {
		if r := recover(); r != nil {
			p.Logger().Warn("Job failed", "pool", p.name, "job", job, "panic", r)
		}
	}()
	job.Run(ctx)
}

func (p *QueuedThreadPool) Name() string {
	return p.name
}

func (p *QueuedThreadPool) MinThreads() int {
	return int(p.minThreads.Load())
}

// SetMinThreads sets the minimum size, raising the maximum when needed.
func (p *QueuedThreadPool) SetMinThreads(threads int) error {
	if threads < 0 {
		return fmt.Errorf("%w: min threads %d", component.ErrIllegalArgument, threads)
	}
	p.minThreads.Store(int32(threads))
	if threads > p.MaxThreads() {
		p.maxThreads.Store(int32(threads))
	}
	if p.IsStarted() {
		p.ensureThreads()
	}
	return nil
}

func (p *QueuedThreadPool) MaxThreads() int {
	return int(p.maxThreads.Load())
}

// SetMaxThreads sets the maximum size, lowering the minimum when needed.
// It fails when the budget leases would no longer fit.
func (p *QueuedThreadPool) SetMaxThreads(threads int) error {
	if threads < 1 {
		return fmt.Errorf("%w: max threads %d", component.ErrIllegalArgument, threads)
	}
	if budget := p.ThreadPoolBudget(); budget != nil {
		if _, err := budget.Check(threads); err != nil {
			return err
		}
	}
	p.maxThreads.Store(int32(threads))
	if p.MinThreads() > threads {
		p.minThreads.Store(int32(threads))
	}
	return nil
}

func (p *QueuedThreadPool) IdleTimeout() time.Duration {
	return time.Duration(p.idleTimeout.Load())
}

func (p *QueuedThreadPool) SetIdleTimeout(timeout time.Duration) {
	p.idleTimeout.Store(int64(timeout))
	if rte, ok := p.TryExecutor().(*ReservedThreadExecutor); ok {
		rte.SetIdleTimeout(timeout)
	}
}

func (p *QueuedThreadPool) ReservedThreads() int {
	return int(p.reservedThreads.Load())
}

// SetReservedThreads sets the reserved capacity used by the next start.
func (p *QueuedThreadPool) SetReservedThreads(threads int) error {
	if p.IsRunning() {
		return fmt.Errorf("%w: %s", component.ErrIllegalState, p.State())
	}
	p.reservedThreads.Store(int32(threads))
	return nil
}

func (p *QueuedThreadPool) LowThreadsThreshold() int {
	return int(p.lowThreadsThreshold.Load())
}

func (p *QueuedThreadPool) SetLowThreadsThreshold(threshold int) {
	p.lowThreadsThreshold.Store(int32(threshold))
}

func (p *QueuedThreadPool) ThreadPoolBudget() *ThreadPoolBudget {
	return p.budget.Load()
}

// SetThreadPoolBudget replaces the budget, which must belong to this pool.
func (p *QueuedThreadPool) SetThreadPoolBudget(budget *ThreadPoolBudget) error {
	if budget != nil && budget.SizedThreadPool() != SizedThreadPool(p) {
		return fmt.Errorf("%w: budget of another pool", component.ErrIllegalArgument)
	}
	old := p.budget.Swap(budget)
	var oldBean, newBean any
	if old != nil {
		oldBean = old
	}
	if budget != nil {
		newBean = budget
	}
	return p.UpdateBean(oldBean, newBean)
}

// TryExecutor returns the executor used by TryExecute.
func (p *QueuedThreadPool) TryExecutor() TryExecutor {
	return p.tryExecutor.Load().TryExecutor
}

// Threads returns the number of workers.
func (p *QueuedThreadPool) Threads() int {
	return max(0, int(p.counts.Hi()))
}

// IdleThreads returns the number of workers waiting for a job.
func (p *QueuedThreadPool) IdleThreads() int {
	return max(0, int(p.counts.Lo()))
}

// QueueSize returns the number of jobs waiting for a worker.
func (p *QueuedThreadPool) QueueSize() int {
	return max(0, -int(p.counts.Lo()))
}

// QueueCapacity returns the bound of the job queue.
func (p *QueuedThreadPool) QueueCapacity() int {
	return p.jobs.Capacity()
}

func (p *QueuedThreadPool) reservedAvailable() int {
	if rte, ok := p.TryExecutor().(*ReservedThreadExecutor); ok {
		return rte.Available()
	}
	return 0
}

// BusyThreads returns the number of workers running ordinary jobs.
func (p *QueuedThreadPool) BusyThreads() int {
	return p.Threads() - p.IdleThreads() - p.reservedAvailable()
}

// ReadyThreads returns the idle workers plus the waiting reserved ones.
func (p *QueuedThreadPool) ReadyThreads() int {
	return p.IdleThreads() + p.reservedAvailable()
}

// LeasedThreads returns the workers promised through the budget.
func (p *QueuedThreadPool) LeasedThreads() int {
	if budget := p.ThreadPoolBudget(); budget != nil {
		return budget.LeasedThreads()
	}
	return 0
}

// MaxAvailableThreads returns the maximum size minus the leased workers.
func (p *QueuedThreadPool) MaxAvailableThreads() int {
	return p.MaxThreads() - p.LeasedThreads()
}

// UtilizedThreads returns the workers that are neither leased nor ready.
func (p *QueuedThreadPool) UtilizedThreads() int {
	return p.Threads() - p.LeasedThreads() - p.ReadyThreads()
}

// UtilizationRate returns UtilizedThreads over MaxAvailableThreads.
func (p *QueuedThreadPool) UtilizationRate() float64 {
	available := p.MaxAvailableThreads()
	if available <= 0 {
		return 0
	}
	return float64(p.UtilizedThreads()) / float64(available)
}

// IsLowOnThreads reports whether the pool is at or near exhaustion.
func (p *QueuedThreadPool) IsLowOnThreads() bool {
	return p.MaxThreads()-p.Threads()+p.ReadyThreads()-p.QueueSize() <= p.LowThreadsThreshold()
}

func (p *QueuedThreadPool) String() string {
	return fmt.Sprintf("%s[%s]@%x{%s,%d<=%d<=%d,i=%d,r=%d,q=%d}[%v]",
		"QueuedThreadPool", p.name, poolID(p), p.State(),
		p.MinThreads(), p.Threads(), p.MaxThreads(), p.IdleThreads(),
		p.reservedAvailable(), p.QueueSize(), p.TryExecutor())
}
