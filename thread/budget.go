package thread

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/GoCodeAlone/component"
)

// Lease is a reservation of threads from a pool budget.
type Lease interface {
	Threads() int
	Close() error
}

type noopLease struct{}

func (noopLease) Threads() int { return 0 }
func (noopLease) Close() error { return nil }

// ThreadPoolBudget tracks the threads that components such as acceptors and
// reserved threads permanently take from a SizedThreadPool, and refuses
// leases that would leave no thread for ordinary jobs.
type ThreadPoolBudget struct {
	pool   SizedThreadPool
	warnAt int

	mu     sync.Mutex
	leases []*leased
	warned atomic.Bool
	logger component.Logger
}

type leased struct {
	budget  *ThreadPoolBudget
	leasee  any
	threads int
	closed  atomic.Bool
}

func (l *leased) Threads() int {
	return l.threads
}

func (l *leased) Close() error {
	if l.closed.CompareAndSwap(false, true) {
		l.budget.release(l)
	}
	return nil
}

func (l *leased) String() string {
	return fmt.Sprintf("%v:%d", l.leasee, l.threads)
}

// NewThreadPoolBudget returns a budget over pool. Low-thread warnings are
// disabled until SetWarnAt is called.
func NewThreadPoolBudget(pool SizedThreadPool) *ThreadPoolBudget {
	return &ThreadPoolBudget{pool: pool, warnAt: -1, logger: component.NopLogger()}
}

func (b *ThreadPoolBudget) SizedThreadPool() SizedThreadPool {
	return b.pool
}

// SetWarnAt sets the remainder below which a single warning is logged.
func (b *ThreadPoolBudget) SetWarnAt(warnAt int) {
	b.mu.Lock()
	b.warnAt = warnAt
	b.mu.Unlock()
}

func (b *ThreadPoolBudget) SetLogger(logger component.Logger) {
	if logger == nil {
		logger = component.NopLogger()
	}
	b.mu.Lock()
	b.logger = logger
	b.mu.Unlock()
}

// LeasedThreads returns the sum of the outstanding leases.
func (b *ThreadPoolBudget) LeasedThreads() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.leasedLocked()
}

func (b *ThreadPoolBudget) leasedLocked() int {
	total := 0
	for _, l := range b.leases {
		total += l.threads
	}
	return total
}

// Reset forgets every lease.
func (b *ThreadPoolBudget) Reset() {
	b.mu.Lock()
	b.leases = nil
	b.mu.Unlock()
	b.warned.Store(false)
}

// LeaseTo reserves threads for leasee. The lease is refused when it would
// leave the pool without a spare thread.
func (b *ThreadPoolBudget) LeaseTo(leasee any, threads int) (Lease, error) {
	l := &leased{budget: b, leasee: leasee, threads: threads}
	b.mu.Lock()
	b.leases = append(b.leases, l)
	b.mu.Unlock()

	if _, err := b.Check(b.pool.MaxThreads()); err != nil {
		_ = l.Close()
		return nil, err
	}
	return l, nil
}

// Check verifies that maxThreads covers the outstanding leases. It reports
// false, after warning once, when the remainder is below the warn level.
func (b *ThreadPoolBudget) Check(maxThreads int) (bool, error) {
	b.mu.Lock()
	required := b.leasedLocked()
	warnAt := b.warnAt
	logger := b.logger
	leases := fmt.Sprint(b.leases)
	b.mu.Unlock()

	left := maxThreads - required
	if left <= 0 {
		logger.Info("Thread pool leases", "pool", b.pool, "leases", leases)
		return false, fmt.Errorf("%w: required=%d < max=%d for %v",
			ErrInsufficientThreads, required, maxThreads, b.pool)
	}
	if left < warnAt {
		if b.warned.CompareAndSwap(false, true) {
			logger.Info("Low configured threads", "max", maxThreads, "required", required,
				"left", left, "warn_at", warnAt, "pool", b.pool, "leases", leases)
		}
		return false, nil
	}
	return true, nil
}

func (b *ThreadPoolBudget) release(l *leased) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, existing := range b.leases {
		if existing == l {
			b.leases = append(b.leases[:i:i], b.leases[i+1:]...)
			return
		}
	}
}

// LeaseFrom leases threads from the budget of executor. Executors without a
// budget yield a lease that holds nothing.
func LeaseFrom(executor Executor, leasee any, threads int) (Lease, error) {
	if pool, ok := executor.(SizedThreadPool); ok {
		if budget := pool.ThreadPoolBudget(); budget != nil {
			return budget.LeaseTo(leasee, threads)
		}
	}
	return noopLease{}, nil
}
