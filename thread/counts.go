package thread

import (
	"fmt"
	"math"
	"sync/atomic"
)

// MinSentinel marks the thread count of a stopped pool. Once the high half
// of the counts holds it, no thread is added or started.
const MinSentinel int32 = math.MinInt32

// Counts is a pair of 32-bit counters packed into one 64-bit word so that
// both can be updated by a single compare-and-swap.
//
// For a QueuedThreadPool Hi is the number of threads and Lo is the number of
// idle threads minus the number of queued jobs.
type Counts struct {
	Hi int32
	Lo int32
}

func (c Counts) encode() uint64 {
	return uint64(uint32(c.Hi))<<32 | uint64(uint32(c.Lo))
}

func decodeCounts(v uint64) Counts {
	return Counts{Hi: int32(uint32(v >> 32)), Lo: int32(uint32(v))}
}

func (c Counts) String() string {
	return fmt.Sprintf("{hi=%d,lo=%d}", c.Hi, c.Lo)
}

// AtomicCounts is an atomically updated Counts.
type AtomicCounts struct {
	v atomic.Uint64
}

// NewAtomicCounts returns counts initialised to hi and lo.
func NewAtomicCounts(hi, lo int32) *AtomicCounts {
	a := &AtomicCounts{}
	a.Set(hi, lo)
	return a
}

func (a *AtomicCounts) Get() Counts {
	return decodeCounts(a.v.Load())
}

func (a *AtomicCounts) Hi() int32 {
	return a.Get().Hi
}

func (a *AtomicCounts) Lo() int32 {
	return a.Get().Lo
}

func (a *AtomicCounts) Set(hi, lo int32) {
	a.v.Store(Counts{Hi: hi, Lo: lo}.encode())
}

// CompareAndSet replaces expect with (hi, lo) when both halves still match.
func (a *AtomicCounts) CompareAndSet(expect Counts, hi, lo int32) bool {
	return a.v.CompareAndSwap(expect.encode(), Counts{Hi: hi, Lo: lo}.encode())
}

// GetAndSetHi replaces the high half and returns its previous value.
func (a *AtomicCounts) GetAndSetHi(hi int32) int32 {
	for {
		old := a.v.Load()
		c := decodeCounts(old)
		if a.v.CompareAndSwap(old, Counts{Hi: hi, Lo: c.Lo}.encode()) {
			return c.Hi
		}
	}
}

func (a *AtomicCounts) String() string {
	return a.Get().String()
}
