package server

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Default buffer tiers.
const (
	DefaultSmallBufferSize  = 4 << 10
	DefaultMediumBufferSize = 64 << 10
	DefaultLargeBufferSize  = 1 << 20
)

// ByteBufferPoolConfig sizes the three tiers of a ByteBufferPool. Zero
// values take the defaults.
type ByteBufferPoolConfig struct {
	SmallSize  int
	MediumSize int
	LargeSize  int
}

// ByteBufferPool hands out reusable byte slices from three size tiers.
// Requests above the large tier are allocated directly and never pooled.
type ByteBufferPool struct {
	tiers [3]bufferTier

	acquired atomic.Int64
	released atomic.Int64
}

type bufferTier struct {
	size int
	pool sync.Pool
}

// NewByteBufferPool returns a pool; cfg may be nil.
func NewByteBufferPool(cfg *ByteBufferPoolConfig) *ByteBufferPool {
	sizes := [3]int{DefaultSmallBufferSize, DefaultMediumBufferSize, DefaultLargeBufferSize}
	if cfg != nil {
		for i, s := range []int{cfg.SmallSize, cfg.MediumSize, cfg.LargeSize} {
			if s > 0 {
				sizes[i] = s
			}
		}
	}

	p := &ByteBufferPool{}
	for i := range p.tiers {
		size := sizes[i]
		p.tiers[i].size = size
		p.tiers[i].pool.New = func() any {
			buf := make([]byte, size)
			return &buf
		}
	}
	return p
}

func (p *ByteBufferPool) tier(capacity int) *bufferTier {
	for i := range p.tiers {
		if capacity <= p.tiers[i].size {
			return &p.tiers[i]
		}
	}
	return nil
}

// Acquire returns a slice of length size. Its capacity may be larger.
func (p *ByteBufferPool) Acquire(size int) []byte {
	p.acquired.Add(1)
	t := p.tier(size)
	if t == nil {
		return make([]byte, size)
	}
	buf := t.pool.Get().(*[]byte)
	return (*buf)[:size]
}

// Release returns buf to its tier. Slices whose capacity matches no tier
// are dropped.
func (p *ByteBufferPool) Release(buf []byte) {
	if buf == nil {
		return
	}
	p.released.Add(1)
	c := cap(buf)
	for i := range p.tiers {
		if c == p.tiers[i].size {
			buf = buf[:c]
			p.tiers[i].pool.Put(&buf)
			return
		}
	}
}

// Outstanding is the number of buffers acquired and not yet released.
func (p *ByteBufferPool) Outstanding() int64 {
	return p.acquired.Load() - p.released.Load()
}

func (p *ByteBufferPool) String() string {
	return fmt.Sprintf("ByteBufferPool@%x{%d/%d/%d,outstanding=%d}",
		objectID(p), p.tiers[0].size, p.tiers[1].size, p.tiers[2].size, p.Outstanding())
}
